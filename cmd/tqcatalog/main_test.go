package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mevdschee/tqcatalog/backend"
	"github.com/mevdschee/tqcatalog/catalog"
	"github.com/mevdschee/tqcatalog/fakebackend"
	"github.com/mevdschee/tqcatalog/metrics"
	"github.com/mevdschee/tqcatalog/writebatch"
)

func newTestRegistry(fb *fakebackend.Backend) *catalog.Registry {
	return catalog.NewRegistry(
		catalog.WithDriver("fake", fb),
		catalog.WithSleeper(func(time.Duration) {}),
		catalog.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func acquire(t *testing.T, fb *fakebackend.Backend) (*catalog.Registry, *catalog.Handle) {
	t.Helper()
	reg := newTestRegistry(fb)
	h, err := reg.Acquire(context.Background(), catalog.Config{
		Params: backend.Params{Driver: "fake", Name: "bareos", User: "bareos"},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Close(context.Background()) })
	return reg, h
}

func TestParseRecord(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    catalog.AttributesRecord
		wantErr bool
	}{
		{
			name: "all fields",
			line: "3\t9\t/etc/\tpasswd\tP0A\tabc\t1\t2\t3",
			want: catalog.AttributesRecord{
				FileIndex: 3, JobID: 9, Path: "/etc/", Name: "passwd", Attr: "P0A",
				Digest: "abc", DeltaSeq: 1, Fhinfo: 2, Fhnode: 3,
			},
		},
		{
			name: "zero digest and short line",
			line: "1\t2\t/tmp/\tx\tP0A\t0",
			want: catalog.AttributesRecord{FileIndex: 1, JobID: 2, Path: "/tmp/", Name: "x", Attr: "P0A"},
		},
		{
			name: "escaped path",
			line: "1\t2\t/a\\tb/\tn\\\\m\tP0A\t0",
			want: catalog.AttributesRecord{FileIndex: 1, JobID: 2, Path: "/a\tb/", Name: `n\m`, Attr: "P0A"},
		},
		{name: "too few fields", line: "1\t2\t/tmp/", wantErr: true},
		{name: "bad job id", line: "1\tjob\t/tmp/\tx\tP0A\t0", wantErr: true},
		{name: "file index overflow", line: "4294967296\t2\t/tmp/\tx\tP0A\t0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseRecord([]byte(tt.line))
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseRecord() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestRunQuery_Rows(t *testing.T) {
	fb := fakebackend.New()
	fb.AddQuery("SELECT Name, Uname FROM Client", fakebackend.MakeResult(
		[]string{"name", "uname"},
		[][]any{{"fd1", "linux"}, {"fd2", nil}},
	))
	_, h := acquire(t, fb)

	var out bytes.Buffer
	if err := runQuery(context.Background(), h, "SELECT Name, Uname FROM Client", &out); err != nil {
		t.Fatalf("runQuery() error: %v", err)
	}
	want := "name\tuname\nfd1\tlinux\nfd2\tNULL\n"
	if out.String() != want {
		t.Errorf("Expected %q, got %q", want, out.String())
	}
}

func TestRunQuery_Command(t *testing.T) {
	fb := fakebackend.New()
	fb.AddQuery("DELETE FROM Log WHERE JobId = 7", fakebackend.CommandResult("DELETE 3", 3))
	_, h := acquire(t, fb)

	var out bytes.Buffer
	if err := runQuery(context.Background(), h, "DELETE FROM Log WHERE JobId = 7", &out); err != nil {
		t.Fatalf("runQuery() error: %v", err)
	}
	if out.String() != "3 rows affected\n" {
		t.Errorf("Unexpected output %q", out.String())
	}
}

func TestRunQuery_Rejected(t *testing.T) {
	fb := fakebackend.New()
	fb.AddRejectedQuery("SELECT * FROM Nope", `relation "nope" does not exist`)
	_, h := acquire(t, fb)

	if err := runQuery(context.Background(), h, "SELECT * FROM Nope", io.Discard); err == nil {
		t.Error("Expected error for rejected statement")
	}
}

func TestRunLoad(t *testing.T) {
	fb := fakebackend.New()
	fb.AddQueryPattern(`CREATE TEMPORARY TABLE batch .*`, fakebackend.CommandResult("CREATE TABLE", 0))
	fb.AddQueryPattern(`INSERT INTO (Path|File) .*`, fakebackend.CommandResult("INSERT 0 0", 0))
	fb.AddQuery("DROP TABLE batch", fakebackend.CommandResult("DROP TABLE", 0))
	_, h := acquire(t, fb)

	input := "1\t5\t/etc/\thosts\tP0A\t0\n" +
		"\n" +
		"2\t5\t/etc/\tpasswd\tP0B\tabc\n"

	spool := writebatch.DefaultConfig()
	spool.InitialDelayMs = 5
	n, err := runLoad(context.Background(), h, spool, strings.NewReader(input))
	if err != nil {
		t.Fatalf("runLoad() error: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 records loaded, got %d", n)
	}

	var lines []string
	for _, c := range fb.Copies() {
		lines = append(lines, c.Lines()...)
	}
	if len(lines) != 2 {
		t.Errorf("Expected 2 batch lines, got %v", lines)
	}
}

func TestRunLoad_BadLine(t *testing.T) {
	fb := fakebackend.New()
	_, h := acquire(t, fb)

	_, err := runLoad(context.Background(), h, writebatch.DefaultConfig(), strings.NewReader("not a record\n"))
	if err == nil || !strings.Contains(err.Error(), "line 1") {
		t.Errorf("Expected line 1 error, got %v", err)
	}
}

func TestRouter_Healthz(t *testing.T) {
	reg, _ := acquire(t, fakebackend.New())
	router := newRouter(reg)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != "ok" {
		t.Errorf("Unexpected body %q", rec.Body.String())
	}
}

func TestRouter_HealthzWithoutHandles(t *testing.T) {
	router := newRouter(newTestRegistry(fakebackend.New()))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", rec.Code)
	}
}

func TestRouter_Metrics(t *testing.T) {
	metrics.Init()
	reg, h := acquire(t, fakebackend.New())
	if err := h.Query(context.Background(), "SELECT 1", nil); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	newRouter(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "tqcatalog_query_total") {
		t.Error("Expected tqcatalog_query_total in metrics output")
	}
}
