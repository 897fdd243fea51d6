package fakebackend

import (
	"context"
	"errors"
	"testing"

	"github.com/mevdschee/tqcatalog/backend"
)

func open(t *testing.T, b *Backend) backend.Conn {
	t.Helper()
	c, err := b.Open(context.Background(), backend.Params{Name: "catalog"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return c
}

func TestQueryMatching(t *testing.T) {
	b := New()
	b.AddQuery("SELECT Name FROM Client", MakeResult([]string{"name"}, [][]any{{"fd1"}, {nil}}))
	b.AddQueryPattern(`DELETE FROM File WHERE JobId = \d+`, CommandResult("DELETE 3", 3))
	b.AddRejectedQuery("SELECT broken", "syntax error")
	c := open(t, b)
	ctx := context.Background()

	res, err := c.Exec(ctx, "select name from client")
	if err != nil || res.Status != backend.StatusTuples || len(res.Rows) != 2 {
		t.Fatalf("exact match = %+v, %v", res, err)
	}
	if res.Rows[1][0] != nil {
		t.Errorf("nil value should be NULL, got %q", res.Rows[1][0])
	}

	res, _ = c.Exec(ctx, "DELETE FROM File WHERE JobId = 42")
	if res.RowsAffected != 3 {
		t.Errorf("pattern match = %+v", res)
	}
	if n := b.GetPatternCalledNum(`DELETE FROM File WHERE JobId = \d+`); n != 1 {
		t.Errorf("pattern called %d times, want 1", n)
	}

	res, _ = c.Exec(ctx, "SELECT broken")
	if res.Status != backend.StatusError {
		t.Errorf("rejected query status = %v", res.Status)
	}

	res, _ = c.Exec(ctx, "SELECT unknown")
	if res.Status != backend.StatusError {
		t.Errorf("unknown query status = %v", res.Status)
	}
	b.SetNeverFail(true)
	res, _ = c.Exec(ctx, "SELECT unknown")
	if res.Status != backend.StatusCommand {
		t.Errorf("never fail status = %v", res.Status)
	}

	if n := b.GetQueryCalledNum("SELECT unknown"); n != 2 {
		t.Errorf("GetQueryCalledNum = %d, want 2", n)
	}
	if got := len(b.Queries()); got != 5 {
		t.Errorf("query log has %d entries, want 5", got)
	}
}

func TestInjectedFailures(t *testing.T) {
	b := New()
	c := open(t, b)
	ctx := context.Background()

	b.FailDispatch("SELECT 1", 2)
	for i := 0; i < 2; i++ {
		if _, err := c.Exec(ctx, "SELECT 1"); !errors.Is(err, backend.ErrDispatch) {
			t.Fatalf("attempt %d: err = %v, want ErrDispatch", i, err)
		}
	}
	b.InjectFatal("SELECT 1", 1)
	if res, _ := c.Exec(ctx, "SELECT 1"); res.Status != backend.StatusFatal {
		t.Errorf("status = %v, want fatal", res.Status)
	}
	if res, _ := c.Exec(ctx, "SELECT 1"); res.Status != backend.StatusTuples {
		t.Errorf("status after injected failures = %v", res.Status)
	}

	b.FailOpen(1)
	if _, err := b.Open(ctx, backend.Params{}); err == nil {
		t.Error("Open should fail once")
	}
	if _, err := b.Open(ctx, backend.Params{}); err != nil {
		t.Errorf("second Open failed: %v", err)
	}
}

func TestCopyCapture(t *testing.T) {
	b := New()
	c := open(t, b)
	ctx := context.Background()

	b.BlockCopy(1)
	s, err := c.CopyIn(ctx, "batch", nil)
	if err != nil {
		t.Fatalf("CopyIn failed: %v", err)
	}
	if err := s.PutData([]byte("1\ta\n")); !errors.Is(err, backend.ErrWouldBlock) {
		t.Fatalf("first write = %v, want ErrWouldBlock", err)
	}
	if err := s.PutData([]byte("1\ta\n")); err != nil {
		t.Fatalf("PutData failed: %v", err)
	}
	if err := s.PutData([]byte("2\tb\n")); err != nil {
		t.Fatalf("PutData failed: %v", err)
	}
	if err := s.PutEnd(""); err != nil {
		t.Fatalf("PutEnd failed: %v", err)
	}
	res, err := s.Result(ctx)
	if err != nil || res.RowsAffected != 2 {
		t.Fatalf("Result = %+v, %v", res, err)
	}

	copies := b.Copies()
	if len(copies) != 1 || copies[0].Table != "batch" || !copies[0].Ended {
		t.Fatalf("copies = %+v", copies)
	}
	if lines := copies[0].Lines(); len(lines) != 2 || lines[1] != "2\tb" {
		t.Errorf("lines = %q", lines)
	}
}

func TestCloseCounts(t *testing.T) {
	b := New()
	c := open(t, b)
	ctx := context.Background()

	c.Close(ctx)
	c.Close(ctx)
	if b.Closes() != 1 {
		t.Errorf("Closes = %d, want 1", b.Closes())
	}
	if res, _ := c.Exec(ctx, "SELECT 1"); res.Status != backend.StatusFatal {
		t.Errorf("Exec on closed conn = %v, want fatal", res.Status)
	}
}
