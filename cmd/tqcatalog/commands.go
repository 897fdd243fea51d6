package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mevdschee/tqcatalog/catalog"
	"github.com/mevdschee/tqcatalog/copyline"
	"github.com/mevdschee/tqcatalog/writebatch"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Connect to the catalog and validate the connection",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withHandle(cmd.Context(), func(h *catalog.Handle) error {
			if !h.Validate(cmd.Context()) {
				return fmt.Errorf("catalog connection unhealthy: %s", h.ErrorMessage())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok %s\n", h.ID())
			return nil
		})
	},
}

var queryCmd = &cobra.Command{
	Use:   "query <statement>",
	Short: "Run one statement and print its rows",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withHandle(cmd.Context(), func(h *catalog.Handle) error {
			return runQuery(cmd.Context(), h, args[0], cmd.OutOrStdout())
		})
	},
}

var queryLargeCmd = &cobra.Command{
	Use:   "query-large <select>",
	Short: "Stream the rows of a SELECT through a server side cursor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withHandle(cmd.Context(), func(h *catalog.Handle) error {
			return runQueryLarge(cmd.Context(), h, args[0], cmd.OutOrStdout())
		})
	},
}

var loadCmd = &cobra.Command{
	Use:   "load [file]",
	Short: "Load attribute records in batch table format into the catalog",
	Long: "Reads tab separated attribute lines (FileIndex, JobId, Path, Name, LStat, " +
		"MD5, DeltaSeq, Fhinfo, Fhnode) from a file or standard input and loads " +
		"them through the attribute spooler.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := cmd.InOrStdin()
		if len(args) == 1 {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		return withHandle(cmd.Context(), func(h *catalog.Handle) error {
			n, err := runLoad(cmd.Context(), h, cfg.Spool, in)
			fmt.Fprintf(cmd.OutOrStdout(), "%d records loaded\n", n)
			return err
		})
	},
}

func runQuery(ctx context.Context, h *catalog.Handle, stmt string, w io.Writer) error {
	return h.QueryResult(ctx, stmt, func(buf *catalog.ResultBuffer) error {
		fields, err := buf.Fields()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			fmt.Fprintf(w, "%d rows affected\n", buf.AffectedRows())
			return nil
		}
		names := make([]string, len(fields))
		for i, f := range fields {
			names[i] = f.Name
		}
		fmt.Fprintln(w, strings.Join(names, "\t"))
		for {
			row, err := buf.Next()
			if err != nil {
				return err
			}
			if row == nil {
				return nil
			}
			writeRow(w, row)
		}
	})
}

func runQueryLarge(ctx context.Context, h *catalog.Handle, stmt string, w io.Writer) error {
	bw := bufio.NewWriter(w)
	defer bw.Flush()
	return h.QueryLarge(ctx, stmt, func(row catalog.Row) bool {
		writeRow(bw, row)
		return false
	})
}

func writeRow(w io.Writer, row catalog.Row) {
	cells := make([]string, len(row))
	for i, c := range row {
		if c.Valid {
			cells[i] = c.String
		} else {
			cells[i] = "NULL"
		}
	}
	fmt.Fprintln(w, strings.Join(cells, "\t"))
}

// runLoad spools every line of r into the catalog and returns the number of
// records loaded.
func runLoad(ctx context.Context, h *catalog.Handle, spool writebatch.Config, r io.Reader) (int, error) {
	m := writebatch.New(h, spool)
	defer m.Close()

	tuneCtx, stopTuning := context.WithCancel(ctx)
	defer stopTuning()
	go m.StartAdaptiveAdjustment(tuneCtx)

	var loaded atomic.Int64
	var g errgroup.Group
	// Enough producers in flight to fill one load
	g.SetLimit(max(spool.MaxBatchSize, 1))

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		rec, err := parseRecord(sc.Bytes())
		if err != nil {
			g.Wait()
			return int(loaded.Load()), fmt.Errorf("line %d: %w", line, err)
		}
		g.Go(func() error {
			if res := m.Enqueue(ctx, rec); res.Error != nil {
				return res.Error
			}
			loaded.Add(1)
			return nil
		})
	}
	err := g.Wait()
	if serr := sc.Err(); serr != nil && err == nil {
		err = serr
	}
	return int(loaded.Load()), err
}

func parseRecord(line []byte) (catalog.AttributesRecord, error) {
	fields, err := copyline.Decode(line)
	if err != nil {
		return catalog.AttributesRecord{}, err
	}
	if len(fields) < 6 {
		return catalog.AttributesRecord{}, fmt.Errorf("expected at least 6 fields, got %d", len(fields))
	}

	var rec catalog.AttributesRecord
	nums := []struct {
		idx  int
		bits int
		set  func(uint64)
	}{
		{0, 32, func(v uint64) { rec.FileIndex = uint32(v) }},
		{1, 32, func(v uint64) { rec.JobID = uint32(v) }},
		{6, 32, func(v uint64) { rec.DeltaSeq = uint32(v) }},
		{7, 64, func(v uint64) { rec.Fhinfo = v }},
		{8, 64, func(v uint64) { rec.Fhnode = v }},
	}
	for _, n := range nums {
		if n.idx >= len(fields) || !fields[n.idx].Valid {
			continue
		}
		v, err := strconv.ParseUint(fields[n.idx].String, 10, n.bits)
		if err != nil {
			return catalog.AttributesRecord{}, fmt.Errorf("field %d: %w", n.idx+1, err)
		}
		n.set(v)
	}
	rec.Path = fields[2].String
	rec.Name = fields[3].String
	rec.Attr = fields[4].String
	if d := fields[5].String; d != "0" {
		rec.Digest = d
	}
	return rec, nil
}
