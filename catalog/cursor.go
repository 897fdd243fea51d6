package catalog

import (
	"context"
	"fmt"

	"github.com/mevdschee/tqcatalog/metrics"
	"github.com/mevdschee/tqcatalog/parser"
)

var (
	fetchStmt = fmt.Sprintf("FETCH %d FROM %s", CursorPageSize, CursorName)
	closeStmt = "CLOSE " + CursorName
)

// QueryLarge streams the rows of a SELECT through a server side cursor,
// CursorPageSize rows at a time, so the full result is never held in
// memory. Other statements are passed to Query. A cursor needs a
// transaction; when none is open one is started and committed around the
// stream, leaving the handle as it was found.
func (h *Handle) QueryLarge(ctx context.Context, stmt string, fn RowHandler) error {
	if !parser.Parse(stmt).IsSelect() {
		return h.Query(ctx, stmt, fn)
	}
	if fn == nil {
		return ErrNoHandler
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.usable(); err != nil {
		return err
	}

	implicit := !h.txActive
	if implicit {
		if _, err := h.execute(ctx, "BEGIN"); err != nil {
			return err
		}
		h.cursorTx = true
	}

	err := h.streamCursor(ctx, stmt, fn)

	if implicit {
		if _, cerr := h.execute(ctx, "COMMIT"); cerr != nil && err == nil {
			err = cerr
		}
		h.cursorTx = false
	}
	return err
}

func (h *Handle) streamCursor(ctx context.Context, stmt string, fn RowHandler) error {
	if _, err := h.execute(ctx, "DECLARE "+CursorName+" CURSOR FOR "+stmt); err != nil {
		return err
	}

	for done := false; !done; {
		res, err := h.execute(ctx, fetchStmt)
		if err != nil {
			return err
		}
		metrics.CursorPages.Inc()
		if len(res.Rows) == 0 {
			break
		}
		buf := newResultBuffer(res, h.view)
		for row := buf.nextRow(); row != nil; row = buf.nextRow() {
			if fn(row) {
				done = true
				break
			}
		}
		h.view = buf.release()
	}

	_, err := h.execute(ctx, closeStmt)
	return err
}
