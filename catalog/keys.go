package catalog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mevdschee/tqcatalog/backend"
)

// maxIdentifierLength is the longest name PostgreSQL keeps.
const maxIdentifierLength = 63

// GeneratedKey is the outcome of InsertWithGeneratedKey. Determinate is
// false when the insert did not affect exactly one row; ID is zero then.
type GeneratedKey struct {
	ID          uint64
	Determinate bool
}

// SequenceName returns the sequence backing the primary key of table:
// <table>_<table>id_seq, except basefiles whose key column is baseid.
func SequenceName(table string) string {
	var seq string
	if strings.EqualFold(table, "basefiles") {
		seq = "basefiles_baseid_seq"
	} else {
		seq = table + "_" + table + "id_seq"
	}
	if len(seq) > maxIdentifierLength {
		seq = seq[:maxIdentifierLength]
	}
	return seq
}

// InsertWithGeneratedKey runs an insert into table and returns the key the
// server generated for the new row, read with currval from the session.
func (h *Handle) InsertWithGeneratedKey(ctx context.Context, stmt, table string) (GeneratedKey, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.usable(); err != nil {
		return GeneratedKey{}, err
	}
	if err := h.beginForMutation(ctx, stmt); err != nil {
		return GeneratedKey{}, err
	}

	if _, err := h.execute(ctx, stmt); err != nil {
		return GeneratedKey{}, err
	}
	if h.affected != 1 {
		return GeneratedKey{}, nil
	}

	query := "SELECT currval('" + SequenceName(table) + "')"
	res, err := h.dispatch(ctx, query)
	if err != nil {
		h.errmsg = err.Error()
		return GeneratedKey{}, err
	}
	if res.Status != backend.StatusTuples || len(res.Rows) == 0 || len(res.Rows[0]) == 0 {
		cause := res.Err
		if cause == nil {
			cause = errors.New("no value returned")
		}
		h.errmsg = fmt.Sprintf("error fetching currval: %v", cause)
		return GeneratedKey{}, &QueryError{Stmt: query, Fatal: res.Status == backend.StatusFatal, Err: cause}
	}
	id, err := strconv.ParseUint(string(res.Rows[0][0]), 10, 64)
	if err != nil {
		h.errmsg = fmt.Sprintf("error fetching currval: %v", err)
		return GeneratedKey{}, &QueryError{Stmt: query, Err: err}
	}
	h.affected = 1

	if err := h.countChange(ctx); err != nil {
		return GeneratedKey{ID: id, Determinate: true}, err
	}
	return GeneratedKey{ID: id, Determinate: true}, nil
}
