package catalog

import (
	"database/sql"

	"github.com/mevdschee/tqcatalog/backend"
)

// Row is one result row. A Row handed to a callback is a view that is
// overwritten by the next row; copy it to keep it.
type Row []sql.NullString

// FieldDescriptor describes one result column.
type FieldDescriptor struct {
	Name  string
	Type  uint32
	Flags int
	// MaxLength is the widest text value of the column, NULL counting as 4.
	MaxLength int
}

// ResultBuffer holds the rows of one statement. It is only valid inside the
// callback it was passed to.
type ResultBuffer struct {
	res      *backend.Result
	view     Row
	next     int
	fields   []FieldDescriptor
	released bool
}

func newResultBuffer(res *backend.Result, view Row) *ResultBuffer {
	n := len(res.Fields)
	if cap(view) < n {
		view = make(Row, n)
	}
	return &ResultBuffer{res: res, view: view[:n]}
}

// release invalidates the buffer and hands back the row view for reuse.
func (b *ResultBuffer) release() Row {
	b.released = true
	b.res = nil
	b.fields = nil
	view := b.view
	b.view = nil
	return view
}

// NumRows returns the number of rows, or 0 once released.
func (b *ResultBuffer) NumRows() int {
	if b.released {
		return 0
	}
	return len(b.res.Rows)
}

// NumFields returns the number of columns, or 0 once released.
func (b *ResultBuffer) NumFields() int {
	if b.released {
		return 0
	}
	return len(b.res.Fields)
}

// AffectedRows returns the row count reported for the statement.
func (b *ResultBuffer) AffectedRows() int64 {
	if b.released {
		return 0
	}
	return b.res.RowsAffected
}

// Next returns the next row, or nil after the last one.
func (b *ResultBuffer) Next() (Row, error) {
	if b.released {
		return nil, ErrResultReleased
	}
	return b.nextRow(), nil
}

func (b *ResultBuffer) nextRow() Row {
	if len(b.view) == 0 || b.next < 0 || b.next >= len(b.res.Rows) {
		return nil
	}
	for i, cell := range b.res.Rows[b.next] {
		b.view[i] = backend.NullString(cell)
	}
	b.next++
	return b.view
}

// Seek positions the row cursor so that Next returns row i. Seeking past
// the last row is allowed, Next then returns no row.
func (b *ResultBuffer) Seek(i int) error {
	if b.released {
		return ErrResultReleased
	}
	if i < 0 {
		return ErrNoSuchRow
	}
	b.next = i
	return nil
}

// Field describes column i. Column widths are computed for all columns on
// the first call.
func (b *ResultBuffer) Field(i int) (FieldDescriptor, error) {
	fields, err := b.Fields()
	if err != nil {
		return FieldDescriptor{}, err
	}
	if i < 0 || i >= len(fields) {
		return FieldDescriptor{}, ErrNoSuchField
	}
	return fields[i], nil
}

// Fields describes all columns.
func (b *ResultBuffer) Fields() ([]FieldDescriptor, error) {
	if b.released {
		return nil, ErrResultReleased
	}
	if b.fields == nil {
		b.fields = make([]FieldDescriptor, len(b.res.Fields))
		for i, f := range b.res.Fields {
			max := 0
			for _, row := range b.res.Rows {
				n := 4
				if row[i] != nil {
					n = len(row[i])
				}
				if n > max {
					max = n
				}
			}
			b.fields[i] = FieldDescriptor{Name: f.Name, Type: f.TypeOID, Flags: f.Flags, MaxLength: max}
		}
	}
	return b.fields, nil
}
