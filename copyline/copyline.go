// Package copyline encodes and decodes rows in the PostgreSQL COPY text
// format: one row per line, fields separated by a horizontal tab, the
// backslash as escape character and \N for NULL.
package copyline

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const (
	// Delimiter separates fields on a line.
	Delimiter = '\t'
	// Terminator ends every line.
	Terminator = '\n'
	// Null is the field text that denotes SQL NULL.
	Null = `\N`
)

// ErrBadEscape is returned by Unescape for malformed backslash sequences.
var ErrBadEscape = errors.New("copyline: malformed escape sequence")

// AppendEscaped appends s to dst, backslash-escaping newline, carriage
// return, tab and backslash. Text after an embedded NUL byte is dropped
// because the server cannot store it.
func AppendEscaped(dst []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case 0:
			return dst
		case '\n':
			dst = append(dst, '\\', 'n')
		case '\r':
			dst = append(dst, '\\', 'r')
		case '\t':
			dst = append(dst, '\\', 't')
		case '\\':
			dst = append(dst, '\\', '\\')
		default:
			dst = append(dst, c)
		}
	}
	return dst
}

// Escape returns s escaped for use as one COPY text field.
func Escape(s string) string {
	if strings.IndexAny(s, "\x00\n\r\t\\") < 0 {
		return s
	}
	return string(AppendEscaped(make([]byte, 0, len(s)+8), s))
}

// Unescape reverses the COPY text escaping of one field, including the
// \b \f \v, octal \ooo and hex \xhh forms the server accepts.
func Unescape(s string) (string, error) {
	if strings.IndexByte(s, '\\') < 0 {
		return s, nil
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(s) {
			return b.String(), fmt.Errorf("%w: trailing backslash", ErrBadEscape)
		}
		switch c = s[i]; c {
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case 'v':
			b.WriteByte('\v')
		case 'x':
			v, n := parseDigits(s[i+1:], 16, 2)
			if n == 0 {
				return b.String(), fmt.Errorf("%w: \\x without hex digits", ErrBadEscape)
			}
			b.WriteByte(byte(v))
			i += n
		case '0', '1', '2', '3', '4', '5', '6', '7':
			v, n := parseDigits(s[i:], 8, 3)
			b.WriteByte(byte(v))
			i += n - 1
		default:
			// Any other escaped character stands for itself.
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

func parseDigits(s string, base, max int) (int, int) {
	v, n := 0, 0
	for n < max && n < len(s) {
		d := digitValue(s[n])
		if d < 0 || d >= base {
			break
		}
		v = v*base + d
		n++
	}
	return v, n
}

func digitValue(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	default:
		return -1
	}
}

// Decode splits one COPY text line into its fields. The trailing
// terminator is optional.
func Decode(line []byte) ([]sql.NullString, error) {
	line = bytes.TrimSuffix(line, []byte{Terminator})
	parts := bytes.Split(line, []byte{Delimiter})
	fields := make([]sql.NullString, len(parts))
	for i, part := range parts {
		if string(part) == Null {
			continue
		}
		v, err := Unescape(string(part))
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", i+1, err)
		}
		fields[i] = sql.NullString{String: v, Valid: true}
	}
	return fields, nil
}

// Encode renders fields as one terminated COPY text line, escaping every
// field. Invalid entries are written as \N.
func Encode(fields []sql.NullString) []byte {
	var line []byte
	for i, f := range fields {
		if i > 0 {
			line = append(line, Delimiter)
		}
		if !f.Valid {
			line = append(line, Null...)
			continue
		}
		line = AppendEscaped(line, f.String)
	}
	return append(line, Terminator)
}
