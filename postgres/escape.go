package postgres

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
)

var (
	// ErrNulInString is reported when text contains a NUL byte, which no
	// literal can carry. The output is cut at the NUL.
	ErrNulInString = errors.New("string contains NUL byte")

	// ErrBadBytea is reported for malformed escape format bytea input.
	ErrBadBytea = errors.New("malformed bytea value")
)

// EscapeString doubles single quotes for a standard conforming literal.
func (c *Conn) EscapeString(s string) (string, error) {
	var err error
	if i := strings.IndexByte(s, 0); i >= 0 {
		s = s[:i]
		err = ErrNulInString
	}
	return strings.ReplaceAll(s, "'", "''"), err
}

// EscapeBytea renders b in hex format. The result is safe inside a quoted
// literal when standard_conforming_strings is on.
func (c *Conn) EscapeBytea(b []byte) (string, error) {
	buf, err := c.types.Encode(pgtype.ByteaOID, pgtype.TextFormatCode, b, nil)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// UnescapeBytea decodes both the hex and the legacy escape output formats.
func (c *Conn) UnescapeBytea(s string) ([]byte, error) {
	if !strings.HasPrefix(s, `\x`) {
		return unescapeLegacyBytea(s)
	}
	var out []byte
	if err := c.types.Scan(pgtype.ByteaOID, pgtype.TextFormatCode, []byte(s), &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}

// unescapeLegacyBytea decodes the escape format: \\ is a backslash and \ooo
// an octal byte. Other bytes stand for themselves.
func unescapeLegacyBytea(s string) ([]byte, error) {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			out = append(out, s[i])
			continue
		}
		if i+1 < len(s) && s[i+1] == '\\' {
			out = append(out, '\\')
			i++
			continue
		}
		if i+3 >= len(s) {
			return out, ErrBadBytea
		}
		var v int
		for _, d := range s[i+1 : i+4] {
			if d < '0' || d > '7' {
				return out, ErrBadBytea
			}
			v = v*8 + int(d-'0')
		}
		if v > 0xff {
			return out, ErrBadBytea
		}
		out = append(out, byte(v))
		i += 3
	}
	return out, nil
}
