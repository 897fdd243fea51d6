package parser

import (
	"regexp"
	"strconv"
	"strings"
)

// QueryType represents the type of SQL statement
type QueryType int

const (
	QueryUnknown QueryType = iota
	QuerySelect
	QueryInsert
	QueryUpdate
	QueryDelete
	QueryDDL
	QueryTransaction
	QueryCursor
	QueryCopy
	QuerySet
)

// ParsedQuery contains extracted information from a SQL statement
type ParsedQuery struct {
	Type  QueryType
	File  string // Source file from hint
	Line  int    // Source line from hint
	Query string // Statement with the hint comment removed
}

var (
	// Match /* file:user.go line:42 */
	hintRegex = regexp.MustCompile(`/\*\s*(file:(\S+))?\s*(line:(\d+))?\s*\*/`)
	// Match leading comments and whitespace
	leadingRegex = regexp.MustCompile(`^(\s+|/\*(?s:.*?)\*/|--[^\n]*\n?)*`)
	// Match the first keyword
	keywordRegex = regexp.MustCompile(`^[A-Za-z]+`)
	// Match data modifying keywords inside a WITH statement
	modifyingRegex = regexp.MustCompile(`(?i)\b(INSERT|UPDATE|DELETE)\b`)
)

var keywords = map[string]QueryType{
	"SELECT":   QuerySelect,
	"VALUES":   QuerySelect,
	"TABLE":    QuerySelect,
	"INSERT":   QueryInsert,
	"UPDATE":   QueryUpdate,
	"DELETE":   QueryDelete,
	"CREATE":   QueryDDL,
	"DROP":     QueryDDL,
	"ALTER":    QueryDDL,
	"TRUNCATE": QueryDDL,
	"BEGIN":    QueryTransaction,
	"START":    QueryTransaction,
	"COMMIT":   QueryTransaction,
	"END":      QueryTransaction,
	"ROLLBACK": QueryTransaction,
	"DECLARE":  QueryCursor,
	"FETCH":    QueryCursor,
	"CLOSE":    QueryCursor,
	"COPY":     QueryCopy,
	"SET":      QuerySet,
}

// Parse extracts metadata from a SQL statement
func Parse(query string) *ParsedQuery {
	p := &ParsedQuery{
		Query: query,
		Type:  QueryUnknown,
	}

	// Extract hints from comments
	if matches := hintRegex.FindStringSubmatch(query); matches != nil {
		if matches[2] != "" {
			p.File = matches[2]
		}
		if matches[4] != "" {
			p.Line, _ = strconv.Atoi(matches[4])
		}
		if p.File != "" || p.Line != 0 {
			p.Query = strings.TrimSpace(hintRegex.ReplaceAllString(query, ""))
		}
	}

	// The statement type is decided by its first keyword only
	body := query[len(leadingRegex.FindString(query)):]
	keyword := strings.ToUpper(keywordRegex.FindString(body))
	if keyword == "WITH" {
		p.Type = QuerySelect
		if m := modifyingRegex.FindStringSubmatch(body); m != nil {
			p.Type = keywords[strings.ToUpper(m[1])]
		}
		return p
	}
	if t, ok := keywords[keyword]; ok {
		p.Type = t
	}

	return p
}

// IsSelect returns true if the statement is a read query that can run
// behind a server side cursor
func (p *ParsedQuery) IsSelect() bool {
	return p.Type == QuerySelect
}

// IsMutating returns true if the statement changes rows (INSERT, UPDATE, DELETE)
func (p *ParsedQuery) IsMutating() bool {
	return p.Type == QueryInsert ||
		p.Type == QueryUpdate ||
		p.Type == QueryDelete
}

// Label returns a short lowercase name of the statement type for metrics
func (p *ParsedQuery) Label() string {
	switch p.Type {
	case QuerySelect:
		return "select"
	case QueryInsert:
		return "insert"
	case QueryUpdate:
		return "update"
	case QueryDelete:
		return "delete"
	case QueryDDL:
		return "ddl"
	case QueryTransaction:
		return "transaction"
	case QueryCursor:
		return "cursor"
	case QueryCopy:
		return "copy"
	case QuerySet:
		return "set"
	default:
		return "unknown"
	}
}
