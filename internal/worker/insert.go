package worker

import (
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/loadsched/loadsched/internal/dbconn"
)

// insertStatement is a plain multi-row INSERT this package recognizes
// well enough to route through the bulk COPY path instead of running it
// as a standalone Exec round trip per statement.
type insertStatement struct {
	table   string
	columns []string
	tuples  [][]string // raw, not-yet-converted value tokens, one per row
}

func (ins insertStatement) rowSource() dbconn.RowSource {
	i := 0
	return func() (dbconn.Row, error) {
		if i >= len(ins.tuples) {
			return nil, io.EOF
		}
		tuple := ins.tuples[i]
		i++
		row := make(dbconn.Row, len(tuple))
		for j, tok := range tuple {
			row[j] = convertLiteral(tok)
		}
		return row, nil
	}
}

// reInsertHeader matches "INSERT INTO [schema.]table (col1,col2,...) VALUES"
// case-insensitively, capturing the table name and column list. Dotted
// schema-qualified names are accepted but the schema portion is ignored:
// the caller already knows the target schema from the job.
var reInsertHeader = regexp.MustCompile(`(?is)^INSERT\s+INTO\s+(?:[\w"]+\.)?([\w"]+)\s*\(([^)]+)\)\s*VALUES\s*(.*)$`)

// parseInsert recognizes a plain "INSERT INTO t (cols) VALUES (...), (...);"
// statement. It deliberately does not handle ON CONFLICT clauses,
// sub-selects, or function calls in the value list — anything it can't
// confidently parse falls back to ok=false so the caller runs it as a
// normal statement instead of silently mis-loading data.
func parseInsert(stmt string) (insertStatement, bool) {
	m := reInsertHeader.FindStringSubmatch(strings.TrimSpace(stmt))
	if m == nil {
		return insertStatement{}, false
	}

	table := unquoteIdent(m[1])
	columns := splitTopLevel(m[2], ',')
	for i, c := range columns {
		columns[i] = unquoteIdent(strings.TrimSpace(c))
	}

	tuples, ok := splitValueTuples(m[3])
	if !ok {
		return insertStatement{}, false
	}

	parsed := make([][]string, 0, len(tuples))
	for _, tuple := range tuples {
		values := splitTopLevel(tuple, ',')
		if len(values) != len(columns) {
			return insertStatement{}, false
		}
		for i := range values {
			values[i] = strings.TrimSpace(values[i])
		}
		parsed = append(parsed, values)
	}

	return insertStatement{table: table, columns: columns, tuples: parsed}, true
}

func unquoteIdent(s string) string {
	s = strings.TrimSpace(s)
	return strings.Trim(s, `"`)
}

// splitValueTuples splits "(a,b),(c,d)" (optionally followed by a
// trailing semicolon already stripped by sqlsplit) into ["a,b", "c,d"].
func splitValueTuples(s string) ([]string, bool) {
	s = strings.TrimSpace(s)
	var tuples []string
	depth := 0
	start := -1
	inSingle := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\'' && !inSingle:
			inSingle = true
		case c == '\'' && inSingle:
			if i+1 < len(s) && s[i+1] == '\'' {
				i++
				continue
			}
			inSingle = false
		case inSingle:
			// inside a string literal, ignore parens/commas
		case c == '(':
			if depth > 0 {
				// a nested paren is a function call or sub-select
				return nil, false
			}
			start = i + 1
			depth++
		case c == ')':
			depth--
			if depth == 0 && start >= 0 {
				tuples = append(tuples, s[start:i])
				start = -1
			}
			if depth < 0 {
				return nil, false
			}
		case depth == 0 && strings.IndexByte(", \t\r\n", c) < 0:
			// text between tuples, such as an ON CONFLICT clause
			return nil, false
		}
	}
	if depth != 0 {
		return nil, false
	}
	return tuples, true
}

// splitTopLevel splits s on sep, ignoring occurrences inside single
// quotes or nested parens.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth := 0
	inSingle := false
	last := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\'' && !inSingle:
			inSingle = true
		case c == '\'' && inSingle:
			if i+1 < len(s) && s[i+1] == '\'' {
				i++
				continue
			}
			inSingle = false
		case inSingle:
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == sep && depth == 0:
			parts = append(parts, s[last:i])
			last = i + 1
		}
	}
	parts = append(parts, s[last:])
	return parts
}

// convertLiteral turns one raw SQL value token into a Go value suitable
// for lib/pq's CopyIn argument list: unquoted strings, parsed numbers,
// TRUE/FALSE -> bool, and NULL -> nil. Anything else is passed through
// as the bare token text.
func convertLiteral(tok string) any {
	tok = strings.TrimSpace(tok)
	switch strings.ToUpper(tok) {
	case "NULL":
		return nil
	case "TRUE":
		return true
	case "FALSE":
		return false
	}
	if len(tok) >= 2 && tok[0] == '\'' && tok[len(tok)-1] == '\'' {
		inner := tok[1 : len(tok)-1]
		return strings.ReplaceAll(inner, "''", "'")
	}
	if n, err := strconv.ParseInt(tok, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(tok, 64); err == nil {
		return f
	}
	return tok
}
