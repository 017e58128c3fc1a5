package query

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/loykin/clustr/internal/store"
)

var (
	ErrMalformedStatement = errors.New("malformed statement")
	ErrQueueFull          = errors.New("query queue full")
	ErrClosed             = errors.New("query engine closed")
)

// Statement is one fully resolved SQL statement with its bound arguments.
// SQL uses '?' placeholders; they are rebound for the target dialect.
type Statement struct {
	Storage string
	SQL     string
	Args    []interface{}
}

// New returns a statement for storage.
func New(storage, sql string, args ...interface{}) Statement {
	return Statement{Storage: storage, SQL: sql, Args: args}
}

var (
	schemaToken = regexp.MustCompile(`\{[A-Za-z_][A-Za-z0-9_]*\}`)
	printfVerb  = regexp.MustCompile(`%[-+#0]*[0-9]*(\.[0-9]+)?[sdvqufxXi]`)
	returning   = regexp.MustCompile(`(?i)\bRETURNING\b`)
)

// Validate rejects statements that still carry unresolved schema tokens or
// printf verbs, or whose placeholder count does not match the arguments.
func (s Statement) Validate() error {
	text := strings.TrimSpace(s.SQL)
	if text == "" {
		return fmt.Errorf("%w: empty SQL", ErrMalformedStatement)
	}
	bare := stripQuoted(text)
	if tok := schemaToken.FindString(bare); tok != "" {
		return fmt.Errorf("%w: unresolved token %s", ErrMalformedStatement, tok)
	}
	if verb := printfVerb.FindString(bare); verb != "" {
		return fmt.Errorf("%w: unformatted verb %s", ErrMalformedStatement, verb)
	}
	if n := store.CountPlaceholders(text); n != len(s.Args) {
		return fmt.Errorf("%w: %d placeholders, %d args", ErrMalformedStatement, n, len(s.Args))
	}
	return nil
}

// returnsRows reports whether the statement produces a result set.
func (s Statement) returnsRows() bool {
	text := strings.TrimLeft(s.SQL, " \t\r\n(")
	word := text
	if i := strings.IndexAny(text, " \t\r\n("); i >= 0 {
		word = text[:i]
	}
	switch strings.ToUpper(word) {
	case "SELECT", "WITH", "PRAGMA", "SHOW", "VALUES", "CALL", "EXPLAIN":
		return true
	}
	return returning.MatchString(stripQuoted(s.SQL))
}

// stripQuoted blanks out quoted literals and identifiers.
func stripQuoted(q string) string {
	var b strings.Builder
	b.Grow(len(q))
	var quote byte
	for i := 0; i < len(q); i++ {
		c := q[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
				b.WriteByte(c)
			} else {
				b.WriteByte(' ')
			}
			continue
		case c == '\'' || c == '"':
			quote = c
		}
		b.WriteByte(c)
	}
	return b.String()
}
