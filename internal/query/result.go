package query

import (
	"strconv"
	"sync/atomic"
	"time"
)

// Result is the materialized outcome of one statement. Rows are copied out
// of the driver before the connection goes back to the pool.
type Result struct {
	Statement    Statement
	Columns      []string
	Rows         [][]interface{}
	RowsAffected int64
	LastInsertID int64
	Err          error
	Duration     time.Duration

	sync      bool
	destroyed atomic.Bool
}

// Failed reports whether the statement failed.
func (r *Result) Failed() bool { return r.Err != nil }

// Len returns the number of rows.
func (r *Result) Len() int { return len(r.Rows) }

// Destroyed reports whether the result has been released.
func (r *Result) Destroyed() bool { return r.destroyed.Load() }

// Value returns the value of column col in row i.
func (r *Result) Value(i int, col string) (interface{}, bool) {
	if i < 0 || i >= len(r.Rows) {
		return nil, false
	}
	for j, c := range r.Columns {
		if c == col {
			return r.Rows[i][j], true
		}
	}
	return nil, false
}

// Int64 returns column col of row i as an integer.
func (r *Result) Int64(i int, col string) (int64, bool) {
	v, ok := r.Value(i, col)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case []byte:
		p, err := strconv.ParseInt(string(n), 10, 64)
		return p, err == nil
	case string:
		p, err := strconv.ParseInt(n, 10, 64)
		return p, err == nil
	}
	return 0, false
}

// String returns column col of row i as a string.
func (r *Result) String(i int, col string) (string, bool) {
	v, ok := r.Value(i, col)
	if !ok || v == nil {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	case int64:
		return strconv.FormatInt(s, 10), true
	}
	return "", false
}

func (r *Result) release() bool {
	if !r.destroyed.CompareAndSwap(false, true) {
		return false
	}
	r.Rows = nil
	return true
}
