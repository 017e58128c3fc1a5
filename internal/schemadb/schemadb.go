// Package schemadb is the application-facing database handle. It knows the
// global, galaxy and config schema names and expands {global}, {galaxy} and
// {config} in statement templates before handing them to the query engine.
package schemadb

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/loykin/clustr/internal/query"
)

// Schemas names the three logical schemas of a cluster.
type Schemas struct {
	Storage string `mapstructure:"storage"`
	Global  string `mapstructure:"global"`
	Galaxy  string `mapstructure:"galaxy"`
	Config  string `mapstructure:"config"`
}

var ErrInvalidSchema = errors.New("invalid schema name")

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Executor is the part of the query engine the facade drives.
type Executor interface {
	ExecuteAsync(stmt query.Statement, cb query.Callback) error
	ExecuteSync(ctx context.Context, stmt query.Statement) (*query.Result, error)
	DestroyResult(res *query.Result)
	Process() int
}

// DB resolves schema tokens and forwards statements to an Executor.
type DB struct {
	engine   Executor
	storage  string
	schemas  Schemas
	replacer *strings.Replacer
}

// New validates the schema names and returns a DB targeting s.Storage.
// Empty schema names fall back to Global.
func New(engine Executor, s Schemas) (*DB, error) {
	if engine == nil {
		return nil, errors.New("schemadb: nil engine")
	}
	if s.Storage == "" {
		s.Storage = query.DefaultStorage
	}
	if s.Galaxy == "" {
		s.Galaxy = s.Global
	}
	if s.Config == "" {
		s.Config = s.Global
	}
	for _, name := range []string{s.Global, s.Galaxy, s.Config} {
		if !identRe.MatchString(name) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidSchema, name)
		}
	}
	return &DB{
		engine:  engine,
		storage: s.Storage,
		schemas: s,
		replacer: strings.NewReplacer(
			"{global}", s.Global,
			"{galaxy}", s.Galaxy,
			"{config}", s.Config,
		),
	}, nil
}

func (db *DB) Global() string  { return db.schemas.Global }
func (db *DB) Galaxy() string  { return db.schemas.Galaxy }
func (db *DB) Config() string  { return db.schemas.Config }
func (db *DB) Storage() string { return db.storage }

// Statement expands schema tokens in tmpl. Values must be passed as args and
// are never spliced into the SQL text.
func (db *DB) Statement(tmpl string, args ...interface{}) query.Statement {
	return query.New(db.storage, db.replacer.Replace(tmpl), args...)
}

// ExecuteProcedureAsync queues tmpl; cb runs from Process once it completes.
func (db *DB) ExecuteProcedureAsync(cb query.Callback, tmpl string, args ...interface{}) error {
	return db.engine.ExecuteAsync(db.Statement(tmpl, args...), cb)
}

// ExecuteSync runs tmpl on the calling goroutine. A non-nil result must be
// passed to DestroyResult.
func (db *DB) ExecuteSync(ctx context.Context, tmpl string, args ...interface{}) (*query.Result, error) {
	return db.engine.ExecuteSync(ctx, db.Statement(tmpl, args...))
}

func (db *DB) DestroyResult(res *query.Result) { db.engine.DestroyResult(res) }

// Process delivers completed asynchronous results.
func (db *DB) Process() int { return db.engine.Process() }
