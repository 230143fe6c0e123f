// CLAUDE:SUMMARY SQLite persistence for chatwatch: strategy weights, learned selectors, presence config, processed-conversation history.
// Package store is the SQLite persistence layer of chatwatch. One Store
// implements the strategy weight store, the learned-selector store and the
// presence configuration store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/chatwatch/dbopen"
	"github.com/hazyhaar/chatwatch/observability"
)

// Store is the chatwatch database handle.
type Store struct {
	DB  *sql.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source for timestamps.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// Open opens (or creates) the database at path and applies the schema,
// including the metrics tables.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := dbopen.Open(path,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(Schema),
		dbopen.WithSchema(observability.Schema),
	)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	return New(db, opts...), nil
}

// New wraps a database that already carries Schema.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{DB: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init applies the schema to db.
func Init(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("store: schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
