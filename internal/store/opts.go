// Package store provides configuration options for storage backends.
package store

import (
	"errors"
	"strings"
)

// ErrDuplicateMealPlan is returned when a second plan is created for a
// conversation id that already has one. The uniqueness constraint is the
// server-side half of the pipeline's idempotency contract.
var ErrDuplicateMealPlan = errors.New("meal plan already exists for conversation")

// Opts holds configuration for storage backends.
type Opts struct {
	// DSN is the database connection string (SQLite file path or Postgres URL).
	DSN string
	// SupabaseURL and SupabaseKey select the Supabase-backed remote store.
	SupabaseURL string
	SupabaseKey string
}

// Option configures storage backends.
type Option func(*Opts)

// WithSQLiteDSN sets a SQLite file path as the backend DSN.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets a PostgreSQL connection string as the backend DSN.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSupabase configures the Supabase remote persistence service.
func WithSupabase(url, apiKey string) Option {
	return func(o *Opts) {
		o.SupabaseURL = url
		o.SupabaseKey = apiKey
	}
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite". File paths are
// assumed to be SQLite databases.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}
