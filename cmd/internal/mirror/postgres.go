package mirror

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a Mirror backed by PostgreSQL, for deployments where several
// console instances share one durable cache.
//
// Ownership model:
// - Postgres does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type Postgres struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures Postgres behavior.
type PostgresOption func(*Postgres) error

// WithSchema sets the DB schema used by this mirror (default: "genesis").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(p *Postgres) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("mirror: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("mirror: invalid schema identifier")
		}
		p.schema = schema
		return nil
	}
}

// NewPostgres constructs a Postgres-backed Mirror and bootstraps its schema.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool, opts ...PostgresOption) (*Postgres, error) {
	p := &Postgres{
		pool:   pool,
		schema: "genesis",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	if p.pool == nil {
		return nil, errors.New("mirror: nil pool")
	}

	if _, err := p.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{p.schema}.Sanitize()); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if _, err := p.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS `+p.table()+` (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`); err != nil {
		return nil, fmt.Errorf("create mirror table: %w", err)
	}

	return p, nil
}

// Close is a no-op because the pool is owned by the caller.
func (p *Postgres) Close() error { return nil }

func (p *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := p.pool.QueryRow(ctx,
		`SELECT value FROM `+p.table()+` WHERE key = $1`, key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres get %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get %q: %w", key, err)
	}
	return value, nil
}

func (p *Postgres) Set(ctx context.Context, key string, value []byte) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO `+p.table()+` (key, value, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE SET
	value = EXCLUDED.value,
	updated_at = EXCLUDED.updated_at`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("postgres set %q: %w", key, err)
	}
	return nil
}

func (p *Postgres) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT key FROM `+p.table()+` WHERE starts_with(key, $1) ORDER BY key ASC`,
		prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres list %q: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("postgres list %q: %w", prefix, err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres list %q: %w", prefix, err)
	}
	return keys, nil
}

func (p *Postgres) table() string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{p.schema, "mirror"}.Sanitize()
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}
