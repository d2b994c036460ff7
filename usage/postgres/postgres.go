// Package postgres provides a PostgreSQL-backed UsageStore for keymeter.
//
// Each (key, client) record is a row. Apply locks the row with
// SELECT ... FOR UPDATE inside a transaction, so the check and the increment
// are atomic per record and durable once the transaction commits.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/keymeter"
)

// Store is a PostgreSQL-backed UsageStore.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var _ keymeter.UsageStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "keymeter_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed UsageStore.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "keymeter_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) usageTable() string { return s.tablePrefix + "usage" }

// EnsureSchema creates the required table if it doesn't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			api_key TEXT NOT NULL,
			client_id TEXT NOT NULL,
			used BIGINT NOT NULL DEFAULT 0 CHECK (used >= 0),
			last_activity TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (api_key, client_id)
		);
	`, s.usageTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("keymeter/postgres: ensure schema: %w", err)
	}
	return nil
}

// Load verifies connectivity and the schema.
func (s *Store) Load(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("keymeter/postgres: ping: %w", err)
	}
	return s.EnsureSchema(ctx)
}

// GetOrCreate returns the record, inserting it if absent.
func (s *Store) GetOrCreate(ctx context.Context, key, clientID string, now time.Time) (keymeter.UsageRecord, error) {
	return s.Apply(ctx, key, clientID, now, func(*keymeter.UsageRecord) bool { return false })
}

// Apply runs fn against the row while holding its row lock.
func (s *Store) Apply(ctx context.Context, key, clientID string, now time.Time, fn keymeter.ApplyFunc) (keymeter.UsageRecord, error) {
	wrap := func(op string, err error) error {
		return &keymeter.StoreError{
			Op: op, Key: key, ClientID: clientID,
			Err: fmt.Errorf("keymeter/postgres: %s: %w: %v", op, keymeter.ErrPersistence, err),
		}
	}

	// Postgres keeps microseconds; truncate so the caller sees what is stored.
	now = now.UTC().Truncate(time.Microsecond)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return keymeter.UsageRecord{}, wrap("begin tx", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (api_key, client_id, used, last_activity)
			VALUES ($1, $2, 0, $3) ON CONFLICT (api_key, client_id) DO NOTHING`, s.usageTable()),
		key, clientID, now,
	)
	if err != nil {
		return keymeter.UsageRecord{}, wrap("insert", err)
	}

	var rec keymeter.UsageRecord
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT used, last_activity FROM %s
			WHERE api_key = $1 AND client_id = $2 FOR UPDATE`, s.usageTable()),
		key, clientID,
	).Scan(&rec.Used, &rec.LastActivity)
	if err != nil {
		return keymeter.UsageRecord{}, wrap("select", err)
	}
	rec.LastActivity = rec.LastActivity.UTC()

	if fn(&rec) {
		rec.LastActivity = rec.LastActivity.UTC().Truncate(time.Microsecond)
		_, err = tx.Exec(ctx,
			fmt.Sprintf(`UPDATE %s SET used = $1, last_activity = $2
				WHERE api_key = $3 AND client_id = $4`, s.usageTable()),
			rec.Used, rec.LastActivity, key, clientID,
		)
		if err != nil {
			return keymeter.UsageRecord{}, wrap("update", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return keymeter.UsageRecord{}, wrap("commit", err)
	}
	return rec, nil
}

// Persist is a no-op: every Apply commits its own transaction.
func (s *Store) Persist(context.Context) error { return nil }

// Records lists the records under key.
func (s *Store) Records(ctx context.Context, key string) ([]keymeter.ClientUsage, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT client_id, used, last_activity FROM %s
			WHERE api_key = $1 ORDER BY client_id`, s.usageTable()),
		key,
	)
	if err != nil {
		return nil, fmt.Errorf("keymeter/postgres: records: %w", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (keymeter.ClientUsage, error) {
		var cu keymeter.ClientUsage
		err := row.Scan(&cu.ClientID, &cu.Record.Used, &cu.Record.LastActivity)
		cu.Record.LastActivity = cu.Record.LastActivity.UTC()
		return cu, err
	})
	if err != nil {
		return nil, fmt.Errorf("keymeter/postgres: records: %w", err)
	}
	return out, nil
}
