//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/keymeter"
	usagepg "github.com/ineyio/keymeter/usage/postgres"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "postgres://localhost:5432/keymeter_test?sslmode=disable"
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		t.Fatalf("postgres not available: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func newTestStore(t *testing.T, pool *pgxpool.Pool) *usagepg.Store {
	t.Helper()
	// Use a unique prefix per test to avoid collisions.
	prefix := fmt.Sprintf("test_%s_", strings.ToLower(t.Name()))
	s := usagepg.New(pool, usagepg.WithTablePrefix(prefix))

	ctx := context.Background()
	if err := s.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %susage", prefix))
	})
	return s
}

func increment(now time.Time) keymeter.ApplyFunc {
	return func(rec *keymeter.UsageRecord) bool {
		rec.Used++
		rec.LastActivity = now
		return true
	}
}

func TestGetOrCreate(t *testing.T) {
	store := newTestStore(t, newTestPool(t))
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	rec, err := store.GetOrCreate(ctx, "k1", "10.0.0.1", now)
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if rec.Used != 0 || !rec.LastActivity.Equal(now) {
		t.Fatalf("unexpected fresh record: %+v", rec)
	}

	rec, err = store.GetOrCreate(ctx, "k1", "10.0.0.1", now.Add(time.Hour))
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if !rec.LastActivity.Equal(now) {
		t.Fatalf("existing record restamped: %+v", rec)
	}
}

func TestApplyRoundTrip(t *testing.T) {
	store := newTestStore(t, newTestPool(t))
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	for i := 0; i < 3; i++ {
		if _, err := store.Apply(ctx, "k1", "a", now, increment(now)); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	if _, err := store.Apply(ctx, "k1", "b", now, increment(now)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	recs, err := store.Records(ctx, "k1")
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].ClientID != "a" || recs[0].Record.Used != 3 || !recs[0].Record.LastActivity.Equal(now) {
		t.Fatalf("unexpected record: %+v", recs[0])
	}
}

func TestConcurrentNoOverAllocation(t *testing.T) {
	store := newTestStore(t, newTestPool(t))
	ctx := context.Background()
	now := time.Now().UTC()
	const limit = 10

	var wg sync.WaitGroup
	var granted atomic.Int64
	for n := 0; n < 30; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var ok bool
			_, err := store.Apply(ctx, "k1", "a", now, func(rec *keymeter.UsageRecord) bool {
				if rec.Used >= limit {
					return false
				}
				rec.Used++
				ok = true
				return true
			})
			if err == nil && ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	if granted.Load() != limit {
		t.Fatalf("expected exactly %d grants, got %d", limit, granted.Load())
	}
}
