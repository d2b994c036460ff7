package keymeter_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/keymeter"
	"github.com/ineyio/keymeter/registry"
	"github.com/ineyio/keymeter/usage"
)

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newEngine(t *testing.T, limits map[string]int64, store keymeter.UsageStore, opts ...keymeter.Option) *keymeter.Engine {
	t.Helper()
	if store == nil {
		store = usage.NewMemoryStore()
	}
	e, err := keymeter.NewEngine(registry.NewStatic(limits), store, opts...)
	require.NoError(t, err)
	return e
}

func TestNewEngine_RequiresDependencies(t *testing.T) {
	_, err := keymeter.NewEngine(nil, usage.NewMemoryStore())
	assert.ErrorIs(t, err, keymeter.ErrNilRegistry)

	_, err = keymeter.NewEngine(registry.NewStatic(nil), nil)
	assert.ErrorIs(t, err, keymeter.ErrNilUsageStore)
}

func TestEvaluate_InvalidKey(t *testing.T) {
	store := usage.NewMemoryStore()
	e := newEngine(t, map[string]int64{"k1": 2}, store)
	ctx := context.Background()

	for _, key := range []string{"", "unknown"} {
		d, err := e.Evaluate(ctx, key, "10.0.0.1")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, keymeter.ReasonInvalidKey, d.Reason)

		d, err = e.Consume(ctx, key, "10.0.0.1")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, keymeter.ReasonInvalidKey, d.Reason)
	}

	recs, err := store.Records(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, recs, "invalid keys never create usage records")
}

func TestEvaluate_FreshPair(t *testing.T) {
	e := newEngine(t, map[string]int64{"k1": 2}, nil)

	d, err := e.Evaluate(context.Background(), "k1", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(2), d.Limit)
	assert.Equal(t, int64(0), d.Used)
	assert.Equal(t, int64(2), d.Remaining)
	assert.Equal(t, "24 hours", d.ResetIn())
	assert.Empty(t, d.ID)
}

func TestEvaluate_IsIdempotent(t *testing.T) {
	e := newEngine(t, map[string]int64{"k1": 5}, nil)
	ctx := context.Background()

	_, err := e.Consume(ctx, "k1", "a")
	require.NoError(t, err)

	first, err := e.Evaluate(ctx, "k1", "a")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		d, err := e.Evaluate(ctx, "k1", "a")
		require.NoError(t, err)
		assert.Equal(t, first, d)
	}
	assert.Equal(t, int64(4), first.Remaining)
}

func TestConsume_DecrementsRemaining(t *testing.T) {
	e := newEngine(t, map[string]int64{"k1": 3}, nil)
	ctx := context.Background()

	ids := make(map[string]bool)
	for want := int64(2); want >= 0; want-- {
		d, err := e.Consume(ctx, "k1", "a")
		require.NoError(t, err)
		require.True(t, d.Allowed)
		assert.Equal(t, want, d.Remaining)
		assert.NotEmpty(t, d.ID)
		assert.False(t, ids[d.ID], "receipt ids are unique")
		ids[d.ID] = true
	}
}

func TestConsume_ExhaustionBoundary(t *testing.T) {
	clock := newFakeClock()
	e := newEngine(t, map[string]int64{"k1": 2}, nil, keymeter.WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := e.Consume(ctx, "k1", "a")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	clock.Advance(time.Hour)

	d, err := e.Consume(ctx, "k1", "a")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, keymeter.ReasonQuotaExceeded, d.Reason)
	assert.True(t, d.Reason.Retryable())
	assert.Equal(t, 23*time.Hour, d.RetryAfter)
	assert.Equal(t, int64(2), d.Used, "denied consume leaves the record unchanged")

	d, err = e.Evaluate(ctx, "k1", "a")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, keymeter.ReasonQuotaExceeded, d.Reason)
	assert.Equal(t, int64(0), d.Remaining)
}

func TestConsume_ZeroLimit(t *testing.T) {
	e := newEngine(t, map[string]int64{"k0": 0}, nil)

	d, err := e.Consume(context.Background(), "k0", "a")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, keymeter.ReasonQuotaExceeded, d.Reason)
}

func TestWindowReset(t *testing.T) {
	clock := newFakeClock()
	store := usage.NewMemoryStore()
	e := newEngine(t, map[string]int64{"nothing-api": 3000}, store, keymeter.WithClock(clock.Now))
	ctx := context.Background()

	// A record last touched 25 hours ago with the quota used up.
	past := clock.Now()
	_, err := store.Apply(ctx, "nothing-api", "a", past, func(rec *keymeter.UsageRecord) bool {
		rec.Used = 3000
		rec.LastActivity = past
		return true
	})
	require.NoError(t, err)
	clock.Advance(25 * time.Hour)

	d, err := e.Evaluate(ctx, "nothing-api", "a")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(0), d.Used)
	assert.Equal(t, int64(3000), d.Remaining)

	d, err = e.Consume(ctx, "nothing-api", "a")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(2999), d.Remaining)
}

func TestWindowReset_ExactlyAtWindowDoesNotReset(t *testing.T) {
	clock := newFakeClock()
	e := newEngine(t, map[string]int64{"k1": 1}, nil, keymeter.WithClock(clock.Now))
	ctx := context.Background()

	_, err := e.Consume(ctx, "k1", "a")
	require.NoError(t, err)

	clock.Advance(24 * time.Hour)
	d, err := e.Evaluate(ctx, "k1", "a")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	clock.Advance(time.Nanosecond)
	d, err = e.Evaluate(ctx, "k1", "a")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestWithWindow(t *testing.T) {
	clock := newFakeClock()
	e := newEngine(t, map[string]int64{"k1": 1}, nil,
		keymeter.WithClock(clock.Now), keymeter.WithWindow(time.Hour))
	ctx := context.Background()

	d, err := e.Consume(ctx, "k1", "a")
	require.NoError(t, err)
	assert.Equal(t, "1 hour", d.ResetIn())

	clock.Advance(61 * time.Minute)
	d, err = e.Consume(ctx, "k1", "a")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

// The two-client scenario served by the gateway: limit 2 per client.
func TestScenario_TwoClients(t *testing.T) {
	e := newEngine(t, map[string]int64{"k1": 2}, nil)
	ctx := context.Background()

	d, err := e.Evaluate(ctx, "k1", "clientA")
	require.NoError(t, err)
	assert.Equal(t, int64(2), d.Remaining)

	d, err = e.Consume(ctx, "k1", "clientA")
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.Remaining)

	d, err = e.Consume(ctx, "k1", "clientA")
	require.NoError(t, err)
	assert.Equal(t, int64(0), d.Remaining)

	d, err = e.Consume(ctx, "k1", "clientA")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = e.Evaluate(ctx, "k1", "clientB")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(2), d.Remaining)
}

func TestConsume_ConcurrentNeverOvershoots(t *testing.T) {
	const limit = 25
	e := newEngine(t, map[string]int64{"k1": limit}, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	var granted atomic.Int64
	for n := 0; n < 100; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := e.Consume(ctx, "k1", "a")
			if err == nil && d.Allowed {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), granted.Load())
	d, err := e.Evaluate(ctx, "k1", "a")
	require.NoError(t, err)
	assert.Equal(t, int64(limit), d.Used)
}

func TestConsume_PersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.json")
	ctx := context.Background()

	store := usage.NewFileStore(path)
	require.NoError(t, store.Load(ctx))
	e := newEngine(t, map[string]int64{"k1": 5}, store)
	for i := 0; i < 3; i++ {
		_, err := e.Consume(ctx, "k1", "a")
		require.NoError(t, err)
	}

	reloaded := usage.NewFileStore(path)
	require.NoError(t, reloaded.Load(ctx))
	e = newEngine(t, map[string]int64{"k1": 5}, reloaded)

	d, err := e.Evaluate(ctx, "k1", "a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), d.Used)
	assert.Equal(t, int64(2), d.Remaining)
}

// failingStore reports a persistence failure whenever a mutation asks to be persisted.
type failingStore struct {
	*usage.Store
}

func (s failingStore) Apply(ctx context.Context, key, clientID string, now time.Time, fn keymeter.ApplyFunc) (keymeter.UsageRecord, error) {
	var persist bool
	rec, err := s.Store.Apply(ctx, key, clientID, now, func(rec *keymeter.UsageRecord) bool {
		tmp := *rec
		persist = fn(&tmp)
		if !persist {
			*rec = tmp
		}
		return false
	})
	if err != nil {
		return rec, err
	}
	if persist {
		return keymeter.UsageRecord{}, &keymeter.StoreError{
			Op:       "persist",
			Key:      key,
			ClientID: clientID,
			Err:      errors.Join(keymeter.ErrPersistence, errors.New("disk full")),
		}
	}
	return rec, nil
}

func TestConsume_PersistenceFailure(t *testing.T) {
	health := keymeter.NewHealthTracker()
	e := newEngine(t, map[string]int64{"k1": 2}, failingStore{usage.NewMemoryStore()},
		keymeter.WithHealthTracker(health))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := e.Consume(ctx, "k1", "a")
		require.Error(t, err)
		assert.True(t, keymeter.IsPersistence(err))
		assert.False(t, d.Allowed, "no success is reported without a durable write")
		assert.Empty(t, d.ID)

		var se *keymeter.StoreError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, "persist", se.Op)
	}

	d, err := e.Evaluate(ctx, "k1", "a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), d.Used, "failed consumes are not counted")

	assert.Equal(t, keymeter.HealthUnhealthy, health.GetHealth(keymeter.ComponentUsageStore))
	statuses, healthy := health.Snapshot()
	assert.False(t, healthy)
	require.Len(t, statuses, 1)
	assert.Contains(t, statuses[0].LastError, "disk full")
}

// unavailableStore fails every operation the way an unreachable backend does.
type unavailableStore struct {
	*usage.Store
}

func (s unavailableStore) Apply(_ context.Context, key, clientID string, _ time.Time, _ keymeter.ApplyFunc) (keymeter.UsageRecord, error) {
	return keymeter.UsageRecord{}, &keymeter.StoreError{
		Op:       "apply",
		Key:      key,
		ClientID: clientID,
		Err:      errors.Join(keymeter.ErrPersistence, errors.New("connection refused")),
	}
}

func TestEvaluate_StoreFailureMarksStoreUnhealthy(t *testing.T) {
	health := keymeter.NewHealthTracker()
	e := newEngine(t, map[string]int64{"k1": 2}, unavailableStore{usage.NewMemoryStore()},
		keymeter.WithHealthTracker(health))

	for i := 0; i < 3; i++ {
		_, err := e.Evaluate(context.Background(), "k1", "a")
		require.Error(t, err)
		assert.True(t, keymeter.IsPersistence(err))
	}

	assert.Equal(t, keymeter.HealthUnhealthy, health.GetHealth(keymeter.ComponentUsageStore))
	_, healthy := health.Snapshot()
	assert.False(t, healthy)
}

type recordingMeter struct {
	mu       sync.Mutex
	evals    []keymeter.EvaluateEvent
	consumes []keymeter.ConsumeEvent
}

func (m *recordingMeter) OnEvaluate(e keymeter.EvaluateEvent) {
	m.mu.Lock()
	m.evals = append(m.evals, e)
	m.mu.Unlock()
}

func (m *recordingMeter) OnConsume(e keymeter.ConsumeEvent) {
	m.mu.Lock()
	m.consumes = append(m.consumes, e)
	m.mu.Unlock()
}

func TestEngine_ReportsToMeter(t *testing.T) {
	clock := newFakeClock()
	m := &recordingMeter{}
	e := newEngine(t, map[string]int64{"k1": 1}, nil, keymeter.WithMeter(m), keymeter.WithClock(clock.Now))
	ctx := context.Background()

	_, _ = e.Consume(ctx, "k1", "a")
	_, _ = e.Consume(ctx, "k1", "a")
	clock.Advance(25 * time.Hour)
	_, _ = e.Evaluate(ctx, "k1", "a")

	require.Len(t, m.consumes, 2)
	assert.True(t, m.consumes[0].Allowed)
	assert.Equal(t, int64(0), m.consumes[0].Remaining)
	assert.Equal(t, keymeter.ReasonQuotaExceeded, m.consumes[1].Reason)

	require.Len(t, m.evals, 1)
	assert.True(t, m.evals[0].Reset)
	assert.True(t, m.evals[0].Allowed)
}
