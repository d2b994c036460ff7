package keymeter

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Engine evaluates and charges per-key, per-client quota over a rolling window.
type Engine struct {
	registry KeyRegistry
	store    UsageStore
	window   time.Duration
	now      func() time.Time
	meter    Meter
	health   *HealthTracker
}

// Option configures an Engine.
type Option func(*Engine)

// WithWindow sets the rolling quota window (default 24h).
func WithWindow(d time.Duration) Option {
	return func(e *Engine) { e.window = d }
}

// WithClock sets the time source. Tests use it to move past the window.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(e *Engine) { e.meter = m }
}

// WithHealthTracker sets the health tracker that records persistence outcomes.
func WithHealthTracker(h *HealthTracker) Option {
	return func(e *Engine) { e.health = h }
}

// NewEngine creates an Engine over the given registry and usage store.
// The store must already be loaded.
func NewEngine(registry KeyRegistry, store UsageStore, opts ...Option) (*Engine, error) {
	if registry == nil {
		return nil, ErrNilRegistry
	}
	if store == nil {
		return nil, ErrNilUsageStore
	}

	e := &Engine{
		registry: registry,
		store:    store,
		window:   DefaultWindow,
		now:      time.Now,
		health:   NewHealthTracker(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.meter == nil {
		e.meter = &noopMeter{}
	}
	if e.window <= 0 {
		e.window = DefaultWindow
	}
	return e, nil
}

// Window returns the configured rolling window.
func (e *Engine) Window() time.Duration { return e.window }

// Health returns the engine's health tracker.
func (e *Engine) Health() *HealthTracker { return e.health }

// Evaluate reports the current quota status for (key, clientID) without
// charging it. An elapsed window still resets the counter.
func (e *Engine) Evaluate(ctx context.Context, key, clientID string) (Decision, error) {
	d := Decision{Key: key, ClientID: clientID, Window: e.window}

	kr, ok := e.registry.Lookup(key)
	if !ok {
		d.Reason = ReasonInvalidKey
		e.meter.OnEvaluate(EvaluateEvent{Key: key, ClientID: clientID, Reason: d.Reason})
		return d, nil
	}
	d.Limit = kr.Limit

	now := e.now()
	var reset bool
	rec, err := e.store.Apply(ctx, key, clientID, now, func(rec *UsageRecord) bool {
		// The reset is re-derived on the next access after a restart, so it is
		// applied in place without forcing a flush.
		reset = e.maybeReset(rec, now)
		return false
	})
	if err != nil {
		if IsPersistence(err) {
			e.health.RecordFailure(ComponentUsageStore, err)
		}
		e.meter.OnEvaluate(EvaluateEvent{Key: key, ClientID: clientID, Limit: kr.Limit, Error: err})
		return Decision{}, err
	}

	d.Used = rec.Used
	d.Remaining = kr.Limit - rec.Used
	if d.Remaining <= 0 {
		d.Remaining = 0
		d.Reason = ReasonQuotaExceeded
		d.RetryAfter = e.retryAfter(rec, now)
	} else {
		d.Allowed = true
	}

	e.meter.OnEvaluate(EvaluateEvent{
		Key:      key,
		ClientID: clientID,
		Allowed:  d.Allowed,
		Reason:   d.Reason,
		Limit:    d.Limit,
		Used:     d.Used,
		Reset:    reset,
	})
	return d, nil
}

// Consume charges one unit against (key, clientID). Callers gating a costly
// action must call it before performing the action.
//
// The check and the increment happen in one critical section per pair, and
// success is only reported once the increment is persisted.
func (e *Engine) Consume(ctx context.Context, key, clientID string) (Decision, error) {
	start := time.Now()
	d := Decision{Key: key, ClientID: clientID, Window: e.window}

	kr, ok := e.registry.Lookup(key)
	if !ok {
		d.Reason = ReasonInvalidKey
		e.meter.OnConsume(ConsumeEvent{Key: key, ClientID: clientID, Reason: d.Reason, Duration: time.Since(start)})
		return d, nil
	}
	d.Limit = kr.Limit

	now := e.now()
	var reset, charged bool
	rec, err := e.store.Apply(ctx, key, clientID, now, func(rec *UsageRecord) bool {
		// Optimistic stores may run fn more than once; only the last run counts.
		charged = false
		reset = e.maybeReset(rec, now)
		if rec.Used >= kr.Limit {
			return false
		}
		rec.Used++
		rec.LastActivity = now
		charged = true
		return true
	})
	if err != nil {
		if IsPersistence(err) {
			e.health.RecordFailure(ComponentUsageStore, err)
		}
		e.meter.OnConsume(ConsumeEvent{
			Key:      key,
			ClientID: clientID,
			Limit:    kr.Limit,
			Reset:    reset,
			Duration: time.Since(start),
			Error:    err,
		})
		return Decision{}, err
	}
	if charged {
		e.health.RecordSuccess(ComponentUsageStore)
	}

	d.Used = rec.Used
	d.Remaining = kr.Limit - rec.Used
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if charged {
		d.Allowed = true
		d.ID = uuid.New().String()
	} else {
		d.Reason = ReasonQuotaExceeded
		d.RetryAfter = e.retryAfter(rec, now)
	}

	e.meter.OnConsume(ConsumeEvent{
		Key:       key,
		ClientID:  clientID,
		Allowed:   d.Allowed,
		Reason:    d.Reason,
		Limit:     d.Limit,
		Remaining: d.Remaining,
		Reset:     reset,
		Duration:  time.Since(start),
	})
	return d, nil
}

// maybeReset zeroes the counter in place once the window has elapsed.
func (e *Engine) maybeReset(rec *UsageRecord, now time.Time) bool {
	if !rec.Expired(now, e.window) {
		return false
	}
	rec.Used = 0
	rec.LastActivity = now
	return true
}

func (e *Engine) retryAfter(rec UsageRecord, now time.Time) time.Duration {
	left := rec.LastActivity.Add(e.window).Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (m *noopMeter) OnEvaluate(EvaluateEvent) {}
func (m *noopMeter) OnConsume(ConsumeEvent)   {}
