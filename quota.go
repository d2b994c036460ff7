package keymeter

import (
	"context"
	"time"
)

// KeyRegistry resolves API keys to their quota limits.
type KeyRegistry interface {
	// Lookup returns the record for key. Unknown and empty keys are not found.
	Lookup(key string) (KeyRecord, bool)
}

// UsageStore owns the per-(key, client) usage counters.
//
// Implementations must serialize Apply calls for the same (key, client) pair
// while letting unrelated pairs proceed in parallel.
type UsageStore interface {
	// Load restores persisted state, or starts empty if none exists.
	// Persisted state that cannot be parsed is an error.
	Load(ctx context.Context) error

	// GetOrCreate returns the record for (key, clientID), creating a zeroed
	// one with LastActivity = now if absent.
	GetOrCreate(ctx context.Context, key, clientID string, now time.Time) (UsageRecord, error)

	// Apply runs fn against the record for (key, clientID) inside the pair's
	// critical section, creating the record if absent. When fn returns true
	// the mutation is persisted before the section is released; if that
	// fails the mutation is rolled back and an ErrPersistence error returned.
	Apply(ctx context.Context, key, clientID string, now time.Time, fn ApplyFunc) (UsageRecord, error)

	// Persist durably writes the full store.
	Persist(ctx context.Context) error

	// Records lists the usage records under key.
	Records(ctx context.Context, key string) ([]ClientUsage, error)
}

// ApplyFunc mutates a record in place and reports whether the change must be persisted.
type ApplyFunc func(rec *UsageRecord) (persist bool)
