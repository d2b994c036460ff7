// Package redis provides a Redis-backed UsageStore for keymeter.
//
// Each (key, client) record is a Redis hash. Apply runs inside a WATCH/MULTI
// optimistic transaction on that hash, so the check and the increment are
// atomic per record while unrelated records never contend.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/keymeter"
)

const defaultMaxRetries = 16

// Store is a Redis-backed UsageStore.
type Store struct {
	client     goredis.UniversalClient
	keyPrefix  string
	maxRetries int
}

var _ keymeter.UsageStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "keymeter:usage:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithMaxRetries bounds how often a contended transaction is retried.
func WithMaxRetries(n int) Option {
	return func(s *Store) { s.maxRetries = n }
}

// New creates a new Redis-backed UsageStore.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:     client,
		keyPrefix:  "keymeter:usage:",
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// recordKey encodes both parts so that a ':' inside a client id (IPv6) cannot
// collide with another key's records.
func (s *Store) recordKey(key, clientID string) string {
	return s.keyPrefix + strconv.Itoa(len(key)) + ":" + key + ":" + clientID
}

func (s *Store) keyPattern(key string) string {
	return s.keyPrefix + strconv.Itoa(len(key)) + ":" + escapeGlob(key) + ":*"
}

// Load checks that Redis is reachable. State lives in Redis, nothing to read.
func (s *Store) Load(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("keymeter/redis: ping: %w", err)
	}
	return nil
}

// GetOrCreate returns the record, creating it with HSETNX semantics if absent.
func (s *Store) GetOrCreate(ctx context.Context, key, clientID string, now time.Time) (keymeter.UsageRecord, error) {
	return s.Apply(ctx, key, clientID, now, func(*keymeter.UsageRecord) bool { return false })
}

// Apply runs fn in an optimistic transaction on the record's hash.
func (s *Store) Apply(ctx context.Context, key, clientID string, now time.Time, fn keymeter.ApplyFunc) (keymeter.UsageRecord, error) {
	rk := s.recordKey(key, clientID)
	var result keymeter.UsageRecord

	txf := func(tx *goredis.Tx) error {
		rec, found, err := readRecord(ctx, tx, rk)
		if err != nil {
			return err
		}
		if !found {
			rec = keymeter.UsageRecord{LastActivity: now}
		}

		persist := fn(&rec)
		result = rec
		if !persist && found {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, rk,
				"used", rec.Used,
				"last_activity", rec.LastActivity.UnixNano(),
			)
			return nil
		})
		return err
	}

	for i := 0; i < s.maxRetries; i++ {
		err := s.client.Watch(ctx, txf, rk)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return keymeter.UsageRecord{}, &keymeter.StoreError{
			Op: "apply", Key: key, ClientID: clientID,
			Err: fmt.Errorf("keymeter/redis: %w: %w", keymeter.ErrPersistence, err),
		}
	}
	return keymeter.UsageRecord{}, &keymeter.StoreError{
		Op: "apply", Key: key, ClientID: clientID,
		Err: fmt.Errorf("keymeter/redis: %w: transaction contended %d times", keymeter.ErrPersistence, s.maxRetries),
	}
}

// Persist is a no-op: every Apply that asks for persistence commits to Redis
// before returning.
func (s *Store) Persist(context.Context) error { return nil }

// Records lists the records under key by scanning its hashes.
func (s *Store) Records(ctx context.Context, key string) ([]keymeter.ClientUsage, error) {
	prefix := s.keyPrefix + strconv.Itoa(len(key)) + ":" + key + ":"

	var out []keymeter.ClientUsage
	iter := s.client.Scan(ctx, 0, s.keyPattern(key), 100).Iterator()
	for iter.Next(ctx) {
		rk := iter.Val()
		rec, found, err := readRecord(ctx, s.client, rk)
		if err != nil {
			return nil, fmt.Errorf("keymeter/redis: records: %w", err)
		}
		if !found {
			continue
		}
		out = append(out, keymeter.ClientUsage{ClientID: strings.TrimPrefix(rk, prefix), Record: rec})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("keymeter/redis: records: %w", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out, nil
}

func readRecord(ctx context.Context, c goredis.Cmdable, rk string) (keymeter.UsageRecord, bool, error) {
	vals, err := c.HMGet(ctx, rk, "used", "last_activity").Result()
	if err != nil {
		return keymeter.UsageRecord{}, false, err
	}
	if vals[0] == nil || vals[1] == nil {
		return keymeter.UsageRecord{}, false, nil
	}

	used, err := strconv.ParseInt(vals[0].(string), 10, 64)
	if err != nil {
		return keymeter.UsageRecord{}, false, fmt.Errorf("%w: used %q", keymeter.ErrStoreCorrupt, vals[0])
	}
	last, err := strconv.ParseInt(vals[1].(string), 10, 64)
	if err != nil {
		return keymeter.UsageRecord{}, false, fmt.Errorf("%w: last_activity %q", keymeter.ErrStoreCorrupt, vals[1])
	}
	return keymeter.UsageRecord{Used: used, LastActivity: time.Unix(0, last).UTC()}, true, nil
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`)
	return r.Replace(s)
}
