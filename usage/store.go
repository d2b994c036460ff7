// Package usage provides the in-process UsageStore for keymeter, optionally
// backed by a JSON file that is rewritten after every persisted mutation.
package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ineyio/keymeter"
)

const schemaVersion = 1

// Store is an in-memory UsageStore with per-record locking. With a file path
// it persists the full table on every Persist.
type Store struct {
	mu      sync.RWMutex // guards records map shape only
	records map[recordKey]*entry

	writeMu  sync.Mutex // serializes file writes
	filePath string
}

type recordKey struct {
	key      string
	clientID string
}

// entry holds one record. Fields are mutated under mu and read atomically so
// a snapshot never has to take another record's lock.
type entry struct {
	mu   sync.Mutex
	used atomic.Int64
	last atomic.Int64 // unix nanoseconds
}

func (e *entry) load() keymeter.UsageRecord {
	return keymeter.UsageRecord{
		Used:         e.used.Load(),
		LastActivity: time.Unix(0, e.last.Load()).UTC(),
	}
}

func (e *entry) store(rec keymeter.UsageRecord) {
	e.used.Store(rec.Used)
	e.last.Store(rec.LastActivity.UnixNano())
}

// fileData is the on-disk layout: key -> client -> record.
type fileData struct {
	SchemaVersion int                                        `json:"schema_version"`
	WrittenAt     time.Time                                  `json:"written_at"`
	Usage         map[string]map[string]keymeter.UsageRecord `json:"usage"`
}

// storedFile mirrors fileData for reading, with pointers so that missing
// fields are told apart from zero values.
type storedFile struct {
	SchemaVersion *int                               `json:"schema_version"`
	Usage         map[string]map[string]storedRecord `json:"usage"`
}

type storedRecord struct {
	Used     *int64     `json:"used"`
	LastUsed *time.Time `json:"last_used"`
}

// legacyRecord is the unversioned layout: key -> client -> {used, lastUsed},
// with lastUsed in unix milliseconds.
type legacyRecord struct {
	Used     *int64 `json:"used"`
	LastUsed *int64 `json:"lastUsed"`
}

var _ keymeter.UsageStore = (*Store)(nil)

// NewMemoryStore creates a store that never touches disk.
func NewMemoryStore() *Store {
	return &Store{records: make(map[recordKey]*entry)}
}

// NewFileStore creates a store persisted to path. Call Load before use.
func NewFileStore(path string) *Store {
	s := NewMemoryStore()
	s.filePath = path
	return s
}

// Path returns the backing file path, or "" for a memory store.
func (s *Store) Path() string { return s.filePath }

// Load reads the backing file. A missing file starts an empty store; a file
// that exists but cannot be parsed is an error. Files in the unversioned
// key -> client -> {used, lastUsed} layout are migrated and rewritten in the
// current layout on the next persist.
func (s *Store) Load(_ context.Context) error {
	if s.filePath == "" {
		return nil
	}
	raw, err := os.ReadFile(s.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("keymeter/usage: read %s: %w", s.filePath, err)
	}

	records, err := decodeFile(raw)
	if err != nil {
		return fmt.Errorf("keymeter/usage: %s: %w", s.filePath, err)
	}

	s.mu.Lock()
	s.records = records
	s.mu.Unlock()
	return nil
}

// GetOrCreate returns the record for (key, clientID), creating it if absent.
func (s *Store) GetOrCreate(_ context.Context, key, clientID string, now time.Time) (keymeter.UsageRecord, error) {
	e := s.getOrCreate(key, clientID, now)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.load(), nil
}

// Apply runs fn inside the record's critical section and persists on request.
func (s *Store) Apply(ctx context.Context, key, clientID string, now time.Time, fn keymeter.ApplyFunc) (keymeter.UsageRecord, error) {
	e := s.getOrCreate(key, clientID, now)

	e.mu.Lock()
	defer e.mu.Unlock()

	before := e.load()
	rec := before
	persist := fn(&rec)
	e.store(rec)

	if !persist {
		return rec, nil
	}
	// The rollback runs under the write lock so no other persist can
	// snapshot the uncommitted mutation.
	if err := s.persist(func() { e.store(before) }); err != nil {
		return before, &keymeter.StoreError{Op: "persist", Key: key, ClientID: clientID, Err: err}
	}
	return rec, nil
}

// Persist rewrites the backing file with the current state of every record.
func (s *Store) Persist(_ context.Context) error {
	return s.persist(nil)
}

// persist writes the file. On failure, rollback runs before the write lock is
// released.
func (s *Store) persist(rollback func()) (err error) {
	if s.filePath == "" {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	defer func() {
		if err != nil && rollback != nil {
			rollback()
		}
	}()

	data := fileData{
		SchemaVersion: schemaVersion,
		WrittenAt:     time.Now().UTC(),
		Usage:         s.snapshot(),
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("keymeter/usage: marshal: %w: %v", keymeter.ErrPersistence, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o700); err != nil {
		return fmt.Errorf("keymeter/usage: create dir: %w: %v", keymeter.ErrPersistence, err)
	}

	tmpFile := s.filePath + ".tmp"
	if err := os.WriteFile(tmpFile, raw, 0o600); err != nil {
		return fmt.Errorf("keymeter/usage: write tmp: %w: %v", keymeter.ErrPersistence, err)
	}
	if err := os.Rename(tmpFile, s.filePath); err != nil {
		_ = os.Remove(tmpFile)
		return fmt.Errorf("keymeter/usage: rename: %w: %v", keymeter.ErrPersistence, err)
	}
	return nil
}

// Records lists the clients seen under key, sorted by client id.
func (s *Store) Records(_ context.Context, key string) ([]keymeter.ClientUsage, error) {
	s.mu.RLock()
	var out []keymeter.ClientUsage
	for rk, e := range s.records {
		if rk.key == key {
			out = append(out, keymeter.ClientUsage{ClientID: rk.clientID, Record: e.load()})
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out, nil
}

func (s *Store) getOrCreate(key, clientID string, now time.Time) *entry {
	rk := recordKey{key: key, clientID: clientID}

	s.mu.RLock()
	e, ok := s.records[rk]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.records[rk]; ok {
		return e
	}
	e = newEntry(keymeter.UsageRecord{LastActivity: now})
	s.records[rk] = e
	return e
}

func (s *Store) snapshot() map[string]map[string]keymeter.UsageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]map[string]keymeter.UsageRecord)
	for rk, e := range s.records {
		clients, ok := out[rk.key]
		if !ok {
			clients = make(map[string]keymeter.UsageRecord)
			out[rk.key] = clients
		}
		clients[rk.clientID] = e.load()
	}
	return out
}

// decodeFile parses either the versioned layout or the unversioned legacy one.
func decodeFile(raw []byte) (map[recordKey]*entry, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, fmt.Errorf("parse: %w: %v", keymeter.ErrStoreCorrupt, err)
	}
	if top == nil {
		return nil, fmt.Errorf("no usage table: %w", keymeter.ErrStoreCorrupt)
	}
	if _, ok := top["schema_version"]; !ok {
		return decodeLegacy(raw)
	}

	var data storedFile
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse: %w: %v", keymeter.ErrStoreCorrupt, err)
	}
	if data.SchemaVersion == nil || *data.SchemaVersion != schemaVersion {
		return nil, fmt.Errorf("unsupported schema_version: %w", keymeter.ErrStoreCorrupt)
	}
	if data.Usage == nil {
		return nil, fmt.Errorf("missing usage table: %w", keymeter.ErrStoreCorrupt)
	}

	records := make(map[recordKey]*entry)
	for key, clients := range data.Usage {
		for clientID, r := range clients {
			if r.Used == nil || r.LastUsed == nil {
				return nil, fmt.Errorf("key %s: incomplete record: %w", keymeter.MaskKey(key), keymeter.ErrStoreCorrupt)
			}
			rec := keymeter.UsageRecord{Used: *r.Used, LastActivity: *r.LastUsed}
			if err := checkRecord(key, rec); err != nil {
				return nil, err
			}
			records[recordKey{key: key, clientID: clientID}] = newEntry(rec)
		}
	}
	return records, nil
}

func decodeLegacy(raw []byte) (map[recordKey]*entry, error) {
	var table map[string]map[string]legacyRecord
	if err := json.Unmarshal(raw, &table); err != nil {
		return nil, fmt.Errorf("parse: %w: %v", keymeter.ErrStoreCorrupt, err)
	}

	records := make(map[recordKey]*entry)
	for key, clients := range table {
		if clients == nil {
			return nil, fmt.Errorf("key %s: no clients: %w", keymeter.MaskKey(key), keymeter.ErrStoreCorrupt)
		}
		for clientID, r := range clients {
			if r.Used == nil || r.LastUsed == nil {
				return nil, fmt.Errorf("key %s: incomplete record: %w", keymeter.MaskKey(key), keymeter.ErrStoreCorrupt)
			}
			rec := keymeter.UsageRecord{Used: *r.Used, LastActivity: time.UnixMilli(*r.LastUsed).UTC()}
			if err := checkRecord(key, rec); err != nil {
				return nil, err
			}
			records[recordKey{key: key, clientID: clientID}] = newEntry(rec)
		}
	}
	return records, nil
}

// checkRecord rejects values the store cannot represent. Timestamps are kept
// as unix nanoseconds, so they must fall inside that range.
func checkRecord(key string, rec keymeter.UsageRecord) error {
	if rec.Used < 0 {
		return fmt.Errorf("negative used for key %s: %w", keymeter.MaskKey(key), keymeter.ErrStoreCorrupt)
	}
	if rec.LastActivity.IsZero() || !time.Unix(0, rec.LastActivity.UnixNano()).Equal(rec.LastActivity) {
		return fmt.Errorf("invalid last_used for key %s: %w", keymeter.MaskKey(key), keymeter.ErrStoreCorrupt)
	}
	return nil
}

func newEntry(rec keymeter.UsageRecord) *entry {
	e := &entry{}
	e.store(rec)
	return e
}
