// Package registry provides KeyRegistry implementations for keymeter.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/ineyio/keymeter"
)

// DefaultSeeds are written to a fresh keys file on first run.
var DefaultSeeds = []keymeter.KeyRecord{
	{Key: "nothing-api", Limit: 3000},
	{Key: "nothing-ben", Limit: 3000},
}

// Static is an immutable in-memory registry.
type Static struct {
	keys map[string]keymeter.KeyRecord
}

var _ keymeter.KeyRegistry = (*Static)(nil)

// NewStatic creates a registry from key -> limit.
func NewStatic(limits map[string]int64) *Static {
	keys := make(map[string]keymeter.KeyRecord, len(limits))
	for k, limit := range limits {
		keys[k] = keymeter.KeyRecord{Key: k, Limit: limit}
	}
	return &Static{keys: keys}
}

// Lookup returns the record for key.
func (s *Static) Lookup(key string) (keymeter.KeyRecord, bool) {
	if key == "" {
		return keymeter.KeyRecord{}, false
	}
	kr, ok := s.keys[key]
	return kr, ok
}

// keyEntry is the persisted form of one key. Older files also carry
// per-key "used" and "lastReset" fields; they are ignored.
type keyEntry struct {
	Limit *int64 `json:"limit"`
}

// File is a registry backed by a JSON file of key -> {"limit": n}.
type File struct {
	mu     sync.RWMutex
	keys   map[string]keymeter.KeyRecord
	path   string
	seeds  []keymeter.KeyRecord
	logger *slog.Logger
}

var _ keymeter.KeyRegistry = (*File)(nil)

// Option configures a File registry.
type Option func(*File)

// WithSeeds sets the keys written when no keys file exists.
func WithSeeds(seeds []keymeter.KeyRecord) Option {
	return func(f *File) { f.seeds = seeds }
}

// WithLogger sets the logger used for reload events.
func WithLogger(l *slog.Logger) Option {
	return func(f *File) { f.logger = l }
}

// Open loads the keys file at path, bootstrapping it from the seeds if it
// does not exist. A file that exists but cannot be parsed is an error.
func Open(path string, opts ...Option) (*File, error) {
	f := &File{
		path:   path,
		seeds:  DefaultSeeds,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := f.bootstrap(); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("keymeter/registry: stat %s: %w", path, err)
	}

	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Lookup returns the record for key.
func (f *File) Lookup(key string) (keymeter.KeyRecord, bool) {
	if key == "" {
		return keymeter.KeyRecord{}, false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	kr, ok := f.keys[key]
	return kr, ok
}

// Keys returns all registered keys sorted by key.
func (f *File) Keys() []keymeter.KeyRecord {
	f.mu.RLock()
	out := make([]keymeter.KeyRecord, 0, len(f.keys))
	for _, kr := range f.keys {
		out = append(out, kr)
	}
	f.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Path returns the keys file path.
func (f *File) Path() string { return f.path }

// Reload re-reads the keys file. On error the previous keys stay in effect.
func (f *File) Reload() error {
	keys, err := parseFile(f.path)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.keys = keys
	f.mu.Unlock()
	return nil
}

// Watch reloads the registry whenever the keys file changes, until ctx is done.
func (f *File) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("keymeter/registry: watcher: %w", err)
	}
	// Watch the directory: editors and atomic writers replace the file.
	if err := w.Add(filepath.Dir(f.path)); err != nil {
		w.Close()
		return fmt.Errorf("keymeter/registry: watch %s: %w", f.path, err)
	}

	go func() {
		defer w.Close()
		target := filepath.Clean(f.path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := f.Reload(); err != nil {
					f.logger.Warn("key registry reload failed, keeping previous keys",
						"path", f.path, "error", err)
					continue
				}
				f.logger.Info("key registry reloaded", "path", f.path, "keys", len(f.Keys()))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				f.logger.Warn("key registry watcher error", "path", f.path, "error", err)
			}
		}
	}()
	return nil
}

func (f *File) bootstrap() error {
	if len(f.seeds) == 0 {
		return fmt.Errorf("keymeter/registry: %s does not exist and no seed keys are configured", f.path)
	}
	entries := make(map[string]keyEntry, len(f.seeds))
	for _, s := range f.seeds {
		if s.Key == "" || s.Limit < 0 {
			return fmt.Errorf("keymeter/registry: invalid seed %q (limit %d)", keymeter.MaskKey(s.Key), s.Limit)
		}
		limit := s.Limit
		entries[s.Key] = keyEntry{Limit: &limit}
	}
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("keymeter/registry: marshal seeds: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("keymeter/registry: create dir: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("keymeter/registry: write seeds: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("keymeter/registry: write seeds: %w", err)
	}
	f.logger.Info("key registry bootstrapped", "path", f.path, "keys", len(entries))
	return nil
}

func parseFile(path string) (map[string]keymeter.KeyRecord, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keymeter/registry: read %s: %w", path, err)
	}

	var entries map[string]keyEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("keymeter/registry: parse %s: %w: %v", path, keymeter.ErrStoreCorrupt, err)
	}

	keys := make(map[string]keymeter.KeyRecord, len(entries))
	for k, e := range entries {
		if k == "" {
			return nil, fmt.Errorf("keymeter/registry: %s: empty key: %w", path, keymeter.ErrStoreCorrupt)
		}
		if e.Limit == nil {
			return nil, fmt.Errorf("keymeter/registry: %s: key %s: limit is required: %w",
				path, keymeter.MaskKey(k), keymeter.ErrStoreCorrupt)
		}
		if *e.Limit < 0 {
			return nil, fmt.Errorf("keymeter/registry: %s: key %s: negative limit %d: %w",
				path, keymeter.MaskKey(k), *e.Limit, keymeter.ErrStoreCorrupt)
		}
		keys[k] = keymeter.KeyRecord{Key: k, Limit: *e.Limit}
	}
	return keys, nil
}
