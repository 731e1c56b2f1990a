// Package fingerprintstore implements the Fingerprint Store (spec.md
// §4.3): a mutex-guarded, flush-on-mutation JSON map of
// fingerprint -> last-reported epoch milliseconds, persisted to a single
// file under the app's cache directory. Corrupt files load as empty.
//
// No teacher package persists JSON to disk directly; the "swap the
// in-memory state, then durably persist the swapped snapshot" shape
// follows the general idiom visible in microbatch's state-swap-before-act
// pattern (x.state = newBatcherState[Job]() before handing the old state
// to the processor). See DESIGN.md.
package fingerprintstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/souleimagara/crashcore/internal/crashlog"
)

// RetentionWindow is the 7-day duplicate window named throughout spec.md.
const RetentionWindow = 7 * 24 * time.Hour

// for testing purposes
var timeNow = time.Now

// Store persists fingerprint -> last-reported-epoch-ms.
type Store struct {
	path string

	mu      sync.Mutex
	entries map[string]int64
}

// Open loads (or initializes) a Store backed by path. A missing or corrupt
// file is treated as an empty store, per spec.md §4.3.
func Open(path string) (*Store, error) {
	s := &Store{path: path, entries: make(map[string]int64)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		crashlog.For("fingerprintstore").Warn().Err(err).Msg("read failed, treating as empty")
		return s, nil
	}

	var entries map[string]int64
	if err := json.Unmarshal(data, &entries); err != nil {
		crashlog.For("fingerprintstore").Warn().Err(err).Msg("corrupt file, treating as empty")
		return s, nil
	}

	s.entries = entries
	return s, nil
}

// WasRecentlyReported reports whether fp has an entry no older than
// RetentionWindow.
func (s *Store) WasRecentlyReported(fp string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts, ok := s.entries[fp]
	if !ok {
		return false
	}
	age := time.Duration(timeNow().UnixMilli()-ts) * time.Millisecond
	return age <= RetentionWindow
}

// MarkAsReported records fp as reported now, and flushes to disk before
// returning.
func (s *Store) MarkAsReported(fp string) error {
	s.mu.Lock()
	s.entries[fp] = timeNow().UnixMilli()
	snapshot := s.cloneLocked()
	s.mu.Unlock()

	return persist(s.path, snapshot)
}

// PeriodicCleanup removes entries older than RetentionWindow, rewriting the
// file only if anything was removed.
func (s *Store) PeriodicCleanup() error {
	s.mu.Lock()
	cutoff := timeNow().UnixMilli() - RetentionWindow.Milliseconds()
	removed := false
	for fp, ts := range s.entries {
		if ts < cutoff {
			delete(s.entries, fp)
			removed = true
		}
	}
	var snapshot map[string]int64
	if removed {
		snapshot = s.cloneLocked()
	}
	s.mu.Unlock()

	if !removed {
		return nil
	}
	return persist(s.path, snapshot)
}

// Len reports the number of tracked fingerprints. Intended for tests and
// diagnostics.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) cloneLocked() map[string]int64 {
	out := make(map[string]int64, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

func persist(path string, entries map[string]int64) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
