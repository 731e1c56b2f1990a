// Package crashstore implements the Crash Store (spec.md §4.4): a
// directory-based queue of pending and sent crash payloads, durable across
// process death because save() persists (write-temp, fsync, rename)
// before any network call is attempted.
//
// No teacher package performs filesystem persistence; the write-then-
// rename contract follows the standard Go durability idiom, and the
// "finish the durable step before acknowledging" ordering mirrors
// microbatch.Batcher.Shutdown's guarantee that in-flight work completes
// before the caller is told it's done. See DESIGN.md.
package crashstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/souleimagara/crashcore/internal/crashlog"
	"github.com/souleimagara/crashcore/internal/model"
)

// SentRetention is how long a delivered payload is kept in sent/ before
// cleanup removes it, per spec.md §4.4/§6.
const SentRetention = 7 * 24 * time.Hour

// ErrNotFound is returned by Load and LoadFile when the requested record
// has no corresponding file in pending/.
var ErrNotFound = errors.New("crashstore: not found")

// Store is a directory-based pending/sent crash payload queue.
type Store struct {
	root    string
	pending string
	sent    string
}

// Open ensures root/pending and root/sent exist and returns a ready Store.
func Open(root string) (*Store, error) {
	s := &Store{
		root:    root,
		pending: filepath.Join(root, "pending"),
		sent:    filepath.Join(root, "sent"),
	}
	for _, dir := range []string{s.pending, s.sent} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("crashstore: mkdir %s: %w", dir, err)
		}
	}
	return s, nil
}

func pendingFilename(id uuid.UUID) string {
	return fmt.Sprintf("crash_%s.json", id.String())
}

// Save writes record to pending/, via write-to-temp then rename, and
// fsyncs before returning — satisfying spec.md's persistence-before-send
// guarantee.
func (s *Store) Save(record *model.CrashRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("crashstore: marshal: %w", err)
	}

	final := filepath.Join(s.pending, pendingFilename(record.ID))
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("crashstore: create temp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("crashstore: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("crashstore: fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("crashstore: close: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("crashstore: rename: %w", err)
	}

	crashlog.For("crashstore").Debug().Str("id", record.ID.String()).Msg("saved pending crash")
	return nil
}

// Load reads a single pending crash record by id.
func (s *Store) Load(id uuid.UUID) (*model.CrashRecord, error) {
	path := filepath.Join(s.pending, pendingFilename(id))
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("crashstore: read: %w", err)
	}

	var record model.CrashRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("crashstore: unmarshal: %w", err)
	}
	return &record, nil
}

// LoadFile reads and parses a pending crash record given its filename
// (as returned by ListPending), for callers that enumerate the directory
// directly.
func (s *Store) LoadFile(name string) (*model.CrashRecord, error) {
	data, err := os.ReadFile(filepath.Join(s.pending, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("crashstore: read: %w", err)
	}
	var record model.CrashRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("crashstore: unmarshal: %w", err)
	}
	return &record, nil
}

// MarkSent renames the pending file for id into sent/, preserving mtime.
// Returns false (no error) if no such pending file exists.
func (s *Store) MarkSent(id uuid.UUID) (bool, error) {
	from := filepath.Join(s.pending, pendingFilename(id))
	info, err := os.Stat(from)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("crashstore: stat: %w", err)
	}

	to := filepath.Join(s.sent, pendingFilename(id))
	if err := os.Rename(from, to); err != nil {
		return false, fmt.Errorf("crashstore: rename to sent: %w", err)
	}
	if err := os.Chtimes(to, info.ModTime(), info.ModTime()); err != nil {
		crashlog.For("crashstore").Warn().Err(err).Msg("failed to preserve mtime on sent file")
	}

	crashlog.For("crashstore").Debug().Str("id", id.String()).Msg("marked sent")
	return true, nil
}

// ListPending returns pending/ filenames in filesystem (lexical) order,
// matching spec.md §4.11's "iterates pending/ entries in filesystem order".
func (s *Store) ListPending() ([]string, error) {
	entries, err := os.ReadDir(s.pending)
	if err != nil {
		return nil, fmt.Errorf("crashstore: readdir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// CleanupOldSent deletes files in sent/ with an mtime older than
// SentRetention.
func (s *Store) CleanupOldSent() error {
	entries, err := os.ReadDir(s.sent)
	if err != nil {
		return fmt.Errorf("crashstore: readdir sent: %w", err)
	}

	cutoff := time.Now().Add(-SentRetention)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.sent, e.Name())); err != nil {
				crashlog.For("crashstore").Warn().Err(err).Str("file", e.Name()).Msg("cleanup: failed to remove")
			}
		}
	}
	return nil
}

// Delete removes a single pending record by id.
func (s *Store) Delete(id uuid.UUID) error {
	err := os.Remove(filepath.Join(s.pending, pendingFilename(id)))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("crashstore: delete: %w", err)
	}
	return nil
}

// DeleteAll removes every pending and sent record. Used by tests and by
// hosts offering a "clear crash data" control.
func (s *Store) DeleteAll() error {
	for _, dir := range []string{s.pending, s.sent} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("crashstore: readdir: %w", err)
		}
		for _, e := range entries {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				return fmt.Errorf("crashstore: delete: %w", err)
			}
		}
	}
	return nil
}

// PendingCount reports the number of pending crash files.
func (s *Store) PendingCount() (int, error) {
	names, err := s.ListPending()
	if err != nil {
		return 0, err
	}
	return len(names), nil
}
