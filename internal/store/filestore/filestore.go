// Package filestore persists credential records as a single JSON document
// {"keys":[...]} with crash-safe write-and-rename updates. A directory-based
// advisory lock (mkdir is atomic on POSIX) serialises mutating writers
// across processes; read-only operations skip it and accept stale reads.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/yourflock/perch/internal/credential"
	"github.com/yourflock/perch/internal/store"
)

const (
	lockAttempts = 10
	lockBackoff  = 50 * time.Millisecond
)

// FileStore is the file-backed credential store.
type FileStore struct {
	path string
	log  *slog.Logger

	// mu serialises in-process writers; the .lock directory serialises
	// across processes. Both are held for every mutation.
	mu sync.Mutex
}

// document is the on-disk shape.
type document struct {
	Keys []*credential.Record `json:"keys"`
}

// New returns a FileStore for the given path. Call Initialize before use.
func New(path string, log *slog.Logger) *FileStore {
	if log == nil {
		log = slog.Default()
	}
	return &FileStore{path: path, log: log}
}

// Initialize ensures the parent directory and the document exist.
// Idempotent: an existing document is left untouched.
func (fs *FileStore) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(fs.path), 0o755); err != nil {
		return fmt.Errorf("%w: create data dir: %v", store.ErrUnavailable, err)
	}
	if _, err := os.Stat(fs.path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("%w: stat %s: %v", store.ErrUnavailable, fs.path, err)
	}
	return fs.withLock(func() error {
		// Re-check under the lock; another process may have won the race.
		if _, err := os.Stat(fs.path); err == nil {
			return nil
		}
		return fs.save(&document{})
	})
}

// Find returns a snapshot of the record for key. Lock-free: readers accept
// a stale view, the atomic rename guarantees they never see a torn one.
func (fs *FileStore) Find(ctx context.Context, key string) (*credential.Record, error) {
	doc, err := fs.load()
	if err != nil {
		return nil, err
	}
	for _, rec := range doc.Keys {
		if rec.Key == key {
			return rec, nil
		}
	}
	return nil, store.ErrNotFound
}

// UpdateUsage folds a usage increment into the record under the advisory
// lock, then persists via write-and-rename.
func (fs *FileStore) UpdateUsage(ctx context.Context, key string, tokens int64, model string, now time.Time) error {
	return fs.mutate(func(doc *document) error {
		for _, rec := range doc.Keys {
			if rec.Key != key {
				continue
			}
			rec.RecordUsage(tokens, now)
			if model != "" {
				fs.log.Debug("usage recorded", "key_name", rec.Name, "model", model, "tokens", tokens)
			}
			return nil
		}
		return store.ErrNotFound
	})
}

// Stats derives the usage view for key.
func (fs *FileStore) Stats(ctx context.Context, key string) (*credential.Stats, error) {
	rec, err := fs.Find(ctx, key)
	if err != nil {
		return nil, err
	}
	st := rec.StatsAt(time.Now())
	return &st, nil
}

// Put creates or replaces a record.
func (fs *FileStore) Put(ctx context.Context, rec *credential.Record) error {
	cp := rec.Clone()
	return fs.mutate(func(doc *document) error {
		for i, existing := range doc.Keys {
			if existing.Key == cp.Key {
				doc.Keys[i] = cp
				return nil
			}
		}
		doc.Keys = append(doc.Keys, cp)
		return nil
	})
}

// Delete removes a record.
func (fs *FileStore) Delete(ctx context.Context, key string) error {
	return fs.mutate(func(doc *document) error {
		for i, rec := range doc.Keys {
			if rec.Key == key {
				doc.Keys = append(doc.Keys[:i], doc.Keys[i+1:]...)
				return nil
			}
		}
		return store.ErrNotFound
	})
}

// List returns snapshots of all records.
func (fs *FileStore) List(ctx context.Context) ([]*credential.Record, error) {
	doc, err := fs.load()
	if err != nil {
		return nil, err
	}
	return doc.Keys, nil
}

// Close is a no-op; the store holds no open handles between calls.
func (fs *FileStore) Close() error { return nil }

// mutate runs fn against the loaded document under both locks and persists
// the result when fn succeeds.
func (fs *FileStore) mutate(fn func(*document) error) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.withLock(func() error {
		doc, err := fs.load()
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
		return fs.save(doc)
	})
}

// withLock acquires the .lock directory, runs fn, and releases the lock on
// every exit path — success, error, or panic.
func (fs *FileStore) withLock(fn func() error) (err error) {
	lockDir := fs.path + ".lock"
	acquired := false
	for attempt := 0; attempt < lockAttempts; attempt++ {
		mkErr := os.Mkdir(lockDir, 0o755)
		if mkErr == nil {
			acquired = true
			break
		}
		if !os.IsExist(mkErr) {
			return fmt.Errorf("%w: acquire lock %s: %v", store.ErrUnavailable, lockDir, mkErr)
		}
		time.Sleep(lockBackoff)
	}
	if !acquired {
		return fmt.Errorf("%w: lock %s held after %d attempts", store.ErrUnavailable, lockDir, lockAttempts)
	}
	defer func() {
		if rmErr := os.Remove(lockDir); rmErr != nil && err == nil {
			err = fmt.Errorf("release lock %s: %w", lockDir, rmErr)
		}
	}()
	return fn()
}

// load reads and decodes the document. A missing file is an empty document
// so first writes do not depend on Initialize ordering.
func (fs *FileStore) load() (*document, error) {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &document{}, nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", store.ErrUnavailable, fs.path, err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", fs.path, err)
	}
	return &doc, nil
}

// save writes the document to <path>.tmp and renames it into place, so a
// crash mid-write never leaves a torn document behind.
func (fs *FileStore) save(doc *document) error {
	if doc.Keys == nil {
		doc.Keys = []*credential.Record{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("%w: write %s: %v", store.ErrUnavailable, tmp, err)
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: rename %s: %v", store.ErrUnavailable, tmp, err)
	}
	return nil
}
