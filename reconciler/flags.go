// Package reconciler applies asynchronously produced engagement signals
// (LinkedIn connection accepted, replies, bounces, unsubscribes) to cadence
// state exactly once. Signals arrive as one JSON flag file each; producers
// write them, the reconciler consumes and marks them processed.
package reconciler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"cadencer/models"
	"cadencer/store"
)

const signalsSubdir = "signals"

// FlagStore reads and writes signal flag files under <dir>/signals/.
// Writers (webhook ingest, reply poller, tests) and the reconciler share
// one instance per data directory.
type FlagStore struct {
	dir string
	mu  sync.Mutex
}

// NewFlagStore opens (creating if needed) the signals directory under dir.
func NewFlagStore(dir string) (*FlagStore, error) {
	signals := filepath.Join(dir, signalsSubdir)
	if err := os.MkdirAll(signals, 0o755); err != nil {
		return nil, fmt.Errorf("create signals dir: %w", err)
	}
	return &FlagStore{dir: dir}, nil
}

func (f *FlagStore) path(id string) string {
	return filepath.Join(f.dir, signalsSubdir, id+".json")
}

// Write persists a new flag, assigning an id and timestamp when the
// producer left them empty.
func (f *FlagStore) Write(flag *models.SignalFlag) error {
	if flag.ID == "" {
		flag.ID = uuid.NewString()
	}
	if flag.FlaggedAt.IsZero() {
		flag.FlaggedAt = time.Now().UTC()
	}
	flag.Lead.Email = models.CanonicalEmail(flag.Lead.Email)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.write(flag)
}

func (f *FlagStore) write(flag *models.SignalFlag) error {
	data, err := json.MarshalIndent(flag, "", "  ")
	if err != nil {
		return fmt.Errorf("encode flag %s: %w", flag.ID, err)
	}
	dir := filepath.Join(f.dir, signalsSubdir)
	tmp, err := os.CreateTemp(dir, ".flag-*.tmp")
	if err != nil {
		return fmt.Errorf("temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write flag %s: %w", flag.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close flag %s: %w", flag.ID, err)
	}
	if err := os.Rename(tmpName, f.path(flag.ID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace flag %s: %w", flag.ID, err)
	}
	return nil
}

// ListPending returns unprocessed flags oldest-first. Unreadable flag files
// surface as RecordErrors and stay on disk for inspection.
func (f *FlagStore) ListPending() ([]*models.SignalFlag, []store.RecordError, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(f.dir, signalsSubdir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("scan signals dir: %w", err)
	}

	var (
		flags   []*models.SignalFlag
		badness []store.RecordError
	)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.dir, signalsSubdir, entry.Name()))
		if err != nil {
			badness = append(badness, store.RecordError{Email: entry.Name(), Err: err})
			continue
		}
		var flag models.SignalFlag
		if err := json.Unmarshal(data, &flag); err != nil {
			name := strings.TrimSuffix(entry.Name(), ".json")
			badness = append(badness, store.RecordError{Email: name, Err: fmt.Errorf("%w: %v", store.ErrCorrupt, err)})
			continue
		}
		if flag.Processed {
			continue
		}
		if flag.ID == "" {
			flag.ID = strings.TrimSuffix(entry.Name(), ".json")
		}
		flags = append(flags, &flag)
	}
	sort.Slice(flags, func(i, j int) bool { return flags[i].FlaggedAt.Before(flags[j].FlaggedAt) })
	return flags, badness, nil
}

// MarkProcessed stamps the flag so it is never re-read. An empty skipReason
// means the signal was applied.
func (f *FlagStore) MarkProcessed(flag *models.SignalFlag, skipReason string) error {
	now := time.Now().UTC()
	flag.Processed = true
	flag.ProcessedAt = &now
	flag.SkipReason = skipReason
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.write(flag)
}

// Get reads one flag by id, mainly for tests and inspection.
func (f *FlagStore) Get(id string) (*models.SignalFlag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("flag %s: %w", id, store.ErrNotFound)
		}
		return nil, err
	}
	var flag models.SignalFlag
	if err := json.Unmarshal(data, &flag); err != nil {
		return nil, fmt.Errorf("flag %s: %w: %v", id, store.ErrCorrupt, err)
	}
	return &flag, nil
}
