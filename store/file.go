package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"cadencer/models"
)

const leadsSubdir = "leads"

// FileStore keeps one JSON document per lead under <dir>/leads/. Writes go
// through a temp file plus rename so a crash mid-write leaves the previous
// record intact. A per-lead mutex serializes writers inside this process;
// the file backend assumes a single process owns the data directory.
type FileStore struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileStore opens (creating if needed) a file-backed store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	leads := filepath.Join(dir, leadsSubdir)
	if err := os.MkdirAll(leads, 0o755); err != nil {
		return nil, fmt.Errorf("create leads dir: %w", err)
	}
	return &FileStore{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

// Dir returns the root data directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) lockFor(email string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[email]
	if !ok {
		l = &sync.Mutex{}
		s.locks[email] = l
	}
	return l
}

// EncodeEmailFilename maps an email to its on-disk base name, e.g.
// user@example.com -> user_at_example_com. The mapping is lossy, so the
// email itself is embedded in the record rather than recovered from the
// name.
func EncodeEmailFilename(email string) string {
	var b strings.Builder
	for _, r := range models.CanonicalEmail(email) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		case r == '@':
			b.WriteString("_at_")
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func (s *FileStore) pathFor(email string) string {
	return filepath.Join(s.dir, leadsSubdir, EncodeEmailFilename(email)+".json")
}

func (s *FileStore) read(email string) (*models.LeadCadenceState, error) {
	data, err := os.ReadFile(s.pathFor(email))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", email, ErrNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", email, err)
	}
	var state models.LeadCadenceState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", email, ErrCorrupt, err)
	}
	state.ApplyDefaults()
	return &state, nil
}

func (s *FileStore) write(state *models.LeadCadenceState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", state.Email, err)
	}
	dir := filepath.Join(s.dir, leadsSubdir)
	tmp, err := os.CreateTemp(dir, ".lead-*.tmp")
	if err != nil {
		return fmt.Errorf("temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", state.Email, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", state.Email, err)
	}
	if err := os.Rename(tmpName, s.pathFor(state.Email)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", state.Email, err)
	}
	return nil
}

// Get returns the stored state for email.
func (s *FileStore) Get(ctx context.Context, email string) (*models.LeadCadenceState, error) {
	email = models.CanonicalEmail(email)
	l := s.lockFor(email)
	l.Lock()
	defer l.Unlock()
	return s.read(email)
}

// Put writes state unconditionally, bumping its version.
func (s *FileStore) Put(ctx context.Context, state *models.LeadCadenceState) error {
	state.Email = models.CanonicalEmail(state.Email)
	l := s.lockFor(state.Email)
	l.Lock()
	defer l.Unlock()
	state.Version++
	return s.write(state)
}

// AtomicUpdate applies fn under the lead's lock and persists the result.
func (s *FileStore) AtomicUpdate(ctx context.Context, email string, fn UpdateFunc) (*models.LeadCadenceState, error) {
	email = models.CanonicalEmail(email)
	l := s.lockFor(email)
	l.Lock()
	defer l.Unlock()

	state, err := s.read(email)
	if err != nil {
		return nil, err
	}
	if err := fn(state); err != nil {
		return nil, err
	}
	state.Email = email
	state.Version++
	if err := s.write(state); err != nil {
		return nil, err
	}
	return state, nil
}

// List scans every lead file. Unreadable records come back as RecordErrors
// instead of failing the scan.
func (s *FileStore) List(ctx context.Context) ([]*models.LeadCadenceState, []RecordError, error) {
	return s.list(ctx, false)
}

// ListActive returns only leads whose cadence status is active.
func (s *FileStore) ListActive(ctx context.Context) ([]*models.LeadCadenceState, []RecordError, error) {
	return s.list(ctx, true)
}

func (s *FileStore) list(ctx context.Context, activeOnly bool) ([]*models.LeadCadenceState, []RecordError, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, leadsSubdir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("scan leads dir: %w", err)
	}

	var (
		states  []*models.LeadCadenceState
		badness []RecordError
	)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, leadsSubdir, entry.Name()))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue // replaced mid-scan
			}
			badness = append(badness, RecordError{Email: entry.Name(), Err: err})
			continue
		}
		var state models.LeadCadenceState
		if err := json.Unmarshal(data, &state); err != nil {
			name := strings.TrimSuffix(entry.Name(), ".json")
			badness = append(badness, RecordError{Email: name, Err: fmt.Errorf("%w: %v", ErrCorrupt, err)})
			continue
		}
		state.ApplyDefaults()
		if activeOnly && !state.IsActive() {
			continue
		}
		states = append(states, &state)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Email < states[j].Email })
	return states, badness, nil
}

// Close is a no-op for the file backend.
func (s *FileStore) Close() error { return nil }
