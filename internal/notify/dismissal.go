package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var ErrInvalidInput = errors.New("invalid input")

// DismissalTTL is how long a dismissal suppresses its notification. Records
// older than this are pruned lazily on the next read; there is no sweeper.
const DismissalTTL = 7 * 24 * time.Hour

// dismissalKeyPrefix namespaces one user's records in durable storage.
const dismissalKeyPrefix = "dismissed_notifications_"

type DismissalRecord struct {
	ID          string `json:"id"`
	DismissedAt int64  `json:"dismissedAt"`
}

// DismissalBackend persists the full dismissal set for one user. Writes are
// last-writer-wins: concurrent daemon instances sharing a backend get no
// cross-record transactional guarantee.
type DismissalBackend interface {
	Load(userID string) ([]DismissalRecord, error)
	Save(userID string, records []DismissalRecord) error
	Close() error
}

// DismissalStore tracks which notifications each user has explicitly
// dismissed. Records expire after DismissalTTL and one user's dismissals are
// never visible to reads under another user id.
type DismissalStore struct {
	mu      sync.Mutex
	backend DismissalBackend
	now     func() time.Time
}

func NewDismissalStore(backend DismissalBackend) (*DismissalStore, error) {
	if backend == nil {
		return nil, fmt.Errorf("dismissal backend is required")
	}
	return &DismissalStore{
		backend: backend,
		now:     time.Now,
	}, nil
}

// IsDismissed reports whether the user dismissed the notification within the
// TTL window. Expired records encountered on the way are pruned.
func (s *DismissalStore) IsDismissed(userID, id string) bool {
	userID = strings.TrimSpace(userID)
	id = strings.TrimSpace(id)
	if userID == "" || id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.loadPrunedLocked(userID)
	if err != nil {
		return false
	}
	for _, record := range records {
		if record.ID == id {
			return true
		}
	}
	return false
}

// Dismiss records a dismissal at the current time. Dismissing an id that is
// already dismissed is a no-op.
func (s *DismissalStore) Dismiss(userID, id string) error {
	userID = strings.TrimSpace(userID)
	id = strings.TrimSpace(id)
	if userID == "" || id == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.loadPrunedLocked(userID)
	if err != nil {
		return err
	}
	for _, record := range records {
		if record.ID == id {
			return nil
		}
	}
	records = append(records, DismissalRecord{
		ID:          id,
		DismissedAt: s.now().Unix(),
	})
	return s.backend.Save(userID, records)
}

// PruneExpired drops records outside the TTL window. Reads already prune
// lazily; this exists for owners that want an explicit pass.
func (s *DismissalStore) PruneExpired(userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.loadPrunedLocked(userID)
	return err
}

func (s *DismissalStore) Close() error {
	return s.backend.Close()
}

// loadPrunedLocked loads the user's records and persists the pruned set when
// anything expired.
func (s *DismissalStore) loadPrunedLocked(userID string) ([]DismissalRecord, error) {
	records, err := s.backend.Load(userID)
	if err != nil {
		return nil, err
	}
	cutoff := s.now().Add(-DismissalTTL).Unix()
	kept := records[:0]
	pruned := false
	for _, record := range records {
		if record.DismissedAt < cutoff {
			pruned = true
			continue
		}
		kept = append(kept, record)
	}
	if pruned {
		if err := s.backend.Save(userID, kept); err != nil {
			return nil, err
		}
	}
	return kept, nil
}

// FileDismissalBackend stores one JSON array per user under a directory,
// using the dismissed_notifications_<userId> key format.
type FileDismissalBackend struct {
	dir string
}

func NewFileDismissalBackend(dir string) (*FileDismissalBackend, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileDismissalBackend{dir: dir}, nil
}

func (b *FileDismissalBackend) Load(userID string) ([]DismissalRecord, error) {
	data, err := os.ReadFile(b.fileFor(userID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var records []DismissalRecord
	if err := json.Unmarshal(data, &records); err != nil {
		// a corrupt file suppresses nothing; start over
		return nil, nil
	}
	return records, nil
}

func (b *FileDismissalBackend) Save(userID string, records []DismissalRecord) error {
	if records == nil {
		records = []DismissalRecord{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	return writeFileAtomic(b.fileFor(userID), data, 0o644)
}

func (b *FileDismissalBackend) Close() error { return nil }

func (b *FileDismissalBackend) fileFor(userID string) string {
	return filepath.Join(b.dir, dismissalKeyPrefix+sanitizeUserID(userID)+".json")
}

// InMemoryDismissalBackend keeps dismissals for the process lifetime only.
type InMemoryDismissalBackend struct {
	mu     sync.Mutex
	byUser map[string][]DismissalRecord
}

func NewInMemoryDismissalBackend() *InMemoryDismissalBackend {
	return &InMemoryDismissalBackend{byUser: map[string][]DismissalRecord{}}
}

func (b *InMemoryDismissalBackend) Load(userID string) ([]DismissalRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]DismissalRecord(nil), b.byUser[userID]...), nil
}

func (b *InMemoryDismissalBackend) Save(userID string, records []DismissalRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byUser[userID] = append([]DismissalRecord(nil), records...)
	return nil
}

func (b *InMemoryDismissalBackend) Close() error { return nil }

// sanitizeUserID keeps storage keys filesystem-safe without losing the
// per-user namespacing.
func sanitizeUserID(userID string) string {
	var sb strings.Builder
	for _, r := range strings.TrimSpace(userID) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	return sb.String()
}
