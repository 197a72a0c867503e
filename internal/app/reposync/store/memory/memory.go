// Package memory is the file-backed fallback used when no relational
// database is configured for the repository store.
package memory

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	domain "github.com/R3E-Network/service_layer/internal/app/domain/reposync"
	"github.com/R3E-Network/service_layer/internal/app/reposync/store"
)

// Store is a thread-safe in-memory index of ConnectionRecords, optionally
// mirrored to a JSON file on every mutation so state survives a restart.
type Store struct {
	mu       sync.RWMutex
	records  map[string]domain.ConnectionRecord
	keyLocks sync.Map // normalized repoKey -> *sync.Mutex
	filePath string
}

var _ store.Store = (*Store)(nil)

// New constructs an in-memory store. When filePath is non-empty, Initialize
// loads any existing JSON snapshot and every mutation rewrites it.
func New(filePath string) *Store {
	return &Store{records: make(map[string]domain.ConnectionRecord), filePath: filePath}
}

func (s *Store) lockFor(repoKey string) *sync.Mutex {
	key := store.NormalizeRepoKey(repoKey)
	actual, _ := s.keyLocks.LoadOrStore(key, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// Initialize loads the JSON snapshot from disk, if configured and present.
func (s *Store) Initialize(ctx context.Context) error {
	if s.filePath == "" {
		return nil
	}
	data, err := os.ReadFile(s.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var loaded map[string]domain.ConnectionRecord
	if err := json.Unmarshal(data, &loaded); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = loaded
	return nil
}

func (s *Store) persistLocked() error {
	if s.filePath == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.filePath, data, 0o600)
}

func (s *Store) Put(ctx context.Context, record domain.ConnectionRecord) error {
	lock := s.lockFor(record.RepoKey)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[store.NormalizeRepoKey(record.RepoKey)] = record
	return s.persistLocked()
}

func (s *Store) Get(ctx context.Context, repoKey string) (domain.ConnectionRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[store.NormalizeRepoKey(repoKey)]
	return record, ok, nil
}

func (s *Store) Delete(ctx context.Context, repoKey string) error {
	lock := s.lockFor(repoKey)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, store.NormalizeRepoKey(repoKey))
	return s.persistLocked()
}

func (s *Store) All(ctx context.Context) ([]domain.ConnectionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ConnectionRecord, 0, len(s.records))
	for _, record := range s.records {
		out = append(out, record)
	}
	return out, nil
}

func (s *Store) UpdateCursor(ctx context.Context, repoKey string, update domain.CursorUpdate) error {
	lock := s.lockFor(repoKey)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	key := store.NormalizeRepoKey(repoKey)
	record, ok := s.records[key]
	if !ok {
		return &store.StateError{Reason: "updateCursor: unknown repoKey " + repoKey}
	}

	if update.LastProcessedPR != nil {
		if record.LastProcessedPR != nil && *update.LastProcessedPR < *record.LastProcessedPR {
			return &store.StateError{Reason: "updateCursor: lastProcessedPR regression"}
		}
		record.LastProcessedPR = update.LastProcessedPR
	}
	if update.LastSyncedAt != nil {
		record.LastSyncedAt = update.LastSyncedAt
	}
	record.LastUpdatedAt = time.Now().UTC()
	s.records[key] = record
	return s.persistLocked()
}
