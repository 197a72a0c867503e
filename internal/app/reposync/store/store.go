// Package store defines the durable repoKey -> ConnectionRecord mapping the
// sync engine and its collaborators depend on, plus the in-memory and
// Postgres-backed implementations.
package store

import (
	"context"
	"fmt"
	"strings"

	domain "github.com/R3E-Network/service_layer/internal/app/domain/reposync"
)

// Store is the durable repoKey -> ConnectionRecord index. All
// implementations must make UpdateCursor idempotent and reject a decrease
// in LastProcessedPR (StateError).
type Store interface {
	Initialize(ctx context.Context) error
	Put(ctx context.Context, record domain.ConnectionRecord) error
	Get(ctx context.Context, repoKey string) (domain.ConnectionRecord, bool, error)
	Delete(ctx context.Context, repoKey string) error
	All(ctx context.Context) ([]domain.ConnectionRecord, error)
	UpdateCursor(ctx context.Context, repoKey string, update domain.CursorUpdate) error
}

// StateError signals an invariant violation: a programming error that must
// not be silently absorbed. Per the error-handling design, a caller
// encountering a StateError should fail loudly rather than retry.
type StateError struct {
	Reason string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("reposync store: state error: %s", e.Reason)
}

// NormalizeRepoKey lower-cases a repoKey for comparison purposes while
// callers retain the case-preserving original for storage and display.
func NormalizeRepoKey(repoKey string) string {
	return strings.ToLower(strings.TrimSpace(repoKey))
}
