// ABOUTME: MessageStore interface for durable broker message records.
// ABOUTME: Implemented by SQLiteStore and the in-memory MemoryStore.

package store

import (
	"context"
	"errors"
	"time"

	"github.com/hivewire/hivewire/internal/message"
)

// ErrNotFound is returned when a requested message does not exist.
var ErrNotFound = errors.New("message not found")

// ErrDuplicateID is returned when saving a message whose id already exists.
var ErrDuplicateID = errors.New("message id already exists")

// MessageStore persists broker message records. The broker saves a
// record before any delivery attempt and updates it per attempt, so
// implementations must serialize writes to the same record.
type MessageStore interface {
	// SaveMessage inserts a new record. Fails with ErrDuplicateID if
	// the id is already present.
	SaveMessage(ctx context.Context, msg *message.Message) error

	// GetMessage retrieves a record by id.
	GetMessage(ctx context.Context, id string) (*message.Message, error)

	// UpdateMessage overwrites the mutable delivery fields (status,
	// retry_count) of an existing record.
	UpdateMessage(ctx context.Context, msg *message.Message) error

	// ListByStatus returns up to limit records with the given status,
	// oldest first. Used for external retry/replay of pending messages.
	ListByStatus(ctx context.Context, status message.Status, limit int) ([]*message.Message, error)

	// DeleteBefore removes records older than cutoff and reports how
	// many were deleted. The broker's retention sweep calls this.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Close releases any resources held by the store.
	Close() error
}
