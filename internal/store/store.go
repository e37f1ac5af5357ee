// Package store declares the collaborator boundaries this client depends
// on: the persistent notification store, the read-only user preference
// store, and the durable local storage backing the offline queue. The
// remote implementations live alongside; everything else in the repo
// programs against these interfaces.
package store

import (
	"context"
	"time"

	"github.com/sapliy/notifysync/internal/notify"
)

// Filters narrows a notification fetch.
type Filters struct {
	UnreadOnly bool
	Types      []notify.Type
	// Since restricts results to notifications created strictly after the
	// given instant. Missed-event sync relies on this.
	Since time.Time
	Limit int
}

// Page is one page of fetch results, ordered by CreatedAt ascending.
type Page struct {
	Notifications []notify.Notification
	NextCursor    string
}

// Patch is a partial notification update. Nil fields are untouched.
type Patch struct {
	Read           *bool                  `json:"read,omitempty"`
	DeliveryStatus *notify.DeliveryStatus `json:"delivery_status,omitempty"`
}

// ReadPatch is shorthand for a read-state patch.
func ReadPatch(read bool) Patch {
	return Patch{Read: &read}
}

// Store is the persistent notification store's query/write API. All
// mutations are idempotent at this boundary: re-marking a read
// notification or re-deleting a deleted one succeeds as a no-op.
type Store interface {
	FetchNotifications(ctx context.Context, userID string, filters Filters, cursor string) (*Page, error)
	UpdateNotification(ctx context.Context, id string, patch Patch) error
	DeleteNotification(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context, userID string) error
}

// PreferenceStore hands out per-user delivery preferences, read-only here.
type PreferenceStore interface {
	GetPreferences(ctx context.Context, userID string) (*notify.Preferences, error)
}

// LocalStorage is the durable key-value storage the offline queue uses to
// survive process restarts.
type LocalStorage interface {
	Persist(queueID string, data []byte) error
	Load(queueID string) ([]byte, error)
	Remove(queueID string) error
}
