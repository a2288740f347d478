package intent

import (
	"time"

	"github.com/abduss/driveup/internal/objstore"
	"github.com/abduss/driveup/internal/scope"
)

// State is the lifecycle position of an intent.
type State string

const (
	StatePending   State = "pending"
	StateCommitted State = "committed"
)

// Constraints bound what the client may write through an intent.
type Constraints struct {
	MaxBytes           int64  `json:"maxBytes"`
	ContentLength      int64  `json:"contentLength"`
	ContentType        string `json:"contentType,omitempty"`
	ContentTypePattern string `json:"contentTypePattern,omitempty"`
}

// Intent is a time-limited grant to write one object directly to the
// backing store.
type Intent struct {
	ID          string      `json:"intentId"`
	Owner       scope.Owner `json:"-"`
	TenantID    string      `json:"tenantId"`
	OwnerID     string      `json:"ownerId"`
	Bucket      string      `json:"bucket"`
	ObjectKey   string      `json:"objectKey"`
	FileName    string      `json:"filename"`
	Constraints Constraints `json:"constraints"`
	State       State       `json:"state"`
	CreatedAt   time.Time   `json:"createdAt"`
	ExpiresAt   time.Time   `json:"expiresAt"`

	// Set once the intent is committed.
	CommittedAt time.Time `json:"committedAt,omitzero"`
	Size        int64     `json:"size,omitempty"`
	ETag        string    `json:"etag,omitempty"`
}

func (i Intent) expired(now time.Time) bool { return !now.Before(i.ExpiresAt) }

// CreateParams describe a requested grant.
type CreateParams struct {
	Bucket        string
	ObjectKey     string
	FileName      string
	ContentLength int64
	ContentType   string
}

// Grant is the result of CreateIntent.
type Grant struct {
	Intent Intent                `json:"intent"`
	Upload objstore.UploadTarget `json:"upload"`
}

// CommitParams identify the intent being committed and the target the
// client claims to have written.
type CommitParams struct {
	IntentID       string
	Bucket         string
	ObjectKey      string
	IdempotencyKey string
}

// Receipt is the cached response of a successful commit.
type Receipt struct {
	IntentID    string    `json:"intentId"`
	Bucket      string    `json:"bucket"`
	ObjectKey   string    `json:"objectKey"`
	CommittedAt time.Time `json:"committedAt"`
	Size        int64     `json:"size"`
	ETag        string    `json:"etag"`
}
