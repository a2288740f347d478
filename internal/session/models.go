package session

import (
	"time"

	"github.com/abduss/driveup/internal/objstore"
	"github.com/abduss/driveup/internal/scope"
)

// Status is a session's lifecycle state. Transitions only move forward
// except finalizing, which falls back to active when a finalize attempt
// fails in a retryable way.
type Status string

const (
	StatusActive     Status = "active"
	StatusFinalizing Status = "finalizing"
	StatusCompleted  Status = "completed"
	StatusExpired    Status = "expired"
)

// Session is one resumable transfer.
type Session struct {
	ID               string        `json:"id"`
	Owner            scope.Owner   `json:"-"`
	TenantID         string        `json:"tenantId"`
	OwnerID          string        `json:"ownerId"`
	Bucket           string        `json:"bucket"`
	StoragePath      string        `json:"path"`
	FileName         string        `json:"fileName"`
	ObjectKey        string        `json:"objectKey"`
	TotalSize        int64         `json:"totalSize"`
	ChunkSize        int64         `json:"chunkSize"`
	UploadedBytes    int64         `json:"uploadedBytes"`
	Status           Status        `json:"status"`
	ExpectedChecksum string        `json:"fileChecksum,omitempty"`
	TempPath         string        `json:"-"`
	TTL              time.Duration `json:"-"`
	CreatedAt        time.Time     `json:"createdAt"`
	LastActivityAt   time.Time     `json:"lastActivityAt"`
	ExpiresAt        time.Time     `json:"expiresAt"`
}

// Complete reports whether every declared byte has been received.
func (s Session) Complete() bool { return s.UploadedBytes == s.TotalSize }

func (s Session) expired(now time.Time) bool { return !now.Before(s.ExpiresAt) }

// CreateParams are the caller-controlled fields of a new session.
type CreateParams struct {
	Bucket           string
	StoragePath      string
	FileName         string
	TotalSize        int64
	ChunkSize        int64
	ExpectedChecksum string
	TTL              time.Duration
}

// AppendResult is returned after a chunk is accepted.
type AppendResult struct {
	Session       Session
	UploadedBytes int64
	Completed     bool
}

// FinalizeResult describes the stored object of a finalized session.
type FinalizeResult struct {
	SessionID     string
	UploadedBytes int64
	Bucket        string
	ObjectKey     string
	Object        objstore.ObjectInfo
	Checksum      string
}
