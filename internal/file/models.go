package file

import (
	"time"

	"github.com/google/uuid"
)

// Source names the pipeline that produced a stored object.
type Source string

const (
	SourceSession Source = "session"
	SourceIntent  Source = "intent"
	SourceDirect  Source = "direct"
)

// Record is one ledger entry for an object written on a caller's behalf.
type Record struct {
	ID               uuid.UUID `json:"id"`
	TenantID         string    `json:"tenant_id"`
	OwnerID          string    `json:"owner_id"`
	Bucket           string    `json:"bucket"`
	ObjectKey        string    `json:"object_key"`
	OriginalFilename string    `json:"original_filename"`
	SizeBytes        int64     `json:"size_bytes"`
	ContentType      string    `json:"content_type"`
	Checksum         string    `json:"checksum,omitempty"`
	ETag             string    `json:"etag"`
	Source           Source    `json:"source"`
	CreatedAt        time.Time `json:"created_at"`
}
