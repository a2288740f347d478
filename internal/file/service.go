package file

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime/multipart"

	"github.com/abduss/driveup/internal/apperr"
	"github.com/abduss/driveup/internal/filetype"
	"github.com/abduss/driveup/internal/objstore"
	"github.com/abduss/driveup/internal/scope"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultMaxFileSize = 100 * 1024 * 1024 // 100MB
	defaultListLimit   = 100
	maxListLimit       = 1000
)

type recordStore interface {
	Create(ctx context.Context, rec Record) (Record, error)
	List(ctx context.Context, tenantID, ownerID string, limit int) ([]Record, error)
}

type admission interface {
	EnforceRequest(ctx context.Context, owner scope.Owner) error
	EnforceBandwidth(ctx context.Context, owner scope.Owner, n int64) error
	EnforceStorage(ctx context.Context, owner scope.Owner, bucket string, incoming int64) error
}

// Service handles single-request uploads and the caller's upload history.
type Service struct {
	repo        recordStore
	objects     objstore.Store
	quota       admission
	policy      scope.BucketPolicy
	maxFileSize int64
	log         *zap.Logger
}

// NewService constructs a file service. A non-positive maxFileSize selects
// the 100MB default.
func NewService(repo recordStore, objects objstore.Store, quota admission, policy scope.BucketPolicy, maxFileSize int64, log *zap.Logger) *Service {
	if maxFileSize <= 0 {
		maxFileSize = defaultMaxFileSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		repo:        repo,
		objects:     objects,
		quota:       quota,
		policy:      policy,
		maxFileSize: maxFileSize,
		log:         log,
	}
}

// UploadInput describes a whole-file upload.
type UploadInput struct {
	Bucket string
	Key    string
	File   *multipart.FileHeader
}

// Upload stores the file under the owner's prefix and records it.
func (s *Service) Upload(ctx context.Context, owner scope.Owner, in UploadInput) (Record, error) {
	if in.File == nil {
		return Record{}, apperr.Wrap(apperr.CodeBadRequest, ErrMissingPayload, "file field is required")
	}
	size := in.File.Size

	if err := s.quota.EnforceRequest(ctx, owner); err != nil {
		return Record{}, err
	}
	if err := s.policy.Check(in.Bucket); err != nil {
		return Record{}, err
	}
	if size > s.maxFileSize {
		return Record{}, apperr.New(apperr.CodeTooLarge, "file exceeds the %d byte limit", s.maxFileSize)
	}
	if err := s.quota.EnforceBandwidth(ctx, owner, size); err != nil {
		return Record{}, err
	}
	if err := s.quota.EnforceStorage(ctx, owner, in.Bucket, size); err != nil {
		return Record{}, err
	}

	fileName, err := scope.CleanFileName(in.File.Filename)
	if err != nil {
		return Record{}, err
	}
	key, err := scope.NormalizeScopedObjectKey(owner, in.Key, fileName)
	if err != nil {
		return Record{}, err
	}

	src, err := in.File.Open()
	if err != nil {
		return Record{}, apperr.Wrap(apperr.CodeBadRequest, err, "failed to open upload")
	}
	defer src.Close()

	head := make([]byte, filetype.SniffLength)
	n, err := io.ReadFull(src, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return Record{}, apperr.Wrap(apperr.CodeBadRequest, err, "failed to read upload")
	}
	head = head[:n]
	detected, err := filetype.Validate(fileName, in.File.Header.Get("Content-Type"), head)
	if err != nil {
		return Record{}, err
	}

	hasher := sha256.New()
	reader := io.TeeReader(io.MultiReader(bytes.NewReader(head), src), hasher)

	info, err := s.objects.Put(ctx, in.Bucket, key, reader, size, detected.ContentType)
	if err != nil {
		s.log.Error("store object", zap.Stringer("owner", owner), zap.String("object_key", key), zap.Error(err))
		return Record{}, apperr.Wrap(apperr.CodeUpstream, err, "object store rejected the upload")
	}

	stored, err := s.repo.Create(ctx, Record{
		ID:               uuid.New(),
		TenantID:         owner.TenantID,
		OwnerID:          owner.UserID,
		Bucket:           in.Bucket,
		ObjectKey:        key,
		OriginalFilename: fileName,
		SizeBytes:        size,
		ContentType:      detected.ContentType,
		Checksum:         hex.EncodeToString(hasher.Sum(nil)),
		ETag:             info.ETag,
		Source:           SourceDirect,
	})
	if err != nil {
		if rmErr := s.objects.Delete(ctx, in.Bucket, key); rmErr != nil {
			s.log.Warn("remove orphaned object", zap.String("object_key", key), zap.Error(rmErr))
		}
		return Record{}, apperr.Wrap(apperr.CodeInternal, err, "failed to record upload")
	}
	return stored, nil
}

// List returns the caller's most recent uploads.
func (s *Service) List(ctx context.Context, owner scope.Owner, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	records, err := s.repo.List(ctx, owner.TenantID, owner.UserID, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, fmt.Errorf("list uploads: %w", err), "failed to list uploads")
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}
