package session

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"time"

	"github.com/abduss/driveup/internal/apperr"
	"github.com/abduss/driveup/internal/config"
	"github.com/abduss/driveup/internal/file"
	"github.com/abduss/driveup/internal/metrics"
	"github.com/abduss/driveup/internal/objstore"
	"github.com/abduss/driveup/internal/scope"
	"go.uber.org/zap"
)

type admission interface {
	EnforceRequest(ctx context.Context, owner scope.Owner) error
	EnforceBandwidth(ctx context.Context, owner scope.Owner, n int64) error
	EnforceStorage(ctx context.Context, owner scope.Owner, bucket string, incoming int64) error
}

type ledger interface {
	Create(ctx context.Context, rec file.Record) (file.Record, error)
}

// Service runs the resumable upload protocol on top of a Registry.
type Service struct {
	registry *Registry
	objects  objstore.Store
	quota    admission
	ledger   ledger
	attempts int
	backoff  time.Duration
	log      *zap.Logger
}

// NewService wires the session pipeline. ledger may be nil.
func NewService(registry *Registry, objects objstore.Store, quota admission, ledger ledger, cfg config.UploadConfig, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	attempts := cfg.FinalizeAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &Service{
		registry: registry,
		objects:  objects,
		quota:    quota,
		ledger:   ledger,
		attempts: attempts,
		backoff:  cfg.FinalizeBaseBackoff,
		log:      log,
	}
}

// Create opens a session after the request and storage gates pass.
func (s *Service) Create(ctx context.Context, owner scope.Owner, params CreateParams) (Session, error) {
	if err := s.quota.EnforceRequest(ctx, owner); err != nil {
		return Session{}, err
	}
	if err := s.registry.policy.Check(params.Bucket); err != nil {
		return Session{}, err
	}
	if params.TotalSize > 0 {
		if err := s.quota.EnforceStorage(ctx, owner, params.Bucket, params.TotalSize); err != nil {
			return Session{}, err
		}
	}
	return s.registry.Create(ctx, owner, params)
}

// Get returns the caller's session.
func (s *Service) Get(ctx context.Context, id string, owner scope.Owner) (Session, error) {
	return s.registry.Get(ctx, id, owner)
}

// Append writes data at offset. Appends to one session run one at a time
// in arrival order, so exactly one of two racing appends at the same
// offset can succeed.
func (s *Service) Append(ctx context.Context, id string, owner scope.Owner, offset int64, data []byte, chunkChecksum string) (AppendResult, error) {
	if offset < 0 {
		return AppendResult{}, apperr.New(apperr.CodeBadRequest, "upload-offset must be a non-negative integer")
	}
	want, err := parseChunkChecksum(chunkChecksum)
	if err != nil {
		return AppendResult{}, err
	}
	if err := s.quota.EnforceRequest(ctx, owner); err != nil {
		return AppendResult{}, err
	}
	if err := s.quota.EnforceBandwidth(ctx, owner, int64(len(data))); err != nil {
		return AppendResult{}, err
	}

	unlock, err := s.registry.lock(ctx, id)
	if err != nil {
		return AppendResult{}, err
	}
	defer unlock()

	sess, err := s.registry.resolve(id, owner)
	if err != nil {
		return AppendResult{}, err
	}
	if sess.Status != StatusActive {
		return AppendResult{}, apperr.New(apperr.CodeConflict, "upload session is %s", sess.Status).
			With("status", sess.Status)
	}
	if offset != sess.UploadedBytes {
		return AppendResult{}, apperr.New(apperr.CodeOffsetMismatch,
			"offset %d does not match the %d bytes already received", offset, sess.UploadedBytes).
			With("expectedOffset", sess.UploadedBytes)
	}
	size := int64(len(data))
	if sess.UploadedBytes+size > sess.TotalSize {
		return AppendResult{}, apperr.New(apperr.CodeTooLarge, "chunk extends past the declared total size").
			With("remainingBytes", sess.TotalSize-sess.UploadedBytes)
	}
	if want != nil {
		sum := sha256.Sum256(data)
		if !bytes.Equal(sum[:], want) {
			return AppendResult{}, apperr.New(apperr.CodeChecksumMismatch, "chunk checksum mismatch").
				With("expectedOffset", sess.UploadedBytes)
		}
	}

	if size > 0 {
		if err := s.registry.chunks.WriteAt(sess.TempPath, offset, data); err != nil {
			s.log.Error("append chunk", zap.String("session_id", id), zap.Int64("offset", offset), zap.Error(err))
			return AppendResult{}, apperr.Wrap(apperr.CodeInternal, err, "failed to store chunk")
		}
	}

	now := s.registry.now().UTC()
	updated, err := s.registry.update(id, func(x *Session) error {
		x.UploadedBytes += size
		x.LastActivityAt = now
		x.ExpiresAt = now.Add(x.TTL)
		return nil
	})
	if err != nil {
		return AppendResult{}, err
	}
	metrics.ChunksAppended.Inc()
	metrics.BytesAppended.Add(float64(size))

	return AppendResult{
		Session:       updated,
		UploadedBytes: updated.UploadedBytes,
		Completed:     updated.Complete(),
	}, nil
}

// Abort discards the session and its received bytes.
func (s *Service) Abort(ctx context.Context, id string, owner scope.Owner) error {
	if err := s.quota.EnforceRequest(ctx, owner); err != nil {
		return err
	}
	unlock, err := s.registry.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	sess, err := s.registry.resolve(id, owner)
	if err != nil {
		return err
	}
	if sess.Status == StatusFinalizing {
		return apperr.New(apperr.CodeConflict, "upload session is finalizing")
	}
	s.registry.destroy(sess, "aborted")
	return nil
}

// parseChunkChecksum accepts a SHA-256 digest as hex or standard base64.
func parseChunkChecksum(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if len(raw) == hex.EncodedLen(sha256.Size) {
		if b, err := hex.DecodeString(raw); err == nil {
			return b, nil
		}
	}
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil && len(b) == sha256.Size {
		return b, nil
	}
	return nil, apperr.New(apperr.CodeBadRequest, "x-chunk-sha256 must be a hex or base64 SHA-256 digest")
}
