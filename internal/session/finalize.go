package session

import (
	"context"

	"github.com/abduss/driveup/internal/apperr"
	"github.com/abduss/driveup/internal/file"
	"github.com/abduss/driveup/internal/filetype"
	"github.com/abduss/driveup/internal/metrics"
	"github.com/abduss/driveup/internal/objstore"
	"github.com/abduss/driveup/internal/scope"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// Finalize validates a fully received session and pushes it to the object
// store. Integrity and upstream failures return the session to active with
// its bytes intact; a disallowed file type destroys it.
func (s *Service) Finalize(ctx context.Context, id string, owner scope.Owner) (FinalizeResult, error) {
	if err := s.quota.EnforceRequest(ctx, owner); err != nil {
		return FinalizeResult{}, err
	}

	unlock, err := s.registry.lock(ctx, id)
	if err != nil {
		return FinalizeResult{}, err
	}
	defer unlock()

	sess, err := s.registry.resolve(id, owner)
	if err != nil {
		return FinalizeResult{}, err
	}
	if sess.Status != StatusActive {
		return FinalizeResult{}, apperr.New(apperr.CodeConflict, "upload session is %s", sess.Status).
			With("status", sess.Status)
	}
	if !sess.Complete() {
		return FinalizeResult{}, apperr.New(apperr.CodeIncomplete,
			"received %d of %d bytes", sess.UploadedBytes, sess.TotalSize).
			With("uploadedBytes", sess.UploadedBytes).
			With("totalSize", sess.TotalSize)
	}
	if err := s.quota.EnforceStorage(ctx, owner, sess.Bucket, sess.TotalSize); err != nil {
		return FinalizeResult{}, err
	}

	if sess, err = s.setStatus(id, StatusFinalizing); err != nil {
		return FinalizeResult{}, err
	}
	log := s.log.With(zap.String("session_id", id), zap.Stringer("owner", owner))

	checksum, err := s.registry.chunks.Hash(sess.TempPath)
	if err != nil {
		s.revert(id, log)
		log.Error("hash assembled file", zap.Error(err))
		return FinalizeResult{}, apperr.Wrap(apperr.CodeInternal, err, "failed to read assembled file")
	}
	if sess.ExpectedChecksum != "" && checksum != sess.ExpectedChecksum {
		s.revert(id, log)
		metrics.Finalizations.WithLabelValues("checksum_mismatch").Inc()
		return FinalizeResult{}, apperr.New(apperr.CodeChecksumMismatch, "file checksum does not match the declared checksum")
	}

	contentType, err := s.sniff(sess)
	if err != nil {
		if apperr.Is(err, apperr.CodeInvalidFileType) {
			s.registry.destroy(sess, "rejected file type")
			metrics.Finalizations.WithLabelValues("invalid_type").Inc()
			return FinalizeResult{}, err
		}
		s.revert(id, log)
		log.Error("inspect assembled file", zap.Error(err))
		return FinalizeResult{}, apperr.Wrap(apperr.CodeInternal, err, "failed to read assembled file")
	}

	info, err := s.push(ctx, sess, contentType, log)
	if err != nil {
		s.revert(id, log)
		metrics.Finalizations.WithLabelValues("upstream_failure").Inc()
		return FinalizeResult{}, apperr.Wrap(apperr.CodeUpstream, err, "object store rejected the upload")
	}

	s.record(ctx, sess, info, checksum, log)
	if _, err := s.setStatus(id, StatusCompleted); err != nil {
		log.Warn("mark session completed", zap.Error(err))
	}
	s.registry.destroy(sess, "completed")
	metrics.Finalizations.WithLabelValues("completed").Inc()

	return FinalizeResult{
		SessionID:     sess.ID,
		UploadedBytes: sess.UploadedBytes,
		Bucket:        sess.Bucket,
		ObjectKey:     sess.ObjectKey,
		Object:        info,
		Checksum:      checksum,
	}, nil
}

func (s *Service) sniff(sess Session) (string, error) {
	f, err := s.registry.chunks.Open(sess.TempPath)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	res, err := filetype.ValidateReader(sess.FileName, "", f)
	if err != nil {
		return "", err
	}
	return res.ContentType, nil
}

// push uploads the temp file with bounded exponential backoff. The
// destination key is fixed, so a retried Put overwrites a partial one.
func (s *Service) push(ctx context.Context, sess Session, contentType string, log *zap.Logger) (objstore.ObjectInfo, error) {
	var (
		info    objstore.ObjectInfo
		attempt int
	)
	backoff := retry.WithMaxRetries(uint64(s.attempts-1), retry.NewExponential(s.backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		f, err := s.registry.chunks.Open(sess.TempPath)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()

		info, err = s.objects.Put(ctx, sess.Bucket, sess.ObjectKey, f, sess.TotalSize, contentType)
		if err != nil {
			log.Warn("object store put failed", zap.Int("attempt", attempt), zap.Int("max_attempts", s.attempts), zap.Error(err))
			return retry.RetryableError(err)
		}
		return nil
	})
	return info, err
}

func (s *Service) record(ctx context.Context, sess Session, info objstore.ObjectInfo, checksum string, log *zap.Logger) {
	if s.ledger == nil {
		return
	}
	_, err := s.ledger.Create(ctx, file.Record{
		ID:               uuid.New(),
		TenantID:         sess.TenantID,
		OwnerID:          sess.OwnerID,
		Bucket:           sess.Bucket,
		ObjectKey:        sess.ObjectKey,
		OriginalFilename: sess.FileName,
		SizeBytes:        sess.TotalSize,
		ContentType:      info.ContentType,
		Checksum:         checksum,
		ETag:             info.ETag,
		Source:           file.SourceSession,
	})
	if err != nil {
		log.Error("record upload", zap.String("object_key", sess.ObjectKey), zap.Error(err))
	}
}

func (s *Service) setStatus(id string, status Status) (Session, error) {
	return s.registry.update(id, func(x *Session) error {
		x.Status = status
		return nil
	})
}

func (s *Service) revert(id string, log *zap.Logger) {
	if _, err := s.setStatus(id, StatusActive); err != nil {
		log.Warn("revert session to active", zap.Error(err))
	}
}
