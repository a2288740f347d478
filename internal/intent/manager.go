// Package intent issues scoped direct-upload grants and commits them
// exactly once per idempotency key.
package intent

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/abduss/driveup/internal/apperr"
	"github.com/abduss/driveup/internal/config"
	"github.com/abduss/driveup/internal/file"
	"github.com/abduss/driveup/internal/filetype"
	"github.com/abduss/driveup/internal/keylock"
	"github.com/abduss/driveup/internal/metrics"
	"github.com/abduss/driveup/internal/objstore"
	"github.com/abduss/driveup/internal/scope"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultTTL        = 15 * time.Minute
	maxIdempotencyKey = 255
	defaultMaxBytes   = 5 << 30
)

type admission interface {
	EnforceRequest(ctx context.Context, owner scope.Owner) error
	EnforceBandwidth(ctx context.Context, owner scope.Owner, n int64) error
	EnforceStorage(ctx context.Context, owner scope.Owner, bucket string, incoming int64) error
}

type ledger interface {
	Create(ctx context.Context, rec file.Record) (file.Record, error)
}

// Manager creates and commits direct-upload intents.
type Manager struct {
	intents     Store
	receipts    ReceiptStore
	objects     objstore.Store
	quota       admission
	ledger      ledger
	policy      scope.BucketPolicy
	locks       *keylock.Locker
	ttl         time.Duration
	maxBytes    int64
	contentType *regexp.Regexp
	log         *zap.Logger
	now         func() time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLedger records committed intents in the upload ledger.
func WithLedger(l ledger) Option {
	return func(m *Manager) { m.ledger = l }
}

// NewManager wires a Manager. Nil stores select the in-process caches.
func NewManager(intents Store, receipts ReceiptStore, objects objstore.Store, quota admission, policy scope.BucketPolicy, cfg config.IntentConfig, log *zap.Logger, opts ...Option) (*Manager, error) {
	var pattern *regexp.Regexp
	if cfg.ContentTypePattern != "" {
		re, err := regexp.Compile(cfg.ContentTypePattern)
		if err != nil {
			return nil, fmt.Errorf("compile content type pattern: %w", err)
		}
		pattern = re
	}
	if intents == nil {
		intents = NewCacheStore(time.Minute)
	}
	if receipts == nil {
		receipts = NewReceiptCache(cfg.IdempotencyTTL, time.Minute)
	}
	if log == nil {
		log = zap.NewNop()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	maxBytes := cfg.MaxContentLength
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}

	m := &Manager{
		intents:     intents,
		receipts:    receipts,
		objects:     objects,
		quota:       quota,
		policy:      policy,
		locks:       keylock.New(),
		ttl:         ttl,
		maxBytes:    maxBytes,
		contentType: pattern,
		log:         log,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// CreateIntent validates the request, reserves a scoped object key and asks
// the backend for a pre-authorized write target.
func (m *Manager) CreateIntent(ctx context.Context, owner scope.Owner, params CreateParams) (Grant, error) {
	if err := m.quota.EnforceRequest(ctx, owner); err != nil {
		return Grant{}, err
	}
	if err := m.policy.Check(params.Bucket); err != nil {
		return Grant{}, err
	}
	fileName, err := scope.CleanFileName(params.FileName)
	if err != nil {
		return Grant{}, err
	}
	if err := filetype.CheckName(fileName); err != nil {
		return Grant{}, err
	}
	if params.ContentLength <= 0 {
		return Grant{}, apperr.New(apperr.CodeBadRequest, "contentLength must be positive")
	}
	if params.ContentLength > m.maxBytes {
		return Grant{}, apperr.New(apperr.CodeTooLarge, "contentLength exceeds the %d byte limit", m.maxBytes).
			With("maxBytes", m.maxBytes)
	}
	contentType := strings.TrimSpace(params.ContentType)
	if contentType != "" && m.contentType != nil && !m.contentType.MatchString(contentType) {
		return Grant{}, apperr.New(apperr.CodeBadRequest, "content type %q is not allowed", contentType)
	}
	key, err := scope.NormalizeScopedObjectKey(owner, params.ObjectKey, fileName)
	if err != nil {
		return Grant{}, err
	}

	if err := m.quota.EnforceBandwidth(ctx, owner, params.ContentLength); err != nil {
		return Grant{}, err
	}
	if err := m.quota.EnforceStorage(ctx, owner, params.Bucket, params.ContentLength); err != nil {
		return Grant{}, err
	}

	target, err := m.objects.PresignPut(ctx, params.Bucket, key, m.ttl, contentType, params.ContentLength)
	if err != nil {
		m.log.Error("presign upload", zap.Stringer("owner", owner), zap.String("object_key", key), zap.Error(err))
		return Grant{}, apperr.Wrap(apperr.CodeUpstream, err, "failed to issue upload target")
	}

	now := m.now().UTC()
	in := Intent{
		ID:        uuid.NewString(),
		Owner:     owner,
		TenantID:  owner.TenantID,
		OwnerID:   owner.UserID,
		Bucket:    params.Bucket,
		ObjectKey: key,
		FileName:  fileName,
		Constraints: Constraints{
			MaxBytes:      params.ContentLength,
			ContentLength: params.ContentLength,
			ContentType:   contentType,
		},
		State:     StatePending,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	if m.contentType != nil {
		in.Constraints.ContentTypePattern = m.contentType.String()
	}
	if err := m.intents.Create(in, m.ttl); err != nil {
		return Grant{}, apperr.Wrap(apperr.CodeInternal, err, "failed to register upload intent")
	}

	m.log.Info("intent created",
		zap.String("intent_id", in.ID),
		zap.Stringer("owner", owner),
		zap.String("bucket", in.Bucket),
		zap.String("object_key", key),
		zap.Int64("content_length", params.ContentLength),
	)
	return Grant{Intent: in, Upload: target}, nil
}

// Get returns one of the caller's live intents.
func (m *Manager) Get(ctx context.Context, id string, owner scope.Owner) (Intent, error) {
	in, err := m.resolve(id)
	if err != nil {
		return Intent{}, err
	}
	if in.Owner != owner {
		return Intent{}, notFound()
	}
	return in, nil
}

// CommitIntent verifies that the object was written and records the
// commit. A repeated call with the same idempotency key returns the first
// receipt without touching the intent, the backend or the request quota.
func (m *Manager) CommitIntent(ctx context.Context, owner scope.Owner, params CommitParams) (Receipt, error) {
	idem := strings.TrimSpace(params.IdempotencyKey)
	if idem == "" {
		return Receipt{}, apperr.New(apperr.CodeBadRequest, "idempotency-key header is required")
	}
	if len(idem) > maxIdempotencyKey {
		return Receipt{}, apperr.New(apperr.CodeBadRequest, "idempotency-key exceeds %d bytes", maxIdempotencyKey)
	}
	cacheKey := owner.Key() + ":" + idem
	if rec, ok := m.receipts.Get(cacheKey); ok {
		metrics.IntentCommits.WithLabelValues("replayed").Inc()
		return rec, nil
	}
	if err := m.quota.EnforceRequest(ctx, owner); err != nil {
		return Receipt{}, err
	}

	unlock, err := m.locks.Lock(ctx, "idem:"+cacheKey)
	if err != nil {
		return Receipt{}, apperr.Wrap(apperr.CodeConflict, err, "request cancelled while waiting for a concurrent commit")
	}
	defer unlock()

	if rec, ok := m.receipts.Get(cacheKey); ok {
		metrics.IntentCommits.WithLabelValues("replayed").Inc()
		return rec, nil
	}

	rec, err := m.commit(ctx, owner, params)
	if err != nil {
		metrics.IntentCommits.WithLabelValues(outcome(err)).Inc()
		return Receipt{}, err
	}
	m.receipts.Put(cacheKey, rec)
	metrics.IntentCommits.WithLabelValues("committed").Inc()
	return rec, nil
}

func (m *Manager) commit(ctx context.Context, owner scope.Owner, params CommitParams) (Receipt, error) {
	unlock, err := m.locks.Lock(ctx, "intent:"+params.IntentID)
	if err != nil {
		return Receipt{}, apperr.Wrap(apperr.CodeConflict, err, "request cancelled while waiting for a concurrent commit")
	}
	defer unlock()

	in, err := m.resolve(params.IntentID)
	if err != nil {
		return Receipt{}, err
	}
	if in.Owner != owner {
		return Receipt{}, apperr.New(apperr.CodeForbidden, "intent belongs to another user")
	}
	if in.Bucket != params.Bucket || in.ObjectKey != params.ObjectKey {
		return Receipt{}, apperr.New(apperr.CodeBadRequest, "bucket and objectKey must match the intent")
	}

	log := m.log.With(zap.String("intent_id", in.ID), zap.Stringer("owner", owner))

	info, err := m.objects.Stat(ctx, in.Bucket, in.ObjectKey)
	if err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return Receipt{}, apperr.New(apperr.CodeNotFound, "object has not been uploaded")
		}
		log.Error("stat committed object", zap.Error(err))
		return Receipt{}, apperr.Wrap(apperr.CodeUpstream, err, "failed to verify uploaded object")
	}
	if info.Size > in.Constraints.MaxBytes {
		if err := m.objects.Delete(ctx, in.Bucket, in.ObjectKey); err != nil {
			log.Warn("remove oversized object", zap.Error(err))
		}
		return Receipt{}, apperr.New(apperr.CodeTooLarge, "uploaded object exceeds the declared %d bytes", in.Constraints.MaxBytes).
			With("maxBytes", in.Constraints.MaxBytes)
	}

	first := in.State != StateCommitted
	now := m.now().UTC()
	in, err = m.intents.Update(in.ID, func(x *Intent) error {
		if x.State != StateCommitted {
			x.State = StateCommitted
			x.CommittedAt = now
			x.Size = info.Size
			x.ETag = info.ETag
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Receipt{}, notFound()
		}
		return Receipt{}, apperr.Wrap(apperr.CodeInternal, err, "failed to commit intent")
	}

	if first {
		m.record(ctx, in, info, log)
		log.Info("intent committed", zap.String("object_key", in.ObjectKey), zap.Int64("size", in.Size))
	}

	return Receipt{
		IntentID:    in.ID,
		Bucket:      in.Bucket,
		ObjectKey:   in.ObjectKey,
		CommittedAt: in.CommittedAt,
		Size:        in.Size,
		ETag:        in.ETag,
	}, nil
}

// Sweep evicts expired intents and receipts.
func (m *Manager) Sweep() {
	m.intents.Sweep()
	m.receipts.Sweep()
}

// Len is the number of intents held.
func (m *Manager) Len() int { return m.intents.Len() }

// resolve treats expired intents as absent and drops them.
func (m *Manager) resolve(id string) (Intent, error) {
	in, ok := m.intents.Get(id)
	if !ok {
		return Intent{}, notFound()
	}
	if in.expired(m.now()) {
		m.intents.Delete(id)
		return Intent{}, notFound()
	}
	return in, nil
}

func (m *Manager) record(ctx context.Context, in Intent, info objstore.ObjectInfo, log *zap.Logger) {
	if m.ledger == nil {
		return
	}
	contentType := info.ContentType
	if contentType == "" {
		contentType = in.Constraints.ContentType
	}
	_, err := m.ledger.Create(ctx, file.Record{
		ID:               uuid.New(),
		TenantID:         in.TenantID,
		OwnerID:          in.OwnerID,
		Bucket:           in.Bucket,
		ObjectKey:        in.ObjectKey,
		OriginalFilename: in.FileName,
		SizeBytes:        info.Size,
		ContentType:      contentType,
		ETag:             info.ETag,
		Source:           file.SourceIntent,
	})
	if err != nil {
		log.Error("record upload", zap.String("object_key", in.ObjectKey), zap.Error(err))
	}
}

func notFound() *apperr.Error {
	return apperr.New(apperr.CodeNotFound, "upload intent not found")
}

func outcome(err error) string {
	switch apperr.CodeOf(err) {
	case apperr.CodeNotFound:
		return "not_found"
	case apperr.CodeUpstream, apperr.CodeInternal:
		return "error"
	default:
		return "rejected"
	}
}
