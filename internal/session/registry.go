package session

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/abduss/driveup/internal/apperr"
	"github.com/abduss/driveup/internal/chunkstore"
	"github.com/abduss/driveup/internal/config"
	"github.com/abduss/driveup/internal/keylock"
	"github.com/abduss/driveup/internal/metrics"
	"github.com/abduss/driveup/internal/scope"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Registry owns the table of in-flight sessions, their temp files and the
// per-session FIFO locks.
type Registry struct {
	store  Store
	chunks *chunkstore.Store
	locks  *keylock.Locker
	policy scope.BucketPolicy
	cfg    config.UploadConfig
	log    *zap.Logger
	now    func() time.Time
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry wires a registry. A nil store selects a MemoryStore.
func NewRegistry(store Store, chunks *chunkstore.Store, policy scope.BucketPolicy, cfg config.UploadConfig, log *zap.Logger, opts ...RegistryOption) *Registry {
	if store == nil {
		store = NewMemoryStore()
	}
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{
		store:  store,
		chunks: chunks,
		locks:  keylock.New(),
		policy: policy,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create validates params and opens a new active session for owner.
func (r *Registry) Create(ctx context.Context, owner scope.Owner, params CreateParams) (Session, error) {
	r.sweep()

	if !owner.Valid() {
		return Session{}, apperr.New(apperr.CodeForbidden, "caller identity cannot be scoped")
	}
	if err := r.policy.Check(params.Bucket); err != nil {
		return Session{}, err
	}
	storagePath, err := scope.ValidatePath(params.StoragePath)
	if err != nil {
		return Session{}, err
	}
	fileName, err := scope.CleanFileName(params.FileName)
	if err != nil {
		return Session{}, err
	}
	if params.TotalSize <= 0 {
		return Session{}, apperr.New(apperr.CodeBadRequest, "totalSize must be positive")
	}
	if r.cfg.MaxFileSize > 0 && params.TotalSize > r.cfg.MaxFileSize {
		return Session{}, apperr.New(apperr.CodeTooLarge, "totalSize exceeds the %d byte limit", r.cfg.MaxFileSize).
			With("maxFileSize", r.cfg.MaxFileSize)
	}
	checksum, err := NormalizeChecksum(params.ExpectedChecksum)
	if err != nil {
		return Session{}, err
	}
	objectKey, err := scope.SessionObjectKey(owner, storagePath, fileName)
	if err != nil {
		return Session{}, err
	}

	chunkSize := params.ChunkSize
	if chunkSize <= 0 || chunkSize > r.cfg.MaxChunkSize {
		chunkSize = r.cfg.MaxChunkSize
	}

	id := uuid.NewString()
	tempPath, err := r.chunks.Create(id)
	if err != nil {
		r.log.Error("allocate temp file", zap.String("session_id", id), zap.Error(err))
		return Session{}, apperr.Wrap(apperr.CodeInternal, err, "failed to allocate upload session")
	}

	ttl := r.cfg.ClampTTL(params.TTL)
	now := r.now().UTC()
	s := Session{
		ID:               id,
		Owner:            owner,
		TenantID:         owner.TenantID,
		OwnerID:          owner.UserID,
		Bucket:           params.Bucket,
		StoragePath:      storagePath,
		FileName:         fileName,
		ObjectKey:        objectKey,
		TotalSize:        params.TotalSize,
		ChunkSize:        chunkSize,
		Status:           StatusActive,
		ExpectedChecksum: checksum,
		TempPath:         tempPath,
		TTL:              ttl,
		CreatedAt:        now,
		LastActivityAt:   now,
		ExpiresAt:        now.Add(ttl),
	}
	if err := r.store.Create(s); err != nil {
		_ = r.chunks.Remove(tempPath)
		return Session{}, apperr.Wrap(apperr.CodeInternal, err, "failed to register upload session")
	}
	metrics.ActiveSessions.Inc()

	r.log.Info("session created",
		zap.String("session_id", id),
		zap.Stringer("owner", owner),
		zap.String("bucket", s.Bucket),
		zap.String("object_key", objectKey),
		zap.Int64("total_size", s.TotalSize),
	)
	return s, nil
}

// Get returns a copy of the session. Absent, expired and foreign sessions
// are all reported as NOT_FOUND.
func (r *Registry) Get(ctx context.Context, id string, owner scope.Owner) (Session, error) {
	r.sweep()

	s, ok := r.store.Get(id)
	if !ok || s.Owner != owner {
		return Session{}, notFound()
	}
	if s.expired(r.now()) {
		if unlock, ok := r.locks.TryLock(lockKey(id)); ok {
			r.destroyIfExpired(id)
			unlock()
		}
		return Session{}, notFound()
	}
	return s, nil
}

// Sweep removes every expired session that is not currently locked and
// returns how many were removed.
func (r *Registry) Sweep() int {
	return r.sweep()
}

// Len is the number of sessions held.
func (r *Registry) Len() int { return r.store.Len() }

// lock serializes work on one session. Waiters are served in arrival order.
func (r *Registry) lock(ctx context.Context, id string) (func(), error) {
	unlock, err := r.locks.Lock(ctx, lockKey(id))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeConflict, err, "request cancelled while waiting for the session")
	}
	return unlock, nil
}

// resolve must be called while holding the session's lock. An expired
// target is destroyed and reported as EXPIRED.
func (r *Registry) resolve(id string, owner scope.Owner) (Session, error) {
	r.sweep()

	s, ok := r.store.Get(id)
	if !ok || s.Owner != owner {
		return Session{}, notFound()
	}
	if s.expired(r.now()) {
		r.destroy(s, "expired")
		return Session{}, apperr.New(apperr.CodeExpired, "upload session has expired")
	}
	return s, nil
}

func (r *Registry) update(id string, fn func(s *Session) error) (Session, error) {
	s, err := r.store.Update(id, fn)
	if errors.Is(err, ErrNotFound) {
		return Session{}, notFound()
	}
	return s, err
}

func (r *Registry) sweep() int {
	removed := 0
	for _, s := range r.store.Expired(r.now()) {
		unlock, ok := r.locks.TryLock(lockKey(s.ID))
		if !ok {
			continue
		}
		if r.destroyIfExpired(s.ID) {
			removed++
		}
		unlock()
	}
	return removed
}

func (r *Registry) destroyIfExpired(id string) bool {
	s, ok := r.store.Get(id)
	if !ok || !s.expired(r.now()) {
		return false
	}
	r.destroy(s, "expired")
	return true
}

// destroy removes the registry entry and its temp bytes.
func (r *Registry) destroy(s Session, reason string) {
	if _, ok := r.store.Delete(s.ID); !ok {
		return
	}
	metrics.ActiveSessions.Dec()
	if err := r.chunks.Remove(s.TempPath); err != nil {
		r.log.Warn("remove temp file", zap.String("session_id", s.ID), zap.Error(err))
	}
	r.log.Info("session closed", zap.String("session_id", s.ID), zap.String("reason", reason))
}

func lockKey(id string) string { return "session:" + id }

func notFound() *apperr.Error {
	return apperr.New(apperr.CodeNotFound, "upload session not found")
}

// NormalizeChecksum accepts an optional "sha256:" prefixed hex digest and
// returns it in lowercase without the prefix.
func NormalizeChecksum(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	if len(raw) > 7 && strings.EqualFold(raw[:7], "sha256:") {
		raw = raw[7:]
	}
	raw = strings.ToLower(raw)
	if b, err := hex.DecodeString(raw); err != nil || len(b) != 32 {
		return "", apperr.New(apperr.CodeBadRequest, "fileChecksum must be a hex SHA-256 digest")
	}
	return raw, nil
}
