package session

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/abduss/driveup/internal/apperr"
	"github.com/abduss/driveup/internal/chunkstore"
	"github.com/abduss/driveup/internal/config"
	"github.com/abduss/driveup/internal/file"
	"github.com/abduss/driveup/internal/objstore"
	"github.com/abduss/driveup/internal/quota"
	"github.com/abduss/driveup/internal/scope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

var (
	alice = scope.Owner{TenantID: "acme", UserID: "alice"}
	bob   = scope.Owner{TenantID: "acme", UserID: "bob"}
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// flakyStore fails the first failures Puts.
type flakyStore struct {
	*objstore.MemoryStore
	failures atomic.Int32
	puts     atomic.Int32
}

func (f *flakyStore) Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) (objstore.ObjectInfo, error) {
	f.puts.Add(1)
	if f.failures.Add(-1) >= 0 {
		_, _ = io.Copy(io.Discard, r)
		return objstore.ObjectInfo{}, objstore.Error.New("upstream unavailable")
	}
	return f.MemoryStore.Put(ctx, bucket, key, r, size, contentType)
}

type fakeLedger struct {
	mu      sync.Mutex
	records []file.Record
}

func (l *fakeLedger) Create(ctx context.Context, rec file.Record) (file.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return rec, nil
}

type harness struct {
	service *Service
	objects *flakyStore
	ledger  *fakeLedger
	clock   *fakeClock
	chunks  *chunkstore.Store
}

func testUploadConfig(t *testing.T) config.UploadConfig {
	return config.UploadConfig{
		TempDir:             t.TempDir(),
		MaxChunkSize:        1024,
		MaxFileSize:         1 << 20,
		DefaultTTL:          time.Hour,
		MinTTL:              time.Minute,
		MaxTTL:              24 * time.Hour,
		FinalizeAttempts:    3,
		FinalizeBaseBackoff: time.Millisecond,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := testUploadConfig(t)
	chunks, err := chunkstore.New(cfg.TempDir)
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	log := zaptest.NewLogger(t)
	objects := &flakyStore{MemoryStore: objstore.NewMemoryStore()}
	ledger := &fakeLedger{}
	limiter := quota.NewLimiter(quota.Limits{}, nil, objects, log)

	registry := NewRegistry(nil, chunks, scope.NewBucketPolicy(nil), cfg, log, WithClock(clock.Now))
	return &harness{
		service: NewService(registry, objects, limiter, ledger, cfg, log),
		objects: objects,
		ledger:  ledger,
		clock:   clock,
		chunks:  chunks,
	}
}

func (h *harness) create(t *testing.T, fileName string, size int64, checksum string) Session {
	t.Helper()
	sess, err := h.service.Create(context.Background(), alice, CreateParams{
		Bucket:           "media",
		StoragePath:      "docs",
		FileName:         fileName,
		TotalSize:        size,
		ExpectedChecksum: checksum,
	})
	require.NoError(t, err)
	return sess
}

func TestCreateSession(t *testing.T) {
	h := newHarness(t)
	sess := h.create(t, "report.txt", 6, "")

	assert.Equal(t, StatusActive, sess.Status)
	assert.Equal(t, "tenants/acme/users/alice/docs/report.txt", sess.ObjectKey)
	assert.EqualValues(t, 1024, sess.ChunkSize)
	assert.Equal(t, h.clock.Now().Add(time.Hour), sess.ExpiresAt)
	_, err := os.Stat(sess.TempPath)
	require.NoError(t, err)
}

func TestCreateSessionValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		params CreateParams
		code   apperr.Code
	}{
		{"zero size", CreateParams{Bucket: "media", FileName: "a.txt", TotalSize: 0}, apperr.CodeBadRequest},
		{"bad bucket", CreateParams{Bucket: "Bad_Bucket", FileName: "a.txt", TotalSize: 1}, apperr.CodeBadRequest},
		{"traversal path", CreateParams{Bucket: "media", StoragePath: "../x", FileName: "a.txt", TotalSize: 1}, apperr.CodeScopeViolation},
		{"too large", CreateParams{Bucket: "media", FileName: "a.txt", TotalSize: 2 << 20}, apperr.CodeTooLarge},
		{"bad checksum", CreateParams{Bucket: "media", FileName: "a.txt", TotalSize: 1, ExpectedChecksum: "xyz"}, apperr.CodeBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.service.Create(ctx, alice, tc.params)
			assert.Equal(t, tc.code, apperr.CodeOf(err))
		})
	}
}

func TestCreateSessionClampsTTL(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	long, err := h.service.Create(ctx, alice, CreateParams{Bucket: "media", FileName: "a.txt", TotalSize: 1, TTL: 72 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, long.ExpiresAt.Sub(long.CreatedAt))

	short, err := h.service.Create(ctx, alice, CreateParams{Bucket: "media", FileName: "a.txt", TotalSize: 1, TTL: time.Second})
	require.NoError(t, err)
	assert.Equal(t, time.Minute, short.ExpiresAt.Sub(short.CreatedAt))
}

func TestConcurrentAppendsAtSameOffset(t *testing.T) {
	h := newHarness(t)
	sess := h.create(t, "six.txt", 6, "")

	var (
		g       errgroup.Group
		results [2]error
	)
	for i, chunk := range []string{"abc", "xyz"} {
		i, chunk := i, chunk
		g.Go(func() error {
			_, results[i] = h.service.Append(context.Background(), sess.ID, alice, 0, []byte(chunk), "")
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var ok, mismatched int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case apperr.Is(err, apperr.CodeOffsetMismatch):
			mismatched++
			appErr, _ := apperr.As(err)
			assert.EqualValues(t, 3, appErr.Context["expectedOffset"])
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, mismatched)

	got, err := h.service.Get(context.Background(), sess.ID, alice)
	require.NoError(t, err)
	assert.EqualValues(t, 3, got.UploadedBytes)
}

func TestOutOfOrderAppendIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.create(t, "six.txt", 6, "")

	_, err := h.service.Append(ctx, sess.ID, alice, 3, []byte("def"), "")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeOffsetMismatch, apperr.CodeOf(err))
	appErr, _ := apperr.As(err)
	assert.EqualValues(t, 0, appErr.Context["expectedOffset"])

	res, err := h.service.Append(ctx, sess.ID, alice, 0, []byte("abc"), "")
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.UploadedBytes)
	assert.False(t, res.Completed)

	res, err = h.service.Append(ctx, sess.ID, alice, 3, []byte("def"), "")
	require.NoError(t, err)
	assert.True(t, res.Completed)

	data, err := os.ReadFile(sess.TempPath)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(data))
}

func TestAppendPastTotalSize(t *testing.T) {
	h := newHarness(t)
	sess := h.create(t, "four.txt", 4, "")

	_, err := h.service.Append(context.Background(), sess.ID, alice, 0, []byte("hello"), "")
	assert.Equal(t, apperr.CodeTooLarge, apperr.CodeOf(err))
}

func TestAppendChunkChecksum(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.create(t, "six.txt", 6, "")

	_, err := h.service.Append(ctx, sess.ID, alice, 0, []byte("abc"), hex.EncodeToString(make([]byte, 32)))
	assert.Equal(t, apperr.CodeChecksumMismatch, apperr.CodeOf(err))

	got, err := h.service.Get(ctx, sess.ID, alice)
	require.NoError(t, err)
	assert.EqualValues(t, 0, got.UploadedBytes)

	sum := sha256.Sum256([]byte("abc"))
	_, err = h.service.Append(ctx, sess.ID, alice, 0, []byte("abc"), hex.EncodeToString(sum[:]))
	require.NoError(t, err)

	sum = sha256.Sum256([]byte("def"))
	_, err = h.service.Append(ctx, sess.ID, alice, 3, []byte("def"), base64.StdEncoding.EncodeToString(sum[:]))
	require.NoError(t, err)

	_, err = h.service.Append(ctx, sess.ID, alice, 6, nil, "not-a-digest")
	assert.Equal(t, apperr.CodeBadRequest, apperr.CodeOf(err))
}

func TestForeignOwnerSeesNotFound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.create(t, "a.txt", 3, "")

	_, err := h.service.Get(ctx, sess.ID, bob)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
	_, err = h.service.Append(ctx, sess.ID, bob, 0, []byte("abc"), "")
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
	_, err = h.service.Finalize(ctx, sess.ID, bob)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
	_, err = h.service.Get(ctx, "missing", alice)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestFinalizeRequiresCompleteness(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.create(t, "six.txt", 6, "")
	_, err := h.service.Append(ctx, sess.ID, alice, 0, []byte("abc"), "")
	require.NoError(t, err)

	_, err = h.service.Finalize(ctx, sess.ID, alice)
	assert.Equal(t, apperr.CodeIncomplete, apperr.CodeOf(err))

	got, err := h.service.Get(ctx, sess.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
}

func TestFinalizeChecksumMismatchKeepsSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wrong := sha256.Sum256([]byte("something else"))
	sess := h.create(t, "six.txt", 6, "sha256:"+hex.EncodeToString(wrong[:]))
	_, err := h.service.Append(ctx, sess.ID, alice, 0, []byte("abcdef"), "")
	require.NoError(t, err)

	_, err = h.service.Finalize(ctx, sess.ID, alice)
	assert.Equal(t, apperr.CodeChecksumMismatch, apperr.CodeOf(err))

	got, err := h.service.Get(ctx, sess.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	_, err = os.Stat(sess.TempPath)
	assert.NoError(t, err)
	assert.EqualValues(t, 0, h.objects.puts.Load())
}

func TestFinalizeRejectsBlockedExtension(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.create(t, "malware.exe", 4, "")
	_, err := h.service.Append(ctx, sess.ID, alice, 0, []byte("MZ\x90\x00"), "")
	require.NoError(t, err)

	_, err = h.service.Finalize(ctx, sess.ID, alice)
	assert.Equal(t, apperr.CodeInvalidFileType, apperr.CodeOf(err))
	appErr, _ := apperr.As(err)
	assert.Equal(t, 400, appErr.Status())

	_, err = h.service.Get(ctx, sess.ID, alice)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
	_, err = os.Stat(sess.TempPath)
	assert.True(t, os.IsNotExist(err))
}

func TestFinalizeStoresObjectAndCleansUp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sum := sha256.Sum256([]byte("hello world"))
	sess := h.create(t, "report.txt", 11, hex.EncodeToString(sum[:]))

	_, err := h.service.Append(ctx, sess.ID, alice, 0, []byte("hello "), "")
	require.NoError(t, err)
	_, err = h.service.Append(ctx, sess.ID, alice, 6, []byte("world"), "")
	require.NoError(t, err)

	res, err := h.service.Finalize(ctx, sess.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, "tenants/acme/users/alice/docs/report.txt", res.ObjectKey)
	assert.EqualValues(t, 11, res.Object.Size)
	assert.Equal(t, hex.EncodeToString(sum[:]), res.Checksum)

	rc, err := h.objects.Get(ctx, "media", res.ObjectKey)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	require.Len(t, h.ledger.records, 1)
	assert.Equal(t, file.SourceSession, h.ledger.records[0].Source)

	_, err = h.service.Get(ctx, sess.ID, alice)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
	_, err = os.Stat(sess.TempPath)
	assert.True(t, os.IsNotExist(err))
}

func TestFinalizeRetriesTransientFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.objects.failures.Store(2)
	sess := h.create(t, "a.txt", 3, "")
	_, err := h.service.Append(ctx, sess.ID, alice, 0, []byte("abc"), "")
	require.NoError(t, err)

	_, err = h.service.Finalize(ctx, sess.ID, alice)
	require.NoError(t, err)
	assert.EqualValues(t, 3, h.objects.puts.Load())
}

func TestFinalizeExhaustedRetriesKeepBytes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.objects.failures.Store(3)
	sess := h.create(t, "a.txt", 3, "")
	_, err := h.service.Append(ctx, sess.ID, alice, 0, []byte("abc"), "")
	require.NoError(t, err)

	_, err = h.service.Finalize(ctx, sess.ID, alice)
	assert.Equal(t, apperr.CodeUpstream, apperr.CodeOf(err))
	appErr, _ := apperr.As(err)
	assert.Equal(t, 502, appErr.Status())

	got, err := h.service.Get(ctx, sess.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.EqualValues(t, 3, got.UploadedBytes)

	// backend recovered
	res, err := h.service.Finalize(ctx, sess.ID, alice)
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.Object.Size)
}

func TestExpiredSessionIsGone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.create(t, "a.txt", 3, "")

	h.clock.Advance(time.Hour)

	_, err := h.service.Append(ctx, sess.ID, alice, 0, []byte("abc"), "")
	assert.Equal(t, apperr.CodeExpired, apperr.CodeOf(err))
	_, err = os.Stat(sess.TempPath)
	assert.True(t, os.IsNotExist(err))

	_, err = h.service.Get(ctx, sess.ID, alice)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestGetOnExpiredSessionRemovesIt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.create(t, "a.txt", 3, "")

	h.clock.Advance(2 * time.Hour)
	_, err := h.service.Get(ctx, sess.ID, alice)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
	_, err = os.Stat(sess.TempPath)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, 0, h.service.registry.Len())
}

func TestAppendSlidesExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.create(t, "six.txt", 6, "")

	h.clock.Advance(50 * time.Minute)
	res, err := h.service.Append(ctx, sess.ID, alice, 0, []byte("abc"), "")
	require.NoError(t, err)
	assert.Equal(t, h.clock.Now().Add(time.Hour), res.Session.ExpiresAt)

	h.clock.Advance(50 * time.Minute)
	_, err = h.service.Append(ctx, sess.ID, alice, 3, []byte("def"), "")
	require.NoError(t, err)
}

func TestSweepRemovesExpiredSessions(t *testing.T) {
	h := newHarness(t)
	stale := h.create(t, "a.txt", 3, "")
	h.clock.Advance(30 * time.Minute)
	fresh := h.create(t, "b.txt", 3, "")
	h.clock.Advance(31 * time.Minute)

	assert.Equal(t, 1, h.service.registry.Sweep())
	_, err := os.Stat(stale.TempPath)
	assert.True(t, os.IsNotExist(err))
	_, err = h.service.Get(context.Background(), fresh.ID, alice)
	assert.NoError(t, err)
}

func TestAbortDiscardsSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.create(t, "a.txt", 3, "")

	require.NoError(t, h.service.Abort(ctx, sess.ID, alice))
	_, err := h.service.Get(ctx, sess.ID, alice)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
	_, err = os.Stat(sess.TempPath)
	assert.True(t, os.IsNotExist(err))

	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(h.service.Abort(ctx, sess.ID, alice)))
}

func TestQuotaRejectsAppendBeforeTouchingSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.create(t, "six.txt", 6, "")
	h.service.quota = quota.NewLimiter(quota.Limits{Window: time.Minute, MaxBandwidth: 2}, nil, nil, nil)

	_, err := h.service.Append(ctx, sess.ID, alice, 0, []byte("abc"), "")
	assert.Equal(t, apperr.CodeBandwidth, apperr.CodeOf(err))

	got, err := h.service.Get(ctx, sess.ID, alice)
	require.NoError(t, err)
	assert.EqualValues(t, 0, got.UploadedBytes)
}

func TestStorageQuotaGatesCreateAndFinalizeButNotAppend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.create(t, "six.txt", 6, "")

	_, err := h.objects.MemoryStore.Put(ctx, "media", alice.Prefix()+"old.bin", strings.NewReader(strings.Repeat("x", 98)), 98, "")
	require.NoError(t, err)
	h.service.quota = quota.NewLimiter(quota.Limits{MaxStorageBytes: 100}, nil, h.objects, nil)

	_, err = h.service.Create(ctx, alice, CreateParams{Bucket: "media", StoragePath: "docs", FileName: "more.txt", TotalSize: 6})
	assert.Equal(t, apperr.CodeStorageQuota, apperr.CodeOf(err))

	_, err = h.service.Append(ctx, sess.ID, alice, 0, []byte("abcdef"), "")
	require.NoError(t, err)

	_, err = h.service.Finalize(ctx, sess.ID, alice)
	assert.Equal(t, apperr.CodeStorageQuota, apperr.CodeOf(err))

	got, err := h.service.Get(ctx, sess.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.EqualValues(t, 6, got.UploadedBytes)
}

func TestStoreUpdateErrorLeavesValue(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Create(Session{ID: "s", UploadedBytes: 1}))
	boom := errors.New("boom")

	_, err := store.Update("s", func(s *Session) error {
		s.UploadedBytes = 99
		return boom
	})
	assert.ErrorIs(t, err, boom)
	got, _ := store.Get("s")
	assert.EqualValues(t, 1, got.UploadedBytes)

	_, err = store.Update("missing", func(*Session) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}
