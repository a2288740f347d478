package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/abduss/driveup/internal/auth"
	"github.com/abduss/driveup/internal/chunkstore"
	"github.com/abduss/driveup/internal/config"
	"github.com/abduss/driveup/internal/file"
	"github.com/abduss/driveup/internal/intent"
	"github.com/abduss/driveup/internal/objstore"
	"github.com/abduss/driveup/internal/quota"
	"github.com/abduss/driveup/internal/scope"
	"github.com/abduss/driveup/internal/session"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type failingPinger struct{}

func (failingPinger) Ping(ctx context.Context) error { return errors.New("connection refused") }

func TestHealthRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := NewRouter(Dependencies{
		Config:      config.Config{Metrics: config.MetricsConfig{PrometheusPath: "/metrics"}},
		ObjectStore: objstore.NewMemoryStore(),
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestReadinessReportsFailingComponent(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := NewRouter(Dependencies{
		Config:      config.Config{Metrics: config.MetricsConfig{PrometheusPath: "/metrics"}},
		DB:          failingPinger{},
		ObjectStore: objstore.NewMemoryStore(),
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "postgres")
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	s := newStack(t)
	for _, target := range []string{"/v1/sessions/x", "/v1/upload-intents/x", "/v1/uploads"} {
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, target)
	}
}

func TestResumableUploadThroughRouter(t *testing.T) {
	s := newStack(t)

	status, body := s.call(t, http.MethodPost, "/v1/sessions", `{"path":"reports","fileName":"q1.txt","totalSize":10}`, nil)
	require.Equal(t, http.StatusCreated, status)
	id := body["session"].(map[string]any)["id"].(string)

	status, _ = s.call(t, http.MethodPatch, "/v1/sessions/"+id, "01234", map[string]string{"Upload-Offset": "0"})
	require.Equal(t, http.StatusOK, status)
	status, body = s.call(t, http.MethodPatch, "/v1/sessions/"+id, "56789", map[string]string{"Upload-Offset": "0"})
	require.Equal(t, http.StatusConflict, status)
	assert.EqualValues(t, 5, body["expectedOffset"])
	status, _ = s.call(t, http.MethodPatch, "/v1/sessions/"+id, "56789", map[string]string{"Upload-Offset": "5"})
	require.Equal(t, http.StatusOK, status)

	status, body = s.call(t, http.MethodPost, "/v1/sessions/"+id+"/complete", "", nil)
	require.Equal(t, http.StatusOK, status)
	key := body["path"].(string)
	assert.True(t, strings.HasPrefix(key, "tenants/acme/users/"))
	assert.True(t, strings.HasSuffix(key, "/reports/q1.txt"))

	status, body = s.call(t, http.MethodGet, "/v1/uploads", "", nil)
	require.Equal(t, http.StatusOK, status)
	uploads := body["uploads"].([]any)
	require.Len(t, uploads, 1)
	assert.Equal(t, key, uploads[0].(map[string]any)["object_key"])
}

func TestDirectUploadThroughRouter(t *testing.T) {
	s := newStack(t)

	status, body := s.call(t, http.MethodPost, "/v1/upload-intents", `{"filename":"a.txt","contentType":"text/plain","contentLength":3}`, nil)
	require.Equal(t, http.StatusCreated, status)
	in := body["intent"].(map[string]any)
	key := in["objectKey"].(string)

	_, err := s.objects.Put(context.Background(), "driveup", key, strings.NewReader("abc"), 3, "text/plain")
	require.NoError(t, err)

	commit := `{"intentId":"` + in["intentId"].(string) + `","objectKey":"` + key + `"}`
	status, body = s.call(t, http.MethodPost, "/v1/upload-intents/commit", commit, map[string]string{"Idempotency-Key": "once"})
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 3, body["size"])
}

type stack struct {
	router  *gin.Engine
	objects *objstore.MemoryStore
	token   string
}

func newStack(t *testing.T) *stack {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zaptest.NewLogger(t)
	ctx := context.Background()

	cfg := config.Config{
		ObjectStore: config.ObjectStoreConfig{Driver: "memory", DefaultBucket: "driveup"},
		Auth: config.AuthConfig{
			AccessTokenSecret:  "access-secret",
			RefreshTokenSecret: "refresh-secret",
			AccessTokenTTL:     time.Minute,
			RefreshTokenTTL:    time.Hour,
			BcryptCost:         4,
			DefaultTenant:      "acme",
		},
		Metrics: config.MetricsConfig{PrometheusPath: "/metrics"},
		Upload: config.UploadConfig{
			MaxChunkSize:        1024,
			MaxFileSize:         1 << 20,
			DefaultTTL:          time.Hour,
			MinTTL:              time.Minute,
			MaxTTL:              time.Hour,
			FinalizeAttempts:    2,
			FinalizeBaseBackoff: time.Millisecond,
		},
		Intent: config.IntentConfig{TTL: time.Minute, MaxContentLength: 1 << 20},
	}

	objects := objstore.NewMemoryStore()
	chunks, err := chunkstore.New(t.TempDir())
	require.NoError(t, err)
	policy := scope.NewBucketPolicy(nil)
	limiter := quota.NewLimiter(quota.LimitsFromConfig(cfg.Quota), nil, objects, log)
	ledger := &memoryLedger{}

	authService := auth.NewService(newMemoryUsers(), cfg.Auth)
	registry := session.NewRegistry(nil, chunks, policy, cfg.Upload, log)
	manager, err := intent.NewManager(nil, nil, objects, limiter, policy, cfg.Intent, log, intent.WithLedger(ledger))
	require.NoError(t, err)

	router := NewRouter(Dependencies{
		Config:         cfg,
		ObjectStore:    objects,
		AuthService:    authService,
		SessionService: session.NewService(registry, objects, limiter, ledger, cfg.Upload, log),
		IntentManager:  manager,
		FileService:    file.NewService(ledger, objects, limiter, policy, cfg.Upload.MaxFileSize, log),
	})

	result, err := authService.Register(ctx, auth.RegisterInput{Email: "owner@example.com", Password: "StrongPass1!"})
	require.NoError(t, err)

	return &stack{router: router, objects: objects, token: result.Tokens.AccessToken}
}

func (s *stack) call(t *testing.T, method, target, body string, headers map[string]string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+s.token)
	if method != http.MethodPatch {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	out := map[string]any{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

type memoryLedger struct {
	mu      sync.Mutex
	records []file.Record
}

func (l *memoryLedger) Create(ctx context.Context, rec file.Record) (file.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec.CreatedAt = time.Now()
	l.records = append(l.records, rec)
	return rec, nil
}

func (l *memoryLedger) List(ctx context.Context, tenantID, ownerID string, limit int) ([]file.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []file.Record
	for i := len(l.records) - 1; i >= 0 && len(out) < limit; i-- {
		if r := l.records[i]; r.TenantID == tenantID && r.OwnerID == ownerID {
			out = append(out, r)
		}
	}
	return out, nil
}

type memoryUsers struct {
	mu     sync.Mutex
	users  map[string]auth.User
	tokens map[string]bool
}

func newMemoryUsers() *memoryUsers {
	return &memoryUsers{users: map[string]auth.User{}, tokens: map[string]bool{}}
}

func (m *memoryUsers) CreateUser(ctx context.Context, tenantID, email, passwordHash string, displayName *string) (auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[email]; ok {
		return auth.User{}, auth.ErrEmailAlreadyExists
	}
	u := auth.User{ID: uuid.New(), TenantID: tenantID, Email: email, PasswordHash: passwordHash, DisplayName: displayName}
	m.users[email] = u
	return u, nil
}

func (m *memoryUsers) FindUserByEmail(ctx context.Context, email string) (auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[email]
	if !ok {
		return auth.User{}, auth.ErrUserNotFound
	}
	return u, nil
}

func (m *memoryUsers) StoreRefreshToken(ctx context.Context, userID uuid.UUID, tokenHash string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[userID.String()+tokenHash] = true
	return nil
}

func (m *memoryUsers) RevokeToken(ctx context.Context, userID uuid.UUID, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, userID.String()+tokenHash)
	return nil
}
