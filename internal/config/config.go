package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config aggregates runtime configuration for the upload API.
type Config struct {
	Server      ServerConfig
	Postgres    PostgresConfig
	ObjectStore ObjectStoreConfig
	Auth        AuthConfig
	Metrics     MetricsConfig
	Upload      UploadConfig
	Intent      IntentConfig
	Quota       QuotaConfig
}

// ServerConfig parameterizes the HTTP server.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Address returns the listen address in host:port form.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// PostgresConfig contains PostgreSQL connection details.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// DSN returns the PostgreSQL DSN string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

// ObjectStoreConfig selects and parameterizes the backing object store.
type ObjectStoreConfig struct {
	// Driver is one of "minio", "s3" or "memory".
	Driver         string
	DefaultBucket  string
	AllowedBuckets []string
	MinIO          MinIOConfig
	S3             S3Config
}

// MinIOConfig carries MinIO connection information.
type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Region          string
}

// S3Config carries settings for AWS S3 or any S3-compatible endpoint.
type S3Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// AuthConfig groups authentication-related settings.
type AuthConfig struct {
	AccessTokenSecret  string
	RefreshTokenSecret string
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	BcryptCost         int
	DefaultTenant      string
}

// MetricsConfig groups observability settings.
type MetricsConfig struct {
	PrometheusPath string
}

// UploadConfig tunes the resumable session pipeline.
type UploadConfig struct {
	TempDir             string
	MaxChunkSize        int64
	MaxFileSize         int64
	DefaultTTL          time.Duration
	MinTTL              time.Duration
	MaxTTL              time.Duration
	FinalizeAttempts    int
	FinalizeBaseBackoff time.Duration
	SweepInterval       time.Duration
}

// ClampTTL bounds a requested session lifetime to [MinTTL, MaxTTL]. A
// non-positive request selects DefaultTTL.
func (u UploadConfig) ClampTTL(requested time.Duration) time.Duration {
	if requested <= 0 {
		requested = u.DefaultTTL
	}
	if requested < u.MinTTL {
		return u.MinTTL
	}
	if u.MaxTTL > 0 && requested > u.MaxTTL {
		return u.MaxTTL
	}
	return requested
}

// IntentConfig tunes direct-upload grants.
type IntentConfig struct {
	TTL                time.Duration
	MaxContentLength   int64
	ContentTypePattern string
	IdempotencyTTL     time.Duration
}

// QuotaConfig holds per-user admission ceilings.
type QuotaConfig struct {
	Window          time.Duration
	MaxRequests     int64
	MaxBandwidth    int64
	MaxStorageBytes int64
}

// Load reads configuration values from environment variables, applying defaults.
func Load() (Config, error) {
	cfg := Config{
		Server: ServerConfig{
			Host:         getString("DRIVEUP_API_HOST", "0.0.0.0"),
			Port:         getInt("DRIVEUP_API_PORT", 8080),
			ReadTimeout:  getDuration("DRIVEUP_API_READ_TIMEOUT", 60*time.Second),
			WriteTimeout: getDuration("DRIVEUP_API_WRITE_TIMEOUT", 120*time.Second),
			IdleTimeout:  getDuration("DRIVEUP_API_IDLE_TIMEOUT", 60*time.Second),
		},
		Postgres: PostgresConfig{
			Host:     getString("POSTGRES_HOST", "localhost"),
			Port:     getInt("POSTGRES_PORT", 5432),
			User:     getString("POSTGRES_USER", "driveup_app"),
			Password: getString("POSTGRES_PASSWORD", "change-me"),
			Database: getString("POSTGRES_DB", "driveup"),
			SSLMode:  strings.ToLower(getString("POSTGRES_SSL_MODE", "disable")),
		},
		ObjectStore: ObjectStoreConfig{
			Driver:         strings.ToLower(getString("OBJECT_STORE_DRIVER", "minio")),
			DefaultBucket:  getString("OBJECT_STORE_BUCKET", "driveup"),
			AllowedBuckets: getList("OBJECT_STORE_ALLOWED_BUCKETS", nil),
			MinIO: MinIOConfig{
				Endpoint:        getString("MINIO_ENDPOINT", "localhost:9000"),
				AccessKeyID:     getString("MINIO_ROOT_USER", "driveup"),
				SecretAccessKey: getString("MINIO_ROOT_PASSWORD", "change-me-strong-password"),
				UseSSL:          getBool("MINIO_USE_SSL", false),
				Region:          getString("MINIO_REGION", ""),
			},
			S3: S3Config{
				Endpoint:        getString("S3_ENDPOINT", ""),
				Region:          getString("S3_REGION", "us-east-1"),
				AccessKeyID:     getString("S3_ACCESS_KEY_ID", ""),
				SecretAccessKey: getString("S3_SECRET_ACCESS_KEY", ""),
				UsePathStyle:    getBool("S3_USE_PATH_STYLE", true),
			},
		},
		Auth: loadAuthConfig(),
		Metrics: MetricsConfig{
			PrometheusPath: getString("DRIVEUP_METRICS_PATH", "/metrics"),
		},
		Upload: UploadConfig{
			TempDir:             getString("UPLOAD_TEMP_DIR", os.TempDir()+"/driveup-chunks"),
			MaxChunkSize:        getInt64("UPLOAD_MAX_CHUNK_SIZE", 16<<20),
			MaxFileSize:         getInt64("UPLOAD_MAX_FILE_SIZE", 5<<30),
			DefaultTTL:          getDuration("UPLOAD_SESSION_TTL", time.Hour),
			MinTTL:              getDuration("UPLOAD_SESSION_MIN_TTL", time.Minute),
			MaxTTL:              getDuration("UPLOAD_SESSION_MAX_TTL", 24*time.Hour),
			FinalizeAttempts:    getInt("UPLOAD_FINALIZE_ATTEMPTS", 3),
			FinalizeBaseBackoff: getDuration("UPLOAD_FINALIZE_BACKOFF", 250*time.Millisecond),
			SweepInterval:       getDuration("UPLOAD_SWEEP_INTERVAL", 5*time.Minute),
		},
		Intent: IntentConfig{
			TTL:                getDuration("INTENT_TTL", 15*time.Minute),
			MaxContentLength:   getInt64("INTENT_MAX_CONTENT_LENGTH", 5<<30),
			ContentTypePattern: getString("INTENT_CONTENT_TYPE_PATTERN", `^(application|audio|font|image|text|video)/[A-Za-z0-9.+\-]+$`),
			IdempotencyTTL:     getDuration("INTENT_IDEMPOTENCY_TTL", 24*time.Hour),
		},
		Quota: QuotaConfig{
			Window:          getDuration("QUOTA_WINDOW", time.Minute),
			MaxRequests:     getInt64("QUOTA_MAX_REQUESTS", 600),
			MaxBandwidth:    getInt64("QUOTA_MAX_BANDWIDTH_BYTES", 2<<30),
			MaxStorageBytes: getInt64("QUOTA_MAX_STORAGE_BYTES", 50<<30),
		},
	}

	if cfg.Upload.FinalizeAttempts < 1 {
		cfg.Upload.FinalizeAttempts = 1
	}
	if cfg.Upload.MinTTL > cfg.Upload.MaxTTL {
		return Config{}, fmt.Errorf("upload session min ttl %s exceeds max ttl %s", cfg.Upload.MinTTL, cfg.Upload.MaxTTL)
	}
	switch cfg.ObjectStore.Driver {
	case "minio", "s3", "memory":
	default:
		return Config{}, fmt.Errorf("unknown object store driver %q", cfg.ObjectStore.Driver)
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getInt64(key string, fallback int64) int64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.ToLower(strings.TrimSpace(val))
		switch val {
		case "1", "true", "t", "yes", "y":
			return true
		case "0", "false", "f", "no", "n":
			return false
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}

// getList splits a comma-separated variable, dropping empty items.
func getList(key string, fallback []string) []string {
	val, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func loadAuthConfig() AuthConfig {
	cost := getInt("DRIVEUP_AUTH_BCRYPT_COST", 12)
	if cost < 4 || cost > 31 {
		cost = 12
	}

	return AuthConfig{
		AccessTokenSecret:  getString("DRIVEUP_JWT_SECRET", "change-me-to-a-32-byte-secret"),
		RefreshTokenSecret: getString("DRIVEUP_JWT_REFRESH_SECRET", "change-me-to-a-64-byte-secret"),
		AccessTokenTTL:     getDuration("DRIVEUP_AUTH_ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL:    getDuration("DRIVEUP_AUTH_REFRESH_TOKEN_TTL", 720*time.Hour),
		BcryptCost:         cost,
		DefaultTenant:      getString("DRIVEUP_DEFAULT_TENANT", "default"),
	}
}
