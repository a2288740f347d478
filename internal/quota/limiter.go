// Package quota implements per-owner admission control: request rate and
// bandwidth over a fixed window, plus an on-demand storage usage ceiling.
package quota

import (
	"context"
	"time"

	"github.com/abduss/driveup/internal/apperr"
	"github.com/abduss/driveup/internal/config"
	"github.com/abduss/driveup/internal/metrics"
	"github.com/abduss/driveup/internal/objstore"
	"github.com/abduss/driveup/internal/scope"
	"go.uber.org/zap"
)

// Limits are the per-owner ceilings. A non-positive value disables a gate.
type Limits struct {
	Window          time.Duration
	MaxRequests     int64
	MaxBandwidth    int64
	MaxStorageBytes int64
}

// LimitsFromConfig converts the quota section of the process config.
func LimitsFromConfig(cfg config.QuotaConfig) Limits {
	return Limits{
		Window:          cfg.Window,
		MaxRequests:     cfg.MaxRequests,
		MaxBandwidth:    cfg.MaxBandwidth,
		MaxStorageBytes: cfg.MaxStorageBytes,
	}
}

// Limiter enforces Limits. Windows are shared by every pipeline.
type Limiter struct {
	limits  Limits
	windows Store
	objects objstore.Store
	log     *zap.Logger
	now     func() time.Time
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter builds a Limiter. objects is used only by EnforceStorage.
func NewLimiter(limits Limits, windows Store, objects objstore.Store, log *zap.Logger, opts ...Option) *Limiter {
	if windows == nil {
		windows = NewMemoryStore()
	}
	if log == nil {
		log = zap.NewNop()
	}
	l := &Limiter{limits: limits, windows: windows, objects: objects, log: log, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// EnforceRequest counts one request for owner and rejects it once the
// window's ceiling is reached.
func (l *Limiter) EnforceRequest(ctx context.Context, owner scope.Owner) error {
	if l.limits.MaxRequests <= 0 {
		return nil
	}
	return l.windows.Update(owner.Key(), func(w *Window) error {
		l.roll(w)
		if w.Requests >= l.limits.MaxRequests {
			return l.reject("request", apperr.New(apperr.CodeTooManyRequests,
				"request quota exceeded").With("retryAfterSeconds", l.retryAfter(*w)))
		}
		w.Requests++
		return nil
	})
}

// EnforceBandwidth accounts n bytes for owner and rejects the transfer if
// it would push the window past its byte ceiling.
func (l *Limiter) EnforceBandwidth(ctx context.Context, owner scope.Owner, n int64) error {
	if l.limits.MaxBandwidth <= 0 || n <= 0 {
		return nil
	}
	return l.windows.Update(owner.Key(), func(w *Window) error {
		l.roll(w)
		if w.Bandwidth+n > l.limits.MaxBandwidth {
			return l.reject("bandwidth", apperr.New(apperr.CodeBandwidth,
				"bandwidth quota exceeded").With("retryAfterSeconds", l.retryAfter(*w)))
		}
		w.Bandwidth += n
		return nil
	})
}

// EnforceStorage sums everything stored under the owner's prefix in bucket
// and rejects if adding incoming would exceed the ceiling. The check is not
// held across the write that follows it, so concurrent uploads from the
// same owner can overshoot the ceiling by their combined size.
func (l *Limiter) EnforceStorage(ctx context.Context, owner scope.Owner, bucket string, incoming int64) error {
	if l.limits.MaxStorageBytes <= 0 || l.objects == nil {
		return nil
	}
	used, err := objstore.Usage(ctx, l.objects, bucket, owner.Prefix())
	if err != nil {
		l.log.Error("storage usage scan failed", zap.Stringer("owner", owner), zap.String("bucket", bucket), zap.Error(err))
		return apperr.Wrap(apperr.CodeUpstream, err, "could not determine storage usage")
	}
	if used+incoming > l.limits.MaxStorageBytes {
		return l.reject("storage", apperr.New(apperr.CodeStorageQuota, "storage quota exceeded").
			With("usedBytes", used).
			With("limitBytes", l.limits.MaxStorageBytes))
	}
	return nil
}

// Sweep drops windows that have been idle for a full window.
func (l *Limiter) Sweep() int {
	if l.limits.Window <= 0 {
		return 0
	}
	cutoff := l.now().Add(-l.limits.Window)
	return l.windows.DeleteIf(func(_ string, w Window) bool {
		return w.Start.Before(cutoff)
	})
}

func (l *Limiter) roll(w *Window) {
	now := l.now()
	if w.Start.IsZero() || (l.limits.Window > 0 && !now.Before(w.Start.Add(l.limits.Window))) {
		*w = Window{Start: now}
	}
}

func (l *Limiter) retryAfter(w Window) int64 {
	remaining := w.Start.Add(l.limits.Window).Sub(l.now())
	if remaining < time.Second {
		return 1
	}
	return int64(remaining / time.Second)
}

func (l *Limiter) reject(kind string, err *apperr.Error) *apperr.Error {
	metrics.QuotaRejections.WithLabelValues(kind).Inc()
	return err
}
