package storage

import (
	"context"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/ThinkerWen/wpic/internal/domain"
	"github.com/ThinkerWen/wpic/internal/metrics"
)

// RetryConfig bounds the retry behavior for transient backend failures.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// InitialBackoff is the delay before the first retry; it doubles on
	// each subsequent retry.
	InitialBackoff time.Duration
}

// DefaultRetryConfig returns the default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
	}
}

// retryingBackend decorates a Backend with bounded retries for transient
// errors. Quota, permission and not-found errors propagate immediately.
type retryingBackend struct {
	inner  Backend
	cfg    RetryConfig
	logger zerolog.Logger
}

// WithRetry wraps a backend with the retry policy. All backend operations
// are idempotent at the key level, so retrying is always safe.
func WithRetry(inner Backend, cfg RetryConfig, logger zerolog.Logger) Backend {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &retryingBackend{
		inner:  inner,
		cfg:    cfg,
		logger: logger.With().Str("backend", inner.Kind()).Logger(),
	}
}

func (b *retryingBackend) retry(ctx context.Context, op string, fn func() error) (err error) {
	start := time.Now()
	defer func() {
		metrics.RecordBackendOperation(b.inner.Kind(), op, time.Since(start), err == nil)
	}()

	backoff := b.cfg.InitialBackoff
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || !domain.IsRetryable(err) || attempt >= b.cfg.MaxAttempts {
			return err
		}

		b.logger.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("transient backend error, retrying")

		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (b *retryingBackend) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	seeker, seekable := reader.(io.ReadSeeker)
	if !seekable {
		// A plain stream cannot be replayed after a partial transfer, so
		// a failed attempt is final.
		start := time.Now()
		err := b.inner.Put(ctx, key, reader, size, contentType)
		metrics.RecordBackendOperation(b.inner.Kind(), "put", time.Since(start), err == nil)
		return err
	}

	return b.retry(ctx, "put", func() error {
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return err
		}
		return b.inner.Put(ctx, key, seeker, size, contentType)
	})
}

func (b *retryingBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := b.retry(ctx, "get", func() error {
		var err error
		rc, err = b.inner.Get(ctx, key)
		return err
	})
	return rc, err
}

func (b *retryingBackend) Delete(ctx context.Context, key string) error {
	return b.retry(ctx, "delete", func() error {
		return b.inner.Delete(ctx, key)
	})
}

func (b *retryingBackend) Exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := b.retry(ctx, "exists", func() error {
		var err error
		ok, err = b.inner.Exists(ctx, key)
		return err
	})
	return ok, err
}

func (b *retryingBackend) Stat(ctx context.Context, key string) (int64, error) {
	var size int64
	err := b.retry(ctx, "stat", func() error {
		var err error
		size, err = b.inner.Stat(ctx, key)
		return err
	})
	return size, err
}

func (b *retryingBackend) Kind() string {
	return b.inner.Kind()
}

// AccessURL passes through the optional URLSigner capability when the
// wrapped backend supports it.
func (b *retryingBackend) AccessURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	signer, ok := b.inner.(URLSigner)
	if !ok {
		return "", ErrAccessURLUnsupported
	}
	return signer.AccessURL(ctx, key, ttl)
}
