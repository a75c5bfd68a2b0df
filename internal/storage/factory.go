package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ThinkerWen/wpic/internal/domain"
	"github.com/ThinkerWen/wpic/internal/storage/local"
	"github.com/ThinkerWen/wpic/internal/storage/s3"
	"github.com/ThinkerWen/wpic/internal/storage/webdav"
)

// Defaults carries the server-wide fallbacks merged into each owner's
// backend configuration. An owner's stored config only has to supply the
// values that differ.
type Defaults struct {
	// LocalBasePath is the root directory for local backends.
	LocalBasePath string

	// WebDAV holds the server-wide WebDAV endpoint and credentials.
	WebDAV WebDAVDefaults

	// S3 holds the server-wide S3 endpoint and credentials.
	S3 S3Defaults
}

// WebDAVDefaults are the fallback WebDAV settings.
type WebDAVDefaults struct {
	URL      string
	Username string
	Password string
}

// S3Defaults are the fallback S3 settings.
type S3Defaults struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Factory constructs backends for the closed set of variants. One
// factory is shared process-wide; construction itself is cheap and the
// Router memoizes instances per owner.
type Factory struct {
	defaults Defaults
	retry    RetryConfig
	logger   zerolog.Logger
}

// NewFactory creates a backend factory with the given defaults.
func NewFactory(defaults Defaults, retry RetryConfig, logger zerolog.Logger) *Factory {
	return &Factory{
		defaults: defaults,
		retry:    retry,
		logger:   logger,
	}
}

// New builds a backend of the given kind from raw per-owner JSON config,
// wrapped in the retry policy. Unknown kinds are a configuration defect,
// not a runtime condition.
func (f *Factory) New(ctx context.Context, kind domain.BackendKind, raw json.RawMessage) (Backend, error) {
	var (
		backend Backend
		err     error
	)

	switch kind {
	case domain.BackendLocal:
		backend, err = f.newLocal(raw)
	case domain.BackendWebDAV:
		backend, err = f.newWebDAV(raw)
	case domain.BackendS3:
		backend, err = f.newS3(ctx, raw)
	default:
		return nil, fmt.Errorf("unknown backend kind: %s", kind)
	}
	if err != nil {
		return nil, err
	}

	return WithRetry(backend, f.retry, f.logger), nil
}

func (f *Factory) newLocal(raw json.RawMessage) (Backend, error) {
	var cfg local.Config
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("local backend: parse config: %w", err)
		}
	}
	if cfg.BasePath == "" {
		cfg.BasePath = f.defaults.LocalBasePath
	}
	return local.New(cfg.BasePath)
}

func (f *Factory) newWebDAV(raw json.RawMessage) (Backend, error) {
	var cfg webdav.Config
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("webdav backend: parse config: %w", err)
		}
	}
	if cfg.URL == "" {
		cfg.URL = f.defaults.WebDAV.URL
	}
	if cfg.Username == "" {
		cfg.Username = f.defaults.WebDAV.Username
	}
	if cfg.Password == "" {
		cfg.Password = f.defaults.WebDAV.Password
	}
	return webdav.New(cfg)
}

func (f *Factory) newS3(ctx context.Context, raw json.RawMessage) (Backend, error) {
	var cfg s3.Config
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("s3 backend: parse config: %w", err)
		}
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = f.defaults.S3.Endpoint
	}
	if cfg.Region == "" {
		cfg.Region = f.defaults.S3.Region
	}
	if cfg.Bucket == "" {
		cfg.Bucket = f.defaults.S3.Bucket
	}
	if cfg.AccessKey == "" {
		cfg.AccessKey = f.defaults.S3.AccessKey
	}
	if cfg.SecretKey == "" {
		cfg.SecretKey = f.defaults.S3.SecretKey
	}
	return s3.New(ctx, cfg)
}
