// Package webdav implements the storage backend against a remote WebDAV
// server over plain HTTP verbs (PUT, GET, DELETE, HEAD, MKCOL, MOVE).
//
// WebDAV PUT has a partial-visibility window if the connection drops
// mid-transfer, so writes go to a temporary name first and are published
// with MOVE, which servers perform atomically within one collection.
package webdav

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThinkerWen/wpic/internal/domain"
)

// Config holds WebDAV backend settings. Stored per owner as JSON; empty
// fields fall back to server-wide defaults.
type Config struct {
	// URL is the base collection URL, e.g. "https://dav.example.com/wpic".
	URL string `json:"url"`

	// Username and Password are the basic-auth credentials.
	Username string `json:"username"`
	Password string `json:"password"`

	// Timeout bounds each HTTP request. Zero means 30s.
	Timeout time.Duration `json:"-"`
}

// Backend talks to one WebDAV collection.
type Backend struct {
	baseURL  string
	username string
	password string
	client   *http.Client

	// collections we have already ensured exist, to avoid re-issuing
	// MKCOL for every upload. Best-effort: a stale entry only costs one
	// failed PUT followed by a retry path through ensureCollection.
	mu      sync.Mutex
	ensured map[string]struct{}
}

// New creates a WebDAV backend.
func New(cfg Config) (*Backend, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webdav backend: url is required")
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("webdav backend: username and password are required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Backend{
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		client:   &http.Client{Timeout: timeout},
		ensured:  make(map[string]struct{}),
	}, nil
}

// NewFromJSON creates a WebDAV backend from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*Backend, error) {
	var cfg Config
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("webdav backend: parse config: %w", err)
		}
	}
	return New(cfg)
}

func (b *Backend) keyURL(key string) string {
	parts := strings.Split(strings.TrimPrefix(key, "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return b.baseURL + "/" + strings.Join(parts, "/")
}

func (b *Backend) do(ctx context.Context, method, target string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(b.username, b.password)
	for k, v := range headers {
		// A Content-Length header on an outgoing request is ignored by
		// net/http; the length must go through the request field.
		if strings.EqualFold(k, "Content-Length") {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				req.ContentLength = n
			}
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, mapTransportErr(err)
	}
	return resp, nil
}

// ensureCollection issues MKCOL for each missing ancestor of the key.
func (b *Backend) ensureCollection(ctx context.Context, key string) error {
	parts := strings.Split(strings.TrimPrefix(key, "/"), "/")
	if len(parts) < 2 {
		return nil
	}

	current := ""
	for _, part := range parts[:len(parts)-1] {
		current += "/" + part

		b.mu.Lock()
		_, ok := b.ensured[current]
		b.mu.Unlock()
		if ok {
			continue
		}

		resp, err := b.do(ctx, "MKCOL", b.baseURL+escapePath(current)+"/", nil, nil)
		if err != nil {
			return err
		}
		resp.Body.Close()

		// 201 created, 405 already exists.
		switch resp.StatusCode {
		case http.StatusCreated, http.StatusMethodNotAllowed:
			b.mu.Lock()
			b.ensured[current] = struct{}{}
			b.mu.Unlock()
		default:
			return statusErr("mkcol", resp.StatusCode)
		}
	}
	return nil
}

func escapePath(p string) string {
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	for i, s := range parts {
		parts[i] = url.PathEscape(s)
	}
	return "/" + strings.Join(parts, "/")
}

// Put uploads to a temporary name, then publishes with MOVE.
func (b *Backend) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	if err := b.ensureCollection(ctx, key); err != nil {
		return err
	}

	tmpKey := key + ".upload"
	headers := map[string]string{}
	if contentType != "" {
		headers["Content-Type"] = contentType
	}
	if size > 0 {
		headers["Content-Length"] = strconv.FormatInt(size, 10)
	}

	resp, err := b.do(ctx, http.MethodPut, b.keyURL(tmpKey), reader, headers)
	if err != nil {
		return err
	}
	resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
	default:
		// Remove the temporary object so no partial state remains.
		b.deleteSilently(ctx, tmpKey)
		return statusErr("put", resp.StatusCode)
	}

	moveHeaders := map[string]string{
		"Destination": b.keyURL(key),
		"Overwrite":   "T",
	}
	resp, err = b.do(ctx, "MOVE", b.keyURL(tmpKey), nil, moveHeaders)
	if err != nil {
		b.deleteSilently(ctx, tmpKey)
		return err
	}
	resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	default:
		b.deleteSilently(ctx, tmpKey)
		return statusErr("move", resp.StatusCode)
	}
}

func (b *Backend) deleteSilently(ctx context.Context, key string) {
	if resp, err := b.do(ctx, http.MethodDelete, b.keyURL(key), nil, nil); err == nil {
		resp.Body.Close()
	}
}

// Get retrieves content by key.
func (b *Backend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := b.do(ctx, http.MethodGet, b.keyURL(key), nil, nil)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Body, nil
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, domain.NewDomainError(domain.ErrNotFound, "no such object", key)
	default:
		resp.Body.Close()
		return nil, statusErr("get", resp.StatusCode)
	}
}

// Delete removes content by key. 404 counts as success.
func (b *Backend) Delete(ctx context.Context, key string) error {
	resp, err := b.do(ctx, http.MethodDelete, b.keyURL(key), nil, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return statusErr("delete", resp.StatusCode)
	}
}

// Exists checks presence with a HEAD request.
func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	resp, err := b.do(ctx, http.MethodHead, b.keyURL(key), nil, nil)
	if err != nil {
		return false, err
	}
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, statusErr("head", resp.StatusCode)
	}
}

// Stat returns the size from the Content-Length of a HEAD response.
func (b *Backend) Stat(ctx context.Context, key string) (int64, error) {
	resp, err := b.do(ctx, http.MethodHead, b.keyURL(key), nil, nil)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			size, err := strconv.ParseInt(cl, 10, 64)
			if err == nil {
				return size, nil
			}
		}
		return 0, domain.NewDomainError(domain.ErrBackendUnavailable, "missing content length", key)
	case http.StatusNotFound:
		return 0, domain.NewDomainError(domain.ErrNotFound, "no such object", key)
	default:
		return 0, statusErr("head", resp.StatusCode)
	}
}

// Kind returns "webdav".
func (b *Backend) Kind() string {
	return string(domain.BackendWebDAV)
}

// AccessURL returns the direct (credential-less) URL of the object. Most
// WebDAV deployments front the collection with their own access control,
// so this is only useful when the server allows anonymous reads.
func (b *Backend) AccessURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return b.keyURL(key), nil
}

func statusErr(op string, code int) error {
	msg := fmt.Sprintf("%s: HTTP %d", op, code)
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return domain.NewDomainError(domain.ErrBackendPermission, msg, "")
	case code == http.StatusInsufficientStorage:
		return domain.NewDomainError(domain.ErrBackendQuotaExceeded, msg, "")
	default:
		return domain.NewDomainError(domain.ErrBackendUnavailable, msg, "")
	}
}

func mapTransportErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewDomainError(domain.ErrBackendTimeout, err.Error(), "")
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return domain.NewDomainError(domain.ErrBackendTimeout, err.Error(), "")
	}
	return domain.NewDomainError(domain.ErrBackendUnavailable, err.Error(), "")
}
