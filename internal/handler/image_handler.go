package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/ThinkerWen/wpic/internal/auth"
	"github.com/ThinkerWen/wpic/internal/domain"
	"github.com/ThinkerWen/wpic/internal/metrics"
	"github.com/ThinkerWen/wpic/internal/repository"
	"github.com/ThinkerWen/wpic/internal/service"
)

// multipartMemoryLimit caps the in-memory portion of multipart parsing;
// larger parts spill to temp files.
const multipartMemoryLimit = 8 << 20

// ImageHandler handles image upload, fetch and delete requests.
type ImageHandler struct {
	storage *service.StorageService
	logger  zerolog.Logger
}

// NewImageHandler creates a new ImageHandler.
func NewImageHandler(storage *service.StorageService, logger zerolog.Logger) *ImageHandler {
	return &ImageHandler{
		storage: storage,
		logger:  logger.With().Str("handler", "image").Logger(),
	}
}

// uploadResponse is the JSON body returned after a successful upload.
type uploadResponse struct {
	Token        string `json:"token"`
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnail_url"`
	PreviewURL   string `json:"preview_url"`
	Fingerprint  string `json:"fingerprint"`
	Size         int64  `json:"size"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	Format       string `json:"format"`
	Deduplicated bool   `json:"deduplicated"`
}

// handleUpload accepts a multipart upload in the "file" field.
// An optional expires_in form value (seconds) makes the link temporary.
func (h *ImageHandler) handleUpload(w http.ResponseWriter, r *http.Request) {
	owner, err := auth.RequireOwner(r.Context())
	if err != nil {
		writeError(w, service.ErrAccessDenied)
		return
	}

	if err := r.ParseMultipartForm(multipartMemoryLimit); err != nil {
		writeError(w, domain.ErrEmptyContent)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, domain.ErrEmptyContent)
		return
	}
	defer file.Close()

	var expiresAt *time.Time
	if raw := r.FormValue("expires_in"); raw != "" {
		seconds, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || seconds <= 0 {
			writeJSON(w, http.StatusBadRequest, APIError{
				Code:    "InvalidExpiry",
				Message: "expires_in must be a positive number of seconds",
			})
			return
		}
		t := time.Now().UTC().Add(time.Duration(seconds) * time.Second)
		expiresAt = &t
	}

	out, err := h.storage.Upload(r.Context(), service.UploadInput{
		OwnerID:   owner.ID,
		Filename:  header.Filename,
		Body:      file,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		if errors.Is(err, domain.ErrQuotaExceeded) {
			metrics.RecordQuotaRejection()
		}
		metrics.RecordUpload(0, false, false)
		h.logger.Debug().Err(err).Str("filename", header.Filename).Msg("upload rejected")
		writeError(w, err)
		return
	}

	metrics.RecordUpload(out.Size, out.Deduplicated, true)

	writeJSON(w, http.StatusCreated, uploadResponse{
		Token:        out.AccessToken,
		URL:          "/i/" + out.AccessToken,
		ThumbnailURL: "/i/" + out.AccessToken + "/" + string(domain.DerivativeThumbnail),
		PreviewURL:   "/i/" + out.AccessToken + "/" + string(domain.DerivativePreview),
		Fingerprint:  out.Fingerprint,
		Size:         out.Size,
		Width:        out.Width,
		Height:       out.Height,
		Format:       out.Format,
		Deduplicated: out.Deduplicated,
	})
}

// handleFetchOriginal serves the original bytes for an access token.
func (h *ImageHandler) handleFetchOriginal(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	out, err := h.storage.FetchOriginal(r.Context(), service.FetchOriginalInput{
		AccessToken: token,
	})
	if err != nil {
		metrics.RecordDownload("original", 0, false)
		writeError(w, err)
		return
	}

	metrics.RecordDownload("original", out.Size, true)

	if out.RedirectURL != "" {
		// Signed URLs expire, so the redirect itself must not be cached.
		w.Header().Set("Cache-Control", "no-store")
		http.Redirect(w, r, out.RedirectURL, http.StatusFound)
		return
	}

	w.Header().Set("Content-Type", out.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(out.Size, 10))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if out.Filename != "" {
		w.Header().Set("Content-Disposition", `inline; filename="`+out.Filename+`"`)
	}
	_, _ = w.Write(out.Data)
}

// handleFetchDerivative serves a thumbnail or preview for an access token.
func (h *ImageHandler) handleFetchDerivative(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	kind := domain.DerivativeKind(chi.URLParam(r, "kind"))

	out, err := h.storage.FetchDerivative(r.Context(), service.FetchDerivativeInput{
		AccessToken: token,
		Kind:        kind,
	})
	if err != nil {
		metrics.RecordDownload(string(kind), 0, false)
		writeError(w, err)
		return
	}

	metrics.RecordDownload(string(kind), int64(len(out.Data)), true)

	w.Header().Set("Content-Type", out.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(out.Data)))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	_, _ = w.Write(out.Data)
}

// handleDelete removes a file record owned by the caller.
func (h *ImageHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	owner, err := auth.RequireOwner(r.Context())
	if err != nil {
		writeError(w, service.ErrAccessDenied)
		return
	}

	token := chi.URLParam(r, "token")

	if err := h.storage.Delete(r.Context(), service.DeleteInput{
		OwnerID:     owner.ID,
		AccessToken: token,
	}); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// fileResponse is one entry in the file listing.
type fileResponse struct {
	Token         string     `json:"token"`
	Filename      string     `json:"filename"`
	ContentType   string     `json:"content_type"`
	Size          int64      `json:"size"`
	Width         int        `json:"width"`
	Height        int        `json:"height"`
	Format        string     `json:"format"`
	DownloadCount int64      `json:"download_count"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// listResponse is the paginated file listing body.
type listResponse struct {
	Files  []fileResponse `json:"files"`
	Total  int64          `json:"total"`
	Offset int            `json:"offset"`
	Limit  int            `json:"limit"`
}

// handleList returns the caller's file records, newest first.
func (h *ImageHandler) handleList(w http.ResponseWriter, r *http.Request) {
	owner, err := auth.RequireOwner(r.Context())
	if err != nil {
		writeError(w, service.ErrAccessDenied)
		return
	}

	opts := listOptionsFromQuery(r)
	result, err := h.storage.ListFiles(r.Context(), owner.ID, opts)
	if err != nil {
		writeError(w, err)
		return
	}

	files := make([]fileResponse, 0, len(result.Items))
	for _, rec := range result.Items {
		files = append(files, fileResponse{
			Token:         rec.AccessToken,
			Filename:      rec.Filename,
			ContentType:   rec.ContentType,
			Size:          rec.Size,
			Width:         rec.Width,
			Height:        rec.Height,
			Format:        rec.Format,
			DownloadCount: rec.DownloadCount,
			CreatedAt:     rec.CreatedAt,
			ExpiresAt:     rec.ExpiresAt,
		})
	}

	writeJSON(w, http.StatusOK, listResponse{
		Files:  files,
		Total:  result.Total,
		Offset: result.Offset,
		Limit:  result.Limit,
	})
}

// usageResponse reports quota consumption.
type usageResponse struct {
	BytesUsed  int64 `json:"bytes_used"`
	BytesLimit int64 `json:"bytes_limit"` // 0 = unlimited
}

// handleUsage returns the caller's quota consumption.
func (h *ImageHandler) handleUsage(w http.ResponseWriter, r *http.Request) {
	owner, err := auth.RequireOwner(r.Context())
	if err != nil {
		writeError(w, service.ErrAccessDenied)
		return
	}

	usage, err := h.storage.Usage(r.Context(), owner.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, usageResponse{
		BytesUsed:  usage.BytesUsed,
		BytesLimit: usage.BytesLimit,
	})
}

// listOptionsFromQuery parses offset/limit pagination parameters.
func listOptionsFromQuery(r *http.Request) repository.ListOptions {
	opts := repository.ListOptions{
		Limit:      50,
		Descending: true,
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			opts.Offset = v
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 500 {
			opts.Limit = v
		}
	}
	return opts
}
