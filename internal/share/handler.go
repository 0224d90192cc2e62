package share

import (
	"io"
	"net/http"
	"strings"

	"github.com/conneroisu/playground/internal/errors"
	"github.com/conneroisu/playground/internal/logging"
)

// Handler serves POST {prefix} and GET {prefix}{code}.
type Handler struct {
	store   Store
	maxSize int64
	prefix  string
	logger  logging.Logger
}

// NewHandler creates the share endpoints under prefix, for example "/shared".
func NewHandler(store Store, prefix string, maxSize int64, logger logging.Logger) *Handler {
	return &Handler{
		store:   store,
		maxSize: maxSize,
		prefix:  strings.TrimRight(prefix, "/"),
		logger:  logging.OrNop(logger).WithComponent("share"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet, http.MethodHead:
		h.handleGet(w, r)
	default:
		w.Header().Set("Allow", "GET, HEAD, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	if strings.TrimRight(r.URL.Path, "/") != h.prefix {
		http.NotFound(w, r)

		return
	}

	doc, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, ErrTooLarge.Message, http.StatusRequestEntityTooLarge)

			return
		}
		http.Error(w, "failed to read body", http.StatusBadRequest)

		return
	}

	code, err := h.store.Put(r.Context(), doc)
	if err != nil {
		h.logger.Error(r.Context(), err, "Failed to store shared document")
		http.Error(w, "failed to store document", http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, code)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	code, ok := strings.CutPrefix(r.URL.Path, h.prefix+"/")
	if !ok || code == "" || strings.Contains(code, "/") {
		http.NotFound(w, r)

		return
	}

	doc, err := h.store.Get(r.Context(), code)
	if errors.Is(err, ErrNotFound) {
		http.NotFound(w, r)

		return
	}
	if err != nil {
		h.logger.Error(r.Context(), err, "Failed to load shared document", "code", code)
		http.Error(w, "failed to load document", http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(doc)
}
