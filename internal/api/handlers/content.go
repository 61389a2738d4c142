// content.go — путь чтения контента: текущая версия, история, аудит.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/gocontentflow/ingest-module/internal/service"
)

// ContentHandler — обработчик чтения контента.
type ContentHandler struct {
	cache   *service.ContentCacheService
	content *service.ContentService
	audit   *service.AuditService
	logger  *slog.Logger
}

// NewContentHandler создаёт обработчик чтения контента.
func NewContentHandler(
	cache *service.ContentCacheService,
	content *service.ContentService,
	audit *service.AuditService,
	logger *slog.Logger,
) *ContentHandler {
	return &ContentHandler{
		cache:   cache,
		content: content,
		audit:   audit,
		logger:  logger.With(slog.String("component", "content_handler")),
	}
}

// Get — GET /api/v1/content/{id}. Текущая версия контента (через кэш).
func (h *ContentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	view, err := h.cache.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// versionsResponse — ответ со списком версий контента.
type versionsResponse struct {
	ContentID string `json:"content_id"`
	Versions  any    `json:"versions"`
}

// ListVersions — GET /api/v1/content/{id}/versions. История версий.
func (h *ContentHandler) ListVersions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	versions, err := h.content.ListVersions(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versionsResponse{ContentID: id, Versions: versions})
}

// ListAudit — GET /api/v1/content/{id}/audit. Записи аудита контента.
func (h *ContentHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	records, err := h.audit.ListByResource(r.Context(), "content", id)
	if err != nil {
		h.logger.Error("Ошибка чтения аудита", slog.String("error", err.Error()))
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}
