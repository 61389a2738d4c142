// deadletter.go — инспекция и административные операции над
// dead_lettered конвертами: список, replay, cancel.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/gocontentflow/ingest-module/internal/service"
)

// DeadLetterHandler — обработчик dead-letter операций.
type DeadLetterHandler struct {
	retry  *service.RetryManager
	logger *slog.Logger
}

// NewDeadLetterHandler создаёт обработчик dead-letter операций.
func NewDeadLetterHandler(retry *service.RetryManager, logger *slog.Logger) *DeadLetterHandler {
	return &DeadLetterHandler{
		retry:  retry,
		logger: logger.With(slog.String("component", "deadletter_handler")),
	}
}

// List — GET /api/v1/dead-letters?limit=&offset=.
func (h *DeadLetterHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := paginationDefaults(
		r.URL.Query().Get("limit"),
		r.URL.Query().Get("offset"),
	)

	envelopes, total, err := h.retry.ListDeadLettered(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("Ошибка получения dead-letter конвертов", slog.String("error", err.Error()))
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"envelopes": envelopes,
		"total":     total,
		"limit":     limit,
		"offset":    offset,
	})
}

// Replay — POST /api/v1/dead-letters/{source}/{key}/replay.
// Возвращает конверт в обработку с обнулённым счётчиком попыток.
func (h *DeadLetterHandler) Replay(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	key := chi.URLParam(r, "key")

	e, err := h.retry.Replay(r.Context(), source, key)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	h.logger.Info("Конверт возвращён в обработку оператором",
		slog.String("source", source),
		slog.String("idempotency_key", key),
	)
	writeJSON(w, http.StatusOK, e)
}

// cancelRequest — тело запроса отмены конверта.
type cancelRequest struct {
	Reason string `json:"reason"`
}

// Cancel — POST /api/v1/envelopes/{source}/{key}/cancel.
// Окончательно отменяет конверт, ожидающий повтора.
func (h *DeadLetterHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	key := chi.URLParam(r, "key")

	var req cancelRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}

	e, err := h.retry.Cancel(r.Context(), source, key, req.Reason)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	h.logger.Info("Конверт отменён оператором",
		slog.String("source", source),
		slog.String("idempotency_key", key),
		slog.String("reason", req.Reason),
	)
	writeJSON(w, http.StatusOK, e)
}
