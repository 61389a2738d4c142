// envelopes.go — приём конвертов от систем-источников и запрос их статуса.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/gocontentflow/ingest-module/internal/api/errors"
	"github.com/bigkaa/gocontentflow/ingest-module/internal/domain/model"
	"github.com/bigkaa/gocontentflow/ingest-module/internal/service"
)

// EnvelopeHandler — обработчик приёма и статуса конвертов.
type EnvelopeHandler struct {
	router *service.Router
	logger *slog.Logger
}

// NewEnvelopeHandler создаёт обработчик конвертов.
func NewEnvelopeHandler(router *service.Router, logger *slog.Logger) *EnvelopeHandler {
	return &EnvelopeHandler{
		router: router,
		logger: logger.With(slog.String("component", "envelope_handler")),
	}
}

// ingestRequest — тело запроса приёма конверта.
type ingestRequest struct {
	Source         string        `json:"source"`
	IdempotencyKey string        `json:"idempotency_key"`
	Operation      string        `json:"operation"`
	ContentID      string        `json:"content_id,omitempty"`
	Payload        model.Payload `json:"payload"`
}

// ingestResponse — ответ на приём конверта.
type ingestResponse struct {
	Status   string          `json:"status"`
	Reason   string          `json:"reason,omitempty"`
	Envelope *model.Envelope `json:"envelope"`
}

// Ingest — POST /api/v1/envelopes. Принимает конверт от системы-источника.
//
// Ответы: 202 accepted — конверт принят; 200 duplicate — ключ уже
// известен, возвращён сохранённый исход; 400 rejected — конверт не
// прошёл валидацию (исход также записан в Envelope Store).
func (h *EnvelopeHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	op, _ := model.ParseOperation(req.Operation)
	e := &model.Envelope{
		Source:         req.Source,
		IdempotencyKey: req.IdempotencyKey,
		Operation:      op,
		ContentID:      req.ContentID,
		Payload:        req.Payload,
	}
	if op == "" {
		// Некорректная операция уходит в Route как есть и будет
		// отклонена с записью исхода
		e.Operation = model.Operation(req.Operation)
	}

	outcome, err := h.router.Route(r.Context(), e)
	if err != nil {
		h.logger.Error("Ошибка маршрутизации конверта", slog.String("error", err.Error()))
		writeServiceError(w, err)
		return
	}

	resp := ingestResponse{
		Status:   string(outcome.Status),
		Reason:   outcome.Reason,
		Envelope: outcome.Envelope,
	}

	switch outcome.Status {
	case service.RouteAccepted:
		writeJSON(w, http.StatusAccepted, resp)
	case service.RouteDuplicate:
		writeJSON(w, http.StatusOK, resp)
	case service.RouteRejected:
		writeJSON(w, http.StatusBadRequest, resp)
	default:
		apierrors.InternalError(w, "неизвестный исход маршрутизации")
	}
}

// GetStatus — GET /api/v1/envelopes/{source}/{key}.
// Возвращает сохранённое состояние конверта.
func (h *EnvelopeHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	key := chi.URLParam(r, "key")

	e, err := h.router.Get(r.Context(), source, key)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}
