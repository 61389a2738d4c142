// handler.go — основной обработчик API Ingest Module.
// Объединяет доменные обработчики и делегирует запросы в сервисный слой.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	apierrors "github.com/bigkaa/gocontentflow/ingest-module/internal/api/errors"
	"github.com/bigkaa/gocontentflow/ingest-module/internal/service"
)

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// decodeJSON читает JSON-тело запроса в dst.
// Возвращает false и пишет 400, если тело некорректно.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		apierrors.ValidationError(w, "некорректное JSON-тело запроса: "+err.Error())
		return false
	}
	return true
}

// writeServiceError переводит ошибку сервисного слоя в HTTP-ответ.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound),
		errors.Is(err, service.ErrContentNotFound):
		apierrors.NotFound(w, err.Error())
	case errors.Is(err, service.ErrConflict):
		apierrors.Conflict(w, err.Error())
	case errors.Is(err, service.ErrValidation),
		errors.Is(err, service.ErrMetadataInvalid):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrEnvelopeState),
		errors.Is(err, service.ErrCategoryReferenced),
		errors.Is(err, service.ErrCategoryCycle):
		apierrors.InvalidState(w, err.Error())
	default:
		apierrors.InternalError(w, "внутренняя ошибка сервера")
	}
}

// paginationDefaults нормализует параметры пагинации.
// Возвращает корректные limit и offset.
func paginationDefaults(limitStr, offsetStr string) (int, int) {
	l := 100
	o := 0

	if v, err := strconv.Atoi(limitStr); err == nil && v > 0 {
		l = v
	}
	if l > 1000 {
		l = 1000
	}
	if v, err := strconv.Atoi(offsetStr); err == nil && v > 0 {
		o = v
	}
	return l, o
}
