// router.go — Ingestion Router: валидация, дедупликация и постановка
// входящих конвертов в очереди источников.
//
// Семантика exactly-once поверх at-least-once доставки: конверт
// с уже известным ключом идемпотентности возвращает сохранённый исход
// без повторной диспетчеризации.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/bigkaa/gocontentflow/ingest-module/internal/domain/model"
	"github.com/bigkaa/gocontentflow/ingest-module/internal/queue"
	"github.com/bigkaa/gocontentflow/ingest-module/internal/repository"
)

// Prometheus-метрики маршрутизации.
var (
	routedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "im_envelopes_routed_total",
		Help: "Количество конвертов по исходам маршрутизации.",
	}, []string{"source", "outcome"}) // outcome: accepted, duplicate, rejected
)

// payloadSchema — JSON Schema полезной нагрузки для create/update.
// content_text обязателен и непуст, метаданные — пары строка → строка.
const payloadSchema = `{
	"type": "object",
	"properties": {
		"content_text": {"type": "string", "minLength": 1},
		"metadata": {
			"type": "object",
			"additionalProperties": {"type": "string"}
		}
	},
	"required": ["content_text"]
}`

// deletePayloadSchema — JSON Schema полезной нагрузки для delete.
// Текст не требуется, метаданные допустимы.
const deletePayloadSchema = `{
	"type": "object",
	"properties": {
		"content_text": {"type": "string"},
		"metadata": {
			"type": "object",
			"additionalProperties": {"type": "string"}
		}
	}
}`

// RouteStatus — исход маршрутизации конверта.
type RouteStatus string

const (
	// RouteAccepted — конверт принят и поставлен в очередь
	RouteAccepted RouteStatus = "accepted"
	// RouteDuplicate — ключ уже известен, возвращён сохранённый исход
	RouteDuplicate RouteStatus = "duplicate"
	// RouteRejected — конверт не прошёл валидацию
	RouteRejected RouteStatus = "rejected"
)

// RouteOutcome — результат маршрутизации.
type RouteOutcome struct {
	Status RouteStatus
	// Envelope — сохранённое состояние конверта (для duplicate — прежний исход)
	Envelope *model.Envelope
	// Reason — причина отклонения (для rejected)
	Reason string
}

// Router — Ingestion Router.
type Router struct {
	envRepo    repository.EnvelopeRepository
	audit      *AuditService
	dispatcher *queue.Dispatcher
	mutateSch  *jsonschema.Schema
	deleteSch  *jsonschema.Schema
	logger     *slog.Logger
}

// NewRouter создаёт Ingestion Router.
// Компилирует JSON-схемы полезной нагрузки; ошибка компиляции — фатальная.
func NewRouter(
	envRepo repository.EnvelopeRepository,
	audit *AuditService,
	dispatcher *queue.Dispatcher,
	logger *slog.Logger,
) (*Router, error) {
	mutateSch, err := compileSchema("payload.json", payloadSchema)
	if err != nil {
		return nil, fmt.Errorf("схема payload: %w", err)
	}
	deleteSch, err := compileSchema("delete_payload.json", deletePayloadSchema)
	if err != nil {
		return nil, fmt.Errorf("схема delete payload: %w", err)
	}

	return &Router{
		envRepo:    envRepo,
		audit:      audit,
		dispatcher: dispatcher,
		mutateSch:  mutateSch,
		deleteSch:  deleteSch,
		logger:     logger.With(slog.String("component", "router")),
	}, nil
}

// compileSchema компилирует JSON Schema из строки.
func compileSchema(name, raw string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(name)
}

// Route принимает конверт от системы-источника.
//
// Валидация формы, дедупликация по (source, idempotency_key),
// сохранение в Envelope Store и постановка в очередь источника.
// Подтверждением приёма служит запись конверта: при переполнении
// очереди конверт остаётся pending и будет восстановлен планировщиком.
func (r *Router) Route(ctx context.Context, e *model.Envelope) (*RouteOutcome, error) {
	if reason := r.validate(e); reason != "" {
		return r.reject(ctx, e, reason)
	}

	e.Status = model.StatusPending
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}

	if err := r.envRepo.Insert(ctx, e); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// Повторная доставка: возвращаем сохранённый исход без обработки
			prior, getErr := r.envRepo.Get(ctx, e.Source, e.IdempotencyKey)
			if getErr != nil {
				return nil, fmt.Errorf("получение прежнего исхода конверта: %w", getErr)
			}
			routedTotal.WithLabelValues(e.Source, string(RouteDuplicate)).Inc()
			r.logger.Debug("Дубликат конверта",
				slog.String("source", e.Source),
				slog.String("key", e.IdempotencyKey),
				slog.String("prior_status", string(prior.Status)),
			)
			return &RouteOutcome{Status: RouteDuplicate, Envelope: prior}, nil
		}
		return nil, fmt.Errorf("сохранение конверта: %w", err)
	}

	if err := r.dispatcher.Enqueue(queue.Message{
		Source:         e.Source,
		IdempotencyKey: e.IdempotencyKey,
	}); err != nil {
		// Конверт записан как pending — его подхватит восстановление.
		r.logger.Warn("Конверт записан, но не поставлен в очередь",
			slog.String("source", e.Source),
			slog.String("key", e.IdempotencyKey),
			slog.String("error", err.Error()),
		)
	}

	routedTotal.WithLabelValues(e.Source, string(RouteAccepted)).Inc()
	r.logger.Info("Конверт принят",
		slog.String("source", e.Source),
		slog.String("key", e.IdempotencyKey),
		slog.String("operation", string(e.Operation)),
	)
	return &RouteOutcome{Status: RouteAccepted, Envelope: e}, nil
}

// Get возвращает сохранённое состояние конверта.
func (r *Router) Get(ctx context.Context, source, key string) (*model.Envelope, error) {
	e, err := r.envRepo.Get(ctx, source, key)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

// validate проверяет форму конверта. Возвращает причину отклонения
// или пустую строку, если конверт корректен.
func (r *Router) validate(e *model.Envelope) string {
	if strings.TrimSpace(e.Source) == "" {
		return "не указан источник"
	}
	if strings.TrimSpace(e.IdempotencyKey) == "" {
		return "не указан ключ идемпотентности"
	}

	op, ok := model.ParseOperation(string(e.Operation))
	if !ok {
		return fmt.Sprintf("неизвестная операция %q", e.Operation)
	}

	switch op {
	case model.OpCreate:
		if e.ContentID != "" {
			return "content_id не допускается для create"
		}
	case model.OpUpdate, model.OpDelete:
		if strings.TrimSpace(e.ContentID) == "" {
			return fmt.Sprintf("content_id обязателен для %s", op)
		}
		if err := uuid.Validate(e.ContentID); err != nil {
			return fmt.Sprintf("content_id %q должен быть UUID", e.ContentID)
		}
	}

	sch := r.deleteSch
	if op == model.OpCreate || op == model.OpUpdate {
		sch = r.mutateSch
	}
	if reason := validateAgainstSchema(sch, e.Payload); reason != "" {
		return reason
	}

	return ""
}

// validateAgainstSchema проверяет полезную нагрузку по JSON-схеме.
func validateAgainstSchema(sch *jsonschema.Schema, payload model.Payload) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("ошибка сериализации полезной нагрузки: %v", err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Sprintf("ошибка разбора полезной нагрузки: %v", err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Sprintf("полезная нагрузка не прошла валидацию: %v", err)
	}
	return ""
}

// reject записывает отклонённый конверт и факт аудита.
// Отклонённые конверты никогда не попадают в очередь обработки.
//
// Типизированные поля, не прошедшие валидацию, не сохраняются как есть:
// схема отвергла бы неизвестную операцию и не-UUID content_id. Сырые
// значения остаются в причине отклонения (last_error и запись аудита).
func (r *Router) reject(ctx context.Context, e *model.Envelope, reason string) (*RouteOutcome, error) {
	routedTotal.WithLabelValues(orUnknown(e.Source), string(RouteRejected)).Inc()
	r.logger.Warn("Конверт отклонён",
		slog.String("source", e.Source),
		slog.String("key", e.IdempotencyKey),
		slog.String("reason", reason),
	)

	rejected := *e
	rejected.Status = model.StatusRejected
	rejected.LastError = reason
	if rejected.ReceivedAt.IsZero() {
		rejected.ReceivedAt = time.Now().UTC()
	}
	if _, ok := model.ParseOperation(string(rejected.Operation)); !ok {
		rejected.Operation = ""
	}
	if rejected.ContentID != "" {
		if err := uuid.Validate(rejected.ContentID); err != nil {
			rejected.ContentID = ""
		}
	}

	// Сохраняем отклонённый конверт, только если его можно адресовать
	if rejected.Source != "" && rejected.IdempotencyKey != "" {
		if err := r.envRepo.Insert(ctx, &rejected); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				prior, getErr := r.envRepo.Get(ctx, rejected.Source, rejected.IdempotencyKey)
				if getErr != nil {
					return nil, fmt.Errorf("получение прежнего исхода конверта: %w", getErr)
				}
				return &RouteOutcome{Status: RouteDuplicate, Envelope: prior}, nil
			}
			return nil, fmt.Errorf("сохранение отклонённого конверта: %w", err)
		}

		r.audit.RecordRejection(ctx, &rejected, reason)
	}

	return &RouteOutcome{Status: RouteRejected, Envelope: &rejected, Reason: reason}, nil
}

// orUnknown возвращает "unknown" для пустого источника (лейблы метрик).
func orUnknown(source string) string {
	if source == "" {
		return "unknown"
	}
	return source
}
