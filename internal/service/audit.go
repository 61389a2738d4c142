// audit.go — Audit Log: запись неизменяемых фактов о мутирующих
// операциях и уведомление внешней compliance-системы об удалениях.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/gocontentflow/ingest-module/internal/domain/model"
	"github.com/bigkaa/gocontentflow/ingest-module/internal/repository"
)

// Prometheus-метрики журнала аудита.
var (
	auditRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "im_audit_records_total",
		Help: "Количество записей аудита по видам операций.",
	}, []string{"operation"})

	complianceNotifyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "im_compliance_notifications_total",
		Help: "Количество уведомлений compliance-системы по результату.",
	}, []string{"outcome"})

	auditWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_audit_write_failures_total",
		Help: "Количество записей аудита, потерянных после исчерпания попыток записи.",
	})
)

// Бюджет попыток записи аудита: запись после успешного коммита
// не диспетчеризуется повторно, поэтому вставка повторяется на месте,
// а потеря фиксируется отдельной метрикой для алертинга.
const (
	auditInsertAttempts = 3
	auditInsertBackoff  = 100 * time.Millisecond
)

// операция конверта → вид аудируемой операции
var auditOps = map[model.Operation]model.AuditOperation{
	model.OpCreate: model.AuditCreate,
	model.OpUpdate: model.AuditUpdate,
	model.OpDelete: model.AuditDelete,
}

// AuditService — сервис журнала аудита.
//
// Ошибка записи аудита не прерывает обработку конверта: вставка
// повторяется на месте, потеря после исчерпания попыток фиксируется
// метрикой im_audit_write_failures_total.
type AuditService struct {
	repo       repository.AuditRepository
	webhookURL string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAuditService создаёт сервис аудита.
// webhookURL — адрес compliance-системы; пустая строка отключает уведомления.
func NewAuditService(repo repository.AuditRepository, webhookURL string, logger *slog.Logger) *AuditService {
	return &AuditService{
		repo:       repo,
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With(slog.String("component", "audit")),
	}
}

// CorrelationID возвращает идентификатор корреляции конверта.
func CorrelationID(e *model.Envelope) string {
	return e.Source + ":" + e.IdempotencyKey
}

// RecordCommit записывает факт закоммиченной мутации контента.
// Для операции delete дополнительно уведомляет compliance-систему.
func (s *AuditService) RecordCommit(ctx context.Context, e *model.Envelope, commit *CommitResult) {
	op, ok := auditOps[e.Operation]
	if !ok {
		s.logger.Error("Неизвестная операция конверта в аудите",
			slog.String("operation", string(e.Operation)))
		return
	}

	rec := &model.AuditRecord{
		CorrelationID: CorrelationID(e),
		Operation:     op,
		ResourceType:  "content",
		ResourceID:    commit.ContentID,
		Actor:         e.Source,
		Detail: map[string]any{
			"version_id":     commit.Version.VersionID,
			"version_number": commit.Version.VersionNumber,
		},
	}
	s.insert(ctx, rec)

	if e.Operation == model.OpDelete {
		s.notifyCompliance(rec)
	}
}

// RecordRejection записывает факт отклонения конверта на валидации.
func (s *AuditService) RecordRejection(ctx context.Context, e *model.Envelope, reason string) {
	s.insert(ctx, &model.AuditRecord{
		CorrelationID: CorrelationID(e),
		Operation:     model.AuditReject,
		ResourceType:  "envelope",
		ResourceID:    CorrelationID(e),
		Actor:         e.Source,
		Detail:        map[string]any{"reason": reason},
	})
}

// RecordDeadLetter записывает факт перевода конверта в dead-letter.
func (s *AuditService) RecordDeadLetter(ctx context.Context, e *model.Envelope, reason string) {
	s.insert(ctx, &model.AuditRecord{
		CorrelationID: CorrelationID(e),
		Operation:     model.AuditDeadLetter,
		ResourceType:  "envelope",
		ResourceID:    CorrelationID(e),
		Actor:         e.Source,
		Detail: map[string]any{
			"reason":   reason,
			"attempts": e.Attempts,
		},
	})
}

// ListByResource возвращает записи аудита ресурса.
func (s *AuditService) ListByResource(ctx context.Context, resourceType, resourceID string) ([]*model.AuditRecord, error) {
	return s.repo.ListByResource(ctx, resourceType, resourceID)
}

func (s *AuditService) insert(ctx context.Context, rec *model.AuditRecord) {
	var lastErr error
	for attempt := 1; attempt <= auditInsertAttempts; attempt++ {
		inserted, err := s.repo.Insert(ctx, rec)
		if err == nil {
			if inserted {
				auditRecordsTotal.WithLabelValues(string(rec.Operation)).Inc()
			}
			return
		}
		lastErr = err

		if attempt < auditInsertAttempts {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = auditInsertAttempts
			case <-time.After(time.Duration(attempt) * auditInsertBackoff):
			}
		}
	}

	auditWriteFailures.Inc()
	s.logger.Error("Запись аудита потеряна после исчерпания попыток",
		slog.String("correlation_id", rec.CorrelationID),
		slog.String("operation", string(rec.Operation)),
		slog.String("error", lastErr.Error()),
	)
}

// notifyCompliance асинхронно уведомляет внешнюю систему об удалении.
// Лучший из возможных вариантов доставки: ошибка фиксируется в метрике
// и логе, но не влияет на результат обработки конверта.
func (s *AuditService) notifyCompliance(rec *model.AuditRecord) {
	if s.webhookURL == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.postNotification(ctx, rec); err != nil {
			complianceNotifyTotal.WithLabelValues("error").Inc()
			s.logger.Error("Ошибка уведомления compliance-системы",
				slog.String("content_id", rec.ResourceID),
				slog.String("error", err.Error()),
			)
			return
		}
		complianceNotifyTotal.WithLabelValues("ok").Inc()
	}()
}

func (s *AuditService) postNotification(ctx context.Context, rec *model.AuditRecord) error {
	body, err := json.Marshal(map[string]any{
		"event":          "content_deleted",
		"content_id":     rec.ResourceID,
		"correlation_id": rec.CorrelationID,
		"actor":          rec.Actor,
		"detail":         rec.Detail,
	})
	if err != nil {
		return fmt.Errorf("ошибка сериализации уведомления: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ошибка создания запроса: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ошибка отправки уведомления: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("compliance-система вернула статус %d", resp.StatusCode)
	}
	return nil
}
