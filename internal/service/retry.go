// retry.go — Retry / Dead-letter Manager: обработка конверта из
// очереди, экспоненциальный backoff, перевод в dead-letter и
// административные replay/cancel.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/gocontentflow/ingest-module/internal/domain/lifecycle"
	"github.com/bigkaa/gocontentflow/ingest-module/internal/domain/model"
	"github.com/bigkaa/gocontentflow/ingest-module/internal/queue"
	"github.com/bigkaa/gocontentflow/ingest-module/internal/repository"
)

// Prometheus-метрики менеджера повторов.
var (
	retriesScheduledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_retries_scheduled_total",
		Help: "Количество запланированных повторов обработки конвертов.",
	})
	deadLettersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "im_dead_letters_total",
		Help: "Количество конвертов, переведённых в dead-letter, по причинам.",
	}, []string{"reason"})
	recoveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_recovered_envelopes_total",
		Help: "Количество конвертов, восстановленных после рестарта или зависания.",
	})
)

const (
	// staleAfter — порог, после которого pending/processing конверт
	// считается застрявшим (процесс упал, не зафиксировав исход)
	staleAfter = 5 * time.Minute
	// schedulerBatch — размер выборки планировщика за один тик
	schedulerBatch = 100
)

// Processor выполняет одну попытку обработки конверта.
// Реализуется координатором (Coordinator).
type Processor interface {
	Process(ctx context.Context, e *model.Envelope) *ProcessOutcome
}

// Enqueuer ставит сообщение во внутреннюю очередь источника.
type Enqueuer interface {
	Enqueue(msg queue.Message) error
}

// RetryManager — менеджер повторов и dead-letter.
//
// Handle — обработчик внутренней очереди: захват конверта через
// условный переход в processing, попытка обработки, фиксация исхода.
// Фоновый планировщик возвращает в очередь конверты с наступившим
// сроком повтора и застрявшие после рестарта.
type RetryManager struct {
	envRepo   repository.EnvelopeRepository
	processor Processor
	audit     *AuditService
	enqueuer  Enqueuer

	maxAttempts  int
	baseDelay    time.Duration
	maxDelay     time.Duration
	pollInterval time.Duration

	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRetryManager создаёт менеджер повторов.
func NewRetryManager(
	envRepo repository.EnvelopeRepository,
	processor Processor,
	audit *AuditService,
	enqueuer Enqueuer,
	maxAttempts int,
	baseDelay, maxDelay, pollInterval time.Duration,
	logger *slog.Logger,
) *RetryManager {
	return &RetryManager{
		envRepo:      envRepo,
		processor:    processor,
		audit:        audit,
		enqueuer:     enqueuer,
		maxAttempts:  maxAttempts,
		baseDelay:    baseDelay,
		maxDelay:     maxDelay,
		pollInterval: pollInterval,
		logger:       logger.With(slog.String("component", "retry_manager")),
	}
}

// Backoff возвращает задержку перед повтором после attempt неудачных
// попыток: base * 2^(attempt-1), с потолком maxDelay и джиттером до 20%.
func (m *RetryManager) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := m.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= m.maxDelay {
			delay = m.maxDelay
			break
		}
	}

	// Джиттер разносит повторы конвертов, отложенных одной волной
	jitter := time.Duration(rand.Int64N(int64(delay)/5 + 1))
	if delay+jitter > m.maxDelay {
		return m.maxDelay
	}
	return delay + jitter
}

// Handle — обработчик сообщения внутренней очереди (queue.Handler).
func (m *RetryManager) Handle(ctx context.Context, msg queue.Message) {
	logger := m.logger.With(
		slog.String("source", msg.Source),
		slog.String("idempotency_key", msg.IdempotencyKey),
	)

	e, err := m.envRepo.ClaimForProcessing(ctx, msg.Source, msg.IdempotencyKey)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrInvalidState):
			// Повторная постановка того же конверта — захват уже состоялся
			logger.Debug("Конверт не готов к обработке, пропуск")
		case errors.Is(err, repository.ErrNotFound):
			logger.Warn("Конверт из очереди не найден в хранилище")
		default:
			// Конверт остался в прежнем статусе, его вернёт планировщик
			logger.Error("Ошибка захвата конверта", slog.String("error", err.Error()))
		}
		return
	}

	outcome := m.processor.Process(ctx, e)

	switch outcome.Kind {
	case OutcomeCommitted:
		// Переход конверта в committed выполнен в транзакции коммита
		m.audit.RecordCommit(ctx, e, &CommitResult{
			ContentID: outcome.ContentID,
			Version: &model.ContentVersion{
				VersionID:     outcome.VersionID,
				VersionNumber: outcome.VersionNumber,
			},
		})
		logger.Info("Конверт обработан",
			slog.String("content_id", outcome.ContentID),
			slog.Int("version", outcome.VersionNumber),
			slog.Int("attempts", e.Attempts),
		)

	case OutcomeFailed:
		m.deadLetter(ctx, e, "permanent", strings.Join(outcome.Errors, "; "))

	case OutcomeRetryable:
		m.scheduleOrDeadLetter(ctx, e, strings.Join(outcome.Errors, "; "))

	case OutcomeSuperseded:
		// Конверт отменён оператором во время обработки, версия не записана
		logger.Warn("Конверт покинул обработку до коммита",
			slog.String("detail", strings.Join(outcome.Errors, "; ")))
	}
}

// scheduleOrDeadLetter откладывает конверт до следующей попытки либо
// переводит его в dead-letter при исчерпании бюджета попыток.
func (m *RetryManager) scheduleOrDeadLetter(ctx context.Context, e *model.Envelope, lastError string) {
	if err := lifecycle.Validate(e.Status, model.StatusRetryScheduled); err != nil {
		m.logger.Error("Повтор не запланирован",
			slog.String("source", e.Source),
			slog.String("idempotency_key", e.IdempotencyKey),
			slog.String("error", err.Error()),
		)
		return
	}

	if e.Attempts >= m.maxAttempts {
		m.deadLetter(ctx, e, "exhausted",
			fmt.Sprintf("исчерпан бюджет попыток (%d): %s", m.maxAttempts, lastError))
		return
	}

	next := time.Now().Add(m.Backoff(e.Attempts))
	if err := m.envRepo.MarkRetryScheduled(ctx, e.Source, e.IdempotencyKey, next, lastError); err != nil {
		m.logger.Error("Ошибка планирования повтора",
			slog.String("source", e.Source),
			slog.String("idempotency_key", e.IdempotencyKey),
			slog.String("error", err.Error()),
		)
		return
	}

	retriesScheduledTotal.Inc()
	m.logger.Info("Повтор обработки запланирован",
		slog.String("source", e.Source),
		slog.String("idempotency_key", e.IdempotencyKey),
		slog.Int("attempts", e.Attempts),
		slog.Time("next_attempt_at", next),
		slog.String("last_error", lastError),
	)
}

// deadLetter переводит конверт в терминальное dead_lettered.
func (m *RetryManager) deadLetter(ctx context.Context, e *model.Envelope, reason, lastError string) {
	if err := lifecycle.Validate(e.Status, model.StatusDeadLettered); err != nil {
		m.logger.Error("Конверт не переведён в dead-letter",
			slog.String("source", e.Source),
			slog.String("idempotency_key", e.IdempotencyKey),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := m.envRepo.MarkDeadLettered(ctx, e.Source, e.IdempotencyKey, lastError); err != nil {
		m.logger.Error("Ошибка перевода конверта в dead-letter",
			slog.String("source", e.Source),
			slog.String("idempotency_key", e.IdempotencyKey),
			slog.String("error", err.Error()),
		)
		return
	}

	deadLettersTotal.WithLabelValues(reason).Inc()
	m.audit.RecordDeadLetter(ctx, e, lastError)
	m.logger.Warn("Конверт переведён в dead-letter",
		slog.String("source", e.Source),
		slog.String("idempotency_key", e.IdempotencyKey),
		slog.String("reason", reason),
		slog.Int("attempts", e.Attempts),
		slog.String("last_error", lastError),
	)
}

// Start запускает фоновый планировщик повторов.
func (m *RetryManager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.pollInterval)
		defer ticker.Stop()

		m.logger.Info("Планировщик повторов запущен",
			slog.Duration("poll_interval", m.pollInterval))

		for {
			select {
			case <-ctx.Done():
				m.logger.Info("Планировщик повторов остановлен")
				return
			case <-ticker.C:
				m.pollDueRetries(ctx)
				m.recoverStale(ctx)
			}
		}
	}()
}

// Stop останавливает планировщик и дожидается завершения.
func (m *RetryManager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// pollDueRetries ставит в очередь конверты с наступившим сроком повтора.
func (m *RetryManager) pollDueRetries(ctx context.Context) {
	due, err := m.envRepo.ListDueRetries(ctx, time.Now(), schedulerBatch)
	if err != nil {
		m.logger.Error("Ошибка выборки конвертов для повтора",
			slog.String("error", err.Error()))
		return
	}

	for _, e := range due {
		m.requeue(e, "retry")
	}
}

// recoverStale возвращает в очередь конверты, застрявшие в pending
// или processing (рестарт процесса: внутренняя очередь не durable).
func (m *RetryManager) recoverStale(ctx context.Context) {
	recovered, err := m.envRepo.RecoverStale(ctx, staleAfter, schedulerBatch)
	if err != nil {
		m.logger.Error("Ошибка восстановления застрявших конвертов",
			slog.String("error", err.Error()))
		return
	}

	for _, e := range recovered {
		recoveredTotal.Inc()
		m.requeue(e, "recovery")
	}
}

func (m *RetryManager) requeue(e *model.Envelope, cause string) {
	err := m.enqueuer.Enqueue(queue.Message{
		Source:         e.Source,
		IdempotencyKey: e.IdempotencyKey,
	})
	if err != nil {
		// Очередь переполнена — конверт возьмёт следующий тик
		m.logger.Warn("Не удалось вернуть конверт в очередь",
			slog.String("source", e.Source),
			slog.String("idempotency_key", e.IdempotencyKey),
			slog.String("cause", cause),
			slog.String("error", err.Error()),
		)
	}
}

// Replay возвращает dead_lettered конверт в обработку.
// Административная операция: счётчик попыток обнуляется.
func (m *RetryManager) Replay(ctx context.Context, source, key string) (*model.Envelope, error) {
	if err := m.envRepo.ResetForReplay(ctx, source, key); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrNotFound
		case errors.Is(err, repository.ErrInvalidState):
			return nil, fmt.Errorf("%w: replay доступен только для dead_lettered конвертов", ErrEnvelopeState)
		}
		return nil, err
	}

	e, err := m.envRepo.Get(ctx, source, key)
	if err != nil {
		return nil, err
	}

	m.requeue(e, "replay")
	m.logger.Info("Конверт возвращён в обработку",
		slog.String("source", source),
		slog.String("idempotency_key", key),
	)
	return e, nil
}

// Cancel окончательно отменяет конверт, ожидающий повтора.
// Административная операция: конверт переводится в dead_lettered.
func (m *RetryManager) Cancel(ctx context.Context, source, key, reason string) (*model.Envelope, error) {
	lastError := "отменён оператором"
	if reason != "" {
		lastError += ": " + reason
	}

	if err := m.envRepo.MarkDeadLettered(ctx, source, key, lastError); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrNotFound
		case errors.Is(err, repository.ErrInvalidState):
			return nil, fmt.Errorf("%w: конверт уже в терминальном статусе", ErrEnvelopeState)
		}
		return nil, err
	}

	e, err := m.envRepo.Get(ctx, source, key)
	if err != nil {
		return nil, err
	}

	deadLettersTotal.WithLabelValues("cancelled").Inc()
	m.audit.RecordDeadLetter(ctx, e, lastError)
	return e, nil
}

// ListDeadLettered возвращает dead_lettered конверты для инспекции.
func (m *RetryManager) ListDeadLettered(ctx context.Context, limit, offset int) ([]*model.Envelope, int, error) {
	return m.envRepo.ListDeadLettered(ctx, limit, offset)
}
