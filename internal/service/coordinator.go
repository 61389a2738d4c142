// coordinator.go — Processing Coordinator: параллельный fan-out конверта
// на сервисы обработки, агрегация результатов и коммит версии.
//
// Координатор одноразовый в пределах попытки: результаты отставших
// сервисов после таймаута отбрасываются, частичные метаданные
// не сохраняются (агрегация всё-или-ничего).
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/gocontentflow/ingest-module/internal/domain/model"
	"github.com/bigkaa/gocontentflow/ingest-module/internal/procclient"
)

// Prometheus-метрики координатора.
var (
	processOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "im_process_outcomes_total",
		Help: "Количество обработанных конвертов по исходам координатора.",
	}, []string{"outcome"}) // outcome: committed, failed, retryable

	fanoutDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "im_fanout_duration_seconds",
		Help:    "Длительность fan-out конверта на сервисы обработки.",
		Buckets: prometheus.DefBuckets,
	})
)

// ProcessingClient — клиент одного сервиса обработки.
// Реализуется procclient.Client; в тестах — моками.
type ProcessingClient interface {
	Name() string
	Process(ctx context.Context, op model.Operation, payload model.Payload) (*procclient.Result, error)
}

// OutcomeKind — исход обработки конверта координатором.
type OutcomeKind string

const (
	// OutcomeCommitted — версия контента записана,
	// конверт переведён в committed в той же транзакции
	OutcomeCommitted OutcomeKind = "committed"
	// OutcomeFailed — постоянный отказ, повтор бессмыслен
	OutcomeFailed OutcomeKind = "failed"
	// OutcomeRetryable — временный отказ, конверт можно повторить
	OutcomeRetryable OutcomeKind = "retryable"
	// OutcomeSuperseded — конверт за время обработки покинул processing
	// (отмена оператором), версия не записана
	OutcomeSuperseded OutcomeKind = "superseded"
)

// ProcessOutcome — результат одной попытки обработки конверта.
type ProcessOutcome struct {
	Kind OutcomeKind
	// ContentID и VersionID заполнены для committed
	ContentID     string
	VersionID     string
	VersionNumber int
	// Errors — ошибки сервисов или хранилища (для failed/retryable)
	Errors []string
}

// Committer выполняет транзакционный коммит версии контента.
// Реализуется ContentService; в тестах — моками.
type Committer interface {
	Commit(ctx context.Context, req *CommitRequest) (*CommitResult, error)
}

// Coordinator — Processing Coordinator.
type Coordinator struct {
	clients        []ProcessingClient
	content        Committer
	pool           *ants.Pool
	serviceTimeout time.Duration
	logger         *slog.Logger
}

// NewCoordinator создаёт координатор обработки.
// poolSize ограничивает суммарное количество параллельных вызовов
// сервисов обработки по всем конвертам.
func NewCoordinator(
	clients []ProcessingClient,
	content Committer,
	poolSize int,
	serviceTimeout time.Duration,
	logger *slog.Logger,
) (*Coordinator, error) {
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания пула воркеров: %w", err)
	}

	return &Coordinator{
		clients:        clients,
		content:        content,
		pool:           pool,
		serviceTimeout: serviceTimeout,
		logger:         logger.With(slog.String("component", "coordinator")),
	}, nil
}

// Release освобождает пул воркеров.
func (c *Coordinator) Release() {
	c.pool.Release()
}

// serviceResult — результат вызова одного сервиса обработки.
type serviceResult struct {
	name   string
	result *procclient.Result
	err    error
}

// Process выполняет одну попытку обработки конверта:
// fan-out на применимые сервисы, агрегация, коммит при полном успехе.
func (c *Coordinator) Process(ctx context.Context, e *model.Envelope) *ProcessOutcome {
	outcome := c.process(ctx, e)
	processOutcomesTotal.WithLabelValues(string(outcome.Kind)).Inc()
	return outcome
}

func (c *Coordinator) process(ctx context.Context, e *model.Envelope) *ProcessOutcome {
	clients := c.applicableClients(e.Operation)

	results := c.fanOut(ctx, e, clients)

	// Классификация: любой permanent — failed, любой transient — retryable
	var errs []string
	retryable := false
	for _, r := range results {
		if r.err == nil {
			continue
		}
		errs = append(errs, r.err.Error())
		var svcErr *procclient.ServiceError
		if errors.As(r.err, &svcErr) && svcErr.Transient {
			retryable = true
		}
	}
	if len(errs) > 0 {
		if retryable && !hasPermanent(results) {
			return &ProcessOutcome{Kind: OutcomeRetryable, Errors: errs}
		}
		return &ProcessOutcome{Kind: OutcomeFailed, Errors: errs}
	}

	merged := c.merge(e.Payload, clients, results)

	commit, err := c.content.Commit(ctx, &CommitRequest{
		Source:         e.Source,
		IdempotencyKey: e.IdempotencyKey,
		Operation:      e.Operation,
		ContentID:      e.ContentID,
		Payload:        merged,
		Actor:          e.Source,
	})
	if err != nil {
		if errors.Is(err, ErrEnvelopeState) {
			// Конверт отменён во время обработки, транзакция откачена
			return &ProcessOutcome{Kind: OutcomeSuperseded, Errors: []string{err.Error()}}
		}
		if isPermanentCommitError(err) {
			return &ProcessOutcome{Kind: OutcomeFailed, Errors: []string{err.Error()}}
		}
		// Конфликт аллокации версии, исчерпание пула, обрыв соединения —
		// временные отказы хранилища
		return &ProcessOutcome{Kind: OutcomeRetryable, Errors: []string{err.Error()}}
	}

	return &ProcessOutcome{
		Kind:          OutcomeCommitted,
		ContentID:     commit.ContentID,
		VersionID:     commit.Version.VersionID,
		VersionNumber: commit.Version.VersionNumber,
	}
}

// applicableClients возвращает сервисы, применимые к операции.
// create/update обрабатываются всеми сервисами, delete — только validation.
func (c *Coordinator) applicableClients(op model.Operation) []ProcessingClient {
	if op != model.OpDelete {
		return c.clients
	}
	var applicable []ProcessingClient
	for _, client := range c.clients {
		if client.Name() == "validation" {
			applicable = append(applicable, client)
		}
	}
	return applicable
}

// fanOut параллельно вызывает сервисы обработки через пул воркеров.
// Каждый вызов ограничен serviceTimeout; отставшие вызовы отменяются,
// их возможный результат игнорируется.
func (c *Coordinator) fanOut(ctx context.Context, e *model.Envelope, clients []ProcessingClient) []serviceResult {
	results := make([]serviceResult, len(clients))
	var wg sync.WaitGroup

	start := time.Now()
	for i, client := range clients {
		i, client := i, client
		wg.Add(1)

		task := func() {
			defer wg.Done()

			callCtx, cancel := context.WithTimeout(ctx, c.serviceTimeout)
			defer cancel()

			res, err := client.Process(callCtx, e.Operation, e.Payload)
			results[i] = serviceResult{name: client.Name(), result: res, err: err}
		}

		if err := c.pool.Submit(task); err != nil {
			wg.Done()
			results[i] = serviceResult{
				name: client.Name(),
				err: &procclient.ServiceError{
					Service:   client.Name(),
					Transient: true,
					Reason:    fmt.Sprintf("пул воркеров недоступен: %v", err),
				},
			}
		}
	}

	wg.Wait()
	fanoutDuration.Observe(time.Since(start).Seconds())
	return results
}

// merge объединяет полезную нагрузку конверта с результатами сервисов.
// Порядок применения — порядок конфигурации сервисов (детерминированный):
// непустой текст сервиса замещает текущий, метаданные накапливаются.
func (c *Coordinator) merge(base model.Payload, clients []ProcessingClient, results []serviceResult) model.Payload {
	merged := model.Payload{
		ContentText: base.ContentText,
		Metadata:    map[string]string{},
	}
	for k, v := range base.Metadata {
		merged.Metadata[k] = v
	}

	for i := range clients {
		r := results[i].result
		if r == nil {
			continue
		}
		if r.ContentText != "" {
			merged.ContentText = r.ContentText
		}
		for k, v := range r.Metadata {
			merged.Metadata[k] = v
		}
	}
	return merged
}

// hasPermanent сообщает, есть ли среди результатов permanent-отказ.
func hasPermanent(results []serviceResult) bool {
	for _, r := range results {
		if r.err == nil {
			continue
		}
		var svcErr *procclient.ServiceError
		if errors.As(r.err, &svcErr) && !svcErr.Transient {
			return true
		}
	}
	return false
}

// isPermanentCommitError классифицирует ошибку коммита.
// Отсутствие целевого контента и некорректные метаданные — постоянные
// отказы; всё остальное (гонки, недоступность БД) — временные.
func isPermanentCommitError(err error) bool {
	return errors.Is(err, ErrContentNotFound) ||
		errors.Is(err, ErrMetadataInvalid) ||
		errors.Is(err, ErrValidation)
}
