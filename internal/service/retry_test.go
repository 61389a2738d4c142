package service

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/bigkaa/gocontentflow/ingest-module/internal/domain/model"
	"github.com/bigkaa/gocontentflow/ingest-module/internal/queue"
	"github.com/bigkaa/gocontentflow/ingest-module/internal/repository"
)

func newTestRetryManager(
	envRepo *mockEnvelopeRepo,
	processor Processor,
	enqueuer Enqueuer,
) *RetryManager {
	audit := NewAuditService(&mockAuditRepo{}, "", slog.Default())
	if enqueuer == nil {
		enqueuer = &mockEnqueuer{}
	}
	return NewRetryManager(envRepo, processor, audit, enqueuer,
		3, time.Second, time.Minute, time.Second, slog.Default())
}

// TestBackoff проверяет экспоненциальный рост задержки с потолком.
func TestBackoff(t *testing.T) {
	m := newTestRetryManager(&mockEnvelopeRepo{}, &mockProcessor{}, nil)

	// Задержка с джиттером: base*2^(n-1) <= delay <= min(base*2^(n-1)*1.2, max)
	cases := []struct {
		attempt  int
		min, max time.Duration
	}{
		{1, time.Second, 1200 * time.Millisecond},
		{2, 2 * time.Second, 2400 * time.Millisecond},
		{3, 4 * time.Second, 4800 * time.Millisecond},
		{10, time.Minute, time.Minute}, // потолок
	}

	for _, tc := range cases {
		for i := 0; i < 20; i++ {
			d := m.Backoff(tc.attempt)
			if d < tc.min || d > tc.max {
				t.Fatalf("Backoff(%d) = %s, ожидался диапазон [%s, %s]", tc.attempt, d, tc.min, tc.max)
			}
		}
	}
}

// TestHandle_Committed проверяет фиксацию успешной обработки:
// статус конверта уже переведён транзакцией коммита, обработчик
// пишет только запись аудита.
func TestHandle_Committed(t *testing.T) {
	e := processingEnvelope(model.OpCreate)

	envRepo := &mockEnvelopeRepo{
		claimFn: func(_ context.Context, _, _ string) (*model.Envelope, error) {
			return e, nil
		},
		markCommittedFn: func(_ context.Context, _, _, _ string) error {
			t.Error("переход в committed выполняется транзакцией коммита, не обработчиком")
			return nil
		},
	}
	var recorded *model.AuditRecord
	auditRepo := &mockAuditRepo{
		insertFn: func(_ context.Context, rec *model.AuditRecord) (bool, error) {
			recorded = rec
			return true, nil
		},
	}
	processor := &mockProcessor{
		processFn: func(_ context.Context, _ *model.Envelope) *ProcessOutcome {
			return &ProcessOutcome{
				Kind:          OutcomeCommitted,
				ContentID:     "c-1",
				VersionID:     "v-1",
				VersionNumber: 1,
			}
		},
	}
	m := NewRetryManager(envRepo, processor, NewAuditService(auditRepo, "", slog.Default()),
		&mockEnqueuer{}, 3, time.Second, time.Minute, time.Second, slog.Default())

	m.Handle(context.Background(), queue.Message{Source: "crm", IdempotencyKey: "key-1"})

	if recorded == nil {
		t.Fatal("запись аудита коммита не создана")
	}
	if recorded.Detail["version_id"] != "v-1" {
		t.Errorf(`Detail["version_id"] = %v, ожидался v-1`, recorded.Detail["version_id"])
	}
}

// TestHandle_Superseded проверяет, что отмена конверта во время
// обработки не оставляет следов: ни повтора, ни dead-letter, ни аудита.
func TestHandle_Superseded(t *testing.T) {
	e := processingEnvelope(model.OpUpdate)

	envRepo := &mockEnvelopeRepo{
		claimFn: func(_ context.Context, _, _ string) (*model.Envelope, error) {
			return e, nil
		},
		markRetryScheduledFn: func(_ context.Context, _, _ string, _ time.Time, _ string) error {
			t.Error("повтор не должен планироваться для отменённого конверта")
			return nil
		},
		markDeadLetteredFn: func(_ context.Context, _, _, _ string) error {
			t.Error("отменённый конверт уже в терминальном статусе")
			return nil
		},
	}
	auditRepo := &mockAuditRepo{
		insertFn: func(_ context.Context, _ *model.AuditRecord) (bool, error) {
			t.Error("запись аудита не должна создаваться без коммита")
			return false, nil
		},
	}
	processor := &mockProcessor{
		processFn: func(_ context.Context, _ *model.Envelope) *ProcessOutcome {
			return &ProcessOutcome{Kind: OutcomeSuperseded, Errors: []string{"конверт больше не в обработке"}}
		},
	}
	m := NewRetryManager(envRepo, processor, NewAuditService(auditRepo, "", slog.Default()),
		&mockEnqueuer{}, 3, time.Second, time.Minute, time.Second, slog.Default())

	m.Handle(context.Background(), queue.Message{Source: "crm", IdempotencyKey: "key-1"})
}

// TestHandle_ClaimInvalidState проверяет, что повторная постановка
// уже захваченного конверта пропускается без обработки.
func TestHandle_ClaimInvalidState(t *testing.T) {
	envRepo := &mockEnvelopeRepo{
		claimFn: func(_ context.Context, _, _ string) (*model.Envelope, error) {
			return nil, repository.ErrInvalidState
		},
	}
	processCalled := false
	processor := &mockProcessor{
		processFn: func(_ context.Context, _ *model.Envelope) *ProcessOutcome {
			processCalled = true
			return &ProcessOutcome{Kind: OutcomeCommitted}
		},
	}
	m := newTestRetryManager(envRepo, processor, nil)

	m.Handle(context.Background(), queue.Message{Source: "crm", IdempotencyKey: "key-1"})

	if processCalled {
		t.Error("обработка не должна запускаться без захвата конверта")
	}
}

// TestHandle_RetryScheduled проверяет планирование повтора при
// временном отказе в пределах бюджета попыток.
func TestHandle_RetryScheduled(t *testing.T) {
	e := processingEnvelope(model.OpUpdate)
	e.Attempts = 1

	var scheduledAt time.Time
	var lastError string
	envRepo := &mockEnvelopeRepo{
		claimFn: func(_ context.Context, _, _ string) (*model.Envelope, error) {
			return e, nil
		},
		markRetryScheduledFn: func(_ context.Context, _, _ string, nextAttemptAt time.Time, lastErr string) error {
			scheduledAt = nextAttemptAt
			lastError = lastErr
			return nil
		},
		markDeadLetteredFn: func(_ context.Context, _, _, _ string) error {
			t.Error("конверт не должен уходить в dead-letter при наличии бюджета попыток")
			return nil
		},
	}
	processor := &mockProcessor{
		processFn: func(_ context.Context, _ *model.Envelope) *ProcessOutcome {
			return &ProcessOutcome{Kind: OutcomeRetryable, Errors: []string{"таймаут translation"}}
		},
	}
	m := newTestRetryManager(envRepo, processor, nil)

	before := time.Now()
	m.Handle(context.Background(), queue.Message{Source: "crm", IdempotencyKey: "key-1"})

	if scheduledAt.IsZero() {
		t.Fatal("повтор не запланирован")
	}
	if scheduledAt.Before(before.Add(time.Second)) {
		t.Errorf("nextAttemptAt = %s, ожидалась задержка не меньше базовой", scheduledAt.Sub(before))
	}
	if lastError == "" {
		t.Error("lastError пуст")
	}
}

// TestHandle_ExhaustedGoesDeadLetter проверяет перевод в dead-letter
// при исчерпании бюджета попыток.
func TestHandle_ExhaustedGoesDeadLetter(t *testing.T) {
	e := processingEnvelope(model.OpUpdate)
	e.Attempts = 3 // maxAttempts в newTestRetryManager

	deadLettered := false
	envRepo := &mockEnvelopeRepo{
		claimFn: func(_ context.Context, _, _ string) (*model.Envelope, error) {
			return e, nil
		},
		markDeadLetteredFn: func(_ context.Context, _, _, _ string) error {
			deadLettered = true
			return nil
		},
		markRetryScheduledFn: func(_ context.Context, _, _ string, _ time.Time, _ string) error {
			t.Error("повтор не должен планироваться после исчерпания бюджета")
			return nil
		},
	}
	processor := &mockProcessor{
		processFn: func(_ context.Context, _ *model.Envelope) *ProcessOutcome {
			return &ProcessOutcome{Kind: OutcomeRetryable, Errors: []string{"таймаут"}}
		},
	}
	m := newTestRetryManager(envRepo, processor, nil)

	m.Handle(context.Background(), queue.Message{Source: "crm", IdempotencyKey: "key-1"})

	if !deadLettered {
		t.Error("конверт должен быть переведён в dead-letter")
	}
}

// TestHandle_PermanentGoesDeadLetter проверяет немедленный dead-letter
// при постоянном отказе, без учёта оставшихся попыток.
func TestHandle_PermanentGoesDeadLetter(t *testing.T) {
	e := processingEnvelope(model.OpCreate)
	e.Attempts = 1

	deadLettered := false
	envRepo := &mockEnvelopeRepo{
		claimFn: func(_ context.Context, _, _ string) (*model.Envelope, error) {
			return e, nil
		},
		markDeadLetteredFn: func(_ context.Context, _, _, _ string) error {
			deadLettered = true
			return nil
		},
	}
	processor := &mockProcessor{
		processFn: func(_ context.Context, _ *model.Envelope) *ProcessOutcome {
			return &ProcessOutcome{Kind: OutcomeFailed, Errors: []string{"запрещённый термин"}}
		},
	}
	m := newTestRetryManager(envRepo, processor, nil)

	m.Handle(context.Background(), queue.Message{Source: "crm", IdempotencyKey: "key-1"})

	if !deadLettered {
		t.Error("постоянный отказ должен немедленно переводить конверт в dead-letter")
	}
}

// TestReplay проверяет возврат dead_lettered конверта в обработку.
func TestReplay(t *testing.T) {
	e := processingEnvelope(model.OpUpdate)
	e.Status = model.StatusPending

	enq := &mockEnqueuer{}
	envRepo := &mockEnvelopeRepo{
		getFn: func(_ context.Context, _, _ string) (*model.Envelope, error) {
			return e, nil
		},
	}
	m := newTestRetryManager(envRepo, &mockProcessor{}, enq)

	replayed, err := m.Replay(context.Background(), "crm", "key-1")
	if err != nil {
		t.Fatalf("Replay ошибка: %v", err)
	}
	if replayed != e {
		t.Error("Replay должен вернуть конверт из хранилища")
	}
	if len(enq.msgs) != 1 {
		t.Fatalf("количество сообщений в очереди = %d, ожидалось 1", len(enq.msgs))
	}
}

// TestReplay_InvalidState проверяет отказ replay для не-dead_lettered конверта.
func TestReplay_InvalidState(t *testing.T) {
	envRepo := &mockEnvelopeRepo{
		resetForReplayFn: func(_ context.Context, _, _ string) error {
			return repository.ErrInvalidState
		},
	}
	m := newTestRetryManager(envRepo, &mockProcessor{}, nil)

	_, err := m.Replay(context.Background(), "crm", "key-1")
	if !errors.Is(err, ErrEnvelopeState) {
		t.Errorf("Replay = %v, ожидался ErrEnvelopeState", err)
	}
}

// TestCancel проверяет административную отмену конверта.
func TestCancel(t *testing.T) {
	e := processingEnvelope(model.OpUpdate)
	e.Status = model.StatusDeadLettered

	var lastError string
	envRepo := &mockEnvelopeRepo{
		markDeadLetteredFn: func(_ context.Context, _, _, lastErr string) error {
			lastError = lastErr
			return nil
		},
		getFn: func(_ context.Context, _, _ string) (*model.Envelope, error) {
			return e, nil
		},
	}
	m := newTestRetryManager(envRepo, &mockProcessor{}, nil)

	if _, err := m.Cancel(context.Background(), "crm", "key-1", "источник отозвал данные"); err != nil {
		t.Fatalf("Cancel ошибка: %v", err)
	}
	if lastError != "отменён оператором: источник отозвал данные" {
		t.Errorf("lastError = %q", lastError)
	}
}

// TestScheduler_RequeuesDueRetries проверяет, что планировщик возвращает
// в очередь конверты с наступившим сроком повтора.
func TestScheduler_RequeuesDueRetries(t *testing.T) {
	e := processingEnvelope(model.OpUpdate)

	enq := &mockEnqueuer{}
	envRepo := &mockEnvelopeRepo{
		listDueRetriesFn: func(_ context.Context, _ time.Time, _ int) ([]*model.Envelope, error) {
			return []*model.Envelope{e}, nil
		},
	}
	m := newTestRetryManager(envRepo, &mockProcessor{}, enq)

	m.pollDueRetries(context.Background())

	if len(enq.msgs) != 1 {
		t.Fatalf("количество сообщений = %d, ожидалось 1", len(enq.msgs))
	}
	if enq.msgs[0].IdempotencyKey != e.IdempotencyKey {
		t.Errorf("IdempotencyKey = %q", enq.msgs[0].IdempotencyKey)
	}
}

// TestDeadLetter_TerminalStatusGuard проверяет, что конверт
// в терминальном статусе не переводится в dead-letter повторно.
func TestDeadLetter_TerminalStatusGuard(t *testing.T) {
	e := processingEnvelope(model.OpUpdate)
	e.Status = model.StatusCommitted

	envRepo := &mockEnvelopeRepo{
		markDeadLetteredFn: func(_ context.Context, _, _, _ string) error {
			t.Error("переход из терминального статуса запрещён")
			return nil
		},
	}
	m := newTestRetryManager(envRepo, &mockProcessor{}, nil)

	m.deadLetter(context.Background(), e, "permanent", "ошибка")
}

// TestScheduleRetry_StatusGuard проверяет, что повтор планируется
// только из processing.
func TestScheduleRetry_StatusGuard(t *testing.T) {
	e := processingEnvelope(model.OpUpdate)
	e.Status = model.StatusDeadLettered

	envRepo := &mockEnvelopeRepo{
		markRetryScheduledFn: func(_ context.Context, _, _ string, _ time.Time, _ string) error {
			t.Error("переход dead_lettered → retry_scheduled запрещён")
			return nil
		},
		markDeadLetteredFn: func(_ context.Context, _, _, _ string) error {
			t.Error("конверт уже в dead_lettered")
			return nil
		},
	}
	m := newTestRetryManager(envRepo, &mockProcessor{}, nil)

	m.scheduleOrDeadLetter(context.Background(), e, "таймаут")
}

// TestScheduler_RecoversStale проверяет восстановление застрявших конвертов.
func TestScheduler_RecoversStale(t *testing.T) {
	e := processingEnvelope(model.OpCreate)
	e.Status = model.StatusPending

	enq := &mockEnqueuer{}
	envRepo := &mockEnvelopeRepo{
		recoverStaleFn: func(_ context.Context, _ time.Duration, _ int) ([]*model.Envelope, error) {
			return []*model.Envelope{e}, nil
		},
	}
	m := newTestRetryManager(envRepo, &mockProcessor{}, enq)

	m.recoverStale(context.Background())

	if len(enq.msgs) != 1 {
		t.Fatalf("количество сообщений = %d, ожидалось 1", len(enq.msgs))
	}
}
