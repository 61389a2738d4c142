package service

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/bigkaa/gocontentflow/ingest-module/internal/domain/model"
	"github.com/bigkaa/gocontentflow/ingest-module/internal/queue"
	"github.com/bigkaa/gocontentflow/ingest-module/internal/repository"
)

// newTestRouter создаёт Router с моками и работающим диспетчером.
func newTestRouter(t *testing.T, envRepo *mockEnvelopeRepo) *Router {
	t.Helper()

	dispatcher := queue.NewDispatcher(16, func(_ context.Context, _ queue.Message) {}, slog.Default())
	dispatcher.Start(context.Background())
	t.Cleanup(dispatcher.Stop)

	audit := NewAuditService(&mockAuditRepo{}, "", slog.Default())

	router, err := NewRouter(envRepo, audit, dispatcher, slog.Default())
	if err != nil {
		t.Fatalf("NewRouter ошибка: %v", err)
	}
	return router
}

func validEnvelope() *model.Envelope {
	return &model.Envelope{
		Source:         "crm",
		IdempotencyKey: "key-1",
		Operation:      model.OpCreate,
		Payload: model.Payload{
			ContentText: "текст статьи",
			Metadata:    map[string]string{"language": "ru"},
		},
	}
}

// TestRoute_Accepted проверяет приём корректного конверта.
func TestRoute_Accepted(t *testing.T) {
	var inserted *model.Envelope
	envRepo := &mockEnvelopeRepo{
		insertFn: func(_ context.Context, e *model.Envelope) error {
			inserted = e
			return nil
		},
	}
	router := newTestRouter(t, envRepo)

	outcome, err := router.Route(context.Background(), validEnvelope())
	if err != nil {
		t.Fatalf("Route ошибка: %v", err)
	}

	if outcome.Status != RouteAccepted {
		t.Errorf("Status = %s, ожидался accepted", outcome.Status)
	}
	if inserted == nil {
		t.Fatal("конверт не сохранён в Envelope Store")
	}
	if inserted.Status != model.StatusPending {
		t.Errorf("статус сохранённого конверта = %s, ожидался pending", inserted.Status)
	}
	if inserted.ReceivedAt.IsZero() {
		t.Error("ReceivedAt не заполнен")
	}
}

// TestRoute_Duplicate проверяет возврат прежнего исхода без повторной обработки.
func TestRoute_Duplicate(t *testing.T) {
	prior := validEnvelope()
	prior.Status = model.StatusCommitted
	prior.ResultVersionID = "v-42"

	envRepo := &mockEnvelopeRepo{
		insertFn: func(_ context.Context, _ *model.Envelope) error {
			return repository.ErrConflict
		},
		getFn: func(_ context.Context, _, _ string) (*model.Envelope, error) {
			return prior, nil
		},
	}
	router := newTestRouter(t, envRepo)

	outcome, err := router.Route(context.Background(), validEnvelope())
	if err != nil {
		t.Fatalf("Route ошибка: %v", err)
	}

	if outcome.Status != RouteDuplicate {
		t.Errorf("Status = %s, ожидался duplicate", outcome.Status)
	}
	if outcome.Envelope.ResultVersionID != "v-42" {
		t.Errorf("ResultVersionID = %q, ожидался прежний исход", outcome.Envelope.ResultVersionID)
	}
}

// TestRoute_Rejected проверяет отклонение некорректных конвертов
// с записью исхода в Envelope Store.
func TestRoute_Rejected(t *testing.T) {
	cases := []struct {
		name   string
		modify func(e *model.Envelope)
	}{
		{"неизвестная операция", func(e *model.Envelope) { e.Operation = "merge" }},
		{"content_id при create", func(e *model.Envelope) { e.ContentID = "c-1" }},
		{"update без content_id", func(e *model.Envelope) { e.Operation = model.OpUpdate }},
		{"delete без content_id", func(e *model.Envelope) { e.Operation = model.OpDelete }},
		{"content_id не UUID", func(e *model.Envelope) {
			e.Operation = model.OpUpdate
			e.ContentID = "не-uuid"
		}},
		{"пустой текст", func(e *model.Envelope) { e.Payload.ContentText = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var inserted *model.Envelope
			envRepo := &mockEnvelopeRepo{
				insertFn: func(_ context.Context, e *model.Envelope) error {
					inserted = e
					return nil
				},
			}
			router := newTestRouter(t, envRepo)

			e := validEnvelope()
			tc.modify(e)

			outcome, err := router.Route(context.Background(), e)
			if err != nil {
				t.Fatalf("Route ошибка: %v", err)
			}

			if outcome.Status != RouteRejected {
				t.Fatalf("Status = %s, ожидался rejected", outcome.Status)
			}
			if outcome.Reason == "" {
				t.Error("Reason пуст")
			}
			if inserted == nil {
				t.Fatal("отклонённый конверт не сохранён")
			}
			if inserted.Status != model.StatusRejected {
				t.Errorf("статус = %s, ожидался rejected", inserted.Status)
			}
			if inserted.LastError == "" {
				t.Error("last_error отклонённого конверта пуст")
			}
			// Значения, которые отвергла бы схема, не сохраняются как есть
			if _, ok := model.ParseOperation(string(inserted.Operation)); !ok && inserted.Operation != "" {
				t.Errorf("сохранена неизвестная операция %q", inserted.Operation)
			}
			if inserted.ContentID != "" {
				if err := uuid.Validate(inserted.ContentID); err != nil {
					t.Errorf("сохранён не-UUID content_id %q", inserted.ContentID)
				}
			}
		})
	}
}

// TestRoute_RejectedSanitized проверяет, что сырые значения, не прошедшие
// валидацию, сохраняются в причине отклонения, а не в типизированных полях.
func TestRoute_RejectedSanitized(t *testing.T) {
	var inserted *model.Envelope
	envRepo := &mockEnvelopeRepo{
		insertFn: func(_ context.Context, e *model.Envelope) error {
			inserted = e
			return nil
		},
	}
	router := newTestRouter(t, envRepo)

	e := validEnvelope()
	e.Operation = "merge"

	outcome, err := router.Route(context.Background(), e)
	if err != nil {
		t.Fatalf("Route ошибка: %v", err)
	}
	if outcome.Status != RouteRejected {
		t.Fatalf("Status = %s, ожидался rejected", outcome.Status)
	}

	if inserted.Operation != "" {
		t.Errorf("Operation = %q, ожидалась пустая", inserted.Operation)
	}
	if !strings.Contains(inserted.LastError, `"merge"`) {
		t.Errorf("last_error = %q, ожидалось сырое значение операции", inserted.LastError)
	}
}

// TestRoute_RejectedUnaddressable проверяет, что конверт без источника
// или ключа отклоняется без записи в Envelope Store.
func TestRoute_RejectedUnaddressable(t *testing.T) {
	insertCalled := false
	envRepo := &mockEnvelopeRepo{
		insertFn: func(_ context.Context, _ *model.Envelope) error {
			insertCalled = true
			return nil
		},
	}
	router := newTestRouter(t, envRepo)

	e := validEnvelope()
	e.IdempotencyKey = ""

	outcome, err := router.Route(context.Background(), e)
	if err != nil {
		t.Fatalf("Route ошибка: %v", err)
	}

	if outcome.Status != RouteRejected {
		t.Errorf("Status = %s, ожидался rejected", outcome.Status)
	}
	if insertCalled {
		t.Error("неадресуемый конверт не должен сохраняться")
	}
}

// TestRoute_RejectDuplicate проверяет идемпотентность отклонения:
// повторная доставка отклонённого конверта возвращает прежний исход.
func TestRoute_RejectDuplicate(t *testing.T) {
	prior := validEnvelope()
	prior.Operation = "merge"
	prior.Status = model.StatusRejected
	prior.LastError = "неизвестная операция"

	envRepo := &mockEnvelopeRepo{
		insertFn: func(_ context.Context, _ *model.Envelope) error {
			return repository.ErrConflict
		},
		getFn: func(_ context.Context, _, _ string) (*model.Envelope, error) {
			return prior, nil
		},
	}
	router := newTestRouter(t, envRepo)

	e := validEnvelope()
	e.Operation = "merge"

	outcome, err := router.Route(context.Background(), e)
	if err != nil {
		t.Fatalf("Route ошибка: %v", err)
	}
	if outcome.Status != RouteDuplicate {
		t.Errorf("Status = %s, ожидался duplicate", outcome.Status)
	}
}
