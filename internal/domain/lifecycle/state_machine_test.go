package lifecycle

import (
	"errors"
	"testing"

	"github.com/bigkaa/gocontentflow/ingest-module/internal/domain/model"
)

// TestCanTransition проверяет матрицу допустимых переходов.
func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to model.EnvelopeStatus
		want     bool
	}{
		{model.StatusPending, model.StatusProcessing, true},
		{model.StatusPending, model.StatusDeadLettered, true},
		{model.StatusPending, model.StatusCommitted, false},
		{model.StatusProcessing, model.StatusCommitted, true},
		{model.StatusProcessing, model.StatusRetryScheduled, true},
		{model.StatusProcessing, model.StatusDeadLettered, true},
		{model.StatusProcessing, model.StatusPending, false},
		{model.StatusRetryScheduled, model.StatusProcessing, true},
		{model.StatusRetryScheduled, model.StatusDeadLettered, true},
		{model.StatusRetryScheduled, model.StatusCommitted, false},
		// Терминальные состояния
		{model.StatusCommitted, model.StatusProcessing, false},
		{model.StatusDeadLettered, model.StatusPending, false},
		{model.StatusRejected, model.StatusProcessing, false},
	}

	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, ожидалось %v", tc.from, tc.to, got, tc.want)
		}
	}
}

// TestValidate проверяет формирование TransitionError.
func TestValidate(t *testing.T) {
	if err := Validate(model.StatusPending, model.StatusProcessing); err != nil {
		t.Errorf("Validate для допустимого перехода вернул ошибку: %v", err)
	}

	err := Validate(model.StatusCommitted, model.StatusProcessing)
	if err == nil {
		t.Fatal("Validate для перехода из терминального статуса должен вернуть ошибку")
	}

	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("ожидался *TransitionError, получено %T", err)
	}
	if te.From != model.StatusCommitted || te.To != model.StatusProcessing {
		t.Errorf("TransitionError = %s → %s", te.From, te.To)
	}
}

// TestIsTerminal проверяет определение терминальных статусов.
func TestIsTerminal(t *testing.T) {
	terminal := []model.EnvelopeStatus{
		model.StatusCommitted, model.StatusDeadLettered, model.StatusRejected,
	}
	for _, s := range terminal {
		if !IsTerminal(s) {
			t.Errorf("IsTerminal(%s) = false, ожидалось true", s)
		}
	}

	nonTerminal := []model.EnvelopeStatus{
		model.StatusPending, model.StatusProcessing, model.StatusRetryScheduled,
	}
	for _, s := range nonTerminal {
		if IsTerminal(s) {
			t.Errorf("IsTerminal(%s) = true, ожидалось false", s)
		}
	}
}

// TestParseStatus проверяет разбор строковых статусов.
func TestParseStatus(t *testing.T) {
	status, err := ParseStatus("retry_scheduled")
	if err != nil {
		t.Fatalf("ParseStatus ошибка: %v", err)
	}
	if status != model.StatusRetryScheduled {
		t.Errorf("ParseStatus = %s, ожидался retry_scheduled", status)
	}

	if _, err := ParseStatus("unknown"); err == nil {
		t.Error("ParseStatus для неизвестного статуса должен вернуть ошибку")
	}
}
