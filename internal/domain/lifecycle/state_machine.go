// Пакет lifecycle — конечный автомат жизненного цикла конверта.
//
// Переходы:
//   - pending → processing
//   - processing → committed | retry_scheduled | dead_lettered
//   - retry_scheduled → processing | dead_lettered
//
// committed, dead_lettered и rejected — терминальные состояния,
// из них переходы запрещены. rejected присваивается при приёме,
// до входа в автомат.
package lifecycle

import (
	"fmt"

	"github.com/bigkaa/gocontentflow/ingest-module/internal/domain/model"
)

// validTransitions — матрица допустимых переходов.
// Ключ — текущий статус, значение — набор допустимых целевых статусов.
var validTransitions = map[model.EnvelopeStatus]map[model.EnvelopeStatus]bool{
	model.StatusPending: {
		model.StatusProcessing:   true,
		model.StatusDeadLettered: true, // отмена оператором до обработки
	},
	model.StatusProcessing: {
		model.StatusCommitted:      true,
		model.StatusRetryScheduled: true,
		model.StatusDeadLettered:   true,
	},
	model.StatusRetryScheduled: {
		model.StatusProcessing:   true,
		model.StatusDeadLettered: true, // отмена оператором или исчерпание попыток
	},
	model.StatusCommitted:    {}, // Терминальный
	model.StatusDeadLettered: {}, // Терминальный
	model.StatusRejected:     {}, // Терминальный
}

// TransitionError — ошибка недопустимого перехода.
type TransitionError struct {
	From model.EnvelopeStatus
	To   model.EnvelopeStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("недопустимый переход статуса конверта: %s → %s", e.From, e.To)
}

// CanTransition проверяет, допустим ли переход из from в to.
func CanTransition(from, to model.EnvelopeStatus) bool {
	transitions, ok := validTransitions[from]
	if !ok {
		return false
	}
	return transitions[to]
}

// Validate возвращает TransitionError, если переход from → to недопустим.
func Validate(from, to model.EnvelopeStatus) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// IsTerminal сообщает, является ли статус терминальным.
func IsTerminal(s model.EnvelopeStatus) bool {
	transitions, ok := validTransitions[s]
	return ok && len(transitions) == 0
}

// ParseStatus преобразует строку в EnvelopeStatus.
// Возвращает ошибку для неизвестных значений.
func ParseStatus(s string) (model.EnvelopeStatus, error) {
	status := model.EnvelopeStatus(s)
	if _, ok := validTransitions[status]; !ok {
		return "", fmt.Errorf("недопустимый статус конверта: %q", s)
	}
	return status, nil
}
