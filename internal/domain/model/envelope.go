// Пакет model — доменные модели Ingest Module.
package model

import (
	"time"
)

// Operation — вид операции над контентом.
type Operation string

const (
	// OpCreate — создание нового контента
	OpCreate Operation = "create"
	// OpUpdate — обновление существующего контента
	OpUpdate Operation = "update"
	// OpDelete — логическое удаление контента
	OpDelete Operation = "delete"
)

// ParseOperation преобразует строку в Operation.
// Возвращает false для неизвестных операций.
func ParseOperation(s string) (Operation, bool) {
	switch Operation(s) {
	case OpCreate, OpUpdate, OpDelete:
		return Operation(s), true
	default:
		return "", false
	}
}

// EnvelopeStatus — статус конверта изменения в пайплайне.
type EnvelopeStatus string

const (
	// StatusPending — конверт принят, ожидает обработки
	StatusPending EnvelopeStatus = "pending"
	// StatusProcessing — конверт обрабатывается координатором
	StatusProcessing EnvelopeStatus = "processing"
	// StatusCommitted — терминальный: версия контента записана
	StatusCommitted EnvelopeStatus = "committed"
	// StatusRetryScheduled — повтор запланирован после backoff
	StatusRetryScheduled EnvelopeStatus = "retry_scheduled"
	// StatusDeadLettered — терминальный: требуется вмешательство оператора
	StatusDeadLettered EnvelopeStatus = "dead_lettered"
	// StatusRejected — терминальный: конверт не прошёл валидацию
	StatusRejected EnvelopeStatus = "rejected"
)

// Payload — полезная нагрузка конверта: текст контента и сырые пары метаданных.
type Payload struct {
	// ContentText — текст контента (пустой для delete)
	ContentText string `json:"content_text,omitempty"`
	// Metadata — сырые пары метаданных "категория → значение"
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Envelope — входящая единица работы от системы-источника.
//
// Ключ идемпотентности уникален в пределах источника. Повторная доставка
// с тем же ключом возвращает сохранённый исход без повторной обработки.
type Envelope struct {
	// Source — идентификатор системы-источника
	Source string `json:"source"`
	// IdempotencyKey — ключ идемпотентности, задаётся источником
	IdempotencyKey string `json:"idempotency_key"`
	// Operation — вид операции
	Operation Operation `json:"operation"`
	// ContentID — идентификатор целевого контента (пустой для create)
	ContentID string `json:"content_id,omitempty"`
	// Payload — полезная нагрузка
	Payload Payload `json:"payload"`
	// Status — текущий статус в пайплайне
	Status EnvelopeStatus `json:"status"`
	// Attempts — количество выполненных попыток обработки
	Attempts int `json:"attempts"`
	// NextAttemptAt — время следующей попытки (для retry_scheduled)
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	// LastError — последняя ошибка обработки
	LastError string `json:"last_error,omitempty"`
	// ResultVersionID — идентификатор записанной версии (для committed)
	ResultVersionID string `json:"result_version_id,omitempty"`
	// ReceivedAt — время приёма конверта
	ReceivedAt time.Time `json:"received_at"`
	// UpdatedAt — время последнего изменения статуса
	UpdatedAt time.Time `json:"updated_at"`
}
