package model

import "time"

// AuditOperation — вид аудируемой операции.
type AuditOperation string

const (
	// AuditCreate — создание контента
	AuditCreate AuditOperation = "CREATE"
	// AuditUpdate — обновление контента
	AuditUpdate AuditOperation = "UPDATE"
	// AuditDelete — логическое удаление контента
	AuditDelete AuditOperation = "DELETE"
	// AuditReject — отклонение конверта на валидации
	AuditReject AuditOperation = "REJECT"
	// AuditDeadLetter — перевод конверта в dead-letter
	AuditDeadLetter AuditOperation = "DEAD_LETTER"
)

// AuditRecord — неизменяемый факт о мутирующей операции.
//
// Ровно одна запись на закоммиченную мутацию или терминальный отказ.
// Запись идемпотентна по (correlation_id, resource_id, operation) и
// никогда не изменяется и не отзывается.
type AuditRecord struct {
	// ID — идентификатор записи (UUID v4)
	ID string `json:"id"`
	// CorrelationID — связывает запись с конвертом (source:idempotency_key)
	CorrelationID string `json:"correlation_id"`
	// Operation — вид операции
	Operation AuditOperation `json:"operation"`
	// ResourceType — тип ресурса (content, envelope)
	ResourceType string `json:"resource_type"`
	// ResourceID — идентификатор ресурса
	ResourceID string `json:"resource_id"`
	// Actor — идентификатор системы или оператора
	Actor string `json:"actor"`
	// Detail — структурированные детали операции
	Detail map[string]any `json:"detail,omitempty"`
	// CreatedAt — время записи
	CreatedAt time.Time `json:"created_at"`
}
