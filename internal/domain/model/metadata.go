package model

import "time"

// ValueKind — тип значения, объявленный категорией метаданных.
type ValueKind string

const (
	// KindText — текстовое значение
	KindText ValueKind = "text"
	// KindNumeric — числовое значение
	KindNumeric ValueKind = "numeric"
	// KindTimestamp — значение-момент времени
	KindTimestamp ValueKind = "timestamp"
)

// ParseValueKind преобразует строку в ValueKind.
func ParseValueKind(s string) (ValueKind, bool) {
	switch ValueKind(s) {
	case KindText, KindNumeric, KindTimestamp:
		return ValueKind(s), true
	default:
		return "", false
	}
}

// MetadataCategory — узел иерархической классификации.
// Отношение parent образует лес: циклы запрещены, проверяются при записи.
type MetadataCategory struct {
	// ID — стабильный идентификатор узла (UUID v4)
	ID string `json:"id"`
	// Name — имя категории, уникально в пределах родителя
	Name string `json:"name"`
	// Description — описание категории
	Description string `json:"description,omitempty"`
	// ParentID — ссылка на родительскую категорию (nil для корня)
	ParentID *string `json:"parent_id,omitempty"`
	// ValueKind — тип значений этой категории
	ValueKind ValueKind `json:"value_kind"`
	// CreatedAt — время создания
	CreatedAt time.Time `json:"created_at"`
}

// MetadataValue — типизированный атрибут, привязанный ровно к одной
// версии контента и ровно к одной категории. Пара (версия, категория)
// уникальна; заполнено ровно одно из значений по типу категории.
type MetadataValue struct {
	// VersionID — версия контента
	VersionID string `json:"version_id"`
	// CategoryID — категория метаданных
	CategoryID string `json:"category_id"`
	// ValueText — текстовое значение (для категорий kind=text)
	ValueText *string `json:"value_text,omitempty"`
	// ValueNumeric — числовое значение (для категорий kind=numeric)
	ValueNumeric *float64 `json:"value_numeric,omitempty"`
	// ValueTimestamp — момент времени (для категорий kind=timestamp)
	ValueTimestamp *time.Time `json:"value_timestamp,omitempty"`
}
