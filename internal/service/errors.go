// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import "errors"

var (
	// ErrNotFound — ресурс не найден.
	ErrNotFound = errors.New("ресурс не найден")
	// ErrConflict — конфликт (дублирующийся ресурс).
	ErrConflict = errors.New("конфликт — ресурс уже существует")
	// ErrValidation — ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
	// ErrContentNotFound — целевой контент не существует.
	ErrContentNotFound = errors.New("целевой контент не найден")
	// ErrMetadataInvalid — значения метаданных не соответствуют категориям.
	ErrMetadataInvalid = errors.New("некорректные метаданные")
	// ErrCategoryReferenced — категория используется версиями контента.
	ErrCategoryReferenced = errors.New("категория используется и не может быть удалена")
	// ErrCategoryCycle — перенос категории создал бы цикл.
	ErrCategoryCycle = errors.New("перенос категории создал бы цикл в иерархии")
	// ErrEnvelopeState — конверт не в подходящем статусе для операции.
	ErrEnvelopeState = errors.New("конверт не в подходящем статусе для операции")
)
