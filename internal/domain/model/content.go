package model

import "time"

// ContentState — состояние жизненного цикла контента.
type ContentState string

const (
	// ContentActive — контент активен
	ContentActive ContentState = "active"
	// ContentDeleted — контент логически удалён
	ContentDeleted ContentState = "deleted"
)

// ContentItem — адресуемая единица контента.
// Владелец — Content Version Store; физически никогда не удаляется.
type ContentItem struct {
	// ContentID — неизменяемый идентификатор, присваивается при create
	ContentID string `json:"content_id"`
	// CurrentVersion — номер текущей версии
	CurrentVersion int `json:"current_version"`
	// State — состояние жизненного цикла
	State ContentState `json:"state"`
	// CreatedAt — время создания
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt — время последнего коммита
	UpdatedAt time.Time `json:"updated_at"`
}

// ContentVersion — неизменяемый снимок контента.
// Номера версий для одного content_id строго возрастают от 1 без пропусков.
type ContentVersion struct {
	// VersionID — идентификатор версии (UUID v4)
	VersionID string `json:"version_id"`
	// ContentID — обратная ссылка на контент
	ContentID string `json:"content_id"`
	// VersionNumber — монотонный номер версии, начиная с 1
	VersionNumber int `json:"version_number"`
	// ContentText — текст контента
	ContentText string `json:"content_text"`
	// Status — статус версии (active, deleted)
	Status ContentState `json:"status"`
	// CreatedBy — идентификатор автора или системы
	CreatedBy string `json:"created_by"`
	// CreatedAt — время записи версии
	CreatedAt time.Time `json:"created_at"`
	// Metadata — значения метаданных этой версии
	Metadata []MetadataValue `json:"metadata,omitempty"`
}
