package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/gocontentflow/ingest-module/internal/domain/model"
)

// ContentRepository — низкоуровневые операции Content Version Store.
// Мутирующие методы предназначены для вызова внутри транзакции
// (репозиторий создаётся поверх pgx.Tx через NewContentRepository).
type ContentRepository interface {
	// CreateItem создаёт новую единицу контента с новым content_id.
	CreateItem(ctx context.Context) (*model.ContentItem, error)
	// GetItem возвращает единицу контента по идентификатору.
	GetItem(ctx context.Context, contentID string) (*model.ContentItem, error)
	// LockItem читает единицу контента с блокировкой строки (SELECT ... FOR UPDATE).
	// Сериализует конкурентные коммиты одного content_id.
	LockItem(ctx context.Context, contentID string) (*model.ContentItem, error)
	// InsertVersion записывает неизменяемую версию контента.
	InsertVersion(ctx context.Context, v *model.ContentVersion) error
	// InsertMetadataValue записывает значение метаданных версии.
	InsertMetadataValue(ctx context.Context, mv *model.MetadataValue) error
	// UpdateItemVersion обновляет указатель текущей версии и состояние.
	UpdateItemVersion(ctx context.Context, contentID string, version int, state model.ContentState) error
	// ListVersions возвращает историю версий контента (по возрастанию номера).
	ListVersions(ctx context.Context, contentID string) ([]*model.ContentVersion, error)
	// GetVersionMetadata возвращает значения метаданных версии.
	GetVersionMetadata(ctx context.Context, versionID string) ([]model.MetadataValue, error)
}

// contentRepo — реализация ContentRepository.
type contentRepo struct {
	db DBTX
}

// NewContentRepository создаёт репозиторий контента поверх пула или транзакции.
func NewContentRepository(db DBTX) ContentRepository {
	return &contentRepo{db: db}
}

func (r *contentRepo) CreateItem(ctx context.Context) (*model.ContentItem, error) {
	item := &model.ContentItem{
		ContentID: uuid.New().String(),
		State:     model.ContentActive,
	}

	query := `
		INSERT INTO content_items (content_id, current_version, state)
		VALUES ($1, 0, $2)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query, item.ContentID, item.State).
		Scan(&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания единицы контента: %w", err)
	}
	return item, nil
}

func (r *contentRepo) GetItem(ctx context.Context, contentID string) (*model.ContentItem, error) {
	query := `
		SELECT content_id, current_version, state, created_at, updated_at
		FROM content_items
		WHERE content_id = $1`

	return r.scanItem(r.db.QueryRow(ctx, query, contentID))
}

func (r *contentRepo) LockItem(ctx context.Context, contentID string) (*model.ContentItem, error) {
	// Блокировка строки сериализует конкурентные записи одного content_id:
	// номер версии N+1 вычисляется под блокировкой, пропуски и дубли невозможны.
	query := `
		SELECT content_id, current_version, state, created_at, updated_at
		FROM content_items
		WHERE content_id = $1
		FOR UPDATE`

	return r.scanItem(r.db.QueryRow(ctx, query, contentID))
}

func (r *contentRepo) scanItem(row pgx.Row) (*model.ContentItem, error) {
	item := &model.ContentItem{}
	err := row.Scan(&item.ContentID, &item.CurrentVersion, &item.State,
		&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка чтения единицы контента: %w", err)
	}
	return item, nil
}

func (r *contentRepo) InsertVersion(ctx context.Context, v *model.ContentVersion) error {
	if v.VersionID == "" {
		v.VersionID = uuid.New().String()
	}

	query := `
		INSERT INTO content_versions (version_id, content_id, version_number,
			content_text, status, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`

	err := r.db.QueryRow(ctx, query,
		v.VersionID, v.ContentID, v.VersionNumber, v.ContentText, v.Status, v.CreatedBy,
	).Scan(&v.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			// Гонка аллокации номера версии — коммит конкурента успел раньше.
			return fmt.Errorf("%w: версия %d контента %s уже записана",
				ErrConflict, v.VersionNumber, v.ContentID)
		}
		return fmt.Errorf("ошибка записи версии контента: %w", err)
	}
	return nil
}

func (r *contentRepo) InsertMetadataValue(ctx context.Context, mv *model.MetadataValue) error {
	query := `
		INSERT INTO metadata_values (version_id, category_id, value_text,
			value_numeric, value_timestamp)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := r.db.Exec(ctx, query,
		mv.VersionID, mv.CategoryID, mv.ValueText, mv.ValueNumeric, mv.ValueTimestamp)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: категория уже привязана к версии", ErrConflict)
		}
		return fmt.Errorf("ошибка записи значения метаданных: %w", err)
	}
	return nil
}

func (r *contentRepo) UpdateItemVersion(ctx context.Context, contentID string, version int, state model.ContentState) error {
	query := `
		UPDATE content_items
		SET current_version = $2, state = $3, updated_at = now()
		WHERE content_id = $1`

	tag, err := r.db.Exec(ctx, query, contentID, version, state)
	if err != nil {
		return fmt.Errorf("ошибка обновления указателя версии: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *contentRepo) ListVersions(ctx context.Context, contentID string) ([]*model.ContentVersion, error) {
	query := `
		SELECT version_id, content_id, version_number, content_text,
			status, created_by, created_at
		FROM content_versions
		WHERE content_id = $1
		ORDER BY version_number`

	rows, err := r.db.Query(ctx, query, contentID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения версий контента: %w", err)
	}
	defer rows.Close()

	var result []*model.ContentVersion
	for rows.Next() {
		v := &model.ContentVersion{}
		if err := rows.Scan(&v.VersionID, &v.ContentID, &v.VersionNumber,
			&v.ContentText, &v.Status, &v.CreatedBy, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("ошибка чтения версии контента: %w", err)
		}
		result = append(result, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка обхода версий контента: %w", err)
	}
	return result, nil
}

func (r *contentRepo) GetVersionMetadata(ctx context.Context, versionID string) ([]model.MetadataValue, error) {
	query := `
		SELECT version_id, category_id, value_text, value_numeric, value_timestamp
		FROM metadata_values
		WHERE version_id = $1`

	rows, err := r.db.Query(ctx, query, versionID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения метаданных версии: %w", err)
	}
	defer rows.Close()

	var result []model.MetadataValue
	for rows.Next() {
		var mv model.MetadataValue
		if err := rows.Scan(&mv.VersionID, &mv.CategoryID,
			&mv.ValueText, &mv.ValueNumeric, &mv.ValueTimestamp); err != nil {
			return nil, fmt.Errorf("ошибка чтения значения метаданных: %w", err)
		}
		result = append(result, mv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка обхода метаданных версии: %w", err)
	}
	return result, nil
}
