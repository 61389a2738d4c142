package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/gocontentflow/ingest-module/internal/domain/model"
)

// CategoryRepository — хранилище иерархических категорий метаданных.
// Отношение parent образует лес; проверка циклов — IsDescendant.
type CategoryRepository interface {
	// Create сохраняет новую категорию.
	Create(ctx context.Context, c *model.MetadataCategory) error
	// Get возвращает категорию по идентификатору.
	Get(ctx context.Context, id string) (*model.MetadataCategory, error)
	// FindByName возвращает все категории с указанным именем.
	FindByName(ctx context.Context, name string) ([]*model.MetadataCategory, error)
	// List возвращает все категории.
	List(ctx context.Context) ([]*model.MetadataCategory, error)
	// Update обновляет имя, описание и родителя категории.
	Update(ctx context.Context, c *model.MetadataCategory) error
	// Delete удаляет категорию. ErrReferenced, если на категорию ссылаются
	// значения метаданных или дочерние категории.
	Delete(ctx context.Context, id string) error
	// IsDescendant сообщает, является ли candidate потомком ancestor.
	IsDescendant(ctx context.Context, candidate, ancestor string) (bool, error)
	// IsReferenced сообщает, ссылаются ли на категорию значения метаданных.
	IsReferenced(ctx context.Context, id string) (bool, error)
}

// categoryRepo — реализация CategoryRepository.
type categoryRepo struct {
	db DBTX
}

// NewCategoryRepository создаёт репозиторий категорий метаданных.
func NewCategoryRepository(db DBTX) CategoryRepository {
	return &categoryRepo{db: db}
}

func (r *categoryRepo) Create(ctx context.Context, c *model.MetadataCategory) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}

	query := `
		INSERT INTO metadata_categories (id, name, description, parent_id, value_kind)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`

	err := r.db.QueryRow(ctx, query,
		c.ID, c.Name, c.Description, c.ParentID, c.ValueKind,
	).Scan(&c.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: категория %q уже существует у этого родителя", ErrConflict, c.Name)
		}
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: родительская категория не найдена", ErrNotFound)
		}
		return fmt.Errorf("ошибка создания категории: %w", err)
	}
	return nil
}

func (r *categoryRepo) Get(ctx context.Context, id string) (*model.MetadataCategory, error) {
	query := `
		SELECT id, name, description, parent_id, value_kind, created_at
		FROM metadata_categories
		WHERE id = $1`

	return scanCategory(r.db.QueryRow(ctx, query, id))
}

func (r *categoryRepo) FindByName(ctx context.Context, name string) ([]*model.MetadataCategory, error) {
	query := `
		SELECT id, name, description, parent_id, value_kind, created_at
		FROM metadata_categories
		WHERE name = $1`

	rows, err := r.db.Query(ctx, query, name)
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска категории по имени: %w", err)
	}
	defer rows.Close()

	return collectCategories(rows)
}

func (r *categoryRepo) List(ctx context.Context) ([]*model.MetadataCategory, error) {
	query := `
		SELECT id, name, description, parent_id, value_kind, created_at
		FROM metadata_categories
		ORDER BY name`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка категорий: %w", err)
	}
	defer rows.Close()

	return collectCategories(rows)
}

func (r *categoryRepo) Update(ctx context.Context, c *model.MetadataCategory) error {
	query := `
		UPDATE metadata_categories
		SET name = $2, description = $3, parent_id = $4
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, c.ID, c.Name, c.Description, c.ParentID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: категория %q уже существует у этого родителя", ErrConflict, c.Name)
		}
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: родительская категория не найдена", ErrNotFound)
		}
		return fmt.Errorf("ошибка обновления категории: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *categoryRepo) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM metadata_categories WHERE id = $1`, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: на категорию ссылаются значения метаданных или дочерние категории", ErrReferenced)
		}
		return fmt.Errorf("ошибка удаления категории: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *categoryRepo) IsDescendant(ctx context.Context, candidate, ancestor string) (bool, error) {
	// Рекурсивный обход вниз от ancestor. Лес неглубокий,
	// CTE выполняется за один запрос без N+1.
	query := `
		WITH RECURSIVE subtree AS (
			SELECT id FROM metadata_categories WHERE parent_id = $1
			UNION ALL
			SELECT c.id FROM metadata_categories c
			JOIN subtree s ON c.parent_id = s.id
		)
		SELECT EXISTS (SELECT 1 FROM subtree WHERE id = $2)`

	var found bool
	if err := r.db.QueryRow(ctx, query, ancestor, candidate).Scan(&found); err != nil {
		return false, fmt.Errorf("ошибка проверки потомков категории: %w", err)
	}
	return found, nil
}

func (r *categoryRepo) IsReferenced(ctx context.Context, id string) (bool, error) {
	var referenced bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM metadata_values WHERE category_id = $1)`,
		id,
	).Scan(&referenced)
	if err != nil {
		return false, fmt.Errorf("ошибка проверки ссылок на категорию: %w", err)
	}
	return referenced, nil
}

// scanCategory читает категорию из строки результата.
func scanCategory(row pgx.Row) (*model.MetadataCategory, error) {
	c := &model.MetadataCategory{}
	err := row.Scan(&c.ID, &c.Name, &c.Description, &c.ParentID, &c.ValueKind, &c.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка чтения категории: %w", err)
	}
	return c, nil
}

// collectCategories читает все категории из результата запроса.
func collectCategories(rows pgx.Rows) ([]*model.MetadataCategory, error) {
	var result []*model.MetadataCategory
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка обхода категорий: %w", err)
	}
	return result, nil
}
