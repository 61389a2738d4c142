package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/bigkaa/gocontentflow/ingest-module/internal/domain/model"
)

// AuditRepository — append-only журнал аудита.
// Записи идемпотентны по (correlation_id, resource_id, operation)
// и никогда не изменяются.
type AuditRepository interface {
	// Insert записывает факт аудита. Возвращает false, если запись
	// с таким (correlation_id, resource_id, operation) уже существует.
	Insert(ctx context.Context, rec *model.AuditRecord) (bool, error)
	// ListByResource возвращает записи аудита ресурса (новые первыми).
	ListByResource(ctx context.Context, resourceType, resourceID string) ([]*model.AuditRecord, error)
}

// auditRepo — реализация AuditRepository.
type auditRepo struct {
	db DBTX
}

// NewAuditRepository создаёт репозиторий журнала аудита.
func NewAuditRepository(db DBTX) AuditRepository {
	return &auditRepo{db: db}
}

func (r *auditRepo) Insert(ctx context.Context, rec *model.AuditRecord) (bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	// ON CONFLICT DO NOTHING — повторная запись того же факта
	// (retry координатора) не создаёт дубликат.
	query := `
		INSERT INTO audit_records (id, correlation_id, operation, resource_type,
			resource_id, actor, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (correlation_id, resource_id, operation) DO NOTHING`

	tag, err := r.db.Exec(ctx, query,
		rec.ID, rec.CorrelationID, rec.Operation, rec.ResourceType,
		rec.ResourceID, rec.Actor, rec.Detail)
	if err != nil {
		return false, fmt.Errorf("ошибка записи аудита: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *auditRepo) ListByResource(ctx context.Context, resourceType, resourceID string) ([]*model.AuditRecord, error) {
	query := `
		SELECT id, correlation_id, operation, resource_type, resource_id,
			actor, detail, created_at
		FROM audit_records
		WHERE resource_type = $1 AND resource_id = $2
		ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, resourceType, resourceID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения записей аудита: %w", err)
	}
	defer rows.Close()

	var result []*model.AuditRecord
	for rows.Next() {
		rec := &model.AuditRecord{}
		if err := rows.Scan(&rec.ID, &rec.CorrelationID, &rec.Operation,
			&rec.ResourceType, &rec.ResourceID, &rec.Actor, &rec.Detail,
			&rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("ошибка чтения записи аудита: %w", err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка обхода записей аудита: %w", err)
	}
	return result, nil
}
