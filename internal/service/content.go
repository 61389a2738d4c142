// content.go — Content Version Store: транзакционная версионированная
// запись контента и метаданных.
//
// Аллокация номера версии и вставка метаданных атомарны: либо видимы
// обе, либо ни одна. Конкурентные коммиты одного content_id
// сериализуются блокировкой строки content_items.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/gocontentflow/ingest-module/internal/domain/model"
	"github.com/bigkaa/gocontentflow/ingest-module/internal/repository"
)

// Prometheus-метрики хранилища контента.
var (
	commitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "im_commits_total",
		Help: "Количество закоммиченных версий контента по операциям.",
	}, []string{"operation"})

	commitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "im_commit_duration_seconds",
		Help:    "Длительность транзакции коммита версии в секундах.",
		Buckets: prometheus.DefBuckets,
	})
)

// Invalidator получает сигнал инвалидации после успешного коммита.
type Invalidator interface {
	Invalidate(contentID, versionID string)
}

// CommitRequest — запрос на коммит версии контента.
type CommitRequest struct {
	// Source и IdempotencyKey — конверт, породивший коммит.
	// Его переход в committed выполняется в той же транзакции.
	Source         string
	IdempotencyKey string

	Operation model.Operation
	// ContentID — целевой контент (пустой для create)
	ContentID string
	// Payload — объединённая полезная нагрузка после fan-out
	Payload model.Payload
	// Actor — идентификатор системы-источника
	Actor string
}

// CommitResult — результат коммита.
type CommitResult struct {
	ContentID string
	Version   *model.ContentVersion
}

// ContentService — сервис Content Version Store.
type ContentService struct {
	txRunner     *repository.TxRunner
	contentRepo  repository.ContentRepository
	invalidators []Invalidator
	logger       *slog.Logger
}

// NewContentService создаёт сервис хранилища контента.
// contentRepo — репозиторий поверх пула, используется на пути чтения.
func NewContentService(
	txRunner *repository.TxRunner,
	contentRepo repository.ContentRepository,
	logger *slog.Logger,
) *ContentService {
	return &ContentService{
		txRunner:    txRunner,
		contentRepo: contentRepo,
		logger:      logger.With(slog.String("component", "content_store")),
	}
}

// AddInvalidator регистрирует получателя сигналов инвалидации.
// Вызывается при старте, до начала обработки конвертов.
func (s *ContentService) AddInvalidator(inv Invalidator) {
	s.invalidators = append(s.invalidators, inv)
}

// Commit выполняет коммит версии контента в одной транзакции.
//
// create — новый content_id и версия 1; update — блокировка строки
// контента и версия N+1; delete — версия N+1 со статусом deleted.
// Переход конверта processing → committed входит в ту же транзакцию:
// версия и терминальный статус конверта видимы только вместе. Если
// конверт за время обработки покинул processing (отмена оператором),
// транзакция откатывается с ErrEnvelopeState и версия не записывается.
// Ошибки ErrContentNotFound и ErrMetadataInvalid — постоянные,
// остальные считаются временными.
func (s *ContentService) Commit(ctx context.Context, req *CommitRequest) (*CommitResult, error) {
	start := time.Now()

	var result *CommitResult
	err := s.txRunner.RunInTx(ctx, func(tx pgx.Tx) error {
		var txErr error
		result, txErr = s.commitInTx(ctx, tx, req)
		return txErr
	})
	if err != nil {
		return nil, err
	}

	commitDuration.Observe(time.Since(start).Seconds())
	commitsTotal.WithLabelValues(string(req.Operation)).Inc()

	s.logger.Info("Версия контента записана",
		slog.String("content_id", result.ContentID),
		slog.Int("version", result.Version.VersionNumber),
		slog.String("operation", string(req.Operation)),
	)

	// Сигнал инвалидации — после фиксации транзакции
	for _, inv := range s.invalidators {
		inv.Invalidate(result.ContentID, result.Version.VersionID)
	}

	return result, nil
}

// commitInTx — тело транзакции коммита.
func (s *ContentService) commitInTx(ctx context.Context, tx pgx.Tx, req *CommitRequest) (*CommitResult, error) {
	repo := repository.NewContentRepository(tx)

	var (
		item          *model.ContentItem
		versionStatus = model.ContentActive
		itemState     = model.ContentActive
		err           error
	)

	switch req.Operation {
	case model.OpCreate:
		item, err = repo.CreateItem(ctx)
		if err != nil {
			return nil, err
		}

	case model.OpUpdate:
		item, err = repo.LockItem(ctx, req.ContentID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrContentNotFound, req.ContentID)
			}
			return nil, err
		}

	case model.OpDelete:
		item, err = repo.LockItem(ctx, req.ContentID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrContentNotFound, req.ContentID)
			}
			return nil, err
		}
		versionStatus = model.ContentDeleted
		itemState = model.ContentDeleted

	default:
		return nil, fmt.Errorf("%w: неизвестная операция %q", ErrValidation, req.Operation)
	}

	version := &model.ContentVersion{
		ContentID:     item.ContentID,
		VersionNumber: item.CurrentVersion + 1,
		ContentText:   req.Payload.ContentText,
		Status:        versionStatus,
		CreatedBy:     req.Actor,
	}
	if err := repo.InsertVersion(ctx, version); err != nil {
		return nil, err
	}

	values, err := resolveMetadata(ctx, tx, version.VersionID, req.Payload.Metadata)
	if err != nil {
		return nil, err
	}
	for i := range values {
		if err := repo.InsertMetadataValue(ctx, &values[i]); err != nil {
			return nil, err
		}
	}
	version.Metadata = values

	if err := repo.UpdateItemVersion(ctx, item.ContentID, version.VersionNumber, itemState); err != nil {
		return nil, err
	}

	envRepo := repository.NewEnvelopeRepository(tx)
	if err := envRepo.MarkCommitted(ctx, req.Source, req.IdempotencyKey, version.VersionID); err != nil {
		if errors.Is(err, repository.ErrInvalidState) || errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: конверт %s:%s больше не в обработке",
				ErrEnvelopeState, req.Source, req.IdempotencyKey)
		}
		return nil, err
	}

	return &CommitResult{ContentID: item.ContentID, Version: version}, nil
}

// resolveMetadata преобразует сырые пары "категория → значение"
// в типизированные значения по объявленному типу категории.
// Неизвестная или неоднозначная категория, значение не по типу — ErrMetadataInvalid.
func resolveMetadata(ctx context.Context, tx pgx.Tx, versionID string, raw map[string]string) ([]model.MetadataValue, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	catRepo := repository.NewCategoryRepository(tx)

	// Детерминированный порядок вставки
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	values := make([]model.MetadataValue, 0, len(names))
	for _, name := range names {
		cats, err := catRepo.FindByName(ctx, name)
		if err != nil {
			return nil, err
		}
		if len(cats) == 0 {
			return nil, fmt.Errorf("%w: неизвестная категория %q", ErrMetadataInvalid, name)
		}
		if len(cats) > 1 {
			return nil, fmt.Errorf("%w: имя категории %q неоднозначно", ErrMetadataInvalid, name)
		}

		mv, err := coerceValue(cats[0], raw[name])
		if err != nil {
			return nil, err
		}
		mv.VersionID = versionID
		values = append(values, *mv)
	}
	return values, nil
}

// coerceValue приводит сырое значение к типу категории.
func coerceValue(cat *model.MetadataCategory, raw string) (*model.MetadataValue, error) {
	mv := &model.MetadataValue{CategoryID: cat.ID}

	switch cat.ValueKind {
	case model.KindText:
		mv.ValueText = &raw

	case model.KindNumeric:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: значение %q категории %q не является числом",
				ErrMetadataInvalid, raw, cat.Name)
		}
		mv.ValueNumeric = &n

	case model.KindTimestamp:
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: значение %q категории %q не является временем RFC3339",
				ErrMetadataInvalid, raw, cat.Name)
		}
		mv.ValueTimestamp = &ts

	default:
		return nil, fmt.Errorf("%w: неизвестный тип значений категории %q",
			ErrMetadataInvalid, cat.Name)
	}

	return mv, nil
}

// GetItem возвращает единицу контента по идентификатору.
func (s *ContentService) GetItem(ctx context.Context, contentID string) (*model.ContentItem, error) {
	item, err := s.contentRepo.GetItem(ctx, contentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return item, nil
}

// ListVersions возвращает историю версий контента с метаданными.
func (s *ContentService) ListVersions(ctx context.Context, contentID string) ([]*model.ContentVersion, error) {
	if _, err := s.GetItem(ctx, contentID); err != nil {
		return nil, err
	}

	versions, err := s.contentRepo.ListVersions(ctx, contentID)
	if err != nil {
		return nil, err
	}
	for _, v := range versions {
		v.Metadata, err = s.contentRepo.GetVersionMetadata(ctx, v.VersionID)
		if err != nil {
			return nil, err
		}
	}
	return versions, nil
}
