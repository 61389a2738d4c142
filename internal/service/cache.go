// cache.go — кэш чтения текущих версий контента с инвалидацией
// по сигналам коммита.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/gocontentflow/ingest-module/internal/domain/model"
	"github.com/bigkaa/gocontentflow/ingest-module/internal/repository"
)

// Prometheus-метрики кэша контента.
var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_content_cache_hits_total",
		Help: "Количество попаданий в кэш контента.",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_content_cache_misses_total",
		Help: "Количество промахов кэша контента.",
	})
	cacheInvalidations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_content_cache_invalidations_total",
		Help: "Количество инвалидаций кэша контента по сигналам коммита.",
	})
)

// ContentView — представление текущей версии контента для пути чтения.
type ContentView struct {
	ContentID     string                `json:"content_id"`
	State         model.ContentState    `json:"state"`
	VersionID     string                `json:"version_id"`
	VersionNumber int                   `json:"version_number"`
	ContentText   string                `json:"content_text"`
	Metadata      []model.MetadataValue `json:"metadata"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// ContentCacheService — LRU-кэш текущих версий контента с TTL.
//
// TTL — защита от устаревания при пропущенном сигнале, основной
// механизм согласованности — инвалидация после каждого коммита.
type ContentCacheService struct {
	cache  *expirable.LRU[string, *ContentView]
	repo   repository.ContentRepository
	logger *slog.Logger
}

// NewContentCacheService создаёт кэш чтения контента.
func NewContentCacheService(
	repo repository.ContentRepository,
	size int,
	ttl time.Duration,
	logger *slog.Logger,
) *ContentCacheService {
	return &ContentCacheService{
		cache:  expirable.NewLRU[string, *ContentView](size, nil, ttl),
		repo:   repo,
		logger: logger.With(slog.String("component", "content_cache")),
	}
}

// Get возвращает текущую версию контента, используя кэш.
func (s *ContentCacheService) Get(ctx context.Context, contentID string) (*ContentView, error) {
	if view, ok := s.cache.Get(contentID); ok {
		cacheHits.Inc()
		return view, nil
	}
	cacheMisses.Inc()

	view, err := s.load(ctx, contentID)
	if err != nil {
		return nil, err
	}
	s.cache.Add(contentID, view)
	return view, nil
}

// load читает текущую версию контента из хранилища.
func (s *ContentCacheService) load(ctx context.Context, contentID string) (*ContentView, error) {
	item, err := s.repo.GetItem(ctx, contentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	versions, err := s.repo.ListVersions(ctx, contentID)
	if err != nil {
		return nil, err
	}

	view := &ContentView{
		ContentID: item.ContentID,
		State:     item.State,
		UpdatedAt: item.UpdatedAt,
	}
	for _, v := range versions {
		if v.VersionNumber != item.CurrentVersion {
			continue
		}
		view.VersionID = v.VersionID
		view.VersionNumber = v.VersionNumber
		view.ContentText = v.ContentText
		view.Metadata, err = s.repo.GetVersionMetadata(ctx, v.VersionID)
		if err != nil {
			return nil, err
		}
		break
	}
	return view, nil
}

// Invalidate удаляет кэшированное представление контента.
// Реализует Invalidator, вызывается после каждого коммита версии.
func (s *ContentCacheService) Invalidate(contentID, versionID string) {
	s.cache.Remove(contentID)
	cacheInvalidations.Inc()
	s.logger.Debug("Сигнал инвалидации кэша",
		slog.String("content_id", contentID),
		slog.String("version_id", versionID),
	)
}

// InvalidationEmitter публикует сигналы инвалидации для внешнего кэша
// пути чтения: структурированная запись в лог, по которой внешняя
// система снимает устаревшие записи.
type InvalidationEmitter struct {
	logger *slog.Logger
}

// NewInvalidationEmitter создаёт эмиттер сигналов инвалидации.
func NewInvalidationEmitter(logger *slog.Logger) *InvalidationEmitter {
	return &InvalidationEmitter{
		logger: logger.With(slog.String("component", "cache_invalidation")),
	}
}

// Invalidate реализует Invalidator.
func (e *InvalidationEmitter) Invalidate(contentID, versionID string) {
	e.logger.Info("Версия контента изменена",
		slog.String("event", "content_invalidated"),
		slog.String("content_id", contentID),
		slog.String("version_id", versionID),
	)
}
