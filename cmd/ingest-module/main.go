// main.go — точка входа Ingest Module.
// Собирает конвейер приёма контента: конфигурация, БД с миграциями,
// репозитории, сервисы, внутренняя очередь, планировщик повторов,
// мониторинг зависимостей и HTTP-сервер.
package main

import (
	"context"
	"log"
	"log/slog"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/gocontentflow/ingest-module/internal/api/handlers"
	"github.com/bigkaa/gocontentflow/ingest-module/internal/config"
	"github.com/bigkaa/gocontentflow/ingest-module/internal/database"
	"github.com/bigkaa/gocontentflow/ingest-module/internal/procclient"
	"github.com/bigkaa/gocontentflow/ingest-module/internal/queue"
	"github.com/bigkaa/gocontentflow/ingest-module/internal/repository"
	"github.com/bigkaa/gocontentflow/ingest-module/internal/server"
	"github.com/bigkaa/gocontentflow/ingest-module/internal/service"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	// 2. Настройка логгера
	logger := config.SetupLogger(cfg)
	logger.Info("Ingest Module запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.Int("services", len(cfg.Services)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Миграции схемы БД
	if err := database.Migrate(cfg, logger); err != nil {
		log.Fatalf("Ошибка миграции БД: %v", err)
	}

	// 4. Подключение к PostgreSQL
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Ошибка подключения к БД: %v", err)
	}
	defer pool.Close()

	// 5. Репозитории и транзакционный runner
	txRunner := repository.NewTxRunner(pool)
	envRepo := repository.NewEnvelopeRepository(pool)
	contentRepo := repository.NewContentRepository(pool)
	categoryRepo := repository.NewCategoryRepository(pool)
	auditRepo := repository.NewAuditRepository(pool)

	// 6. Клиенты сервисов обработки
	clients := make([]service.ProcessingClient, 0, len(cfg.Services))
	for _, svc := range cfg.Services {
		client, err := procclient.New(svc.Name, svc.URL, cfg.ServiceCACertPath, cfg.ServiceTimeout, logger)
		if err != nil {
			log.Fatalf("Ошибка создания клиента сервиса %s: %v", svc.Name, err)
		}
		clients = append(clients, client)
	}

	// 7. Сервисный слой
	auditService := service.NewAuditService(auditRepo, cfg.ComplianceWebhookURL, logger)
	contentService := service.NewContentService(txRunner, contentRepo, logger)
	cacheService := service.NewContentCacheService(contentRepo, cfg.CacheSize, cfg.CacheTTL, logger)
	contentService.AddInvalidator(cacheService)
	contentService.AddInvalidator(service.NewInvalidationEmitter(logger))
	categoryService := service.NewCategoryService(categoryRepo, logger)

	coordinator, err := service.NewCoordinator(clients, contentService,
		cfg.WorkerPoolSize, cfg.ServiceTimeout, logger)
	if err != nil {
		log.Fatalf("Ошибка создания координатора: %v", err)
	}
	defer coordinator.Release()

	// 8. Внутренняя очередь и менеджер повторов.
	// Обработчик очереди — RetryManager.Handle, цикл замыкается
	// через диспетчер, созданный до менеджера.
	var retryManager *service.RetryManager
	dispatcher := queue.NewDispatcher(cfg.QueueCapacity,
		func(ctx context.Context, msg queue.Message) {
			retryManager.Handle(ctx, msg)
		}, logger)
	retryManager = service.NewRetryManager(envRepo, coordinator, auditService, dispatcher,
		cfg.RetryMaxAttempts, cfg.RetryBaseDelay, cfg.RetryMaxDelay, cfg.RetryPollInterval, logger)

	dispatcher.Start(ctx)
	defer dispatcher.Stop()
	retryManager.Start(ctx)
	defer retryManager.Stop()

	// 9. Ingestion Router
	router, err := service.NewRouter(envRepo, auditService, dispatcher, logger)
	if err != nil {
		log.Fatalf("Ошибка создания маршрутизатора: %v", err)
	}

	// 10. Мониторинг зависимостей (topologymetrics)
	pgDB := stdlib.OpenDBFromPool(pool)
	dephealthService, err := service.NewDephealthService(
		"ingest-module",
		cfg.DephealthGroup,
		pgDB,
		cfg.DatabaseURL(),
		cfg.Services,
		cfg.DephealthCheckInterval,
		logger,
	)
	if err != nil {
		log.Fatalf("Ошибка создания мониторинга зависимостей: %v", err)
	}
	if err := dephealthService.Start(ctx); err != nil {
		log.Fatalf("Ошибка запуска мониторинга зависимостей: %v", err)
	}
	defer dephealthService.Stop()

	// 11. HTTP handlers
	h := &server.Handlers{
		Health:      handlers.NewHealthHandler(database.NewReadinessChecker(pool)),
		Envelopes:   handlers.NewEnvelopeHandler(router, logger),
		Content:     handlers.NewContentHandler(cacheService, contentService, auditService, logger),
		Categories:  handlers.NewCategoryHandler(categoryService, logger),
		DeadLetters: handlers.NewDeadLetterHandler(retryManager, logger),
	}

	// 12. Запуск сервера (блокирующий вызов с graceful shutdown)
	srv := server.New(cfg, logger, h)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		log.Fatalf("Сервер завершился с ошибкой: %v", err)
	}

	logger.Info("Ingest Module остановлен")
}
