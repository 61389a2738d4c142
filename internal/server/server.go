// Пакет server — HTTP-сервер Ingest Module с graceful shutdown.
// Без TLS — HTTP внутри кластера, TLS termination на API Gateway.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/gocontentflow/ingest-module/internal/api/handlers"
	"github.com/bigkaa/gocontentflow/ingest-module/internal/api/middleware"
	"github.com/bigkaa/gocontentflow/ingest-module/internal/config"
)

// Handlers — доменные обработчики, монтируемые на маршруты.
type Handlers struct {
	Health      *handlers.HealthHandler
	Envelopes   *handlers.EnvelopeHandler
	Content     *handlers.ContentHandler
	Categories  *handlers.CategoryHandler
	DeadLetters *handlers.DeadLetterHandler
}

// Server — HTTP-сервер Ingest Module.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт новый HTTP-сервер с настроенными routes и middleware.
func New(cfg *config.Config, logger *slog.Logger, h *Handlers) *Server {
	router := chi.NewRouter()

	// Глобальные middleware (применяются ко ВСЕМ маршрутам)
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))

	router.Get("/health/live", h.Health.HealthLive)
	router.Get("/health/ready", h.Health.HealthReady)
	router.Get("/metrics", h.Health.GetMetrics)

	router.Route("/api/v1", func(r chi.Router) {
		r.Post("/envelopes", h.Envelopes.Ingest)
		r.Get("/envelopes/{source}/{key}", h.Envelopes.GetStatus)
		r.Post("/envelopes/{source}/{key}/cancel", h.DeadLetters.Cancel)

		r.Get("/content/{id}", h.Content.Get)
		r.Get("/content/{id}/versions", h.Content.ListVersions)
		r.Get("/content/{id}/audit", h.Content.ListAudit)

		r.Get("/categories", h.Categories.List)
		r.Post("/categories", h.Categories.Create)
		r.Get("/categories/{id}", h.Categories.Get)
		r.Patch("/categories/{id}", h.Categories.Update)
		r.Delete("/categories/{id}", h.Categories.Delete)

		r.Get("/dead-letters", h.DeadLetters.List)
		r.Post("/dead-letters/{source}/{key}/replay", h.DeadLetters.Replay)
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown.
func (s *Server) Run() error {
	// Канал для ошибок сервера
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Ожидание сигнала завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
