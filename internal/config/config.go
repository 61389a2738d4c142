// Пакет config — загрузка и валидация конфигурации Ingest Module
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// ProcessingService — описание внешнего сервиса обработки.
type ProcessingService struct {
	// Имя сервиса (validation, translation, accessibility, ...)
	Name string
	// Базовый URL сервиса
	URL string
}

// Config содержит все параметры конфигурации Ingest Module.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера (диапазон 8000-8009)
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- PostgreSQL ---

	// Хост PostgreSQL
	DBHost string
	// Порт PostgreSQL
	DBPort int
	// Имя базы данных
	DBName string
	// Имя пользователя PostgreSQL
	DBUser string
	// Пароль пользователя PostgreSQL
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- Сервисы обработки ---

	// Список сервисов обработки (name=url, через запятую)
	Services []ProcessingService
	// Таймаут одного вызова сервиса обработки
	ServiceTimeout time.Duration
	// Путь к CA-сертификату для TLS-соединений с сервисами (опционально)
	ServiceCACertPath string

	// --- Очереди и воркеры ---

	// Ёмкость очереди одного источника
	QueueCapacity int
	// Размер пула воркеров для вызовов сервисов обработки
	WorkerPoolSize int

	// --- Политика повторов ---

	// Максимальное количество попыток обработки конверта
	RetryMaxAttempts int
	// Базовая задержка экспоненциального backoff
	RetryBaseDelay time.Duration
	// Максимальная задержка backoff
	RetryMaxDelay time.Duration
	// Интервал опроса конвертов, ожидающих повтора
	RetryPollInterval time.Duration

	// --- Уведомления и кэш ---

	// URL webhook для compliance-уведомлений об удалениях (опционально)
	ComplianceWebhookURL string
	// Размер LRU-кэша метаданных контента
	CacheSize int
	// TTL записи LRU-кэша
	CacheTTL time.Duration

	// --- Мониторинг зависимостей ---

	// Имя группы topologymetrics
	DephealthGroup string
	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration

	// --- Graceful shutdown ---

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// IM_PORT — порт HTTP-сервера (по умолчанию 8003)
	cfg.Port, err = getEnvInt("IM_PORT", 8003)
	if err != nil {
		return nil, fmt.Errorf("IM_PORT: %w", err)
	}
	if cfg.Port < 8000 || cfg.Port > 8009 {
		return nil, fmt.Errorf("IM_PORT: значение %d вне допустимого диапазона 8000-8009", cfg.Port)
	}

	// IM_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("IM_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("IM_LOG_LEVEL: %w", err)
	}

	// IM_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("IM_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("IM_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- PostgreSQL ---

	// IM_DB_HOST — обязательный
	cfg.DBHost, err = getEnvRequired("IM_DB_HOST")
	if err != nil {
		return nil, err
	}

	// IM_DB_PORT — порт PostgreSQL (по умолчанию 5432)
	cfg.DBPort, err = getEnvInt("IM_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("IM_DB_PORT: %w", err)
	}

	// IM_DB_NAME — обязательный
	cfg.DBName, err = getEnvRequired("IM_DB_NAME")
	if err != nil {
		return nil, err
	}

	// IM_DB_USER — обязательный
	cfg.DBUser, err = getEnvRequired("IM_DB_USER")
	if err != nil {
		return nil, err
	}

	// IM_DB_PASSWORD — обязательный
	cfg.DBPassword, err = getEnvRequired("IM_DB_PASSWORD")
	if err != nil {
		return nil, err
	}

	// IM_DB_SSL_MODE — режим SSL (по умолчанию disable)
	cfg.DBSSLMode = getEnvDefault("IM_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("IM_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- Сервисы обработки ---

	// IM_SERVICES — обязательный список сервисов обработки.
	// Формат: "validation=https://val.example.com,translation=https://tr.example.com"
	servicesRaw, err := getEnvRequired("IM_SERVICES")
	if err != nil {
		return nil, err
	}
	cfg.Services, err = parseServices(servicesRaw)
	if err != nil {
		return nil, fmt.Errorf("IM_SERVICES: %w", err)
	}

	// IM_SERVICE_TIMEOUT — таймаут вызова сервиса обработки (по умолчанию 30s)
	cfg.ServiceTimeout, err = getEnvDuration("IM_SERVICE_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IM_SERVICE_TIMEOUT: %w", err)
	}

	// IM_SERVICE_CA_CERT_PATH — путь к CA-сертификату сервисов (опционально)
	cfg.ServiceCACertPath = getEnvDefault("IM_SERVICE_CA_CERT_PATH", "")

	// --- Очереди и воркеры ---

	// IM_QUEUE_CAPACITY — ёмкость очереди источника (по умолчанию 1024)
	cfg.QueueCapacity, err = getEnvInt("IM_QUEUE_CAPACITY", 1024)
	if err != nil {
		return nil, fmt.Errorf("IM_QUEUE_CAPACITY: %w", err)
	}
	if cfg.QueueCapacity < 1 {
		return nil, fmt.Errorf("IM_QUEUE_CAPACITY: значение %d должно быть положительным", cfg.QueueCapacity)
	}

	// IM_WORKER_POOL_SIZE — размер пула воркеров (по умолчанию 16)
	cfg.WorkerPoolSize, err = getEnvInt("IM_WORKER_POOL_SIZE", 16)
	if err != nil {
		return nil, fmt.Errorf("IM_WORKER_POOL_SIZE: %w", err)
	}
	if cfg.WorkerPoolSize < 1 {
		return nil, fmt.Errorf("IM_WORKER_POOL_SIZE: значение %d должно быть положительным", cfg.WorkerPoolSize)
	}

	// --- Политика повторов ---

	// IM_RETRY_MAX_ATTEMPTS — максимум попыток обработки (по умолчанию 5)
	cfg.RetryMaxAttempts, err = getEnvInt("IM_RETRY_MAX_ATTEMPTS", 5)
	if err != nil {
		return nil, fmt.Errorf("IM_RETRY_MAX_ATTEMPTS: %w", err)
	}
	if cfg.RetryMaxAttempts < 1 || cfg.RetryMaxAttempts > 100 {
		return nil, fmt.Errorf("IM_RETRY_MAX_ATTEMPTS: значение %d вне допустимого диапазона 1-100", cfg.RetryMaxAttempts)
	}

	// IM_RETRY_BASE_DELAY — базовая задержка backoff (по умолчанию 1s)
	cfg.RetryBaseDelay, err = getEnvDuration("IM_RETRY_BASE_DELAY", time.Second)
	if err != nil {
		return nil, fmt.Errorf("IM_RETRY_BASE_DELAY: %w", err)
	}

	// IM_RETRY_MAX_DELAY — максимальная задержка backoff (по умолчанию 5m)
	cfg.RetryMaxDelay, err = getEnvDuration("IM_RETRY_MAX_DELAY", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("IM_RETRY_MAX_DELAY: %w", err)
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		return nil, fmt.Errorf("IM_RETRY_MAX_DELAY: значение %s меньше базовой задержки %s", cfg.RetryMaxDelay, cfg.RetryBaseDelay)
	}

	// IM_RETRY_POLL_INTERVAL — интервал опроса отложенных конвертов (по умолчанию 5s)
	cfg.RetryPollInterval, err = getEnvDuration("IM_RETRY_POLL_INTERVAL", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IM_RETRY_POLL_INTERVAL: %w", err)
	}

	// --- Уведомления и кэш ---

	// IM_COMPLIANCE_WEBHOOK_URL — webhook compliance-уведомлений (опционально)
	cfg.ComplianceWebhookURL = strings.TrimRight(getEnvDefault("IM_COMPLIANCE_WEBHOOK_URL", ""), "/")

	// IM_CACHE_SIZE — размер LRU-кэша метаданных (по умолчанию 1000)
	cfg.CacheSize, err = getEnvInt("IM_CACHE_SIZE", 1000)
	if err != nil {
		return nil, fmt.Errorf("IM_CACHE_SIZE: %w", err)
	}
	if cfg.CacheSize < 1 {
		return nil, fmt.Errorf("IM_CACHE_SIZE: значение %d должно быть положительным", cfg.CacheSize)
	}

	// IM_CACHE_TTL — TTL записи кэша (по умолчанию 5m)
	cfg.CacheTTL, err = getEnvDuration("IM_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("IM_CACHE_TTL: %w", err)
	}

	// --- Мониторинг зависимостей ---

	// IM_DEPHEALTH_GROUP — имя группы topologymetrics (по умолчанию contentflow)
	cfg.DephealthGroup = getEnvDefault("IM_DEPHEALTH_GROUP", "contentflow")

	// IM_DEPHEALTH_CHECK_INTERVAL — интервал проверки зависимостей (по умолчанию 15s)
	cfg.DephealthCheckInterval, err = getEnvDuration("IM_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IM_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// --- Graceful shutdown ---

	// IM_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 5s)
	cfg.ShutdownTimeout, err = getEnvDuration("IM_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("IM_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL подключения к PostgreSQL (для лейблов dephealth).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// parseServices разбирает список сервисов обработки из строки "name=url,name=url".
// Имена сервисов должны быть уникальны.
func parseServices(raw string) ([]ProcessingService, error) {
	var services []ProcessingService
	seen := map[string]bool{}

	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, url, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("некорректный элемент %q, ожидается формат name=url", part)
		}
		name = strings.TrimSpace(name)
		url = strings.TrimRight(strings.TrimSpace(url), "/")
		if name == "" || url == "" {
			return nil, fmt.Errorf("некорректный элемент %q, имя и URL не могут быть пустыми", part)
		}
		if seen[name] {
			return nil, fmt.Errorf("дублирующееся имя сервиса %q", name)
		}
		seen[name] = true
		services = append(services, ProcessingService{Name: name, URL: url})
	}

	if len(services) == 0 {
		return nil, fmt.Errorf("список сервисов пуст")
	}
	return services, nil
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("недопустимый уровень логирования %q, допустимые: debug, info, warn, error", s)
	}
}
