// Пакет procclient — HTTP-клиент для внешних сервисов обработки
// (validation, translation, accessibility, ...).
// Поддерживает TLS с кастомным CA (IM_SERVICE_CA_CERT_PATH).
// Контракт: POST /api/v1/process, запрос — полезная нагрузка конверта
// и вид операции, ответ — обогащённая нагрузка с дополнениями метаданных
// либо классифицированный отказ (transient/permanent).
package procclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/gocontentflow/ingest-module/internal/domain/model"
)

// Prometheus-метрики вызовов сервисов обработки.
var (
	serviceCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "im_service_calls_total",
		Help: "Количество вызовов сервисов обработки по исходам.",
	}, []string{"service", "outcome"}) // outcome: ok, transient, permanent

	serviceCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "im_service_call_duration_seconds",
		Help:    "Длительность вызовов сервисов обработки в секундах.",
		Buckets: prometheus.DefBuckets,
	}, []string{"service"})
)

// Result — успешный результат сервиса обработки.
type Result struct {
	// ContentText — обогащённый текст контента (пустой — без изменений)
	ContentText string `json:"content_text,omitempty"`
	// Metadata — дополнения метаданных "категория → значение"
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ServiceError — классифицированный отказ сервиса обработки.
type ServiceError struct {
	// Service — имя отказавшего сервиса
	Service string
	// Transient — true для временных отказов (таймаут, сеть, 5xx)
	Transient bool
	// Reason — человекочитаемая причина
	Reason string
}

func (e *ServiceError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("сервис %s: отказ (%s): %s", e.Service, kind, e.Reason)
}

// Client — HTTP-клиент одного сервиса обработки.
type Client struct {
	name       string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// New создаёт клиент сервиса обработки.
// caCertPath — путь к CA-сертификату для TLS (пустая строка — стандартный пул).
// timeout — таймаут одного вызова; превышение классифицируется как transient.
func New(name, baseURL, caCertPath string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	httpClient := &http.Client{Timeout: timeout}

	if caCertPath != "" {
		tlsConfig, err := buildTLSConfig(caCertPath)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата сервисов обработки: %w", err)
		}
		httpClient.Transport = &http.Transport{
			TLSClientConfig: tlsConfig,
		}
	}

	return &Client{
		name:       name,
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger.With(slog.String("component", "proc_client"), slog.String("service", name)),
	}, nil
}

// Name возвращает имя сервиса.
func (c *Client) Name() string {
	return c.name
}

// URL возвращает базовый URL сервиса (для dephealth).
func (c *Client) URL() string {
	return c.baseURL
}

// processRequest — тело запроса к сервису обработки.
type processRequest struct {
	Operation   model.Operation   `json:"operation"`
	ContentText string            `json:"content_text,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// failureResponse — тело ответа с отказом (HTTP 422).
type failureResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Process выполняет один вызов сервиса обработки.
// Ошибки всегда имеют тип *ServiceError с классификацией transient/permanent:
//   - таймаут, сетевые ошибки, 5xx — transient
//   - HTTP 422 — permanent (контент не прошёл правила сервиса)
//   - прочие неожиданные ответы — transient
func (c *Client) Process(ctx context.Context, op model.Operation, payload model.Payload) (*Result, error) {
	start := time.Now()
	result, err := c.process(ctx, op, payload)
	serviceCallDuration.WithLabelValues(c.name).Observe(time.Since(start).Seconds())

	outcome := "ok"
	if err != nil {
		var svcErr *ServiceError
		if errors.As(err, &svcErr) && !svcErr.Transient {
			outcome = "permanent"
		} else {
			outcome = "transient"
		}
	}
	serviceCallsTotal.WithLabelValues(c.name, outcome).Inc()

	return result, err
}

func (c *Client) process(ctx context.Context, op model.Operation, payload model.Payload) (*Result, error) {
	body, err := json.Marshal(processRequest{
		Operation:   op,
		ContentText: payload.ContentText,
		Metadata:    payload.Metadata,
	})
	if err != nil {
		return nil, &ServiceError{Service: c.name, Transient: false,
			Reason: fmt.Sprintf("ошибка сериализации запроса: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/process", bytes.NewReader(body))
	if err != nil {
		return nil, &ServiceError{Service: c.name, Transient: false,
			Reason: fmt.Sprintf("ошибка создания запроса: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Таймауты и сетевые ошибки — всегда transient
		return nil, &ServiceError{Service: c.name, Transient: true,
			Reason: fmt.Sprintf("ошибка вызова: %v", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, &ServiceError{Service: c.name, Transient: true,
			Reason: fmt.Sprintf("ошибка чтения ответа: %v", err)}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var result Result
		if err := json.Unmarshal(respBody, &result); err != nil {
			return nil, &ServiceError{Service: c.name, Transient: true,
				Reason: fmt.Sprintf("некорректный JSON в ответе: %v", err)}
		}
		return &result, nil

	case resp.StatusCode == http.StatusUnprocessableEntity:
		// Контент не прошёл правила сервиса — permanent, повтор бессмыслен
		var failure failureResponse
		reason := "контент отклонён сервисом обработки"
		if err := json.Unmarshal(respBody, &failure); err == nil && failure.Error.Message != "" {
			reason = failure.Error.Message
		}
		return nil, &ServiceError{Service: c.name, Transient: false, Reason: reason}

	default:
		return nil, &ServiceError{Service: c.name, Transient: true,
			Reason: fmt.Sprintf("неожиданный статус ответа: %d", resp.StatusCode)}
	}
}

// buildTLSConfig создаёт TLS-конфигурацию с кастомным CA.
func buildTLSConfig(caCertPath string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("чтение файла %s: %w", caCertPath, err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("файл %s не содержит валидных PEM-сертификатов", caCertPath)
	}

	return &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
	}, nil
}
