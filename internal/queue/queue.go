// Пакет queue — внутренние очереди конвертов по источникам.
//
// Каждый источник получает собственную FIFO-очередь с независимой
// горутиной-дренажом: медленный или сбойный источник не блокирует
// остальные. Порядок доставки гарантируется только внутри источника.
//
// Очереди не durable: подтверждением обработки служит запись
// терминального или retry_scheduled статуса в Envelope Store,
// восстановление после рестарта выполняет планировщик повторов.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ошибки очереди.
var (
	// ErrQueueFull — очередь источника переполнена.
	ErrQueueFull = errors.New("очередь источника переполнена")
	// ErrStopped — диспетчер остановлен.
	ErrStopped = errors.New("диспетчер очередей остановлен")
)

// Prometheus-метрики очередей.
var (
	enqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "im_queue_enqueued_total",
		Help: "Количество конвертов, поставленных в очереди источников.",
	}, []string{"source"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "im_queue_depth",
		Help: "Текущая глубина очереди источника.",
	}, []string{"source"})
)

// Message — ссылка на конверт в Envelope Store.
// В очереди передаётся только ключ: содержимое читается из БД при обработке.
type Message struct {
	Source         string
	IdempotencyKey string
}

// Handler обрабатывает одно сообщение очереди.
type Handler func(ctx context.Context, msg Message)

// Dispatcher — диспетчер очередей по источникам.
// Очередь источника создаётся лениво при первом Enqueue,
// для каждой запускается одна горутина-дренаж (FIFO внутри источника).
type Dispatcher struct {
	capacity int
	handler  Handler
	logger   *slog.Logger

	mu      sync.Mutex
	queues  map[string]chan Message
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// NewDispatcher создаёт диспетчер очередей.
// capacity — ёмкость очереди одного источника.
func NewDispatcher(capacity int, handler Handler, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		capacity: capacity,
		handler:  handler,
		logger:   logger.With(slog.String("component", "queue_dispatcher")),
		queues:   make(map[string]chan Message),
	}
}

// Start запускает диспетчер. Вызывается один раз при старте приложения.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.logger.Info("Диспетчер очередей запущен", slog.Int("capacity", d.capacity))
}

// Enqueue ставит сообщение в очередь его источника.
// ErrQueueFull при переполнении — источник должен повторить доставку позже.
func (d *Dispatcher) Enqueue(msg Message) error {
	d.mu.Lock()
	if d.stopped || d.ctx == nil {
		d.mu.Unlock()
		return ErrStopped
	}

	ch, ok := d.queues[msg.Source]
	if !ok {
		ch = make(chan Message, d.capacity)
		d.queues[msg.Source] = ch
		d.startDrain(msg.Source, ch)
	}
	d.mu.Unlock()

	select {
	case ch <- msg:
		enqueuedTotal.WithLabelValues(msg.Source).Inc()
		queueDepth.WithLabelValues(msg.Source).Set(float64(len(ch)))
		return nil
	default:
		return ErrQueueFull
	}
}

// startDrain запускает горутину-дренаж очереди источника.
// Вызывается под d.mu.
func (d *Dispatcher) startDrain(source string, ch chan Message) {
	d.wg.Add(1)
	ctx := d.ctx

	go func() {
		defer d.wg.Done()

		d.logger.Info("Очередь источника создана", slog.String("source", source))

		for {
			select {
			case <-ctx.Done():
				d.logger.Info("Дренаж очереди источника остановлен",
					slog.String("source", source),
				)
				return
			case msg := <-ch:
				queueDepth.WithLabelValues(source).Set(float64(len(ch)))
				// Обработка синхронная: FIFO внутри источника.
				d.handler(ctx, msg)
			}
		}
	}()
}

// Stop останавливает все горутины-дренажи и ждёт их завершения.
// Сообщения, оставшиеся в очередях, будут восстановлены из Envelope Store
// планировщиком повторов после рестарта.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	cancel := d.cancel
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
	d.logger.Info("Диспетчер очередей остановлен")
}

// Depth возвращает текущую глубину очереди источника (для тестов и метрик).
func (d *Dispatcher) Depth(source string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, ok := d.queues[source]
	if !ok {
		return 0
	}
	return len(ch)
}
