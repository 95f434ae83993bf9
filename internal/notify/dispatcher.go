package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// sendTimeout ограничивает доставку одного события в один канал
const sendTimeout = 5 * time.Second

// Dispatcher ставит события в буферизованную очередь и рассылает их по каналам
// в фоновых воркерах. При переполнении очереди событие отбрасывается.
type Dispatcher struct {
	queue   chan Event
	sinks   []Sink
	workers int
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
}

var _ Publisher = (*Dispatcher)(nil)

// NewDispatcher создает диспетчер с очередью queueSize и workers воркерами
func NewDispatcher(queueSize, workers int, logger *zap.Logger, sinks ...Sink) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		queue:   make(chan Event, queueSize),
		sinks:   sinks,
		workers: workers,
		logger:  logger,
	}
}

// Publish добавляет событие в очередь, не блокируясь
func (d *Dispatcher) Publish(_ context.Context, e Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	select {
	case d.queue <- e:
	default:
		d.logger.Warn("Очередь уведомлений переполнена, событие отброшено",
			zap.String("type", string(e.Type)),
			zap.Stringer("trade_id", e.TradeID),
		)
	}
}

// Run обрабатывает очередь до отмены ctx, затем дорассылает накопленные события
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("Диспетчер уведомлений запущен",
		zap.Int("workers", d.workers),
		zap.Int("sinks", len(d.sinks)),
	)

	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for e := range d.queue {
				d.deliver(e)
			}
		}()
	}

	<-ctx.Done()

	d.mu.Lock()
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	wg.Wait()
	d.logger.Info("Диспетчер уведомлений остановлен")
	return nil
}

func (d *Dispatcher) deliver(e Event) {
	for _, sink := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := sink.Send(ctx, e)
		cancel()
		if err != nil {
			d.logger.Warn("Не удалось доставить уведомление",
				zap.String("sink", sink.Name()),
				zap.String("type", string(e.Type)),
				zap.Stringer("trade_id", e.TradeID),
				zap.Error(err),
			)
		}
	}
}
