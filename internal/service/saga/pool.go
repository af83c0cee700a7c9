package saga

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Runner выполняет сагу одного заказа до терминального статуса или yield.
type Runner interface {
	Run(ctx context.Context, orderID string)
}

// PoolOptions задает параметры пула воркеров саг.
type PoolOptions struct {
	Logger    *log.Entry
	Workers   int
	QueueSize int
}

// PoolOption настраивает Pool.
type PoolOption func(*PoolOptions)

// WithPoolLogger задает logger пула.
func WithPoolLogger(logger *log.Entry) PoolOption {
	return func(opts *PoolOptions) {
		opts.Logger = logger
	}
}

// WithWorkers задает число воркеров.
func WithWorkers(workers int) PoolOption {
	return func(opts *PoolOptions) {
		opts.Workers = workers
	}
}

// WithQueueSize задает емкость очереди заказов.
func WithQueueSize(size int) PoolOption {
	return func(opts *PoolOptions) {
		opts.QueueSize = size
	}
}

// Pool раздает запуски саг фиксированному числу воркеров. Submit не блокирует
// вызывающего: при переполненной очереди сага выполняется синхронно — запуск
// идемпотентен, двойная доставка одного заказа безопасна.
type Pool struct {
	runner Runner
	logger *log.Entry

	workers int
	queue   chan string
	stopCh  chan struct{}
	wg      sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewPool создает пул поверх переданного runner-а.
func NewPool(runner Runner, options ...PoolOption) *Pool {
	opts := PoolOptions{
		Workers:   4,
		QueueSize: 100,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "saga-pool")
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize < 0 {
		opts.QueueSize = 0
	}

	return &Pool{
		runner:  runner,
		logger:  logger,
		workers: opts.Workers,
		queue:   make(chan string, opts.QueueSize),
		stopCh:  make(chan struct{}),
	}
}

// Start запускает воркеров пула.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.worker(ctx)
		}
		p.logger.WithField("workers", p.workers).Info("saga pool started")
	})
}

// Stop останавливает пул и дожидается активных саг.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.wg.Wait()
		p.logger.Info("saga pool stopped")
	})
}

// Submit ставит заказ в очередь на выполнение саги.
func (p *Pool) Submit(ctx context.Context, orderID string) {
	select {
	case p.queue <- orderID:
	default:
		// Очередь переполнена — выполняем синхронно, не теряя заказ.
		p.logger.WithField("order_id", orderID).Warn("saga queue full, running synchronously")
		p.runner.Run(ctx, orderID)
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			// Добираем хвост очереди перед выходом.
			for {
				select {
				case orderID := <-p.queue:
					p.runner.Run(ctx, orderID)
				default:
					return
				}
			}
		case orderID := <-p.queue:
			p.runner.Run(ctx, orderID)
		}
	}
}
