package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/storefront-orders/internal/core/domain"
	"github.com/rl1809/storefront-orders/internal/port"
)

var (
	ErrQueueFull = errors.New("event queue full")
	ErrClosed    = errors.New("event dispatcher closed")
)

type eventKind int

const (
	eventPlaced eventKind = iota
	eventDelivered
)

type job struct {
	kind  eventKind
	order domain.Order
}

// Dispatcher moves publishing off the request path. Events are queued and a
// fixed pool of workers hands them to the underlying publisher.
type Dispatcher struct {
	next    port.EventPublisher
	logger  *zap.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan job
	wg     sync.WaitGroup
}

func NewDispatcher(next port.EventPublisher, logger *zap.Logger, workers, queueSize int) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers < 1 {
		workers = 1
	}
	d := &Dispatcher{
		next:    next,
		logger:  logger,
		timeout: 5 * time.Second,
		queue:   make(chan job, queueSize),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go func(id int) {
			defer d.wg.Done()
			d.workerLoop(id)
		}(i)
	}
	return d
}

func (d *Dispatcher) PublishOrderPlaced(ctx context.Context, o domain.Order) error {
	return d.enqueue(job{kind: eventPlaced, order: o})
}

func (d *Dispatcher) PublishOrderDelivered(ctx context.Context, o domain.Order) error {
	return d.enqueue(job{kind: eventDelivered, order: o})
}

func (d *Dispatcher) enqueue(j job) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting events and waits for the queue to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *Dispatcher) workerLoop(id int) {
	for j := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)

		var err error
		switch j.kind {
		case eventPlaced:
			err = d.next.PublishOrderPlaced(ctx, j.order)
		case eventDelivered:
			err = d.next.PublishOrderDelivered(ctx, j.order)
		}
		if err != nil {
			d.logger.Error("failed to publish event",
				zap.Int("worker", id),
				zap.String("order_id", j.order.ID),
				zap.Error(err))
		}

		cancel()
	}
}
