package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ossobv/osso-djuty-sub000/models"
	"go.uber.org/zap"
)

// PaymentUpdated is fired after a committed state transition. Payment is a
// snapshot of the record right after the transition.
type PaymentUpdated struct {
	Payment *models.Payment
	Change  models.Change
	At      time.Time
}

// Handler receives payment_updated notifications.
type Handler interface {
	HandlePaymentUpdated(ctx context.Context, ev PaymentUpdated) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev PaymentUpdated) error

func (f HandlerFunc) HandlePaymentUpdated(ctx context.Context, ev PaymentUpdated) error {
	return f(ctx, ev)
}

// Publisher is what the reconciliation driver fires events through.
type Publisher interface {
	Publish(ctx context.Context, ev PaymentUpdated)
}

type subscriber struct {
	name    string
	handler Handler
}

// Dispatcher delivers every event to all subscribers synchronously, in
// subscription order. A failing or panicking subscriber is logged and does
// not affect the others or the caller.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers []subscriber
	logger      *zap.Logger
}

// NewDispatcher creates a Dispatcher without subscribers.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	return &Dispatcher{logger: logger}
}

// Subscribe registers h under name.
func (d *Dispatcher) Subscribe(name string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers = append(d.subscribers, subscriber{name: name, handler: h})
}

// Publish implements Publisher.
func (d *Dispatcher) Publish(ctx context.Context, ev PaymentUpdated) {
	d.mu.RLock()
	subs := make([]subscriber, len(d.subscribers))
	copy(subs, d.subscribers)
	d.mu.RUnlock()

	for _, s := range subs {
		if err := d.deliver(ctx, s, ev); err != nil {
			d.logger.Error("payment_updated subscriber failed",
				zap.String("subscriber", s.name),
				zap.String("payment_id", ev.Payment.ID.String()),
				zap.String("change", string(ev.Change)),
				zap.Error(err),
			)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, s subscriber, ev PaymentUpdated) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.handler.HandlePaymentUpdated(ctx, ev)
}
