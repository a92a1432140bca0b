// Package broker is the work-queue abstraction spec.md §6 describes as
// four named exchanges (activitypub.publish, incoming.process,
// delivery.report, internal.admin). No example repo in the pack links
// an AMQP/NATS/Kafka client, so this defines a small Go interface with
// an in-process implementation backed by buffered channels — the same
// role the teacher's delivery_queue table plays as a durable work
// queue, generalized to a pub/sub interface so a future durable
// backend (e.g. the sqlite-backed delivery_queue table itself, via
// internal/store) can implement it without call sites changing.
package broker

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Exchange names the four channels spec.md §6 defines.
type Exchange string

const (
	ExchangeActivityPubPublish Exchange = "activitypub.publish"
	ExchangeIncomingProcess    Exchange = "incoming.process"
	ExchangeDeliveryReport     Exchange = "delivery.report"
	ExchangeInternalAdmin      Exchange = "internal.admin"
)

// Message is one envelope published to an exchange.
type Message struct {
	Exchange Exchange
	Key      string
	Payload  []byte
}

// Broker publishes messages and lets consumers subscribe to an
// exchange's stream.
type Broker interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(exchange Exchange) (<-chan Message, func())
	Close() error
}

// InProcess is a Broker backed by one buffered channel per exchange,
// fanning out to every active subscriber. It satisfies the interface
// for a single-process deployment; a durable backend would persist
// Message rows the way the teacher persists DeliveryQueueItem rows.
type InProcess struct {
	mu          sync.RWMutex
	subscribers map[Exchange][]chan Message
	bufferSize  int
	log         zerolog.Logger
	closed      bool
}

// NewInProcess builds an InProcess broker with the given per-subscriber
// channel buffer size.
func NewInProcess(bufferSize int, log zerolog.Logger) *InProcess {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &InProcess{
		subscribers: make(map[Exchange][]chan Message),
		bufferSize:  bufferSize,
		log:         log,
	}
}

func (b *InProcess) Publish(ctx context.Context, msg Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for _, ch := range b.subscribers[msg.Exchange] {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		default:
			b.log.Warn().Str("exchange", string(msg.Exchange)).Msg("subscriber channel full, dropping message")
		}
	}
	return nil
}

// Subscribe returns a channel of messages for exchange and an unsubscribe
// function the caller must invoke when done.
func (b *InProcess) Subscribe(exchange Exchange) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Message, b.bufferSize)
	b.subscribers[exchange] = append(b.subscribers[exchange], ch)

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[exchange]
		for i, c := range subs {
			if c == ch {
				b.subscribers[exchange] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
	return ch, unsubscribe
}

func (b *InProcess) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
	}
	b.subscribers = nil
	return nil
}

// ErrClosed is returned by Publish once the broker has been closed.
var ErrClosed = brokerClosedError{}

type brokerClosedError struct{}

func (brokerClosedError) Error() string { return "broker: closed" }
