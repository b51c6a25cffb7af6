// Package local implements messenger.Messenger as an in-process broker,
// for a single-node server or as the transport a replication peer's
// local subscribers read from.
package local

import (
	"context"
	"sync"

	"github.com/tangramdotdev/tangram/pkg/messenger"
)

// subscriberBuffer is how many pending messages a subscriber can fall
// behind by before Publish starts dropping messages meant for it.
const subscriberBuffer = 64

// publishBuffer is the depth of the broker's internal dispatch queue.
const publishBuffer = 256

type subscription struct {
	ch      chan messenger.Message
	subject messenger.Subject
	broker  *Broker
}

func (s *subscription) Messages() <-chan messenger.Message { return s.ch }

func (s *subscription) Close() error {
	s.broker.unsubscribe(s.subject, s)
	return nil
}

// Broker is an in-process messenger.Messenger, grounded on the same
// subscribe/broadcast/unsubscribe shape the server already used for
// its event stream.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[messenger.Subject]map[*subscription]bool
	publishCh   chan messenger.Message
	stopCh      chan struct{}
}

func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[messenger.Subject]map[*subscription]bool),
		publishCh:   make(chan messenger.Message, publishBuffer),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's dispatch loop.
func (b *Broker) Start() {
	go b.run()
}

func (b *Broker) run() {
	for {
		select {
		case msg := <-b.publishCh:
			b.broadcast(msg)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(msg messenger.Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers[msg.Subject] {
		select {
		case sub.ch <- msg:
		default:
			// subscriber fell behind; drop rather than block the broker
		}
	}
}

func (b *Broker) Publish(ctx context.Context, subject messenger.Subject, data []byte) error {
	msg := messenger.Message{Subject: subject, Data: data}
	select {
	case b.publishCh <- msg:
		return nil
	case <-b.stopCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broker) Subscribe(ctx context.Context, subject messenger.Subject) (messenger.Subscription, error) {
	sub := &subscription{ch: make(chan messenger.Message, subscriberBuffer), subject: subject, broker: b}
	b.mu.Lock()
	if b.subscribers[subject] == nil {
		b.subscribers[subject] = make(map[*subscription]bool)
	}
	b.subscribers[subject][sub] = true
	b.mu.Unlock()
	return sub, nil
}

func (b *Broker) unsubscribe(subject messenger.Subject, sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subscribers[subject]; ok {
		if _, ok := set[sub]; ok {
			delete(set, sub)
			close(sub.ch)
		}
	}
}

// Close stops the dispatch loop. Subscribers are left to drain their
// buffered messages and should call Close on their own Subscription.
func (b *Broker) Close() error {
	close(b.stopCh)
	return nil
}
