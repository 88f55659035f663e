package broker

import (
	"errors"
	"sync"
)

var ErrNoSubscribers = errors.New("no subscribers")

type subscriber[T any] struct {
	ch     chan T
	mu     sync.Mutex
	queue  []T
	wakeCh chan struct{}
	doneCh chan struct{}
}

func newSubscriber[T any](size int) *subscriber[T] {
	s := &subscriber[T]{
		ch:     make(chan T, size),
		wakeCh: make(chan struct{}, 1),
		doneCh: make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *subscriber[T]) push(t T) {
	s.mu.Lock()
	s.queue = append(s.queue, t)
	s.mu.Unlock()
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *subscriber[T]) pop() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var t T
	if len(s.queue) == 0 {
		return t, false
	}
	t = s.queue[0]
	var zero T
	s.queue[0] = zero
	s.queue = s.queue[1:]
	return t, true
}

// pump moves queued messages to the subscriber channel, one at a time and in order.
func (s *subscriber[T]) pump() {
	defer close(s.ch)
	for {
		t, ok := s.pop()
		if !ok {
			select {
			case <-s.wakeCh:
				continue
			case <-s.doneCh:
				return
			}
		}
		select {
		case s.ch <- t:
		case <-s.doneCh:
			return
		}
	}
}

// Broker implements a simple fan-out message broker.
// Publish never blocks on slow subscribers, and each subscriber receives messages in the order
// they were published.
type Broker[T any] struct {
	mu          sync.Mutex
	subscribers map[string]*subscriber[T]
}

func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{
		subscribers: make(map[string]*subscriber[T]),
	}
}

// Subscribe registers a new subscriber with the given name and channel buffer size.
// It returns a receive-only channel that will receive published messages. Subscribing again with
// the same name replaces (and closes) the previous subscription.
func (b *Broker[T]) Subscribe(name string, size int) <-chan T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.subscribers[name]; ok {
		close(s.doneCh)
	}

	s := newSubscriber[T](size)
	b.subscribers[name] = s

	return s.ch
}

// Unsubscribe removes the named subscriber and closes its channel.
func (b *Broker[T]) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.subscribers[name]
	if !ok {
		return
	}
	close(s.doneCh)
	delete(b.subscribers, name)
}

// Publish queues a message to all registered subscribers.
func (b *Broker[T]) Publish(t T) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.subscribers) == 0 {
		return ErrNoSubscribers
	}

	for _, s := range b.subscribers {
		s.push(t)
	}

	return nil
}

// Close closes all subscriber channels, signaling that no more messages will be published.
// Messages still queued are dropped.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.subscribers {
		close(s.doneCh)
	}

	b.subscribers = make(map[string]*subscriber[T])
}
