// Package bus provides in-process publish/subscribe fan-out for scheduler
// lifecycle events. The pattern miner and other observers consume the bus
// without coupling to the scheduler.
package bus

import (
	"sync"

	"github.com/flowmesh/conductor/pkg/types"
)

// Predicate filters events for a subscription. A nil predicate matches
// everything.
type Predicate func(*types.Event) bool

// Bus fans published events out to subscribers. Delivery is at-least-once
// within the process: each subscriber has an unbounded queue drained by its
// own goroutine, so a slow consumer never blocks Publish or other consumers.
// Events published from a single goroutine (the scheduler's per-graph run
// loop) arrive at every subscriber in publication order.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

type subscriber struct {
	pred Predicate
	out  chan *types.Event
	done chan struct{}

	mu      sync.Mutex
	queue   []*types.Event
	wake    chan struct{}
	stopped bool
}

// New creates an event bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Publish delivers the event to every subscriber whose predicate matches.
// Never blocks on consumers.
func (b *Bus) Publish(evt *types.Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	matched := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.pred == nil || sub.pred(evt) {
			matched = append(matched, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range matched {
		sub.enqueue(evt)
	}
}

// Subscribe registers a consumer. Returned events match the predicate and
// arrive in publication order. The cancel function stops delivery and closes
// the channel; it is safe to call more than once.
func (b *Bus) Subscribe(pred Predicate) (<-chan *types.Event, func()) {
	sub := &subscriber{
		pred: pred,
		out:  make(chan *types.Event),
		done: make(chan struct{}),
		wake: make(chan struct{}, 1),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.out)
		return sub.out, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	go sub.drain()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			sub.stop()
		})
	}
	return sub.out, cancel
}

// Close stops the bus and every subscriber.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[int]*subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	return nil
}

func (s *subscriber) enqueue(evt *types.Event) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, evt)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.done)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// drain moves queued events to the output channel in order.
func (s *subscriber) drain() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return
			}
			select {
			case <-s.wake:
			case <-s.done:
				return
			}
			continue
		}
		evt := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- evt:
		case <-s.done:
			return
		}
	}
}
