package memory

import (
	"context"
	"sync"

	"tally/internal/gateway"
)

// Broker fans change events out to per-owner subscribers inside the
// process. Each subscription owns an unbounded ordered queue drained by its
// own goroutine, so publishing never blocks on a slow handler.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[*subscription]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[*subscription]struct{})}
}

// Subscribe registers h for ownerID's events.
func (b *Broker) Subscribe(_ context.Context, ownerID string, h gateway.Handler) (gateway.Subscription, error) {
	s := &subscription{
		broker: b,
		owner:  ownerID,
		h:      h,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	b.mu.Lock()
	if b.subs[ownerID] == nil {
		b.subs[ownerID] = make(map[*subscription]struct{})
	}
	b.subs[ownerID][s] = struct{}{}
	b.mu.Unlock()

	go s.loop()
	return s, nil
}

// PublishChange queues ev for every current subscriber of ownerID.
func (b *Broker) PublishChange(_ context.Context, ownerID string, ev gateway.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs[ownerID] {
		s.push(ev)
	}
	return nil
}

// Subscribers returns the number of live subscriptions for ownerID.
func (b *Broker) Subscribers(ownerID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[ownerID])
}

// Close stops every subscription.
func (b *Broker) Close() error {
	b.mu.Lock()
	var all []*subscription
	for _, set := range b.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	b.mu.Unlock()
	for _, s := range all {
		s.Unsubscribe()
	}
	return nil
}

func (b *Broker) remove(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[s.owner]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.owner)
		}
	}
}

type subscription struct {
	broker *Broker
	owner  string
	h      gateway.Handler

	mu     sync.Mutex
	queue  []gateway.Event
	wake   chan struct{}
	done   chan struct{}
	exited chan struct{}
	once   sync.Once
}

func (s *subscription) push(ev gateway.Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) next() (gateway.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return gateway.Event{}, false
	}
	ev := s.queue[0]
	s.queue = s.queue[1:]
	return ev, true
}

func (s *subscription) loop() {
	defer close(s.exited)
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			ev, ok := s.next()
			if !ok {
				break
			}
			select {
			case <-s.done:
				return
			default:
			}
			s.h(ev)
		}
	}
}

// Unsubscribe must not be called from inside the subscription's own handler.
func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.broker.remove(s)
		close(s.done)
	})
	<-s.exited
}
