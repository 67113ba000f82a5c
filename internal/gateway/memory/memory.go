// Package memory provides an in-process remote store. It backs local runs
// and tests, and can be told to fail or to emit arbitrary events.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tally/internal/core"
	"tally/internal/gateway"
)

// Op names a gateway operation for fault injection.
type Op string

const (
	OpLoadAll   Op = "load_all"
	OpCreate    Op = "create"
	OpUpdate    Op = "update"
	OpDelete    Op = "delete"
	OpSubscribe Op = "subscribe"
)

type Store struct {
	mu       sync.Mutex
	items    map[string][]core.Expense
	failures map[Op]error
	feed     *Broker
	now      func() time.Time
	newID    func() string
}

type Option func(*Store)

// WithClock sets the source of CreatedAt timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDs overrides uuid generation.
func WithIDs(newID func() string) Option {
	return func(s *Store) { s.newID = newID }
}

func New(opts ...Option) *Store {
	s := &Store{
		items:    make(map[string][]core.Expense),
		failures: make(map[Op]error),
		feed:     NewBroker(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ gateway.Gateway = (*Store)(nil)

// FailNext makes the next call of op return err.
func (s *Store) FailNext(op Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = err
}

func (s *Store) takeFailure(op Op) error {
	err, ok := s.failures[op]
	if ok {
		delete(s.failures, op)
	}
	return err
}

// LoadAll returns ownerID's expenses, newest CreatedAt first. Ties keep the
// most recently inserted record first.
func (s *Store) LoadAll(_ context.Context, ownerID string) ([]core.Expense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(OpLoadAll); err != nil {
		return nil, err
	}
	items := s.items[ownerID]
	out := make([]core.Expense, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		out = append(out, items[i])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Create stores the expense and emits an insert event.
func (s *Store) Create(_ context.Context, ownerID string, in core.NewExpense) (core.Expense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(OpCreate); err != nil {
		return core.Expense{}, err
	}
	now := s.now()
	in = in.Normalize(now)
	if err := in.Validate(); err != nil {
		return core.Expense{}, err
	}
	e := core.Expense{
		ID:          s.newID(),
		Amount:      in.Amount,
		Category:    in.Category,
		Description: in.Description,
		Date:        in.Date,
		CreatedAt:   now,
	}
	s.items[ownerID] = append(s.items[ownerID], e)
	_ = s.feed.PublishChange(context.Background(), ownerID, gateway.Event{Kind: gateway.Insert, Record: e})
	return e, nil
}

// Update replaces a stored record and emits an update event.
func (s *Store) Update(_ context.Context, ownerID string, e core.Expense) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(OpUpdate); err != nil {
		return err
	}
	items := s.items[ownerID]
	for i := range items {
		if items[i].ID == e.ID {
			e.CreatedAt = items[i].CreatedAt
			items[i] = e
			_ = s.feed.PublishChange(context.Background(), ownerID, gateway.Event{Kind: gateway.Update, Record: e})
			return nil
		}
	}
	return gateway.ErrNotFound
}

// Delete removes the record scoped to owner and id and emits a delete event.
func (s *Store) Delete(_ context.Context, ownerID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(OpDelete); err != nil {
		return err
	}
	items := s.items[ownerID]
	for i := range items {
		if items[i].ID == id {
			removed := items[i]
			s.items[ownerID] = append(items[:i:i], items[i+1:]...)
			_ = s.feed.PublishChange(context.Background(), ownerID, gateway.Event{Kind: gateway.Delete, Record: removed})
			return nil
		}
	}
	return gateway.ErrNotFound
}

func (s *Store) Subscribe(ctx context.Context, ownerID string, h gateway.Handler) (gateway.Subscription, error) {
	s.mu.Lock()
	err := s.takeFailure(OpSubscribe)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.feed.Subscribe(ctx, ownerID, h)
}

// Emit delivers a raw event to ownerID's subscribers without touching storage.
func (s *Store) Emit(ownerID string, ev gateway.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.feed.PublishChange(context.Background(), ownerID, ev)
}

// Subscribers returns the number of live subscriptions for ownerID.
func (s *Store) Subscribers(ownerID string) int {
	return s.feed.Subscribers(ownerID)
}

// Close stops all subscriptions.
func (s *Store) Close() error {
	return s.feed.Close()
}
