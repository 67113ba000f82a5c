// Package services composes durable storage and a change feed into the
// remote store the engine mirrors.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tally/internal/core"
	"tally/internal/gateway"
	"tally/internal/trace"
)

// Repository is the durable, owner-scoped expense table.
type Repository interface {
	ListByOwner(ctx context.Context, ownerID string) ([]core.Expense, error)
	Insert(ctx context.Context, ownerID string, e core.Expense) error
	Update(ctx context.Context, ownerID string, e core.Expense) (bool, error)
	Delete(ctx context.Context, ownerID, id string) (bool, error)
	Close() error
}

// ChangeFeed carries change notifications between processes.
type ChangeFeed interface {
	PublishChange(ctx context.Context, ownerID string, ev gateway.Event) error
	Subscribe(ctx context.Context, ownerID string, h gateway.Handler) (gateway.Subscription, error)
	Close() error
}

// RemoteStore writes to the repository first and then announces the change.
// A failed publish is logged and never fails the mutation, since the record
// is already durable.
type RemoteStore struct {
	repo   Repository
	feed   ChangeFeed
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

var _ gateway.Gateway = (*RemoteStore)(nil)

type Option func(*RemoteStore)

func WithClock(now func() time.Time) Option {
	return func(s *RemoteStore) { s.now = now }
}

func WithIDs(newID func() string) Option {
	return func(s *RemoteStore) { s.newID = newID }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *RemoteStore) { s.logger = logger }
}

func NewRemoteStore(repo Repository, feed ChangeFeed, opts ...Option) *RemoteStore {
	s := &RemoteStore{
		repo:   repo,
		feed:   feed,
		logger: slog.Default(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RemoteStore) LoadAll(ctx context.Context, ownerID string) ([]core.Expense, error) {
	out, err := s.repo.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("load expenses: %w", err)
	}
	return out, nil
}

// Create assigns id and CreatedAt, saves the record and publishes an insert.
func (s *RemoteStore) Create(ctx context.Context, ownerID string, in core.NewExpense) (core.Expense, error) {
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
	if err := s.repo.Insert(ctx, ownerID, e); err != nil {
		return core.Expense{}, fmt.Errorf("save expense: %w", err)
	}
	s.publish(ctx, ownerID, gateway.Event{Kind: gateway.Insert, Record: e})
	return e, nil
}

// Update rewrites an existing record and publishes an update.
func (s *RemoteStore) Update(ctx context.Context, ownerID string, e core.Expense) error {
	ok, err := s.repo.Update(ctx, ownerID, e)
	if err != nil {
		return fmt.Errorf("update expense: %w", err)
	}
	if !ok {
		return gateway.ErrNotFound
	}
	s.publish(ctx, ownerID, gateway.Event{Kind: gateway.Update, Record: e})
	return nil
}

// Delete removes the record scoped to owner and id. Unknown ids return
// gateway.ErrNotFound and publish nothing.
func (s *RemoteStore) Delete(ctx context.Context, ownerID, id string) error {
	ok, err := s.repo.Delete(ctx, ownerID, id)
	if err != nil {
		return fmt.Errorf("delete expense: %w", err)
	}
	if !ok {
		return gateway.ErrNotFound
	}
	s.publish(ctx, ownerID, gateway.Event{Kind: gateway.Delete, Record: core.Expense{ID: id}})
	return nil
}

func (s *RemoteStore) Subscribe(ctx context.Context, ownerID string, h gateway.Handler) (gateway.Subscription, error) {
	if s.feed == nil {
		return nil, errors.New("change feed not available")
	}
	sub, err := s.feed.Subscribe(ctx, ownerID, h)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return sub, nil
}

func (s *RemoteStore) publish(ctx context.Context, ownerID string, ev gateway.Event) {
	if s.feed == nil {
		s.logger.WarnContext(ctx, "Change feed not available, skipping change message",
			"kind", ev.Kind, "expense_id", ev.Record.ID)
		return
	}
	if err := s.feed.PublishChange(ctx, ownerID, ev); err != nil {
		// Don't fail the mutation - the record is already stored
		s.logger.ErrorContext(ctx, "Failed to publish change message",
			"kind", ev.Kind,
			"expense_id", ev.Record.ID,
			"owner_id", ownerID,
			"operation_id", trace.OperationID(ctx),
			"error", err)
	}
}

// Close closes both the feed and the repository.
func (s *RemoteStore) Close() error {
	var errs []error
	if s.feed != nil {
		if err := s.feed.Close(); err != nil {
			errs = append(errs, fmt.Errorf("feed: %w", err))
		}
	}
	if s.repo != nil {
		if err := s.repo.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close remote store: %w", err)
	}
	return nil
}
