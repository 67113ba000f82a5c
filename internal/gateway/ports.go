// Package gateway defines the contract of the remote store the engine
// mirrors: durable storage plus a per-owner change notification stream.
package gateway

import (
	"context"
	"errors"

	"tally/internal/core"
)

// ErrNotFound is returned by Delete when the id does not exist for the owner.
var ErrNotFound = errors.New("expense not found")

const (
	Insert EventKind = "insert"
	Update EventKind = "update"
	Delete EventKind = "delete"
)

type (
	// EventKind identifies a change notification. Values outside the known
	// set can arrive from the wire and must be tolerated by consumers.
	EventKind string

	// Event is a single change notification. For deletes only Record.ID is
	// guaranteed to be set.
	Event struct {
		Kind   EventKind
		Record core.Expense
	}

	// Handler receives events for one subscription, in arrival order.
	Handler func(Event)

	// Subscription is a handle on a live change stream. Unsubscribe stops
	// delivery, is safe to call more than once, and returns only after the
	// handler has stopped being invoked.
	Subscription interface {
		Unsubscribe()
	}
)

// Ports for the remote store.
type (
	ExpenseLoader interface {
		// LoadAll returns the owner's expenses ordered by CreatedAt descending.
		LoadAll(ctx context.Context, ownerID string) ([]core.Expense, error)
	}

	ExpenseCreator interface {
		// Create stores a new expense and returns it with ID and CreatedAt assigned.
		Create(ctx context.Context, ownerID string, in core.NewExpense) (core.Expense, error)
	}

	ExpenseDeleter interface {
		// Delete removes the expense scoped to both owner and id.
		Delete(ctx context.Context, ownerID, id string) error
	}

	ChangeSubscriber interface {
		Subscribe(ctx context.Context, ownerID string, h Handler) (Subscription, error)
	}

	// Gateway is the full remote store surface consumed by the engine.
	Gateway interface {
		ExpenseLoader
		ExpenseCreator
		ExpenseDeleter
		ChangeSubscriber
	}
)

// Known reports whether k is one of the recognised event kinds.
func (k EventKind) Known() bool {
	switch k {
	case Insert, Update, Delete:
		return true
	}
	return false
}

// Valid reports whether the event can be applied: a known kind and a
// record carrying an id.
func (e Event) Valid() bool {
	return e.Kind.Known() && e.Record.ID != ""
}
