package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"tally/internal/core"
	"tally/internal/gateway"
	"tally/internal/log"
	"tally/internal/trace"
)

// AddExpense creates the expense remotely and, once confirmed, inserts it
// at the front of the mirror. The mirror is untouched on any failure.
// Results confirmed after the identity changed are not applied.
func (e *Engine) AddExpense(ctx context.Context, in core.NewExpense) (core.Expense, error) {
	owner, gen := e.session()
	if owner == "" {
		return core.Expense{}, ErrUnauthenticated
	}
	in = in.Normalize(e.now())
	if err := in.Validate(); err != nil {
		return core.Expense{}, err
	}

	ctx, opID := trace.WithOperationID(ctx)
	logger := e.logger.WithComponent(log.ComponentCoordinator)
	start := time.Now()
	created, err := e.gw.Create(ctx, owner, in)
	fields := log.NewFields().WithOperation(log.OpCreate).WithOperationID(opID).WithOwner(owner)
	if err != nil {
		logger.ErrorContext(ctx, "Create expense failed",
			fields.WithError(err).WithDuration(time.Since(start)).ToSlice()...)
		return core.Expense{}, &GatewayError{Op: log.OpCreate, Err: err}
	}

	e.confirm(ctx, gen, gateway.Event{Kind: gateway.Insert, Record: created})
	logger.InfoContext(ctx, "Expense added",
		fields.WithExpense(created).WithDuration(time.Since(start)).ToSlice()...)
	return created, nil
}

// DeleteExpense deletes the owner's expense remotely and removes it from the
// mirror. A record that is already gone remotely is not an error and is
// still removed locally.
func (e *Engine) DeleteExpense(ctx context.Context, id string) error {
	owner, gen := e.session()
	if owner == "" {
		return ErrUnauthenticated
	}
	if strings.TrimSpace(id) == "" {
		return &core.ValidationError{Field: "id", Reason: "must not be empty"}
	}

	ctx, opID := trace.WithOperationID(ctx)
	logger := e.logger.WithComponent(log.ComponentCoordinator)
	start := time.Now()
	err := e.gw.Delete(ctx, owner, id)
	elapsed := time.Since(start).Milliseconds()
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		logger.InfoContext(ctx, "Expense already deleted",
			log.FieldOperation, log.OpDelete,
			log.FieldOpID, opID,
			log.FieldOwnerID, owner,
			log.FieldExpenseID, id)
	case err != nil:
		logger.ErrorContext(ctx, "Delete expense failed",
			log.NewFields().WithOperation(log.OpDelete).WithOperationID(opID).WithOwner(owner).WithExpenseID(id).WithError(err).ToSlice()...)
		return &GatewayError{Op: log.OpDelete, Err: err}
	default:
		logger.InfoContext(ctx, "Expense deleted",
			log.FieldOperation, log.OpDelete,
			log.FieldOpID, opID,
			log.FieldOwnerID, owner,
			log.FieldExpenseID, id,
			log.FieldDuration, elapsed)
	}

	e.confirm(ctx, gen, gateway.Event{Kind: gateway.Delete, Record: core.Expense{ID: id}})
	return nil
}

// confirm hands a gateway-confirmed change to the apply loop and waits for
// it. The remote side already succeeded, so a cancelled wait is only
// logged; the change stream echo still reaches the mirror.
func (e *Engine) confirm(ctx context.Context, gen uint64, ev gateway.Event) {
	done := make(chan struct{})
	err := e.enqueue(ctx, command{kind: cmdConfirmed, gen: gen, event: ev, done: done})
	if err == nil {
		err = e.wait(ctx, done)
	}
	if err != nil {
		e.logger.WarnContext(ctx, "Confirmed change not applied locally",
			log.FieldOpID, trace.OperationID(ctx),
			log.FieldEventKind, string(ev.Kind),
			log.FieldExpenseID, ev.Record.ID,
			log.FieldError, err)
	}
}
