// Package engine keeps a local mirror of one owner's expenses consistent
// with the remote store.
//
// Every write to the mirror goes through a single queue drained by Run:
// change stream events, confirmed mutations, initial snapshots and
// clears. Each identity switch starts a new session generation; anything
// tagged with an older generation is dropped when it reaches the loop.
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"tally/internal/aggregate"
	"tally/internal/auth"
	"tally/internal/core"
	"tally/internal/gateway"
	"tally/internal/log"
	"tally/internal/mirror"
)

type Engine struct {
	gw        gateway.Gateway
	logger    *log.Logger
	now       func() time.Time
	agg       aggregate.Options
	queueSize int

	mirror *mirror.Mirror
	queue  chan command

	mu          sync.Mutex
	owner       string
	gen         uint64
	sub         gateway.Subscription
	sessionDone chan struct{}
	ready       chan struct{} // closed once the session's snapshot is installed

	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	runDone  chan struct{}
}

func New(gw gateway.Gateway, opts ...Option) *Engine {
	e := &Engine{
		gw:        gw,
		logger:    log.Discard(),
		now:       time.Now,
		agg:       aggregate.DefaultOptions(),
		queueSize: defaultQueueSize,
		mirror:    mirror.New(),
		stop:      make(chan struct{}),
		runDone:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithComponent(log.ComponentEngine)
	e.queue = make(chan command, e.queueSize)
	return e
}

// Run applies queued writes until ctx is done or Close is called. It must be
// running for SetIdentity and the mutations to complete.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine already running")
	}
	defer close(e.runDone)
	defer e.mirror.Clear()

	r := newReconciler(e.mirror, e.logger.WithComponent(log.ComponentReconciler))
	for {
		select {
		case <-e.stop:
			return nil
		default:
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stop:
			return nil
		case cmd := <-e.queue:
			r.apply(cmd)
		}
	}
}

// SetIdentity switches the engine to ownerID. The previous subscription is
// torn down and the mirror cleared first. For a non-empty id it subscribes,
// loads every record and returns once the mirror holds them. An empty id
// signs the engine out. Asking again for the current owner waits for the
// session's load instead of starting over; if that load is abandoned the
// switch is retried.
func (e *Engine) SetIdentity(ctx context.Context, ownerID string) error {
	e.mu.Lock()
	if e.isClosed() {
		e.mu.Unlock()
		return ErrClosed
	}
	if ownerID != "" && ownerID == e.owner {
		ready, sd := e.ready, e.sessionDone
		e.mu.Unlock()
		select {
		case <-ready:
			return nil
		case <-sd:
			return e.SetIdentity(ctx, ownerID)
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stop:
			return ErrClosed
		}
	}
	gen, sd, old, done := e.switchLocked(ownerID)
	ready := e.ready
	e.mu.Unlock()

	if old != nil {
		old.Unsubscribe()
	}
	// Any failure past this point leaves the engine signed out.
	fail := func(err error) error {
		e.abandon(ctx, gen)
		return err
	}

	if err := e.wait(ctx, done); err != nil {
		return fail(err)
	}
	if ownerID == "" {
		e.logger.InfoContext(ctx, "Session cleared", log.FieldGeneration, gen)
		return nil
	}

	sub, err := e.gw.Subscribe(ctx, ownerID, e.handler(gen, sd))
	if err != nil {
		e.logger.ErrorContext(ctx, "Subscribe failed", log.FieldOwnerID, ownerID, log.FieldError, err)
		return fail(&GatewayError{Op: log.OpSubscribe, Err: err})
	}
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	e.sub = sub
	e.mu.Unlock()

	records, err := e.gw.LoadAll(ctx, ownerID)
	if err != nil {
		e.logger.ErrorContext(ctx, "Initial load failed", log.FieldOwnerID, ownerID, log.FieldError, err)
		return fail(&GatewayError{Op: log.OpLoadAll, Err: err})
	}

	loaded := make(chan struct{})
	if err := e.enqueue(ctx, command{kind: cmdSnapshot, gen: gen, records: records, done: loaded}); err != nil {
		return fail(err)
	}
	if err := e.wait(ctx, loaded); err != nil {
		return fail(err)
	}
	e.mu.Lock()
	if e.gen == gen {
		close(ready)
	}
	e.mu.Unlock()
	e.logger.InfoContext(ctx, "Session ready",
		log.FieldOwnerID, ownerID,
		log.FieldGeneration, gen,
		log.FieldCount, len(records))
	return nil
}

// Follow drives SetIdentity from identity notifications until ctx is done
// or ch is closed. Failures are logged and the next notification retries.
func (e *Engine) Follow(ctx context.Context, ch <-chan auth.Identity) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case id, ok := <-ch:
			if !ok {
				return nil
			}
			if err := e.SetIdentity(ctx, id.UserID); err != nil {
				if errors.Is(err, ErrClosed) {
					return nil
				}
				e.logger.ErrorContext(ctx, "Identity switch failed", log.FieldOwnerID, id.UserID, log.FieldError, err)
			}
		}
	}
}

// Owner returns the identity the mirror belongs to, or "" when signed out.
func (e *Engine) Owner() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.owner
}

// Expenses returns a copy of the mirror in display order.
func (e *Engine) Expenses() []core.Expense {
	return e.mirror.Snapshot()
}

func (e *Engine) Summary(now time.Time) aggregate.Summary {
	return aggregate.Summarize(e.mirror.Snapshot(), now, e.agg)
}

func (e *Engine) Engagement(now time.Time) aggregate.Engagement {
	return aggregate.Engage(e.mirror.Snapshot(), now, e.agg)
}

// Close unsubscribes, stops Run and clears the mirror.
func (e *Engine) Close() error {
	e.mu.Lock()
	sub := e.sub
	e.sub = nil
	e.owner = ""
	e.gen++
	if e.sessionDone != nil {
		close(e.sessionDone)
		e.sessionDone = nil
	}
	e.stopOnce.Do(func() { close(e.stop) })
	e.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	if e.running.Load() {
		<-e.runDone
	} else {
		e.mirror.Clear()
	}
	return nil
}

// switchLocked starts a new generation for ownerID and queues the reset
// that clears the mirror. Callers hold e.mu; holding it while queueing keeps
// the reset ahead of anything tagged with the new generation.
func (e *Engine) switchLocked(ownerID string) (uint64, chan struct{}, gateway.Subscription, chan struct{}) {
	old := e.sub
	if e.sessionDone != nil {
		close(e.sessionDone)
	}
	e.gen++
	e.owner = ownerID
	e.sub = nil
	sd := make(chan struct{})
	e.sessionDone = sd
	e.ready = make(chan struct{})

	done := make(chan struct{})
	e.enqueueReset(command{kind: cmdReset, gen: e.gen, loading: ownerID != "", done: done})
	return e.gen, sd, old, done
}

// abandon signs the engine out if gen is still current.
func (e *Engine) abandon(ctx context.Context, gen uint64) {
	e.mu.Lock()
	if e.gen != gen || e.isClosed() {
		e.mu.Unlock()
		return
	}
	_, _, old, done := e.switchLocked("")
	e.mu.Unlock()
	if old != nil {
		old.Unsubscribe()
	}
	_ = e.wait(ctx, done)
}

// session returns the current owner and generation.
func (e *Engine) session() (string, uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.owner, e.gen
}

func (e *Engine) handler(gen uint64, sd <-chan struct{}) gateway.Handler {
	return func(ev gateway.Event) {
		select {
		case e.queue <- command{kind: cmdEvent, gen: gen, event: ev}:
		case <-sd:
		case <-e.stop:
		}
	}
}

// enqueueReset ignores caller cancellation: a generation bump must always
// reach the loop, otherwise the mirror would keep the previous owner's data.
func (e *Engine) enqueueReset(cmd command) {
	select {
	case e.queue <- cmd:
	case <-e.stop:
	case <-e.runDone:
	}
}

func (e *Engine) enqueue(ctx context.Context, cmd command) error {
	select {
	case e.queue <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stop:
		return ErrClosed
	case <-e.runDone:
		return ErrClosed
	}
}

func (e *Engine) wait(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stop:
		return ErrClosed
	case <-e.runDone:
		return ErrClosed
	}
}

func (e *Engine) isClosed() bool {
	select {
	case <-e.stop:
		return true
	default:
		return false
	}
}
