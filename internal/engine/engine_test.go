package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tally/internal/core"
	"tally/internal/gateway"
	"tally/internal/log"
)

var base = time.Date(2024, 1, 20, 12, 0, 0, 0, time.UTC)

type fakeGateway struct {
	mu       sync.Mutex
	records  map[string][]core.Expense
	handlers map[string]gateway.Handler
	all      []gateway.Handler
	active   int
	unsubs   int
	nextID   int

	loadErr   error
	subErr    error
	createErr error
	deleteErr error

	createHook func(created core.Expense)
	loadHook   func(owner string)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		records:  make(map[string][]core.Expense),
		handlers: make(map[string]gateway.Handler),
	}
}

func (f *fakeGateway) seed(owner string, records ...core.Expense) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[owner] = append(f.records[owner], records...)
}

func (f *fakeGateway) LoadAll(_ context.Context, owner string) ([]core.Expense, error) {
	f.mu.Lock()
	hook, err := f.loadHook, f.loadErr
	out := append([]core.Expense(nil), f.records[owner]...)
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if hook != nil {
		hook(owner)
	}
	return out, nil
}

func (f *fakeGateway) Create(_ context.Context, owner string, in core.NewExpense) (core.Expense, error) {
	f.mu.Lock()
	if f.createErr != nil {
		err := f.createErr
		f.mu.Unlock()
		return core.Expense{}, err
	}
	f.nextID++
	e := core.Expense{
		ID:          fmt.Sprintf("srv-%d", f.nextID),
		Amount:      in.Amount,
		Category:    in.Category,
		Description: in.Description,
		Date:        in.Date,
		CreatedAt:   base.Add(time.Duration(f.nextID) * time.Minute),
	}
	hook := f.createHook
	f.mu.Unlock()
	if hook != nil {
		hook(e)
	}
	return e, nil
}

func (f *fakeGateway) Delete(_ context.Context, owner, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleteErr
}

func (f *fakeGateway) Subscribe(_ context.Context, owner string, h gateway.Handler) (gateway.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return nil, f.subErr
	}
	f.handlers[owner] = h
	f.all = append(f.all, h)
	f.active++
	return &fakeSub{f: f, owner: owner}, nil
}

// emit delivers ev synchronously through the owner's live subscription.
func (f *fakeGateway) emit(owner string, ev gateway.Event) {
	f.mu.Lock()
	h := f.handlers[owner]
	f.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// handler returns the owner's live handler, nil when none.
func (f *fakeGateway) handler(owner string) gateway.Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[owner]
}

// emitAll delivers ev through every handler ever registered, including
// torn-down ones.
func (f *fakeGateway) emitAll(ev gateway.Event) {
	f.mu.Lock()
	hs := append([]gateway.Handler(nil), f.all...)
	f.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (f *fakeGateway) counts() (active, unsubs int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, f.unsubs
}

type fakeSub struct {
	f     *fakeGateway
	owner string
	once  sync.Once
}

func (s *fakeSub) Unsubscribe() {
	s.once.Do(func() {
		s.f.mu.Lock()
		defer s.f.mu.Unlock()
		delete(s.f.handlers, s.owner)
		s.f.active--
		s.f.unsubs++
	})
}

// lockedBuffer collects log output written from the apply loop and callers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startEngine(t *testing.T, gw gateway.Gateway, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return base })}, opts...)
	e := New(gw, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx)
	t.Cleanup(func() {
		e.Close()
		cancel()
	})
	return e
}

// flush waits until everything queued so far has been applied.
func flush(t *testing.T, e *Engine) {
	t.Helper()
	done := make(chan struct{})
	ctx := context.Background()
	require.NoError(t, e.enqueue(ctx, command{kind: cmdEvent, gen: ^uint64(0), done: done}))
	require.NoError(t, e.wait(ctx, done))
}

func rec(id string, minute int, amount string) core.Expense {
	at := base.Add(time.Duration(minute) * time.Minute)
	return core.Expense{
		ID:          id,
		Amount:      decimal.RequireFromString(amount),
		Category:    core.Food,
		Description: "item " + id,
		Date:        at,
		CreatedAt:   at,
	}
}

func lunch() core.NewExpense {
	return core.NewExpense{Amount: decimal.RequireFromString("12.50"), Category: core.Food, Description: "Lunch"}
}

func ids(e *Engine) []string {
	out := []string{}
	for _, x := range e.Expenses() {
		out = append(out, x.ID)
	}
	return out
}

func TestSetIdentityLoadsSnapshot(t *testing.T) {
	gw := newFakeGateway()
	gw.seed("alice", rec("b", -1, "2"), rec("a", -2, "1"))
	gw.seed("bob", rec("z", -1, "9"))
	e := startEngine(t, gw)

	require.NoError(t, e.SetIdentity(context.Background(), "alice"))
	assert.Equal(t, []string{"b", "a"}, ids(e))
	assert.Equal(t, "alice", e.Owner())

	active, _ := gw.counts()
	assert.Equal(t, 1, active)

	// Same identity again is a no-op.
	require.NoError(t, e.SetIdentity(context.Background(), "alice"))
	active, _ = gw.counts()
	assert.Equal(t, 1, active)
}

func TestMutationsRequireIdentity(t *testing.T) {
	e := startEngine(t, newFakeGateway())

	_, err := e.AddExpense(context.Background(), lunch())
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.ErrorIs(t, e.DeleteExpense(context.Background(), "x"), ErrUnauthenticated)
}

func TestAddExpenseValidatesBeforeGateway(t *testing.T) {
	gw := newFakeGateway()
	e := startEngine(t, gw)
	require.NoError(t, e.SetIdentity(context.Background(), "alice"))

	_, err := e.AddExpense(context.Background(), core.NewExpense{Amount: decimal.Zero, Category: core.Food, Description: "x"})
	assert.ErrorIs(t, err, core.ErrValidation)
	_, err = e.AddExpense(context.Background(), core.NewExpense{Amount: decimal.NewFromInt(1), Category: core.Food, Description: "  "})
	assert.ErrorIs(t, err, core.ErrValidation)
	assert.Zero(t, gw.nextID, "gateway must not be called")
}

func TestAddExpenseAppliesConfirmedResultAtFront(t *testing.T) {
	gw := newFakeGateway()
	gw.seed("alice", rec("a", -5, "1"))
	e := startEngine(t, gw)
	require.NoError(t, e.SetIdentity(context.Background(), "alice"))

	created, err := e.AddExpense(context.Background(), lunch())
	require.NoError(t, err)
	assert.Equal(t, "srv-1", created.ID)
	assert.True(t, created.Date.Equal(base), "zero date defaults to the engine clock")
	assert.Equal(t, []string{"srv-1", "a"}, ids(e))

	// The change stream echo of the same record is absorbed.
	gw.emit("alice", gateway.Event{Kind: gateway.Insert, Record: created})
	flush(t, e)
	assert.Equal(t, []string{"srv-1", "a"}, ids(e))
}

func TestAddExpenseGatewayFailureLeavesMirror(t *testing.T) {
	gw := newFakeGateway()
	gw.seed("alice", rec("a", -5, "1"))
	boom := errors.New("network down")
	gw.createErr = boom
	e := startEngine(t, gw)
	require.NoError(t, e.SetIdentity(context.Background(), "alice"))

	_, err := e.AddExpense(context.Background(), lunch())
	require.ErrorIs(t, err, ErrGateway)
	require.ErrorIs(t, err, boom)
	var ge *GatewayError
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, "create", ge.Op)
	assert.Equal(t, []string{"a"}, ids(e))
}

func TestConfirmedAndEchoedInsertCommute(t *testing.T) {
	ctx := context.Background()

	// Confirmation first, echo second.
	gwA := newFakeGateway()
	gwA.seed("alice", rec("a", -5, "1"))
	a := startEngine(t, gwA)
	require.NoError(t, a.SetIdentity(ctx, "alice"))
	created, err := a.AddExpense(ctx, lunch())
	require.NoError(t, err)
	gwA.emit("alice", gateway.Event{Kind: gateway.Insert, Record: created})
	flush(t, a)

	// Echo first: the stream delivers before Create returns.
	gwB := newFakeGateway()
	gwB.seed("alice", rec("a", -5, "1"))
	gwB.createHook = func(c core.Expense) {
		gwB.emit("alice", gateway.Event{Kind: gateway.Insert, Record: c})
	}
	b := startEngine(t, gwB)
	require.NoError(t, b.SetIdentity(ctx, "alice"))
	_, err = b.AddExpense(ctx, lunch())
	require.NoError(t, err)
	flush(t, b)

	assert.Equal(t, a.Expenses(), b.Expenses())
	assert.Len(t, b.Expenses(), 2)
}

func TestDuplicateInsertEventsAreIdempotent(t *testing.T) {
	gw := newFakeGateway()
	e := startEngine(t, gw)
	require.NoError(t, e.SetIdentity(context.Background(), "alice"))

	x := rec("x", 0, "3")
	gw.emit("alice", gateway.Event{Kind: gateway.Insert, Record: x})
	gw.emit("alice", gateway.Event{Kind: gateway.Insert, Record: x})
	flush(t, e)
	assert.Equal(t, []string{"x"}, ids(e))
}

func TestDeleteExpense(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	gw.seed("alice", rec("b", -1, "2"), rec("a", -2, "1"))
	e := startEngine(t, gw)
	require.NoError(t, e.SetIdentity(ctx, "alice"))

	require.NoError(t, e.DeleteExpense(ctx, "b"))
	assert.Equal(t, []string{"a"}, ids(e))

	// Echo of the delete and a second delete are harmless.
	gw.emit("alice", gateway.Event{Kind: gateway.Delete, Record: core.Expense{ID: "b"}})
	flush(t, e)
	assert.Equal(t, []string{"a"}, ids(e))

	assert.ErrorIs(t, e.DeleteExpense(ctx, ""), core.ErrValidation)
}

func TestDeleteNotFoundIsBenign(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	gw.seed("alice", rec("a", -2, "1"))
	gw.deleteErr = gateway.ErrNotFound
	e := startEngine(t, gw)
	require.NoError(t, e.SetIdentity(ctx, "alice"))

	require.NoError(t, e.DeleteExpense(ctx, "a"))
	assert.Empty(t, ids(e), "the id is still removed locally")
	require.NoError(t, e.DeleteExpense(ctx, "a"))
}

func TestDeleteGatewayFailureLeavesMirror(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	gw.seed("alice", rec("a", -2, "1"))
	gw.deleteErr = errors.New("forbidden")
	buf := &lockedBuffer{}
	e := startEngine(t, gw, WithLogger(log.New(log.Config{Level: slog.LevelInfo, Format: "json", Output: buf})))
	require.NoError(t, e.SetIdentity(ctx, "alice"))

	err := e.DeleteExpense(ctx, "a")
	require.ErrorIs(t, err, ErrGateway)
	assert.Equal(t, []string{"a"}, ids(e))

	var entry map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if strings.Contains(line, "Delete expense failed") {
			require.NoError(t, json.Unmarshal([]byte(line), &entry))
		}
	}
	require.NotNil(t, entry, "delete failure is logged")
	assert.Equal(t, "a", entry["expense_id"])
	assert.Equal(t, "alice", entry["owner_id"])
	assert.Equal(t, "forbidden", entry["error"])
}

func TestStreamUpdateAndOutOfOrderEvents(t *testing.T) {
	gw := newFakeGateway()
	gw.seed("alice", rec("b", -1, "2"), rec("a", -2, "1"))
	e := startEngine(t, gw)
	require.NoError(t, e.SetIdentity(context.Background(), "alice"))

	gw.emit("alice", gateway.Event{Kind: gateway.Update, Record: rec("ghost", 0, "5")})
	gw.emit("alice", gateway.Event{Kind: gateway.Delete, Record: core.Expense{ID: "ghost"}})
	gw.emit("alice", gateway.Event{Kind: gateway.Update, Record: rec("a", -2, "7")})
	flush(t, e)

	assert.Equal(t, []string{"b", "a"}, ids(e))
	got := e.Expenses()[1]
	assert.True(t, got.Amount.Equal(decimal.NewFromInt(7)), "update replaces in place")
}

func TestMalformedEventsAreIgnored(t *testing.T) {
	gw := newFakeGateway()
	gw.seed("alice", rec("a", -2, "1"))
	e := startEngine(t, gw)
	require.NoError(t, e.SetIdentity(context.Background(), "alice"))

	gw.emit("alice", gateway.Event{Kind: "rename", Record: rec("a", 0, "9")})
	gw.emit("alice", gateway.Event{Kind: gateway.Insert, Record: core.Expense{}})
	gw.emit("alice", gateway.Event{})
	flush(t, e)
	assert.Equal(t, []string{"a"}, ids(e))

	// The subscription keeps working afterwards.
	gw.emit("alice", gateway.Event{Kind: gateway.Insert, Record: rec("x", 0, "3")})
	flush(t, e)
	assert.Equal(t, []string{"x", "a"}, ids(e))
}

func TestEventsDuringLoadAreReplayedAfterSnapshot(t *testing.T) {
	gw := newFakeGateway()
	gw.seed("alice", rec("b", -1, "2"), rec("a", -2, "1"))
	gw.loadHook = func(owner string) {
		gw.emit(owner, gateway.Event{Kind: gateway.Insert, Record: rec("x", 0, "3")})
		gw.emit(owner, gateway.Event{Kind: gateway.Delete, Record: core.Expense{ID: "a"}})
		gw.emit(owner, gateway.Event{Kind: gateway.Insert, Record: rec("b", -1, "2")})
	}
	e := startEngine(t, gw)

	require.NoError(t, e.SetIdentity(context.Background(), "alice"))
	assert.Equal(t, []string{"x", "b"}, ids(e))
}

func TestRepeatedSetIdentityWaitsForInFlightLoad(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	gw.seed("alice", rec("b", -1, "2"), rec("a", -2, "1"))
	entered := make(chan struct{})
	release := make(chan struct{})
	var loads int
	gw.loadHook = func(string) {
		loads++
		close(entered)
		<-release
	}
	e := startEngine(t, gw)

	first := make(chan error, 1)
	go func() { first <- e.SetIdentity(ctx, "alice") }()
	<-entered

	type result struct {
		err  error
		seen []string
	}
	second := make(chan result, 1)
	go func() {
		err := e.SetIdentity(ctx, "alice")
		second <- result{err: err, seen: ids(e)}
	}()

	select {
	case <-second:
		t.Fatal("second SetIdentity returned before the load finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-first)
	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, []string{"b", "a"}, got.seen)
	assert.Equal(t, 1, loads)
	active, _ := gw.counts()
	assert.Equal(t, 1, active)
}

func TestClearingIdentityEmptiesMirrorAndDropsLateEvents(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	gw.seed("alice", rec("a", -2, "1"))
	e := startEngine(t, gw)
	require.NoError(t, e.SetIdentity(ctx, "alice"))
	require.Len(t, e.Expenses(), 1)

	require.NoError(t, e.SetIdentity(ctx, ""))
	assert.Empty(t, e.Expenses())
	assert.Equal(t, "", e.Owner())
	active, unsubs := gw.counts()
	assert.Equal(t, 0, active)
	assert.Equal(t, 1, unsubs)

	gw.emitAll(gateway.Event{Kind: gateway.Insert, Record: rec("late", 0, "1")})
	flush(t, e)
	assert.Empty(t, e.Expenses())
}

func TestIdentitySwitchIsolatesOwners(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	gw.seed("alice", rec("a", -2, "1"))
	gw.seed("bob", rec("z", -1, "9"))
	e := startEngine(t, gw)

	require.NoError(t, e.SetIdentity(ctx, "alice"))
	aliceHandler := gw.handler("alice")
	require.NotNil(t, aliceHandler)

	require.NoError(t, e.SetIdentity(ctx, "bob"))
	assert.Equal(t, []string{"z"}, ids(e))

	// Alice's torn-down handler still firing must not reach Bob's mirror.
	aliceHandler(gateway.Event{Kind: gateway.Insert, Record: rec("alice-late", 0, "1")})
	flush(t, e)
	assert.Equal(t, []string{"z"}, ids(e))

	gw.emit("bob", gateway.Event{Kind: gateway.Insert, Record: rec("via-bob", 1, "2")})
	flush(t, e)
	assert.Equal(t, []string{"via-bob", "z"}, ids(e))

	active, _ := gw.counts()
	assert.Equal(t, 1, active, "no leaked subscription")
}

func TestMutationConfirmedAfterSwitchIsDropped(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	gw.seed("bob", rec("z", -1, "9"))
	entered := make(chan struct{})
	release := make(chan struct{})
	gw.createHook = func(core.Expense) {
		close(entered)
		<-release
	}
	e := startEngine(t, gw)
	require.NoError(t, e.SetIdentity(ctx, "alice"))

	type result struct {
		created core.Expense
		err     error
	}
	res := make(chan result, 1)
	go func() {
		c, err := e.AddExpense(ctx, lunch())
		res <- result{c, err}
	}()

	<-entered
	require.NoError(t, e.SetIdentity(ctx, "bob"))
	close(release)

	r := <-res
	require.NoError(t, r.err)
	flush(t, e)
	assert.Equal(t, []string{"z"}, ids(e))
}

func TestLoadFailureSignsOut(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	gw.seed("alice", rec("a", -2, "1"))
	gw.loadErr = errors.New("timeout")
	e := startEngine(t, gw)

	err := e.SetIdentity(ctx, "alice")
	require.ErrorIs(t, err, ErrGateway)
	assert.Equal(t, "", e.Owner())
	assert.Empty(t, e.Expenses())
	active, _ := gw.counts()
	assert.Equal(t, 0, active)

	gw.mu.Lock()
	gw.loadErr = nil
	gw.mu.Unlock()
	require.NoError(t, e.SetIdentity(ctx, "alice"))
	assert.Equal(t, []string{"a"}, ids(e))
}

func TestSubscribeFailure(t *testing.T) {
	gw := newFakeGateway()
	gw.subErr = errors.New("broker unreachable")
	e := startEngine(t, gw)

	err := e.SetIdentity(context.Background(), "alice")
	require.ErrorIs(t, err, ErrGateway)
	assert.Equal(t, "", e.Owner())
}

func TestSummaryAndEngagementDelegate(t *testing.T) {
	gw := newFakeGateway()
	gw.seed("alice",
		core.Expense{ID: "1", Amount: decimal.NewFromInt(10), Category: core.Food, Date: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC), CreatedAt: base},
		core.Expense{ID: "2", Amount: decimal.NewFromInt(20), Category: core.Transport, Date: time.Date(2024, 1, 19, 9, 0, 0, 0, time.UTC), CreatedAt: base},
	)
	e := startEngine(t, gw)
	require.NoError(t, e.SetIdentity(context.Background(), "alice"))

	s := e.Summary(base)
	assert.True(t, s.TotalMonth.Equal(decimal.NewFromInt(30)))
	assert.True(t, s.TotalWeek.Equal(decimal.NewFromInt(20)))
	assert.True(t, s.CategorySummary[core.Transport].Equal(decimal.NewFromInt(20)))

	g := e.Engagement(base)
	assert.Equal(t, 1, g.Streak)
	assert.Equal(t, 2, g.TotalEntries)
}

func TestCloseClearsAndRejectsFurtherUse(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway()
	gw.seed("alice", rec("a", -2, "1"))
	e := startEngine(t, gw)
	require.NoError(t, e.SetIdentity(ctx, "alice"))

	require.NoError(t, e.Close())
	assert.Empty(t, e.Expenses())
	active, _ := gw.counts()
	assert.Equal(t, 0, active)

	assert.ErrorIs(t, e.SetIdentity(ctx, "alice"), ErrClosed)
	_, err := e.AddExpense(ctx, lunch())
	assert.ErrorIs(t, err, ErrUnauthenticated)
	require.NoError(t, e.Close())
}
