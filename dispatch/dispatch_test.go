package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xpos"
	"github.com/trickstertwo/xpos/adapter/memory"
	"github.com/trickstertwo/xpos/dispatch"
	"github.com/trickstertwo/xpos/event"
	"github.com/trickstertwo/xpos/fsm"
)

var errBank = errors.New("bank unreachable")

type lightState string

const (
	lightOff lightState = "off"
	lightOn  lightState = "on"
)

// lamp is a tiny receiver: ExpressModeEnabled switches it on (emitting a
// running total as a marker), ExpressModeDisabled requires it to be on,
// CashBoxClosed always fails with a remote error.
type lamp struct {
	mu    sync.Mutex
	state lightState
	calls int
}

func (l *lamp) Name() string { return "lamp" }

func (l *lamp) Accepts() []event.Kind {
	return []event.Kind{event.KindExpressModeEnabled, event.KindExpressModeDisabled, event.KindCashBoxClosed}
}

func (l *lamp) Handle(ctx context.Context, e event.Event, out event.Publisher) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	switch e.(type) {
	case event.ExpressModeEnabled:
		l.state = lightOn
		return out.Publish(ctx, "lamp.out", event.ProductBarcodeNotValid{Barcode: 1})
	case event.ExpressModeDisabled:
		if err := fsm.Require("lamp", "switchOff", l.state, lightOn); err != nil {
			return err
		}
		l.state = lightOff
		return nil
	case event.CashBoxClosed:
		if err := out.Publish(ctx, "lamp.out", event.ProductBarcodeNotValid{Barcode: 2}); err != nil {
			return err
		}
		return errBank
	default:
		return dispatch.Unhandled(l.Name(), e)
	}
}

func (l *lamp) snapshot() (lightState, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state, l.calls
}

type recorder struct {
	events []event.Event
}

func (r *recorder) Publish(_ context.Context, _ string, e event.Event) error {
	r.events = append(r.events, e)
	return nil
}

func TestDispatch_ForwardsEmittedEventsOnSuccess(t *testing.T) {
	d := dispatch.New(&lamp{state: lightOff})
	out := &recorder{}

	require.NoError(t, d.Dispatch(context.Background(), event.ExpressModeEnabled{DeskID: 1}, out))
	assert.Equal(t, []event.Event{event.ProductBarcodeNotValid{Barcode: 1}}, out.events)
}

func TestDispatch_AbsorbsIllegalState(t *testing.T) {
	var rejected []event.Kind
	l := &lamp{state: lightOff}
	d := dispatch.New(l, dispatch.WithRejectHook(func(receiver string, kind event.Kind, ise *fsm.IllegalStateError) {
		assert.Equal(t, "lamp", receiver)
		assert.Equal(t, "off", ise.State)
		rejected = append(rejected, kind)
	}))
	out := &recorder{}

	require.NoError(t, d.Dispatch(context.Background(), event.ExpressModeDisabled{DeskID: 1}, out))

	state, _ := l.snapshot()
	assert.Equal(t, lightOff, state)
	assert.Empty(t, out.events)
	assert.Equal(t, []event.Kind{event.KindExpressModeDisabled}, rejected)
}

func TestDispatch_FailurePolicies(t *testing.T) {
	t.Run("rollback", func(t *testing.T) {
		d := dispatch.New(&lamp{})
		out := &recorder{}
		err := d.Dispatch(context.Background(), event.CashBoxClosed{}, out)
		assert.ErrorIs(t, err, errBank)
		assert.Empty(t, out.events, "a failed handler emits nothing")
	})
	t.Run("commit", func(t *testing.T) {
		d := dispatch.New(&lamp{}, dispatch.WithPolicy(dispatch.CommitOnFailure))
		out := &recorder{}
		assert.NoError(t, d.Dispatch(context.Background(), event.CashBoxClosed{}, out))
		assert.Empty(t, out.events)
	})
}

func TestDispatch_UndeclaredKind(t *testing.T) {
	l := &lamp{}
	d := dispatch.New(l)

	err := d.Dispatch(context.Background(), event.SaleStarted{}, &recorder{})
	assert.ErrorIs(t, err, dispatch.ErrUnhandledEvent)

	// through the session handler it is skipped
	require.NoError(t, d.HandleMessage(context.Background(), nil, &xpos.Message{Name: string(event.KindSaleStarted)}))
	_, calls := l.snapshot()
	assert.Zero(t, calls)
}

func TestParsePolicy(t *testing.T) {
	p, err := dispatch.ParsePolicy("commit")
	require.NoError(t, err)
	assert.Equal(t, dispatch.CommitOnFailure, p)

	p, err = dispatch.ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, dispatch.RollbackOnFailure, p)
	assert.Equal(t, "rollback", p.String())

	_, err = dispatch.ParsePolicy("retry")
	assert.Error(t, err)
}

func newBus(t *testing.T) *xpos.Bus {
	t.Helper()
	bus, err := memory.New(memory.Config{AssignIDs: true, MaxRedeliveries: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close(context.Background()) })
	return bus
}

func TestBind_RejectedEventStillCommits(t *testing.T) {
	bus := newBus(t)
	l := &lamp{state: lightOff}
	s, err := dispatch.Bind(context.Background(), bus, dispatch.New(l), "lamp.in")
	require.NoError(t, err)
	defer s.Close()

	p := event.NewProducer(bus, "lamp.in", nil)
	require.NoError(t, p.Send(context.Background(), event.ExpressModeDisabled{DeskID: 1}))

	require.Eventually(t, func() bool { return bus.GetMetrics().Committed == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, bus.GetMetrics().RolledBack)
	_, calls := l.snapshot()
	assert.Equal(t, 1, calls, "a rejected event is not redelivered")
}

func TestBind_FailureRollsBackUnderDefaultPolicy(t *testing.T) {
	bus := newBus(t)
	l := &lamp{}
	s, err := dispatch.Bind(context.Background(), bus, dispatch.New(l), "lamp.in")
	require.NoError(t, err)
	defer s.Close()

	var leaked atomic.Int64
	sub, err := bus.Subscribe(context.Background(), "lamp.out", "spy", func(context.Context, *xpos.Message) error {
		leaked.Add(1)
		return nil
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, event.NewProducer(bus, "lamp.in", nil).Send(context.Background(), event.CashBoxClosed{}))

	// first delivery plus one redelivery, both rolled back
	require.Eventually(t, func() bool { return bus.GetMetrics().RolledBack == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, bus.GetMetrics().Committed)
	assert.Zero(t, leaked.Load())
}

func TestBind_FailureCommitsUnderCommitPolicy(t *testing.T) {
	bus := newBus(t)
	l := &lamp{}
	s, err := dispatch.Bind(context.Background(), bus, dispatch.New(l, dispatch.WithPolicy(dispatch.CommitOnFailure)), "lamp.in")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, event.NewProducer(bus, "lamp.in", nil).Send(context.Background(), event.CashBoxClosed{}))

	require.Eventually(t, func() bool { return bus.GetMetrics().Committed == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, bus.GetMetrics().RolledBack)
	_, calls := l.snapshot()
	assert.Equal(t, 1, calls)
}
