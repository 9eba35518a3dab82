package xpos_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/trickstertwo/xpos"
	"github.com/trickstertwo/xpos/adapter/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newMemoryBus(t *testing.T, cfg memory.Config, opts ...memory.Option) *xpos.Bus {
	t.Helper()
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 64
	}
	cfg.AssignIDs = true
	bus, err := memory.New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close(context.Background()) })
	return bus
}

type note struct {
	Text string `json:"text"`
}

// collect subscribes to topic and forwards decoded notes.
func collect(t *testing.T, bus *xpos.Bus, topic string) <-chan note {
	t.Helper()
	ch := make(chan note, 16)
	sub, err := bus.Subscribe(context.Background(), topic, "collector", func(ctx context.Context, msg *xpos.Message) error {
		n, err := xpos.Decode[note](ctx, msg)
		if err != nil {
			return err
		}
		ch <- n
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return ch
}

func TestSession_CommitPublishesStagedMessages(t *testing.T) {
	bus := newMemoryBus(t, memory.Config{})
	out := collect(t, bus, "out")

	s, err := bus.OpenSession(context.Background(), "echo", func(ctx context.Context, s *xpos.Session, msg *xpos.Message) error {
		in, err := xpos.Decode[note](ctx, msg)
		if err != nil {
			return err
		}
		if err := s.Publish(ctx, "out", "Echo", note{Text: in.Text + "-1"}, nil); err != nil {
			return err
		}
		return s.Publish(ctx, "out", "Echo", note{Text: in.Text + "-2"}, nil)
	})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Listen("in", "echo"))

	require.NoError(t, bus.Publish(context.Background(), "in", "Note", note{Text: "a"}, nil))

	for _, want := range []string{"a-1", "a-2"} {
		select {
		case got := <-out:
			assert.Equal(t, want, got.Text)
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}
	require.Eventually(t, func() bool { return bus.GetMetrics().Committed == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, bus.GetMetrics().Nacked)
}

func TestSession_NothingVisibleBeforeCommit(t *testing.T) {
	bus := newMemoryBus(t, memory.Config{})
	out := collect(t, bus, "out")

	staged := make(chan struct{})
	release := make(chan struct{})
	s, err := bus.OpenSession(context.Background(), "slow", func(ctx context.Context, s *xpos.Session, msg *xpos.Message) error {
		if err := s.Publish(ctx, "out", "Echo", note{Text: "x"}, nil); err != nil {
			return err
		}
		close(staged)
		<-release
		return nil
	})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Listen("in", "slow"))
	require.NoError(t, bus.Publish(context.Background(), "in", "Note", note{Text: "a"}, nil))

	<-staged
	acks, pending := s.Pending()
	assert.Equal(t, 1, acks)
	assert.Equal(t, 1, pending)
	select {
	case <-out:
		t.Fatal("staged message leaked before commit")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case got := <-out:
		assert.Equal(t, "x", got.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for committed message")
	}
}

func TestSession_HandlerErrorRollsBackAndRedelivers(t *testing.T) {
	bus := newMemoryBus(t, memory.Config{MaxRedeliveries: 1})
	out := collect(t, bus, "out")

	var calls atomic.Int64
	s, err := bus.OpenSession(context.Background(), "flaky", func(ctx context.Context, s *xpos.Session, msg *xpos.Message) error {
		n := calls.Add(1)
		if err := s.Publish(ctx, "out", "Echo", note{Text: "attempt"}, nil); err != nil {
			return err
		}
		if n == 1 {
			return errors.New("remote call failed")
		}
		return nil
	})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Listen("in", "flaky"))
	require.NoError(t, bus.Publish(context.Background(), "in", "Note", note{Text: "a"}, nil))

	select {
	case got := <-out:
		assert.Equal(t, "attempt", got.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for redelivered commit")
	}
	select {
	case <-out:
		t.Fatal("the rolled back attempt must not publish")
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, int64(2), calls.Load())
	require.Eventually(t, func() bool { return bus.GetMetrics().Committed == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), bus.GetMetrics().RolledBack)
}

func TestSession_RunsBusMiddleware(t *testing.T) {
	var seen atomic.Int64
	count := func(next xpos.Handler) xpos.Handler {
		return func(ctx context.Context, msg *xpos.Message) error {
			seen.Add(1)
			return next(ctx, msg)
		}
	}
	bus := newMemoryBus(t, memory.Config{}, memory.WithMiddleware(count))

	s, err := bus.OpenSession(context.Background(), "counted", func(context.Context, *xpos.Session, *xpos.Message) error {
		return nil
	})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Listen("in", "counted"))
	require.NoError(t, bus.Publish(context.Background(), "in", "Note", note{Text: "a"}, nil))

	require.Eventually(t, func() bool { return bus.GetMetrics().Committed == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), seen.Load())
}

func TestSession_RetriedAttemptDiscardsStagedMessages(t *testing.T) {
	retry := xpos.RetryMiddleware(xpos.RetryConfig{MaxAttempts: 3})
	bus := newMemoryBus(t, memory.Config{}, memory.WithMiddleware(retry))
	out := collect(t, bus, "out")

	var calls atomic.Int64
	s, err := bus.OpenSession(context.Background(), "retried", func(ctx context.Context, s *xpos.Session, msg *xpos.Message) error {
		n := calls.Add(1)
		if n == 1 {
			if err := s.Publish(ctx, "out", "Echo", note{Text: "failed attempt"}, nil); err != nil {
				return err
			}
			return errors.New("remote call failed")
		}
		return s.Publish(ctx, "out", "Echo", note{Text: "second attempt"}, nil)
	})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Listen("in", "retried"))
	require.NoError(t, bus.Publish(context.Background(), "in", "Note", note{Text: "a"}, nil))

	select {
	case got := <-out:
		assert.Equal(t, "second attempt", got.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for the retried commit")
	}
	select {
	case got := <-out:
		t.Fatalf("unexpected %q", got.Text)
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, int64(2), calls.Load())
	metrics := bus.GetMetrics()
	assert.Equal(t, uint64(1), metrics.Committed)
	assert.Zero(t, metrics.RolledBack)
}

func TestSession_PanicIsRolledBack(t *testing.T) {
	var rollbacks atomic.Int64
	obs := xpos.ObserverFunc(func(e xpos.BusEvent) {
		if e.Type == xpos.EventRollback && errors.Is(e.Err, xpos.ErrHandlerPanic) {
			rollbacks.Add(1)
		}
	})
	bus := newMemoryBus(t, memory.Config{MaxRedeliveries: 1}, memory.WithObserver(obs))

	s, err := bus.OpenSession(context.Background(), "panicky", func(ctx context.Context, s *xpos.Session, msg *xpos.Message) error {
		panic("boom")
	})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Listen("in", "panicky"))
	require.NoError(t, bus.Publish(context.Background(), "in", "Note", note{Text: "a"}, nil))

	require.Eventually(t, func() bool { return rollbacks.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestSession_ListensToSeveralTopicsInOrder(t *testing.T) {
	bus := newMemoryBus(t, memory.Config{})

	var inFlight, overlaps atomic.Int64
	seen := make(chan string, 8)
	s, err := bus.OpenSession(context.Background(), "multi", func(ctx context.Context, s *xpos.Session, msg *xpos.Message) error {
		if inFlight.Add(1) > 1 {
			overlaps.Add(1)
		}
		defer inFlight.Add(-1)
		n, err := xpos.Decode[note](ctx, msg)
		if err != nil {
			return err
		}
		time.Sleep(time.Millisecond)
		seen <- n.Text
		return nil
	})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Listen("desk", "multi"))
	require.NoError(t, s.Listen("store", "multi"))

	ctx := context.Background()
	for _, txt := range []string{"d1", "d2", "d3"} {
		require.NoError(t, bus.Publish(ctx, "desk", "Note", note{Text: txt}, nil))
		require.NoError(t, bus.Publish(ctx, "store", "Note", note{Text: "s" + txt[1:]}, nil))
	}

	var desk []string
	for range 6 {
		select {
		case txt := <-seen:
			if txt[0] == 'd' {
				desk = append(desk, txt)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout")
		}
	}
	assert.Equal(t, []string{"d1", "d2", "d3"}, desk)
	assert.Zero(t, overlaps.Load())
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	bus := newMemoryBus(t, memory.Config{})
	s, err := bus.OpenSession(context.Background(), "closing", func(context.Context, *xpos.Session, *xpos.Message) error { return nil })
	require.NoError(t, err)
	require.NoError(t, s.Listen("in", "closing"))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Listen("other", "closing"), xpos.ErrSessionClosed)
	assert.ErrorIs(t, s.Publish(context.Background(), "out", "Echo", note{}, nil), xpos.ErrSessionClosed)
	assert.ErrorIs(t, s.Commit(context.Background()), xpos.ErrSessionClosed)
}

func TestOpenSession_Validation(t *testing.T) {
	bus := newMemoryBus(t, memory.Config{})
	noop := func(context.Context, *xpos.Session, *xpos.Message) error { return nil }

	_, err := bus.OpenSession(context.Background(), "", noop)
	assert.ErrorIs(t, err, xpos.ErrInvalidSubscription)
	_, err = bus.OpenSession(context.Background(), "x", nil)
	assert.ErrorIs(t, err, xpos.ErrInvalidSubscription)

	require.NoError(t, bus.Close(context.Background()))
	_, err = bus.OpenSession(context.Background(), "x", noop)
	assert.ErrorIs(t, err, xpos.ErrBusClosed)
}

// plainTransport has no transactional support.
type plainTransport struct{}

func (plainTransport) Publish(context.Context, string, ...*xpos.Message) error { return nil }
func (plainTransport) Subscribe(context.Context, string, string, func(xpos.Delivery)) (xpos.Subscription, error) {
	return nil, nil
}
func (plainTransport) Close(context.Context) error { return nil }

func TestOpenSession_RequiresTxTransport(t *testing.T) {
	bus, err := xpos.NewBusBuilder().WithTransportInstance(plainTransport{}).Build()
	require.NoError(t, err)
	defer bus.Close(context.Background())

	assert.False(t, bus.Transactional())
	_, err = bus.OpenSession(context.Background(), "x", func(context.Context, *xpos.Session, *xpos.Message) error { return nil })
	assert.ErrorIs(t, err, xpos.ErrTransactionsUnsupported)
}

func TestSessionFromContext(t *testing.T) {
	bus := newMemoryBus(t, memory.Config{})
	found := make(chan bool, 1)
	s, err := bus.OpenSession(context.Background(), "ctx", func(ctx context.Context, s *xpos.Session, _ *xpos.Message) error {
		got, ok := xpos.SessionFromContext(ctx)
		found <- ok && got == s
		return nil
	})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Listen("in", "ctx"))
	require.NoError(t, bus.Publish(context.Background(), "in", "Note", note{}, nil))

	select {
	case ok := <-found:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout")
	}
}
