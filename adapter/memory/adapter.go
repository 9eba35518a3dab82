package memory

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xpos"
)

const TransportName = "memory"

// ErrClosed is returned by every operation on a closed transport.
var ErrClosed = errors.New("memory transport is closed")

func init() {
	if err := xpos.RegisterTransport(TransportName, func(cfg map[string]any) (xpos.Transport, error) {
		return NewTransport(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("xpos/memory: failed to register transport: %w", err))
	}
}

// Config controls memory transport behavior.
type Config struct {
	// BufferSize bounds each group's backlog for Publish (default: 1024).
	// Publish waits for room in every group of the topic. Commit is not
	// bounded by it.
	BufferSize int
	// Concurrency is the number of worker goroutines per Subscribe (default: 1).
	// SubscribeOrdered always uses one.
	Concurrency int
	// RedeliveryDelay is the delay before re-enqueuing a message on Nack (default: 0 = immediate).
	RedeliveryDelay time.Duration
	// MaxRedeliveries drops a message after that many nacks (default: 0 = never).
	MaxRedeliveries int
	// AssignIDs instructs the transport to assign IDs for messages with empty ID (default: true).
	AssignIDs bool
}

func ConfigFromMap(cfg map[string]any) Config {
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		default:
			return d
		}
	}

	getBool := func(k string, d bool) bool {
		if v, ok := cfg[k].(bool); ok {
			return v
		}
		return d
	}

	getDur := func(k string, d time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		}
		return d
	}

	return Config{
		BufferSize:      max(1, getInt("buffer_size", 1024)),
		Concurrency:     max(1, getInt("concurrency", 1)),
		RedeliveryDelay: getDur("redelivery_delay", 0),
		MaxRedeliveries: max(0, getInt("max_redeliveries", 0)),
		AssignIDs:       getBool("assign_ids", true),
	}
}

// Transport implements xpos.TxTransport with in-memory group queues. A
// commit lands its messages in every target group and acks its deliveries,
// or fails before doing either. It never waits for queue room.
type Transport struct {
	cfg Config

	mu     sync.RWMutex
	topics map[string]*topic

	groupSeq atomic.Uint64

	// commitMu serializes commits against each other
	commitMu sync.Mutex

	// room is closed and replaced when a worker takes a message while a
	// publisher waits for space
	roomMu  sync.Mutex
	room    chan struct{}
	waiting atomic.Int32

	closed atomic.Bool
	done   chan struct{}

	metrics *transportMetrics
}

type transportMetrics struct {
	published   atomic.Uint64
	consumed    atomic.Uint64
	acked       atomic.Uint64
	nacked      atomic.Uint64
	redelivered atomic.Uint64
	dropped     atomic.Uint64
	commits     atomic.Uint64
}

var _ xpos.TxTransport = (*Transport)(nil)

// NewTransport creates a new in-memory transport.
func NewTransport(cfg Config) *Transport {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1024
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	return &Transport{
		cfg:     cfg,
		topics:  make(map[string]*topic),
		room:    make(chan struct{}),
		done:    make(chan struct{}),
		metrics: &transportMetrics{},
	}
}

// Publish fans out messages to all consumer groups for the topic. The batch
// lands in every group at once; while any group lacks room for it Publish
// waits until ctx is done.
func (t *Transport) Publish(ctx context.Context, topic string, msgs ...*xpos.Message) error {
	if t.closed.Load() {
		return ErrClosed
	}
	out := make([]xpos.Outbound, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, xpos.Outbound{Topic: topic, Msg: m})
	}
	out = t.prepare(out)
	if len(out) == 0 {
		return nil
	}

	t.waiting.Add(1)
	defer t.waiting.Add(-1)
	for {
		room := t.roomSignal()
		ok, err := t.fanOut(out, true)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-room:
		case <-ctx.Done():
			return ctx.Err()
		case <-t.done:
			return ErrClosed
		}
	}
}

// Commit publishes out and acknowledges acks as one unit. Deliveries must
// come from this transport; every check runs before anything is enqueued.
func (t *Transport) Commit(ctx context.Context, acks []xpos.Delivery, out []xpos.Outbound) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory commit: %w", err)
	}
	ds := make([]*memDelivery, 0, len(acks))
	for _, a := range acks {
		d, ok := a.(*memDelivery)
		if !ok || d.task.tr != t {
			return xpos.ErrForeignDelivery
		}
		ds = append(ds, d)
	}
	out = t.prepare(out)

	t.commitMu.Lock()
	defer t.commitMu.Unlock()

	if _, err := t.fanOut(out, false); err != nil {
		return fmt.Errorf("memory commit: %w", err)
	}
	for _, d := range ds {
		_ = d.Ack(ctx)
	}
	t.metrics.commits.Add(1)
	return nil
}

// prepare drops nil messages and assigns missing IDs.
func (t *Transport) prepare(out []xpos.Outbound) []xpos.Outbound {
	kept := out[:0:0]
	for _, o := range out {
		if o.Msg == nil {
			continue
		}
		if t.cfg.AssignIDs && o.Msg.ID == "" {
			o.Msg.ID = uuid.NewString()
		}
		kept = append(kept, o)
	}
	return kept
}

// fanOut appends every message to every group of its topic while holding
// all of those groups' locks. With bounded set it reports false, and
// appends nothing, when a non-empty group has no room for its share.
// Messages for topics without groups are dropped, as a broker would.
func (t *Transport) fanOut(out []xpos.Outbound, bounded bool) (bool, error) {
	plan := make(map[*group][]*deliveryTask)
	var groups []*group

	t.mu.RLock()
	for _, o := range out {
		top, ok := t.topics[o.Topic]
		if !ok {
			continue
		}
		top.mu.RLock()
		for _, g := range top.groups {
			if _, seen := plan[g]; !seen {
				groups = append(groups, g)
			}
			plan[g] = append(plan[g], &deliveryTask{tr: t, topic: o.Topic, group: g, msg: o.Msg})
		}
		top.mu.RUnlock()
	}
	t.mu.RUnlock()

	// fixed lock order across concurrent fan-outs
	slices.SortFunc(groups, func(a, b *group) int { return cmp.Compare(a.id, b.id) })
	for _, g := range groups {
		g.mu.Lock()
	}
	defer func() {
		for _, g := range groups {
			g.mu.Unlock()
		}
	}()

	if t.closed.Load() {
		return false, ErrClosed
	}
	if bounded {
		for _, g := range groups {
			if n := len(g.items); n > 0 && n+len(plan[g]) > t.cfg.BufferSize {
				return false, nil
			}
		}
	}
	for _, g := range groups {
		g.items = append(g.items, plan[g]...)
		g.signal()
	}
	t.metrics.published.Add(uint64(len(out)))
	return true, nil
}

func (t *Transport) roomSignal() <-chan struct{} {
	t.roomMu.Lock()
	defer t.roomMu.Unlock()
	return t.room
}

func (t *Transport) freeRoom() {
	if t.waiting.Load() == 0 {
		return
	}
	t.roomMu.Lock()
	close(t.room)
	t.room = make(chan struct{})
	t.roomMu.Unlock()
}

// Subscribe registers a handler for a topic/group with configurable concurrency.
func (t *Transport) Subscribe(ctx context.Context, topic, group string, handler func(xpos.Delivery)) (xpos.Subscription, error) {
	return t.subscribe(ctx, topic, group, t.cfg.Concurrency, handler)
}

// SubscribeOrdered registers a handler served by exactly one worker.
func (t *Transport) SubscribeOrdered(ctx context.Context, topic, group string, handler func(xpos.Delivery)) (xpos.Subscription, error) {
	return t.subscribe(ctx, topic, group, 1, handler)
}

func (t *Transport) subscribe(ctx context.Context, topic, group string, workers int, handler func(xpos.Delivery)) (xpos.Subscription, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}

	top := t.ensureTopic(topic)
	g := top.ensureGroup(group, &t.groupSeq)

	innerCtx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}
	for range max(1, workers) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.worker(innerCtx, g, handler)
		}()
	}

	return &subscription{
		close: func() error {
			cancel()
			wg.Wait()
			// group and backlog stay alive for other subscribers
			return nil
		},
	}, nil
}

// worker processes messages from the group queue.
func (t *Transport) worker(ctx context.Context, g *group, handler func(xpos.Delivery)) {
	for ctx.Err() == nil {
		task, ok := g.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-t.done:
				return
			case <-g.ready:
			}
			continue
		}
		t.freeRoom()
		t.metrics.consumed.Add(1)
		handler(&memDelivery{task: task})
	}
}

// Close gracefully shuts down the transport.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	close(t.done)

	t.mu.Lock()
	t.topics = make(map[string]*topic)
	t.mu.Unlock()

	return nil
}

// Stats returns transport telemetry.
type Stats struct {
	Published   uint64
	Consumed    uint64
	Acked       uint64
	Nacked      uint64
	Redelivered uint64
	Dropped     uint64
	Commits     uint64
}

// Stats returns current transport metrics.
func (t *Transport) Stats() Stats {
	return Stats{
		Published:   t.metrics.published.Load(),
		Consumed:    t.metrics.consumed.Load(),
		Acked:       t.metrics.acked.Load(),
		Nacked:      t.metrics.nacked.Load(),
		Redelivered: t.metrics.redelivered.Load(),
		Dropped:     t.metrics.dropped.Load(),
		Commits:     t.metrics.commits.Load(),
	}
}

// Backlog reports how many messages wait in a group's queue.
func (t *Transport) Backlog(topicName, groupName string) int {
	t.mu.RLock()
	top, ok := t.topics[topicName]
	t.mu.RUnlock()
	if !ok {
		return 0
	}
	top.mu.RLock()
	g, ok := top.groups[groupName]
	top.mu.RUnlock()
	if !ok {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.items)
}

type subscription struct {
	close func() error
	once  sync.Once
	err   error
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		if s.close != nil {
			s.err = s.close()
		}
	})
	return s.err
}

type topic struct {
	mu     sync.RWMutex
	groups map[string]*group
}

type group struct {
	id   uint64
	name string

	mu    sync.Mutex
	items []*deliveryTask
	// ready holds one wake-up for idle workers
	ready chan struct{}
}

func (g *group) signal() {
	select {
	case g.ready <- struct{}{}:
	default:
	}
}

func (g *group) push(task *deliveryTask) {
	g.mu.Lock()
	g.items = append(g.items, task)
	g.mu.Unlock()
	g.signal()
}

func (g *group) pop() (*deliveryTask, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.items) == 0 {
		return nil, false
	}
	task := g.items[0]
	g.items[0] = nil
	g.items = g.items[1:]
	if len(g.items) > 0 {
		g.signal()
	}
	return task, true
}

type deliveryTask struct {
	tr           *Transport
	topic        string
	group        *group
	msg          *xpos.Message
	redeliveries int
}

type memDelivery struct {
	task    *deliveryTask
	ackOnce sync.Once
}

func (d *memDelivery) Message() *xpos.Message {
	return d.task.msg
}

// Ack marks the message as processed.
func (d *memDelivery) Ack(_ context.Context) error {
	d.ackOnce.Do(func() {
		d.task.tr.metrics.acked.Add(1)
	})
	return nil
}

// Nack hands the message back for redelivery, unless it already used up
// MaxRedeliveries. It never blocks the caller.
func (d *memDelivery) Nack(_ context.Context, _ error) error {
	d.ackOnce.Do(func() {
		tr := d.task.tr
		tr.metrics.nacked.Add(1)
		if tr.closed.Load() {
			return
		}
		if tr.cfg.MaxRedeliveries > 0 && d.task.redeliveries >= tr.cfg.MaxRedeliveries {
			tr.metrics.dropped.Add(1)
			return
		}

		next := &deliveryTask{
			tr:           tr,
			topic:        d.task.topic,
			group:        d.task.group,
			msg:          d.task.msg,
			redeliveries: d.task.redeliveries + 1,
		}
		tr.metrics.redelivered.Add(1)

		if tr.cfg.RedeliveryDelay <= 0 {
			next.group.push(next)
			return
		}
		go func() {
			timer := time.NewTimer(tr.cfg.RedeliveryDelay)
			defer timer.Stop()
			select {
			case <-timer.C:
				if !tr.closed.Load() {
					next.group.push(next)
				}
			case <-tr.done:
			}
		}()
	})
	return nil
}

func (t *Transport) ensureTopic(name string) *topic {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tp, ok := t.topics[name]; ok {
		return tp
	}

	tp := &topic{
		groups: make(map[string]*group),
	}
	t.topics[name] = tp
	return tp
}

func (tp *topic) ensureGroup(name string, seq *atomic.Uint64) *group {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if g, ok := tp.groups[name]; ok {
		return g
	}

	g := &group{
		id:    seq.Add(1),
		name:  name,
		ready: make(chan struct{}, 1),
	}
	tp.groups[name] = g
	return g
}
