package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xpos"
)

const TransportName = "redis-streams"

func init() {
	if err := xpos.RegisterTransport(TransportName, func(cfg map[string]any) (xpos.Transport, error) {
		t, err := NewTransport(ConfigFromMap(cfg))
		if err != nil {
			return nil, err
		}
		return t, nil
	}); err != nil {
		panic(fmt.Errorf("xpos: failed to register transport %q: %w", TransportName, err))
	}
}

// Field constants
const (
	fieldID         = "id"
	fieldName       = "name"
	fieldPayload    = "payload"    // raw []byte, no base64
	fieldProducedAt = "producedAt" // int64 ns
	fieldMetaPrefix = "meta:"
)

// Transport implements xpos.TxTransport over Redis Streams consumer groups.
type Transport struct {
	cfg    Config
	client *redis.Client

	closeOnce sync.Once
	closed    chan struct{}
}

var _ xpos.TxTransport = (*Transport)(nil)

// NewTransport connects to Redis and fails if it does not answer PING.
func NewTransport(cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}
	client := redis.NewClient(opts)
	if err := ping(client); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Transport{
		cfg:    cfg,
		client: client,
		closed: make(chan struct{}),
	}, nil
}

// Client exposes the underlying client (health checks, tests).
func (t *Transport) Client() *redis.Client { return t.client }

func (t *Transport) Publish(ctx context.Context, topic string, msgs ...*xpos.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	pipe := t.client.Pipeline()
	for _, m := range msgs {
		if m == nil {
			continue
		}
		pipe.XAdd(ctx, t.xaddArgs(topic, m))
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (t *Transport) xaddArgs(topic string, m *xpos.Message) *redis.XAddArgs {
	vals := make(map[string]any, 4+len(m.Metadata))
	if m.ID != "" {
		vals[fieldID] = m.ID
	}
	vals[fieldName] = m.Name
	vals[fieldPayload] = m.Payload
	vals[fieldProducedAt] = m.ProducedAt.UnixNano()
	for k, v := range m.Metadata {
		vals[fieldMetaPrefix+k] = v
	}

	args := &redis.XAddArgs{
		Stream: topic,
		ID:     "*",
		Values: vals,
	}
	if t.cfg.MaxLenApprox > 0 {
		args.MaxLen = t.cfg.MaxLenApprox
		args.Approx = true
	}
	return args
}

// Commit runs the XADDs for out and the XACKs for acks in one MULTI/EXEC
// block. Deliveries from another transport are refused before anything is
// sent.
func (t *Transport) Commit(ctx context.Context, acks []xpos.Delivery, out []xpos.Outbound) error {
	ds := make([]*delivery, 0, len(acks))
	for _, a := range acks {
		d, ok := a.(*delivery)
		if !ok || d.t != t {
			return xpos.ErrForeignDelivery
		}
		ds = append(ds, d)
	}

	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, o := range out {
			pipe.XAdd(ctx, t.xaddArgs(o.Topic, o.Msg))
		}
		for _, d := range ds {
			pipe.XAck(ctx, d.topic, d.group, d.id)
			if t.cfg.AutoDeleteOnAck {
				pipe.XDel(ctx, d.topic, d.id)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis commit: %w", err)
	}
	for _, d := range ds {
		d.onceAck.Do(func() {})
	}
	return nil
}

func decodeMessage(id string, vals map[string]any) *xpos.Message {
	msg := &xpos.Message{ID: id}
	if v, ok := vals[fieldID]; ok {
		if s := asString(v); s != "" {
			msg.ID = s
		}
	}
	if v, ok := vals[fieldName]; ok {
		msg.Name = asString(v)
	}
	if v, ok := vals[fieldPayload]; ok {
		switch p := v.(type) {
		case []byte:
			msg.Payload = p
		case string:
			msg.Payload = []byte(p)
		}
	}
	if pa := vals[fieldProducedAt]; pa != nil {
		if ns, ok := toInt64(pa); ok && ns > 0 {
			msg.ProducedAt = time.Unix(0, ns)
		}
	}
	msg.Metadata = map[string]string{}
	for k, v := range vals {
		if strings.HasPrefix(k, fieldMetaPrefix) {
			msg.Metadata[strings.TrimPrefix(k, fieldMetaPrefix)] = asString(v)
		}
	}
	return msg
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		if n == "" {
			return 0, false
		}
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return int64(f), true
		}
	case []byte:
		return toInt64(string(n))
	}
	return 0, false
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

// Subscribe consumes topic as group with Concurrency workers.
func (t *Transport) Subscribe(ctx context.Context, topic, group string, handler func(xpos.Delivery)) (xpos.Subscription, error) {
	return t.subscribe(ctx, topic, group, t.cfg.Concurrency, handler)
}

// SubscribeOrdered consumes topic as group with a single worker. Reclaimed
// pending entries are interleaved with new ones on that worker.
func (t *Transport) SubscribeOrdered(ctx context.Context, topic, group string, handler func(xpos.Delivery)) (xpos.Subscription, error) {
	return t.subscribe(ctx, topic, group, 1, handler)
}

func (t *Transport) subscribe(ctx context.Context, topic, group string, workers int, handler func(xpos.Delivery)) (xpos.Subscription, error) {
	select {
	case <-t.closed:
		return nil, errors.New("redis transport is closed")
	default:
	}

	if t.cfg.AutoCreate {
		// "$" starts from new messages
		if err := t.client.XGroupCreateMkStream(ctx, topic, group, "$").Err(); err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("redis create group %s/%s: %w", topic, group, err)
		}
	}

	innerCtx, cancel := context.WithCancel(ctx)
	workCh := make(chan xpos.Delivery, max(1, workers)*2)

	var workersWg sync.WaitGroup
	for range max(1, workers) {
		workersWg.Add(1)
		go func() {
			defer workersWg.Done()
			for d := range workCh {
				handler(d)
			}
		}()
	}

	var producersWg sync.WaitGroup
	producersWg.Add(1)
	go func() {
		defer producersWg.Done()
		t.pollLoop(innerCtx, topic, group, workCh)
	}()
	if t.cfg.ClaimMinIdle > 0 && t.cfg.ClaimInterval > 0 && t.cfg.ClaimBatch > 0 {
		producersWg.Add(1)
		go func() {
			defer producersWg.Done()
			t.claimLoop(innerCtx, topic, group, workCh)
		}()
	}
	go func() {
		producersWg.Wait()
		close(workCh)
	}()

	return &subscription{
		close: func() error {
			cancel()
			workersWg.Wait()
			return nil
		},
	}, nil
}

func (t *Transport) pollLoop(ctx context.Context, topic, group string, workCh chan<- xpos.Delivery) {
	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: t.cfg.Consumer,
		Streams:  []string{topic, ">"},
		Count:    int64(max(1, t.cfg.BatchSize)),
		Block:    t.cfg.Block,
	}

	for {
		if ctx.Err() != nil {
			return
		}

		res, err := t.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			if !errors.Is(err, redis.Nil) {
				// transient errors: small backoff
				select {
				case <-time.After(200 * time.Millisecond):
				case <-ctx.Done():
					return
				}
			}
			continue
		}

		for _, str := range res {
			if !t.dispatch(ctx, topic, group, str.Messages, workCh) {
				return
			}
		}
	}
}

// claimLoop takes over entries left pending longer than ClaimMinIdle (nacked
// or abandoned by a dead consumer) and redelivers them.
func (t *Transport) claimLoop(ctx context.Context, topic, group string, workCh chan<- xpos.Delivery) {
	ticker := time.NewTicker(t.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		start := "0-0"
		for {
			msgs, next, err := t.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   topic,
				Group:    group,
				Consumer: t.cfg.Consumer,
				MinIdle:  t.cfg.ClaimMinIdle,
				Start:    start,
				Count:    int64(max(1, t.cfg.ClaimBatch)),
			}).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				break
			}
			if !t.dispatch(ctx, topic, group, msgs, workCh) {
				return
			}
			if next == "" || next == "0-0" || len(msgs) == 0 {
				break
			}
			start = next
		}
	}
}

func (t *Transport) dispatch(ctx context.Context, topic, group string, msgs []redis.XMessage, workCh chan<- xpos.Delivery) bool {
	for _, x := range msgs {
		d := &delivery{
			t:     t,
			topic: topic,
			group: group,
			id:    x.ID,
			msg:   decodeMessage(x.ID, x.Values),
		}
		select {
		case workCh <- d:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

type delivery struct {
	t     *Transport
	topic string
	group string
	id    string
	msg   *xpos.Message

	onceAck sync.Once
}

func (d *delivery) Message() *xpos.Message { return d.msg }

func (d *delivery) Ack(ctx context.Context) error {
	var err error
	d.onceAck.Do(func() {
		err = d.t.client.XAck(ctx, d.topic, d.group, d.id).Err()
		if err == nil && d.t.cfg.AutoDeleteOnAck {
			_ = d.t.client.XDel(ctx, d.topic, d.id).Err()
		}
	})
	return err
}

// Nack moves the entry to the dead-letter stream and acks it when one is
// configured. Otherwise the entry stays pending and the claim loop
// redelivers it.
func (d *delivery) Nack(ctx context.Context, reason error) error {
	dl := d.t.cfg.DeadLetter
	if dl == "" {
		return nil
	}
	var err error
	d.onceAck.Do(func() {
		values := make(map[string]any, 5+len(d.msg.Metadata))
		values["orig_topic"] = d.topic
		values["orig_id"] = d.id
		values["error"] = fmt.Sprintf("%v", reason)
		values[fieldName] = d.msg.Name
		values[fieldPayload] = d.msg.Payload
		for k, v := range d.msg.Metadata {
			values[fieldMetaPrefix+k] = v
		}
		_, err = d.t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.XAdd(ctx, &redis.XAddArgs{Stream: dl, ID: "*", Values: values})
			pipe.XAck(ctx, d.topic, d.group, d.id)
			return nil
		})
	})
	return err
}

func (t *Transport) Close(_ context.Context) error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.client.Close()
	})
	return err
}

func ping(c *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}
	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}
	return nil
}
