// Package coordinator decides, store-wide, when a desk switches to express
// mode: after a window of mostly small sales the desk is told to take small
// cash purchases only.
package coordinator

import (
	"context"
	"fmt"
	"sync"

	"github.com/trickstertwo/xpos/dispatch"
	"github.com/trickstertwo/xpos/event"
)

// Defaults.
const (
	DefaultWindow    = 10
	DefaultRatio     = 0.5
	DefaultItemLimit = 8
)

// Config tunes the express decision.
type Config struct {
	StoreID int
	// Window is the number of most recent sales judged per desk.
	Window int
	// Ratio is the share of small sales in a full window that enables express mode.
	Ratio float64
	// ItemLimit is the largest item count of a small sale.
	ItemLimit int
}

type deskStats struct {
	express bool
	window  []bool // true for a small sale, oldest first
}

// Coordinator consumes sale statistics and express announcements on the store
// channel and broadcasts ExpressModeEnabled when a desk qualifies.
type Coordinator struct {
	cfg   Config
	name  string
	topic string

	mu    sync.Mutex
	desks map[int]*deskStats
}

var _ dispatch.Receiver = (*Coordinator)(nil)

func New(cfg Config) *Coordinator {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Ratio <= 0 || cfg.Ratio > 1 {
		cfg.Ratio = DefaultRatio
	}
	if cfg.ItemLimit <= 0 {
		cfg.ItemLimit = DefaultItemLimit
	}
	return &Coordinator{
		cfg:   cfg,
		name:  fmt.Sprintf("coordinator-%d", cfg.StoreID),
		topic: event.StoreTopic(cfg.StoreID),
		desks: make(map[int]*deskStats),
	}
}

func (c *Coordinator) Name() string { return c.name }

func (c *Coordinator) Accepts() []event.Kind {
	return []event.Kind{event.KindSaleRegistered, event.KindExpressModeEnabled, event.KindExpressModeDisabled}
}

func (c *Coordinator) Handle(ctx context.Context, e event.Event, out event.Publisher) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev := e.(type) {
	case event.SaleRegistered:
		return c.registerSale(ctx, ev, out)
	case event.ExpressModeEnabled:
		c.desk(ev.DeskID).express = true
		return nil
	case event.ExpressModeDisabled:
		d := c.desk(ev.DeskID)
		d.express = false
		d.window = nil
		return nil
	default:
		return dispatch.Unhandled(c.name, e)
	}
}

// Express reports whether the coordinator believes desk is in express mode.
func (c *Coordinator) Express(desk int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.desks[desk]
	return ok && d.express
}

func (c *Coordinator) desk(id int) *deskStats {
	d, ok := c.desks[id]
	if !ok {
		d = &deskStats{}
		c.desks[id] = d
	}
	return d
}

func (c *Coordinator) registerSale(ctx context.Context, ev event.SaleRegistered, out event.Publisher) error {
	d := c.desk(ev.DeskID)
	small := ev.ItemCount <= c.cfg.ItemLimit && ev.Mode.Valid()

	window := append(d.window, small)
	if len(window) > c.cfg.Window {
		window = window[len(window)-c.cfg.Window:]
	}
	if d.express || len(window) < c.cfg.Window || !c.qualifies(window) {
		d.window = window
		return nil
	}

	if err := out.Publish(ctx, c.topic, event.ExpressModeEnabled{DeskID: ev.DeskID}); err != nil {
		return err
	}
	d.express = true
	d.window = nil
	return nil
}

func (c *Coordinator) qualifies(window []bool) bool {
	n := 0
	for _, small := range window {
		if small {
			n++
		}
	}
	return float64(n) >= c.cfg.Ratio*float64(len(window))
}
