// Package lane assembles the receivers of a store: one set of devices and a
// cash desk application per checkout lane, plus the store-wide coordinator
// and inventory accounting. Every receiver gets its own transacted session.
package lane

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xpos"
	"github.com/trickstertwo/xpos/bank"
	"github.com/trickstertwo/xpos/desk"
	"github.com/trickstertwo/xpos/device"
	"github.com/trickstertwo/xpos/dispatch"
	"github.com/trickstertwo/xpos/event"
)

// DeskConfig wires one checkout lane.
type DeskConfig struct {
	StoreID   int
	DeskID    int
	ItemLimit int

	Bus     *xpos.Bus
	Catalog desk.Catalog
	Bank    bank.Bank

	Policy   dispatch.FailurePolicy
	Logger   *xlog.Logger
	OnReject dispatch.RejectFunc
}

// Desk is one checkout lane: the desk application and its devices.
type Desk struct {
	cfg        DeskConfig
	deskTopic  string
	storeTopic string
	logger     *xlog.Logger

	App        *desk.Desk
	CashBox    *device.CashBox
	Scanner    *device.Scanner
	CardReader *device.CardReader
	Printer    *device.Printer
	Display    *device.UserDisplay
	Light      *device.ExpressLight

	sessions sessionSet
}

// NewDesk builds the receivers of one lane. Nothing listens until Start.
func NewDesk(cfg DeskConfig) (*Desk, error) {
	if cfg.Bus == nil {
		return nil, errors.New("lane: bus is required")
	}
	app, err := desk.New(desk.Config{
		StoreID:   cfg.StoreID,
		DeskID:    cfg.DeskID,
		ItemLimit: cfg.ItemLimit,
		Catalog:   cfg.Catalog,
		Bank:      cfg.Bank,
	})
	if err != nil {
		return nil, fmt.Errorf("lane: desk %d: %w", cfg.DeskID, err)
	}
	lg := cfg.Logger
	if lg == nil {
		lg = xlog.Default()
	}

	id := device.Ident{StoreID: cfg.StoreID, DeskID: cfg.DeskID}
	deskTopic := event.DeskTopic(cfg.StoreID, cfg.DeskID)
	buttons := event.NewProducer(cfg.Bus, deskTopic, map[string]string{event.MetaDesk: strconv.Itoa(cfg.DeskID)})

	return &Desk{
		cfg:        cfg,
		deskTopic:  deskTopic,
		storeTopic: event.StoreTopic(cfg.StoreID),
		logger:     lg.With(xlog.Str("desk", strconv.Itoa(cfg.DeskID))),
		App:        app,
		CashBox:    device.NewCashBox(id, buttons),
		Scanner:    device.NewScanner(id, buttons),
		CardReader: device.NewCardReader(id, buttons),
		Printer:    device.NewPrinter(id),
		Display:    device.NewUserDisplay(id),
		Light:      device.NewExpressLight(id),
	}, nil
}

// ID returns the desk number within the store.
func (d *Desk) ID() int { return d.cfg.DeskID }

// Start binds every receiver of the lane. On failure the sessions opened so
// far are closed again.
func (d *Desk) Start(ctx context.Context) error {
	both := []string{d.deskTopic, d.storeTopic}
	bindings := []struct {
		r      dispatch.Receiver
		topics []string
	}{
		{d.App, both},
		{d.CashBox, []string{d.deskTopic}},
		{d.CardReader, both},
		{d.Printer, []string{d.deskTopic}},
		{d.Display, both},
		{d.Light, both},
	}
	for _, b := range bindings {
		if err := d.bind(ctx, b.r, b.topics...); err != nil {
			d.logger.Error().Err(err).Msg("desk start failed")
			_ = d.sessions.close()
			return err
		}
	}
	d.logger.Info().Msg("desk started")
	return nil
}

func (d *Desk) bind(ctx context.Context, r dispatch.Receiver, topics ...string) error {
	dsp := dispatch.New(r,
		dispatch.WithPolicy(d.cfg.Policy),
		dispatch.WithLogger(d.logger),
		dispatch.WithRejectHook(d.cfg.OnReject),
		dispatch.WithMetadata(map[string]string{event.MetaDesk: strconv.Itoa(d.cfg.DeskID)}),
	)
	s, err := dispatch.Bind(ctx, d.cfg.Bus, dsp, topics...)
	if err != nil {
		return err
	}
	d.sessions.add(s)
	return nil
}

// Close stops every session of the lane.
func (d *Desk) Close() error {
	return d.sessions.close()
}

// sessionSet closes sessions in reverse start order.
type sessionSet struct {
	list []*xpos.Session
}

func (s *sessionSet) add(sess *xpos.Session) { s.list = append(s.list, sess) }

func (s *sessionSet) close() error {
	var errs []error
	for i := len(s.list) - 1; i >= 0; i-- {
		if err := s.list[i].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.list[i].Name(), err))
		}
	}
	s.list = nil
	return errors.Join(errs...)
}
