package lane

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xpos"
	"github.com/trickstertwo/xpos/bank"
	"github.com/trickstertwo/xpos/coordinator"
	"github.com/trickstertwo/xpos/desk"
	"github.com/trickstertwo/xpos/dispatch"
	"github.com/trickstertwo/xpos/event"
	"github.com/trickstertwo/xpos/inventory"
)

// Config describes a store line.
type Config struct {
	StoreID     int
	Desks       []int
	ItemLimit   int
	Coordinator coordinator.Config

	Bus     *xpos.Bus
	Catalog desk.Catalog
	Bank    bank.Bank
	// Inventory, when set, books completed sales.
	Inventory *inventory.Store

	Policy   dispatch.FailurePolicy
	Logger   *xlog.Logger
	OnReject dispatch.RejectFunc
}

// Line is every desk of a store plus the store-wide receivers.
type Line struct {
	cfg    Config
	logger *xlog.Logger

	desks       map[int]*Desk
	order       []int
	coordinator *coordinator.Coordinator
	accounting  *inventory.Accounting

	sessions sessionSet
	started  []*Desk
}

// NewLine builds the line. The catalog defaults to the inventory when one is
// configured.
func NewLine(cfg Config) (*Line, error) {
	if cfg.Bus == nil {
		return nil, errors.New("lane: bus is required")
	}
	if len(cfg.Desks) == 0 {
		return nil, errors.New("lane: at least one desk is required")
	}
	if cfg.Catalog == nil && cfg.Inventory != nil {
		cfg.Catalog = InventoryCatalog(cfg.Inventory)
	}
	lg := cfg.Logger
	if lg == nil {
		lg = xlog.Default()
	}
	lg = lg.With(xlog.Str("store", strconv.Itoa(cfg.StoreID)))

	cc := cfg.Coordinator
	cc.StoreID = cfg.StoreID
	if cc.ItemLimit == 0 {
		cc.ItemLimit = cfg.ItemLimit
	}
	l := &Line{
		cfg:         cfg,
		logger:      lg,
		desks:       make(map[int]*Desk, len(cfg.Desks)),
		coordinator: coordinator.New(cc),
	}
	if cfg.Inventory != nil {
		l.accounting = inventory.NewAccounting(cfg.Inventory, lg)
	}

	for _, id := range cfg.Desks {
		if _, dup := l.desks[id]; dup {
			return nil, fmt.Errorf("lane: desk %d configured twice", id)
		}
		d, err := NewDesk(DeskConfig{
			StoreID:   cfg.StoreID,
			DeskID:    id,
			ItemLimit: cfg.ItemLimit,
			Bus:       cfg.Bus,
			Catalog:   cfg.Catalog,
			Bank:      cfg.Bank,
			Policy:    cfg.Policy,
			Logger:    lg,
			OnReject:  cfg.OnReject,
		})
		if err != nil {
			return nil, err
		}
		l.desks[id] = d
		l.order = append(l.order, id)
	}
	return l, nil
}

// Start binds the store receivers, then every desk. If anything fails, all
// that was started is closed and the error returned.
func (l *Line) Start(ctx context.Context) error {
	if err := l.start(ctx); err != nil {
		l.logger.Error().Err(err).Msg("line start failed")
		_ = l.Close()
		return err
	}
	l.logger.Info().Str("desks", fmt.Sprint(l.order)).Msg("line started")
	return nil
}

func (l *Line) start(ctx context.Context) error {
	topic := event.StoreTopic(l.cfg.StoreID)
	if l.accounting != nil {
		if err := l.bind(ctx, l.accounting, topic); err != nil {
			return err
		}
	}
	if err := l.bind(ctx, l.coordinator, topic); err != nil {
		return err
	}
	for _, id := range l.order {
		d := l.desks[id]
		if err := d.Start(ctx); err != nil {
			return err
		}
		l.started = append(l.started, d)
	}
	return nil
}

func (l *Line) bind(ctx context.Context, r dispatch.Receiver, topics ...string) error {
	dsp := dispatch.New(r,
		dispatch.WithPolicy(l.cfg.Policy),
		dispatch.WithLogger(l.logger),
		dispatch.WithRejectHook(l.cfg.OnReject),
	)
	s, err := dispatch.Bind(ctx, l.cfg.Bus, dsp, topics...)
	if err != nil {
		return err
	}
	l.sessions.add(s)
	return nil
}

// Desk returns one lane of the line.
func (l *Line) Desk(id int) (*Desk, bool) {
	d, ok := l.desks[id]
	return d, ok
}

// Desks lists the desk numbers in configuration order.
func (l *Line) Desks() []int { return slices.Clone(l.order) }

// Coordinator returns the express mode coordinator.
func (l *Line) Coordinator() *coordinator.Coordinator { return l.coordinator }

// Close stops the desks in reverse order, then the store receivers.
func (l *Line) Close() error {
	var errs []error
	for i := len(l.started) - 1; i >= 0; i-- {
		if err := l.started[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	l.started = nil
	if err := l.sessions.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// InventoryCatalog serves desk lookups from the store inventory.
func InventoryCatalog(s *inventory.Store) desk.Catalog {
	return desk.CatalogFunc(func(ctx context.Context, barcode int64) (desk.Product, error) {
		p, err := s.ProductByBarcode(ctx, barcode)
		if errors.Is(err, inventory.ErrProductNotFound) {
			return desk.Product{}, desk.ErrUnknownBarcode
		}
		if err != nil {
			return desk.Product{}, err
		}
		return desk.Product{Barcode: p.Barcode, Name: p.Name, Price: p.SalesPrice}, nil
	})
}
