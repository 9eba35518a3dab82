// Package httpapi exposes the cashier console over HTTP: button presses on a
// desk's devices, read-only views of its state, store stock and the
// health and metrics endpoints.
package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xpos"
	"github.com/trickstertwo/xpos/inventory"
	"github.com/trickstertwo/xpos/lane"
)

// Pinger is satisfied by persist.Manager.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the parts the handlers read from. Only Line and Health are
// required.
type Deps struct {
	Line      *lane.Line
	Health    xpos.HealthChecker
	DB        Pinger
	Inventory *inventory.Store
	Gatherer  prometheus.Gatherer
	Logger    *xlog.Logger
}

type Handler struct {
	deps   Deps
	logger *xlog.Logger
}

func NewHandler(deps Deps) *Handler {
	lg := deps.Logger
	if lg == nil {
		lg = xlog.Default()
	}
	return &Handler{deps: deps, logger: lg}
}

func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(h.recoverMiddleware)
	r.Use(h.loggingMiddleware)

	r.Get("/healthz", h.healthz)
	if h.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.deps.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/stock/low", h.lowStock)

	r.Route("/desks", func(r chi.Router) {
		r.Get("/", h.listDesks)
		r.Route("/{desk}", func(r chi.Router) {
			r.Use(h.deskMiddleware)
			r.Get("/", h.getDesk)
			r.Get("/display", h.getDisplay)
			r.Get("/receipts", h.getReceipts)

			r.Post("/sale/start", h.startSale)
			r.Post("/sale/finish", h.finishSale)
			r.Post("/scan", h.scan)
			r.Post("/payment-mode", h.selectPaymentMode)
			r.Post("/cash", h.enterCash)
			r.Post("/drawer/close", h.closeDrawer)
			r.Post("/card", h.scanCard)
			r.Post("/pin", h.enterPIN)
			r.Post("/express/disable", h.disableExpress)
		})
	})
	return r
}
