package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/trickstertwo/xpos/desk"
	"github.com/trickstertwo/xpos/device"
	"github.com/trickstertwo/xpos/event"
	"github.com/trickstertwo/xpos/lane"
)

type deskView struct {
	ID      int                 `json:"id"`
	App     desk.Snapshot       `json:"app"`
	Drawer  device.DrawerState  `json:"drawer"`
	Change  decimal.Decimal     `json:"change"`
	Printer device.PrinterState `json:"printer"`
	Light   bool                `json:"express_light"`
	Screen  device.Screen       `json:"display"`
}

func viewOf(d *lane.Desk) deskView {
	drawer, change := d.CashBox.State()
	return deskView{
		ID:      d.ID(),
		App:     d.App.Snapshot(),
		Drawer:  drawer,
		Change:  change,
		Printer: d.Printer.State(),
		Light:   d.Light.IsOn(),
		Screen:  d.Display.Screen(),
	}
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	status := h.deps.Health.Health(r.Context())
	code := http.StatusOK
	if status.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	if h.deps.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.deps.DB.Ping(ctx); err != nil {
			status.Status = "unhealthy"
			status.Message = "database: " + err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, status)
}

func (h *Handler) lowStock(w http.ResponseWriter, r *http.Request) {
	if h.deps.Inventory == nil {
		h.fail(w, r, fmt.Errorf("%w: no inventory configured", errNotFound))
		return
	}
	items, err := h.deps.Inventory.LowStock(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) listDesks(w http.ResponseWriter, _ *http.Request) {
	ids := h.deps.Line.Desks()
	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		d, _ := h.deps.Line.Desk(id)
		s := d.App.Snapshot()
		out = append(out, map[string]any{"id": id, "state": s.State, "express": s.Express})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getDesk(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, viewOf(deskFrom(r)))
}

func (h *Handler) getDisplay(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, deskFrom(r).Display.Screen())
}

func (h *Handler) getReceipts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, deskFrom(r).Printer.Receipts())
}

// pressed answers a button press. The event is on the bus; the desk reacts
// asynchronously, so the caller polls the desk view for the outcome.
func (h *Handler) pressed(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *Handler) startSale(w http.ResponseWriter, r *http.Request) {
	h.pressed(w, r, deskFrom(r).CashBox.StartSale(r.Context()))
}

func (h *Handler) finishSale(w http.ResponseWriter, r *http.Request) {
	h.pressed(w, r, deskFrom(r).CashBox.FinishSale(r.Context()))
}

func (h *Handler) disableExpress(w http.ResponseWriter, r *http.Request) {
	h.pressed(w, r, deskFrom(r).CashBox.DisableExpressMode(r.Context()))
}

func (h *Handler) closeDrawer(w http.ResponseWriter, r *http.Request) {
	h.pressed(w, r, deskFrom(r).CashBox.Close(r.Context()))
}

type scanRequest struct {
	Barcode int64 `json:"barcode"`
}

func (h *Handler) scan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.Barcode <= 0 {
		h.fail(w, r, fmt.Errorf("%w: barcode must be positive", errBadRequest))
		return
	}
	h.pressed(w, r, deskFrom(r).Scanner.Scan(r.Context(), req.Barcode))
}

type modeRequest struct {
	Mode event.PaymentMode `json:"mode"`
}

func (h *Handler) selectPaymentMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	switch req.Mode {
	case event.Cash, event.CreditCard:
	default:
		h.fail(w, r, fmt.Errorf("%w: mode must be %q or %q", errBadRequest, event.Cash, event.CreditCard))
		return
	}
	h.pressed(w, r, deskFrom(r).CashBox.SelectPaymentMode(r.Context(), req.Mode))
}

type cashRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (h *Handler) enterCash(w http.ResponseWriter, r *http.Request) {
	var req cashRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if !req.Amount.IsPositive() {
		h.fail(w, r, fmt.Errorf("%w: amount must be positive", errBadRequest))
		return
	}
	h.pressed(w, r, deskFrom(r).CashBox.EnterCashAmount(r.Context(), req.Amount))
}

type cardRequest struct {
	Card string `json:"card"`
}

func (h *Handler) scanCard(w http.ResponseWriter, r *http.Request) {
	var req cardRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.Card == "" {
		h.fail(w, r, fmt.Errorf("%w: card is required", errBadRequest))
		return
	}
	h.pressed(w, r, deskFrom(r).CardReader.ScanCard(r.Context(), req.Card))
}

type pinRequest struct {
	PIN int `json:"pin"`
}

func (h *Handler) enterPIN(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	h.pressed(w, r, deskFrom(r).CardReader.EnterPIN(r.Context(), req.PIN))
}
