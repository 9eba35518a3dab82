package httpapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xpos/adapter/memory"
	"github.com/trickstertwo/xpos/bank"
	"github.com/trickstertwo/xpos/httpapi"
	"github.com/trickstertwo/xpos/inventory"
	"github.com/trickstertwo/xpos/lane"
	"github.com/trickstertwo/xpos/metrics"
	"github.com/trickstertwo/xpos/persist"
)

const (
	nutella = 4006381333931
	wait    = 3 * time.Second
	tick    = 5 * time.Millisecond
)

type fixture struct {
	srv *httptest.Server
}

type downDB struct{}

func (downDB) Ping(context.Context) error { return errors.New("connection refused") }

func newFixture(t *testing.T, db httpapi.Pinger) *fixture {
	t.Helper()
	ctx := context.Background()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	bus, err := memory.New(memory.Config{AssignIDs: true, MaxRedeliveries: 3}, memory.WithObserver(m))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close(context.Background()) })

	mgr, err := persist.Open(ctx, persist.Config{Driver: persist.DriverSQLite, DSN: filepath.Join(t.TempDir(), "api.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	inv := inventory.NewStore(mgr, 1)
	require.NoError(t, inv.Migrate(ctx))
	require.NoError(t, inv.Seed(ctx, []inventory.SeedItem{
		{Barcode: nutella, Name: "Nutella 450g", SalesPrice: decimal.RequireFromString("3.49"), Amount: 1, MinStock: 1},
	}))

	line, err := lane.NewLine(lane.Config{
		StoreID:   1,
		Desks:     []int{1},
		Bus:       bus,
		Bank:      bank.NewStub(),
		Inventory: inv,
		OnReject:  m.Rejected,
	})
	require.NoError(t, err)
	require.NoError(t, line.Start(ctx))
	t.Cleanup(func() { _ = line.Close() })

	if db == nil {
		db = mgr
	}
	h := httpapi.NewHandler(httpapi.Deps{Line: line, Health: bus, DB: db, Inventory: inv, Gatherer: reg})
	srv := httptest.NewServer(httpapi.NewRouter(h))
	t.Cleanup(srv.Close)
	return &fixture{srv: srv}
}

// fetch does not assert, so it is safe inside Eventually conditions.
func (f *fixture) fetch(method, path, body string) (int, []byte, error) {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		return 0, nil, err
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	return resp.StatusCode, raw, err
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	code, raw, err := f.fetch(method, path, body)
	require.NoError(t, err)
	return code, raw
}

func (f *fixture) get(path string) string {
	_, raw, _ := f.fetch(http.MethodGet, path, "")
	return string(raw)
}

func (f *fixture) press(t *testing.T, path, body string) {
	t.Helper()
	code, raw := f.do(t, http.MethodPost, path, body)
	require.Equal(t, http.StatusAccepted, code, string(raw))
}

type view struct {
	App struct {
		State     string `json:"state"`
		ItemCount int    `json:"item_count"`
	} `json:"app"`
	Drawer string `json:"drawer"`
}

func (f *fixture) desk() view {
	var v view
	_ = json.Unmarshal([]byte(f.get("/desks/1")), &v)
	return v
}

func TestCashSaleOverHTTP(t *testing.T) {
	f := newFixture(t, nil)

	f.press(t, "/desks/1/sale/start", "")
	f.press(t, "/desks/1/scan", `{"barcode":4006381333931}`)
	require.Eventually(t, func() bool { return f.desk().App.ItemCount == 1 }, wait, tick)
	f.press(t, "/desks/1/sale/finish", "")
	f.press(t, "/desks/1/payment-mode", `{"mode":"cash"}`)
	f.press(t, "/desks/1/cash", `{"amount":"5.00"}`)
	require.Eventually(t, func() bool { return f.desk().Drawer == "Open" }, wait, tick)

	f.press(t, "/desks/1/drawer/close", "")
	require.Eventually(t, func() bool { return f.desk().App.State == "ExpectingSale" }, wait, tick)

	code, raw := f.do(t, http.MethodPost, "/desks/1/drawer/close", "")
	assert.Equal(t, http.StatusConflict, code, "closing a closed drawer")
	assert.Contains(t, string(raw), "ILLEGAL_STATE")

	require.Eventually(t, func() bool { return strings.Contains(f.get("/desks/1/receipts"), `"mode":"cash"`) }, wait, tick)
	require.Eventually(t, func() bool { return strings.Contains(f.get("/stock/low"), "Nutella") }, wait, tick)

	code, raw = f.do(t, http.MethodGet, "/desks/1/display", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(raw), "Thank you")
}

func TestBadRequests(t *testing.T) {
	f := newFixture(t, nil)

	cases := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodGet, "/desks/9", "", http.StatusNotFound},
		{http.MethodGet, "/desks/one", "", http.StatusBadRequest},
		{http.MethodPost, "/desks/1/scan", `{"barcode":`, http.StatusBadRequest},
		{http.MethodPost, "/desks/1/scan", `{"barcode":0}`, http.StatusBadRequest},
		{http.MethodPost, "/desks/1/payment-mode", `{"mode":"iou"}`, http.StatusBadRequest},
		{http.MethodPost, "/desks/1/cash", `{"amount":"-1"}`, http.StatusBadRequest},
		{http.MethodPost, "/desks/1/card", `{}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			code, raw := f.do(t, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.want, code, string(raw))
		})
	}
}

func TestListDesks(t *testing.T) {
	f := newFixture(t, nil)
	code, raw := f.do(t, http.MethodGet, "/desks/", "")
	require.Equal(t, http.StatusOK, code)
	var desks []struct {
		ID    int    `json:"id"`
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(raw, &desks))
	require.Len(t, desks, 1)
	assert.Equal(t, "ExpectingSale", desks[0].State)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, nil)

	code, raw := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(raw), `"status":"healthy"`)

	f.press(t, "/desks/1/sale/start", "")
	require.Eventually(t, func() bool { return strings.Contains(f.get("/metrics"), "xpos_bus_events_total") }, wait, tick)
}

func TestHealth_DatabaseDown(t *testing.T) {
	f := newFixture(t, downDB{})
	code, raw := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, string(raw), "connection refused")
}
