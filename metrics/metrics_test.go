package metrics_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xpos"
	"github.com/trickstertwo/xpos/dispatch"
	"github.com/trickstertwo/xpos/event"
	"github.com/trickstertwo/xpos/metrics"
)

func TestMetrics_BusEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.OnEvent(xpos.BusEvent{Type: xpos.EventConsumeDone, Group: "desk-1-1", Duration: 3 * time.Millisecond})
	m.OnEvent(xpos.BusEvent{Type: xpos.EventCommit, Group: "desk-1-1", Staged: 3})
	m.OnEvent(xpos.BusEvent{Type: xpos.EventRollback, Group: "desk-1-1", Staged: 2, Err: errors.New("bank down")})

	expected := `
# HELP xpos_session_staged_messages_total Outbound messages resolved by session commit or rollback.
# TYPE xpos_session_staged_messages_total counter
xpos_session_staged_messages_total{outcome="committed",session="desk-1-1"} 3
xpos_session_staged_messages_total{outcome="discarded",session="desk-1-1"} 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "xpos_session_staged_messages_total"))

	n, err := testutil.GatherAndCount(reg, "xpos_bus_events_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = testutil.GatherAndCount(reg, "xpos_bus_handler_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMetrics_RejectionsAsHook(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	var hook dispatch.RejectFunc = m.Rejected
	hook("desk-1-1", event.KindCashBoxClosed, nil)
	hook("desk-1-1", event.KindCashBoxClosed, nil)

	expected := `
# HELP xpos_dispatch_rejections_total Events rejected as illegal in the receiver's current state.
# TYPE xpos_dispatch_rejections_total counter
xpos_dispatch_rejections_total{kind="CashBoxClosed",receiver="desk-1-1"} 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "xpos_dispatch_rejections_total"))
}
