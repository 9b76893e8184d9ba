package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aibix0001/stock-analysis-sub003/internal/dispatch"
)

func TestHealthEndpoint(t *testing.T) {
	tracker := dispatch.NewConnTracker()
	tracker.SetState(dispatch.ConnConnected)

	d := dispatch.New(dispatch.Config{
		RequestsPerSecond: 10,
		Burst:             5,
		MinRate:           1,
		RestoreAfter:      5,
		RestoreFactor:     2,
	})
	t.Cleanup(d.Close)

	srv := NewServer(0, Sources{
		Tracker:    tracker,
		Dispatcher: d,
		DriftCount: func() uint64 { return 3 },
		Buffered:   func() int { return 2 },
		OpenOrders: func() int { return 7 },
		Pending:    func() int { return 0 },
	}, zerolog.Nop())

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")

	var snap Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, "connected", snap.ConnectionStatus)
	assert.Equal(t, uint64(3), snap.ReconciliationDriftCount)
	assert.Equal(t, 2, snap.BufferedEvents)
	assert.Equal(t, 7, snap.OpenOrders)
	assert.InDelta(t, 10, snap.RequestBudget, 0.01)
	assert.False(t, snap.LastHeartbeat.IsZero())
}

func TestMetricsEndpoint(t *testing.T) {
	srv := NewServer(0, Sources{}, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
}
