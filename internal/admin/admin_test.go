package admin

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weather-aggregator/internal/clock"
	"weather-aggregator/internal/store"
)

func newTestAdmin(t *testing.T) (*Server, *store.Store, *clock.Clock) {
	t.Helper()
	st := store.New(t.TempDir())
	clk := clock.New()
	return New(":0", st, clk, store.DefaultExpiryPolicy()), st, clk
}

func TestHealth(t *testing.T) {
	adm, st, clk := newTestAdmin(t)
	clk.Init(5, 10)
	st.GetOrCreate("S1")

	w := httptest.NewRecorder()
	adm.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status   string `json:"status"`
		Stations int    `json:"stations"`
		Lamport  int64  `json:"lamport"`
		Updates  uint64 `json:"updates"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Stations)
	assert.Equal(t, int64(5), body.Lamport)
	assert.Equal(t, uint64(10), body.Updates)
}

func TestStationsListsOnlyLiveRecords(t *testing.T) {
	adm, st, clk := newTestAdmin(t)
	clk.Init(1, 1)

	live, _ := st.GetOrCreate("LIVE")
	_, err := live.Merge(`{"id":"LIVE"}`, 1, time.Now(), 1, "h", 1)
	require.NoError(t, err)

	// Never merged: blank records are born expired.
	st.GetOrCreate("BLANK")

	w := httptest.NewRecorder()
	adm.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stations", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Stations []string `json:"stations"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, []string{"LIVE"}, body.Stations)
}
