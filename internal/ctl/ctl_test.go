package ctl

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/large-farva/pourlink/internal/order"
	"github.com/large-farva/pourlink/internal/production"
	"github.com/large-farva/pourlink/internal/pump"
	"github.com/large-farva/pourlink/internal/telemetry"
)

type request struct {
	Method string
	URI    string
	Body   string
}

type fakeDaemon struct {
	mu   sync.Mutex
	reqs []request
}

func (d *fakeDaemon) record(r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	d.mu.Lock()
	d.reqs = append(d.reqs, request{Method: r.Method, URI: r.URL.RequestURI(), Body: string(b)})
	d.mu.Unlock()
}

func (d *fakeDaemon) last() request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reqs[len(d.reqs)-1]
}

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	prevOut, prevColor := stdout, color.NoColor
	buf := &bytes.Buffer{}
	stdout = buf
	color.NoColor = true
	t.Cleanup(func() {
		stdout = prevOut
		color.NoColor = prevColor
	})
	return buf
}

func serve(t *testing.T, d *fakeDaemon, h http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.record(r)
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func reply(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func TestStatusRendersConnectionAndProduction(t *testing.T) {
	out := capture(t)
	d := &fakeDaemon{}
	url := serve(t, d, func(w http.ResponseWriter, _ *http.Request) {
		reply(w, 200, StatusResponse{
			Name: "pourlink", Version: "dev", Mode: "demo", UptimeSeconds: 75,
			Connection: ConnectionStatus{State: "CONNECTING", Reconnecting: true, CountdownSeconds: 4, Registered: []string{"a", "b"}},
			Production: production.Snapshot{State: production.Running},
		})
	})

	require.NoError(t, Status(url, false))
	s := out.String()
	assert.Contains(t, s, "POURLINK STATUS")
	assert.Contains(t, s, "CONNECTING  retry in 4s")
	assert.Contains(t, s, "1m 15s")
	assert.Contains(t, s, "0 active / 2 registered")
	assert.Contains(t, s, "not set")
	assert.Contains(t, s, "RUNNING")
}

func TestOrderSendsConfigAndFlags(t *testing.T) {
	out := capture(t)
	d := &fakeDaemon{}
	url := serve(t, d, func(w http.ResponseWriter, _ *http.Request) {
		reply(w, 200, map[string]any{"ok": true, "session": production.Snapshot{State: production.OrderSubmitted}})
	})

	err := Order(url, OrderOptions{RecipeID: 7, Volume: 300, Boost: 120, Extras: []string{"4=20"}, Ingredient: true, SkipCheck: true})
	require.NoError(t, err)

	req := d.last()
	assert.Equal(t, http.MethodPut, req.Method)
	assert.Equal(t, "/api/order/7?isIngredient=true&skipCheck=true", req.URI)

	var cfg order.Config
	require.NoError(t, json.Unmarshal([]byte(req.Body), &cfg))
	assert.Equal(t, 300, cfg.AmountOrderedInMl)
	assert.Equal(t, 120, cfg.Customisations.Boost)
	assert.Equal(t, []order.AdditionalIngredient{{IngredientID: 4, Amount: 20}}, cfg.Customisations.AdditionalIngredients)

	assert.Contains(t, out.String(), "ORDERED  ORDER_SUBMITTED")
}

func TestRejectionSurfacesReasonAndKind(t *testing.T) {
	capture(t)
	d := &fakeDaemon{}
	url := serve(t, d, func(w http.ResponseWriter, _ *http.Request) {
		reply(w, http.StatusConflict, map[string]any{"ok": false, "error": "Pumps are currently occupied", "kind": "rejected"})
	})

	err := Order(url, OrderOptions{RecipeID: 1, Boost: 100})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "rejected", apiErr.Kind)
	assert.Equal(t, "Pumps are currently occupied (rejected)", err.Error())
}

func TestParseExtras(t *testing.T) {
	got, err := parseExtras([]string{"1=10", " 2 = 0 "})
	require.NoError(t, err)
	assert.Equal(t, []order.AdditionalIngredient{{IngredientID: 1, Amount: 10}, {IngredientID: 2, Amount: 0}}, got)

	for _, bad := range []string{"1", "x=3", "1=-2", "1=y"} {
		_, err := parseExtras([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestFeasibilityRendersMissing(t *testing.T) {
	out := capture(t)
	d := &fakeDaemon{}
	url := serve(t, d, func(w http.ResponseWriter, _ *http.Request) {
		reply(w, 200, map[string]any{
			"seq": 3, "applied": true,
			"check": order.Check{Seq: 3, RecipeID: 9, Result: order.FeasibilityResult{
				Reason:          "not enough ingredients in stock",
				TotalAmountInMl: 200,
				RequiredIngredients: []order.RequiredIngredient{
					{Ingredient: order.Ingredient{Name: "Vodka"}, AmountRequired: 60, AmountMissing: 10},
				},
			}},
		})
	})

	require.NoError(t, Feasibility(url, OrderOptions{RecipeID: 9, Boost: 100, SkipCheck: true}))
	assert.Equal(t, "/api/feasibility/9", d.last().URI)
	s := out.String()
	assert.Contains(t, s, "not enough ingredients in stock")
	assert.Contains(t, s, "60 ml  missing 10")
}

func TestLoginRequiresToken(t *testing.T) {
	capture(t)
	assert.Error(t, Login("http://127.0.0.1:1", "  ", false))

	d := &fakeDaemon{}
	url := serve(t, d, func(w http.ResponseWriter, _ *http.Request) {
		reply(w, 200, map[string]any{"ok": true, "connection": ConnectionStatus{State: "CONNECTING"}})
	})
	require.NoError(t, Login(url, "tok", false))
	assert.Equal(t, `{"token":"tok"}`, d.last().Body)
	assert.Equal(t, http.MethodPut, d.last().Method)

	require.NoError(t, Logout(url, false))
	assert.Equal(t, http.MethodDelete, d.last().Method)
}

func TestPumpsRender(t *testing.T) {
	out := capture(t)
	d := &fakeDaemon{}
	url := serve(t, d, func(w http.ResponseWriter, _ *http.Request) {
		reply(w, 200, []pump.JobState{
			{PumpID: 1, LastJobID: "12", RunningState: &pump.RunningState{Forward: true, Percentage: 50}},
			{PumpID: 2},
		})
	})

	require.NoError(t, Pumps(url, false))
	s := out.String()
	assert.Contains(t, s, " 50% forward  job 12")
	assert.Contains(t, s, "idle")
}

func TestRenderEvents(t *testing.T) {
	out := capture(t)

	b, _ := json.Marshal(telemetry.NewProduction(production.Snapshot{
		State: production.ManualActionRequired, Percent: 40, RecipeName: "Mojito",
		Manual: []production.ManualIngredient{{Name: "Mint", Amount: 5, Unit: "ml"}},
	}))
	renderEvent(b)
	assert.Contains(t, out.String(), "MANUAL_ACTION_REQUIRED")
	assert.Contains(t, out.String(), "add 5 ml Mint")

	out.Reset()
	b, _ = json.Marshal(telemetry.NewConnection("DISCONNECTED", "reconnect_scheduled", "", 0))
	renderEvent(b)
	assert.Contains(t, out.String(), "reconnect_scheduled")

	out.Reset()
	renderEvent([]byte(`{"type":"mystery","x":1}`))
	assert.Contains(t, out.String(), `"x": 1`)
}

func TestWatchStreamsUntilDaemonCloses(t *testing.T) {
	out := capture(t)
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = c.WriteJSON(telemetry.NewLogLine("info", "conn", "hello"))
		_ = c.WriteJSON(telemetry.NewHeartbeat("CONNECTED", 0))
		_ = c.Close()
	}))
	defer srv.Close()

	require.NoError(t, Watch(srv.URL, WatchOptions{Filter: []string{"log"}}))
	s := out.String()
	assert.Contains(t, s, "[conn] hello")
	assert.NotContains(t, s, "heartbeat")
}

func TestWatchSkipsOlderProductionSnapshots(t *testing.T) {
	out := capture(t)
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = c.WriteJSON(telemetry.NewProduction(production.Snapshot{Version: 5, State: production.Running, RecipeName: "Fresh"}))
		_ = c.WriteJSON(telemetry.NewProduction(production.Snapshot{Version: 4, State: production.OrderSubmitted, RecipeName: "Queued"}))
		_ = c.WriteJSON(telemetry.NewPump(pump.JobState{PumpID: 3}))
		_ = c.WriteJSON(telemetry.NewProduction(production.Snapshot{Version: 6, State: production.Finished, RecipeName: "Done"}))
		_ = c.Close()
	}))
	defer srv.Close()

	require.NoError(t, Watch(srv.URL, WatchOptions{}))
	s := out.String()
	assert.Contains(t, s, "Fresh")
	assert.NotContains(t, s, "Queued")
	assert.Contains(t, s, "#3")
	assert.Contains(t, s, "Done")
}

func TestStaleProduction(t *testing.T) {
	var seen uint64
	snap := func(v uint64) []byte {
		b, _ := json.Marshal(telemetry.NewProduction(production.Snapshot{Version: v}))
		return b
	}
	assert.False(t, staleProduction(snap(2), &seen))
	assert.True(t, staleProduction(snap(2), &seen))
	assert.True(t, staleProduction(snap(1), &seen))
	assert.False(t, staleProduction(snap(3), &seen))
	assert.False(t, staleProduction([]byte(`{"type":"log","message":"x"}`), &seen))
	assert.Equal(t, uint64(3), seen)
}
