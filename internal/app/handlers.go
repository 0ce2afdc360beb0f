package app

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/large-farva/pourlink/internal/metrics"
	"github.com/large-farva/pourlink/internal/order"
	"github.com/large-farva/pourlink/internal/production"
)

// Handler returns the daemon's HTTP routes.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealthz)
	mux.HandleFunc("GET /api/status", a.handleStatus)
	mux.HandleFunc("GET /api/version", a.handleVersion)

	mux.HandleFunc("GET /api/production", a.handleProduction)
	mux.HandleFunc("POST /api/production/dismiss", a.handleDismiss)

	mux.HandleFunc("GET /api/feasibility", a.handleLatestFeasibility)
	mux.HandleFunc("PUT /api/feasibility/{recipeId}", a.handleFeasibility)

	mux.HandleFunc("PUT /api/order/{recipeId}", a.handleOrder)
	mux.HandleFunc("DELETE /api/order", a.handleCancel)
	mux.HandleFunc("POST /api/order/continue", a.handleContinue)

	mux.HandleFunc("PUT /api/credential", a.handleLogin)
	mux.HandleFunc("DELETE /api/credential", a.handleLogout)

	mux.HandleFunc("GET /api/pumps", a.handlePumps)

	mux.Handle("GET /ws", a.wsHub.Handler())
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// ---------------------------------------------------------------------------
// Core handlers
// ---------------------------------------------------------------------------

func (a *App) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type connectionJSON struct {
	State            string   `json:"state"`
	Reconnecting     bool     `json:"reconnecting"`
	CountdownSeconds int      `json:"countdown_seconds,omitempty"`
	DelaySeconds     float64  `json:"reconnect_delay_seconds,omitempty"`
	ActiveTopics     []string `json:"active_topics"`
	Registered       []string `json:"registered_topics"`
	CredentialSet    bool     `json:"credential_set"`
	AuthRejected     bool     `json:"auth_rejected"`
}

func (a *App) connectionStatus() connectionJSON {
	c := connectionJSON{
		State:         a.manager.State().String(),
		Reconnecting:  a.manager.Reconnecting(),
		ActiveTopics:  a.manager.ActiveTopics(),
		Registered:    a.topics.Topics(),
		CredentialSet: a.currentCredential() != "",
		AuthRejected:  a.authRejected.Load(),
	}
	if c.Reconnecting {
		c.CountdownSeconds = a.manager.Countdown()
		c.DelaySeconds = a.manager.ReconnectDelay().Seconds()
	}
	if c.ActiveTopics == nil {
		c.ActiveTopics = []string{}
	}
	if c.Registered == nil {
		c.Registered = []string{}
	}
	return c
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	mode := "live"
	if a.sim != nil {
		mode = "demo"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":           "pourlink",
		"version":        Version,
		"mode":           mode,
		"appliance":      a.cfg.Appliance.BaseURL,
		"uptime_seconds": int64(time.Since(a.startedAt).Seconds()),
		"connection":     a.connectionStatus(),
		"production":     a.session.Snapshot(),
	})
}

func (a *App) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    Version,
		"go_version": GoVersion,
		"built_at":   BuiltAt,
	})
}

// ---------------------------------------------------------------------------
// Production
// ---------------------------------------------------------------------------

func (a *App) handleProduction(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.session.Snapshot())
}

func (a *App) handleDismiss(w http.ResponseWriter, _ *http.Request) {
	if err := a.session.Dismiss(); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeSession(w)
}

func (a *App) handleOrder(w http.ResponseWriter, r *http.Request) {
	id, cfg, isIngredient, ok := parseOrderRequest(w, r)
	if !ok {
		return
	}

	var (
		out order.Outcome
		err error
	)
	if skip, _ := strconv.ParseBool(r.URL.Query().Get("skipCheck")); skip {
		out, err = a.session.PlaceOrder(r.Context(), id, cfg, isIngredient)
	} else {
		out, err = a.session.Order(r.Context(), id, cfg, isIngredient)
	}
	a.writeOutcome(w, out, err)
}

func (a *App) handleCancel(w http.ResponseWriter, r *http.Request) {
	out, err := a.session.Cancel(r.Context())
	a.writeOutcome(w, out, err)
}

func (a *App) handleContinue(w http.ResponseWriter, r *http.Request) {
	out, err := a.session.Continue(r.Context())
	a.writeOutcome(w, out, err)
}

// ---------------------------------------------------------------------------
// Feasibility
// ---------------------------------------------------------------------------

type feasibilityJSON struct {
	Seq     uint64       `json:"seq"`
	Applied bool         `json:"applied"`
	Check   order.Check  `json:"check"`
	Latest  *order.Check `json:"latest,omitempty"`
}

func (a *App) handleFeasibility(w http.ResponseWriter, r *http.Request) {
	id, cfg, isIngredient, ok := parseOrderRequest(w, r)
	if !ok {
		return
	}

	c, applied := a.tracker.Check(r.Context(), id, cfg, isIngredient)
	resp := feasibilityJSON{Seq: c.Seq, Applied: applied, Check: c}
	if latest, ok := a.tracker.Latest(); ok {
		resp.Latest = &latest
	}
	if applied && c.Err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusFor(c.Err))
		_ = json.NewEncoder(w).Encode(resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleLatestFeasibility(w http.ResponseWriter, _ *http.Request) {
	c, ok := a.tracker.Latest()
	if !ok {
		jsonError(w, "no feasibility check yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ---------------------------------------------------------------------------
// Credential + pumps
// ---------------------------------------------------------------------------

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&body); err != nil {
		jsonError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	tok := strings.TrimSpace(body.Token)
	if tok == "" {
		jsonError(w, "token is required", http.StatusBadRequest)
		return
	}
	a.SetCredential(tok)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "connection": a.connectionStatus()})
}

func (a *App) handleLogout(w http.ResponseWriter, _ *http.Request) {
	a.ClearCredential()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "connection": a.connectionStatus()})
}

func (a *App) handlePumps(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.pumps.States())
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// parseOrderRequest reads the recipe id, the isIngredient flag and an
// optional order config body. A missing body orders the default volume at
// normal strength.
func parseOrderRequest(w http.ResponseWriter, r *http.Request) (int64, order.Config, bool, bool) {
	id, err := strconv.ParseInt(r.PathValue("recipeId"), 10, 64)
	if err != nil || id <= 0 {
		jsonError(w, "recipeId must be a positive integer", http.StatusBadRequest)
		return 0, order.Config{}, false, false
	}
	isIngredient, _ := strconv.ParseBool(r.URL.Query().Get("isIngredient"))

	cfg := order.NewConfig(0, 100)
	b, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		jsonError(w, "reading body: "+err.Error(), http.StatusBadRequest)
		return 0, order.Config{}, false, false
	}
	if len(strings.TrimSpace(string(b))) > 0 {
		if err := json.Unmarshal(b, &cfg); err != nil {
			jsonError(w, "invalid order config: "+err.Error(), http.StatusBadRequest)
			return 0, order.Config{}, false, false
		}
		if cfg.AmountOrderedInMl <= 0 {
			cfg.AmountOrderedInMl = order.DefaultVolume(0)
		}
	}
	return id, cfg, isIngredient, true
}

// statusFor maps a failure to the HTTP status the daemon answers with.
func statusFor(err error) int {
	if errors.Is(err, production.ErrNotAllowed) {
		return http.StatusConflict
	}
	switch order.KindOf(err) {
	case order.KindUnauthenticated:
		return http.StatusUnauthorized
	case order.KindNetwork, order.KindServer:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (a *App) writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(err))
	kind := order.KindOf(err)
	if errors.Is(err, production.ErrNotAllowed) {
		kind = "not_allowed"
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok":    false,
		"error": err.Error(),
		"kind":  kind,
	})
}

// writeOutcome answers a remote action. A domain rejection is a 409 with the
// appliance's reason.
func (a *App) writeOutcome(w http.ResponseWriter, out order.Outcome, err error) {
	if err != nil {
		a.writeError(w, err)
		return
	}
	if !out.Accepted {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":    false,
			"error": out.Reason,
			"kind":  order.KindRejected,
		})
		return
	}
	a.writeSession(w)
}

func (a *App) writeSession(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "session": a.session.Snapshot()})
}

// jsonError writes a JSON error response.
func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok":    false,
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
