package ctl

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/large-farva/pourlink/internal/telemetry"
)

// WatchOptions controls the watch command behavior.
type WatchOptions struct {
	Filter []string // event types to show (empty = all)
	JSON   bool     // output raw JSON per event
}

// observerURL turns the daemon base URL into its /ws endpoint.
func observerURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	u.Path = "/ws"
	u.RawQuery = ""
	return u.String(), nil
}

// Watch connects to the daemon's WebSocket endpoint and streams events to
// the terminal until interrupted or the daemon goes away.
func Watch(baseURL string, opts WatchOptions) error {
	wsURL, err := observerURL(baseURL)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	if !opts.JSON {
		outln()
		outf("  %s %s\n", green("connected"), dim(wsURL))
		if len(opts.Filter) > 0 {
			outf("  %s %s\n", dim("filter:"), dim(strings.Join(opts.Filter, ", ")))
		}
		outln(dim("  " + strings.Repeat("─", 50)))
		outln()
	}

	filterSet := make(map[string]bool, len(opts.Filter))
	for _, f := range opts.Filter {
		filterSet[f] = true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		var seen uint64
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if !matches(msg, filterSet) || staleProduction(msg, &seen) {
				continue
			}
			if opts.JSON {
				outln(string(msg))
			} else {
				renderEvent(msg)
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case <-sig:
		if !opts.JSON {
			outln()
			outln(dim("  disconnecting..."))
		}
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(1*time.Second),
		)
		return nil
	case <-done:
		return nil
	}
}

func matches(msg []byte, filter map[string]bool) bool {
	if len(filter) == 0 {
		return true
	}
	var ev telemetry.Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		return true
	}
	return filter[string(ev.Type)]
}

// staleProduction reports whether msg is a production event older than one
// already shown. The greeting a new observer gets can overtake a broadcast
// queued just before it, so snapshots may arrive out of version order.
func staleProduction(msg []byte, seen *uint64) bool {
	var ev telemetry.Production
	if err := json.Unmarshal(msg, &ev); err != nil || ev.Type != telemetry.EventProduction {
		return false
	}
	if ev.Session.Version != 0 && ev.Session.Version <= *seen {
		return true
	}
	*seen = ev.Session.Version
	return false
}

// renderEvent prints one event in a human-friendly format. Unknown event
// types fall back to indented JSON so nothing is lost.
func renderEvent(raw []byte) {
	var env telemetry.Event
	if err := json.Unmarshal(raw, &env); err != nil {
		outf("  %s\n", string(raw))
		return
	}
	ts := dim(formatEventTime(env.TS))

	switch env.Type {
	case telemetry.EventHeartbeat:
		var ev telemetry.Heartbeat
		if json.Unmarshal(raw, &ev) != nil {
			break
		}
		outf("  %s %s  %s  up %s\n", ts, dim("heartbeat"),
			stateColor(ev.Connection)(ev.Connection),
			dim(formatDuration(time.Duration(ev.UptimeSeconds)*time.Second)))
		return

	case telemetry.EventConnection:
		var ev telemetry.Connection
		if json.Unmarshal(raw, &ev) != nil {
			break
		}
		line := fmt.Sprintf("  %s %s  %s  %s", ts, bold("CONN"), stateColor(ev.State)(ev.State), dim(ev.Change))
		if ev.Reason != "" {
			line += "  " + ev.Reason
		}
		if ev.RetryIn > 0 {
			line += dim(fmt.Sprintf("  retry in %ds", ev.RetryIn))
		}
		outln(line)
		return

	case telemetry.EventProduction:
		var ev telemetry.Production
		if json.Unmarshal(raw, &ev) != nil {
			break
		}
		s := ev.Session
		line := fmt.Sprintf("  %s %s  %s", ts, bold("POUR"), stateColor(string(s.State))(padRight(string(s.State), 22)))
		if s.State.Active() {
			line += fmt.Sprintf(" [%s] %3d%%", progressBar(s.Percent, 20), s.Percent)
		}
		if s.RecipeName != "" {
			line += "  " + s.RecipeName
		}
		for _, m := range s.Manual {
			line += cyan(fmt.Sprintf("  add %g %s %s", m.Amount, m.Unit, m.Name))
		}
		if s.LastError != "" {
			line += "  " + red(s.LastError)
		}
		outln(line)
		return

	case telemetry.EventPump:
		var ev telemetry.Pump
		if json.Unmarshal(raw, &ev) != nil {
			break
		}
		state := dim("idle")
		if ev.Pump.Running() {
			state = fmt.Sprintf("[%s] %3.0f%%", progressBar(int(ev.Pump.Progress()), 10), ev.Pump.Progress())
		}
		outf("  %s %s  #%d %s\n", ts, dim("pump"), ev.Pump.PumpID, state)
		return

	case telemetry.EventFeasibility:
		var ev telemetry.Feasibility
		if json.Unmarshal(raw, &ev) != nil {
			break
		}
		verdict := green("feasible")
		switch {
		case ev.Check.Error != "":
			verdict = red(ev.Check.Error)
		case !ev.Check.Result.Orderable():
			verdict = red("not feasible")
		}
		outf("  %s %s  #%d seq %d  %s\n", ts, bold("CHECK"), ev.Check.RecipeID, ev.Check.Seq, verdict)
		return

	case telemetry.EventLog:
		var ev telemetry.LogLine
		if json.Unmarshal(raw, &ev) != nil {
			break
		}
		src := ""
		if ev.Component != "" {
			src = dim("[" + ev.Component + "] ")
		}
		outf("  %s %s  %s%s\n", ts, formatLogLevel(ev.Level), src, ev.Message)
		return
	}

	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		outf("  %s\n", string(raw))
		return
	}
	pretty, _ := json.MarshalIndent(generic, "  ", "  ")
	outf("  %s\n", string(pretty))
}

// formatEventTime shortens an RFC 3339 timestamp to local wall time.
func formatEventTime(ts string) string {
	if ts == "" {
		return "        "
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return ts
	}
	return t.Local().Format("15:04:05")
}

// formatLogLevel returns a colored, fixed-width log level label.
func formatLogLevel(level string) string {
	switch level {
	case "info":
		return green("INFO ")
	case "warn":
		return yellow("WARN ")
	case "error":
		return red("ERROR")
	default:
		return padRight(level, 5)
	}
}
