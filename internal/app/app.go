// Package app wires the appliance connection, topic multiplexer, order
// client, production session, and pump watcher together behind the daemon's
// HTTP API and observer WebSocket. It owns the daemon's lifecycle and the
// current credential.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/large-farva/pourlink/internal/config"
	"github.com/large-farva/pourlink/internal/conn"
	plog "github.com/large-farva/pourlink/internal/log"
	"github.com/large-farva/pourlink/internal/order"
	"github.com/large-farva/pourlink/internal/production"
	"github.com/large-farva/pourlink/internal/pump"
	"github.com/large-farva/pourlink/internal/sim"
	"github.com/large-farva/pourlink/internal/stomp"
	"github.com/large-farva/pourlink/internal/telemetry"
	"github.com/large-farva/pourlink/internal/topic"
	"github.com/large-farva/pourlink/internal/ws"
)

// Options holds everything the App needs from the caller.
type Options struct {
	Logger zerolog.Logger
	Cfg    config.Config
	Bind   string

	// Dialer replaces the STOMP dialer built from Cfg. Tests use it.
	Dialer conn.Dialer
}

// App is the top-level daemon process.
type App struct {
	log       zerolog.Logger
	cfg       config.Config
	bind      string
	server    *http.Server
	startedAt time.Time

	manager *conn.Manager
	topics  *topic.Multiplexer
	orders  *order.Client
	tracker *order.Tracker
	session *production.Session
	pumps   *pump.Watcher
	wsHub   *ws.Hub
	sim     *sim.Appliance

	credMu     sync.Mutex
	credential string

	// authRejected is set when the appliance refuses the credential and
	// cleared when a new one is installed.
	authRejected atomic.Bool

	stopObserving func()
}

// New builds the component graph. Nothing connects until Start.
func New(opts Options) (*App, error) {
	cfg := opts.Cfg
	a := &App{
		log:        opts.Logger,
		cfg:        cfg,
		bind:       opts.Bind,
		startedAt:  time.Now(),
		credential: strings.TrimSpace(cfg.Appliance.Token),
		wsHub:      ws.NewHub(plog.WithComponent("ws")),
	}

	if cfg.Demo.Enabled {
		a.sim = sim.New(sim.Options{
			Token:         cfg.Appliance.Token,
			Step:          time.Duration(cfg.Demo.StepMillis) * time.Millisecond,
			WSPath:        cfg.Appliance.WSPath,
			APIPath:       cfg.Appliance.APIPath,
			ProgressTopic: cfg.Appliance.ProgressTopic,
			PumpTopic:     cfg.Appliance.PumpTopic,
			Log:           plog.WithComponent("sim"),
		})
		cfg.Appliance.BaseURL = "http://" + cfg.Demo.Bind
		if len(cfg.Appliance.PumpIDs) == 0 {
			cfg.Appliance.PumpIDs = sim.DefaultCatalog().PumpIDs()
		}
		a.cfg = cfg
	}

	dialer := opts.Dialer
	if dialer == nil {
		wsURL, err := cfg.WebsocketURL()
		if err != nil {
			return nil, fmt.Errorf("websocket url: %w", err)
		}
		dialer = stomp.NewDialer(wsURL,
			stomp.WithHeartbeat(cfg.Heartbeat()),
			stomp.WithHandshakeTimeout(cfg.RequestTimeout()),
			stomp.WithDialerLogger(plog.WithComponent("stomp")),
		)
	}

	a.manager = conn.NewManager(dialer,
		conn.WithBackoff(cfg.ReconnectBase(), cfg.ReconnectCeiling()),
		conn.WithLogger(plog.WithComponent("conn")),
	)
	a.topics = topic.New(
		topic.WithStrict(cfg.Topics.Strict),
		topic.WithLogger(plog.WithComponent("topic")),
	)
	a.topics.Attach(a.manager)
	a.manager.Bind(a.topics)

	a.orders = order.NewClient(
		strings.TrimRight(cfg.Appliance.BaseURL, "/")+cfg.Appliance.APIPath,
		a.currentCredential,
		order.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout()}),
		order.WithLogger(plog.WithComponent("order")),
		order.WithUnauthenticatedHook(a.onUnauthenticated),
	)
	a.tracker = order.NewTracker(a.orders)
	a.session = production.NewSession(a.orders, a.topics,
		production.WithTopic(cfg.Appliance.ProgressTopic),
		production.WithLogger(plog.WithComponent("production")),
	)
	a.pumps = pump.NewWatcher(a.topics, cfg.Appliance.PumpTopic, plog.WithComponent("pump"))

	a.wire()
	return a, nil
}

// wire forwards component events to observers.
func (a *App) wire() {
	a.manager.OnEvent(func(ev conn.Event) {
		reason := ""
		if ev.Reason != nil {
			reason = ev.Reason.Error()
		}
		switch ev.Type {
		case conn.EventUnauthorized:
			a.authRejected.Store(true)
			a.log.Warn().Str("reason", reason).Msg("appliance rejected the credential")
		case conn.EventConnected:
			a.log.Info().Msg("connected to appliance")
		case conn.EventReconnectScheduled:
			a.log.Info().Dur("delay", ev.Delay).Msg("reconnect scheduled")
		}
		a.wsHub.BroadcastJSON(telemetry.NewConnection(a.manager.State().String(), string(ev.Type), reason, ev.Delay))
	})
	a.tracker.OnApply(func(c order.Check) {
		a.wsHub.BroadcastJSON(telemetry.NewFeasibility(c))
	})
	a.pumps.OnChange(func(s pump.JobState) {
		a.wsHub.BroadcastJSON(telemetry.NewPump(s))
	})
	a.wsHub.OnConnect(a.greeting)
}

// greeting is what a new observer receives before any live event.
func (a *App) greeting() []any {
	out := []any{
		telemetry.NewConnection(a.manager.State().String(), "snapshot", "", a.manager.ReconnectDelay()),
		telemetry.NewProduction(a.session.Snapshot()),
	}
	for _, s := range a.pumps.States() {
		out = append(out, telemetry.NewPump(s))
	}
	if c, ok := a.tracker.Latest(); ok {
		out = append(out, telemetry.NewFeasibility(c))
	}
	return out
}

// Run listens on the configured bind, starts every component, and serves
// until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	bind := a.bind
	if bind == "" {
		bind = a.cfg.Server.Bind
	}
	if bind == "" {
		bind = "127.0.0.1:8090"
	}

	a.server = &http.Server{
		Addr:              bind,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return err
	}

	if a.sim != nil {
		simLn, err := net.Listen("tcp", a.cfg.Demo.Bind)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("demo appliance: %w", err)
		}
		go func() {
			if err := a.sim.Serve(ctx, simLn); err != nil {
				a.log.Error().Err(err).Msg("demo appliance stopped")
			}
		}()
		a.log.Info().Str("appliance", a.cfg.Appliance.BaseURL).Msg("demo mode active, using simulated appliance")
	}

	a.log.Info().Str("bind", bind).Msg("listening")
	a.Start(ctx)

	go func() {
		<-ctx.Done()
		a.log.Info().Msg("shutdown requested")
		a.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.server.Shutdown(shutdownCtx)
	}()

	if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Start brings up the observer hub and the appliance side. The connection
// is only opened when a credential is present.
func (a *App) Start(ctx context.Context) {
	go a.wsHub.Run(ctx)
	go a.heartbeatLoop(ctx)

	a.stopObserving = a.session.Observe(func(s production.Snapshot) {
		a.wsHub.BroadcastJSON(telemetry.NewProduction(s))
	})
	a.session.Start()
	for _, id := range a.cfg.Appliance.PumpIDs {
		a.pumps.Watch(id)
	}

	if cred := a.currentCredential(); cred != "" {
		a.manager.Connect(cred)
	} else {
		a.log.Warn().Msg("no credential configured, waiting for login")
	}
}

// Stop tears down the connection and the topic subscribers.
func (a *App) Stop() {
	a.manager.Disconnect()
	if a.stopObserving != nil {
		a.stopObserving()
	}
	a.session.Stop()
	a.pumps.Close()
}

func (a *App) currentCredential() string {
	a.credMu.Lock()
	defer a.credMu.Unlock()
	return a.credential
}

// SetCredential installs a new bearer token and reconnects with it.
func (a *App) SetCredential(token string) {
	a.credMu.Lock()
	a.credential = token
	a.credMu.Unlock()
	a.authRejected.Store(false)
	a.manager.Connect(token)
}

// ClearCredential logs out: the connection is released but every topic
// registration stays so a later login resumes where it left off.
func (a *App) ClearCredential() {
	a.credMu.Lock()
	a.credential = ""
	a.credMu.Unlock()
	a.manager.Disconnect()
	a.tracker.Reset()
}

func (a *App) onUnauthenticated() {
	a.authRejected.Store(true)
	a.wsHub.BroadcastJSON(telemetry.NewLogLine("warn", "order", "appliance rejected the credential, log in again"))
}

// heartbeatLoop lets observers detect a stalled daemon without polling.
func (a *App) heartbeatLoop(ctx context.Context) {
	t := time.NewTicker(10 * time.Second)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.wsHub.BroadcastJSON(telemetry.NewHeartbeat(a.manager.State().String(), time.Since(a.startedAt)))
		}
	}
}
