// Package stomp speaks STOMP 1.2 over a websocket, which is how the appliance
// publishes pump and production updates. The client side implements
// conn.Dialer and conn.Transport; the broker side is a small in-process
// server used by the simulator and by tests.
package stomp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/large-farva/pourlink/internal/conn"
)

const (
	headerAuthorization = "Authorization"
	headerMessage       = "message"
	writeTimeout        = 5 * time.Second
	defaultHandshake    = 10 * time.Second
)

// Dialer opens STOMP sessions against one websocket URL.
type Dialer struct {
	url       string
	host      string
	heartbeat time.Duration
	handshake time.Duration
	ws        *websocket.Dialer
	log       zerolog.Logger
}

// DialerOption configures a Dialer.
type DialerOption func(*Dialer)

// WithHeartbeat sets the heart-beat interval offered in CONNECT. Zero
// disables heartbeats.
func WithHeartbeat(d time.Duration) DialerOption {
	return func(dl *Dialer) { dl.heartbeat = d }
}

// WithHandshakeTimeout bounds the websocket upgrade plus the CONNECT/CONNECTED
// exchange when the caller's context has no deadline.
func WithHandshakeTimeout(d time.Duration) DialerOption {
	return func(dl *Dialer) { dl.handshake = d }
}

// WithDialerLogger sets the logger used by dialed transports.
func WithDialerLogger(l zerolog.Logger) DialerOption {
	return func(dl *Dialer) { dl.log = l }
}

// NewDialer creates a Dialer for a ws:// or wss:// URL.
func NewDialer(wsURL string, opts ...DialerOption) *Dialer {
	d := &Dialer{
		url:       wsURL,
		host:      hostOf(wsURL),
		heartbeat: 4 * time.Second,
		handshake: defaultHandshake,
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshake,
		},
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dial upgrades to a websocket, performs the STOMP CONNECT handshake with the
// bearer credential, and starts the read loop. A 401/403 upgrade response or
// an authentication ERROR frame yields an error wrapping conn.ErrUnauthorized.
func (d *Dialer) Dial(ctx context.Context, credential string, deliver conn.DeliverFunc) (conn.Transport, error) {
	if _, ok := ctx.Deadline(); !ok && d.handshake > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.handshake)
		defer cancel()
	}

	hdr := http.Header{}
	if credential != "" {
		hdr.Set(headerAuthorization, "Bearer "+credential)
	}

	ws, resp, err := d.ws.DialContext(ctx, d.url, hdr)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("websocket upgrade: %s: %w", resp.Status, conn.ErrUnauthorized)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	t := &Transport{
		ws:      ws,
		deliver: deliver,
		log:     d.log,
		subs:    make(map[string]string),
		done:    make(chan struct{}),
	}

	if err := t.handshake(ctx, d.host, credential, d.heartbeat); err != nil {
		_ = ws.Close()
		return nil, err
	}

	go t.readLoop()
	if t.sendEvery > 0 {
		go t.heartbeatLoop()
	}
	return t, nil
}

// Transport is one authenticated STOMP session. It is safe for concurrent use.
type Transport struct {
	ws      *websocket.Conn
	deliver conn.DeliverFunc
	log     zerolog.Logger

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]string // destination -> subscription id

	sendEvery   time.Duration
	readTimeout time.Duration

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func (t *Transport) handshake(ctx context.Context, host, credential string, hb time.Duration) error {
	ms := strconv.FormatInt(hb.Milliseconds(), 10)
	f := frame.New(frame.CONNECT,
		frame.AcceptVersion, "1.2",
		frame.Host, host,
		frame.HeartBeat, ms+","+ms,
	)
	if credential != "" {
		f.Header.Set(headerAuthorization, "Bearer "+credential)
	}
	if err := t.write(f); err != nil {
		return fmt.Errorf("send CONNECT: %w", err)
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = t.ws.SetReadDeadline(dl)
	}
	defer func() { _ = t.ws.SetReadDeadline(time.Time{}) }()

	for {
		_, data, err := t.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("await CONNECTED: %w", ctx.Err())
			}
			return fmt.Errorf("await CONNECTED: %w", err)
		}
		frames, err := parseFrames(data)
		if err != nil {
			return fmt.Errorf("await CONNECTED: %w", err)
		}
		for _, reply := range frames {
			switch reply.Command {
			case frame.CONNECTED:
				t.negotiate(hb, reply.Header.Get(frame.HeartBeat))
				t.log.Debug().
					Str("version", reply.Header.Get(frame.Version)).
					Dur("send_every", t.sendEvery).
					Dur("read_timeout", t.readTimeout).
					Msg("stomp session established")
				return nil
			case frame.ERROR:
				return connectError(reply)
			}
		}
	}
}

// negotiate applies the STOMP heart-beat rules to the server's CONNECTED
// header "sx,sy".
func (t *Transport) negotiate(ours time.Duration, theirs string) {
	sx, sy := parseHeartBeat(theirs)
	if ours > 0 && sy > 0 {
		t.sendEvery = maxDur(ours, sy)
	}
	if ours > 0 && sx > 0 {
		t.readTimeout = 3 * maxDur(ours, sx)
	}
}

func connectError(f *frame.Frame) error {
	msg := f.Header.Get(headerMessage)
	if msg == "" {
		msg = strings.TrimSpace(string(f.Body))
	}
	lower := strings.ToLower(msg + " " + string(f.Body))
	for _, needle := range []string{"unauthor", "denied", "401", "403", "token", "authentic"} {
		if strings.Contains(lower, needle) {
			return fmt.Errorf("CONNECT refused: %s: %w", msg, conn.ErrUnauthorized)
		}
	}
	return fmt.Errorf("CONNECT refused: %s", msg)
}

// Subscribe sends SUBSCRIBE for destination unless it is already subscribed.
func (t *Transport) Subscribe(destination string) error {
	t.mu.Lock()
	if _, ok := t.subs[destination]; ok {
		t.mu.Unlock()
		return nil
	}
	id := "sub-" + uuid.NewString()
	t.subs[destination] = id
	t.mu.Unlock()

	err := t.write(frame.New(frame.SUBSCRIBE,
		frame.Id, id,
		frame.Destination, destination,
		frame.Ack, "auto",
	))
	if err != nil {
		t.mu.Lock()
		delete(t.subs, destination)
		t.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", destination, err)
	}
	return nil
}

// Unsubscribe sends UNSUBSCRIBE for destination if it is subscribed.
func (t *Transport) Unsubscribe(destination string) error {
	t.mu.Lock()
	id, ok := t.subs[destination]
	delete(t.subs, destination)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	if err := t.write(frame.New(frame.UNSUBSCRIBE, frame.Id, id)); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", destination, err)
	}
	return nil
}

// Done is closed once the session has ended.
func (t *Transport) Done() <-chan struct{} { return t.done }

// Err reports why the session ended. It is nil while the session is live.
func (t *Transport) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Close sends DISCONNECT and closes the socket.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.err = conn.ErrClosedByClient
		_ = t.write(frame.New(frame.DISCONNECT))
		t.writeMu.Lock()
		_ = t.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second),
		)
		t.writeMu.Unlock()
		_ = t.ws.Close()
		close(t.done)
	})
	return nil
}

func (t *Transport) fail(err error) {
	t.closeOnce.Do(func() {
		t.err = err
		_ = t.ws.Close()
		close(t.done)
	})
}

func (t *Transport) readLoop() {
	for {
		if t.readTimeout > 0 {
			_ = t.ws.SetReadDeadline(time.Now().Add(t.readTimeout))
		}
		_, data, err := t.ws.ReadMessage()
		if err != nil {
			t.fail(fmt.Errorf("read: %w", err))
			return
		}
		frames, err := parseFrames(data)
		if err != nil {
			t.fail(err)
			return
		}
		for _, f := range frames {
			switch f.Command {
			case frame.MESSAGE:
				t.deliver(f.Header.Get(frame.Destination), f.Body)
			case frame.ERROR:
				t.fail(fmt.Errorf("server error: %s", f.Header.Get(headerMessage)))
				return
			default:
				t.log.Debug().Str("command", f.Command).Msg("ignoring frame")
			}
		}
	}
}

func (t *Transport) heartbeatLoop() {
	tick := time.NewTicker(t.sendEvery)
	defer tick.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-tick.C:
			t.writeMu.Lock()
			_ = t.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := t.ws.WriteMessage(websocket.TextMessage, []byte("\n"))
			t.writeMu.Unlock()
			if err != nil {
				t.fail(fmt.Errorf("heartbeat: %w", err))
				return
			}
		}
	}
}

func (t *Transport) write(f *frame.Frame) error {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.ws.WriteMessage(websocket.TextMessage, buf.Bytes())
}

// parseFrames decodes every frame in one websocket message. Bare EOLs are
// heart-beats and produce no frame.
func parseFrames(data []byte) ([]*frame.Frame, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	r := frame.NewReader(bytes.NewReader(data))
	var out []*frame.Frame
	for {
		f, err := r.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("decode frame: %w", err)
		}
		if f != nil {
			out = append(out, f)
		}
	}
}

func parseHeartBeat(v string) (sx, sy time.Duration) {
	parts := strings.SplitN(v, ",", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	x, _ := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	y, _ := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	return time.Duration(x) * time.Millisecond, time.Duration(y) * time.Millisecond
}

func maxDur(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
