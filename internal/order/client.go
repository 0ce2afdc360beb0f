package order

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/large-farva/pourlink/internal/metrics"
)

// CredentialFunc returns the current bearer token.
type CredentialFunc func() string

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithUnauthenticatedHook calls fn whenever the appliance answers 401.
func WithUnauthenticatedHook(fn func()) Option {
	return func(c *Client) { c.onUnauthenticated = fn }
}

// Client calls the appliance's cocktail API rooted at base, e.g.
// http://appliance:8080/api/cocktail/. It is safe for concurrent use.
type Client struct {
	base              string
	credential        CredentialFunc
	http              *http.Client
	log               zerolog.Logger
	onUnauthenticated func()
}

// NewClient creates a client. base must end with the API collection path.
func NewClient(base string, credential CredentialFunc, opts ...Option) *Client {
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	c := &Client{
		base:       base,
		credential: credential,
		http:       &http.Client{Timeout: 10 * time.Second},
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckFeasibility asks whether recipeID can be produced with cfg. An
// appliance-side refusal comes back as an infeasible result with a reason.
func (c *Client) CheckFeasibility(ctx context.Context, recipeID int64, cfg Config, isIngredient bool) (FeasibilityResult, error) {
	path := strconv.FormatInt(recipeID, 10) + "/feasibility"
	var res FeasibilityResult
	out, err := c.do(ctx, "feasibility", http.MethodPut, path, ingredientQuery(isIngredient), cfg.Normalized(), &res)
	if err != nil {
		return FeasibilityResult{}, err
	}
	if !out.Accepted {
		return FeasibilityResult{Feasible: false, Reason: out.Reason}, nil
	}
	return res, nil
}

// PlaceOrder asks the appliance to produce recipeID. Acceptance only means
// the appliance took the order; progress arrives on the progress topic.
func (c *Client) PlaceOrder(ctx context.Context, recipeID int64, cfg Config, isIngredient bool) (Outcome, error) {
	path := strconv.FormatInt(recipeID, 10)
	return c.do(ctx, "order", http.MethodPut, path, ingredientQuery(isIngredient), cfg.Normalized(), nil)
}

// Cancel stops whatever production the appliance is running.
func (c *Client) Cancel(ctx context.Context) (Outcome, error) {
	return c.do(ctx, "cancel", http.MethodDelete, "", nil, nil, nil)
}

// Continue resumes a production paused for a manual step.
func (c *Client) Continue(ctx context.Context) (Outcome, error) {
	return c.do(ctx, "continue", http.MethodPost, "continueproduction", nil, nil, nil)
}

func ingredientQuery(isIngredient bool) url.Values {
	return url.Values{"isIngredient": {strconv.FormatBool(isIngredient)}}
}

// do performs one call. 2xx decodes into dst and is Accepted; 401 is
// ErrUnauthenticated; other 4xx are rejections; 5xx is a ServerError.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, dst any) (Outcome, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.OrderRequestDuration.WithLabelValues(op))

	out, err := c.roundTrip(ctx, op, method, path, query, body, dst)
	kind := OutcomeKind(out, err)
	if kind == KindNone {
		kind = "accepted"
	}
	metrics.OrderRequestsTotal.WithLabelValues(op, string(kind)).Inc()

	ev := c.log.Debug()
	if err != nil {
		ev = c.log.Warn().Err(err)
	}
	ev.Str("op", op).Str("result", string(kind)).Str("reason", out.Reason).Msg("appliance call")

	if errors.Is(err, ErrUnauthenticated) && c.onUnauthenticated != nil {
		c.onUnauthenticated()
	}
	return out, err
}

func (c *Client) roundTrip(ctx context.Context, op, method, path string, query url.Values, body, dst any) (Outcome, error) {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return Outcome{}, fmt.Errorf("%s: encode body: %w", op, err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return Outcome{}, fmt.Errorf("%s: build request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.credential != nil {
		if tok := c.credential(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Outcome{}, &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return Outcome{}, fmt.Errorf("%s: %w", op, ErrUnauthenticated)

	case resp.StatusCode >= 500:
		return Outcome{}, &ServerError{Op: op, Status: resp.StatusCode, Message: readReason(resp)}

	case resp.StatusCode >= 400:
		return Rejected(readReason(resp)), nil
	}

	if dst != nil {
		if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
			return Outcome{}, fmt.Errorf("%s: decode response: %w", op, err)
		}
	}
	return Accepted(), nil
}

// readReason extracts a human message from an error body. The appliance
// answers with either {"message": "..."} or plain text.
func readReason(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(b, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	if msg := strings.TrimSpace(string(b)); msg != "" && !strings.HasPrefix(msg, "{") {
		return msg
	}
	return http.StatusText(resp.StatusCode)
}
