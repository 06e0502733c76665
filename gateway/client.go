// Package gateway talks to the external messaging gateway that owns the chat
// channels. A Client performs one health-checked delivery per call and
// classifies the outcome for the dispatcher.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/groupcast/errors"
	"github.com/teranos/groupcast/internal/backoff"
	"github.com/teranos/groupcast/internal/httpclient"
	"github.com/teranos/groupcast/logger"
	"github.com/teranos/groupcast/version"
)

// Status of one delivery.
type Status string

const (
	StatusSent   Status = "sent"
	StatusFailed Status = "failed"
)

// Message is the body sent to one group.
type Message struct {
	Text     string
	Kind     string // text, image, audio, video, document
	MediaURL string
}

// Result of Deliver. Class is ClassNone exactly when Status is StatusSent.
type Result struct {
	Status     Status
	Class      Class
	Error      string
	Attempts   int // /send calls made, 0 when the health check failed
	StatusCode int
}

// Sent reports whether the gateway confirmed delivery.
func (r Result) Sent() bool {
	return r.Status == StatusSent
}

// Err wraps the class sentinel with the gateway's error text, or nil when sent.
func (r Result) Err() error {
	if r.Sent() {
		return nil
	}
	return errors.Wrap(r.Class.Err(), r.Error)
}

// Config holds gateway client settings.
type Config struct {
	BaseURL        string
	ConnectTimeout time.Duration // default 10s
	ReadTimeout    time.Duration // default 180s
	HealthTimeout  time.Duration // default 5s
	MaxAttempts    int           // /send attempts on timeout, default 3
	RetryBaseDelay time.Duration // first wait between timed-out attempts, default 1s
	RatePerSecond  float64       // outbound sends per second, 0 = unlimited
}

// Client is safe for concurrent use.
type Client struct {
	base        *url.URL
	http        *http.Client
	readTimeout time.Duration
	healthWait  time.Duration
	limiter     *rate.Limiter
	logger      *zap.SugaredLogger

	mu     sync.RWMutex
	policy backoff.Policy
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the transport, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = logger.AddGatewaySymbol(l)
		}
	}
}

// WithRetryPolicy overrides the timeout retry policy.
func WithRetryPolicy(p backoff.Policy) Option {
	return func(c *Client) { c.policy = p }
}

// New validates cfg and builds a Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errors.WithHint(
			errors.Newf("invalid gateway base URL %q", cfg.BaseURL),
			"set gateway.base_url, e.g. http://localhost:3002",
		)
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = httpclient.DefaultReadTimeout
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}

	c := &Client{
		base: base,
		http: httpclient.New(httpclient.Options{
			ConnectTimeout: cfg.ConnectTimeout,
			ReadTimeout:    cfg.ReadTimeout,
		}),
		readTimeout: cfg.ReadTimeout,
		healthWait:  cfg.HealthTimeout,
		limiter:     rate.NewLimiter(limitFor(cfg.RatePerSecond), 1),
		logger:      logger.AddGatewaySymbol(logger.Logger),
		policy: backoff.Policy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			Multiplier:  2,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func limitFor(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSecond)
}

// SetRate changes the outbound send rate. 0 removes the limit.
func (c *Client) SetRate(perSecond float64) {
	c.limiter.SetLimit(limitFor(perSecond))
}

// SetRetryBaseDelay changes the wait before the first timeout retry.
func (c *Client) SetRetryBaseDelay(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.policy.BaseDelay = d
	c.mu.Unlock()
}

func (c *Client) retryPolicy() backoff.Policy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.policy
}

func (c *Client) endpoint(parts ...string) string {
	u := *c.base
	for _, p := range parts {
		u.Path += "/" + url.PathEscape(p)
	}
	return u.String()
}

type sendRequest struct {
	To       string `json:"to"`
	Message  string `json:"message"`
	Type     string `json:"type"`
	MediaURL string `json:"mediaUrl,omitempty"`
}

type sendResponse struct {
	Success *bool  `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Deliver sends msg to one group through channelID. It probes health first
// and returns a transient failure without calling /send when the gateway is
// unreachable. Network timeouts are retried with doubling delay up to the
// configured attempt count. Deliver never returns a Go error: every outcome
// is a Result.
func (c *Client) Deliver(ctx context.Context, channelID, to string, msg Message) Result {
	log := c.logger.With(logger.FieldChannelID, channelID, logger.FieldGroupID, to)

	if err := c.ping(ctx); err != nil {
		log.Warnw("Gateway unhealthy, skipping send", logger.FieldError, err.Error())
		return Result{
			Status: StatusFailed,
			Class:  ClassTransient,
			Error:  fmt.Sprintf("gateway unhealthy: %s", err),
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return Result{Status: StatusFailed, Class: ClassTransient, Error: err.Error()}
	}

	body, err := json.Marshal(sendRequest{
		To:       to,
		Message:  msg.Text,
		Type:     msgKind(msg.Kind),
		MediaURL: msg.MediaURL,
	})
	if err != nil {
		return Result{Status: StatusFailed, Class: ClassUnknown, Error: err.Error()}
	}

	var res Result
	attempts, err := backoff.Retry(ctx, c.retryPolicy(), httpclient.IsTimeout, func(attempt int) error {
		r, err := c.sendOnce(ctx, channelID, body)
		if err != nil {
			if httpclient.IsTimeout(err) {
				log.Warnw("Gateway send timed out", logger.FieldAttempt, attempt, logger.FieldError, err.Error())
			}
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		res = Result{Status: StatusFailed, Class: ClassifyError(err.Error()), Error: err.Error()}
		if errors.Is(err, backoff.ErrExhausted) {
			res.Class = ClassTransient
			res.Error = fmt.Sprintf("timed out after %d attempts: %s", attempts, err)
		}
		if res.Class == ClassUnknown && ctx.Err() != nil {
			res.Class = ClassTransient
		}
	}
	res.Attempts = attempts

	if res.Sent() {
		log.Debugw("Gateway accepted message", logger.FieldAttempt, attempts)
	} else {
		log.Infow("Gateway delivery failed",
			logger.FieldErrorClass, string(res.Class),
			logger.FieldStatus, res.StatusCode,
			logger.FieldError, res.Error,
		)
	}
	return res
}

func msgKind(kind string) string {
	k := strings.ToLower(strings.TrimSpace(kind))
	if k == "" {
		return "text"
	}
	return k
}

// sendOnce performs a single POST. A returned error is transport-level;
// any HTTP response is turned into a Result.
func (c *Client) sendOnce(ctx context.Context, channelID string, body []byte) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("send", channelID), bytes.NewReader(body))
	if err != nil {
		return Result{}, errors.Wrap(err, "build send request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.Get().UserAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Result{}, err
	}
	return interpret(resp.StatusCode, raw), nil
}

// interpret classifies a /send response. Only 2xx with success:true is sent.
func interpret(code int, raw []byte) Result {
	var body sendResponse
	decodeErr := json.Unmarshal(raw, &body)

	if code >= 200 && code < 300 {
		if decodeErr == nil && body.Success != nil && *body.Success {
			return Result{Status: StatusSent, StatusCode: code}
		}
		text := firstNonEmpty(body.Error, body.Message, "gateway response missing success flag")
		class := ClassifyError(text)
		if class == ClassTransient {
			class = ClassUnknown
		}
		return Result{Status: StatusFailed, Class: class, Error: text, StatusCode: code}
	}

	text := firstNonEmpty(body.Error, body.Message, strings.TrimSpace(string(raw)),
		fmt.Sprintf("%d %s", code, http.StatusText(code)))
	class := ClassifyError(text)
	if class == ClassUnknown {
		switch code {
		case http.StatusTooManyRequests, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			class = ClassTransient
		}
	}
	return Result{Status: StatusFailed, Class: class, Error: text, StatusCode: code}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
