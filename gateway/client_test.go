package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"

	"github.com/teranos/groupcast/errors"
	"github.com/teranos/groupcast/internal/backoff"
)

// fakeGateway mimics the messaging gateway: /health and /send/{channel}.
type fakeGateway struct {
	healthCode int
	sendCalls  atomic.Int32
	lastBody   sendRequest
	lastPath   string
	lastAgent  string
	send       func(n int32, w http.ResponseWriter, r *http.Request)
}

func (f *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/health":
		code := f.healthCode
		if code == 0 {
			code = http.StatusOK
		}
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "running",
			"instances": map[string]int{"total": 2, "connected": 1, "connecting": 1},
			"uptime":    12.5,
		})
	case r.Method == http.MethodPost:
		n := f.sendCalls.Add(1)
		f.lastPath = r.URL.Path
		f.lastAgent = r.UserAgent()
		json.NewDecoder(r.Body).Decode(&f.lastBody)
		f.send(n, w, r)
	default:
		http.NotFound(w, r)
	}
}

func reply(code int, body string) func(int32, http.ResponseWriter, *http.Request) {
	return func(_ int32, w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		w.Write([]byte(body))
	}
}

func noWait(context.Context, time.Duration) error { return nil }

func newTestClient(t *testing.T, gw *fakeGateway, cfg Config) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	cfg.BaseURL = srv.URL
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	c, err := New(cfg,
		WithLogger(zaptest.NewLogger(t).Sugar()),
		WithRetryPolicy(backoff.Policy{MaxAttempts: cfg.MaxAttempts, BaseDelay: time.Second, Multiplier: 2, Sleep: noWait}),
	)
	require.NoError(t, err)
	return c, srv
}

func TestDeliverSent(t *testing.T) {
	gw := &fakeGateway{send: reply(200, `{"success":true,"instanceId":"inst-1"}`)}
	c, _ := newTestClient(t, gw, Config{})

	res := c.Deliver(context.Background(), "inst-1", "120363@g.us", Message{
		Text: "Culto domingo 10h", Kind: "image", MediaURL: "https://cdn.example.com/a.jpg",
	})

	assert.True(t, res.Sent())
	assert.Equal(t, ClassNone, res.Class)
	assert.Equal(t, 1, res.Attempts)
	assert.NoError(t, res.Err())

	assert.Equal(t, "/send/inst-1", gw.lastPath)
	assert.True(t, strings.HasPrefix(gw.lastAgent, "groupcast/"), gw.lastAgent)
	assert.Equal(t, sendRequest{To: "120363@g.us", Message: "Culto domingo 10h", Type: "image", MediaURL: "https://cdn.example.com/a.jpg"}, gw.lastBody)
}

func TestDeliverNotConnectedIsTerminal(t *testing.T) {
	gw := &fakeGateway{send: reply(400, `{"error":"channel not connected"}`)}
	c, _ := newTestClient(t, gw, Config{})

	res := c.Deliver(context.Background(), "inst-1", "g1", Message{Text: "hi"})

	assert.False(t, res.Sent())
	assert.Equal(t, ClassTerminal, res.Class)
	assert.Equal(t, "channel not connected", res.Error)
	assert.Equal(t, 400, res.StatusCode)
	assert.Equal(t, int32(1), gw.sendCalls.Load(), "terminal errors are not retried")
	assert.True(t, errors.Is(res.Err(), ErrTerminal))
}

func TestDeliverUnknownInstanceIsTerminal(t *testing.T) {
	gw := &fakeGateway{send: reply(404, `{"error":"Instância não encontrada","instanceId":"inst-9"}`)}
	c, _ := newTestClient(t, gw, Config{})

	res := c.Deliver(context.Background(), "inst-9", "g1", Message{Text: "oi"})
	assert.Equal(t, ClassTerminal, res.Class)
	assert.Equal(t, int32(1), gw.sendCalls.Load())
}

func TestDeliverPortugueseNotConnected(t *testing.T) {
	gw := &fakeGateway{send: reply(400, `{"error":"Instância não conectada","instanceId":"inst-1"}`)}
	c, _ := newTestClient(t, gw, Config{})

	res := c.Deliver(context.Background(), "inst-1", "g1", Message{Text: "oi"})
	assert.Equal(t, ClassTerminal, res.Class)
}

func TestDeliverHealthFailureSkipsSend(t *testing.T) {
	gw := &fakeGateway{healthCode: http.StatusInternalServerError, send: reply(200, `{"success":true}`)}
	c, _ := newTestClient(t, gw, Config{})

	res := c.Deliver(context.Background(), "inst-1", "g1", Message{Text: "hi"})

	assert.False(t, res.Sent())
	assert.Equal(t, ClassTransient, res.Class)
	assert.Equal(t, 0, res.Attempts)
	assert.Zero(t, gw.sendCalls.Load(), "no /send call when unhealthy")
	assert.Contains(t, res.Error, "gateway unhealthy")
}

func TestDeliverGatewayDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(Config{BaseURL: url})
	require.NoError(t, err)

	res := c.Deliver(context.Background(), "inst-1", "g1", Message{Text: "hi"})
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, ClassTransient, res.Class)
	assert.False(t, c.HealthCheck(context.Background()))
}

// Two timed-out attempts followed by a success yield a single sent result.
func TestDeliverRetriesTimeoutsThenSucceeds(t *testing.T) {
	gw := &fakeGateway{send: func(n int32, w http.ResponseWriter, r *http.Request) {
		if n <= 2 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		reply(200, `{"success":true}`)(n, w, r)
	}}
	c, _ := newTestClient(t, gw, Config{ReadTimeout: 50 * time.Millisecond})

	res := c.Deliver(context.Background(), "inst-1", "g1", Message{Text: "hi"})

	assert.True(t, res.Sent(), res.Error)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int32(3), gw.sendCalls.Load())
}

func TestDeliverTimeoutsExhausted(t *testing.T) {
	gw := &fakeGateway{send: func(n int32, w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}}
	c, _ := newTestClient(t, gw, Config{ReadTimeout: 30 * time.Millisecond})

	res := c.Deliver(context.Background(), "inst-1", "g1", Message{Text: "hi"})

	assert.False(t, res.Sent())
	assert.Equal(t, ClassTransient, res.Class)
	assert.Equal(t, 3, res.Attempts)
	assert.Contains(t, res.Error, "timed out after 3 attempts")
}

func TestDeliverSuccessWithoutFlagIsUnknown(t *testing.T) {
	gw := &fakeGateway{send: reply(200, `{"instanceId":"inst-1"}`)}
	c, _ := newTestClient(t, gw, Config{})

	res := c.Deliver(context.Background(), "inst-1", "g1", Message{Text: "hi"})
	assert.False(t, res.Sent())
	assert.Equal(t, ClassUnknown, res.Class)
	assert.Contains(t, res.Error, "missing success flag")
}

func TestDeliverServerErrors(t *testing.T) {
	tests := []struct {
		name string
		code int
		body string
		want Class
	}{
		{"bad gateway", 502, `<html>nginx</html>`, ClassTransient},
		{"unavailable", 503, ``, ClassTransient},
		{"internal with message", 500, `{"error":"Cannot read properties of undefined"}`, ClassUnknown},
		{"unsupported type", 400, `{"error":"Unsupported message type: sticker"}`, ClassUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &fakeGateway{send: reply(tt.code, tt.body)}
			c, _ := newTestClient(t, gw, Config{})

			res := c.Deliver(context.Background(), "inst-1", "g1", Message{Text: "hi"})
			assert.Equal(t, StatusFailed, res.Status)
			assert.Equal(t, tt.want, res.Class)
			assert.Equal(t, 1, res.Attempts, "only timeouts are retried in-call")
		})
	}
}

func TestHealthDecodes(t *testing.T) {
	c, _ := newTestClient(t, &fakeGateway{}, Config{})

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "running", h.Status)
	assert.Equal(t, InstanceSummary{Total: 2, Connected: 1, Connecting: 1}, h.Instances)
	assert.True(t, c.HealthCheck(context.Background()))
}

func TestHealthUnavailableIsMarked(t *testing.T) {
	c, _ := newTestClient(t, &fakeGateway{healthCode: 503}, Config{})

	_, err := c.Health(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsServiceUnavailableError(err))
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	_, err := New(Config{BaseURL: "localhost:3002"})
	require.Error(t, err)
	assert.Contains(t, errors.FlattenHints(err), "gateway.base_url")
}

func TestSetRate(t *testing.T) {
	c, err := New(Config{BaseURL: "http://gw.internal:3002", RatePerSecond: 2})
	require.NoError(t, err)
	assert.Equal(t, rate.Limit(2), c.limiter.Limit())

	c.SetRate(0)
	assert.Equal(t, rate.Inf, c.limiter.Limit())

	c.SetRetryBaseDelay(3 * time.Second)
	assert.Equal(t, 3*time.Second, c.retryPolicy().BaseDelay)
}
