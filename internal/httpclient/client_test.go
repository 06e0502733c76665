package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAppliesTimeouts(t *testing.T) {
	c := New(Options{ConnectTimeout: 3 * time.Second, ReadTimeout: 7 * time.Second})
	tr, ok := c.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 7*time.Second, tr.ResponseHeaderTimeout)
	assert.Equal(t, 3*time.Second, tr.TLSHandshakeTimeout)
	assert.Zero(t, c.Timeout, "overall timeout is left to per-call contexts")
}

func TestNewDefaults(t *testing.T) {
	tr := New(Options{}).Transport.(*http.Transport)
	assert.Equal(t, DefaultReadTimeout, tr.ResponseHeaderTimeout)
}

func TestReadTimeoutSurfacesAsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := New(Options{ReadTimeout: 20 * time.Millisecond})
	resp, err := c.Get(srv.URL)
	if err == nil {
		resp.Body.Close()
		t.Fatal("expected header timeout")
	}
	assert.True(t, IsTimeout(err), "got %v", err)
}

func TestBlockPrivateIPRefusesLoopback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	c := New(Options{BlockPrivateIP: true})
	resp, err := c.Get(srv.URL)
	if err == nil {
		resp.Body.Close()
		t.Fatal("expected loopback to be blocked")
	}
	assert.Contains(t, err.Error(), "private IP address blocked")
}

func TestMaxRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/again", http.StatusFound)
	}))
	defer srv.Close()

	c := New(Options{MaxRedirects: 2})
	resp, err := c.Get(srv.URL)
	if err == nil {
		resp.Body.Close()
		t.Fatal("expected redirect limit")
	}
	assert.Contains(t, err.Error(), "stopped after 2 redirects")
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTimeout(t *testing.T) {
	assert.False(t, IsTimeout(nil))
	assert.True(t, IsTimeout(context.DeadlineExceeded))
	assert.True(t, IsTimeout(&net.OpError{Op: "dial", Err: timeoutErr{}}))
	assert.False(t, IsTimeout(context.Canceled))
	assert.False(t, IsTimeout(&net.OpError{Op: "dial", Err: &net.AddrError{Err: "bad"}}))
}
