// Package httpclient builds the outbound HTTP clients used to reach the
// messaging gateway, and validates user-supplied media URLs.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/teranos/groupcast/errors"
)

// Options configures New.
type Options struct {
	// ConnectTimeout bounds TCP connect (default: 10s).
	ConnectTimeout time.Duration
	// ReadTimeout bounds the wait for response headers after the request is
	// written (default: 180s). Large media uploads need the headroom.
	ReadTimeout time.Duration
	// MaxRedirects before giving up (default: 10).
	MaxRedirects int
	// BlockPrivateIP refuses to dial private, loopback and link-local
	// addresses. Off for the gateway, which usually runs on the same host.
	BlockPrivateIP bool
}

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultReadTimeout    = 180 * time.Second
)

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.MaxRedirects <= 0 {
		o.MaxRedirects = 10
	}
	return o
}

// New returns an http.Client with separate connect and read timeouts.
// There is no overall client Timeout; callers bound each call with a context.
func New(opts Options) *http.Client {
	opts = opts.withDefaults()

	dialer := &net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	dial := dialer.DialContext
	if opts.BlockPrivateIP {
		dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, errors.Wrap(err, "invalid address")
			}
			ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to resolve host %q", host)
			}
			for _, ip := range ips {
				if isPrivateIP(ip) {
					return nil, errors.Newf("private IP address blocked: %s", ip)
				}
			}
			return dialer.DialContext(ctx, network, addr)
		}
	}

	client := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dial,
			MaxIdleConns:          20,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   opts.ConnectTimeout,
			ResponseHeaderTimeout: opts.ReadTimeout,
			ExpectContinueTimeout: time.Second,
		},
	}
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= opts.MaxRedirects {
			return errors.Newf("stopped after %d redirects", opts.MaxRedirects)
		}
		if opts.BlockPrivateIP {
			if err := checkPublic(req.URL); err != nil {
				return errors.Wrap(err, "redirect blocked")
			}
		}
		return nil
	}
	return client
}

// IsTimeout reports whether err is a network-level timeout: a dial or
// header timeout from the transport, or a per-call context deadline.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
