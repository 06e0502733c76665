package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/teranos/groupcast/errors"
	"github.com/teranos/groupcast/version"
)

// Health is the decoded body of GET /health. Fields are zero when the
// gateway returns an empty or non-JSON body.
type Health struct {
	Status    string          `json:"status"`
	Instances InstanceSummary `json:"instances"`
	Uptime    float64         `json:"uptime"`
}

// InstanceSummary counts the gateway's channels by connection state.
type InstanceSummary struct {
	Total      int `json:"total"`
	Connected  int `json:"connected"`
	Connecting int `json:"connecting"`
}

// HealthCheck reports whether the gateway answered GET /health with 2xx.
func (c *Client) HealthCheck(ctx context.Context) bool {
	return c.ping(ctx) == nil
}

// Health fetches and decodes the gateway health report.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	resp, err := c.getHealth(ctx)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, errors.Wrap(err, "read health response")
	}
	var h Health
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &h); err != nil {
			return nil, errors.Wrap(err, "decode health response")
		}
	}
	return &h, nil
}

func (c *Client) ping(ctx context.Context) error {
	resp, err := c.getHealth(ctx)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	return nil
}

// getHealth returns the response only for a 2xx status.
func (c *Client) getHealth(ctx context.Context) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.healthWait)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("health"), nil)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "build health request")
	}
	req.Header.Set("User-Agent", version.Get().UserAgent())
	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, errors.Mark(errors.Wrap(err, "gateway health check"), errors.ErrServiceUnavailable)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		cancel()
		return nil, errors.Mark(errors.Newf("gateway health check returned %d", resp.StatusCode), errors.ErrServiceUnavailable)
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
