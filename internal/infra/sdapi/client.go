package sdapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sd-batch/internal/domain"
	"sd-batch/internal/metrics"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	OperationTxt2Img     = "txt2img"
	OperationImg2Img     = "img2img"
	OperationInterrogate = "interrogate"

	apiPrefix    = "/sdapi/v1/"
	maxErrorBody = 4 << 10
)

// Options configure the transport of a Client.
type Options struct {
	// ConnectTimeout bounds establishing the TCP connection.
	ConnectTimeout time.Duration
	// ReadTimeout bounds every socket read, the wait for response headers
	// included. Generation can take minutes, so keep it generous.
	ReadTimeout time.Duration
}

// Client is a session bound to one backend endpoint.
type Client struct {
	endpoint domain.Endpoint
	baseURL  string
	client   *http.Client
	base     *http.Transport
}

// NewClient creates a session for endpoint with its own connection pool.
func NewClient(endpoint domain.Endpoint, opts Options) (*Client, error) {
	if endpoint.URL == "" {
		return nil, fmt.Errorf("endpoint URL cannot be empty")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 600 * time.Second
	}

	dialer := &net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return &readDeadlineConn{Conn: conn, timeout: opts.ReadTimeout}, nil
		},
		ResponseHeaderTimeout: opts.ReadTimeout,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       90 * time.Second,
	}

	return &Client{
		endpoint: endpoint,
		baseURL:  strings.TrimRight(endpoint.URL, "/"),
		// No total timeout: a generation call is only bounded by the
		// transport's connect and read timeouts.
		client: &http.Client{Transport: otelhttp.NewTransport(transport)},
		base:   transport,
	}, nil
}

// readDeadlineConn bounds each Read, so a body that stalls after the
// headers arrived fails like a slow header does.
type readDeadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *readDeadlineConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

// Factory returns a domain.BackendFactory producing Clients with opts.
func Factory(opts Options) domain.BackendFactory {
	return func(endpoint domain.Endpoint) (domain.Backend, error) {
		return NewClient(endpoint, opts)
	}
}

func (c *Client) Endpoint() domain.Endpoint { return c.endpoint }

// Close releases idle connections held by the session.
func (c *Client) Close() error {
	c.base.CloseIdleConnections()
	return nil
}

// Call posts payload as JSON to /sdapi/v1/{operation} and decodes the JSON
// response into out.
func (c *Client) Call(ctx context.Context, operation string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiPrefix+operation, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	metrics.BackendRequestDuration.WithLabelValues(c.endpoint.URL, operation).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.BackendRequestsTotal.WithLabelValues(c.endpoint.URL, operation, "error").Inc()
		return fmt.Errorf("http request to %s failed: %w", c.endpoint, err)
	}
	defer resp.Body.Close()
	metrics.BackendRequestsTotal.WithLabelValues(c.endpoint.URL, operation, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Keep a bounded portion of the body for diagnostics.
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &domain.BackendError{
			Endpoint:   c.endpoint.String(),
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(bodyBytes)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) {
			return fmt.Errorf("reading %s response: %w", operation, err)
		}
		return &domain.DecodeError{Reason: "invalid JSON in " + operation + " response", Err: err}
	}
	return nil
}
