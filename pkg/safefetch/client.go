package safefetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"taskengine/pkg/taskerrors"
)

type pinnedKey struct{}

// Client issues HTTP requests through the outbound policy. It implements http.RoundTripper and
// the Do(*http.Request) interface the provider SDKs accept as their HTTP client.
type Client struct {
	opts      Options
	resolver  Resolver
	transport *http.Transport
	dialer    *net.Dialer
}

// New creates a policy-enforcing client.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if opts.MaxRequestBytes <= 0 {
		opts.MaxRequestBytes = DefaultMaxRequestBytes
	}
	opts.AllowHosts = append([]string(nil), opts.AllowHosts...)

	resolver := opts.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	c := &Client{
		opts:     opts,
		resolver: resolver,
		dialer:   &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second},
	}
	c.transport = &http.Transport{
		// No proxy: a proxy would connect on our behalf and bypass the pinned dial.
		Proxy:                 nil,
		DialContext:           c.dialPinned,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return c
}

// MaxRequestBytes returns the configured request body ceiling.
func (c *Client) MaxRequestBytes() int64 {
	return c.opts.MaxRequestBytes
}

// HTTPClient returns an *http.Client routed through the policy with redirects disabled,
// for libraries that need the concrete type.
func (c *Client) HTTPClient() *http.Client {
	return &http.Client{
		Transport: c,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// RoundTrip implements http.RoundTripper.
func (c *Client) RoundTrip(req *http.Request) (*http.Response, error) {
	return c.Do(req)
}

// Do validates the destination, bounds the request, and sends it without following redirects.
// The returned body fails with OUTBOUND_RESPONSE_TOO_LARGE once the response ceiling is crossed.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if err := c.checkRequestSize(req); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(req.Context(), c.opts.Timeout)

	dest, err := c.Check(ctx, req.URL)
	if err != nil {
		cancel()
		return nil, err
	}

	ctx = context.WithValue(ctx, pinnedKey{}, dest)
	resp, err := c.transport.RoundTrip(req.WithContext(ctx))
	if err != nil {
		cancel()
		return nil, classifyTransportError(req.Context(), ctx, err)
	}

	if resp.ContentLength > c.opts.MaxResponseBytes {
		_ = resp.Body.Close()
		cancel()
		return nil, taskerrors.Newf(taskerrors.CodeOutboundResponseTooLarge,
			"declared response size %d exceeds %d bytes", resp.ContentLength, c.opts.MaxResponseBytes)
	}

	resp.Body = &boundedBody{rc: resp.Body, limit: c.opts.MaxResponseBytes, cancel: cancel}
	return resp, nil
}

// checkRequestSize rejects bodies over the request ceiling before any network activity.
func (c *Client) checkRequestSize(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody {
		return nil
	}
	if req.ContentLength > c.opts.MaxRequestBytes {
		return taskerrors.Newf(taskerrors.CodeOutboundPayloadRejected,
			"request body of %d bytes exceeds %d", req.ContentLength, c.opts.MaxRequestBytes)
	}
	if req.ContentLength >= 0 {
		return nil
	}

	// Unknown length: buffer up to the ceiling to find out.
	body, err := io.ReadAll(io.LimitReader(req.Body, c.opts.MaxRequestBytes+1))
	_ = req.Body.Close()
	if err != nil {
		return taskerrors.Wrap(taskerrors.CodeOutboundPayloadRejected, err, "reading request body")
	}
	if int64(len(body)) > c.opts.MaxRequestBytes {
		return taskerrors.Newf(taskerrors.CodeOutboundPayloadRejected,
			"request body exceeds %d bytes", c.opts.MaxRequestBytes)
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return nil
}

// dialPinned connects only to addresses vetted by Check for this request.
func (c *Client) dialPinned(ctx context.Context, network, address string) (net.Conn, error) {
	dest, ok := ctx.Value(pinnedKey{}).(*Destination)
	if !ok || dest == nil {
		return nil, taskerrors.New(taskerrors.CodeOutboundDisabled, "connection attempted without a vetted destination")
	}
	_, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("invalid dial address %q: %w", address, err)
	}

	var lastErr error
	for _, addr := range dest.Addrs {
		conn, err := c.dialer.DialContext(ctx, network, net.JoinHostPort(addr.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func classifyTransportError(parent, ctx context.Context, err error) error {
	var te *taskerrors.Error
	if errors.As(err, &te) {
		return te
	}
	if parent.Err() != nil {
		return taskerrors.Wrap(taskerrors.CodeRunCanceled, err, "request canceled")
	}
	if ctx.Err() != nil || isTimeout(err) {
		return &taskerrors.Error{
			Code:            taskerrors.CodeProviderTimeout,
			Err:             err,
			Message:         "outbound request timed out",
			Retryable:       true,
			SuggestedAction: taskerrors.ActionRetry,
		}
	}
	return &taskerrors.Error{
		Code:            taskerrors.CodeProviderHTTP,
		Err:             err,
		Message:         "outbound request failed",
		Retryable:       true,
		SuggestedAction: taskerrors.ActionRetry,
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// boundedBody streams a response and aborts once more than limit bytes arrive.
type boundedBody struct {
	rc     io.ReadCloser
	cancel context.CancelFunc
	limit  int64
	read   int64
	once   sync.Once
	err    error
}

func (b *boundedBody) Read(p []byte) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	n, err := b.rc.Read(p)
	b.read += int64(n)
	if b.read > b.limit {
		b.err = taskerrors.Newf(taskerrors.CodeOutboundResponseTooLarge,
			"response exceeded %d bytes", b.limit)
		_ = b.Close()
		keep := n - int(b.read-b.limit)
		if keep < 0 {
			keep = 0
		}
		return keep, b.err
	}
	return n, err
}

func (b *boundedBody) Close() error {
	var err error
	b.once.Do(func() {
		err = b.rc.Close()
		b.cancel()
	})
	return err
}

// ReadAll reads a response body through the policy's ceiling and closes it.
func ReadAll(resp *http.Response) ([]byte, error) {
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		var te *taskerrors.Error
		if errors.As(err, &te) {
			return nil, te
		}
		return nil, taskerrors.Wrap(taskerrors.CodeProviderHTTP, err, "reading response body")
	}
	return data, nil
}
