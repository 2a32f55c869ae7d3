// Package httpbackend is an l2.Backend adapter around a remote key-value
// gateway speaking a plain GET/PUT/DELETE /{key} convention over HTTP,
// standing in for the "remote shared store" deployment shape. The
// *http.Transport it builds is tuned for a pooled outbound client talking
// to one gateway: bounded idle connections, HTTP/2 where available, and
// bounded handshake/expect-continue timeouts.
package httpbackend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/http2"

	"github.com/cachekit-io/cachekit/internal/cacheerr"
)

// DefaultTransport returns an *http.Transport tuned for a pooled outbound
// client: bounded idle connections, HTTP/2 attempted opportunistically,
// and conservative dial/handshake timeouts. Callers needing custom TLS or
// proxy-chaining behavior can build their own and pass it via
// WithHTTPClient instead.
//
// http2.ConfigureTransport rewires t to speak HTTP/2 over TLS when the
// gateway supports it, falling back to HTTP/1.1 transparently when it
// doesn't.
func DefaultTransport() *http.Transport {
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          200,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	// Best-effort: a gateway reachable only over plain HTTP still works via
	// t's ForceAttemptHTTP2/h2c-less HTTP/1.1 path if this fails.
	_ = http2.ConfigureTransport(t)
	return t
}

// Backend is an l2.Backend backed by a remote HTTP key-value gateway. It
// does not implement l2.Locker: a plain GET/PUT/DELETE convention has no
// conditional-put primitive to build atomic SetNX on top of, unless the
// gateway's own protocol offers one (out of scope for this adapter).
type Backend struct {
	baseURL *url.URL
	client  *http.Client
	headers http.Header
}

// Option configures a Backend at construction time.
type Option func(*Backend)

// WithHTTPClient overrides the default client (built from DefaultTransport
// with a 10s timeout).
func WithHTTPClient(c *http.Client) Option { return func(b *Backend) { b.client = c } }

// WithHeader attaches a header (e.g. an auth token) sent on every request.
func WithHeader(key, value string) Option {
	return func(b *Backend) { b.headers.Set(key, value) }
}

// WithMaxIdleConns overrides DefaultTransport's pooled idle connection
// count, sourced from the process-wide "L2 connection pool size" setting
// (spec.md §6 "Configuration"). A non-positive n is ignored. Has no
// effect if WithHTTPClient replaced the transport with one that isn't an
// *http.Transport.
func WithMaxIdleConns(n int) Option {
	return func(b *Backend) {
		if n <= 0 {
			return
		}
		if t, ok := b.client.Transport.(*http.Transport); ok {
			t.MaxIdleConns = n
			t.MaxIdleConnsPerHost = n
		}
	}
}

// WithSocketTimeout overrides the client's per-request timeout, sourced
// from the process-wide "socket timeout" setting (spec.md §6
// "Configuration"). A non-positive d is ignored.
func WithSocketTimeout(d time.Duration) Option {
	return func(b *Backend) {
		if d > 0 {
			b.client.Timeout = d
		}
	}
}

// New builds a Backend addressing baseURL, e.g. "https://kv.internal:9000".
func New(baseURL string, opts ...Option) (*Backend, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, cacheerr.New(cacheerr.KindConfiguration, "l2.http.new", "", fmt.Errorf("parse base URL: %w", err))
	}
	b := &Backend{
		baseURL: u,
		client: &http.Client{
			Transport: DefaultTransport(),
			Timeout:   10 * time.Second,
		},
		headers: make(http.Header),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *Backend) urlFor(key string) string {
	u := *b.baseURL
	u.Path = joinPath(u.Path, url.PathEscape(key))
	return u.String()
}

func joinPath(base, elem string) string {
	if base == "" {
		return "/" + elem
	}
	if base[len(base)-1] == '/' {
		return base + elem
	}
	return base + "/" + elem
}

func (b *Backend) newRequest(ctx context.Context, method, key string, body []byte) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.urlFor(key), r)
	if err != nil {
		return nil, err
	}
	for k, vs := range b.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	return req, nil
}

func (b *Backend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	req, err := b.newRequest(ctx, http.MethodGet, key, nil)
	if err != nil {
		return nil, false, cacheerr.New(cacheerr.KindTransient, "l2.http.get", key, err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, false, classifyTransportErr("l2.http.get", key, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, nil
	case resp.StatusCode == http.StatusOK:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, false, cacheerr.New(cacheerr.KindTransient, "l2.http.get", key, err)
		}
		return data, true, nil
	default:
		return nil, false, classifyStatusErr("l2.http.get", key, resp.StatusCode)
	}
}

func (b *Backend) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	req, err := b.newRequest(ctx, http.MethodPut, key, data)
	if err != nil {
		return cacheerr.New(cacheerr.KindTransient, "l2.http.set", key, err)
	}
	if ttl > 0 {
		req.Header.Set("X-Cachekit-TTL-Seconds", fmt.Sprintf("%d", int(ttl.Seconds())))
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return classifyTransportErr("l2.http.set", key, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return classifyStatusErr("l2.http.set", key, resp.StatusCode)
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, key string) (bool, error) {
	req, err := b.newRequest(ctx, http.MethodDelete, key, nil)
	if err != nil {
		return false, cacheerr.New(cacheerr.KindTransient, "l2.http.delete", key, err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return false, classifyTransportErr("l2.http.delete", key, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode/100 == 2:
		return true, nil
	default:
		return false, classifyStatusErr("l2.http.delete", key, resp.StatusCode)
	}
}

func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	req, err := b.newRequest(ctx, http.MethodHead, key, nil)
	if err != nil {
		return false, cacheerr.New(cacheerr.KindTransient, "l2.http.exists", key, err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return false, classifyTransportErr("l2.http.exists", key, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode == http.StatusOK:
		return true, nil
	default:
		return false, classifyStatusErr("l2.http.exists", key, resp.StatusCode)
	}
}

func (b *Backend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

// classifyTransportErr maps a net/http transport-level error (connection
// refused, DNS failure, TLS handshake, deadline exceeded) to a transient
// cacheerr so it feeds the reliability envelope's circuit breaker.
func classifyTransportErr(op, key string, err error) error {
	return cacheerr.New(cacheerr.KindTransient, op, key, err)
}

// classifyStatusErr maps an HTTP status code to a cacheerr Kind: 401/403
// (auth) and 400/404-adjacent protocol errors are permanent; 429/503 and
// other 5xx are transient (server-loading, pool-exhausted on the gateway
// side).
func classifyStatusErr(op, key string, status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return cacheerr.New(cacheerr.KindPermanent, op, key, fmt.Errorf("http status %d", status))
	case status == http.StatusTooManyRequests || status >= 500:
		return cacheerr.New(cacheerr.KindTransient, op, key, fmt.Errorf("http status %d", status))
	default:
		return cacheerr.New(cacheerr.KindPermanent, op, key, fmt.Errorf("http status %d", status))
	}
}
