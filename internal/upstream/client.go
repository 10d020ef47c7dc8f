// Package upstream is the HTTP transport for the third-party plate API.
//
// A lookup is GET {base_url}/consultarPlaca?placa={PLATE} with HTTP Basic
// credentials (account email and API key). The client returns the raw body
// of a 200 response; decoding and validation belong to the caller.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/pecahub/platelookup/internal/config"
)

// Path is the lookup endpoint relative to the base URL.
const Path = "/consultarPlaca"

const (
	defaultTimeout          = 10 * time.Second
	defaultMaxResponseBytes = 64 << 10 // 64 KiB
	// errorBodyPreview bounds how much of a non-200 body is kept for logs.
	errorBodyPreview = 512
)

// ErrResponseTooLarge is returned when the body exceeds the configured cap.
var ErrResponseTooLarge = errors.New("upstream: response body too large")

// StatusError reports a non-200 upstream response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Client calls the plate API.
type Client struct {
	baseURL          string
	email            string
	apiKey           config.RedactedString
	httpClient       *http.Client
	maxResponseBytes int64
	limiter          *rate.Limiter
	tracer           trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the tuned default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client from the upstream configuration. It fails when the
// base URL or credentials are missing.
func New(cfg config.UpstreamConfig, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("upstream: base_url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("upstream: invalid base_url: %w", err)
	}
	if cfg.Email == "" || cfg.APIKey == "" {
		return nil, errors.New("upstream: email and api_key are required")
	}

	timeout, err := config.ParseDuration(cfg.Timeout, defaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("upstream: invalid timeout: %w", err)
	}
	idle := config.MustParseDuration(cfg.IdleConnTimeout, 90*time.Second)

	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 16
	}

	// Tuned pool for a single upstream host.
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdle,
		IdleConnTimeout:       idle,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	c := &Client{
		baseURL:          cfg.BaseURL,
		email:            cfg.Email,
		apiKey:           cfg.APIKey,
		httpClient:       &http.Client{Timeout: timeout, Transport: transport},
		maxResponseBytes: cfg.MaxResponseBytes,
		tracer:           otel.Tracer("platelookup/upstream"),
	}
	if c.maxResponseBytes <= 0 {
		c.maxResponseBytes = defaultMaxResponseBytes
	}
	if cfg.MaxRPS > 0 {
		burst := max(int(cfg.MaxRPS), 1)
		c.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRPS), burst)
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// FetchPlate requests the record for an already normalized plate and
// returns the raw 200 body. Non-200 responses yield *StatusError.
func (c *Client) FetchPlate(ctx context.Context, plate string) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "upstream.FetchPlate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("plate", plate)))
	defer span.End()

	body, err := c.fetch(ctx, plate)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("response.bytes", len(body)))
	return body, nil
}

func (c *Client) fetch(ctx context.Context, plate string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("upstream: pacing: %w", err)
		}
	}

	u := c.baseURL + Path + "?" + url.Values{"placa": {plate}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("upstream: create request: %w", err)
	}
	req.SetBasicAuth(c.email, c.apiKey.Value())
	req.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyPreview))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(preview)}
	}

	// Read one byte past the cap to tell "exactly at the cap" from "over".
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("upstream: read body: %w", err)
	}
	if int64(len(body)) > c.maxResponseBytes {
		return nil, fmt.Errorf("%w (limit %d bytes)", ErrResponseTooLarge, c.maxResponseBytes)
	}
	return body, nil
}

// SetRate changes the outbound pacing. A non-positive rps disables it.
// Only takes effect when pacing was configured at construction.
func (c *Client) SetRate(rps float64) {
	if c.limiter == nil {
		return
	}
	if rps <= 0 {
		c.limiter.SetLimit(rate.Inf)
		return
	}
	c.limiter.SetLimit(rate.Limit(rps))
	c.limiter.SetBurst(max(int(rps), 1))
}

// Close releases idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}
