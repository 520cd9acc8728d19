package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/alanyoungcy/dexswap/internal/domain"
)

// maxBodySnippet bounds how much of an error body ends up in error strings.
const maxBodySnippet = 256

// LiquidityProbe inspects a failed response and reports whether the provider
// said there was no route for the pair.
type LiquidityProbe func(status int, body []byte) bool

// Transport performs JSON requests against one aggregator API and converts
// failures into *domain.AggregatorError values.
type Transport struct {
	id         string
	baseURL    string
	header     http.Header
	httpClient *http.Client
	noLiq      LiquidityProbe
}

// TransportOption customises a Transport.
type TransportOption func(*Transport)

// WithHeader sets a header on every request, typically an API key.
func WithHeader(key, value string) TransportOption {
	return func(t *Transport) {
		if value != "" {
			t.header.Set(key, value)
		}
	}
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) TransportOption {
	return func(t *Transport) { t.httpClient = c }
}

// WithLiquidityProbe installs the provider-specific no-liquidity detector.
func WithLiquidityProbe(p LiquidityProbe) TransportOption {
	return func(t *Transport) { t.noLiq = p }
}

// NewTransport creates a Transport for the aggregator id rooted at baseURL.
// Per-call deadlines come from the request context, so the default client
// has no timeout of its own.
func NewTransport(id, baseURL string, opts ...TransportOption) *Transport {
	t := &Transport{
		id:         id,
		baseURL:    strings.TrimRight(baseURL, "/"),
		header:     make(http.Header),
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ID returns the aggregator id the transport reports errors under.
func (t *Transport) ID() string { return t.id }

// GetJSON issues GET baseURL+path?params and decodes the body into out.
func (t *Transport) GetJSON(ctx context.Context, path string, params url.Values, out any) error {
	return t.do(ctx, http.MethodGet, path, params, nil, out)
}

// PostJSON issues a POST with body encoded as JSON and decodes into out.
func (t *Transport) PostJSON(ctx context.Context, path string, params url.Values, body, out any) error {
	return t.do(ctx, http.MethodPost, path, params, body, out)
}

func (t *Transport) do(ctx context.Context, method, path string, params url.Values, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return t.fail(domain.ErrInvalidRequest, fmt.Errorf("marshal request body: %w", err))
		}
		bodyReader = bytes.NewReader(raw)
	}

	target := t.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return t.fail(domain.ErrInvalidRequest, fmt.Errorf("create request: %w", err))
	}
	for k, v := range t.header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return t.transportError(ctx, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return t.transportError(ctx, fmt.Errorf("read response: %w", err))
	}

	if err := t.checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return t.fail(domain.ErrAggregatorUnknown, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// checkHTTPStatus maps non-2xx status codes to taxonomy errors.
func (t *Transport) checkHTTPStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	detail := fmt.Errorf("HTTP %d: %s", status, snippet(body))
	if t.noLiq != nil && t.noLiq(status, body) {
		return t.fail(domain.ErrNoLiquidity, detail)
	}
	switch {
	case status == http.StatusTooManyRequests:
		return t.fail(domain.ErrAggregatorRateLimited, detail)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return t.fail(domain.ErrAggregatorTimeout, detail)
	case status >= 400 && status < 500:
		return t.fail(domain.ErrInvalidRequest, detail)
	default:
		return t.fail(domain.ErrAggregatorUnknown, detail)
	}
}

func (t *Transport) transportError(ctx context.Context, err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil || (errors.As(err, &ne) && ne.Timeout()) {
		return t.fail(domain.ErrAggregatorTimeout, err)
	}
	return t.fail(domain.ErrAggregatorUnknown, err)
}

// Fail builds an aggregator error attributed to this transport's provider.
func (t *Transport) Fail(kind, err error) error {
	return t.fail(kind, err)
}

func (t *Transport) fail(kind, err error) error {
	return domain.NewAggregatorError(t.id, kind, err)
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxBodySnippet {
		return s[:maxBodySnippet] + "..."
	}
	return s
}
