// Package upstream implements the authenticated HTTP streaming connector.
//
// One call to Open performs one authenticated streaming request and hands the
// caller a cancellable byte stream. All failures come back as structured
// *apperrors.StreamError values so the multiplexer and the background manager
// can branch on cause.
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

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"streamhub/internal/core"
	apperrors "streamhub/pkg/errors"
	"streamhub/pkg/telemetry"
)

// Request describes one upstream streaming open.
type Request struct {
	User  core.UserID
	Path  string
	Query url.Values
}

// Connector opens one authenticated streaming request per call.
type Connector interface {
	Open(ctx context.Context, req Request) (io.ReadCloser, error)
}

// TokenSource supplies and refreshes the bearer token for a user.
type TokenSource interface {
	Token(ctx context.Context, user core.UserID) (string, error)
	Refresh(ctx context.Context, user core.UserID) (string, error)
}

// Config holds connector tunables.
type Config struct {
	BaseURL        string
	OpenTimeout    time.Duration // bounded first-attempt timeout (~30s)
	ReauthTimeout  time.Duration // shorter timeout for the retry-after-refresh attempt
	OpensPerSecond float64
}

// HTTPConnector is the production Connector implementation.
type HTTPConnector struct {
	cfg     Config
	tokens  TokenSource
	open    *http.Client // response-header timeout = OpenTimeout, no body timeout
	reauth  *http.Client // response-header timeout = ReauthTimeout
	limiter *rate.Limiter
	retry   failsafe.Executor[*http.Response]
	logger  core.ILogger

	openCounter metric.Int64Counter
	errCounter  metric.Int64Counter
}

// NewHTTPConnector creates a connector against the upstream data provider.
func NewHTTPConnector(cfg Config, tokens TokenSource, logger core.ILogger) *HTTPConnector {
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.ReauthTimeout <= 0 {
		cfg.ReauthTimeout = 10 * time.Second
	}
	if cfg.OpensPerSecond <= 0 {
		cfg.OpensPerSecond = 10
	}

	// Retry transient transport errors before headers arrive. Never retry
	// once a response exists; status handling owns that path.
	retryPolicy := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err == nil {
				return false
			}
			return !errors.Is(err, context.Canceled)
		}).
		WithBackoff(100*time.Millisecond, 1*time.Second).
		WithMaxRetries(2).
		Build()

	meter := telemetry.GetMeter("upstream-connector")
	openCounter, _ := meter.Int64Counter("streamhub_connector_opens_total",
		metric.WithDescription("Total upstream open calls"))
	errCounter, _ := meter.Int64Counter("streamhub_connector_errors_total",
		metric.WithDescription("Total upstream open failures"))

	return &HTTPConnector{
		cfg:    cfg,
		tokens: tokens,
		open: &http.Client{
			Transport: &http.Transport{ResponseHeaderTimeout: cfg.OpenTimeout},
		},
		reauth: &http.Client{
			Transport: &http.Transport{ResponseHeaderTimeout: cfg.ReauthTimeout},
		},
		limiter:     rate.NewLimiter(rate.Limit(cfg.OpensPerSecond), int(cfg.OpensPerSecond)+1),
		retry:       failsafe.With[*http.Response](retryPolicy),
		logger:      logger.WithField("component", "upstream_connector"),
		openCounter: openCounter,
		errCounter:  errCounter,
	}
}

// Open performs one authenticated streaming request. On a 401 it refreshes the
// token and retries exactly once with the shorter reauth timeout before
// surfacing the failure.
func (c *HTTPConnector) Open(ctx context.Context, req Request) (io.ReadCloser, error) {
	if !c.limiter.Allow() {
		return nil, apperrors.New(apperrors.ReasonRateLimited, http.StatusTooManyRequests,
			"upstream open rate exceeded", nil)
	}

	telemetry.AddCounter(ctx, c.openCounter, 1, attribute.String("path", req.Path))

	token, err := c.tokens.Token(ctx, req.User)
	if err != nil {
		return nil, apperrors.New(apperrors.ReasonUnauthorized, http.StatusUnauthorized,
			"token acquisition failed", err)
	}

	resp, err := c.attempt(ctx, req, token, c.open)
	if err != nil {
		return nil, c.transportError(ctx, req, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		drainAndClose(resp.Body)
		token, err = c.tokens.Refresh(ctx, req.User)
		if err != nil {
			return nil, apperrors.New(apperrors.ReasonUnauthorized, http.StatusUnauthorized,
				"token refresh failed", err)
		}
		resp, err = c.attempt(ctx, req, token, c.reauth)
		if err != nil {
			return nil, c.transportError(ctx, req, err)
		}
	}

	if resp.StatusCode != http.StatusOK {
		body := readLimited(resp.Body, 4096)
		drainAndClose(resp.Body)
		telemetry.AddCounter(ctx, c.errCounter, 1,
			attribute.String("path", req.Path),
			attribute.Int("status", resp.StatusCode))
		return nil, apperrors.FromStatus(resp.StatusCode, body)
	}

	return resp.Body, nil
}

func (c *HTTPConnector) attempt(ctx context.Context, req Request, token string, client *http.Client) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+req.Path, nil)
	if err != nil {
		return nil, err
	}
	httpReq.URL.RawQuery = req.Query.Encode()
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/vnd.tradestation.streams.v2+json")

	return c.retry.GetWithExecution(func(exec failsafe.Execution[*http.Response]) (*http.Response, error) {
		return client.Do(httpReq)
	})
}

func (c *HTTPConnector) transportError(ctx context.Context, req Request, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	telemetry.AddCounter(ctx, c.errCounter, 1, attribute.String("path", req.Path))
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperrors.New(apperrors.ReasonGatewayTimeout, http.StatusGatewayTimeout,
			fmt.Sprintf("open %s timed out", req.Path), err)
	}
	return apperrors.New(apperrors.ReasonBadGateway, http.StatusBadGateway,
		fmt.Sprintf("open %s failed", req.Path), err)
}

func readLimited(r io.Reader, n int64) string {
	b, _ := io.ReadAll(io.LimitReader(r, n))
	return string(b)
}

func drainAndClose(rc io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, 4096))
	_ = rc.Close()
}
