package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamhub/internal/core"
	apperrors "streamhub/pkg/errors"
	"streamhub/pkg/logging"
)

// refreshingTokenSource hands out a bad token until Refresh is called.
type refreshingTokenSource struct {
	mu        sync.Mutex
	refreshed int
}

func (s *refreshingTokenSource) Token(ctx context.Context, user core.UserID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refreshed > 0 {
		return "good-token", nil
	}
	return "stale-token", nil
}

func (s *refreshingTokenSource) Refresh(ctx context.Context, user core.UserID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshed++
	return "good-token", nil
}

func newTestConnector(baseURL string, tokens TokenSource) *HTTPConnector {
	return NewHTTPConnector(Config{
		BaseURL:        baseURL,
		OpenTimeout:    2 * time.Second,
		ReauthTimeout:  time.Second,
		OpensPerSecond: 1000,
	}, tokens, logging.Nop())
}

// TestOpenStreamsBody verifies a successful open returns the live body.
func TestOpenStreamsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer fixed", r.Header.Get("Authorization"))
		assert.Equal(t, "AAPL", r.URL.Query().Get("symbols"))
		fmt.Fprintln(w, `{"Symbol":"AAPL","Last":"100"}`)
	}))
	defer srv.Close()

	c := newTestConnector(srv.URL, StaticTokenSource{Value: "fixed"})
	body, err := c.Open(context.Background(), Request{
		User:  1,
		Path:  "/v2/stream/quote/changes",
		Query: url.Values{"symbols": {"AAPL"}},
	})
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"Symbol":"AAPL"`)
}

// TestOpenRefreshesTokenOn401 verifies the 401 path: refresh once, retry once,
// succeed with the fresh token.
func TestOpenRefreshesTokenOn401(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer good-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprintln(w, `{"Heartbeat":1}`)
	}))
	defer srv.Close()

	tokens := &refreshingTokenSource{}
	c := newTestConnector(srv.URL, tokens)

	body, err := c.Open(context.Background(), Request{User: 1, Path: "/v2/stream/quote/changes"})
	require.NoError(t, err)
	body.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 1, tokens.refreshed)
}

// TestOpenSecond401Surfaces verifies a 401 after the refresh retry is not
// retried again.
func TestOpenSecond401Surfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestConnector(srv.URL, &refreshingTokenSource{})
	_, err := c.Open(context.Background(), Request{User: 1, Path: "/v2/stream/quote/changes"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrUnauthorized))
}

// TestOpenStatusMapping verifies upstream statuses map to structured reasons.
func TestOpenStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		reason apperrors.Reason
	}{
		{http.StatusForbidden, apperrors.ReasonForbidden},
		{http.StatusNotFound, apperrors.ReasonNotFound},
		{http.StatusTooManyRequests, apperrors.ReasonRateLimited},
		{http.StatusBadGateway, apperrors.ReasonBadGateway},
		{http.StatusGatewayTimeout, apperrors.ReasonGatewayTimeout},
		{http.StatusInternalServerError, apperrors.ReasonBadGateway},
	}

	for _, tc := range cases {
		status := tc.status
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		c := newTestConnector(srv.URL, StaticTokenSource{Value: "fixed"})
		_, err := c.Open(context.Background(), Request{User: 1, Path: "/p"})
		require.Error(t, err, "status %d", tc.status)
		assert.Equal(t, tc.reason, apperrors.ReasonOf(err), "status %d", tc.status)
		srv.Close()
	}
}

// TestOpenRateLimited verifies the local opens-per-second limiter rejects
// before any network call.
func TestOpenRateLimited(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		fmt.Fprintln(w, `{"Heartbeat":1}`)
	}))
	defer srv.Close()

	c := NewHTTPConnector(Config{
		BaseURL:        srv.URL,
		OpensPerSecond: 1,
	}, StaticTokenSource{Value: "fixed"}, logging.Nop())

	// Burst allowance is OpensPerSecond+1; the third immediate open must fail.
	var rateErr error
	for i := 0; i < 3; i++ {
		body, err := c.Open(context.Background(), Request{User: 1, Path: "/p"})
		if err != nil {
			rateErr = err
			break
		}
		body.Close()
	}
	require.Error(t, rateErr)
	assert.True(t, errors.Is(rateErr, apperrors.ErrRateLimited))

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, hits, 2)
}

// TestOpenTransportError verifies connection failures map to bad_gateway.
func TestOpenTransportError(t *testing.T) {
	c := newTestConnector("http://127.0.0.1:1", StaticTokenSource{Value: "fixed"})
	_, err := c.Open(context.Background(), Request{User: 1, Path: "/p"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ReasonBadGateway, apperrors.ReasonOf(err))
	assert.True(t, apperrors.IsRetryable(err))
}
