package liveserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"streamhub/internal/background"
	"streamhub/internal/core"
	"streamhub/internal/stream"
	apperrors "streamhub/pkg/errors"
)

var (
	websocketActiveConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "websocket_active_connections",
		Help: "Current number of active WebSocket connections",
	}, []string{"endpoint"})

	websocketRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "websocket_rejected_total",
		Help: "Total number of rejected WebSocket connections",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(websocketActiveConnections)
	prometheus.MustRegister(websocketRejectedTotal)
}

// StatsSource produces one named section of the debug stats payload.
type StatsSource func() interface{}

// Server exposes the WebSocket surfaces: per-user notification pushes on /ws
// and live stream subscriptions on /stream.
type Server struct {
	hub            *Hub
	muxes          map[core.StreamKind]*stream.Multiplexer
	manager        *background.Manager
	srv            *http.Server
	logger         Logger
	upgrader       websocket.Upgrader
	allowedOrigins []string
	queueSize      int
	mu             sync.Mutex

	statsMu      sync.RWMutex
	statsSources map[string]StatsSource

	// Connection Limits
	maxConnections int
	connSemaphore  chan struct{}

	// Rate Limiting
	rateLimitEnabled bool
	ipLimiters       sync.Map // map[string]*rate.Limiter
	rateLimit        rate.Limit
	rateBurst        int

	// Production mode
	production bool
}

// NewServer creates a new Server
func NewServer(hub *Hub, muxes map[core.StreamKind]*stream.Multiplexer, manager *background.Manager, logger Logger, allowedOrigins []string) *Server {
	s := &Server{
		hub:              hub,
		muxes:            muxes,
		manager:          manager,
		logger:           logger,
		allowedOrigins:   allowedOrigins,
		queueSize:        256,
		statsSources:     make(map[string]StatsSource),
		maxConnections:   1000,
		connSemaphore:    make(chan struct{}, 1000),
		rateLimitEnabled: true,
		rateLimit:        10.0, // 10 connections per second
		rateBurst:        20,   // Allow burst of 20
		production:       false,
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	return s
}

// AddStatsSource registers a named section of the /debug/streams payload.
func (s *Server) AddStatsSource(name string, src StatsSource) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.statsSources[name] = src
}

// checkOrigin validates the WebSocket connection origin against the whitelist
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")

	if origin == "" {
		if s.logger != nil {
			s.logger.Warn("Rejected WebSocket connection with missing Origin header",
				"remote_addr", r.RemoteAddr)
		}
		return false
	}

	parsedOrigin, err := url.Parse(origin)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("Rejected WebSocket connection with invalid Origin",
				"origin", origin, "error", err)
		}
		return false
	}
	originStr := parsedOrigin.Scheme + "://" + parsedOrigin.Host

	for _, allowed := range s.allowedOrigins {
		if allowed == "*" {
			if s.production {
				websocketRejectedTotal.WithLabelValues("invalid_origin").Inc()
				return false
			}
			return true
		}
		if originStr == allowed {
			return true
		}
	}

	if s.logger != nil {
		s.logger.Warn("Rejected WebSocket connection from unauthorized origin",
			"origin", origin, "remote_addr", r.RemoteAddr)
	}
	websocketRejectedTotal.WithLabelValues("invalid_origin").Inc()
	return false
}

// Start starts the HTTP server
func (s *Server) Start(ctx context.Context, addr string) error {
	s.mu.Lock()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/debug/streams", s.handleDebugStreams)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Info("Starting live server", "addr", addr)
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return s.Stop(context.Background())
	}
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv == nil {
		return nil
	}
	if s.logger != nil {
		s.logger.Info("Stopping live server")
	}
	return s.srv.Shutdown(ctx)
}

// admit applies the IP rate limit and the global connection ceiling. The
// returned release func is non-nil iff the connection was admitted.
func (s *Server) admit(w http.ResponseWriter, r *http.Request) func() {
	if s.rateLimitEnabled {
		ip := s.getRemoteIP(r)
		if !s.getIPLimiter(ip).Allow() {
			if s.logger != nil {
				s.logger.Warn("IP rate limit exceeded", "ip", ip)
			}
			websocketRejectedTotal.WithLabelValues("rate_limit").Inc()
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return nil
		}
	}

	select {
	case s.connSemaphore <- struct{}{}:
		endpoint := r.URL.Path
		websocketActiveConnections.WithLabelValues(endpoint).Inc()
		return func() {
			<-s.connSemaphore
			websocketActiveConnections.WithLabelValues(endpoint).Dec()
		}
	default:
		if s.logger != nil {
			s.logger.Warn("Max connections reached")
		}
		websocketRejectedTotal.WithLabelValues("connection_limit").Inc()
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return nil
	}
}

// userFrom resolves the requesting user. Authentication proper terminates at
// the edge proxy; this trusts the forwarded identity header.
func userFrom(r *http.Request) (core.UserID, bool) {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		raw = r.URL.Query().Get("user")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return core.UserID(id), true
}

// handleWebSocket serves the per-user notification push channel.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	release := s.admit(w, r)
	if release == nil {
		return
	}
	defer release()

	user, ok := userFrom(r)
	if !ok {
		websocketRejectedTotal.WithLabelValues("no_user").Inc()
		http.Error(w, "Missing or invalid user id", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("WebSocket upgrade failed", "error", err)
		}
		return
	}

	clientID := uuid.New().String()
	client := NewClient(clientID, user)
	s.hub.Register(client)

	if s.logger != nil {
		s.logger.Info("Client connected", "client_id", clientID, "user", user, "remote_addr", r.RemoteAddr)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writePump(conn, client)
	}()
	go func() {
		defer wg.Done()
		s.readPump(conn, func() { s.hub.Unregister(client) })
	}()
	wg.Wait()

	s.hub.Unregister(client)
	conn.Close()

	if s.logger != nil {
		s.logger.Info("Client disconnected", "client_id", clientID)
	}
}

// handleStream attaches the caller as a subscriber on a shared upstream
// stream and relays its messages over the WebSocket. The subscription is
// made before the upgrade so failures map to proper HTTP statuses.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	release := s.admit(w, r)
	if release == nil {
		return
	}
	defer release()

	user, ok := userFrom(r)
	if !ok {
		websocketRejectedTotal.WithLabelValues("no_user").Inc()
		http.Error(w, "Missing or invalid user id", http.StatusBadRequest)
		return
	}

	q := r.URL.Query()
	kind := core.StreamKind(q.Get("kind"))
	mux, found := s.muxes[kind]
	if !found {
		http.Error(w, "Unknown stream kind", http.StatusNotFound)
		return
	}

	deps := stream.Deps{
		Path:      background.PathFor(kind),
		AccountID: q.Get("accountId"),
		Paper:     q.Get("paper") == "true",
	}
	if symbols := q.Get("symbols"); symbols != "" {
		deps.Symbols = strings.Split(symbols, ",")
	}

	sink := stream.NewClientSink(s.queueSize)

	ctx, cancel := context.WithTimeout(r.Context(), 95*time.Second)
	var err error
	if mux.Exclusive() {
		err = mux.AddExclusiveSubscriber(ctx, user, deps, sink)
	} else {
		err = mux.AddSubscriber(ctx, user, deps, sink)
	}
	cancel()
	if err != nil {
		status := http.StatusBadGateway
		var se *apperrors.StreamError
		if errors.As(err, &se) {
			status = se.Status
		}
		http.Error(w, err.Error(), status)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sink.End()
		if s.logger != nil {
			s.logger.Warn("WebSocket upgrade failed", "error", err)
		}
		return
	}

	if s.logger != nil {
		s.logger.Info("Stream subscriber connected", "user", user, "kind", kind, "remote_addr", r.RemoteAddr)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.streamWritePump(conn, sink)
	}()
	go func() {
		defer wg.Done()
		s.readPump(conn, sink.End)
	}()
	wg.Wait()

	sink.End()
	conn.Close()
}

// writePump sends hub messages to the WebSocket connection
func (s *Server) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.GetSendChan():
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				if s.logger != nil {
					s.logger.Warn("Write error", "client_id", client.id, "error", err)
				}
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// streamWritePump relays framed stream messages from the sink to the socket
func (s *Server) streamWritePump(conn *websocket.Conn, sink *stream.ClientSink) {
	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-sink.Out():
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads until the peer goes away, then fires onGone
func (s *Server) readPump(conn *websocket.Conn, onGone func()) {
	defer onGone()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				if s.logger != nil {
					s.logger.Warn("Read error", "error", err)
				}
			}
			return
		}
		// Client messages are ignored; the server only sends data.
	}
}

// handleDebugStreams reports the live state of every subsystem as JSON.
func (s *Server) handleDebugStreams(w http.ResponseWriter, r *http.Request) {
	payload := map[string]interface{}{
		"clients": s.hub.ClientCount(),
		"users":   s.hub.UserCount(),
	}

	muxStats := make([]stream.Stats, 0, len(s.muxes))
	for _, mux := range s.muxes {
		muxStats = append(muxStats, mux.GetStats())
	}
	payload["multiplexers"] = muxStats
	if s.manager != nil {
		payload["background"] = s.manager.GetStats()
	}

	s.statsMu.RLock()
	for name, src := range s.statsSources {
		payload[name] = src()
	}
	s.statsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

// handleHealth handles health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
		"time":    time.Now().Unix(),
	})
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	return s.hub.ClientCount()
}

// GetHub returns the hub instance
func (s *Server) GetHub() *Hub {
	return s.hub
}

// SetProduction sets the production mode
func (s *Server) SetProduction(prod bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.production = prod
}

// SetMaxConnections updates the maximum number of concurrent connections
func (s *Server) SetMaxConnections(max int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxConnections = max
	s.connSemaphore = make(chan struct{}, max)
}

// SetRateLimit updates the IP-based rate limiting parameters
func (s *Server) SetRateLimit(limit float64, burst int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimit = rate.Limit(limit)
	s.rateBurst = burst

	// Clear existing limiters to apply new limits
	s.ipLimiters = sync.Map{}
}

// getRemoteIP extracts the client IP address
func (s *Server) getRemoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// getIPLimiter returns or creates a rate limiter for the given IP
func (s *Server) getIPLimiter(ip string) *rate.Limiter {
	if val, ok := s.ipLimiters.Load(ip); ok {
		return val.(*rate.Limiter)
	}
	newLimiter := rate.NewLimiter(s.rateLimit, s.rateBurst)
	actual, _ := s.ipLimiters.LoadOrStore(ip, newLimiter)
	return actual.(*rate.Limiter)
}
