// Package gateway serves the exam page's WebSocket connection. Each
// connection becomes one proctoring session: the page streams raw events in,
// the detector's warnings and block screen stream back out.
package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"proctord/internal/protocol"
	"proctord/internal/session"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultPingInterval    = 20 * time.Second
	DefaultMaxMessageBytes = 64 * 1024
	DefaultMessageBurst    = 100
	writeWait              = 10 * time.Second
	sendQueue              = 64
)

// Config configures the gateway.
type Config struct {
	PingInterval    time.Duration
	MaxMessageBytes int64
	// AllowedOrigins lists accepted Origin headers. Empty accepts only
	// same-host origins; "*" accepts any.
	AllowedOrigins []string

	// MaxConnections and MaxConnectionsPerIP cap concurrent sockets. Zero
	// is unlimited.
	MaxConnections      int
	MaxConnectionsPerIP int

	// MessageRate is the sustained inbound messages per second allowed on
	// one socket, with bursts up to MessageBurst. Zero is unlimited.
	MessageRate  float64
	MessageBurst int
}

// Handler upgrades requests and runs one session per connection.
type Handler struct {
	cfg       Config
	manager   *session.Manager
	validator *protocol.Validator
	upgrader  websocket.Upgrader
	conns     *connLimiter
	logger    *slog.Logger
}

// NewHandler creates a gateway handler.
func NewHandler(cfg Config, manager *session.Manager, validator *protocol.Validator, logger *slog.Logger) *Handler {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.MessageRate > 0 && cfg.MessageBurst <= 0 {
		cfg.MessageBurst = DefaultMessageBurst
	}
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		cfg:       cfg,
		manager:   manager,
		validator: validator,
		conns:     newConnLimiter(cfg.MaxConnections, cfg.MaxConnectionsPerIP),
		logger:    logger.With("component", "gateway"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	if len(cfg.AllowedOrigins) > 0 {
		h.upgrader.CheckOrigin = h.checkOrigin
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	h.logger.Warn("rejected origin", "origin", origin, "remote", r.RemoteAddr)
	return false
}

// Connections returns the number of open sockets.
func (h *Handler) Connections() int {
	return h.conns.count()
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r.RemoteAddr)
	if !h.conns.acquire(ip) {
		h.logger.Warn("connection limit reached", "remote", r.RemoteAddr)
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	defer h.conns.release(ip)

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(ws, h, r.RemoteAddr)
	c.serve()
}
