// Package stream is the gateway for long-lived server-sent event
// connections. Each accepted client is authenticated, subscribed to the
// event bus, and fed every bus event as a named SSE frame until one of
// the close paths fires: client disconnect, the per-connection lifetime
// ceiling, or process shutdown.
package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/daleheenan/startup-sub012/internal/bus"
)

// DefaultMaxLifetime bounds how long a single connection may stay open.
const DefaultMaxLifetime = time.Hour

// Gateway serves the SSE endpoint.
type Gateway struct {
	bus     *bus.Bus
	auth    Authenticator
	manager *Manager
	logger  *slog.Logger

	maxLifetime time.Duration
	channels    []string
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithMaxLifetime sets the per-connection lifetime ceiling.
func WithMaxLifetime(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.maxLifetime = d }
}

// WithChannels sets the bus channels every connection subscribes to.
// Defaults to all known channels.
func WithChannels(channels ...string) GatewayOption {
	return func(g *Gateway) { g.channels = channels }
}

// NewGateway creates a Gateway.
func NewGateway(eventBus *bus.Bus, auth Authenticator, manager *Manager, logger *slog.Logger, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		bus:         eventBus,
		auth:        auth,
		manager:     manager,
		logger:      logger,
		maxLifetime: DefaultMaxLifetime,
		channels:    bus.KnownChannels,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ServeHTTP handles one stream connection for its entire lifetime.
// The credential rides in the token query parameter because
// EventSource clients cannot set headers.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	identity, err := g.auth.Authenticate(r.Context(), token)
	if err != nil {
		g.logger.Warn("stream authentication failed", slog.String("remote", r.RemoteAddr))
		writeJSONError(w, http.StatusUnauthorized, "authentication failed")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("response writer does not support flushing")
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	conn := NewConnection(identity.Subject, nil)
	if err := g.manager.Add(conn); err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "connection limit reached")
		return
	}

	sub, err := g.bus.Subscribe(conn.ID.String(), g.channels...)
	if err != nil {
		g.manager.Remove(conn.ID)
		g.logger.Warn("stream subscribe failed", slog.String("error", err.Error()))
		writeJSONError(w, http.StatusServiceUnavailable, "subscriber limit reached")
		return
	}

	// Cleanup releases the subscription and the manager slot. Close is
	// idempotent, so racing close paths (disconnect vs. lifetime vs.
	// shutdown) unsubscribe exactly once.
	conn.cleanup = func() {
		g.bus.RemoveSubscriber(conn.ID.String())
		g.manager.Remove(conn.ID)
		g.logger.Info("stream connection closed",
			slog.String("connection_id", conn.ID.String()),
			slog.String("user_id", conn.UserID),
			slog.Duration("lifetime", time.Since(conn.OpenedAt)),
		)
	}
	defer conn.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	g.logger.Info("stream connection opened",
		slog.String("connection_id", conn.ID.String()),
		slog.String("user_id", conn.UserID),
	)

	if err := writeFrame(w, "init", map[string]any{
		"connectionId": conn.ID,
		"channels":     g.channels,
	}); err != nil {
		return
	}
	flusher.Flush()

	lifetime := time.NewTimer(g.maxLifetime)
	defer lifetime.Stop()

	for {
		select {
		case evt, open := <-sub.C():
			if !open {
				// Subscriber was removed (shutdown or forced close).
				return
			}
			if err := writeFrame(w, evt.Channel, evt); err != nil {
				return
			}
			flusher.Flush()

		case <-lifetime.C:
			g.logger.Info("stream connection hit lifetime ceiling",
				slog.String("connection_id", conn.ID.String()),
				slog.Duration("max_lifetime", g.maxLifetime),
			)
			return

		case <-r.Context().Done():
			return
		}
	}
}

// Shutdown force-closes every live connection.
func (g *Gateway) Shutdown() {
	g.manager.CloseAll()
}

// writeFrame serializes data as a named SSE frame.
func writeFrame(w http.ResponseWriter, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("stream: marshal frame: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	return err
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
