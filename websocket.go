package main

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"zombiesurvivor/coordinator/internal/auth"
	"zombiesurvivor/coordinator/internal/broadcast"
	"zombiesurvivor/coordinator/internal/config"
	"zombiesurvivor/coordinator/internal/dispatch"
	"zombiesurvivor/coordinator/internal/logging"
	"zombiesurvivor/coordinator/internal/session"
)

// coordinator bundles the shared services every connection handler needs.
type coordinator struct {
	cfg      *config.Config
	log      *logging.Logger
	registry *session.Registry
	caster   *broadcast.Broadcaster
	resolver auth.Resolver
	upgrader websocket.Upgrader
}

func newCoordinator(cfg *config.Config, logger *logging.Logger, registry *session.Registry, caster *broadcast.Broadcaster, resolver auth.Resolver) *coordinator {
	c := &coordinator{
		cfg:      cfg,
		log:      logger,
		registry: registry,
		caster:   caster,
		resolver: resolver,
	}
	c.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return c
}

// originChecker builds the upgrade origin policy. An empty allow list keeps
// the permissive behaviour browsers expect from a public game endpoint.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	normalized := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		normalized[strings.ToLower(strings.TrimSpace(origin))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := normalized[strings.ToLower(origin)]; ok {
			return true
		}
		parsed, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := normalized[strings.ToLower(parsed.Host)]
		return ok
	}
}

// handleWS upgrades the request and runs a dispatcher for the connection's
// lifetime. The handler returns when the client disconnects or times out.
func (c *coordinator) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.log.Warn("websocket upgrade failed",
			logging.String("remote_addr", r.RemoteAddr),
			logging.Error(err))
		return
	}
	client := newWSClient(conn, c.cfg.MaxPayloadBytes, c.cfg.PingInterval, c.cfg.PongTimeout)
	go client.writePump()
	defer client.Close()

	c.log.Debug("websocket connected", logging.String("remote_addr", r.RemoteAddr))
	started := time.Now()

	dispatcher := dispatch.New(c.registry, c.caster, c.resolver, client, c.log, dispatch.Config{
		RoomID:        c.cfg.DefaultRoomID,
		ChatMaxLength: c.cfg.ChatMaxLength,
	})
	dispatcher.Run()

	c.log.Debug("websocket disconnected",
		logging.String("remote_addr", r.RemoteAddr),
		logging.Int64("session_ms", time.Since(started).Milliseconds()))
}
