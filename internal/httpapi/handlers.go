// Package httpapi exposes the coordinator's operational HTTP surface:
// liveness and readiness probes, Prometheus text metrics, the public stats
// and schema endpoints, and the admin journal flush.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"zombiesurvivor/coordinator/internal/journal"
	"zombiesurvivor/coordinator/internal/logging"
	"zombiesurvivor/coordinator/internal/session"
)

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet. Every provider is optional; a missing
// one degrades its endpoint rather than failing construction.
type Options struct {
	Logger       *logging.Logger
	Stats        func() session.Stats
	Broadcasts   func() int64
	JournalStats func() journal.Stats
	Schema       func() ([]byte, error)
	FlushJournal func() error
	AdminToken   string
	RateLimiter  RateLimiter
	TimeSource   func() time.Time
	StartedAt    time.Time
}

// HandlerSet bundles the coordinator operational handlers.
type HandlerSet struct {
	logger       *logging.Logger
	stats        func() session.Stats
	broadcasts   func() int64
	journalStats func() journal.Stats
	schema       func() ([]byte, error)
	flushJournal func() error
	adminToken   string
	rateLimiter  RateLimiter
	now          func() time.Time
	startedAt    time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	started := opts.StartedAt
	if started.IsZero() {
		started = now()
	}
	return &HandlerSet{
		logger:       logger,
		stats:        opts.Stats,
		broadcasts:   opts.Broadcasts,
		journalStats: opts.JournalStats,
		schema:       opts.Schema,
		flushJournal: opts.FlushJournal,
		adminToken:   strings.TrimSpace(opts.AdminToken),
		rateLimiter:  opts.RateLimiter,
		now:          now,
		startedAt:    started,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	mux.HandleFunc("/api/stats", h.StatsHandler())
	mux.HandleFunc("/api/schema", h.SchemaHandler())
	mux.HandleFunc("/journal/flush", h.JournalFlushHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports coordinator readiness with the current occupancy.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Players       int64   `json:"players"`
		Rooms         int     `json:"rooms"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		resp := response{
			Status:        "ok",
			UptimeSeconds: h.now().Sub(h.startedAt).Seconds(),
		}
		if h.stats != nil {
			stats := h.stats()
			resp.Players = stats.CurrentPlayers
			resp.Rooms = stats.ActiveRooms
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")

		uptime := h.now().Sub(h.startedAt).Seconds()
		fmt.Fprintf(w, "# HELP coordinator_uptime_seconds Coordinator uptime in seconds.\n")
		fmt.Fprintf(w, "# TYPE coordinator_uptime_seconds gauge\n")
		fmt.Fprintf(w, "coordinator_uptime_seconds %.0f\n", uptime)

		if h.stats != nil {
			stats := h.stats()
			fmt.Fprintf(w, "# HELP coordinator_players Currently connected players.\n")
			fmt.Fprintf(w, "# TYPE coordinator_players gauge\n")
			fmt.Fprintf(w, "coordinator_players %d\n", stats.CurrentPlayers)

			fmt.Fprintf(w, "# HELP coordinator_players_peak Highest concurrent player count observed.\n")
			fmt.Fprintf(w, "# TYPE coordinator_players_peak gauge\n")
			fmt.Fprintf(w, "coordinator_players_peak %d\n", stats.PeakPlayers)

			fmt.Fprintf(w, "# HELP coordinator_connections_total Total completed joins.\n")
			fmt.Fprintf(w, "# TYPE coordinator_connections_total counter\n")
			fmt.Fprintf(w, "coordinator_connections_total %d\n", stats.TotalConnections)

			fmt.Fprintf(w, "# HELP coordinator_rooms Active rooms.\n")
			fmt.Fprintf(w, "# TYPE coordinator_rooms gauge\n")
			fmt.Fprintf(w, "coordinator_rooms %d\n", stats.ActiveRooms)

			fmt.Fprintf(w, "# HELP coordinator_zombies_killed_total Total zombie kills reported by clients.\n")
			fmt.Fprintf(w, "# TYPE coordinator_zombies_killed_total counter\n")
			fmt.Fprintf(w, "coordinator_zombies_killed_total %d\n", stats.TotalZombiesKilled)

			fmt.Fprintf(w, "# HELP coordinator_bots Active simulated players.\n")
			fmt.Fprintf(w, "# TYPE coordinator_bots gauge\n")
			fmt.Fprintf(w, "coordinator_bots %d\n", stats.ActiveBots)
		}
		if h.broadcasts != nil {
			fmt.Fprintf(w, "# HELP coordinator_broadcasts_total Total broadcast passes delivered.\n")
			fmt.Fprintf(w, "# TYPE coordinator_broadcasts_total counter\n")
			fmt.Fprintf(w, "coordinator_broadcasts_total %d\n", h.broadcasts())
		}
		if h.journalStats != nil {
			stats := h.journalStats()
			fmt.Fprintf(w, "# HELP coordinator_journal_buffer_frames Buffered journal frames awaiting flush.\n")
			fmt.Fprintf(w, "# TYPE coordinator_journal_buffer_frames gauge\n")
			fmt.Fprintf(w, "coordinator_journal_buffer_frames %d\n", stats.BufferedFrames)

			fmt.Fprintf(w, "# HELP coordinator_journal_buffer_bytes Buffered journal payload size in bytes.\n")
			fmt.Fprintf(w, "# TYPE coordinator_journal_buffer_bytes gauge\n")
			fmt.Fprintf(w, "coordinator_journal_buffer_bytes %d\n", stats.BufferedBytes)

			fmt.Fprintf(w, "# HELP coordinator_journal_flushes_total Journal frame flushes completed.\n")
			fmt.Fprintf(w, "# TYPE coordinator_journal_flushes_total counter\n")
			fmt.Fprintf(w, "coordinator_journal_flushes_total %d\n", stats.Flushes)
		}
	}
}

// StatsHandler serves the aggregate counters as JSON for dashboards.
func (h *HandlerSet) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.stats == nil {
			http.Error(w, "statistics unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, h.stats())
	}
}

// SchemaHandler serves the generated JSON Schema for the wire protocol.
func (h *HandlerSet) SchemaHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.schema == nil {
			http.Error(w, "schema unavailable", http.StatusServiceUnavailable)
			return
		}
		document, err := h.schema()
		if err != nil {
			h.logger.Error("schema generation failed", logging.Error(err))
			http.Error(w, "failed to generate schema", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(document)
	}
}

// JournalFlushHandler authorises and triggers a journal frame flush.
func (h *HandlerSet) JournalFlushHandler() http.HandlerFunc {
	type response struct {
		Status string `json:"status"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(
			logging.String("handler", "journal_flush"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.adminToken == "" {
			reqLogger.Warn("journal flush denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("journal flush denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			reqLogger.Warn("journal flush denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.flushJournal == nil {
			reqLogger.Warn("journal flush denied: journalling disabled")
			http.Error(w, "journalling is unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := h.flushJournal(); err != nil {
			reqLogger.Error("journal flush failed", logging.Error(err))
			http.Error(w, "failed to flush journal", http.StatusInternalServerError)
			return
		}
		reqLogger.Info("journal flushed")
		writeJSON(w, http.StatusOK, response{Status: "flushed"})
	}
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
