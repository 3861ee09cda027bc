// Package session owns the process-wide state: the set of rooms and the
// aggregate counters reported to clients and operators. Counters share the
// registry mutex so a stats snapshot is a consistent point-in-time view.
package session

import (
	"sync"
	"time"

	"zombiesurvivor/coordinator/internal/room"
)

// Stats is the wire representation of the process-wide aggregate counters.
type Stats struct {
	TotalConnections   int64  `json:"totalConnections"`
	CurrentPlayers     int64  `json:"currentPlayers"`
	PeakPlayers        int64  `json:"peakPlayers"`
	ActiveRooms        int    `json:"activeRooms"`
	TotalZombiesKilled int64  `json:"totalZombiesKilled"`
	ActiveBots         int64  `json:"activeBots"`
	ServerTime         string `json:"serverTime"`
}

// Registry maps room identifiers to rooms and tracks lifetime statistics.
// Rooms are created on first reference and never reclaimed.
type Registry struct {
	mu sync.RWMutex

	rooms   map[string]*room.Room
	order   []string
	roomCfg room.Config
	now     func() time.Time

	totalConnections int64
	currentPlayers   int64
	peakPlayers      int64
	zombiesKilled    int64
	botsSpawned      int64
}

// Option configures optional Registry behaviour at construction time.
type Option func(*Registry)

// WithClock overrides the registry time source; primarily used in tests.
func WithClock(clock func() time.Time) Option {
	return func(g *Registry) {
		if clock != nil {
			g.now = clock
		}
	}
}

// WithInitialBots seeds the lifetime bots-spawned counter.
func WithInitialBots(n int64) Option {
	return func(g *Registry) {
		if n >= 0 {
			g.botsSpawned = n
		}
	}
}

// NewRegistry constructs a registry whose rooms share the provided configuration.
func NewRegistry(roomCfg room.Config, opts ...Option) *Registry {
	g := &Registry{
		rooms:   make(map[string]*room.Room),
		roomCfg: roomCfg,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// GetOrCreateRoom returns the room for the identifier, creating it with the
// registry's room configuration on first reference. It always succeeds.
func (g *Registry) GetOrCreateRoom(id string) *room.Room {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, present := g.rooms[id]; present {
		return r
	}
	r := room.New(id, g.roomCfg, g.now())
	g.rooms[id] = r
	g.order = append(g.order, id)
	return r
}

// Rooms lists every room in creation order.
func (g *Registry) Rooms() []*room.Room {
	if g == nil {
		return nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	rooms := make([]*room.Room, 0, len(g.order))
	for _, id := range g.order {
		rooms = append(rooms, g.rooms[id])
	}
	return rooms
}

// RecordConnect bumps the lifetime and concurrent counters for a successful join.
func (g *Registry) RecordConnect() {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.totalConnections++
	g.currentPlayers++
	if g.currentPlayers > g.peakPlayers {
		g.peakPlayers = g.currentPlayers
	}
}

// RecordReconnect bumps the lifetime connection counter only. Used when a
// join replaced an existing registration with the same identifier, so the
// concurrent count already includes the player.
func (g *Registry) RecordReconnect() {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.totalConnections++
}

// RecordDisconnect decrements the concurrent player count, clamping at zero
// to defend against double-accounting rather than underflowing.
func (g *Registry) RecordDisconnect() {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.currentPlayers > 0 {
		g.currentPlayers--
	}
}

// RecordZombieKill bumps the lifetime elimination counter.
func (g *Registry) RecordZombieKill() {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.zombiesKilled++
}

// RecordBotSpawn adds a spawn batch to the lifetime bots counter.
func (g *Registry) RecordBotSpawn(n int) {
	if g == nil || n <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.botsSpawned += int64(n)
}

// SnapshotStats returns a consistent point-in-time view of the counters.
func (g *Registry) SnapshotStats() Stats {
	if g == nil {
		return Stats{}
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Stats{
		TotalConnections:   g.totalConnections,
		CurrentPlayers:     g.currentPlayers,
		PeakPlayers:        g.peakPlayers,
		ActiveRooms:        len(g.rooms),
		TotalZombiesKilled: g.zombiesKilled,
		ActiveBots:         g.botsSpawned,
		ServerTime:         g.now().UTC().Format(time.RFC3339Nano),
	}
}
