// Package room owns the authoritative per-room session state: the player
// roster, the environment counters, and every mutation the dispatchers and
// the tick scheduler perform against them. All access is serialised by a
// per-room mutex; nothing in this package performs network I/O, so the lock
// is never held across a send.
package room

import (
	"sync"
	"time"

	"zombiesurvivor/coordinator/internal/broadcast"
)

// Config captures the per-room tunables.
type Config struct {
	Capacity             int
	SpawnInterval        time.Duration
	SpawnIncrement       int
	InitialZombies       int
	MaxZombies           int
	BroadcastMinInterval time.Duration
}

// Snapshot is the immutable wire representation of a room at one instant.
type Snapshot struct {
	RoomID      string `json:"roomId"`
	PlayerCount int    `json:"playerCount"`
	ZombieCount int    `json:"zombieCount"`
	Players     []View `json:"players"`
	CreatedAt   string `json:"createdAt"`
}

// Departed identifies a player removed by the inactivity reaper, carrying
// enough context for the caller to announce the departure and close the link.
type Departed struct {
	UID  string
	Name string
	Conn broadcast.Conn
}

// Room groups a bounded set of concurrently connected players sharing one
// authoritative state. The player map is paired with an insertion-order slice
// so snapshots iterate deterministically.
type Room struct {
	mu sync.Mutex

	id        string
	cfg       Config
	players   map[string]*Player
	order     []string
	zombies   int
	lastSpawn time.Time
	createdAt time.Time
}

// New constructs a room seeded with the configured zombie population. The
// spawn timer starts at now so the first growth happens one full interval in.
func New(id string, cfg Config, now time.Time) *Room {
	return &Room{
		id:        id,
		cfg:       cfg,
		players:   make(map[string]*Player),
		zombies:   cfg.InitialZombies,
		lastSpawn: now,
		createdAt: now,
	}
}

// ID returns the room identifier.
func (r *Room) ID() string {
	if r == nil {
		return ""
	}
	return r.id
}

// Len reports the current player count.
func (r *Room) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.players)
}

// Join inserts the player when the room is under capacity. Re-joining with an
// identifier that still has a stale entry replaces that entry in place rather
// than duplicating it; the displaced connection is returned so the caller can
// close it outside the lock.
func (r *Room) Join(p *Player) (displaced broadcast.Conn, ok bool) {
	if r == nil || p == nil || p.UID == "" {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, present := r.players[p.UID]; present {
		r.players[p.UID] = p
		return existing.conn, true
	}
	if r.cfg.Capacity > 0 && len(r.players) >= r.cfg.Capacity {
		return nil, false
	}
	r.players[p.UID] = p
	r.order = append(r.order, p.UID)
	return nil, true
}

// Leave removes the player when present. Calling it twice is safe; the second
// call is a no-op returning false.
func (r *Room) Leave(uid string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(uid)
}

// Release removes the player only when it is still owned by conn. A stale
// dispatcher whose session was replaced by a re-join must not evict the
// replacement on its way out.
func (r *Room) Release(uid string, conn broadcast.Conn) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, present := r.players[uid]
	if !present || p.conn != conn {
		return false
	}
	return r.removeLocked(uid)
}

func (r *Room) removeLocked(uid string) bool {
	if _, present := r.players[uid]; !present {
		return false
	}
	delete(r.players, uid)
	for i, id := range r.order {
		if id == uid {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// UpdatePlayer merges a partial state update into the player record and
// refreshes its activity timestamp. Returns false for unknown players.
func (r *Room) UpdatePlayer(uid string, update StateUpdate, now time.Time) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, present := r.players[uid]
	if !present {
		return false
	}
	p.apply(update, now)
	return true
}

// HasPlayer reports whether the identifier currently belongs to the room.
func (r *Room) HasPlayer(uid string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, present := r.players[uid]
	return present
}

// PlayerName returns the display name for the identifier when present.
func (r *Room) PlayerName(uid string) (string, bool) {
	if r == nil {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, present := r.players[uid]
	if !present {
		return "", false
	}
	return p.Name, true
}

// ShouldBroadcast reports whether a state broadcast triggered by this player
// is due, and marks the trigger time when it is. A given player forces at most
// one broadcast per configured interval, which keeps one chatty client from
// causing a broadcast storm.
func (r *Room) ShouldBroadcast(uid string, now time.Time) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, present := r.players[uid]
	if !present {
		return false
	}
	if now.Sub(p.lastBroadcast) < r.cfg.BroadcastMinInterval {
		return false
	}
	p.lastBroadcast = now
	return true
}

// Snapshot produces the immutable wire view of the room: identifier, player
// count, environment counter, and the ordered player representations.
func (r *Room) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	players := make([]View, 0, len(r.players))
	for _, uid := range r.order {
		if p, present := r.players[uid]; present {
			players = append(players, p.View())
		}
	}
	return Snapshot{
		RoomID:      r.id,
		PlayerCount: len(r.players),
		ZombieCount: r.zombies,
		Players:     players,
		CreatedAt:   r.createdAt.UTC().Format(time.RFC3339Nano),
	}
}

// Recipients lists the current connections for a broadcast pass. The slice is
// a copy; delivery happens strictly after the lock is released.
func (r *Room) Recipients() []broadcast.Recipient {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	recipients := make([]broadcast.Recipient, 0, len(r.players))
	for _, uid := range r.order {
		p, present := r.players[uid]
		if !present || p.conn == nil {
			continue
		}
		recipients = append(recipients, broadcast.Recipient{UID: uid, Conn: p.conn})
	}
	return recipients
}

// AdvanceEnvironment grows the zombie counter by the configured increment when
// a full spawn interval has elapsed, clamped at the configured maximum, and
// resets the spawn timer. It is an idempotent no-op inside the interval.
// Returns true when a spawn tick fired.
func (r *Room) AdvanceEnvironment(now time.Time) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if now.Sub(r.lastSpawn) < r.cfg.SpawnInterval {
		return false
	}
	r.lastSpawn = now
	next := r.zombies + r.cfg.SpawnIncrement
	if r.cfg.MaxZombies > 0 && next > r.cfg.MaxZombies {
		next = r.cfg.MaxZombies
	}
	r.zombies = next
	return true
}

// ZombieCount reports the current environment counter.
func (r *Room) ZombieCount() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.zombies
}

// ReapInactive removes every player whose last update is older than timeout
// and returns them so the caller can announce the departures and adjust the
// global counters. Activity timestamps are seeded at join, so a player that
// just joined is never reaped regardless of the timeout value.
func (r *Room) ReapInactive(now time.Time, timeout time.Duration) []Departed {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var reaped []Departed
	for _, uid := range append([]string(nil), r.order...) {
		p, present := r.players[uid]
		if !present {
			continue
		}
		if now.Sub(p.lastUpdate) <= timeout {
			continue
		}
		r.removeLocked(uid)
		reaped = append(reaped, Departed{UID: uid, Name: p.Name, Conn: p.conn})
	}
	return reaped
}
