package room

import (
	"time"

	"zombiesurvivor/coordinator/internal/broadcast"
)

// View is the wire representation of a player. Internal bookkeeping (the
// connection handle and the timestamps) is deliberately absent.
type View struct {
	UID          string  `json:"uid"`
	Name         string  `json:"name"`
	AvatarIdx    int     `json:"avatarIdx"`
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	HP           int     `json:"hp"`
	Score        int     `json:"score"`
	Angle        float64 `json:"angle"`
	HasHelmet    bool    `json:"hasHelmet"`
	OnMotorcycle bool    `json:"onMotorcycle"`
	IsInvisible  bool    `json:"isInvisible"`
}

// StateUpdate carries a partial mutation of a player's gameplay state. Nil
// fields retain the previous value, which is what lets a movement-only update
// leave score and flags untouched.
type StateUpdate struct {
	X            *float64 `json:"x,omitempty"`
	Y            *float64 `json:"y,omitempty"`
	HP           *int     `json:"hp,omitempty"`
	Score        *int     `json:"score,omitempty"`
	Angle        *float64 `json:"angle,omitempty"`
	HasHelmet    *bool    `json:"hasHelmet,omitempty"`
	OnMotorcycle *bool    `json:"onMotorcycle,omitempty"`
	IsInvisible  *bool    `json:"isInvisible,omitempty"`
}

// Player is the authoritative per-participant record owned by a Room. All
// mutation happens under the owning Room's lock.
type Player struct {
	UID       string
	Name      string
	AvatarIdx int
	Guest     bool

	X            float64
	Y            float64
	Angle        float64
	HP           int
	Score        int
	HasHelmet    bool
	OnMotorcycle bool
	IsInvisible  bool

	conn          broadcast.Conn
	lastUpdate    time.Time
	lastBroadcast time.Time
}

// NewPlayer constructs a player record bound to its connection. Both
// bookkeeping timestamps are seeded at creation so a freshly joined player is
// never reaped and never treated as "never broadcast".
func NewPlayer(uid, name string, avatarIdx int, guest bool, conn broadcast.Conn, now time.Time) *Player {
	return &Player{
		UID:           uid,
		Name:          name,
		AvatarIdx:     avatarIdx,
		Guest:         guest,
		HP:            100,
		conn:          conn,
		lastUpdate:    now,
		lastBroadcast: now,
	}
}

// View snapshots the wire representation of the player.
func (p *Player) View() View {
	if p == nil {
		return View{}
	}
	return View{
		UID:          p.UID,
		Name:         p.Name,
		AvatarIdx:    p.AvatarIdx,
		X:            p.X,
		Y:            p.Y,
		HP:           p.HP,
		Score:        p.Score,
		Angle:        p.Angle,
		HasHelmet:    p.HasHelmet,
		OnMotorcycle: p.OnMotorcycle,
		IsInvisible:  p.IsInvisible,
	}
}

// apply merges the non-nil fields of the update; callers hold the Room lock.
func (p *Player) apply(update StateUpdate, now time.Time) {
	if update.X != nil {
		p.X = *update.X
	}
	if update.Y != nil {
		p.Y = *update.Y
	}
	if update.HP != nil {
		p.HP = *update.HP
	}
	if update.Score != nil {
		p.Score = *update.Score
	}
	if update.Angle != nil {
		p.Angle = *update.Angle
	}
	if update.HasHelmet != nil {
		p.HasHelmet = *update.HasHelmet
	}
	if update.OnMotorcycle != nil {
		p.OnMotorcycle = *update.OnMotorcycle
	}
	if update.IsInvisible != nil {
		p.IsInvisible = *update.IsInvisible
	}
	p.lastUpdate = now
}
