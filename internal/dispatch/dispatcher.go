// Package dispatch routes the inbound message stream of a single connection
// into session mutations and the resulting direct replies and broadcasts.
// One dispatcher runs per connection for the connection's entire lifetime.
package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"zombiesurvivor/coordinator/internal/auth"
	"zombiesurvivor/coordinator/internal/broadcast"
	"zombiesurvivor/coordinator/internal/logging"
	"zombiesurvivor/coordinator/internal/protocol"
	"zombiesurvivor/coordinator/internal/room"
	"zombiesurvivor/coordinator/internal/session"
)

// Conn is the full-duplex connection contract a dispatcher drives. Receive
// blocks until the next frame arrives or the link fails.
type Conn interface {
	broadcast.Conn
	Receive() ([]byte, error)
	Close() error
}

// Config carries the per-connection routing tunables.
type Config struct {
	RoomID        string
	ChatMaxLength int
}

// Dispatcher owns one connection's protocol session: pre-join gating, join
// registration, and the post-join message handlers.
type Dispatcher struct {
	registry *session.Registry
	caster   *broadcast.Broadcaster
	resolver auth.Resolver
	conn     Conn
	log      *logging.Logger
	now      func() time.Time
	cfg      Config

	room   *room.Room
	uid    string
	name   string
	joined bool
}

// Option configures optional dispatcher behaviour at construction time.
type Option func(*Dispatcher)

// WithClock overrides the dispatcher time source; primarily used in tests.
func WithClock(clock func() time.Time) Option {
	return func(d *Dispatcher) {
		if clock != nil {
			d.now = clock
		}
	}
}

// New constructs a dispatcher for one connection. resolver may be nil, in
// which case every join proceeds as a guest.
func New(registry *session.Registry, caster *broadcast.Broadcaster, resolver auth.Resolver, conn Conn, logger *logging.Logger, cfg Config, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = logging.L()
	}
	d := &Dispatcher{
		registry: registry,
		caster:   caster,
		resolver: resolver,
		conn:     conn,
		log:      logger,
		now:      time.Now,
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run consumes the connection's inbound stream until the link fails, then
// performs the disconnect bookkeeping. Malformed frames are reported to the
// sender and the loop continues; only a transport error ends the session.
func (d *Dispatcher) Run() {
	defer d.disconnect()
	for {
		raw, err := d.conn.Receive()
		if err != nil {
			return
		}
		d.Handle(raw)
	}
}

// Handle decodes and routes a single inbound frame.
func (d *Dispatcher) Handle(raw []byte) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		d.log.Debug("rejected malformed frame", logging.String("uid", d.uid), logging.Error(err))
		d.reply(protocol.NewError("invalid message: " + err.Error()))
		return
	}

	//1.- Pings are answered in any connection state; everything else is gated on join.
	if _, isPing := msg.(protocol.Ping); isPing {
		d.reply(protocol.NewPong(d.now()))
		return
	}

	switch typed := msg.(type) {
	case protocol.Join:
		d.handleJoin(typed)
	case protocol.Update:
		if d.joined {
			d.handleUpdate(typed)
		}
	case protocol.Chat:
		if d.joined {
			d.handleChat(typed)
		}
	case protocol.GameEvent:
		if d.joined {
			d.handleGameEvent(typed)
		}
	}
}

func (d *Dispatcher) handleJoin(msg protocol.Join) {
	if d.joined {
		d.reply(protocol.NewError("already joined"))
		return
	}

	//1.- Resolve the claimed identity, falling back to a generated guest on any failure.
	identity := d.resolveIdentity(msg)
	now := d.now()
	rm := d.registry.GetOrCreateRoom(d.cfg.RoomID)
	player := room.NewPlayer(identity.UID, identity.Name, msg.Player.AvatarIdx, identity.Guest, d.conn, now)

	//2.- Register against capacity; a full room rejects without touching the counters.
	displaced, ok := rm.Join(player)
	if !ok {
		d.log.Info("join rejected, room full",
			logging.String("room", rm.ID()),
			logging.String("uid", identity.UID))
		d.reply(protocol.NewError("room is full"))
		return
	}
	if displaced != nil && displaced != broadcast.Conn(d.conn) {
		if closer, canClose := displaced.(interface{ Close() error }); canClose {
			closer.Close()
		}
	}

	d.room = rm
	d.uid = identity.UID
	d.name = identity.Name
	d.joined = true
	//3.- A replacement leaves the concurrent count alone; the displaced
	// session's release later fails its ownership check and never decrements.
	if displaced != nil {
		d.registry.RecordReconnect()
	} else {
		d.registry.RecordConnect()
	}
	d.log.Info("player joined",
		logging.String("room", rm.ID()),
		logging.String("uid", identity.UID),
		logging.String("name", identity.Name),
		logging.Bool("guest", identity.Guest))

	//4.- Confirm to the joiner, then tell the room, then refresh everyone's state.
	d.reply(protocol.NewWelcome(player.View(), rm.Snapshot(), d.registry.SnapshotStats(),
		fmt.Sprintf("Welcome to Zombie Survivor, %s!", identity.Name)))
	d.announce(fmt.Sprintf("%s joined the game", identity.Name))
	d.deliverState()
}

// resolveIdentity verifies the supplied credential when a resolver is wired
// and otherwise produces a guest identity from the claimed display name.
func (d *Dispatcher) resolveIdentity(msg protocol.Join) auth.Identity {
	if d.resolver != nil && strings.TrimSpace(msg.AuthToken) != "" {
		identity, err := d.resolver.Resolve(msg.AuthToken)
		if err == nil {
			if identity.Name == "" {
				identity.Name = strings.TrimSpace(msg.Player.Name)
			}
			if identity.Name == "" {
				identity.Name = auth.DefaultGuestName
			}
			return identity
		}
		d.log.Warn("credential rejected, continuing as guest", logging.Error(err))
	}
	return auth.Guest(msg.Player.Name)
}

func (d *Dispatcher) handleUpdate(msg protocol.Update) {
	now := d.now()
	if !d.room.UpdatePlayer(d.uid, msg.Player, now) {
		return
	}
	//1.- State fan-out is rate limited per triggering player; the ack is not.
	if d.room.ShouldBroadcast(d.uid, now) {
		d.deliverState()
	}
	d.reply(protocol.NewUpdateAck(d.registry.SnapshotStats().CurrentPlayers, now))
}

func (d *Dispatcher) handleChat(msg protocol.Chat) {
	text := strings.TrimSpace(msg.Message)
	if text == "" {
		return
	}
	//1.- The bound counts characters, so multibyte text is not penalised.
	if d.cfg.ChatMaxLength > 0 && utf8.RuneCountInString(text) > d.cfg.ChatMaxLength {
		d.log.Debug("dropped oversized chat line",
			logging.String("uid", d.uid),
			logging.Int("length", utf8.RuneCountInString(text)))
		return
	}
	d.deliverEvent(protocol.NewChatMessage(d.name, text, d.now()))
}

func (d *Dispatcher) handleGameEvent(msg protocol.GameEvent) {
	switch msg.EventType {
	case protocol.EventZombieKilled:
		d.registry.RecordZombieKill()
		d.announce(fmt.Sprintf("%s eliminated a zombie", d.name))
	case protocol.EventItemPicked:
		item := strings.TrimSpace(msg.ItemType)
		if item == "" {
			item = "an item"
		}
		d.announce(fmt.Sprintf("%s picked up %s", d.name, item))
	case protocol.EventPlayerHit:
		target, known := d.room.PlayerName(msg.TargetID)
		if !known {
			return
		}
		d.announce(fmt.Sprintf("%s hit %s", d.name, target))
	default:
		d.log.Debug("ignored unknown game event",
			logging.String("uid", d.uid),
			logging.String("eventType", msg.EventType))
	}
}

// disconnect releases the registration if this connection still owns it and
// announces the departure. Safe to call when the join never happened or when
// the inactivity reaper already removed the player.
func (d *Dispatcher) disconnect() {
	if !d.joined {
		return
	}
	d.joined = false
	if !d.room.Release(d.uid, d.conn) {
		return
	}
	AnnounceDeparture(d.registry, d.caster, d.room, d.name, d.now(), d.log)
}

// AnnounceDeparture performs the shared departure bookkeeping: counter
// adjustment, the leave notice, and a state refresh for the remaining room.
// The player must already be removed from the room.
func AnnounceDeparture(registry *session.Registry, caster *broadcast.Broadcaster, rm *room.Room, name string, now time.Time, logger *logging.Logger) {
	if logger == nil {
		logger = logging.L()
	}
	registry.RecordDisconnect()
	logger.Info("player left", logging.String("room", rm.ID()), logging.String("name", name))
	notice := protocol.NewChatMessage(protocol.SystemSender, fmt.Sprintf("%s left the game", name), now)
	caster.Deliver(broadcast.KindEvent, protocol.TypeChatMessage, rm.Recipients(), notice)
	caster.Deliver(broadcast.KindState, protocol.TypeRoomUpdate, rm.Recipients(),
		protocol.NewRoomUpdate(rm.Snapshot(), registry.SnapshotStats(), now))
}

// announce broadcasts a system chat notice to the full room.
func (d *Dispatcher) announce(message string) {
	d.deliverEvent(protocol.NewChatMessage(protocol.SystemSender, message, d.now()))
}

func (d *Dispatcher) deliverEvent(message protocol.ChatMessage) {
	d.caster.Deliver(broadcast.KindEvent, protocol.TypeChatMessage, d.room.Recipients(), message)
}

func (d *Dispatcher) deliverState() {
	update := protocol.NewRoomUpdate(d.room.Snapshot(), d.registry.SnapshotStats(), d.now())
	d.caster.Deliver(broadcast.KindState, protocol.TypeRoomUpdate, d.room.Recipients(), update)
}

// reply sends a direct message to this connection only. Failures are logged
// and otherwise ignored; a broken link surfaces through the read loop.
func (d *Dispatcher) reply(message any) {
	payload, err := json.Marshal(message)
	if err != nil {
		d.log.Error("encode reply", logging.Error(err))
		return
	}
	if err := d.conn.Send(payload); err != nil {
		d.log.Debug("direct reply failed", logging.String("uid", d.uid), logging.Error(err))
	}
}
