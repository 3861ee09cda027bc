package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"zombiesurvivor/coordinator/internal/auth"
	"zombiesurvivor/coordinator/internal/broadcast"
	"zombiesurvivor/coordinator/internal/logging"
	"zombiesurvivor/coordinator/internal/room"
	"zombiesurvivor/coordinator/internal/session"
)

// fixedResolver hands every credential the same identity, pinning the
// identifier across connections.
type fixedResolver struct {
	identity auth.Identity
}

func (r fixedResolver) Resolve(string) (auth.Identity, error) {
	return r.identity, nil
}

// fakeConn scripts the inbound stream and records everything sent back.
type fakeConn struct {
	mu      sync.Mutex
	sent    [][]byte
	inbound [][]byte
	closed  bool
}

func (c *fakeConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	c.sent = append(c.sent, payload)
	return nil
}

func (c *fakeConn) Receive() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inbound) == 0 {
		return nil, io.EOF
	}
	next := c.inbound[0]
	c.inbound = c.inbound[1:]
	return next, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type envelope struct {
	Type    string `json:"type"`
	Sender  string `json:"sender"`
	Message string `json:"message"`
}

func (c *fakeConn) envelopes(t *testing.T) []envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	decoded := make([]envelope, 0, len(c.sent))
	for _, payload := range c.sent {
		var e envelope
		if err := json.Unmarshal(payload, &e); err != nil {
			t.Fatalf("sent payload is not valid JSON: %v", err)
		}
		decoded = append(decoded, e)
	}
	return decoded
}

func (c *fakeConn) typesSent(t *testing.T) []string {
	t.Helper()
	var types []string
	for _, e := range c.envelopes(t) {
		types = append(types, e.Type)
	}
	return types
}

func joinFrame(name string) []byte {
	return []byte(fmt.Sprintf(`{"type":"join","playerData":{"name":%q,"avatarIdx":1,"isGuest":true}}`, name))
}

func testClock() func() time.Time {
	at := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func newHarness(capacity int) (*session.Registry, *broadcast.Broadcaster) {
	registry := session.NewRegistry(room.Config{
		Capacity:             capacity,
		SpawnInterval:        30 * time.Second,
		SpawnIncrement:       2,
		InitialZombies:       10,
		MaxZombies:           100,
		BroadcastMinInterval: 2 * time.Second,
	}, session.WithClock(testClock()))
	return registry, broadcast.New(logging.NewTestLogger())
}

func newTestDispatcher(registry *session.Registry, caster *broadcast.Broadcaster, conn *fakeConn, clock func() time.Time) *Dispatcher {
	return New(registry, caster, nil, conn, logging.NewTestLogger(), Config{
		RoomID:        "main_room",
		ChatMaxLength: 20,
	}, WithClock(clock))
}

func TestJoinWelcomesAndAnnounces(t *testing.T) {
	registry, caster := newHarness(50)
	conn := &fakeConn{}
	d := newTestDispatcher(registry, caster, conn, testClock())

	d.Handle(joinFrame("Rosa"))

	types := conn.typesSent(t)
	if len(types) != 3 || types[0] != "welcome" || types[1] != "chat_message" || types[2] != "room_update" {
		t.Fatalf("expected welcome, join notice and state broadcast, got %v", types)
	}

	var welcome struct {
		Message string `json:"message"`
		Player  struct {
			UID  string `json:"uid"`
			Name string `json:"name"`
			HP   int    `json:"hp"`
		} `json:"player"`
		RoomState struct {
			PlayerCount int `json:"playerCount"`
			ZombieCount int `json:"zombieCount"`
		} `json:"roomState"`
	}
	if err := json.Unmarshal(conn.sent[0], &welcome); err != nil {
		t.Fatalf("unmarshal welcome: %v", err)
	}
	if welcome.Message != "Welcome to Zombie Survivor, Rosa!" {
		t.Fatalf("unexpected welcome message %q", welcome.Message)
	}
	if !strings.HasPrefix(welcome.Player.UID, "guest_") {
		t.Fatalf("expected a generated guest identifier, got %q", welcome.Player.UID)
	}
	if welcome.Player.Name != "Rosa" || welcome.Player.HP != 100 {
		t.Fatalf("unexpected player record: %+v", welcome.Player)
	}
	if welcome.RoomState.PlayerCount != 1 || welcome.RoomState.ZombieCount != 10 {
		t.Fatalf("unexpected room state: %+v", welcome.RoomState)
	}

	notice := conn.envelopes(t)[1]
	if notice.Sender != "System" || notice.Message != "Rosa joined the game" {
		t.Fatalf("unexpected join notice: %+v", notice)
	}

	if stats := registry.SnapshotStats(); stats.TotalConnections != 1 || stats.CurrentPlayers != 1 {
		t.Fatalf("unexpected stats after join: %+v", stats)
	}
}

func TestSecondJoinIsRejected(t *testing.T) {
	registry, caster := newHarness(50)
	conn := &fakeConn{}
	d := newTestDispatcher(registry, caster, conn, testClock())

	d.Handle(joinFrame("Rosa"))
	d.Handle(joinFrame("Rosa"))

	envelopes := conn.envelopes(t)
	last := envelopes[len(envelopes)-1]
	if last.Type != "error" || last.Message != "already joined" {
		t.Fatalf("expected an already-joined error, got %+v", last)
	}
	if stats := registry.SnapshotStats(); stats.TotalConnections != 1 {
		t.Fatalf("expected a single counted connection, got %d", stats.TotalConnections)
	}
}

func TestRejoinReplacementKeepsCountersConsistent(t *testing.T) {
	registry, caster := newHarness(50)
	resolver := fixedResolver{identity: auth.Identity{UID: "user-1", Name: "Rosa"}}
	authedJoin := []byte(`{"type":"join","authToken":"credential","playerData":{"name":"Rosa"}}`)

	stale := &fakeConn{}
	staleDispatcher := New(registry, caster, resolver, stale, logging.NewTestLogger(), Config{
		RoomID:        "main_room",
		ChatMaxLength: 20,
	}, WithClock(testClock()))
	staleDispatcher.Handle(authedJoin)

	fresh := &fakeConn{}
	New(registry, caster, resolver, fresh, logging.NewTestLogger(), Config{
		RoomID:        "main_room",
		ChatMaxLength: 20,
	}, WithClock(testClock())).Handle(authedJoin)

	if !stale.closed {
		t.Fatal("expected the displaced connection to be closed")
	}

	//1.- The stale read loop exits after being displaced; its release must not decrement.
	staleDispatcher.Run()

	rm := registry.GetOrCreateRoom("main_room")
	stats := registry.SnapshotStats()
	if rm.Len() != 1 {
		t.Fatalf("expected one registered player, got %d", rm.Len())
	}
	if stats.CurrentPlayers != int64(rm.Len()) {
		t.Fatalf("expected current players to match the room, got %d and %d", stats.CurrentPlayers, rm.Len())
	}
	if stats.TotalConnections != 2 {
		t.Fatalf("expected both connections in the lifetime count, got %d", stats.TotalConnections)
	}
}

func TestRoomFullRejectsJoin(t *testing.T) {
	registry, caster := newHarness(1)
	first := &fakeConn{}
	newTestDispatcher(registry, caster, first, testClock()).Handle(joinFrame("Rosa"))

	second := &fakeConn{}
	newTestDispatcher(registry, caster, second, testClock()).Handle(joinFrame("Bruno"))

	envelopes := second.envelopes(t)
	if len(envelopes) != 1 || envelopes[0].Type != "error" || envelopes[0].Message != "room is full" {
		t.Fatalf("expected a room-full error, got %+v", envelopes)
	}
	if second.closed {
		t.Fatal("expected a rejected connection to stay open")
	}
	if stats := registry.SnapshotStats(); stats.TotalConnections != 1 || stats.CurrentPlayers != 1 {
		t.Fatalf("unexpected stats after rejection: %+v", stats)
	}
}

func TestPreJoinMessagesAreIgnored(t *testing.T) {
	registry, caster := newHarness(50)
	conn := &fakeConn{}
	d := newTestDispatcher(registry, caster, conn, testClock())

	d.Handle([]byte(`{"type":"chat","message":"anyone here?"}`))
	d.Handle([]byte(`{"type":"state_update","player":{"x":1}}`))
	d.Handle([]byte(`{"type":"game_event","eventType":"zombie_killed"}`))

	if len(conn.envelopes(t)) != 0 {
		t.Fatalf("expected silence before join, got %v", conn.typesSent(t))
	}
}

func TestPingAnsweredInAnyState(t *testing.T) {
	registry, caster := newHarness(50)
	conn := &fakeConn{}
	d := newTestDispatcher(registry, caster, conn, testClock())

	d.Handle([]byte(`{"type":"ping"}`))
	if types := conn.typesSent(t); len(types) != 1 || types[0] != "pong" {
		t.Fatalf("expected a pong before join, got %v", types)
	}
}

func TestMalformedFrameKeepsConnectionUsable(t *testing.T) {
	registry, caster := newHarness(50)
	conn := &fakeConn{}
	d := newTestDispatcher(registry, caster, conn, testClock())

	d.Handle([]byte(`{"type":`))
	d.Handle([]byte(`{"type":"teleport"}`))
	d.Handle(joinFrame("Rosa"))

	types := conn.typesSent(t)
	if types[0] != "error" || types[1] != "error" {
		t.Fatalf("expected malformed frames to produce error replies, got %v", types)
	}
	if types[2] != "welcome" {
		t.Fatalf("expected the connection to remain usable after errors, got %v", types)
	}
}

func TestChatBroadcastsToAllIncludingSender(t *testing.T) {
	registry, caster := newHarness(50)
	sender := &fakeConn{}
	other := &fakeConn{}
	ds := newTestDispatcher(registry, caster, sender, testClock())
	do := newTestDispatcher(registry, caster, other, testClock())
	ds.Handle(joinFrame("Rosa"))
	do.Handle(joinFrame("Bruno"))

	ds.Handle([]byte(`{"type":"chat","message":"  hello  "}`))

	for _, conn := range []*fakeConn{sender, other} {
		envelopes := conn.envelopes(t)
		last := envelopes[len(envelopes)-1]
		if last.Type != "chat_message" || last.Sender != "Rosa" || last.Message != "hello" {
			t.Fatalf("expected trimmed chat from Rosa, got %+v", last)
		}
	}
}

func TestChatDropsEmptyAndOversizedLines(t *testing.T) {
	registry, caster := newHarness(50)
	conn := &fakeConn{}
	d := newTestDispatcher(registry, caster, conn, testClock())
	d.Handle(joinFrame("Rosa"))
	before := len(conn.envelopes(t))

	d.Handle([]byte(`{"type":"chat","message":"   "}`))
	d.Handle([]byte(`{"type":"chat","message":"` + strings.Repeat("a", 30) + `"}`))

	if after := len(conn.envelopes(t)); after != before {
		t.Fatalf("expected dropped chat lines to produce no traffic, got %v", conn.typesSent(t)[before:])
	}
}

func TestChatBoundCountsCharactersNotBytes(t *testing.T) {
	registry, caster := newHarness(50)
	conn := &fakeConn{}
	d := newTestDispatcher(registry, caster, conn, testClock())
	d.Handle(joinFrame("Rosa"))
	before := len(conn.envelopes(t))

	//1.- Twenty two-byte characters sit exactly on the bound and must pass.
	line := strings.Repeat("ñ", 20)
	d.Handle([]byte(`{"type":"chat","message":"` + line + `"}`))

	envelopes := conn.envelopes(t)[before:]
	if len(envelopes) != 1 || envelopes[0].Message != line {
		t.Fatalf("expected the multibyte line to be broadcast, got %v", envelopes)
	}

	d.Handle([]byte(`{"type":"chat","message":"` + strings.Repeat("ñ", 21) + `"}`))
	if after := conn.envelopes(t)[before:]; len(after) != 1 {
		t.Fatalf("expected the over-bound line to be dropped, got %v", after)
	}
}

func TestStateUpdateAcknowledgesAndRateLimits(t *testing.T) {
	registry, caster := newHarness(50)
	conn := &fakeConn{}
	at := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	d := newTestDispatcher(registry, caster, conn, func() time.Time { return at })
	d.Handle(joinFrame("Rosa"))
	before := len(conn.envelopes(t))

	//1.- Inside the interval of the join only the ack goes out.
	at = at.Add(time.Second)
	d.Handle([]byte(`{"type":"state_update","player":{"x":5.5}}`))
	types := conn.typesSent(t)[before:]
	if len(types) != 1 || types[0] != "update_ack" {
		t.Fatalf("expected a lone ack inside the rate limit window, got %v", types)
	}

	//2.- After the interval the update also triggers a state broadcast.
	at = at.Add(3 * time.Second)
	d.Handle([]byte(`{"type":"state_update","player":{"x":7.5}}`))
	types = conn.typesSent(t)[before+1:]
	if len(types) != 2 || types[0] != "room_update" || types[1] != "update_ack" {
		t.Fatalf("expected broadcast plus ack after the window, got %v", types)
	}
}

func TestGameEventsAdjustCountersAndAnnounce(t *testing.T) {
	registry, caster := newHarness(50)
	conn := &fakeConn{}
	d := newTestDispatcher(registry, caster, conn, testClock())
	d.Handle(joinFrame("Rosa"))
	before := len(conn.envelopes(t))

	d.Handle([]byte(`{"type":"game_event","eventType":"zombie_killed","damage":25}`))
	d.Handle([]byte(`{"type":"game_event","eventType":"item_picked","itemType":"helmet"}`))
	d.Handle([]byte(`{"type":"game_event","eventType":"player_hit","targetId":"missing"}`))
	d.Handle([]byte(`{"type":"game_event","eventType":"dance"}`))

	envelopes := conn.envelopes(t)[before:]
	if len(envelopes) != 2 {
		t.Fatalf("expected exactly two system notices, got %v", envelopes)
	}
	if envelopes[0].Message != "Rosa eliminated a zombie" {
		t.Fatalf("unexpected kill notice: %+v", envelopes[0])
	}
	if envelopes[1].Message != "Rosa picked up helmet" {
		t.Fatalf("unexpected pickup notice: %+v", envelopes[1])
	}
	if stats := registry.SnapshotStats(); stats.TotalZombiesKilled != 1 {
		t.Fatalf("expected one recorded kill, got %d", stats.TotalZombiesKilled)
	}
}

func TestRunAnnouncesDisconnect(t *testing.T) {
	registry, caster := newHarness(50)
	stayer := &fakeConn{}
	newTestDispatcher(registry, caster, stayer, testClock()).Handle(joinFrame("Rosa"))

	leaver := &fakeConn{inbound: [][]byte{joinFrame("Bruno")}}
	newTestDispatcher(registry, caster, leaver, testClock()).Run()

	envelopes := stayer.envelopes(t)
	var sawLeave bool
	for _, e := range envelopes {
		if e.Type == "chat_message" && e.Message == "Bruno left the game" {
			sawLeave = true
		}
	}
	if !sawLeave {
		t.Fatalf("expected a leave notice for the remaining player, got %v", envelopes)
	}
	if stats := registry.SnapshotStats(); stats.CurrentPlayers != 1 {
		t.Fatalf("expected one remaining player, got %d", stats.CurrentPlayers)
	}
}

func TestDisconnectAfterReapIsNotDoubleCounted(t *testing.T) {
	registry, caster := newHarness(50)
	at := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	conn := &fakeConn{inbound: [][]byte{joinFrame("Rosa")}}
	d := newTestDispatcher(registry, caster, conn, func() time.Time { return at })

	d.Handle(joinFrame("Rosa"))
	rm := registry.GetOrCreateRoom("main_room")
	reaped := rm.ReapInactive(at.Add(2*time.Minute), time.Minute)
	if len(reaped) != 1 {
		t.Fatalf("expected the player to be reaped, got %d removals", len(reaped))
	}
	AnnounceDeparture(registry, caster, rm, reaped[0].Name, at, logging.NewTestLogger())

	//1.- The read loop exits afterwards; the release must see the entry gone.
	d.Run()

	if stats := registry.SnapshotStats(); stats.CurrentPlayers != 0 {
		t.Fatalf("expected zero players after reap and disconnect, got %d", stats.CurrentPlayers)
	}
	if stats := registry.SnapshotStats(); stats.TotalConnections != 1 {
		t.Fatalf("expected one lifetime connection, got %d", stats.TotalConnections)
	}
}
