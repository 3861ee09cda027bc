package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"zombiesurvivor/coordinator/internal/broadcast"
	"zombiesurvivor/coordinator/internal/config"
	"zombiesurvivor/coordinator/internal/httpapi"
	"zombiesurvivor/coordinator/internal/logging"
	"zombiesurvivor/coordinator/internal/protocol"
	"zombiesurvivor/coordinator/internal/room"
	"zombiesurvivor/coordinator/internal/session"
	"zombiesurvivor/coordinator/internal/websockettest"
)

func testConfig() *config.Config {
	return &config.Config{
		Address:              ":0",
		MaxPayloadBytes:      config.DefaultMaxPayloadBytes,
		PingInterval:         config.DefaultPingInterval,
		PongTimeout:          config.DefaultPongTimeout,
		DefaultRoomID:        "main_room",
		RoomCapacity:         50,
		BroadcastMinInterval: 2 * time.Second,
		ChatMaxLength:        200,
	}
}

func testServer(t *testing.T) (*httptest.Server, *session.Registry) {
	t.Helper()
	return startServer(t, testConfig())
}

func startServer(t *testing.T, cfg *config.Config) (*httptest.Server, *session.Registry) {
	t.Helper()
	logger := logging.NewTestLogger()
	registry := session.NewRegistry(room.Config{
		Capacity:             cfg.RoomCapacity,
		SpawnInterval:        30 * time.Second,
		SpawnIncrement:       2,
		InitialZombies:       10,
		MaxZombies:           100,
		BroadcastMinInterval: cfg.BroadcastMinInterval,
	})
	registry.GetOrCreateRoom(cfg.DefaultRoomID)
	caster := broadcast.New(logger)
	coord := newCoordinator(cfg, logger, registry, caster, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", coord.handleWS)
	httpapi.NewHandlerSet(httpapi.Options{
		Logger: logger,
		Stats:  registry.SnapshotStats,
		Schema: protocol.SchemaDocument,
	}).Register(mux)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, registry
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("message is not valid JSON: %v", err)
	}
	return decoded
}

func TestJoinOverWebSocket(t *testing.T) {
	server, registry := testServer(t)

	conn, _, err := websockettest.Dial(server.URL+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	join := `{"type":"join","playerData":{"name":"Rosa","avatarIdx":2,"isGuest":true}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(join)); err != nil {
		t.Fatalf("write join: %v", err)
	}

	welcome := readEnvelope(t, conn)
	if welcome["type"] != "welcome" {
		t.Fatalf("expected welcome first, got %v", welcome["type"])
	}
	player, ok := welcome["player"].(map[string]any)
	if !ok || player["name"] != "Rosa" {
		t.Fatalf("unexpected player record: %v", welcome["player"])
	}
	if uid, _ := player["uid"].(string); !strings.HasPrefix(uid, "guest_") {
		t.Fatalf("expected guest identifier, got %v", player["uid"])
	}

	notice := readEnvelope(t, conn)
	if notice["type"] != "chat_message" || notice["message"] != "Rosa joined the game" {
		t.Fatalf("unexpected join notice: %v", notice)
	}
	update := readEnvelope(t, conn)
	if update["type"] != "room_update" {
		t.Fatalf("expected state broadcast, got %v", update["type"])
	}

	if stats := registry.SnapshotStats(); stats.CurrentPlayers != 1 {
		t.Fatalf("expected one connected player, got %d", stats.CurrentPlayers)
	}
}

func TestChatRoundTripOverWebSocket(t *testing.T) {
	server, _ := testServer(t)

	conn, _, err := websockettest.Dial(server.URL+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"join","playerData":{"name":"Rosa","isGuest":true}}`))
	for i := 0; i < 3; i++ {
		readEnvelope(t, conn)
	}

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"chat","message":"hello room"}`))
	chat := readEnvelope(t, conn)
	if chat["type"] != "chat_message" || chat["sender"] != "Rosa" || chat["message"] != "hello room" {
		t.Fatalf("unexpected chat echo: %v", chat)
	}
}

func TestPingBeforeJoin(t *testing.T) {
	server, _ := testServer(t)

	conn, _, err := websockettest.Dial(server.URL+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`))
	pong := readEnvelope(t, conn)
	if pong["type"] != "pong" || pong["timestamp"] == "" {
		t.Fatalf("unexpected pong: %v", pong)
	}
}

func TestDisconnectFreesRoomSlot(t *testing.T) {
	server, registry := testServer(t)

	conn, _, err := websockettest.Dial(server.URL+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"join","playerData":{"name":"Rosa","isGuest":true}}`))
	readEnvelope(t, conn)
	conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if registry.SnapshotStats().CurrentPlayers == 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if stats := registry.SnapshotStats(); stats.CurrentPlayers != 0 {
		t.Fatalf("expected the disconnect to free the slot, got %d players", stats.CurrentPlayers)
	}
	if rm := registry.GetOrCreateRoom("main_room"); rm.Len() != 0 {
		t.Fatalf("expected the room to be empty, got %d", rm.Len())
	}
}

func TestUnresponsivePeerIsDisconnected(t *testing.T) {
	cfg := testConfig()
	cfg.PingInterval = 50 * time.Millisecond
	cfg.PongTimeout = 200 * time.Millisecond
	server, registry := startServer(t, cfg)

	conn, _, err := websockettest.DialIgnoringPongs(server.URL+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"join","playerData":{"name":"Rosa","isGuest":true}}`))
	for i := 0; i < 3; i++ {
		readEnvelope(t, conn)
	}
	if stats := registry.SnapshotStats(); stats.CurrentPlayers != 1 {
		t.Fatalf("expected the join to register, got %d players", stats.CurrentPlayers)
	}

	//1.- Keep reading so pings are consumed without pong replies until the
	// server gives up on the silent peer.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if registry.SnapshotStats().CurrentPlayers == 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if stats := registry.SnapshotStats(); stats.CurrentPlayers != 0 {
		t.Fatalf("expected the silent peer to be dropped, got %d players", stats.CurrentPlayers)
	}
	if rm := registry.GetOrCreateRoom("main_room"); rm.Len() != 0 {
		t.Fatalf("expected the room slot to be freed, got %d", rm.Len())
	}
}

func TestOpsEndpointsServeAlongsideWebSocket(t *testing.T) {
	server, _ := testServer(t)

	resp, err := http.Get(server.URL + "/livez")
	if err != nil {
		t.Fatalf("get livez: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected livez status %d", resp.StatusCode)
	}

	schema, err := http.Get(server.URL + "/api/schema")
	if err != nil {
		t.Fatalf("get schema: %v", err)
	}
	defer schema.Body.Close()
	if schema.StatusCode != http.StatusOK {
		t.Fatalf("unexpected schema status %d", schema.StatusCode)
	}

	stats, err := http.Get(server.URL + "/api/stats")
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	defer stats.Body.Close()
	var decoded session.Stats
	if err := json.NewDecoder(stats.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if decoded.ServerTime == "" {
		t.Fatal("expected a stamped server time")
	}
}

func TestOriginCheckerFiltersOrigins(t *testing.T) {
	check := originChecker([]string{"https://game.example.com"})

	allowed := httptest.NewRequest(http.MethodGet, "/ws", nil)
	allowed.Header.Set("Origin", "https://game.example.com")
	if !check(allowed) {
		t.Fatal("expected listed origin to be allowed")
	}

	denied := httptest.NewRequest(http.MethodGet, "/ws", nil)
	denied.Header.Set("Origin", "https://evil.example.com")
	if check(denied) {
		t.Fatal("expected unlisted origin to be denied")
	}

	headerless := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if !check(headerless) {
		t.Fatal("expected non-browser clients without Origin to be allowed")
	}

	open := originChecker(nil)
	if !open(denied) {
		t.Fatal("expected empty allow list to permit everything")
	}
}

func TestWSClientRejectsSendsAfterClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	accepted := make(chan *wsClient, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- newWSClient(conn, config.DefaultMaxPayloadBytes, time.Minute, time.Minute)
	}))
	defer server.Close()

	conn, _, err := websockettest.Dial(server.URL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	client := <-accepted
	if err := client.Send([]byte(`{}`)); err != nil {
		t.Fatalf("expected send on live client to queue, got %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("expected repeated close to be safe, got %v", err)
	}
	if err := client.Send([]byte(`{}`)); err != errClientClosed {
		t.Fatalf("expected closed-client error, got %v", err)
	}
}
