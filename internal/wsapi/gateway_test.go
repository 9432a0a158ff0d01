package wsapi

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/auth"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/core"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/infrastructure/config"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/kernel"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/service"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/state"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/storage"
)

type harness struct {
	kernel *kernel.Kernel
	gw     *Gateway
	server *httptest.Server
}

func newHarness(t *testing.T, cfg config.WebSocketConfig) *harness {
	t.Helper()

	k, err := kernel.New(kernel.Options{
		Version: "test",
		Workers: 2,
		Storage: storage.NewFileStore(t.TempDir()),
	})
	if err != nil {
		t.Fatalf("kernel.New() error = %v", err)
	}
	if err := k.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	gw := New(k, cfg)
	srv := httptest.NewServer(gw)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		gw.Shutdown(ctx) //nolint:errcheck // Test cleanup
		srv.Close()
		k.Stop(ctx) //nolint:errcheck // Test cleanup
	})
	return &harness{kernel: k, gw: gw, server: srv}
}

// token creates a user and returns an access token for it.
func (h *harness) token(t *testing.T, name string, admin bool) (*auth.User, string) {
	t.Helper()
	ctx := context.Background()

	groups := auth.GroupUser
	if admin {
		groups = auth.GroupAdmin
	}
	user, err := h.kernel.Auth.CreateUser(ctx, name, auth.InGroups(groups))
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	rt, err := h.kernel.Auth.CreateRefreshToken(ctx, user, auth.WithClient("https://client.example/"))
	if err != nil {
		t.Fatalf("CreateRefreshToken() error = %v", err)
	}
	token, err := h.kernel.Auth.CreateAccessToken(rt, "127.0.0.1")
	if err != nil {
		t.Fatalf("CreateAccessToken() error = %v", err)
	}
	return user, token
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// connect dials and completes the handshake as a new user.
func (h *harness) connect(t *testing.T, admin bool) (*websocket.Conn, *auth.User) {
	t.Helper()
	user, token := h.token(t, "User "+t.Name(), admin)
	conn := h.dial(t)

	if msg := readMessage(t, conn); msg["type"] != TypeAuthRequired {
		t.Fatalf("first message = %v, want auth_required", msg)
	}
	writeMessage(t, conn, map[string]any{"type": "auth", "access_token": token})
	if msg := readMessage(t, conn); msg["type"] != TypeAuthOK {
		t.Fatalf("handshake reply = %v, want auth_ok", msg)
	}
	return conn, user
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck // Test deadline
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return msg
}

func writeMessage(t *testing.T, conn *websocket.Conn, msg map[string]any) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
}

// roundTrip sends msg and returns the next message for its id.
func roundTrip(t *testing.T, conn *websocket.Conn, msg map[string]any) map[string]any {
	t.Helper()
	writeMessage(t, conn, msg)
	want := msg["id"]
	for {
		reply := readMessage(t, conn)
		if id, ok := reply["id"].(float64); ok && int(id) == want {
			return reply
		}
	}
}

func errorCode(msg map[string]any) string {
	body, _ := msg["error"].(map[string]any)
	code, _ := body["code"].(string)
	return code
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck // Test deadline
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if !errors.As(err, &closeErr) {
			t.Fatalf("read error = %v, want close %d", err, code)
		}
		if closeErr.Code != code {
			t.Fatalf("close code = %d, want %d", closeErr.Code, code)
		}
		return
	}
}

func TestGateway_Handshake(t *testing.T) {
	h := newHarness(t, config.WebSocketConfig{})
	_, token := h.token(t, "Alice", false)
	conn := h.dial(t)

	msg := readMessage(t, conn)
	if msg["type"] != TypeAuthRequired || msg["ha_version"] != "test" {
		t.Fatalf("first message = %v", msg)
	}
	writeMessage(t, conn, map[string]any{"type": "auth", "access_token": token})
	if msg := readMessage(t, conn); msg["type"] != TypeAuthOK {
		t.Fatalf("reply = %v, want auth_ok", msg)
	}
	if n := h.gw.ConnectionCount(); n != 1 {
		t.Errorf("ConnectionCount() = %d, want 1", n)
	}
}

func TestGateway_AuthRejected(t *testing.T) {
	tests := []struct {
		name    string
		msg     map[string]any
		message string
	}{
		{"bad token", map[string]any{"type": "auth", "access_token": "not-a-token"}, "Invalid access token or password"},
		{"missing token", map[string]any{"type": "auth"}, "Auth message incorrectly formatted"},
		{"wrong type", map[string]any{"type": "get_states", "id": 1}, "Auth message incorrectly formatted"},
	}

	h := newHarness(t, config.WebSocketConfig{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := h.dial(t)
			readMessage(t, conn)
			writeMessage(t, conn, tt.msg)

			msg := readMessage(t, conn)
			if msg["type"] != TypeAuthInvalid || msg["message"] != tt.message {
				t.Fatalf("reply = %v, want auth_invalid %q", msg, tt.message)
			}
			expectClose(t, conn, CloseAuthFailure)
		})
	}
}

func TestGateway_AuthTimeout(t *testing.T) {
	h := newHarness(t, config.WebSocketConfig{AuthTimeout: 1})
	conn := h.dial(t)
	readMessage(t, conn)

	if msg := readMessage(t, conn); msg["type"] != TypeAuthInvalid {
		t.Fatalf("reply = %v, want auth_invalid", msg)
	}
	expectClose(t, conn, CloseAuthFailure)
}

func TestGateway_GetStatesAndConfig(t *testing.T) {
	h := newHarness(t, config.WebSocketConfig{})
	if _, err := h.kernel.States.Set("light.kitchen", "on", map[string]any{"brightness": 200}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	conn, _ := h.connect(t, false)

	reply := roundTrip(t, conn, map[string]any{"id": 1, "type": CmdGetStates})
	if reply["success"] != true {
		t.Fatalf("get_states = %v", reply)
	}
	states, _ := reply["result"].([]any)
	if len(states) != 1 {
		t.Fatalf("get_states returned %d states, want 1", len(states))
	}
	if st := states[0].(map[string]any); st["entity_id"] != "light.kitchen" || st["state"] != "on" {
		t.Errorf("state = %v", st)
	}

	reply = roundTrip(t, conn, map[string]any{"id": 2, "type": CmdGetConfig})
	cfg, _ := reply["result"].(map[string]any)
	if cfg["version"] != "test" || cfg["state"] != "RUNNING" {
		t.Errorf("get_config = %v", reply)
	}
}

func TestGateway_SubscribeEvents(t *testing.T) {
	h := newHarness(t, config.WebSocketConfig{})
	conn, _ := h.connect(t, false)

	reply := roundTrip(t, conn, map[string]any{"id": 1, "type": CmdSubscribeEvents, "event_type": core.EventStateChanged})
	if reply["success"] != true {
		t.Fatalf("subscribe_events = %v", reply)
	}

	if _, err := h.kernel.States.Set("switch.fan", "on", nil); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	msg := readMessage(t, conn)
	if msg["type"] != TypeEvent || msg["id"] != float64(1) {
		t.Fatalf("event message = %v", msg)
	}
	event, _ := msg["event"].(map[string]any)
	data, _ := event["data"].(map[string]any)
	if event["event_type"] != core.EventStateChanged || data["entity_id"] != "switch.fan" {
		t.Errorf("event = %v", event)
	}

	reply = roundTrip(t, conn, map[string]any{"id": 2, "type": CmdUnsubscribeEvents, "subscription": 1})
	if reply["success"] != true {
		t.Fatalf("unsubscribe_events = %v", reply)
	}
	reply = roundTrip(t, conn, map[string]any{"id": 3, "type": CmdUnsubscribeEvents, "subscription": 1})
	if errorCode(reply) != CodeNotFound {
		t.Errorf("second unsubscribe = %v, want not_found", reply)
	}

	// No event reaches the client after unsubscribing.
	if _, err := h.kernel.States.Set("switch.fan", "off", nil); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	reply = roundTrip(t, conn, map[string]any{"id": 4, "type": CmdPing})
	if reply["type"] != TypePong {
		t.Errorf("message after unsubscribe = %v, want pong", reply)
	}
}

func TestGateway_SubscribePermissions(t *testing.T) {
	h := newHarness(t, config.WebSocketConfig{})
	user, _ := h.connect(t, false)
	admin, _ := h.connect(t, true)

	tests := []struct {
		name      string
		conn      *websocket.Conn
		eventType string
		wantOK    bool
	}{
		{"user allowlisted", user, core.EventServiceRegistered, true},
		{"user wildcard", user, "", false},
		{"user other event", user, core.EventUserAdded, false},
		{"admin wildcard", admin, core.MatchAll, true},
		{"admin other event", admin, core.EventUserAdded, true},
	}
	ids := map[*websocket.Conn]int{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids[tt.conn]++
			msg := map[string]any{"id": ids[tt.conn], "type": CmdSubscribeEvents}
			if tt.eventType != "" {
				msg["event_type"] = tt.eventType
			}
			reply := roundTrip(t, tt.conn, msg)
			if ok := reply["success"] == true; ok != tt.wantOK {
				t.Errorf("subscribe %q = %v, want success %v", tt.eventType, reply, tt.wantOK)
			}
			if !tt.wantOK && errorCode(reply) != CodeUnauthorized {
				t.Errorf("error code = %q, want unauthorized", errorCode(reply))
			}
		})
	}
}

func TestGateway_CallService(t *testing.T) {
	h := newHarness(t, config.WebSocketConfig{})
	conn, user := h.connect(t, false)

	calls := make(chan *service.Call, 1)
	err := h.kernel.Services.Register("light", "turn_on", func(_ context.Context, call *service.Call) error {
		calls <- call
		return nil
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	err = h.kernel.Services.Register("light", "broken", func(_ context.Context, _ *service.Call) error {
		return core.Errorf("bulb unreachable")
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	reply := roundTrip(t, conn, map[string]any{
		"id": 1, "type": CmdCallService, "domain": "light", "service": "turn_on",
		"service_data": map[string]any{"brightness": 10},
		"target":       map[string]any{"entity_id": "light.kitchen"},
	})
	if reply["success"] != true {
		t.Fatalf("call_service = %v", reply)
	}
	result, _ := reply["result"].(map[string]any)
	callCtx, _ := result["context"].(map[string]any)
	if callCtx["user_id"] != user.ID {
		t.Errorf("context.user_id = %v, want %s", callCtx["user_id"], user.ID)
	}

	call := <-calls
	if call.Data["entity_id"] != "light.kitchen" || call.Data["brightness"] != float64(10) {
		t.Errorf("call data = %v", call.Data)
	}
	if call.Context.UserID != user.ID {
		t.Errorf("call user = %q, want %q", call.Context.UserID, user.ID)
	}

	tests := []struct {
		name string
		msg  map[string]any
		code string
	}{
		{"unknown service", map[string]any{"domain": "light", "service": "explode"}, CodeServiceNotFound},
		{"domain error", map[string]any{"domain": "light", "service": "broken"}, CodeDomainError},
		{"missing service", map[string]any{"domain": "light"}, CodeInvalidFormat},
		{"admin only", map[string]any{"domain": kernel.Domain, "service": "stop"}, CodeUnauthorized},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.msg["id"] = i + 2
			tt.msg["type"] = CmdCallService
			reply := roundTrip(t, conn, tt.msg)
			if code := errorCode(reply); code != tt.code {
				t.Errorf("error code = %q, want %q (%v)", code, tt.code, reply)
			}
		})
	}
}

func TestGateway_MessageErrors(t *testing.T) {
	h := newHarness(t, config.WebSocketConfig{})
	conn, _ := h.connect(t, false)

	if reply := roundTrip(t, conn, map[string]any{"id": 5, "type": CmdPing}); reply["type"] != TypePong {
		t.Fatalf("ping = %v", reply)
	}
	if reply := roundTrip(t, conn, map[string]any{"id": 5, "type": CmdPing}); errorCode(reply) != CodeIDReuse {
		t.Errorf("reused id = %v, want id_reuse", reply)
	}
	if reply := roundTrip(t, conn, map[string]any{"id": 4, "type": CmdPing}); errorCode(reply) != CodeIDReuse {
		t.Errorf("lower id = %v, want id_reuse", reply)
	}
	if reply := roundTrip(t, conn, map[string]any{"id": 6, "type": "frobnicate"}); errorCode(reply) != CodeUnknownCommand {
		t.Errorf("unknown type = %v, want unknown_command", reply)
	}

	writeMessage(t, conn, map[string]any{"type": CmdPing})
	if reply := readMessage(t, conn); errorCode(reply) != CodeInvalidFormat {
		t.Errorf("missing id = %v, want invalid_format", reply)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	if reply := readMessage(t, conn); errorCode(reply) != CodeInvalidFormat {
		t.Errorf("bad json = %v, want invalid_format", reply)
	}
}

func TestGateway_FireEvent(t *testing.T) {
	h := newHarness(t, config.WebSocketConfig{})
	user, _ := h.connect(t, false)
	admin, _ := h.connect(t, true)

	fired := make(chan core.Event, 1)
	h.kernel.Bus.Listen("doorbell_pressed", func(ev core.Event) { fired <- ev })

	msg := map[string]any{"id": 1, "type": CmdFireEvent, "event_type": "doorbell_pressed", "event_data": map[string]any{"door": "front"}}
	if reply := roundTrip(t, user, msg); errorCode(reply) != CodeUnauthorized {
		t.Errorf("user fire_event = %v, want unauthorized", reply)
	}
	if reply := roundTrip(t, admin, msg); reply["success"] != true {
		t.Fatalf("admin fire_event = %v", reply)
	}

	select {
	case ev := <-fired:
		if ev.Origin != core.OriginRemote || ev.Data["door"] != "front" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event was not fired")
	}
}

func TestGateway_RateLimited(t *testing.T) {
	h := newHarness(t, config.WebSocketConfig{CommandsPerSecond: 0.001, CommandBurst: 2})
	conn, _ := h.connect(t, false)

	for id := 1; id <= 2; id++ {
		if reply := roundTrip(t, conn, map[string]any{"id": id, "type": CmdPing}); reply["type"] != TypePong {
			t.Fatalf("ping %d = %v", id, reply)
		}
	}
	if reply := roundTrip(t, conn, map[string]any{"id": 3, "type": CmdPing}); errorCode(reply) != CodeRateLimited {
		t.Errorf("third ping = %v, want rate_limited", reply)
	}
}

func TestGateway_AuthCommands(t *testing.T) {
	h := newHarness(t, config.WebSocketConfig{})
	conn, user := h.connect(t, false)

	reply := roundTrip(t, conn, map[string]any{"id": 1, "type": CmdCurrentUser})
	result, _ := reply["result"].(map[string]any)
	if result["id"] != user.ID || result["is_admin"] != false {
		t.Errorf("current_user = %v", reply)
	}

	reply = roundTrip(t, conn, map[string]any{"id": 2, "type": CmdLongLivedToken, "client_name": "dashboard", "lifespan": 365})
	token, _ := reply["result"].(string)
	if token == "" {
		t.Fatalf("long_lived_access_token = %v", reply)
	}
	rt := h.kernel.Auth.ValidateAccessToken(context.Background(), token)
	if rt == nil || rt.TokenType != auth.TokenTypeLongLived || rt.AccessTokenExpiration != 365*24*time.Hour {
		t.Fatalf("token validates to %+v", rt)
	}

	reply = roundTrip(t, conn, map[string]any{"id": 3, "type": CmdLongLivedToken, "client_name": "dashboard"})
	if errorCode(reply) != CodeInvalidFormat {
		t.Errorf("duplicate client name = %v, want invalid_format", reply)
	}

	_, otherToken := h.token(t, "Mallory", false)
	other := h.kernel.Auth.ValidateAccessToken(context.Background(), otherToken)
	reply = roundTrip(t, conn, map[string]any{"id": 4, "type": CmdDeleteRefreshToken, "refresh_token_id": other.ID})
	if errorCode(reply) != CodeNotFound {
		t.Errorf("deleting another user's token = %v, want not_found", reply)
	}

	reply = roundTrip(t, conn, map[string]any{"id": 5, "type": CmdDeleteRefreshToken, "refresh_token_id": rt.ID})
	if reply["success"] != true {
		t.Fatalf("delete_refresh_token = %v", reply)
	}
	if h.kernel.Auth.ValidateAccessToken(context.Background(), token) != nil {
		t.Error("token still validates after deletion")
	}
}

type fakeHistory struct {
	mu       sync.Mutex
	entityID string
	limit    int
	states   []*state.State
}

func (f *fakeHistory) History(_ context.Context, entityID string, _, _ time.Time, limit int) ([]*state.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entityID, f.limit = entityID, limit
	return f.states, nil
}

func (f *fakeHistory) query() (string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entityID, f.limit
}

func TestGateway_History(t *testing.T) {
	bare := newHarness(t, config.WebSocketConfig{})
	bareConn, _ := bare.connect(t, false)
	reply := roundTrip(t, bareConn, map[string]any{"id": 1, "type": CmdHistory, "entity_id": "sensor.temp"})
	if errorCode(reply) != CodeNotFound {
		t.Errorf("history without recorder = %v, want not_found", reply)
	}

	h := newHarness(t, config.WebSocketConfig{})
	hist := &fakeHistory{states: []*state.State{{EntityID: "sensor.temp", State: "21.5"}}}
	h.gw.SetHistory(hist)
	conn, _ := h.connect(t, false)

	reply = roundTrip(t, conn, map[string]any{"id": 2, "type": CmdHistory, "entity_id": "Sensor.Temp", "limit": 5000})
	rows, _ := reply["result"].([]any)
	if len(rows) != 1 {
		t.Fatalf("history = %v", reply)
	}
	if entityID, limit := hist.query(); entityID != "sensor.temp" || limit != maxHistoryLimit {
		t.Errorf("query = (%q, %d), want (sensor.temp, %d)", entityID, limit, maxHistoryLimit)
	}

	reply = roundTrip(t, conn, map[string]any{
		"id": 3, "type": CmdHistory, "entity_id": "sensor.temp",
		"start_time": "2026-03-02T00:00:00Z", "end_time": "2026-03-01T00:00:00Z",
	})
	if errorCode(reply) != CodeInvalidFormat {
		t.Errorf("inverted window = %v, want invalid_format", reply)
	}
}

func TestGateway_Shutdown(t *testing.T) {
	h := newHarness(t, config.WebSocketConfig{})
	conn, _ := h.connect(t, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.gw.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	expectClose(t, conn, websocket.CloseGoingAway)
	if n := h.gw.ConnectionCount(); n != 0 {
		t.Errorf("ConnectionCount() = %d after shutdown, want 0", n)
	}
}

func TestGateway_SlowClientClosed(t *testing.T) {
	h := newHarness(t, config.WebSocketConfig{MaxPendingMessages: 2})
	conn, _ := h.connect(t, true)

	reply := roundTrip(t, conn, map[string]any{"id": 1, "type": CmdSubscribeEvents, "event_type": "flood"})
	if reply["success"] != true {
		t.Fatalf("subscribe_events = %v", reply)
	}

	for i := 0; i < 5000; i++ {
		if _, err := h.kernel.Bus.Fire("flood", map[string]any{"n": i}); err != nil {
			break
		}
	}
	expectClose(t, conn, CloseQueueOverflow)
}
