package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/mappedcover/internal/cover"
	"github.com/nerrad567/mappedcover/internal/infrastructure/config"
	"github.com/nerrad567/mappedcover/internal/infrastructure/database"
	"github.com/nerrad567/mappedcover/internal/infrastructure/logging"
	"github.com/nerrad567/mappedcover/internal/infrastructure/mqtt"
	_ "github.com/nerrad567/mappedcover/migrations"
)

// stubTransport is an in-memory stand-in for the MQTT client. It records
// publishes and lets tests inject inbound messages into subscriptions.
type stubTransport struct {
	mu        sync.Mutex
	published []string
	handlers  map[string]mqtt.MessageHandler
}

func newStubTransport() *stubTransport {
	return &stubTransport{handlers: make(map[string]mqtt.MessageHandler)}
}

func (s *stubTransport) Publish(topic string, _ []byte, _ byte, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, topic)
	return nil
}

func (s *stubTransport) PublishRetained(topic string, payload []byte) error {
	return s.Publish(topic, payload, 1, true)
}

func (s *stubTransport) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[topic] = handler
	return nil
}

func (s *stubTransport) deliver(t *testing.T, filter, topic string, payload []byte) {
	t.Helper()
	s.mu.Lock()
	handler := s.handlers[filter]
	s.mu.Unlock()
	if handler == nil {
		t.Fatalf("no handler subscribed on %q", filter)
	}
	if err := handler(topic, payload); err != nil {
		t.Fatalf("deliver to %q: %v", topic, err)
	}
}

func (s *stubTransport) publishedTo(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.published {
		if p == topic {
			return true
		}
	}
	return false
}

// testServer creates a Server with a real cover registry backed by SQLite
// and an in-memory bus transport.
func testServer(t *testing.T) (*Server, *cover.Registry, *stubTransport) {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "covers.db"),
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}

	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")

	transport := newStubTransport()
	bus := cover.NewBus(transport, 1, log)
	if err := bus.Start(); err != nil {
		t.Fatalf("bus Start() error: %v", err)
	}

	registry := cover.NewRegistry(cover.NewRepository(db), bus, log)
	if err := registry.Start(context.Background()); err != nil {
		t.Fatalf("registry Start() error: %v", err)
	}
	t.Cleanup(registry.Stop)

	srv, err := New(Deps{
		Config: config.APIConfig{
			Host: "127.0.0.1",
			Port: 0,
			Timeouts: config.APITimeoutConfig{
				Read:  5,
				Write: 5,
				Idle:  5,
			},
		},
		WS: config.WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Mapper: config.MapperConfig{
			MinPosition:    0,
			MaxPosition:    100,
			MinTilt:        0,
			MaxTilt:        100,
			TiltDuringMove: true,
			ThrottleMs:     150,
		},
		Logger:   log,
		Registry: registry,
		MQTT:     nil, // relay tests exercise the hub directly
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	// Initialise hub for tests
	srv.hub = NewHub(srv.wsCfg, log)
	go srv.hub.Run(context.Background())

	return srv, registry, transport
}

// doJSON performs a request against the router and decodes the response body.
func doJSON(t *testing.T, router http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var resp map[string]any
	if len(w.Body.Bytes()) > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("unmarshal response %q: %v", w.Body.String(), err)
		}
	}
	return w, resp
}

func createTestCover(t *testing.T, router http.Handler, name, address string) string {
	t.Helper()
	w, resp := doJSON(t, router, http.MethodPost, "/api/v1/covers", map[string]any{
		"name":            name,
		"source_protocol": "knx",
		"source_address":  address,
		"min_position":    10,
		"max_position":    90,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create cover status = %d, body %s", w.Code, w.Body.String())
	}
	id, _ := resp["id"].(string)
	if id == "" {
		t.Fatal("create response missing id")
	}
	return id
}

func TestHealth(t *testing.T) {
	srv, _, _ := testServer(t)
	router := srv.buildRouter()

	w, resp := doJSON(t, router, http.MethodGet, "/api/v1/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
	if resp["version"] != "test" {
		t.Errorf("version = %v, want test", resp["version"])
	}
}

func TestCreateCover_AppliesMapperDefaults(t *testing.T) {
	srv, registry, _ := testServer(t)
	router := srv.buildRouter()

	w, resp := doJSON(t, router, http.MethodPost, "/api/v1/covers", map[string]any{
		"name":            "Office Blind",
		"source_protocol": "knx",
		"source_address":  "blind-office",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	// Fields absent from the body fall back to the mapper defaults.
	if resp["throttle_ms"] != float64(150) {
		t.Errorf("throttle_ms = %v, want 150", resp["throttle_ms"])
	}
	if resp["tilt_during_move"] != true {
		t.Errorf("tilt_during_move = %v, want true", resp["tilt_during_move"])
	}
	if resp["max_position"] != float64(100) {
		t.Errorf("max_position = %v, want 100", resp["max_position"])
	}

	// The engine starts immediately.
	id, _ := resp["id"].(string)
	if _, err := registry.Get(id); err != nil {
		t.Errorf("engine not running after create: %v", err)
	}
}

func TestCreateCover_Validation(t *testing.T) {
	srv, _, _ := testServer(t)
	router := srv.buildRouter()

	w, _ := doJSON(t, router, http.MethodPost, "/api/v1/covers", map[string]any{
		"source_protocol": "knx",
		"source_address":  "blind-office",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing name status = %d, want 400", w.Code)
	}

	w, _ = doJSON(t, router, http.MethodPost, "/api/v1/covers", map[string]any{
		"name":            "Office Blind",
		"source_protocol": "knx",
		"source_address":  "blind-office",
		"max_position":    150,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("out-of-range bound status = %d, want 400", w.Code)
	}
}

func TestCreateCover_DuplicateSource(t *testing.T) {
	srv, _, _ := testServer(t)
	router := srv.buildRouter()

	createTestCover(t, router, "First", "blind-office")
	w, _ := doJSON(t, router, http.MethodPost, "/api/v1/covers", map[string]any{
		"name":            "Second",
		"source_protocol": "knx",
		"source_address":  "blind-office",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate source status = %d, want 409", w.Code)
	}
}

func TestListCovers(t *testing.T) {
	srv, _, _ := testServer(t)
	router := srv.buildRouter()

	createTestCover(t, router, "Zebra Blind", "blind-z")
	createTestCover(t, router, "Attic Blind", "blind-a")

	w, resp := doJSON(t, router, http.MethodGet, "/api/v1/covers", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if resp["count"] != float64(2) {
		t.Errorf("count = %v, want 2", resp["count"])
	}
	covers, _ := resp["covers"].([]any)
	if len(covers) != 2 {
		t.Fatalf("covers length = %d, want 2", len(covers))
	}
	first, _ := covers[0].(map[string]any)
	if first["name"] != "Attic Blind" {
		t.Errorf("covers not ordered by name: first = %v", first["name"])
	}
}

func TestGetCover(t *testing.T) {
	srv, _, _ := testServer(t)
	router := srv.buildRouter()

	id := createTestCover(t, router, "Office Blind", "blind-office")

	w, resp := doJSON(t, router, http.MethodGet, "/api/v1/covers/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if resp["name"] != "Office Blind" || resp["min_position"] != float64(10) {
		t.Errorf("cover = %v", resp)
	}

	w, _ = doJSON(t, router, http.MethodGet, "/api/v1/covers/cover-missing", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing cover status = %d, want 404", w.Code)
	}
}

func TestUpdateCover(t *testing.T) {
	srv, registry, _ := testServer(t)
	router := srv.buildRouter()

	id := createTestCover(t, router, "Office Blind", "blind-office")

	w, resp := doJSON(t, router, http.MethodPut, "/api/v1/covers/"+id, map[string]any{
		"name":         "Renamed Blind",
		"min_position": 20,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if resp["id"] != id {
		t.Errorf("update changed the id: %v", resp["id"])
	}
	if resp["name"] != "Renamed Blind" || resp["min_position"] != float64(20) {
		t.Errorf("updated cover = %v", resp)
	}
	// Unchanged fields survive the partial update.
	if resp["max_position"] != float64(90) {
		t.Errorf("max_position = %v, want 90", resp["max_position"])
	}

	mc, err := registry.Get(id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if mc.Config().MinPosition != 20 {
		t.Errorf("engine not restarted with new config: %+v", mc.Config())
	}
}

func TestDeleteCover(t *testing.T) {
	srv, _, _ := testServer(t)
	router := srv.buildRouter()

	id := createTestCover(t, router, "Office Blind", "blind-office")

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/covers/"+id, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", w.Code)
	}

	w2, _ := doJSON(t, router, http.MethodGet, "/api/v1/covers/"+id, nil)
	if w2.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", w2.Code)
	}
}

func TestGetCoverState(t *testing.T) {
	srv, _, transport := testServer(t)
	router := srv.buildRouter()

	id := createTestCover(t, router, "Office Blind", "blind-office")

	// Source reports device position 70 over the 10-90 range.
	transport.deliver(t, "graylogic/state/+/+",
		"graylogic/state/knx/blind-office", []byte(`{"position": 70}`))

	w, resp := doJSON(t, router, http.MethodGet, "/api/v1/covers/"+id+"/state", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if resp["available"] != true {
		t.Errorf("available = %v", resp["available"])
	}
	if resp["position"] != float64(75) {
		t.Errorf("position = %v, want user-scale 75", resp["position"])
	}
	if resp["moving"] != false || resp["closed"] != false {
		t.Errorf("state = %v", resp)
	}
}

func TestCoverCommand(t *testing.T) {
	srv, _, transport := testServer(t)
	router := srv.buildRouter()

	id := createTestCover(t, router, "Office Blind", "blind-office")
	transport.deliver(t, "graylogic/state/+/+",
		"graylogic/state/knx/blind-office", []byte(`{"position": 10}`))

	w, resp := doJSON(t, router, http.MethodPost, "/api/v1/covers/"+id+"/command", map[string]any{
		"command":  "set_position",
		"position": 75,
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if resp["status"] != "accepted" {
		t.Errorf("response = %v", resp)
	}

	// The engine dispatches to the source's command topic in the background.
	deadline := time.Now().Add(2 * time.Second)
	for !transport.publishedTo("graylogic/command/knx/blind-office") {
		if time.Now().After(deadline) {
			t.Fatal("command never reached the source topic")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCoverCommand_BadInput(t *testing.T) {
	srv, _, _ := testServer(t)
	router := srv.buildRouter()

	id := createTestCover(t, router, "Office Blind", "blind-office")

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing command", map[string]any{}},
		{"unknown command", map[string]any{"command": "self_destruct"}},
		{"set_position without value", map[string]any{"command": "set_position"}},
		{"set_tilt without value", map[string]any{"command": "set_tilt"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := doJSON(t, router, http.MethodPost, "/api/v1/covers/"+id+"/command", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}

	w, _ := doJSON(t, router, http.MethodPost, "/api/v1/covers/cover-missing/command", map[string]any{
		"command": "stop",
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown cover status = %d, want 404", w.Code)
	}
}

func TestWebSocket_SubscribeAndBroadcast(t *testing.T) {
	srv, _, _ := testServer(t)
	ts := httptest.NewServer(srv.buildRouter())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	sub := WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "1",
		Payload: WSSubscribePayload{Channels: []string{ChannelCoverState}},
	}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	var resp WSMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read subscribe response: %v", err)
	}
	if resp.Type != WSTypeResponse {
		t.Fatalf("response type = %q, want %q", resp.Type, WSTypeResponse)
	}

	srv.hub.Broadcast(ChannelCoverState, map[string]any{"id": "cover-1", "position": 40})

	var event WSMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if event.Type != WSTypeEvent || event.EventType != ChannelCoverState {
		t.Errorf("event = %+v", event)
	}
	payload, _ := event.Payload.(map[string]any)
	if payload["id"] != "cover-1" || payload["position"] != float64(40) {
		t.Errorf("payload = %v", payload)
	}
}

func TestWebSocket_Ping(t *testing.T) {
	srv, _, _ := testServer(t)
	ts := httptest.NewServer(srv.buildRouter())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(WSMessage{Type: WSTypePing, ID: "p1"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	var resp WSMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if resp.Type != WSTypePong {
		t.Errorf("response type = %q, want %q", resp.Type, WSTypePong)
	}
}
