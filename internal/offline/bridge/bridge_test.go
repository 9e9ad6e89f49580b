package bridge

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/grazelabs/farmsync/internal/offline/store"
)

func startTestServer(t *testing.T, status StatusFunc) *Server {
	t.Helper()

	s := NewServer(&ServerConfig{
		Addr:   "127.0.0.1:0",
		Status: status,
		Logger: log.New(os.Stderr, "[test] ", 0),
	})
	if err := s.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func dialTestClient(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+s.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	// Wait for the server to register the client.
	deadline := time.Now().Add(2 * time.Second)
	for s.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.ClientCount() == 0 {
		t.Fatal("client never registered")
	}
	return conn
}

func TestBroadcastReachesClient(t *testing.T) {
	s := startTestServer(t, nil)
	conn := dialTestClient(t, s)

	msg, err := NewMessage(MessageDrainCompleted, DrainCompletedData{
		Scope: "farm-1", Status: "success", Synced: 3,
	})
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}
	if err := s.Send(msg); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("client read failed: %v", err)
	}

	var got Message
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("failed to decode broadcast: %v", err)
	}
	if got.Type != MessageDrainCompleted {
		t.Errorf("expected drain_completed, got %s", got.Type)
	}
	var payload DrainCompletedData
	if err := json.Unmarshal(got.Data, &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload.Scope != "farm-1" || payload.Synced != 3 {
		t.Errorf("payload lost data: %+v", payload)
	}
}

func TestInboundMessageDispatched(t *testing.T) {
	s := startTestServer(t, nil)

	received := make(chan Message, 1)
	s.OnMessage(func(msg Message) { received <- msg })

	conn := dialTestClient(t, s)

	data, _ := json.Marshal(Message{Type: MessageConnectivityRestored})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Type != MessageConnectivityRestored {
			t.Errorf("expected connectivity_restored, got %s", msg.Type)
		}
		if msg.Timestamp.IsZero() {
			t.Error("timestamp not backfilled")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("inbound message never dispatched")
	}
}

func TestStatusRoute(t *testing.T) {
	s := startTestServer(t, func(ctx context.Context, scope string) (*store.FarmSyncStatus, error) {
		return &store.FarmSyncStatus{Scope: scope, PendingChanges: 2, Conflicts: 1}, nil
	})

	resp, err := http.Get("http://" + s.Addr() + "/status/farm-1")
	if err != nil {
		t.Fatalf("status request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Scope          string `json:"scope"`
		PendingChanges int    `json:"pending_changes"`
		Conflicts      int    `json:"conflicts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	if body.Scope != "farm-1" || body.PendingChanges != 2 || body.Conflicts != 1 {
		t.Errorf("unexpected status body: %+v", body)
	}
}

func TestHealthz(t *testing.T) {
	s := startTestServer(t, nil)

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("healthz request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func startTestWatcher(t *testing.T) (*SignalWatcher, string) {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "signals")
	sw, err := NewSignalWatcher(dir, log.New(os.Stderr, "[test] ", 0))
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	t.Cleanup(func() { _ = sw.Stop() })
	return sw, dir
}

func TestSignalFileRaisesWake(t *testing.T) {
	sw, dir := startTestWatcher(t)

	received := make(chan Message, 1)
	sw.OnMessage(func(msg Message) { received <- msg })

	if err := sw.Start(); err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "online"), nil, 0o644); err != nil {
		t.Fatalf("failed to drop signal file: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Type != MessageConnectivityRestored {
			t.Errorf("expected connectivity_restored, got %s", msg.Type)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("signal never dispatched")
	}

	// Marker must be consumed so it cannot fire twice.
	if _, err := os.Stat(filepath.Join(dir, "online")); !os.IsNotExist(err) {
		t.Error("signal file not removed")
	}
}

func TestPreexistingSignalConsumedAtStart(t *testing.T) {
	sw, dir := startTestWatcher(t)

	if err := os.WriteFile(filepath.Join(dir, "wake"), nil, 0o644); err != nil {
		t.Fatalf("failed to drop signal file: %v", err)
	}

	received := make(chan Message, 1)
	sw.OnMessage(func(msg Message) { received <- msg })

	if err := sw.Start(); err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Type != MessagePeriodicWake {
			t.Errorf("expected periodic_wake, got %s", msg.Type)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pre-existing signal never dispatched")
	}
}

func TestSendWritesResultFile(t *testing.T) {
	sw, dir := startTestWatcher(t)

	msg, _ := NewMessage(MessageDrainCompleted, DrainCompletedData{Scope: "farm-1", Status: "partial"})
	if err := sw.Send(msg); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, resultFile))
	if err != nil {
		t.Fatalf("result file missing: %v", err)
	}
	var got Message
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("result file not valid JSON: %v", err)
	}
	if got.Type != MessageDrainCompleted {
		t.Errorf("unexpected result type %s", got.Type)
	}
}

func TestCapabilities(t *testing.T) {
	s := NewServer(nil)
	if caps := s.Capabilities(); !caps.Broadcast || !caps.WakeSignals {
		t.Errorf("server capabilities wrong: %+v", caps)
	}

	sw, _ := startTestWatcher(t)
	if caps := sw.Capabilities(); caps.Broadcast || !caps.WakeSignals {
		t.Errorf("watcher capabilities wrong: %+v", caps)
	}
}
