package channel

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/tradepost/chatsync/internal/protocol"
)

// testServer is an in-process channel server. It answers every
// invocation with a completion echoing the method, pushes a greeting
// event on connect, and records the auth material of each handshake.
type testServer struct {
	*httptest.Server

	mu      sync.Mutex
	tokens  []string
	headers []string
	conns   []net.Conn
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s := &testServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.tokens = append(s.tokens, r.URL.Query().Get("access_token"))
		s.headers = append(s.headers, r.Header.Get("Authorization"))
		s.mu.Unlock()

		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go s.serve(conn)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *testServer) serve(conn net.Conn) {
	defer conn.Close()

	greeting, _ := protocol.NewServerEvent("UserConnected", map[string]string{"userId": "U2"})
	if err := wsutil.WriteServerMessage(conn, ws.OpText, greeting); err != nil {
		return
	}

	for {
		data, _, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}
		var msg map[string]interface{}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		method, _ := msg["type"].(string)
		if method == protocol.TypePing {
			pong, _ := json.Marshal(map[string]string{"type": protocol.TypePong})
			wsutil.WriteServerMessage(conn, ws.OpText, pong)
			continue
		}
		id, _ := msg["invocation_id"].(string)
		if id == "" {
			continue
		}
		completion, _ := protocol.NewCompletion(id, map[string]string{"method": method}, "")
		if err := wsutil.WriteServerMessage(conn, ws.OpText, completion); err != nil {
			return
		}
	}
}

// dropAll closes every server-side connection.
func (s *testServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func (s *testServer) wsURL() string {
	return "ws://" + strings.TrimPrefix(s.URL, "http://") + "/hub"
}

func TestWSDialer_RoundTrip(t *testing.T) {
	srv := newTestServer(t)

	cfg := DefaultConfig(WSDialer{URL: srv.wsURL(), Timeout: 2 * time.Second})
	cfg.Heartbeat = HeartbeatConfig{}
	cfg.Retry.BaseDelay = 10 * time.Millisecond
	m := NewManager(cfg)
	defer m.Disconnect()

	frames := make(chan protocol.Frame, 8)
	m.Subscribe(func(f protocol.Frame) { frames <- f })

	if err := m.Connect(context.Background(), "secret-token"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	select {
	case f := <-frames:
		if f.Name != "UserConnected" {
			t.Errorf("expected UserConnected, got %q", f.Name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for greeting")
	}

	res, err := m.Invoke(context.Background(), protocol.MethodJoinConversation, protocol.JoinConversationMsg{ConversationID: "c1"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	var body map[string]string
	json.Unmarshal(res, &body)
	if body["method"] != protocol.MethodJoinConversation {
		t.Errorf("expected echo of join-conversation, got %s", res)
	}

	srv.mu.Lock()
	token, header := srv.tokens[0], srv.headers[0]
	srv.mu.Unlock()
	if token != "secret-token" {
		t.Errorf("expected access_token query secret-token, got %q", token)
	}
	if header != "Bearer secret-token" {
		t.Errorf("expected bearer header, got %q", header)
	}
}

func TestWSDialer_ReconnectsAfterServerDrop(t *testing.T) {
	srv := newTestServer(t)

	cfg := DefaultConfig(WSDialer{URL: srv.wsURL(), Timeout: 2 * time.Second})
	cfg.Heartbeat = HeartbeatConfig{}
	cfg.Retry.BaseDelay = 10 * time.Millisecond
	m := NewManager(cfg)
	defer m.Disconnect()

	connected := make(chan struct{}, 4)
	m.OnConnected(func() { connected <- struct{}{} })
	greetings := make(chan struct{}, 4)
	m.Subscribe(func(protocol.Frame) { greetings <- struct{}{} })

	if err := m.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	<-connected
	<-greetings

	srv.dropAll()

	select {
	case <-connected:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for reconnect, state %s", m.State())
	}
	if m.State() != StateConnected {
		t.Errorf("expected connected, got %s", m.State())
	}
	if _, err := m.Invoke(context.Background(), protocol.MethodGetHistory, protocol.GetHistoryMsg{ConversationID: "c1", Page: 1, PageSize: 50}); err != nil {
		t.Errorf("invoke after reconnect: %v", err)
	}
}

func TestWSDialer_HandshakeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	m := NewManager(DefaultConfig(WSDialer{URL: "ws://" + strings.TrimPrefix(srv.URL, "http://")}))
	err := m.Connect(context.Background(), "bad")
	if _, ok := err.(*ConnectionError); !ok {
		t.Fatalf("expected *ConnectionError, got %v", err)
	}
	if m.State() != StateDisconnected {
		t.Errorf("expected disconnected, got %s", m.State())
	}
}
