package connection

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/pushsession/internal/router"
)

// mockWSServer creates a test WebSocket server.
func mockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))

	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWSDialer_WriteAndReceive(t *testing.T) {
	received := make(chan string, 1)
	server := mockWSServer(t, func(conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- string(data)
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"task_update"}`))
		// Keep the connection open until the client leaves.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	sock, err := NewWSDialer(DefaultConfig(), nil).Dial(context.Background(), wsURL(server))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer sock.Close(CloseNormal, "")

	messages := make(chan string, 1)
	sock.Listen(SocketHandler{
		OnMessage: func(data []byte) { messages <- string(data) },
	})

	if !sock.Alive() {
		t.Fatal("Alive() = false after dial")
	}
	if err := sock.Write([]byte(`{"type":"heartbeat"}`)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	select {
	case got := <-received:
		if got != `{"type":"heartbeat"}` {
			t.Errorf("server received %s", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive frame")
	}

	select {
	case got := <-messages:
		if got != `{"type":"task_update"}` {
			t.Errorf("client received %s", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client did not receive frame")
	}
}

func TestWSDialer_ServerCloseReportsCode(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseGoingAway, "server restart"))
		time.Sleep(50 * time.Millisecond)
	})
	defer server.Close()

	sock, err := NewWSDialer(DefaultConfig(), nil).Dial(context.Background(), wsURL(server))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer sock.Close(CloseNormal, "")

	type closed struct {
		code   int
		reason string
	}
	closes := make(chan closed, 1)
	sock.Listen(SocketHandler{
		OnClose: func(code int, reason string) { closes <- closed{code, reason} },
		OnError: func(err error) { t.Errorf("OnError(%v), want OnClose", err) },
	})

	select {
	case c := <-closes:
		if c.code != CloseGoingAway || c.reason != "server restart" {
			t.Errorf("OnClose(%d, %q)", c.code, c.reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose not called")
	}
	if sock.Alive() {
		t.Error("Alive() = true after server close")
	}
}

func TestWSDialer_LocalCloseIsSilent(t *testing.T) {
	closeCode := make(chan int, 1)
	server := mockWSServer(t, func(conn *websocket.Conn) {
		_, _, err := conn.ReadMessage()
		if ce, ok := err.(*websocket.CloseError); ok {
			closeCode <- ce.Code
		}
	})
	defer server.Close()

	sock, err := NewWSDialer(DefaultConfig(), nil).Dial(context.Background(), wsURL(server))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	var mu sync.Mutex
	callbacks := 0
	sock.Listen(SocketHandler{
		OnClose: func(int, string) { mu.Lock(); callbacks++; mu.Unlock() },
		OnError: func(error) { mu.Lock(); callbacks++; mu.Unlock() },
	})

	if err := sock.Close(CloseHeartbeatTimeout, "heartbeat timeout"); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	sock.Close(CloseNormal, "") // second close is a no-op

	select {
	case code := <-closeCode:
		if code != CloseHeartbeatTimeout {
			t.Errorf("server saw close code %d, want %d", code, CloseHeartbeatTimeout)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not see close frame")
	}

	if err := sock.Write([]byte(`{}`)); err != ErrNotConnected {
		t.Errorf("Write() after close error = %v, want ErrNotConnected", err)
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if callbacks != 0 {
		t.Errorf("callbacks after local close = %d, want 0", callbacks)
	}
}

func TestWSDialer_DialError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer server.Close()

	_, err := NewWSDialer(DefaultConfig(), nil).Dial(context.Background(), wsURL(server))
	if err == nil {
		t.Fatal("Dial() error = nil, want error")
	}
	if !strings.Contains(err.Error(), "403") {
		t.Errorf("Dial() error = %v, want status 403", err)
	}
}

type staticAuth struct {
	header http.Header
	err    error
}

func (a staticAuth) Headers() (http.Header, error) { return a.header, a.err }

func TestWSDialer_AuthHeaders(t *testing.T) {
	gotAuth := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadMessage()
	}))
	defer server.Close()

	d := NewWSDialer(DefaultConfig(), nil)
	d.Auth = staticAuth{header: http.Header{"Authorization": {"Bearer abc"}}}

	sock, err := d.Dial(context.Background(), wsURL(server))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer sock.Close(CloseNormal, "")

	if got := <-gotAuth; got != "Bearer abc" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer abc")
	}
	if d.Header.Get("Authorization") != "" {
		t.Error("Dial() mutated the dialer's base header")
	}
}

func TestWSDialer_AuthError(t *testing.T) {
	d := NewWSDialer(DefaultConfig(), nil)
	d.Auth = staticAuth{err: errors.New("token file missing")}

	_, err := d.Dial(context.Background(), "ws://127.0.0.1:1/ws")
	if err == nil || !strings.Contains(err.Error(), "token file missing") {
		t.Errorf("Dial() error = %v, want auth error", err)
	}
}

// End to end over a real WebSocket: handshake, routing, queued sends and a
// deliberate server close.
func TestManager_WebSocketSession(t *testing.T) {
	serverGot := make(chan string, 10)
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.WriteJSON(map[string]string{"type": "connection_status", "status": "connected"})
		conn.WriteJSON(map[string]any{"type": "follow_stats", "followers": 42})

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			serverGot <- string(data)

			var f struct {
				Type string `json:"type"`
			}
			json.Unmarshal(data, &f)
			if f.Type == "bye" {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(CloseNormal, "done"))
				return
			}
		}
	})
	defer server.Close()

	cfg := DefaultConfig()
	cfg.URL = wsURL(server)
	m := NewManager(cfg)
	defer m.Close(CloseNormal, "")

	stats := make(chan string, 1)
	m.Registry().Subscribe("follow_stats", func(msg router.Message) {
		stats <- string(msg.Data)
	})

	if sent, _ := m.Send(map[string]string{"type": "queued"}); sent {
		t.Error("Send() before connect = true, want false")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	select {
	case got := <-serverGot:
		if got != `{"type":"queued"}` {
			t.Errorf("first frame = %s, want queued frame", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued frame not flushed")
	}

	select {
	case got := <-stats:
		if !strings.Contains(got, `"followers":42`) {
			t.Errorf("follow_stats = %s", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("follow_stats not routed")
	}

	if sent, err := m.Send(map[string]string{"type": "bye"}); err != nil || !sent {
		t.Fatalf("Send(bye) = %v, %v", sent, err)
	}
	waitState(t, m, StateClosed)
}
