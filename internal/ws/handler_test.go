package ws

import (
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"chartmp/server/internal/core"
)

func startTestHub(t *testing.T) (*Hub, *core.ServerState, string) {
	t.Helper()
	state := core.NewServerState(zap.NewNop(), nil)
	hub := NewHub(state, zap.NewNop())
	e := echo.New()
	hub.Register(e)
	httpServer := httptest.NewServer(e)
	t.Cleanup(httpServer.Close)
	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http")
	return hub, state, wsURL
}

func dial(t *testing.T, baseWSURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(baseWSURL+"/ws", nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(Event) bool) Event {
	t.Helper()
	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		var evt Event
		err := conn.ReadJSON(&evt)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.Fatalf("connection closed unexpectedly: %v", err)
			}
			t.Fatalf("read json: %v", err)
		}
		if match(evt) {
			return evt
		}
	}
	t.Fatal("timed out waiting for matching event")
	return Event{}
}

func TestConnectReceivesSnapshot(t *testing.T) {
	hub, state, baseURL := startTestHub(t)
	_ = hub

	u := core.NewUser(1, "alice", "en")
	state.RegisterUser(u)
	if _, err := state.CreateRoom("room1", u); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	conn := dial(t, baseURL)
	defer conn.Close()

	evt := readUntil(t, conn, func(e Event) bool { return e.Type == EventSnapshot })
	if len(evt.Rooms) != 1 || evt.Rooms[0].ID != "room1" {
		t.Fatalf("expected snapshot with room1, got %#v", evt.Rooms)
	}
	if len(evt.Sessions) != 1 || evt.Sessions[0].ID != 1 {
		t.Fatalf("expected snapshot with session 1, got %#v", evt.Sessions)
	}
}

func TestRoomChangedBroadcast(t *testing.T) {
	hub, state, baseURL := startTestHub(t)

	u := core.NewUser(2, "bob", "en")
	state.RegisterUser(u)
	if _, err := state.CreateRoom("room2", u); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	conn := dial(t, baseURL)
	defer conn.Close()
	readUntil(t, conn, func(e Event) bool { return e.Type == EventSnapshot })

	hub.RoomChanged("room2")
	evt := readUntil(t, conn, func(e Event) bool { return e.Type == EventRoomChanged })
	if evt.Room == nil || evt.Room.ID != "room2" {
		t.Fatalf("expected room_changed for room2, got %#v", evt.Room)
	}
}

func TestRoomRemovedBroadcast(t *testing.T) {
	hub, _, baseURL := startTestHub(t)

	conn := dial(t, baseURL)
	defer conn.Close()
	readUntil(t, conn, func(e Event) bool { return e.Type == EventSnapshot })

	hub.RoomRemoved("ghost")
	evt := readUntil(t, conn, func(e Event) bool { return e.Type == EventRoomRemoved })
	if evt.RoomID != "ghost" {
		t.Fatalf("expected room_removed for ghost, got %q", evt.RoomID)
	}
}

func TestSessionChangedBroadcast(t *testing.T) {
	hub, state, baseURL := startTestHub(t)

	u := core.NewUser(3, "carol", "en")
	state.RegisterUser(u)

	conn := dial(t, baseURL)
	defer conn.Close()
	readUntil(t, conn, func(e Event) bool { return e.Type == EventSnapshot })

	hub.SessionChanged(3)
	evt := readUntil(t, conn, func(e Event) bool { return e.Type == EventSessionChanged })
	if evt.Session == nil || evt.Session.ID != 3 {
		t.Fatalf("expected session_changed for user 3, got %#v", evt.Session)
	}
}
