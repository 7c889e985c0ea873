// Package ws exposes the admin push channel: a single read-only websocket
// feed of room and session state, modelled on the teacher's channelState
// websocket hub but stripped down to push-only semantics. Control always
// goes through the HTTP admin surface in internal/httpapi; this package
// never accepts a mutating command.
package ws

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"chartmp/server/internal/core"
	"chartmp/server/internal/protocol"
)

const writeTimeout = 5 * time.Second
const clientSendBuffer = 16

// EventType names one kind of push message sent on the channel.
type EventType string

const (
	EventSnapshot       EventType = "snapshot"
	EventRoomChanged    EventType = "room_changed"
	EventRoomRemoved    EventType = "room_removed"
	EventSessionChanged EventType = "session_changed"
)

// RoomView is the JSON shape of one room in a snapshot or room_changed push.
type RoomView struct {
	ID       string                 `json:"id"`
	HostID   uint32                 `json:"host_id"`
	Locked   bool                   `json:"locked"`
	MaxUsers int                    `json:"max_users"`
	Contest  bool                   `json:"contest"`
	State    protocol.RoomStateTag  `json:"state"`
	Users    []protocol.UserInfo    `json:"users"`
}

// SessionView is the JSON shape of one connected user.
type SessionView struct {
	ID       uint32 `json:"id"`
	Name     string `json:"name"`
	Language string `json:"language"`
	RoomID   string `json:"room_id,omitempty"`
}

// Event is the envelope pushed over the channel.
type Event struct {
	Type     EventType     `json:"type"`
	Rooms    []RoomView    `json:"rooms,omitempty"`    // snapshot
	Sessions []SessionView `json:"sessions,omitempty"` // snapshot
	Room     *RoomView     `json:"room,omitempty"`      // room_changed
	RoomID   string        `json:"room_id,omitempty"`   // room_removed
	Session  *SessionView  `json:"session,omitempty"`   // session_changed
}

type client struct {
	send chan Event
}

// Hub fans out state-change events to every connected admin websocket
// client and builds the initial snapshot from live server state.
type Hub struct {
	state  *core.ServerState
	logger *zap.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]bool
}

// NewHub constructs a push hub reading live state from state.
func NewHub(state *core.ServerState, logger *zap.Logger) *Hub {
	return &Hub{
		state:   state,
		logger:  logger,
		clients: make(map[*client]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds the websocket route on an Echo router.
func (h *Hub) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves the push channel until
// the client disconnects.
func (h *Hub) HandleWebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn)
	return nil
}

func (h *Hub) serveConn(conn *websocket.Conn) {
	defer conn.Close()

	cl := &client{send: make(chan Event, clientSendBuffer)}
	h.mu.Lock()
	h.clients[cl] = true
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.clients, cl)
		h.mu.Unlock()
	}()

	conn.SetReadLimit(1 << 16)
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(2 * writeTimeout)) })

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	cl.send <- h.snapshot()

	for {
		select {
		case evt, ok := <-cl.send:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (h *Hub) snapshot() Event {
	rooms := h.state.Rooms()
	roomViews := make([]RoomView, 0, len(rooms))
	for _, r := range rooms {
		roomViews = append(roomViews, viewRoom(r))
	}
	users := h.state.Users()
	sessionViews := make([]SessionView, 0, len(users))
	for _, u := range users {
		sessionViews = append(sessionViews, viewSession(u))
	}
	return Event{Type: EventSnapshot, Rooms: roomViews, Sessions: sessionViews}
}

func viewRoom(r *core.Room) RoomView {
	return RoomView{
		ID:       r.ID(),
		HostID:   r.HostID(),
		Locked:   r.Locked(),
		MaxUsers: r.MaxUsers(),
		Contest:  r.IsContest(),
		State:    r.Snapshot().Tag,
		Users:    r.Roster(),
	}
}

func viewSession(u *core.User) SessionView {
	return SessionView{ID: u.ID, Name: u.Name, Language: u.Language, RoomID: u.RoomID()}
}

// broadcast fans evt out to every connected client, dropping it for any
// client whose send buffer is full rather than blocking the caller.
func (h *Hub) broadcast(evt Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for cl := range h.clients {
		select {
		case cl.send <- evt:
		default:
			h.logger.Debug("ws client send buffer full, dropping event", zap.String("type", string(evt.Type)))
		}
	}
}

// RoomChanged notifies subscribers that roomID's state changed, looking it
// up fresh so the payload always reflects the latest snapshot.
func (h *Hub) RoomChanged(roomID string) {
	r, ok := h.state.Room(roomID)
	if !ok {
		return
	}
	v := viewRoom(r)
	h.broadcast(Event{Type: EventRoomChanged, Room: &v})
}

// RoomRemoved notifies subscribers that roomID no longer exists.
func (h *Hub) RoomRemoved(roomID string) {
	h.broadcast(Event{Type: EventRoomRemoved, RoomID: roomID})
}

// SessionChanged notifies subscribers that userID's session state changed.
func (h *Hub) SessionChanged(userID uint32) {
	u, ok := h.state.User(userID)
	if !ok {
		return
	}
	v := viewSession(u)
	h.broadcast(Event{Type: EventSessionChanged, Session: &v})
}
