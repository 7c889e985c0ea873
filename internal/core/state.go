package core

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"chartmp/server/internal/codes"
	"chartmp/server/internal/protocol"
)

// Recorder is the narrow interface ServerState needs from the replay
// recorder, kept here rather than importing internal/recording directly so
// core stays the lower layer in the dependency graph.
type Recorder interface {
	StartRoom(roomID string, chartID uint32)
	EndRoom(roomID string)
	Feed(roomID string, userID uint32, frame []byte)
}

// ServerState is the single process-wide registry of rooms, users and bans.
// Every mutation that touches more than one room, or a room's membership as
// seen from the user side, takes the global mutex; a Room's own internal
// state (phase, readiness, results) is protected by the Room's own lock and
// does not need the global one. This mirrors the teacher's single
// RWMutex-guarded client map plus atomic per-connection counters: the
// global lock here is the map-structure lock, per-room/per-user state is
// its own finer-grained lock.
type ServerState struct {
	mu sync.Mutex

	rooms map[string]*Room
	users map[uint32]*User

	serverBans map[uint32]bool
	roomBans   map[string]map[uint32]bool

	logger   *zap.Logger
	recorder Recorder

	monitorsDisabled    bool
	defaultMaxUsers     int
	replayEnabled       bool
	roomCreationEnabled bool
}

// DisableMonitors rejects future spectator joins server-wide. Rooms already
// holding monitors are left alone; this only gates new joins.
func (s *ServerState) DisableMonitors() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monitorsDisabled = true
}

// SetDefaultMaxUsers overrides the occupancy limit rooms created from here on
// start with. A value outside (0, MaxRoomUsers] is ignored.
func (s *ServerState) SetDefaultMaxUsers(n int) {
	if n <= 0 || n > MaxRoomUsers {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultMaxUsers = n
}

// NewServerState constructs an empty registry. Room creation is enabled by
// default; replay recording is not, matching a conservative default that
// main.go flips on via SetReplayEnabled when configured.
func NewServerState(logger *zap.Logger, recorder Recorder) *ServerState {
	return &ServerState{
		rooms:               make(map[string]*Room),
		users:               make(map[uint32]*User),
		serverBans:          make(map[uint32]bool),
		roomBans:            make(map[string]map[uint32]bool),
		logger:              logger,
		recorder:            recorder,
		roomCreationEnabled: true,
	}
}

// SetReplayEnabled toggles whether rooms created from here on are eligible
// for replay recording. Existing rooms keep whatever eligibility they
// snapshotted at creation.
func (s *ServerState) SetReplayEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replayEnabled = enabled
}

// SetRoomCreationEnabled toggles whether CreateRoom accepts new rooms.
func (s *ServerState) SetRoomCreationEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomCreationEnabled = enabled
}

// RegisterUser adds a newly authenticated user to the registry, evicting
// (and returning) any prior session already registered under the same ID.
func (s *ServerState) RegisterUser(u *User) (evicted *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted = s.users[u.ID]
	s.users[u.ID] = u
	return evicted
}

// UnregisterUser removes a user from the registry entirely (on terminal
// disconnect, after any dangle window has expired).
func (s *ServerState) UnregisterUser(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, id)
}

// User looks up a registered user by ID.
func (s *ServerState) User(id uint32) (*User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	return u, ok
}

// IsServerBanned reports whether id is banned from the server entirely.
func (s *ServerState) IsServerBanned(id uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverBans[id]
}

func (s *ServerState) isRoomBanned(roomID string, userID uint32) bool {
	banned := s.roomBans[roomID]
	return banned != nil && banned[userID]
}

// IsRoomBanned reports whether userID is banned from roomID specifically,
// for callers outside this package that need the check without taking the
// global lock themselves (e.g. admin.MoveUser, per-operation ban checks).
func (s *ServerState) IsRoomBanned(roomID string, userID uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRoomBanned(roomID, userID)
}

// getOrCreateRoom returns the named room, creating it (in SelectChart
// phase, owned by nobody yet) if it doesn't exist.
func (s *ServerState) getOrCreateRoom(roomID string) *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		return r
	}
	r := NewRoom(roomID, s.logger, s.replayEnabled, s.dropRoom)
	s.rooms[roomID] = r
	return r
}

// Room looks up an existing room without creating it.
func (s *ServerState) Room(roomID string) (*Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	return r, ok
}

func (s *ServerState) dropRoom(roomID string) {
	s.mu.Lock()
	delete(s.rooms, roomID)
	delete(s.roomBans, roomID)
	s.mu.Unlock()
	if s.recorder != nil {
		s.recorder.EndRoom(roomID)
	}
	s.logger.Info("room disbanded", zap.String("room_id", roomID))
}

// CreateRoom creates a fresh room with the given ID and joins the creator
// as host. Fails with CreateIDOccupied if the room already exists.
func (s *ServerState) CreateRoom(roomID string, u *User) (*Room, error) {
	if err := ValidateRoomID(roomID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if !s.roomCreationEnabled {
		s.mu.Unlock()
		return nil, codes.New(codes.RoomInvalidState)
	}
	if _, exists := s.rooms[roomID]; exists {
		s.mu.Unlock()
		return nil, codes.New(codes.CreateIDOccupied)
	}
	r := NewRoom(roomID, s.logger, s.replayEnabled, s.dropRoom)
	if s.defaultMaxUsers > 0 {
		r.SetMaxUsers(s.defaultMaxUsers)
	}
	s.rooms[roomID] = r
	s.mu.Unlock()

	r.AddUser(u, false)
	s.logger.Info("room created", zap.String("room_id", roomID), zap.Uint32("host_id", u.ID))
	return r, nil
}

// JoinRoom validates and admits u into roomID.
func (s *ServerState) JoinRoom(roomID string, u *User, monitor bool) (*Room, error) {
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	banned := s.isRoomBanned(roomID, u.ID) || s.serverBans[u.ID]
	monitorsDisabled := s.monitorsDisabled
	s.mu.Unlock()
	if !ok {
		return nil, codes.New(codes.RoomNotFound)
	}
	if monitor && monitorsDisabled {
		return nil, codes.New(codes.RoomInvalidState)
	}
	if err := r.ValidateJoin(u.ID, monitor, banned); err != nil {
		return nil, err
	}
	r.AddUser(u, monitor)
	return r, nil
}

// LeaveRoom removes u from its current room, if any.
func (s *ServerState) LeaveRoom(u *User) (room *Room, newHostID uint32, empty bool, evicted []*User) {
	roomID := u.RoomID()
	if roomID == "" {
		return nil, 0, false, nil
	}
	r, ok := s.Room(roomID)
	if !ok {
		return nil, 0, false, nil
	}
	u.SetRoomID("")
	occupants := make(map[uint32]*User)
	for _, o := range r.Users() {
		occupants[o.ID] = o
	}
	hostID, isEmpty, evictedIDs := r.RemoveUser(u.ID)
	for _, id := range evictedIDs {
		other, ok := occupants[id]
		if !ok {
			other, ok = s.User(id)
		}
		if ok {
			other.SetRoomID("")
			evicted = append(evicted, other)
		}
	}
	return r, hostID, isEmpty, evicted
}

// BanFromServer adds id to the server-wide ban list.
func (s *ServerState) BanFromServer(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serverBans[id] = true
}

// UnbanFromServer removes id from the server-wide ban list.
func (s *ServerState) UnbanFromServer(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.serverBans, id)
}

// BanFromRoom adds id to roomID's ban list.
func (s *ServerState) BanFromRoom(roomID string, id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roomBans[roomID] == nil {
		s.roomBans[roomID] = make(map[uint32]bool)
	}
	s.roomBans[roomID][id] = true
}

// UnbanFromRoom removes id from roomID's ban list.
func (s *ServerState) UnbanFromRoom(roomID string, id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.roomBans[roomID], id)
}

// Rooms returns a snapshot of all rooms currently registered.
func (s *ServerState) Rooms() []*Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r)
	}
	return out
}

// Users returns a snapshot of every currently registered user, used by the
// admin read-only surface and the websocket push channel's initial snapshot.
func (s *ServerState) Users() []*User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	return out
}

// settleAllBroadcast is the snapshot-then-release pattern used by every
// fan-out push in this package: collect the list of senders to notify while
// a lock is held, release it, then do the (possibly slow) I/O. This keeps
// one stalled connection from blocking the mutation that triggered the
// broadcast, mirroring the teacher's Room.Broadcast target-pool pattern.
func settleAllBroadcast(users []*User, msg *protocol.ServerMessage) {
	for _, u := range users {
		u.TrySend(msg)
	}
}

// BroadcastToRoom pushes msg to every occupant of r.
func BroadcastToRoom(r *Room, msg *protocol.ServerMessage) {
	settleAllBroadcast(r.Users(), msg)
}

// BroadcastToRoomExcept pushes msg to every occupant of r except exceptID.
func BroadcastToRoomExcept(r *Room, msg *protocol.ServerMessage, exceptID uint32) {
	all := r.Users()
	targets := make([]*User, 0, len(all))
	for _, u := range all {
		if u.ID != exceptID {
			targets = append(targets, u)
		}
	}
	settleAllBroadcast(targets, msg)
}

// BroadcastAll pushes msg to every occupant of every room — used by the
// admin server-wide announce operation.
func (s *ServerState) BroadcastAll(msg *protocol.ServerMessage) {
	for _, r := range s.Rooms() {
		BroadcastToRoom(r, msg)
	}
}

// LeaveRoomAndNotify removes u from its current room (if any) and pushes the
// usual UserLeft/ChangeHost/contest-eviction notifications to the rest of
// the room. Shared by the dangle reaper and the Playing-phase immediate
// removal path in session.handleLoss.
func (s *ServerState) LeaveRoomAndNotify(u *User) {
	r, hostID, empty, evicted := s.LeaveRoom(u)
	if r == nil {
		return
	}
	if !empty {
		BroadcastToRoom(r, &protocol.ServerMessage{Tag: protocol.TagUserLeft, UserID: u.ID})
		if hostID != 0 {
			BroadcastToRoom(r, &protocol.ServerMessage{Tag: protocol.TagChangeHost, HostID: hostID})
		}
	}
	for _, other := range evicted {
		other.TrySend(&protocol.ServerMessage{Tag: protocol.TagErr, Code: string(codes.RoomGameAborted)})
	}
}

// ScheduleDangleReap arranges for u to be removed from its room and from the
// user registry after DangleWindow, unless a reconnect cancels it first via
// AttachSender.
func (s *ServerState) ScheduleDangleReap(u *User) {
	token := u.MarkDangle()
	time.AfterFunc(DangleWindow, func() {
		if !u.IsStillDangling(token) {
			return
		}
		roomID := u.RoomID()
		s.LeaveRoomAndNotify(u)
		s.UnregisterUser(u.ID)
		if roomID != "" {
			s.logger.Info("dangle window expired, user left room",
				zap.Uint32("user_id", u.ID), zap.String("room_id", roomID))
		}
	})
}
