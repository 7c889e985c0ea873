package core

import (
	"go.uber.org/zap"

	"chartmp/server/internal/codes"
	"chartmp/server/internal/protocol"
)

// Admin implements the server-wide operator actions exposed over the HTTP
// admin surface (see internal/httpapi). It is a thin layer over
// ServerState and Room: every method here does exactly one operator-level
// thing and logs it, with no protocol framing concerns of its own.
type Admin struct {
	state  *ServerState
	logger *zap.Logger
}

// NewAdmin wraps state with the admin operation set.
func NewAdmin(state *ServerState, logger *zap.Logger) *Admin {
	return &Admin{state: state, logger: logger}
}

// SetRoomMaxUsers changes a room's occupancy ceiling.
func (a *Admin) SetRoomMaxUsers(roomID string, maxUsers int) error {
	r, ok := a.state.Room(roomID)
	if !ok {
		return codes.New(codes.RoomNotFound)
	}
	r.SetMaxUsers(maxUsers)
	a.logger.Info("admin set room max users", zap.String("room_id", roomID), zap.Int("max_users", maxUsers))
	return nil
}

// LockRoom toggles whether a room accepts new non-monitor joins.
func (a *Admin) LockRoom(roomID string, locked bool) error {
	r, ok := a.state.Room(roomID)
	if !ok {
		return codes.New(codes.RoomNotFound)
	}
	r.SetLocked(locked)
	a.logger.Info("admin set room locked", zap.String("room_id", roomID), zap.Bool("locked", locked))
	return nil
}

// DisbandRoom forcibly evicts every occupant and removes the room.
func (a *Admin) DisbandRoom(roomID string) error {
	r, ok := a.state.Room(roomID)
	if !ok {
		return codes.New(codes.RoomNotFound)
	}
	users := r.Users()
	for _, u := range users {
		a.state.LeaveRoom(u)
		u.TrySend(&protocol.ServerMessage{Tag: protocol.TagErr, Code: string(codes.RoomGameAborted)})
	}
	a.logger.Info("admin disbanded room", zap.String("room_id", roomID), zap.Int("evicted", len(users)))
	return nil
}

// SetContest installs or clears contest-mode rules on a room.
func (a *Admin) SetContest(roomID string, whitelist []uint32, manualStart, autoDisband bool) error {
	r, ok := a.state.Room(roomID)
	if !ok {
		return codes.New(codes.RoomNotFound)
	}
	wl := make(map[uint32]bool, len(whitelist))
	for _, id := range whitelist {
		wl[id] = true
	}
	r.SetContest(&Contest{Whitelist: wl, ManualStart: manualStart, AutoDisband: autoDisband})
	a.logger.Info("admin set contest mode", zap.String("room_id", roomID), zap.Int("whitelist_size", len(wl)))
	return nil
}

// ClearContest removes contest-mode rules, returning the room to an open lobby.
func (a *Admin) ClearContest(roomID string) error {
	r, ok := a.state.Room(roomID)
	if !ok {
		return codes.New(codes.RoomNotFound)
	}
	r.SetContest(nil)
	a.logger.Info("admin cleared contest mode", zap.String("room_id", roomID))
	return nil
}

// UpdateContestWhitelist replaces a contest room's invite list.
func (a *Admin) UpdateContestWhitelist(roomID string, whitelist []uint32) error {
	r, ok := a.state.Room(roomID)
	if !ok {
		return codes.New(codes.RoomNotFound)
	}
	wl := make(map[uint32]bool, len(whitelist))
	for _, id := range whitelist {
		wl[id] = true
	}
	r.UpdateWhitelist(wl)
	a.logger.Info("admin updated contest whitelist", zap.String("room_id", roomID), zap.Int("whitelist_size", len(wl)))
	return nil
}

// StartContest moves a room from SelectChart into the ready phase on behalf
// of its host, by calling RequestStart as the host. The match itself starts
// once every occupant has readied, as in any other room.
func (a *Admin) StartContest(roomID string) error {
	r, ok := a.state.Room(roomID)
	if !ok {
		return codes.New(codes.RoomNotFound)
	}
	hostID := r.HostID()
	if hostID == 0 {
		return codes.New(codes.RoomInvalidState)
	}
	if err := r.RequestStart(hostID); err != nil {
		return err
	}
	a.logger.Info("admin started contest", zap.String("room_id", roomID))
	return nil
}

// BroadcastAll pushes a chat-shaped announcement to every occupant of every
// room; users not in a room do not receive it.
func (a *Admin) BroadcastAll(fromID uint32, text string) {
	a.state.BroadcastAll(&protocol.ServerMessage{Tag: protocol.TagMessage, UserID: fromID, Text: text})
	a.logger.Info("admin broadcast", zap.Int("length", len(text)))
}

// RoomChat pushes an announcement to one room only.
func (a *Admin) RoomChat(roomID string, fromID uint32, text string) error {
	r, ok := a.state.Room(roomID)
	if !ok {
		return codes.New(codes.RoomNotFound)
	}
	BroadcastToRoom(r, &protocol.ServerMessage{Tag: protocol.TagMessage, UserID: fromID, Text: text})
	return nil
}

// BanUser bans a user from the server entirely and disconnects them if online.
func (a *Admin) BanUser(userID uint32) {
	a.state.BanFromServer(userID)
	if u, ok := a.state.User(userID); ok {
		a.state.LeaveRoom(u)
		u.TrySend(&protocol.ServerMessage{Tag: protocol.TagErr, Code: string(codes.UserBannedByServer)})
		u.Terminate()
	}
	a.logger.Info("admin banned user", zap.Uint32("user_id", userID))
}

// UnbanUser lifts a server-wide ban.
func (a *Admin) UnbanUser(userID uint32) {
	a.state.UnbanFromServer(userID)
	a.logger.Info("admin unbanned user", zap.Uint32("user_id", userID))
}

// BanFromRoom bans a user from one room and evicts them from it if present.
func (a *Admin) BanFromRoom(roomID string, userID uint32) error {
	r, ok := a.state.Room(roomID)
	if !ok {
		return codes.New(codes.RoomNotFound)
	}
	a.state.BanFromRoom(roomID, userID)
	if u, ok := a.state.User(userID); ok && u.RoomID() == roomID {
		a.state.LeaveRoom(u)
		u.TrySend(&protocol.ServerMessage{Tag: protocol.TagErr, Code: string(codes.RoomBanned)})
	}
	a.logger.Info("admin banned user from room", zap.String("room_id", roomID), zap.Uint32("user_id", userID))
	return nil
}

// UnbanFromRoom lifts a per-room ban.
func (a *Admin) UnbanFromRoom(roomID string, userID uint32) {
	a.state.UnbanFromRoom(roomID, userID)
	a.logger.Info("admin unbanned user from room", zap.String("room_id", roomID), zap.Uint32("user_id", userID))
}

// MoveUser relocates a disconnected user into a different room. Requires
// the user to currently be dangling (no live session), and both their
// current room (if any) and the destination to be in SelectChart — moving
// a live match seat makes no sense. The destination still runs its normal
// join validation (locks, fullness, contest whitelist, bans): this is an
// operator convenience, not a bypass.
func (a *Admin) MoveUser(userID uint32, destRoomID string) error {
	u, ok := a.state.User(userID)
	if !ok {
		return codes.New(codes.RoomNotFound)
	}
	if !u.IsDangling() {
		return codes.New(codes.RoomInvalidState)
	}
	dest, ok := a.state.Room(destRoomID)
	if !ok {
		return codes.New(codes.RoomNotFound)
	}
	if dest.Snapshot().Tag != protocol.StateSelectChart {
		return codes.New(codes.RoomInvalidState)
	}
	if oldRoomID := u.RoomID(); oldRoomID != "" {
		oldRoom, ok := a.state.Room(oldRoomID)
		if ok && oldRoom.Snapshot().Tag != protocol.StateSelectChart {
			return codes.New(codes.RoomInvalidState)
		}
		a.state.LeaveRoomAndNotify(u)
	}
	banned := a.state.IsRoomBanned(destRoomID, userID) || a.state.IsServerBanned(userID)
	if err := dest.ValidateJoin(userID, u.Monitor, banned); err != nil {
		return err
	}
	dest.AddUser(u, u.Monitor)
	BroadcastToRoomExcept(dest, &protocol.ServerMessage{Tag: protocol.TagUserJoined, User: u.ToInfo()}, u.ID)
	a.logger.Info("admin moved user", zap.Uint32("user_id", userID), zap.String("dest_room_id", destRoomID))
	return nil
}

// DisconnectUser forcibly ends a user's session without banning them. When
// preserveRoom is true the user's room seat is left intact and the user is
// marked dangling with no reap timer, like a session with
// preserveRoomOnLoss set; when false they are removed from their room
// immediately.
func (a *Admin) DisconnectUser(userID uint32, preserveRoom bool) error {
	u, ok := a.state.User(userID)
	if !ok {
		return codes.New(codes.RoomNotFound)
	}
	if preserveRoom {
		u.TrySend(&protocol.ServerMessage{Tag: protocol.TagErr, Code: string(codes.RoomGameAborted)})
		u.EvictStaleSession()
		u.MarkDangle()
	} else {
		a.state.LeaveRoomAndNotify(u)
		u.TrySend(&protocol.ServerMessage{Tag: protocol.TagErr, Code: string(codes.RoomGameAborted)})
		u.Terminate()
	}
	a.logger.Info("admin disconnected user", zap.Uint32("user_id", userID), zap.Bool("preserve_room", preserveRoom))
	return nil
}
