package session

import (
	"context"
	"fmt"

	"chartmp/server/internal/codes"
	"chartmp/server/internal/core"
	"chartmp/server/internal/protocol"
)

// dispatchRoomCommand handles every command that requires an authenticated,
// Active session. Authentication and Ping are handled in session.go. Bans
// are enforced here, per operation, rather than at authentication time: a
// banned user can still connect, but every room action is rejected and
// they're force-walked out of whatever room they're sitting in.
func (s *Session) dispatchRoomCommand(ctx context.Context, cmd *protocol.ClientCommand) {
	u := s.user

	if s.state.IsServerBanned(u.ID) || (u.RoomID() != "" && s.state.IsRoomBanned(u.RoomID(), u.ID)) {
		if u.RoomID() != "" {
			s.state.LeaveRoomAndNotify(u)
		}
		s.replyErr(codes.AuthBanned)
		return
	}

	switch cmd.Tag {
	case protocol.TagCreateRoom:
		s.handleCreateRoom(u, cmd)
	case protocol.TagJoinRoom:
		s.handleJoinRoom(u, cmd)
	case protocol.TagLeaveRoom:
		s.handleLeaveRoom(u)
	case protocol.TagLockRoom:
		s.handleLockRoom(u, cmd)
	case protocol.TagCycleRoom:
		s.handleCycleRoom(u, cmd)
	case protocol.TagSelectChart:
		s.handleSelectChart(u, cmd)
	case protocol.TagRequestStart:
		s.handleRequestStart(u)
	case protocol.TagReady:
		s.handleReady(u)
	case protocol.TagCancelReady:
		s.handleCancelReady(u)
	case protocol.TagPlayed:
		s.handlePlayed(ctx, u, cmd)
	case protocol.TagAbort:
		s.handleAbort(u)
	case protocol.TagChat:
		s.handleChat(u, cmd)
	case protocol.TagTouches:
		s.handleTouches(u, cmd)
	case protocol.TagJudges:
		s.handleJudges(u, cmd)
	default:
		s.replyErr(codes.FrameInvalidLength)
	}
}

func (s *Session) room(u *core.User) (*core.Room, bool) {
	roomID := u.RoomID()
	if roomID == "" {
		return nil, false
	}
	return s.state.Room(roomID)
}

func (s *Session) sendJoinSnapshot(r *core.Room, u *core.User) {
	s.stream.sendMessage(&protocol.ServerMessage{
		Tag:    protocol.TagOnJoinRoom,
		RoomID: r.ID(),
		HostID: r.HostID(),
		SelfID: u.ID,
		State:  r.Snapshot(),
		Users:  r.Roster(),
	})
}

func (s *Session) handleCreateRoom(u *core.User, cmd *protocol.ClientCommand) {
	if u.RoomID() != "" {
		s.replyErr(codes.RoomAlreadyInRoom)
		return
	}
	r, err := s.state.CreateRoom(cmd.RoomID, u)
	if err != nil {
		s.replyCodedErr(err)
		return
	}
	s.sendJoinSnapshot(r, u)
}

func (s *Session) handleJoinRoom(u *core.User, cmd *protocol.ClientCommand) {
	if u.RoomID() != "" {
		s.replyErr(codes.RoomAlreadyInRoom)
		return
	}
	r, err := s.state.JoinRoom(cmd.RoomID, u, cmd.Spectate)
	if err != nil {
		s.replyCodedErr(err)
		return
	}
	s.sendJoinSnapshot(r, u)
	if !cmd.Spectate {
		core.BroadcastToRoomExcept(r, &protocol.ServerMessage{Tag: protocol.TagUserJoined, User: u.ToInfo()}, u.ID)
	}
}

func (s *Session) handleLeaveRoom(u *core.User) {
	r, newHost, empty, evicted := s.state.LeaveRoom(u)
	if r == nil {
		s.replyErr(codes.RoomNotFound)
		return
	}
	s.stream.sendMessage(&protocol.ServerMessage{Tag: protocol.TagOk})
	if !empty {
		core.BroadcastToRoom(r, &protocol.ServerMessage{Tag: protocol.TagUserLeft, UserID: u.ID})
		if newHost != 0 {
			core.BroadcastToRoom(r, &protocol.ServerMessage{Tag: protocol.TagChangeHost, HostID: newHost})
		}
	}
	for _, other := range evicted {
		other.TrySend(&protocol.ServerMessage{Tag: protocol.TagErr, Code: string(codes.RoomGameAborted)})
	}
}

func (s *Session) handleLockRoom(u *core.User, cmd *protocol.ClientCommand) {
	r, ok := s.room(u)
	if !ok {
		s.replyErr(codes.RoomNotFound)
		return
	}
	if r.HostID() != u.ID {
		s.replyErr(codes.RoomOnlyHost)
		return
	}
	r.SetLocked(cmd.Locked)
	s.stream.sendMessage(&protocol.ServerMessage{Tag: protocol.TagOk})
}

func (s *Session) handleCycleRoom(u *core.User, cmd *protocol.ClientCommand) {
	r, ok := s.room(u)
	if !ok {
		s.replyErr(codes.RoomNotFound)
		return
	}
	if r.HostID() != u.ID {
		s.replyErr(codes.RoomOnlyHost)
		return
	}
	r.SetCycle(cmd.Cycle)
	s.stream.sendMessage(&protocol.ServerMessage{Tag: protocol.TagOk})
}

func (s *Session) handleSelectChart(u *core.User, cmd *protocol.ClientCommand) {
	r, ok := s.room(u)
	if !ok {
		s.replyErr(codes.RoomNotFound)
		return
	}
	if err := r.SelectChart(u.ID, cmd.ChartID); err != nil {
		s.replyCodedErr(err)
		return
	}
	core.BroadcastToRoom(r, &protocol.ServerMessage{Tag: protocol.TagChangeState, State: r.Snapshot()})
}

func (s *Session) handleRequestStart(u *core.User) {
	r, ok := s.room(u)
	if !ok {
		s.replyErr(codes.RoomNotFound)
		return
	}
	if err := r.RequestStart(u.ID); err != nil {
		s.replyCodedErr(err)
		return
	}
	core.BroadcastToRoom(r, &protocol.ServerMessage{Tag: protocol.TagChangeState, State: r.Snapshot()})
}

func (s *Session) handleReady(u *core.User) {
	r, ok := s.room(u)
	if !ok {
		s.replyErr(codes.RoomNotFound)
		return
	}
	if err := r.Ready(u.ID); err != nil {
		s.replyCodedErr(err)
		return
	}
	core.BroadcastToRoom(r, &protocol.ServerMessage{Tag: protocol.TagChangeState, State: r.Snapshot()})
	if r.Snapshot().Tag == protocol.StatePlaying {
		if s.recorder != nil && r.ReplayEligible() {
			s.recorder.StartRoom(r.ID(), r.ChartID())
		}
	}
}

func (s *Session) handleCancelReady(u *core.User) {
	r, ok := s.room(u)
	if !ok {
		s.replyErr(codes.RoomNotFound)
		return
	}
	if err := r.CancelReady(u.ID); err != nil {
		s.replyCodedErr(err)
		return
	}
	core.BroadcastToRoom(r, &protocol.ServerMessage{Tag: protocol.TagChangeState, State: r.Snapshot()})
}

// handlePlayed validates the claimed result against the record service
// before handing it to the room: the wire fields a client sends alongside
// Played are just a hint for fast local feedback, the settlement itself
// only trusts what the upstream record actually says.
func (s *Session) handlePlayed(ctx context.Context, u *core.User, cmd *protocol.ClientCommand) {
	r, ok := s.room(u)
	if !ok {
		s.replyErr(codes.RoomNotFound)
		return
	}
	rec, err := s.identity.Record(ctx, cmd.RecordID)
	if err != nil {
		s.replyCodedErr(err)
		return
	}
	if rec.Player != u.ID {
		s.replyErr(codes.RecordInvalid)
		return
	}
	entry := protocol.SettlementEntry{
		UserID:   u.ID,
		Score:    rec.Score,
		Accuracy: rec.Accuracy,
		StdDev:   rec.Std,
	}
	summary, ready, err := r.Played(u.ID, entry)
	if err != nil {
		s.replyCodedErr(err)
		return
	}
	s.stream.sendMessage(&protocol.ServerMessage{Tag: protocol.TagOk})
	if ready {
		s.broadcastSettlement(r, summary)
	}
}

func (s *Session) handleAbort(u *core.User) {
	r, ok := s.room(u)
	if !ok {
		s.replyErr(codes.RoomNotFound)
		return
	}
	summary, err := r.Abort(u.ID)
	if err != nil {
		s.replyCodedErr(err)
		return
	}
	s.stream.sendMessage(&protocol.ServerMessage{Tag: protocol.TagOk})
	core.BroadcastToRoom(r, &protocol.ServerMessage{Tag: protocol.TagChangeState, State: protocol.RoomState{Tag: protocol.StatePlaying, Aborted: true}})
	s.broadcastSettlement(r, summary)
}

// broadcastSettlement announces match results as a chat-shaped summary
// rather than a per-player ranking: each metric's room-best is reported
// independently, with no combined leaderboard ordering.
func (s *Session) broadcastSettlement(r *core.Room, summary core.SettlementSummary) {
	text := "no results to report"
	if summary.HasResults {
		text = fmt.Sprintf("best score %d, best accuracy %.2f%%, best std %dms",
			summary.BestScore, summary.BestAccuracy*100, summary.BestStdMs)
	}
	core.BroadcastToRoom(r, &protocol.ServerMessage{Tag: protocol.TagMessage, Text: text})
	if summary.NewHostID != 0 {
		core.BroadcastToRoom(r, &protocol.ServerMessage{Tag: protocol.TagChangeHost, HostID: summary.NewHostID})
	}
	core.BroadcastToRoom(r, &protocol.ServerMessage{Tag: protocol.TagChangeState, State: r.Snapshot()})
	if s.recorder != nil {
		s.recorder.EndRoom(r.ID())
	}
}

func (s *Session) handleChat(u *core.User, cmd *protocol.ClientCommand) {
	r, ok := s.room(u)
	if !ok {
		s.replyErr(codes.RoomNotFound)
		return
	}
	core.BroadcastToRoomExcept(r, &protocol.ServerMessage{Tag: protocol.TagMessage, UserID: u.ID, Text: cmd.Text}, u.ID)
}

// handleTouches forwards a player's touch stream to the rest of the room
// and, while a match is in progress, feeds it to the replay recorder.
// Outside Playing the stream is meaningless and is discarded silently.
func (s *Session) handleTouches(u *core.User, cmd *protocol.ClientCommand) {
	r, ok := s.room(u)
	if !ok || r.Snapshot().Tag != protocol.StatePlaying {
		return
	}
	core.BroadcastToRoomExcept(r, &protocol.ServerMessage{Tag: protocol.TagTouchesForward, UserID: u.ID, Touches: cmd.Touches}, u.ID)
	if s.recorder != nil && r.ReplayEligible() {
		s.recorder.Feed(r.ID(), u.ID, protocol.EncodeCommand(cmd))
	}
}

// handleJudges forwards a player's note judgements the same way as Touches.
func (s *Session) handleJudges(u *core.User, cmd *protocol.ClientCommand) {
	r, ok := s.room(u)
	if !ok || r.Snapshot().Tag != protocol.StatePlaying {
		return
	}
	core.BroadcastToRoomExcept(r, &protocol.ServerMessage{Tag: protocol.TagJudgesForward, UserID: u.ID, Judges: cmd.Judges}, u.ID)
	if s.recorder != nil && r.ReplayEligible() {
		s.recorder.Feed(r.ID(), u.ID, protocol.EncodeCommand(cmd))
	}
}

func (s *Session) replyCodedErr(err error) {
	code, ok := codes.As(err)
	if !ok {
		code = codes.RoomInvalidState
	}
	s.replyErr(code)
}
