package session

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"chartmp/server/internal/codes"
	"chartmp/server/internal/core"
	"chartmp/server/internal/identity"
	"chartmp/server/internal/protocol"
)

// Status is one step of a session's lifecycle.
type Status int

const (
	StatusConnecting Status = iota
	StatusHandshaking
	StatusAwaitAuth
	StatusActive
	StatusLost
	StatusPreservedLost
	StatusTerminated
)

// Session owns one client connection end to end: handshake, authentication,
// heartbeat monitoring, and dispatch of decoded commands into core. It
// implements core.Sender so a User can push messages back through it
// without core depending on this package.
type Session struct {
	stream   *stream
	state    *core.ServerState
	identity *identity.Client
	recorder core.Recorder
	logger   *zap.Logger

	mu                 sync.Mutex
	status             Status
	user               *core.User
	preserveRoomOnLoss bool
}

// SetPreserveRoomOnLoss controls what happens to this session's room seat if
// the connection drops: when true, loss handling leaves the room membership
// untouched indefinitely instead of starting the usual dangle-reap timer.
func (s *Session) SetPreserveRoomOnLoss(preserve bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preserveRoomOnLoss = preserve
}

// New constructs a Session over an accepted TCP connection.
func New(conn net.Conn, state *core.ServerState, idc *identity.Client, recorder core.Recorder, logger *zap.Logger) *Session {
	return &Session{
		stream:   newStream(conn),
		state:    state,
		identity: idc,
		recorder: recorder,
		logger:   logger,
		status:   StatusConnecting,
	}
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *Session) getStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Send implements core.Sender: forward msg to this session's live connection.
func (s *Session) Send(msg *protocol.ServerMessage) bool {
	if s.getStatus() != StatusActive {
		return false
	}
	return s.stream.sendMessage(msg) == nil
}

// Terminate implements core.Sender: forcibly close the underlying connection.
func (s *Session) Terminate() {
	s.setStatus(StatusTerminated)
	_ = s.stream.close()
}

// Probe implements core.Sender: reports whether this session still looks
// alive by attempting an unsolicited Pong. Only meaningful while Active;
// anything else already means the connection isn't usable.
func (s *Session) Probe() bool {
	if s.getStatus() != StatusActive {
		return false
	}
	return s.stream.sendMessage(&protocol.ServerMessage{Tag: protocol.TagPong}) == nil
}

// EvictPreservingRoom implements core.Sender: closes this session's
// connection without running the loss/dangle machinery, so a fresh
// authentication can attach a new Session to the same User in its place.
func (s *Session) EvictPreservingRoom() {
	s.mu.Lock()
	s.status = StatusTerminated
	// Detach the user so the read loop's handleLoss, which runs once the
	// close below fails its pending read, leaves the User untouched.
	s.user = nil
	s.mu.Unlock()
	_ = s.stream.close()
}

// Run drives the session to completion: handshake, then a read loop that
// dispatches commands until the connection is lost or closed. It always
// returns once the connection is no longer usable.
func (s *Session) Run(ctx context.Context) {
	defer s.stream.close()

	s.setStatus(StatusHandshaking)
	if err := s.stream.handshake(); err != nil {
		s.logger.Debug("handshake failed", zap.Error(err))
		s.setStatus(StatusTerminated)
		return
	}
	s.setStatus(StatusAwaitAuth)

	for {
		select {
		case <-ctx.Done():
			s.handleLoss()
			return
		default:
		}

		_ = s.stream.conn.SetReadDeadline(time.Now().Add(HeartbeatInterval))
		cmd, err := s.stream.readCommand()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				if s.stream.silentFor() > HeartbeatTimeout {
					s.handleLoss()
					return
				}
				continue
			}
			s.handleLoss()
			return
		}

		s.dispatch(ctx, cmd)
		if s.getStatus() == StatusTerminated {
			return
		}
	}
}

// handleLoss reacts to a dropped connection according to where the user
// was: a match already in progress can't tolerate a seat sitting idle, so
// the user is removed immediately rather than reserved; a session marked
// preserveRoomOnLoss keeps its room seat with no timeout at all; everyone
// else gets the usual bounded dangle-reap window.
func (s *Session) handleLoss() {
	s.mu.Lock()
	u := s.user
	preserve := s.preserveRoomOnLoss
	s.status = StatusLost
	s.mu.Unlock()

	if u == nil {
		s.setStatus(StatusTerminated)
		return
	}
	s.setStatus(StatusPreservedLost)

	if r, ok := s.state.Room(u.RoomID()); ok && r.Snapshot().Tag == protocol.StatePlaying {
		u.MarkDangle()
		s.state.LeaveRoomAndNotify(u)
		s.state.UnregisterUser(u.ID)
		return
	}
	if preserve {
		u.MarkDangle()
		return
	}
	s.state.ScheduleDangleReap(u)
}

func (s *Session) dispatch(ctx context.Context, cmd *protocol.ClientCommand) {
	switch cmd.Tag {
	case protocol.TagPing:
		s.stream.sendMessage(&protocol.ServerMessage{Tag: protocol.TagPong})
	case protocol.TagAuthenticate:
		s.handleAuthenticate(ctx, cmd)
	default:
		if s.getStatus() != StatusActive || s.user == nil {
			s.replyErr(codes.AuthRepeatedAuthenticate)
			return
		}
		s.dispatchRoomCommand(ctx, cmd)
	}
}

func (s *Session) replyErr(code codes.Code) {
	s.stream.sendMessage(&protocol.ServerMessage{Tag: protocol.TagErr, Code: string(code)})
}

func (s *Session) handleAuthenticate(ctx context.Context, cmd *protocol.ClientCommand) {
	if s.getStatus() != StatusAwaitAuth {
		s.replyErr(codes.AuthRepeatedAuthenticate)
		return
	}

	profile, err := s.identity.Me(ctx, cmd.Token)
	if err != nil {
		code, ok := codes.As(err)
		if !ok {
			code = codes.AuthFetchMeFailed
		}
		s.replyErr(code)
		return
	}
	// Bans are enforced per-operation (see dispatchRoomCommand), not at
	// authentication time: a banned user can still connect and see why
	// their commands are being rejected.
	language := profile.Language
	if cmd.Language != "" {
		language = cmd.Language
	}

	existing, found := s.state.User(profile.UserID)
	var u *core.User
	if found {
		if !existing.IsDangling() {
			if !existing.HasStaleSession() {
				s.replyErr(codes.AuthAccountAlreadyOnline)
				return
			}
			existing.EvictStaleSession()
		}
		existing.AttachSender(s)
		u = existing
	} else {
		u = core.NewUser(profile.UserID, profile.Name, language)
		u.AttachSender(s)
		s.state.RegisterUser(u)
	}

	s.mu.Lock()
	s.user = u
	s.status = StatusActive
	s.mu.Unlock()

	s.stream.sendMessage(&protocol.ServerMessage{Tag: protocol.TagOk})
}
