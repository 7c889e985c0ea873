package core

import (
	"sync/atomic"
	"time"

	"chartmp/server/internal/protocol"
)

// DangleWindow is how long a user may remain disconnected-but-reserved in a
// room before the room gives up on them and treats it as a real departure.
const DangleWindow = 10 * time.Second

// Sender is the narrow interface a session exposes to core so that User can
// push messages without core importing the session package (would create an
// import cycle: session depends on core to look up rooms and users).
type Sender interface {
	Send(msg *protocol.ServerMessage) bool
	Terminate()
	// Probe reports whether the underlying connection still looks alive,
	// used at duplicate-authentication time to distinguish a genuinely
	// online session from one whose socket died without the read loop
	// noticing yet.
	Probe() bool
	// EvictPreservingRoom tears down the session's connection without
	// running the usual loss/dangle handling, so the caller can attach a
	// fresh session to the same User in its place.
	EvictPreservingRoom()
}

// User is one authenticated occupant of the server, in or out of a room.
// Ownership: ServerState's registry holds every registered User; a Room
// holds *User handles for its occupants and a Session holds the one it
// authenticated. A User records only its room's ID, never a *Room, so rooms
// are always looked up through ServerState (see state.go).
type User struct {
	ID       uint32
	Name     string
	Language string
	Monitor  bool // joined as a spectator, never participates in settlement

	sender atomic.Pointer[Sender]

	roomID atomic.Pointer[string]

	// dangleToken is bumped every time the user's live connection changes.
	// A goroutine scheduled to reap a dangling user captures the token at
	// schedule time and re-checks it before acting, so a reconnect that
	// happens inside the window silently cancels the reap.
	dangleToken atomic.Uint64
	dangling    atomic.Bool
}

// NewUser constructs a User from an authenticated identity profile.
func NewUser(id uint32, name, language string) *User {
	u := &User{ID: id, Name: name, Language: language}
	return u
}

// ToInfo returns the wire snapshot of this user for roster pushes.
func (u *User) ToInfo() protocol.UserInfo {
	return protocol.UserInfo{
		ID:       u.ID,
		Name:     u.Name,
		Language: u.Language,
		Monitor:  u.Monitor,
	}
}

// AttachSender installs the live connection for this user, clearing any
// dangle state (this is what a reconnect inside the dangle window does).
func (u *User) AttachSender(s Sender) {
	u.sender.Store(&s)
	u.dangleToken.Add(1)
	u.dangling.Store(false)
}

// TrySend forwards msg to the user's live connection, if any. Returns false
// if the user has no live connection (dangling) or the send failed.
func (u *User) TrySend(msg *protocol.ServerMessage) bool {
	p := u.sender.Load()
	if p == nil {
		return false
	}
	return (*p).Send(msg)
}

// Terminate forcibly closes the user's live connection, if any.
func (u *User) Terminate() {
	p := u.sender.Load()
	if p == nil {
		return
	}
	(*p).Terminate()
}

// HasStaleSession reports whether the user has an attached sender that no
// longer appears to be alive, checked when a duplicate authentication comes
// in for the same user ID.
func (u *User) HasStaleSession() bool {
	p := u.sender.Load()
	if p == nil {
		return false
	}
	return !(*p).Probe()
}

// EvictStaleSession tears down a stale attached sender so a fresh
// authentication can take its place without going through the normal
// dangle/loss path.
func (u *User) EvictStaleSession() {
	p := u.sender.Load()
	if p == nil {
		return
	}
	(*p).EvictPreservingRoom()
}

// RoomID returns the room this user currently occupies, or "".
func (u *User) RoomID() string {
	p := u.roomID.Load()
	if p == nil {
		return ""
	}
	return *p
}

// SetRoomID records which room this user occupies.
func (u *User) SetRoomID(id string) {
	u.roomID.Store(&id)
}

// MarkDangle detaches the live connection and returns the token a delayed
// reaper must present to IsStillDangling for its cleanup to take effect.
func (u *User) MarkDangle() uint64 {
	u.sender.Store(nil)
	u.dangling.Store(true)
	return u.dangleToken.Add(1)
}

// IsDangling reports whether the user currently has no live connection.
func (u *User) IsDangling() bool {
	return u.dangling.Load()
}

// IsStillDangling reports whether the user is dangling under the same token
// issued by the MarkDangle call that scheduled the caller's reap. If the
// token has since advanced (a reconnect or a later disconnect happened),
// the reap is stale and must no-op.
func (u *User) IsStillDangling(token uint64) bool {
	return u.dangling.Load() && u.dangleToken.Load() == token
}
