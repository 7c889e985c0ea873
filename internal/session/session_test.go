package session

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"chartmp/server/internal/codes"
	"chartmp/server/internal/core"
	"chartmp/server/internal/identity"
	"chartmp/server/internal/protocol"
)

// newIdentityServer serves /me keyed by bearer token, one profile per
// token, so tests can authenticate distinct users without a real upstream.
func newIdentityServer(t *testing.T, profiles map[string]identity.Profile) *identity.Client {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		for tok, p := range profiles {
			if token == "Bearer "+tok {
				_ = json.NewEncoder(w).Encode(p)
				return
			}
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(ts.Close)
	return identity.New(ts.URL)
}

func newTestSession(t *testing.T, state *core.ServerState, idc *identity.Client) (*Session, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { _ = server.Close(); _ = client.Close() })
	s := New(server, state, idc, nil, zap.NewNop())
	return s, client
}

// drain discards every frame written to conn until it's closed, so direct
// handler calls that end in stream.sendMessage never block on net.Pipe's
// unbuffered, synchronous writes when the test doesn't care about the reply.
func drain(conn net.Conn) {
	go func() {
		for {
			if _, err := protocol.ReadFrame(conn); err != nil {
				return
			}
		}
	}()
}

// fakeSender is a minimal core.Sender double for exercising the stale-session
// eviction path without driving a second real connection through Run.
type fakeSender struct {
	probeResult bool
	evicted     bool
}

func (f *fakeSender) Send(*protocol.ServerMessage) bool { return true }
func (f *fakeSender) Terminate()                        {}
func (f *fakeSender) Probe() bool                        { return f.probeResult }
func (f *fakeSender) EvictPreservingRoom()               { f.evicted = true }

var _ core.Sender = (*fakeSender)(nil)

func TestHandshakeRejectsVersionMismatch(t *testing.T) {
	state := core.NewServerState(zap.NewNop(), nil)
	idc := newIdentityServer(t, nil)
	s, client := newTestSession(t, state, idc)

	done := make(chan struct{})
	go func() {
		s.Run(t.Context())
		close(done)
	}()

	var got [1]byte
	if _, err := client.Read(got[:]); err != nil {
		t.Fatalf("read server version byte: %v", err)
	}
	if _, err := client.Write([]byte{ProtocolVersion + 1}); err != nil {
		t.Fatalf("write mismatched version: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after a handshake mismatch")
	}
}

func TestAuthenticateRegistersUserAndRepliesOk(t *testing.T) {
	state := core.NewServerState(zap.NewNop(), nil)
	idc := newIdentityServer(t, map[string]identity.Profile{
		"tok": {UserID: 1, Name: "alice", Language: "en"},
	})
	s, client := newTestSession(t, state, idc)
	drain(client)
	s.setStatus(StatusAwaitAuth)

	s.handleAuthenticate(t.Context(), &protocol.ClientCommand{Token: "tok"})

	if s.getStatus() != StatusActive {
		t.Fatalf("expected Active status, got %v", s.getStatus())
	}
	if s.user == nil || s.user.ID != 1 {
		t.Fatalf("expected user 1 to be attached, got %+v", s.user)
	}
	if _, ok := state.User(1); !ok {
		t.Fatal("expected user 1 to be registered in server state")
	}
}

func TestDuplicateAuthRejectsStillOnlineSession(t *testing.T) {
	state := core.NewServerState(zap.NewNop(), nil)
	idc := newIdentityServer(t, map[string]identity.Profile{
		"tok": {UserID: 1, Name: "alice", Language: "en"},
	})

	existing := core.NewUser(1, "alice", "en")
	fs := &fakeSender{probeResult: true}
	existing.AttachSender(fs)
	state.RegisterUser(existing)

	s, client := newTestSession(t, state, idc)
	drain(client)
	s.setStatus(StatusAwaitAuth)
	s.handleAuthenticate(t.Context(), &protocol.ClientCommand{Token: "tok"})

	if s.getStatus() == StatusActive {
		t.Fatal("expected duplicate authenticate against a live session to be rejected")
	}
	if fs.evicted {
		t.Fatal("did not expect the still-alive session to be evicted")
	}
}

func TestDuplicateAuthEvictsStaleSession(t *testing.T) {
	state := core.NewServerState(zap.NewNop(), nil)
	idc := newIdentityServer(t, map[string]identity.Profile{
		"tok": {UserID: 1, Name: "alice", Language: "en"},
	})

	existing := core.NewUser(1, "alice", "en")
	fs := &fakeSender{probeResult: false}
	existing.AttachSender(fs)
	state.RegisterUser(existing)

	s, client := newTestSession(t, state, idc)
	drain(client)
	s.setStatus(StatusAwaitAuth)
	s.handleAuthenticate(t.Context(), &protocol.ClientCommand{Token: "tok"})

	if !fs.evicted {
		t.Fatal("expected the stale session to be evicted")
	}
	if s.getStatus() != StatusActive {
		t.Fatalf("expected the new session to take over as Active, got %v", s.getStatus())
	}
	if s.user != existing {
		t.Fatal("expected the new session to attach to the same User record")
	}
}

func TestPlayingLossRemovesUserImmediately(t *testing.T) {
	state := core.NewServerState(zap.NewNop(), nil)
	idc := newIdentityServer(t, nil)

	host := core.NewUser(1, "host", "en")
	s, _ := newTestSession(t, state, idc)
	state.RegisterUser(host)
	host.AttachSender(s)
	s.user = host
	s.setStatus(StatusActive)

	r, err := state.CreateRoom("room1", host)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	r.SelectChart(1, 1)
	r.RequestStart(1)
	r.Ready(1)
	if r.Snapshot().Tag != protocol.StatePlaying {
		t.Fatalf("expected room to be Playing, got %v", r.Snapshot().Tag)
	}

	s.handleLoss()

	if host.RoomID() != "" {
		t.Fatalf("expected host to be removed from the room immediately, still in %q", host.RoomID())
	}
	if _, ok := state.User(1); ok {
		t.Fatal("expected host to be fully unregistered after a mid-match loss")
	}
}

func TestPreserveRoomOnLossKeepsSeatImmediately(t *testing.T) {
	state := core.NewServerState(zap.NewNop(), nil)
	idc := newIdentityServer(t, nil)

	host := core.NewUser(1, "host", "en")
	s, _ := newTestSession(t, state, idc)
	state.RegisterUser(host)
	host.AttachSender(s)
	s.user = host
	s.setStatus(StatusActive)
	s.SetPreserveRoomOnLoss(true)

	if _, err := state.CreateRoom("room1", host); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	s.handleLoss()

	if host.RoomID() != "room1" {
		t.Fatalf("expected the room seat to be preserved, got room %q", host.RoomID())
	}
	if !host.IsDangling() {
		t.Fatal("expected the user to be marked dangling even though the room seat is preserved")
	}
	if _, ok := state.Room("room1"); !ok {
		t.Fatal("expected room1 to still exist")
	}
}

func TestReplyCodedErrFallsBackOnUncodedError(t *testing.T) {
	state := core.NewServerState(zap.NewNop(), nil)
	idc := newIdentityServer(t, nil)
	s, client := newTestSession(t, state, idc)

	errCh := make(chan error, 1)
	go func() {
		msg, err := readServerMessage(client)
		if err != nil {
			errCh <- err
			return
		}
		if msg.Tag != protocol.TagErr || msg.Code != string(codes.RoomInvalidState) {
			errCh <- fmt.Errorf("unexpected reply: %+v", msg)
			return
		}
		errCh <- nil
	}()

	s.replyCodedErr(fmt.Errorf("boom"))

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error reply")
	}
}

func readServerMessage(conn net.Conn) (*protocol.ServerMessage, error) {
	payload, err := protocol.ReadFrame(conn)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeMessage(payload)
}
