package core

import (
	"math"
	"sync"

	"go.uber.org/zap"

	"chartmp/server/internal/codes"
	"chartmp/server/internal/protocol"
)

// MaxRoomUsers bounds room occupancy. Settable per-room by an admin
// operation (see admin.go), clamped to this ceiling.
const MaxRoomUsers = 64

// DefaultMaxRoomUsers is the occupancy limit a freshly created room starts with.
const DefaultMaxRoomUsers = 8

// Phase names one step of the room state machine.
type Phase int

const (
	PhaseSelectChart Phase = iota
	PhaseWaitForReady
	PhasePlaying
)

// Contest holds the rules for a contest-mode room: membership is
// whitelist-gated, and the room optionally disbands instead of migrating
// host when the host leaves. ManualStart is stored but not consulted: a
// contest room cuts over to Playing through the same all-ready check as any
// other room.
type Contest struct {
	Whitelist   map[uint32]bool
	ManualStart bool
	AutoDisband bool
}

// occupant tracks one room member's per-room-visit state, distinct from the
// User's own cross-room identity fields.
type occupant struct {
	user  *User
	ready bool
	// result is nil until the user submits Played for the current match.
	result *protocol.SettlementEntry
}

// Room coordinates one lobby's membership and match state machine. All
// mutation goes through its own mutex; ServerState's global mutex (see
// state.go) additionally serializes room creation/destruction and any
// operation that touches more than one room or user at once.
type Room struct {
	mu sync.RWMutex

	id     string
	logger *zap.Logger

	hostID uint32
	order  []uint32 // insertion order, oldest first; drives host migration and tiebreaks
	users  map[uint32]*occupant

	locked   bool
	maxUsers int
	contest  *Contest
	cycle    bool // rotate host to the next occupant on every settlement

	replayEligible bool // snapshot of the server's replay toggle at creation
	live           bool // equal to replayEligible; telemetry forwarding does not consult it

	phase   Phase
	chartID uint32
	started bool // WaitForReady: host has called RequestStart
	aborted bool // Playing: a player called Abort

	// onEmpty is invoked (outside the room lock) when the last occupant
	// leaves, so ServerState can drop the room from its registry.
	onEmpty func(roomID string)
}

// NewRoom constructs an empty room in the SelectChart phase. replayEligible
// is a snapshot of the server-wide replay toggle taken at creation time;
// live mirrors it per the resolved open question in SPEC_FULL.md §9.
func NewRoom(id string, logger *zap.Logger, replayEligible bool, onEmpty func(string)) *Room {
	return &Room{
		id:             id,
		logger:         logger,
		users:          make(map[uint32]*occupant),
		maxUsers:       DefaultMaxRoomUsers,
		phase:          PhaseSelectChart,
		replayEligible: replayEligible,
		live:           replayEligible,
		onEmpty:        onEmpty,
	}
}

// ID returns the room's identifier.
func (r *Room) ID() string { return r.id }

// Snapshot returns the wire form of the room's current phase.
func (r *Room) Snapshot() protocol.RoomState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *Room) snapshotLocked() protocol.RoomState {
	switch r.phase {
	case PhaseSelectChart:
		return protocol.RoomState{Tag: protocol.StateSelectChart, ChartID: r.chartID}
	case PhaseWaitForReady:
		return protocol.RoomState{Tag: protocol.StateWaitForReady, ChartID: r.chartID, Started: r.started}
	default:
		return protocol.RoomState{Tag: protocol.StatePlaying, Aborted: r.aborted}
	}
}

// Roster returns a stable, insertion-ordered snapshot of occupants.
func (r *Room) Roster() []protocol.UserInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.UserInfo, 0, len(r.order))
	for _, id := range r.order {
		if occ, ok := r.users[id]; ok {
			out = append(out, occ.user.ToInfo())
		}
	}
	return out
}

// HostID returns the current host's user ID, or 0 if the room is empty.
func (r *Room) HostID() uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hostID
}

// UserCount returns the number of occupants.
func (r *Room) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// Locked reports whether the room currently rejects new non-monitor joins.
func (r *Room) Locked() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.locked
}

// MaxUsers returns the room's current occupancy ceiling.
func (r *Room) MaxUsers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.maxUsers
}

// IsContest reports whether contest-mode rules are installed on the room.
func (r *Room) IsContest() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.contest != nil
}

// IsCycle reports whether the room rotates its host on every settlement.
func (r *Room) IsCycle() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cycle
}

// SetCycle toggles host rotation on settlement.
func (r *Room) SetCycle(cycle bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cycle = cycle
}

// ReplayEligible reports whether this room was created while the server's
// replay toggle was on.
func (r *Room) ReplayEligible() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.replayEligible
}

// Live reports the room's live flag, set equal to replayEligible at
// creation. The session layer forwards Touches and Judges to every other
// occupant without consulting it.
func (r *Room) Live() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.live
}

// ChartID returns the currently selected chart, including during Playing
// where the wire snapshot omits it. Used server-side to start the replay
// recorder once a match cuts over.
func (r *Room) ChartID() uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.chartID
}

// ValidateJoin reports whether userID may join this room right now, without
// mutating anything. ServerState.JoinRoom calls it after releasing the
// global lock; it takes the room's read lock itself.
func (r *Room) ValidateJoin(userID uint32, monitor bool, banned bool) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if banned {
		return codes.New(codes.RoomBanned)
	}
	if _, already := r.users[userID]; already {
		return codes.New(codes.RoomAlreadyInRoom)
	}
	if r.contest != nil && !r.contest.Whitelist[userID] {
		return codes.New(codes.RoomNotWhitelisted)
	}
	if r.locked && !monitor {
		return codes.New(codes.JoinRoomLocked)
	}
	if !monitor && r.phase != PhaseSelectChart {
		return codes.New(codes.JoinGameOngoing)
	}
	if !monitor && len(r.users) >= r.maxUsers {
		return codes.New(codes.JoinRoomFull)
	}
	return nil
}

// AddUser admits u to the room. The room becomes host if it was empty.
// Returns the assigned host ID and whether u became host.
func (r *Room) AddUser(u *User, monitor bool) (hostID uint32, becameHost bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u.Monitor = monitor
	u.SetRoomID(r.id)
	r.users[u.ID] = &occupant{user: u}
	r.order = append(r.order, u.ID)

	if r.hostID == 0 {
		r.hostID = u.ID
		becameHost = true
	}
	return r.hostID, becameHost
}

// RemoveUser drops userID from the room, migrating or disbanding the host
// seat as needed. Returns the room's new host ID (0 if the room disbanded),
// whether the room is now empty, and — only when contest AutoDisband fires —
// the user IDs of everyone else the caller must now evict from the room.
func (r *Room) RemoveUser(userID uint32) (newHostID uint32, empty bool, evicted []uint32) {
	r.mu.Lock()
	wasHost := r.hostID == userID
	delete(r.users, userID)
	for i, id := range r.order {
		if id == userID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	if wasHost && r.contest != nil && r.contest.AutoDisband {
		evicted = r.order
		r.order = nil
		r.users = make(map[uint32]*occupant)
		r.hostID = 0
		r.mu.Unlock()
		if r.onEmpty != nil {
			r.onEmpty(r.id)
		}
		return 0, true, evicted
	}

	if wasHost {
		if len(r.order) > 0 {
			// Insertion order: the first remaining occupant becomes host.
			r.hostID = r.order[0]
		} else {
			r.hostID = 0
		}
	}
	empty = len(r.users) == 0
	newHostID = r.hostID
	if r.phase == PhaseWaitForReady {
		r.maybeAdvanceReadyLocked()
	}
	r.mu.Unlock()

	if empty && r.onEmpty != nil {
		r.onEmpty(r.id)
	}
	return newHostID, empty, nil
}

// SelectChart lets the host choose (or change) the chart while the room is
// still in its lobby phase.
func (r *Room) SelectChart(userID, chartID uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if userID != r.hostID {
		return codes.New(codes.RoomOnlyHost)
	}
	if r.phase != PhaseSelectChart {
		return codes.New(codes.RoomInvalidState)
	}
	r.chartID = chartID
	return nil
}

// RequestStart is the host's signal to leave the lobby and enter the ready
// phase. It does not start the match itself, in contest mode or otherwise:
// the cutover to Playing happens in Ready once every occupant has readied.
func (r *Room) RequestStart(userID uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if userID != r.hostID {
		return codes.New(codes.RoomOnlyHost)
	}
	if r.phase != PhaseSelectChart {
		return codes.New(codes.RoomInvalidState)
	}
	if r.chartID == 0 {
		return codes.New(codes.StartNoChartSelected)
	}
	r.phase = PhaseWaitForReady
	r.started = true
	for _, occ := range r.users {
		occ.ready = false // monitors must ready up too
	}
	return nil
}

// Ready marks userID as ready to play. Every occupant (players and
// monitors alike) must ready up; once the last one does, the room cuts
// over to Playing synchronously, in the same call.
func (r *Room) Ready(userID uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	occ, ok := r.users[userID]
	if !ok {
		return codes.New(codes.RoomNotFound)
	}
	if r.phase != PhaseWaitForReady {
		return codes.New(codes.RoomInvalidState)
	}
	if occ.ready {
		return codes.New(codes.RoomAlreadyReady)
	}
	occ.ready = true

	r.maybeAdvanceReadyLocked()
	return nil
}

// CancelReady withdraws a previously submitted Ready.
func (r *Room) CancelReady(userID uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	occ, ok := r.users[userID]
	if !ok {
		return codes.New(codes.RoomNotFound)
	}
	if r.phase != PhaseWaitForReady || !occ.ready {
		return codes.New(codes.RoomNotReady)
	}
	occ.ready = false
	return nil
}

// maybeAdvanceReadyLocked cuts the room over to Playing the instant every
// occupant is ready. Caller must hold r.mu.
func (r *Room) maybeAdvanceReadyLocked() {
	if r.phase != PhaseWaitForReady {
		return
	}
	allReady := len(r.users) > 0
	for _, occ := range r.users {
		if !occ.ready {
			allReady = false
			break
		}
	}
	if !allReady {
		return
	}
	r.started = true
	r.phase = PhasePlaying
	r.aborted = false
	for _, occ := range r.users {
		occ.result = nil
	}
}

// SettlementSummary is the best-of-room result computed independently per
// metric (not a combined ranking): highest score, highest accuracy, lowest
// standard deviation, each tie broken by first occurrence in insertion
// order. Reported to clients as a chat-shaped summary, not a per-player
// leaderboard.
type SettlementSummary struct {
	HasResults   bool
	BestScore    uint32
	BestAccuracy float32
	BestStdMs    uint32
	NewHostID    uint32 // 0 if the host did not change
}

// Played records userID's finished-match result. Once every non-monitor
// occupant has reported a result, it settles the match and resets the room
// to its lobby, returning the settlement summary for the caller to
// broadcast.
func (r *Room) Played(userID uint32, entry protocol.SettlementEntry) (summary SettlementSummary, ready bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	occ, ok := r.users[userID]
	if !ok {
		return SettlementSummary{}, false, codes.New(codes.RoomNotFound)
	}
	if r.phase != PhasePlaying {
		return SettlementSummary{}, false, codes.New(codes.RoomInvalidState)
	}
	if occ.user.Monitor {
		return SettlementSummary{}, false, codes.New(codes.RoomInvalidState)
	}
	e := entry
	occ.result = &e

	for _, id := range r.order {
		o, ok := r.users[id]
		if !ok || o.user.Monitor {
			continue
		}
		if o.result == nil {
			return SettlementSummary{}, false, nil
		}
	}

	summary = r.settleLocked()
	r.resetToLobbyLocked()
	return summary, true, nil
}

// Abort ends the current match early and resets the room to its lobby,
// settling on whatever results (if any) were reported so far.
func (r *Room) Abort(userID uint32) (SettlementSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[userID]; !ok {
		return SettlementSummary{}, codes.New(codes.RoomNotFound)
	}
	if r.phase != PhasePlaying {
		return SettlementSummary{}, codes.New(codes.RoomInvalidState)
	}
	r.aborted = true
	summary := r.settleLocked()
	r.resetToLobbyLocked()
	return summary, nil
}

// settleLocked computes the best-of-room summary across whichever results
// are present (a full set on normal completion, a partial set on Abort).
// Each metric is independent: max score, max accuracy, min std, each tied
// by first occurrence in insertion order. If cycle is set, the host seat
// also rotates to the next occupant.
func (r *Room) settleLocked() SettlementSummary {
	var s SettlementSummary
	for _, id := range r.order {
		occ, ok := r.users[id]
		if !ok || occ.result == nil {
			continue
		}
		res := occ.result
		stdMs := uint32(math.Round(float64(res.StdDev) * 1000))
		if !s.HasResults {
			s.HasResults = true
			s.BestScore = res.Score
			s.BestAccuracy = res.Accuracy
			s.BestStdMs = stdMs
			continue
		}
		if res.Score > s.BestScore {
			s.BestScore = res.Score
		}
		if res.Accuracy > s.BestAccuracy {
			s.BestAccuracy = res.Accuracy
		}
		if stdMs < s.BestStdMs {
			s.BestStdMs = stdMs
		}
	}
	if r.cycle {
		before := r.hostID
		r.rotateHostLocked()
		if r.hostID != before {
			s.NewHostID = r.hostID
		}
	}
	return s
}

// rotateHostLocked advances the host seat to the next occupant in
// insertion order, wrapping around. No-op on an empty room.
func (r *Room) rotateHostLocked() {
	if len(r.order) == 0 {
		return
	}
	idx := -1
	for i, id := range r.order {
		if id == r.hostID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return
	}
	r.hostID = r.order[(idx+1)%len(r.order)]
}

func (r *Room) resetToLobbyLocked() {
	r.phase = PhaseSelectChart
	r.chartID = 0
	r.started = false
	r.aborted = false
	for _, occ := range r.users {
		occ.ready = false
		occ.result = nil
	}
}

// SetLocked toggles whether new (non-monitor) joins are rejected.
func (r *Room) SetLocked(locked bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locked = locked
}

// SetMaxUsers clamps and applies a new occupancy ceiling.
func (r *Room) SetMaxUsers(n int) {
	if n < 1 {
		n = 1
	}
	if n > MaxRoomUsers {
		n = MaxRoomUsers
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxUsers = n
}

// SetContest installs or clears contest-mode rules.
func (r *Room) SetContest(c *Contest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contest = c
}

// UpdateWhitelist replaces the contest whitelist in place, a no-op outside contest mode.
func (r *Room) UpdateWhitelist(whitelist map[uint32]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.contest != nil {
		r.contest.Whitelist = whitelist
	}
}

// Users returns the occupants' *User handles, used by admin broadcasts.
func (r *Room) Users() []*User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*User, 0, len(r.order))
	for _, id := range r.order {
		if occ, ok := r.users[id]; ok {
			out = append(out, occ.user)
		}
	}
	return out
}
