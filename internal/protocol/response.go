package protocol

import "chartmp/server/internal/codes"

// ServerTag identifies the variant of an outgoing ServerMessage.
type ServerTag byte

const (
	TagPong ServerTag = iota
	TagOk
	TagErr
	TagOnJoinRoom
	TagChangeState
	TagChangeHost
	TagUserJoined
	TagUserLeft
	TagMessage
	TagTouchesForward
	TagJudgesForward
	TagSettlement
)

// RoomStateTag identifies which phase of the room state machine a
// RoomState snapshot describes.
type RoomStateTag byte

const (
	StateSelectChart RoomStateTag = iota
	StateWaitForReady
	StatePlaying
)

// RoomState is the wire form of a room's current phase.
type RoomState struct {
	Tag RoomStateTag

	ChartID uint32 // SelectChart, WaitForReady

	Started bool // WaitForReady: host has called RequestStart

	Aborted bool // Playing: a player called Abort
}

// UserInfo is the wire form of one room occupant, used in roster pushes.
type UserInfo struct {
	ID       uint32
	Name     string
	Language string
	Monitor  bool
}

// SettlementEntry is one player's result row in a Settlement push.
type SettlementEntry struct {
	UserID   uint32
	Score    uint32
	Accuracy float32
	StdDev   float32
}

// ServerMessage is the decoded form of one outgoing push/response. Exactly
// one of the Tag-named field groups is populated per the Tag value.
type ServerMessage struct {
	Tag ServerTag

	Code string // Err

	RoomID string     // OnJoinRoom
	HostID uint32      // OnJoinRoom, ChangeHost
	SelfID uint32      // OnJoinRoom
	State  RoomState   // OnJoinRoom, ChangeState
	Users  []UserInfo  // OnJoinRoom

	User   UserInfo // UserJoined
	UserID uint32   // UserLeft, Message source, TouchesForward/JudgesForward source

	Text string // Message

	Touches []TouchFrame // TouchesForward
	Judges  []JudgeEvent // JudgesForward

	Results []SettlementEntry // Settlement
}

// EncodeMessage serializes msg to wire form.
func EncodeMessage(msg *ServerMessage) []byte {
	w := newWriter(byte(msg.Tag))
	switch msg.Tag {
	case TagPong, TagOk:
	case TagErr:
		w.str(msg.Code)
	case TagOnJoinRoom:
		w.str(msg.RoomID)
		w.u32(msg.HostID)
		w.u32(msg.SelfID)
		encodeRoomState(w, msg.State)
		w.u16(uint16(len(msg.Users)))
		for _, u := range msg.Users {
			encodeUserInfo(w, u)
		}
	case TagChangeState:
		encodeRoomState(w, msg.State)
	case TagChangeHost:
		w.u32(msg.HostID)
	case TagUserJoined:
		encodeUserInfo(w, msg.User)
	case TagUserLeft:
		w.u32(msg.UserID)
	case TagMessage:
		w.u32(msg.UserID)
		w.str(msg.Text)
	case TagTouchesForward:
		w.u32(msg.UserID)
		encodeTouchFrames(w, msg.Touches)
	case TagJudgesForward:
		w.u32(msg.UserID)
		encodeJudgeEvents(w, msg.Judges)
	case TagSettlement:
		w.u16(uint16(len(msg.Results)))
		for _, res := range msg.Results {
			w.u32(res.UserID)
			w.u32(res.Score)
			w.f32(res.Accuracy)
			w.f32(res.StdDev)
		}
	}
	return w.bytes()
}

func encodeRoomState(w *writer, s RoomState) {
	w.u8(byte(s.Tag))
	switch s.Tag {
	case StateSelectChart:
		w.u32(s.ChartID)
	case StateWaitForReady:
		w.u32(s.ChartID)
		w.boolean(s.Started)
	case StatePlaying:
		w.boolean(s.Aborted)
	}
}

func encodeUserInfo(w *writer, u UserInfo) {
	w.u32(u.ID)
	w.str(u.Name)
	w.str(u.Language)
	w.boolean(u.Monitor)
}

// DecodeMessage parses one frame payload into a ServerMessage. Exercised by
// tests and by any tooling that replays a captured session; the live server
// only encodes messages.
func DecodeMessage(payload []byte) (*ServerMessage, error) {
	if len(payload) == 0 {
		return nil, codes.New(codes.FrameInvalidLength)
	}
	r := newReader(payload[1:])
	msg := &ServerMessage{Tag: ServerTag(payload[0])}

	var err error
	switch msg.Tag {
	case TagPong, TagOk:
	case TagErr:
		msg.Code, err = r.str()
	case TagOnJoinRoom:
		if msg.RoomID, err = r.str(); err != nil {
			return nil, err
		}
		if msg.HostID, err = r.u32(); err != nil {
			return nil, err
		}
		if msg.SelfID, err = r.u32(); err != nil {
			return nil, err
		}
		if msg.State, err = decodeRoomState(r); err != nil {
			return nil, err
		}
		msg.Users, err = decodeUserInfos(r)
	case TagChangeState:
		msg.State, err = decodeRoomState(r)
	case TagChangeHost:
		msg.HostID, err = r.u32()
	case TagUserJoined:
		msg.User, err = decodeUserInfo(r)
	case TagUserLeft:
		msg.UserID, err = r.u32()
	case TagMessage:
		if msg.UserID, err = r.u32(); err != nil {
			return nil, err
		}
		msg.Text, err = r.str()
	case TagTouchesForward:
		if msg.UserID, err = r.u32(); err != nil {
			return nil, err
		}
		msg.Touches, err = decodeTouchFrames(r)
	case TagJudgesForward:
		if msg.UserID, err = r.u32(); err != nil {
			return nil, err
		}
		msg.Judges, err = decodeJudgeEvents(r)
	case TagSettlement:
		msg.Results, err = decodeSettlement(r)
	default:
		return nil, codes.New(codes.FrameInvalidLength)
	}
	if err != nil {
		return nil, err
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return msg, nil
}

func decodeRoomState(r *reader) (RoomState, error) {
	tag, err := r.u8()
	if err != nil {
		return RoomState{}, err
	}
	s := RoomState{Tag: RoomStateTag(tag)}
	switch s.Tag {
	case StateSelectChart:
		s.ChartID, err = r.u32()
	case StateWaitForReady:
		if s.ChartID, err = r.u32(); err != nil {
			return s, err
		}
		s.Started, err = r.boolean()
	case StatePlaying:
		s.Aborted, err = r.boolean()
	default:
		return s, codes.New(codes.FrameInvalidLength)
	}
	return s, err
}

func decodeUserInfo(r *reader) (UserInfo, error) {
	id, err := r.u32()
	if err != nil {
		return UserInfo{}, err
	}
	name, err := r.str()
	if err != nil {
		return UserInfo{}, err
	}
	lang, err := r.str()
	if err != nil {
		return UserInfo{}, err
	}
	monitor, err := r.boolean()
	if err != nil {
		return UserInfo{}, err
	}
	return UserInfo{ID: id, Name: name, Language: lang, Monitor: monitor}, nil
}

func decodeUserInfos(r *reader) ([]UserInfo, error) {
	n, err := r.u16()
	if err != nil {
		return nil, err
	}
	users := make([]UserInfo, 0, n)
	for i := uint16(0); i < n; i++ {
		u, err := decodeUserInfo(r)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, nil
}

func decodeSettlement(r *reader) ([]SettlementEntry, error) {
	n, err := r.u16()
	if err != nil {
		return nil, err
	}
	results := make([]SettlementEntry, 0, n)
	for i := uint16(0); i < n; i++ {
		userID, err := r.u32()
		if err != nil {
			return nil, err
		}
		score, err := r.u32()
		if err != nil {
			return nil, err
		}
		accuracy, err := r.f32()
		if err != nil {
			return nil, err
		}
		stdDev, err := r.f32()
		if err != nil {
			return nil, err
		}
		results = append(results, SettlementEntry{UserID: userID, Score: score, Accuracy: accuracy, StdDev: stdDev})
	}
	return results, nil
}
