package protocol

import "chartmp/server/internal/codes"

// ClientTag identifies the variant of an incoming ClientCommand.
type ClientTag byte

const (
	TagPing ClientTag = iota
	TagAuthenticate
	TagCreateRoom
	TagJoinRoom
	TagLeaveRoom
	TagLockRoom
	TagCycleRoom
	TagSelectChart
	TagRequestStart
	TagReady
	TagCancelReady
	TagPlayed
	TagAbort
	TagChat
	TagTouches
	TagJudges
)

// AuthTokenSize is the fixed width of the bearer token field on Authenticate.
const AuthTokenSize = 32

// TouchPoint is one finger contact, position compressed to half-precision.
type TouchPoint struct {
	ID byte
	X  float32
	Y  float32
}

// TouchFrame is one sampled instant of the touch stream.
type TouchFrame struct {
	Time   float32
	Points []TouchPoint
}

// JudgeEvent is one note judgement emitted by the client's gameplay engine.
type JudgeEvent struct {
	Time    float32
	Kind    byte
	TimeErr float32
}

// ClientCommand is the decoded form of one incoming frame. Exactly one of
// the Tag-named fields is populated per the Tag value; callers switch on Tag.
type ClientCommand struct {
	Tag ClientTag

	Token    string // Authenticate
	Language string // Authenticate

	RoomID string // CreateRoom, JoinRoom
	Locked bool   // LockRoom
	Cycle  bool   // CycleRoom
	Spectate bool // JoinRoom (join as a monitor, not a player)

	ChartID uint32 // SelectChart

	RecordID uint32  // Played
	Score    uint32  // Played
	Accuracy float32 // Played
	StdDev   float32 // Played

	Text string // Chat

	Touches []TouchFrame // Touches
	Judges  []JudgeEvent // Judges
}

// DecodeCommand parses one frame payload into a ClientCommand.
func DecodeCommand(payload []byte) (*ClientCommand, error) {
	if len(payload) == 0 {
		return nil, codes.New(codes.FrameInvalidLength)
	}
	r := newReader(payload[1:])
	cmd := &ClientCommand{Tag: ClientTag(payload[0])}

	var err error
	switch cmd.Tag {
	case TagPing, TagLeaveRoom, TagRequestStart, TagReady, TagCancelReady, TagAbort:
		// No body.
	case TagAuthenticate:
		cmd.Token, err = r.fixedStr(AuthTokenSize)
		if err != nil {
			return nil, err
		}
		cmd.Language, err = r.str()
	case TagCreateRoom:
		cmd.RoomID, err = r.str()
	case TagJoinRoom:
		if cmd.RoomID, err = r.str(); err != nil {
			return nil, err
		}
		cmd.Spectate, err = r.boolean()
	case TagLockRoom:
		cmd.Locked, err = r.boolean()
	case TagCycleRoom:
		cmd.Cycle, err = r.boolean()
	case TagSelectChart:
		cmd.ChartID, err = r.u32()
	case TagPlayed:
		if cmd.RecordID, err = r.u32(); err != nil {
			return nil, err
		}
		if cmd.Score, err = r.u32(); err != nil {
			return nil, err
		}
		if cmd.Accuracy, err = r.f32(); err != nil {
			return nil, err
		}
		cmd.StdDev, err = r.f32()
	case TagChat:
		cmd.Text, err = r.str()
	case TagTouches:
		cmd.Touches, err = decodeTouchFrames(r)
	case TagJudges:
		cmd.Judges, err = decodeJudgeEvents(r)
	default:
		return nil, codes.New(codes.FrameInvalidLength)
	}
	if err != nil {
		return nil, err
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return cmd, nil
}

func decodeTouchFrames(r *reader) ([]TouchFrame, error) {
	count, err := r.u8()
	if err != nil {
		return nil, err
	}
	frames := make([]TouchFrame, 0, count)
	for i := byte(0); i < count; i++ {
		t, err := r.f32()
		if err != nil {
			return nil, err
		}
		npts, err := r.u8()
		if err != nil {
			return nil, err
		}
		points := make([]TouchPoint, 0, npts)
		for j := byte(0); j < npts; j++ {
			id, err := r.u8()
			if err != nil {
				return nil, err
			}
			x, err := r.half()
			if err != nil {
				return nil, err
			}
			y, err := r.half()
			if err != nil {
				return nil, err
			}
			points = append(points, TouchPoint{ID: id, X: x, Y: y})
		}
		frames = append(frames, TouchFrame{Time: t, Points: points})
	}
	return frames, nil
}

func decodeJudgeEvents(r *reader) ([]JudgeEvent, error) {
	count, err := r.u16()
	if err != nil {
		return nil, err
	}
	events := make([]JudgeEvent, 0, count)
	for i := uint16(0); i < count; i++ {
		t, err := r.f32()
		if err != nil {
			return nil, err
		}
		kind, err := r.u8()
		if err != nil {
			return nil, err
		}
		terr, err := r.f32()
		if err != nil {
			return nil, err
		}
		events = append(events, JudgeEvent{Time: t, Kind: kind, TimeErr: terr})
	}
	return events, nil
}

// EncodeCommand serializes cmd back to wire form. Used by tests and by the
// session layer, which re-encodes Touches and Judges for the replay recorder.
func EncodeCommand(cmd *ClientCommand) []byte {
	w := newWriter(byte(cmd.Tag))
	switch cmd.Tag {
	case TagPing, TagLeaveRoom, TagRequestStart, TagReady, TagCancelReady, TagAbort:
	case TagAuthenticate:
		w.fixedStr(cmd.Token, AuthTokenSize)
		w.str(cmd.Language)
	case TagCreateRoom:
		w.str(cmd.RoomID)
	case TagJoinRoom:
		w.str(cmd.RoomID)
		w.boolean(cmd.Spectate)
	case TagLockRoom:
		w.boolean(cmd.Locked)
	case TagCycleRoom:
		w.boolean(cmd.Cycle)
	case TagSelectChart:
		w.u32(cmd.ChartID)
	case TagPlayed:
		w.u32(cmd.RecordID)
		w.u32(cmd.Score)
		w.f32(cmd.Accuracy)
		w.f32(cmd.StdDev)
	case TagChat:
		w.str(cmd.Text)
	case TagTouches:
		encodeTouchFrames(w, cmd.Touches)
	case TagJudges:
		encodeJudgeEvents(w, cmd.Judges)
	}
	return w.bytes()
}

func encodeTouchFrames(w *writer, frames []TouchFrame) {
	w.u8(byte(len(frames)))
	for _, f := range frames {
		w.f32(f.Time)
		w.u8(byte(len(f.Points)))
		for _, p := range f.Points {
			w.u8(p.ID)
			w.half(p.X)
			w.half(p.Y)
		}
	}
}

func encodeJudgeEvents(w *writer, events []JudgeEvent) {
	w.u16(uint16(len(events)))
	for _, e := range events {
		w.f32(e.Time)
		w.u8(e.Kind)
		w.f32(e.TimeErr)
	}
}
