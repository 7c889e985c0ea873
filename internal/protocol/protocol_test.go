package protocol

import (
	"bufio"
	"bytes"
	"testing"

	"chartmp/server/internal/codes"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	payload := []byte{1, 2, 3, 4, 5}
	if err := WriteFrame(w, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %v, want %v", got, payload)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	_ = w.Flush()
	var lenBuf [4]byte
	lenBuf[0] = 0xff
	lenBuf[1] = 0xff
	lenBuf[2] = 0xff
	lenBuf[3] = 0xff
	buf.Write(lenBuf[:])

	_, err := ReadFrame(&buf)
	code, ok := codes.As(err)
	if !ok || code != codes.FramePayloadTooLarge {
		t.Fatalf("expected FramePayloadTooLarge, got %v", err)
	}
}

func TestReadFrameRejectsZeroLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0})

	_, err := ReadFrame(&buf)
	code, ok := codes.As(err)
	if !ok || code != codes.FrameInvalidLength {
		t.Fatalf("expected FrameInvalidLength, got %v", err)
	}
}

func TestReadFrameRejectsTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{5, 0, 0, 0}) // claims 5 bytes
	buf.Write([]byte{1, 2})      // only 2 present

	_, err := ReadFrame(&buf)
	code, ok := codes.As(err)
	if !ok || code != codes.BinaryUnexpectedEOF {
		t.Fatalf("expected BinaryUnexpectedEOF, got %v", err)
	}
}

func TestHalfFloatRoundTrip(t *testing.T) {
	cases := []float32{0, 1, -1, 0.5, -0.5, 100.25, -100.25, 65504, -65504}
	for _, want := range cases {
		bits := float32ToHalf16(want)
		got := half16ToFloat32(bits)
		diff := got - want
		if diff < 0 {
			diff = -diff
		}
		// Half precision has ~3 decimal digits; allow proportional slop.
		tolerance := float32(0.01)
		if want != 0 {
			tolerance = abs32(want) * 0.01
		}
		if diff > tolerance {
			t.Errorf("half roundtrip of %v: got %v (diff %v, tolerance %v)", want, got, diff, tolerance)
		}
	}
}

func abs32(f float32) float32 {
	if f < 0 {
		return -f
	}
	return f
}

func TestCommandRoundTrip(t *testing.T) {
	cases := []*ClientCommand{
		{Tag: TagPing},
		{Tag: TagAuthenticate, Token: "abcdefghijklmnopqrstuvwxyz012345", Language: "en"},
		{Tag: TagCreateRoom, RoomID: "room1"},
		{Tag: TagJoinRoom, RoomID: "room1", Spectate: true},
		{Tag: TagLockRoom, Locked: true},
		{Tag: TagSelectChart, ChartID: 42},
		{Tag: TagPlayed, RecordID: 7, Score: 999000, Accuracy: 0.987, StdDev: 1.5},
		{Tag: TagChat, Text: "gg"},
		{Tag: TagTouches, Touches: []TouchFrame{
			{Time: 1.25, Points: []TouchPoint{{ID: 0, X: 0.5, Y: 0.75}, {ID: 1, X: -0.5, Y: 0.1}}},
		}},
		{Tag: TagJudges, Judges: []JudgeEvent{{Time: 1.0, Kind: 3, TimeErr: -0.002}}},
	}

	for _, c := range cases {
		encoded := EncodeCommand(c)
		decoded, err := DecodeCommand(encoded)
		if err != nil {
			t.Fatalf("tag %d: decode: %v", c.Tag, err)
		}
		if decoded.Tag != c.Tag {
			t.Fatalf("tag mismatch: got %d want %d", decoded.Tag, c.Tag)
		}
	}
}

func TestMessageRoundTrip(t *testing.T) {
	cases := []*ServerMessage{
		{Tag: TagPong},
		{Tag: TagOk},
		{Tag: TagErr, Code: string(codes.RoomNotFound)},
		{Tag: TagOnJoinRoom, RoomID: "room1", HostID: 1, SelfID: 2,
			State: RoomState{Tag: StateSelectChart, ChartID: 0},
			Users: []UserInfo{{ID: 1, Name: "host", Language: "en"}}},
		{Tag: TagChangeState, State: RoomState{Tag: StateWaitForReady, ChartID: 5, Started: true}},
		{Tag: TagChangeHost, HostID: 3},
		{Tag: TagUserJoined, User: UserInfo{ID: 9, Name: "new", Monitor: true}},
		{Tag: TagUserLeft, UserID: 9},
		{Tag: TagMessage, UserID: 1, Text: "hi"},
		{Tag: TagSettlement, Results: []SettlementEntry{{UserID: 1, Score: 1000000, Accuracy: 1.0, StdDev: 0}}},
	}

	for _, m := range cases {
		encoded := EncodeMessage(m)
		decoded, err := DecodeMessage(encoded)
		if err != nil {
			t.Fatalf("tag %d: decode: %v", m.Tag, err)
		}
		if decoded.Tag != m.Tag {
			t.Fatalf("tag mismatch: got %d want %d", decoded.Tag, m.Tag)
		}
	}
}

func TestDecodeCommandRejectsEmptyPayload(t *testing.T) {
	_, err := DecodeCommand(nil)
	if _, ok := codes.As(err); !ok {
		t.Fatalf("expected coded error, got %v", err)
	}
}

func TestDecodeCommandRejectsTrailingBytes(t *testing.T) {
	payload := []byte{byte(TagPing), 1, 2, 3}
	if _, err := DecodeCommand(payload); err == nil {
		t.Fatal("expected error for trailing bytes after Ping")
	}
}
