// Package session owns the per-connection lifecycle: handshake, heartbeat,
// authentication, and dispatch of decoded commands into the core room
// machinery. It is the layer that turns a raw net.Conn into an active
// participant in a Room.
package session

import (
	"bufio"
	"net"
	"sync"
	"time"

	"chartmp/server/internal/codes"
	"chartmp/server/internal/protocol"
)

// ProtocolVersion is the single handshake byte this server speaks. A
// connecting client sends the same byte back; any mismatch fails the
// handshake and the connection is closed without further reads.
const ProtocolVersion byte = 1

// HeartbeatInterval is how often the stream checks for a stalled peer.
const HeartbeatInterval = 500 * time.Millisecond

// HeartbeatTimeout is the maximum silence tolerated from a peer before the
// stream is declared Lost.
const HeartbeatTimeout = 30 * time.Second

// stream wraps one TCP connection with framed send/recv and a single
// in-flight write at a time (mirrors the teacher's one-ctrl-writer-per-
// client discipline: concurrent broadcast and reply paths both go through
// this same serialized Send).
type stream struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	sendMu sync.Mutex

	lastRecvMu sync.Mutex
	lastRecv   time.Time
}

func newStream(conn net.Conn) *stream {
	return &stream{
		conn:     conn,
		reader:   bufio.NewReader(conn),
		writer:   bufio.NewWriter(conn),
		lastRecv: time.Now(),
	}
}

// handshake exchanges the one-byte protocol version. Returns
// codes.FrameInvalidLength if the peer speaks a different version.
func (s *stream) handshake() error {
	if _, err := s.writer.Write([]byte{ProtocolVersion}); err != nil {
		return err
	}
	if err := s.writer.Flush(); err != nil {
		return err
	}
	got, err := s.reader.ReadByte()
	if err != nil {
		return codes.New(codes.BinaryUnexpectedEOF)
	}
	if got != ProtocolVersion {
		return codes.New(codes.FrameInvalidLength)
	}
	return nil
}

// readCommand blocks for the next frame and decodes it as a ClientCommand.
func (s *stream) readCommand() (*protocol.ClientCommand, error) {
	payload, err := protocol.ReadFrame(s.reader)
	if err != nil {
		return nil, err
	}
	s.lastRecvMu.Lock()
	s.lastRecv = time.Now()
	s.lastRecvMu.Unlock()
	return protocol.DecodeCommand(payload)
}

// sendMessage encodes and writes one ServerMessage frame. Safe for
// concurrent use; at most one frame is ever being written at a time.
func (s *stream) sendMessage(msg *protocol.ServerMessage) error {
	payload := protocol.EncodeMessage(msg)
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return protocol.WriteFrame(s.writer, payload)
}

// silentFor reports how long it has been since the last frame was received.
func (s *stream) silentFor() time.Duration {
	s.lastRecvMu.Lock()
	defer s.lastRecvMu.Unlock()
	return time.Since(s.lastRecv)
}

func (s *stream) close() error {
	return s.conn.Close()
}
