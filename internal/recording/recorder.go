// Package recording persists each player's touch/judge stream to disk as a
// replay file, so a finished match can be re-fetched and re-scored later.
// One file per (room, user) per match: an append-only FIFO write path,
// mirroring the teacher's ChannelRecorder — idempotent Start/Stop, errors
// logged and swallowed rather than propagated, since a failed recording
// must never take down a live match.
package recording

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// magic identifies a replay file; written as the first two bytes.
const magic uint16 = 0x504d

// headerSize is magic(2) + chartID(4) + userID(4) + recordID(4).
const headerSize = 14

// recordIDOffset is where the assigned record ID is patched in once the
// upstream record service returns it.
const recordIDOffset = 10

type recordFile struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	recordID uint32
}

func (rf *recordFile) writeFrame(payload []byte) {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := rf.f.Write(lenBuf[:]); err != nil {
		return
	}
	_, _ = rf.f.Write(payload)
}

func (rf *recordFile) setRecordID(id uint32) {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	rf.recordID = id
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], id)
	_, _ = rf.f.WriteAt(buf[:], recordIDOffset)
}

func (rf *recordFile) close() {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	_ = rf.f.Close()
}

type activeRoom struct {
	mu      sync.Mutex
	chartID uint32
	files   map[uint32]*recordFile // userID -> file
}

// Recorder implements core.Recorder, writing one file per (room, user) to
// baseDir. Safe for concurrent use by many sessions.
type Recorder struct {
	baseDir string
	logger  *zap.Logger

	mu    sync.Mutex
	rooms map[string]*activeRoom
}

// New constructs a Recorder writing under baseDir.
func New(baseDir string, logger *zap.Logger) *Recorder {
	return &Recorder{
		baseDir: baseDir,
		logger:  logger,
		rooms:   make(map[string]*activeRoom),
	}
}

// StartRoom opens a fresh recording window for roomID. Calling it again for
// a room that's already recording is a no-op (other than updating the
// chart ID used for files opened from here on).
func (rec *Recorder) StartRoom(roomID string, chartID uint32) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if ar, ok := rec.rooms[roomID]; ok {
		ar.mu.Lock()
		ar.chartID = chartID
		ar.mu.Unlock()
		return
	}
	rec.rooms[roomID] = &activeRoom{chartID: chartID, files: make(map[uint32]*recordFile)}
}

// EndRoom closes every file opened for roomID's current match. Idempotent.
func (rec *Recorder) EndRoom(roomID string) {
	rec.mu.Lock()
	ar, ok := rec.rooms[roomID]
	delete(rec.rooms, roomID)
	rec.mu.Unlock()
	if !ok {
		return
	}
	ar.mu.Lock()
	defer ar.mu.Unlock()
	for userID, f := range ar.files {
		f.close()
		rec.logger.Debug("replay file closed", zap.String("room_id", roomID), zap.Uint32("user_id", userID), zap.String("path", f.path))
	}
}

// Feed appends one encoded command frame to userID's replay file for
// roomID, opening the file on first use. Errors are logged and swallowed:
// a broken recording must never interrupt the match it's recording.
func (rec *Recorder) Feed(roomID string, userID uint32, frame []byte) {
	rec.mu.Lock()
	ar, ok := rec.rooms[roomID]
	rec.mu.Unlock()
	if !ok {
		return
	}

	ar.mu.Lock()
	f, ok := ar.files[userID]
	chartID := ar.chartID
	if !ok {
		var err error
		f, err = rec.openFile(roomID, userID, chartID)
		if err != nil {
			ar.mu.Unlock()
			rec.logger.Warn("replay open failed", zap.String("room_id", roomID), zap.Uint32("user_id", userID), zap.Error(err))
			return
		}
		ar.files[userID] = f
	}
	ar.mu.Unlock()

	f.writeFrame(frame)
}

// SetRecordID patches the already-written header once the upstream record
// service has assigned a durable record ID to an uploaded replay.
func (rec *Recorder) SetRecordID(roomID string, userID uint32, recordID uint32) {
	rec.mu.Lock()
	ar, ok := rec.rooms[roomID]
	rec.mu.Unlock()
	if !ok {
		return
	}
	ar.mu.Lock()
	f, ok := ar.files[userID]
	ar.mu.Unlock()
	if !ok {
		return
	}
	f.setRecordID(recordID)
}

func (rec *Recorder) openFile(roomID string, userID, chartID uint32) (*recordFile, error) {
	dir := filepath.Join(rec.baseDir, fmt.Sprint(userID), fmt.Sprint(chartID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("%d.phirarec", time.Now().UnixMilli())
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}

	var header [headerSize]byte
	binary.LittleEndian.PutUint16(header[0:2], magic)
	binary.LittleEndian.PutUint32(header[2:6], chartID)
	binary.LittleEndian.PutUint32(header[6:10], userID)
	binary.LittleEndian.PutUint32(header[10:14], 0)
	if _, err := f.Write(header[:]); err != nil {
		f.Close()
		return nil, err
	}

	rec.logger.Debug("replay file opened", zap.String("room_id", roomID), zap.Uint32("user_id", userID), zap.String("path", path))
	return &recordFile{f: f, path: path}, nil
}
