package recording

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestFeedWritesHeaderAndFrames(t *testing.T) {
	dir := t.TempDir()
	rec := New(dir, zap.NewNop())

	rec.StartRoom("room1", 42)
	rec.Feed("room1", 7, []byte{1, 2, 3})
	rec.Feed("room1", 7, []byte{4, 5})
	rec.EndRoom("room1")

	userDir := filepath.Join(dir, "7", "42")
	entries, err := os.ReadDir(userDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one replay file, got %d", len(entries))
	}

	data, err := os.ReadFile(filepath.Join(userDir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) < headerSize {
		t.Fatalf("file too short: %d bytes", len(data))
	}
	gotMagic := binary.LittleEndian.Uint16(data[0:2])
	if gotMagic != magic {
		t.Fatalf("bad magic: got %x want %x", gotMagic, magic)
	}
	chartID := binary.LittleEndian.Uint32(data[2:6])
	userID := binary.LittleEndian.Uint32(data[6:10])
	if chartID != 42 || userID != 7 {
		t.Fatalf("bad header fields: chartID=%d userID=%d", chartID, userID)
	}

	body := data[headerSize:]
	n1 := binary.LittleEndian.Uint32(body[0:4])
	if n1 != 3 {
		t.Fatalf("first frame length: got %d want 3", n1)
	}
	frame1 := body[4 : 4+n1]
	if string(frame1) != string([]byte{1, 2, 3}) {
		t.Fatalf("first frame payload mismatch: %v", frame1)
	}
	rest := body[4+n1:]
	n2 := binary.LittleEndian.Uint32(rest[0:4])
	if n2 != 2 {
		t.Fatalf("second frame length: got %d want 2", n2)
	}
}

func TestFeedBeforeStartRoomIsNoop(t *testing.T) {
	dir := t.TempDir()
	rec := New(dir, zap.NewNop())
	rec.Feed("ghost", 1, []byte{1})

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected no files written, got %d entries", len(entries))
	}
}

func TestEndRoomIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	rec := New(dir, zap.NewNop())
	rec.StartRoom("room1", 1)
	rec.EndRoom("room1")
	rec.EndRoom("room1") // must not panic
}

func TestSetRecordIDPatchesHeader(t *testing.T) {
	dir := t.TempDir()
	rec := New(dir, zap.NewNop())
	rec.StartRoom("room1", 5)
	rec.Feed("room1", 1, []byte{9})
	rec.SetRecordID("room1", 1, 999)
	rec.EndRoom("room1")

	userDir := filepath.Join(dir, "1", "5")
	entries, _ := os.ReadDir(userDir)
	data, err := os.ReadFile(filepath.Join(userDir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	gotRecordID := binary.LittleEndian.Uint32(data[10:14])
	if gotRecordID != 999 {
		t.Fatalf("expected patched record id 999, got %d", gotRecordID)
	}
}
