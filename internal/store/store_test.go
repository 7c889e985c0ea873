package store

import (
	"testing"

	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(":memory:", zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSettingRoundTrip(t *testing.T) {
	st := newTestStore(t)

	if _, ok, err := st.GetSetting("missing"); err != nil || ok {
		t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
	}

	if err := st.SetSetting("motd", "welcome"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	val, ok, err := st.GetSetting("motd")
	if err != nil || !ok || val != "welcome" {
		t.Fatalf("GetSetting: val=%q ok=%v err=%v", val, ok, err)
	}

	if err := st.SetSetting("motd", "updated"); err != nil {
		t.Fatalf("SetSetting update: %v", err)
	}
	val, _, _ = st.GetSetting("motd")
	if val != "updated" {
		t.Fatalf("expected updated value, got %q", val)
	}
}

func TestServerBanLifecycle(t *testing.T) {
	st := newTestStore(t)

	if err := st.InsertServerBan(BanRecord{UserID: 7, Reason: "cheating", BannedBy: 1}); err != nil {
		t.Fatalf("InsertServerBan: %v", err)
	}
	bans, err := st.ServerBans()
	if err != nil || len(bans) != 1 || bans[0] != 7 {
		t.Fatalf("ServerBans: %v err=%v", bans, err)
	}

	if err := st.DeleteServerBan(7); err != nil {
		t.Fatalf("DeleteServerBan: %v", err)
	}
	bans, _ = st.ServerBans()
	if len(bans) != 0 {
		t.Fatalf("expected no bans after delete, got %v", bans)
	}
}

func TestRoomBanLifecycle(t *testing.T) {
	st := newTestStore(t)

	if err := st.InsertRoomBan("room1", BanRecord{UserID: 3, Reason: "griefing"}); err != nil {
		t.Fatalf("InsertRoomBan: %v", err)
	}
	if err := st.InsertRoomBan("room2", BanRecord{UserID: 3}); err != nil {
		t.Fatalf("InsertRoomBan room2: %v", err)
	}

	bans, err := st.RoomBans("room1")
	if err != nil || len(bans) != 1 || bans[0] != 3 {
		t.Fatalf("RoomBans(room1): %v err=%v", bans, err)
	}

	if err := st.DeleteRoomBan("room1", 3); err != nil {
		t.Fatalf("DeleteRoomBan: %v", err)
	}
	bans, _ = st.RoomBans("room1")
	if len(bans) != 0 {
		t.Fatalf("expected room1 bans cleared, got %v", bans)
	}
	bans, _ = st.RoomBans("room2")
	if len(bans) != 1 {
		t.Fatalf("expected room2 ban untouched, got %v", bans)
	}
}

func TestAuditLog(t *testing.T) {
	st := newTestStore(t)

	if err := st.AppendAudit(1, "ban_user", "user:7", ""); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
	if err := st.AppendAudit(1, "lock_room", "room:abc", `{"locked":true}`); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}

	entries, err := st.RecentAudit(10)
	if err != nil {
		t.Fatalf("RecentAudit: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Action != "lock_room" {
		t.Fatalf("expected newest-first ordering, got %q", entries[0].Action)
	}
	if entries[0].DetailsJSON != `{"locked":true}` {
		t.Fatalf("unexpected details json: %q", entries[0].DetailsJSON)
	}
	if entries[1].DetailsJSON != "{}" {
		t.Fatalf("expected default details json, got %q", entries[1].DetailsJSON)
	}
}

func TestRecentAuditRespectsLimit(t *testing.T) {
	st := newTestStore(t)
	for i := 0; i < 5; i++ {
		if err := st.AppendAudit(1, "noop", "", ""); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}
	entries, err := st.RecentAudit(2)
	if err != nil {
		t.Fatalf("RecentAudit: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected limit respected, got %d", len(entries))
	}
}
