package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"chartmp/server/internal/config"
	"chartmp/server/internal/core"
	"chartmp/server/internal/metrics"
)

func newTestServer(t *testing.T) (*Server, *core.ServerState) {
	t.Helper()
	logger := zap.NewNop()
	state := core.NewServerState(logger, nil)
	admin := core.NewAdmin(state, logger)
	cfg := config.Config{ServerName: "test", RoomMaxUsers: 8, Monitors: true, ReplayEnabled: true}
	return New(admin, state, nil, nil, metrics.New(), cfg, logger), state
}

func TestInfoReportsConfig(t *testing.T) {
	api, _ := newTestServer(t)
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/info")
	if err != nil {
		t.Fatalf("GET /api/info: %v", err)
	}
	defer resp.Body.Close()
	var info infoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.ServerName != "test" || info.RoomMaxUsers != 8 {
		t.Fatalf("unexpected info payload: %#v", info)
	}
}

func TestHealthResponseCarriesCorrelationID(t *testing.T) {
	api, _ := newTestServer(t)
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("X-Correlation-ID") == "" {
		t.Fatalf("expected a correlation ID header on the response")
	}
}

func TestHealthReportsRoomCount(t *testing.T) {
	api, state := newTestServer(t)
	u := core.NewUser(1, "alice", "en")
	state.RegisterUser(u)
	if _, err := state.CreateRoom("room1", u); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != "ok" || health.Rooms != 1 {
		t.Fatalf("unexpected health payload: %#v", health)
	}
}

func TestListAndGetRoom(t *testing.T) {
	api, state := newTestServer(t)
	u := core.NewUser(2, "bob", "en")
	state.RegisterUser(u)
	if _, err := state.CreateRoom("room2", u); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/rooms")
	if err != nil {
		t.Fatalf("GET /api/rooms: %v", err)
	}
	defer resp.Body.Close()
	var rooms []roomSummary
	if err := json.NewDecoder(resp.Body).Decode(&rooms); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rooms) != 1 || rooms[0].ID != "room2" || rooms[0].HostID != 2 {
		t.Fatalf("unexpected rooms list: %#v", rooms)
	}

	resp2, err := http.Get(ts.URL + "/api/rooms/room2")
	if err != nil {
		t.Fatalf("GET /api/rooms/room2: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp2.StatusCode)
	}

	resp3, err := http.Get(ts.URL + "/api/rooms/missing")
	if err != nil {
		t.Fatalf("GET /api/rooms/missing: %v", err)
	}
	defer resp3.Body.Close()
	if resp3.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp3.StatusCode)
	}
}

func TestSetMaxUsersAndDisbandRoom(t *testing.T) {
	api, state := newTestServer(t)
	u := core.NewUser(3, "carol", "en")
	state.RegisterUser(u)
	if _, err := state.CreateRoom("room3", u); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	body, _ := json.Marshal(map[string]int{"max_users": 4})
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/rooms/room3/max-users", bytes.NewReader(body))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT max-users: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	r, _ := state.Room("room3")
	if r.MaxUsers() != 4 {
		t.Fatalf("expected max users 4, got %d", r.MaxUsers())
	}

	delReq, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/rooms/room3", nil)
	delResp, err := http.DefaultClient.Do(delReq)
	if err != nil {
		t.Fatalf("DELETE room: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", delResp.StatusCode)
	}
	if _, ok := state.Room("room3"); ok {
		t.Fatalf("expected room3 to be disbanded")
	}
}

func TestBanAndUnbanUser(t *testing.T) {
	api, state := newTestServer(t)
	u := core.NewUser(4, "dave", "en")
	state.RegisterUser(u)

	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/users/4/ban", "application/json", nil)
	if err != nil {
		t.Fatalf("POST ban: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if !state.IsServerBanned(4) {
		t.Fatalf("expected user 4 banned")
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/users/4/ban", nil)
	unbanResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE ban: %v", err)
	}
	unbanResp.Body.Close()
	if state.IsServerBanned(4) {
		t.Fatalf("expected user 4 unbanned")
	}
}

func TestMoveUserRelocatesBetweenRooms(t *testing.T) {
	api, state := newTestServer(t)
	host1 := core.NewUser(5, "erin", "en")
	host2 := core.NewUser(6, "frank", "en")
	state.RegisterUser(host1)
	state.RegisterUser(host2)
	if _, err := state.CreateRoom("roomA", host1); err != nil {
		t.Fatalf("CreateRoom A: %v", err)
	}
	if _, err := state.CreateRoom("roomB", host2); err != nil {
		t.Fatalf("CreateRoom B: %v", err)
	}
	host1.MarkDangle() // MoveUser requires the user to be currently disconnected

	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	body, _ := json.Marshal(map[string]string{"room_id": "roomB"})
	resp, err := http.Post(ts.URL+"/api/users/5/move", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST move: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	roomB, _ := state.Room("roomB")
	if roomB.UserCount() != 2 {
		t.Fatalf("expected 2 occupants in roomB, got %d", roomB.UserCount())
	}
	if _, ok := state.Room("roomA"); ok {
		t.Fatalf("expected roomA to have disbanded once empty")
	}
}
