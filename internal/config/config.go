// Package config loads the process-wide settings main builds once at
// startup and hands down to every other package. Values come from flags,
// with an optional .env file (via godotenv) providing defaults for anything
// not passed on the command line, grounded on the teacher's flag-based
// bootstrap in its root main.go.
package config

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Config holds both the feature toggles spec.md names directly and the
// process bootstrap fields (listen addresses, store path, identity base
// URL) a complete server needs that the room/session logic itself doesn't
// care about.
type Config struct {
	// Monitors, when false, rejects spectator joins server-wide.
	Monitors bool
	// RoomMaxUsers is the occupancy limit freshly created rooms start with.
	RoomMaxUsers int
	// ReplayEnabled toggles whether played touches/judges are recorded to disk.
	ReplayEnabled bool
	// ServerName is surfaced to operators and clients as a display label.
	ServerName string
	// RoomListTip is a short operator-set message shown alongside room listings.
	RoomListTip string

	ListenAddr    string
	AdminAddr     string
	IdentityURL   string
	DBPath        string
	RecordingsDir string
}

// Load parses flags (falling back to a .env file's values when a flag was
// left at its default and the corresponding env var is set) and returns the
// resulting Config. args should be os.Args[1:].
func Load(args []string) (Config, error) {
	_ = godotenv.Load()

	fs := flag.NewFlagSet("chartmp-server", flag.ContinueOnError)
	listenAddr := fs.String("listen", envOr("CHARTMP_LISTEN", ":9000"), "TCP listen address for the game protocol")
	adminAddr := fs.String("admin-addr", envOr("CHARTMP_ADMIN_ADDR", ":8080"), "admin HTTP/WebSocket listen address")
	identityURL := fs.String("identity-url", envOr("CHARTMP_IDENTITY_URL", "http://localhost:9100"), "base URL of the upstream identity/chart service")
	dbPath := fs.String("db", envOr("CHARTMP_DB", "chartmp.db"), "SQLite database path for settings, bans and audit log")
	recordingsDir := fs.String("recordings-dir", envOr("CHARTMP_RECORDINGS_DIR", "recordings"), "directory replay files are written under")
	serverName := fs.String("server-name", envOr("CHARTMP_SERVER_NAME", "chartmp"), "display name surfaced to operators and clients")
	roomListTip := fs.String("room-list-tip", envOr("CHARTMP_ROOM_LIST_TIP", ""), "operator message shown alongside room listings")
	roomMaxUsers := fs.Int("room-max-users", envOrInt("CHARTMP_ROOM_MAX_USERS", 8), "occupancy limit new rooms start with")
	monitors := fs.Bool("monitors", envOrBool("CHARTMP_MONITORS", true), "allow spectator joins")
	replayEnabled := fs.Bool("replay", envOrBool("CHARTMP_REPLAY_ENABLED", true), "record played touches/judges to disk")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	return Config{
		Monitors:      *monitors,
		RoomMaxUsers:  *roomMaxUsers,
		ReplayEnabled: *replayEnabled,
		ServerName:    *serverName,
		RoomListTip:   *roomListTip,
		ListenAddr:    *listenAddr,
		AdminAddr:     *adminAddr,
		IdentityURL:   *identityURL,
		DBPath:        *dbPath,
		RecordingsDir: *recordingsDir,
	}, nil
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envOrInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return def
	}
	return n
}

func envOrBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	return v == "1" || v == "true" || v == "yes"
}
