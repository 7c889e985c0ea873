package main

import (
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"

	"chartmp/server/internal/store"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("chartmp server %s\n", Version)
		return true
	case "stats":
		return cliStats(dbPath)
	case "ban":
		return cliBan(args[1:], dbPath)
	case "unban":
		return cliUnban(args[1:], dbPath)
	default:
		return false
	}
}

func openCLIStore(dbPath string) *store.Store {
	st, err := store.Open(dbPath, zap.NewNop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	return st
}

func cliStats(dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()

	name, _, _ := st.GetSetting("server_name")
	bans, err := st.ServerBans()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	audit, err := st.RecentAudit(5)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Server: %s\n", name)
	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Version: %s\n", Version)
	fmt.Printf("Server-wide bans: %d\n", len(bans))
	fmt.Println("Recent audit entries:")
	for _, e := range audit {
		fmt.Printf("  [%d] actor=%d %s %s at %d\n", e.ID, e.ActorID, e.Action, e.Target, e.CreatedAt)
	}
	return true
}

func cliBan(args []string, dbPath string) bool {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: server ban <user-id> [reason]")
		os.Exit(1)
	}
	userID, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid user id %q: %v\n", args[0], err)
		os.Exit(1)
	}
	reason := ""
	if len(args) > 1 {
		reason = args[1]
	}

	st := openCLIStore(dbPath)
	defer st.Close()

	if err := st.InsertServerBan(store.BanRecord{UserID: uint32(userID), Reason: reason, BannedBy: 0}); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	_ = st.AppendAudit(0, "ban_user", fmt.Sprintf("user:%d", userID), reason)
	fmt.Printf("Banned user %d\n", userID)
	return true
}

func cliUnban(args []string, dbPath string) bool {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: server unban <user-id>")
		os.Exit(1)
	}
	userID, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid user id %q: %v\n", args[0], err)
		os.Exit(1)
	}

	st := openCLIStore(dbPath)
	defer st.Close()

	if err := st.DeleteServerBan(uint32(userID)); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	_ = st.AppendAudit(0, "unban_user", fmt.Sprintf("user:%d", userID), "")
	fmt.Printf("Unbanned user %d\n", userID)
	return true
}
