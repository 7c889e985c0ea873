package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"

	"go.uber.org/zap"

	"chartmp/server/internal/config"
	"chartmp/server/internal/core"
	"chartmp/server/internal/httpapi"
	"chartmp/server/internal/identity"
	"chartmp/server/internal/metrics"
	"chartmp/server/internal/recording"
	"chartmp/server/internal/session"
	"chartmp/server/internal/store"
	"chartmp/server/internal/ws"
)

// Version is the current server version. Set at build time via -ldflags.
var Version = "0.1.0-dev"

func main() {
	// Check for CLI subcommands before parsing the serve-mode flags.
	if len(os.Args) > 1 {
		if RunCLI(os.Args[1:], "chartmp.db") {
			return
		}
	}

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer st.Close()
	seedDefaults(st, cfg, logger)

	rec := recording.New(cfg.RecordingsDir, logger)

	state := core.NewServerState(logger, rec)
	if !cfg.Monitors {
		state.DisableMonitors()
	}
	state.SetDefaultMaxUsers(cfg.RoomMaxUsers)
	state.SetReplayEnabled(cfg.ReplayEnabled)
	restoreBans(st, state, logger)

	admin := core.NewAdmin(state, logger)
	idc := identity.New(cfg.IdentityURL)
	m := metrics.New()
	hub := ws.NewHub(state, logger)
	api := httpapi.New(admin, state, st, hub, m, cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	go func() {
		if err := api.Run(ctx, cfg.AdminAddr); err != nil {
			logger.Error("admin http server stopped", zap.Error(err))
		}
	}()
	logger.Info("admin http listening", zap.String("addr", cfg.AdminAddr))

	if cfg.ReplayEnabled {
		logger.Info("replay recording enabled", zap.String("dir", cfg.RecordingsDir))
	}

	if err := runListener(ctx, cfg.ListenAddr, state, idc, rec, logger); err != nil {
		logger.Fatal("listener stopped", zap.Error(err))
	}
}

// runListener accepts TCP connections and spawns one session per
// connection until ctx is canceled. The recorder is always wired through;
// whether a given room actually gets recorded is decided per-room by
// Room.ReplayEligible, snapshotted from the server's replay toggle at the
// moment each room was created.
func runListener(ctx context.Context, addr string, state *core.ServerState, idc *identity.Client, rec *recording.Recorder, logger *zap.Logger) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	logger.Info("game listener started", zap.String("addr", addr))

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				logger.Warn("accept", zap.Error(err))
				continue
			}
		}
		sess := session.New(conn, state, idc, rec, logger)
		go sess.Run(ctx)
	}
}

// seedDefaults writes factory-default settings when they have not been set
// yet, so the first run persists the configured server name and tip.
func seedDefaults(st *store.Store, cfg config.Config, logger *zap.Logger) {
	defaults := [][2]string{
		{"server_name", cfg.ServerName},
		{"room_list_tip", cfg.RoomListTip},
	}
	for _, kv := range defaults {
		if _, ok, err := st.GetSetting(kv[0]); err == nil && !ok {
			if err := st.SetSetting(kv[0], kv[1]); err != nil {
				logger.Warn("seed setting", zap.String("key", kv[0]), zap.Error(err))
			}
		}
	}
}

// restoreBans replays persisted server bans into the live registry on
// startup, so a restart doesn't silently let banned users back in.
func restoreBans(st *store.Store, state *core.ServerState, logger *zap.Logger) {
	ids, err := st.ServerBans()
	if err != nil {
		logger.Warn("load server bans", zap.Error(err))
		return
	}
	for _, id := range ids {
		state.BanFromServer(id)
	}
}
