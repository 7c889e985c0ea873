// Package httpapi is the thin Echo binding for every operator-facing
// control in internal/core/admin.go, plus read-only room/session listings,
// health, and Prometheus metrics. It never holds any domain state of its
// own: every handler either reads a snapshot off core.ServerState or calls
// straight through to core.Admin.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"chartmp/server/internal/codes"
	"chartmp/server/internal/config"
	"chartmp/server/internal/core"
	"chartmp/server/internal/metrics"
	"chartmp/server/internal/store"
	"chartmp/server/internal/ws"
)

// Server is the Echo application binding admin operations to HTTP routes.
type Server struct {
	echo    *echo.Echo
	admin   *core.Admin
	state   *core.ServerState
	store   *store.Store
	hub     *ws.Hub
	metrics *metrics.Metrics
	cfg     config.Config
	logger  *zap.Logger
}

// New constructs an Echo app wired to admin, the live server state, the
// persistent store, the websocket push hub, and a metrics registry.
func New(admin *core.Admin, state *core.ServerState, st *store.Store, hub *ws.Hub, m *metrics.Metrics, cfg config.Config, logger *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, admin: admin, state: state, store: st, hub: hub, metrics: m, cfg: cfg, logger: logger}
	e.Use(s.requestLogger())
	s.registerRoutes()
	return s
}

// headerCorrelationID is the header operators can set to carry their own
// correlation ID through to the log line; one is minted when absent.
const headerCorrelationID = "X-Correlation-ID"

// requestLogger logs each HTTP request via zap, at debug level for the
// high-frequency /ws and /health endpoints. Every request is tagged with a
// correlation ID, echoed back in the response header, so an operator's
// client-side log can be matched to the server-side one.
func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			correlationID := req.Header.Get(headerCorrelationID)
			if correlationID == "" {
				correlationID = uuid.New().String()
			}
			c.Response().Header().Set(headerCorrelationID, correlationID)

			err := next(c)
			if err != nil {
				c.Error(err)
			}
			fields := []zap.Field{
				zap.String("correlation_id", correlationID),
				zap.String("method", req.Method),
				zap.String("path", req.URL.Path),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			}
			if req.URL.Path == "/ws" || req.URL.Path == "/health" {
				s.logger.Debug("http request", fields...)
			} else {
				s.logger.Info("http request", fields...)
			}
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/info", s.handleInfo)
	s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))

	s.echo.GET("/api/rooms", s.handleListRooms)
	s.echo.GET("/api/rooms/:id", s.handleGetRoom)
	s.echo.PUT("/api/rooms/:id/max-users", s.handleSetMaxUsers)
	s.echo.DELETE("/api/rooms/:id", s.handleDisbandRoom)
	s.echo.PUT("/api/rooms/:id/contest", s.handleSetContest)
	s.echo.PUT("/api/rooms/:id/contest/whitelist", s.handleUpdateWhitelist)
	s.echo.POST("/api/rooms/:id/contest/start", s.handleStartContest)
	s.echo.POST("/api/broadcast", s.handleBroadcastAll)
	s.echo.POST("/api/rooms/:id/chat", s.handleRoomChat)
	s.echo.POST("/api/users/:id/ban", s.handleBanUser)
	s.echo.DELETE("/api/users/:id/ban", s.handleUnbanUser)
	s.echo.POST("/api/rooms/:id/bans/:userId", s.handleBanFromRoom)
	s.echo.DELETE("/api/rooms/:id/bans/:userId", s.handleUnbanFromRoom)
	s.echo.POST("/api/users/:id/disconnect", s.handleDisconnectUser)
	s.echo.POST("/api/users/:id/move", s.handleMoveUser)

	if s.hub != nil {
		s.hub.Register(s.echo)
	}
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("shutting down http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		s.logger.Info("http server stopped")
		return nil
	}
}

type healthResponse struct {
	Status string `json:"status"`
	Rooms  int    `json:"rooms"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok", Rooms: len(s.state.Rooms())})
}

type infoResponse struct {
	ServerName    string `json:"server_name"`
	RoomListTip   string `json:"room_list_tip"`
	RoomMaxUsers  int    `json:"room_max_users"`
	Monitors      bool   `json:"monitors"`
	ReplayEnabled bool   `json:"replay_enabled"`
}

func (s *Server) handleInfo(c echo.Context) error {
	return c.JSON(http.StatusOK, infoResponse{
		ServerName:    s.cfg.ServerName,
		RoomListTip:   s.cfg.RoomListTip,
		RoomMaxUsers:  s.cfg.RoomMaxUsers,
		Monitors:      s.cfg.Monitors,
		ReplayEnabled: s.cfg.ReplayEnabled,
	})
}

type roomSummary struct {
	ID       string `json:"id"`
	HostID   uint32 `json:"host_id"`
	Locked   bool   `json:"locked"`
	MaxUsers int    `json:"max_users"`
	Contest  bool   `json:"contest"`
	Users    int    `json:"users"`
}

func summarize(r *core.Room) roomSummary {
	return roomSummary{
		ID:       r.ID(),
		HostID:   r.HostID(),
		Locked:   r.Locked(),
		MaxUsers: r.MaxUsers(),
		Contest:  r.IsContest(),
		Users:    r.UserCount(),
	}
}

func (s *Server) handleListRooms(c echo.Context) error {
	rooms := s.state.Rooms()
	out := make([]roomSummary, 0, len(rooms))
	for _, r := range rooms {
		if core.IsPrivateRoomID(r.ID()) {
			continue
		}
		out = append(out, summarize(r))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetRoom(c echo.Context) error {
	r, ok := s.state.Room(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, string(codes.RoomNotFound))
	}
	return c.JSON(http.StatusOK, struct {
		roomSummary
		Roster []interface{} `json:"roster"`
	}{roomSummary: summarize(r), Roster: rosterJSON(r)})
}

func rosterJSON(r *core.Room) []interface{} {
	roster := r.Roster()
	out := make([]interface{}, 0, len(roster))
	for _, u := range roster {
		out = append(out, u)
	}
	return out
}

func parseUint32(c echo.Context, name string) (uint32, error) {
	raw := c.Param(name)
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return uint32(n), nil
}

func bindJSON(c echo.Context, dst interface{}) error {
	if c.Request().ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(c.Request().Body)
	return dec.Decode(dst)
}

func codedError(err error) error {
	code, ok := codes.As(err)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return echo.NewHTTPError(http.StatusConflict, string(code))
}

func (s *Server) handleSetMaxUsers(c echo.Context) error {
	var body struct {
		MaxUsers int `json:"max_users"`
	}
	if err := bindJSON(c, &body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.admin.SetRoomMaxUsers(c.Param("id"), body.MaxUsers); err != nil {
		return codedError(err)
	}
	s.notifyRoomChanged(c.Param("id"))
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleDisbandRoom(c echo.Context) error {
	roomID := c.Param("id")
	if err := s.admin.DisbandRoom(roomID); err != nil {
		return codedError(err)
	}
	if s.hub != nil {
		s.hub.RoomRemoved(roomID)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleSetContest(c echo.Context) error {
	var body struct {
		Whitelist   []uint32 `json:"whitelist"`
		ManualStart bool     `json:"manual_start"`
		AutoDisband bool     `json:"auto_disband"`
	}
	if err := bindJSON(c, &body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.admin.SetContest(c.Param("id"), body.Whitelist, body.ManualStart, body.AutoDisband); err != nil {
		return codedError(err)
	}
	s.notifyRoomChanged(c.Param("id"))
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleUpdateWhitelist(c echo.Context) error {
	var body struct {
		Whitelist []uint32 `json:"whitelist"`
	}
	if err := bindJSON(c, &body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.admin.UpdateContestWhitelist(c.Param("id"), body.Whitelist); err != nil {
		return codedError(err)
	}
	s.notifyRoomChanged(c.Param("id"))
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleStartContest(c echo.Context) error {
	roomID := c.Param("id")
	if err := s.admin.StartContest(roomID); err != nil {
		return codedError(err)
	}
	s.notifyRoomChanged(roomID)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleBroadcastAll(c echo.Context) error {
	var body struct {
		FromID uint32 `json:"from_id"`
		Text   string `json:"text"`
	}
	if err := bindJSON(c, &body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s.admin.BroadcastAll(body.FromID, body.Text)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleRoomChat(c echo.Context) error {
	var body struct {
		FromID uint32 `json:"from_id"`
		Text   string `json:"text"`
	}
	if err := bindJSON(c, &body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.admin.RoomChat(c.Param("id"), body.FromID, body.Text); err != nil {
		return codedError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleBanUser(c echo.Context) error {
	userID, err := parseUint32(c, "id")
	if err != nil {
		return err
	}
	s.admin.BanUser(userID)
	if s.store != nil {
		_ = s.store.InsertServerBan(store.BanRecord{UserID: userID})
		_ = s.store.AppendAudit(0, "ban_user", "user:"+c.Param("id"), "")
	}
	s.notifySessionChanged(userID)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleUnbanUser(c echo.Context) error {
	userID, err := parseUint32(c, "id")
	if err != nil {
		return err
	}
	s.admin.UnbanUser(userID)
	if s.store != nil {
		_ = s.store.DeleteServerBan(userID)
		_ = s.store.AppendAudit(0, "unban_user", "user:"+c.Param("id"), "")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleBanFromRoom(c echo.Context) error {
	userID, err := parseUint32(c, "userId")
	if err != nil {
		return err
	}
	roomID := c.Param("id")
	if err := s.admin.BanFromRoom(roomID, userID); err != nil {
		return codedError(err)
	}
	if s.store != nil {
		_ = s.store.InsertRoomBan(roomID, store.BanRecord{UserID: userID})
		_ = s.store.AppendAudit(0, "ban_room", roomID+":"+c.Param("userId"), "")
	}
	s.notifyRoomChanged(roomID)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleUnbanFromRoom(c echo.Context) error {
	userID, err := parseUint32(c, "userId")
	if err != nil {
		return err
	}
	roomID := c.Param("id")
	s.admin.UnbanFromRoom(roomID, userID)
	if s.store != nil {
		_ = s.store.DeleteRoomBan(roomID, userID)
		_ = s.store.AppendAudit(0, "unban_room", roomID+":"+c.Param("userId"), "")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleDisconnectUser(c echo.Context) error {
	userID, err := parseUint32(c, "id")
	if err != nil {
		return err
	}
	var body struct {
		PreserveRoom bool `json:"preserve_room"`
	}
	if err := bindJSON(c, &body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.admin.DisconnectUser(userID, body.PreserveRoom); err != nil {
		return codedError(err)
	}
	s.notifySessionChanged(userID)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleMoveUser(c echo.Context) error {
	userID, err := parseUint32(c, "id")
	if err != nil {
		return err
	}
	var body struct {
		RoomID string `json:"room_id"`
	}
	if err := bindJSON(c, &body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.admin.MoveUser(userID, body.RoomID); err != nil {
		return codedError(err)
	}
	s.notifySessionChanged(userID)
	s.notifyRoomChanged(body.RoomID)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) notifyRoomChanged(roomID string) {
	if s.hub != nil {
		s.hub.RoomChanged(roomID)
	}
}

func (s *Server) notifySessionChanged(userID uint32) {
	if s.hub != nil {
		s.hub.SessionChanged(userID)
	}
}
