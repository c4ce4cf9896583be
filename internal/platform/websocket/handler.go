package websocket

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/platform/auth"
)

const handshakeWait = 10 * time.Second

// handshake is the first frame a client sends after the upgrade.
type handshake struct {
	UserID string `json:"user_id"`
}

type clientFrame struct {
	Type string `json:"type"`
}

var pongFrame = []byte(`{"event":"pong","data":{}}`)

func isPing(msg []byte) bool {
	var f clientFrame
	return json.Unmarshal(msg, &f) == nil && f.Type == "ping"
}

// HandlerConfig controls the upgrade endpoint.
type HandlerConfig struct {
	// AllowedOrigins lists browser origins permitted to connect; "*" or an
	// empty list allows any.
	AllowedOrigins []string
	// TrustHandshake accepts the user_id from the handshake frame without
	// comparing it to the authenticated user. Development only.
	TrustHandshake bool
}

// Handler upgrades HTTP requests and registers the resulting sessions.
type Handler struct {
	registry *Registry
	upgrader gorillawebsocket.Upgrader
	cfg      HandlerConfig
	logger   zerolog.Logger
}

func NewHandler(registry *Registry, cfg HandlerConfig, logger zerolog.Logger) *Handler {
	h := &Handler{
		registry: registry,
		cfg:      cfg,
		logger:   logger.With().Str("component", "ws-handler").Logger(),
	}
	h.upgrader = gorillawebsocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// RegisterRoutes mounts GET /ws on e and the admin stats endpoint on api.
func (h *Handler) RegisterRoutes(e *echo.Echo, api *echo.Group) {
	e.GET("/ws", h.Connect)
	api.GET("/ws/stats", h.Stats, auth.RequireRole(auth.RoleAdmin))
}

// Connect upgrades the request, waits for the {"user_id"} handshake and
// registers the session. The handshake must name the authenticated user.
func (h *Handler) Connect(c echo.Context) error {
	authUser := auth.UserIDFromContext(c.Request().Context())
	if authUser == "" && !h.cfg.TrustHandshake {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return nil
	}

	userID, ok := h.readHandshake(ws, authUser)
	if !ok {
		ws.Close()
		return nil
	}

	s := newSession(userID, ws)
	h.registry.Register(userID, s)
	connected, _ := json.Marshal(Frame{Event: "connected", Data: map[string]string{"session_id": s.ID()}})
	s.send <- connected

	go s.writePump()
	go func() {
		s.readPump()
		h.registry.Unregister(s.ID())
		s.Close()
	}()
	return nil
}

func (h *Handler) readHandshake(ws *gorillawebsocket.Conn, authUser string) (string, bool) {
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(handshakeWait))
	_, msg, err := ws.ReadMessage()
	if err != nil {
		h.logger.Debug().Err(err).Msg("no websocket handshake")
		return "", false
	}
	ws.SetReadDeadline(time.Time{})

	var hs handshake
	if err := json.Unmarshal(msg, &hs); err != nil || strings.TrimSpace(hs.UserID) == "" {
		h.reject(ws, "handshake must be {\"user_id\": \"...\"}")
		return "", false
	}

	if authUser != "" && hs.UserID != authUser && !h.cfg.TrustHandshake {
		h.logger.Warn().
			Bool("security_event", true).
			Str("auth_user_id", authUser).
			Str("claimed_user_id", hs.UserID).
			Msg("websocket handshake user mismatch")
		h.reject(ws, "user_id does not match token")
		return "", false
	}
	return hs.UserID, true
}

func (h *Handler) reject(ws *gorillawebsocket.Conn, reason string) {
	msg := gorillawebsocket.FormatCloseMessage(gorillawebsocket.ClosePolicyViolation, reason)
	ws.WriteControl(gorillawebsocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// Stats handles GET /api/v1/ws/stats.
func (h *Handler) Stats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.registry.Stats())
}
