package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ehr/chat/internal/platform/auth"
	"github.com/ehr/chat/internal/platform/middleware"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Router receives connection lifecycle callbacks and inbound events.
type Router interface {
	// Admit resolves an authenticated identity to its role before the
	// upgrade. An error rejects the handshake.
	Admit(ctx context.Context, claims *auth.Claims) (role string, err error)
	OnConnect(ctx context.Context, client *Client)
	OnEvent(ctx context.Context, client *Client, msg ClientMessage)
	// OnDisconnect runs after the client is detached. wentOffline is true
	// when it was the identity's last connection.
	OnDisconnect(ctx context.Context, client *Client, wentOffline bool)
}

type HandlerConfig struct {
	SendBuffer      int
	EventsPerSecond float64
	EventBurst      int
	AllowedOrigins  []string
}

// WebSocketHandler authenticates the handshake and runs the read/write pumps.
type WebSocketHandler struct {
	hub      *Hub
	verifier *auth.Verifier
	router   Router
	cfg      HandlerConfig
	upgrader gorillawebsocket.Upgrader
	logger   zerolog.Logger
}

func NewWebSocketHandler(hub *Hub, verifier *auth.Verifier, router Router, cfg HandlerConfig, logger zerolog.Logger) *WebSocketHandler {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	wsh := &WebSocketHandler{
		hub:      hub,
		verifier: verifier,
		router:   router,
		cfg:      cfg,
		logger:   logger.With().Str("component", "ws").Logger(),
	}
	wsh.upgrader = gorillawebsocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return wsh
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(set) == 0 {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// RegisterRoutes registers the WebSocket endpoint on the provided Echo group.
func (wsh *WebSocketHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wsh.HandleConnect)
}

// HandleConnect verifies the bearer credential, upgrades the connection,
// attaches it to the hub and starts the pumps.
func (wsh *WebSocketHandler) HandleConnect(c echo.Context) error {
	tokenStr, err := auth.BearerToken(c.Request())
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	claims, err := wsh.verifier.Verify(tokenStr)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired token")
	}
	role, err := wsh.router.Admit(c.Request().Context(), claims)
	if err != nil {
		wsh.logger.Warn().Err(err).Str("user_id", claims.Subject).Msg("handshake refused")
		return echo.NewHTTPError(http.StatusUnauthorized, "unknown identity")
	}

	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	var limiter *rate.Limiter
	if wsh.cfg.EventsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(wsh.cfg.EventsPerSecond), wsh.cfg.EventBurst)
	}
	client := NewClient(uuid.New().String(), claims.Subject, role, wsh.cfg.SendBuffer, limiter)

	ctx := auth.WithClaims(context.Background(), claims)
	wsh.hub.Attach(client)
	wsh.logger.Info().Str("user_id", client.UserID).Str("client_id", client.ID).Msg("connected")

	middleware.Go(wsh.logger, "write pump "+client.ID, func() { wsh.writePump(client, ws) })
	wsh.router.OnConnect(ctx, client)
	middleware.Go(wsh.logger, "read pump "+client.ID, func() { wsh.readPump(ctx, client, ws) })

	return nil
}

// readPump reads messages from the WebSocket connection and dispatches them.
// The deferred detach also runs when a router panics.
func (wsh *WebSocketHandler) readPump(ctx context.Context, client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wentOffline := wsh.hub.Detach(client)
		ws.Close()
		wsh.logger.Info().Str("user_id", client.UserID).Str("client_id", client.ID).
			Bool("offline", wentOffline).Msg("disconnected")
		wsh.router.OnDisconnect(ctx, client, wentOffline)
	}()

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error { return ws.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			if gorillawebsocket.IsUnexpectedCloseError(err, gorillawebsocket.CloseGoingAway, gorillawebsocket.CloseNormalClosure) {
				wsh.logger.Debug().Err(err).Str("client_id", client.ID).Msg("read error")
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil || msg.Event == "" {
			wsh.hub.SendToClient(client, "error", map[string]string{
				"event": "", "code": "bad_request", "message": "malformed event envelope",
			})
			continue
		}
		if !client.Allow() {
			wsh.hub.SendToClient(client, "error", map[string]string{
				"event": msg.Event, "code": "rate_limited", "message": "too many events",
			})
			continue
		}

		wsh.router.OnEvent(ctx, client, msg)
	}
}

// writePump writes messages from the Send channel and keeps the connection
// alive with pings.
func (wsh *WebSocketHandler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
