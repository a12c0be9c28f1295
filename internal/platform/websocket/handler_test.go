package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/chat/internal/platform/auth"
)

var testKey = []byte("test-signing-key")

type recordingRouter struct {
	mu           sync.Mutex
	events       []ClientMessage
	disconnected chan bool
	unknown      string
}

func newRecordingRouter() *recordingRouter {
	return &recordingRouter{disconnected: make(chan bool, 4)}
}

func (r *recordingRouter) Admit(_ context.Context, claims *auth.Claims) (string, error) {
	if claims.Subject == r.unknown {
		return "", errors.New("no such user")
	}
	return claims.PrimaryRole(), nil
}

func (r *recordingRouter) OnConnect(context.Context, *Client) {}

func (r *recordingRouter) OnEvent(_ context.Context, _ *Client, msg ClientMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, msg)
}

func (r *recordingRouter) OnDisconnect(_ context.Context, _ *Client, wentOffline bool) {
	r.disconnected <- wentOffline
}

func (r *recordingRouter) received() []ClientMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ClientMessage(nil), r.events...)
}

func setupServer(t *testing.T, router Router, cfg HandlerConfig) (*Hub, string) {
	t.Helper()
	hub := NewHub(zerolog.Nop(), nil)
	verifier := auth.NewVerifier(auth.JWTConfig{SigningKey: testKey})
	h := NewWebSocketHandler(hub, verifier, router, cfg, zerolog.Nop())

	e := echo.New()
	h.RegisterRoutes(e.Group(""))
	server := httptest.NewServer(e)
	t.Cleanup(server.Close)

	return hub, "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func token(t *testing.T, subject, role string) string {
	t.Helper()
	tok, err := auth.SignHS256(testKey, subject, []string{role}, "", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func TestWebSocketHandler_RejectsMissingToken(t *testing.T) {
	_, url := setupServer(t, newRecordingRouter(), HandlerConfig{})

	_, resp, err := gorillawebsocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}
}

func TestWebSocketHandler_RejectsInvalidToken(t *testing.T) {
	_, url := setupServer(t, newRecordingRouter(), HandlerConfig{})

	_, resp, err := gorillawebsocket.DefaultDialer.Dial(url+"?access_token=garbage", nil)
	if err == nil {
		t.Fatal("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}
}

func TestWebSocketHandler_RejectsUnknownIdentity(t *testing.T) {
	router := newRecordingRouter()
	router.unknown = "ghost"
	_, url := setupServer(t, router, HandlerConfig{})

	header := http.Header{"Authorization": {"Bearer " + token(t, "ghost", auth.RolePatient)}}
	_, resp, err := gorillawebsocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}
}

func TestWebSocketHandler_ConnectReceiveAndDisconnect(t *testing.T) {
	router := newRecordingRouter()
	hub, url := setupServer(t, router, HandlerConfig{SendBuffer: 8})

	header := http.Header{"Authorization": {"Bearer " + token(t, "pat-1", auth.RolePatient)}}
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var status Event
	if err := conn.ReadJSON(&status); err != nil {
		t.Fatalf("read userStatus: %v", err)
	}
	if status.Event != EventUserStatus {
		t.Fatalf("expected userStatus, got %s", status.Event)
	}
	if !hub.IsOnline("pat-1") {
		t.Fatal("expected pat-1 online")
	}

	if err := conn.WriteJSON(map[string]interface{}{"event": "typing", "data": map[string]string{"receiverId": "doc-1"}}); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(router.received()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	got := router.received()
	if len(got) != 1 || got[0].Event != "typing" {
		t.Fatalf("expected one typing event, got %+v", got)
	}

	conn.Close()
	select {
	case wentOffline := <-router.disconnected:
		if !wentOffline {
			t.Fatal("expected wentOffline=true")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not observed")
	}
	if hub.IsOnline("pat-1") {
		t.Fatal("expected pat-1 offline")
	}
}

func TestWebSocketHandler_MalformedEnvelope(t *testing.T) {
	router := newRecordingRouter()
	_, url := setupServer(t, router, HandlerConfig{})

	conn, _, err := gorillawebsocket.DefaultDialer.Dial(url+"?access_token="+token(t, "doc-1", auth.RoleDoctor), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	conn.ReadJSON(&ev) // userStatus

	conn.WriteMessage(gorillawebsocket.TextMessage, []byte("not json"))
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Event != "error" {
		t.Fatalf("expected error event, got %s", ev.Event)
	}
	if len(router.received()) != 0 {
		t.Fatal("malformed envelope must not reach the router")
	}
}

func TestWebSocketHandler_RateLimitsEvents(t *testing.T) {
	router := newRecordingRouter()
	_, url := setupServer(t, router, HandlerConfig{EventsPerSecond: 0.001, EventBurst: 1})

	conn, _, err := gorillawebsocket.DefaultDialer.Dial(url+"?access_token="+token(t, "pat-2", auth.RolePatient), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	conn.ReadJSON(&ev) // userStatus

	conn.WriteJSON(map[string]string{"event": "typing"})
	conn.WriteJSON(map[string]string{"event": "typing"})

	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Event != "error" || !strings.Contains(string(ev.Data), "rate_limited") {
		t.Fatalf("expected rate_limited error, got %s %s", ev.Event, ev.Data)
	}
	if n := len(router.received()); n != 1 {
		t.Fatalf("expected exactly one event routed, got %d", n)
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com"})
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if !check(r) {
		t.Error("requests without Origin are allowed")
	}
	r.Header.Set("Origin", "https://evil.example.com")
	if check(r) {
		t.Error("expected foreign origin to be refused")
	}
	r.Header.Set("Origin", "https://app.example.com")
	if !check(r) {
		t.Error("expected configured origin to be allowed")
	}
	if !originChecker([]string{"*"})(r) {
		t.Error("wildcard allows all")
	}
}

type panickingRouter struct {
	*recordingRouter
}

func (panickingRouter) OnEvent(context.Context, *Client, ClientMessage) {
	panic("router bug")
}

func TestWebSocketHandler_RouterPanicDropsConnection(t *testing.T) {
	router := panickingRouter{newRecordingRouter()}
	hub, url := setupServer(t, router, HandlerConfig{SendBuffer: 8})

	header := http.Header{"Authorization": {"Bearer " + token(t, "pat-1", auth.RolePatient)}}
	conn, _, err := gorillawebsocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]interface{}{"event": "typing", "data": map[string]string{}}); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case wentOffline := <-router.disconnected:
		if !wentOffline {
			t.Fatal("expected wentOffline=true")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connection not cleaned up after panic")
	}
	if hub.IsOnline("pat-1") {
		t.Fatal("expected pat-1 offline")
	}

	// the server keeps serving new connections
	conn2, _, err := gorillawebsocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial after panic: %v", err)
	}
	conn2.Close()
}
