// Package realtime maps socket events onto the chat, typing and call
// services. It holds no state of its own.
package realtime

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/chat/internal/domain/call"
	"github.com/ehr/chat/internal/domain/chat"
	"github.com/ehr/chat/internal/domain/identity"
	"github.com/ehr/chat/internal/platform/apperr"
	"github.com/ehr/chat/internal/platform/auth"
	"github.com/ehr/chat/internal/platform/websocket"
)

// Client to server events.
const (
	EventRequestChat          = "requestChat"
	EventRespondToRequest     = "respondToRequest"
	EventSendMessage          = "sendMessage"
	EventMarkAsRead           = "markAsRead"
	EventMarkConversationRead = "markConversationRead"
	EventTyping               = "typing"
	EventStopTyping           = "stopTyping"
	EventCallUser             = "callUser"
	EventAnswerCall           = "answerCall"
	EventRejectCall           = "rejectCall"
	EventCancelCall           = "cancelCall"

	EventError = "error"
)

type Identities interface {
	Resolve(ctx context.Context, id string) (*identity.User, error)
}

type Chat interface {
	RequestConversation(ctx context.Context, patientID, doctorID string) (*chat.Conversation, bool, error)
	Respond(ctx context.Context, doctorID string, conversationID uuid.UUID, decision string) (*chat.Conversation, error)
	ListPendingRequests(ctx context.Context, doctorID string) ([]chat.PendingRequest, error)
	Send(ctx context.Context, senderID string, in chat.SendInput) (*chat.Message, error)
	MarkAsRead(ctx context.Context, readerID string, messageID uuid.UUID) (*chat.Message, error)
	MarkConversationRead(ctx context.Context, readerID string, conversationID uuid.UUID) (int, error)
}

type Typing interface {
	SetTyping(ctx context.Context, viewer, counterpart string, typing bool)
	ClearUser(ctx context.Context, viewer string)
}

type Calls interface {
	SignalIncomingCall(ctx context.Context, callerID, calleeID, callType string) (*call.Signal, error)
	Answer(ctx context.Context, calleeID, callID string) (*call.Signal, error)
	Reject(ctx context.Context, calleeID, callID string) (*call.Signal, error)
	Cancel(ctx context.Context, callerID string) (*call.Signal, error)
	UserOffline(ctx context.Context, userID string)
}

// Sender writes directly to one connection.
type Sender interface {
	SendToClient(client *websocket.Client, event string, data interface{}) error
}

// ErrorPayload is sent to the originating connection when an event fails.
type ErrorPayload struct {
	Event   string `json:"event"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type statusUpdate struct {
	ConversationID string `json:"conversationId"`
	Status         string `json:"status"`
	Message        string `json:"message,omitempty"`
}

type eventHandler func(ctx context.Context, client *websocket.Client, data json.RawMessage) error

// Gateway implements websocket.Router.
type Gateway struct {
	users    Identities
	chat     Chat
	typing   Typing
	calls    Calls
	sender   Sender
	logger   zerolog.Logger
	handlers map[string]eventHandler
}

func NewGateway(users Identities, chatSvc Chat, typingTracker Typing, calls Calls, sender Sender, logger zerolog.Logger) *Gateway {
	g := &Gateway{
		users:  users,
		chat:   chatSvc,
		typing: typingTracker,
		calls:  calls,
		sender: sender,
		logger: logger.With().Str("component", "gateway").Logger(),
	}
	g.handlers = map[string]eventHandler{
		EventRequestChat:          g.requestChat,
		EventRespondToRequest:     g.respondToRequest,
		EventSendMessage:          g.sendMessage,
		EventMarkAsRead:           g.markAsRead,
		EventMarkConversationRead: g.markConversationRead,
		EventTyping:               g.setTyping(true),
		EventStopTyping:           g.setTyping(false),
		EventCallUser:             g.callUser,
		EventAnswerCall:           g.answerCall,
		EventRejectCall:           g.rejectCall,
		EventCancelCall:           g.cancelCall,
	}
	return g
}

// Admit resolves the token subject against the directory. A token whose
// role claim disagrees with the directory is refused.
func (g *Gateway) Admit(ctx context.Context, claims *auth.Claims) (string, error) {
	u, err := g.users.Resolve(ctx, claims.Subject)
	if err != nil {
		return "", err
	}
	if role := claims.PrimaryRole(); role != "" && role != u.Role {
		return "", apperr.NotAuthenticated("token role does not match account")
	}
	return u.Role, nil
}

// OnConnect sends a doctor the current pending requests.
func (g *Gateway) OnConnect(ctx context.Context, client *websocket.Client) {
	if client.Role != identity.RoleDoctor {
		return
	}
	pending, err := g.chat.ListPendingRequests(ctx, client.UserID)
	if err != nil {
		g.logger.Warn().Err(err).Str("user_id", client.UserID).Msg("load pending requests")
		return
	}
	g.sender.SendToClient(client, chat.EventPendingChatRequests, pending)
}

func (g *Gateway) OnEvent(ctx context.Context, client *websocket.Client, msg websocket.ClientMessage) {
	h, ok := g.handlers[msg.Event]
	if !ok {
		g.sender.SendToClient(client, EventError, ErrorPayload{
			Event: msg.Event, Code: "unknown_event", Message: "unknown event " + msg.Event,
		})
		return
	}
	if err := h(ctx, client, msg.Data); err != nil {
		g.fail(client, msg.Event, err)
	}
}

// OnDisconnect clears typing flags and ringing calls once the identity has
// no connection left.
func (g *Gateway) OnDisconnect(ctx context.Context, client *websocket.Client, wentOffline bool) {
	if !wentOffline {
		return
	}
	g.typing.ClearUser(ctx, client.UserID)
	g.calls.UserOffline(ctx, client.UserID)
}

func (g *Gateway) fail(client *websocket.Client, event string, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindTransientIO {
		g.logger.Error().Err(err).Str("user_id", client.UserID).Str("event", event).Msg("event failed")
	} else {
		g.logger.Debug().Err(err).Str("user_id", client.UserID).Str("event", event).Msg("event rejected")
	}
	g.sender.SendToClient(client, EventError, ErrorPayload{
		Event: event, Code: string(kind), Message: apperr.PublicMessage(err),
	})
}

func decode(event string, data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperr.Validation("malformed %s payload", event)
	}
	return nil
}

func parseID(field, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperr.Validation("%s must be a valid id", field)
	}
	return id, nil
}

func (g *Gateway) requestChat(ctx context.Context, client *websocket.Client, data json.RawMessage) error {
	var in struct {
		DoctorID string `json:"doctorId"`
	}
	if err := decode(EventRequestChat, data, &in); err != nil {
		return err
	}
	if in.DoctorID == "" {
		return apperr.Validation("doctorId is required")
	}
	c, created, err := g.chat.RequestConversation(ctx, client.UserID, in.DoctorID)
	if err != nil {
		return err
	}
	if !created {
		g.sender.SendToClient(client, chat.EventRequestStatusUpdate, statusUpdate{
			ConversationID: c.ID.String(),
			Status:         c.Status,
			Message:        "A conversation with this doctor already exists",
		})
	}
	return nil
}

func (g *Gateway) respondToRequest(ctx context.Context, client *websocket.Client, data json.RawMessage) error {
	var in struct {
		ConversationID string `json:"conversationId"`
		Status         string `json:"status"`
	}
	if err := decode(EventRespondToRequest, data, &in); err != nil {
		return err
	}
	id, err := parseID("conversationId", in.ConversationID)
	if err != nil {
		return err
	}
	_, err = g.chat.Respond(ctx, client.UserID, id, in.Status)
	return err
}

func (g *Gateway) sendMessage(ctx context.Context, client *websocket.Client, data json.RawMessage) error {
	var in chat.SendInput
	if err := decode(EventSendMessage, data, &in); err != nil {
		return err
	}
	_, err := g.chat.Send(ctx, client.UserID, in)
	return err
}

func (g *Gateway) markAsRead(ctx context.Context, client *websocket.Client, data json.RawMessage) error {
	var in struct {
		MessageID string `json:"messageId"`
	}
	if err := decode(EventMarkAsRead, data, &in); err != nil {
		return err
	}
	id, err := parseID("messageId", in.MessageID)
	if err != nil {
		return err
	}
	_, err = g.chat.MarkAsRead(ctx, client.UserID, id)
	return err
}

func (g *Gateway) markConversationRead(ctx context.Context, client *websocket.Client, data json.RawMessage) error {
	var in struct {
		ConversationID string `json:"conversationId"`
	}
	if err := decode(EventMarkConversationRead, data, &in); err != nil {
		return err
	}
	id, err := parseID("conversationId", in.ConversationID)
	if err != nil {
		return err
	}
	_, err = g.chat.MarkConversationRead(ctx, client.UserID, id)
	return err
}

func (g *Gateway) setTyping(typing bool) eventHandler {
	event := EventStopTyping
	if typing {
		event = EventTyping
	}
	return func(ctx context.Context, client *websocket.Client, data json.RawMessage) error {
		var in struct {
			ReceiverID string `json:"receiverId"`
		}
		if err := decode(event, data, &in); err != nil {
			return err
		}
		if in.ReceiverID == "" || in.ReceiverID == client.UserID {
			return apperr.Validation("a valid receiverId is required")
		}
		g.typing.SetTyping(ctx, client.UserID, in.ReceiverID, typing)
		return nil
	}
}

func (g *Gateway) callUser(ctx context.Context, client *websocket.Client, data json.RawMessage) error {
	var in struct {
		ReceiverID string `json:"receiverId"`
		CallType   string `json:"callType"`
	}
	if err := decode(EventCallUser, data, &in); err != nil {
		return err
	}
	_, err := g.calls.SignalIncomingCall(ctx, client.UserID, in.ReceiverID, in.CallType)
	return err
}

type callRef struct {
	CallID string `json:"callId"`
}

func (g *Gateway) answerCall(ctx context.Context, client *websocket.Client, data json.RawMessage) error {
	var in callRef
	if err := decode(EventAnswerCall, data, &in); err != nil {
		return err
	}
	_, err := g.calls.Answer(ctx, client.UserID, in.CallID)
	return err
}

func (g *Gateway) rejectCall(ctx context.Context, client *websocket.Client, data json.RawMessage) error {
	var in callRef
	if err := decode(EventRejectCall, data, &in); err != nil {
		return err
	}
	_, err := g.calls.Reject(ctx, client.UserID, in.CallID)
	return err
}

func (g *Gateway) cancelCall(ctx context.Context, client *websocket.Client, _ json.RawMessage) error {
	_, err := g.calls.Cancel(ctx, client.UserID)
	return err
}
