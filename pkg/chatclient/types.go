// Package chatclient is the client half of the chat core: a websocket
// connection, an HTTP client for the fallback API and a Sync store that
// keeps a local view consistent across reconnects.
package chatclient

import (
	"encoding/json"
	"time"
)

// Server to client events the sync layer understands.
const (
	EventUserStatus           = "userStatus"
	EventUserTyping           = "userTyping"
	EventNewMessage           = "newMessage"
	EventMessageSent          = "messageSent"
	EventMessageRead          = "messageRead"
	EventChatRequest          = "chatRequest"
	EventPendingChatRequests  = "pendingChatRequests"
	EventRequestResponse      = "requestResponse"
	EventRequestStatusUpdate  = "requestStatusUpdate"
	EventResponseConfirmation = "responseConfirmation"
	EventError                = "error"

	// Local pseudo-events raised by a Connection.
	EventConnected    = "connect"
	EventDisconnected = "disconnect"
)

const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"
)

type Profile struct {
	ID        string  `json:"id"`
	FirstName string  `json:"firstName"`
	LastName  string  `json:"lastName"`
	AvatarURL *string `json:"avatarUrl"`
}

type Conversation struct {
	ID            string     `json:"id"`
	PatientID     string     `json:"patientId"`
	DoctorID      string     `json:"doctorId"`
	Status        string     `json:"status"`
	LastMessageID *string    `json:"lastMessageId,omitempty"`
	LastMessage   *string    `json:"lastMessage,omitempty"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	UnreadCount   int        `json:"unreadCount"`
	Counterpart   *Profile   `json:"counterpart,omitempty"`
}

type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

type Message struct {
	ID              string       `json:"id"`
	Seq             int64        `json:"seq"`
	ConversationID  string       `json:"conversationId"`
	SenderID        string       `json:"senderId"`
	ReceiverID      string       `json:"receiverId"`
	Content         string       `json:"content"`
	Attachments     []Attachment `json:"attachments"`
	ClientMessageID *string      `json:"clientMessageId,omitempty"`
	IsRead          bool         `json:"isRead"`
	ReadAt          *time.Time   `json:"readAt,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
}

type PendingRequest struct {
	ConversationID string    `json:"conversationId"`
	Patient        Profile   `json:"patient"`
	CreatedAt      time.Time `json:"createdAt"`
}

// SendMessageInput is the body of a send over either path.
type SendMessageInput struct {
	ReceiverID      string       `json:"receiverId"`
	ConversationID  string       `json:"conversationId,omitempty"`
	Content         string       `json:"content"`
	Attachments     []Attachment `json:"attachments,omitempty"`
	ClientMessageID string       `json:"clientMessageId,omitempty"`
}

// MessagePage is one page of conversation history.
type MessagePage struct {
	Data    []Message `json:"data"`
	Total   int       `json:"total"`
	Limit   int       `json:"limit"`
	Offset  int       `json:"offset"`
	HasMore bool      `json:"hasMore"`
}

type statusUpdate struct {
	ConversationID string `json:"conversationId"`
	Status         string `json:"status"`
	Message        string `json:"message,omitempty"`
}

type typingUpdate struct {
	UserID string `json:"userId"`
	Typing bool   `json:"typing"`
}

type readUpdate struct {
	MessageID string `json:"messageId"`
}

// envelope is the wire frame in both directions.
type envelope struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
}
