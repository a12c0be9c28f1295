package chat

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/chat/internal/domain/identity"
)

const (
	StatusPending  = "pending"
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
)

const (
	MaxContentLength = 5000
	MaxAttachments   = 10
	previewLength    = 140
)

// Conversation links exactly one patient and one doctor.
type Conversation struct {
	ID              uuid.UUID  `json:"id"`
	PatientID       string     `json:"patientId"`
	DoctorID        string     `json:"doctorId"`
	Status          string     `json:"status"`
	LastMessageID   *uuid.UUID `json:"lastMessageId,omitempty"`
	LastMessage     *string    `json:"lastMessage,omitempty"`
	LastMessageAt   *time.Time `json:"lastMessageAt,omitempty"`
	PatientHiddenAt *time.Time `json:"-"`
	DoctorHiddenAt  *time.Time `json:"-"`
	RequestedAt     time.Time  `json:"requestedAt"`
	RespondedAt     *time.Time `json:"respondedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`

	// Per-viewer projections, filled by listing queries.
	UnreadCount int               `json:"unreadCount"`
	Counterpart *identity.Profile `json:"counterpart,omitempty"`
}

func (c *Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.PatientID == userID || c.DoctorID == userID)
}

// Counterparty returns the other participant, or "" if userID is not one.
func (c *Conversation) Counterparty(userID string) string {
	switch userID {
	case c.PatientID:
		return c.DoctorID
	case c.DoctorID:
		return c.PatientID
	}
	return ""
}

type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

type Message struct {
	ID              uuid.UUID    `json:"id"`
	Seq             int64        `json:"seq"`
	ConversationID  uuid.UUID    `json:"conversationId"`
	SenderID        string       `json:"senderId"`
	ReceiverID      string       `json:"receiverId"`
	Content         string       `json:"content"`
	Attachments     []Attachment `json:"attachments"`
	ClientMessageID *string      `json:"clientMessageId,omitempty"`
	IsRead          bool         `json:"isRead"`
	ReadAt          *time.Time   `json:"readAt,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
}

// Preview is the denormalized text stored on the conversation.
func (m *Message) Preview() string {
	r := []rune(m.Content)
	if len(r) == 0 && len(m.Attachments) > 0 {
		return "[attachment]"
	}
	if len(r) > previewLength {
		return string(r[:previewLength])
	}
	return string(r)
}

type SendInput struct {
	ReceiverID      string       `json:"receiverId"`
	ConversationID  *uuid.UUID   `json:"conversationId,omitempty"`
	Content         string       `json:"content"`
	Attachments     []Attachment `json:"attachments"`
	ClientMessageID *string      `json:"clientMessageId,omitempty"`
}

// PendingRequest is the doctor-side projection of a pending conversation.
type PendingRequest struct {
	ConversationID uuid.UUID        `json:"conversationId"`
	Patient        identity.Profile `json:"patient"`
	CreatedAt      time.Time        `json:"createdAt"`
}

// ReadReceipt identifies a message whose read state changed.
type ReadReceipt struct {
	MessageID uuid.UUID `json:"messageId"`
	SenderID  string    `json:"-"`
	ReadAt    time.Time `json:"-"`
}
