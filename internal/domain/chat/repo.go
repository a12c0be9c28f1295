package chat

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrDuplicate is returned by inserts that hit a uniqueness constraint.
var ErrDuplicate = errors.New("duplicate")

type ConversationRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Conversation, error)
	// GetLatestForPair returns the newest conversation between two identities
	// in either role.
	GetLatestForPair(ctx context.Context, a, b string) (*Conversation, error)
	// GetOpen returns the pending or accepted conversation for the pair.
	GetOpen(ctx context.Context, patientID, doctorID string) (*Conversation, error)
	// Create inserts a pending conversation; ErrDuplicate when one is open.
	Create(ctx context.Context, c *Conversation) error
	// Respond moves a pending conversation to status. It reports false when
	// the conversation was no longer pending.
	Respond(ctx context.Context, id uuid.UUID, status string, at time.Time) (bool, error)
	ListPendingForDoctor(ctx context.Context, doctorID string) ([]*Conversation, error)
	ListForViewer(ctx context.Context, viewerID string, statuses []string) ([]*Conversation, error)
	Hide(ctx context.Context, id uuid.UUID, viewerID string, at time.Time) error
	// SetLastMessage moves the denormalized pointer and un-hides the
	// conversation for both participants.
	SetLastMessage(ctx context.Context, id uuid.UUID, m *Message) error
}

type MessageRepository interface {
	// Create assigns Seq and CreatedAt; ErrDuplicate on a repeated
	// (sender, client message id).
	Create(ctx context.Context, m *Message) error
	GetByID(ctx context.Context, id uuid.UUID) (*Message, error)
	GetByClientID(ctx context.Context, senderID, clientMessageID string) (*Message, error)
	// MarkRead flips is_read for the receiver; false when already read.
	MarkRead(ctx context.Context, id uuid.UUID, readerID string, at time.Time) (bool, error)
	MarkConversationRead(ctx context.Context, conversationID uuid.UUID, readerID string, at time.Time) ([]ReadReceipt, error)
	// ListByConversation returns messages ordered by Seq ascending.
	ListByConversation(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]*Message, int, error)
}
