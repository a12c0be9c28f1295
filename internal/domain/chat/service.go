package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/ehr/chat/internal/domain/identity"
	"github.com/ehr/chat/internal/platform/apperr"
	"github.com/ehr/chat/internal/platform/db"
	"github.com/ehr/chat/internal/platform/metrics"
	"github.com/ehr/chat/pkg/pagination"
)

// Emitter delivers an event to every live connection of an identity.
type Emitter interface {
	EmitToUser(ctx context.Context, userID, event string, data interface{}) error
}

// Identities resolves participants.
type Identities interface {
	Resolve(ctx context.Context, id string) (*identity.User, error)
	Profiles(ctx context.Context, ids []string) (map[string]*identity.User, error)
}

// Service owns the conversation request workflow and the message delivery
// pipeline. Both the websocket gateway and the HTTP handlers call it, so
// every invariant is enforced in one place. Events are emitted only after
// the corresponding write has committed.
type Service struct {
	convs   ConversationRepository
	msgs    MessageRepository
	users   Identities
	emitter Emitter
	tx      db.TxFunc
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewService(convs ConversationRepository, msgs MessageRepository, users Identities, emitter Emitter, tx db.TxFunc, logger zerolog.Logger, m *metrics.Metrics) *Service {
	if tx == nil {
		tx = func(ctx context.Context, fn func(context.Context) error) error { return fn(ctx) }
	}
	return &Service{
		convs:   convs,
		msgs:    msgs,
		users:   users,
		emitter: emitter,
		tx:      tx,
		logger:  logger.With().Str("component", "chat").Logger(),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// -- Conversation request workflow --

// RequestConversation opens a pending conversation from a patient to a
// doctor. An already open conversation for the pair is returned with
// created=false and nobody is notified.
func (s *Service) RequestConversation(ctx context.Context, patientID, doctorID string) (*Conversation, bool, error) {
	patient, err := s.users.Resolve(ctx, patientID)
	if err != nil {
		return nil, false, err
	}
	if !patient.IsPatient() {
		return nil, false, apperr.NotAuthorized("only patients can request a conversation")
	}
	doctor, err := s.users.Resolve(ctx, doctorID)
	if err != nil {
		return nil, false, err
	}
	if !doctor.IsDoctor() {
		return nil, false, apperr.NotFound("doctor %s not found", doctorID)
	}

	if open, err := s.convs.GetOpen(ctx, patientID, doctorID); err == nil {
		return open, false, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, apperr.TransientIO(err, "load conversation")
	}

	c := &Conversation{ID: uuid.New(), PatientID: patientID, DoctorID: doctorID, CreatedAt: s.now()}
	if err := s.convs.Create(ctx, c); err != nil {
		if !errors.Is(err, ErrDuplicate) {
			return nil, false, apperr.TransientIO(err, "create conversation")
		}
		// A concurrent request for the same pair won.
		open, err := s.convs.GetOpen(ctx, patientID, doctorID)
		if err != nil {
			return nil, false, storageErr(err, "conversation")
		}
		return open, false, nil
	}

	s.logger.Info().Str("conversation_id", c.ID.String()).Str("user_id", patientID).
		Str("doctor_id", doctorID).Msg("conversation requested")

	s.emit(ctx, doctorID, EventChatRequest, chatRequestPayload{
		ConversationID: c.ID.String(),
		Patient:        patient.Profile(),
		CreatedAt:      c.CreatedAt,
	})
	s.emit(ctx, patientID, EventRequestStatusUpdate, statusPayload{
		ConversationID: c.ID.String(),
		Status:         StatusPending,
		Message:        fmt.Sprintf("Your request was sent to %s", doctor.DisplayName()),
	})
	return c, true, nil
}

// Respond accepts or rejects a pending request. Only the doctor participant
// may respond, and only once.
func (s *Service) Respond(ctx context.Context, doctorID string, conversationID uuid.UUID, decision string) (*Conversation, error) {
	if decision != StatusAccepted && decision != StatusRejected {
		return nil, apperr.InvalidState("decision must be %q or %q", StatusAccepted, StatusRejected)
	}
	c, err := s.conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if c.DoctorID != doctorID {
		return nil, apperr.NotAuthorized("only the requested doctor can respond")
	}
	if c.Status != StatusPending {
		return nil, apperr.InvalidState("conversation already %s", c.Status)
	}

	at := s.now()
	ok, err := s.convs.Respond(ctx, c.ID, decision, at)
	if err != nil {
		return nil, apperr.TransientIO(err, "respond to conversation")
	}
	if !ok {
		return nil, apperr.InvalidState("conversation already responded to")
	}
	c.Status = decision
	c.RespondedAt = &at
	c.UpdatedAt = at

	s.logger.Info().Str("conversation_id", c.ID.String()).Str("user_id", doctorID).
		Str("status", decision).Msg("conversation request answered")

	msg := "Your chat request was accepted"
	if decision == StatusRejected {
		msg = "Your chat request was declined"
	}
	s.emit(ctx, c.PatientID, EventRequestResponse, statusPayload{
		ConversationID: c.ID.String(), Status: decision, Message: msg,
	})
	s.emit(ctx, doctorID, EventResponseConfirmation, statusPayload{
		ConversationID: c.ID.String(), Status: decision,
	})
	if pending, err := s.ListPendingRequests(ctx, doctorID); err == nil {
		s.emit(ctx, doctorID, EventPendingChatRequests, pending)
	}
	return c, nil
}

// ListPendingRequests returns the doctor's pending requests, oldest first.
func (s *Service) ListPendingRequests(ctx context.Context, doctorID string) ([]PendingRequest, error) {
	doctor, err := s.users.Resolve(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	if !doctor.IsDoctor() {
		return nil, apperr.NotAuthorized("only doctors have pending requests")
	}

	convs, err := s.convs.ListPendingForDoctor(ctx, doctorID)
	if err != nil {
		return nil, apperr.TransientIO(err, "list pending requests")
	}
	ids := make([]string, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.PatientID)
	}
	profiles, err := s.users.Profiles(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]PendingRequest, 0, len(convs))
	for _, c := range convs {
		p := identity.Profile{ID: c.PatientID}
		if u, ok := profiles[c.PatientID]; ok {
			p = u.Profile()
		}
		out = append(out, PendingRequest{ConversationID: c.ID, Patient: p, CreatedAt: c.RequestedAt})
	}
	return out, nil
}

// -- Message delivery pipeline --

// Send persists a message into an accepted conversation and fans it out to
// the receiver and to the sender's own connections. A repeated
// ClientMessageID returns the stored message without a second fan-out, as
// long as it names the same receiver and conversation.
func (s *Service) Send(ctx context.Context, senderID string, in SendInput) (*Message, error) {
	if err := validateSend(senderID, in); err != nil {
		return nil, err
	}

	if in.ClientMessageID != nil {
		prior, err := s.msgs.GetByClientID(ctx, senderID, *in.ClientMessageID)
		if err == nil {
			return replay(prior, in)
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.TransientIO(err, "load message")
		}
	}

	c, err := s.resolveForSend(ctx, senderID, in)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusAccepted {
		return nil, apperr.InvalidState("conversation is %s; messages require an accepted conversation", c.Status)
	}

	m := &Message{
		ID:              uuid.New(),
		ConversationID:  c.ID,
		SenderID:        senderID,
		ReceiverID:      c.Counterparty(senderID),
		Content:         in.Content,
		Attachments:     in.Attachments,
		ClientMessageID: in.ClientMessageID,
	}
	if m.Attachments == nil {
		m.Attachments = []Attachment{}
	}

	err = s.tx(ctx, func(ctx context.Context) error {
		if err := s.msgs.Create(ctx, m); err != nil {
			return err
		}
		return s.convs.SetLastMessage(ctx, c.ID, m)
	})
	if errors.Is(err, ErrDuplicate) && in.ClientMessageID != nil {
		prior, err := s.msgs.GetByClientID(ctx, senderID, *in.ClientMessageID)
		if err != nil {
			return nil, storageErr(err, "message")
		}
		return replay(prior, in)
	}
	if err != nil {
		return nil, apperr.TransientIO(err, "send message")
	}

	s.metrics.MessageSent()
	s.logger.Debug().Str("conversation_id", c.ID.String()).Str("user_id", senderID).
		Int64("seq", m.Seq).Msg("message stored")

	s.emit(ctx, m.ReceiverID, EventNewMessage, m)
	s.emit(ctx, senderID, EventMessageSent, m)
	return m, nil
}

// replay returns the stored message for a repeated client id. Reusing the id
// for another receiver or conversation is a client bug and is refused.
func replay(prior *Message, in SendInput) (*Message, error) {
	if in.ReceiverID != "" && in.ReceiverID != prior.ReceiverID {
		return nil, apperr.Validation("clientMessageId %q was already used for another receiver", *in.ClientMessageID)
	}
	if in.ConversationID != nil && *in.ConversationID != prior.ConversationID {
		return nil, apperr.Validation("clientMessageId %q was already used in another conversation", *in.ClientMessageID)
	}
	return prior, nil
}

func validateSend(senderID string, in SendInput) error {
	if in.ReceiverID == "" && in.ConversationID == nil {
		return apperr.Validation("receiverId is required")
	}
	if in.ReceiverID == senderID {
		return apperr.Validation("cannot send a message to yourself")
	}
	if strings.TrimSpace(in.Content) == "" && len(in.Attachments) == 0 {
		return apperr.Validation("message must have content or an attachment")
	}
	if n := len([]rune(in.Content)); n > MaxContentLength {
		return apperr.Validation("content exceeds %d characters", MaxContentLength)
	}
	if len(in.Attachments) > MaxAttachments {
		return apperr.Validation("at most %d attachments allowed", MaxAttachments)
	}
	for i, a := range in.Attachments {
		if strings.TrimSpace(a.URL) == "" {
			return apperr.Validation("attachment %d has no url", i)
		}
	}
	if in.ClientMessageID != nil && (*in.ClientMessageID == "" || len(*in.ClientMessageID) > 128) {
		return apperr.Validation("clientMessageId must be 1-128 characters")
	}
	return nil
}

func (s *Service) resolveForSend(ctx context.Context, senderID string, in SendInput) (*Conversation, error) {
	if in.ConversationID != nil {
		c, err := s.conversation(ctx, *in.ConversationID)
		if err != nil {
			return nil, err
		}
		if !c.HasParticipant(senderID) {
			return nil, apperr.NotAuthorized("not a participant of this conversation")
		}
		if in.ReceiverID != "" && in.ReceiverID != c.Counterparty(senderID) {
			return nil, apperr.Validation("receiverId does not match the conversation")
		}
		return c, nil
	}

	c, err := s.convs.GetLatestForPair(ctx, senderID, in.ReceiverID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("no conversation with %s", in.ReceiverID)
	}
	if err != nil {
		return nil, apperr.TransientIO(err, "load conversation")
	}
	return c, nil
}

// MarkAsRead marks a message read by its receiver. Marking an already read
// message is a no-op and emits nothing.
func (s *Service) MarkAsRead(ctx context.Context, readerID string, messageID uuid.UUID) (*Message, error) {
	m, err := s.msgs.GetByID(ctx, messageID)
	if err != nil {
		return nil, storageErr(err, "message")
	}
	if m.ReceiverID != readerID {
		return nil, apperr.NotAuthorized("only the receiver can mark a message read")
	}
	if m.IsRead {
		return m, nil
	}

	at := s.now()
	changed, err := s.msgs.MarkRead(ctx, m.ID, readerID, at)
	if err != nil {
		return nil, apperr.TransientIO(err, "mark message read")
	}
	if !changed {
		// Read concurrently by another device.
		return s.reload(ctx, m)
	}
	m.IsRead = true
	m.ReadAt = &at

	s.emit(ctx, m.SenderID, EventMessageRead, readPayload{MessageID: m.ID.String()})
	return m, nil
}

func (s *Service) reload(ctx context.Context, m *Message) (*Message, error) {
	fresh, err := s.msgs.GetByID(ctx, m.ID)
	if err != nil {
		return nil, storageErr(err, "message")
	}
	return fresh, nil
}

// MarkConversationRead marks every unread message addressed to the reader
// and returns how many changed.
func (s *Service) MarkConversationRead(ctx context.Context, readerID string, conversationID uuid.UUID) (int, error) {
	c, err := s.participantConversation(ctx, readerID, conversationID)
	if err != nil {
		return 0, err
	}
	receipts, err := s.msgs.MarkConversationRead(ctx, c.ID, readerID, s.now())
	if err != nil {
		return 0, apperr.TransientIO(err, "mark conversation read")
	}
	for _, rr := range receipts {
		s.emit(ctx, rr.SenderID, EventMessageRead, readPayload{MessageID: rr.MessageID.String()})
	}
	return len(receipts), nil
}

// ListMessages returns a page of history in creation order.
func (s *Service) ListMessages(ctx context.Context, viewerID string, conversationID uuid.UUID, limit, offset int) ([]*Message, int, error) {
	c, err := s.participantConversation(ctx, viewerID, conversationID)
	if err != nil {
		return nil, 0, err
	}
	p := pagination.Normalize(limit, offset)
	msgs, total, err := s.msgs.ListByConversation(ctx, c.ID, p.Limit, p.Offset)
	if err != nil {
		return nil, 0, apperr.TransientIO(err, "list messages")
	}
	return msgs, total, nil
}

// ListConversations returns the viewer's visible conversations, most
// recently updated first. Doctors see accepted conversations only; pending
// ones are served by ListPendingRequests.
func (s *Service) ListConversations(ctx context.Context, viewerID string) ([]*Conversation, error) {
	viewer, err := s.users.Resolve(ctx, viewerID)
	if err != nil {
		return nil, err
	}
	statuses := []string{StatusPending, StatusAccepted, StatusRejected}
	if viewer.IsDoctor() {
		statuses = []string{StatusAccepted}
	}

	convs, err := s.convs.ListForViewer(ctx, viewerID, statuses)
	if err != nil {
		return nil, apperr.TransientIO(err, "list conversations")
	}

	ids := make([]string, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.Counterparty(viewerID))
	}
	profiles, err := s.users.Profiles(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, c := range convs {
		other := c.Counterparty(viewerID)
		p := identity.Profile{ID: other}
		if u, ok := profiles[other]; ok {
			p = u.Profile()
		}
		c.Counterpart = &p
	}
	return convs, nil
}

// DeleteConversation hides the conversation from the viewer's list only.
func (s *Service) DeleteConversation(ctx context.Context, viewerID string, conversationID uuid.UUID) error {
	c, err := s.participantConversation(ctx, viewerID, conversationID)
	if err != nil {
		return err
	}
	if err := s.convs.Hide(ctx, c.ID, viewerID, s.now()); err != nil {
		return apperr.TransientIO(err, "hide conversation")
	}
	return nil
}

// Conversation returns a conversation the viewer participates in.
func (s *Service) Conversation(ctx context.Context, viewerID string, id uuid.UUID) (*Conversation, error) {
	return s.participantConversation(ctx, viewerID, id)
}

// SharesAcceptedConversation reports whether a and b may talk to each other.
func (s *Service) SharesAcceptedConversation(ctx context.Context, a, b string) (bool, error) {
	c, err := s.convs.GetLatestForPair(ctx, a, b)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, apperr.TransientIO(err, "load conversation")
	}
	return c.Status == StatusAccepted, nil
}

func (s *Service) conversation(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	c, err := s.convs.GetByID(ctx, id)
	if err != nil {
		return nil, storageErr(err, "conversation")
	}
	return c, nil
}

func (s *Service) participantConversation(ctx context.Context, userID string, id uuid.UUID) (*Conversation, error) {
	c, err := s.conversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.HasParticipant(userID) {
		return nil, apperr.NotAuthorized("not a participant of this conversation")
	}
	return c, nil
}

func (s *Service) emit(ctx context.Context, userID, event string, data interface{}) {
	if s.emitter == nil {
		return
	}
	if err := s.emitter.EmitToUser(ctx, userID, event, data); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Str("event", event).Msg("emit failed")
	}
}

func storageErr(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("%s not found", what)
	}
	return apperr.TransientIO(err, "load %s", what)
}
