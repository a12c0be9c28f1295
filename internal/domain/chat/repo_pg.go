package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/chat/internal/platform/db"
)

// -- Conversation Repository --

type conversationRepoPG struct {
	pool *pgxpool.Pool
}

func NewConversationRepo(pool *pgxpool.Pool) ConversationRepository {
	return &conversationRepoPG{pool: pool}
}

func (r *conversationRepoPG) conn(ctx context.Context) db.Querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const convCols = `c.id, c.patient_id, c.doctor_id, c.status, c.last_message_id, c.last_message_preview,
	c.last_message_at, c.patient_hidden_at, c.doctor_hidden_at, c.requested_at, c.responded_at,
	c.created_at, c.updated_at`

func (r *conversationRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	return scanConversation(r.conn(ctx).QueryRow(ctx, `SELECT `+convCols+` FROM conversation c WHERE c.id = $1`, id))
}

func (r *conversationRepoPG) GetLatestForPair(ctx context.Context, a, b string) (*Conversation, error) {
	return scanConversation(r.conn(ctx).QueryRow(ctx, `
		SELECT `+convCols+` FROM conversation c
		WHERE (c.patient_id = $1 AND c.doctor_id = $2) OR (c.patient_id = $2 AND c.doctor_id = $1)
		ORDER BY (c.status <> 'rejected') DESC, c.created_at DESC
		LIMIT 1`, a, b))
}

func (r *conversationRepoPG) GetOpen(ctx context.Context, patientID, doctorID string) (*Conversation, error) {
	return scanConversation(r.conn(ctx).QueryRow(ctx, `
		SELECT `+convCols+` FROM conversation c
		WHERE c.patient_id = $1 AND c.doctor_id = $2 AND c.status IN ('pending', 'accepted')`,
		patientID, doctorID))
}

func (r *conversationRepoPG) Create(ctx context.Context, c *Conversation) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.Status = StatusPending
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO conversation (id, patient_id, doctor_id, status, requested_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5, $5)`,
		c.ID, c.PatientID, c.DoctorID, c.Status, c.CreatedAt,
	)
	if db.IsUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	c.RequestedAt = c.CreatedAt
	c.UpdatedAt = c.CreatedAt
	return nil
}

func (r *conversationRepoPG) Respond(ctx context.Context, id uuid.UUID, status string, at time.Time) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE conversation SET status = $2, responded_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'pending'`, id, status, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *conversationRepoPG) ListPendingForDoctor(ctx context.Context, doctorID string) ([]*Conversation, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+convCols+` FROM conversation c
		WHERE c.doctor_id = $1 AND c.status = 'pending'
		ORDER BY c.requested_at ASC`, doctorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *conversationRepoPG) ListForViewer(ctx context.Context, viewerID string, statuses []string) ([]*Conversation, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+convCols+`, COALESCE(u.unread, 0)
		FROM conversation c
		LEFT JOIN LATERAL (
			SELECT COUNT(*) AS unread FROM chat_message m
			WHERE m.conversation_id = c.id AND m.receiver_id = $1 AND NOT m.is_read
		) u ON TRUE
		WHERE ((c.patient_id = $1 AND c.patient_hidden_at IS NULL)
		    OR (c.doctor_id = $1 AND c.doctor_hidden_at IS NULL))
		  AND c.status = ANY($2)
		ORDER BY c.updated_at DESC`, viewerID, statuses)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(
			&c.ID, &c.PatientID, &c.DoctorID, &c.Status, &c.LastMessageID, &c.LastMessage,
			&c.LastMessageAt, &c.PatientHiddenAt, &c.DoctorHiddenAt, &c.RequestedAt, &c.RespondedAt,
			&c.CreatedAt, &c.UpdatedAt, &c.UnreadCount,
		); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (r *conversationRepoPG) Hide(ctx context.Context, id uuid.UUID, viewerID string, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE conversation SET
			patient_hidden_at = CASE WHEN patient_id = $2 THEN $3 ELSE patient_hidden_at END,
			doctor_hidden_at  = CASE WHEN doctor_id  = $2 THEN $3 ELSE doctor_hidden_at END
		WHERE id = $1`, id, viewerID, at)
	return err
}

func (r *conversationRepoPG) SetLastMessage(ctx context.Context, id uuid.UUID, m *Message) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE conversation SET
			last_message_id = $2, last_message_preview = $3, last_message_at = $4, updated_at = $4,
			patient_hidden_at = NULL, doctor_hidden_at = NULL
		WHERE id = $1`, id, m.ID, m.Preview(), m.CreatedAt)
	return err
}

func scanConversation(row pgx.Row) (*Conversation, error) {
	var c Conversation
	err := row.Scan(
		&c.ID, &c.PatientID, &c.DoctorID, &c.Status, &c.LastMessageID, &c.LastMessage,
		&c.LastMessageAt, &c.PatientHiddenAt, &c.DoctorHiddenAt, &c.RequestedAt, &c.RespondedAt,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// -- Message Repository --

type messageRepoPG struct {
	pool *pgxpool.Pool
}

func NewMessageRepo(pool *pgxpool.Pool) MessageRepository {
	return &messageRepoPG{pool: pool}
}

func (r *messageRepoPG) conn(ctx context.Context) db.Querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const msgCols = `id, seq, conversation_id, sender_id, receiver_id, content, attachments,
	client_message_id, is_read, read_at, created_at`

func (r *messageRepoPG) Create(ctx context.Context, m *Message) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Attachments == nil {
		m.Attachments = []Attachment{}
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO chat_message (id, conversation_id, sender_id, receiver_id, content, attachments, client_message_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING seq, created_at`,
		m.ID, m.ConversationID, m.SenderID, m.ReceiverID, m.Content, m.Attachments, m.ClientMessageID,
	).Scan(&m.Seq, &m.CreatedAt)
	if db.IsUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (r *messageRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Message, error) {
	return scanMessage(r.conn(ctx).QueryRow(ctx, `SELECT `+msgCols+` FROM chat_message WHERE id = $1`, id))
}

func (r *messageRepoPG) GetByClientID(ctx context.Context, senderID, clientMessageID string) (*Message, error) {
	return scanMessage(r.conn(ctx).QueryRow(ctx,
		`SELECT `+msgCols+` FROM chat_message WHERE sender_id = $1 AND client_message_id = $2`,
		senderID, clientMessageID))
}

func (r *messageRepoPG) MarkRead(ctx context.Context, id uuid.UUID, readerID string, at time.Time) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE chat_message SET is_read = TRUE, read_at = $3
		WHERE id = $1 AND receiver_id = $2 AND NOT is_read`, id, readerID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *messageRepoPG) MarkConversationRead(ctx context.Context, conversationID uuid.UUID, readerID string, at time.Time) ([]ReadReceipt, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		UPDATE chat_message SET is_read = TRUE, read_at = $3
		WHERE conversation_id = $1 AND receiver_id = $2 AND NOT is_read
		RETURNING id, sender_id, read_at`, conversationID, readerID, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReadReceipt
	for rows.Next() {
		var rr ReadReceipt
		if err := rows.Scan(&rr.MessageID, &rr.SenderID, &rr.ReadAt); err != nil {
			return nil, err
		}
		out = append(out, rr)
	}
	return out, rows.Err()
}

func (r *messageRepoPG) ListByConversation(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]*Message, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM chat_message WHERE conversation_id = $1`, conversationID,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+msgCols+` FROM chat_message
		WHERE conversation_id = $1
		ORDER BY seq ASC
		LIMIT $2 OFFSET $3`, conversationID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, m)
	}
	return out, total, rows.Err()
}

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	err := row.Scan(
		&m.ID, &m.Seq, &m.ConversationID, &m.SenderID, &m.ReceiverID, &m.Content, &m.Attachments,
		&m.ClientMessageID, &m.IsRead, &m.ReadAt, &m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if m.Attachments == nil {
		m.Attachments = []Attachment{}
	}
	return &m, nil
}
