package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/ehr/chat/internal/domain/identity"
)

// -- in-memory repositories --

type mockStore struct {
	mu    sync.Mutex
	convs map[uuid.UUID]*Conversation
	msgs  map[uuid.UUID]*Message
	seq   int64
	fail  error
}

func newMockStore() *mockStore {
	return &mockStore{convs: make(map[uuid.UUID]*Conversation), msgs: make(map[uuid.UUID]*Message)}
}

type mockConvRepo struct{ s *mockStore }
type mockMsgRepo struct{ s *mockStore }

func copyConv(c *Conversation) *Conversation {
	cp := *c
	return &cp
}

func copyMsg(m *Message) *Message {
	cp := *m
	return &cp
}

func (r mockConvRepo) GetByID(_ context.Context, id uuid.UUID) (*Conversation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.fail != nil {
		return nil, r.s.fail
	}
	c, ok := r.s.convs[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return copyConv(c), nil
}

func (r mockConvRepo) GetLatestForPair(_ context.Context, a, b string) (*Conversation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var best *Conversation
	for _, c := range r.s.convs {
		if !(c.PatientID == a && c.DoctorID == b) && !(c.PatientID == b && c.DoctorID == a) {
			continue
		}
		if best == nil || (best.Status == StatusRejected && c.Status != StatusRejected) ||
			(best.Status == StatusRejected) == (c.Status == StatusRejected) && c.CreatedAt.After(best.CreatedAt) {
			best = c
		}
	}
	if best == nil {
		return nil, pgx.ErrNoRows
	}
	return copyConv(best), nil
}

func (r mockConvRepo) getOpenLocked(patientID, doctorID string) *Conversation {
	for _, c := range r.s.convs {
		if c.PatientID == patientID && c.DoctorID == doctorID && c.Status != StatusRejected {
			return c
		}
	}
	return nil
}

func (r mockConvRepo) GetOpen(_ context.Context, patientID, doctorID string) (*Conversation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if c := r.getOpenLocked(patientID, doctorID); c != nil {
		return copyConv(c), nil
	}
	return nil, pgx.ErrNoRows
}

func (r mockConvRepo) Create(_ context.Context, c *Conversation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.getOpenLocked(c.PatientID, c.DoctorID) != nil {
		return ErrDuplicate
	}
	c.Status = StatusPending
	c.RequestedAt = c.CreatedAt
	c.UpdatedAt = c.CreatedAt
	r.s.convs[c.ID] = copyConv(c)
	return nil
}

func (r mockConvRepo) Respond(_ context.Context, id uuid.UUID, status string, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.convs[id]
	if !ok || c.Status != StatusPending {
		return false, nil
	}
	c.Status = status
	c.RespondedAt = &at
	c.UpdatedAt = at
	return true, nil
}

func (r mockConvRepo) ListPendingForDoctor(_ context.Context, doctorID string) ([]*Conversation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*Conversation
	for _, c := range r.s.convs {
		if c.DoctorID == doctorID && c.Status == StatusPending {
			out = append(out, copyConv(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

func (r mockConvRepo) ListForViewer(_ context.Context, viewerID string, statuses []string) ([]*Conversation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	allowed := make(map[string]bool)
	for _, s := range statuses {
		allowed[s] = true
	}
	var out []*Conversation
	for _, c := range r.s.convs {
		visible := (c.PatientID == viewerID && c.PatientHiddenAt == nil) ||
			(c.DoctorID == viewerID && c.DoctorHiddenAt == nil)
		if !visible || !allowed[c.Status] {
			continue
		}
		cp := copyConv(c)
		for _, m := range r.s.msgs {
			if m.ConversationID == c.ID && m.ReceiverID == viewerID && !m.IsRead {
				cp.UnreadCount++
			}
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (r mockConvRepo) Hide(_ context.Context, id uuid.UUID, viewerID string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := r.s.convs[id]
	if c.PatientID == viewerID {
		c.PatientHiddenAt = &at
	}
	if c.DoctorID == viewerID {
		c.DoctorHiddenAt = &at
	}
	return nil
}

func (r mockConvRepo) SetLastMessage(_ context.Context, id uuid.UUID, m *Message) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := r.s.convs[id]
	preview := m.Preview()
	mid := m.ID
	c.LastMessageID = &mid
	c.LastMessage = &preview
	c.LastMessageAt = &m.CreatedAt
	c.UpdatedAt = m.CreatedAt
	c.PatientHiddenAt = nil
	c.DoctorHiddenAt = nil
	return nil
}

func (r mockMsgRepo) Create(_ context.Context, m *Message) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.fail != nil {
		return r.s.fail
	}
	if m.ClientMessageID != nil {
		for _, prior := range r.s.msgs {
			if prior.SenderID == m.SenderID && prior.ClientMessageID != nil && *prior.ClientMessageID == *m.ClientMessageID {
				return ErrDuplicate
			}
		}
	}
	r.s.seq++
	m.Seq = r.s.seq
	m.CreatedAt = time.Now().UTC().Add(time.Duration(r.s.seq) * time.Millisecond)
	r.s.msgs[m.ID] = copyMsg(m)
	return nil
}

func (r mockMsgRepo) GetByID(_ context.Context, id uuid.UUID) (*Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.msgs[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return copyMsg(m), nil
}

func (r mockMsgRepo) GetByClientID(_ context.Context, senderID, clientMessageID string) (*Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, m := range r.s.msgs {
		if m.SenderID == senderID && m.ClientMessageID != nil && *m.ClientMessageID == clientMessageID {
			return copyMsg(m), nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (r mockMsgRepo) MarkRead(_ context.Context, id uuid.UUID, readerID string, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.msgs[id]
	if !ok || m.ReceiverID != readerID || m.IsRead {
		return false, nil
	}
	m.IsRead = true
	m.ReadAt = &at
	return true, nil
}

func (r mockMsgRepo) MarkConversationRead(_ context.Context, conversationID uuid.UUID, readerID string, at time.Time) ([]ReadReceipt, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []ReadReceipt
	for _, m := range r.s.msgs {
		if m.ConversationID == conversationID && m.ReceiverID == readerID && !m.IsRead {
			m.IsRead = true
			m.ReadAt = &at
			out = append(out, ReadReceipt{MessageID: m.ID, SenderID: m.SenderID, ReadAt: at})
		}
	}
	return out, nil
}

func (r mockMsgRepo) ListByConversation(_ context.Context, conversationID uuid.UUID, limit, offset int) ([]*Message, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var all []*Message
	for _, m := range r.s.msgs {
		if m.ConversationID == conversationID {
			all = append(all, copyMsg(m))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Seq < all[j].Seq })
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

// -- identities --

type mockIdentities struct {
	users map[string]*identity.User
}

func (m *mockIdentities) Resolve(ctx context.Context, id string) (*identity.User, error) {
	return identity.NewService(m).Resolve(ctx, id)
}

func (m *mockIdentities) Profiles(_ context.Context, ids []string) (map[string]*identity.User, error) {
	out := make(map[string]*identity.User)
	for _, id := range ids {
		if u, ok := m.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

// Directory methods so the identity service can wrap the same map.
func (m *mockIdentities) GetByID(_ context.Context, id string) (*identity.User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return u, nil
}

func (m *mockIdentities) GetMany(ctx context.Context, ids []string) (map[string]*identity.User, error) {
	return m.Profiles(ctx, ids)
}

func (m *mockIdentities) Upsert(_ context.Context, u *identity.User) error {
	m.users[u.ID] = u
	return nil
}

// -- emitter --

type emitted struct {
	UserID string
	Event  string
	Data   interface{}
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (r *recordingEmitter) EmitToUser(_ context.Context, userID, event string, data interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emitted{userID, event, data})
	return nil
}

func (r *recordingEmitter) For(userID, event string) []emitted {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []emitted
	for _, e := range r.events {
		if e.UserID == userID && e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func (r *recordingEmitter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func (r *recordingEmitter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// -- fixture --

const (
	patientID = "pat-1"
	doctorID  = "doc-1"
	doctor2ID = "doc-2"
)

type fixture struct {
	svc     *Service
	store   *mockStore
	emitter *recordingEmitter
}

func newFixture() *fixture {
	store := newMockStore()
	ids := &mockIdentities{users: map[string]*identity.User{
		patientID: {ID: patientID, Role: identity.RolePatient, FirstName: "Pat", LastName: "Doe"},
		doctorID:  {ID: doctorID, Role: identity.RoleDoctor, FirstName: "Ada", LastName: "Lovelace"},
		doctor2ID: {ID: doctor2ID, Role: identity.RoleDoctor, FirstName: "Bob", LastName: "Kim"},
	}}
	em := &recordingEmitter{}
	svc := NewService(mockConvRepo{store}, mockMsgRepo{store}, ids, em, nil, zerolog.Nop(), nil)
	return &fixture{svc: svc, store: store, emitter: em}
}

// accepted opens and accepts a conversation between patientID and doctorID.
func (f *fixture) accepted() *Conversation {
	ctx := context.Background()
	c, _, err := f.svc.RequestConversation(ctx, patientID, doctorID)
	if err != nil {
		panic(err)
	}
	c, err = f.svc.Respond(ctx, doctorID, c.ID, StatusAccepted)
	if err != nil {
		panic(err)
	}
	f.emitter.Reset()
	return c
}
