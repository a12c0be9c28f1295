package chatclient

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Fetcher is the authoritative read side used by Sync.
type Fetcher interface {
	Conversations(ctx context.Context) ([]Conversation, error)
	PendingRequests(ctx context.Context) ([]PendingRequest, error)
	History(ctx context.Context, conversationID string) ([]Message, error)
	Online(ctx context.Context) ([]string, error)
}

// Sync keeps the local view of one user. Fetches are the source of truth;
// socket events are merged on top of the last fetch as hints. Every
// (re)connect triggers a full refresh.
type Sync struct {
	api    Fetcher
	role   string
	logger zerolog.Logger
	// RefreshTimeout bounds refreshes triggered by events.
	RefreshTimeout time.Duration
	// OnChange, if set, is called after the view changes.
	OnChange func()

	refreshMu sync.Mutex

	mu            sync.RWMutex
	conversations map[string]Conversation
	pending       map[string]PendingRequest
	openID        string
	messages      map[string]Message
	seen          map[string]map[string]struct{} // conversation id -> message ids
	lastSeq       map[string]int64
	online        map[string]bool
	typing        map[string]bool
	lastError     error
}

// NewSync builds a store for a user with the given role and subscribes it to
// conn. A nil conn leaves the store to polling only.
func NewSync(api Fetcher, conn Connection, role string, logger zerolog.Logger) *Sync {
	s := &Sync{
		api:            api,
		role:           role,
		logger:         logger.With().Str("component", "chatsync").Logger(),
		RefreshTimeout: 30 * time.Second,
		conversations:  make(map[string]Conversation),
		pending:        make(map[string]PendingRequest),
		messages:       make(map[string]Message),
		seen:           make(map[string]map[string]struct{}),
		lastSeq:        make(map[string]int64),
		online:         make(map[string]bool),
		typing:         make(map[string]bool),
	}
	if conn != nil {
		conn.OnEvent(s.Handle)
	}
	return s
}

// Refresh refetches conversations, pending requests for doctors, the online
// set, and the open conversation's history.
func (s *Sync) Refresh(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	convs, err := s.api.Conversations(ctx)
	if err != nil {
		return s.fail(err)
	}
	var pending []PendingRequest
	if s.role == RoleDoctor {
		if pending, err = s.api.PendingRequests(ctx); err != nil {
			return s.fail(err)
		}
	}

	online, err := s.api.Online(ctx)
	if err != nil {
		return s.fail(err)
	}

	s.mu.RLock()
	openID := s.openID
	s.mu.RUnlock()
	var history []Message
	if openID != "" {
		if history, err = s.api.History(ctx, openID); err != nil {
			return s.fail(err)
		}
	}

	s.mu.Lock()
	s.conversations = make(map[string]Conversation, len(convs))
	s.lastSeq = make(map[string]int64)
	for _, c := range convs {
		s.conversations[c.ID] = c
	}
	s.online = make(map[string]bool, len(online))
	for _, id := range online {
		s.online[id] = true
	}
	s.pending = make(map[string]PendingRequest, len(pending))
	for _, p := range pending {
		s.pending[p.ConversationID] = p
	}
	if openID != "" && openID == s.openID {
		for _, m := range history {
			s.mergeMessageLocked(m)
		}
	}
	s.lastError = nil
	s.mu.Unlock()

	s.changed()
	return nil
}

// Open selects the conversation whose messages are kept and loads its
// history.
func (s *Sync) Open(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	if s.openID != conversationID {
		s.openID = conversationID
		s.messages = make(map[string]Message)
	}
	s.mu.Unlock()

	history, err := s.api.History(ctx, conversationID)
	if err != nil {
		return s.fail(err)
	}
	s.mu.Lock()
	if s.openID == conversationID {
		for _, m := range history {
			s.mergeMessageLocked(m)
		}
	}
	s.mu.Unlock()
	s.changed()
	return nil
}

// Run refreshes on every tick until ctx is done. Failed refreshes are logged
// and retried on the next tick.
func (s *Sync) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("periodic refresh failed")
			}
		}
	}
}

// Handle merges one socket event into the view.
func (s *Sync) Handle(event string, data json.RawMessage) {
	switch event {
	case EventConnected:
		go s.refreshAsync()
		return

	case EventDisconnected:
		s.mu.Lock()
		s.online = make(map[string]bool)
		s.typing = make(map[string]bool)
		s.mu.Unlock()

	case EventNewMessage, EventMessageSent:
		var m Message
		if !s.decode(event, data, &m) {
			return
		}
		s.mu.Lock()
		c, known := s.conversations[m.ConversationID]
		newer := known && s.newerLocked(c, m)
		firstSeen := !s.sawLocked(m)
		if m.ConversationID == s.openID {
			s.mergeMessageLocked(m)
		}
		if known {
			if newer {
				preview := m.Content
				c.LastMessageID, c.LastMessage, c.LastMessageAt = &m.ID, &preview, &m.CreatedAt
				if m.CreatedAt.After(c.UpdatedAt) {
					c.UpdatedAt = m.CreatedAt
				}
				s.lastSeq[c.ID] = m.Seq
			}
			if firstSeen && event == EventNewMessage && m.ConversationID != s.openID {
				c.UnreadCount++
			}
			s.conversations[c.ID] = c
		}
		delete(s.typing, m.SenderID)
		s.mu.Unlock()
		if !known {
			go s.refreshAsync()
		}

	case EventMessageRead:
		var r readUpdate
		if !s.decode(event, data, &r) {
			return
		}
		s.mu.Lock()
		if m, ok := s.messages[r.MessageID]; ok && !m.IsRead {
			m.IsRead = true
			s.messages[m.ID] = m
		}
		s.mu.Unlock()

	case EventChatRequest:
		var p PendingRequest
		if !s.decode(event, data, &p) {
			return
		}
		s.mu.Lock()
		s.pending[p.ConversationID] = p
		s.mu.Unlock()

	case EventPendingChatRequests:
		var list []PendingRequest
		if !s.decode(event, data, &list) {
			return
		}
		s.mu.Lock()
		s.pending = make(map[string]PendingRequest, len(list))
		for _, p := range list {
			s.pending[p.ConversationID] = p
		}
		s.mu.Unlock()

	case EventRequestResponse, EventRequestStatusUpdate, EventResponseConfirmation:
		var u statusUpdate
		if !s.decode(event, data, &u) {
			return
		}
		s.mu.Lock()
		if u.Status != "pending" {
			delete(s.pending, u.ConversationID)
		}
		c, known := s.conversations[u.ConversationID]
		if known {
			c.Status = u.Status
			s.conversations[c.ID] = c
		}
		s.mu.Unlock()
		if !known {
			go s.refreshAsync()
		}

	case EventUserStatus:
		var ids []string
		if !s.decode(event, data, &ids) {
			return
		}
		s.mu.Lock()
		s.online = make(map[string]bool, len(ids))
		for _, id := range ids {
			s.online[id] = true
		}
		s.mu.Unlock()

	case EventUserTyping:
		var u typingUpdate
		if !s.decode(event, data, &u) {
			return
		}
		s.mu.Lock()
		if u.Typing {
			s.typing[u.UserID] = true
		} else {
			delete(s.typing, u.UserID)
		}
		s.mu.Unlock()

	case EventError:
		s.logger.Warn().RawJSON("error", data).Msg("server rejected event")
		return

	default:
		return
	}
	s.changed()
}

// Conversations returns the local list, most recently updated first.
func (s *Sync) Conversations() []Conversation {
	s.mu.RLock()
	out := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Pending returns the doctor's pending requests, oldest first.
func (s *Sync) Pending() []PendingRequest {
	s.mu.RLock()
	out := make([]PendingRequest, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Messages returns the open conversation ordered by seq.
func (s *Sync) Messages() []Message {
	s.mu.RLock()
	out := make([]Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Sync) IsOnline(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online[userID]
}

func (s *Sync) IsTyping(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.typing[userID]
}

// Err returns the error of the last failed fetch, cleared by a successful
// refresh.
func (s *Sync) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

// mergeMessageLocked keeps one copy per id. A read flag is never reverted by
// a stale copy.
func (s *Sync) mergeMessageLocked(m Message) {
	if prev, ok := s.messages[m.ID]; ok && prev.IsRead && !m.IsRead {
		m.IsRead, m.ReadAt = true, prev.ReadAt
	}
	s.messages[m.ID] = m
	s.sawLocked(m)
	if m.Seq > s.lastSeq[m.ConversationID] {
		s.lastSeq[m.ConversationID] = m.Seq
	}
}

// sawLocked records m as seen and reports whether it had been seen before.
func (s *Sync) sawLocked(m Message) bool {
	ids, ok := s.seen[m.ConversationID]
	if !ok {
		ids = make(map[string]struct{})
		s.seen[m.ConversationID] = ids
	}
	if _, dup := ids[m.ID]; dup {
		return true
	}
	ids[m.ID] = struct{}{}
	return false
}

// newerLocked reports whether m should replace c's last-message preview.
// Seq decides once one is known for c; after a fetch only the timestamp is.
func (s *Sync) newerLocked(c Conversation, m Message) bool {
	if c.LastMessageID != nil && *c.LastMessageID == m.ID {
		return false
	}
	if seq, ok := s.lastSeq[c.ID]; ok {
		return m.Seq > seq
	}
	return c.LastMessageAt == nil || m.CreatedAt.After(*c.LastMessageAt)
}

func (s *Sync) refreshAsync() {
	ctx, cancel := context.WithTimeout(context.Background(), s.RefreshTimeout)
	defer cancel()
	if err := s.Refresh(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("refresh failed")
	}
}

func (s *Sync) decode(event string, data json.RawMessage, v interface{}) bool {
	if err := json.Unmarshal(data, v); err != nil {
		s.logger.Warn().Err(err).Str("event", event).Msg("dropping malformed event")
		return false
	}
	return true
}

func (s *Sync) fail(err error) error {
	s.mu.Lock()
	s.lastError = err
	s.mu.Unlock()
	return err
}

func (s *Sync) changed() {
	if s.OnChange != nil {
		s.OnChange()
	}
}
