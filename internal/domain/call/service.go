// Package call relays the ringing/answer/reject handshake of audio and video
// calls. No media flows through the server and nothing is persisted.
package call

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/chat/internal/domain/identity"
	"github.com/ehr/chat/internal/platform/apperr"
	"github.com/ehr/chat/internal/platform/metrics"
)

// ErrCalleeOffline is returned when the callee has no live connection.
var ErrCalleeOffline = &apperr.Error{Kind: apperr.KindInvalidState, Message: "callee is offline"}

type Emitter interface {
	EmitToUser(ctx context.Context, userID, event string, data interface{}) error
}

type Presence interface {
	IsOnline(userID string) bool
}

// Guard decides whether two identities may call each other.
type Guard interface {
	SharesAcceptedConversation(ctx context.Context, a, b string) (bool, error)
}

type Identities interface {
	Resolve(ctx context.Context, id string) (*identity.User, error)
}

type Service struct {
	mu       sync.Mutex
	calls    map[string]*Signal
	byCaller map[string]string
	byCallee map[string]string

	presence Presence
	guard    Guard
	users    Identities
	emitter  Emitter
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

func NewService(presence Presence, guard Guard, users Identities, emitter Emitter, logger zerolog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		calls:    make(map[string]*Signal),
		byCaller: make(map[string]string),
		byCallee: make(map[string]string),
		presence: presence,
		guard:    guard,
		users:    users,
		emitter:  emitter,
		logger:   logger.With().Str("component", "call").Logger(),
		metrics:  m,
	}
}

// SignalIncomingCall rings every connection of the callee. If the callee is
// already part of a ringing call the caller receives callRejected with
// reason "busy" and the returned signal is in state rejected.
func (s *Service) SignalIncomingCall(ctx context.Context, callerID, calleeID, callType string) (*Signal, error) {
	if callType != TypeAudio && callType != TypeVideo {
		return nil, apperr.Validation("callType must be %q or %q", TypeAudio, TypeVideo)
	}
	if calleeID == "" || calleeID == callerID {
		return nil, apperr.Validation("a valid receiverId is required")
	}
	ok, err := s.guard.SharesAcceptedConversation(ctx, callerID, calleeID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.NotAuthorized("calls require an accepted conversation")
	}
	if !s.presence.IsOnline(calleeID) {
		s.metrics.CallSignal("offline")
		return nil, ErrCalleeOffline
	}
	caller, err := s.users.Resolve(ctx, callerID)
	if err != nil {
		return nil, err
	}

	sig := &Signal{
		ID:         uuid.New().String(),
		CallerID:   callerID,
		CalleeID:   calleeID,
		CallerName: caller.DisplayName(),
		CallType:   callType,
		State:      StateRinging,
		StartedAt:  time.Now().UTC(),
	}

	s.mu.Lock()
	if _, ringing := s.byCaller[callerID]; ringing {
		s.mu.Unlock()
		return nil, apperr.InvalidState("you already have an outgoing call")
	}
	_, calleeRinging := s.byCallee[calleeID]
	_, calleeCalling := s.byCaller[calleeID]
	if calleeRinging || calleeCalling {
		s.mu.Unlock()
		sig.State = StateRejected
		s.metrics.CallSignal(ReasonBusy)
		s.emit(ctx, callerID, EventCallRejected, resultPayload{CalleeID: calleeID, Reason: ReasonBusy})
		return sig, nil
	}
	s.calls[sig.ID] = sig
	s.byCaller[callerID] = sig.ID
	s.byCallee[calleeID] = sig.ID
	s.mu.Unlock()

	s.metrics.CallSignal(StateRinging)
	s.logger.Info().Str("call_id", sig.ID).Str("user_id", callerID).Str("callee_id", calleeID).
		Str("call_type", callType).Msg("call ringing")

	s.emit(ctx, calleeID, EventIncomingCall, incomingPayload{
		CallID: sig.ID, CallerID: callerID, CallerName: sig.CallerName, CallType: callType,
	})
	return sig, nil
}

// Answer accepts the ringing call addressed to calleeID. callID may be empty
// when the callee has only one ringing call.
func (s *Service) Answer(ctx context.Context, calleeID, callID string) (*Signal, error) {
	sig, err := s.takeForCallee(calleeID, callID)
	if err != nil {
		return nil, err
	}
	sig.State = StateAnswered
	s.metrics.CallSignal(StateAnswered)

	s.emit(ctx, sig.CallerID, EventCallAccepted, resultPayload{CallID: sig.ID, CalleeID: calleeID})
	s.emit(ctx, calleeID, EventCallEnded, endedPayload{CallID: sig.ID, Reason: ReasonAnsweredElsewhere})
	return sig, nil
}

// Reject declines the ringing call addressed to calleeID.
func (s *Service) Reject(ctx context.Context, calleeID, callID string) (*Signal, error) {
	sig, err := s.takeForCallee(calleeID, callID)
	if err != nil {
		return nil, err
	}
	sig.State = StateRejected
	s.metrics.CallSignal(ReasonDeclined)

	s.emit(ctx, sig.CallerID, EventCallRejected, resultPayload{CallID: sig.ID, CalleeID: calleeID, Reason: ReasonDeclined})
	s.emit(ctx, calleeID, EventCallEnded, endedPayload{CallID: sig.ID, Reason: ReasonDeclined})
	return sig, nil
}

// Cancel withdraws the caller's outgoing call.
func (s *Service) Cancel(ctx context.Context, callerID string) (*Signal, error) {
	s.mu.Lock()
	id, ok := s.byCaller[callerID]
	if !ok {
		s.mu.Unlock()
		return nil, apperr.NotFound("no outgoing call")
	}
	sig := s.removeLocked(id)
	s.mu.Unlock()

	sig.State = StateCancelled
	s.metrics.CallSignal(StateCancelled)
	s.emit(ctx, sig.CalleeID, EventCallCancelled, cancelledPayload{CallID: sig.ID, CallerID: callerID, Reason: ReasonCancelled})
	return sig, nil
}

// UserOffline ends any handshake userID takes part in. Called when the
// identity's last connection detaches.
func (s *Service) UserOffline(ctx context.Context, userID string) {
	s.mu.Lock()
	var outgoing, incoming *Signal
	if id, ok := s.byCaller[userID]; ok {
		outgoing = s.removeLocked(id)
	}
	if id, ok := s.byCallee[userID]; ok {
		incoming = s.removeLocked(id)
	}
	s.mu.Unlock()

	if outgoing != nil {
		outgoing.State = StateCancelled
		s.metrics.CallSignal(ReasonCallerDisconnected)
		s.emit(ctx, outgoing.CalleeID, EventCallCancelled, cancelledPayload{
			CallID: outgoing.ID, CallerID: userID, Reason: ReasonCallerDisconnected,
		})
	}
	if incoming != nil {
		incoming.State = StateRejected
		s.metrics.CallSignal(ReasonUnavailable)
		s.emit(ctx, incoming.CallerID, EventCallRejected, resultPayload{
			CallID: incoming.ID, CalleeID: userID, Reason: ReasonUnavailable,
		})
	}
}

// Ringing returns the ringing call with id, if any.
func (s *Service) Ringing(id string) (*Signal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.calls[id]
	if !ok {
		return nil, false
	}
	cp := *sig
	return &cp, true
}

func (s *Service) takeForCallee(calleeID, callID string) (*Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if callID == "" {
		id, ok := s.byCallee[calleeID]
		if !ok {
			return nil, apperr.NotFound("no ringing call")
		}
		callID = id
	}
	sig, ok := s.calls[callID]
	if !ok {
		return nil, apperr.NotFound("call %s is not ringing", callID)
	}
	if sig.CalleeID != calleeID {
		return nil, apperr.NotAuthorized("only the callee can answer this call")
	}
	return s.removeLocked(callID), nil
}

func (s *Service) removeLocked(id string) *Signal {
	sig := s.calls[id]
	delete(s.calls, id)
	delete(s.byCaller, sig.CallerID)
	delete(s.byCallee, sig.CalleeID)
	return sig
}

func (s *Service) emit(ctx context.Context, userID, event string, data interface{}) {
	if err := s.emitter.EmitToUser(ctx, userID, event, data); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Str("event", event).Msg("emit failed")
	}
}
