package call

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/chat/internal/domain/identity"
	"github.com/ehr/chat/internal/platform/apperr"
)

type emitted struct {
	to    string
	event string
	data  interface{}
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (r *recordingEmitter) EmitToUser(_ context.Context, userID, event string, data interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emitted{to: userID, event: event, data: data})
	return nil
}

func (r *recordingEmitter) For(userID, event string) []emitted {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []emitted
	for _, e := range r.events {
		if e.to == userID && e.event == event {
			out = append(out, e)
		}
	}
	return out
}

type onlineSet map[string]bool

func (o onlineSet) IsOnline(id string) bool { return o[id] }

type pairGuard struct {
	allowed map[[2]string]bool
	err     error
}

func (g *pairGuard) SharesAcceptedConversation(_ context.Context, a, b string) (bool, error) {
	if g.err != nil {
		return false, g.err
	}
	return g.allowed[[2]string{a, b}] || g.allowed[[2]string{b, a}], nil
}

type users map[string]*identity.User

func (u users) Resolve(_ context.Context, id string) (*identity.User, error) {
	if usr, ok := u[id]; ok {
		return usr, nil
	}
	return nil, apperr.NotFound("user %s not found", id)
}

type fixture struct {
	svc     *Service
	emitter *recordingEmitter
	online  onlineSet
	guard   *pairGuard
}

func newFixture() *fixture {
	f := &fixture{
		emitter: &recordingEmitter{},
		online:  onlineSet{"pat-1": true, "pat-2": true, "doc-1": true},
		guard: &pairGuard{allowed: map[[2]string]bool{
			{"pat-1", "doc-1"}: true,
			{"pat-2", "doc-1"}: true,
		}},
	}
	dir := users{
		"pat-1": {ID: "pat-1", Role: identity.RolePatient, FirstName: "Ada", LastName: "Lovelace"},
		"pat-2": {ID: "pat-2", Role: identity.RolePatient, FirstName: "Alan", LastName: "Turing"},
		"doc-1": {ID: "doc-1", Role: identity.RoleDoctor, FirstName: "Grace", LastName: "Hopper"},
	}
	f.svc = NewService(f.online, f.guard, dir, f.emitter, zerolog.Nop(), nil)
	return f
}

func TestSignalIncomingCall_RingsCallee(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	sig, err := f.svc.SignalIncomingCall(ctx, "pat-1", "doc-1", TypeVideo)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sig.State != StateRinging || sig.CallerName != "Ada Lovelace" {
		t.Fatalf("unexpected signal %+v", sig)
	}

	got := f.emitter.For("doc-1", EventIncomingCall)
	if len(got) != 1 {
		t.Fatalf("expected 1 incomingCall, got %d", len(got))
	}
	p := got[0].data.(incomingPayload)
	if p.CallID != sig.ID || p.CallerID != "pat-1" || p.CallType != TypeVideo {
		t.Errorf("unexpected payload %+v", p)
	}
	if _, ok := f.svc.Ringing(sig.ID); !ok {
		t.Error("expected call to be ringing")
	}
}

func TestSignalIncomingCall_Validation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if _, err := f.svc.SignalIncomingCall(ctx, "pat-1", "doc-1", "hologram"); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("expected validation error for call type, got %v", err)
	}
	if _, err := f.svc.SignalIncomingCall(ctx, "pat-1", "pat-1", TypeAudio); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("expected validation error for self call, got %v", err)
	}
}

func TestSignalIncomingCall_RequiresAcceptedConversation(t *testing.T) {
	f := newFixture()
	f.online["doc-2"] = true

	_, err := f.svc.SignalIncomingCall(context.Background(), "pat-1", "doc-2", TypeAudio)
	if apperr.KindOf(err) != apperr.KindNotAuthorized {
		t.Fatalf("expected not authorized, got %v", err)
	}
	if len(f.emitter.For("doc-2", EventIncomingCall)) != 0 {
		t.Error("callee must not be rung")
	}
}

func TestSignalIncomingCall_GuardError(t *testing.T) {
	f := newFixture()
	f.guard.err = apperr.TransientIO(errors.New("db down"), "lookup failed")

	_, err := f.svc.SignalIncomingCall(context.Background(), "pat-1", "doc-1", TypeAudio)
	if apperr.KindOf(err) != apperr.KindTransientIO {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestSignalIncomingCall_CalleeOffline(t *testing.T) {
	f := newFixture()
	f.online["doc-1"] = false

	_, err := f.svc.SignalIncomingCall(context.Background(), "pat-1", "doc-1", TypeAudio)
	if !errors.Is(err, ErrCalleeOffline) {
		t.Fatalf("expected ErrCalleeOffline, got %v", err)
	}
}

func TestSignalIncomingCall_BusyCallee(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	first, err := f.svc.SignalIncomingCall(ctx, "pat-1", "doc-1", TypeVideo)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := f.svc.SignalIncomingCall(ctx, "pat-2", "doc-1", TypeAudio)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if second.State != StateRejected {
		t.Errorf("expected rejected signal, got %s", second.State)
	}

	rejected := f.emitter.For("pat-2", EventCallRejected)
	if len(rejected) != 1 || rejected[0].data.(resultPayload).Reason != ReasonBusy {
		t.Fatalf("expected busy rejection, got %+v", rejected)
	}
	if n := len(f.emitter.For("doc-1", EventIncomingCall)); n != 1 {
		t.Errorf("callee should be rung once, got %d", n)
	}
	if _, ok := f.svc.Ringing(first.ID); !ok {
		t.Error("first call must keep ringing")
	}
}

func TestSignalIncomingCall_OneOutgoingPerCaller(t *testing.T) {
	f := newFixture()
	f.guard.allowed[[2]string{"pat-1", "doc-2"}] = true
	f.online["doc-2"] = true
	ctx := context.Background()

	if _, err := f.svc.SignalIncomingCall(ctx, "pat-1", "doc-1", TypeVideo); err != nil {
		t.Fatalf("first call: %v", err)
	}
	_, err := f.svc.SignalIncomingCall(ctx, "pat-1", "doc-2", TypeVideo)
	if apperr.KindOf(err) != apperr.KindInvalidState {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestAnswer_NotifiesCallerAndOtherDevices(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	sig, _ := f.svc.SignalIncomingCall(ctx, "pat-1", "doc-1", TypeVideo)

	ans, err := f.svc.Answer(ctx, "doc-1", sig.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ans.State != StateAnswered {
		t.Errorf("expected answered, got %s", ans.State)
	}
	if len(f.emitter.For("pat-1", EventCallAccepted)) != 1 {
		t.Error("caller should receive callAccepted")
	}
	ended := f.emitter.For("doc-1", EventCallEnded)
	if len(ended) != 1 || ended[0].data.(endedPayload).Reason != ReasonAnsweredElsewhere {
		t.Errorf("expected answered-elsewhere, got %+v", ended)
	}
	if _, ok := f.svc.Ringing(sig.ID); ok {
		t.Error("answered call should no longer ring")
	}

	if _, err := f.svc.Answer(ctx, "doc-1", sig.ID); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("second answer should be not found, got %v", err)
	}
}

func TestAnswer_WithoutCallID(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	sig, _ := f.svc.SignalIncomingCall(ctx, "pat-1", "doc-1", TypeAudio)
	ans, err := f.svc.Answer(ctx, "doc-1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ans.ID != sig.ID {
		t.Errorf("expected %s, got %s", sig.ID, ans.ID)
	}
}

func TestAnswer_OnlyCallee(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	sig, _ := f.svc.SignalIncomingCall(ctx, "pat-1", "doc-1", TypeAudio)
	if _, err := f.svc.Answer(ctx, "pat-2", sig.ID); apperr.KindOf(err) != apperr.KindNotAuthorized {
		t.Fatalf("expected not authorized, got %v", err)
	}
	if _, ok := f.svc.Ringing(sig.ID); !ok {
		t.Error("call should keep ringing after foreign answer")
	}
}

func TestReject_NotifiesCaller(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	sig, _ := f.svc.SignalIncomingCall(ctx, "pat-1", "doc-1", TypeVideo)
	if _, err := f.svc.Reject(ctx, "doc-1", sig.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rejected := f.emitter.For("pat-1", EventCallRejected)
	if len(rejected) != 1 || rejected[0].data.(resultPayload).Reason != ReasonDeclined {
		t.Fatalf("expected declined, got %+v", rejected)
	}

	// the pair is free again
	if _, err := f.svc.SignalIncomingCall(ctx, "pat-2", "doc-1", TypeVideo); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.emitter.For("pat-2", EventCallRejected)) != 0 {
		t.Error("callee should no longer be busy")
	}
}

func TestCancel(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if _, err := f.svc.Cancel(ctx, "pat-1"); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}

	sig, _ := f.svc.SignalIncomingCall(ctx, "pat-1", "doc-1", TypeVideo)
	if _, err := f.svc.Cancel(ctx, "pat-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cancelled := f.emitter.For("doc-1", EventCallCancelled)
	if len(cancelled) != 1 || cancelled[0].data.(cancelledPayload).CallID != sig.ID {
		t.Fatalf("expected callCancelled, got %+v", cancelled)
	}
}

func TestUserOffline_CallerDisconnects(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	sig, _ := f.svc.SignalIncomingCall(ctx, "pat-1", "doc-1", TypeVideo)
	f.svc.UserOffline(ctx, "pat-1")

	cancelled := f.emitter.For("doc-1", EventCallCancelled)
	if len(cancelled) != 1 || cancelled[0].data.(cancelledPayload).Reason != ReasonCallerDisconnected {
		t.Fatalf("expected caller-disconnected, got %+v", cancelled)
	}
	if _, ok := f.svc.Ringing(sig.ID); ok {
		t.Error("call should be cleared")
	}
}

func TestUserOffline_CalleeDisconnects(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, _ = f.svc.SignalIncomingCall(ctx, "pat-1", "doc-1", TypeVideo)
	f.svc.UserOffline(ctx, "doc-1")

	rejected := f.emitter.For("pat-1", EventCallRejected)
	if len(rejected) != 1 || rejected[0].data.(resultPayload).Reason != ReasonUnavailable {
		t.Fatalf("expected unavailable, got %+v", rejected)
	}
}

func TestUserOffline_NoCall(t *testing.T) {
	f := newFixture()
	f.svc.UserOffline(context.Background(), "pat-1")
	if len(f.emitter.events) != 0 {
		t.Errorf("expected no events, got %+v", f.emitter.events)
	}
}
