package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/chat/internal/platform/websocket"
)

type delivery struct {
	userID, event string
	payload       []byte
}

type mockDeliverer struct {
	mu  sync.Mutex
	got []delivery
}

func (m *mockDeliverer) Deliver(userID, event string, payload []byte) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, delivery{userID, event, payload})
	return 1
}

func (m *mockDeliverer) all() []delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]delivery(nil), m.got...)
}

type mockPublisher struct {
	envs []Envelope
	err  error
}

func (m *mockPublisher) Publish(_ context.Context, env Envelope) error {
	if m.err != nil {
		return m.err
	}
	m.envs = append(m.envs, env)
	return nil
}

func TestEmitter_LocalOnly(t *testing.T) {
	local := &mockDeliverer{}
	e := NewEmitter("node-a", local, nil, zerolog.Nop(), nil)

	if err := e.EmitToUser(context.Background(), "u1", "newMessage", map[string]string{"id": "m1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := local.all()
	if len(got) != 1 || got[0].userID != "u1" || got[0].event != "newMessage" {
		t.Fatalf("unexpected deliveries %+v", got)
	}
	var ev websocket.Event
	if err := json.Unmarshal(got[0].payload, &ev); err != nil || ev.Event != "newMessage" {
		t.Fatalf("payload is not an event envelope: %s", got[0].payload)
	}
}

func TestEmitter_Relays(t *testing.T) {
	local := &mockDeliverer{}
	pub := &mockPublisher{}
	e := NewEmitter("node-a", local, pub, zerolog.Nop(), nil)

	e.EmitToUser(context.Background(), "u1", "messageRead", map[string]string{"messageId": "m1"})

	if len(pub.envs) != 1 {
		t.Fatalf("expected 1 relayed envelope, got %d", len(pub.envs))
	}
	env := pub.envs[0]
	if env.Origin != "node-a" || env.UserID != "u1" || env.Event != "messageRead" {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if string(env.Payload) != string(local.all()[0].payload) {
		t.Fatal("relayed payload must match the locally delivered one")
	}
}

func TestEmitter_PublishFailureIsNotFatal(t *testing.T) {
	local := &mockDeliverer{}
	e := NewEmitter("node-a", local, &mockPublisher{err: errors.New("down")}, zerolog.Nop(), nil)

	if err := e.EmitToUser(context.Background(), "u1", "x", nil); err != nil {
		t.Fatalf("expected publish failure to be swallowed, got %v", err)
	}
	if len(local.all()) != 1 {
		t.Fatal("expected local delivery despite relay failure")
	}
}

func TestRedisBus_HandleSkipsOwnOrigin(t *testing.T) {
	b := NewRedisBus(nil, "chat.events", "node-a", zerolog.Nop(), nil)
	local := &mockDeliverer{}

	own, _ := json.Marshal(Envelope{Origin: "node-a", UserID: "u1", Event: "x", Payload: json.RawMessage(`{}`)})
	other, _ := json.Marshal(Envelope{Origin: "node-b", UserID: "u2", Event: "y", Payload: json.RawMessage(`{}`)})

	b.handle(local, string(own))
	b.handle(local, string(other))
	b.handle(local, "not json")

	got := local.all()
	if len(got) != 1 || got[0].userID != "u2" || got[0].event != "y" {
		t.Fatalf("expected only the foreign envelope, got %+v", got)
	}
}

// Requires a reachable Redis; set TEST_REDIS_URL to run.
func TestRedisBus_RoundTrip(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Connect(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	channel := "chat.events.test"
	receiver := NewRedisBus(client, channel, "node-b", zerolog.Nop(), nil)
	sender := NewRedisBus(client, channel, "node-a", zerolog.Nop(), nil)
	local := &mockDeliverer{}

	go receiver.Run(ctx, local)
	time.Sleep(200 * time.Millisecond)

	emitter := NewEmitter("node-a", &mockDeliverer{}, sender, zerolog.Nop(), nil)
	emitter.EmitToUser(ctx, "u9", "newMessage", map[string]string{"id": "m9"})

	deadline := time.Now().Add(3 * time.Second)
	for len(local.all()) == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if got := local.all(); len(got) != 1 || got[0].userID != "u9" {
		t.Fatalf("expected relayed delivery, got %+v", got)
	}
}
