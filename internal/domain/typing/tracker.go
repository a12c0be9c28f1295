// Package typing tracks ephemeral "is typing" flags per (viewer, counterpart)
// pair and clears them automatically after a quiet period.
package typing

import (
	"context"
	"hash/maphash"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	EventUserTyping = "userTyping"
	DefaultTimeout  = 3 * time.Second
)

type Notifier interface {
	EmitToUser(ctx context.Context, userID, event string, data interface{}) error
}

// Payload is delivered to the counterpart on every flag change.
type Payload struct {
	UserID string `json:"userId"`
	Typing bool   `json:"typing"`
}

type key struct {
	viewer      string
	counterpart string
}

// entry holds one armed flag. gen identifies the timer that may clear it.
type entry struct {
	gen   uint64
	timer *time.Timer
}

const notifyShards = 32

// Tracker holds at most one pending auto-clear timer per pair. A timer that
// fires after a newer SetTyping re-armed the pair sees a different
// generation and does nothing.
//
// Notifications for a pair are serialized and always carry the pair's state
// at send time, so the counterpart's last event matches the flag.
type Tracker struct {
	mu       sync.Mutex
	flags    map[key]*entry
	sent     map[key]bool // pairs whose counterpart last saw typing=true
	nextGen  uint64
	seed     maphash.Seed
	shards   [notifyShards]sync.Mutex
	timeout  time.Duration
	notifier Notifier
	logger   zerolog.Logger
}

func NewTracker(timeout time.Duration, notifier Notifier, logger zerolog.Logger) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tracker{
		flags:    make(map[key]*entry),
		sent:     make(map[key]bool),
		seed:     maphash.MakeSeed(),
		timeout:  timeout,
		notifier: notifier,
		logger:   logger.With().Str("component", "typing").Logger(),
	}
}

// SetTyping records viewer's typing state towards counterpart. true arms or
// re-arms the auto-clear; false clears immediately.
func (t *Tracker) SetTyping(ctx context.Context, viewer, counterpart string, typing bool) {
	if viewer == "" || counterpart == "" || viewer == counterpart {
		return
	}
	k := key{viewer, counterpart}

	t.mu.Lock()
	e, was := t.flags[k]
	if !typing {
		if was {
			e.timer.Stop()
			delete(t.flags, k)
		}
		t.mu.Unlock()
		if was {
			t.publish(ctx, k)
		}
		return
	}

	t.nextGen++
	gen := t.nextGen
	if was {
		e.timer.Stop()
	} else {
		e = &entry{}
		t.flags[k] = e
	}
	e.gen = gen
	e.timer = time.AfterFunc(t.timeout, func() { t.expire(k, gen) })
	t.mu.Unlock()

	if !was {
		t.publish(ctx, k)
	}
}

func (t *Tracker) expire(k key, gen uint64) {
	t.mu.Lock()
	e, ok := t.flags[k]
	if !ok || e.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.flags, k)
	t.mu.Unlock()

	t.publish(context.Background(), k)
}

func (t *Tracker) IsTyping(viewer, counterpart string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.flags[key{viewer, counterpart}]
	return ok
}

// ClearUser drops every flag set by viewer, notifying each counterpart.
// Called when the viewer's last connection goes away.
func (t *Tracker) ClearUser(ctx context.Context, viewer string) {
	t.mu.Lock()
	var cleared []key
	for k, e := range t.flags {
		if k.viewer == viewer {
			e.timer.Stop()
			delete(t.flags, k)
			cleared = append(cleared, k)
		}
	}
	t.mu.Unlock()

	for _, k := range cleared {
		t.publish(ctx, k)
	}
}

// publish sends the pair's current state if it differs from the last one
// sent. Holding the pair's shard across the send keeps events in order.
func (t *Tracker) publish(ctx context.Context, k key) {
	shard := &t.shards[maphash.String(t.seed, k.viewer+"\x00"+k.counterpart)%notifyShards]
	shard.Lock()
	defer shard.Unlock()

	t.mu.Lock()
	_, typing := t.flags[k]
	if typing == t.sent[k] {
		t.mu.Unlock()
		return
	}
	if typing {
		t.sent[k] = true
	} else {
		delete(t.sent, k)
	}
	t.mu.Unlock()

	t.notify(ctx, k, typing)
}

func (t *Tracker) notify(ctx context.Context, k key, typing bool) {
	if t.notifier == nil {
		return
	}
	err := t.notifier.EmitToUser(ctx, k.counterpart, EventUserTyping, Payload{UserID: k.viewer, Typing: typing})
	if err != nil {
		t.logger.Warn().Err(err).Str("user_id", k.viewer).Msg("typing notify failed")
	}
}
