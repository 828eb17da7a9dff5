package metrics

import (
	"sync/atomic"

	"github.com/cornelk/hashmap"
)

// Relay events.
const (
	ParticipantRegistered = "participant_registered"
	ParticipantReplaced   = "participant_replaced"
	ParticipantLeft       = "participant_left"
	TooManyParticipants   = "too_many_participants"

	CallPlaced         = "call_placed"
	CallReplaced       = "call_replaced"
	PeerUnreachable    = "peer_unreachable"
	AnswerRelayed      = "answer_relayed"
	CandidateRelayed   = "candidate_relayed"
	EndCallRelayed     = "end_call_relayed"
	EndCallSynthesized = "end_call_synthesized"
	PeerAbsent         = "peer_absent"

	SendQueueFull  = "send_queue_full"
	AuthFailure    = "auth_failure"
	RateLimited    = "rate_limited"
	BadMessage     = "bad_message"
	OriginRejected = "origin_rejected"
	IdleTimeout    = "idle_timeout"
)

// Metrics is a lock-free counter registry keyed by event name.
type Metrics struct {
	m *hashmap.Map[string, *atomic.Uint64]
}

func New() *Metrics {
	return &Metrics{m: hashmap.New[string, *atomic.Uint64]()}
}

func (m *Metrics) counter(name string) *atomic.Uint64 {
	if c, ok := m.m.Get(name); ok {
		return c
	}
	c, _ := m.m.GetOrInsert(name, new(atomic.Uint64))
	return c
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.counter(name).Add(delta)
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	if c, ok := m.m.Get(name); ok {
		return c.Load()
	}
	return 0
}

func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.m.Range(func(name string, c *atomic.Uint64) bool {
		out[name] = c.Load()
		return true
	})
	return out
}
