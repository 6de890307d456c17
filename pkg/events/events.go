// Package events defines the non-blocking event sink consumed by the cache
// coordinator, scheduler, and determinism verifier to report cache
// hit/miss/update, scheduler node transitions, and verification results to
// an external observer — per spec.md §4.11 ("emission must not block the
// build").
package events

import "time"

// Kind enumerates the event families named across spec.md §4.11 and §4.10.
type Kind uint8

const (
	CacheHit Kind = iota + 1
	CacheMiss
	CacheUpdate
	RemotePush
	ActionHit
	ActionMiss
	GCComplete
	NodeBuilding
	NodeSuccess
	NodeFailed
	NodeRetry
	NodeCached
	SandboxViolation
	DeterminismViolation
)

func (k Kind) String() string {
	names := map[Kind]string{
		CacheHit: "cache_hit", CacheMiss: "cache_miss", CacheUpdate: "cache_update",
		RemotePush: "remote_push", ActionHit: "action_hit", ActionMiss: "action_miss",
		GCComplete: "gc_complete", NodeBuilding: "node_building", NodeSuccess: "node_success",
		NodeFailed: "node_failed", NodeRetry: "node_retry", NodeCached: "node_cached",
		SandboxViolation: "sandbox_violation", DeterminismViolation: "determinism_violation",
	}
	if s, ok := names[k]; ok {
		return s
	}
	return "unknown"
}

// Event is one observable occurrence. Fields carries loosely-typed detail
// (e.g. "targetId", "retryCount") so sinks can render or filter without the
// publisher needing per-kind structs.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Fields    map[string]any
}

// Publisher is the sink interface components publish to. Implementations
// must not block the caller.
type Publisher interface {
	Publish(e Event)
}

// NopPublisher discards every event; the zero value is ready to use.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) {}

// ChannelPublisher fans events out to a bounded buffer drained by a
// background goroutine into zero or more downstream sinks. When the buffer
// is full, the event being published is dropped (queued events are kept)
// — publishing must never block the build per spec.md §4.11.
type ChannelPublisher struct {
	ch      chan Event
	sinks   []Publisher
	dropped chan struct{}
	done    chan struct{}
}

// NewChannelPublisher starts a fan-out goroutine with the given buffer size
// delivering to sinks.
func NewChannelPublisher(bufferSize int, sinks ...Publisher) *ChannelPublisher {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	p := &ChannelPublisher{
		ch:      make(chan Event, bufferSize),
		sinks:   sinks,
		dropped: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *ChannelPublisher) run() {
	defer close(p.done)
	for e := range p.ch {
		for _, s := range p.sinks {
			s.Publish(e)
		}
	}
}

// Publish enqueues e without blocking; if the buffer is full the event is
// dropped rather than stalling the caller.
func (p *ChannelPublisher) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case p.ch <- e:
	default:
		select {
		case p.dropped <- struct{}{}:
		default:
		}
	}
}

// Close drains and stops the fan-out goroutine.
func (p *ChannelPublisher) Close() {
	close(p.ch)
	<-p.done
}
