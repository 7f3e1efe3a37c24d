// Package event is the engine's outbound notification stream. Consumers (UI,
// workers) subscribe in-process or drain the transactional outbox; the engine
// only emits, it never renders.
package event

import (
	"sync"
	"time"
)

type Type string

const (
	TypeMatchProposed     Type = "match.proposed"
	TypeChainProposed     Type = "chain.proposed"
	TypeMatchStateChanged Type = "match.state_changed"
	TypeChainStateChanged Type = "chain.state_changed"
)

// Event is keyed by match/chain id; Version increases monotonically per key
// so consumers can detect gaps and replays.
type Event struct {
	Key     string         `json:"key"`
	Type    Type           `json:"type"`
	Version int64          `json:"version"`
	From    string         `json:"from,omitempty"` // previous status, state-change events only
	To      string         `json:"to,omitempty"`
	Reason  string         `json:"reason,omitempty"`
	At      time.Time      `json:"at"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Sink receives every emitted event. Implementations must not block the
// recorder; slow delivery belongs behind a buffer or the outbox.
type Sink interface {
	Deliver(e Event)
}

// Recorder assigns versions and fans events out to subscribers and sinks.
type Recorder struct {
	mu       sync.Mutex
	versions map[string]int64
	log      []Event
	sinks    []Sink
	subs     map[int]chan Event
	nextSub  int
	now      func() time.Time
}

func NewRecorder(sinks ...Sink) *Recorder {
	return &Recorder{
		versions: make(map[string]int64),
		sinks:    sinks,
		subs:     make(map[int]chan Event),
		now:      time.Now,
	}
}

func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// Emit stamps the event with the next version for its key and delivers it.
// Subscriber channels that are full are skipped rather than blocking a
// settlement.
func (r *Recorder) Emit(e Event) Event {
	r.mu.Lock()
	r.versions[e.Key]++
	e.Version = r.versions[e.Key]
	e.At = r.now()
	r.log = append(r.log, e)
	sinks := r.sinks
	subs := make([]chan Event, 0, len(r.subs))
	for _, ch := range r.subs {
		subs = append(subs, ch)
	}
	r.mu.Unlock()

	for _, s := range sinks {
		s.Deliver(e)
	}
	for _, ch := range subs {
		select {
		case ch <- e:
		default:
		}
	}
	return e
}

// Subscribe returns a buffered event channel and a cancel func.
func (r *Recorder) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
		// drain so a blocked Emit fanout finds room
		for {
			select {
			case <-ch:
			default:
				return
			}
		}
	}
	return ch, cancel
}

// History returns emitted events for a key, oldest first. Empty key returns
// everything.
func (r *Recorder) History(key string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0, len(r.log))
	for _, e := range r.log {
		if key == "" || e.Key == key {
			out = append(out, e)
		}
	}
	return out
}
