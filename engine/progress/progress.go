// Package progress publishes stage/percent/error events for a document
// and serves both a pull query (snapshot) and a best-effort push
// subscription. Progress is deliberately not durable: a restart loses
// push subscribers but never loses the document's actual state, which
// lives in engine/registry.
package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/lineread/ingestd/engine/domain"
	"github.com/lineread/ingestd/pkg/natsutil"
	"github.com/nats-io/nats.go"
)

// Counts reports the size of a document's extracted/bridged content so far.
type Counts struct {
	Entities      int `json:"entities"`
	Relationships int `json:"relationships"`
}

// Event is one progress update.
type Event struct {
	ProcessID string       `json:"process_id"`
	Stage     domain.State `json:"stage"`
	Percent   int          `json:"percent"`
	Message   string       `json:"message"`
	Counts    Counts       `json:"counts"`
	Error     string       `json:"error,omitempty"`
}

// subjectFor is the NATS subject a single process_id's events publish to.
// Subjects are per-process so a subscriber only pays for the documents it
// cares about; "ingest.progress.>" catches every document for an operator
// dashboard.
func subjectFor(processID string) string {
	return "ingest.progress." + processID
}

// Hub fans progress events out to subscribers and keeps the latest event
// per process_id for snapshot queries. The zero value is not usable; use
// New.
type Hub struct {
	nc *nats.Conn // optional: nil degrades push to local fan-out only

	mu    sync.RWMutex
	last  map[string]Event
	local map[string][]chan Event // process_id -> local push subscribers, used when nc is nil
}

// New creates a Hub. nc may be nil, in which case push delivery falls back
// to local in-process channels instead of NATS subjects.
func New(nc *nats.Conn) *Hub {
	return &Hub{nc: nc, last: make(map[string]Event), local: make(map[string][]chan Event)}
}

// Publish records ev as the latest snapshot for its process_id and
// broadcasts it to subscribers. Progress events per process_id are
// delivered in the order they were published, because Publish itself is
// called sequentially by the single orchestrator worker that
// owns that document — there is never a second writer for the same
// process_id to race with.
func (h *Hub) Publish(ev Event) error {
	h.mu.Lock()
	h.last[ev.ProcessID] = ev
	subs := append([]chan Event(nil), h.local[ev.ProcessID]...)
	h.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			// Slow local consumer: drop silently, same semantics as the
			// NATS-backed path below where nc drops under pending limits.
		}
	}

	if h.nc == nil {
		return nil
	}
	if err := natsutil.Publish(context.Background(), h.nc, subjectFor(ev.ProcessID), ev); err != nil {
		return fmt.Errorf("progress: publish: %w", err)
	}
	return nil
}

// Snapshot returns the latest event published for processID, the pull
// side of the Progress API.
func (h *Hub) Snapshot(processID string) (Event, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ev, ok := h.last[processID]
	return ev, ok
}

// Subscription is a best-effort push stream of events for one process_id.
type Subscription struct {
	Events <-chan Event
	// Missed returns the count of events dropped because the subscriber
	// was too slow to keep up. A Hub without NATS keeps no such count and
	// reports zero.
	Missed func() (uint64, error)
	close  func()
}

// Close releases the subscription's resources.
func (s *Subscription) Close() { s.close() }

// localSub is used when the Hub has no NATS connection.
const localBufferSize = 64

// Subscribe opens a push subscription for processID. When the Hub is
// backed by NATS, delivery uses a bounded-pending-limits subscription so a
// slow consumer is dropped rather than allowed to back-pressure the
// publisher; Subscription.Missed reports nats.Subscription's
// own dropped-message counter plus the events dropped because the
// subscription's local buffer was full. Without NATS, delivery is a
// local bounded channel with the same drop-on-full behaviour, and Missed
// always reports zero (no durable counter exists to ask).
func (h *Hub) Subscribe(processID string) (*Subscription, error) {
	if h.nc != nil {
		return h.subscribeNATS(processID)
	}
	return h.subscribeLocal(processID), nil
}

func (h *Hub) subscribeNATS(processID string) (*Subscription, error) {
	ch := make(chan Event, localBufferSize)
	var overflow atomic.Uint64
	sub, err := natsutil.Subscribe(h.nc, subjectFor(processID), func(_ context.Context, ev Event) {
		select {
		case ch <- ev:
		default:
			overflow.Add(1)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("progress: subscribe: %w", err)
	}
	if err := sub.SetPendingLimits(localBufferSize, -1); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("progress: set pending limits: %w", err)
	}
	return &Subscription{
		Events: ch,
		Missed: func() (uint64, error) {
			n, err := sub.Dropped()
			if err != nil {
				return 0, err
			}
			return uint64(n) + overflow.Load(), nil
		},
		close: func() { _ = sub.Unsubscribe() },
	}, nil
}

func (h *Hub) subscribeLocal(processID string) *Subscription {
	ch := make(chan Event, localBufferSize)
	h.mu.Lock()
	h.local[processID] = append(h.local[processID], ch)
	h.mu.Unlock()

	return &Subscription{
		Events: ch,
		Missed: func() (uint64, error) { return 0, nil },
		close: func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			subs := h.local[processID]
			for i, c := range subs {
				if c == ch {
					h.local[processID] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			close(ch)
		},
	}
}
