package runtimeregistry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/useorgx/openclaw-plugin/internal/telemetry"
)

// subscriberQueueDepth bounds how many pending broadcasts a slow SSE
// subscriber can accumulate before it is dropped (design note, spec.md
// §9: "a slow subscriber is dropped when its channel is full").
const subscriberQueueDepth = 32

// Sink is the write side of one SSE connection: Send delivers one named
// event with its JSON payload, or a raw frame when event is empty. Hub
// calls Send from the subscriber's own writer goroutine and from the shared
// keepalive goroutine, so implementations must be safe for concurrent Send
// calls.
type Sink interface {
	Send(ctx context.Context, event string, data []byte) error
}

// Broadcaster lets the Hub fan broadcasts out across processes (Redis
// Pub/Sub) in addition to its own local subscriber set. NoopBroadcaster is
// used when no such transport is configured.
type Broadcaster interface {
	Publish(ctx context.Context, ri RuntimeInstance) error
	Subscribe(ctx context.Context) <-chan RuntimeInstance
}

// NoopBroadcaster is a single-process Broadcaster: Publish is a no-op and
// Subscribe yields nothing.
type NoopBroadcaster struct{}

// Publish implements Broadcaster.
func (NoopBroadcaster) Publish(context.Context, RuntimeInstance) error { return nil }

// Subscribe implements Broadcaster.
func (NoopBroadcaster) Subscribe(ctx context.Context) <-chan RuntimeInstance {
	ch := make(chan RuntimeInstance)
	go func() { <-ctx.Done(); close(ch) }()
	return ch
}

type subscriber struct {
	id          uint64
	sink        Sink
	queue       chan RuntimeInstance
	backpressure int32
	cancel      context.CancelFunc
}

func (s *subscriber) enqueue(ri RuntimeInstance) bool {
	select {
	case s.queue <- ri:
		if len(s.queue) > subscriberQueueDepth*3/4 {
			atomic.StoreInt32(&s.backpressure, 1)
		}
		return true
	default:
		return false
	}
}

func (s *subscriber) isBackpressured() bool {
	return atomic.LoadInt32(&s.backpressure) == 1
}

// Hub is the SSE fan-out hub (spec.md §4.4). It owns the keepalive and
// staleness-sweep timers, starting them when the first subscriber attaches
// and stopping them when the last one leaves.
type Hub struct {
	store       Store
	broadcaster Broadcaster

	keepaliveInterval time.Duration
	staleSweepInterval time.Duration
	staleHorizon       time.Duration

	// Metrics records fan-out counters and the subscriber gauge. Callers
	// may replace it after NewHub; nil is treated as a no-op recorder.
	Metrics telemetry.Metrics

	mu          sync.Mutex
	subs        map[uint64]*subscriber
	nextID      uint64
	fingerprint map[string]Fingerprint
	stopTimers  context.CancelFunc
}

// NewHub constructs a Hub over store, optionally fanning broadcasts through
// broadcaster (pass NoopBroadcaster{} for a single-process deployment).
func NewHub(store Store, broadcaster Broadcaster, keepaliveInterval, staleSweepInterval, staleHorizon time.Duration) *Hub {
	if broadcaster == nil {
		broadcaster = NoopBroadcaster{}
	}
	return &Hub{
		store:              store,
		broadcaster:        broadcaster,
		keepaliveInterval:  keepaliveInterval,
		staleSweepInterval: staleSweepInterval,
		staleHorizon:       staleHorizon,
		Metrics:            telemetry.NewNoopMetrics(),
		subs:               make(map[uint64]*subscriber),
		fingerprint:        make(map[string]Fingerprint),
	}
}

func (h *Hub) metrics() telemetry.Metrics {
	if h.Metrics != nil {
		return h.Metrics
	}
	return telemetry.NewNoopMetrics()
}

// Attach registers sink as a new SSE subscriber and starts its writer
// goroutine. The returned detach function removes the subscriber and, if it
// was the last one, stops the hub's shared timers; callers must invoke it
// when the underlying connection closes.
func (h *Hub) Attach(ctx context.Context, sink Sink) (detach func()) {
	h.mu.Lock()
	subCtx, cancel := context.WithCancel(ctx)
	id := h.nextID
	h.nextID++
	sub := &subscriber{id: id, sink: sink, queue: make(chan RuntimeInstance, subscriberQueueDepth), cancel: cancel}
	h.subs[id] = sub
	startTimers := len(h.subs) == 1
	count := len(h.subs)
	h.mu.Unlock()

	h.metrics().RecordGauge("sse_subscribers", float64(count))

	if startTimers {
		h.startTimers()
	}

	go h.runSubscriber(subCtx, sub)

	return func() { h.detach(id) }
}

func (h *Hub) detach(id uint64) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	stopTimers := len(h.subs) == 0
	count := len(h.subs)
	var stop context.CancelFunc
	if stopTimers && h.stopTimers != nil {
		stop = h.stopTimers
		h.stopTimers = nil
	}
	h.mu.Unlock()

	if ok {
		sub.cancel()
		h.metrics().RecordGauge("sse_subscribers", float64(count))
	}
	if stop != nil {
		stop()
	}
}

// runSubscriber is the single writer goroutine for one subscriber: writes
// are strictly sequential, preserving arrival order for this subscriber
// (spec.md §4.4's ordering guarantee). Any Send error removes the
// subscriber (Invariant I6).
func (h *Hub) runSubscriber(ctx context.Context, sub *subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case ri := <-sub.queue:
			atomic.StoreInt32(&sub.backpressure, 0)
			payload, err := encodeRuntimeUpdated(ri)
			if err != nil {
				continue
			}
			if err := sub.sink.Send(ctx, "runtime.updated", payload); err != nil {
				h.detach(sub.id)
				return
			}
		}
	}
}

// Broadcast fans ri out to every attached subscriber (dropping it for any
// whose queue is full, per the design note) and publishes it on the
// cross-process broadcaster.
func (h *Hub) Broadcast(ctx context.Context, ri RuntimeInstance) {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	h.metrics().IncCounter("sse_broadcast_total", 1)
	for _, s := range subs {
		if !s.enqueue(ri) {
			h.metrics().IncCounter("sse_subscriber_dropped_total", 1)
			h.detach(s.id)
		}
	}

	_ = h.broadcaster.Publish(ctx, ri)
}

// startTimers launches the shared keepalive and staleness-sweep loops; it
// is idempotent with respect to detach, which cancels the context it is
// given here.
func (h *Hub) startTimers() {
	ctx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.stopTimers = cancel
	h.mu.Unlock()

	go h.keepaliveLoop(ctx)
	go h.staleSweepLoop(ctx)
	go h.remoteLoop(ctx)
}

func (h *Hub) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(h.keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			h.mu.Lock()
			subs := make([]*subscriber, 0, len(h.subs))
			for _, s := range h.subs {
				subs = append(subs, s)
			}
			h.mu.Unlock()

			h.metrics().IncCounter("sse_keepalive_total", 1)
			comment := []byte(fmt.Sprintf(": ping %d\n\n", t.Unix()))
			for _, s := range subs {
				if s.isBackpressured() {
					continue
				}
				if err := s.sink.Send(ctx, "", comment); err != nil {
					h.detach(s.id)
				}
			}
		}
	}
}

// staleSweepLoop recomputes fingerprints for every stored instance every
// staleSweepInterval and broadcasts runtime.updated only for those whose
// fingerprint changed since the last sweep (spec.md §4.4).
func (h *Hub) staleSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(h.staleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := h.store.MarkStale(ctx, h.staleHorizon, now); err != nil {
				continue
			}
			instances, err := h.store.List(ctx)
			if err != nil {
				continue
			}
			h.mu.Lock()
			changed := make([]RuntimeInstance, 0)
			for _, ri := range instances {
				fp := FingerprintOf(ri)
				if prev, ok := h.fingerprint[ri.Key]; ok && prev == fp {
					continue
				}
				h.fingerprint[ri.Key] = fp
				changed = append(changed, ri)
			}
			h.mu.Unlock()
			for _, ri := range changed {
				h.Broadcast(ctx, ri)
			}
		}
	}
}

// remoteLoop relays Broadcaster events (another process's upserts) into
// this process's local subscriber set without re-publishing them.
func (h *Hub) remoteLoop(ctx context.Context) {
	for ri := range h.broadcaster.Subscribe(ctx) {
		h.mu.Lock()
		subs := make([]*subscriber, 0, len(h.subs))
		for _, s := range h.subs {
			subs = append(subs, s)
		}
		h.mu.Unlock()
		for _, s := range subs {
			if !s.enqueue(ri) {
				h.detach(s.id)
			}
		}
	}
}

// NotifyUpsert records the post-upsert fingerprint (so the next sweep does
// not re-broadcast an unchanged instance) and broadcasts immediately.
func (h *Hub) NotifyUpsert(ctx context.Context, ri RuntimeInstance) {
	h.mu.Lock()
	h.fingerprint[ri.Key] = FingerprintOf(ri)
	h.mu.Unlock()
	h.Broadcast(ctx, ri)
}
