package hub

import (
	"context"
	"log/slog"
	"slices"
	"sync/atomic"

	"github.com/teslashibe/framerelay/internal/log"
)

// DefaultQueueSize is the depth of the operation channel.
const DefaultQueueSize = 256

type opKind int

const (
	opRegister opKind = iota
	opDeregister
	opConnectionEnded
	opPublish
	opSnapshot
)

// op is one request to the hub goroutine.
type op struct {
	kind  opKind
	id    uint64
	sink  Sink
	frame Frame
	reply chan []uint64
}

// Hub maintains the set of registered viewers and broadcasts frames to them.
type Hub struct {
	// Name for logging
	name string
	log  *slog.Logger

	// Operations from sessions, applied one at a time by Run
	ops chan op

	// Closed when Run returns
	stopped chan struct{}

	// Registered viewers. Only Run reads or writes this map.
	subscribers map[uint64]Subscriber

	running atomic.Bool

	// Stats
	subscriberCount  atomic.Int64
	framesPublished  atomic.Uint64
	deliveries       atomic.Uint64
	deliveryFailures atomic.Uint64
	pruned           atomic.Uint64
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the hub's logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.log = l
		}
	}
}

// WithQueueSize sets the depth of the operation channel. A full channel
// blocks submitters until the hub catches up.
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.ops = make(chan op, n)
		}
	}
}

// New creates a new Hub. Call Run in a goroutine before use.
func New(name string, opts ...Option) *Hub {
	h := &Hub{
		name:        name,
		log:         log.L(),
		ops:         make(chan op, DefaultQueueSize),
		stopped:     make(chan struct{}),
		subscribers: make(map[uint64]Subscriber),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.With("component", "hub", "hub", name)
	return h
}

// Run applies submitted operations until ctx is cancelled.
// Operations still queued at that point are discarded.
func (h *Hub) Run(ctx context.Context) {
	if !h.running.CompareAndSwap(false, true) {
		h.log.Warn("hub already running")
		return
	}
	defer close(h.stopped)

	h.log.Info("hub started")
	for {
		select {
		case <-ctx.Done():
			h.log.Info("hub stopped", "subscribers", len(h.subscribers))
			return
		case o := <-h.ops:
			h.apply(o)
		}
	}
}

func (h *Hub) apply(o op) {
	switch o.kind {
	case opRegister:
		h.register(o.id, o.sink)
	case opDeregister:
		h.deregister(o.id, o.sink)
	case opConnectionEnded:
		h.prune()
	case opPublish:
		h.publish(o.frame)
	case opSnapshot:
		ids := make([]uint64, 0, len(h.subscribers))
		for id := range h.subscribers {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		o.reply <- ids
	}
}

func (h *Hub) register(id uint64, sink Sink) {
	if prev, ok := h.subscribers[id]; ok && prev.Sink.ID() != sink.ID() {
		h.log.Info("replacing subscriber", "id", id, "old_sink", prev.Sink.ID(), "sink", sink.ID())
	}
	h.subscribers[id] = Subscriber{ID: id, Sink: sink}
	h.subscriberCount.Store(int64(len(h.subscribers)))
	h.log.Info("adding subscriber", "id", id, "sink", sink.ID(), "total", len(h.subscribers))
}

// deregister removes id only while it still belongs to sink, so a viewer
// that reconnected under the same id keeps its new entry.
func (h *Hub) deregister(id uint64, sink Sink) {
	if cur, ok := h.subscribers[id]; ok && cur.Sink.ID() == sink.ID() {
		delete(h.subscribers, id)
		h.log.Info("removed subscriber", "id", id, "sink", sink.ID(), "remaining", len(h.subscribers))
	}
	h.prune()
}

func (h *Hub) prune() {
	var dead []uint64
	for id, sub := range h.subscribers {
		if !sub.Sink.IsAlive() {
			dead = append(dead, id)
		}
	}
	h.remove(dead)
}

func (h *Hub) remove(ids []uint64) {
	for _, id := range ids {
		sub := h.subscribers[id]
		delete(h.subscribers, id)
		h.pruned.Add(1)
		h.log.Warn("subscriber not connected, removed", "id", id, "sink", sub.Sink.ID())
	}
	h.subscriberCount.Store(int64(len(h.subscribers)))
}

// publish delivers frame to every live subscriber. Dead subscribers are
// collected during the pass and removed after it.
func (h *Hub) publish(frame Frame) {
	h.framesPublished.Add(1)
	h.log.Debug("broadcasting frame", "producer", frame.ProducerID, "bytes", len(frame.Payload), "subscribers", len(h.subscribers))

	var dead []uint64
	for id, sub := range h.subscribers {
		if !sub.Sink.IsAlive() {
			dead = append(dead, id)
			continue
		}
		if err := sub.Sink.Send(frame); err != nil {
			h.deliveryFailures.Add(1)
			h.log.Warn("delivery failed", "id", id, "sink", sub.Sink.ID(), "producer", frame.ProducerID, "error", err)
			continue
		}
		h.deliveries.Add(1)
	}
	h.remove(dead)
}

// submit queues o, blocking while the queue is full. It gives up once the
// hub has stopped.
func (h *Hub) submit(o op) bool {
	select {
	case h.ops <- o:
		return true
	case <-h.stopped:
		h.log.Warn("hub stopped, dropping operation", "op", int(o.kind), "id", o.id)
		return false
	}
}

// notify queues o without making the caller wait. When the queue is full
// the submission finishes in its own goroutine.
func (h *Hub) notify(o op) {
	select {
	case h.ops <- o:
	case <-h.stopped:
		h.log.Warn("hub stopped, dropping notification", "op", int(o.kind), "id", o.id)
	default:
		go h.submit(o)
	}
}

// Register adds sink under id, replacing any previous entry for id.
func (h *Hub) Register(id uint64, sink Sink) {
	h.submit(op{kind: opRegister, id: id, sink: sink})
}

// Deregister removes id if it is still mapped to sink, then prunes dead
// sinks. It never blocks.
func (h *Hub) Deregister(id uint64, sink Sink) {
	h.notify(op{kind: opDeregister, id: id, sink: sink})
}

// ConnectionEnded prunes every subscriber whose sink is no longer alive.
// It never blocks.
func (h *Hub) ConnectionEnded() {
	h.notify(op{kind: opConnectionEnded})
}

// Publish broadcasts payload from producerID to all registered viewers.
// It returns once the frame is queued, not when it is delivered.
func (h *Hub) Publish(producerID uint64, payload []byte) {
	h.submit(op{kind: opPublish, frame: Frame{ProducerID: producerID, Payload: payload}})
}

// Subscribers returns the registered ids in ascending order. The answer is
// produced by the hub goroutine after every previously submitted operation.
func (h *Hub) Subscribers() []uint64 {
	reply := make(chan []uint64, 1)
	if !h.submit(op{kind: opSnapshot, reply: reply}) {
		return nil
	}
	select {
	case ids := <-reply:
		return ids
	case <-h.stopped:
		return nil
	}
}

// Name returns the hub name.
func (h *Hub) Name() string {
	return h.name
}

// IsRunning returns whether the hub loop is active.
func (h *Hub) IsRunning() bool {
	select {
	case <-h.stopped:
		return false
	default:
		return h.running.Load()
	}
}

// Stats contains hub statistics
type Stats struct {
	Subscribers      int64  `json:"subscribers"`
	FramesPublished  uint64 `json:"frames_published"`
	Deliveries       uint64 `json:"deliveries"`
	DeliveryFailures uint64 `json:"delivery_failures"`
	Pruned           uint64 `json:"pruned"`
}

// GetStats returns hub statistics
func (h *Hub) GetStats() Stats {
	return Stats{
		Subscribers:      h.subscriberCount.Load(),
		FramesPublished:  h.framesPublished.Load(),
		Deliveries:       h.deliveries.Load(),
		DeliveryFailures: h.deliveryFailures.Load(),
		Pruned:           h.pruned.Load(),
	}
}
