package events

import (
	"sync"
	"time"

	"github.com/vadiminshakov/custodian/internal/domain"
)

// Record is a settled ledger observation prepared for web consumers.
// Amounts are decimal strings of integer units so no precision is lost in JSON.
type Record struct {
	ID         string                       `json:"id"`
	Kind       string                       `json:"kind"`
	Timestamp  time.Time                    `json:"ts"`
	Asset      string                       `json:"asset"`
	Holder     string                       `json:"holder,omitempty"`
	Raw        string                       `json:"raw,omitempty"`
	Normalized string                       `json:"normalized,omitempty"`
	Aggregate  string                       `json:"aggregate,omitempty"`
	Transition *domain.DescriptorTransition `json:"transition,omitempty"`
}

// NewRecord converts an observation into a Record.
func NewRecord(o domain.Observation) Record {
	op := o.Operation
	r := Record{
		ID:         op.ID,
		Kind:       string(op.Kind),
		Timestamp:  op.Time,
		Asset:      op.Asset.Hex(),
		Transition: o.Transition,
	}
	if op.Kind == domain.OperationConfigure {
		return r
	}

	r.Holder = op.Holder.Hex()
	if op.Raw != nil {
		r.Raw = op.Raw.Dec()
	}
	if op.Normalized != nil {
		r.Normalized = op.Normalized.Dec()
	}
	if o.Aggregate != nil {
		r.Aggregate = o.Aggregate.Dec()
	}
	return r
}

// Broadcaster fans out records to all subscribers via buffered channels.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[chan Record]struct{}
	buffer int
}

// NewBroadcaster creates a broadcaster with the given per-subscriber buffer.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer < 1 {
		buffer = 64
	}
	return &Broadcaster{
		subs:   make(map[chan Record]struct{}),
		buffer: buffer,
	}
}

// Observe publishes a settled observation. It never blocks the ledger.
func (b *Broadcaster) Observe(o domain.Observation) {
	b.Publish(NewRecord(o))
}

// Publish sends r to all subscribers, dropping if a reader is slow.
func (b *Broadcaster) Publish(r Record) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- r:
		default:
			// drop slow consumer
		}
	}
}

// Subscribe returns a channel that receives records until Unsubscribe is called.
func (b *Broadcaster) Subscribe() chan Record {
	ch := make(chan Record, b.buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the channel and closes it.
func (b *Broadcaster) Unsubscribe(ch chan Record) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Subscribers returns the number of active subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
