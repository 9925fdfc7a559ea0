// Package buffer implements the gateway's bounded batch buffer: an ordered
// FIFO of readings with message-ID dedup and a timed or size-based flush
// trigger.
package buffer

import (
	"sync"
	"time"

	"github.com/5ggateway/edge-telemetry/internal/dedup"
	"github.com/5ggateway/edge-telemetry/internal/model"
)

// DedupCapacity bounds the buffer-local dedup set. Its only job is to shield
// against the peer engine re-delivering self-originated records; cloud-side
// dedup remains authoritative.
const DedupCapacity = 10000

type AddResult int

const (
	Accepted AddResult = iota
	Duplicate
)

type Buffer struct {
	mu        sync.Mutex
	items     []*model.Reading
	seen      *dedup.Ring
	batchSize int
	maxWait   time.Duration
	lastFlush time.Time
}

func New(batchSize int, maxWait time.Duration) *Buffer {
	return &Buffer{
		seen:      dedup.NewRing(DedupCapacity),
		batchSize: batchSize,
		maxWait:   maxWait,
		lastFlush: time.Now(),
	}
}

// Add appends a reading unless its message ID was already accepted.
func (b *Buffer) Add(r *model.Reading) AddResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	if r.MessageID != "" && b.seen.Observe(r.MessageID) {
		return Duplicate
	}
	b.items = append(b.items, r)
	return Accepted
}

// BatchIfReady removes and returns up to batchSize oldest readings if the
// buffer has reached batchSize, or is non-empty and maxWait has elapsed
// since the last flush. It returns nil otherwise.
func (b *Buffer) BatchIfReady() []*model.Reading {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if len(b.items) < b.batchSize && !(len(b.items) > 0 && now.Sub(b.lastFlush) >= b.maxWait) {
		return nil
	}

	n := b.batchSize
	if n > len(b.items) {
		n = len(b.items)
	}
	batch := make([]*model.Reading, n)
	copy(batch, b.items[:n])
	b.items = append(b.items[:0], b.items[n:]...)
	b.lastFlush = now
	return batch
}

// Requeue prepends a failed batch so its records are retried ahead of newer
// data. Relative order within the batch is preserved.
func (b *Buffer) Requeue(batch []*model.Reading) {
	if len(batch) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	merged := make([]*model.Reading, 0, len(batch)+len(b.items))
	merged = append(merged, batch...)
	merged = append(merged, b.items...)
	b.items = merged
}

// FlushAll removes and returns every pending reading.
func (b *Buffer) FlushAll() []*model.Reading {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.items
	b.items = nil
	b.lastFlush = time.Now()
	return out
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

func (b *Buffer) BatchSize() int { return b.batchSize }

func (b *Buffer) MaxWait() time.Duration { return b.maxWait }
