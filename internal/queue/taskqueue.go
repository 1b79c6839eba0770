package queue

import (
	"context"
	"sync/atomic"

	"github.com/behrlich/blkmig/internal/interfaces"
)

// BoundedTaskQueue is a reference TaskQueue implementation: a bounded
// channel with a live pending counter. Push blocks (via the channel
// send, not a sleep-poll loop) once the queue holds as many items as
// the capacity passed to NewBoundedTaskQueue, matching the backpressure the pipeline and reassembler both
// rely on (spec §5, §9). Grounded on the bounded chan + context
// cancellation shape of ChunkWorkerPool in the retrieved transport
// reference material.
type BoundedTaskQueue struct {
	ch      chan any
	pending atomic.Int64
}

// NewBoundedTaskQueue creates a TaskQueue with the given capacity.
func NewBoundedTaskQueue(capacity int) *BoundedTaskQueue {
	return &BoundedTaskQueue{ch: make(chan any, capacity)}
}

// Push implements interfaces.TaskQueue.
func (q *BoundedTaskQueue) Push(ctx context.Context, body any) error {
	select {
	case q.ch <- body:
		q.pending.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending implements interfaces.TaskQueue.
func (q *BoundedTaskQueue) Pending() int {
	return int(q.pending.Load())
}

// Pop removes and returns the next task body, blocking until one is
// available or ctx is cancelled. Used by the downstream worker that
// drains the queue and serializes bodies onto the Stream.
func (q *BoundedTaskQueue) Pop(ctx context.Context) (any, error) {
	select {
	case body := <-q.ch:
		q.pending.Add(-1)
		return body, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the underlying channel; Pop drains remaining items and
// then returns a closed-channel zero value.
func (q *BoundedTaskQueue) Close() {
	close(q.ch)
}

var _ interfaces.TaskQueue = (*BoundedTaskQueue)(nil)

// WriteTask is the unit of work the reassembler dispatches to the
// reduce queue: a single decoded sector write bound for a BlockDevice.
type WriteTask struct {
	Device   string
	Sector   int64
	NrSectors int
	IterNum  uint8
	Buffer   []byte
}

// ReduceQueue is the destination-side analogue of BoundedTaskQueue:
// write tasks produced by the reassembler, drained by writer
// goroutines that own the BlockDevice.WriteSync calls.
type ReduceQueue struct {
	ch      chan WriteTask
	pending atomic.Int64
}

// NewReduceQueue creates a ReduceQueue with the given capacity.
func NewReduceQueue(capacity int) *ReduceQueue {
	return &ReduceQueue{ch: make(chan WriteTask, capacity)}
}

// Push enqueues a write task, blocking while the queue is full.
func (q *ReduceQueue) Push(ctx context.Context, task WriteTask) error {
	select {
	case q.ch <- task:
		q.pending.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop removes and returns the next write task.
func (q *ReduceQueue) Pop(ctx context.Context) (WriteTask, bool) {
	select {
	case task, ok := <-q.ch:
		if ok {
			q.pending.Add(-1)
		}
		return task, ok
	case <-ctx.Done():
		return WriteTask{}, false
	}
}

// Pending returns the current queue depth.
func (q *ReduceQueue) Pending() int {
	return int(q.pending.Load())
}

// Close closes the underlying channel.
func (q *ReduceQueue) Close() {
	close(q.ch)
}
