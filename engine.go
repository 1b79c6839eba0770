package blkmig

import (
	"context"
	"time"

	"github.com/behrlich/blkmig/internal/constants"
	"github.com/behrlich/blkmig/internal/engine"
	"github.com/behrlich/blkmig/internal/interfaces"
	"github.com/behrlich/blkmig/internal/pipeline"
	"github.com/behrlich/blkmig/internal/queue"
	"github.com/behrlich/blkmig/internal/receive"
	"github.com/behrlich/blkmig/internal/wire"
)

// Params are the per-migration knobs a caller configures before Init.
type Params struct {
	// BlkEnable turns on migration for this VM at all; when false every
	// device is skipped (spec §3).
	BlkEnable bool

	// SharedBase indicates the devices share a read-only backing image
	// with the destination, so unallocated sectors may be skipped on
	// the bulk sweep (spec §4.3 step 1). Only valid with the
	// asynchronous BulkStepAsync path; the synchronous sweep that
	// Iterate runs rejects it.
	SharedBase bool

	// MaxDowntimeNs bounds the estimated stop-and-copy downtime
	// ShouldFinish will tolerate before declaring convergence (spec
	// §4.4).
	MaxDowntimeNs int64
}

// DefaultParams returns conservative defaults: migration off, no
// shared base, and a 300ms downtime budget.
func DefaultParams() Params {
	return Params{
		BlkEnable:     false,
		SharedBase:    false,
		MaxDowntimeNs: 300 * time.Millisecond.Nanoseconds(),
	}
}

// Engine is the public facade over the migration core: it owns an
// EngineState plus the queue and pipeline/reassembler wiring a caller
// needs to actually run a migration, mirroring how the teacher's
// top-level package wires its backend and worker pool behind a single
// entry point.
type Engine struct {
	state    *engine.EngineState
	params   Params
	queue    *queue.BoundedTaskQueue
	pipeline *pipeline.ChunkPipeline

	iterSaturateWarned bool
}

// Option configures an Engine at construction time.
type Option func(*engineOptions)

type engineOptions struct {
	observer interfaces.Observer
	logger   interfaces.Logger
	legacy   bool
	queueCap int
}

// WithObserver installs a metrics observer; defaults to a
// MetricsObserver backed by a fresh Metrics if not supplied.
func WithObserver(o interfaces.Observer) Option {
	return func(opts *engineOptions) { opts.observer = o }
}

// WithLogger installs a structured logger; defaults to NoOpObserver's
// logging analogue (a logger that discards output) if not supplied.
func WithLogger(l interfaces.Logger) Option {
	return func(opts *engineOptions) { opts.logger = l }
}

// WithLegacySync makes FlushPipeline encode ready chunks straight onto
// the stream instead of batching them into TaskBodies on the queue.
// Iterate's synchronous sweep is not affected by this option.
func WithLegacySync() Option {
	return func(opts *engineOptions) { opts.legacy = true }
}

// WithQueueCapacity overrides the TaskQueue's bound; defaults to
// constants.MaxTaskPending.
func WithQueueCapacity(n int) Option {
	return func(opts *engineOptions) { opts.queueCap = n }
}

type discardLogger struct{}

func (discardLogger) Printf(format string, args ...interface{}) {}
func (discardLogger) Debugf(format string, args ...interface{}) {}

// NewEngine constructs a source-side migration Engine with the given
// parameters and options.
func NewEngine(params Params, opts ...Option) *Engine {
	cfg := engineOptions{
		observer: NewMetricsObserver(NewMetrics(time.Now())),
		logger:   discardLogger{},
		queueCap: 256,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	state := engine.New(cfg.observer, cfg.logger)
	state.SetParams(params.BlkEnable, params.SharedBase)

	tq := queue.NewBoundedTaskQueue(cfg.queueCap)

	return &Engine{
		state:  state,
		params: params,
		queue:  tq,
		pipeline: pipeline.NewChunkPipeline(state, nil, tq, cfg.legacy),
	}
}

// Init registers devices and writes the per-device negotiation
// records to stream (spec §4.2, §6). When BlkEnable is false no device
// is registered and nothing is written. The caller is responsible for
// writing the single terminal EOS once every stage has finished.
func (e *Engine) Init(devices []interfaces.BlockDevice, stream interfaces.Stream) error {
	e.pipeline.Stream = stream
	if !e.state.BlkEnable() {
		return nil
	}
	return e.state.Init(devices, stream)
}

// Iterate runs one migration stage: stage 1/2 is a bulk-or-dirty
// sweep depending on whether the bulk pass has globally converged;
// stage 3 is the final dirty-only flush run under stop-and-copy (spec
// §4.3, §8 scenario 4). It returns the number of bytes submitted this
// iteration. The batches Iterate assembles are serialized onto the
// stream before Iterate returns, so callers don't need a separate
// drain step on this path (contrast BulkStepAsync/DirtyStepAsync,
// which leave chunks for FlushPipeline to ship).
func (e *Engine) Iterate(ctx context.Context, stage int, iterNum uint8) (int64, error) {
	iterNum = e.clampIterNum(iterNum)
	e.pipeline.IterNum = iterNum
	produced, err := e.state.Iterate(ctx, stage, e.queue, iterNum)
	if err != nil {
		return produced, err
	}
	if drainErr := e.drainQueue(ctx); drainErr != nil {
		return produced, drainErr
	}
	return produced, nil
}

// clampIterNum saturates iterNum at constants.IterSaturate instead of
// letting a long-running migration's iteration counter reach
// constants.IterNegotiate (63), the value reserved on the wire for
// negotiation records (spec §9's iter_num overflow resolution). Logs a
// warning through the engine's logger the first time saturation
// occurs; subsequent iterations saturate silently.
func (e *Engine) clampIterNum(iterNum uint8) uint8 {
	if iterNum <= constants.IterSaturate {
		return iterNum
	}
	if !e.iterSaturateWarned {
		e.iterSaturateWarned = true
		if e.state.Logger != nil {
			e.state.Logger.Printf("iter_num %d exceeds IterSaturate (%d); saturating", iterNum, constants.IterSaturate)
		}
	}
	return constants.IterSaturate
}

// drainQueue pops every TaskBody the synchronous sweep just pushed and
// serializes its chunks onto the stream, one wire.EncodeData record
// per chunk. This is the "downstream worker" interfaces.TaskQueue's
// doc comment names; the root facade is where that wiring lives,
// since it's the only place that holds both the queue and the stream.
func (e *Engine) drainQueue(ctx context.Context) error {
	for e.queue.Pending() > 0 {
		item, err := e.queue.Pop(ctx)
		if err != nil {
			return err
		}
		body, ok := item.(*engine.TaskBody)
		if !ok {
			continue
		}
		for _, chunk := range body.Chunks {
			err := wire.EncodeData(e.pipeline.Stream, chunk.Device.Backing.Name(), chunk.Sector, body.IterNum, chunk.Buffer)
			queue.PutChunkBuffer(chunk.Buffer)
			chunk.Buffer = nil
			if err != nil {
				e.pipeline.Stream.SetError(err)
				return err
			}
			e.state.MarkTransferred(1)
		}
	}
	return nil
}

// BulkStepAsync submits one asynchronous bulk-sweep read for the named
// device, appending the completed chunk to the ready FIFO once it
// lands. Pair with FlushPipeline to ship the result; use this (plus
// DirtyStepAsync) instead of Iterate when you want the lower-level,
// per-device async pipeline instead of the synchronous
// drive-every-device-at-once sweep.
func (e *Engine) BulkStepAsync(ctx context.Context, deviceName string, stream interfaces.Stream) (bool, error) {
	dev, ok := e.state.DeviceByName(deviceName)
	if !ok {
		return false, ErrDeviceNotFound
	}
	return e.state.BulkSweepStepAsync(ctx, dev, stream)
}

// DirtyStepAsync submits one asynchronous dirty-sweep read for the
// named device. See BulkStepAsync.
func (e *Engine) DirtyStepAsync(ctx context.Context, deviceName string, stream interfaces.Stream) (bool, error) {
	dev, ok := e.state.DeviceByName(deviceName)
	if !ok {
		return false, ErrDeviceNotFound
	}
	return e.state.DirtySweepStepAsync(ctx, dev, stream)
}

// FlushPipeline drains any chunks the sweep produced but hasn't yet
// shipped on the wire, honoring the batch-size/last-iteration rules
// (spec §5). Call after BulkStepAsync/DirtyStepAsync steps, and with
// last=true before the final stop-and-copy handoff; Iterate ships its
// own batches and leaves nothing here for it.
func (e *Engine) FlushPipeline(ctx context.Context, last bool) error {
	if err := e.pipeline.FlushAsync(ctx); err != nil {
		return err
	}
	return e.pipeline.FlushPipeline(ctx, last)
}

// ShouldFinish reports whether the remaining dirty data, at the
// observed read bandwidth, could be shipped within MaxDowntimeNs (spec
// §4.4).
func (e *Engine) ShouldFinish() bool {
	return e.state.ShouldFinish(e.params.MaxDowntimeNs)
}

// Progress returns the current transfer progress.
func (e *Engine) Progress() Progress {
	p := e.state.Progress()
	return Progress{BytesTransferred: p.BytesTransferred, BytesRemaining: p.BytesRemaining, BytesTotal: p.BytesTotal}
}

// Progress mirrors internal/engine.Progress at the public API surface.
type Progress struct {
	BytesTransferred int64
	BytesRemaining   int64
	BytesTotal       int64
}

// Percent returns transfer completion in the range [0, 100].
func (p Progress) Percent() int {
	if p.BytesTotal <= 0 {
		return 100
	}
	pct := int(p.BytesTransferred * 100 / p.BytesTotal)
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Cleanup drains any outstanding async reads, releases devices, and
// frees any buffered chunks. Call once the migration has completed or
// aborted; pass a ctx bounded by a timeout so a stuck device can't
// hang teardown forever.
func (e *Engine) Cleanup(ctx context.Context) {
	e.state.Cleanup(ctx)
}

// NewReceiver constructs a destination-side Reassembler wired to a
// fresh ReduceQueue, for rebuilding a migrated disk from the wire
// stream (spec §6).
func NewReceiver(logger interfaces.Logger, queueCap int) (*receive.Reassembler, *queue.ReduceQueue) {
	if logger == nil {
		logger = discardLogger{}
	}
	rq := queue.NewReduceQueue(queueCap)
	return receive.NewReassembler(rq, logger), rq
}
