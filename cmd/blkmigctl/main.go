// Command blkmigctl runs an end-to-end migration demo entirely inside
// one process: it builds a source and destination memdisk, wires them
// together with a rate-limited io.Pipe standing in for the real
// migration channel, and drives the bulk sweep to convergence followed
// by a final stop-and-copy pass, mirroring the bring-up flow in the
// teacher's cmd/ublk-mem.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	blkmig "github.com/behrlich/blkmig"
	"github.com/behrlich/blkmig/backend/memdisk"
	"github.com/behrlich/blkmig/internal/interfaces"
	"github.com/behrlich/blkmig/internal/logging"
	"github.com/behrlich/blkmig/internal/queue"
	"github.com/behrlich/blkmig/internal/receive"
	"github.com/behrlich/blkmig/internal/transport"
	"github.com/behrlich/blkmig/internal/wire"
)

// pipeWriteStream adapts a write-only *io.PipeWriter into the
// readWriter shape transport.RateLimitedStream wraps; the migration
// core never reads from the source-side stream, so Read returns io.EOF
// at once rather than claiming bytes that don't exist.
type pipeWriteStream struct {
	w *io.PipeWriter
}

func (s pipeWriteStream) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s pipeWriteStream) Read(p []byte) (int, error)  { return 0, io.EOF }

func main() {
	var (
		sizeStr    = flag.String("size", "16M", "Size of the migrated disk (e.g., 16M, 1G)")
		downtimeMs = flag.Int64("downtime-ms", 50, "Maximum tolerable stop-and-copy downtime, in milliseconds")
		rateBps    = flag.Int("rate", 0, "Cap outbound transfer to this many bytes/sec (0 = unlimited)")
		verbose    = flag.Bool("v", false, "Verbose output")
		dirtyRatio = flag.Float64("dirty", 0.05, "Fraction of the disk to mark dirty before the final pass, simulating guest writes during the bulk sweep")
	)
	flag.Parse()

	size, err := parseSize(*sizeStr)
	if err != nil {
		log.Fatalf("invalid size %q: %v", *sizeStr, err)
	}
	sectors := size / 512

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal, cancelling migration")
		cancel()
	}()

	source := memdisk.New("sda", sectors)
	dest := memdisk.New("sda", sectors)

	seed := make([]byte, size)
	if _, err := rand.New(rand.NewSource(1)).Read(seed); err != nil {
		log.Fatalf("seeding source disk: %v", err)
	}
	if err := source.WriteSync(0, int(sectors), seed); err != nil {
		log.Fatalf("seeding source disk: %v", err)
	}
	source.SetDirtyTracking(true)
	source.DirtyReset(0, int(sectors))

	pr, pw := io.Pipe()
	stream := transport.NewRateLimitedStream(pipeWriteStream{w: pw}, *rateBps)

	rq := queue.NewReduceQueue(256)
	reassembler := receive.NewReassembler(rq, logger)
	reassembler.RegisterDevice(dest)

	destDone := make(chan error, 1)
	writerDone := make(chan error, 1)
	go func() { destDone <- reassembler.Run(ctx, pr) }()
	go func() {
		writerDone <- receive.RunWriter(ctx, rq, map[string]interfaces.BlockDevice{"sda": dest})
	}()

	params := blkmig.DefaultParams()
	params.BlkEnable = true
	params.MaxDowntimeNs = *downtimeMs * time.Millisecond.Nanoseconds()

	eng := blkmig.NewEngine(params, blkmig.WithLogger(logger))
	if err := eng.Init([]interfaces.BlockDevice{source}, stream); err != nil {
		log.Fatalf("init: %v", err)
	}

	logger.Info("starting bulk sweep", "size", formatSize(size), "downtime_budget_ms", *downtimeMs)

	var iterNum uint8
	for {
		produced, err := eng.Iterate(ctx, 2, iterNum)
		if err != nil {
			log.Fatalf("iterate: %v", err)
		}
		logger.Debug("sweep iteration complete", "iter", iterNum, "bytes", produced, "progress_pct", eng.Progress().Percent())
		iterNum++

		if eng.ShouldFinish() {
			break
		}
	}

	dirtyGuestWrites(source, sectors, *dirtyRatio)

	logger.Info("entering stop-and-copy", "iter", iterNum)
	if _, err := eng.Iterate(ctx, 3, iterNum); err != nil {
		log.Fatalf("final iterate: %v", err)
	}

	if err := wire.EncodeEOS(stream); err != nil {
		log.Fatalf("writing EOS: %v", err)
	}
	pw.Close()

	if err := <-destDone; err != nil && err != io.EOF {
		logger.Error("reassembler exited with error", "error", err)
	}
	cancel()
	<-writerDone

	cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 2*time.Second)
	eng.Cleanup(cleanupCtx)
	cleanupCancel()

	p := eng.Progress()
	fmt.Printf("Migration complete: %s transferred (%d%%)\n", formatSize(p.BytesTransferred), p.Percent())
}

// dirtyGuestWrites simulates guest I/O landing on the source disk
// while the bulk sweep is converging, so the demo's dirty sweep
// actually has something to ship during stop-and-copy.
func dirtyGuestWrites(dev *memdisk.Disk, totalSectors int64, ratio float64) {
	if ratio <= 0 {
		return
	}
	n := int64(float64(totalSectors) * ratio)
	buf := make([]byte, 512)
	r := rand.New(rand.NewSource(2))
	for i := int64(0); i < n; i++ {
		sector := r.Int63n(totalSectors)
		r.Read(buf)
		_ = dev.WriteSync(sector, 1, buf)
	}
}

func parseSize(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	suffix := s[len(s)-1]
	switch suffix {
	case 'k', 'K':
		mult = 1024
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1024 * 1024
		s = s[:len(s)-1]
	case 'g', 'G':
		mult = 1024 * 1024 * 1024
		s = s[:len(s)-1]
	}
	var n int64
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, err
	}
	return n * mult, nil
}

func formatSize(n int64) string {
	switch {
	case n >= 1024*1024*1024:
		return fmt.Sprintf("%.2fG", float64(n)/(1024*1024*1024))
	case n >= 1024*1024:
		return fmt.Sprintf("%.2fM", float64(n)/(1024*1024))
	case n >= 1024:
		return fmt.Sprintf("%.2fK", float64(n)/1024)
	default:
		return fmt.Sprintf("%dB", n)
	}
}
