package receive

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/behrlich/blkmig/internal/interfaces"
	"github.com/behrlich/blkmig/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDevice struct {
	stubDevice
	mu     sync.Mutex
	writes [][]byte
}

func (d *recordingDevice) WriteSync(sector int64, nrSectors int, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]byte, len(buf))
	copy(cp, buf)
	d.writes = append(d.writes, cp)
	return nil
}

func TestRunWriter_AppliesTasksThenExitsOnCancel(t *testing.T) {
	dev := &recordingDevice{stubDevice: stubDevice{name: "sda", length: 4096}}
	devices := map[string]interfaces.BlockDevice{"sda": dev}

	q := queue.NewReduceQueue(4)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- RunWriter(ctx, q, devices) }()

	buf := queue.GetChunkBuffer()
	buf[0] = 0x42
	require.NoError(t, q.Push(context.Background(), queue.WriteTask{
		Device: "sda", Sector: 0, NrSectors: 1, Buffer: buf,
	}))

	require.Eventually(t, func() bool {
		dev.mu.Lock()
		defer dev.mu.Unlock()
		return len(dev.writes) == 1
	}, time.Second, time.Millisecond)

	cancel()
	err := <-done
	assert.Error(t, err)
}

func TestRunWriter_SkipsUnknownDevice(t *testing.T) {
	devices := map[string]interfaces.BlockDevice{}
	q := queue.NewReduceQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- RunWriter(ctx, q, devices) }()

	require.NoError(t, q.Push(context.Background(), queue.WriteTask{
		Device: "missing", Sector: 0, NrSectors: 1, Buffer: queue.GetChunkBuffer(),
	}))

	time.Sleep(10 * time.Millisecond)
	cancel()
	<-done
}
