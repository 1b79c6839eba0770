//go:build linux

package aio

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Ring offsets and opcode, mirroring the kernel uapi the teacher's
// minimal ring already depends on (internal/uring/minimal.go), but
// IORING_OP_READ in place of IORING_OP_URING_CMD: a plain fd+offset
// read needs no iovec and no SQE128/CQE32 extension.
const (
	ioringOffSQRing = 0x00000000
	ioringOffCQRing = 0x08000000
	ioringOffSQEs   = 0x10000000

	ioringOpRead = 22

	ioringEnterGetEvents = 1 << 0
)

// sqe mirrors struct io_uring_sqe (64 bytes, standard layout).
type sqe struct {
	opcode   uint8
	flags    uint8
	ioprio   uint16
	fd       int32
	off      uint64
	addr     uint64
	len      uint32
	rwFlags  uint32
	userData uint64
	bufIndex uint16
	personality uint16
	spliceFdIn int32
	pad      [2]uint64
}

// cqe mirrors struct io_uring_cqe (16 bytes, standard layout).
type cqe struct {
	userData uint64
	res      int32
	flags    uint32
}

type ringParams struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCPU  uint32
	sqThreadIdle uint32
	features     uint32
	wqFd         uint32
	resv         [3]uint32
	sqOff        struct {
		head, tail, ringMask, ringEntries, flags, dropped, array, resv1 uint32
		userAddr                                                       uint64
	}
	cqOff struct {
		head, tail, ringMask, ringEntries, overflow, cqes, flags, resv1 uint32
		userAddr                                                        uint64
	}
}

// ioUringReader submits IORING_OP_READ SQEs on a single ring and runs
// one completion-polling goroutine that invokes callbacks, matching
// BlockDevice.ReadAsync's "fires once, from an I/O-completion context"
// contract.
type ioUringReader struct {
	fd     int
	params ringParams

	sqRing []byte
	cqRing []byte
	sqes   []byte

	sqHead, sqTail, sqMask, sqArrayPtr uintptr
	cqHead, cqTail, cqMask             uintptr

	mu      sync.Mutex
	pending map[uint64]func(n int, err error)
	nextID  atomic.Uint64

	closed atomic.Bool
	done   chan struct{}
}

// NewReader creates an io_uring-backed async Reader with the given
// submission queue depth.
func NewReader(queueDepth int) (Reader, error) {
	if queueDepth <= 0 {
		queueDepth = 32
	}

	params := ringParams{sqEntries: uint32(queueDepth)}
	ringFD, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP, uintptr(queueDepth), uintptr(unsafe.Pointer(&params)), 0)
	if errno != 0 {
		return nil, fmt.Errorf("aio: io_uring_setup: %w", errno)
	}

	sqSize := params.sqOff.array + params.sqEntries*4
	cqSize := params.cqOff.cqes + params.cqEntries*uint32(unsafe.Sizeof(cqe{}))
	sqesSize := params.sqEntries * uint32(unsafe.Sizeof(sqe{}))

	sqRing, err := unix.Mmap(int(ringFD), ioringOffSQRing, int(sqSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Close(int(ringFD))
		return nil, fmt.Errorf("aio: mmap sq ring: %w", err)
	}
	cqRing, err := unix.Mmap(int(ringFD), ioringOffCQRing, int(cqSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Munmap(sqRing)
		unix.Close(int(ringFD))
		return nil, fmt.Errorf("aio: mmap cq ring: %w", err)
	}
	sqes, err := unix.Mmap(int(ringFD), ioringOffSQEs, int(sqesSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Munmap(cqRing)
		unix.Munmap(sqRing)
		unix.Close(int(ringFD))
		return nil, fmt.Errorf("aio: mmap sqes: %w", err)
	}

	r := &ioUringReader{
		fd:      int(ringFD),
		params:  params,
		sqRing:  sqRing,
		cqRing:  cqRing,
		sqes:    sqes,
		pending: make(map[uint64]func(n int, err error)),
		done:    make(chan struct{}),
	}
	r.sqHead = uintptr(unsafe.Pointer(&sqRing[params.sqOff.head]))
	r.sqTail = uintptr(unsafe.Pointer(&sqRing[params.sqOff.tail]))
	r.sqMask = uintptr(unsafe.Pointer(&sqRing[params.sqOff.ringMask]))
	r.sqArrayPtr = uintptr(unsafe.Pointer(&sqRing[params.sqOff.array]))
	r.cqHead = uintptr(unsafe.Pointer(&cqRing[params.cqOff.head]))
	r.cqTail = uintptr(unsafe.Pointer(&cqRing[params.cqOff.tail]))
	r.cqMask = uintptr(unsafe.Pointer(&cqRing[params.cqOff.ringMask]))

	go r.completionLoop()
	return r, nil
}

func (r *ioUringReader) SubmitRead(req ReadRequest, onComplete func(n int, err error)) error {
	if r.closed.Load() {
		return ErrClosed
	}

	id := r.nextID.Add(1)
	r.mu.Lock()
	r.pending[id] = onComplete
	r.mu.Unlock()

	mask := *(*uint32)(unsafe.Pointer(r.sqMask))
	tail := atomic.LoadUint32((*uint32)(unsafe.Pointer(r.sqTail)))
	idx := tail & mask

	s := (*sqe)(unsafe.Pointer(&r.sqes[uintptr(idx)*unsafe.Sizeof(sqe{})]))
	*s = sqe{
		opcode:   ioringOpRead,
		fd:       int32(req.Fd),
		off:      uint64(req.Offset),
		addr:     uint64(uintptr(unsafe.Pointer(&req.Buf[0]))),
		len:      uint32(len(req.Buf)),
		userData: id,
	}

	arr := (*uint32)(unsafe.Pointer(r.sqArrayPtr + uintptr(idx)*4))
	atomic.StoreUint32(arr, idx)
	atomic.StoreUint32((*uint32)(unsafe.Pointer(r.sqTail)), tail+1)

	_, _, errno := unix.Syscall6(unix.SYS_IO_URING_ENTER, uintptr(r.fd), 1, 0, ioringEnterGetEvents, 0, 0)
	if errno != 0 {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
		return fmt.Errorf("aio: io_uring_enter: %w", errno)
	}
	return nil
}

// completionLoop polls the CQ ring and dispatches callbacks. A real
// production ring would block in io_uring_enter with min_complete=1
// instead of spinning; kept simple here since filedisk's call volume
// is modest relative to a hypervisor's own block layer.
func (r *ioUringReader) completionLoop() {
	for {
		select {
		case <-r.done:
			return
		default:
		}

		mask := *(*uint32)(unsafe.Pointer(r.cqMask))
		head := atomic.LoadUint32((*uint32)(unsafe.Pointer(r.cqHead)))
		tail := atomic.LoadUint32((*uint32)(unsafe.Pointer(r.cqTail)))
		if head == tail {
			runtime.Gosched()
			continue
		}

		idx := head & mask
		c := (*cqe)(unsafe.Pointer(&r.cqRing[uintptr(r.params.cqOff.cqes)+uintptr(idx)*unsafe.Sizeof(cqe{})]))
		userData := c.userData
		res := c.res

		atomic.StoreUint32((*uint32)(unsafe.Pointer(r.cqHead)), head+1)

		r.mu.Lock()
		cb, ok := r.pending[userData]
		delete(r.pending, userData)
		r.mu.Unlock()
		if !ok {
			continue
		}

		if res < 0 {
			cb(0, unix.Errno(-res))
		} else {
			cb(int(res), nil)
		}
	}
}

func (r *ioUringReader) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	close(r.done)
	unix.Munmap(r.sqes)
	unix.Munmap(r.cqRing)
	unix.Munmap(r.sqRing)
	return unix.Close(r.fd)
}
