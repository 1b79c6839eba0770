// Package aio provides an async-read submission primitive for
// file-backed BlockDevices (backend/filedisk), grounded on the
// teacher's hand-rolled io_uring plumbing (internal/uring/minimal.go
// in the reference tree: raw io_uring_setup/io_uring_enter syscalls
// over mmap'd submission/completion rings). The teacher's ring only
// ever submitted IORING_OP_URING_CMD requests for ublk control
// commands; this package repoints the same raw-syscall ring at
// IORING_OP_READ for ordinary file descriptors, which is what
// BlockDevice.ReadAsync needs. Non-linux builds fall back to one
// goroutine per read (aio_stub.go) since io_uring is Linux-only.
package aio

import "errors"

// ErrClosed is returned by SubmitRead after Close.
var ErrClosed = errors.New("aio: reader closed")

// ReadRequest describes one async read: len(Buf) bytes at Offset in
// Fd, landing in Buf.
type ReadRequest struct {
	Fd     int
	Offset int64
	Buf    []byte
}

// Reader submits async reads and delivers completions via callback,
// mirroring BlockDevice.ReadAsync's contract: onComplete fires exactly
// once, from a completion context that may not be the submitting
// goroutine.
type Reader interface {
	SubmitRead(req ReadRequest, onComplete func(n int, err error)) error
	Close() error
}
