package blkmig

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_ErrorString(t *testing.T) {
	err := NewDeviceError("bulk_sweep", "sda", ErrCodeTransientIO, "read failed")
	assert.Contains(t, err.Error(), "blkmig:")
	assert.Contains(t, err.Error(), "read failed")
	assert.Contains(t, err.Error(), "op=bulk_sweep")
}

func TestError_Is(t *testing.T) {
	err := NewDeviceError("bulk_sweep", "sda", ErrCodeTransientIO, "read failed")
	assert.True(t, errors.Is(err, NewError("", ErrCodeTransientIO, "")))
	assert.False(t, errors.Is(err, NewError("", ErrCodeProtocolFrame, "")))
}

func TestWrapError_Errno(t *testing.T) {
	wrapped := WrapError("read", syscall.EIO)
	assert.Equal(t, ErrCodeTransientIO, wrapped.Code)
	assert.Equal(t, syscall.EIO, wrapped.Errno)
}

func TestWrapError_PreservesCode(t *testing.T) {
	inner := NewDeviceError("negotiate", "sdb", ErrCodeUnknownDevice, "no such device")
	wrapped := WrapError("receive", inner)
	assert.Equal(t, ErrCodeUnknownDevice, wrapped.Code)
	assert.Equal(t, "sdb", wrapped.Device)
}

func TestIsCode(t *testing.T) {
	err := NewError("configure", ErrCodeConfigReject, "shared base on sync path")
	assert.True(t, IsCode(err, ErrCodeConfigReject))
	assert.False(t, IsCode(err, ErrCodeStreamError))
	assert.False(t, IsCode(nil, ErrCodeStreamError))
}

func TestSentinelErrors(t *testing.T) {
	assert.True(t, IsCode(ErrDeviceNotFound, ErrCodeUnknownDevice))
	assert.True(t, IsCode(ErrInvalidParameters, ErrCodeAllocationFailure))
}
