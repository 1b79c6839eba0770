package transport

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type loopback struct {
	buf bytes.Buffer
}

func (l *loopback) Read(p []byte) (int, error)  { return l.buf.Read(p) }
func (l *loopback) Write(p []byte) (int, error) { return l.buf.Write(p) }

func TestRateLimitedStream_Unlimited_AlwaysOK(t *testing.T) {
	s := NewRateLimitedStream(&loopback{}, 0)
	for i := 0; i < 1000; i++ {
		assert.True(t, s.RateLimitOK())
	}
}

func TestRateLimitedStream_WriteReadRoundTrip(t *testing.T) {
	s := NewRateLimitedStream(&loopback{}, 0)
	n, err := s.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	out := make([]byte, 5)
	_, err = io.ReadFull(s, out)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))
}

func TestRateLimitedStream_Limited_EventuallyDenies(t *testing.T) {
	s := NewRateLimitedStream(&loopback{}, 1)
	denied := false
	for i := 0; i < 10; i++ {
		if !s.RateLimitOK() {
			denied = true
			break
		}
	}
	assert.True(t, denied, "expected a tightly-limited stream to deny at least one poll")
}

type failingWriter struct{}

func (failingWriter) Read(p []byte) (int, error)  { return 0, io.EOF }
func (failingWriter) Write(p []byte) (int, error) { return 0, errors.New("boom") }

func TestRateLimitedStream_WriteErrorSetsErr(t *testing.T) {
	s := NewRateLimitedStream(failingWriter{}, 0)
	assert.Nil(t, s.Err())
	_, err := s.Write([]byte("x"))
	assert.Error(t, err)
	assert.Error(t, s.Err())
}

func TestRateLimitedStream_SetError_FirstWins(t *testing.T) {
	s := NewRateLimitedStream(&loopback{}, 0)
	first := errors.New("first")
	second := errors.New("second")
	s.SetError(first)
	s.SetError(second)
	assert.Equal(t, first, s.Err())
}
