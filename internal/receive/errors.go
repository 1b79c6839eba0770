package receive

import (
	"errors"

	"github.com/behrlich/blkmig/internal/wire"
)

// ErrProtocolFrame is returned when the stream carries an unknown flag
// combination, an undersized frame, or a negotiation naming an unknown
// device (spec §7 ProtocolFrame, §8 scenario 6).
var ErrProtocolFrame = errors.New("receive: protocol frame error")

// ErrUnknownDevice is returned when a negotiation or data record names
// a device the destination has no BlockDevice for (spec §7
// UnknownDevice).
var ErrUnknownDevice = errors.New("receive: unknown block device")

// ErrFromWire classifies a low-level wire decode error into the
// reassembler's ProtocolFrame error category.
func ErrFromWire(err error) error {
	if errors.Is(err, wire.ErrInvalidFrame) || errors.Is(err, wire.ErrShortRead) {
		return ErrProtocolFrame
	}
	return err
}
