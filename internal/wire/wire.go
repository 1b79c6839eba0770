// Package wire implements the on-wire framing described in spec §6: an
// 8-byte big-endian bit-packed header followed by a record-specific
// body. Grounded on the teacher's internal/uapi marshal style (manual
// binary.BigEndian packing, no external codec) and on
// other_examples/chunk_sender.go's buildChunkHeader, which packs a
// similar sector+flags header by hand before writing it to a socket.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"

	"github.com/behrlich/blkmig/internal/constants"
)

// ErrInvalidFrame is returned by Decode when a header's flag
// combination cannot be interpreted as any known record type (spec §8
// scenario 6: an unknown flag such as 0x08).
var ErrInvalidFrame = errors.New("wire: invalid frame")

// ErrShortRead is returned when the stream ends mid-record.
var ErrShortRead = errors.New("wire: short read")

// RecordType identifies which of the four record shapes a decoded
// header resolved to.
type RecordType int

const (
	RecordData RecordType = iota
	RecordNegotiation
	RecordProgress
	RecordEOS
)

// Record is the decoded form of any wire record. Only the fields
// relevant to Type are populated.
type Record struct {
	Type RecordType

	// RecordData
	Device  string
	Sector  int64
	IterNum uint8
	Payload []byte // always constants.BlockSize bytes

	// RecordNegotiation
	TotalSectors int64

	// RecordProgress
	Percent int
}

// packHeader builds the 8-byte big-endian header word per spec §6:
// bits 9..63 sector, bits 3..8 iter_num, bits 0..2 flags.
func packHeader(sector int64, iterNum uint8, flags uint8) uint64 {
	return uint64(sector)<<constants.SectorBits | uint64(iterNum&0x3F)<<3 | uint64(flags&0x07)
}

func unpackHeader(h uint64) (sector int64, iterNum uint8, flags uint8) {
	sector = int64(h >> constants.SectorBits)
	iterNum = uint8((h >> 3) & 0x3F)
	flags = uint8(h & 0x07)
	return
}

func writeHeader(w io.Writer, header uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], header)
	_, err := w.Write(buf[:])
	return err
}

// EncodeData writes a data record: header with FlagDeviceBlock set,
// then 1-byte name length, the name, then exactly BlockSize bytes of
// payload (for a short tail chunk only the prefix of
// nrSectors*SectorSize bytes is meaningful and the rest is whatever the
// caller's buffer holds; the receiver infers that prefix from sector
// and the device's total_sectors).
func EncodeData(w io.Writer, device string, sector int64, iterNum uint8, payload []byte) error {
	if len(device) > 255 {
		return errors.New("wire: device name too long")
	}
	if len(payload) != constants.BlockSize {
		return errors.New("wire: payload must be exactly BlockSize bytes")
	}
	if iterNum == constants.IterNegotiate {
		return errors.New("wire: iter_num 63 is reserved for negotiation records")
	}

	header := packHeader(sector, iterNum, constants.FlagDeviceBlock)
	if err := writeHeader(w, header); err != nil {
		return err
	}
	if _, err := w.Write([]byte{byte(len(device))}); err != nil {
		return err
	}
	if _, err := io.WriteString(w, device); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// EncodeNegotiation writes a per-device negotiation record: header
// with iter_num == IterNegotiate and flags clear, 1-byte name length,
// the name, then 8 bytes big-endian total_sectors.
func EncodeNegotiation(w io.Writer, device string, totalSectors int64) error {
	if len(device) > 255 {
		return errors.New("wire: device name too long")
	}
	header := packHeader(0, constants.IterNegotiate, 0)
	if err := writeHeader(w, header); err != nil {
		return err
	}
	if _, err := w.Write([]byte{byte(len(device))}); err != nil {
		return err
	}
	if _, err := io.WriteString(w, device); err != nil {
		return err
	}
	var tbuf [8]byte
	binary.BigEndian.PutUint64(tbuf[:], uint64(totalSectors))
	_, err := w.Write(tbuf[:])
	return err
}

// EncodeProgress writes a progress record carrying percent (0..100)
// in the header's sector field, with no body.
func EncodeProgress(w io.Writer, percent int) error {
	header := packHeader(int64(percent), 0, constants.FlagProgress)
	return writeHeader(w, header)
}

// EncodeEOS writes an end-of-stream record with no body.
func EncodeEOS(w io.Writer) error {
	header := packHeader(0, 0, constants.FlagEOS)
	return writeHeader(w, header)
}

// Decode reads and parses exactly one record from r. Data records
// allocate a fresh BlockSize payload buffer per call; callers on a hot
// path should pool these via internal/queue.GetChunkBuffer and copy
// out before returning it.
func Decode(r io.Reader) (Record, error) {
	var hbuf [8]byte
	if _, err := io.ReadFull(r, hbuf[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, io.EOF
		}
		return Record{}, err
	}
	header := binary.BigEndian.Uint64(hbuf[:])
	sector, iterNum, flags := unpackHeader(header)

	switch {
	case flags == constants.FlagEOS:
		return Record{Type: RecordEOS}, nil

	case iterNum == constants.IterNegotiate:
		name, err := readName(r)
		if err != nil {
			return Record{}, err
		}
		var tbuf [8]byte
		if _, err := io.ReadFull(r, tbuf[:]); err != nil {
			return Record{}, ErrShortRead
		}
		return Record{
			Type:         RecordNegotiation,
			Device:       name,
			TotalSectors: int64(binary.BigEndian.Uint64(tbuf[:])),
		}, nil

	case flags == constants.FlagProgress:
		return Record{Type: RecordProgress, Percent: int(sector)}, nil

	case flags == constants.FlagDeviceBlock:
		name, err := readName(r)
		if err != nil {
			return Record{}, err
		}
		payload := make([]byte, constants.BlockSize)
		if _, err := io.ReadFull(r, payload); err != nil {
			return Record{}, ErrShortRead
		}
		return Record{
			Type:    RecordData,
			Device:  name,
			Sector:  sector,
			IterNum: iterNum,
			Payload: payload,
		}, nil

	default:
		return Record{}, ErrInvalidFrame
	}
}

func readName(r io.Reader) (string, error) {
	var lbuf [1]byte
	if _, err := io.ReadFull(r, lbuf[:]); err != nil {
		return "", ErrShortRead
	}
	n := int(lbuf[0])
	if n == 0 {
		return "", nil
	}
	nameBuf := make([]byte, n)
	if _, err := io.ReadFull(r, nameBuf); err != nil {
		return "", ErrShortRead
	}
	return string(nameBuf), nil
}

// NewBufferedReader wraps r with buffering sized to one full data
// record, amortizing syscalls across the header+name+payload reads
// that make up each Decode call.
func NewBufferedReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, 8+256+constants.BlockSize)
}
