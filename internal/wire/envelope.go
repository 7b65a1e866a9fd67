// Package wire implements the binary framing of persisted artifacts.
//
// An envelope is a 4 byte big-endian payload length, the payload and an
// 8 byte big-endian Adler-32 checksum of the length bytes and the payload.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/adler32"
	"io"

	"github.com/getsentry/sampletree/internal/errorutil"
)

const (
	lengthSize   = 4
	checksumSize = 8

	// MaxPayloadSize bounds the allocation done for a single envelope.
	MaxPayloadSize = 64 << 20
)

var ErrChecksumMismatch = fmt.Errorf("wire: %w: checksum mismatch", errorutil.ErrDataIntegrity)

func checksum(header, payload []byte) uint64 {
	h := adler32.New()
	_, _ = h.Write(header)
	_, _ = h.Write(payload)
	return uint64(h.Sum32())
}

// AppendEnvelope appends the framed payload to dst.
func AppendEnvelope(dst, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return dst, fmt.Errorf("wire: payload of %d bytes exceeds %d bytes", len(payload), MaxPayloadSize)
	}
	start := len(dst)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	dst = append(dst, payload...)
	sum := checksum(dst[start:start+lengthSize], payload)
	return binary.BigEndian.AppendUint64(dst, sum), nil
}

// WriteEnvelope writes the framed payload to w.
func WriteEnvelope(w io.Writer, payload []byte) error {
	b, err := AppendEnvelope(make([]byte, 0, lengthSize+len(payload)+checksumSize), payload)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ReadEnvelope reads one envelope from r and returns its payload once the
// checksum was verified. It returns io.EOF if r is exhausted before the
// first byte of the envelope, any other short read is a data integrity
// error.
func ReadEnvelope(r io.Reader) ([]byte, error) {
	var header [lengthSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, truncated(err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxPayloadSize {
		return nil, fmt.Errorf("wire: %w: declared payload of %d bytes exceeds %d bytes", errorutil.ErrDataIntegrity, size, MaxPayloadSize)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, truncated(err)
	}
	var trailer [checksumSize]byte
	if _, err := io.ReadFull(r, trailer[:]); err != nil {
		return nil, truncated(err)
	}
	if binary.BigEndian.Uint64(trailer[:]) != checksum(header[:], payload) {
		return nil, ErrChecksumMismatch
	}
	return payload, nil
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("wire: %w: truncated envelope", errorutil.ErrDataIntegrity)
	}
	return err
}
