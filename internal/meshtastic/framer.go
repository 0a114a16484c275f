package meshtastic

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Stream framing used by the serial and TCP transports: every protobuf is
// wrapped in a 4-byte header of two magic bytes and a big-endian length.
// Anything outside a frame is device debug output and is skipped.
const (
	magic1 = 0x94
	magic2 = 0xC3

	// maxFrameLen bounds a frame body; longer lengths mean we lost sync.
	maxFrameLen = 512
)

// Framer reads and writes length-prefixed frames on a byte stream.
type Framer struct {
	r io.Reader
	w io.Writer
}

func NewFramer(r io.Reader, w io.Writer) *Framer {
	return &Framer{r: r, w: w}
}

// WriteFrame writes one framed payload.
func (f *Framer) WriteFrame(payload []byte) error {
	if len(payload) > maxFrameLen {
		return fmt.Errorf("frame too large: %d bytes", len(payload))
	}

	header := [4]byte{magic1, magic2}
	binary.BigEndian.PutUint16(header[2:], uint16(len(payload)))

	if _, err := f.w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := f.w.Write(payload); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame blocks until a complete frame arrives and returns its body.
// Bytes between frames (debug console noise on serial links) are discarded,
// and an implausible length restarts the scan from the next byte.
func (f *Framer) ReadFrame() ([]byte, error) {
	var one [1]byte

	for {
		// Scan for magic1.
		if _, err := io.ReadFull(f.r, one[:]); err != nil {
			return nil, err
		}
		if one[0] != magic1 {
			continue
		}

		if _, err := io.ReadFull(f.r, one[:]); err != nil {
			return nil, err
		}
		if one[0] != magic2 {
			continue
		}

		var lenBuf [2]byte
		if _, err := io.ReadFull(f.r, lenBuf[:]); err != nil {
			return nil, err
		}
		length := binary.BigEndian.Uint16(lenBuf[:])
		if length > maxFrameLen {
			// Lost sync; resume scanning.
			continue
		}

		body := make([]byte, length)
		if _, err := io.ReadFull(f.r, body); err != nil {
			return nil, err
		}
		return body, nil
	}
}
