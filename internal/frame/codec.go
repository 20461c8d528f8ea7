// Package frame implements the wire framing described in the protocol:
// a repeated [uint32 big-endian length][length bytes body] record,
// reassembled from a per-connection byte stream that may deliver fewer
// bytes than a frame needs on any single read (edge-triggered I/O).
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// DefaultMaxBodySize is the largest payload a frame may carry (10 MiB),
// per the wire protocol's oversized-frame guard.
const DefaultMaxBodySize = 10 * 1024 * 1024

const lengthPrefixSize = 4

// Phase is the read-phase of a connection's in-progress frame.
type Phase int

const (
	// PhaseAwaitingLength is reassembling the 4-byte length prefix.
	PhaseAwaitingLength Phase = iota
	// PhaseAwaitingBody is reassembling the frame body.
	PhaseAwaitingBody
)

// ErrFrameTooLarge is returned when a frame body length exceeds the
// applicable maximum (the decoder's limit, or DefaultMaxBodySize for Encode).
var ErrFrameTooLarge = errors.New("frame: declared length exceeds maximum")

// Decoder reassembles whole frames from a byte stream delivered in
// arbitrary, possibly partial, chunks. It is not safe for concurrent use —
// each connection owns exactly one Decoder, touched only by the thread
// draining that connection's readiness events.
type Decoder struct {
	maxBody uint32

	phase     Phase
	lenBuf    [lengthPrefixSize]byte
	bytesRead int

	bodyLen int
	body    []byte
}

// NewDecoder creates a Decoder that rejects bodies larger than maxBody bytes.
// A maxBody of 0 uses DefaultMaxBodySize.
func NewDecoder(maxBody uint32) *Decoder {
	if maxBody == 0 {
		maxBody = DefaultMaxBodySize
	}
	return &Decoder{maxBody: maxBody}
}

// Feed consumes as much of data as forms complete frames and returns every
// frame body it completed, in order. It retains any partial progress
// internally for the next call. data is not retained past the call.
//
// Feed never blocks and never reads past data — "no data yet" (EAGAIN on
// an edge-triggered socket) is modeled simply by calling Feed with
// whatever bytes were actually read; an empty slice is a no-op.
func (d *Decoder) Feed(data []byte) ([][]byte, error) {
	var frames [][]byte
	pos := 0

	for pos < len(data) {
		switch d.phase {
		case PhaseAwaitingLength:
			n := copy(d.lenBuf[d.bytesRead:], data[pos:])
			d.bytesRead += n
			pos += n

			if d.bytesRead < lengthPrefixSize {
				continue
			}

			length := binary.BigEndian.Uint32(d.lenBuf[:])
			if length > d.maxBody {
				return frames, ErrFrameTooLarge
			}

			d.bodyLen = int(length)
			d.body = make([]byte, d.bodyLen)
			d.bytesRead = 0
			d.phase = PhaseAwaitingBody

			if d.bodyLen == 0 {
				frames = append(frames, d.body)
				d.resetForNextFrame()
			}

		case PhaseAwaitingBody:
			n := copy(d.body[d.bytesRead:], data[pos:])
			d.bytesRead += n
			pos += n

			if d.bytesRead < d.bodyLen {
				continue
			}

			frames = append(frames, d.body)
			d.resetForNextFrame()

		default:
			return frames, fmt.Errorf("frame: unknown phase %d", d.phase)
		}
	}

	return frames, nil
}

func (d *Decoder) resetForNextFrame() {
	d.phase = PhaseAwaitingLength
	d.bytesRead = 0
	d.bodyLen = 0
	d.body = nil
}

// Phase reports the decoder's current read phase, chiefly for tests and
// diagnostics.
func (d *Decoder) Phase() Phase { return d.phase }

// Encode wraps body in a length-prefixed frame ready to write to the wire.
func Encode(body []byte) ([]byte, error) {
	if uint32(len(body)) > DefaultMaxBodySize {
		return nil, ErrFrameTooLarge
	}
	out := make([]byte, lengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(out[:lengthPrefixSize], uint32(len(body)))
	copy(out[lengthPrefixSize:], body)
	return out, nil
}
