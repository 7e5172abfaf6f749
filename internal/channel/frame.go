package channel

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/s2"
)

type frameType uint8

const (
	frameCall frameType = iota + 1
	frameReply
	frameError
	frameNotify
)

const (
	flagCompressed uint8 = 1 << 0

	headerSize = 10

	// MaxFrameSize bounds a single frame payload.
	MaxFrameSize = 16 << 20

	// compressThreshold is the smallest payload worth compressing.
	compressThreshold = 256
)

// frame layout: type u8 | flags u8 | id u32 | length u32 | payload.
// Call and notify payloads start with a u16 method-name length and the name.
type frame struct {
	typ     frameType
	id      uint32
	method  string
	payload []byte
}

func encodeFrame(f frame, compress bool) ([]byte, error) {
	body := f.payload
	if f.typ == frameCall || f.typ == frameNotify {
		if len(f.method) > 0xffff {
			return nil, fmt.Errorf("method name too long")
		}
		body = make([]byte, 2+len(f.method)+len(f.payload))
		binary.BigEndian.PutUint16(body, uint16(len(f.method)))
		copy(body[2:], f.method)
		copy(body[2+len(f.method):], f.payload)
	}

	if len(body) > MaxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes", len(body))
	}
	var flags uint8
	if compress && len(body) >= compressThreshold {
		if enc := s2.Encode(nil, body); len(enc) < len(body) {
			body = enc
			flags |= flagCompressed
		}
	}

	buf := make([]byte, headerSize+len(body))
	buf[0] = byte(f.typ)
	buf[1] = flags
	binary.BigEndian.PutUint32(buf[2:6], f.id)
	binary.BigEndian.PutUint32(buf[6:10], uint32(len(body)))
	copy(buf[headerSize:], body)
	return buf, nil
}

func readFrame(r io.Reader) (frame, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return frame{}, err
	}

	f := frame{
		typ: frameType(hdr[0]),
		id:  binary.BigEndian.Uint32(hdr[2:6]),
	}
	flags := hdr[1]
	n := binary.BigEndian.Uint32(hdr[6:10])
	if n > MaxFrameSize {
		return frame{}, fmt.Errorf("frame too large: %d bytes", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return frame{}, err
	}
	if flags&flagCompressed != 0 {
		size, err := s2.DecodedLen(body)
		if err != nil {
			return frame{}, fmt.Errorf("decompress frame: %w", err)
		}
		if size > MaxFrameSize {
			return frame{}, fmt.Errorf("frame too large: %d bytes decompressed", size)
		}
		decoded, err := s2.Decode(nil, body)
		if err != nil {
			return frame{}, fmt.Errorf("decompress frame: %w", err)
		}
		body = decoded
	}

	switch f.typ {
	case frameCall, frameNotify:
		if len(body) < 2 {
			return frame{}, fmt.Errorf("short frame")
		}
		ml := int(binary.BigEndian.Uint16(body))
		if len(body) < 2+ml {
			return frame{}, fmt.Errorf("short frame")
		}
		f.method = string(body[2 : 2+ml])
		f.payload = body[2+ml:]
	case frameReply, frameError:
		f.payload = body
	default:
		return frame{}, fmt.Errorf("unknown frame type %d", f.typ)
	}
	return f, nil
}
