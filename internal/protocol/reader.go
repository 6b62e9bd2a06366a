package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	// ErrMalformed is returned for any datagram or message that cannot be decoded.
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownOption is returned when a datagram starts with an unknown send option.
	ErrUnknownOption = errors.New("unknown send option")
)

// Reader walks a byte slice using the game's wire encoding.
type Reader struct {
	buf []byte
	pos int
}

// NewReader returns a reader positioned at the start of b.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Len reports the number of unread bytes.
func (r *Reader) Len() int {
	return len(r.buf) - r.pos
}

// Remaining returns the unread bytes without consuming them.
func (r *Reader) Remaining() []byte {
	return r.buf[r.pos:]
}

func (r *Reader) need(n int) error {
	if n < 0 || r.Len() < n {
		return fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrMalformed, n, r.pos, r.Len())
	}
	return nil
}

func (r *Reader) Uint8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *Reader) Bool() (bool, error) {
	v, err := r.Uint8()
	return v != 0, err
}

func (r *Reader) Uint16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

// Uint16BE reads a big-endian u16; only nonces use this byte order.
func (r *Reader) Uint16BE() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *Reader) Uint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *Reader) Int32() (int32, error) {
	v, err := r.Uint32()
	return int32(v), err
}

// Packed reads a 7-bit variable length unsigned integer.
func (r *Reader) Packed() (uint32, error) {
	v, n := protowire.ConsumeVarint(r.buf[r.pos:])
	if n < 0 {
		return 0, fmt.Errorf("%w: bad packed int at offset %d: %v", ErrMalformed, r.pos, protowire.ParseError(n))
	}
	if v > math.MaxUint32 {
		return 0, fmt.Errorf("%w: packed int overflows u32 at offset %d", ErrMalformed, r.pos)
	}
	r.pos += n
	return uint32(v), nil
}

// PackedInt32 reads a packed integer and reinterprets it as signed.
func (r *Reader) PackedInt32() (int32, error) {
	v, err := r.Packed()
	return int32(v), err
}

func (r *Reader) Bytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	copy(b, r.buf[r.pos:r.pos+n])
	r.pos += n
	return b, nil
}

// PackedBytes reads a packed length followed by that many bytes.
func (r *Reader) PackedBytes() ([]byte, error) {
	n, err := r.Packed()
	if err != nil {
		return nil, err
	}
	return r.Bytes(int(n))
}

func (r *Reader) String() (string, error) {
	b, err := r.PackedBytes()
	return string(b), err
}

// Rest consumes and returns every unread byte.
func (r *Reader) Rest() []byte {
	b := make([]byte, r.Len())
	copy(b, r.buf[r.pos:])
	r.pos = len(r.buf)
	return b
}

// Message reads a length-prefixed, tagged sub-message and returns a reader
// scoped to its payload.
func (r *Reader) Message() (uint8, *Reader, error) {
	length, err := r.Uint16()
	if err != nil {
		return 0, nil, err
	}
	tag, err := r.Uint8()
	if err != nil {
		return 0, nil, err
	}
	if err := r.need(int(length)); err != nil {
		return 0, nil, err
	}
	sub := &Reader{buf: r.buf[r.pos : r.pos+int(length)]}
	r.pos += int(length)
	return tag, sub, nil
}
