package protocol

import (
	"encoding/binary"

	"google.golang.org/protobuf/encoding/protowire"
)

// Writer builds a byte slice using the game's wire encoding.
type Writer struct {
	buf    []byte
	starts []int
}

func NewWriter() *Writer {
	return &Writer{buf: make([]byte, 0, 64)}
}

// Bytes returns the encoded buffer. Unclosed messages are left as written.
func (w *Writer) Bytes() []byte {
	return w.buf
}

func (w *Writer) Len() int {
	return len(w.buf)
}

func (w *Writer) Uint8(v uint8) *Writer {
	w.buf = append(w.buf, v)
	return w
}

func (w *Writer) Bool(v bool) *Writer {
	if v {
		return w.Uint8(1)
	}
	return w.Uint8(0)
}

func (w *Writer) Uint16(v uint16) *Writer {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
	return w
}

func (w *Writer) Uint16BE(v uint16) *Writer {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
	return w
}

func (w *Writer) Uint32(v uint32) *Writer {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
	return w
}

func (w *Writer) Int32(v int32) *Writer {
	return w.Uint32(uint32(v))
}

func (w *Writer) Packed(v uint32) *Writer {
	w.buf = protowire.AppendVarint(w.buf, uint64(v))
	return w
}

func (w *Writer) PackedInt32(v int32) *Writer {
	return w.Packed(uint32(v))
}

func (w *Writer) Raw(b []byte) *Writer {
	w.buf = append(w.buf, b...)
	return w
}

func (w *Writer) PackedBytes(b []byte) *Writer {
	w.Packed(uint32(len(b)))
	return w.Raw(b)
}

func (w *Writer) String(s string) *Writer {
	w.Packed(uint32(len(s)))
	w.buf = append(w.buf, s...)
	return w
}

// Begin opens a tagged sub-message; the length is patched in by End.
func (w *Writer) Begin(tag uint8) *Writer {
	w.starts = append(w.starts, len(w.buf))
	w.buf = append(w.buf, 0, 0, tag)
	return w
}

// End closes the innermost message opened with Begin.
func (w *Writer) End() *Writer {
	if len(w.starts) == 0 {
		return w
	}
	start := w.starts[len(w.starts)-1]
	w.starts = w.starts[:len(w.starts)-1]
	binary.LittleEndian.PutUint16(w.buf[start:], uint16(len(w.buf)-start-3))
	return w
}

// Message writes a complete tagged sub-message whose body is produced by fn.
func (w *Writer) Message(tag uint8, fn func(*Writer)) *Writer {
	w.Begin(tag)
	fn(w)
	return w.End()
}
