// Package wire implements the binary frame format spoken on the relay's
// binary channel: big-endian unsigned integers of width 1, 2 or 4 bytes,
// and length-prefixed strings/blobs where the prefix width is chosen per
// field by the protocol definition.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrTruncated is returned when a read runs past the end of the frame.
	ErrTruncated = errors.New("truncated frame")
	// ErrRange is returned when a value does not fit its declared width.
	ErrRange = errors.New("value out of range for field width")
	// ErrWidth is returned for widths other than 1, 2 or 4.
	ErrWidth = errors.New("field width must be 1, 2 or 4 bytes")
)

// Reader is a cursor over a received frame.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps a frame; the reader does not copy the slice.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Remaining reports how many unread bytes are left.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.pos
}

// ReadUint reads a big-endian unsigned integer of the given byte width.
func (r *Reader) ReadUint(width int) (uint32, error) {
	if width != 1 && width != 2 && width != 4 {
		return 0, ErrWidth
	}
	if r.Remaining() < width {
		return 0, ErrTruncated
	}
	var v uint32
	switch width {
	case 1:
		v = uint32(r.buf[r.pos])
	case 2:
		v = uint32(binary.BigEndian.Uint16(r.buf[r.pos:]))
	case 4:
		v = binary.BigEndian.Uint32(r.buf[r.pos:])
	}
	r.pos += width
	return v, nil
}

// ReadBytes reads a blob whose length prefix has the given width. The
// returned slice aliases the frame.
func (r *Reader) ReadBytes(lengthWidth int) ([]byte, error) {
	size, err := r.ReadUint(lengthWidth)
	if err != nil {
		return nil, err
	}
	if uint32(r.Remaining()) < size {
		return nil, ErrTruncated
	}
	data := r.buf[r.pos : r.pos+int(size)]
	r.pos += int(size)
	return data, nil
}

// ReadString reads a length-prefixed UTF-8 string.
func (r *Reader) ReadString(lengthWidth int) (string, error) {
	data, err := r.ReadBytes(lengthWidth)
	return string(data), err
}

// Writer builds an outbound frame.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty frame builder.
func NewWriter() *Writer {
	return &Writer{}
}

// WriteUint appends a big-endian unsigned integer of the given byte width.
func (w *Writer) WriteUint(v uint32, width int) error {
	switch width {
	case 1:
		if v > 0xFF {
			return fmt.Errorf("%d: %w", v, ErrRange)
		}
		w.buf = append(w.buf, byte(v))
	case 2:
		if v > 0xFFFF {
			return fmt.Errorf("%d: %w", v, ErrRange)
		}
		w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(v))
	case 4:
		w.buf = binary.BigEndian.AppendUint32(w.buf, v)
	default:
		return ErrWidth
	}
	return nil
}

// WriteBytes appends a length prefix of the given width followed by the blob.
func (w *Writer) WriteBytes(data []byte, lengthWidth int) error {
	if err := w.WriteUint(uint32(len(data)), lengthWidth); err != nil {
		return err
	}
	w.buf = append(w.buf, data...)
	return nil
}

// WriteString appends a length-prefixed UTF-8 string.
func (w *Writer) WriteString(s string, lengthWidth int) error {
	return w.WriteBytes([]byte(s), lengthWidth)
}

// Bytes returns the assembled frame.
func (w *Writer) Bytes() []byte {
	return w.buf
}
