// Package bcode implements the low-level byte primitives of the binser
// wire format.
//
// All multi-byte integers are encoded as base-128 varints, least significant
// group first.  Strings are counted: a single uvarint carries the byte length
// shifted left one bit with the low bit indicating the ASCII fast path, and
// the bytes follow.  Byte slices are counted with a tag of length+1 so that
// a tag of zero can represent a nil slice distinctly from an empty one.
//
// Writer and Reader wrap an io.Writer/io.Reader with buffering and a running
// stream position used for error diagnostics.
package bcode

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
)

// flushSize is the buffered-write threshold.
const flushSize = 64 * 1024

// AppendUvarint is like encoding/binary.PutUvarint but appends to dst
// instead of writing into it.
func AppendUvarint(dst []byte, u64 uint64) []byte {
	for u64 >= 0x80 {
		dst = append(dst, byte(u64)|0x80)
		u64 >>= 7
	}
	return append(dst, byte(u64))
}

// SizeOfUvarint returns the number of bytes required by AppendUvarint to
// represent u64.
func SizeOfUvarint(u64 uint64) int {
	n := 1
	for u64 >= 0x80 {
		n++
		u64 >>= 7
	}
	return n
}

// Uvarint just calls binary.Uvarint.  It's here for symmetry with
// AppendUvarint.
func Uvarint(buf []byte) (uint64, int) {
	return binary.Uvarint(buf)
}

func zigzagEncode(i int64) uint64 {
	return uint64(i<<1) ^ uint64(i>>63)
}

func zigzagDecode(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}

// Writer writes wire-format primitives to an underlying io.Writer through
// an append buffer that is flushed when it exceeds a threshold or when
// Flush is called.
type Writer struct {
	w       io.Writer
	buf     []byte
	flushed int64
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Position returns the number of bytes written to the stream so far,
// including bytes still sitting in the buffer.
func (w *Writer) Position() int64 {
	return w.flushed + int64(len(w.buf))
}

// Flush writes any buffered bytes to the underlying writer.
func (w *Writer) Flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	n, err := w.w.Write(w.buf)
	w.flushed += int64(n)
	w.buf = w.buf[:0]
	return err
}

func (w *Writer) check() error {
	if len(w.buf) >= flushSize {
		return w.Flush()
	}
	return nil
}

func (w *Writer) WriteByte(b byte) error {
	w.buf = append(w.buf, b)
	return w.check()
}

func (w *Writer) WriteUvarint(u uint64) error {
	w.buf = AppendUvarint(w.buf, u)
	return w.check()
}

// WriteVarint writes a signed integer with zigzag encoding so that small
// negative values stay small on the wire.
func (w *Writer) WriteVarint(i int64) error {
	return w.WriteUvarint(zigzagEncode(i))
}

func (w *Writer) WriteFloat32(f float32) error {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, math.Float32bits(f))
	return w.check()
}

func (w *Writer) WriteFloat64(f float64) error {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, math.Float64bits(f))
	return w.check()
}

// WriteBytes writes a counted byte slice.  A nil slice is encoded as tag
// zero; otherwise the tag is length+1.
func (w *Writer) WriteBytes(b []byte) error {
	if b == nil {
		return w.WriteUvarint(0)
	}
	w.buf = AppendUvarint(w.buf, uint64(len(b))+1)
	w.buf = append(w.buf, b...)
	return w.check()
}

// WriteString writes a counted string on the general-text path.
func (w *Writer) WriteString(s string) error {
	w.buf = AppendUvarint(w.buf, uint64(len(s))<<1)
	w.buf = append(w.buf, s...)
	return w.check()
}

// WriteASCII writes a counted string flagged as ASCII-only.  The framing is
// identical to WriteString except for the flag bit, so a reader can decode
// either without knowing the writer's choice in advance.  The caller must
// guarantee the string contains only single-byte runes.
func (w *Writer) WriteASCII(s string) error {
	w.buf = AppendUvarint(w.buf, uint64(len(s))<<1|1)
	w.buf = append(w.buf, s...)
	return w.check()
}

// Reader reads wire-format primitives from an underlying io.Reader.
// A clean end of stream surfaces as io.EOF on the first byte of a value;
// running out of input mid-value surfaces as io.ErrUnexpectedEOF.
type Reader struct {
	r   io.Reader
	buf []byte
	off int
	pos int64
	err error
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, buf: make([]byte, 0, flushSize)}
}

// Position returns the number of bytes consumed from the stream so far.
func (r *Reader) Position() int64 {
	return r.pos
}

func (r *Reader) fill() error {
	if r.err != nil {
		return r.err
	}
	for i := 0; i < 100; i++ {
		r.buf = r.buf[:cap(r.buf)]
		n, err := r.r.Read(r.buf)
		r.buf = r.buf[:n]
		r.off = 0
		if n > 0 {
			// Hold any error until the buffered bytes are consumed.
			r.err = err
			return nil
		}
		if err != nil {
			return err
		}
	}
	return io.ErrNoProgress
}

func (r *Reader) ReadByte() (byte, error) {
	if r.off >= len(r.buf) {
		if err := r.fill(); err != nil {
			return 0, err
		}
	}
	b := r.buf[r.off]
	r.off++
	r.pos++
	return b, nil
}

// readFull reads exactly n bytes.  The returned slice is only valid until
// the next read.
func (r *Reader) readFull(n int) ([]byte, error) {
	if r.off+n <= len(r.buf) {
		b := r.buf[r.off : r.off+n]
		r.off += n
		r.pos += int64(n)
		return b, nil
	}
	b := make([]byte, n)
	copy(b, r.buf[r.off:])
	got := len(r.buf) - r.off
	r.off = len(r.buf)
	for got < n {
		if err := r.fill(); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			r.pos += int64(got)
			return nil, err
		}
		m := copy(b[got:], r.buf)
		r.off = m
		got += m
	}
	r.pos += int64(n)
	return b, nil
}

var errUvarintOverflow = errors.New("bcode: uvarint overflows a 64-bit integer")

func (r *Reader) ReadUvarint() (uint64, error) {
	var u uint64
	var shift uint
	for i := 0; i < binary.MaxVarintLen64; i++ {
		b, err := r.ReadByte()
		if err != nil {
			if err == io.EOF && i > 0 {
				err = io.ErrUnexpectedEOF
			}
			return 0, err
		}
		if b < 0x80 {
			if i == binary.MaxVarintLen64-1 && b > 1 {
				return 0, errUvarintOverflow
			}
			return u | uint64(b)<<shift, nil
		}
		u |= uint64(b&0x7f) << shift
		shift += 7
	}
	return 0, errUvarintOverflow
}

func (r *Reader) ReadVarint() (int64, error) {
	u, err := r.ReadUvarint()
	if err != nil {
		return 0, err
	}
	return zigzagDecode(u), nil
}

func (r *Reader) ReadFloat32() (float32, error) {
	b, err := r.readFull(4)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
}

func (r *Reader) ReadFloat64() (float64, error) {
	b, err := r.readFull(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
}

// ReadBody reads the next n bytes into a freshly allocated slice.
func (r *Reader) ReadBody(n int) ([]byte, error) {
	b, err := r.readFull(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// ReadBytes reads a counted byte slice written by WriteBytes.  It returns
// nil for the nil tag.
func (r *Reader) ReadBytes() ([]byte, error) {
	tag, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if tag == 0 {
		return nil, nil
	}
	return r.ReadBody(int(tag - 1))
}

// ReadString reads a counted string written by either WriteString or
// WriteASCII.
func (r *Reader) ReadString() (string, error) {
	tag, err := r.ReadUvarint()
	if err != nil {
		return "", err
	}
	b, err := r.readFull(int(tag >> 1))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
