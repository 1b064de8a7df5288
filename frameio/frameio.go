// Package frameio implements an optional framing layer for binser streams.
//
// A stream is a sequence of frames, each holding a block of the encoded
// value stream.  A frame is a format byte (raw or lz4 block compression),
// the uncompressed size as a uvarint, the payload size as a uvarint, and the
// payload.  A frame with format byte EOS marks the end of the stream.
// Incompressible blocks fall back to raw frames, so compressed streams never
// expand pathologically.
package frameio

import (
	"fmt"
	"io"

	"github.com/binser-dev/binser/bcode"
	"github.com/pierrec/lz4/v4"
	"go.uber.org/multierr"
)

const (
	FormatRaw = 0x00
	FormatLZ4 = 0x01
	EOS       = 0xff
)

const DefaultBlockSize = 64 * 1024

type WriterOpts struct {
	Compress  bool
	BlockSize int
}

// Writer buffers stream bytes and emits them as frames.
type Writer struct {
	w          io.Writer
	opts       WriterOpts
	buf        []byte
	zbuf       []byte
	compressor lz4.Compressor
	closed     bool
}

func NewWriter(w io.Writer, opts WriterOpts) *Writer {
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	return &Writer{w: w, opts: opts}
}

func (w *Writer) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for len(w.buf) >= w.opts.BlockSize {
		if err := w.writeFrame(w.buf[:w.opts.BlockSize]); err != nil {
			return 0, err
		}
		w.buf = w.buf[:copy(w.buf, w.buf[w.opts.BlockSize:])]
	}
	return len(p), nil
}

// Flush emits any partial block as a frame.  Frame boundaries are otherwise
// invisible to the reader, so flushing mid-stream is always safe.
func (w *Writer) Flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	err := w.writeFrame(w.buf)
	w.buf = w.buf[:0]
	return err
}

// Close flushes pending bytes and writes the end-of-stream frame.  It does
// not close the underlying writer.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.Flush()
	_, werr := w.w.Write([]byte{EOS})
	return multierr.Append(err, werr)
}

func (w *Writer) writeFrame(block []byte) error {
	format := byte(FormatRaw)
	payload := block
	if w.opts.Compress {
		if bound := lz4.CompressBlockBound(len(block)); cap(w.zbuf) < bound {
			w.zbuf = make([]byte, bound)
		}
		n, err := w.compressor.CompressBlock(block, w.zbuf[:cap(w.zbuf)])
		if err != nil {
			return err
		}
		if n > 0 && n < len(block) {
			format = FormatLZ4
			payload = w.zbuf[:n]
		}
	}
	hdr := []byte{format}
	hdr = bcode.AppendUvarint(hdr, uint64(len(block)))
	hdr = bcode.AppendUvarint(hdr, uint64(len(payload)))
	if _, err := w.w.Write(hdr); err != nil {
		return err
	}
	_, err := w.w.Write(payload)
	return err
}

// Reader reassembles a frame stream into a plain byte stream.  Both the end
// of the underlying input and an EOS frame surface as io.EOF.
type Reader struct {
	r    *bcode.Reader
	ubuf []byte
	off  int
	eos  bool
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bcode.NewReader(r)}
}

func (r *Reader) Read(p []byte) (int, error) {
	for r.off >= len(r.ubuf) {
		if err := r.nextFrame(); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.ubuf[r.off:])
	r.off += n
	return n, nil
}

func (r *Reader) nextFrame() error {
	if r.eos {
		return io.EOF
	}
	format, err := r.r.ReadByte()
	if err != nil {
		return err
	}
	if format == EOS {
		r.eos = true
		return io.EOF
	}
	size, err := r.r.ReadUvarint()
	if err != nil {
		return err
	}
	plen, err := r.r.ReadUvarint()
	if err != nil {
		return err
	}
	payload, err := r.r.ReadBody(int(plen))
	if err != nil {
		return err
	}
	switch format {
	case FormatRaw:
		if uint64(len(payload)) != size {
			return fmt.Errorf("frameio: raw frame size %d does not match header %d", len(payload), size)
		}
		r.ubuf = payload
	case FormatLZ4:
		if cap(r.ubuf) < int(size) {
			r.ubuf = make([]byte, size)
		}
		r.ubuf = r.ubuf[:size]
		n, err := lz4.UncompressBlock(payload, r.ubuf)
		if err != nil {
			return fmt.Errorf("frameio: %w", err)
		}
		if n != int(size) {
			return fmt.Errorf("frameio: got %d uncompressed bytes, expected %d", n, size)
		}
	default:
		return fmt.Errorf("frameio: unknown frame format 0x%x", format)
	}
	r.off = 0
	return nil
}
