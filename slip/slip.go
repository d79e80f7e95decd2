// Package slip implements RFC 1055 SLIP framing over a byte stream, such as
// a uartx port.
package slip

import (
	"bufio"
	"io"

	"github.com/pkg/errors"
)

const (
	End    = 0xC0
	Esc    = 0xDB
	EscEnd = 0xDC
	EscEsc = 0xDD
)

// DefaultMaxFrame is the frame size limit used by NewReader.
const DefaultMaxFrame = 4096

var (
	ErrBadEscape    = errors.New("slip: unknown escaped byte")
	ErrFrameTooLong = errors.New("slip: frame too long")
)

// Encode appends the framed form of p to dst and returns the result. The
// frame starts and ends with End so the receiver discards line noise that
// preceded it.
func Encode(dst, p []byte) []byte {
	dst = append(dst, End)
	for _, b := range p {
		switch b {
		case End:
			dst = append(dst, Esc, EscEnd)
		case Esc:
			dst = append(dst, Esc, EscEsc)
		default:
			dst = append(dst, b)
		}
	}
	return append(dst, End)
}

// Writer writes SLIP frames to an underlying stream.
type Writer struct {
	w   io.Writer
	buf []byte
}

func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

// WriteFrame encodes p as one frame and writes it with a single Write.
func (w *Writer) WriteFrame(p []byte) error {
	w.buf = Encode(w.buf[:0], p)
	_, err := w.w.Write(w.buf)
	return errors.Wrap(err, "slip: write frame")
}

// Reader decodes SLIP frames from an underlying stream.
type Reader struct {
	r   io.ByteReader
	max int
	buf []byte
}

// NewReader returns a Reader limited to DefaultMaxFrame decoded bytes per
// frame. r is wrapped in a bufio.Reader unless it is already an
// io.ByteReader.
func NewReader(r io.Reader) *Reader {
	return NewReaderSize(r, DefaultMaxFrame)
}

func NewReaderSize(r io.Reader, max int) *Reader {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Reader{r: br, max: max}
}

// ReadFrame returns the next non-empty frame. The returned slice is only
// valid until the next call. After ErrBadEscape or ErrFrameTooLong the
// reader skips to the next End and can be used again.
func (r *Reader) ReadFrame() ([]byte, error) {
	r.buf = r.buf[:0]
	for {
		b, err := r.r.ReadByte()
		if err != nil {
			if err == io.EOF && len(r.buf) > 0 {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		switch b {
		case End:
			if len(r.buf) > 0 {
				return r.buf, nil
			}
			continue
		case Esc:
			e, err := r.r.ReadByte()
			if err != nil {
				if err == io.EOF {
					err = io.ErrUnexpectedEOF
				}
				return nil, err
			}
			switch e {
			case EscEnd:
				b = End
			case EscEsc:
				b = Esc
			default:
				if e != End {
					r.skipFrame()
				}
				return nil, errors.Wrapf(ErrBadEscape, "0x%02x", e)
			}
		}
		if len(r.buf) >= r.max {
			r.skipFrame()
			return nil, errors.Wrapf(ErrFrameTooLong, "limit %d", r.max)
		}
		r.buf = append(r.buf, b)
	}
}

// skipFrame discards input up to and including the next End.
func (r *Reader) skipFrame() {
	for {
		b, err := r.r.ReadByte()
		if err != nil || b == End {
			return
		}
	}
}
