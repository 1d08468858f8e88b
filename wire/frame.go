package wire

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/quic-go/quic-go/quicvarint"
)

// Frame layout: [flags (1 byte)] [body length (varint)] [body].
const flagZlib = 0x01

// DefaultMaxFrameSize bounds frame bodies until negotiation raises it
// (file-transfer capability can increase the limit).
const DefaultMaxFrameSize = 4 * 1024 * 1024

// compressMin is the smallest body worth compressing; below this the
// zlib header overhead dominates.
const compressMin = 512

// WriteFrame writes one frame to w as a single Write call so concurrent
// writers never interleave partial frames. A level > 0 compresses bodies
// of at least compressMin bytes, keeping the compressed form only when
// it is actually smaller. max bounds the uncompressed body size.
func WriteFrame(w io.Writer, body []byte, level int, max int64) error {
	if int64(len(body)) > max {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(body), max)
	}

	var flags byte
	if level > 0 && len(body) >= compressMin {
		if compressed, err := deflate(body, level); err == nil && len(compressed) < len(body) {
			body = compressed
			flags |= flagZlib
		}
	}

	buf := make([]byte, 0, 1+quicvarint.Len(uint64(len(body)))+len(body))
	buf = append(buf, flags)
	buf = quicvarint.Append(buf, uint64(len(body)))
	buf = append(buf, body...)

	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame from r, inflating compressed bodies. max
// bounds both the on-wire and the inflated body size.
func ReadFrame(r *bufio.Reader, max int64) ([]byte, error) {
	flags, err := r.ReadByte()
	if err != nil {
		return nil, &FrameError{Field: "flags", Err: err}
	}

	length, err := quicvarint.Read(r)
	if err != nil {
		return nil, &FrameError{Field: "length", Err: err}
	}
	if int64(length) > max {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, max)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, &FrameError{Field: "body", Err: err}
	}

	if flags&flagZlib != 0 {
		body, err = inflate(body, max)
		if err != nil {
			return nil, &FrameError{Field: "body", Err: err}
		}
	}
	return body, nil
}

func deflate(data []byte, level int) ([]byte, error) {
	if level > zlib.BestCompression {
		level = zlib.BestCompression
	}
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(data []byte, max int64) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > max {
		return nil, fmt.Errorf("%w: inflated body exceeds %d", ErrFrameTooLarge, max)
	}
	return out, nil
}
