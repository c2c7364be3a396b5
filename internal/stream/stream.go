// Package stream turns a row cursor into an ordered sequence of encoded file
// fragments.
//
// A Stream is pull based: each call to Next fetches one chunk from the
// cursor, encodes it and hands back the bytes the encoder produced. Both
// encoders emit bytes for every non-empty chunk, so nothing is read ahead of
// the consumer; a chunk that produced no bytes would be followed by another
// fetch within the same call. A slow consumer slows the database read and
// memory stays bounded by the chunk size.
package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/data7/data7/internal/rowsource"
)

// ErrCancelled wraps the context error of a stream whose consumer went away.
var ErrCancelled = errors.New("stream cancelled")

var errClosed = errors.New("stream closed")

const (
	DefaultChunkSize         = 5000
	DefaultSchemaSnifferSize = 1000
)

type Options struct {
	ChunkSize         int
	SchemaSnifferSize int
	// Compression names the Parquet page codec: gzip, snappy, zstd or none.
	Compression string
	// IndexColumns are recorded in the Parquet footer metadata.
	IndexColumns []string
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.SchemaSnifferSize <= 0 {
		o.SchemaSnifferSize = DefaultSchemaSnifferSize
	}
	if o.Compression == "" {
		o.Compression = "gzip"
	}
	return o
}

// encoder writes into the stream's buffer. finish runs exactly once, after
// the cursor is exhausted.
type encoder interface {
	encode(chunk rowsource.Chunk, offset int64) error
	finish() error
}

type Stream struct {
	format    Format
	cursor    rowsource.Cursor
	enc       encoder
	buf       *bytes.Buffer
	chunkSize int

	rows     int64
	bytes    int64
	finished bool
	closed   bool
	err      error
}

// Open runs query against source and prepares a stream in the given format.
// The cursor stays open until the stream ends, fails or is closed.
func Open(ctx context.Context, source rowsource.Source, query string, format Format, opts Options) (*Stream, error) {
	opts = opts.withDefaults()
	switch format {
	case CSV:
		return openCSV(ctx, source, query, opts)
	case Parquet:
		return openParquet(ctx, source, query, opts)
	default:
		return nil, fmt.Errorf("unsupported stream format %q", format)
	}
}

func newStream(format Format, cursor rowsource.Cursor, enc encoder, buf *bytes.Buffer, opts Options) *Stream {
	return &Stream{
		format:    format,
		cursor:    cursor,
		enc:       enc,
		buf:       buf,
		chunkSize: opts.ChunkSize,
	}
}

func (s *Stream) Format() Format {
	return s.format
}

// Rows is the number of rows encoded so far.
func (s *Stream) Rows() int64 {
	return s.rows
}

// Bytes is the number of bytes handed out so far.
func (s *Stream) Bytes() int64 {
	return s.bytes
}

// Next returns the next non-empty fragment, or io.EOF once the file is
// complete. After an error every call returns the same error.
func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	for {
		if s.finished {
			if s.buf.Len() > 0 {
				return s.drain(), nil
			}
			_ = s.Close()
			return nil, io.EOF
		}
		if s.closed {
			return nil, errClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, s.fail(fmt.Errorf("%w: %w", ErrCancelled, err))
		}

		chunk, err := s.cursor.Fetch(ctx, s.chunkSize)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, s.fail(fmt.Errorf("%w: %w", ErrCancelled, ctxErr))
			}
			return nil, s.fail(fmt.Errorf("fetch rows: %w", err))
		}

		if chunk.Len() == 0 {
			_ = s.cursor.Close()
			if err := s.enc.finish(); err != nil {
				return nil, s.fail(fmt.Errorf("finalize %s: %w", s.format, err))
			}
			s.finished = true
		} else {
			if err := s.enc.encode(chunk, s.rows); err != nil {
				return nil, s.fail(err)
			}
			s.rows += int64(chunk.Len())
		}

		if s.buf.Len() > 0 {
			return s.drain(), nil
		}
	}
}

func (s *Stream) drain() []byte {
	fragment := bytes.Clone(s.buf.Bytes())
	s.buf.Reset()
	s.bytes += int64(len(fragment))
	return fragment
}

func (s *Stream) fail(err error) error {
	s.err = err
	_ = s.Close()
	return err
}

// WriteTo copies every fragment to w. It is the non-flushing form of the
// dispatcher's copy loop.
func (s *Stream) WriteTo(w io.Writer) (int64, error) {
	var written int64
	for {
		fragment, err := s.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return written, nil
		}
		if err != nil {
			return written, err
		}
		n, err := w.Write(fragment)
		written += int64(n)
		if err != nil {
			_ = s.Close()
			return written, err
		}
	}
}

// Close releases the cursor. It is safe to call at any point and more than
// once; a stream closed before its end cannot be resumed.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if !s.finished {
		s.buf.Reset()
	}
	return s.cursor.Close()
}
