package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
)

// Framer incrementally splits an inbound byte stream into newline-delimited JSON-RPC
// frames. Chunks may end anywhere, including in the middle of a multi-byte character or
// a JSON token; the framer keeps the unterminated tail and completes it with later
// chunks.
//
// Lines that are blank after trimming are skipped. Lines that do not decode as a
// JSON-RPC message are dropped, because diagnostic output sharing the stream must not
// break the session.
//
// A Framer is not safe for concurrent use. Each transport owns exactly one and only
// its reader goroutine feeds it.
type Framer struct {
	buf    []byte
	logger *slog.Logger

	maxLineSize int
	// discarding is set while skipping the remainder of an oversized line.
	discarding bool
}

// FramerOption represents the options for the Framer.
type FramerOption func(*Framer)

const (
	defaultMaxLineSize = 16 << 20
	readChunkSize      = 32 << 10
)

// NewFramer creates an empty Framer.
func NewFramer(options ...FramerOption) *Framer {
	f := &Framer{
		logger:      slog.Default(),
		maxLineSize: defaultMaxLineSize,
	}
	for _, opt := range options {
		opt(f)
	}
	return f
}

// WithFramerLogger sets the logger used for dropped-line diagnostics.
func WithFramerLogger(logger *slog.Logger) FramerOption {
	return func(f *Framer) {
		f.logger = logger
	}
}

// WithFramerMaxLineSize bounds how many bytes an unterminated line may accumulate. When
// the bound is exceeded the partial line is dropped along with everything up to the next
// newline. Non-positive values keep the default.
func WithFramerMaxLineSize(size int) FramerOption {
	return func(f *Framer) {
		if size > 0 {
			f.maxLineSize = size
		}
	}
}

// Feed appends chunk to the internal buffer and returns an iterator over every frame
// that is now complete. Each line is removed from the buffer before it is decoded, so
// a frame is never delivered twice, even if the caller stops iterating early; lines not
// yet visited stay buffered and are produced by the next call to Feed.
func (f *Framer) Feed(chunk []byte) iter.Seq[JSONRPCMessage] {
	f.append(chunk)

	return func(yield func(JSONRPCMessage) bool) {
		for {
			line, ok := f.next()
			if !ok {
				return
			}

			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal(line, &msg); err != nil {
				f.logger.Debug("dropping undecodable line", "err", err, "line", string(line))
				continue
			}

			if !yield(msg) {
				return
			}
		}
	}
}

// Buffered returns the number of bytes held for a line that has not been terminated yet.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

func (f *Framer) append(chunk []byte) {
	if !f.discarding {
		f.buf = append(f.buf, chunk...)
		return
	}

	// Still inside an oversized line: ignore everything up to and including its newline.
	idx := bytes.IndexByte(chunk, '\n')
	if idx < 0 {
		return
	}
	f.discarding = false
	f.buf = append(f.buf, chunk[idx+1:]...)
}

// next extracts one line from the buffer, without its terminator.
func (f *Framer) next() ([]byte, bool) {
	idx := bytes.IndexByte(f.buf, '\n')
	if idx < 0 {
		if len(f.buf) > f.maxLineSize {
			f.logger.Warn("dropping oversized partial line", "size", len(f.buf), "max", f.maxLineSize)
			f.buf = f.buf[:0]
			f.discarding = true
		}
		return nil, false
	}

	line := make([]byte, idx)
	copy(line, f.buf[:idx])

	// Shift the unconsumed tail down so the backing array does not grow without bound.
	n := copy(f.buf, f.buf[idx+1:])
	f.buf = f.buf[:n]

	return line, true
}

// ReadFrames drives f from r in fixed-size chunks and yields every decoded frame until r
// is exhausted, fails, or the caller stops iterating. A trailing line without a newline
// is never delivered: frames are newline-terminated by definition.
func ReadFrames(r io.Reader, f *Framer) iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		chunk := make([]byte, readChunkSize)
		for {
			n, err := r.Read(chunk)
			if n > 0 {
				for msg := range f.Feed(chunk[:n]) {
					if !yield(msg) {
						return
					}
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
					f.logger.Debug("frame reader stopped", "err", err)
				}
				return
			}
		}
	}
}
