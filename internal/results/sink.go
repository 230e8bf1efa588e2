package results

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// sinkQueueSize bounds queued rows before producers block
const sinkQueueSize = 256

type entryKind int

const (
	kindRow entryKind = iota
	kindMarker
	kindFlush
)

type entry struct {
	kind   entryKind
	record RequestRecord
	ack    chan error
}

// Sink is the single writer of a raw metrics file. Any number of goroutines
// may call Record concurrently; one goroutine owns the file and writes each
// row whole.
type Sink struct {
	path   string
	file   *os.File
	writer *csv.Writer
	logger *slog.Logger

	// header is written before the first row when the file starts empty
	headerPending bool
	err error

	entries chan entry
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

// SinkOption configures a Sink
type SinkOption func(*sinkOptions)

type sinkOptions struct {
	truncate bool
	logger   *slog.Logger
}

// WithTruncate empties the file when the sink opens
func WithTruncate() SinkOption {
	return func(o *sinkOptions) {
		o.truncate = true
	}
}

// WithSinkLogger sets a custom logger
func WithSinkLogger(logger *slog.Logger) SinkOption {
	return func(o *sinkOptions) {
		o.logger = logger
	}
}

// OpenSink opens path for appending and starts the writer goroutine
func OpenSink(path string, opts ...SinkOption) (*Sink, error) {
	o := &sinkOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fileErr("create directory for", path, err)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if o.truncate {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fileErr("open", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fileErr("stat", path, err)
	}

	s := &Sink{
		path:          path,
		file:          f,
		writer:        csv.NewWriter(f),
		logger:        o.logger.With(slog.String("component", "raw_sink"), slog.String("path", path)),
		headerPending: info.Size() == 0,
		entries:       make(chan entry, sinkQueueSize),
		done:          make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// Path returns the file the sink writes
func (s *Sink) Path() string {
	return s.path
}

// Record queues one row. It does not wait for the write.
func (s *Sink) Record(rec RequestRecord) error {
	return s.send(entry{kind: kindRow, record: rec})
}

// Separator writes a blank block marker after every row queued before it and
// waits until it is on disk.
func (s *Sink) Separator(ctx context.Context) error {
	return s.sync(ctx, entry{kind: kindMarker})
}

// Flush waits until every row queued so far has been written
func (s *Sink) Flush(ctx context.Context) error {
	return s.sync(ctx, entry{kind: kindFlush})
}

// Close drains queued rows, closes the file and returns the first write error
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return s.err
	}
	s.closed = true
	close(s.entries)
	s.mu.Unlock()

	<-s.done
	if err := s.file.Close(); err != nil && s.err == nil {
		s.err = fileErr("close", s.path, err)
	}
	return s.err
}

func (s *Sink) send(e entry) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("%w: %s", ErrSinkClosed, s.path)
	}
	s.entries <- e
	return nil
}

func (s *Sink) sync(ctx context.Context, e entry) error {
	ack := make(chan error, 1)
	e.ack = ack
	if err := s.send(e); err != nil {
		return err
	}
	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sink) run() {
	defer close(s.done)
	for e := range s.entries {
		err := s.write(e)
		if err != nil && s.err == nil {
			s.err = err
			s.logger.Error("raw metrics write failed", slog.String("error", err.Error()))
		}
		if e.ack != nil {
			e.ack <- err
		}
	}
}

func (s *Sink) write(e entry) error {
	switch e.kind {
	case kindFlush:
		return nil
	case kindMarker:
		if _, err := s.file.WriteString("\n"); err != nil {
			return fileErr("write separator to", s.path, err)
		}
		return nil
	}

	if s.headerPending {
		if err := s.writer.Write(RawHeader); err != nil {
			return fileErr("write header to", s.path, err)
		}
		s.headerPending = false
	}
	if err := s.writer.Write(e.record.Row()); err != nil {
		return fileErr("write row to", s.path, err)
	}
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		return fileErr("flush", s.path, err)
	}
	return nil
}
