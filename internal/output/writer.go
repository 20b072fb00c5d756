package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"probescan/internal/fieldset"
)

// ResultWriter is the interface for anything that accepts records.
type ResultWriter interface {
	Write(fs *fieldset.FieldSet) error
}

// ClosingWriter wraps a Formatter with a mutex and an io.Closer (typically a file).
type ClosingWriter struct {
	fmt    Formatter
	closer io.Closer
	mu     sync.Mutex
}

// NewClosingWriter creates a ResultWriter that closes the underlying resource on Close.
func NewClosingWriter(f Formatter, c io.Closer) *ClosingWriter {
	return &ClosingWriter{fmt: f, closer: c}
}

func (w *ClosingWriter) Write(fs *fieldset.FieldSet) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fmt.Write(fs)
}

func (w *ClosingWriter) Close() error {
	w.mu.Lock()
	flushErr := w.fmt.Flush()
	w.mu.Unlock()
	if err := w.closer.Close(); err != nil {
		return err
	}
	return flushErr
}

// NewFileWriter appends records to path in the given format ("json" or
// "csv"). A CSV header is written only when the file starts out empty.
func NewFileWriter(path, format string, fields []fieldset.Def) (*ClosingWriter, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(format) {
	case "", "json":
		return NewClosingWriter(NewJSONFormatter(f), f), nil
	case "csv":
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		cf, err := NewCSVFormatter(f, fields, st.Size() == 0)
		if err != nil {
			f.Close()
			return nil, err
		}
		return NewClosingWriter(cf, f), nil
	}
	f.Close()
	return nil, fmt.Errorf("unknown output format %q", format)
}

// OutputSink fans out records to multiple writers.
type OutputSink struct {
	writers []ResultWriter
}

func NewOutputSink() *OutputSink {
	return &OutputSink{}
}

func (s *OutputSink) Add(w ResultWriter) {
	s.writers = append(s.writers, w)
}

// Len returns the number of attached writers.
func (s *OutputSink) Len() int { return len(s.writers) }

func (s *OutputSink) Write(fs *fieldset.FieldSet) error {
	for _, w := range s.writers {
		if err := w.Write(fs); err != nil {
			return err
		}
	}
	return nil
}

// Close closes all writers that implement io.Closer.
func (s *OutputSink) Close() error {
	var firstErr error
	for _, w := range s.writers {
		if c, ok := w.(io.Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
