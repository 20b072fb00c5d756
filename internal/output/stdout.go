package output

import (
	"bufio"
	"io"
	"os"

	"probescan/internal/fieldset"
)

// StdoutWriter streams batched JSONL to stdout.
type StdoutWriter struct {
	batch *batchWriter
	out   *bufio.Writer
}

// NewStdoutWriter creates a writer that batches JSON records and flushes to stdout.
func NewStdoutWriter(batchSize int) *StdoutWriter {
	return newStreamWriter(os.Stdout, batchSize)
}

func newStreamWriter(dst io.Writer, batchSize int) *StdoutWriter {
	w := &StdoutWriter{
		out: bufio.NewWriterSize(dst, 32768),
	}
	w.batch = newBatchWriter(batchSize, func(data []byte) error {
		if _, err := w.out.Write(data); err != nil {
			return err
		}
		return w.out.Flush()
	})
	return w
}

func (w *StdoutWriter) Write(fs *fieldset.FieldSet) error {
	return w.batch.write(fs)
}

func (w *StdoutWriter) Close() error {
	batchErr := w.batch.close()
	flushErr := w.out.Flush()
	if batchErr != nil {
		return batchErr
	}
	return flushErr
}
