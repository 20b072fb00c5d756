package output

import (
	"bytes"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	log "github.com/sirupsen/logrus"

	"probescan/internal/fieldset"
)

// batchWriter accumulates JSON-encoded records and flushes when the buffer
// exceeds a byte threshold or a periodic timer fires. Write never blocks on I/O.
type batchWriter struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	stream    *jsoniter.Stream
	threshold int
	flushFn   func([]byte) error
	timer     *time.Timer
	closeCh   chan struct{}
	done      chan struct{}
	closed    bool
}

const (
	defaultBatchThreshold = 4096
	batchFlushInterval    = 250 * time.Millisecond
)

func newBatchWriter(threshold int, flushFn func([]byte) error) *batchWriter {
	if threshold <= 0 {
		threshold = defaultBatchThreshold
	}
	bw := &batchWriter{
		threshold: threshold,
		flushFn:   flushFn,
		timer:     time.NewTimer(batchFlushInterval),
		closeCh:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	bw.stream = jsoniter.NewStream(json, &bw.buf, 512)
	go bw.run()
	return bw
}

func (bw *batchWriter) run() {
	defer close(bw.done)
	for {
		select {
		case <-bw.closeCh:
			return
		case <-bw.timer.C:
			bw.mu.Lock()
			if bw.buf.Len() > 0 {
				if err := bw.flushLocked(); err != nil {
					log.WithError(err).Warn("batch: timer flush failed")
				}
			}
			if !bw.closed {
				bw.timer.Reset(batchFlushInterval)
			}
			bw.mu.Unlock()
		}
	}
}

func (bw *batchWriter) write(fs *fieldset.FieldSet) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	if bw.closed {
		return nil
	}
	writeRecord(bw.stream, fs)
	if err := bw.stream.Flush(); err != nil {
		return err
	}
	if bw.buf.Len() >= bw.threshold {
		return bw.flushLocked()
	}
	return nil
}

// take copies out and resets the buffer. Caller must hold bw.mu.
func (bw *batchWriter) take() []byte {
	data := make([]byte, bw.buf.Len())
	copy(data, bw.buf.Bytes())
	bw.buf.Reset()
	return data
}

// flushLocked releases bw.mu around flushFn so concurrent writes aren't
// blocked on I/O. Caller must hold bw.mu.
func (bw *batchWriter) flushLocked() error {
	if bw.buf.Len() == 0 {
		return nil
	}
	data := bw.take()
	bw.mu.Unlock()
	err := bw.flushFn(data)
	bw.mu.Lock()
	return err
}

func (bw *batchWriter) close() error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return nil
	}
	bw.closed = true

	// Drain the timer so run() cannot start a flush after this point.
	if !bw.timer.Stop() {
		select {
		case <-bw.timer.C:
		default:
		}
	}
	close(bw.closeCh)

	var err error
	if bw.buf.Len() > 0 {
		err = bw.flushFn(bw.take())
	}
	bw.mu.Unlock()
	<-bw.done
	return err
}
