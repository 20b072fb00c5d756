package output

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"probescan/internal/fieldset"
)

func record(sport uint64) *fieldset.FieldSet {
	fs := fieldset.New(5)
	fs.AddString("saddr", "10.0.0.5")
	fs.AddUint64("sport", sport)
	fs.AddString("classification", "bacnet")
	fs.AddBool("success", true)
	fs.AddBinary("udp_payload", []byte{0x81, 0x0a, 0x00, 0x04})
	return fs
}

func TestBatchWriter_ThresholdFlush(t *testing.T) {
	var flushed [][]byte
	var mu sync.Mutex

	bw := newBatchWriter(128, func(data []byte) error {
		mu.Lock()
		flushed = append(flushed, data)
		mu.Unlock()
		return nil
	})
	defer bw.close()

	for i := 0; i < 10; i++ {
		bw.write(record(47808))
	}

	mu.Lock()
	n := len(flushed)
	mu.Unlock()
	if n == 0 {
		t.Fatal("expected at least one flush from threshold, got 0")
	}
}

func TestBatchWriter_TimerFlush(t *testing.T) {
	var flushed int32

	bw := newBatchWriter(1<<20, func(data []byte) error {
		atomic.AddInt32(&flushed, 1)
		return nil
	})
	defer bw.close()

	bw.write(record(47808))

	// 250ms interval + margin
	time.Sleep(400 * time.Millisecond)

	if atomic.LoadInt32(&flushed) == 0 {
		t.Fatal("expected timer-based flush, got 0")
	}
}

func TestBatchWriter_Close(t *testing.T) {
	var flushed int32

	bw := newBatchWriter(1<<20, func(data []byte) error {
		atomic.AddInt32(&flushed, 1)
		return nil
	})

	bw.write(record(47808))
	bw.close()

	if atomic.LoadInt32(&flushed) == 0 {
		t.Fatal("expected final flush on close, got 0")
	}
	bw.close()
}

func TestBatchWriter_ConcurrentWrite(t *testing.T) {
	var lines int32

	bw := newBatchWriter(256, func(data []byte) error {
		for _, b := range data {
			if b == '\n' {
				atomic.AddInt32(&lines, 1)
			}
		}
		return nil
	})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				bw.write(record(uint64(i)))
			}
		}()
	}
	wg.Wait()
	bw.close()

	if got := atomic.LoadInt32(&lines); got != 800 {
		t.Fatalf("flushed %d lines, want 800", got)
	}
}

func TestBatchWriter_WriteAfterClose(t *testing.T) {
	bw := newBatchWriter(1<<20, func(data []byte) error { return nil })
	bw.close()

	if err := bw.write(record(47808)); err != nil {
		t.Errorf("write after close: want nil error, got %v", err)
	}
}

func TestBatchWriter_EmptyClose(t *testing.T) {
	var flushCount int32
	bw := newBatchWriter(1<<20, func(data []byte) error {
		atomic.AddInt32(&flushCount, 1)
		return nil
	})
	bw.close()

	if atomic.LoadInt32(&flushCount) != 0 {
		t.Error("expected no flush on empty close")
	}
}
