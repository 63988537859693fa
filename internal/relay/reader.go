package relay

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"
)

// LineHandler is called once per complete line a channelReader reads,
// stripped of its trailing newline.
type LineHandler func(line string)

// channelReader reads newline-delimited messages from a FIFO that may be
// closed and reopened over its lifetime (a FIFO's read end sees EOF
// whenever its last writer closes, even though the logical connection is
// still alive). On EOF it calls reopen and retries with a scaling backoff
// instead of treating EOF as a terminal failure, mirroring the original's
// reconnect behavior for a relay channel whose remote side churns.
type channelReader struct {
	reopen func() (io.ReadCloser, error)

	mu        sync.Mutex
	callbacks []LineHandler

	cancel context.CancelFunc
	done   chan struct{}
}

const (
	readerInitialBackoff = 100 * time.Millisecond
	readerMaxBackoff      = 600 * time.Second
)

// newChannelReader starts the read loop immediately, using reopen both for
// the initial handle and for every reconnect after an EOF.
func newChannelReader(reopen func() (io.ReadCloser, error)) (*channelReader, error) {
	r := &channelReader{reopen: reopen, done: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.run(ctx)
	return r, nil
}

// RegisterCallback adds a handler invoked for every line read. Handlers
// registered before Dispose continue to fire for lines already in flight.
func (r *channelReader) RegisterCallback(cb LineHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

func (r *channelReader) dispatch(line string) {
	r.mu.Lock()
	cbs := append([]LineHandler{}, r.callbacks...)
	r.mu.Unlock()
	for _, cb := range cbs {
		cb(line)
	}
}

func (r *channelReader) run(ctx context.Context) {
	defer close(r.done)
	backoff := readerInitialBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		handle, err := r.reopen()
		if err != nil {
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		scanner := bufio.NewScanner(handle)
		scanner.Buffer(make([]byte, 4096), 1<<20)
		readAny := false
		for scanner.Scan() {
			readAny = true
			r.dispatch(scanner.Text())
			if ctx.Err() != nil {
				handle.Close()
				return
			}
		}
		handle.Close()

		if readAny {
			backoff = readerInitialBackoff
		} else {
			backoff = nextBackoff(backoff)
		}
		if !sleepOrDone(ctx, backoff) {
			return
		}
	}
}

func nextBackoff(b time.Duration) time.Duration {
	b *= 2
	if b > readerMaxBackoff {
		b = readerMaxBackoff
	}
	return b
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Dispose stops the read loop and waits for it to exit.
func (r *channelReader) Dispose() {
	r.cancel()
	<-r.done
}
