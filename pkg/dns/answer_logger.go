package dns

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"dev-dns/pkg/logging"

	"github.com/miekg/dns"
)

// ErrBufferFull is returned when the answer log buffer cannot take another event
var ErrBufferFull = errors.New("answer log buffer full")

// AnswerSource tells where an answer came from
type AnswerSource string

const (
	SourceLocal AnswerSource = "local"
	SourceProxy AnswerSource = "proxy"
)

// Values logged in place of an answer when forwarding produced none
const (
	ValueTimeout = "timeout"
	ValueUnknown = "unknown"
)

// AnswerEvent is one resolved answer or forwarding failure
type AnswerEvent struct {
	Client   string
	Source   AnswerSource
	Question dns.Question
	Answer   Answer
}

// AnswerRecorder receives answer events from the handler
type AnswerRecorder interface {
	Record(ev AnswerEvent)
}

// DropCounter is notified about events lost to a full buffer
type DropCounter interface {
	AddDroppedAnswer(ctx context.Context, count int64)
}

// AnswerLogger writes answer events from a fixed worker pool, so the
// request path never blocks on log output.
type AnswerLogger struct {
	logCh     chan AnswerEvent
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	out       *logging.Logger
	logger    *logging.Logger
	drops     DropCounter
	dropped   atomic.Uint64
	written   atomic.Uint64
	closeOnce sync.Once
}

// NewAnswerLogger creates an answer logger writing to out.
// logger receives the pool's own diagnostics and may be the same as out.
func NewAnswerLogger(out, logger *logging.Logger, bufferSize, workers int) *AnswerLogger {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if workers <= 0 {
		workers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	al := &AnswerLogger{
		logCh:  make(chan AnswerEvent, bufferSize),
		ctx:    ctx,
		cancel: cancel,
		out:    out,
		logger: logger,
	}

	for i := 0; i < workers; i++ {
		al.wg.Add(1)
		go al.worker()
	}

	if logger != nil {
		logger.Debug("Answer logger worker pool started",
			"workers", workers,
			"buffer_size", bufferSize)
	}

	return al
}

// SetDropCounter wires a counter for dropped events
func (al *AnswerLogger) SetDropCounter(c DropCounter) {
	al.drops = c
}

func (al *AnswerLogger) worker() {
	defer al.wg.Done()

	for {
		select {
		case <-al.ctx.Done():
			al.drain()
			return
		case ev := <-al.logCh:
			al.write(ev)
		}
	}
}

// drain writes whatever is still buffered during shutdown
func (al *AnswerLogger) drain() {
	for {
		select {
		case ev := <-al.logCh:
			al.write(ev)
		default:
			return
		}
	}
}

func (al *AnswerLogger) write(ev AnswerEvent) {
	al.out.Info("answer",
		"client", ev.Client,
		"source", string(ev.Source),
		"name", ev.Question.Name,
		"type", ev.Answer.TypeLabel(),
		"value", ev.Answer.Value,
	)
	al.written.Add(1)
}

// Record queues ev without blocking. Events are dropped when the buffer is full.
func (al *AnswerLogger) Record(ev AnswerEvent) {
	if err := al.tryRecord(ev); err != nil {
		dropped := al.dropped.Add(1)
		if al.drops != nil {
			al.drops.AddDroppedAnswer(context.Background(), 1)
		}
		// Warn on the 1st, 2nd, 4th, 8th... drop
		if al.logger != nil && dropped&(dropped-1) == 0 {
			al.logger.Warn("Answer log buffer full, dropping events", "dropped_total", dropped)
		}
	}
}

func (al *AnswerLogger) tryRecord(ev AnswerEvent) error {
	if al.ctx.Err() != nil {
		return ErrBufferFull
	}
	select {
	case al.logCh <- ev:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close stops the workers after writing every buffered event.
// Safe to call multiple times.
func (al *AnswerLogger) Close() error {
	al.closeOnce.Do(func() {
		al.cancel()
		al.wg.Wait()
		// Events queued concurrently with shutdown
		al.drain()

		if al.logger != nil {
			al.logger.Debug("Answer logger shut down",
				"written", al.written.Load(),
				"dropped", al.dropped.Load())
		}
	})
	return nil
}

// Stats returns the number of written and dropped events
func (al *AnswerLogger) Stats() (written, dropped uint64) {
	return al.written.Load(), al.dropped.Load()
}
