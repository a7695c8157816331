package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultRecorderBuffer = 1024

// Recorder writes entries to a Journal from a background goroutine so
// request handlers never wait on the database. Entries submitted while the
// buffer is full are dropped and logged.
type Recorder struct {
	journal *Journal
	logger  *slog.Logger
	timeout time.Duration
	entries chan Entry
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
	// OnDrop is called for every dropped entry.
	OnDrop func(e Entry)
}

func NewRecorder(j *Journal, buffer int, logger *slog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = defaultRecorderBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		journal: j,
		logger:  logger,
		timeout: 5 * time.Second,
		entries: make(chan Entry, buffer),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) Submit(e Entry) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(e)
		return
	}
	select {
	case r.entries <- e:
	default:
		r.drop(e)
	}
}

func (r *Recorder) drop(e Entry) {
	r.logger.Warn("audit_entry_dropped", slog.String("operation", e.Operation), slog.String("request_id", e.RequestID))
	if r.OnDrop != nil {
		r.OnDrop(e)
	}
}

// Close stops accepting entries and waits until the buffered ones are written.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.entries)
	}
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.entries {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := r.journal.Record(ctx, e); err != nil {
			r.logger.Error("audit_record_failed",
				slog.String("operation", e.Operation),
				slog.String("request_id", e.RequestID),
				slog.Any("err", err),
			)
		}
		cancel()
	}
}
