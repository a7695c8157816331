package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultBusWorkers = 8
	defaultBusTimeout = 10 * time.Second
	defaultBusBuffer  = 256
)

type pending struct {
	ctx   context.Context
	req   Request
	reply chan Result
}

// Bus carries requests from senders to a Handler over an in-process channel.
// Every request gets its own single-slot reply channel.
type Bus struct {
	Handler Handler
	Workers int
	Buffer  int
	// Timeout bounds each round trip including time spent queued.
	Timeout          time.Duration
	Logger           *slog.Logger
	ObserveRoundTrip func(op Operation, d time.Duration, err error)

	initOnce  sync.Once
	stopOnce  sync.Once
	drainOnce sync.Once
	requests  chan pending
	stopCh    chan struct{}
	drained   chan struct{}
	wg        sync.WaitGroup
}

func (b *Bus) init() {
	b.initOnce.Do(func() {
		size := b.Buffer
		if size <= 0 {
			size = defaultBusBuffer
		}
		b.requests = make(chan pending, size)
		b.stopCh = make(chan struct{})
		b.drained = make(chan struct{})
		if b.Logger == nil {
			b.Logger = slog.Default()
		}
		if b.Timeout <= 0 {
			b.Timeout = defaultBusTimeout
		}
	})
}

// Start spawns the worker goroutines. Call Drain to stop them.
func (b *Bus) Start() {
	b.init()
	workers := b.Workers
	if workers <= 0 {
		workers = defaultBusWorkers
	}
	for i := 0; i < workers; i++ {
		b.wg.Add(1)
		go b.run()
	}
}

// Send implements Sender.
func (b *Bus) Send(ctx context.Context, req Request) <-chan Result {
	b.init()
	ctx, cancel := context.WithTimeout(ctx, b.Timeout)
	reply := make(chan Result, 1)
	p := pending{ctx: ctx, req: req, reply: make(chan Result, 1)}

	go func() {
		defer cancel()
		start := time.Now()
		res := b.roundTrip(p)
		if b.ObserveRoundTrip != nil {
			b.ObserveRoundTrip(req.Operation, time.Since(start), res.Err)
		}
		reply <- res
	}()
	return reply
}

func (b *Bus) roundTrip(p pending) Result {
	select {
	case <-b.stopCh:
		return Result{Err: ErrBusClosed}
	default:
	}
	select {
	case b.requests <- p:
	case <-p.ctx.Done():
		return Result{Err: p.ctx.Err()}
	case <-b.stopCh:
		return Result{Err: ErrBusClosed}
	}
	return b.await(p)
}

// await waits for the reply to an enqueued request. A request that lands in
// the channel after Drain emptied it is answered with ErrBusClosed.
func (b *Bus) await(p pending) Result {
	select {
	case res := <-p.reply:
		return res
	case <-p.ctx.Done():
		return Result{Err: p.ctx.Err()}
	case <-b.drained:
		select {
		case res := <-p.reply:
			return res
		default:
			return Result{Err: ErrBusClosed}
		}
	}
}

// Drain stops the workers after in-flight requests complete. Requests still
// queued are answered with ErrBusClosed. Returns false if timeout expired
// first.
func (b *Bus) Drain(timeout time.Duration) bool {
	b.init()
	b.stopOnce.Do(func() { close(b.stopCh) })
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		return false
	}
	for {
		select {
		case p := <-b.requests:
			p.reply <- Result{Err: ErrBusClosed}
		default:
			b.drainOnce.Do(func() { close(b.drained) })
			return true
		}
	}
}

func (b *Bus) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case p := <-b.requests:
			b.dispatch(p)
		}
	}
}

func (b *Bus) dispatch(p pending) {
	if err := p.ctx.Err(); err != nil {
		p.reply <- Result{Err: err}
		return
	}
	reply, err := b.Handler.Handle(p.ctx, p.req)
	if err != nil {
		b.Logger.Warn("engine_request_failed",
			slog.String("operation", string(p.req.Operation)),
			slog.Any("err", err),
		)
	}
	p.reply <- Result{Reply: reply, Err: err}
}
