package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBus_RoundTrip(t *testing.T) {
	var observed atomic.Int32
	bus := &Bus{
		Handler: HandlerFunc(func(_ context.Context, req Request) (Reply, error) {
			return OKReply(map[string]string{"echo": req.Payload.Queue}), nil
		}),
		Workers:          2,
		Logger:           quietLogger(),
		ObserveRoundTrip: func(Operation, time.Duration, error) { observed.Add(1) },
	}
	bus.Start()
	defer bus.Drain(time.Second)

	reply, err := Call(context.Background(), bus, Request{Operation: OpGetQueues, Payload: Payload{Queue: "q"}})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !reply.OK() || string(reply.Value) != `{"echo":"q"}` {
		t.Fatalf("unexpected reply %#v", reply)
	}
	if observed.Load() != 1 {
		t.Fatalf("expected one observed round trip, got %d", observed.Load())
	}
}

func TestBus_HandlerErrorIsResultError(t *testing.T) {
	boom := errors.New("redis down")
	bus := &Bus{
		Handler: HandlerFunc(func(context.Context, Request) (Reply, error) {
			return Reply{Status: StatusOK}, boom
		}),
		Logger: quietLogger(),
	}
	bus.Start()
	defer bus.Drain(time.Second)

	_, err := Call(context.Background(), bus, Request{Operation: OpGetQueues})
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
}

func TestBus_Timeout(t *testing.T) {
	bus := &Bus{
		Handler: HandlerFunc(func(ctx context.Context, _ Request) (Reply, error) {
			<-ctx.Done()
			return Reply{}, ctx.Err()
		}),
		Timeout: 20 * time.Millisecond,
		Logger:  quietLogger(),
	}
	bus.Start()
	defer bus.Drain(time.Second)

	_, err := Call(context.Background(), bus, Request{Operation: OpGetQueues})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestBus_SendDoesNotBlockWithoutWorkers(t *testing.T) {
	bus := &Bus{Handler: HandlerFunc(func(context.Context, Request) (Reply, error) { return OKReply(nil), nil }), Buffer: 1, Logger: quietLogger()}

	ctx, cancel := context.WithCancel(context.Background())
	chans := make([]<-chan Result, 0, 4)
	for i := 0; i < 4; i++ {
		chans = append(chans, bus.Send(ctx, Request{Operation: OpGetQueues}))
	}
	cancel()
	for _, ch := range chans {
		res := <-ch
		if !errors.Is(res.Err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", res.Err)
		}
	}
}

func TestBus_DrainRejectsNewRequests(t *testing.T) {
	bus := &Bus{Handler: HandlerFunc(func(context.Context, Request) (Reply, error) { return OKReply(nil), nil }), Logger: quietLogger()}
	bus.Start()
	if !bus.Drain(time.Second) {
		t.Fatalf("expected drain to finish")
	}
	_, err := Call(context.Background(), bus, Request{Operation: OpGetQueues})
	if !errors.Is(err, ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
}

func TestBus_RequestQueuedAfterDrainIsClosed(t *testing.T) {
	bus := &Bus{
		Handler: HandlerFunc(func(context.Context, Request) (Reply, error) { return OKReply(nil), nil }),
		Timeout: time.Minute,
		Logger:  quietLogger(),
	}
	bus.Start()
	if !bus.Drain(time.Second) {
		t.Fatalf("expected drain to finish")
	}

	// A sender that passed the stop check before Drain still lands its request.
	ctx, cancel := context.WithTimeout(context.Background(), bus.Timeout)
	defer cancel()
	p := pending{ctx: ctx, req: Request{Operation: OpGetQueues}, reply: make(chan Result, 1)}
	bus.requests <- p

	done := make(chan Result, 1)
	go func() { done <- bus.await(p) }()
	select {
	case res := <-done:
		if !errors.Is(res.Err, ErrBusClosed) {
			t.Fatalf("expected ErrBusClosed, got %v", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatalf("request queued after drain waited for the timeout")
	}
}

func TestBus_ConcurrentCallers(t *testing.T) {
	bus := &Bus{
		Handler: HandlerFunc(func(_ context.Context, req Request) (Reply, error) {
			return OKReply(req.Payload.Index), nil
		}),
		Workers: 4,
		Logger:  quietLogger(),
	}
	bus.Start()
	defer bus.Drain(time.Second)

	const callers = 50
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reply, err := Call(context.Background(), bus, Request{Operation: OpGetQueueItem, Payload: Payload{Index: i}})
			if err != nil {
				errs <- err
				return
			}
			var got int
			if err := reply.DecodeValue(&got); err != nil || got != i {
				errs <- errors.New("reply delivered to the wrong caller")
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}
