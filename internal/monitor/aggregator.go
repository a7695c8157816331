package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/semaphore"
)

const DefaultBranchTimeout = 5 * time.Second

var ErrBranchTimeout = errors.New("monitor: queue size query timed out")

// CountFunc reports how many items the named queue holds.
type CountFunc func(ctx context.Context, queue string) (int64, error)

type Request struct {
	QueueNames []string
	// Limit caps the number of entries returned; zero or less means unbounded.
	Limit        int
	IncludeEmpty bool
}

type QueueSize struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

type Option func(*Aggregator)

func WithBranchTimeout(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.branchTimeout = d
		}
	}
}

// WithMaxConcurrency bounds the number of in-flight queue size queries.
func WithMaxConcurrency(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.maxConcurrency = int64(n)
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithBranchObserver is called once per settled branch.
func WithBranchObserver(fn func(queue string, err error)) Option {
	return func(a *Aggregator) { a.onBranch = fn }
}

type Aggregator struct {
	count          CountFunc
	branchTimeout  time.Duration
	maxConcurrency int64
	logger         *slog.Logger
	onBranch       func(queue string, err error)
}

func NewAggregator(count CountFunc, opts ...Option) *Aggregator {
	a := &Aggregator{
		count:         count,
		branchTimeout: DefaultBranchTimeout,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

type branchResult struct {
	name  string
	count int64
	err   error
}

// accumulator is owned by the collecting goroutine only.
type accumulator struct {
	pending      int
	includeEmpty bool
	results      map[string]int64
}

// settle records one branch and reports whether it was the last one.
func (acc *accumulator) settle(r branchResult) bool {
	acc.pending--
	if r.err == nil && (acc.includeEmpty || r.count > 0) {
		acc.results[r.name] = r.count
	}
	return acc.pending == 0
}

// Collect queries every named queue concurrently and returns the sizes
// ordered by size descending, name ascending on ties, truncated to the
// request limit. A failed or timed out query only drops that queue from the
// result. If ctx ends first, the outstanding queries are cancelled and
// awaited before ctx.Err() is returned.
func (a *Aggregator) Collect(ctx context.Context, req Request) ([]QueueSize, error) {
	names := dedupe(req.QueueNames)
	if len(names) == 0 {
		return []QueueSize{}, nil
	}

	var sem *semaphore.Weighted
	if a.maxConcurrency > 0 {
		sem = semaphore.NewWeighted(a.maxConcurrency)
	}

	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	replies := make(chan branchResult, len(names))
	for _, name := range names {
		go func(name string) {
			replies <- a.queryBranch(branchCtx, sem, name)
		}(name)
	}

	acc := &accumulator{
		pending:      len(names),
		includeEmpty: req.IncludeEmpty,
		results:      make(map[string]int64, len(names)),
	}
	for r := range replies {
		if r.err != nil {
			a.logger.Warn("monitor_branch_failed", slog.String("queue", r.name), slog.Any("err", r.err))
		}
		if a.onBranch != nil {
			a.onBranch(r.name, r.err)
		}
		if acc.settle(r) {
			break
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return order(acc.results, req.Limit), nil
}

func (a *Aggregator) queryBranch(ctx context.Context, sem *semaphore.Weighted, name string) branchResult {
	if sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			return branchResult{name: name, err: err}
		}
		defer sem.Release(1)
	}

	ctx, cancel := context.WithTimeoutCause(ctx, a.branchTimeout, ErrBranchTimeout)
	defer cancel()

	type reply struct {
		count int64
		err   error
	}
	done := make(chan reply, 1)
	go func() {
		n, err := a.count(ctx, name)
		done <- reply{count: n, err: err}
	}()

	select {
	case r := <-done:
		return branchResult{name: name, count: r.count, err: r.err}
	case <-ctx.Done():
		return branchResult{name: name, err: context.Cause(ctx)}
	}
}

func order(results map[string]int64, limit int) []QueueSize {
	out := make([]QueueSize, 0, len(results))
	for name, size := range results {
		out = append(out, QueueSize{Name: name, Size: size})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	sort.SliceStable(out, func(i, j int) bool { return out[i].Size > out[j].Size })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
