package engine

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/tidwall/gjson"

	"github.com/nuetzliches/quegate/internal/scripts"
)

const (
	DefaultKeyPrefix = "redisques:"

	ScriptLockedEnqueue   scripts.ID = "locked_enqueue"
	ScriptDeleteQueueItem scripts.ID = "delete_queue_item"

	configProcessorDelayMax = "processorDelayMax"
)

//go:embed lua/*.lua
var luaFS embed.FS

// ScriptSource returns the built-in source of a script.
func ScriptSource(id scripts.ID) (string, error) {
	b, err := luaFS.ReadFile("lua/" + string(id) + ".lua")
	if err != nil {
		return "", fmt.Errorf("%w: %s", scripts.ErrUnknownScript, id)
	}
	return string(b), nil
}

// ScriptIDs lists every script the engine depends on.
func ScriptIDs() []scripts.ID {
	return []scripts.ID{ScriptLockedEnqueue, ScriptDeleteQueueItem}
}

type Lock struct {
	RequestedBy string `json:"requestedBy"`
	Timestamp   int64  `json:"timestamp"`
}

type RedisOption func(*RedisEngine)

func WithKeyPrefix(prefix string) RedisOption {
	return func(e *RedisEngine) {
		if prefix != "" {
			e.prefix = prefix
		}
	}
}

func WithLogger(logger *slog.Logger) RedisOption {
	return func(e *RedisEngine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithClock(now func() time.Time) RedisOption {
	return func(e *RedisEngine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithVerboseScripts keeps redis.log lines in the loaded scripts.
func WithVerboseScripts(verbose bool) RedisOption {
	return func(e *RedisEngine) { e.verboseScripts = verbose }
}

func WithProcessorDelayMax(ms int64) RedisOption {
	return func(e *RedisEngine) {
		if ms >= 0 {
			e.processorDelayMax = ms
		}
	}
}

// RedisEngine serves engine requests from Redis using the redisques key
// layout: one list per queue, a sorted set registry of queue names scored by
// last activity and a hash of locks keyed by queue name.
type RedisEngine struct {
	client         redis.UniversalClient
	scripts        *scripts.Cache
	prefix         string
	logger         *slog.Logger
	now            func() time.Time
	verboseScripts bool

	mu                sync.RWMutex
	processorDelayMax int64
}

// NewRedisEngine registers the engine scripts with cache.
func NewRedisEngine(client redis.UniversalClient, cache *scripts.Cache, opts ...RedisOption) (*RedisEngine, error) {
	e := &RedisEngine{
		client:  client,
		scripts: cache,
		prefix:  DefaultKeyPrefix,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	for _, id := range ScriptIDs() {
		src, err := ScriptSource(id)
		if err != nil {
			return nil, err
		}
		cache.Register(id, scripts.Compose(src, e.verboseScripts))
	}
	return e, nil
}

// VerboseScripts reports whether scripts keep their log lines.
func (e *RedisEngine) VerboseScripts() bool { return e.verboseScripts }

func (e *RedisEngine) queueKey(name string) string { return e.prefix + "queues:" + name }
func (e *RedisEngine) registryKey() string       { return e.prefix + "queues" }
func (e *RedisEngine) locksKey() string          { return e.prefix + "locks" }

// Handle implements Handler. Store failures are returned as errors; request
// problems are reported in the reply.
func (e *RedisEngine) Handle(ctx context.Context, req Request) (Reply, error) {
	p := req.Payload
	switch req.Operation {
	case OpGetConfiguration:
		return e.getConfiguration(), nil
	case OpSetConfiguration:
		return e.setConfiguration(p.Config), nil
	case OpEnqueue, OpAddQueueItem:
		return e.enqueue(ctx, p)
	case OpLockedEnqueue:
		return e.lockedEnqueue(ctx, p)
	case OpGetQueues:
		return e.getQueues(ctx, p, false)
	case OpGetQueuesCount:
		return e.getQueues(ctx, p, true)
	case OpGetQueueItems:
		return e.getQueueItems(ctx, p)
	case OpGetQueueItemsCount:
		n, err := e.client.LLen(ctx, e.queueKey(p.Queue)).Result()
		if err != nil {
			return Reply{}, err
		}
		return OKReply(n), nil
	case OpDeleteAllQueueItems:
		return e.deleteAllQueueItems(ctx, p)
	case OpBulkDeleteQueues:
		return e.bulkDeleteQueues(ctx, p)
	case OpGetQueueItem:
		return e.getQueueItem(ctx, p)
	case OpReplaceQueueItem:
		return e.replaceQueueItem(ctx, p)
	case OpDeleteQueueItem:
		return e.deleteQueueItem(ctx, p)
	case OpGetLock:
		return e.getLock(ctx, p)
	case OpPutLock:
		return e.putLocks(ctx, []string{p.Queue}, p.RequestedBy)
	case OpBulkPutLocks:
		if len(p.Locks) == 0 {
			return BadInputReply("No locks to put provided"), nil
		}
		return e.putLocks(ctx, p.Locks, p.RequestedBy)
	case OpGetAllLocks:
		return e.getAllLocks(ctx, p)
	case OpDeleteLock:
		if err := e.client.HDel(ctx, e.locksKey(), p.Queue).Err(); err != nil {
			return Reply{}, err
		}
		return OKReply(nil), nil
	case OpBulkDeleteLocks:
		if len(p.Locks) == 0 {
			return BadInputReply("No locks to delete provided"), nil
		}
		n, err := e.client.HDel(ctx, e.locksKey(), p.Locks...).Result()
		if err != nil {
			return Reply{}, err
		}
		return OKReply(n), nil
	case OpDeleteAllLocks:
		return e.deleteAllLocks(ctx)
	default:
		return Reply{}, fmt.Errorf("%w: %q", ErrUnknownOp, req.Operation)
	}
}

func (e *RedisEngine) getConfiguration() Reply {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return OKReply(map[string]int64{configProcessorDelayMax: e.processorDelayMax})
}

func (e *RedisEngine) setConfiguration(raw json.RawMessage) Reply {
	if len(raw) == 0 || !isJSONObject(raw) {
		return BadInputReply("Configuration values must be a json object")
	}
	values := gjson.ParseBytes(raw).Map()
	if len(values) == 0 {
		return BadInputReply("No configuration values provided")
	}
	var unsupported []string
	for key := range values {
		if key != configProcessorDelayMax {
			unsupported = append(unsupported, key)
		}
	}
	if len(unsupported) > 0 {
		return BadInputReply(fmt.Sprintf("Not supported configuration values received: %v", unsupported))
	}
	v := values[configProcessorDelayMax]
	if v.Type != gjson.Number || v.Num < 0 || v.Num != float64(int64(v.Num)) {
		return BadInputReply("Value for configuration property '" + configProcessorDelayMax + "' must be a non-negative integer")
	}

	e.mu.Lock()
	e.processorDelayMax = int64(v.Num)
	e.mu.Unlock()
	e.logger.Info("engine_configuration_updated", slog.Int64(configProcessorDelayMax, int64(v.Num)))
	return OKReply(nil)
}

func (e *RedisEngine) enqueue(ctx context.Context, p Payload) (Reply, error) {
	if !isJSONObject([]byte(p.Buffer)) {
		return BadInputReply("Buffer must be a json object"), nil
	}
	_, err := e.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, e.queueKey(p.Queue), p.Buffer)
		pipe.ZAdd(ctx, e.registryKey(), redis.Z{Score: float64(e.now().UnixMilli()), Member: p.Queue})
		return nil
	})
	if err != nil {
		return Reply{}, err
	}
	return OKReply(nil), nil
}

func (e *RedisEngine) lockedEnqueue(ctx context.Context, p Payload) (Reply, error) {
	if !isJSONObject([]byte(p.Buffer)) {
		return BadInputReply("Buffer must be a json object"), nil
	}
	if p.RequestedBy == "" {
		return BadInputReply("Lock owner must be provided"), nil
	}
	now := e.now().UnixMilli()
	lock, err := json.Marshal(Lock{RequestedBy: p.RequestedBy, Timestamp: now})
	if err != nil {
		return Reply{}, err
	}
	keys := []string{e.locksKey(), e.queueKey(p.Queue), e.registryKey()}
	err = e.scripts.EnsureLoaded(ctx, ScriptLockedEnqueue, func(ctx context.Context, hash string, _ int) error {
		_, err := scripts.EvalSha(ctx, e.client, hash, keys, p.Queue, string(lock), p.Buffer, now)
		return err
	})
	if err != nil {
		return Reply{}, err
	}
	return OKReply(nil), nil
}

type queuesValue struct {
	Queues []string `json:"queues"`
}

func (e *RedisEngine) getQueues(ctx context.Context, p Payload, count bool) (Reply, error) {
	filter, err := compileFilter(p.Filter)
	if err != nil {
		return BadInputReply(err.Error()), nil
	}
	names, err := e.client.ZRange(ctx, e.registryKey(), 0, -1).Result()
	if err != nil {
		return Reply{}, err
	}
	names = filterNames(names, filter)
	if count {
		return OKReply(len(names)), nil
	}
	return OKReply(queuesValue{Queues: names}), nil
}

func (e *RedisEngine) getQueueItems(ctx context.Context, p Payload) (Reply, error) {
	stop := int64(-1)
	if p.Limit != "" {
		n, err := strconv.ParseInt(p.Limit, 10, 64)
		switch {
		case err != nil:
			e.logger.Warn("engine_non_numeric_limit", slog.String("limit", p.Limit))
		case n > 0:
			stop = n - 1
		}
	}
	items, err := e.client.LRange(ctx, e.queueKey(p.Queue), 0, stop).Result()
	if err != nil {
		return Reply{}, err
	}
	if items == nil {
		items = []string{}
	}
	return OKReply(items), nil
}

func (e *RedisEngine) deleteAllQueueItems(ctx context.Context, p Payload) (Reply, error) {
	var deleted *redis.IntCmd
	_, err := e.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, e.queueKey(p.Queue))
		pipe.ZRem(ctx, e.registryKey(), p.Queue)
		if p.Unlock {
			pipe.HDel(ctx, e.locksKey(), p.Queue)
		}
		return nil
	})
	if err != nil {
		return Reply{}, err
	}
	return OKReply(deleted.Val()), nil
}

func (e *RedisEngine) bulkDeleteQueues(ctx context.Context, p Payload) (Reply, error) {
	if len(p.Queues) == 0 {
		return BadInputReply("No queues to delete provided"), nil
	}
	keys := make([]string, 0, len(p.Queues))
	members := make([]any, 0, len(p.Queues))
	for _, q := range p.Queues {
		keys = append(keys, e.queueKey(q))
		members = append(members, q)
	}
	var deleted *redis.IntCmd
	_, err := e.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, e.registryKey(), members...)
		return nil
	})
	if err != nil {
		return Reply{}, err
	}
	return OKReply(deleted.Val()), nil
}

func (e *RedisEngine) getQueueItem(ctx context.Context, p Payload) (Reply, error) {
	item, err := e.client.LIndex(ctx, e.queueKey(p.Queue), int64(p.Index)).Result()
	if errors.Is(err, redis.Nil) {
		return ErrorReply("Not Found"), nil
	}
	if err != nil {
		return Reply{}, err
	}
	return OKReply(item), nil
}

func (e *RedisEngine) replaceQueueItem(ctx context.Context, p Payload) (Reply, error) {
	if !isJSONObject([]byte(p.Buffer)) {
		return BadInputReply("Buffer must be a json object"), nil
	}
	err := e.client.LSet(ctx, e.queueKey(p.Queue), int64(p.Index), p.Buffer).Err()
	if err != nil {
		// LSET answers "no such key" or "index out of range" for a missing item.
		var rErr redis.Error
		if errors.As(err, &rErr) {
			return ErrorReply(err.Error()), nil
		}
		return Reply{}, err
	}
	return OKReply(nil), nil
}

func (e *RedisEngine) deleteQueueItem(ctx context.Context, p Payload) (Reply, error) {
	var removed int64
	marker := "quegate-deleted-" + uuid.NewString()
	err := e.scripts.EnsureLoaded(ctx, ScriptDeleteQueueItem, func(ctx context.Context, hash string, _ int) error {
		res, err := scripts.EvalSha(ctx, e.client, hash, []string{e.queueKey(p.Queue)}, p.Index, marker)
		if err != nil {
			return err
		}
		n, ok := res.(int64)
		if !ok {
			return fmt.Errorf("%w: %T from %s", ErrMalformedReply, res, ScriptDeleteQueueItem)
		}
		removed = n
		return nil
	})
	if err != nil {
		return Reply{}, err
	}
	if removed == 0 {
		return ErrorReply("Not Found"), nil
	}
	return OKReply(nil), nil
}

func (e *RedisEngine) getLock(ctx context.Context, p Payload) (Reply, error) {
	lock, err := e.client.HGet(ctx, e.locksKey(), p.Queue).Result()
	if errors.Is(err, redis.Nil) {
		return NoSuchLockReply(), nil
	}
	if err != nil {
		return Reply{}, err
	}
	return OKReply(lock), nil
}

func (e *RedisEngine) putLocks(ctx context.Context, queues []string, requestedBy string) (Reply, error) {
	if requestedBy == "" {
		return BadInputReply("Lock owner must be provided"), nil
	}
	lock, err := json.Marshal(Lock{RequestedBy: requestedBy, Timestamp: e.now().UnixMilli()})
	if err != nil {
		return Reply{}, err
	}
	values := make([]any, 0, 2*len(queues))
	for _, q := range queues {
		if q == "" {
			return BadInputReply("Lock names must not be empty"), nil
		}
		values = append(values, q, string(lock))
	}
	if err := e.client.HSet(ctx, e.locksKey(), values...).Err(); err != nil {
		return Reply{}, err
	}
	return OKReply(nil), nil
}

type locksValue struct {
	Locks []string `json:"locks"`
}

func (e *RedisEngine) getAllLocks(ctx context.Context, p Payload) (Reply, error) {
	filter, err := compileFilter(p.Filter)
	if err != nil {
		return BadInputReply(err.Error()), nil
	}
	names, err := e.client.HKeys(ctx, e.locksKey()).Result()
	if err != nil {
		return Reply{}, err
	}
	return OKReply(locksValue{Locks: filterNames(names, filter)}), nil
}

func (e *RedisEngine) deleteAllLocks(ctx context.Context) (Reply, error) {
	var count *redis.IntCmd
	_, err := e.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		count = pipe.HLen(ctx, e.locksKey())
		pipe.Del(ctx, e.locksKey())
		return nil
	})
	if err != nil {
		return Reply{}, err
	}
	return OKReply(count.Val()), nil
}

func compileFilter(filter string) (*regexp.Regexp, error) {
	if filter == "" {
		return nil, nil
	}
	re, err := regexp.Compile(filter)
	if err != nil {
		return nil, fmt.Errorf("Error while compile regex pattern. Cause: %v", err)
	}
	return re, nil
}

func filterNames(names []string, filter *regexp.Regexp) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if filter == nil || filter.MatchString(n) {
			out = append(out, n)
		}
	}
	return out
}

func isJSONObject(b []byte) bool {
	return gjson.ValidBytes(b) && gjson.ParseBytes(b).IsObject()
}
