package scripts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

const testScript = "return redis.call('get', KEYS[1])\n"

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	s := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() {
		_ = c.Close()
		s.Close()
	})
	return s, c
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStore struct {
	mu        sync.Mutex
	present   map[string]bool
	loadHash  string
	existsErr error
	loadErr   error
	loads     int
}

func (f *fakeStore) ScriptExists(_ context.Context, hash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.existsErr != nil {
		return false, f.existsErr
	}
	return f.present[hash], nil
}

func (f *fakeStore) ScriptLoad(_ context.Context, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return "", f.loadErr
	}
	f.loads++
	h := f.loadHash
	if h == "" {
		h = Hash(text)
	}
	if f.present == nil {
		f.present = make(map[string]bool)
	}
	f.present[h] = true
	return h, nil
}

func TestEnsureLoaded_LoadsThenReusesPresence(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	var loads atomic.Int32
	cache := NewCache(NewRedisStore(client),
		WithLogger(quietLogger()),
		OnLoad(func(ID, string) { loads.Add(1) }),
	)
	cache.Register("get", testScript)

	var seen []string
	action := func(_ context.Context, hash string, depth int) error {
		require.Equal(t, 1, depth)
		seen = append(seen, hash)
		return nil
	}
	require.NoError(t, cache.EnsureLoaded(ctx, "get", action))
	require.NoError(t, cache.EnsureLoaded(ctx, "get", action))

	require.Equal(t, int32(1), loads.Load())
	require.Equal(t, []string{Hash(testScript), Hash(testScript)}, seen)

	exists, err := client.ScriptExists(ctx, Hash(testScript)).Result()
	require.NoError(t, err)
	require.Equal(t, []bool{true}, exists)
}

func TestEnsureLoaded_ReloadsAfterEviction(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()
	require.NoError(t, client.Set(ctx, "k", "v", 0).Err())

	var loads atomic.Int32
	cache := NewCache(NewRedisStore(client),
		WithLogger(quietLogger()),
		OnLoad(func(ID, string) { loads.Add(1) }),
	)
	cache.Register("get", testScript)

	run := func() any {
		var out any
		err := cache.EnsureLoaded(ctx, "get", func(ctx context.Context, hash string, _ int) error {
			res, err := EvalSha(ctx, client, hash, []string{"k"})
			out = res
			return err
		})
		require.NoError(t, err)
		return out
	}

	require.Equal(t, "v", run())
	require.NoError(t, client.ScriptFlush(ctx).Err())
	require.Equal(t, "v", run())
	require.Equal(t, int32(2), loads.Load())
}

func TestEnsureLoaded_AdoptsStoreHashOnMismatch(t *testing.T) {
	store := &fakeStore{loadHash: "feedface"}
	var mismatches []string
	cache := NewCache(store,
		WithLogger(quietLogger()),
		OnMismatch(func(_ ID, local, remote string) { mismatches = append(mismatches, local+"->"+remote) }),
	)
	d := cache.Register("x", testScript)

	var got string
	err := cache.EnsureLoaded(context.Background(), "x", func(_ context.Context, hash string, _ int) error {
		got = hash
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "feedface", got)
	require.Equal(t, "feedface", d.AuthoritativeHash())
	require.Equal(t, Hash(testScript), d.ContentHash())
	require.Equal(t, []string{Hash(testScript) + "->feedface"}, mismatches)

	// The adopted hash is what the store knows, so no second load happens.
	require.NoError(t, cache.EnsureLoaded(context.Background(), "x", func(context.Context, string, int) error { return nil }))
	require.Equal(t, 1, store.loads)
}

func TestEnsureLoaded_StoreFailureSkipsAction(t *testing.T) {
	for name, store := range map[string]*fakeStore{
		"exists": {existsErr: errors.New("connection refused")},
		"load":   {loadErr: errors.New("READONLY")},
	} {
		t.Run(name, func(t *testing.T) {
			cache := NewCache(store, WithLogger(quietLogger()))
			cache.Register("x", testScript)

			called := false
			err := cache.EnsureLoaded(context.Background(), "x", func(context.Context, string, int) error {
				called = true
				return nil
			})
			require.Error(t, err)
			require.False(t, called)

			var storeErr *StoreError
			require.ErrorAs(t, err, &storeErr)
			require.Equal(t, name, storeErr.Op)
		})
	}
}

func TestEnsureLoaded_RetryIsBounded(t *testing.T) {
	store := &fakeStore{}
	cache := NewCache(store, WithLogger(quietLogger()), WithMaxAttempts(3))
	cache.Register("x", testScript)

	var depths []int
	err := cache.EnsureLoaded(context.Background(), "x", func(_ context.Context, _ string, depth int) error {
		depths = append(depths, depth)
		return ErrNotCached
	})
	require.ErrorIs(t, err, ErrScriptLoadExhausted)
	require.Equal(t, []int{1, 2, 3}, depths)
}

func TestEnsureLoaded_ActionErrorIsReturned(t *testing.T) {
	cache := NewCache(&fakeStore{}, WithLogger(quietLogger()))
	cache.Register("x", testScript)

	boom := errors.New("boom")
	err := cache.EnsureLoaded(context.Background(), "x", func(context.Context, string, int) error { return boom })
	require.ErrorIs(t, err, boom)
}

func TestEnsureLoaded_UnknownScript(t *testing.T) {
	cache := NewCache(&fakeStore{}, WithLogger(quietLogger()))
	err := cache.EnsureLoaded(context.Background(), "missing", func(context.Context, string, int) error { return nil })
	require.ErrorIs(t, err, ErrUnknownScript)
}

func TestEnsureLoaded_ConcurrentCallersConverge(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	cache := NewCache(NewRedisStore(client), WithLogger(quietLogger()))
	d := cache.Register("get", testScript)

	const callers = 16
	hashes := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = cache.EnsureLoaded(ctx, "get", func(_ context.Context, hash string, _ int) error {
				hashes[i] = hash
				return nil
			})
		}(i)
	}
	wg.Wait()

	for i, h := range hashes {
		require.NoError(t, errs[i])
		require.Equal(t, d.AuthoritativeHash(), h)
	}
	exists, err := client.ScriptExists(ctx, d.AuthoritativeHash()).Result()
	require.NoError(t, err)
	require.Equal(t, []bool{true}, exists)
}

func TestEnsureLoaded_ConcurrentCallersAdoptStoreHash(t *testing.T) {
	store := &fakeStore{loadHash: "feedface"}
	cache := NewCache(store, WithLogger(quietLogger()))
	d := cache.Register("get", testScript)

	const callers = 16
	var runs atomic.Int32
	hashes := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = cache.EnsureLoaded(context.Background(), "get", func(_ context.Context, hash string, _ int) error {
				runs.Add(1)
				hashes[i] = hash
				return nil
			})
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(callers), runs.Load())
	for i, h := range hashes {
		require.NoError(t, errs[i])
		require.Equal(t, "feedface", h)
	}
	require.Equal(t, "feedface", d.AuthoritativeHash())
	require.Equal(t, Hash(testScript), d.ContentHash())

	store.mu.Lock()
	loads := store.loads
	store.mu.Unlock()
	require.GreaterOrEqual(t, loads, 1)
	require.LessOrEqual(t, loads, callers)
}

func TestReload_ResetsHashes(t *testing.T) {
	cache := NewCache(&fakeStore{loadHash: "feedface"}, WithLogger(quietLogger()))
	d := cache.Register("x", testScript)
	require.NoError(t, cache.EnsureLoaded(context.Background(), "x", func(context.Context, string, int) error { return nil }))
	require.Equal(t, "feedface", d.AuthoritativeHash())

	require.NoError(t, cache.Reload("x", "return 1\n"))
	require.Equal(t, "return 1\n", d.Text())
	require.Equal(t, Hash("return 1\n"), d.ContentHash())
	require.Equal(t, Hash("return 1\n"), d.AuthoritativeHash())

	require.ErrorIs(t, cache.Reload("nope", ""), ErrUnknownScript)
}

func TestCompose(t *testing.T) {
	src := "local a = 1\nredis.log(redis.LOG_NOTICE, 'a')\nreturn a"
	require.Equal(t, "local a = 1\nreturn a\n", Compose(src, false))
	require.Equal(t, src+"\n", Compose(src, true))
	require.Equal(t, Compose(src+"\n", false), Compose(src, false))
}
