package scripts

import (
	"context"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStore answers script presence and loads through a go-redis client.
type RedisStore struct {
	client redis.Scripter
}

func NewRedisStore(client redis.Scripter) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) ScriptExists(ctx context.Context, hash string) (bool, error) {
	res, err := s.client.ScriptExists(ctx, hash).Result()
	if err != nil {
		return false, err
	}
	if len(res) != 1 {
		return false, errors.New("scripts: unexpected SCRIPT EXISTS reply")
	}
	return res[0], nil
}

func (s *RedisStore) ScriptLoad(ctx context.Context, text string) (string, error) {
	return s.client.ScriptLoad(ctx, text).Result()
}

// EvalSha runs the script addressed by hash. A NOSCRIPT reply is reported as
// ErrNotCached so EnsureLoaded can reload and retry.
func EvalSha(ctx context.Context, client redis.Scripter, hash string, keys []string, args ...any) (any, error) {
	res, err := client.EvalSha(ctx, hash, keys, args...).Result()
	if err != nil && IsNoScript(err) {
		return nil, ErrNotCached
	}
	return res, err
}

func IsNoScript(err error) bool {
	return err != nil && redis.HasErrorPrefix(err, "NOSCRIPT")
}

// Compose prepares script source for loading. Unless verbose is set, lines
// calling redis.log are dropped. Every line is newline terminated so the
// hash is stable regardless of the source's trailing newline.
func Compose(source string, verbose bool) string {
	var b strings.Builder
	b.Grow(len(source) + 1)
	for _, line := range strings.Split(strings.TrimRight(source, "\n"), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if !verbose && strings.Contains(line, "redis.log(") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
