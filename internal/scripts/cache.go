package scripts

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

const DefaultMaxAttempts = 3

var (
	ErrUnknownScript = errors.New("scripts: unknown script")
	// ErrNotCached is returned by an Action when the store rejected the hash
	// (the script was evicted between the existence check and the call).
	ErrNotCached = errors.New("scripts: script not cached by store")
	// ErrScriptLoadExhausted is returned once MaxAttempts actions in a row
	// reported ErrNotCached.
	ErrScriptLoadExhausted = errors.New("scripts: script load attempts exhausted")
)

// ID names a script the engine depends on.
type ID string

// Store is the remote side that caches scripts by content hash.
type Store interface {
	ScriptExists(ctx context.Context, hash string) (bool, error)
	ScriptLoad(ctx context.Context, text string) (string, error)
}

// Action runs the dependent command with the hash to address the script by.
// depth counts the attempts made by the enclosing EnsureLoaded call.
type Action func(ctx context.Context, hash string, depth int) error

type StoreError struct {
	Script ID
	Op     string
	Err    error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("scripts: %s %s: %v", e.Op, e.Script, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

type Descriptor struct {
	id ID

	mu            sync.RWMutex
	text          string
	contentHash   string
	authoritative string
}

func newDescriptor(id ID, text string) *Descriptor {
	h := Hash(text)
	return &Descriptor{id: id, text: text, contentHash: h, authoritative: h}
}

func (d *Descriptor) ID() ID { return d.id }

func (d *Descriptor) Text() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.text
}

func (d *Descriptor) ContentHash() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.contentHash
}

// AuthoritativeHash is the hash dependent commands must use.
func (d *Descriptor) AuthoritativeHash() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.authoritative
}

func (d *Descriptor) snapshot() (text, hash string) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.text, d.authoritative
}

// adopt overwrites the authoritative hash with the store's answer. A reload
// that happened while the load was in flight wins.
func (d *Descriptor) adopt(loadedText, hash string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.text != loadedText {
		return
	}
	d.authoritative = hash
}

// Hash is the sha1 hex digest Redis uses to address script text.
func Hash(text string) string {
	sum := sha1.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}

type Option func(*Cache)

func WithMaxAttempts(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// OnLoad is called after every successful load into the store.
func OnLoad(fn func(id ID, hash string)) Option {
	return func(c *Cache) { c.onLoad = fn }
}

// OnMismatch is called when the store answers a load with a hash that differs
// from the locally computed one.
func OnMismatch(fn func(id ID, local, remote string)) Option {
	return func(c *Cache) { c.onMismatch = fn }
}

// Cache makes sure scripts are resolvable by hash in the store before a
// dependent command runs.
type Cache struct {
	store       Store
	maxAttempts int
	logger      *slog.Logger
	onLoad      func(id ID, hash string)
	onMismatch  func(id ID, local, remote string)

	mu      sync.RWMutex
	scripts map[ID]*Descriptor
}

func NewCache(store Store, opts ...Option) *Cache {
	c := &Cache{
		store:       store,
		maxAttempts: DefaultMaxAttempts,
		logger:      slog.Default(),
		scripts:     make(map[ID]*Descriptor),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Register adds (or replaces) the script text for id.
func (c *Cache) Register(id ID, text string) *Descriptor {
	d := newDescriptor(id, text)
	c.mu.Lock()
	c.scripts[id] = d
	c.mu.Unlock()
	c.logger.Info("script_registered", slog.String("script", string(id)), slog.String("sha", d.contentHash))
	return d
}

// Reload swaps in new text for a registered script and recomputes its hash.
func (c *Cache) Reload(id ID, text string) error {
	d, err := c.Descriptor(id)
	if err != nil {
		return err
	}
	h := Hash(text)
	d.mu.Lock()
	changed := d.text != text
	d.text = text
	d.contentHash = h
	d.authoritative = h
	d.mu.Unlock()
	if changed {
		c.logger.Info("script_reloaded", slog.String("script", string(id)), slog.String("sha", h))
	}
	return nil
}

func (c *Cache) Descriptor(id ID) (*Descriptor, error) {
	c.mu.RLock()
	d, ok := c.scripts[id]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScript, id)
	}
	return d, nil
}

// EnsureLoaded verifies the script exists in the store (loading it when it
// does not) and then runs action with the authoritative hash. Presence is
// re-verified on every call since the store may evict independently of this
// process. Store failures abort without running action. When action reports
// ErrNotCached the sequence is retried up to the configured attempt limit.
func (c *Cache) EnsureLoaded(ctx context.Context, id ID, action Action) error {
	d, err := c.Descriptor(id)
	if err != nil {
		return err
	}

	for depth := 0; depth < c.maxAttempts; depth++ {
		hash, err := c.resolve(ctx, d)
		if err != nil {
			return err
		}
		err = action(ctx, hash, depth+1)
		if !errors.Is(err, ErrNotCached) {
			return err
		}
		c.logger.Warn("script_evicted",
			slog.String("script", string(id)),
			slog.String("sha", hash),
			slog.Int("depth", depth+1),
		)
	}
	return fmt.Errorf("%w: %s after %d attempts", ErrScriptLoadExhausted, id, c.maxAttempts)
}

func (c *Cache) resolve(ctx context.Context, d *Descriptor) (string, error) {
	text, hash := d.snapshot()

	exists, err := c.store.ScriptExists(ctx, hash)
	if err != nil {
		c.logger.Error("script_exists_failed", slog.String("script", string(d.id)), slog.Any("err", err))
		return "", &StoreError{Script: d.id, Op: "exists", Err: err}
	}
	if exists {
		c.logger.Debug("script_present", slog.String("script", string(d.id)), slog.String("sha", hash))
		return hash, nil
	}

	c.logger.Info("script_loading", slog.String("script", string(d.id)))
	loaded, err := c.store.ScriptLoad(ctx, text)
	if err != nil {
		c.logger.Error("script_load_failed", slog.String("script", string(d.id)), slog.Any("err", err))
		return "", &StoreError{Script: d.id, Op: "load", Err: err}
	}
	if local := Hash(text); loaded != local {
		c.logger.Warn("script_hash_mismatch",
			slog.String("script", string(d.id)),
			slog.String("local_sha", local),
			slog.String("store_sha", loaded),
		)
		if c.onMismatch != nil {
			c.onMismatch(d.id, local, loaded)
		}
	}
	d.adopt(text, loaded)
	if c.onLoad != nil {
		c.onLoad(d.id, loaded)
	}
	return loaded, nil
}
