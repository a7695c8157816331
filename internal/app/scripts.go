package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nuetzliches/quegate/internal/engine"
	"github.com/nuetzliches/quegate/internal/scripts"
)

const scriptWatchDebounce = 200 * time.Millisecond

// loadScriptSources returns the source of every engine script. A file named
// <id>.lua in dir overrides the built-in source.
func loadScriptSources(dir string) (map[scripts.ID]string, error) {
	out := make(map[scripts.ID]string, len(engine.ScriptIDs()))
	for _, id := range engine.ScriptIDs() {
		if dir != "" {
			b, err := os.ReadFile(filepath.Join(dir, string(id)+".lua"))
			if err == nil {
				out[id] = string(b)
				continue
			}
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read script %s: %w", id, err)
			}
		}
		src, err := engine.ScriptSource(id)
		if err != nil {
			return nil, err
		}
		out[id] = src
	}
	return out, nil
}

// reloadScripts swaps the cached script texts for the current sources. The
// cache is left untouched when any source cannot be read.
func reloadScripts(cache *scripts.Cache, dir string, verbose bool, logger *slog.Logger) error {
	sources, err := loadScriptSources(dir)
	if err != nil {
		return err
	}
	for id, src := range sources {
		if err := cache.Reload(id, scripts.Compose(src, verbose)); err != nil {
			return err
		}
	}
	if logger != nil {
		logger.Debug("scripts_applied", slog.String("dir", dir), slog.Int("count", len(sources)))
	}
	return nil
}

func watchScripts(ctx context.Context, dir string, logger *slog.Logger, reload func()) {
	if logger == nil {
		logger = slog.Default()
	}
	if reload == nil {
		return
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("watch_disabled", slog.Any("err", err))
		return
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		logger.Warn("watch_disabled", slog.Any("err", err))
		return
	}
	logger.Info("watching_scripts", slog.String("dir", dir))

	var timer *time.Timer
	var timerCh <-chan time.Time
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(scriptWatchDebounce)
		} else {
			timer.Stop()
			timer.Reset(scriptWatchDebounce)
		}
		timerCh = timer.C
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, ".lua") {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			schedule()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Warn("watch_error", slog.Any("err", err))
		case <-timerCh:
			timerCh = nil
			reload()
		}
	}
}
