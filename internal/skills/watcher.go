package skills

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 150 * time.Millisecond

// Watcher emits one event when any skill source changes. It watches the
// root dirs, their immediate skill dirs, and the conventional
// scripts/references/assets subdirs.
type Watcher struct {
	dirs   []string
	logger *slog.Logger
	events chan struct{}
}

func NewWatcher(dirs []string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	kept := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if strings.TrimSpace(d) != "" {
			kept = append(kept, d)
		}
	}
	return &Watcher{
		dirs:   kept,
		logger: logger,
		events: make(chan struct{}, 1),
	}
}

func (w *Watcher) Events() <-chan struct{} {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new fsnotify watcher: %w", err)
	}

	for _, dir := range w.dirs {
		w.addRoot(fsw, dir)
	}

	go w.run(ctx, fsw)
	return nil
}

func (w *Watcher) addRoot(fsw *fsnotify.Watcher, dir string) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		w.logger.Warn("skills watcher resolve failed", "dir", dir, "error", err)
		return
	}
	if err := fsw.Add(abs); err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("skills watcher add failed", "dir", abs, "error", err)
		}
		return
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return
	}
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		child := filepath.Join(abs, ent.Name())
		_ = fsw.Add(child)
		for _, sub := range []string{"scripts", "references", "assets"} {
			subDir := filepath.Join(child, sub)
			if fi, err := os.Stat(subDir); err == nil && fi.IsDir() {
				_ = fsw.Add(subDir)
			}
		}
	}
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer func() {
		_ = fsw.Close()
		close(w.events)
	}()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			createdDir := false
			if ev.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					createdDir = true
					_ = fsw.Add(ev.Name)
				}
			}
			if !relevantPath(ev.Name) && !createdDir {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(watchDebounce)
			}
			timerC = timer.C

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("skills watcher error", "error", err)

		case <-timerC:
			timerC = nil
			select {
			case w.events <- struct{}{}:
			default:
			}
		}
	}
}

func relevantPath(name string) bool {
	sep := string(filepath.Separator)
	return filepath.Base(name) == "SKILL.md" ||
		strings.Contains(name, sep+"scripts"+sep) ||
		strings.Contains(name, sep+"references"+sep) ||
		strings.Contains(name, sep+"assets"+sep)
}
