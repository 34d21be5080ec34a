package watcher

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

type EventType string

const (
	Appeared   EventType = "appeared"
	Grew       EventType = "grew"
	Stabilized EventType = "stabilized"
	Removed    EventType = "removed"
)

type Event struct {
	Type    EventType
	Path    string
	Size    int64
	ModTime time.Time
	At      time.Time
}

type Options struct {
	// Window is the inactivity duration after which an unchanged file is
	// declared stabilized.
	Window time.Duration
	// SweepInterval bounds how often candidates are re-checked.
	SweepInterval time.Duration
	// RescanInterval bounds the periodic full-tree walk that picks up files
	// whose notifications were missed.
	RescanInterval time.Duration
	// Extensions filters watched files (".flv"). Empty means every file.
	Extensions []string
}

type candidate struct {
	size       int64
	modTime    time.Time
	lastChange time.Time
}

// Watcher turns raw filesystem activity under a root directory into a stream
// of per-file lifecycle events. A file is Stabilized exactly once per quiet
// period: emission is suppressed until size and mtime have been unchanged for
// the full window, and a stabilized path is never re-emitted unless it grows
// again afterwards.
type Watcher struct {
	root   string
	opts   Options
	exts   map[string]struct{}
	events chan Event

	candidates map[string]*candidate
	emitted    map[string]struct{}
}

func New(root string, opts Options) *Watcher {
	if opts.Window <= 0 {
		opts.Window = 30 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Second
	}
	if opts.RescanInterval <= 0 {
		opts.RescanInterval = 5 * time.Minute
	}
	exts := map[string]struct{}{}
	for _, e := range opts.Extensions {
		exts[strings.ToLower(e)] = struct{}{}
	}
	return &Watcher{
		root:       root,
		opts:       opts,
		exts:       exts,
		events:     make(chan Event, 256),
		candidates: map[string]*candidate{},
		emitted:    map[string]struct{}{},
	}
}

func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Run blocks until ctx is cancelled. All candidate state is owned by this
// goroutine; no locking is needed.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := w.scanTree(ctx, fsw); err != nil {
		return err
	}

	sweep := time.NewTicker(w.opts.SweepInterval)
	defer sweep.Stop()
	rescan := time.NewTicker(w.opts.RescanInterval)
	defer rescan.Stop()

	for {
		select {
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleFsEvent(ctx, fsw, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			zerolog.Ctx(ctx).Warn().Err(err).Msg("watch error")
		case <-sweep.C:
			w.sweepOnce(ctx)
		case <-rescan.C:
			if err := w.scanTree(ctx, fsw); err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Msg("rescan failed")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Watcher) handleFsEvent(ctx context.Context, fsw *fsnotify.Watcher, ev fsnotify.Event) {
	switch {
	case ev.Has(fsnotify.Create):
		info, err := os.Stat(ev.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if err := w.watchDir(ctx, fsw, ev.Name); err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Str("dir", ev.Name).Msg("failed to watch new directory")
			}
			return
		}
		w.touch(ctx, ev.Name, info)
	case ev.Has(fsnotify.Write):
		info, err := os.Stat(ev.Name)
		if err != nil || info.IsDir() {
			return
		}
		w.touch(ctx, ev.Name, info)
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		w.drop(ctx, ev.Name)
	}
}

// touch records observed size/mtime for a file and resets its quiet timer
// whenever they changed.
func (w *Watcher) touch(ctx context.Context, path string, info fs.FileInfo) {
	if !w.watched(path) {
		return
	}
	now := time.Now()
	if c, ok := w.candidates[path]; ok {
		if c.size != info.Size() || !c.modTime.Equal(info.ModTime()) {
			c.size = info.Size()
			c.modTime = info.ModTime()
			c.lastChange = now
			w.emit(ctx, Event{Type: Grew, Path: path, Size: c.size, ModTime: c.modTime, At: now})
		}
		return
	}
	if _, done := w.emitted[path]; done {
		// Renewed growth after a stabilization starts a fresh cycle.
		delete(w.emitted, path)
		w.candidates[path] = &candidate{size: info.Size(), modTime: info.ModTime(), lastChange: now}
		w.emit(ctx, Event{Type: Grew, Path: path, Size: info.Size(), ModTime: info.ModTime(), At: now})
		return
	}
	w.candidates[path] = &candidate{size: info.Size(), modTime: info.ModTime(), lastChange: now}
	w.emit(ctx, Event{Type: Appeared, Path: path, Size: info.Size(), ModTime: info.ModTime(), At: now})
}

func (w *Watcher) drop(ctx context.Context, path string) {
	delete(w.emitted, path)
	if _, ok := w.candidates[path]; !ok {
		return
	}
	delete(w.candidates, path)
	w.emit(ctx, Event{Type: Removed, Path: path, At: time.Now()})
}

func (w *Watcher) sweepOnce(ctx context.Context) {
	now := time.Now()
	for path, c := range w.candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				w.drop(ctx, path)
			}
			continue
		}
		if c.size != info.Size() || !c.modTime.Equal(info.ModTime()) {
			c.size = info.Size()
			c.modTime = info.ModTime()
			c.lastChange = now
			w.emit(ctx, Event{Type: Grew, Path: path, Size: c.size, ModTime: c.modTime, At: now})
			continue
		}
		if now.Sub(c.lastChange) >= w.opts.Window {
			delete(w.candidates, path)
			w.emitted[path] = struct{}{}
			w.emit(ctx, Event{Type: Stabilized, Path: path, Size: c.size, ModTime: c.modTime, At: now})
		}
	}
}

// scanTree walks the whole root, registering directory watches and seeding
// candidates for files that never produced a notification. Paths already
// stabilized or in flight are left alone.
func (w *Watcher) scanTree(ctx context.Context, fsw *fsnotify.Watcher) error {
	if _, err := os.Stat(w.root); err != nil {
		return err
	}
	return filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := fsw.Add(path); err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Str("dir", path).Msg("failed to watch directory")
			}
			return nil
		}
		if !w.watched(path) {
			return nil
		}
		if _, ok := w.candidates[path]; ok {
			return nil
		}
		if _, ok := w.emitted[path]; ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		w.candidates[path] = &candidate{size: info.Size(), modTime: info.ModTime(), lastChange: time.Now()}
		w.emit(ctx, Event{Type: Appeared, Path: path, Size: info.Size(), ModTime: info.ModTime(), At: time.Now()})
		return nil
	})
}

func (w *Watcher) watchDir(ctx context.Context, fsw *fsnotify.Watcher, dir string) error {
	if err := fsw.Add(dir); err != nil {
		return err
	}
	// Files may have landed in the directory before the watch was in place.
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, d := range entries {
		sub := filepath.Join(dir, d.Name())
		if d.IsDir() {
			if err := w.watchDir(ctx, fsw, sub); err != nil {
				return err
			}
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		w.touch(ctx, sub, info)
	}
	return nil
}

func (w *Watcher) watched(path string) bool {
	if len(w.exts) == 0 {
		return true
	}
	_, ok := w.exts[strings.ToLower(filepath.Ext(path))]
	return ok
}

func (w *Watcher) emit(ctx context.Context, ev Event) {
	select {
	case w.events <- ev:
	case <-ctx.Done():
	}
}
