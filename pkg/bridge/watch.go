package bridge

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/overhook/overhook/pkg/logflags"
)

// DefaultPollInterval is the scan interval of a polling watcher.
const DefaultPollInterval = 500 * time.Millisecond

// Watcher calls UpdateOnChange for every script whose files change in a
// directory. It subscribes to filesystem notifications, or scans the
// directory periodically when notifications are unavailable.
type Watcher struct {
	b        *Bridge
	dir      string
	interval time.Duration
	log      logflags.Logger

	notify *fsnotify.Watcher
	cancel context.CancelFunc
	done   chan struct{}
}

// Watch starts watching dir. A non-positive pollInterval selects
// DefaultPollInterval. If forcePoll is set notifications are not used.
// The watcher stops when ctx is cancelled or Stop is called.
func (b *Bridge) Watch(ctx context.Context, dir string, pollInterval time.Duration, forcePoll bool) *Watcher {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		b:        b,
		dir:      dir,
		interval: pollInterval,
		log:      logflags.WatchLogger(),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	if !forcePoll {
		nw, err := fsnotify.NewWatcher()
		if err == nil {
			err = nw.Add(dir)
			if err != nil {
				nw.Close()
			}
		}
		if err != nil {
			w.log.Warnf("file notifications unavailable, polling %s every %v: %v", dir, pollInterval, err)
		} else {
			w.notify = nw
		}
	}
	if w.notify != nil {
		go w.runNotify(ctx)
	} else {
		go w.runPoll(ctx, w.scan())
	}
	return w
}

// Polling reports whether the watcher scans the directory instead of
// receiving notifications.
func (w *Watcher) Polling() bool {
	return w.notify == nil
}

// Stop stops the watcher and waits for it to exit. No call to
// UpdateOnChange is in progress or made after Stop returns.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

// keyOf returns the identity key of a script file, or false if name is
// not a descriptor or a body.
func (w *Watcher) keyOf(name string) (string, bool) {
	name = filepath.Base(name)
	ext := filepath.Ext(name)
	if ext != DescriptorExt && ext != w.b.lang.Ext() {
		return "", false
	}
	return strings.TrimSuffix(name, ext), true
}

func (w *Watcher) runNotify(ctx context.Context) {
	defer close(w.done)
	defer w.notify.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.notify.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if key, ok := w.keyOf(ev.Name); ok {
				w.log.Debugf("%s: %s", ev.Op, ev.Name)
				w.b.UpdateOnChange(key)
			}
		case err, ok := <-w.notify.Errors:
			if !ok {
				return
			}
			w.log.Errorf("watch error: %v", err)
		}
	}
}

type fileState struct {
	modTime time.Time
	size    int64
}

func (w *Watcher) scan() map[string]fileState {
	r := make(map[string]fileState)
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.log.Debugf("scan: %v", err)
		return r
	}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		if _, ok := w.keyOf(ent.Name()); !ok {
			continue
		}
		info, err := ent.Info()
		if err != nil {
			continue
		}
		r[ent.Name()] = fileState{info.ModTime(), info.Size()}
	}
	return r
}

// runPoll compares scans of the directory against last, the scan taken
// before Watch returned.
func (w *Watcher) runPoll(ctx context.Context, last map[string]fileState) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		cur := w.scan()
		changed := map[string]bool{}
		for name, st := range cur {
			if prev, ok := last[name]; !ok || !prev.modTime.Equal(st.modTime) || prev.size != st.size {
				changed[name] = true
			}
		}
		for name := range last {
			if _, ok := cur[name]; !ok {
				changed[name] = true
			}
		}
		last = cur
		keys := map[string]bool{}
		for name := range changed {
			if key, ok := w.keyOf(name); ok && !keys[key] {
				keys[key] = true
				if ctx.Err() != nil {
					return
				}
				w.b.UpdateOnChange(key)
			}
		}
	}
}
