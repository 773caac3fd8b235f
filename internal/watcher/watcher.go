// Package watcher reports removal or modification of a path. It is used to
// recreate the durable cache directory and to notice settings changes.
package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Event is what happened to the watched path.
type Event int

const (
	// Removed means the path (or its parent directory) is gone.
	Removed Event = iota + 1
	// Changed means the path was written, created or replaced.
	Changed
)

func (e Event) String() string {
	switch e {
	case Removed:
		return "removed"
	case Changed:
		return "changed"
	}
	return "none"
}

// DefaultDebounce coalesces bursts of filesystem events.
const DefaultDebounce = 100 * time.Millisecond

// Watcher watches the parent directory of a path, since fsnotify cannot
// watch something that does not exist yet.
type Watcher struct {
	fsw      *fsnotify.Watcher
	handler  func(Event)
	done     chan struct{}
	target   string
	parent   string
	debounce time.Duration
	mu       sync.Mutex
	running  bool
}

// New creates a watcher for target. handler runs on its own goroutine after
// the debounce interval, with the last event of a burst.
func New(target string, handler func(Event)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	target = filepath.Clean(target)
	return &Watcher{
		fsw:      fsw,
		handler:  handler,
		done:     make(chan struct{}),
		target:   target,
		parent:   filepath.Dir(target),
		debounce: DefaultDebounce,
	}, nil
}

// SetDebounce changes the debounce interval. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Target returns the watched path.
func (w *Watcher) Target() string { return w.target }

// Start begins watching. A missing parent directory is not an error; the
// watch is retried when the target is reported removed.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	w.running = true

	if err := w.addWatch(); err != nil {
		log.Warn().Err(err).Str("path", w.parent).Msg("Failed to add initial watch")
	}
	go w.loop()
	return nil
}

// Stop stops watching.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return nil
	}
	w.running = false
	close(w.done)
	return w.fsw.Close()
}

func (w *Watcher) addWatch() error {
	if _, err := os.Stat(w.parent); err != nil {
		return err
	}
	return w.fsw.Add(w.parent)
}

// classify maps a raw event to what it means for the target.
func (w *Watcher) classify(ev fsnotify.Event) (Event, bool) {
	name := filepath.Clean(ev.Name)
	gone := ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0

	switch name {
	case w.parent:
		if gone {
			return Removed, true
		}
	case w.target:
		if gone {
			return Removed, true
		}
		if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
			return Changed, true
		}
	}
	return 0, false
}

func (w *Watcher) loop() {
	var (
		timer *time.Timer
		mu    sync.Mutex
		last  Event
	)
	fire := func() {
		mu.Lock()
		ev := last
		last = 0
		mu.Unlock()
		w.dispatch(ev)
	}

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case raw, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			ev, relevant := w.classify(raw)
			if !relevant {
				continue
			}
			log.Debug().Str("path", w.target).Stringer("event", ev).Msg("Watched path event")

			mu.Lock()
			// A removal followed by a recreation within the window is a change.
			if ev == Changed || last != Changed {
				last = ev
			}
			mu.Unlock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, fire)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Str("path", w.target).Msg("Watcher error")
		}
	}
}

func (w *Watcher) dispatch(ev Event) {
	if ev == Removed {
		log.Info().Str("path", w.target).Msg("Watched path removed")
	}
	if w.handler != nil {
		w.handler(ev)
	}
	if ev == Removed {
		// The handler may have recreated the parent; watch it again.
		if err := w.addWatch(); err != nil {
			log.Warn().Err(err).Str("path", w.parent).Msg("Failed to re-establish watch")
		}
	}
}
