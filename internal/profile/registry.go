package profile

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"vawter.tech/stopper"
)

// DefaultReloadDebounce coalesces bursts of file events (editors write a
// temp file, rename it, then chmod it) into a single reload.
const DefaultReloadDebounce = 200 * time.Millisecond

// Registry is the set of device profiles loaded from a profile directory.
// All methods are safe for concurrent use.
type Registry struct {
	dir      string
	log      *slog.Logger
	debounce time.Duration

	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewRegistry loads dir and returns a registry over it.
func NewRegistry(dir string, log *slog.Logger) (*Registry, error) {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		dir:      dir,
		log:      log,
		debounce: DefaultReloadDebounce,
		profiles: make(map[string]Profile),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewStaticRegistry returns a registry over a fixed set of profiles.
// Reload and Watch are no-ops on it.
func NewStaticRegistry(profiles ...Profile) *Registry {
	r := &Registry{
		log:      slog.Default(),
		profiles: make(map[string]Profile, len(profiles)),
	}
	for _, p := range profiles {
		r.profiles[p.Name] = p
	}
	return r
}

// Dir returns the directory the registry loads from ("" for static registries).
func (r *Registry) Dir() string { return r.dir }

// Reload re-reads the profile directory. On error the previously loaded
// profiles stay in place.
func (r *Registry) Reload() error {
	if r.dir == "" {
		return nil
	}
	list, err := LoadDir(r.dir)
	if err != nil {
		return err
	}
	next := make(map[string]Profile, len(list))
	for _, p := range list {
		next[p.Name] = p
	}

	r.mu.Lock()
	r.profiles = next
	r.mu.Unlock()

	r.log.Debug("profiles loaded", "dir", r.dir, "devices", len(next))
	return nil
}

// Get returns the profile for the named device.
func (r *Registry) Get(name string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[name]
	return p, ok
}

// List returns all profiles sorted by device name.
func (r *Registry) List() []Profile {
	r.mu.RLock()
	out := make([]Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Watch reloads the registry whenever a file in the profile directory
// changes. The returned function stops the watcher and waits for it to exit.
func (r *Registry) Watch(ctx context.Context) (func() error, error) {
	if r.dir == "" {
		return func() error { return nil }, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating profile watcher: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watching profile dir %s: %w", r.dir, err)
	}

	sctx := stopper.WithContext(ctx)
	sctx.Defer(func() {
		_ = watcher.Close()
	})

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	reload := func() {
		if sctx.IsStopping() {
			return
		}
		if err := r.Reload(); err != nil {
			r.log.Warn("profile reload failed, keeping previous set", "dir", r.dir, "error", err)
			return
		}
		r.log.Info("profiles reloaded", "dir", r.dir)
	}

	sctx.Go(func(sctx *stopper.Context) error {
		sctx.Defer(func() {
			timerMu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timerMu.Unlock()
		})

		for {
			select {
			case <-sctx.Stopping():
				return nil
			case <-sctx.Done():
				return nil
			case ev, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if !isProfileFile(filepath.Base(ev.Name)) {
					continue
				}
				timerMu.Lock()
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(r.debounce, reload)
				timerMu.Unlock()
			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				r.log.Warn("profile watcher error", "dir", r.dir, "error", err)
			}
		}
	})

	return func() error {
		sctx.Stop(100 * time.Millisecond)
		return sctx.Wait()
	}, nil
}
