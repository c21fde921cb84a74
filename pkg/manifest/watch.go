package manifest

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"

	"github.com/kiwi-run/kiwi/pkg/item"
)

// Watcher invalidates a Loader's cache when a watched manifest's backing
// file changes on disk, so an editor save or `kiwi update` is picked up
// without an explicit cache-clear call.
//
// Grounded on the same invalidate-on-write need pkg/config/koanf_loader.go
// solves with koanf's file.Provider + its own fsnotify watch, generalized
// here to arbitrary item paths instead of a single config file.
type Watcher struct {
	loader *Loader
	fsw    *fsnotify.Watcher
	log    *slog.Logger

	watched map[string]item.Ref // path -> ref, so events can target the right cache key
}

func NewWatcher(loader *Loader, log *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	w := &Watcher{
		loader:  loader,
		fsw:     fsw,
		log:     log,
		watched: make(map[string]item.Ref),
	}
	go w.run()
	return w, nil
}

// Track begins watching the file backing m, so a future Load(m.ID, m.Kind)
// picks up changes made outside this process.
func (w *Watcher) Track(m *Manifest) error {
	if _, ok := w.watched[m.Path]; ok {
		return nil
	}
	if err := w.fsw.Add(m.Path); err != nil {
		return err
	}
	w.watched[m.Path] = item.Ref{ID: m.ID, Type: m.Kind}
	return nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			ref, tracked := w.watched[ev.Name]
			if !tracked {
				continue
			}
			w.log.Debug("manifest cache invalidated", "path", ev.Name, "item", ref.String())
			w.loader.Invalidate(ref.ID, ref.Type)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("manifest watcher error", "error", err)
		}
	}
}

func (w *Watcher) Close() error {
	return w.fsw.Close()
}
