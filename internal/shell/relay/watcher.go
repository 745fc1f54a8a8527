package relay

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fleetlab/komodoctl/internal/core/inventory"
)

// =============================================================================
// Inventory Watcher
// =============================================================================

// InventoryWatcher hot-reloads the inventory file. Reads are lock-free; a
// failed reload keeps the previous inventory.
type InventoryWatcher struct {
	path     string
	current  atomic.Pointer[inventory.Fleet]
	watcher  *fsnotify.Watcher
	debounce time.Duration
	onReload atomic.Pointer[func(ok bool)]
	logger   *slog.Logger
}

// NewInventoryWatcher loads the inventory once and prepares the watcher.
func NewInventoryWatcher(path string, logger *slog.Logger) (*InventoryWatcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve inventory path: %w", err)
	}

	fleet, err := inventory.Load(absPath)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	w := &InventoryWatcher{
		path:     absPath,
		watcher:  watcher,
		debounce: 2 * time.Second,
		logger:   logger.With("component", "inventory_watcher"),
	}
	w.current.Store(fleet)
	return w, nil
}

// OnReload registers the callback invoked after each reload attempt with its
// outcome. Safe to call after Start; the watcher and the relay server need
// each other, so the binding happens once both exist.
func (w *InventoryWatcher) OnReload(fn func(ok bool)) {
	w.onReload.Store(&fn)
}

func (w *InventoryWatcher) notifyReload(ok bool) {
	if fn := w.onReload.Load(); fn != nil {
		(*fn)(ok)
	}
}

// Fleet returns the current inventory snapshot.
func (w *InventoryWatcher) Fleet() *inventory.Fleet {
	return w.current.Load()
}

// Start watches the inventory directory until ctx is cancelled. Watching the
// directory instead of the file survives editors that rename on save.
func (w *InventoryWatcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch inventory directory: %w", err)
	}

	go w.watchLoop(ctx)
	w.logger.Info("inventory watcher started", "path", w.path)
	return nil
}

// Close releases the filesystem watcher.
func (w *InventoryWatcher) Close() error {
	return w.watcher.Close()
}

func (w *InventoryWatcher) watchLoop(ctx context.Context) {
	file := filepath.Base(w.path)

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != file {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Debounce rapid successive writes.
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(w.debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("inventory watch error", "error", err)
		}
	}
}

func (w *InventoryWatcher) reload() {
	fleet, err := inventory.Load(w.path)
	if err != nil {
		w.logger.Error("inventory reload failed, keeping previous", "error", err)
		w.notifyReload(false)
		return
	}
	if errs := inventory.Validate(fleet); len(errs) > 0 {
		w.logger.Error("inventory reload invalid, keeping previous", "errors", fmt.Sprint(errs))
		w.notifyReload(false)
		return
	}

	w.current.Store(fleet)
	w.logger.Info("inventory reloaded",
		"hosts", len(fleet.Hosts),
		"stacks", len(fleet.Stacks))
	w.notifyReload(true)
}
