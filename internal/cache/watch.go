package cache

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// AliasWatcher live-reloads the curated alias file and rebuilds the holder's
// snapshot index whenever it changes on disk, so operators can edit curated
// aliases without restarting the process.
//
// Grounded on the teacher's SpecSyncService debounced fsnotify watcher
// (spec_sync.go): a single reused timer coalesces editor save bursts, and
// only events on the watched file itself trigger a reload.
type AliasWatcher struct {
	log      *zap.Logger
	holder   *Holder
	path     string
	debounce time.Duration
}

// NewAliasWatcher constructs a watcher for the curated alias file at path.
// debounce <= 0 selects a 750ms default.
func NewAliasWatcher(log *zap.Logger, holder *Holder, path string, debounce time.Duration) *AliasWatcher {
	if debounce <= 0 {
		debounce = 750 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &AliasWatcher{
		log:      log.Named("alias_watcher"),
		holder:   holder,
		path:     path,
		debounce: debounce,
	}
}

// Start applies the alias file once synchronously, then runs a debounced
// background watch until ctx is cancelled. The initial apply's error is
// returned to the caller; later reload failures only log a warning, since
// the snapshot already has a working alias table.
func (w *AliasWatcher) Start(ctx context.Context) error {
	if err := w.reload(); err != nil {
		return err
	}
	go w.watch(ctx)
	return nil
}

func (w *AliasWatcher) reload() error {
	table, err := LoadAliasTable(w.path)
	if err != nil {
		return err
	}

	w.holder.Modify(func(s *Snapshot) {
		s.AliasSource = table
		s.rebuildIndexes()
	})

	w.log.Info("alias table reloaded", zap.String("path", w.path), zap.Int("targets", len(table.Aliases)))
	return nil
}

func (w *AliasWatcher) watch(ctx context.Context) {
	abs, err := filepath.Abs(w.path)
	if err != nil {
		abs = w.path
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Error("watcher init failed", zap.Error(err))
		return
	}
	defer fw.Close()

	dir := filepath.Dir(abs)
	if err := fw.Add(dir); err != nil {
		w.log.Error("watch add dir failed", zap.String("dir", dir), zap.Error(err))
		return
	}

	var timer *time.Timer
	trigger := func() {
		if err := w.reload(); err != nil {
			w.log.Warn("alias reload failed", zap.Error(err))
		}
	}
	reset := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, trigger)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if ev.Name != abs {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				reset()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", zap.Error(err))
		}
	}
}
