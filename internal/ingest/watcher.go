package ingest

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"git.home.luguber.info/inful/eventpipe/internal/blob"
	"git.home.luguber.info/inful/eventpipe/internal/event"
	"git.home.luguber.info/inful/eventpipe/internal/foundation/errors"
	"git.home.luguber.info/inful/eventpipe/internal/logfields"
)

// ObjectIngester is the part of Service the watcher drives.
type ObjectIngester interface {
	IngestObject(ctx context.Context, obj ObjectEvent) (Created, error)
}

// Watcher ingests files that appear under a directory of a filesystem blob store. Writes are
// debounced per file so a file is ingested once it stops changing.
type Watcher struct {
	store    *blob.FSStore
	dir      string
	ingester ObjectIngester
	debounce time.Duration

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	pending map[string]*time.Timer
	seen    map[string]string
	wg      sync.WaitGroup
}

// NewWatcher watches prefix (relative to the store root) recursively.
func NewWatcher(store *blob.FSStore, prefix string, ingester ObjectIngester, debounce time.Duration) (*Watcher, error) {
	dir := filepath.Join(store.Root(), filepath.FromSlash(strings.Trim(prefix, "/")))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.WrapError(err, errors.CategoryBlob, "failed to create watch directory").
			WithContext("dir", dir).Build()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryRuntime, "failed to create file watcher").Build()
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		store:    store,
		dir:      dir,
		ingester: ingester,
		debounce: debounce,
		watcher:  w,
		pending:  make(map[string]*time.Timer),
		seen:     make(map[string]string),
	}, nil
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() {
		w.mu.Lock()
		for _, t := range w.pending {
			if t.Stop() {
				w.wg.Done()
			}
		}
		w.mu.Unlock()
		w.wg.Wait()
		if err := w.watcher.Close(); err != nil {
			slog.Error("closing file watcher", logfields.Error(err))
		}
	}()

	if err := w.addTree(w.dir); err != nil {
		return err
	}
	slog.Info("watching for new objects", slog.String("dir", w.dir))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("file watcher error", logfields.Error(err))
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if strings.HasPrefix(filepath.Base(ev.Name), ".") {
		return
	}
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	info, err := os.Stat(ev.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if err := w.addTree(ev.Name); err != nil {
			slog.Warn("cannot watch new directory", slog.String("dir", ev.Name), logfields.Error(err))
		}
		return
	}
	w.schedule(ctx, ev.Name)
}

// schedule restarts the debounce timer for p.
func (w *Watcher) schedule(ctx context.Context, p string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[p]; ok && t.Stop() {
		w.wg.Done()
	}
	w.wg.Add(1)
	w.pending[p] = time.AfterFunc(w.debounce, func() {
		defer w.wg.Done()
		w.mu.Lock()
		delete(w.pending, p)
		w.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		w.ingest(ctx, p)
	})
}

func (w *Watcher) ingest(ctx context.Context, p string) {
	key, err := w.store.KeyFor(p)
	if err != nil {
		slog.Warn("ignoring file outside blob root", slog.String("path", p))
		return
	}
	obj, err := w.store.Get(ctx, key)
	if err != nil {
		slog.Error("cannot read watched file", logfields.ObjectKey(key), logfields.Error(err))
		return
	}

	w.mu.Lock()
	if w.seen[key] == obj.ETag {
		w.mu.Unlock()
		return
	}
	w.seen[key] = obj.ETag
	w.mu.Unlock()

	_, err = w.ingester.IngestObject(ctx, ObjectEvent{
		Bucket: w.store.Bucket(),
		Key:    key,
		Size:   obj.Size,
		ETag:   obj.ETag,
		Source: event.SourceFilesystem,
	})
	if err != nil {
		w.mu.Lock()
		delete(w.seen, key)
		w.mu.Unlock()
		slog.Error("object ingestion failed", logfields.ObjectKey(key), logfields.Error(err))
	}
}

// addTree watches dir and its subdirectories. fsnotify is not recursive.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.watcher.Add(p); err != nil {
			return errors.WrapError(err, errors.CategoryRuntime, "failed to watch directory").
				WithContext("dir", p).Build()
		}
		return nil
	})
}
