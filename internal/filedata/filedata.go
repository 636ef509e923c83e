// Package filedata loads trait/segment/flag definitions from a local JSON file
// and, if configured, watches it for changes and reloads on write. The watcher
// observes the file's directory rather than the file itself, so editors that write
// via rename/replace are still seen.
package filedata

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/cajpany/tinycdp/internal/logging"
	"github.com/cajpany/tinycdp/internal/model"
	"github.com/cajpany/tinycdp/internal/store"
)

// Document is the on-disk shape this package reads: the full set of trait, segment,
// and flag definitions for one tinycdpd deployment.
type Document struct {
	Traits   []model.TraitDefinition   `json:"traits"`
	Segments []model.SegmentDefinition `json:"segments"`
	Flags    []model.FlagDefinition    `json:"flags"`
}

// Watcher loads Document from a file on startup, applies it to a Store, and
// optionally watches the file's directory for subsequent writes.
type Watcher struct {
	filePath string
	st       store.Store
	log      *logging.Loggers

	watcher   *fsnotify.Watcher
	closeCh   chan struct{}
	closeOnce sync.Once
}

// Load reads and applies filePath once, with no watching. Used when Definitions.Watch
// is false.
func Load(ctx context.Context, filePath string, st store.Store, log *logging.Loggers) error {
	return apply(ctx, filePath, st, log)
}

// NewWatcher performs an initial Load and then starts watching filePath's
// directory for changes, reloading the whole document on every write event.
func NewWatcher(ctx context.Context, filePath string, st store.Store, log *logging.Loggers) (*Watcher, error) {
	if err := apply(ctx, filePath, st, log); err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("filedata: failed to create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(filePath)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("filedata: failed to watch %s: %w", filePath, err)
	}

	w := &Watcher{filePath: filePath, st: st, log: log, watcher: fsw, closeCh: make(chan struct{})}
	go w.run(ctx)
	return w, nil
}

func (w *Watcher) run(ctx context.Context) {
	for {
		select {
		case <-w.closeCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.filePath) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := apply(ctx, w.filePath, w.st, w.log); err != nil {
				w.log.Warnf("filedata: reload of %s failed: %s", w.filePath, err)
			} else {
				w.log.Infof("filedata: reloaded %s", w.filePath)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warnf("filedata: watcher error: %s", err)
		}
	}
}

// Close stops the watcher goroutine. Idempotent.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		close(w.closeCh)
		w.watcher.Close()
	})
	return nil
}

func apply(ctx context.Context, filePath string, st store.Store, log *logging.Loggers) error {
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("filedata: invalid JSON in %s: %w", filePath, err)
	}

	for _, def := range doc.Traits {
		if err := st.PutTraitDefinition(ctx, def); err != nil {
			return err
		}
	}
	for _, def := range doc.Segments {
		if err := st.PutSegmentDefinition(ctx, def); err != nil {
			return err
		}
	}
	for _, def := range doc.Flags {
		if err := st.PutFlagDefinition(ctx, def); err != nil {
			return err
		}
	}
	if log != nil {
		log.Infof("filedata: loaded %d traits, %d segments, %d flags from %s",
			len(doc.Traits), len(doc.Segments), len(doc.Flags), filePath)
	}
	return nil
}
