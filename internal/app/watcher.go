package app

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mattjoyce/actiond/internal/config"
	"github.com/mattjoyce/actiond/internal/log"
)

// settleDelay lets an editor finish its rename/write dance before the
// file is re-hashed.
const settleDelay = 250 * time.Millisecond

// configWatcher reports when the config file's content changes. The parent
// directory is watched rather than the file itself so atomic saves, which
// replace the inode, keep being observed.
type configWatcher struct {
	path     string
	lastHash string
	fs       *fsnotify.Watcher
}

func newConfigWatcher(path string) (*configWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	hash, err := config.ContentHash(abs)
	if err != nil {
		return nil, err
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fs.Add(filepath.Dir(abs)); err != nil {
		fs.Close()
		return nil, err
	}
	return &configWatcher{path: abs, lastHash: hash, fs: fs}, nil
}

// Wait blocks until an event touches the config file, then reports whether
// its content actually differs from the last observed state. Editors fire
// several events per save; the hash collapses them to one restart.
func (w *configWatcher) Wait(ctx context.Context) (bool, error) {
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()

		case ev, ok := <-w.fs.Events:
			if !ok {
				return false, context.Canceled
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}

			time.Sleep(settleDelay)
			hash, err := config.ContentHash(w.path)
			if err != nil {
				// mid-save; the next event will find the file again
				log.Debug("config file unreadable during change", "error", err)
				continue
			}
			if hash == w.lastHash {
				continue
			}
			w.lastHash = hash
			return true, nil

		case err, ok := <-w.fs.Errors:
			if !ok {
				return false, context.Canceled
			}
			log.Warn("config watch error", "error", err)
		}
	}
}

func (w *configWatcher) Close() error {
	return w.fs.Close()
}
