package identity

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher reloads the env file when another process rewrites it and feeds
// the new endpoint id and credential into a Holder.
type Watcher struct {
	store   *Store
	holder  *Holder
	log     *logrus.Logger
	watcher *fsnotify.Watcher

	// OnChange, if set, is called after the holder was updated from the file.
	OnChange func(values map[string]string)
}

// NewWatcher watches the directory containing the store's file.
func NewWatcher(store *Store, holder *Holder, log *logrus.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	dir := filepath.Dir(store.Path())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}
	// Watch the directory so atomic renames over the file are seen.
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	return &Watcher{store: store, holder: holder, log: log, watcher: fw}, nil
}

// Start runs until ctx is done.
func (w *Watcher) Start(ctx context.Context) {
	w.log.WithField("path", w.store.Path()).Info("Starting identity watcher")
	defer w.watcher.Close()

	target := filepath.Clean(w.store.Path())
	for {
		select {
		case <-ctx.Done():
			w.log.Info("Identity watcher stopping")
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Error("Watcher error")
		}
	}
}

func (w *Watcher) reload() {
	content, err := os.ReadFile(w.store.Path())
	if err != nil {
		w.log.WithError(err).Debug("Env file not readable")
		return
	}
	if w.store.ownWrite(content) {
		return
	}
	values, err := w.store.Read()
	if err != nil {
		w.log.WithError(err).Warn("Failed to reload env file")
		return
	}

	if id := values[KeyEndpointID]; id != "" {
		if err := w.holder.SetID(id); err != nil {
			w.log.WithError(err).Warn("Ignoring endpoint id change from env file")
		}
	}
	if token := values[KeyAuthToken]; token != "" && token != w.holder.Credential() {
		w.holder.SetCredential(token)
		w.log.Info("Credential reloaded from env file")
	}
	if w.OnChange != nil {
		w.OnChange(values)
	}
}
