package config

import (
	"crypto/md5"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/igjeong/hyper-pf/errors"
)

// DefaultDebounce is how long the watcher waits for a burst of file
// events to settle before reloading.
const DefaultDebounce = 250 * time.Millisecond

// Watcher monitors a configuration file for changes.
type Watcher struct {
	path     string
	debounce time.Duration
	log      logrus.FieldLogger
	onChange func(*Config) error

	mu       sync.Mutex
	lastHash [16]byte
	fsw      *fsnotify.Watcher
	done     chan struct{}
	stopped  chan struct{}
}

// NewWatcher creates a new configuration file watcher. onChange receives
// every changed configuration that loads and validates.
func NewWatcher(path string, debounce time.Duration, logger logrus.FieldLogger, onChange func(*Config) error) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Watcher{
		path:     path,
		debounce: debounce,
		log:      logger.WithField("component", "config"),
		onChange: onChange,
	}
}

// Start begins watching the configuration file. The directory is
// watched rather than the file so that editors which replace the file
// are followed.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fsw != nil {
		return errors.New(errors.KindConflict, "watcher already running")
	}

	hash, err := w.fileHash()
	if err != nil {
		return errors.Wrap(err, errors.KindNotFound, "failed to get initial file hash")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "failed to create file watcher")
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return errors.Attr(errors.Wrap(err, errors.KindUnavailable, "failed to watch config directory"),
			"dir", filepath.Dir(w.path))
	}

	w.lastHash = hash
	w.fsw = fsw
	w.done = make(chan struct{})
	w.stopped = make(chan struct{})
	go w.watchLoop(fsw, w.done, w.stopped)
	return nil
}

// Stop stops watching the configuration file and waits for a reload in
// progress to finish.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.fsw == nil {
		w.mu.Unlock()
		return
	}
	close(w.done)
	w.fsw.Close()
	w.fsw = nil
	stopped := w.stopped
	w.mu.Unlock()

	<-stopped
}

func (w *Watcher) watchLoop(fsw *fsnotify.Watcher, done, stopped chan struct{}) {
	defer close(stopped)

	name := filepath.Clean(w.path)
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != name || ev.Op == fsnotify.Chmod {
				continue
			}
			timer.Reset(w.debounce)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("file watcher error")
		case <-timer.C:
			w.checkForChanges()
		}
	}
}

func (w *Watcher) checkForChanges() {
	hash, err := w.fileHash()
	if err != nil {
		// the file may be missing halfway through a rename
		w.log.WithError(err).Debug("config file unreadable")
		return
	}

	w.mu.Lock()
	if hash == w.lastHash {
		w.mu.Unlock()
		return
	}
	w.lastHash = hash
	w.mu.Unlock()

	cfg, err := Load(w.path)
	if err != nil {
		w.log.WithFields(errors.Fields(err)).Warn("failed to reload config")
		return
	}
	if err := cfg.Validate(); err != nil {
		w.log.WithFields(errors.Fields(err)).Warn("invalid configuration detected")
		return
	}

	if w.onChange != nil {
		if err := w.onChange(cfg); err != nil {
			w.log.WithFields(errors.Fields(err)).Error("failed to apply config")
			return
		}
	}
	w.log.WithField("path", w.path).Info("configuration reloaded")
}

func (w *Watcher) fileHash() ([16]byte, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return [16]byte{}, err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return [16]byte{}, err
	}

	var hash [16]byte
	copy(hash[:], h.Sum(nil))
	return hash, nil
}

// ForceReload triggers an immediate reload of the configuration.
func (w *Watcher) ForceReload() error {
	cfg, err := Load(w.path)
	if err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, errors.GetKind(err), "invalid config")
	}

	if hash, err := w.fileHash(); err == nil {
		w.mu.Lock()
		w.lastHash = hash
		w.mu.Unlock()
	}
	if w.onChange != nil {
		return w.onChange(cfg)
	}
	return nil
}
