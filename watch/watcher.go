// Package watch turns rewrites of exported model files into transfer requests.
//
// The parent directory of every watched file is watched, so files replaced
// by rename are seen as well as files written in place. Bursts of events for
// one file are collapsed: a request is emitted once the file has been quiet
// for the debounce interval.
package watch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/opd-ai/weightxfer/file"
	"github.com/opd-ai/weightxfer/interfaces"
	"github.com/sirupsen/logrus"
)

// DefaultDebounce is used when New is given a non-positive debounce.
const DefaultDebounce = 2 * time.Second

// Watcher is an interfaces.FileSource backed by fsnotify.
type Watcher struct {
	files    map[string]string // cleaned absolute path -> file_type
	debounce time.Duration
	fsw      *fsnotify.Watcher
	requests chan interfaces.FileRequest
	fired    chan string
	done     chan struct{}

	mu     sync.Mutex
	timers map[string]*time.Timer
}

var _ interfaces.FileSource = (*Watcher)(nil)

// New watches files, a map of path to file_type. The directories holding
// the files must exist.
func New(files map[string]string, debounce time.Duration) (*Watcher, error) {
	if len(files) == 0 {
		return nil, errors.New("no files to watch")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	w := &Watcher{
		files:    make(map[string]string, len(files)),
		debounce: debounce,
		fsw:      fsw,
		requests: make(chan interfaces.FileRequest, len(files)),
		fired:    make(chan string, len(files)),
		done:     make(chan struct{}),
		timers:   make(map[string]*time.Timer),
	}

	dirs := make(map[string]bool)
	for path, fileType := range files {
		abs, err := filepath.Abs(path)
		if err != nil {
			fsw.Close()
			return nil, err
		}
		w.files[abs] = fileType
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
		logrus.WithFields(logrus.Fields{
			"function": "watch.New",
			"dir":      dir,
		}).Info("Watching directory")
	}
	return w, nil
}

// Requests implements interfaces.FileSource. The channel is closed when Run returns.
func (w *Watcher) Requests() <-chan interfaces.FileRequest {
	return w.requests
}

// Run processes file system events until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.requests)
	defer close(w.done)
	defer w.stopTimers()
	defer w.fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			logrus.WithFields(logrus.Fields{
				"function": "Watcher.Run",
				"error":    err.Error(),
			}).Warn("File watcher error")

		case path := <-w.fired:
			w.emit(ctx, path)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	path := filepath.Clean(event.Name)
	if _, ok := w.files[path]; !ok {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "Watcher.handle",
		"path":     path,
		"op":       event.Op.String(),
	}).Debug("Watched file changed")

	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		select {
		case w.fired <- path:
		case <-w.done:
		}
	})
}

func (w *Watcher) emit(ctx context.Context, path string) {
	if !file.Exists(path) {
		// Renamed away; the replacement will produce its own event.
		return
	}
	req := interfaces.FileRequest{Path: path, FileType: w.files[path]}

	logrus.WithFields(logrus.Fields{
		"function":  "Watcher.emit",
		"path":      path,
		"file_type": req.FileType,
	}).Info("File ready to send")

	select {
	case w.requests <- req:
	case <-ctx.Done():
	}
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
}
