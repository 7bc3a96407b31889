package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultQuietDelay is how long a file must stay unchanged before it is
// submitted. Editors and downloads write in bursts; the delay waits them
// out.
const DefaultQuietDelay = 500 * time.Millisecond

// Submitter receives the contents of each settled inbox file.
type Submitter interface {
	Submit(ctx context.Context, input string) error
}

type Options struct {
	Dir        string
	QuietDelay time.Duration
	Logger     *slog.Logger
}

// Watcher turns files dropped into an inbox directory into extraction
// submissions. Each file is submitted once, after its writes settle.
type Watcher struct {
	dir        string
	quietDelay time.Duration
	logger     *slog.Logger
	submitter  Submitter

	mu        sync.Mutex
	timers    map[string]*time.Timer
	submitted map[string]bool
}

func New(submitter Submitter, opts Options) (*Watcher, error) {
	if submitter == nil {
		return nil, fmt.Errorf("submitter is required")
	}
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return nil, fmt.Errorf("watch directory is required")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	quietDelay := opts.QuietDelay
	if quietDelay <= 0 {
		quietDelay = DefaultQuietDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:        filepath.Clean(dir),
		quietDelay: quietDelay,
		logger:     logger,
		submitter:  submitter,
		timers:     map[string]*time.Timer{},
		submitted:  map[string]bool{},
	}, nil
}

// Run watches the inbox until the context is cancelled. Files already in
// the directory at startup are picked up too.
func (w *Watcher) Run(ctx context.Context) error {
	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer notifier.Close()
	if err := notifier.Add(w.dir); err != nil {
		return err
	}

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			w.schedule(ctx, filepath.Join(w.dir, entry.Name()))
		}
	}

	w.logger.Info("watching inbox", "dir", w.dir)
	for {
		select {
		case <-ctx.Done():
			w.stopTimers()
			return ctx.Err()
		case event, ok := <-notifier.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.schedule(ctx, event.Name)
			}
		case watchErr, ok := <-notifier.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", watchErr)
		}
	}
}

// schedule arms (or re-arms) the quiet timer for one path. Hidden files
// and anything already submitted are skipped.
func (w *Watcher) schedule(ctx context.Context, path string) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.submitted[path] {
		return
	}
	if timer, ok := w.timers[path]; ok {
		timer.Stop()
	}
	w.timers[path] = time.AfterFunc(w.quietDelay, func() {
		w.submit(ctx, path)
	})
}

func (w *Watcher) submit(ctx context.Context, path string) {
	w.mu.Lock()
	delete(w.timers, path)
	if w.submitted[path] {
		w.mu.Unlock()
		return
	}
	w.submitted[path] = true
	w.mu.Unlock()

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn("inbox file unreadable", "path", path, "error", err)
		return
	}
	input := strings.TrimSpace(string(data))
	if input == "" {
		w.logger.Warn("inbox file is empty, skipping", "path", path)
		return
	}
	if err := w.submitter.Submit(ctx, input); err != nil {
		w.logger.Warn("inbox submission failed", "path", path, "error", err)
		// Allow a retry on the next write to the file.
		w.mu.Lock()
		delete(w.submitted, path)
		w.mu.Unlock()
		return
	}
	w.logger.Info("inbox file submitted", "path", path)
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, timer := range w.timers {
		timer.Stop()
		delete(w.timers, path)
	}
}
