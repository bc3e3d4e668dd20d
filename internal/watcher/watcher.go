// Package watcher reports files that settle in a directory tree, so they
// can be sent as soon as they are written.
package watcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
	"github.com/sirupsen/logrus"
)

const (
	DefaultDebounce = 200 * time.Millisecond
	IgnoreFile      = ".synclinkignore"
)

type Options struct {
	// Include limits events to paths matching one of these patterns. Empty
	// means every file.
	Include  []string
	Ignore   []string
	Debounce time.Duration
	Logger   *logrus.Logger
}

// Watcher emits the path of a regular file once no write to it has been
// seen for the debounce delay.
type Watcher struct {
	dir      string
	include  []glob.Glob
	ignore   []glob.Glob
	debounce time.Duration
	logger   *logrus.Logger

	fs     *fsnotify.Watcher
	events chan string
	done   chan struct{}

	mu      sync.Mutex
	timers  map[string]*time.Timer
	closed  bool
	pending sync.WaitGroup
}

func New(dir string, opts Options) (*Watcher, error) {
	include, err := compile(opts.Include)
	if err != nil {
		return nil, err
	}
	ignore, err := compile(opts.Ignore)
	if err != nil {
		return nil, err
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		dir:      abs,
		include:  include,
		ignore:   ignore,
		debounce: opts.Debounce,
		logger:   opts.Logger,
		fs:       fsWatcher,
		events:   make(chan string, 64),
		done:     make(chan struct{}),
		timers:   make(map[string]*time.Timer),
	}

	if err := w.addTree(abs); err != nil {
		_ = fsWatcher.Close()
		return nil, err
	}
	return w, nil
}

// Events yields absolute file paths. It is closed when Run returns.
func (w *Watcher) Events() <-chan string {
	return w.events
}

func (w *Watcher) Run(ctx context.Context) error {
	defer func() {
		_ = w.fs.Close()
		close(w.done)

		w.mu.Lock()
		w.closed = true
		for path, t := range w.timers {
			t.Stop()
			delete(w.timers, path)
		}
		w.mu.Unlock()

		w.pending.Wait()
		close(w.events)
	}()

	w.logger.Infof("Watching %s", w.dir)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warnf("File watcher error: %v", err)
		}
	}
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.ignored(path) {
			return filepath.SkipDir
		}
		if err := w.fs.Add(path); err != nil {
			w.logger.Warnf("Could not watch folder '%s': %v", path, err)
		}
		return nil
	})
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	if transient(event.Name) || w.ignored(event.Name) {
		return
	}

	info, err := os.Lstat(event.Name)
	if err != nil || info.Mode()&os.ModeSymlink != 0 {
		return
	}
	if info.IsDir() {
		if event.Has(fsnotify.Create) {
			if err := w.addTree(event.Name); err != nil {
				w.logger.Warnf("Could not watch new folder '%s': %v", event.Name, err)
			}
		}
		return
	}
	if !w.included(event.Name) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[event.Name]; ok {
		t.Reset(w.debounce)
		return
	}
	path := event.Name
	w.timers[path] = time.AfterFunc(w.debounce, func() { w.settle(path) })
}

func (w *Watcher) settle(path string) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	delete(w.timers, path)
	w.pending.Add(1)
	w.mu.Unlock()
	defer w.pending.Done()

	w.logger.Debugf("Confirmed change for %s", path)
	select {
	case w.events <- path:
	case <-w.done:
	}
}

func (w *Watcher) rel(path string) string {
	rel, err := filepath.Rel(w.dir, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

func (w *Watcher) ignored(path string) bool {
	return matchAny(w.ignore, w.rel(path))
}

func (w *Watcher) included(path string) bool {
	return len(w.include) == 0 || matchAny(w.include, w.rel(path))
}

// transient names belong to editors and to downloads still in progress.
func transient(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(base, "~") ||
		strings.HasSuffix(base, ".tmp") ||
		strings.HasSuffix(base, ".part") ||
		base == IgnoreFile
}

func matchAny(patterns []glob.Glob, rel string) bool {
	for _, p := range patterns {
		if p.Match(rel) || p.Match(filepath.Base(rel)) {
			return true
		}
	}
	return false
}

func compile(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

// LoadIgnoreFile reads patterns from dir's ignore file, one per line, with
// '#' comments. A missing file yields no patterns.
func LoadIgnoreFile(dir string) ([]string, error) {
	f, err := os.Open(filepath.Join(dir, IgnoreFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			patterns = append(patterns, line)
		}
	}
	return patterns, scanner.Err()
}
