// Package watcher turns filesystem activity under the journal root into
// per-session sync jobs. It never reads journal bytes itself; it only
// decides which sessions the ingester should look at next.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/journal"
)

// SyncJob asks the ingester to bring one session up to date with its file.
type SyncJob struct {
	ProjectID string
	SessionID string
	Path      string
}

// Watcher watches the journal root recursively (the root plus each project
// directory) and emits debounced SyncJobs for journal file activity.
type Watcher struct {
	layout   *journal.Layout
	debounce time.Duration
	rescan   time.Duration
	logger   *logger.Logger

	fsw  *fsnotify.Watcher
	jobs chan SyncJob
	done chan struct{}
	stop sync.Once
	wg   sync.WaitGroup

	// timers holds the pending debounce timer per journal path. Data fields
	// above are set before the loop starts; only timers needs the lock.
	mu     sync.Mutex
	timers map[string]*time.Timer
}

// New creates a watcher over the layout's root. Events on the same file
// within the debounce window coalesce into one job; rescan adds a periodic
// full enumeration as a safety net (zero disables it).
func New(layout *journal.Layout, debounce, rescan time.Duration, log *logger.Logger) *Watcher {
	return &Watcher{
		layout:   layout,
		debounce: debounce,
		rescan:   rescan,
		logger:   log.WithFields(zap.String("component", "watcher")),
		jobs:     make(chan SyncJob, 256),
		done:     make(chan struct{}),
		timers:   make(map[string]*time.Timer),
	}
}

// Start begins watching and returns the job channel. The channel is never
// closed; consumers stop on their own context. The initial catch-up scan
// runs on the watch goroutine so a slow consumer cannot block startup.
func (w *Watcher) Start(ctx context.Context) (<-chan SyncJob, error) {
	if err := os.MkdirAll(w.layout.Root(), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal root: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	w.fsw = fsw

	if err := fsw.Add(w.layout.Root()); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch journal root: %w", err)
	}
	w.watchProjectDirs()

	w.wg.Add(1)
	go w.loop(ctx)

	if w.rescan > 0 {
		w.wg.Add(1)
		go w.rescanLoop(ctx)
	}

	w.logger.Info("Journal watcher started",
		zap.String("root", w.layout.Root()),
		zap.Duration("debounce", w.debounce))
	return w.jobs, nil
}

// Stop shuts the watcher down and waits for its goroutines.
func (w *Watcher) Stop() {
	w.stop.Do(func() {
		close(w.done)
		if w.fsw != nil {
			_ = w.fsw.Close()
		}
	})
	w.wg.Wait()

	w.mu.Lock()
	for _, t := range w.timers {
		t.Stop()
	}
	w.timers = map[string]*time.Timer{}
	w.mu.Unlock()
}

// watchProjectDirs adds a watch for every existing project directory.
func (w *Watcher) watchProjectDirs() {
	entries, err := os.ReadDir(w.layout.Root())
	if err != nil {
		w.logger.Warn("Failed to enumerate project directories", zap.Error(err))
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(w.layout.Root(), entry.Name())
		if err := w.fsw.Add(dir); err != nil {
			w.logger.Warn("Failed to watch project directory",
				zap.String("dir", dir), zap.Error(err))
		}
	}
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	// Catch-up before any event handling: every journal that exists right
	// now gets one job, so sessions written while we were down are synced.
	w.enqueueAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	if strings.HasSuffix(event.Name, journal.Ext) {
		w.debouncePath(event.Name)
		return
	}

	// A new directory directly under the root is a new project: watch it
	// and pick up any journals that landed before the watch was active.
	if event.Op&fsnotify.Create != 0 && filepath.Dir(event.Name) == w.layout.Root() {
		info, err := os.Stat(event.Name)
		if err != nil || !info.IsDir() {
			return
		}
		if err := w.fsw.Add(event.Name); err != nil {
			w.logger.Warn("Failed to watch new project directory",
				zap.String("dir", event.Name), zap.Error(err))
			return
		}
		w.logger.Debug("Watching new project directory", zap.String("dir", event.Name))
		w.enqueueDir(event.Name)
	}
}

// debouncePath (re)arms the per-path timer; the job fires only after the
// path has been quiet for the debounce window.
func (w *Watcher) debouncePath(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		w.fire(path)
	})
}

func (w *Watcher) fire(path string) {
	projectID, sessionID, ok := w.layout.Split(path)
	if !ok {
		return
	}
	job := SyncJob{ProjectID: projectID, SessionID: sessionID, Path: path}
	select {
	case w.jobs <- job:
	case <-w.done:
	}
}

func (w *Watcher) enqueueAll(ctx context.Context) {
	refs, err := w.layout.List()
	if err != nil {
		w.logger.Warn("Journal scan failed", zap.Error(err))
		return
	}
	for _, ref := range refs {
		job := SyncJob{ProjectID: ref.ProjectID, SessionID: ref.SessionID, Path: ref.Path}
		select {
		case w.jobs <- job:
		case <-ctx.Done():
			return
		case <-w.done:
			return
		}
	}
	if len(refs) > 0 {
		w.logger.Info("Journal scan enqueued sessions", zap.Int("count", len(refs)))
	}
}

func (w *Watcher) enqueueDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), journal.Ext) {
			continue
		}
		w.fire(filepath.Join(dir, entry.Name()))
	}
}

// rescanLoop periodically re-enumerates every journal. The ingester's mtime
// short-circuit makes unchanged sessions nearly free, so this only has to
// be cheap enough to run every few minutes.
func (w *Watcher) rescanLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.rescan)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			w.enqueueAll(ctx)
		}
	}
}
