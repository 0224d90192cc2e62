// Package watcher reports debounced file changes. The server uses it to
// refresh the template fingerprint when the build template is edited, and the
// watch command uses it to follow a source file.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/conneroisu/playground/internal/logging"
)

// FileWatcher watches for file changes with debouncing
type FileWatcher struct {
	watcher   *fsnotify.Watcher
	debouncer *Debouncer
	filters   []FileFilter
	handlers  []ChangeHandler
	recursive bool
	logger    logging.Logger
	mutex     sync.RWMutex

	started bool
	stopped bool
}

// ChangeEvent represents a file change event
type ChangeEvent struct {
	Type    EventType
	Path    string
	ModTime time.Time
	Size    int64
}

// EventType represents the type of file change
type EventType int

const (
	EventTypeCreated EventType = iota
	EventTypeModified
	EventTypeDeleted
	EventTypeRenamed
)

// String returns the string representation of the EventType
func (e EventType) String() string {
	switch e {
	case EventTypeCreated:
		return "created"
	case EventTypeModified:
		return "modified"
	case EventTypeDeleted:
		return "deleted"
	case EventTypeRenamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// FileFilter determines if a file should be watched
type FileFilter func(path string) bool

// ChangeHandler handles a batch of debounced change events
type ChangeHandler func(ctx context.Context, events []ChangeEvent) error

// Debouncer groups rapid file changes together
type Debouncer struct {
	delay   time.Duration
	events  chan ChangeEvent
	output  chan []ChangeEvent
	timer   *time.Timer
	pending []ChangeEvent
	mutex   sync.Mutex
}

// NewFileWatcher creates a new file watcher
func NewFileWatcher(debounceDelay time.Duration, logger logging.Logger) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	debouncer := &Debouncer{
		delay:   debounceDelay,
		events:  make(chan ChangeEvent, 100),
		output:  make(chan []ChangeEvent, 10),
		pending: make([]ChangeEvent, 0),
	}

	return &FileWatcher{
		watcher:   watcher,
		debouncer: debouncer,
		logger:    logging.OrNop(logger).WithComponent("watcher"),
	}, nil
}

// AddFilter adds a file filter. An event passes when every filter accepts it.
func (fw *FileWatcher) AddFilter(filter FileFilter) {
	fw.mutex.Lock()
	defer fw.mutex.Unlock()
	fw.filters = append(fw.filters, filter)
}

// AddHandler adds a change handler
func (fw *FileWatcher) AddHandler(handler ChangeHandler) {
	fw.mutex.Lock()
	defer fw.mutex.Unlock()
	fw.handlers = append(fw.handlers, handler)
}

// AddPath watches a single file or directory.
func (fw *FileWatcher) AddPath(path string) error {
	cleanPath, err := validatePath(path)
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}

	return fw.watcher.Add(cleanPath)
}

// AddRecursive watches root and every subdirectory except build output and
// hidden directories. Directories created later are picked up as they appear.
func (fw *FileWatcher) AddRecursive(root string) error {
	cleanRoot, err := validatePath(root)
	if err != nil {
		return fmt.Errorf("invalid root path: %w", err)
	}

	fw.mutex.Lock()
	fw.recursive = true
	fw.mutex.Unlock()

	return fw.addTree(cleanRoot)
}

func (fw *FileWatcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && skipDir(d.Name()) {
			return filepath.SkipDir
		}

		return fw.watcher.Add(path)
	})
}

func skipDir(name string) bool {
	return name == "target" || strings.HasPrefix(name, ".")
}

// validatePath cleans path and checks that it exists.
func validatePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	cleanPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("getting absolute path: %w", err)
	}
	if _, err := os.Stat(cleanPath); err != nil {
		return "", err
	}

	return cleanPath, nil
}

// Start starts the file watcher. It returns immediately; the watcher runs
// until ctx is cancelled or Stop is called.
func (fw *FileWatcher) Start(ctx context.Context) error {
	fw.mutex.Lock()
	defer fw.mutex.Unlock()
	if fw.stopped {
		return fmt.Errorf("file watcher is stopped")
	}
	if fw.started {
		return fmt.Errorf("file watcher already started")
	}
	fw.started = true

	go fw.debouncer.start(ctx)
	go fw.processEvents(ctx)
	go fw.watchLoop(ctx)

	return nil
}

// Stop stops the file watcher and cleans up resources. Later calls are no-ops.
func (fw *FileWatcher) Stop() error {
	fw.mutex.Lock()
	if fw.stopped {
		fw.mutex.Unlock()
		return nil
	}
	fw.stopped = true
	fw.mutex.Unlock()

	fw.debouncer.mutex.Lock()
	if fw.debouncer.timer != nil {
		fw.debouncer.timer.Stop()
	}
	fw.debouncer.mutex.Unlock()

	return fw.watcher.Close()
}

func (fw *FileWatcher) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			fw.handleFsnotifyEvent(event)
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Warn(ctx, err, "File watcher error")
		}
	}
}

func (fw *FileWatcher) handleFsnotifyEvent(event fsnotify.Event) {
	fw.mutex.RLock()
	filters := fw.filters
	recursive := fw.recursive
	fw.mutex.RUnlock()

	info, err := os.Stat(event.Name)
	if err == nil && info.IsDir() {
		if recursive && event.Has(fsnotify.Create) && !skipDir(info.Name()) {
			if err := fw.addTree(event.Name); err != nil {
				fw.logger.Warn(context.Background(), err, "Failed to watch new directory", "path", event.Name)
			}
		}

		return
	}

	for _, filter := range filters {
		if !filter(event.Name) {
			return
		}
	}

	var modTime time.Time
	var size int64
	if err == nil {
		modTime = info.ModTime()
		size = info.Size()
	}

	var eventType EventType
	switch {
	case event.Has(fsnotify.Create):
		eventType = EventTypeCreated
	case event.Has(fsnotify.Write):
		eventType = EventTypeModified
	case event.Has(fsnotify.Remove):
		eventType = EventTypeDeleted
	case event.Has(fsnotify.Rename):
		eventType = EventTypeRenamed
	default:
		eventType = EventTypeModified
	}

	changeEvent := ChangeEvent{
		Type:    eventType,
		Path:    event.Name,
		ModTime: modTime,
		Size:    size,
	}

	select {
	case fw.debouncer.events <- changeEvent:
	default:
		// Channel full; a later event in the same burst still triggers a flush.
	}
}

func (fw *FileWatcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case events := <-fw.debouncer.output:
			fw.mutex.RLock()
			handlers := fw.handlers
			fw.mutex.RUnlock()

			for _, handler := range handlers {
				if err := handler(ctx, events); err != nil {
					fw.logger.Warn(ctx, err, "File watcher handler error", "events", len(events))
				}
			}
		}
	}
}

func (d *Debouncer) start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-d.events:
			d.addEvent(event)
		}
	}
}

func (d *Debouncer) addEvent(event ChangeEvent) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.pending = append(d.pending, event)

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.flush)
}

func (d *Debouncer) flush() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if len(d.pending) == 0 {
		return
	}

	// Last event per path wins.
	eventMap := make(map[string]ChangeEvent)
	for _, event := range d.pending {
		eventMap[event.Path] = event
	}

	events := make([]ChangeEvent, 0, len(eventMap))
	for _, event := range eventMap {
		events = append(events, event)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Path < events[j].Path })

	select {
	case d.output <- events:
	default:
	}

	d.pending = d.pending[:0]
}

// RustFilter accepts Rust source files.
func RustFilter(path string) bool {
	return filepath.Ext(path) == ".rs"
}

// NoTargetFilter rejects build output under a target directory.
func NoTargetFilter(path string) bool {
	return !hasSegment(path, "target")
}

// NoHiddenFilter rejects dot files and anything under a dot directory.
func NoHiddenFilter(path string) bool {
	for _, segment := range strings.Split(filepath.ToSlash(path), "/") {
		if strings.HasPrefix(segment, ".") && segment != "." && segment != ".." {
			return false
		}
	}

	return true
}

// NoEditorTempFilter rejects swap and backup files written by editors.
func NoEditorTempFilter(path string) bool {
	base := filepath.Base(path)

	return !strings.HasSuffix(base, "~") && !strings.HasSuffix(base, ".swp") && !strings.HasPrefix(base, "#")
}

// PathFilter accepts only the given file.
func PathFilter(target string) FileFilter {
	abs, err := filepath.Abs(target)
	if err != nil {
		abs = filepath.Clean(target)
	}

	return func(path string) bool {
		p, err := filepath.Abs(path)
		if err != nil {
			return false
		}

		return p == abs
	}
}

func hasSegment(path, name string) bool {
	for _, segment := range strings.Split(filepath.ToSlash(path), "/") {
		if segment == name {
			return true
		}
	}

	return false
}
