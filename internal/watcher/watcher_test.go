package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventTypeString(t *testing.T) {
	testCases := []struct {
		eventType EventType
		expected  string
	}{
		{EventTypeCreated, "created"},
		{EventTypeModified, "modified"},
		{EventTypeDeleted, "deleted"},
		{EventTypeRenamed, "renamed"},
		{EventType(42), "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.eventType.String())
		})
	}
}

func TestNewFileWatcher(t *testing.T) {
	watcher, err := NewFileWatcher(100*time.Millisecond, nil)
	require.NoError(t, err)
	defer watcher.Stop()

	assert.NotNil(t, watcher.watcher)
	assert.NotNil(t, watcher.debouncer)
	assert.Empty(t, watcher.filters)
	assert.Empty(t, watcher.handlers)
}

func TestFileWatcherAddPath(t *testing.T) {
	watcher, err := NewFileWatcher(100*time.Millisecond, nil)
	require.NoError(t, err)
	defer watcher.Stop()

	assert.NoError(t, watcher.AddPath(t.TempDir()))
	assert.Error(t, watcher.AddPath(filepath.Join(t.TempDir(), "missing")))
	assert.Error(t, watcher.AddPath(""))
}

func TestFileWatcherLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher, err := NewFileWatcher(10*time.Millisecond, nil)
	require.NoError(t, err)
	require.NoError(t, watcher.Start(ctx))
	assert.Error(t, watcher.Start(ctx), "second start")

	require.NoError(t, watcher.Stop())
	assert.NoError(t, watcher.Stop(), "second stop")

	stopped, err := NewFileWatcher(10*time.Millisecond, nil)
	require.NoError(t, err)
	require.NoError(t, stopped.Stop())
	assert.Error(t, stopped.Start(ctx))
}

func TestFilters(t *testing.T) {
	tests := []struct {
		name   string
		filter FileFilter
		path   string
		want   bool
	}{
		{"rust source", RustFilter, "template/src/main.rs", true},
		{"toml", RustFilter, "template/Cargo.toml", false},
		{"target output", NoTargetFilter, "template/target/debug/build.rs", false},
		{"targets is not target", NoTargetFilter, "template/targets/a.rs", true},
		{"git dir", NoHiddenFilter, "template/.git/HEAD", false},
		{"dot file", NoHiddenFilter, "template/.env", false},
		{"relative parent", NoHiddenFilter, "../template/src/main.rs", true},
		{"vim swap", NoEditorTempFilter, "src/.main.rs.swp", false},
		{"emacs backup", NoEditorTempFilter, "src/main.rs~", false},
		{"emacs lock", NoEditorTempFilter, "src/#main.rs#", false},
		{"plain", NoEditorTempFilter, "src/main.rs", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter(tt.path))
		})
	}
}

func TestPathFilter(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "main.rs")
	f := PathFilter(target)

	assert.True(t, f(target))
	assert.True(t, f(filepath.Join(dir, "sub", "..", "main.rs")))
	assert.False(t, f(filepath.Join(dir, "other.rs")))
}

func TestDebouncer(t *testing.T) {
	debouncer := &Debouncer{
		delay:   50 * time.Millisecond,
		events:  make(chan ChangeEvent, 100),
		output:  make(chan []ChangeEvent, 10),
		pending: make([]ChangeEvent, 0),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go debouncer.start(ctx)

	debouncer.events <- ChangeEvent{Path: "b.rs", Type: EventTypeCreated}
	debouncer.events <- ChangeEvent{Path: "b.rs", Type: EventTypeModified}
	debouncer.events <- ChangeEvent{Path: "a.rs", Type: EventTypeModified}

	select {
	case events := <-debouncer.output:
		require.Len(t, events, 2)
		assert.Equal(t, "a.rs", events[0].Path)
		assert.Equal(t, "b.rs", events[1].Path)
		assert.Equal(t, EventTypeModified, events[1].Type, "last event per path wins")
	case <-time.After(2 * time.Second):
		t.Fatal("debouncer did not flush")
	}
}

func TestFileWatcherDeliversRustChanges(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "target"), 0o755))

	watcher, err := NewFileWatcher(50*time.Millisecond, nil)
	require.NoError(t, err)
	defer watcher.Stop()

	watcher.AddFilter(RustFilter)
	watcher.AddFilter(NoTargetFilter)

	var mu sync.Mutex
	var seen []string
	watcher.AddHandler(func(_ context.Context, events []ChangeEvent) error {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range events {
			seen = append(seen, filepath.Base(e.Path))
		}
		return nil
	})

	require.NoError(t, watcher.AddRecursive(dir))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, watcher.Start(ctx))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "main.rs"), []byte("fn main() {}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Cargo.toml"), []byte("[package]"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "target", "out.rs"), []byte("x"), 0o644))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0
	}, 5*time.Second, 20*time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, "main.rs")
	assert.NotContains(t, seen, "Cargo.toml")
	assert.NotContains(t, seen, "out.rs")
}

func TestFileWatcherWatchesNewDirectories(t *testing.T) {
	dir := t.TempDir()

	watcher, err := NewFileWatcher(50*time.Millisecond, nil)
	require.NoError(t, err)
	defer watcher.Stop()

	got := make(chan string, 10)
	watcher.AddHandler(func(_ context.Context, events []ChangeEvent) error {
		for _, e := range events {
			got <- e.Path
		}
		return nil
	})

	require.NoError(t, watcher.AddRecursive(dir))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, watcher.Start(ctx))

	sub := filepath.Join(dir, "snippets")
	require.NoError(t, os.Mkdir(sub, 0o755))
	// Give the watch loop a moment to add the new directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(sub, "a.rs"), []byte("x"), 0o644))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case p := <-got:
			if filepath.Base(p) == "a.rs" {
				return
			}
		case <-deadline:
			t.Fatal("no event from the new directory")
		}
	}
}
