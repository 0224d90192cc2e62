package build

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const fakeToolchainScript = `#!/bin/sh
echo "$@ prev=$PREVIOUS_BUILD_DIR" >> "__LOG__"
PKG=$(sed -n 's/^name = "\(.*\)"$/\1/p' Cargo.toml)
CRATE=$(echo "$PKG" | tr '-' '_')
echo '{"stage":{"type":"compiling","crates_compiled":1,"total_crates":2,"current_crate":"serde"}}'
echo '   Compiling serde v1.0.0'
echo '{"stage":{"type":"running_bindgen"}}'
echo '{"stage":{"type":"optimizing"}}'
printf '{"message":{"target":{"name":"%s"},"message":{"level":"warning","message":"unused variable","spans":[{"line_start":3,"line_end":3,"column_start":9,"column_end":10,"label":"here"}],"rendered":"warning: unused variable"}}}\n' "$CRATE"
echo '{"message":{"target":{"name":"serde"},"message":{"level":"warning","message":"dependency warning","spans":[]}}}'
if grep -q FAIL src/main.rs; then
  echo 'error: could not compile' >&2
  exit 3
fi
if grep -q SLEEP src/main.rs; then
  sleep 30
fi
OUT="target/dx/$PKG/debug/web/public"
mkdir -p "$OUT"
printf '<!DOCTYPE html><html><head><title>app</title></head><body></body></html>' > "$OUT/index.html"
echo 'console.log("app")' > "$OUT/app.js"
`

type fixture struct {
	template  string
	scratch   string
	artifacts string
	log       string
	cfg       WorkerConfig
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake toolchain is a shell script")
	}

	root := t.TempDir()
	f := &fixture{
		template:  filepath.Join(root, "template"),
		scratch:   filepath.Join(root, "scratch"),
		artifacts: filepath.Join(root, "built"),
		log:       filepath.Join(root, "invocations.log"),
	}

	writeFile(t, filepath.Join(f.template, "Cargo.toml"), "[package]\nname = \"play-{BUILD_ID}\"\nversion = \"0.1.0\"\n")
	writeFile(t, filepath.Join(f.template, "src", "main.rs"), "fn main() {}\n")
	writeFile(t, filepath.Join(f.template, "snippets", "hello.rs"), "// snippet\n")

	tool := filepath.Join(root, "dx")
	writeFile(t, tool, strings.ReplaceAll(fakeToolchainScript, "__LOG__", f.log))
	require.NoError(t, os.Chmod(tool, 0o755))

	f.cfg = WorkerConfig{
		TemplatePath: f.template,
		ScratchPath:  f.scratch,
		ArtifactRoot: f.artifacts,
		Command:      tool,
		Args:         []string{"build", "--json-output"},
		PatchArgs:    []string{"--patch"},
		OutputDir:    "target/dx/{PACKAGE}/debug/web/public",
		Timeout:      time.Minute,
	}
	return f
}

func (f *fixture) worker(t *testing.T) *Worker {
	t.Helper()
	schema, err := NewSchema()
	require.NoError(t, err)
	return NewWorker(f.cfg, schema, nil, nil)
}

// invocations returns the logged toolchain command lines.
func (f *fixture) invocations(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(f.log)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// collect drains sink until a Finished event arrives or the timeout passes.
func collect(t *testing.T, sink *Sink, timeout time.Duration) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(timeout)
	for {
		select {
		case <-sink.Ready():
			for _, e := range sink.Drain() {
				events = append(events, e)
				if e.Kind == EventFinished {
					return events
				}
			}
		case <-deadline:
			t.Fatalf("timed out waiting for build to finish; got %d events", len(events))
			return events
		}
	}
}

// waitFor polls sink until an event satisfying pred arrives.
func waitFor(t *testing.T, sink *Sink, pred func(Event) bool) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(10 * time.Second)
	for {
		select {
		case <-sink.Ready():
			for _, e := range sink.Drain() {
				events = append(events, e)
				if pred(e) {
					return events
				}
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event; got %d events", len(events))
			return events
		}
	}
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}
