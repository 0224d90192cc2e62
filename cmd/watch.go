package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/cobra"

	"github.com/conneroisu/playground/internal/config"
	"github.com/conneroisu/playground/internal/errors"
	"github.com/conneroisu/playground/internal/hotreload"
	"github.com/conneroisu/playground/internal/logging"
	"github.com/conneroisu/playground/internal/rsx"
	"github.com/conneroisu/playground/internal/server"
	"github.com/conneroisu/playground/internal/watcher"
)

var watchCmd = &cobra.Command{
	Use:     "watch FILE",
	Aliases: []string{"w"},
	Short:   "Hot reload a local source file against a build server",
	Long: `Watch FILE and hot reload its template literals.

Each saved change is diffed against the last built source. Template-only
edits are printed as hot reload patches, one JSON object per line. Edits that
need a full build are submitted to the server's /ws endpoint and the streamed
build frames are printed as they arrive.

Examples:
  playground watch src/main.rs
  playground watch src/main.rs --server https://play.example.com
  playground watch src/main.rs --skip-build   # No build on start`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

var (
	watchServer    string
	watchSkipBuild bool
	watchDebounce  time.Duration
)

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVar(&watchServer, "server", "http://localhost:3000", "Build server URL")
	watchCmd.Flags().BoolVar(&watchSkipBuild, "skip-build", false, "Assume the server already built FILE")
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 300*time.Millisecond, "Delay before handling a burst of changes")
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("invalid log configuration: %w", err)
	}

	endpoint, err := buildEndpoint(watchServer)
	if err != nil {
		return err
	}

	file := args[0]
	source, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", file, err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ws := newWatchSession(endpoint, cmd.OutOrStdout(), cmd.ErrOrStderr(), logger)
	if watchSkipBuild {
		ws.coord.MarkRebuilt(ctx, string(source))
	} else {
		ws.coord.SetBaseline(ctx, string(source))
		if err := ws.rebuild(ctx, string(source)); err != nil {
			return err
		}
	}

	fileWatcher, err := watcher.NewFileWatcher(watchDebounce, logger)
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fileWatcher.Stop()

	// Editors replace files on save, so the directory is watched.
	fileWatcher.AddFilter(watcher.PathFilter(file))
	fileWatcher.AddFilter(watcher.NoEditorTempFilter)
	fileWatcher.AddHandler(func(ctx context.Context, events []watcher.ChangeEvent) error {
		data, err := os.ReadFile(file)
		if err != nil {
			// Mid-save; the rename that follows triggers another batch.
			logger.Debug(ctx, "Source unreadable", "error", err.Error())

			return nil
		}

		return ws.handleEdit(ctx, string(data))
	})
	if err := fileWatcher.AddPath(filepath.Dir(file)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", file, err)
	}
	if err := fileWatcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start file watcher: %w", err)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Watching %s (Ctrl+C to stop)\n", file)
	<-ctx.Done()

	return nil
}

// buildEndpoint turns a server base URL into its /ws endpoint.
func buildEndpoint(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server URL %q: %w", base, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid server URL %q: scheme must be http or https", base)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid server URL %q: missing host", base)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"

	return u.String(), nil
}

// watchSession is the local editing loop: a coordinator for hot reload and a
// build client for everything else.
type watchSession struct {
	endpoint string
	coord    *hotreload.Coordinator
	logger   logging.Logger

	mu     sync.Mutex
	out    io.Writer
	errOut io.Writer

	// lastBuild is sent as previous_build_id for patch builds.
	lastBuild string
}

func newWatchSession(endpoint string, out, errOut io.Writer, logger logging.Logger) *watchSession {
	return &watchSession{
		endpoint: endpoint,
		coord:    hotreload.NewCoordinator(hotreload.DefaultFile, logger),
		logger:   logging.OrNop(logger).WithComponent("watch"),
		out:      out,
		errOut:   errOut,
	}
}

// handleEdit prints a patch for template-only edits and rebuilds otherwise.
func (w *watchSession) handleEdit(ctx context.Context, source string) error {
	patch, err := w.coord.ApplyEdit(ctx, source)
	switch {
	case errors.Is(err, hotreload.ErrNeedsRebuild):
		return w.rebuild(ctx, source)
	case errors.Is(err, rsx.ErrParseFailure):
		w.printErr("source does not parse; waiting for the next change")

		return nil
	case err != nil:
		return err
	}

	if patch.Empty() {
		return nil
	}
	msg, err := patch.Message()
	if err != nil {
		return err
	}
	w.println(msg)

	return nil
}

// rebuild submits source to the server and prints every frame. A successful
// build becomes the new baseline.
func (w *watchSession) rebuild(ctx context.Context, source string) error {
	id, err := w.submit(ctx, source)
	if err != nil {
		w.printErr(err.Error())

		return nil
	}
	if id != "" {
		w.coord.MarkRebuilt(ctx, source)
		w.lastBuild = id
	}

	return nil
}

// submit runs one build session and returns the artifact id, or "" when the
// build failed.
func (w *watchSession) submit(ctx context.Context, source string) (string, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, w.endpoint, nil)
	cancel()
	if err != nil {
		return "", fmt.Errorf("failed to connect to %s: %w", w.endpoint, err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(4 << 20)

	frame := server.ClientFrame{Kind: server.KindBuild, Source: source, PreviousBuildID: w.lastBuild}
	if err := wsjson.Write(ctx, conn, frame); err != nil {
		return "", fmt.Errorf("failed to submit build: %w", err)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return "", fmt.Errorf("build session ended early: %w", err)
		}
		w.println(data)

		var reply server.ServerFrame
		if err := json.Unmarshal(data, &reply); err != nil {
			return "", fmt.Errorf("malformed frame from server: %w", err)
		}
		if reply.Kind != server.KindBuildFinished {
			continue
		}
		if reply.Result == nil || reply.Result.Ok == "" {
			return "", nil
		}
		w.logger.Info(ctx, "Build finished", "build_id", reply.Result.Ok)

		return reply.Result.Ok, nil
	}
}

func (w *watchSession) println(line []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.out, "%s\n", line)
}

func (w *watchSession) printErr(msg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.errOut, "watch: %s\n", msg)
}
