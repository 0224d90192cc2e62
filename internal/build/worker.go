// Package build turns user source into a published browser bundle. The
// Worker runs one toolchain invocation at a time; the Queue serializes
// requests onto it and keeps each requester informed of its position.
package build

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/conneroisu/playground/internal/errors"
	"github.com/conneroisu/playground/internal/logging"
)

const (
	// maxBufferedLines bounds the unrecognized output kept for failure logs.
	maxBufferedLines = 2000
	maxLineSize      = 4 << 20
	waitDelay        = 5 * time.Second
	// PreviousBuildEnv names the directory of the previous artifact for
	// patch builds.
	PreviousBuildEnv = "PREVIOUS_BUILD_DIR"
)

var (
	// ErrNotStarted is returned by Wait when no build is in flight.
	ErrNotStarted = errors.NewBuildError(errors.ErrCodeNotStarted, "no build in flight", nil)
	// ErrCancelled is returned when a build was stopped.
	ErrCancelled = errors.NewBuildError(errors.ErrCodeCancelled, "build cancelled", nil)
	// ErrToolchainFailed matches any non-zero toolchain exit.
	ErrToolchainFailed = errors.NewBuildError(errors.ErrCodeToolchainFailed, "toolchain failed", nil)
)

func isCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// WorkerConfig holds the worker's paths and toolchain invocation.
type WorkerConfig struct {
	TemplatePath string
	ScratchPath  string
	ArtifactRoot string
	Command      string
	Args         []string
	PatchArgs    []string
	// OutputDir is relative to ScratchPath; {PACKAGE} is replaced with the
	// staged package name.
	OutputDir string
	Timeout   time.Duration
}

// Worker is the single-slot build executor.
type Worker struct {
	cfg     WorkerConfig
	schema  *Schema
	logger  logging.Logger
	metrics *BuildMetrics

	// scratch is held for the whole of a run.
	scratch sync.Mutex

	mu  sync.Mutex
	job *job
}

type job struct {
	req    *Request
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewWorker creates a worker. schema may be nil to skip line validation.
func NewWorker(cfg WorkerConfig, schema *Schema, metrics *BuildMetrics, logger logging.Logger) *Worker {
	if metrics == nil {
		metrics = NewBuildMetrics()
	}
	return &Worker{
		cfg:     cfg,
		schema:  schema,
		logger:  logging.OrNop(logger).WithComponent("build"),
		metrics: metrics,
	}
}

// Metrics returns the worker's build metrics.
func (w *Worker) Metrics() *BuildMetrics {
	return w.metrics
}

// Start begins building req in the background. Starting the request that is
// already in flight is a no-op; starting another one stops the current job.
func (w *Worker) Start(req *Request) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.job != nil {
		if w.job.req == req {
			return
		}
		w.job.cancel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	j := &job{req: req, cancel: cancel, done: make(chan struct{})}
	w.job = j

	go func() {
		defer cancel()
		j.err = w.run(ctx, req, cancel)
		close(j.done)
	}()
}

// Stop aborts the in-flight job, if any. It does not wait.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.job != nil {
		w.job.cancel()
	}
}

// Wait blocks until the in-flight job finishes and returns its request. It
// returns ErrNotStarted when nothing was started since the last Wait.
func (w *Worker) Wait(ctx context.Context) (*Request, error) {
	w.mu.Lock()
	j := w.job
	w.mu.Unlock()

	if j == nil {
		return nil, ErrNotStarted
	}

	select {
	case <-j.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	w.mu.Lock()
	if w.job == j {
		w.job = nil
	}
	w.mu.Unlock()
	return j.req, j.err
}

// Busy reports whether a job is in flight.
func (w *Worker) Busy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.job == nil {
		return false
	}
	select {
	case <-w.job.done:
		return false
	default:
		return true
	}
}

// WithIdleScratch runs fn with exclusive use of the scratch directory if no
// build holds it. It reports whether fn ran.
func (w *Worker) WithIdleScratch(fn func(scratch string) error) (bool, error) {
	if !w.scratch.TryLock() {
		return false, nil
	}
	defer w.scratch.Unlock()
	return true, fn(w.cfg.ScratchPath)
}

func (w *Worker) run(ctx context.Context, req *Request, cancel context.CancelFunc) (err error) {
	logger := w.logger.With("build_id", req.ID)
	perf := logging.StartOperation(logger, "build")
	start := time.Now()
	cacheHit := false
	defer func() {
		w.metrics.RecordBuild(time.Since(start), err, cacheHit)
		if err != nil {
			perf.EndWithError(ctx, err)
		} else {
			perf.End(ctx, "cache_hit", cacheHit)
		}
	}()

	send := func(e Event) {
		if !req.Sink.Send(e) {
			// Nobody is listening any more.
			cancel()
		}
	}
	send(stageEvent(Stage{Type: StageStarting}))

	final := filepath.Join(w.cfg.ArtifactRoot, req.ID)
	if dirExists(final) {
		cacheHit = true
		return nil
	}

	if w.cfg.Timeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, w.cfg.Timeout)
		defer stop()
	}

	w.scratch.Lock()
	defer w.scratch.Unlock()
	if err := ctxError(ctx); err != nil {
		return err
	}

	pkg, err := stageTemplate(w.cfg.TemplatePath, w.cfg.ScratchPath, req.ID, req.Source)
	if err != nil {
		return err
	}

	cmd := w.command(ctx, req)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.WrapIO(err, "open toolchain stdout")
	}
	var stderr tailBuffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return errors.NewBuildError(errors.ErrCodeToolchainFailed, "start toolchain", err).
			WithContext("exit_code", -1)
	}
	logger.Debug(ctx, "Toolchain started", "pid", cmd.Process.Pid, "package", pkg)

	var unrecognized []string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64<<10), maxLineSize)
	for scanner.Scan() {
		ev, ok := decodeLine(w.schema, scanner.Bytes())
		if !ok {
			if len(unrecognized) < maxBufferedLines {
				unrecognized = append(unrecognized, scanner.Text())
			}
			continue
		}
		if ev.Kind == EventDiagnostic && !userDiagnostic(ev.Diagnostic, pkg) {
			continue
		}
		send(ev)
	}

	waitErr := cmd.Wait()
	if err := ctxError(ctx); err != nil {
		return err
	}
	if waitErr != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		}
		logger.Debug(ctx, "Toolchain output",
			"exit_code", code,
			"stdout", strings.Join(unrecognized, "\n"),
			"stderr", stderr.String())
		return errors.NewBuildError(errors.ErrCodeToolchainFailed, "toolchain failed", waitErr).
			WithContext("exit_code", code)
	}

	return w.publish(ctx, pkg, req.ID)
}

func (w *Worker) command(ctx context.Context, req *Request) *exec.Cmd {
	args := append([]string{}, w.cfg.Args...)
	env := os.Environ()

	if prev := w.previousArtifact(req.PreviousBuildID); prev != "" {
		args = append(args, w.cfg.PatchArgs...)
		env = append(env, PreviousBuildEnv+"="+prev)
	}

	cmd := exec.CommandContext(ctx, w.cfg.Command, args...)
	cmd.Dir = w.cfg.ScratchPath
	cmd.Env = env
	cmd.Stdin = nil
	cmd.WaitDelay = waitDelay
	configureProcess(cmd)
	return cmd
}

// previousArtifact returns the absolute directory of a previous build, or
// "" when id is not a published artifact.
func (w *Worker) previousArtifact(id string) string {
	if id == "" {
		return ""
	}
	if _, err := uuid.Parse(id); err != nil {
		return ""
	}
	dir, err := filepath.Abs(filepath.Join(w.cfg.ArtifactRoot, id))
	if err != nil || !dirExists(dir) {
		return ""
	}
	return dir
}

// publish moves the toolchain's output into the artifact root. Readers see
// either no directory or the complete one.
func (w *Worker) publish(ctx context.Context, pkg, id string) error {
	out := filepath.Join(w.cfg.ScratchPath, filepath.FromSlash(strings.ReplaceAll(w.cfg.OutputDir, packageToken, pkg)))
	if !dirExists(out) {
		return errors.NewIOError(errors.ErrCodeIOFailed, "toolchain produced no output", nil).
			WithContext("context", "locate output").
			WithContext("path", out)
	}
	if err := injectBridge(out, id); err != nil {
		return err
	}

	if err := os.MkdirAll(w.cfg.ArtifactRoot, 0o755); err != nil {
		return errors.WrapIO(err, "create artifact root")
	}
	final := filepath.Join(w.cfg.ArtifactRoot, id)
	if dirExists(final) {
		// A duplicate request published the same content first.
		_ = os.RemoveAll(out)
		return nil
	}

	if err := ctxError(ctx); err != nil {
		return err
	}

	err := os.Rename(out, final)
	if err != nil && errors.Is(err, syscall.EXDEV) {
		err = w.publishCopy(out, final, id)
	}
	if err != nil {
		return errors.WrapIO(err, "publish artifact")
	}

	if err := clearScratch(w.cfg.ScratchPath); err != nil {
		w.logger.Warn(ctx, err, "Failed to purge scratch directory")
	}
	return nil
}

// publishCopy handles a scratch directory on another filesystem: the tree is
// copied next to its final location under a dot-prefixed name, which the
// cleaner and HTTP layer ignore, and then renamed into place.
func (w *Worker) publishCopy(out, final, id string) error {
	tmp := filepath.Join(w.cfg.ArtifactRoot, ".tmp-"+id)
	_ = os.RemoveAll(tmp)
	if err := copyTree(out, tmp); err != nil {
		_ = os.RemoveAll(tmp)
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.RemoveAll(tmp)
		return err
	}
	return os.RemoveAll(out)
}

func ctxError(ctx context.Context) error {
	switch ctx.Err() {
	case nil:
		return nil
	case context.DeadlineExceeded:
		return errors.NewBuildError(errors.ErrCodeToolchainFailed, "build timed out", ctx.Err()).
			WithContext("exit_code", -1)
	default:
		return ErrCancelled
	}
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// tailBuffer keeps the last 64KiB written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

const tailSize = 64 << 10

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > tailSize {
		t.buf = t.buf[len(t.buf)-tailSize:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
