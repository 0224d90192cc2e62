package hotreload

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/conneroisu/playground/internal/errors"
	"github.com/conneroisu/playground/internal/logging"
	"github.com/conneroisu/playground/internal/rsx"
)

// DefaultFile is the path of the user's main source file inside a project.
const DefaultFile = "src/main.rs"

// State of the coordinator relative to the running program.
type State int

const (
	// Synced: the running program matches the baseline plus sent patches.
	Synced State = iota
	// Dirty: an edit needed a rebuild that has not completed yet.
	Dirty
)

func (s State) String() string {
	if s == Dirty {
		return "dirty"
	}
	return "synced"
}

// ErrNeedsRebuild is returned by ApplyEdit when the edit cannot be patched.
var ErrNeedsRebuild = errors.NewBuildError(errors.ErrCodeNeedsRebuild, "edit needs a full rebuild", nil)

// Patch is an ordered set of template replacements. Keys not present are
// unchanged.
type Patch struct {
	Templates []rsx.Template `json:"templates"`
}

// Empty reports whether the patch carries no templates.
func (p Patch) Empty() bool {
	return len(p.Templates) == 0
}

// Message encodes the patch as the message the running page applies.
func (p Patch) Message() ([]byte, error) {
	templates := p.Templates
	if templates == nil {
		templates = []rsx.Template{}
	}
	return json.Marshal(struct {
		Kind      string         `json:"kind"`
		Templates []rsx.Template `json:"templates"`
	}{Kind: "hot_reload", Templates: templates})
}

// Coordinator diffs edits against a baseline source and produces patches.
type Coordinator struct {
	mu       sync.Mutex
	file     string
	baseline string
	state    State
	cache    *Cache
	logger   logging.Logger
}

// NewCoordinator creates a coordinator for templates in file. The baseline
// starts empty; call SetBaseline after the first successful build.
func NewCoordinator(file string, logger logging.Logger) *Coordinator {
	if file == "" {
		file = DefaultFile
	}
	return &Coordinator{
		file:   file,
		cache:  NewCache(file),
		logger: logging.OrNop(logger).WithComponent("hotreload"),
	}
}

// SetBaseline records source as the program that is running and clears the
// template cache.
func (c *Coordinator) SetBaseline(ctx context.Context, source string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setBaseline(ctx, source)
}

// MarkRebuilt is called when a full build of source succeeded.
func (c *Coordinator) MarkRebuilt(ctx context.Context, source string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setBaseline(ctx, source)
	c.state = Synced
}

func (c *Coordinator) setBaseline(ctx context.Context, source string) {
	c.baseline = source
	if err := c.cache.Reset(ctx, source); err != nil {
		c.logger.Debug(ctx, "Baseline does not parse", "error", err.Error())
	}
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Baseline returns the source edits are diffed against.
func (c *Coordinator) Baseline() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baseline
}

// ApplyEdit diffs source against the baseline. It returns the templates that
// changed since they were last sent, ErrNeedsRebuild when the edit touches
// code outside template literals or a literal cannot be patched, or a parse
// error when either source does not parse. On ErrNeedsRebuild the baseline
// advances to source.
func (c *Coordinator) ApplyEdit(ctx context.Context, source string) (Patch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	changes, ok, err := rsx.Diff(ctx, c.baseline, source)
	if err != nil {
		return Patch{}, err
	}
	if !ok {
		return Patch{}, c.needsRebuild(ctx, source, nil)
	}

	var patch Patch
	var pending []rsx.Template
	for _, change := range changes {
		templates, err := rsx.HotReload(c.file, change)
		if err != nil {
			return Patch{}, c.needsRebuild(ctx, source, err)
		}
		pending = append(pending, templates...)
	}

	for _, t := range pending {
		if c.cache.ObserveOrSuppress(t.Key, t.Value) {
			patch.Templates = append(patch.Templates, t)
		}
	}

	c.logger.Debug(ctx, "Edit applied", "changed_literals", len(changes), "templates", len(patch.Templates))
	return patch, nil
}

func (c *Coordinator) needsRebuild(ctx context.Context, source string, cause error) error {
	c.setBaseline(ctx, source)
	c.state = Dirty
	if cause != nil {
		c.logger.Debug(ctx, "Literal not hot reloadable", "error", cause.Error())
		return errors.WrapBuild(cause, errors.ErrCodeNeedsRebuild, "edit needs a full rebuild")
	}
	return ErrNeedsRebuild
}
