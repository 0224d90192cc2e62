package artifacts

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/conneroisu/playground/internal/errors"
	"github.com/conneroisu/playground/internal/logging"
)

// patchPrefix marks auxiliary files written by patch builds. They are the only
// files removed from preserved artifacts.
const patchPrefix = "patch-"

// ScratchOwner grants exclusive access to the build scratch directory while
// no build is running.
type ScratchOwner interface {
	WithIdleScratch(fn func(scratch string) error) (bool, error)
}

// CleanerConfig bounds the disk usage of artifacts and the build cache.
type CleanerConfig struct {
	// Budget is the maximum total size of the artifact root in bytes.
	Budget int64
	// TargetBudget is the maximum size of the scratch target directory.
	TargetBudget int64
	Interval     time.Duration
	// Preserved artifacts are never evicted; only their patch files are.
	Preserved []string
}

// Report summarizes one sweep.
type Report struct {
	Evicted       []string
	PatchesPruned int
	FreedBytes    int64
	TargetRemoved bool
}

// Cleaner evicts the oldest artifacts when the root exceeds its budget.
type Cleaner struct {
	store     *Store
	scratch   ScratchOwner
	cfg       CleanerConfig
	preserved map[string]bool
	logger    logging.Logger
}

// NewCleaner creates a cleaner for store. scratch may be nil when the target
// directory is not managed.
func NewCleaner(store *Store, scratch ScratchOwner, cfg CleanerConfig, logger logging.Logger) *Cleaner {
	preserved := make(map[string]bool, len(cfg.Preserved))
	for _, id := range cfg.Preserved {
		preserved[id] = true
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}

	return &Cleaner{
		store:     store,
		scratch:   scratch,
		cfg:       cfg,
		preserved: preserved,
		logger:    logging.OrNop(logger).WithComponent("artifacts"),
	}
}

// Run sweeps on every interval tick until ctx is cancelled.
func (c *Cleaner) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil {
				c.logger.Warn(ctx, err, "Artifact sweep failed")
			}
		}
	}
}

type entry struct {
	id      string
	size    int64
	modTime time.Time
}

// Sweep runs one cleaning pass.
func (c *Cleaner) Sweep(ctx context.Context) (Report, error) {
	var report Report

	if c.scratch != nil && c.cfg.TargetBudget > 0 {
		removed, err := c.pruneTarget()
		if err != nil {
			c.logger.Warn(ctx, err, "Failed to prune build target directory")
		}
		report.TargetRemoved = removed
	}

	if c.cfg.Budget <= 0 {
		return report, nil
	}

	entries, total, err := c.scan()
	if err != nil {
		return report, err
	}
	if total <= c.cfg.Budget {
		return report, nil
	}

	// Oldest first.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].modTime.Before(entries[j].modTime)
	})

	for _, e := range entries {
		if total <= c.cfg.Budget {
			break
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		dir := filepath.Join(c.store.Root(), e.id)
		if c.preserved[e.id] {
			freed, n, err := prunePatches(dir)
			if err != nil {
				c.logger.Warn(ctx, err, "Failed to prune patch files", "build_id", e.id)
			}
			total -= freed
			report.FreedBytes += freed
			report.PatchesPruned += n

			continue
		}

		if err := os.RemoveAll(dir); err != nil {
			c.logger.Warn(ctx, err, "Failed to evict artifact", "build_id", e.id)

			continue
		}
		total -= e.size
		report.FreedBytes += e.size
		report.Evicted = append(report.Evicted, e.id)
	}

	if len(report.Evicted) > 0 || report.PatchesPruned > 0 {
		c.logger.Info(ctx, "Evicted artifacts",
			"evicted", len(report.Evicted),
			"patches_pruned", report.PatchesPruned,
			"freed_bytes", report.FreedBytes,
			"remaining_bytes", total)
	}

	return report, nil
}

// scan lists published artifacts with their sizes. Staging directories are
// skipped.
func (c *Cleaner) scan() ([]entry, int64, error) {
	dirents, err := os.ReadDir(c.store.Root())
	if err != nil {
		return nil, 0, errors.WrapIO(err, "read artifact root")
	}

	var entries []entry
	var total int64
	for _, d := range dirents {
		if !d.IsDir() || !ValidID(d.Name()) {
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		size, err := dirSize(filepath.Join(c.store.Root(), d.Name()))
		if err != nil {
			// Removed underneath us.
			continue
		}
		entries = append(entries, entry{id: d.Name(), size: size, modTime: info.ModTime()})
		total += size
	}

	return entries, total, nil
}

func (c *Cleaner) pruneTarget() (bool, error) {
	removed := false
	_, err := c.scratch.WithIdleScratch(func(scratch string) error {
		target := filepath.Join(scratch, "target")
		size, err := dirSize(target)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}

			return err
		}
		if size <= c.cfg.TargetBudget {
			return nil
		}
		if err := os.RemoveAll(target); err != nil {
			return errors.WrapIO(err, "remove "+target)
		}
		removed = true

		return nil
	})

	return removed, err
}

func prunePatches(dir string) (int64, int, error) {
	var freed int64
	var n int
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasPrefix(d.Name(), patchPrefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		freed += info.Size()
		n++

		return nil
	})

	return freed, n, err
}

func dirSize(dir string) (int64, error) {
	var size int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return nil
			}
			size += info.Size()
		}

		return nil
	})

	return size, err
}
