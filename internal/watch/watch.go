// Package watch re-validates plugin artifacts as they change on disk.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/chkim-su/forge2/internal/logging"
	"github.com/chkim-su/forge2/internal/schema"
	"github.com/chkim-su/forge2/internal/validate"
)

// skipDirs are never watched.
var skipDirs = map[string]bool{".git": true, ".forge": true, "node_modules": true}

const (
	defaultDebounce = 250 * time.Millisecond
	defaultBurst    = 4
)

// Validator validates artifact paths.
type Validator interface {
	ValidateFiles(ctx context.Context, paths []string, strict bool, opts ...validate.CallOption) (*validate.Report, error)
	Registry() *schema.Registry
}

// Watcher validates every artifact under a root, then re-validates the ones
// that change. Bursts of events are debounced and validation runs are rate
// limited.
type Watcher struct {
	validator Validator
	root      string
	debounce  time.Duration
	limiter   *rate.Limiter
	burst     int
	strict    bool
	logger    *logging.Logger
	onReport  func(*validate.Report)

	latest atomic.Pointer[validate.Report]

	mu      sync.Mutex
	reports map[string]validate.FileReport
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the quiet period after the last event before a run.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// WithRateLimit allows burst runs and then one run per debounce period.
func WithRateLimit(burst int) Option {
	return func(w *Watcher) { w.burst = burst }
}

// WithStrict treats advisories as blocking in the verdict.
func WithStrict(strict bool) Option {
	return func(w *Watcher) { w.strict = strict }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// WithReportHandler is called after every validation run.
func WithReportHandler(fn func(*validate.Report)) Option {
	return func(w *Watcher) { w.onReport = fn }
}

// New creates a watcher over root.
func New(v Validator, root string, opts ...Option) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve watch root: %w", err)
	}
	w := &Watcher{
		validator: v,
		root:      abs,
		debounce:  defaultDebounce,
		burst:     defaultBurst,
		logger:    logging.NewNop(),
		reports:   make(map[string]validate.FileReport),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.debounce <= 0 {
		return nil, fmt.Errorf("debounce must be positive")
	}
	if w.burst < 1 {
		return nil, fmt.Errorf("burst must be >= 1")
	}
	w.limiter = rate.NewLimiter(rate.Every(w.debounce), w.burst)
	w.logger = w.logger.Named("watch")
	return w, nil
}

// Latest returns the report of the most recent run, or nil before the
// first one. The report covers every artifact seen so far.
func (w *Watcher) Latest() *validate.Report {
	return w.latest.Load()
}

// Scan validates every artifact under the root once.
func (w *Watcher) Scan(ctx context.Context) (*validate.Report, error) {
	var paths []string
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != w.root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if w.relevant(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", w.root, err)
	}
	return w.validate(ctx, paths)
}

// Run scans once and then watches until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	if err := w.addTree(fw, w.root); err != nil {
		return err
	}
	if _, err := w.Scan(ctx); err != nil {
		return err
	}
	w.logger.Info(ctx, "watching", zap.String("root", w.root))

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()
	pending := make(map[string]bool)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(fw, event.Name); err != nil {
						w.logger.Warn(ctx, "watch new directory", zap.String("path", event.Name), zap.Error(err))
					}
					continue
				}
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !w.relevant(event.Name) {
				continue
			}
			pending[event.Name] = true
			timer.Reset(w.debounce)

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			if err := w.limiter.Wait(ctx); err != nil {
				return nil
			}
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			sort.Strings(paths)
			pending = make(map[string]bool)
			if _, err := w.validate(ctx, paths); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				w.logger.Warn(ctx, "validation run failed", zap.Error(err))
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn(ctx, "watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) addTree(fw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && skipDirs[d.Name()] {
			return filepath.SkipDir
		}
		if err := fw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) relevant(path string) bool {
	_, ok := w.validator.Registry().Resolve(path)
	return ok
}

// validate runs paths and merges the results into the cumulative report.
// A removed artifact drops out of the report.
func (w *Watcher) validate(ctx context.Context, paths []string) (*validate.Report, error) {
	var present []string
	var removed []string
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			removed = append(removed, p)
			continue
		}
		present = append(present, p)
	}

	run := &validate.Report{}
	if len(present) > 0 {
		var err error
		run, err = w.validator.ValidateFiles(ctx, present, w.strict)
		if err != nil {
			return nil, err
		}
	}

	w.mu.Lock()
	for _, p := range removed {
		delete(w.reports, p)
	}
	for _, f := range run.Files {
		w.reports[f.Path] = f
	}
	merged := &validate.Report{Files: make([]validate.FileReport, 0, len(w.reports))}
	keys := make([]string, 0, len(w.reports))
	for k := range w.reports {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		merged.Files = append(merged.Files, w.reports[k])
	}
	w.mu.Unlock()

	merged.Result = validate.Verdict(merged.Diagnostics(), w.strict)
	w.latest.Store(merged)

	errs, warnings := validate.Count(run.Diagnostics())
	w.logger.Info(ctx, "validation run",
		zap.Int("files", len(present)),
		zap.Int("removed", len(removed)),
		zap.Int("errors", errs),
		zap.Int("warnings", warnings),
		zap.Bool("valid", merged.Result.Valid),
	)
	if w.onReport != nil {
		w.onReport(merged)
	}
	return merged, nil
}
