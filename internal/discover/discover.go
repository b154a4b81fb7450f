package discover

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/dshills/runstorm/internal/target"
)

// maxConcurrentParses limits the number of files parsed concurrently.
var maxConcurrentParses = runtime.GOMAXPROCS(0) * 2

// Source discovers targets from files it knows how to parse.
type Source interface {
	// Name returns the source name (e.g., "makefile", "npm").
	Name() string

	// Patterns returns glob patterns for file names this source handles.
	Patterns() []string

	// Priority resolves conflicts when multiple sources match the same
	// file; higher wins.
	Priority() int

	// Discover parses the given file into targets.
	Discover(ctx context.Context, path string) ([]*target.Target, error)
}

// Options configures one discovery pass.
type Options struct {
	// RootDir is the project root to search from.
	RootDir string

	// MaxDepth is the maximum directory depth to search (0 = root only).
	MaxDepth int

	// ExcludeDirs are directory names skipped during the walk.
	ExcludeDirs []string

	// Sources restricts discovery to the named sources (nil = all).
	Sources []string

	// Timeout bounds the discovery pass.
	Timeout time.Duration
}

// DefaultOptions returns the standard discovery configuration.
func DefaultOptions(rootDir string) Options {
	return Options{
		RootDir:  rootDir,
		MaxDepth: 3,
		ExcludeDirs: []string{
			"node_modules",
			".git",
			"vendor",
			".venv",
			"__pycache__",
			"dist",
			"build",
			".cache",
		},
		Timeout: 30 * time.Second,
	}
}

// Result holds the outcome of one discovery pass.
type Result struct {
	// Targets is the discovered target list sorted by name.
	Targets []*target.Target

	// BySource groups targets by source name.
	BySource map[string][]*target.Target

	// ByGroup groups targets by category.
	ByGroup map[target.Group][]*target.Target

	// Errors holds per-file parse failures; a bad build file never
	// aborts the whole pass.
	Errors []FileError

	// Duration is how long the pass took.
	Duration time.Duration

	// Timestamp is when the pass completed.
	Timestamp time.Time
}

// Lookup returns the target with the given ID.
func (r *Result) Lookup(id string) (*target.Target, bool) {
	for _, tgt := range r.Targets {
		if tgt.ID == id {
			return tgt, true
		}
	}
	return nil, false
}

// FindByName returns all targets matching the given display name.
func (r *Result) FindByName(name string) []*target.Target {
	var matches []*target.Target
	for _, tgt := range r.Targets {
		if tgt.Name == name {
			matches = append(matches, tgt)
		}
	}
	return matches
}

// FileError is a parse failure for one source file.
type FileError struct {
	Source string
	File   string
	Err    error
}

func (e FileError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("%s: %s: %v", e.Source, e.File, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Source, e.Err)
}

func (e FileError) Unwrap() error { return e.Err }

// Discovery manages target discovery across registered sources.
type Discovery struct {
	mu      sync.RWMutex
	sources map[string]Source

	cacheMu    sync.RWMutex
	cache      map[string]*Result
	cacheTime  time.Duration
	lastUpdate map[string]time.Time
}

// New creates a discovery manager with no sources registered.
func New() *Discovery {
	return &Discovery{
		sources:    make(map[string]Source),
		cache:      make(map[string]*Result),
		cacheTime:  5 * time.Minute,
		lastUpdate: make(map[string]time.Time),
	}
}

// RegisterSource registers a target source. A source with the same
// name replaces the previous registration.
func (d *Discovery) RegisterSource(source Source) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sources[source.Name()] = source
}

// UnregisterSource removes a source by name.
func (d *Discovery) UnregisterSource(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sources, name)
}

// Sources returns all registered source names, sorted.
func (d *Discovery) Sources() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.sources))
	for name := range d.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetCacheTime sets how long cached results stay valid.
func (d *Discovery) SetCacheTime(duration time.Duration) {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	d.cacheTime = duration
}

// ClearCache drops all cached results.
func (d *Discovery) ClearCache() {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	d.cache = make(map[string]*Result)
	d.lastUpdate = make(map[string]time.Time)
}

// ClearCacheFor drops the cached result for one root directory.
func (d *Discovery) ClearCacheFor(rootDir string) {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	delete(d.cache, rootDir)
	delete(d.lastUpdate, rootDir)
}

// Discover finds targets under the configured root. Results are cached
// per root until the cache expires or is invalidated.
func (d *Discovery) Discover(ctx context.Context, opts Options) (*Result, error) {
	if opts.RootDir == "" {
		return nil, ErrNoRoot
	}

	if result := d.getCached(opts.RootDir); result != nil {
		return result, nil
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	start := time.Now()

	sources := d.sourcesFor(opts.Sources)
	result := &Result{
		Targets:  make([]*target.Target, 0),
		BySource: make(map[string][]*target.Target),
		ByGroup:  make(map[target.Group][]*target.Target),
	}
	if len(sources) == 0 {
		result.Duration = time.Since(start)
		result.Timestamp = time.Now()
		return result, nil
	}

	patternMap := make(map[string][]Source)
	for _, src := range sources {
		for _, pattern := range src.Patterns() {
			patternMap[pattern] = append(patternMap[pattern], src)
		}
	}

	files, err := d.findFiles(opts, patternMap)
	if err != nil {
		return nil, fmt.Errorf("find files: %w", err)
	}

	var wg sync.WaitGroup
	var resultMu sync.Mutex
	sem := make(chan struct{}, maxConcurrentParses)

	for filePath, fileSources := range files {
		if ctx.Err() != nil {
			break
		}

		sort.Slice(fileSources, func(i, j int) bool {
			return fileSources[i].Priority() > fileSources[j].Priority()
		})

		// Highest-priority source wins the file.
		src := fileSources[0]
		file := filePath

		wg.Add(1)
		go func() {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			targets, err := src.Discover(ctx, file)
			resultMu.Lock()
			defer resultMu.Unlock()

			if err != nil {
				result.Errors = append(result.Errors, FileError{
					Source: src.Name(),
					File:   file,
					Err:    err,
				})
				return
			}

			for _, tgt := range targets {
				if tgt.ID == "" {
					tgt.ID = target.MakeID(opts.RootDir, src.Name(), file, tgt.Name)
				}
				tgt.Source = src.Name()
				if tgt.SourceFile == "" {
					tgt.SourceFile = file
				}
				if tgt.Cwd == "" {
					tgt.Cwd = filepath.Dir(file)
				}

				result.Targets = append(result.Targets, tgt)
				result.BySource[src.Name()] = append(result.BySource[src.Name()], tgt)
				result.ByGroup[tgt.Group] = append(result.ByGroup[tgt.Group], tgt)
			}
		}()
	}

	wg.Wait()

	sort.Slice(result.Targets, func(i, j int) bool {
		if result.Targets[i].Name == result.Targets[j].Name {
			return result.Targets[i].ID < result.Targets[j].ID
		}
		return result.Targets[i].Name < result.Targets[j].Name
	})

	result.Duration = time.Since(start)
	result.Timestamp = time.Now()

	d.setCache(opts.RootDir, result)
	return result, nil
}

// sourcesFor returns the sources selected by name, or all when names
// is empty.
func (d *Discovery) sourcesFor(names []string) []Source {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if len(names) == 0 {
		sources := make([]Source, 0, len(d.sources))
		for _, src := range d.sources {
			sources = append(sources, src)
		}
		return sources
	}

	sources := make([]Source, 0, len(names))
	for _, name := range names {
		if src, ok := d.sources[name]; ok {
			sources = append(sources, src)
		}
	}
	return sources
}

// findFiles walks the root and maps matching files to their sources.
func (d *Discovery) findFiles(opts Options, patternMap map[string][]Source) (map[string][]Source, error) {
	result := make(map[string][]Source)

	excludeSet := make(map[string]bool)
	for _, dir := range opts.ExcludeDirs {
		excludeSet[dir] = true
	}

	err := walkDir(opts.RootDir, opts.MaxDepth, excludeSet, func(path string, depth int) error {
		name := filepath.Base(path)
		for pattern, sources := range patternMap {
			matched, err := filepath.Match(pattern, name)
			if err != nil {
				continue
			}
			if matched {
				result[path] = append(result[path], sources...)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// walkDir walks a directory tree up to maxDepth with symlink cycle
// detection.
func walkDir(root string, maxDepth int, excludeSet map[string]bool, fn func(path string, depth int) error) error {
	visited := make(map[string]bool)

	rootReal, err := filepath.EvalSymlinks(filepath.Clean(root))
	if err != nil {
		rootReal = filepath.Clean(root)
	}
	visited[rootReal] = true

	return walkDirRecursive(root, 0, maxDepth, excludeSet, visited, fn)
}

func walkDirRecursive(dir string, depth, maxDepth int, excludeSet, visited map[string]bool, fn func(path string, depth int) error) error {
	// os.ReadDir keeps dot-prefixed entries, which matters for files
	// like .runstorm.yml.
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		name := entry.Name()
		entryPath := filepath.Join(dir, name)

		if entry.IsDir() {
			if excludeSet[name] {
				continue
			}
			if depth < maxDepth {
				realPath, err := filepath.EvalSymlinks(entryPath)
				if err != nil {
					continue
				}
				if visited[realPath] {
					continue
				}
				visited[realPath] = true

				if err := walkDirRecursive(entryPath, depth+1, maxDepth, excludeSet, visited, fn); err != nil {
					return err
				}
			}
		} else {
			if err := fn(entryPath, depth); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Discovery) getCached(rootDir string) *Result {
	d.cacheMu.RLock()
	defer d.cacheMu.RUnlock()

	result, ok := d.cache[rootDir]
	if !ok {
		return nil
	}
	lastUpdate, ok := d.lastUpdate[rootDir]
	if !ok {
		return nil
	}
	if time.Since(lastUpdate) > d.cacheTime {
		return nil
	}
	return result
}

func (d *Discovery) setCache(rootDir string, result *Result) {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	d.cache[rootDir] = result
	d.lastUpdate[rootDir] = time.Now()
}
