// Package main is the entry point for the runstorm CLI.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dshills/runstorm/internal/config"
	"github.com/dshills/runstorm/internal/discover"
	"github.com/dshills/runstorm/internal/discover/sources"
	"github.com/dshills/runstorm/internal/run"
	"github.com/dshills/runstorm/internal/target"
	"golang.org/x/term"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type options struct {
	rootDir     string
	configPath  string
	sourceNames []string
	maxDepth    int
	grace       time.Duration
	killTimeout time.Duration
	quiet       bool
	watch       bool
}

func main() {
	os.Exit(execute())
}

func execute() int {
	opts, args := parseFlags()

	if len(args) == 0 {
		flag.Usage()
		return 2
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	switch args[0] {
	case "list":
		return listTargets(opts, cfg)
	case "run":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: run requires a target name or ID")
			return 2
		}
		return runTargets(opts, cfg, args[1:])
	case "sources":
		return listSources()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", args[0])
		flag.Usage()
		return 2
	}
}

func parseFlags() (options, []string) {
	var opts options
	var srcFilter string
	var showVersion bool
	var showHelp bool

	flag.StringVar(&opts.rootDir, "C", ".", "Project root directory")
	flag.StringVar(&opts.configPath, "config", "", "Config file path (default <root>/"+config.FileName+")")
	flag.StringVar(&srcFilter, "source", "", "Comma-separated source filter (makefile,npm,taskfile,runstorm,lua)")
	flag.BoolVar(&opts.watch, "watch", false, "With list: refresh when build files change")
	flag.IntVar(&opts.maxDepth, "depth", 0, "Discovery depth override (0 = default)")
	flag.DurationVar(&opts.grace, "grace", 0, "Cancel grace period before forced kill (0 = default)")
	flag.DurationVar(&opts.killTimeout, "kill-timeout", 0, "Forced kill confirmation timeout (0 = default)")
	flag.BoolVar(&opts.quiet, "q", false, "Suppress stream labels on output")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")
	flag.BoolVar(&showHelp, "help", false, "Show help message")
	flag.BoolVar(&showHelp, "h", false, "Show help message (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Runstorm - project target runner\n\n")
		fmt.Fprintf(os.Stderr, "Usage: runstorm [options] <command>\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  list                List discovered targets\n")
		fmt.Fprintf(os.Stderr, "  run <target>...     Run one or more targets by name or ID\n")
		fmt.Fprintf(os.Stderr, "  sources             List available discovery sources\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  runstorm list                   List targets in the current project\n")
		fmt.Fprintf(os.Stderr, "  runstorm -watch list            List and refresh on build file changes\n")
		fmt.Fprintf(os.Stderr, "  runstorm run build              Run the 'build' target\n")
		fmt.Fprintf(os.Stderr, "  runstorm run lint test          Run 'lint' and 'test' together\n")
		fmt.Fprintf(os.Stderr, "  runstorm -C ./api run test      Run 'test' in another project\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}
	if showVersion {
		fmt.Printf("Runstorm %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	if srcFilter != "" {
		for _, name := range strings.Split(srcFilter, ",") {
			if name = strings.TrimSpace(name); name != "" {
				opts.sourceNames = append(opts.sourceNames, name)
			}
		}
	}

	return opts, flag.Args()
}

// newDiscovery builds a discovery manager with all sources registered.
func newDiscovery() *discover.Discovery {
	d := discover.New()
	d.RegisterSource(sources.NewRunstormSource())
	d.RegisterSource(sources.NewLuaSource())
	d.RegisterSource(sources.NewMakefileSource())
	d.RegisterSource(sources.NewTaskfileSource())
	d.RegisterSource(sources.NewPackageJSONSource())
	return d
}

// discoverOptions merges flag and config settings into discovery options.
func discoverOptions(opts options, cfg *config.Config) discover.Options {
	dopts := discover.DefaultOptions(opts.rootDir)
	if opts.maxDepth > 0 {
		dopts.MaxDepth = opts.maxDepth
	}
	dopts.Sources = opts.sourceNames

	if cfg != nil {
		if opts.maxDepth == 0 && cfg.MaxDepth > 0 {
			dopts.MaxDepth = cfg.MaxDepth
		}
		if len(cfg.ExcludeDirs) > 0 {
			dopts.ExcludeDirs = cfg.ExcludeDirs
		}
		if len(dopts.Sources) == 0 {
			dopts.Sources = cfg.Sources
		}
	}
	return dopts
}

// loadConfig reads the project configuration, honoring an explicit
// -config path when given.
func loadConfig(opts options) (*config.Config, error) {
	if opts.configPath != "" {
		return config.LoadFile(opts.configPath)
	}
	return config.Load(opts.rootDir)
}

// discoverAll runs one discovery pass and applies config overrides.
func discoverAll(d *discover.Discovery, opts options, cfg *config.Config) (*discover.Result, error) {
	result, err := d.Discover(context.Background(), discoverOptions(opts, cfg))
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		cfg.Apply(result.Targets)
	}
	return result, nil
}

func listTargets(opts options, cfg *config.Config) int {
	d := newDiscovery()
	result, err := discoverAll(d, opts, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	printResult(result)

	if opts.watch {
		return watchTargets(d, opts, cfg, result)
	}
	return 0
}

func printResult(result *discover.Result) {
	for _, fe := range result.Errors {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", fe)
	}
	if len(result.Targets) == 0 {
		fmt.Println("No targets found.")
		return
	}

	groups := make([]target.Group, 0, len(result.ByGroup))
	for group := range result.ByGroup {
		groups = append(groups, group)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i] < groups[j] })

	for _, group := range groups {
		fmt.Printf("%s:\n", group)
		for _, tgt := range result.ByGroup[group] {
			marker := " "
			if tgt.IsDefault {
				marker = "*"
			}
			fmt.Printf(" %s %-20s [%s] %s\n", marker, tgt.Name, tgt.Source, tgt.Description)
			if tgt.Notes != "" {
				fmt.Printf("   %20s notes: %s\n", "", tgt.Notes)
			}
		}
	}
}

// watchTargets reprints the target list whenever a tracked build file
// changes, until interrupted.
func watchTargets(d *discover.Discovery, opts options, cfg *config.Config, result *discover.Result) int {
	refresh := make(chan string, 1)
	w, err := discover.NewWatcher(d, opts.rootDir, discover.WithOnChange(func(path string) {
		select {
		case refresh <- path:
		default:
		}
	}))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer w.Close()

	if err := trackSourceFiles(w, result); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	fmt.Fprintln(os.Stderr, "Watching for build file changes. Ctrl-C to stop.")

	for {
		select {
		case path := <-refresh:
			fmt.Printf("\n%s changed\n\n", filepath.Base(path))
			result, err := discoverAll(d, opts, cfg)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				return 1
			}
			printResult(result)
			if err := trackSourceFiles(w, result); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				return 1
			}
		case <-signals:
			return 0
		}
	}
}

// trackSourceFiles registers the result's build files with the watcher.
func trackSourceFiles(w *discover.Watcher, result *discover.Result) error {
	for _, tgt := range result.Targets {
		if tgt.SourceFile == "" {
			continue
		}
		if err := w.Track(tgt.SourceFile); err != nil {
			return err
		}
	}
	return nil
}

func listSources() int {
	for _, name := range newDiscovery().Sources() {
		fmt.Println(name)
	}
	return 0
}

// runTargets resolves and runs the named targets concurrently through
// one coordinator, streaming their tagged output. The returned exit
// code mirrors the last named target's exit code, or 1 when any target
// failed.
func runTargets(opts options, cfg *config.Config, names []string) int {
	result, err := discoverAll(newDiscovery(), opts, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	targets, err := resolveTargets(result, names)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	coord := run.NewCoordinator(run.NewLauncher(run.WithDefaultDir(opts.rootDir)), coordinatorOptions(opts, cfg)...)
	defer coord.Close()

	type task struct {
		tgt    *target.Target
		handle run.Handle
	}
	var started []task
	startFailed := false
	for _, tgt := range targets {
		handle, err := coord.Run(context.Background(), tgt)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", tgt.Name, err)
			startFailed = true
			continue
		}
		started = append(started, task{tgt: tgt, handle: handle})
	}
	if len(started) == 0 {
		return 1
	}

	// First interrupt cancels every active task; a second one exits hard.
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		fmt.Fprintln(os.Stderr, "Cancelling...")
		for _, tk := range started {
			_ = coord.Cancel(tk.handle)
		}
		<-signals
		os.Exit(130)
	}()

	label := !opts.quiet && term.IsTerminal(int(os.Stdout.Fd()))

	var wg sync.WaitGroup
	var printMu sync.Mutex
	exitCodes := make([]int, len(started))
	for i, tk := range started {
		lines, cancelSub, err := coord.Subscribe(tk.handle, 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", tk.tgt.Name, err)
			exitCodes[i] = 1
			continue
		}

		name := ""
		if len(started) > 1 {
			name = tk.tgt.Name
		}

		wg.Add(1)
		go func(i int, lines <-chan run.Line, cancelSub func(), name string) {
			defer wg.Done()
			defer cancelSub()
			exitCodes[i] = printLines(lines, &printMu, label, name)
		}(i, lines, cancelSub, name)
	}
	wg.Wait()

	failed := startFailed
	for _, tk := range started {
		snap, err := coord.State(tk.handle)
		if err != nil {
			continue
		}
		if snap.State == run.StateFailed {
			fmt.Fprintf(os.Stderr, "Error: %s failed: %v\n", tk.tgt.Name, snap.Err)
			failed = true
		}
		if snap.Dropped > 0 {
			fmt.Fprintf(os.Stderr, "Warning: %s: %d output lines dropped\n", tk.tgt.Name, snap.Dropped)
		}
	}
	if failed {
		return 1
	}
	return exitCodes[len(exitCodes)-1]
}

// printLines streams task output until the exit marker and returns the
// exit code. Lines are serialized through mu so concurrent tasks never
// interleave mid-line.
func printLines(lines <-chan run.Line, mu *sync.Mutex, label bool, name string) int {
	for line := range lines {
		if line.Kind == run.KindExit {
			return line.ExitCode
		}

		tag := lineTag(label, name, line.Stream)
		mu.Lock()
		if line.Stream == run.StreamStderr {
			fmt.Fprintf(os.Stderr, "%s%s\n", tag, line.Content)
		} else {
			fmt.Printf("%s%s\n", tag, line.Content)
		}
		mu.Unlock()
	}
	return 1
}

// lineTag builds the per-line prefix: stream labels on a terminal, the
// target name when several targets share the output.
func lineTag(label bool, name string, stream run.Stream) string {
	switch {
	case label && name != "":
		return "[" + name + " " + stream.String() + "] "
	case label:
		return "[" + stream.String() + "] "
	case name != "":
		return name + ": "
	default:
		return ""
	}
}

// resolveTargets resolves every name before anything runs, so a typo in
// the second target does not leave the first one already started.
func resolveTargets(result *discover.Result, names []string) ([]*target.Target, error) {
	targets := make([]*target.Target, 0, len(names))
	seen := make(map[string]bool)
	for _, name := range names {
		tgt, err := resolveTarget(result, name)
		if err != nil {
			return nil, err
		}
		if seen[tgt.ID] {
			continue
		}
		seen[tgt.ID] = true
		targets = append(targets, tgt)
	}
	return targets, nil
}

// resolveTarget finds a target by exact ID, then unique name.
func resolveTarget(result *discover.Result, nameOrID string) (*target.Target, error) {
	if tgt, ok := result.Lookup(nameOrID); ok {
		return tgt, nil
	}

	matches := result.FindByName(nameOrID)
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("no target named %q", nameOrID)
	case 1:
		return matches[0], nil
	default:
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = m.ID
		}
		return nil, fmt.Errorf("target %q is ambiguous, use an ID: %v", nameOrID, ids)
	}
}

// coordinatorOptions merges flag and config execution settings.
func coordinatorOptions(opts options, cfg *config.Config) []run.CoordinatorOption {
	var copts []run.CoordinatorOption

	grace := opts.grace
	killTimeout := opts.killTimeout
	if cfg != nil {
		if grace == 0 {
			grace = cfg.GracePeriod.Std()
		}
		if killTimeout == 0 {
			killTimeout = cfg.KillTimeout.Std()
		}
		copts = append(copts, run.WithShellConfig(run.ShellConfig{
			Shell:   cfg.Shell,
			Windows: run.WindowsShell(cfg.WindowsShell),
		}))
		if len(cfg.Env) > 0 {
			copts = append(copts, run.WithProjectEnv(cfg.Env))
		}
		if cfg.MaxParallel > 0 {
			copts = append(copts, run.WithMaxParallel(cfg.MaxParallel))
		}
		if cfg.ShutdownGrace.Std() > 0 {
			copts = append(copts, run.WithShutdownGrace(cfg.ShutdownGrace.Std()))
		}
	}
	if grace > 0 {
		copts = append(copts, run.WithGracePeriod(grace))
	}
	if killTimeout > 0 {
		copts = append(copts, run.WithKillTimeout(killTimeout))
	}
	return copts
}
