package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dshills/runstorm/internal/discover"
	"github.com/dshills/runstorm/internal/run"
	"github.com/dshills/runstorm/internal/target"
)

const runstormFixture = `[[target]]
name = "ok"
command = "true"

[[target]]
name = "code"
command = "exit 3"
`

func writeProject(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "runstorm.toml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestRunTargetsExitCodes(t *testing.T) {
	dir := writeProject(t, runstormFixture)
	opts := options{rootDir: dir, quiet: true}

	if got := runTargets(opts, nil, []string{"ok"}); got != 0 {
		t.Errorf("run ok = %d, want 0", got)
	}
	if got := runTargets(opts, nil, []string{"code"}); got != 3 {
		t.Errorf("run code = %d, want 3", got)
	}

	// With several targets, the last named target's code wins.
	if got := runTargets(opts, nil, []string{"ok", "code"}); got != 3 {
		t.Errorf("run ok code = %d, want 3", got)
	}
	if got := runTargets(opts, nil, []string{"code", "ok"}); got != 0 {
		t.Errorf("run code ok = %d, want 0", got)
	}

	if got := runTargets(opts, nil, []string{"missing"}); got != 1 {
		t.Errorf("run missing = %d, want 1", got)
	}
}

func TestResolveTargets(t *testing.T) {
	result := &discover.Result{Targets: []*target.Target{
		{ID: "s:f:build", Name: "build"},
		{ID: "s:f:test", Name: "test"},
		{ID: "s:g:test", Name: "test"},
	}}

	targets, err := resolveTargets(result, []string{"build", "s:f:test", "build"})
	if err != nil {
		t.Fatalf("resolveTargets: %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("targets = %d, want 2 (duplicates collapsed)", len(targets))
	}
	if targets[0].ID != "s:f:build" || targets[1].ID != "s:f:test" {
		t.Errorf("targets = %q, %q", targets[0].ID, targets[1].ID)
	}

	if _, err := resolveTargets(result, []string{"build", "test"}); err == nil {
		t.Error("ambiguous name did not error")
	}
	if _, err := resolveTargets(result, []string{"nope"}); err == nil {
		t.Error("unknown name did not error")
	}
}

func TestLineTag(t *testing.T) {
	tests := []struct {
		label  bool
		name   string
		stream run.Stream
		want   string
	}{
		{true, "", run.StreamStdout, "[stdout] "},
		{true, "", run.StreamStderr, "[stderr] "},
		{true, "api", run.StreamStderr, "[api stderr] "},
		{false, "api", run.StreamStdout, "api: "},
		{false, "", run.StreamStderr, ""},
	}

	for _, tt := range tests {
		if got := lineTag(tt.label, tt.name, tt.stream); got != tt.want {
			t.Errorf("lineTag(%v, %q, %v) = %q, want %q", tt.label, tt.name, tt.stream, got, tt.want)
		}
	}
}

func TestLoadConfigExplicitPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yml")
	if err := os.WriteFile(path, []byte("maxParallel: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(options{rootDir: dir, configPath: path})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.MaxParallel != 2 {
		t.Errorf("MaxParallel = %d, want 2", cfg.MaxParallel)
	}

	// An explicit path that does not exist is an error; the implicit
	// project config is allowed to be absent.
	if _, err := loadConfig(options{rootDir: dir, configPath: filepath.Join(dir, "absent.yml")}); err == nil {
		t.Error("missing explicit config did not error")
	}
	if cfg, err := loadConfig(options{rootDir: dir}); err != nil || cfg != nil {
		t.Errorf("implicit loadConfig = %v, %v, want nil, nil", cfg, err)
	}
}

func TestTrackSourceFiles(t *testing.T) {
	dir := t.TempDir()

	w, err := discover.NewWatcher(discover.New(), dir)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	result := &discover.Result{Targets: []*target.Target{
		{SourceFile: filepath.Join(dir, "Makefile")},
		{SourceFile: ""},
	}}
	if err := trackSourceFiles(w, result); err != nil {
		t.Fatalf("trackSourceFiles: %v", err)
	}
}
