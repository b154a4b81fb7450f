package target

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
)

// Kind identifies how a target's command is interpreted.
type Kind string

const (
	// KindShell runs the command through the resolved project shell.
	KindShell Kind = "shell"
	// KindProcess runs the command directly without a shell.
	KindProcess Kind = "process"
	// KindMake is a make target.
	KindMake Kind = "make"
	// KindNPM is a package.json script.
	KindNPM Kind = "npm"
)

// Group categorizes targets for display.
type Group string

const (
	// GroupBuild contains build-related targets.
	GroupBuild Group = "build"
	// GroupTest contains test-related targets.
	GroupTest Group = "test"
	// GroupRun contains run/start targets.
	GroupRun Group = "run"
	// GroupClean contains cleanup targets.
	GroupClean Group = "clean"
	// GroupLint contains lint/format targets.
	GroupLint Group = "lint"
	// GroupOther contains uncategorized targets.
	GroupOther Group = "other"
)

// Target represents a discovered or configured executable command.
//
// Targets are immutable from the execution core's perspective: the run
// package reads them for the duration of a run and never mutates them.
type Target struct {
	// ID uniquely identifies the target within a project.
	ID string `json:"id" yaml:"id"`

	// Name is the display name of the target.
	Name string `json:"name" yaml:"name"`

	// Description is a human-readable description.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Source identifies where this target was discovered from.
	Source string `json:"source" yaml:"source,omitempty"`

	// SourceFile is the file path where the target was found.
	SourceFile string `json:"sourceFile,omitempty" yaml:"sourceFile,omitempty"`

	// Kind determines how the command is interpreted.
	Kind Kind `json:"kind" yaml:"kind,omitempty"`

	// Group is the target category.
	Group Group `json:"group" yaml:"group,omitempty"`

	// Command is the command to execute.
	Command string `json:"command" yaml:"command"`

	// Args are the command arguments.
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`

	// Cwd is the working directory for the target.
	Cwd string `json:"cwd,omitempty" yaml:"cwd,omitempty"`

	// Env are environment variables applied on top of the project
	// environment for this target only.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// Shell overrides the project shell for this target.
	Shell string `json:"shell,omitempty" yaml:"shell,omitempty"`

	// IsDefault marks the default target for its group.
	IsDefault bool `json:"isDefault,omitempty" yaml:"isDefault,omitempty"`

	// Notes holds free-form user notes attached to the target.
	Notes string `json:"notes,omitempty" yaml:"notes,omitempty"`

	// GroupID references a user-defined display group in the project
	// configuration.
	GroupID string `json:"groupId,omitempty" yaml:"groupId,omitempty"`
}

// CommandLine returns the command and arguments joined for display.
func (t *Target) CommandLine() string {
	if len(t.Args) == 0 {
		return t.Command
	}
	return t.Command + " " + strings.Join(t.Args, " ")
}

// Validate reports whether the target is runnable.
func (t *Target) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("target %q: missing ID", t.Name)
	}
	if strings.TrimSpace(t.Command) == "" {
		return fmt.Errorf("target %q: empty command", t.Name)
	}
	return nil
}

// MakeID builds a stable target ID from its origin.
// The ID embeds the source name, the file path relative to the project
// root, and the target name so targets with the same name from different
// files stay distinct.
func MakeID(rootDir, source, file, name string) string {
	relPath, err := filepath.Rel(rootDir, file)
	if err != nil {
		h := sha256.Sum256([]byte(file))
		relPath = hex.EncodeToString(h[:8])
	}
	return fmt.Sprintf("%s:%s:%s", source, relPath, name)
}

// InferGroup infers the target group from its name.
func InferGroup(name string) Group {
	buildPatterns := []string{"build", "compile", "package", "bundle", "webpack", "rollup", "esbuild"}
	testPatterns := []string{"test", "spec", "check", "verify", "coverage"}
	runPatterns := []string{"run", "start", "serve", "dev", "watch", "develop"}
	cleanPatterns := []string{"clean", "clear", "purge", "reset"}
	lintPatterns := []string{"lint", "format", "fmt", "prettier", "eslint", "golangci"}

	lowerName := strings.ToLower(name)

	for _, pattern := range buildPatterns {
		if strings.Contains(lowerName, pattern) {
			return GroupBuild
		}
	}
	for _, pattern := range testPatterns {
		if strings.Contains(lowerName, pattern) {
			return GroupTest
		}
	}
	for _, pattern := range runPatterns {
		if strings.Contains(lowerName, pattern) {
			return GroupRun
		}
	}
	for _, pattern := range cleanPatterns {
		if strings.Contains(lowerName, pattern) {
			return GroupClean
		}
	}
	for _, pattern := range lintPatterns {
		if strings.Contains(lowerName, pattern) {
			return GroupLint
		}
	}

	return GroupOther
}
