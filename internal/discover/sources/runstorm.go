package sources

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/dshills/runstorm/internal/discover"
	"github.com/dshills/runstorm/internal/target"
	"github.com/pelletier/go-toml/v2"
)

// RunstormSource discovers targets from native runstorm.toml files.
// The native format is the only source that can express every target
// field directly (kind, shell override, per-target env), so it takes
// priority over everything else.
type RunstormSource struct{}

// NewRunstormSource creates a new native TOML source.
func NewRunstormSource() *RunstormSource {
	return &RunstormSource{}
}

// Name returns the source name.
func (s *RunstormSource) Name() string {
	return "runstorm"
}

// Patterns returns the file patterns this source handles.
func (s *RunstormSource) Patterns() []string {
	return []string{
		"runstorm.toml",
		".runstorm.toml",
	}
}

// Priority returns the source priority.
func (s *RunstormSource) Priority() int {
	return 110
}

// runstormFile is the schema of a runstorm.toml file.
type runstormFile struct {
	Env     map[string]string `toml:"env"`
	Targets []runstormTarget  `toml:"target"`
}

type runstormTarget struct {
	Name        string            `toml:"name"`
	Description string            `toml:"description"`
	Command     string            `toml:"command"`
	Args        []string          `toml:"args"`
	Cwd         string            `toml:"cwd"`
	Kind        string            `toml:"kind"`
	Group       string            `toml:"group"`
	Shell       string            `toml:"shell"`
	Env         map[string]string `toml:"env"`
	Default     bool              `toml:"default"`
}

// Discover parses targets from a runstorm.toml file.
func (s *RunstormSource) Discover(ctx context.Context, path string) ([]*target.Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file runstormFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, err
	}

	var targets []*target.Target
	for i, def := range file.Targets {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if def.Name == "" {
			return nil, fmt.Errorf("target %d: missing name", i)
		}
		if strings.TrimSpace(def.Command) == "" {
			return nil, fmt.Errorf("target %q: missing command", def.Name)
		}

		tgt := &target.Target{
			Name:        def.Name,
			Description: def.Description,
			Kind:        parseKind(def.Kind),
			Group:       parseGroup(def.Group, def.Name),
			Command:     def.Command,
			Args:        def.Args,
			Cwd:         def.Cwd,
			Shell:       def.Shell,
			Env:         mergeEnvMaps(file.Env, def.Env),
			IsDefault:   def.Default,
		}
		targets = append(targets, tgt)
	}
	return targets, nil
}

// parseKind maps the TOML kind field to a target kind, defaulting to
// shell.
func parseKind(kind string) target.Kind {
	switch target.Kind(kind) {
	case target.KindProcess:
		return target.KindProcess
	case target.KindMake:
		return target.KindMake
	case target.KindNPM:
		return target.KindNPM
	default:
		return target.KindShell
	}
}

// parseGroup honors an explicit group, falling back to name inference.
func parseGroup(group, name string) target.Group {
	switch target.Group(group) {
	case target.GroupBuild, target.GroupTest, target.GroupRun,
		target.GroupClean, target.GroupLint, target.GroupOther:
		return target.Group(group)
	default:
		return target.InferGroup(name)
	}
}

var _ discover.Source = (*RunstormSource)(nil)
