package sources

import (
	"context"
	"os"

	"github.com/dshills/runstorm/internal/discover"
	"github.com/dshills/runstorm/internal/target"
	"gopkg.in/yaml.v3"
)

// TaskfileSource discovers targets from Taskfile.yml (go-task).
type TaskfileSource struct{}

// NewTaskfileSource creates a new Taskfile source.
func NewTaskfileSource() *TaskfileSource {
	return &TaskfileSource{}
}

// Name returns the source name.
func (s *TaskfileSource) Name() string {
	return "taskfile"
}

// Patterns returns the file patterns this source handles.
func (s *TaskfileSource) Patterns() []string {
	return []string{
		"Taskfile.yml",
		"Taskfile.yaml",
		"taskfile.yml",
		"taskfile.yaml",
	}
}

// Priority returns the source priority.
func (s *TaskfileSource) Priority() int {
	return 95
}

// taskfile is the subset of the Taskfile schema we parse.
type taskfile struct {
	Version string                 `yaml:"version"`
	Tasks   map[string]taskfileDef `yaml:"tasks"`
	Env     map[string]string      `yaml:"env"`
}

type taskfileDef struct {
	Desc     string            `yaml:"desc"`
	Summary  string            `yaml:"summary"`
	Dir      string            `yaml:"dir"`
	Env      map[string]string `yaml:"env"`
	Internal bool              `yaml:"internal"`
}

// Discover finds targets in a Taskfile. Discovered targets invoke the
// task binary rather than re-implementing Taskfile semantics.
func (s *TaskfileSource) Discover(ctx context.Context, path string) ([]*target.Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var tf taskfile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, err
	}
	if len(tf.Tasks) == 0 {
		return nil, nil
	}

	var targets []*target.Target
	for name, def := range tf.Tasks {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if def.Internal {
			continue
		}

		tgt := &target.Target{
			Name:        name,
			Description: description(def),
			Kind:        target.KindShell,
			Group:       target.InferGroup(name),
			Command:     "task",
			Args:        []string{name},
			Env:         mergeEnvMaps(tf.Env, def.Env),
		}
		if def.Dir != "" {
			tgt.Cwd = def.Dir
		}
		if name == "default" {
			tgt.IsDefault = true
		}

		targets = append(targets, tgt)
	}
	return targets, nil
}

// description prefers desc over summary, truncating long summaries.
func description(def taskfileDef) string {
	if def.Desc != "" {
		return def.Desc
	}
	if def.Summary != "" {
		return truncate(def.Summary, 80)
	}
	return ""
}

// mergeEnvMaps layers task-level env over file-level env.
func mergeEnvMaps(global, local map[string]string) map[string]string {
	if len(global) == 0 && len(local) == 0 {
		return nil
	}

	result := make(map[string]string)
	for k, v := range global {
		result[k] = v
	}
	for k, v := range local {
		result[k] = v
	}
	return result
}

var _ discover.Source = (*TaskfileSource)(nil)
