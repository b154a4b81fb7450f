package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dshills/runstorm/internal/target"
	"gopkg.in/yaml.v3"
)

// FileName is the project configuration file name.
const FileName = ".runstorm.yml"

// Config is the parsed project configuration.
type Config struct {
	// ProjectName is a display name for the project.
	ProjectName string `yaml:"projectName,omitempty"`

	// Version is the configuration schema version. Zero is treated as
	// the current version.
	Version int `yaml:"version,omitempty"`

	// Shell is the preferred unix shell path. Empty falls back to
	// $SHELL and then /bin/sh.
	Shell string `yaml:"shell,omitempty"`

	// WindowsShell selects the Windows shell: powershell, cmd, or wsl.
	WindowsShell string `yaml:"windowsShell,omitempty"`

	// Env is the project environment applied to every target.
	Env map[string]string `yaml:"env,omitempty"`

	// GracePeriod is the cooperative termination window.
	GracePeriod Duration `yaml:"gracePeriod,omitempty"`

	// KillTimeout bounds forced-kill confirmation.
	KillTimeout Duration `yaml:"killTimeout,omitempty"`

	// ShutdownGrace bounds how long shutdown waits for running tasks.
	ShutdownGrace Duration `yaml:"shutdownGrace,omitempty"`

	// MaxParallel caps concurrent tasks. Zero is unlimited.
	MaxParallel int `yaml:"maxParallel,omitempty"`

	// MaxDepth overrides the discovery walk depth when positive.
	MaxDepth int `yaml:"maxDepth,omitempty"`

	// ExcludeDirs replaces the default discovery exclusions when set.
	ExcludeDirs []string `yaml:"excludeDirs,omitempty"`

	// Sources restricts discovery to the named sources when set.
	Sources []string `yaml:"sources,omitempty"`

	// Groups are user-defined display groups.
	Groups []GroupDef `yaml:"groups,omitempty"`

	// Targets are per-target overrides keyed by target ID.
	Targets []TargetOverride `yaml:"targets,omitempty"`
}

// Duration wraps time.Duration with YAML encoding in the familiar
// "5s" / "1m30s" form.
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"5s\"")
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// GroupDef is a user-defined display group.
type GroupDef struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// TargetOverride attaches user data to a discovered target.
type TargetOverride struct {
	// ID is the target ID the override applies to.
	ID string `yaml:"id"`

	// Notes holds free-form user notes.
	Notes string `yaml:"notes,omitempty"`

	// GroupID assigns the target to a user-defined group.
	GroupID string `yaml:"groupId,omitempty"`

	// Shell overrides the shell for this target.
	Shell string `yaml:"shell,omitempty"`

	// Env adds environment variables for this target.
	Env map[string]string `yaml:"env,omitempty"`
}

// Load reads the project configuration from rootDir. A missing file is
// not an error: Load returns (nil, nil) so callers can distinguish "no
// config" from a broken one.
func Load(rootDir string) (*Config, error) {
	path := filepath.Join(rootDir, FileName)
	cfg, err := LoadFile(path)
	if err != nil && os.IsNotExist(err) {
		return nil, nil
	}
	return cfg, err
}

// LoadFile reads the configuration from an explicit path. Unlike Load,
// a missing file is an error: the caller asked for this file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes the configuration atomically: a temp file in the same
// directory followed by a rename, so a crash never leaves a truncated
// config behind.
func (c *Config) Save(rootDir string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	path := filepath.Join(rootDir, FileName)
	tmp, err := os.CreateTemp(rootDir, FileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

func (c *Config) validate() error {
	switch c.WindowsShell {
	case "", "powershell", "cmd", "wsl":
	default:
		return fmt.Errorf("invalid windowsShell %q", c.WindowsShell)
	}

	seen := make(map[string]bool)
	for _, g := range c.Groups {
		if g.ID == "" {
			return fmt.Errorf("group %q: missing id", g.Name)
		}
		if seen[g.ID] {
			return fmt.Errorf("duplicate group id %q", g.ID)
		}
		seen[g.ID] = true
	}

	for _, o := range c.Targets {
		if o.ID == "" {
			return fmt.Errorf("target override missing id")
		}
		if o.GroupID != "" && !seen[o.GroupID] {
			return fmt.Errorf("target %q: unknown group %q", o.ID, o.GroupID)
		}
	}
	return nil
}

// Group returns the group definition with the given ID.
func (c *Config) Group(id string) (GroupDef, bool) {
	for _, g := range c.Groups {
		if g.ID == id {
			return g, true
		}
	}
	return GroupDef{}, false
}

// Override returns the override for a target ID.
func (c *Config) Override(id string) (TargetOverride, bool) {
	for _, o := range c.Targets {
		if o.ID == id {
			return o, true
		}
	}
	return TargetOverride{}, false
}

// SetOverride adds or replaces the override for a target ID.
func (c *Config) SetOverride(o TargetOverride) {
	for i := range c.Targets {
		if c.Targets[i].ID == o.ID {
			c.Targets[i] = o
			return
		}
	}
	c.Targets = append(c.Targets, o)
}

// Apply merges the configured overrides into discovered targets. The
// targets are mutated in place.
func (c *Config) Apply(targets []*target.Target) {
	for _, tgt := range targets {
		o, ok := c.Override(tgt.ID)
		if !ok {
			continue
		}
		if o.Notes != "" {
			tgt.Notes = o.Notes
		}
		if o.GroupID != "" {
			tgt.GroupID = o.GroupID
		}
		if o.Shell != "" {
			tgt.Shell = o.Shell
		}
		if len(o.Env) > 0 {
			if tgt.Env == nil {
				tgt.Env = make(map[string]string, len(o.Env))
			}
			for k, v := range o.Env {
				tgt.Env[k] = v
			}
		}
	}
}
