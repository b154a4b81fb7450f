package sources

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/dshills/runstorm/internal/discover"
	"github.com/dshills/runstorm/internal/target"
)

// PackageJSONSource discovers targets from package.json scripts.
type PackageJSONSource struct{}

// NewPackageJSONSource creates a new package.json source.
func NewPackageJSONSource() *PackageJSONSource {
	return &PackageJSONSource{}
}

// Name returns the source name.
func (s *PackageJSONSource) Name() string {
	return "npm"
}

// Patterns returns the file patterns this source handles.
func (s *PackageJSONSource) Patterns() []string {
	return []string{"package.json"}
}

// Priority returns the source priority.
func (s *PackageJSONSource) Priority() int {
	return 90
}

// packageJSON is the subset of package.json we care about.
type packageJSON struct {
	Name    string            `json:"name"`
	Scripts map[string]string `json:"scripts"`
}

// Discover finds script targets in a package.json file.
func (s *PackageJSONSource) Discover(ctx context.Context, path string) ([]*target.Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var pkg packageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, err
	}
	if len(pkg.Scripts) == 0 {
		return nil, nil
	}

	manager := detectPackageManager(filepath.Dir(path))

	var targets []*target.Target
	for name, script := range pkg.Scripts {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		tgt := &target.Target{
			Name:        name,
			Description: truncate(script, 80),
			Kind:        target.KindNPM,
			Group:       target.InferGroup(name),
			Command:     manager,
			Args:        []string{"run", name},
		}

		switch name {
		case "start", "dev":
			tgt.Group = target.GroupRun
		case "build":
			tgt.Group = target.GroupBuild
			tgt.IsDefault = true
		}

		targets = append(targets, tgt)
	}
	return targets, nil
}

// detectPackageManager picks the package manager from the lock file
// present next to package.json.
func detectPackageManager(dir string) string {
	lockFiles := []struct {
		file    string
		manager string
	}{
		{"pnpm-lock.yaml", "pnpm"},
		{"yarn.lock", "yarn"},
		{"bun.lockb", "bun"},
		{"package-lock.json", "npm"},
	}

	for _, lf := range lockFiles {
		if _, err := os.Stat(filepath.Join(dir, lf.file)); err == nil {
			return lf.manager
		}
	}
	return "npm"
}

// truncate shortens s to at most n characters with an ellipsis.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

var _ discover.Source = (*PackageJSONSource)(nil)
