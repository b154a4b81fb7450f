package sources

import (
	"bufio"
	"context"
	"os"
	"regexp"
	"strings"

	"github.com/dshills/runstorm/internal/discover"
	"github.com/dshills/runstorm/internal/target"
)

// MakefileSource discovers targets from Makefiles.
type MakefileSource struct{}

// NewMakefileSource creates a new Makefile source.
func NewMakefileSource() *MakefileSource {
	return &MakefileSource{}
}

// Name returns the source name.
func (s *MakefileSource) Name() string {
	return "makefile"
}

// Patterns returns the file patterns this source handles.
func (s *MakefileSource) Patterns() []string {
	return []string{
		"Makefile",
		"makefile",
		"GNUmakefile",
		"*.mk",
	}
}

// Priority returns the source priority.
func (s *MakefileSource) Priority() int {
	return 100
}

var (
	makeTargetPattern  = regexp.MustCompile(`^([a-zA-Z_][a-zA-Z0-9_-]*)\s*:(?:[^=]|$)`)
	makePhonyPattern   = regexp.MustCompile(`^\.PHONY\s*:\s*(.+)$`)
	makeCommentPattern = regexp.MustCompile(`^##\s*(.*)$`)
	makeDefaultPattern = regexp.MustCompile(`^\.DEFAULT_GOAL\s*[:?]?=\s*(\S+)`)
)

// Discover finds targets in a Makefile. Only .PHONY targets are
// reported when the Makefile declares any; otherwise every plain rule
// is, since many small Makefiles never bother with .PHONY.
func (s *MakefileSource) Discover(ctx context.Context, path string) ([]*target.Target, error) {
	defaultGoal, err := DefaultTarget(path)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	// First pass: collect phony targets.
	phony := make(map[string]bool)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if matches := makePhonyPattern.FindStringSubmatch(scanner.Text()); matches != nil {
			for _, name := range strings.Fields(matches[1]) {
				phony[name] = true
			}
		}
	}
	if _, err := file.Seek(0, 0); err != nil {
		return nil, err
	}

	var targets []*target.Target
	var currentComment string

	scanner = bufio.NewScanner(file)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		line := scanner.Text()

		// ## comments document the rule that follows.
		if matches := makeCommentPattern.FindStringSubmatch(line); matches != nil {
			currentComment = matches[1]
			continue
		}

		matches := makeTargetPattern.FindStringSubmatch(line)
		if matches == nil {
			if !strings.HasPrefix(line, "#") && strings.TrimSpace(line) != "" {
				currentComment = ""
			}
			continue
		}

		name := matches[1]
		if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") || strings.Contains(name, "%") {
			currentComment = ""
			continue
		}

		tgt := &target.Target{
			Name:        name,
			Description: currentComment,
			Kind:        target.KindMake,
			Group:       target.InferGroup(name),
			Command:     "make",
			Args:        []string{name},
		}
		if name == defaultGoal {
			tgt.IsDefault = true
		}

		if len(phony) == 0 || phony[name] {
			targets = append(targets, tgt)
		}
		currentComment = ""
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return targets, nil
}

// DefaultTarget returns the Makefile's default goal: an explicit
// .DEFAULT_GOAL when present, otherwise the first target.
func DefaultTarget(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	var firstTarget string

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()

		if matches := makeDefaultPattern.FindStringSubmatch(line); matches != nil {
			return matches[1], nil
		}
		if firstTarget == "" {
			if matches := makeTargetPattern.FindStringSubmatch(line); matches != nil {
				if !strings.HasPrefix(matches[1], ".") {
					firstTarget = matches[1]
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return "", err
	}
	return firstTarget, nil
}

var _ discover.Source = (*MakefileSource)(nil)
