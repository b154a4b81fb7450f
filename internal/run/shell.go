package run

import (
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// WindowsShell selects the shell used on Windows. No single convention
// exists there, so the choice is persisted in project configuration.
type WindowsShell string

const (
	// WindowsShellPowerShell runs commands through powershell.
	WindowsShellPowerShell WindowsShell = "powershell"
	// WindowsShellCmd runs commands through cmd.exe.
	WindowsShellCmd WindowsShell = "cmd"
	// WindowsShellWSL runs commands through WSL's default shell.
	WindowsShellWSL WindowsShell = "wsl"
)

// ShellConfig carries the project-level shell configuration consumed by
// the resolver.
type ShellConfig struct {
	// Shell is the Unix shell path or name. Empty selects $SHELL,
	// falling back to /bin/sh.
	Shell string

	// Windows selects the Windows shell. Empty selects PowerShell.
	Windows WindowsShell
}

// Invocation is a resolved shell invocation: the executable plus the
// argument prefix that a command string is appended to.
type Invocation struct {
	// Path is the shell executable.
	Path string

	// Args is the argument prefix (e.g. ["-i", "-l", "-c"]). The
	// command string is appended as the final argument.
	Args []string
}

// CommandArgs returns the full argument list for running command.
func (inv Invocation) CommandArgs(command string) []string {
	args := make([]string, 0, len(inv.Args)+1)
	args = append(args, inv.Args...)
	return append(args, command)
}

// ResolveShell determines the shell invocation for the current platform.
//
// On Unix the shell comes from project configuration, then $SHELL, then
// /bin/sh, and is invoked as an interactive login shell so the user's
// profile (.bashrc/.zshrc) is sourced rather than parsed manually. On
// Windows the configured shell is used as-is; profile sourcing is
// whatever the chosen shell performs natively at startup.
func ResolveShell(cfg ShellConfig) Invocation {
	if runtime.GOOS == "windows" {
		return resolveWindowsShell(cfg.Windows)
	}
	return resolveUnixShell(cfg.Shell)
}

func resolveUnixShell(configured string) Invocation {
	shell := configured
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/sh"
	}

	switch filepath.Base(shell) {
	case "bash", "zsh":
		return Invocation{Path: shell, Args: []string{"-i", "-l", "-c"}}
	case "fish":
		return Invocation{Path: shell, Args: []string{"-l", "-c"}}
	default:
		// Plain POSIX shells accept -l but not always -i with -c.
		return Invocation{Path: shell, Args: []string{"-l", "-c"}}
	}
}

func resolveWindowsShell(choice WindowsShell) Invocation {
	switch choice {
	case WindowsShellCmd:
		return Invocation{Path: "cmd.exe", Args: []string{"/C"}}
	case WindowsShellWSL:
		return Invocation{Path: "wsl.exe", Args: []string{"-e", "sh", "-lc"}}
	default:
		return Invocation{Path: "powershell.exe", Args: []string{"-Command"}}
	}
}

// MergeEnv builds the process environment from the OS environment plus
// override layers. Later layers take precedence. The result is sorted
// for deterministic ordering; overrides are never silently dropped.
func MergeEnv(layers ...map[string]string) []string {
	envMap := make(map[string]string)

	for _, kv := range os.Environ() {
		if idx := strings.Index(kv, "="); idx > 0 {
			envMap[kv[:idx]] = kv[idx+1:]
		}
	}

	for _, layer := range layers {
		for k, v := range layer {
			envMap[k] = v
		}
	}

	keys := make([]string, 0, len(envMap))
	for k := range envMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(envMap))
	for _, k := range keys {
		env = append(env, k+"="+envMap[k])
	}
	return env
}

// ShellJoin joins a command and arguments into a single shell command
// string with each part escaped.
func ShellJoin(command string, args []string) string {
	var b strings.Builder
	b.WriteString(shellEscape(command))
	for _, arg := range args {
		b.WriteByte(' ')
		b.WriteString(shellEscape(arg))
	}
	return b.String()
}

// shellEscape escapes a string for safe use in shell commands.
// It wraps arguments containing special characters in single quotes.
func shellEscape(s string) string {
	if s == "" {
		return "''"
	}

	needsEscape := false
	for _, c := range s {
		if !isShellSafe(c) {
			needsEscape = true
			break
		}
	}
	if !needsEscape {
		return s
	}

	// 'foo'\''bar' -> foo'bar
	var result strings.Builder
	result.WriteByte('\'')
	for _, c := range s {
		if c == '\'' {
			result.WriteString("'\\''")
		} else {
			result.WriteRune(c)
		}
	}
	result.WriteByte('\'')
	return result.String()
}

// isShellSafe returns true if the character doesn't need escaping.
func isShellSafe(c rune) bool {
	return (c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9') ||
		c == '-' || c == '_' || c == '.' || c == '/'
}
