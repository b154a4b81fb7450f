package run

import (
	"runtime"
	"strings"
	"testing"
)

func TestResolveUnixShell_Configured(t *testing.T) {
	inv := resolveUnixShell("/usr/local/bin/zsh")
	if inv.Path != "/usr/local/bin/zsh" {
		t.Errorf("Path = %q", inv.Path)
	}
	// Interactive login shell so user profiles are sourced.
	want := []string{"-i", "-l", "-c"}
	if len(inv.Args) != len(want) {
		t.Fatalf("Args = %v, want %v", inv.Args, want)
	}
	for i := range want {
		if inv.Args[i] != want[i] {
			t.Errorf("Args[%d] = %q, want %q", i, inv.Args[i], want[i])
		}
	}
}

func TestResolveUnixShell_EnvFallback(t *testing.T) {
	t.Setenv("SHELL", "/bin/bash")
	inv := resolveUnixShell("")
	if inv.Path != "/bin/bash" {
		t.Errorf("Path = %q, want /bin/bash", inv.Path)
	}
}

func TestResolveUnixShell_DefaultFallback(t *testing.T) {
	t.Setenv("SHELL", "")
	inv := resolveUnixShell("")
	if inv.Path != "/bin/sh" {
		t.Errorf("Path = %q, want /bin/sh", inv.Path)
	}
	// Plain sh is not invoked with -i.
	for _, arg := range inv.Args {
		if arg == "-i" {
			t.Error("sh invocation should not include -i")
		}
	}
}

func TestResolveWindowsShell(t *testing.T) {
	tests := []struct {
		choice WindowsShell
		path   string
	}{
		{WindowsShellPowerShell, "powershell.exe"},
		{WindowsShellCmd, "cmd.exe"},
		{WindowsShellWSL, "wsl.exe"},
		{"", "powershell.exe"},
	}

	for _, tt := range tests {
		inv := resolveWindowsShell(tt.choice)
		if inv.Path != tt.path {
			t.Errorf("resolveWindowsShell(%q).Path = %q, want %q", tt.choice, inv.Path, tt.path)
		}
		if len(inv.Args) == 0 {
			t.Errorf("resolveWindowsShell(%q) has no argument prefix", tt.choice)
		}
	}
}

func TestResolveShell_Platform(t *testing.T) {
	inv := ResolveShell(ShellConfig{})
	if runtime.GOOS == "windows" {
		if inv.Path != "powershell.exe" {
			t.Errorf("Path = %q", inv.Path)
		}
	} else if inv.Path == "" {
		t.Error("empty shell path")
	}
}

func TestInvocationCommandArgs(t *testing.T) {
	inv := Invocation{Path: "/bin/sh", Args: []string{"-l", "-c"}}
	args := inv.CommandArgs("echo hi")
	if len(args) != 3 || args[0] != "-l" || args[1] != "-c" || args[2] != "echo hi" {
		t.Errorf("CommandArgs = %v", args)
	}
}

func TestMergeEnv_Precedence(t *testing.T) {
	t.Setenv("RUNSTORM_TEST_BASE", "os")
	t.Setenv("RUNSTORM_TEST_OVERRIDE", "os")

	env := MergeEnv(
		map[string]string{"RUNSTORM_TEST_OVERRIDE": "project", "RUNSTORM_TEST_PROJECT": "project"},
		map[string]string{"RUNSTORM_TEST_OVERRIDE": "target"},
	)

	got := make(map[string]string)
	for _, kv := range env {
		if idx := strings.Index(kv, "="); idx > 0 {
			got[kv[:idx]] = kv[idx+1:]
		}
	}

	if got["RUNSTORM_TEST_BASE"] != "os" {
		t.Errorf("base = %q, want os", got["RUNSTORM_TEST_BASE"])
	}
	if got["RUNSTORM_TEST_PROJECT"] != "project" {
		t.Errorf("project = %q, want project", got["RUNSTORM_TEST_PROJECT"])
	}
	if got["RUNSTORM_TEST_OVERRIDE"] != "target" {
		t.Errorf("override = %q, want target", got["RUNSTORM_TEST_OVERRIDE"])
	}
}

func TestMergeEnv_Sorted(t *testing.T) {
	env := MergeEnv(nil)
	for i := 1; i < len(env); i++ {
		if env[i-1] > env[i] {
			t.Fatalf("environment not sorted: %q > %q", env[i-1], env[i])
		}
	}
}

func TestShellJoin(t *testing.T) {
	tests := []struct {
		command string
		args    []string
		want    string
	}{
		{"make", []string{"build"}, "make build"},
		{"echo", []string{"hello world"}, "echo 'hello world'"},
		{"echo", []string{"it's"}, `echo 'it'\''s'`},
		{"echo", []string{""}, "echo ''"},
		{"npm", []string{"run", "test:unit"}, "npm run 'test:unit'"},
	}

	for _, tt := range tests {
		if got := ShellJoin(tt.command, tt.args); got != tt.want {
			t.Errorf("ShellJoin(%q, %v) = %q, want %q", tt.command, tt.args, got, tt.want)
		}
	}
}
