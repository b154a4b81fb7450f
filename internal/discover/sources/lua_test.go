package sources

import (
	"context"
	"testing"

	"github.com/dshills/runstorm/internal/target"
)

const luaFixture = `local targets = {}

table.insert(targets, {
  name = "build",
  description = "Compile everything",
  command = "go",
  args = { "build", "./..." },
  kind = "process",
})

table.insert(targets, {
  name = "serve",
  command = "air",
  env = { PORT = "3000" },
  default = true,
})

return targets
`

func TestLuaDiscover(t *testing.T) {
	path := writeFixture(t, "targets.lua", luaFixture)

	src := NewLuaSource()
	targets, err := src.Discover(context.Background(), path)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("targets = %d, want 2", len(targets))
	}

	build := targets[0]
	if build.Name != "build" || build.Description != "Compile everything" {
		t.Errorf("build = %q / %q", build.Name, build.Description)
	}
	if build.Kind != target.KindProcess {
		t.Errorf("kind = %q, want process", build.Kind)
	}
	if len(build.Args) != 2 || build.Args[0] != "build" || build.Args[1] != "./..." {
		t.Errorf("args = %v", build.Args)
	}

	serve := targets[1]
	if serve.Env["PORT"] != "3000" {
		t.Errorf("env = %v", serve.Env)
	}
	if !serve.IsDefault {
		t.Error("serve not marked default")
	}
	if serve.Kind != target.KindShell {
		t.Errorf("kind = %q, want shell default", serve.Kind)
	}
}

func TestLuaScriptMustReturnTable(t *testing.T) {
	path := writeFixture(t, "targets.lua", `return "nope"`)

	src := NewLuaSource()
	if _, err := src.Discover(context.Background(), path); err == nil {
		t.Error("no error for non-table return")
	}
}

func TestLuaMissingCommand(t *testing.T) {
	path := writeFixture(t, "targets.lua", `return { { name = "broken" } }`)

	src := NewLuaSource()
	if _, err := src.Discover(context.Background(), path); err == nil {
		t.Error("no error for target without command")
	}
}

func TestLuaSandboxBlocksOS(t *testing.T) {
	path := writeFixture(t, "targets.lua", `os.exit(1)`)

	src := NewLuaSource()
	if _, err := src.Discover(context.Background(), path); err == nil {
		t.Error("script reached the os library")
	}
}

func TestLuaSyntaxError(t *testing.T) {
	path := writeFixture(t, "targets.lua", `return {,}`)

	src := NewLuaSource()
	if _, err := src.Discover(context.Background(), path); err == nil {
		t.Error("no error for invalid Lua")
	}
}
