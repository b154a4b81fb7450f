package sources

import (
	"context"
	"fmt"
	"strings"

	"github.com/dshills/runstorm/internal/discover"
	"github.com/dshills/runstorm/internal/target"
	lua "github.com/yuin/gopher-lua"
)

// LuaSource discovers targets from targets.lua scripts. The script
// runs in a sandboxed interpreter and must return a list of target
// tables:
//
//	return {
//	  { name = "build", command = "go", args = { "build", "./..." } },
//	  { name = "serve", command = "go run ./cmd/api", kind = "shell" },
//	}
type LuaSource struct{}

// NewLuaSource creates a new Lua script source.
func NewLuaSource() *LuaSource {
	return &LuaSource{}
}

// Name returns the source name.
func (s *LuaSource) Name() string {
	return "lua"
}

// Patterns returns the file patterns this source handles.
func (s *LuaSource) Patterns() []string {
	return []string{
		"targets.lua",
		".runstorm.lua",
	}
}

// Priority returns the source priority.
func (s *LuaSource) Priority() int {
	return 105
}

// Discover runs the script and converts its returned table.
func (s *LuaSource) Discover(ctx context.Context, path string) ([]*target.Target, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	L.SetContext(ctx)

	// Base and string libraries only; scripts describe targets, they
	// do not get io or os access.
	for _, pair := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
	} {
		L.Push(L.NewFunction(pair.fn))
		L.Push(lua.LString(pair.name))
		L.Call(1, 0)
	}

	if err := L.DoFile(path); err != nil {
		return nil, err
	}

	ret := L.Get(-1)
	table, ok := ret.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("script must return a table, got %s", ret.Type())
	}

	var targets []*target.Target
	var convErr error

	table.ForEach(func(_, value lua.LValue) {
		if convErr != nil {
			return
		}
		entry, ok := value.(*lua.LTable)
		if !ok {
			convErr = fmt.Errorf("target entry must be a table, got %s", value.Type())
			return
		}
		tgt, err := luaTarget(entry)
		if err != nil {
			convErr = err
			return
		}
		targets = append(targets, tgt)
	})
	if convErr != nil {
		return nil, convErr
	}
	return targets, nil
}

// luaTarget converts one Lua table entry into a target.
func luaTarget(entry *lua.LTable) (*target.Target, error) {
	name := tableString(entry, "name")
	if name == "" {
		return nil, fmt.Errorf("target entry missing name")
	}
	command := tableString(entry, "command")
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("target %q: missing command", name)
	}

	tgt := &target.Target{
		Name:        name,
		Description: tableString(entry, "description"),
		Kind:        parseKind(tableString(entry, "kind")),
		Group:       parseGroup(tableString(entry, "group"), name),
		Command:     command,
		Cwd:         tableString(entry, "cwd"),
		Shell:       tableString(entry, "shell"),
	}

	if args, ok := entry.RawGetString("args").(*lua.LTable); ok {
		args.ForEach(func(_, v lua.LValue) {
			tgt.Args = append(tgt.Args, v.String())
		})
	}
	if env, ok := entry.RawGetString("env").(*lua.LTable); ok {
		tgt.Env = make(map[string]string)
		env.ForEach(func(k, v lua.LValue) {
			tgt.Env[k.String()] = v.String()
		})
	}
	if def, ok := entry.RawGetString("default").(lua.LBool); ok {
		tgt.IsDefault = bool(def)
	}

	return tgt, nil
}

// tableString reads a string field, returning "" when absent.
func tableString(t *lua.LTable, key string) string {
	if v, ok := t.RawGetString(key).(lua.LString); ok {
		return string(v)
	}
	return ""
}

var _ discover.Source = (*LuaSource)(nil)
