// Package sources provides target discovery sources for common build
// systems: Makefiles, package.json scripts, go-task Taskfiles, native
// runstorm.toml files, and Lua target scripts.
package sources
