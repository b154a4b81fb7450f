// Package discover finds runnable targets in a project tree.
//
// Discovery walks the project root up to a configured depth, matches
// files against the patterns of registered sources (Makefiles,
// package.json scripts, Taskfiles, native target files), and asks the
// highest-priority source to parse each match. Results are cached per
// root and invalidated by the build-file watcher when a source file
// changes on disk.
package discover
