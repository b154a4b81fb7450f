// Package target defines the target descriptor shared by discovery,
// configuration, and the execution core.
//
// A Target is a named, executable command with an associated working
// directory. Targets are produced by the discovery layer (Makefiles,
// package.json scripts, Taskfiles, native target files) or loaded from
// project configuration, and consumed read-only by the run package for
// the duration of a run.
package target
