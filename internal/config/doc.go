// Package config loads and saves the per-project .runstorm.yml file.
//
// The file is optional: a project without one gets defaults and pure
// discovery. When present it carries the shell selection, project
// environment, execution timing, display groups, and per-target
// overrides such as notes and group assignment.
package config
