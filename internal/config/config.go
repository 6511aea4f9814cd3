// Package config collects the process-wide settings the core reads: the
// byte-compare/copy buffer size, the debug flag, and the scratch directory
// under which all mounts, working trees, and base-image copies live.
//
// The teacher keeps comparable globals (DISTRI_ROOT and friends) as package
// vars in internal/env; wimpatch instead builds one Config value at process
// start and passes it explicitly, per the "Mutable process-global settings"
// design note.
package config

import (
	"os"
	"path/filepath"

	"golang.org/x/xerrors"
)

// DefaultBufferSize is used when the user does not override --buffer-size.
const DefaultBufferSize = 65536

// DefaultExcludeSystemPaths is the denylist the capture filter suppresses
// by default. It is data, not a constant, so callers can extend or replace
// it per platform.
var DefaultExcludeSystemPaths = []string{
	"$ntfs.log",
	"hiberfil.sys",
	"pagefile.sys",
	"swapfile.sys",
	"System Volume Information",
	"RECYCLER",
	`Windows\CSC`,
}

// Config holds the settings that used to be mutable process globals in the
// source tool. It is built once in cmd/wimpatch/main.go and threaded through
// explicitly.
type Config struct {
	// BufferSize sizes the shared buffer used by the byte-compare and
	// streaming codec loops.
	BufferSize int

	// Debug records whether --debug was given.
	Debug bool

	// ScratchDir is the process-wide temp root. All mount points, working
	// directories, and base-image copies live under it.
	ScratchDir string

	// Language is accepted but, per spec, inert: the core always renders
	// English text. Recognized values: en, zh-CN, zh-TW, ja-JP.
	Language string

	// ExcludeSystemPaths is the capture-filter denylist (case-insensitive
	// substring match against the relative path).
	ExcludeSystemPaths []string

	// ownsScratch records whether ScratchDir was randomly generated (and
	// therefore should be removed wholesale on cleanup) versus supplied by
	// the user (in which case only wimpatch's own subtrees are removed).
	ownsScratch bool

	// created tracks the subdirectory names handed out by Scratch, so that
	// Cleanup can remove exactly those when ScratchDir was user-supplied.
	created []string
}

// New builds a Config, creating a randomized scratch directory under the OS
// temp dir when scratchDir is empty.
func New(bufferSize int, debug bool, scratchDir, language string) (*Config, error) {
	owns := scratchDir == ""
	if owns {
		dir, err := os.MkdirTemp("", "wimpatch-")
		if err != nil {
			return nil, xerrors.Errorf("creating scratch directory: %w", err)
		}
		scratchDir = dir
	} else {
		if err := os.MkdirAll(scratchDir, 0755); err != nil {
			return nil, xerrors.Errorf("creating scratch directory %s: %w", scratchDir, err)
		}
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	exclude := make([]string, len(DefaultExcludeSystemPaths))
	copy(exclude, DefaultExcludeSystemPaths)
	return &Config{
		BufferSize:         bufferSize,
		Debug:              debug,
		ScratchDir:         scratchDir,
		Language:           language,
		ExcludeSystemPaths: exclude,
		ownsScratch:        owns,
	}, nil
}

// Scratch returns a fresh subdirectory of the scratch root, creating it.
func (c *Config) Scratch(name string) (string, error) {
	dir := filepath.Join(c.ScratchDir, name)
	if err := os.RemoveAll(dir); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	c.created = append(c.created, name)
	return dir, nil
}

// Cleanup removes wimpatch's scratch state. When ScratchDir was randomly
// generated, the whole directory goes; when the user pointed --scratchdir at
// an existing directory, only the subtrees wimpatch itself created under it
// are removed, leaving anything else the user keeps there untouched. It is
// safe to call from a signal handler's cleanup callback.
func (c *Config) Cleanup() error {
	if c.ownsScratch {
		return os.RemoveAll(c.ScratchDir)
	}
	for _, name := range c.created {
		if err := os.RemoveAll(filepath.Join(c.ScratchDir, name)); err != nil {
			return err
		}
	}
	return nil
}
