// ============================================================================
// jobtrack Submission Script Builder
// ============================================================================
//
// Package: internal/script
// File: script.go
//
// File layout:
//   #!/bin/bash
//   #SBATCH --error=error.log        one line per non-nil setting,
//   #SBATCH --output=output.log      in declaration order
//   ...
//                                    blank separator
//   python train.py                  commands, verbatim
//
// Write:
//   1. The target directory must exist (PathError otherwise)
//   2. Content goes to a temp file in the same directory
//   3. os.Rename replaces the target atomically
//   A failed write never leaves a partial file at the target path.
//
// ============================================================================

package script

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultShell is the interpreter line written first.
const DefaultShell = "/bin/bash"

// ErrPathNotFound is matched by every *PathError.
var ErrPathNotFound = errors.New("script: directory does not exist")

// PathError reports a write into a directory that does not exist.
type PathError struct {
	Path string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("script: directory for %s does not exist", e.Path)
}

func (e *PathError) Unwrap() error {
	return ErrPathNotFound
}

// Settings is an ordered directive mapping. Keys keep their declaration
// order; a nil value keeps the key's slot but omits it from output.
type Settings struct {
	keys   []string
	values map[string]*string
}

// NewSettings returns d's defaults.
func NewSettings(d Dialect) *Settings {
	s := &Settings{values: make(map[string]*string, len(d.Defaults))}
	for _, opt := range d.Defaults {
		s.keys = append(s.keys, opt.Key)
		if opt.Value != nil {
			v := *opt.Value
			s.values[opt.Key] = &v
		} else {
			s.values[opt.Key] = nil
		}
	}
	return s
}

// Set assigns value to key. Unknown keys are appended after the defaults.
func (s *Settings) Set(key, value string) {
	if _, ok := s.values[key]; !ok {
		s.keys = append(s.keys, key)
	}
	s.values[key] = &value
}

// Unset clears key so it is no longer emitted.
func (s *Settings) Unset(key string) {
	if _, ok := s.values[key]; ok {
		s.values[key] = nil
	}
}

// Get returns the value of key and whether it is set.
func (s *Settings) Get(key string) (string, bool) {
	v := s.values[key]
	if v == nil {
		return "", false
	}
	return *v, true
}

// Keys returns every declared key in order, set or not.
func (s *Settings) Keys() []string {
	out := make([]string, len(s.keys))
	copy(out, s.keys)
	return out
}

// Map returns the non-nil settings.
func (s *Settings) Map() map[string]string {
	out := make(map[string]string)
	for _, k := range s.keys {
		if v := s.values[k]; v != nil {
			out[k] = *v
		}
	}
	return out
}

// Builder assembles a submission script for one dialect.
type Builder struct {
	Dialect  Dialect
	Settings *Settings
	Commands []string
	Shell    string

	logger *zap.Logger
}

// NewBuilder returns a Builder with d's default settings.
func NewBuilder(d Dialect, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{
		Dialect:  d,
		Settings: NewSettings(d),
		Shell:    DefaultShell,
		logger:   logger,
	}
}

// AddCommand appends command lines to the script body.
func (b *Builder) AddCommand(lines ...string) *Builder {
	b.Commands = append(b.Commands, lines...)
	return b
}

// Render returns the script text.
func (b *Builder) Render() string {
	var sb strings.Builder
	shell := b.Shell
	if shell == "" {
		shell = DefaultShell
	}
	sb.WriteString("#!" + shell + "\n")
	for _, k := range b.Settings.Keys() {
		if v, ok := b.Settings.Get(k); ok {
			sb.WriteString(b.Dialect.Directive(k, v))
			sb.WriteByte('\n')
		}
	}
	sb.WriteByte('\n')
	for _, line := range b.Commands {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Write renders the script to path atomically.
func (b *Builder) Write(path string) error {
	dir := filepath.Dir(path)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return &PathError{Path: path}
	}

	tmp, err := os.CreateTemp(dir, ".jobtrack-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp script: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.WriteString(b.Render()); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp script: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp script: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp script: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o755); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temp script: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp script: %w", err)
	}

	b.logger.Info("Submission script written",
		zap.String("path", path),
		zap.String("dialect", b.Dialect.Name),
		zap.Int("commands", len(b.Commands)))
	return nil
}

// NewPath returns a unique script path inside dir.
func NewPath(dir string) string {
	return filepath.Join(dir, "job-"+uuid.NewString()+".sh")
}

// Read parses a script written for d back into its non-nil settings and
// command lines. Only keys present in the file are declared.
func Read(path string, d Dialect) (*Settings, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open script: %w", err)
	}
	defer f.Close()

	settings := &Settings{values: make(map[string]*string)}
	var commands []string
	prefix := "#" + d.Prefix + " "
	inBody := false

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		line := scanner.Text()
		lineNo++
		switch {
		case lineNo == 1 && strings.HasPrefix(line, "#!"):
		case !inBody && strings.HasPrefix(line, prefix):
			key, value, ok := strings.Cut(strings.TrimPrefix(line, prefix), "=")
			if !ok {
				return nil, nil, fmt.Errorf("script %s line %d: directive without '='", path, lineNo)
			}
			settings.Set(strings.TrimSpace(key), value)
		case !inBody && strings.TrimSpace(line) == "":
			inBody = true
		default:
			inBody = true
			commands = append(commands, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("read script: %w", err)
	}
	return settings, commands, nil
}
