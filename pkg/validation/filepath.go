// Package validation confines user-supplied paths to a base directory and
// checks identifiers used in configuration files.
package validation

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
)

// DefaultMaxPathLen bounds the length of a user path.
const DefaultMaxPathLen = 1024

// PathError is a rejected path.
type PathError struct {
	UserPath     string
	Reason       string
	ResolvedPath string
}

func (e *PathError) Error() string {
	if e.ResolvedPath != "" {
		return fmt.Sprintf("path '%s' rejected: %s (resolved to %s)", e.UserPath, e.Reason, e.ResolvedPath)
	}
	return fmt.Sprintf("path '%s' rejected: %s", e.UserPath, e.Reason)
}

// Sandbox resolves relative paths under a fixed base directory and refuses
// anything that would escape it, including through symbolic links. It is
// safe for concurrent use.
type Sandbox struct {
	base       string
	resolved   string
	maxPathLen int
	checked    uint64
	rejected   uint64
}

// NewSandbox returns a Sandbox rooted at base, which must be an existing
// absolute directory.
func NewSandbox(base string) (*Sandbox, error) {
	if base == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}
	if !filepath.IsAbs(base) {
		return nil, fmt.Errorf("base path must be absolute: %s", base)
	}
	info, err := os.Stat(base)
	if err != nil {
		return nil, fmt.Errorf("cannot access base path: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("base path is not a directory: %s", base)
	}
	resolved, err := filepath.EvalSymlinks(base)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve base path: %w", err)
	}
	return &Sandbox{base: base, resolved: resolved, maxPathLen: DefaultMaxPathLen}, nil
}

// Base returns the directory the sandbox was created with.
func (s *Sandbox) Base() string { return s.base }

// Resolve returns the absolute, symlink-free location of userPath inside the
// sandbox. The target need not exist yet.
func (s *Sandbox) Resolve(userPath string) (string, error) {
	atomic.AddUint64(&s.checked, 1)

	reject := func(reason, resolved string) (string, error) {
		atomic.AddUint64(&s.rejected, 1)
		return "", &PathError{UserPath: userPath, Reason: reason, ResolvedPath: resolved}
	}

	if strings.TrimSpace(userPath) == "" {
		return reject("path cannot be empty", "")
	}
	if len(userPath) > s.maxPathLen {
		return reject(fmt.Sprintf("path longer than %d bytes", s.maxPathLen), "")
	}
	if !filepath.IsLocal(userPath) {
		return reject("path escapes the sandbox", "")
	}

	clean := filepath.Clean(userPath)
	if runtime.GOOS == "windows" {
		if name, ok := reservedName(clean); ok {
			return reject("reserved name "+name, "")
		}
	}

	resolved, err := resolveExisting(filepath.Join(s.resolved, clean))
	if err != nil {
		return reject("cannot resolve path", "")
	}

	rel, err := filepath.Rel(s.resolved, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return reject("resolved path escapes the sandbox", resolved)
	}
	return resolved, nil
}

// Stats returns how many paths were checked and how many were rejected.
func (s *Sandbox) Stats() (checked, rejected uint64) {
	return atomic.LoadUint64(&s.checked), atomic.LoadUint64(&s.rejected)
}

// resolveExisting evaluates symlinks in the longest existing prefix of p and
// re-appends the missing tail.
func resolveExisting(p string) (string, error) {
	var tail []string
	cur := p
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, tail[i])
			}
			return resolved, nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		tail = append(tail, filepath.Base(cur))
		cur = parent
	}
}

var windowsReserved = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

func reservedName(p string) (string, bool) {
	for _, part := range strings.Split(filepath.ToSlash(p), "/") {
		base := strings.ToUpper(part)
		if i := strings.Index(base, "."); i >= 0 {
			base = base[:i]
		}
		if windowsReserved[base] {
			return part, true
		}
	}
	return "", false
}
