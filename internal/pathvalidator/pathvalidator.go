// Package pathvalidator sandboxes file inputs to an allow-listed set of
// directories, grounded 1:1 on the original Python path_validator.py:
// same default allow-list, same deny patterns, same traversal/tilde
// rejection, same non-throwing query variant.
package pathvalidator

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/yayoboy/oxide-mesh/internal/errs"
)

// denyPatterns mirrors the original's sensitive_patterns list: system
// credential locations and home-directory secrets that are hard-denied
// even when they happen to live under an allowed prefix.
var denyPatterns = []string{
	"/etc/passwd",
	"/etc/shadow",
	"/etc/sudoers",
	"/.ssh/",
	"/root/",
	"/.aws/",
	"/.config/secrets",
}

// Validator holds a mutable, runtime-adjustable allow-list of directory
// prefixes. Safe for concurrent use.
type Validator struct {
	mu      sync.RWMutex
	allowed []string // canonicalized, deduplicated
}

// DefaultAllowedDirs returns the spec's startup-time default allow-list:
// the user's documents/projects/downloads, cwd, /tmp, and /workspace.
// Entries that don't exist on this machine are silently skipped, matching
// the original's `if Path(d).exists()` filter.
func DefaultAllowedDirs() []string {
	home, _ := os.UserHomeDir()
	cwd, _ := os.Getwd()
	candidates := []string{
		filepath.Join(home, "Documents"),
		filepath.Join(home, "Projects"),
		filepath.Join(home, "Downloads"),
		cwd,
		"/tmp",
		"/workspace",
	}
	var out []string
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if _, err := os.Stat(c); err == nil {
			out = append(out, c)
		}
	}
	return out
}

// New builds a Validator from a list of directory paths. Paths that don't
// exist on this machine are dropped, consistent with DefaultAllowedDirs.
func New(dirs []string) *Validator {
	v := &Validator{}
	for _, d := range dirs {
		v.AddAllowedDirectory(d)
	}
	if len(v.allowed) == 0 {
		log.Warn().Msg("path validator: no valid allowed directories; validation will deny all paths")
	}
	return v
}

// AddAllowedDirectory canonicalizes and appends dir to the allow-list,
// deduplicating and skipping directories that don't exist.
func (v *Validator) AddAllowedDirectory(dir string) {
	if dir == "" {
		return
	}
	if _, err := os.Stat(dir); err != nil {
		log.Warn().Str("dir", dir).Msg("path validator: cannot add non-existent directory")
		return
	}
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		resolved, err = filepath.Abs(dir)
		if err != nil {
			return
		}
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, d := range v.allowed {
		if d == resolved {
			return
		}
	}
	v.allowed = append(v.allowed, resolved)
}

// AllowedDirectories returns a copy of the current allow-list.
func (v *Validator) AllowedDirectories() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, len(v.allowed))
	copy(out, v.allowed)
	return out
}

// Validate resolves path and checks it against the allow-list and the
// hard-deny patterns. Returns the canonical path on success, or a
// Security *errs.OxideError on rejection. All rejections log a warning
// with the offending canonical (or best-effort) path.
func (v *Validator) Validate(path string) (string, error) {
	if path == "" {
		log.Warn().Msg("empty file path rejected")
		return "", errs.New(errs.Security, "empty file path provided")
	}

	if strings.Contains(path, "..") || strings.HasPrefix(path, "~") {
		log.Warn().Str("path", path).Msg("path traversal attempt blocked")
		return "", errs.New(errs.Security, "path traversal detected in: "+path)
	}

	resolved, err := resolveCanonical(path)
	if err != nil {
		log.Warn().Str("path", path).Err(err).Msg("failed to resolve path")
		return "", errs.Wrap(errs.Security, "invalid path: "+path, err)
	}

	v.mu.RLock()
	allowed := false
	for _, dir := range v.allowed {
		if resolved == dir || strings.HasPrefix(resolved, dir+string(filepath.Separator)) {
			allowed = true
			break
		}
	}
	v.mu.RUnlock()

	if !allowed {
		log.Warn().Str("path", resolved).Msg("access denied: outside allowed directories")
		return "", errs.New(errs.Security, "path outside allowed directories: "+resolved)
	}

	for _, pattern := range denyPatterns {
		if strings.Contains(resolved, pattern) {
			log.Error().Str("path", resolved).Str("pattern", pattern).Msg("SECURITY ALERT: sensitive file access blocked")
			return "", errs.New(errs.Security, "access to sensitive system file denied: "+pattern)
		}
	}

	return resolved, nil
}

// ValidateAll validates every path independently: a rejected path is
// skipped rather than aborting the whole batch, and its error is
// returned as a warning alongside the map of paths that passed
// validation, keyed by the original (pre-resolution) path the caller
// supplied. One bad attachment never costs the caller every other file.
func (v *Validator) ValidateAll(paths []string) (resolved map[string]string, warnings []string) {
	resolved = make(map[string]string, len(paths))
	for _, p := range paths {
		r, err := v.Validate(p)
		if err != nil {
			warnings = append(warnings, err.Error())
			continue
		}
		resolved[p] = r
	}
	return resolved, warnings
}

// IsAllowed is the non-throwing query variant.
func (v *Validator) IsAllowed(path string) bool {
	_, err := v.Validate(path)
	return err == nil
}

func resolveCanonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// Path doesn't need to exist — fall back to the absolute,
		// non-symlink-resolved form (mirrors Python's Path.resolve(),
		// which does not require existence).
		return filepath.Clean(abs), nil
	}
	return resolved, nil
}
