package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrInvalidArtifactName is returned when a requested download name is not a
// plain file name inside the artifact directory.
var ErrInvalidArtifactName = errors.New("invalid artifact name")

// ValidatePathWithinDirectory checks if a file path is within a safe directory.
// It resolves symlinks on the deepest existing ancestor so a link inside the
// safe directory cannot point the request somewhere else.
func ValidatePathWithinDirectory(filePath, safeDir string) error {
	absPath, err := filepath.Abs(filepath.Clean(filePath))
	if err != nil {
		return fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	absSafeDir, err := filepath.Abs(safeDir)
	if err != nil {
		return fmt.Errorf("failed to resolve safe directory path: %w", err)
	}

	canonicalPath := canonicalize(absPath)
	canonicalSafeDir, err := filepath.EvalSymlinks(absSafeDir)
	if err != nil {
		return fmt.Errorf("failed to resolve safe directory symlinks: %w", err)
	}

	relPath, err := filepath.Rel(canonicalSafeDir, canonicalPath)
	if err != nil {
		return fmt.Errorf("path is outside safe directory: %w", err)
	}
	if relPath == ".." || strings.HasPrefix(relPath, ".."+string(filepath.Separator)) || filepath.IsAbs(relPath) {
		return fmt.Errorf("path traversal detected: %s attempts to escape %s", filePath, safeDir)
	}
	return nil
}

// canonicalize resolves symlinks in absPath. When absPath does not exist yet
// the nearest existing parent is resolved and the remainder re-attached.
func canonicalize(absPath string) string {
	if resolved, err := filepath.EvalSymlinks(absPath); err == nil {
		return resolved
	}
	for checkPath := absPath; ; {
		parentDir := filepath.Dir(checkPath)
		if parentDir == checkPath {
			return absPath
		}
		if resolved, err := filepath.EvalSymlinks(parentDir); err == nil {
			relToParent, _ := filepath.Rel(parentDir, absPath)
			return filepath.Join(resolved, relToParent)
		}
		checkPath = parentDir
	}
}

// ResolveArtifactPath maps a download name onto a path inside dir. Only bare
// .gcode file names are accepted.
func ResolveArtifactPath(dir, name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidArtifactName, name)
	}
	if !strings.EqualFold(filepath.Ext(name), ".gcode") {
		return "", fmt.Errorf("%w: %q is not a .gcode file", ErrInvalidArtifactName, name)
	}
	path := filepath.Join(dir, name)
	if err := ValidatePathWithinDirectory(path, dir); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidArtifactName, err)
	}
	return path, nil
}

// SanitizeFilename makes a safe filename from an arbitrary string such as
// the client-supplied name of an uploaded mesh. Anything other than ASCII
// letters, digits, dot, underscore or dash becomes a single underscore and
// the result is capped at 128 bytes.
func SanitizeFilename(s string) string {
	const maxLen = 128
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'),
			r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
