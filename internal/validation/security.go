// Package validation checks operator supplied values that end up in process
// arguments, file paths and URLs.
package validation

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// shellChars could change the meaning of a value passed through a shell.
var shellChars = []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\\", "\"", "'"}

// ValidateArgument validates a toolchain argument. Arguments are passed to
// exec directly, but they also show up in logs and reproduction commands.
func ValidateArgument(arg string) error {
	for _, char := range shellChars {
		if strings.Contains(arg, char) {
			return fmt.Errorf("contains dangerous character: %s", char)
		}
	}

	if strings.Contains(arg, "..") {
		return fmt.Errorf("contains path traversal: %s", arg)
	}

	if filepath.IsAbs(arg) {
		return fmt.Errorf("absolute path not allowed: %s", arg)
	}

	return nil
}

// ValidateCommand validates the toolchain executable name or path.
func ValidateCommand(command string) error {
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("command cannot be empty")
	}
	if strings.ContainsAny(command, " \t\n") {
		return fmt.Errorf("command must be a single executable, use args for flags")
	}
	for _, char := range shellChars {
		if strings.Contains(command, char) {
			return fmt.Errorf("command contains dangerous character: %s", char)
		}
	}

	return nil
}

// ValidatePath validates a configured directory or file path.
func ValidatePath(p string) error {
	if p == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if strings.ContainsRune(p, 0) {
		return fmt.Errorf("path contains a null byte")
	}

	for _, char := range []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'"} {
		if strings.Contains(p, char) {
			return fmt.Errorf("path contains dangerous character: %s", char)
		}
	}

	return nil
}

// ValidateRelativePath validates a path that must stay inside its base
// directory.
func ValidateRelativePath(p string) error {
	if err := ValidatePath(p); err != nil {
		return err
	}
	if filepath.IsAbs(p) {
		return fmt.Errorf("path must be relative: %s", p)
	}
	clean := filepath.ToSlash(filepath.Clean(p))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("path traversal detected: %s", p)
	}

	return nil
}

// ValidateHost validates a listen host.
func ValidateHost(host string) error {
	for _, char := range shellChars {
		if strings.Contains(host, char) {
			return fmt.Errorf("host contains dangerous character: %s", char)
		}
	}
	if strings.ContainsAny(host, " /") {
		return fmt.Errorf("host must be a bare name or address: %s", host)
	}

	return nil
}

// ValidateOriginPattern validates an allowed origin host pattern such as
// "play.example.com" or "*.example.com".
func ValidateOriginPattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("origin pattern cannot be empty")
	}
	if strings.Contains(pattern, "://") {
		return fmt.Errorf("origin pattern %q must be a host, not a URL", pattern)
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return fmt.Errorf("invalid origin pattern %q: %w", pattern, err)
	}

	return nil
}
