// Package horosafe provides the input guards that sit between HTTP form values
// and the external pipeline: argument alphabet checks before any process is
// spawned, POSIX quoting for audit records, path containment for artifacts
// declared by the pipeline, and bounded reads.
package horosafe

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// MaxArgLen bounds a single pipeline argument value.
const MaxArgLen = 128

// MaxArtifactSize is the default cap for artifact reads (16 MiB).
const MaxArtifactSize int64 = 16 << 20

// ErrUnsafeArg is returned when an argument value carries characters outside
// the pipeline alphabet.
var ErrUnsafeArg = errors.New("horosafe: unsafe argument")

// ErrPathTraversal is returned when a path escapes its base directory.
var ErrPathTraversal = errors.New("horosafe: path traversal detected")

// ErrTooLarge is returned by LimitedReadAll when the limit is exceeded.
var ErrTooLarge = errors.New("horosafe: content exceeds limit")

// shellMeta lists every byte a POSIX shell gives meaning to.
const shellMeta = " \t\n\r'\"\\$&;|*?<>`()[]{}~#!%^="

// ValidateArg checks that s is a non-empty pipeline argument made only of
// ASCII letters, digits, underscore, hyphen and dot. Gene symbols, species
// names and RefSeq accessions all fit; anything a shell could interpret does
// not. A leading hyphen is refused so a value is never parsed as a flag.
func ValidateArg(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty value", ErrUnsafeArg)
	}
	if len(s) > MaxArgLen {
		return fmt.Errorf("%w: longer than %d bytes", ErrUnsafeArg, MaxArgLen)
	}
	if s[0] == '-' {
		return fmt.Errorf("%w: leading hyphen", ErrUnsafeArg)
	}
	for _, r := range s {
		if !isArgChar(r) {
			return fmt.Errorf("%w: invalid character %q", ErrUnsafeArg, r)
		}
	}
	return nil
}

// HasShellMeta reports whether s contains a shell metacharacter.
func HasShellMeta(s string) bool {
	return strings.ContainsAny(s, shellMeta)
}

// ShellQuote renders s so that a POSIX shell would read it back as a single
// word. It is used to print commands in audit records, never to build one.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !HasShellMeta(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// QuoteCommand joins name and args into a copy-pasteable command line.
func QuoteCommand(name string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, ShellQuote(name))
	for _, a := range args {
		parts = append(parts, ShellQuote(a))
	}
	return strings.Join(parts, " ")
}

// Contained checks that p, relative paths resolved against base, stays under
// base. The pipeline declares artifact paths itself, so they are checked
// before any read or HTTP serve. An empty base disables the check.
func Contained(base, p string) (string, error) {
	if base == "" {
		return filepath.Clean(p), nil
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(base, p)
	}
	p = filepath.Clean(p)
	if err := within(base, p); err != nil {
		return "", err
	}
	return p, nil
}

// LimitedReadAll reads at most maxBytes from r. Returns ErrTooLarge if the
// limit is exceeded.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w (%d bytes)", ErrTooLarge, maxBytes)
	}
	return data, nil
}

func within(base, p string) error {
	b := filepath.Clean(base)
	if p != b && !strings.HasPrefix(p, b+string(filepath.Separator)) {
		return ErrPathTraversal
	}
	return nil
}

func isArgChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.'
}
