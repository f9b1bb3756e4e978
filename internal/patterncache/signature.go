// Package patterncache implements the content-addressed fix cache for the
// repair loop. It maps a normalized (diagnostic message, code context,
// language) triple to a previously accepted fix, bounded by capacity with
// least-recently-used eviction and poison removal for fixes that stop
// working.
package patterncache

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// contextRadius is the number of lines kept on each side of a diagnostic
// when deriving its context window. Keeping the window bounded makes
// signatures stable across unrelated edits elsewhere in the file.
const contextRadius = 3

// numberPattern matches runs of digits. Line and column numbers embedded
// in diagnostic messages vary between otherwise identical problems, so
// they are normalized away.
var numberPattern = regexp.MustCompile(`\d+`)

// pathPattern matches file-system paths (Unix or Windows style). Absolute
// paths differ between machines and checkouts; only the final element is
// kept.
var pathPattern = regexp.MustCompile(`(?:[A-Za-z]:)?(?:[\w.~-]+[/\\])+[\w.-]+`)

// spacePattern collapses runs of whitespace so formatting differences do
// not produce distinct signatures.
var spacePattern = regexp.MustCompile(`\s+`)

// NormalizeMessage rewrites a diagnostic message into a machine-stable
// form: paths reduced to their last element, digits replaced by a
// placeholder, whitespace collapsed.
func NormalizeMessage(message string) string {
	msg := pathPattern.ReplaceAllStringFunc(message, func(p string) string {
		p = strings.ReplaceAll(p, `\`, `/`)
		if i := strings.LastIndex(p, "/"); i >= 0 {
			return p[i+1:]
		}
		return p
	})
	msg = numberPattern.ReplaceAllString(msg, "N")
	msg = spacePattern.ReplaceAllString(msg, " ")
	return strings.TrimSpace(msg)
}

// ContextWindow extracts a bounded window of source lines around the given
// zero-based line. The window is what ties a signature to the shape of the
// surrounding code without making it sensitive to the rest of the file.
func ContextWindow(content string, line int) string {
	lines := strings.Split(content, "\n")
	if line < 0 {
		line = 0
	}
	if line >= len(lines) {
		line = len(lines) - 1
	}
	start := line - contextRadius
	if start < 0 {
		start = 0
	}
	end := line + contextRadius + 1
	if end > len(lines) {
		end = len(lines)
	}
	window := strings.Join(lines[start:end], "\n")
	return strings.TrimSpace(window)
}

// Signature derives the deterministic cache key for a diagnostic: a hash
// over the normalized message, the bounded context window, and the
// language identifier. Identical problems in different files (or at
// different line numbers) produce identical signatures.
func Signature(message, contextWindow, language string) string {
	h := sha256.New()
	h.Write([]byte(NormalizeMessage(message)))
	h.Write([]byte{0})
	h.Write([]byte(spacePattern.ReplaceAllString(contextWindow, " ")))
	h.Write([]byte{0})
	h.Write([]byte(language))
	return hex.EncodeToString(h.Sum(nil))
}
