// Package fixloop implements the autonomous code-repair loop: it consumes
// compiler/lint diagnostics, consults the pattern cache, asks the
// generative backend for fixes on cache misses, applies fixes as synthetic
// operations through the session manager, and re-verifies.
//
// Fix-loop edits travel the same ingestion path as human edits, so both
// kinds of writers stay mutually consistent under the same transform
// rules.
package fixloop

import (
	"fmt"
	"log"
)

// State is the phase of one fix attempt.
type State string

const (
	// StateIdle means no active diagnostic for the file.
	StateIdle State = "idle"

	// StateAnalyzing computes the diagnostic's signature and bounded
	// context window.
	StateAnalyzing State = "analyzing"

	// StateCacheCheck queries the pattern cache for a known fix.
	StateCacheCheck State = "cache_check"

	// StateGenerating invokes the generative backend.
	StateGenerating State = "generating"

	// StateApplying submits the fix as a synthetic operation.
	StateApplying State = "applying"

	// StateVerifying waits (bounded) for a fresh diagnostic.
	StateVerifying State = "verifying"

	// StateRetrying backs off before another round.
	StateRetrying State = "retrying"

	// StateDone is terminal: the diagnostic no longer reproduces.
	StateDone State = "done"

	// StateAbandoned is terminal: max attempts exhausted, the original
	// diagnostic is surfaced unresolved.
	StateAbandoned State = "abandoned"
)

// terminal reports whether a state ends the attempt.
func (s State) terminal() bool {
	return s == StateDone || s == StateAbandoned
}

// Diagnostic is the normalized record every diagnostic is reduced to at
// the gateway boundary before anything in the core sees it.
type Diagnostic struct {
	// FileID identifies the file (and its document session).
	FileID string

	// Message is the raw diagnostic text from the compiler or linter.
	Message string

	// Language is the language/loader identifier (e.g. "java").
	Language string

	// Line is the zero-based line the diagnostic points at.
	Line int
}

// Attempt is the per-diagnosis run of the repair state machine for one
// file. It is owned exclusively by the loop goroutine driving it and
// destroyed when the attempt reaches a terminal state.
type Attempt struct {
	FileID       string
	Diagnostic   Diagnostic
	State        State
	AttemptCount int
	LastError    error
}

// Reporter is the external UI collaborator that receives diagnostics the
// loop could not resolve. The original diagnostic is surfaced as-is, not
// a synthetic error about the fix loop.
type Reporter interface {
	ReportUnresolved(d Diagnostic)
}

// logReporter is the default Reporter: it only logs.
type logReporter struct{}

func (logReporter) ReportUnresolved(d Diagnostic) {
	log.Printf("fixloop: unresolved after all attempts: %s: %s", d.FileID, d.Message)
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s:%d: %s", d.FileID, d.Line+1, d.Message)
}
