package fixloop

import (
	"context"
	"log"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/syncpad/host/internal/backend"
	apperrors "github.com/syncpad/host/internal/errors"
	"github.com/syncpad/host/internal/ot"
	"github.com/syncpad/host/internal/patterncache"
	"github.com/syncpad/host/internal/textdiff"
)

// verdict is the outcome of the Verifying wait.
type verdict int

const (
	verifyCleared   verdict = iota // no fresh report of the problem: success
	verifyPersisted                // the same problem reported again
	verifyCancelled                // loop shutting down
)

// setState updates the attempt's state under the loop lock, where
// ActiveState reads it.
func (l *Loop) setState(a *Attempt, s State) {
	l.mu.Lock()
	a.State = s
	l.mu.Unlock()
}

// runAttempt drives one attempt through the state machine until Done or
// Abandoned. The machine is the single source of truth for whether to try
// again; errors only feed it, they never branch on their own.
func (l *Loop) runAttempt(a *Attempt, fs *fileState) {
	ctx := l.ctx

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.cfg.BackoffBase
	bo.MaxInterval = l.cfg.BackoffCap
	bo.MaxElapsedTime = 0 // the attempt counter bounds us, not wall time

	for {
		// Analyzing: pin the content the fix will be authored against
		// and derive the cache signature from it.
		l.setState(a, StateAnalyzing)
		content, rev, err := l.sessions.Snapshot(ctx, a.FileID)
		if err != nil {
			// No session for the file: nothing to repair against.
			a.LastError = err
			l.abandon(a)
			return
		}
		window := patterncache.ContextWindow(content, a.Diagnostic.Line)
		sig := patterncache.Signature(a.Diagnostic.Message, window, a.Diagnostic.Language)

		// CacheCheck: a hit skips the backend entirely.
		l.setState(a, StateCacheCheck)
		var fixed string
		fromCache := false
		if fix, ok := l.cache.Lookup(ctx, sig); ok {
			if patched, applied := textdiff.ApplyPatch(fix.Patch, content); applied && patched != content {
				fixed = patched
				fromCache = true
				log.Printf("fixloop: cache hit for %s (%.12s)", a.FileID, sig)
			} else {
				// The cached patch no longer lands on this content.
				// Count that against the entry and fall through to the
				// backend.
				l.cache.Penalize(ctx, sig)
			}
		}

		if !fromCache {
			l.setState(a, StateGenerating)
			gctx, gcancel := context.WithTimeout(ctx, l.cfg.BackendTimeout)
			out, err := l.generator.GenerateFix(gctx, backend.FixRequest{
				FileID:        a.FileID,
				Language:      a.Diagnostic.Language,
				Diagnostic:    a.Diagnostic.Message,
				ContextWindow: window,
				Content:       content,
			})
			gcancel()
			if err != nil {
				a.LastError = err
				log.Printf("fixloop: backend failed for %s: %v", a.FileID, err)
				if !l.retryAfterBackoff(a, bo) {
					return
				}
				continue
			}
			fixed = out
		}

		if fixed == content {
			a.LastError = apperrors.Wrap(apperrors.CodeBackendInvalid,
				"fix does not change the file", backend.ErrInvalid)
			if !l.retryAfterBackoff(a, bo) {
				return
			}
			continue
		}

		// Applying: the fix becomes a synthetic operation submitted
		// through the session manager's normal ingestion path. This is
		// the only write path into the document.
		l.setState(a, StateApplying)
		op := ot.Operation{
			Origin:       ot.FixLoopOrigin,
			BaseRevision: rev,
			Edits:        textdiff.Edits(content, fixed),
		}
		if _, err := l.sessions.Ingest(ctx, a.FileID, op); err != nil {
			a.LastError = apperrors.Wrap(apperrors.CodeFixApplyFailed, "submit synthetic operation", err)
			if !l.retryAfterBackoff(a, bo) {
				return
			}
			continue
		}

		// Verifying: wait (bounded) for a fresh diagnostic. Reports
		// that piled up before the fix was applied are stale; drop
		// them first.
		drain(fs.verify)
		l.setState(a, StateVerifying)
		switch l.verify(a, fs) {
		case verifyCancelled:
			l.setState(a, StateAbandoned)
			return

		case verifyCleared:
			// Success. Record (or refresh) the pattern so the next
			// occurrence of this problem skips the backend.
			l.cache.Record(ctx, sig, patterncache.Fix{
				Replacement: fixed,
				Patch:       textdiff.MakePatch(content, fixed),
			})
			l.setState(a, StateDone)
			log.Printf("fixloop: resolved %s after %d retries", a.Diagnostic, a.AttemptCount)
			return

		case verifyPersisted:
			if fromCache {
				l.cache.Penalize(ctx, sig)
			}
			if !l.retryAfterBackoff(a, bo) {
				return
			}
		}
	}
}

// verify waits for the configured window. A repeat of the problem under
// repair means the fix did not take; any different diagnostic, or silence
// until the timeout, counts as success (the different problem gets its
// own queued attempt).
func (l *Loop) verify(a *Attempt, fs *fileState) verdict {
	timer := time.NewTimer(l.cfg.VerifyTimeout)
	defer timer.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return verifyCancelled
		case <-timer.C:
			return verifyCleared
		case d := <-fs.verify:
			if sameProblem(d, a.Diagnostic) {
				return verifyPersisted
			}
			return verifyCleared
		}
	}
}

// retryAfterBackoff moves the attempt into Retrying, enforcing the
// attempt budget, and sleeps the backoff interval. Returns false when the
// attempt is over (abandoned or the loop is shutting down).
func (l *Loop) retryAfterBackoff(a *Attempt, bo *backoff.ExponentialBackOff) bool {
	l.setState(a, StateRetrying)
	a.AttemptCount++
	if a.AttemptCount >= l.cfg.MaxAttempts {
		l.abandon(a)
		return false
	}

	select {
	case <-time.After(bo.NextBackOff()):
		return true
	case <-l.ctx.Done():
		l.setState(a, StateAbandoned)
		return false
	}
}

// abandon marks the attempt terminal and surfaces the original diagnostic
// unresolved through the external reporter.
func (l *Loop) abandon(a *Attempt) {
	l.setState(a, StateAbandoned)
	log.Printf("fixloop: abandoning %s after %d attempts (last error: %v)",
		a.Diagnostic, a.AttemptCount, a.LastError)
	l.reporter.ReportUnresolved(a.Diagnostic)
}

// drain empties buffered diagnostics without blocking.
func drain(ch chan Diagnostic) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
