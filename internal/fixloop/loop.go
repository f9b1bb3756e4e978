package fixloop

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/syncpad/host/internal/backend"
	"github.com/syncpad/host/internal/patterncache"
	"github.com/syncpad/host/internal/session"
)

// Config bounds the loop's retry and wait behavior. Zero values are
// replaced with the defaults below.
type Config struct {
	// MaxAttempts is the number of rounds before a diagnostic is
	// abandoned.
	MaxAttempts int

	// BackendTimeout bounds one generate call.
	BackendTimeout time.Duration

	// VerifyTimeout bounds the wait for a fresh diagnostic after a fix
	// is applied. Absence of a new diagnostic within the window counts
	// as success; verification is advisory, not authoritative.
	VerifyTimeout time.Duration

	// BackoffBase and BackoffCap shape the exponential retry backoff.
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackendTimeout <= 0 {
		c.BackendTimeout = 30 * time.Second
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = 5 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 8 * time.Second
	}
	return c
}

// fileState tracks repair work for one file: at most one active attempt,
// plus diagnostics queued while it runs.
type fileState struct {
	active *Attempt
	queue  []Diagnostic

	// verify receives diagnostics that arrive while an attempt is in
	// flight, so the Verifying state can observe them. Buffered; pushes
	// never block the gateway.
	verify chan Diagnostic
}

// Loop drives repair attempts across files. One goroutine runs per file
// with an active attempt; the loop itself only routes diagnostics and
// bookkeeps.
type Loop struct {
	cfg       Config
	generator backend.Generator
	cache     *patterncache.Owner
	sessions  *session.Manager
	reporter  Reporter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	files map[string]*fileState
}

// NewLoop creates the loop. reporter may be nil, in which case unresolved
// diagnostics are only logged. Stop with Close.
func NewLoop(cfg Config, gen backend.Generator, cache *patterncache.Owner, sessions *session.Manager, reporter Reporter) *Loop {
	if reporter == nil {
		reporter = logReporter{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		cfg:       cfg.withDefaults(),
		generator: gen,
		cache:     cache,
		sessions:  sessions,
		reporter:  reporter,
		ctx:       ctx,
		cancel:    cancel,
		files:     make(map[string]*fileState),
	}
}

// HandleDiagnostic routes one normalized diagnostic.
//
// If the file has no active attempt, a new attempt starts.
// If an attempt is in flight, the diagnostic is forwarded to its
// Verifying wait, and - when it describes a different problem than the
// one being fixed - also queued for its own attempt once the current one
// reaches a terminal state. A repeat of the problem under repair is never
// queued: it is evidence for verification, not new work. This keeps at
// most one active attempt per file, so the loop cannot fight itself.
func (l *Loop) HandleDiagnostic(d Diagnostic) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fs, ok := l.files[d.FileID]
	if !ok {
		fs = &fileState{verify: make(chan Diagnostic, 8)}
		l.files[d.FileID] = fs
	}

	if fs.active == nil {
		l.startAttempt(fs, d)
		return
	}

	// Feed the verifier without ever blocking the caller.
	select {
	case fs.verify <- d:
	default:
		log.Printf("fixloop: verify channel full for %s, dropping observation", d.FileID)
	}

	if sameProblem(d, fs.active.Diagnostic) {
		return
	}
	for _, queued := range fs.queue {
		if sameProblem(d, queued) {
			return
		}
	}
	fs.queue = append(fs.queue, d)
	log.Printf("fixloop: queued diagnostic for %s behind active attempt (%d queued)", d.FileID, len(fs.queue))
}

// sameProblem compares two diagnostics under message normalization, so
// location drift between reports of one underlying problem doesn't split
// them apart.
func sameProblem(a, b Diagnostic) bool {
	return a.FileID == b.FileID &&
		a.Language == b.Language &&
		patterncache.NormalizeMessage(a.Message) == patterncache.NormalizeMessage(b.Message)
}

// startAttempt begins a goroutine for d. Caller holds l.mu.
func (l *Loop) startAttempt(fs *fileState, d Diagnostic) {
	attempt := &Attempt{
		FileID:     d.FileID,
		Diagnostic: d,
		State:      StateAnalyzing,
	}
	fs.active = attempt

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.runAttempt(attempt, fs)
		l.finishAttempt(fs)
	}()
}

// finishAttempt clears the active slot and dequeues the next pending
// diagnostic, if any.
func (l *Loop) finishAttempt(fs *fileState) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fs.active = nil
	if len(fs.queue) == 0 {
		return
	}
	next := fs.queue[0]
	fs.queue = fs.queue[1:]
	if l.ctx.Err() != nil {
		return
	}
	l.startAttempt(fs, next)
}

// ActiveState reports the state of the file's active attempt, if any.
// Used by the gateway for status and by tests for the single-attempt
// invariant.
func (l *Loop) ActiveState(fileID string) (State, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fs, ok := l.files[fileID]
	if !ok || fs.active == nil {
		return StateIdle, false
	}
	return fs.active.State, true
}

// Close cancels every in-flight attempt and waits for their goroutines.
func (l *Loop) Close() {
	l.cancel()
	l.wg.Wait()
}
