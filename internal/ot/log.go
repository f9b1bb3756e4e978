package ot

import (
	"fmt"
	"strings"

	apperrors "github.com/syncpad/host/internal/errors"
)

// Log is the ordered operation log for one document session. It owns the
// document's character history and guarantees that the visible content
// always equals the base text with every accepted operation applied
// exactly once, in log order.
//
// Log is not safe for concurrent use. Each session's owner goroutine is
// the sole caller; see the session package.
type Log struct {
	elems []element
	rev   uint64
}

// NewLog creates a log over the given base text at revision zero.
func NewLog(base string) *Log {
	runes := []rune(base)
	elems := make([]element, len(runes))
	for i, r := range runes {
		elems[i] = element{r: r}
	}
	return &Log{elems: elems}
}

// Revision returns the revision number of the last applied operation,
// which always equals the number of accepted operations.
func (l *Log) Revision() uint64 {
	return l.rev
}

// Content returns the current materialized document text.
func (l *Log) Content() string {
	var b strings.Builder
	for _, e := range l.elems {
		if e.live() {
			b.WriteRune(e.r)
		}
	}
	return b.String()
}

// Applied is the result of a successful submit: the operation as actually
// applied (after any transformation) and the revision it produced.
type Applied struct {
	// Op is the transformed operation. Its BaseRevision is rewritten to
	// the revision it was applied on top of, and its edits are in that
	// revision's coordinates.
	Op Operation

	// Revision is the new head revision after the operation was appended.
	Revision uint64
}

// Submit validates op, resolves its edits against the characters visible
// at its base revision, applies it, and advances the head revision.
//
// Operations based on the current head apply directly. Operations behind
// the head resolve to the exact characters their author addressed, so an
// insert landing inside a concurrently deleted range survives at the
// deletion boundary and overlapping deletes remove each character once.
// An operation whose base revision was never issued is rejected with a
// protocol.bad_revision error; that is fatal for the submitting
// connection but not for the session.
func (l *Log) Submit(op Operation) (Applied, error) {
	head := l.rev
	if op.BaseRevision > head {
		return Applied{}, apperrors.New(apperrors.CodeProtocolBadRevision,
			fmt.Sprintf("base revision %d was never issued (head is %d)", op.BaseRevision, head))
	}
	if len(op.Edits) == 0 {
		return Applied{}, apperrors.New(apperrors.CodeProtocolMalformedFrame,
			"operation carries no edits")
	}

	op = op.clone()
	if err := op.normalize(); err != nil {
		return Applied{}, err
	}

	// Bounds are checked against the document as the author saw it, so a
	// rejected operation never leaves a partial application behind.
	snapLen := l.visibleLen(op.BaseRevision)
	for i, e := range op.Edits {
		if e.end() > snapLen || e.Pos > snapLen {
			return Applied{}, apperrors.New(apperrors.CodeTransformConflict,
				fmt.Sprintf("edit %d: offset %d exceeds length %d at revision %d",
					i, e.end(), snapLen, op.BaseRevision))
		}
	}

	newRev := head + 1
	for _, e := range op.Edits {
		switch e.Kind {
		case EditInsert:
			l.applyInsert(e, op.BaseRevision, newRev, op.Origin)
		case EditDelete:
			l.applyDelete(e, op.BaseRevision, newRev)
		}
	}
	l.rev = newRev

	applied := Operation{
		Origin:       op.Origin,
		BaseRevision: head,
		Edits:        l.rebasedEdits(newRev),
	}
	return Applied{Op: applied, Revision: newRev}, nil
}

// visibleLen returns the document length at revision rev.
func (l *Log) visibleLen(rev uint64) int {
	n := 0
	for _, e := range l.elems {
		if e.visibleAt(rev) {
			n++
		}
	}
	return n
}

// applyInsert splices the edit's text into the history at the slot
// insertionIndex resolves for it. All edits of one operation address the
// same base snapshot; stamping with newRev keeps the br-visible mapping
// untouched, so later edits of the same operation resolve unchanged.
func (l *Log) applyInsert(ed Edit, br, newRev uint64, origin string) {
	idx := insertionIndex(l.elems, ed.Pos, br, origin)

	runes := []rune(ed.Text)
	ins := make([]element, len(runes))
	for i, r := range runes {
		ins[i] = element{r: r, origin: origin, insertedAt: newRev}
	}
	l.elems = append(l.elems[:idx], append(ins, l.elems[idx:]...)...)
}

// applyDelete stamps each character the author addressed. A character a
// concurrent delete already removed keeps its first deleter, so nothing
// is ever deleted twice.
func (l *Log) applyDelete(ed Edit, br, newRev uint64) {
	seen := 0
	for i := range l.elems {
		if !l.elems[i].visibleAt(br) {
			continue
		}
		if seen >= ed.Pos && l.elems[i].deletedAt == 0 {
			l.elems[i].deletedAt = newRev
		}
		seen++
		if seen >= ed.end() {
			return
		}
	}
}

// rebasedEdits derives the snapshot-relative edits that turn the previous
// head revision's text into the new one, for the Applied result and the
// broadcast to participants that were already at head.
func (l *Log) rebasedEdits(newRev uint64) []Edit {
	prev := newRev - 1
	var out []Edit
	pos := 0 // offset into the previous revision's text
	for i := 0; i < len(l.elems); {
		switch e := l.elems[i]; {
		case e.insertedAt == newRev:
			var text []rune
			for i < len(l.elems) && l.elems[i].insertedAt == newRev {
				text = append(text, l.elems[i].r)
				i++
			}
			out = append(out, Edit{Kind: EditInsert, Pos: pos, Text: string(text)})
		case e.deletedAt == newRev:
			n := 0
			for i < len(l.elems) && l.elems[i].deletedAt == newRev && l.elems[i].insertedAt != newRev {
				n++
				i++
			}
			out = append(out, Edit{Kind: EditDelete, Pos: pos, Length: n})
			pos += n
		default:
			if e.visibleAt(prev) {
				pos++
			}
			i++
		}
	}
	return out
}
