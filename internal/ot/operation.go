// Package ot implements the operation log and transform engine for
// collaborative document sessions.
//
// A document is represented as an ordered log of operations over a
// retained character history. Each operation carries one or more primitive
// edits authored against a known base revision. Operations that arrive
// behind the head of the log are resolved against the characters that were
// visible at their base revision, so all participants converge on
// identical content regardless of arrival order.
package ot

import (
	"fmt"
	"sort"

	apperrors "github.com/syncpad/host/internal/errors"
)

// FixLoopOrigin is the origin identifier used for synthetic operations
// produced by the autonomous repair loop. It flows through the same
// ingestion path as human edits.
const FixLoopOrigin = "fixloop"

// EditKind distinguishes the two primitive edit types.
type EditKind string

const (
	// EditInsert inserts text at a position.
	EditInsert EditKind = "insert"

	// EditDelete removes a run of characters starting at a position.
	EditDelete EditKind = "delete"
)

// Edit is a single primitive edit. Positions and lengths are expressed in
// characters (runes, not bytes) so that multi-byte text transforms
// identically on every client platform.
//
// All edits within one operation reference the same document snapshot: the
// document as of the operation's base revision. The engine resolves each
// against that snapshot, so earlier edits never shift later ones.
type Edit struct {
	// Kind is "insert" or "delete".
	Kind EditKind `json:"kind"`

	// Pos is the character offset the edit applies at.
	Pos int `json:"pos"`

	// Text is the inserted text. Only set for inserts.
	Text string `json:"text,omitempty"`

	// Length is the number of characters removed. Only set for deletes.
	Length int `json:"length,omitempty"`
}

// end returns the exclusive end offset of a delete's range.
// For inserts the range is empty, so end equals Pos.
func (e Edit) end() int {
	if e.Kind == EditDelete {
		return e.Pos + e.Length
	}
	return e.Pos
}

// Operation is an immutable set of edits authored against a known base
// revision. Transformation produces a new Operation; an Operation is never
// mutated in place.
type Operation struct {
	// Origin identifies the author: a participant ID for human edits, or
	// FixLoopOrigin for synthetic edits from the repair loop.
	Origin string `json:"origin"`

	// BaseRevision is the revision the author believed was current when
	// the operation was created.
	BaseRevision uint64 `json:"baseRevision"`

	// Edits is the ordered list of primitive edits, with offsets into the
	// document as of BaseRevision.
	Edits []Edit `json:"edits"`
}

// clone returns a deep copy of the operation's edits so transforms never
// alias the caller's slice.
func (op Operation) clone() Operation {
	edits := make([]Edit, len(op.Edits))
	copy(edits, op.Edits)
	op.Edits = edits
	return op
}

// normalize sorts the operation's edits by position (stable, so relative
// order of same-position edits is preserved) and validates that delete
// ranges do not overlap each other or enclose other edits. Returns an
// error for malformed edits; a malformed operation is a protocol
// violation, fatal for the sending connection.
func (op *Operation) normalize() error {
	for i, e := range op.Edits {
		switch e.Kind {
		case EditInsert:
			if e.Pos < 0 || e.Text == "" {
				return apperrors.New(apperrors.CodeProtocolMalformedFrame,
					fmt.Sprintf("edit %d: invalid insert", i))
			}
		case EditDelete:
			if e.Pos < 0 || e.Length <= 0 {
				return apperrors.New(apperrors.CodeProtocolMalformedFrame,
					fmt.Sprintf("edit %d: invalid delete", i))
			}
		default:
			return apperrors.New(apperrors.CodeProtocolMalformedFrame,
				fmt.Sprintf("edit %d: unknown kind %q", i, e.Kind))
		}
	}

	sort.SliceStable(op.Edits, func(i, j int) bool {
		return op.Edits[i].Pos < op.Edits[j].Pos
	})

	// Delete ranges must not overlap. Inserts occupy zero width, so any
	// number may share a position, including the start offset of a delete:
	// that pair is the snapshot-relative form of a replacement.
	var lastDel *Edit
	for i := range op.Edits {
		e := op.Edits[i]
		if lastDel != nil && e.Pos < lastDel.end() {
			if e.Kind != EditInsert || e.Pos != lastDel.Pos {
				return apperrors.New(apperrors.CodeProtocolMalformedFrame,
					fmt.Sprintf("edit %d overlaps preceding delete", i))
			}
		}
		if e.Kind == EditDelete {
			lastDel = &op.Edits[i]
		}
	}
	return nil
}
