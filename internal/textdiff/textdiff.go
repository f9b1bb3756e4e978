// Package textdiff converts between whole-file texts and the primitive
// edits the operation log understands. The fix loop uses it twice: to turn
// a generated file revision into a synthetic operation, and to re-apply a
// cached fix to a different file via a fuzzy patch.
package textdiff

import (
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/syncpad/host/internal/ot"
)

// Edits computes the primitive edits that transform oldText into newText.
// Positions are character offsets into oldText, the snapshot-relative form
// the operation log expects. An empty result means the texts are equal.
func Edits(oldText, newText string) []ot.Edit {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(oldText, newText, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var edits []ot.Edit
	pos := 0 // rune offset into oldText
	for _, d := range diffs {
		n := utf8.RuneCountInString(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			pos += n
		case diffmatchpatch.DiffInsert:
			edits = append(edits, ot.Edit{Kind: ot.EditInsert, Pos: pos, Text: d.Text})
		case diffmatchpatch.DiffDelete:
			edits = append(edits, ot.Edit{Kind: ot.EditDelete, Pos: pos, Length: n})
			pos += n
		}
	}
	return edits
}

// MakePatch serializes the difference between oldText and newText in
// diff-match-patch text format. Patches carry enough surrounding context
// to apply to similar-but-not-identical files, which is what lets one
// cached fix repair the same problem in another file.
func MakePatch(oldText, newText string) string {
	dmp := diffmatchpatch.New()
	patches := dmp.PatchMake(oldText, newText)
	return dmp.PatchToText(patches)
}

// ApplyPatch applies a serialized patch to content. Reports the patched
// text and whether every hunk applied; a partial application is treated as
// failure so a half-applied fix is never submitted.
func ApplyPatch(patch, content string) (string, bool) {
	dmp := diffmatchpatch.New()
	patches, err := dmp.PatchFromText(patch)
	if err != nil || len(patches) == 0 {
		return "", false
	}
	result, applied := dmp.PatchApply(patches, content)
	for _, ok := range applied {
		if !ok {
			return "", false
		}
	}
	return result, true
}
