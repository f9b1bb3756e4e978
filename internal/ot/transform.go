package ot

// Concurrent operations are reconciled against the document's character
// history rather than by pairwise offset arithmetic. Every character the
// document ever held stays in the history; a delete stamps the character
// with the revision that removed it instead of discarding it. An
// operation's offsets are resolved against the characters visible at its
// base revision, which every replica agrees on, so the final layout is a
// function of the operation set alone, not of delivery order.

// element is one character of document history.
type element struct {
	r rune

	// origin identifies the operation author that inserted the
	// character. Empty for base text.
	origin string

	// insertedAt is the revision whose operation inserted the character;
	// 0 for base text.
	insertedAt uint64

	// deletedAt is the revision whose operation removed the character;
	// 0 while the character is live.
	deletedAt uint64
}

// visibleAt reports whether the character was part of the document at
// revision rev.
func (e element) visibleAt(rev uint64) bool {
	return e.insertedAt <= rev && (e.deletedAt == 0 || e.deletedAt > rev)
}

// live reports whether the character is part of the current document.
func (e element) live() bool {
	return e.deletedAt == 0
}

// insertionIndex resolves where in the history an insert authored at base
// revision br with the given visible offset belongs. The anchor is just
// past the pos-th character visible at br; between the anchor and the
// next br-visible character sit only characters the author never saw.
// Tombstones among them are passed over. Concurrent inserts are ordered
// by origin ID, smaller origin first, the one case offsets cannot decide:
// the new text goes before the first concurrent character whose origin
// sorts after the author's.
func insertionIndex(elems []element, pos int, br uint64, origin string) int {
	idx, seen := 0, 0
	for idx < len(elems) && seen < pos {
		if elems[idx].visibleAt(br) {
			seen++
		}
		idx++
	}
	for idx < len(elems) && !elems[idx].visibleAt(br) {
		e := elems[idx]
		if e.insertedAt > br && e.origin > origin {
			break
		}
		idx++
	}
	return idx
}
