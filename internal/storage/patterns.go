package storage

// patterns.go contains SQLiteStore methods for pattern cache persistence.
// The pattern cache writes through on every mutation and loads once at
// startup, so the table is small and access is simple upserts.

import (
	"fmt"
	"log"
	"time"

	"github.com/syncpad/host/internal/patterncache"
)

// SavePattern inserts or replaces the persisted row for an entry.
func (s *SQLiteStore) SavePattern(e patterncache.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `
		INSERT INTO patterns (signature, replacement, patch, confidence, last_used)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(signature) DO UPDATE SET
			replacement = excluded.replacement,
			patch = excluded.patch,
			confidence = excluded.confidence,
			last_used = excluded.last_used
	`

	_, err := s.db.Exec(query,
		e.Signature,
		e.Fix.Replacement,
		e.Fix.Patch,
		e.Confidence,
		e.LastUsed.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save pattern: %w", err)
	}
	return nil
}

// DeletePattern removes the persisted row for a signature.
// Deleting a signature that was never saved is not an error.
func (s *SQLiteStore) DeletePattern(signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM patterns WHERE signature = ?", signature); err != nil {
		return fmt.Errorf("delete pattern: %w", err)
	}
	return nil
}

// ClearPatterns removes every persisted pattern and returns how many
// rows were deleted. Used by the cache clear CLI command.
func (s *SQLiteStore) ClearPatterns() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM patterns")
	if err != nil {
		return 0, fmt.Errorf("clear patterns: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear patterns: %w", err)
	}
	return n, nil
}

// LoadPatterns returns all persisted entries ordered oldest-first so the
// cache can rebuild its recency list. Rows that fail to decode are logged
// and skipped; a load error is reported to the caller, which starts with
// an empty cache rather than failing startup.
func (s *SQLiteStore) LoadPatterns() ([]patterncache.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = `
		SELECT signature, replacement, patch, confidence, last_used
		FROM patterns
		ORDER BY last_used ASC
	`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("load patterns: %w", err)
	}
	defer rows.Close()

	var entries []patterncache.Entry
	for rows.Next() {
		var e patterncache.Entry
		var lastUsed string
		if err := rows.Scan(&e.Signature, &e.Fix.Replacement, &e.Fix.Patch, &e.Confidence, &lastUsed); err != nil {
			log.Printf("storage: skipping undecodable pattern row: %v", err)
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, lastUsed)
		if err != nil {
			log.Printf("storage: skipping pattern %.12s with bad timestamp: %v", e.Signature, err)
			continue
		}
		e.LastUsed = t
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate patterns: %w", err)
	}
	return entries, nil
}
