package patterncache

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestSignature_Deterministic(t *testing.T) {
	sig1 := Signature("unused import java.util.List", "import java.util.List;", "java")
	sig2 := Signature("unused import java.util.List", "import java.util.List;", "java")
	if sig1 != sig2 {
		t.Error("identical inputs must produce identical signatures")
	}

	other := Signature("unused import java.util.Map", "import java.util.Map;", "java")
	if sig1 == other {
		t.Error("different diagnostics must not collide")
	}

	otherLang := Signature("unused import java.util.List", "import java.util.List;", "kotlin")
	if sig1 == otherLang {
		t.Error("language identifier must be part of the key")
	}
}

func TestSignature_NormalizesLocations(t *testing.T) {
	// The same problem reported from two files at different lines must
	// hash identically once paths and numbers are normalized.
	a := Signature("/home/dev/proj/src/Foo.java:17: unused import java.util.List", "import java.util.List;", "java")
	b := Signature(`C:\work\proj\src\Bar.java:203: unused import java.util.List`, "import java.util.List;", "java")
	if a != b {
		t.Error("paths and line numbers should normalize away")
	}
}

func TestNormalizeMessage(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "line and column numbers",
			in:   "error at line 42, column 7: missing semicolon",
			want: "error at line N, column N: missing semicolon",
		},
		{
			name: "unix path reduced to base name",
			in:   "/usr/src/app/main.java: cannot find symbol",
			want: "main.java: cannot find symbol",
		},
		{
			name: "whitespace collapsed",
			in:   "unexpected   token\n\t'}'",
			want: "unexpected token '}'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeMessage(tt.in); got != tt.want {
				t.Errorf("NormalizeMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestContextWindow_Bounds(t *testing.T) {
	var lines []string
	for i := 0; i < 20; i++ {
		lines = append(lines, fmt.Sprintf("line %d", i))
	}
	content := strings.Join(lines, "\n")

	window := ContextWindow(content, 10)
	if !strings.Contains(window, "line 7") || !strings.Contains(window, "line 13") {
		t.Errorf("window should span three lines each side, got %q", window)
	}
	if strings.Contains(window, "line 6") || strings.Contains(window, "line 14") {
		t.Errorf("window exceeds its bound: %q", window)
	}

	// Out-of-range lines clamp rather than panic.
	if got := ContextWindow(content, -5); !strings.Contains(got, "line 0") {
		t.Errorf("negative line should clamp to start, got %q", got)
	}
	if got := ContextWindow(content, 99); !strings.Contains(got, "line 19") {
		t.Errorf("overlarge line should clamp to end, got %q", got)
	}
}

func TestCache_LookupAfterRecord(t *testing.T) {
	c := NewCache(10, nil)
	fix := Fix{Replacement: "fixed", Patch: "@@ -1 +1 @@"}

	if _, ok := c.Lookup("sig-a"); ok {
		t.Fatal("lookup on empty cache should miss")
	}

	c.Record("sig-a", fix)
	got, ok := c.Lookup("sig-a")
	if !ok {
		t.Fatal("lookup after record should hit")
	}
	if got != fix {
		t.Errorf("lookup = %+v, want %+v", got, fix)
	}
}

func TestCache_TriplePenaltyEvicts(t *testing.T) {
	c := NewCache(10, nil)
	c.Record("sig-a", Fix{Replacement: "fixed"})

	if c.Penalize("sig-a") {
		t.Error("first penalty should not evict")
	}
	if c.Penalize("sig-a") {
		t.Error("second penalty should not evict")
	}
	if !c.Penalize("sig-a") {
		t.Error("third consecutive penalty should evict")
	}
	if _, ok := c.Lookup("sig-a"); ok {
		t.Error("poisoned entry should be gone")
	}
}

func TestCache_RecordResetsPenalties(t *testing.T) {
	c := NewCache(10, nil)
	c.Record("sig-a", Fix{Replacement: "v1"})

	c.Penalize("sig-a")
	c.Penalize("sig-a")
	// A successful re-record interrupts the consecutive-penalty run.
	c.Record("sig-a", Fix{Replacement: "v2"})

	c.Penalize("sig-a")
	c.Penalize("sig-a")
	if _, ok := c.Lookup("sig-a"); !ok {
		t.Error("entry should survive two penalties after a reset")
	}
	if !c.Penalize("sig-a") {
		t.Error("third consecutive penalty after reset should evict")
	}
}

func TestCache_PenalizeUnknownSignature(t *testing.T) {
	c := NewCache(10, nil)
	if c.Penalize("missing") {
		t.Error("penalizing an unknown signature should be a no-op")
	}
}

func TestCache_LRUEviction(t *testing.T) {
	c := NewCache(2, nil)
	now := time.Now()
	c.now = func() time.Time { now = now.Add(time.Second); return now }

	c.Record("sig-a", Fix{Replacement: "a"})
	c.Record("sig-b", Fix{Replacement: "b"})

	// Touch a so b becomes the least recently used.
	if _, ok := c.Lookup("sig-a"); !ok {
		t.Fatal("sig-a should be present")
	}

	c.Record("sig-c", Fix{Replacement: "c"})

	if _, ok := c.Lookup("sig-b"); ok {
		t.Error("least recently used entry should have been evicted")
	}
	if _, ok := c.Lookup("sig-a"); !ok {
		t.Error("recently used entry should survive")
	}
	if _, ok := c.Lookup("sig-c"); !ok {
		t.Error("new entry should be present")
	}
	if c.Len() != 2 {
		t.Errorf("len = %d, want 2", c.Len())
	}
}

func TestCache_ConfidenceGrowsOnRefresh(t *testing.T) {
	c := NewCache(10, nil)
	c.Record("sig-a", Fix{Replacement: "a"})
	c.Record("sig-a", Fix{Replacement: "a"})
	c.Record("sig-a", Fix{Replacement: "a"})

	elem := c.entries["sig-a"]
	if e := elem.Value.(*Entry); e.Confidence != 3 {
		t.Errorf("confidence = %d, want 3", e.Confidence)
	}
	if c.Len() != 1 {
		t.Errorf("refresh should not duplicate entries, len = %d", c.Len())
	}
}

func TestOwner_SerializesAccess(t *testing.T) {
	owner := NewOwner(NewCache(16, nil))
	defer owner.Close()

	ctx := context.Background()
	fix := Fix{Replacement: "fixed"}

	owner.Record(ctx, "sig-a", fix)
	got, ok := owner.Lookup(ctx, "sig-a")
	if !ok || got != fix {
		t.Fatalf("lookup through owner = (%+v, %v), want (%+v, true)", got, ok, fix)
	}

	// Hammer the owner from several goroutines; the single-owner design
	// must serialize everything without races.
	done := make(chan struct{})
	for g := 0; g < 4; g++ {
		go func(g int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 50; i++ {
				sig := fmt.Sprintf("sig-%d-%d", g, i)
				owner.Record(ctx, sig, Fix{Replacement: sig})
				owner.Lookup(ctx, sig)
				owner.Penalize(ctx, sig)
			}
		}(g)
	}
	for g := 0; g < 4; g++ {
		<-done
	}

	if owner.Len(ctx) == 0 {
		t.Error("owner should report cached entries")
	}
}

func TestOwner_CancelledContext(t *testing.T) {
	owner := NewOwner(NewCache(4, nil))
	defer owner.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, ok := owner.Lookup(ctx, "sig"); ok {
		t.Error("lookup with cancelled context should miss")
	}
}

// memStore captures persistence calls so tests can observe write-through
// behavior without sqlite.
type memStore struct {
	saved   map[string]Entry
	deleted []string
}

func newMemStore() *memStore {
	return &memStore{saved: make(map[string]Entry)}
}

func (s *memStore) SavePattern(e Entry) error {
	s.saved[e.Signature] = e
	return nil
}

func (s *memStore) DeletePattern(signature string) error {
	s.deleted = append(s.deleted, signature)
	return nil
}

func (s *memStore) LoadPatterns() ([]Entry, error) { return nil, nil }

func TestCache_LookupWritesRecencyThrough(t *testing.T) {
	store := newMemStore()
	c := NewCache(10, store)

	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return t0 }
	c.Record("sig-a", Fix{Replacement: "fixed"})

	if got := store.saved["sig-a"].LastUsed; !got.Equal(t0) {
		t.Fatalf("recorded LastUsed = %v, want %v", got, t0)
	}

	// A later hit must refresh the persisted timestamp too, or a restart
	// would rebuild the LRU from stale recency.
	t1 := t0.Add(time.Hour)
	c.now = func() time.Time { return t1 }
	if _, ok := c.Lookup("sig-a"); !ok {
		t.Fatal("expected hit")
	}
	if got := store.saved["sig-a"].LastUsed; !got.Equal(t1) {
		t.Errorf("persisted LastUsed after lookup = %v, want %v", got, t1)
	}

	// A miss stays side-effect free.
	before := len(store.saved)
	if _, ok := c.Lookup("sig-missing"); ok {
		t.Fatal("unexpected hit")
	}
	if len(store.saved) != before || len(store.deleted) != 0 {
		t.Error("miss must not touch the store")
	}
}
