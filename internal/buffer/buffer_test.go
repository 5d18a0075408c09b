package buffer

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"codeward/internal/config"
)

func newTestStore(t *testing.T, maxDepth int) (*Store, string) {
	t.Helper()
	ws := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.History.MaxDepth = maxDepth
	return NewStore(ws, cfg), ws
}

func seedFile(t *testing.T, ws, rel, content string) {
	t.Helper()
	abs := filepath.Join(ws, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, ws, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(ws, rel))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

// =============================================================================
// OPEN / CREATE / GET
// =============================================================================

func TestOpen_MissingFile(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t, 5)

	if _, err := s.Open("absent.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestOpen_Idempotent(t *testing.T) {
	t.Parallel()
	s, ws := newTestStore(t, 5)
	seedFile(t, ws, "a.txt", "one\ntwo\n")

	first, err := s.Open("a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Commit("a.txt", []string{"changed"}, OpReplace, ""); err != nil {
		t.Fatal(err)
	}

	second, err := s.Open("a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("reopening must return the same buffer")
	}
	if second.Revision() != 2 {
		t.Errorf("reopen must not reset state, revision = %d", second.Revision())
	}
}

func TestCreate_ExistingFile(t *testing.T) {
	t.Parallel()
	s, ws := newTestStore(t, 5)
	seedFile(t, ws, "a.txt", "x\n")

	if _, err := s.Create("a.txt", "y\n"); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestCreate_WritesThrough(t *testing.T) {
	t.Parallel()
	s, ws := newTestStore(t, 5)

	buf, err := s.Create("sub/new.txt", "hello\nworld\n")
	if err != nil {
		t.Fatal(err)
	}
	if buf.Revision() != 1 {
		t.Errorf("new buffer revision = %d, want 1", buf.Revision())
	}
	if got := readFile(t, ws, "sub/new.txt"); got != "hello\nworld\n" {
		t.Errorf("disk content = %q", got)
	}
}

func TestGet_NotOpened(t *testing.T) {
	t.Parallel()
	s, ws := newTestStore(t, 5)
	seedFile(t, ws, "a.txt", "x\n")

	if _, err := s.Get("a.txt"); !errors.Is(err, ErrNotOpened) {
		t.Errorf("expected ErrNotOpened for on-disk but unopened file, got %v", err)
	}
}

func TestNormalize_OutsideWorkspace(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t, 5)

	if _, err := s.Open("../escape.txt"); err == nil {
		t.Error("expected error for path escaping the workspace")
	}
	if _, err := s.Open("/etc/passwd"); err == nil {
		t.Error("expected error for absolute path outside the workspace")
	}
}

// =============================================================================
// COMMIT / UNDO
// =============================================================================

func TestCommit_MonotonicRevisions(t *testing.T) {
	t.Parallel()
	s, ws := newTestStore(t, 5)
	seedFile(t, ws, "a.txt", "v0\n")
	if _, err := s.Open("a.txt"); err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 3; i++ {
		rec, err := s.Commit("a.txt", []string{"v", "rev"}, OpReplace, "edit")
		if err != nil {
			t.Fatal(err)
		}
		if rec.Revision != i+1 {
			t.Errorf("commit %d revision = %d, want %d", i, rec.Revision, i+1)
		}
	}
	if got := readFile(t, ws, "a.txt"); got != "v\nrev\n" {
		t.Errorf("disk = %q after commits", got)
	}
}

func TestUndo_RoundTrip(t *testing.T) {
	t.Parallel()
	s, ws := newTestStore(t, 5)
	seedFile(t, ws, "a.txt", "original\n")
	buf, err := s.Open("a.txt")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Commit("a.txt", []string{"edited"}, OpReplace, ""); err != nil {
		t.Fatal(err)
	}
	rec, err := s.Undo("a.txt")
	if err != nil {
		t.Fatal(err)
	}

	if got := buf.Content(); got != "original\n" {
		t.Errorf("undo content = %q, want original", got)
	}
	if got := readFile(t, ws, "a.txt"); got != "original\n" {
		t.Errorf("undo must write through, disk = %q", got)
	}
	// Undo is itself a commit so revisions never repeat.
	if rec.Revision != 3 {
		t.Errorf("undo revision = %d, want 3", rec.Revision)
	}
}

func TestUndo_Empty(t *testing.T) {
	t.Parallel()
	s, ws := newTestStore(t, 5)
	seedFile(t, ws, "a.txt", "x\n")
	if _, err := s.Open("a.txt"); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Undo("a.txt"); !errors.Is(err, ErrNothingToUndo) {
		t.Errorf("expected ErrNothingToUndo, got %v", err)
	}
}

func TestUndo_BoundedHistoryEvictsOldest(t *testing.T) {
	t.Parallel()
	s, ws := newTestStore(t, 2)
	seedFile(t, ws, "a.txt", "v0\n")
	buf, err := s.Open("a.txt")
	if err != nil {
		t.Fatal(err)
	}

	for _, v := range []string{"v1", "v2", "v3"} {
		if _, err := s.Commit("a.txt", []string{v}, OpReplace, ""); err != nil {
			t.Fatal(err)
		}
	}

	// Depth 2 keeps pre-v2 and pre-v3 states; v0 was evicted.
	if _, err := s.Undo("a.txt"); err != nil {
		t.Fatal(err)
	}
	if got := buf.Content(); got != "v2\n" {
		t.Errorf("first undo = %q, want v2", got)
	}
	if _, err := s.Undo("a.txt"); err != nil {
		t.Fatal(err)
	}
	if got := buf.Content(); got != "v1\n" {
		t.Errorf("second undo = %q, want v1", got)
	}
	if _, err := s.Undo("a.txt"); !errors.Is(err, ErrNothingToUndo) {
		t.Errorf("expected exhausted history, got %v", err)
	}
}

func TestUndo_UnboundedDepth(t *testing.T) {
	t.Parallel()
	s, ws := newTestStore(t, 0)
	seedFile(t, ws, "a.txt", "v0\n")
	buf, err := s.Open("a.txt")
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		if _, err := s.Commit("a.txt", []string{"v", string(rune('a' + i))}, OpReplace, ""); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 10; i++ {
		if _, err := s.Undo("a.txt"); err != nil {
			t.Fatalf("undo %d failed: %v", i, err)
		}
	}
	if got := buf.Content(); got != "v0\n" {
		t.Errorf("full unwind = %q, want v0", got)
	}
}

// =============================================================================
// STALENESS
// =============================================================================

func TestCommit_StaleBufferRefuses(t *testing.T) {
	t.Parallel()
	s, ws := newTestStore(t, 5)
	seedFile(t, ws, "a.txt", "x\n")
	if _, err := s.Open("a.txt"); err != nil {
		t.Fatal(err)
	}

	s.MarkStale("a.txt")
	if _, err := s.Commit("a.txt", []string{"y"}, OpReplace, ""); !errors.Is(err, ErrStaleBuffer) {
		t.Errorf("expected ErrStaleBuffer, got %v", err)
	}
	if _, err := s.Undo("a.txt"); !errors.Is(err, ErrStaleBuffer) {
		t.Errorf("undo on stale buffer should refuse, got %v", err)
	}
}

func TestReload_ClearsStaleAndHistory(t *testing.T) {
	t.Parallel()
	s, ws := newTestStore(t, 5)
	seedFile(t, ws, "a.txt", "x\n")
	buf, err := s.Open("a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Commit("a.txt", []string{"y"}, OpReplace, ""); err != nil {
		t.Fatal(err)
	}

	seedFile(t, ws, "a.txt", "external\n")
	s.MarkStale("a.txt")

	rec, err := s.Reload("a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if buf.Stale() {
		t.Error("reload must clear the stale flag")
	}
	if got := buf.Content(); got != "external\n" {
		t.Errorf("reload content = %q", got)
	}
	if rec.Revision != 3 {
		t.Errorf("reload revision = %d, want 3", rec.Revision)
	}
	if _, err := s.Undo("a.txt"); !errors.Is(err, ErrNothingToUndo) {
		t.Error("reload must drop history describing superseded content")
	}
}

// =============================================================================
// SELF-WRITE TRACKING
// =============================================================================

func TestIsSelfWrite(t *testing.T) {
	t.Parallel()
	s, ws := newTestStore(t, 5)
	seedFile(t, ws, "a.txt", "x\n")
	if _, err := s.Open("a.txt"); err != nil {
		t.Fatal(err)
	}

	if s.IsSelfWrite("a.txt") {
		t.Error("no write yet, should not be a self-write")
	}
	if _, err := s.Commit("a.txt", []string{"y"}, OpReplace, ""); err != nil {
		t.Fatal(err)
	}
	if !s.IsSelfWrite("a.txt") {
		t.Error("commit should register a self-write")
	}
	if s.IsSelfWrite("other.txt") {
		t.Error("unrelated path should not be a self-write")
	}
}

// =============================================================================
// COMMIT LOG
// =============================================================================

func TestLog_RecordsOperations(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t, 5)

	buf, err := s.Create("a.txt", "x\n")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Commit("a.txt", []string{"y"}, OpInsert, "inserted 1 line"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Undo("a.txt"); err != nil {
		t.Fatal(err)
	}

	log := buf.Log()
	if len(log) != 3 {
		t.Fatalf("log length = %d, want 3", len(log))
	}
	wantOps := []OpKind{OpCreate, OpInsert, OpUndo}
	seen := make(map[string]bool)
	for i, rec := range log {
		if rec.Op != wantOps[i] {
			t.Errorf("log[%d].Op = %s, want %s", i, rec.Op, wantOps[i])
		}
		if rec.ID == "" || seen[rec.ID] {
			t.Errorf("log[%d] has missing or duplicate ID", i)
		}
		seen[rec.ID] = true
	}
}
