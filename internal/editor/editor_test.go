package editor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"codeward/internal/buffer"
	"codeward/internal/config"
	"codeward/internal/diff"
	"codeward/internal/validate"
)

func newTestEditor(t *testing.T) (*Editor, *buffer.Store, string) {
	t.Helper()
	ws := t.TempDir()
	cfg := config.DefaultConfig()
	store := buffer.NewStore(ws, cfg)
	validator, err := validate.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return New(store, validator, cfg), store, ws
}

func seedAndOpen(t *testing.T, store *buffer.Store, ws, rel, content string) {
	t.Helper()
	abs := filepath.Join(ws, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Open(rel); err != nil {
		t.Fatal(err)
	}
}

// =============================================================================
// VIEW
// =============================================================================

func TestView_NumberedOutput(t *testing.T) {
	t.Parallel()
	ed, store, ws := newTestEditor(t)
	seedAndOpen(t, store, ws, "a.txt", "alpha\nbeta\ngamma\n")

	out, err := ed.View("a.txt", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "1\talpha") || !strings.Contains(out, "3\tgamma") {
		t.Errorf("view output missing numbered lines:\n%s", out)
	}
}

func TestView_RangeAndOpenEnd(t *testing.T) {
	t.Parallel()
	ed, store, ws := newTestEditor(t)
	seedAndOpen(t, store, ws, "a.txt", "l1\nl2\nl3\nl4\n")

	out, err := ed.View("a.txt", 2, -1)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "l1") || !strings.Contains(out, "l4") {
		t.Errorf("open-ended range wrong:\n%s", out)
	}

	if _, err := ed.View("a.txt", 3, 99); err == nil {
		t.Error("expected range error for end beyond file")
	}
	var rangeErr *RangeError
	_, err = ed.View("a.txt", 0, 0)
	if errors.As(err, &rangeErr) {
		t.Error("whole-file view should not produce a range error")
	}
}

func TestView_StartZeroWithExplicitEnd(t *testing.T) {
	t.Parallel()
	ed, store, ws := newTestEditor(t)
	seedAndOpen(t, store, ws, "a.txt", "l1\nl2\nl3\nl4\n")

	// Lines are 1-indexed. 0 only stands for "whole file" when the end is
	// 0 too, so 0:5 is a bad start, not a silent full view.
	var rangeErr *RangeError
	_, err := ed.View("a.txt", 0, 2)
	if !errors.As(err, &rangeErr) {
		t.Fatalf("expected *RangeError for start 0 with explicit end, got %v", err)
	}
	if _, err := ed.View("a.txt", 0, -1); err == nil {
		t.Error("start 0 with end -1 must also be rejected")
	}
}

func TestView_AutoOpens(t *testing.T) {
	t.Parallel()
	ed, store, ws := newTestEditor(t)
	abs := filepath.Join(ws, "cold.txt")
	if err := os.WriteFile(abs, []byte("data\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := ed.View("cold.txt", 0, 0); err != nil {
		t.Fatalf("view should open on demand: %v", err)
	}
	if _, err := store.Get("cold.txt"); err != nil {
		t.Error("buffer should remain open after view")
	}
}

// =============================================================================
// CREATE
// =============================================================================

func TestCreate_ValidGo(t *testing.T) {
	t.Parallel()
	ed, _, ws := newTestEditor(t)

	res, err := ed.Create(context.Background(), "pkg.go", "package pkg\n")
	if err != nil {
		t.Fatal(err)
	}
	if res.Revision != 1 {
		t.Errorf("revision = %d, want 1", res.Revision)
	}
	if _, err := os.Stat(filepath.Join(ws, "pkg.go")); err != nil {
		t.Error("create must write through to disk")
	}
}

func TestCreate_RejectedLeavesNothing(t *testing.T) {
	t.Parallel()
	ed, store, ws := newTestEditor(t)

	_, err := ed.Create(context.Background(), "bad.go", "package {\n")
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(ws, "bad.go")); !os.IsNotExist(statErr) {
		t.Error("rejected create must not leave a file on disk")
	}
	if _, getErr := store.Get("bad.go"); !errors.Is(getErr, buffer.ErrNotOpened) {
		t.Error("rejected create must not open a buffer")
	}
}

// =============================================================================
// INSERT / REPLACE
// =============================================================================

func TestInsert_Bounds(t *testing.T) {
	t.Parallel()
	ed, store, ws := newTestEditor(t)
	seedAndOpen(t, store, ws, "a.txt", "one\ntwo\n")

	if _, err := ed.Insert(context.Background(), "a.txt", 3, "x"); err == nil {
		t.Error("insert after line beyond EOF must fail")
	}
	res, err := ed.Insert(context.Background(), "a.txt", 0, "zero")
	if err != nil {
		t.Fatal(err)
	}
	buf, _ := store.Get("a.txt")
	if got := buf.Content(); got != "zero\none\ntwo\n" {
		t.Errorf("insert at top = %q", got)
	}
	if !strings.Contains(res.Diff, "+zero") {
		t.Errorf("diff missing insertion:\n%s", res.Diff)
	}
}

func TestInsert_IntoEmptyNewFile(t *testing.T) {
	t.Parallel()
	ed, store, _ := newTestEditor(t)

	if _, err := ed.Create(context.Background(), "fresh.py", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := ed.Insert(context.Background(), "fresh.py", 0, "# header"); err != nil {
		t.Fatal(err)
	}
	buf, _ := store.Get("fresh.py")
	if got := buf.Lines(); len(got) != 1 || got[0] != "# header" {
		t.Errorf("line 1 = %v, want the header", got)
	}
}

func TestReplaceRange_ThenViewShowsNewContent(t *testing.T) {
	t.Parallel()
	ed, store, ws := newTestEditor(t)
	seedAndOpen(t, store, ws, "a.py", "def f():\n    return 1\n")

	if _, err := ed.ReplaceRange(context.Background(), "a.py", 1, 2, "def f():\n    return 2\n"); err != nil {
		t.Fatal(err)
	}
	out, err := ed.View("a.py", 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "return 2") || strings.Contains(out, "return 1") {
		t.Errorf("view after replace = %q", out)
	}
}

func TestReplaceRange_CollapsedIsInsertion(t *testing.T) {
	t.Parallel()
	ed, store, ws := newTestEditor(t)
	seedAndOpen(t, store, ws, "a.txt", "one\ntwo\n")

	if _, err := ed.ReplaceRange(context.Background(), "a.txt", 2, 1, "mid"); err != nil {
		t.Fatal(err)
	}
	buf, _ := store.Get("a.txt")
	if got := buf.Content(); got != "one\nmid\ntwo\n" {
		t.Errorf("collapsed range = %q, want insertion before line 2", got)
	}
}

func TestReplaceRange_Bounds(t *testing.T) {
	t.Parallel()
	ed, store, ws := newTestEditor(t)
	seedAndOpen(t, store, ws, "a.txt", "one\ntwo\nthree\n")

	var rangeErr *RangeError
	if _, err := ed.ReplaceRange(context.Background(), "a.txt", 2, 4, "x"); !errors.As(err, &rangeErr) {
		t.Errorf("expected *RangeError for end beyond EOF, got %v", err)
	}
	if _, err := ed.ReplaceRange(context.Background(), "a.txt", 0, 1, "x"); !errors.As(err, &rangeErr) {
		t.Errorf("expected *RangeError for start 0, got %v", err)
	}
}

func TestEdit_ReportsLineDelta(t *testing.T) {
	t.Parallel()
	ed, store, ws := newTestEditor(t)
	seedAndOpen(t, store, ws, "a.txt", "one\ntwo\nthree\n")

	res, err := ed.ReplaceRange(context.Background(), "a.txt", 2, 2, "2a\n2b\n")
	if err != nil {
		t.Fatal(err)
	}
	if res.LinesAdded != 2 || res.LinesRemoved != 1 {
		t.Errorf("delta = +%d/-%d, want +2/-1", res.LinesAdded, res.LinesRemoved)
	}
	if !strings.Contains(res.Record.Summary, "(+2/-1)") {
		t.Errorf("commit summary should carry the delta, got %q", res.Record.Summary)
	}
}

// =============================================================================
// VALIDATION GATE
// =============================================================================

func TestEdit_RejectedLeavesBufferUnchanged(t *testing.T) {
	t.Parallel()
	ed, store, ws := newTestEditor(t)
	seedAndOpen(t, store, ws, "a.py", "def f():\n    return 1\n")
	buf, _ := store.Get("a.py")
	before := buf.Content()
	revBefore := buf.Revision()

	// Break the syntax: replacing the def line orphans the body.
	_, err := ed.ReplaceRange(context.Background(), "a.py", 1, 1, "def f(:")
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if len(vErr.Result.Errors()) == 0 {
		t.Error("validation error should carry diagnostics")
	}

	if buf.Content() != before {
		t.Error("rejected edit must not change the buffer")
	}
	if buf.Revision() != revBefore {
		t.Error("rejected edit must not bump the revision")
	}
	data, _ := os.ReadFile(filepath.Join(ws, "a.py"))
	if string(data) != before {
		t.Error("rejected edit must not touch the disk")
	}
}

func TestEdit_WarningsDoNotBlock(t *testing.T) {
	t.Parallel()
	ed, store, ws := newTestEditor(t)
	seedAndOpen(t, store, ws, "a.py", "x = 1\n")

	res, err := ed.ReplaceRange(context.Background(), "a.py", 1, 1, "x = 2 ")
	if err != nil {
		t.Fatalf("warning-only edit must commit: %v", err)
	}
	if len(res.Warnings) == 0 {
		t.Error("expected the trailing whitespace warning to be reported")
	}
}

// =============================================================================
// STR REPLACE
// =============================================================================

func TestStrReplace_Unique(t *testing.T) {
	t.Parallel()
	ed, store, ws := newTestEditor(t)
	seedAndOpen(t, store, ws, "a.py", "def f():\n    return 1\n")

	res, err := ed.StrReplace(context.Background(), "a.py", "return 1", "return 2")
	if err != nil {
		t.Fatal(err)
	}
	buf, _ := store.Get("a.py")
	if got := buf.Content(); got != "def f():\n    return 2\n" {
		t.Errorf("content = %q", got)
	}
	if !strings.Contains(res.Snippet, "return 2") {
		t.Errorf("snippet should show the edit:\n%s", res.Snippet)
	}
}

func TestStrReplace_MissingAndAmbiguous(t *testing.T) {
	t.Parallel()
	ed, store, ws := newTestEditor(t)
	seedAndOpen(t, store, ws, "a.txt", "dup\nmiddle\ndup\n")

	if _, err := ed.StrReplace(context.Background(), "a.txt", "absent", "x"); err == nil {
		t.Error("expected error for missing old string")
	}
	_, err := ed.StrReplace(context.Background(), "a.txt", "dup", "x")
	if err == nil {
		t.Fatal("expected error for ambiguous old string")
	}
	if !strings.Contains(err.Error(), "[1 3]") {
		t.Errorf("ambiguity error should list occurrence lines, got %q", err.Error())
	}
}

// =============================================================================
// HUNK BATCHES
// =============================================================================

func TestApplyHunks_Atomic(t *testing.T) {
	t.Parallel()
	ed, store, ws := newTestEditor(t)
	seedAndOpen(t, store, ws, "a.txt", "a\nb\nc\nd\ne\nf\ng\nh\ni\nj\nk\nl\n")

	hunks := diff.NewEngine().Compute(
		"a\nb\nc\nd\ne\nf\ng\nh\ni\nj\nk\nl\n",
		"a\nB\nc\nd\ne\nf\ng\nh\ni\nj\nK\nl\n")
	if len(hunks) < 2 {
		t.Fatalf("test wants a multi-hunk batch, got %d", len(hunks))
	}

	res, err := ed.ApplyHunks(context.Background(), "a.txt", hunks)
	if err != nil {
		t.Fatal(err)
	}
	buf, _ := store.Get("a.txt")
	if got := buf.Content(); !strings.Contains(got, "B\n") || !strings.Contains(got, "K\n") {
		t.Errorf("both hunks must land in one commit: %q", got)
	}
	if res.Revision != 2 {
		t.Errorf("batch must be exactly one commit, revision = %d", res.Revision)
	}
}

func TestApplyHunks_MismatchRollsBack(t *testing.T) {
	t.Parallel()
	ed, store, ws := newTestEditor(t)
	seedAndOpen(t, store, ws, "a.txt", "a\nb\nc\nd\ne\nf\ng\nh\ni\nj\nk\nl\n")
	buf, _ := store.Get("a.txt")
	before := buf.Content()

	// First hunk matches, second does not. Nothing may be applied.
	hunks := diff.NewEngine().Compute(
		"a\nb\nc\nd\ne\nf\ng\nh\ni\nDRIFT\nk\nl\n",
		"a\nB\nc\nd\ne\nf\ng\nh\ni\nCHANGED\nk\nl\n")

	_, err := ed.ApplyHunks(context.Background(), "a.txt", hunks)
	var mismatch *ContextMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected *ContextMismatchError, got %v", err)
	}
	if buf.Content() != before {
		t.Error("mismatched batch must leave the buffer untouched")
	}
	if buf.Revision() != 1 {
		t.Errorf("revision = %d, want 1", buf.Revision())
	}
}

// =============================================================================
// UNDO
// =============================================================================

func TestUndo_RestoresContent(t *testing.T) {
	t.Parallel()
	ed, store, ws := newTestEditor(t)
	seedAndOpen(t, store, ws, "a.py", "x = 1\n")

	if _, err := ed.ReplaceRange(context.Background(), "a.py", 1, 1, "x = 2"); err != nil {
		t.Fatal(err)
	}
	res, err := ed.Undo("a.py")
	if err != nil {
		t.Fatal(err)
	}

	buf, _ := store.Get("a.py")
	if got := buf.Content(); got != "x = 1\n" {
		t.Errorf("undo = %q", got)
	}
	if res.Revision != 3 {
		t.Errorf("undo revision = %d, want 3", res.Revision)
	}
	if _, err := ed.Undo("a.py"); !errors.Is(err, buffer.ErrNothingToUndo) {
		t.Errorf("expected ErrNothingToUndo, got %v", err)
	}
}
