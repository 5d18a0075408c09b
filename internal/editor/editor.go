// Package editor exposes the file editing operations. Every mutation is
// validated against the proposed result before anything is committed, so a
// rejected edit leaves the buffer and the file on disk untouched.
package editor

import (
	"context"
	"fmt"
	"strings"

	"codeward/internal/buffer"
	"codeward/internal/config"
	"codeward/internal/diff"
	"codeward/internal/logging"
	"codeward/internal/validate"
)

// maxOutputChars caps rendered snippets and views so a huge file cannot
// flood the caller.
const maxOutputChars = 16000

const truncateNotice = "\n<output clipped: file too large to show in full>"

// ValidationError reports an edit whose proposed result failed validation.
// The buffer was not modified.
type ValidationError struct {
	Path   string
	Result validate.Result
}

func (e *ValidationError) Error() string {
	errs := e.Result.Errors()
	if len(errs) == 0 {
		return fmt.Sprintf("validation rejected edit to %s", e.Path)
	}
	return fmt.Sprintf("validation rejected edit to %s: line %d: %s (%d error(s))",
		e.Path, errs[0].Line, errs[0].Message, len(errs))
}

// RangeError reports line coordinates that do not fit the buffer.
type RangeError struct {
	Path   string
	Start  int
	End    int
	Lines  int
	Reason string
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("invalid range [%d, %d] for %s (%d lines): %s",
		e.Start, e.End, e.Path, e.Lines, e.Reason)
}

// ContextMismatchError reports a hunk batch whose context no longer matches
// the buffer. No hunk from the batch was applied.
type ContextMismatchError struct {
	Path      string
	HunkIndex int
	Line      int
	Expected  string
	Actual    string
}

func (e *ContextMismatchError) Error() string {
	return fmt.Sprintf("hunk %d does not apply to %s: line %d has %q, expected %q",
		e.HunkIndex+1, e.Path, e.Line, e.Actual, e.Expected)
}

// EditResult describes one successful mutation.
type EditResult struct {
	Path         string
	Revision     int
	Record       buffer.CommitRecord
	Snippet      string // numbered lines around the edit
	Diff         string // unified diff of the change
	LinesAdded   int
	LinesRemoved int
	Warnings     []validate.Diagnostic
}

// Editor applies operations to buffers through the validation gate.
type Editor struct {
	store     *buffer.Store
	validator *validate.Validator
	engine    *diff.Engine
	margin    int // context lines around edit snippets
}

// New wires an Editor over the given store and validator.
func New(store *buffer.Store, validator *validate.Validator, cfg *config.Config) *Editor {
	margin := cfg.Session.SnippetContext
	if margin < 0 {
		margin = 0
	}
	return &Editor{
		store:     store,
		validator: validator,
		engine:    diff.Default,
		margin:    margin,
	}
}

// View renders numbered file content. start and end are 1-indexed and
// inclusive; start and end both 0 means the whole file, end -1 means through
// the last line. Start 0 with any other end is out of bounds. Unopened paths
// are opened on demand.
func (ed *Editor) View(path string, start, end int) (string, error) {
	buf, err := ed.store.Get(path)
	if err != nil {
		buf, err = ed.store.Open(path)
		if err != nil {
			return "", err
		}
	}
	lines := buf.Lines()
	total := len(lines)

	if start == 0 {
		if end != 0 {
			return "", &RangeError{Path: buf.Path(), Start: start, End: end, Lines: total,
				Reason: "start line must be at least 1"}
		}
		start, end = 1, total
	}
	if end == -1 {
		end = total
	}
	if total == 0 && start == 1 && end <= 0 {
		return "", nil
	}
	if start < 1 || start > total {
		return "", &RangeError{Path: buf.Path(), Start: start, End: end, Lines: total,
			Reason: "start line out of bounds"}
	}
	if end < start || end > total {
		return "", &RangeError{Path: buf.Path(), Start: start, End: end, Lines: total,
			Reason: "end line out of bounds"}
	}

	logging.EditorDebug("view %s [%d, %d]", buf.Path(), start, end)
	return clip(numbered(lines[start-1:end], start)), nil
}

// Create validates content and writes it as a new file at revision 1.
func (ed *Editor) Create(ctx context.Context, path, content string) (*EditResult, error) {
	result := ed.validator.Check(ctx, path, content)
	if !result.Accepted() {
		return nil, &ValidationError{Path: path, Result: result}
	}

	buf, err := ed.store.Create(path, content)
	if err != nil {
		return nil, err
	}

	lines := buf.Lines()
	log := buf.Log()
	added, removed := diff.Delta(ed.engine.Compute("", buf.Content()))
	res := &EditResult{
		Path:         buf.Path(),
		Revision:     buf.Revision(),
		Snippet:      clip(numbered(lines, 1)),
		Diff:         diff.Unified(buf.Path(), "", buf.Content()),
		LinesAdded:   added,
		LinesRemoved: removed,
		Warnings:     result.Diagnostics,
	}
	if len(log) > 0 {
		res.Record = log[len(log)-1]
	}
	logging.Editor("create %s: %d lines", buf.Path(), len(lines))
	return res, nil
}

// Insert adds text after line insertLine. Line 0 inserts at the top of the
// file and line N appends after the last line.
func (ed *Editor) Insert(ctx context.Context, path string, insertLine int, text string) (*EditResult, error) {
	buf, err := ed.store.Get(path)
	if err != nil {
		return nil, err
	}
	lines := buf.Lines()

	if insertLine < 0 || insertLine > len(lines) {
		return nil, &RangeError{Path: buf.Path(), Start: insertLine, End: insertLine,
			Lines: len(lines), Reason: "insert line must be between 0 and the line count"}
	}

	inserted := splitText(text)
	newLines := make([]string, 0, len(lines)+len(inserted))
	newLines = append(newLines, lines[:insertLine]...)
	newLines = append(newLines, inserted...)
	newLines = append(newLines, lines[insertLine:]...)

	summary := fmt.Sprintf("inserted %d line(s) after line %d", len(inserted), insertLine)
	return ed.commit(ctx, buf, newLines, buffer.OpInsert, summary, insertLine+1)
}

// ReplaceRange replaces lines [start, end] with text. end == start-1 is a
// collapsed range: text is inserted before start and nothing is removed.
func (ed *Editor) ReplaceRange(ctx context.Context, path string, start, end int, text string) (*EditResult, error) {
	buf, err := ed.store.Get(path)
	if err != nil {
		return nil, err
	}
	lines := buf.Lines()
	total := len(lines)

	switch {
	case end == start-1:
		if start < 1 || start > total+1 {
			return nil, &RangeError{Path: buf.Path(), Start: start, End: end, Lines: total,
				Reason: "insertion point out of bounds"}
		}
	case start < 1 || start > total:
		return nil, &RangeError{Path: buf.Path(), Start: start, End: end, Lines: total,
			Reason: "start line out of bounds"}
	case end < start || end > total:
		return nil, &RangeError{Path: buf.Path(), Start: start, End: end, Lines: total,
			Reason: "end line out of bounds"}
	}

	replacement := splitText(text)
	newLines := make([]string, 0, total-(end-start+1)+len(replacement))
	newLines = append(newLines, lines[:start-1]...)
	newLines = append(newLines, replacement...)
	newLines = append(newLines, lines[end:]...)

	summary := fmt.Sprintf("replaced lines %d-%d with %d line(s)", start, end, len(replacement))
	if end == start-1 {
		summary = fmt.Sprintf("inserted %d line(s) before line %d", len(replacement), start)
	}
	return ed.commit(ctx, buf, newLines, buffer.OpReplace, summary, start)
}

// StrReplace substitutes newStr for the unique occurrence of oldStr. Zero
// occurrences or more than one is an error and nothing changes.
func (ed *Editor) StrReplace(ctx context.Context, path, oldStr, newStr string) (*EditResult, error) {
	buf, err := ed.store.Get(path)
	if err != nil {
		return nil, err
	}
	content := buf.Content()

	switch n := strings.Count(content, oldStr); {
	case oldStr == "":
		return nil, fmt.Errorf("old string must not be empty")
	case n == 0:
		return nil, fmt.Errorf("old string did not appear in %s", buf.Path())
	case n > 1:
		return nil, fmt.Errorf("old string appears %d times in %s at lines %v; it must be unique",
			n, buf.Path(), occurrenceLines(content, oldStr))
	}

	editLine := occurrenceLines(content, oldStr)[0]
	newContent := strings.Replace(content, oldStr, newStr, 1)

	summary := fmt.Sprintf("replaced string at line %d", editLine)
	return ed.commit(ctx, buf, splitText(newContent), buffer.OpStrReplace, summary, editLine)
}

// ApplyHunks applies a batch of hunks as one atomic commit. Any context
// mismatch rejects the whole batch before anything is staged.
func (ed *Editor) ApplyHunks(ctx context.Context, path string, hunks []diff.Hunk) (*EditResult, error) {
	buf, err := ed.store.Get(path)
	if err != nil {
		return nil, err
	}
	lines := buf.Lines()

	newLines, err := diff.Apply(lines, hunks)
	if err != nil {
		if mismatch, ok := err.(*diff.MismatchError); ok {
			return nil, &ContextMismatchError{
				Path:      buf.Path(),
				HunkIndex: mismatch.HunkIndex,
				Line:      mismatch.Line,
				Expected:  mismatch.Expected,
				Actual:    mismatch.Actual,
			}
		}
		return nil, err
	}

	editLine := 1
	if len(hunks) > 0 {
		editLine = hunks[0].NewStart
	}
	summary := fmt.Sprintf("applied %d hunk(s)", len(hunks))
	return ed.commit(ctx, buf, newLines, buffer.OpHunks, summary, editLine)
}

// Undo restores the buffer's previous state as a new revision.
func (ed *Editor) Undo(path string) (*EditResult, error) {
	buf, err := ed.store.Get(path)
	if err != nil {
		return nil, err
	}
	before := buf.Content()

	rec, err := ed.store.Undo(path)
	if err != nil {
		return nil, err
	}

	lines := buf.Lines()
	added, removed := diff.Delta(ed.engine.Compute(before, buf.Content()))
	logging.Editor("undo %s: revision %d", buf.Path(), rec.Revision)
	return &EditResult{
		Path:         buf.Path(),
		Revision:     rec.Revision,
		Record:       rec,
		Snippet:      clip(numbered(lines, 1)),
		Diff:         diff.Unified(buf.Path(), before, buf.Content()),
		LinesAdded:   added,
		LinesRemoved: removed,
	}, nil
}

// commit runs the validation gate and installs newLines as the buffer's
// next revision.
func (ed *Editor) commit(ctx context.Context, buf *buffer.FileBuffer, newLines []string, op buffer.OpKind, summary string, editLine int) (*EditResult, error) {
	oldContent := buf.Content()
	newContent := joinText(newLines)

	result := ed.validator.Check(ctx, buf.Path(), newContent)
	if !result.Accepted() {
		logging.EditorWarn("%s %s rejected by validation", op, buf.Path())
		return nil, &ValidationError{Path: buf.Path(), Result: result}
	}

	added, removed := diff.Delta(ed.engine.Compute(oldContent, newContent))
	summary = fmt.Sprintf("%s (+%d/-%d)", summary, added, removed)

	rec, err := ed.store.Commit(buf.Path(), newLines, op, summary)
	if err != nil {
		return nil, err
	}

	logging.Editor("%s %s: %s", op, buf.Path(), summary)
	return &EditResult{
		Path:         buf.Path(),
		Revision:     rec.Revision,
		Record:       rec,
		Snippet:      clip(ed.snippetAround(newLines, editLine)),
		Diff:         diff.Unified(buf.Path(), oldContent, newContent),
		LinesAdded:   added,
		LinesRemoved: removed,
		Warnings:     result.Diagnostics,
	}, nil
}

// snippetAround renders the numbered lines within the configured margin of
// line.
func (ed *Editor) snippetAround(lines []string, line int) string {
	start := line - ed.margin
	if start < 1 {
		start = 1
	}
	end := line + ed.margin
	if end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return ""
	}
	return numbered(lines[start-1:end], start)
}

// numbered renders lines in cat -n style starting at the given line number.
func numbered(lines []string, start int) string {
	var sb strings.Builder
	for i, line := range lines {
		fmt.Fprintf(&sb, "%6d\t%s\n", start+i, line)
	}
	return sb.String()
}

func clip(s string) string {
	if len(s) <= maxOutputChars {
		return s
	}
	return s[:maxOutputChars] + truncateNotice
}

// occurrenceLines returns the 1-indexed line of each occurrence of sub.
func occurrenceLines(content, sub string) []int {
	var out []int
	offset := 0
	for {
		idx := strings.Index(content[offset:], sub)
		if idx < 0 {
			return out
		}
		abs := offset + idx
		out = append(out, 1+strings.Count(content[:abs], "\n"))
		offset = abs + len(sub)
	}
}

func splitText(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func joinText(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
