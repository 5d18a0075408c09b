// Package diff computes line diffs between buffer revisions, renders them as
// unified text, and applies hunk batches back onto buffer lines with strict
// context verification.
package diff

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// LineType classifies one line of a hunk.
type LineType int

const (
	LineContext LineType = iota
	LineAdded
	LineRemoved
)

// Line is a single hunk line.
type Line struct {
	Type    LineType
	Content string
}

// Hunk is one group of changes in unified-diff coordinates: OldStart and
// NewStart are 1-indexed. A pure insertion has OldCount 0 and OldStart set to
// the line it inserts after (0 for the top of the file).
type Hunk struct {
	OldStart int
	OldCount int
	NewStart int
	NewCount int
	Lines    []Line
}

// MismatchError reports a hunk whose context or removed lines do not match
// the content they are being applied to.
type MismatchError struct {
	HunkIndex int // 0-indexed position in the batch
	Line      int // 1-indexed line in the target content
	Expected  string
	Actual    string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("hunk %d: context mismatch at line %d: expected %q, found %q",
		e.HunkIndex+1, e.Line, e.Expected, e.Actual)
}

// hunkContext is how many unchanged lines surround each change group.
const hunkContext = 3

// Engine computes diffs with a cache for repeated input pairs.
type Engine struct {
	dmp   *diffmatchpatch.DiffMatchPatch
	cache sync.Map
}

type cacheKey struct {
	oldHash uint64
	newHash uint64
}

// NewEngine builds an engine tuned for code diffs.
func NewEngine() *Engine {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	return &Engine{dmp: dmp}
}

// Default is a shared engine for callers without their own.
var Default = NewEngine()

// Compute returns the hunks that transform oldContent into newContent.
// Each distinct line is encoded as a single rune before the diff runs, so
// the rune-level diff is exactly a line-level diff and no line token can be
// split mid-sequence.
func (e *Engine) Compute(oldContent, newContent string) []Hunk {
	key := cacheKey{hash(oldContent), hash(newContent)}
	if cached, ok := e.cache.Load(key); ok {
		return cached.([]Hunk)
	}

	oldLines := splitContent(oldContent)
	newLines := splitContent(newContent)

	var ops []op
	if oldRunes, newRunes, table, ok := encodeLines(oldLines, newLines); ok {
		diffs := e.dmp.DiffMainRunes(oldRunes, newRunes, false)
		ops = opsFromDiffs(diffs, table)
	} else {
		// More distinct lines than encodable runes. Fall back to a plain
		// sequence match over the line slices.
		ops = opsFromOpcodes(oldLines, newLines)
	}

	hunks := groupHunks(ops, hunkContext)
	e.cache.Store(key, hunks)
	return hunks
}

// maxEncodedLines is the number of distinct lines representable as single
// runes, skipping the surrogate range.
const maxEncodedLines = 0x10FFFF - 0x800 - 1

// lineRune maps a table index to a valid non-surrogate rune.
func lineRune(i int) rune {
	r := rune(i + 1)
	if r >= 0xD800 {
		r += 0x800
	}
	return r
}

// lineIndex inverts lineRune.
func lineIndex(r rune) int {
	if r >= 0xE000 {
		r -= 0x800
	}
	return int(r) - 1
}

// encodeLines interns every line of both sides into table and returns the
// two sides as rune sequences, one rune per line. ok is false when the
// combined distinct-line count exceeds the rune space.
func encodeLines(oldLines, newLines []string) (oldRunes, newRunes []rune, table []string, ok bool) {
	index := make(map[string]int, len(oldLines)+len(newLines))
	encode := func(lines []string) ([]rune, bool) {
		runes := make([]rune, len(lines))
		for i, line := range lines {
			id, seen := index[line]
			if !seen {
				if len(table) >= maxEncodedLines {
					return nil, false
				}
				id = len(table)
				index[line] = id
				table = append(table, line)
			}
			runes[i] = lineRune(id)
		}
		return runes, true
	}
	if oldRunes, ok = encode(oldLines); !ok {
		return nil, nil, nil, false
	}
	if newRunes, ok = encode(newLines); !ok {
		return nil, nil, nil, false
	}
	return oldRunes, newRunes, table, true
}

// Unified renders a unified diff between two contents of the same path.
func Unified(path, oldContent, newContent string) string {
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        splitKeepEnds(oldContent),
		B:        splitKeepEnds(newContent),
		FromFile: "a/" + path,
		ToFile:   "b/" + path,
		Context:  hunkContext,
	})
	if err != nil {
		return ""
	}
	return text
}

// splitKeepEnds splits content into newline-terminated lines without the
// synthetic empty trailing line difflib.SplitLines appends, so rendered
// hunks describe only lines that exist.
func splitKeepEnds(content string) []string {
	if content == "" {
		return nil
	}
	lines := strings.SplitAfter(content, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// Apply replays a batch of hunks against src. Hunks must be ordered by
// OldStart and non-overlapping. On any context mismatch src is untouched and
// a *MismatchError identifies the failing hunk.
func Apply(src []string, hunks []Hunk) ([]string, error) {
	out := make([]string, 0, len(src))
	cursor := 0 // 0-indexed position in src

	for i, h := range hunks {
		start := h.OldStart - 1
		if h.OldCount == 0 {
			// Insertion point is the line after OldStart.
			start = h.OldStart
		}
		if start < cursor || start > len(src) {
			return nil, &MismatchError{
				HunkIndex: i,
				Line:      h.OldStart,
				Expected:  "hunk within file bounds and after previous hunk",
			}
		}
		out = append(out, src[cursor:start]...)
		cursor = start

		for _, ln := range h.Lines {
			switch ln.Type {
			case LineContext, LineRemoved:
				if cursor >= len(src) || src[cursor] != ln.Content {
					actual := ""
					if cursor < len(src) {
						actual = src[cursor]
					}
					return nil, &MismatchError{
						HunkIndex: i,
						Line:      cursor + 1,
						Expected:  ln.Content,
						Actual:    actual,
					}
				}
				if ln.Type == LineContext {
					out = append(out, ln.Content)
				}
				cursor++
			case LineAdded:
				out = append(out, ln.Content)
			}
		}
	}

	out = append(out, src[cursor:]...)
	return out, nil
}

// ParseUnified reads single-file unified diff text into hunks. File headers
// and "\ No newline" markers are skipped.
func ParseUnified(text string) ([]Hunk, error) {
	var hunks []Hunk
	var current *Hunk

	rawLines := strings.Split(text, "\n")
	if len(rawLines) > 0 && rawLines[len(rawLines)-1] == "" {
		// Newline-terminated input. The final empty element is a split
		// artifact, not a hunk line.
		rawLines = rawLines[:len(rawLines)-1]
	}

	for _, raw := range rawLines {
		switch {
		case strings.HasPrefix(raw, "--- ") || strings.HasPrefix(raw, "+++ "):
			continue
		case strings.HasPrefix(raw, "@@"):
			if current != nil {
				hunks = append(hunks, *current)
			}
			h, err := parseHunkHeader(raw)
			if err != nil {
				return nil, err
			}
			current = h
		case current == nil:
			if strings.TrimSpace(raw) != "" {
				return nil, fmt.Errorf("diff line outside any hunk: %q", raw)
			}
		case strings.HasPrefix(raw, " "):
			current.Lines = append(current.Lines, Line{Type: LineContext, Content: raw[1:]})
		case strings.HasPrefix(raw, "-"):
			current.Lines = append(current.Lines, Line{Type: LineRemoved, Content: raw[1:]})
		case strings.HasPrefix(raw, "+"):
			current.Lines = append(current.Lines, Line{Type: LineAdded, Content: raw[1:]})
		case strings.HasPrefix(raw, `\`):
			continue
		case raw == "":
			// A bare empty line inside a hunk is an empty context line with
			// the leading space trimmed by transport.
			current.Lines = append(current.Lines, Line{Type: LineContext, Content: ""})
		default:
			return nil, fmt.Errorf("unrecognized diff line: %q", raw)
		}
	}
	if current != nil {
		hunks = append(hunks, *current)
	}

	for i := range hunks {
		declaredOld, declaredNew := hunks[i].OldCount, hunks[i].NewCount
		computeCounts(&hunks[i])
		if hunks[i].OldCount != declaredOld || hunks[i].NewCount != declaredNew {
			return nil, fmt.Errorf("hunk %d: header counts -%d,+%d do not match body -%d,+%d",
				i+1, declaredOld, declaredNew, hunks[i].OldCount, hunks[i].NewCount)
		}
	}
	return hunks, nil
}

// parseHunkHeader parses "@@ -a,b +c,d @@" with the usual single-line
// shorthand where the count is omitted.
func parseHunkHeader(line string) (*Hunk, error) {
	rest := strings.TrimPrefix(line, "@@")
	end := strings.Index(rest, "@@")
	if end < 0 {
		return nil, fmt.Errorf("malformed hunk header: %q", line)
	}
	fields := strings.Fields(rest[:end])
	if len(fields) != 2 || !strings.HasPrefix(fields[0], "-") || !strings.HasPrefix(fields[1], "+") {
		return nil, fmt.Errorf("malformed hunk header: %q", line)
	}

	oldStart, oldCount, err := parseRange(fields[0][1:])
	if err != nil {
		return nil, fmt.Errorf("malformed hunk header: %q", line)
	}
	newStart, newCount, err := parseRange(fields[1][1:])
	if err != nil {
		return nil, fmt.Errorf("malformed hunk header: %q", line)
	}

	return &Hunk{OldStart: oldStart, OldCount: oldCount, NewStart: newStart, NewCount: newCount}, nil
}

func parseRange(s string) (start, count int, err error) {
	count = 1
	if comma := strings.Index(s, ","); comma >= 0 {
		count, err = strconv.Atoi(s[comma+1:])
		if err != nil {
			return 0, 0, err
		}
		s = s[:comma]
	}
	start, err = strconv.Atoi(s)
	return start, count, err
}

// op is one line operation with the 0-indexed positions it would consume or
// produce. oldPos and newPos are always valid cursors, including for lines
// the op does not consume on that side.
type op struct {
	typ     LineType
	oldPos  int
	newPos  int
	content string
}

// opsFromDiffs decodes each rune of the diff back into its interned line.
func opsFromDiffs(diffs []diffmatchpatch.Diff, table []string) []op {
	var ops []op
	oldPos, newPos := 0, 0

	for _, d := range diffs {
		for _, r := range d.Text {
			line := table[lineIndex(r)]
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				ops = append(ops, op{LineContext, oldPos, newPos, line})
				oldPos++
				newPos++
			case diffmatchpatch.DiffDelete:
				ops = append(ops, op{LineRemoved, oldPos, newPos, line})
				oldPos++
			case diffmatchpatch.DiffInsert:
				ops = append(ops, op{LineAdded, oldPos, newPos, line})
				newPos++
			}
		}
	}
	return ops
}

// opsFromOpcodes builds the op stream from a difflib sequence match.
func opsFromOpcodes(oldLines, newLines []string) []op {
	var ops []op
	for _, oc := range difflib.NewMatcher(oldLines, newLines).GetOpCodes() {
		switch oc.Tag {
		case 'e':
			for i, j := oc.I1, oc.J1; i < oc.I2; i, j = i+1, j+1 {
				ops = append(ops, op{LineContext, i, j, oldLines[i]})
			}
		case 'd':
			for i := oc.I1; i < oc.I2; i++ {
				ops = append(ops, op{LineRemoved, i, oc.J1, oldLines[i]})
			}
		case 'i':
			for j := oc.J1; j < oc.J2; j++ {
				ops = append(ops, op{LineAdded, oc.I1, j, newLines[j]})
			}
		case 'r':
			for i := oc.I1; i < oc.I2; i++ {
				ops = append(ops, op{LineRemoved, i, oc.J1, oldLines[i]})
			}
			for j := oc.J1; j < oc.J2; j++ {
				ops = append(ops, op{LineAdded, oc.I2, j, newLines[j]})
			}
		}
	}
	return ops
}

// splitContent splits content into lines without trailing newlines. Empty
// content has no lines.
func splitContent(content string) []string {
	if content == "" {
		return nil
	}
	lines := strings.Split(content, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// groupHunks clusters change operations into hunks, carrying up to context
// unchanged lines on each side and merging clusters whose gap fits within
// 2*context.
func groupHunks(ops []op, context int) []Hunk {
	var hunks []Hunk

	i := 0
	for i < len(ops) {
		if ops[i].typ == LineContext {
			i++
			continue
		}

		start := i - context
		if start < 0 {
			start = 0
		}

		// Extend the cluster over context gaps small enough to merge.
		lastChange := i
		j := i + 1
		for j < len(ops) {
			if ops[j].typ != LineContext {
				lastChange = j
				j++
				continue
			}
			k := j
			for k < len(ops) && ops[k].typ == LineContext {
				k++
			}
			if k < len(ops) && k-j <= 2*context {
				j = k
				continue
			}
			break
		}

		stop := lastChange + context + 1
		if stop > len(ops) {
			stop = len(ops)
		}

		h := Hunk{}
		for _, o := range ops[start:stop] {
			h.Lines = append(h.Lines, Line{Type: o.typ, Content: o.content})
		}
		computeCounts(&h)
		if h.OldCount == 0 {
			h.OldStart = ops[start].oldPos
		} else {
			h.OldStart = ops[start].oldPos + 1
		}
		if h.NewCount == 0 {
			h.NewStart = ops[start].newPos
		} else {
			h.NewStart = ops[start].newPos + 1
		}
		hunks = append(hunks, h)

		i = stop
	}
	return hunks
}

// Delta sums the added and removed line counts across hunks.
func Delta(hunks []Hunk) (added, removed int) {
	for _, h := range hunks {
		for _, ln := range h.Lines {
			switch ln.Type {
			case LineAdded:
				added++
			case LineRemoved:
				removed++
			}
		}
	}
	return added, removed
}

func computeCounts(h *Hunk) {
	h.OldCount, h.NewCount = 0, 0
	for _, ln := range h.Lines {
		if ln.Type != LineAdded {
			h.OldCount++
		}
		if ln.Type != LineRemoved {
			h.NewCount++
		}
	}
}

func hash(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}
