// Package chunk splits file content into indexable line spans. Parseable
// files chunk along top-level declarations with their leading comments;
// everything else falls back to sliding windows that cover every line.
package chunk

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"codeward/internal/config"
	"codeward/internal/language"
	"codeward/internal/logging"
)

// Chunk is one contiguous span of a file at a specific revision. The ID is
// derived from path, span and revision so a re-chunked file never reuses a
// stale identifier.
type Chunk struct {
	ID        string
	Path      string
	StartLine int // 1-indexed
	EndLine   int // inclusive
	Text      string
	Revision  int
}

// Chunker produces chunks with configured fallback window geometry.
type Chunker struct {
	windowSize int
	overlap    int
}

// New builds a Chunker from config.
func New(cfg *config.Config) *Chunker {
	return &Chunker{
		windowSize: cfg.Chunker.WindowSize,
		overlap:    cfg.Chunker.Overlap,
	}
}

// ChunkFile splits content into chunks. The returned set fully replaces any
// prior chunks for the path; callers install it atomically.
func (c *Chunker) ChunkFile(path, content string, revision int) []Chunk {
	timer := logging.StartTimer(logging.CategoryChunker, "chunk "+path)
	defer timer.Stop()

	fileLines := splitLines(content)
	if len(fileLines) == 0 {
		return nil
	}

	lang := language.Detect(path)
	if lang.Checked() {
		if chunks := c.declarationChunks(path, lang, content, fileLines, revision); chunks != nil {
			logging.ChunkerDebug("chunk %s: %d declaration chunks", path, len(chunks))
			return chunks
		}
	}

	chunks := c.windowChunks(path, fileLines, revision)
	logging.ChunkerDebug("chunk %s: %d window chunks (fallback)", path, len(chunks))
	return chunks
}

// declarationChunks parses content and emits one chunk per top-level
// declaration, attaching the leading comment run to its declaration.
// Consecutive non-declaration nodes (imports, package clauses, top-level
// statements) are grouped into shared chunks. Returns nil when parsing is
// unusable so the caller falls back to windows.
func (c *Chunker) declarationChunks(path string, lang language.Language, content string, fileLines []string, revision int) []Chunk {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(lang.Grammar())

	tree, err := parser.ParseCtx(context.Background(), nil, []byte(content))
	if err != nil {
		return nil
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return nil
	}

	declTypes := lang.DeclarationTypes()
	commentTypes := lang.CommentTypes()

	type span struct{ start, end int } // 1-indexed line spans
	var spans []span

	commentStart := 0 // start of the pending leading comment run
	fillerStart := 0  // start of the pending non-declaration run
	fillerEnd := 0

	flushFiller := func() {
		if fillerStart > 0 {
			spans = append(spans, span{fillerStart, fillerEnd})
			fillerStart, fillerEnd = 0, 0
		}
	}

	count := int(root.NamedChildCount())
	if count == 0 {
		return nil
	}

	prevEnd := 0
	for i := 0; i < count; i++ {
		n := root.NamedChild(i)
		start := int(n.StartPoint().Row) + 1
		end := int(n.EndPoint().Row) + 1
		nodeType := n.Type()

		switch {
		case commentTypes[nodeType]:
			// A comment run only survives as a prefix if nothing
			// non-comment interrupts it before the declaration.
			if commentStart == 0 {
				commentStart = start
			}
			prevEnd = end

		case declTypes[nodeType]:
			flushFiller()
			if commentStart > 0 {
				start = commentStart
				commentStart = 0
			}
			spans = append(spans, span{start, end})
			prevEnd = end

		default:
			// Orphaned comments merge into the filler run.
			if commentStart > 0 {
				start = commentStart
				commentStart = 0
			}
			if fillerStart == 0 {
				fillerStart = start
			}
			fillerEnd = end
			prevEnd = end
		}
	}
	// Trailing comments become their own filler chunk.
	if commentStart > 0 {
		if fillerStart == 0 {
			fillerStart = commentStart
		}
		fillerEnd = prevEnd
	}
	flushFiller()

	if len(spans) == 0 {
		return nil
	}

	chunks := make([]Chunk, 0, len(spans))
	for _, s := range spans {
		if s.end > len(fileLines) {
			s.end = len(fileLines)
		}
		if s.start < 1 || s.start > s.end {
			continue
		}
		chunks = append(chunks, c.newChunk(path, fileLines, s.start, s.end, revision))
	}
	if len(chunks) == 0 {
		return nil
	}
	return chunks
}

// windowChunks covers every line with fixed-size windows. With zero overlap
// each line appears exactly once; with overlap > 0 at least once.
func (c *Chunker) windowChunks(path string, fileLines []string, revision int) []Chunk {
	step := c.windowSize - c.overlap
	if step <= 0 {
		step = c.windowSize
	}

	var chunks []Chunk
	total := len(fileLines)
	for start := 1; start <= total; start += step {
		end := start + c.windowSize - 1
		if end > total {
			end = total
		}
		chunks = append(chunks, c.newChunk(path, fileLines, start, end, revision))
		if end == total {
			break
		}
	}
	return chunks
}

func (c *Chunker) newChunk(path string, fileLines []string, start, end, revision int) Chunk {
	return Chunk{
		ID:        ChunkID(path, start, end, revision),
		Path:      path,
		StartLine: start,
		EndLine:   end,
		Text:      strings.Join(fileLines[start-1:end], "\n"),
		Revision:  revision,
	}
}

// ChunkID derives the stable identifier for a span of a file revision.
func ChunkID(path string, start, end, revision int) string {
	return fmt.Sprintf("%s:%d-%d@r%d", path, start, end, revision)
}

// splitLines splits content into lines without counting a trailing newline
// as an extra empty line.
func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	lines := strings.Split(content, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
