// Package validate is the commit gate for buffer mutations. Proposed file
// content is parsed with the file's tree-sitter grammar and then linted;
// only error-severity diagnostics block a commit. Verdicts are deterministic
// for identical content, which makes them safe to cache.
package validate

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	sitter "github.com/smacker/go-tree-sitter"

	"codeward/internal/config"
	"codeward/internal/language"
	"codeward/internal/logging"
)

// Severity classifies a diagnostic.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Verdict is the overall outcome of a check.
type Verdict string

const (
	VerdictAccepted Verdict = "accepted"
	VerdictRejected Verdict = "rejected"
)

// Diagnostic is one parse or lint finding. Column is 1-indexed and 0 when
// unknown.
type Diagnostic struct {
	Line     int      `json:"line"`
	Column   int      `json:"column,omitempty"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Result is the verdict plus ordered diagnostics for one check.
type Result struct {
	Verdict     Verdict      `json:"verdict"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
	Unchecked   bool         `json:"unchecked,omitempty"`
}

// Accepted reports whether the content may be committed.
func (r Result) Accepted() bool {
	return r.Verdict == VerdictAccepted
}

// Errors returns only the error-severity diagnostics.
func (r Result) Errors() []Diagnostic {
	var errs []Diagnostic
	for _, d := range r.Diagnostics {
		if d.Severity == SeverityError {
			errs = append(errs, d)
		}
	}
	return errs
}

// maxParseErrors caps how many ERROR nodes are reported for one file.
const maxParseErrors = 20

type cacheKey struct {
	path string
	hash uint64
}

// Validator runs parse and lint checks with a bounded verdict cache.
type Validator struct {
	timeout time.Duration
	rules   config.ValidatorConfig
	cache   *lru.Cache[cacheKey, Result]
}

// New builds a Validator from config.
func New(cfg *config.Config) (*Validator, error) {
	size := cfg.Validator.CacheSize
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[cacheKey, Result](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create verdict cache: %w", err)
	}
	return &Validator{
		timeout: cfg.GetValidationTimeout(),
		rules:   cfg.Validator,
		cache:   cache,
	}, nil
}

// Check validates proposed content for path. It never mutates anything;
// the caller decides what to do with the verdict.
func (v *Validator) Check(ctx context.Context, path, content string) Result {
	timer := logging.StartTimer(logging.CategoryValidator, "check "+path)
	defer timer.Stop()

	lang := language.Detect(path)
	if !lang.Checked() {
		logging.ValidatorDebug("check %s: unknown language, accepting unchecked", path)
		return Result{
			Verdict:   VerdictAccepted,
			Unchecked: true,
			Diagnostics: []Diagnostic{{
				Line:     1,
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("syntax not checked: no grammar for %s", path),
			}},
		}
	}

	key := cacheKey{path: path, hash: hashContent(content)}
	if cached, ok := v.cache.Get(key); ok {
		logging.ValidatorDebug("check %s: cache hit", path)
		return cached
	}

	result := v.check(ctx, path, lang, content)
	// Timeouts are not cacheable: a retry with more budget may pass.
	if !result.timedOut() {
		v.cache.Add(key, result)
	}
	return result
}

func (v *Validator) check(ctx context.Context, path string, lang language.Language, content string) Result {
	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(lang.Grammar())

	tree, err := parser.ParseCtx(ctx, nil, []byte(content))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			logging.ValidatorWarn("check %s: validation timed out after %v", path, v.timeout)
			return Result{
				Verdict: VerdictRejected,
				Diagnostics: []Diagnostic{{
					Line:     1,
					Severity: SeverityError,
					Message:  fmt.Sprintf("validation timed out after %v", v.timeout),
				}},
			}
		}
		return Result{
			Verdict: VerdictRejected,
			Diagnostics: []Diagnostic{{
				Line:     1,
				Severity: SeverityError,
				Message:  fmt.Sprintf("parse failed: %v", err),
			}},
		}
	}
	defer tree.Close()

	parseDiags := collectParseErrors(tree.RootNode())
	if len(parseDiags) > 0 {
		// Lint on unparseable input is meaningless; report parse errors only.
		logging.Validator("check %s: rejected with %d parse errors", path, len(parseDiags))
		return Result{Verdict: VerdictRejected, Diagnostics: parseDiags}
	}

	lintDiags := v.lint(lang, content)

	verdict := VerdictAccepted
	for _, d := range lintDiags {
		if d.Severity == SeverityError {
			verdict = VerdictRejected
			break
		}
	}

	logging.ValidatorDebug("check %s: %s with %d lint findings", path, verdict, len(lintDiags))
	return Result{Verdict: verdict, Diagnostics: lintDiags}
}

// collectParseErrors walks the tree for ERROR and missing nodes. Subtrees
// without errors are pruned via HasError.
func collectParseErrors(root *sitter.Node) []Diagnostic {
	var diags []Diagnostic

	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if len(diags) >= maxParseErrors {
			return
		}
		if n.Type() == "ERROR" {
			pt := n.StartPoint()
			diags = append(diags, Diagnostic{
				Line:     int(pt.Row) + 1,
				Column:   int(pt.Column) + 1,
				Severity: SeverityError,
				Message:  "syntax error",
			})
			// Children of an ERROR node restate the same failure.
			return
		}
		if n.IsMissing() {
			pt := n.StartPoint()
			diags = append(diags, Diagnostic{
				Line:     int(pt.Row) + 1,
				Column:   int(pt.Column) + 1,
				Severity: SeverityError,
				Message:  fmt.Sprintf("missing %s", n.Type()),
			})
			return
		}
		if !n.HasError() {
			return
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i))
		}
	}
	walk(root)

	return diags
}

// lint applies the configured per-line rules. Lint findings are ordered by
// line so diagnostics read top to bottom.
func (v *Validator) lint(lang language.Language, content string) []Diagnostic {
	var diags []Diagnostic

	maxLen := v.rules.MaxLineLength
	trailing := v.rules.TrailingWhitespace
	mixedIndent := lang.MixedIndentSensitive()

	if rs, ok := v.rules.Languages[string(lang)]; ok {
		if rs.MaxLineLength != nil {
			maxLen = *rs.MaxLineLength
		}
		if rs.TrailingWhitespace != nil {
			trailing = *rs.TrailingWhitespace
		}
		if rs.MixedIndentation != nil {
			mixedIndent = *rs.MixedIndentation
		}
	}

	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lineNo := i + 1

		if maxLen > 0 && len(line) > maxLen {
			diags = append(diags, Diagnostic{
				Line:     lineNo,
				Column:   maxLen + 1,
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("line exceeds %d characters", maxLen),
			})
		}

		if trailing && line != "" && strings.TrimRight(line, " \t") != line {
			diags = append(diags, Diagnostic{
				Line:     lineNo,
				Severity: SeverityWarning,
				Message:  "trailing whitespace",
			})
		}

		if mixedIndent && hasMixedIndent(line) {
			diags = append(diags, Diagnostic{
				Line:     lineNo,
				Column:   1,
				Severity: SeverityWarning,
				Message:  "mixed tab/space indentation",
			})
		}
	}

	return diags
}

// hasMixedIndent reports whether a line's leading whitespace mixes tabs and
// spaces.
func hasMixedIndent(line string) bool {
	sawSpace := false
	sawTab := false
	for _, r := range line {
		switch r {
		case ' ':
			sawSpace = true
		case '\t':
			sawTab = true
		default:
			return sawSpace && sawTab
		}
	}
	return sawSpace && sawTab
}

func (r Result) timedOut() bool {
	for _, d := range r.Diagnostics {
		if d.Severity == SeverityError && strings.HasPrefix(d.Message, "validation timed out") {
			return true
		}
	}
	return false
}

// hashContent computes an FNV-1a hash for the verdict cache key.
func hashContent(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}
