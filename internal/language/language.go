// Package language maps files to the closed set of grammars codeward can
// parse. Anything outside the set resolves to Unchecked, which callers must
// treat as "accept without syntax verification" rather than an error.
package language

import (
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// Language identifies one supported grammar.
type Language string

const (
	Go         Language = "go"
	Python     Language = "python"
	JavaScript Language = "javascript"
	TypeScript Language = "typescript"
	Rust       Language = "rust"

	// Unchecked is the explicit variant for unsupported files.
	Unchecked Language = "unchecked"
)

// extensions is the fixed extension mapping. Unknown extensions
// short-circuit to Unchecked.
var extensions = map[string]Language{
	".go":  Go,
	".py":  Python,
	".pyi": Python,
	".js":  JavaScript,
	".jsx": JavaScript,
	".mjs": JavaScript,
	".ts":  TypeScript,
	".tsx": TypeScript,
	".rs":  Rust,
}

// Detect resolves a path to its language by extension.
func Detect(path string) Language {
	ext := strings.ToLower(filepath.Ext(path))
	if lang, ok := extensions[ext]; ok {
		return lang
	}
	return Unchecked
}

// Checked reports whether the language has a grammar to parse with.
func (l Language) Checked() bool {
	return l != Unchecked
}

// Grammar returns the tree-sitter grammar for the language, or nil for
// Unchecked.
func (l Language) Grammar() *sitter.Language {
	switch l {
	case Go:
		return golang.GetLanguage()
	case Python:
		return python.GetLanguage()
	case JavaScript:
		return javascript.GetLanguage()
	case TypeScript:
		return typescript.GetLanguage()
	case Rust:
		return rust.GetLanguage()
	default:
		return nil
	}
}

// DeclarationTypes returns the tree-sitter node types treated as top-level
// declarations when chunking files of this language.
func (l Language) DeclarationTypes() map[string]bool {
	switch l {
	case Go:
		return map[string]bool{
			"function_declaration": true,
			"method_declaration":   true,
			"type_declaration":     true,
		}
	case Python:
		return map[string]bool{
			"function_definition":  true,
			"class_definition":     true,
			"decorated_definition": true,
		}
	case JavaScript, TypeScript:
		return map[string]bool{
			"function_declaration":  true,
			"class_declaration":     true,
			"interface_declaration": true,
			"lexical_declaration":   true,
			"export_statement":      true,
		}
	case Rust:
		return map[string]bool{
			"function_item": true,
			"struct_item":   true,
			"enum_item":     true,
			"impl_item":     true,
			"trait_item":    true,
			"mod_item":      true,
		}
	default:
		return nil
	}
}

// CommentTypes returns the node types that count as leading documentation
// for a declaration.
func (l Language) CommentTypes() map[string]bool {
	switch l {
	case Go, JavaScript, TypeScript, Rust:
		return map[string]bool{
			"comment":       true,
			"line_comment":  true,
			"block_comment": true,
		}
	case Python:
		return map[string]bool{
			"comment": true,
		}
	default:
		return nil
	}
}

// MixedIndentSensitive reports whether mixed tab/space indentation is a
// lint concern for the language.
func (l Language) MixedIndentSensitive() bool {
	return l == Python
}
