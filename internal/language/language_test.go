package language

import "testing"

func TestDetect(t *testing.T) {
	t.Parallel()

	cases := map[string]Language{
		"main.go":          Go,
		"pkg/server.GO":    Go,
		"app.py":           Python,
		"types.pyi":        Python,
		"index.js":         JavaScript,
		"component.jsx":    JavaScript,
		"app.ts":           TypeScript,
		"view.tsx":         TypeScript,
		"lib.rs":           Rust,
		"README.md":        Unchecked,
		"Makefile":         Unchecked,
		"noextension":      Unchecked,
		"dir/sub/file.cfg": Unchecked,
	}

	for path, want := range cases {
		if got := Detect(path); got != want {
			t.Errorf("Detect(%q) = %s, want %s", path, got, want)
		}
	}
}

func TestGrammar(t *testing.T) {
	t.Parallel()

	for _, lang := range []Language{Go, Python, JavaScript, TypeScript, Rust} {
		if lang.Grammar() == nil {
			t.Errorf("%s should have a grammar", lang)
		}
		if !lang.Checked() {
			t.Errorf("%s should be checked", lang)
		}
		if lang.DeclarationTypes() == nil {
			t.Errorf("%s should have declaration types", lang)
		}
	}

	if Unchecked.Grammar() != nil {
		t.Error("Unchecked should have no grammar")
	}
	if Unchecked.Checked() {
		t.Error("Unchecked should not be checked")
	}
}

func TestMixedIndentSensitive(t *testing.T) {
	t.Parallel()

	if !Python.MixedIndentSensitive() {
		t.Error("python is indentation-sensitive")
	}
	if Go.MixedIndentSensitive() {
		t.Error("go is not indentation-sensitive")
	}
}
