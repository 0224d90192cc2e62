// Package rsx finds and compares the UI template literals embedded in a Rust
// source file. Template literals are invocations of the rsx! or view! macros;
// their bodies are a small markup language that the runtime can replace
// without recompiling when only static parts change.
package rsx

import (
	"context"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/rust"

	"github.com/conneroisu/playground/internal/errors"
)

// TemplateMacros lists the macro names recognized as template literals.
var TemplateMacros = []string{"rsx", "view"}

// Literal is one template macro invocation found in a source file.
type Literal struct {
	Macro    string
	Function string // enclosing fn, empty at module level
	Line     int    // 1-based position of the macro path
	Column   int
	Tokens   []Token
}

// Body renders the literal's tokens in canonical form.
func (l Literal) Body() string {
	return JoinTokens(l.Tokens)
}

// File is a parsed Rust source file.
type File struct {
	src  []byte
	root *sitter.Node
}

// ErrParseFailure is matched by errors.Is for any source that fails to parse.
var ErrParseFailure = errors.NewValidationError(errors.ErrCodeParseFailure, "source does not parse")

// Parse parses a Rust source file. Sources containing syntax errors are
// rejected with an ErrParseFailure error.
func Parse(ctx context.Context, src string) (*File, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(rust.GetLanguage())

	data := []byte(src)
	tree, err := parser.ParseCtx(ctx, nil, data)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, errors.ErrCodeParseFailure, "parse source")
	}

	root := tree.RootNode()
	if root.HasError() {
		p := firstError(root).StartPoint()
		return nil, errors.NewValidationError(errors.ErrCodeParseFailure, "syntax error").
			WithContext("line", int(p.Row)+1).
			WithContext("column", int(p.Column)+1)
	}

	return &File{src: data, root: root}, nil
}

func firstError(n *sitter.Node) *sitter.Node {
	if n.Type() == "ERROR" || n.IsMissing() {
		return n
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		child := n.Child(i)
		if child != nil && child.HasError() {
			return firstError(child)
		}
	}
	return n
}

// Literals returns every template literal in source order.
func (f *File) Literals() []Literal {
	var out []Literal
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if lit, ok := f.literalAt(n); ok {
			out = append(out, lit)
			return
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			if child := n.Child(i); child != nil {
				walk(child)
			}
		}
	}
	walk(f.root)
	return out
}

// literalAt reports whether n is a template macro invocation and extracts it.
func (f *File) literalAt(n *sitter.Node) (Literal, bool) {
	if n.Type() != "macro_invocation" {
		return Literal{}, false
	}
	pathNode := n.ChildByFieldName("macro")
	if pathNode == nil {
		return Literal{}, false
	}
	name := macroName(pathNode.Content(f.src))
	if !isTemplateMacro(name) {
		return Literal{}, false
	}

	var body *sitter.Node
	for i := 0; i < int(n.ChildCount()); i++ {
		if child := n.Child(i); child != nil && child.Type() == "token_tree" {
			body = child
			break
		}
	}
	if body == nil {
		return Literal{}, false
	}

	p := pathNode.StartPoint()
	return Literal{
		Macro:    name,
		Function: enclosingFunction(n, f.src),
		Line:     int(p.Row) + 1,
		Column:   int(p.Column) + 1,
		Tokens:   tokensOf(body, f.src),
	}, true
}

// macroName strips a path prefix such as dioxus::prelude:: from a macro path.
func macroName(path string) string {
	if i := strings.LastIndex(path, "::"); i >= 0 {
		path = path[i+2:]
	}
	return strings.TrimSpace(path)
}

func isTemplateMacro(name string) bool {
	for _, m := range TemplateMacros {
		if m == name {
			return true
		}
	}
	return false
}

func enclosingFunction(n *sitter.Node, src []byte) string {
	for p := n.Parent(); p != nil; p = p.Parent() {
		if p.Type() == "function_item" {
			if name := p.ChildByFieldName("name"); name != nil {
				return name.Content(src)
			}
			return ""
		}
	}
	return ""
}
