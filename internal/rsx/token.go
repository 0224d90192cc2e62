package rsx

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// TokenKind classifies a token inside a template macro body.
type TokenKind int

const (
	TokenIdent TokenKind = iota
	TokenLiteral
	TokenPunct
	TokenGroup
)

// Token is one element of a macro token stream. Groups carry their
// delimiter in Text ("{", "(" or "[") and their contents in Children.
type Token struct {
	Kind     TokenKind
	Text     string
	Children []Token
	Line     int
	Column   int
}

// Equal reports whether two tokens are the same ignoring positions.
func (t Token) Equal(o Token) bool {
	if t.Kind != o.Kind || t.Text != o.Text || len(t.Children) != len(o.Children) {
		return false
	}
	for i := range t.Children {
		if !t.Children[i].Equal(o.Children[i]) {
			return false
		}
	}
	return true
}

// String renders the token back to a canonical, whitespace-normalized form.
func (t Token) String() string {
	var b strings.Builder
	t.write(&b)
	return b.String()
}

func (t Token) write(b *strings.Builder) {
	if t.Kind != TokenGroup {
		b.WriteString(t.Text)
		return
	}
	b.WriteString(t.Text)
	for i, c := range t.Children {
		if i > 0 {
			b.WriteByte(' ')
		}
		c.write(b)
	}
	b.WriteString(closing(t.Text))
}

func closing(open string) string {
	switch open {
	case "(":
		return ")"
	case "[":
		return "]"
	default:
		return "}"
	}
}

// TokensEqual compares two token streams ignoring positions.
func TokensEqual(a, b []Token) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// JoinTokens renders a token stream in canonical form.
func JoinTokens(tokens []Token) string {
	parts := make([]string, len(tokens))
	for i, t := range tokens {
		parts[i] = t.String()
	}
	return strings.Join(parts, " ")
}

var literalTypes = map[string]bool{
	"string_literal":     true,
	"raw_string_literal": true,
	"char_literal":       true,
	"integer_literal":    true,
	"float_literal":      true,
	"boolean_literal":    true,
}

const punctChars = "/_-=>,;:!?.@*&#%^+<|~$'"

func isPunct(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune(punctChars, r) {
			return false
		}
	}
	// A lone underscore or an identifier starting with one is not punctuation.
	return strings.Trim(s, "_") != ""
}

// tokensOf flattens the children of a token_tree node (excluding its
// delimiters) into tokens. The grammar clusters runs of punctuation such as
// "</" into one node; those are split so that markup parsing sees one
// character per punctuation token.
func tokensOf(tree *sitter.Node, src []byte) []Token {
	count := int(tree.ChildCount())
	var out []Token
	for i := 0; i < count; i++ {
		child := tree.Child(i)
		if child == nil {
			continue
		}
		// The first and last children are the group delimiters.
		if (i == 0 || i == count-1) && !child.IsNamed() && isDelimiter(child.Type()) {
			continue
		}
		out = append(out, tokenFromNode(child, src)...)
	}
	return out
}

func isDelimiter(t string) bool {
	switch t {
	case "(", ")", "[", "]", "{", "}":
		return true
	}
	return false
}

func tokenFromNode(n *sitter.Node, src []byte) []Token {
	p := n.StartPoint()
	line, col := int(p.Row)+1, int(p.Column)+1

	switch {
	case n.Type() == "token_tree":
		open := "{"
		if first := n.Child(0); first != nil {
			open = first.Content(src)
		}
		return []Token{{Kind: TokenGroup, Text: open, Children: tokensOf(n, src), Line: line, Column: col}}
	case literalTypes[n.Type()]:
		return []Token{{Kind: TokenLiteral, Text: n.Content(src), Line: line, Column: col}}
	case n.Type() == "line_comment" || n.Type() == "block_comment":
		return nil
	}

	text := n.Content(src)
	if isPunct(text) {
		out := make([]Token, 0, len(text))
		for i, r := range text {
			out = append(out, Token{Kind: TokenPunct, Text: string(r), Line: line, Column: col + i})
		}
		return out
	}
	return []Token{{Kind: TokenIdent, Text: text, Line: line, Column: col}}
}
