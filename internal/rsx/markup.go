package rsx

import (
	"fmt"
	"strconv"
	"strings"
)

// NodeKind discriminates template nodes.
type NodeKind string

const (
	KindElement  NodeKind = "element"
	KindText     NodeKind = "text"
	KindDynamic  NodeKind = "dynamic"
	KindFragment NodeKind = "fragment"
)

// Attribute is an element attribute. Static attributes carry Value; dynamic
// ones carry the index of the compiled expression slot they are bound to.
type Attribute struct {
	Name    string `json:"name"`
	Value   string `json:"value,omitempty"`
	Dynamic *int   `json:"dynamic,omitempty"`

	Expr string `json:"-"`
}

// Node is one node of a parsed template. Text holds the unescaped string for
// text nodes; Dynamic holds the expression slot for dynamic nodes.
type Node struct {
	Kind     NodeKind    `json:"kind"`
	Tag      string      `json:"tag,omitempty"`
	Attrs    []Attribute `json:"attrs,omitempty"`
	Children []Node      `json:"children,omitempty"`
	Text     string      `json:"text,omitempty"`
	Dynamic  *int        `json:"dynamic,omitempty"`

	Expr string `json:"-"`
}

// Equal compares two nodes by value. Source positions, whitespace and
// escaping style do not take part; slot indices do.
func (n Node) Equal(o Node) bool {
	if n.Kind != o.Kind || n.Tag != o.Tag || n.Text != o.Text || !sameSlot(n.Dynamic, o.Dynamic) {
		return false
	}
	if n.Dynamic == nil && n.Kind == KindDynamic && n.Expr != o.Expr {
		return false
	}
	if len(n.Attrs) != len(o.Attrs) || len(n.Children) != len(o.Children) {
		return false
	}
	for i := range n.Attrs {
		a, b := n.Attrs[i], o.Attrs[i]
		if a.Name != b.Name || a.Value != b.Value || !sameSlot(a.Dynamic, b.Dynamic) {
			return false
		}
		if a.Dynamic == nil && a.Expr != b.Expr {
			return false
		}
	}
	for i := range n.Children {
		if !n.Children[i].Equal(o.Children[i]) {
			return false
		}
	}
	return true
}

func sameSlot(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// MarkupError reports a token that does not fit the template grammar.
type MarkupError struct {
	Line, Column int
	Msg          string
}

func (e *MarkupError) Error() string {
	return fmt.Sprintf("%d:%d: %s", e.Line, e.Column, e.Msg)
}

// ParseMarkup parses the body of a template macro into its root nodes.
//
// The grammar is <tag attr=value ...>children</tag>, <tag/>, fragments
// <>...</>, string literals as text and {expr} groups as dynamic nodes.
// Attribute values are literals (static) or {expr} groups and identifiers
// (dynamic). Commas between nodes are ignored.
func ParseMarkup(tokens []Token) ([]Node, error) {
	p := &markupParser{toks: tokens}
	nodes, err := p.nodes("", false)
	if err != nil {
		return nil, err
	}
	if !p.eof() {
		return nil, p.errorf("unexpected closing tag")
	}
	return nodes, nil
}

type markupParser struct {
	toks []Token
	pos  int
}

func (p *markupParser) eof() bool { return p.pos >= len(p.toks) }

func (p *markupParser) peek(off int) (Token, bool) {
	if p.pos+off >= len(p.toks) {
		return Token{}, false
	}
	return p.toks[p.pos+off], true
}

func (p *markupParser) isPunct(off int, s string) bool {
	t, ok := p.peek(off)
	return ok && t.Kind == TokenPunct && t.Text == s
}

func (p *markupParser) errorf(format string, args ...interface{}) error {
	e := &MarkupError{Msg: fmt.Sprintf(format, args...)}
	if t, ok := p.peek(0); ok {
		e.Line, e.Column = t.Line, t.Column
	} else if len(p.toks) > 0 {
		last := p.toks[len(p.toks)-1]
		e.Line, e.Column = last.Line, last.Column
	}
	return e
}

func (p *markupParser) expectPunct(s string) error {
	if !p.isPunct(0, s) {
		return p.errorf("expected %q", s)
	}
	p.pos++
	return nil
}

// nodes parses siblings until end of input or a closing tag. When nested is
// set, reaching the end of input is an error naming tag.
func (p *markupParser) nodes(tag string, nested bool) ([]Node, error) {
	var out []Node
	for {
		if p.eof() {
			if nested {
				return nil, p.errorf("unclosed <%s>", tag)
			}
			return out, nil
		}
		if p.isPunct(0, "<") && p.isPunct(1, "/") {
			return out, nil
		}
		if p.isPunct(0, ",") {
			p.pos++
			continue
		}
		n, err := p.node()
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
}

func (p *markupParser) node() (Node, error) {
	t, _ := p.peek(0)
	switch {
	case t.Kind == TokenLiteral:
		p.pos++
		return Node{Kind: KindText, Text: unquote(t.Text)}, nil
	case t.Kind == TokenGroup && t.Text == "{":
		p.pos++
		return Node{Kind: KindDynamic, Expr: JoinTokens(t.Children)}, nil
	case t.Kind == TokenPunct && t.Text == "<":
		return p.element()
	}
	return Node{}, p.errorf("unexpected %q", t.String())
}

func (p *markupParser) element() (Node, error) {
	p.pos++ // <

	if p.isPunct(0, ">") {
		p.pos++
		children, err := p.nodes("", true)
		if err != nil {
			return Node{}, err
		}
		if err := p.closeTag(""); err != nil {
			return Node{}, err
		}
		return Node{Kind: KindFragment, Children: children}, nil
	}

	tag, err := p.name()
	if err != nil {
		return Node{}, err
	}
	el := Node{Kind: KindElement, Tag: tag}

	for {
		if p.isPunct(0, "/") && p.isPunct(1, ">") {
			p.pos += 2
			return el, nil
		}
		if p.isPunct(0, ">") {
			p.pos++
			break
		}
		attr, err := p.attribute()
		if err != nil {
			return Node{}, err
		}
		el.Attrs = append(el.Attrs, attr)
	}

	children, err := p.nodes(tag, true)
	if err != nil {
		return Node{}, err
	}
	if err := p.closeTag(tag); err != nil {
		return Node{}, err
	}
	el.Children = children
	return el, nil
}

func (p *markupParser) closeTag(tag string) error {
	if err := p.expectPunct("<"); err != nil {
		return err
	}
	if err := p.expectPunct("/"); err != nil {
		return err
	}
	if tag != "" {
		name, err := p.name()
		if err != nil {
			return err
		}
		if name != tag {
			return p.errorf("closing </%s> does not match <%s>", name, tag)
		}
	}
	return p.expectPunct(">")
}

func (p *markupParser) attribute() (Attribute, error) {
	name, err := p.name()
	if err != nil {
		return Attribute{}, err
	}
	if !p.isPunct(0, "=") {
		return Attribute{Name: name, Value: "true"}, nil
	}
	p.pos++

	t, ok := p.peek(0)
	if !ok {
		return Attribute{}, p.errorf("missing value for attribute %s", name)
	}
	p.pos++
	switch t.Kind {
	case TokenLiteral:
		return Attribute{Name: name, Value: unquote(t.Text)}, nil
	case TokenIdent:
		return Attribute{Name: name, Expr: t.Text}, nil
	case TokenGroup:
		if t.Text == "{" {
			return Attribute{Name: name, Expr: JoinTokens(t.Children)}, nil
		}
	}
	p.pos--
	return Attribute{}, p.errorf("invalid value for attribute %s", name)
}

// name parses a tag or attribute name: identifiers joined by '-' or ':'.
func (p *markupParser) name() (string, error) {
	t, ok := p.peek(0)
	if !ok || t.Kind != TokenIdent {
		return "", p.errorf("expected name")
	}
	p.pos++

	var b strings.Builder
	b.WriteString(t.Text)
	for {
		sep := 0
		for p.isPunct(sep, "-") || p.isPunct(sep, ":") {
			sep++
		}
		if sep == 0 {
			break
		}
		next, ok := p.peek(sep)
		if !ok || next.Kind != TokenIdent {
			break
		}
		for i := 0; i < sep; i++ {
			b.WriteString(p.toks[p.pos+i].Text)
		}
		b.WriteString(next.Text)
		p.pos += sep + 1
	}
	return b.String(), nil
}

// unquote returns the value of a Rust literal. String and raw string
// literals are unescaped; other literals are returned verbatim.
func unquote(lit string) string {
	switch {
	case strings.HasPrefix(lit, "r"):
		body := strings.TrimLeft(lit[1:], "#")
		hashes := len(lit) - 1 - len(body)
		if strings.HasPrefix(body, `"`) && len(body) >= 2+hashes {
			return body[1 : len(body)-1-hashes]
		}
		return lit
	case strings.HasPrefix(lit, `"`):
		if s, err := strconv.Unquote(rustEscapes(lit)); err == nil {
			return s
		}
		return strings.TrimSuffix(strings.TrimPrefix(lit, `"`), `"`)
	}
	return lit
}

// rustEscapes rewrites \u{XXXX} escapes to the \UXXXXXXXX form strconv
// understands.
func rustEscapes(lit string) string {
	if !strings.Contains(lit, `\u{`) {
		return lit
	}
	var b strings.Builder
	for i := 0; i < len(lit); i++ {
		if lit[i] == '\\' && i+1 < len(lit) && lit[i+1] == '\\' {
			b.WriteString(`\\`)
			i++
			continue
		}
		if strings.HasPrefix(lit[i:], `\u{`) {
			end := strings.IndexByte(lit[i:], '}')
			if end > 3 {
				hex := lit[i+3 : i+end]
				b.WriteString(`\U` + strings.Repeat("0", max(0, 8-len(hex))) + hex)
				i += end
				continue
			}
		}
		b.WriteByte(lit[i])
	}
	return b.String()
}
