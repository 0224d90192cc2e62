package rsx

import (
	"context"
	"strings"
	"unicode"

	sitter "github.com/smacker/go-tree-sitter"
)

// Change pairs a template literal in the old source with its counterpart in
// the new source.
type Change struct {
	Old Literal
	New Literal
}

// Diff compares two sources and returns the template literals whose bodies
// changed. ok is false when the files are not structurally comparable: code
// outside template literals differs, the number of literals differs, or a
// literal moved to another function. A parse failure of either input is
// returned as an error.
func Diff(ctx context.Context, oldSrc, newSrc string) (changes []Change, ok bool, err error) {
	oldFile, err := Parse(ctx, oldSrc)
	if err != nil {
		return nil, false, err
	}
	newFile, err := Parse(ctx, newSrc)
	if err != nil {
		return nil, false, err
	}
	changes, ok = DiffFiles(oldFile, newFile)
	return changes, ok, nil
}

// DiffFiles is Diff over already parsed files.
func DiffFiles(oldFile, newFile *File) ([]Change, bool) {
	d := &differ{old: oldFile, new: newFile}
	if !d.walk(oldFile.root, newFile.root) {
		return nil, false
	}

	changes := make([]Change, 0)
	for _, pair := range d.pairs {
		if pair.Old.Macro != pair.New.Macro || pair.Old.Function != pair.New.Function {
			return nil, false
		}
		if !TokensEqual(pair.Old.Tokens, pair.New.Tokens) {
			changes = append(changes, pair)
		}
	}
	return changes, true
}

type differ struct {
	old, new *File
	pairs    []Change
}

func (d *differ) walk(a, b *sitter.Node) bool {
	if a.Type() != b.Type() {
		return false
	}

	oldLit, oldIsLit := d.old.literalAt(a)
	newLit, newIsLit := d.new.literalAt(b)
	if oldIsLit != newIsLit {
		return false
	}
	if oldIsLit {
		d.pairs = append(d.pairs, Change{Old: oldLit, New: newLit})
		return true
	}

	if literalTypes[a.Type()] {
		return a.Content(d.old.src) == b.Content(d.new.src)
	}
	if a.ChildCount() == 0 || b.ChildCount() == 0 {
		return a.ChildCount() == b.ChildCount() && a.Content(d.old.src) == b.Content(d.new.src)
	}

	// Text not covered by any child, such as the body of a string literal.
	if gapText(a, d.old.src) != gapText(b, d.new.src) {
		return false
	}

	ac, bc := codeChildren(a), codeChildren(b)
	if len(ac) != len(bc) {
		return false
	}
	for i := range ac {
		if !d.walk(ac[i], bc[i]) {
			return false
		}
	}
	return true
}

func isComment(n *sitter.Node) bool {
	return n.Type() == "line_comment" || n.Type() == "block_comment"
}

func codeChildren(n *sitter.Node) []*sitter.Node {
	out := make([]*sitter.Node, 0, n.ChildCount())
	for i := 0; i < int(n.ChildCount()); i++ {
		if child := n.Child(i); child != nil && !isComment(child) {
			out = append(out, child)
		}
	}
	return out
}

func gapText(n *sitter.Node, src []byte) string {
	var b strings.Builder
	pos := n.StartByte()
	for i := 0; i < int(n.ChildCount()); i++ {
		child := n.Child(i)
		if child == nil {
			continue
		}
		if child.StartByte() > pos {
			b.Write(src[pos:child.StartByte()])
		}
		if child.EndByte() > pos {
			pos = child.EndByte()
		}
	}
	if n.EndByte() > pos {
		b.Write(src[pos:n.EndByte()])
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, b.String())
}
