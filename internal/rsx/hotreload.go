package rsx

import (
	"fmt"

	"github.com/conneroisu/playground/internal/errors"
)

// TemplateKey identifies one root of a template literal in a running program.
type TemplateKey struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
	Index  int    `json:"index"`
}

func (k TemplateKey) String() string {
	return fmt.Sprintf("%s:%d:%d:%d", k.File, k.Line, k.Column, k.Index)
}

// Template is a replacement value for the template root at Key.
type Template struct {
	Key   TemplateKey `json:"key"`
	Value Node        `json:"value"`
}

// ErrNotHotReloadable is matched by errors.Is when a literal change needs a
// full rebuild.
var ErrNotHotReloadable = errors.NewValidationError(errors.ErrCodeNotHotReloadable, "template change needs a rebuild")

// HotReload computes replacement templates for a changed literal. Keys use
// the position of the old literal, which is where the running program
// registered it. Dynamic parts of the new literal are bound to the slot of
// an equal expression in the old literal; a new expression, a changed root
// count or markup that does not parse makes the change not hot reloadable.
func HotReload(file string, change Change) ([]Template, error) {
	oldRoots, err := ParseMarkup(change.Old.Tokens)
	if err != nil {
		return nil, notReloadable("old literal", err)
	}
	newRoots, err := ParseMarkup(change.New.Tokens)
	if err != nil {
		return nil, notReloadable("new literal", err)
	}
	if len(oldRoots) != len(newRoots) {
		return nil, errors.NewValidationError(errors.ErrCodeNotHotReloadable, "root count changed").
			WithContext("old", len(oldRoots)).
			WithContext("new", len(newRoots))
	}

	pool := make(map[string][]int)
	next := 0
	visitDynamic(oldRoots, func(key string, slot **int) {
		pool[key] = append(pool[key], next)
		next++
	})

	missing := ""
	visitDynamic(newRoots, func(key string, slot **int) {
		ids := pool[key]
		if len(ids) == 0 {
			if missing == "" {
				missing = key
			}
			return
		}
		id := ids[0]
		pool[key] = ids[1:]
		*slot = &id
	})
	if missing != "" {
		return nil, errors.NewValidationError(errors.ErrCodeNotHotReloadable, "new dynamic expression").
			WithContext("expr", missing)
	}

	out := make([]Template, len(newRoots))
	for i, root := range newRoots {
		out[i] = Template{
			Key:   TemplateKey{File: file, Line: change.Old.Line, Column: change.Old.Column, Index: i},
			Value: root,
		}
	}
	return out, nil
}

// Compile returns the templates of a literal as the running program sees
// them, with every dynamic part bound to its own slot.
func Compile(file string, lit Literal) ([]Template, error) {
	return HotReload(file, Change{Old: lit, New: lit})
}

func notReloadable(what string, err error) error {
	return errors.Wrap(err, errors.ErrorTypeValidation, errors.ErrCodeNotHotReloadable, what+" is not valid markup")
}

// visitDynamic calls fn for each dynamic part in document order. The key
// distinguishes attribute expressions from node expressions.
func visitDynamic(nodes []Node, fn func(key string, slot **int)) {
	for i := range nodes {
		n := &nodes[i]
		for j := range n.Attrs {
			a := &n.Attrs[j]
			if a.Expr != "" {
				fn("attr:"+a.Expr, &a.Dynamic)
			}
		}
		if n.Kind == KindDynamic {
			fn("node:"+n.Expr, &n.Dynamic)
		}
		visitDynamic(n.Children, fn)
	}
}
