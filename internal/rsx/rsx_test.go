package rsx

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/playground/internal/errors"
)

const baseline = `use dioxus::prelude::*;

fn main() {
    dioxus::launch(app);
}

fn app() -> Element {
    let name = "world";
    rsx! {
        <div class="greeting">"hi" {name}</div>
    }
}
`

func program(body string) string {
	return fmt.Sprintf("fn app() -> Element {\n    rsx! { %s }\n}\n", body)
}

func literal(t *testing.T, body string) Literal {
	t.Helper()
	f, err := Parse(context.Background(), program(body))
	require.NoError(t, err)
	lits := f.Literals()
	require.Len(t, lits, 1)
	return lits[0]
}

func TestLiterals(t *testing.T) {
	f, err := Parse(context.Background(), baseline)
	require.NoError(t, err)

	lits := f.Literals()
	require.Len(t, lits, 1)
	assert.Equal(t, "rsx", lits[0].Macro)
	assert.Equal(t, "app", lits[0].Function)
	assert.Equal(t, 9, lits[0].Line)
	assert.Equal(t, 5, lits[0].Column)
	assert.Contains(t, lits[0].Body(), `"hi"`)
}

func TestLiteralsQualifiedMacroPath(t *testing.T) {
	src := "fn app() -> Element {\n    dioxus::prelude::rsx! { <p/> }\n}\n"
	f, err := Parse(context.Background(), src)
	require.NoError(t, err)

	lits := f.Literals()
	require.Len(t, lits, 1)
	assert.Equal(t, "rsx", lits[0].Macro)
}

func TestParseFailure(t *testing.T) {
	_, err := Parse(context.Background(), "fn main( {")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrParseFailure))

	_, _, err = Diff(context.Background(), baseline, "fn main( {")
	assert.True(t, errors.Is(err, ErrParseFailure))
}

func TestDiff(t *testing.T) {
	tests := []struct {
		name    string
		edited  string
		ok      bool
		changes int
	}{
		{
			name:   "identical",
			edited: baseline,
			ok:     true,
		},
		{
			name:    "text inside literal",
			edited:  replace(baseline, `"hi"`, `"bye"`),
			ok:      true,
			changes: 1,
		},
		{
			name:   "whitespace and comments outside literals",
			edited: replace(baseline, "fn main() {", "// entry point\nfn main()   {"),
			ok:     true,
		},
		{
			name:   "function signature",
			edited: replace(baseline, "fn app() -> Element", "fn app(cx: Scope) -> Element"),
		},
		{
			name:   "string outside literal",
			edited: replace(baseline, `"world"`, `"there"`),
		},
		{
			name:   "string spacing outside literal",
			edited: replace(baseline, `"world"`, `"wor ld"`),
		},
		{
			name:   "extra literal",
			edited: baseline + "\nfn other() -> Element {\n    rsx! { <p/> }\n}\n",
		},
		{
			name:   "literal replaced by code",
			edited: replace(baseline, `rsx! {
        <div class="greeting">"hi" {name}</div>
    }`, `todo!()`),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changes, ok, err := Diff(context.Background(), baseline, tt.edited)
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
			assert.Len(t, changes, tt.changes)
		})
	}
}

func TestDiffReportsOldAndNewLiteral(t *testing.T) {
	edited := replace(baseline, `"hi"`, `"bye"`)
	changes, ok, err := Diff(context.Background(), baseline, edited)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, changes, 1)

	assert.Contains(t, changes[0].Old.Body(), `"hi"`)
	assert.Contains(t, changes[0].New.Body(), `"bye"`)
	assert.Equal(t, changes[0].Old.Line, changes[0].New.Line)
}

func TestParseMarkup(t *testing.T) {
	lit := literal(t, `<div class="a" id={x}>"hi" {name}<input data-id="1" disabled/></div>`)

	roots, err := ParseMarkup(lit.Tokens)
	require.NoError(t, err)
	require.Len(t, roots, 1)

	div := roots[0]
	assert.Equal(t, KindElement, div.Kind)
	assert.Equal(t, "div", div.Tag)
	require.Len(t, div.Attrs, 2)
	assert.Equal(t, Attribute{Name: "class", Value: "a"}, div.Attrs[0])
	assert.Equal(t, "id", div.Attrs[1].Name)
	assert.Equal(t, "x", div.Attrs[1].Expr)

	require.Len(t, div.Children, 3)
	assert.Equal(t, Node{Kind: KindText, Text: "hi"}, div.Children[0])
	assert.Equal(t, KindDynamic, div.Children[1].Kind)
	assert.Equal(t, "name", div.Children[1].Expr)

	input := div.Children[2]
	assert.Equal(t, "input", input.Tag)
	assert.Equal(t, []Attribute{{Name: "data-id", Value: "1"}, {Name: "disabled", Value: "true"}}, input.Attrs)
}

func TestParseMarkupFragment(t *testing.T) {
	roots, err := ParseMarkup(literal(t, `<>"a" <br/></>, <p/>`).Tokens)
	require.NoError(t, err)
	require.Len(t, roots, 2)
	assert.Equal(t, KindFragment, roots[0].Kind)
	assert.Len(t, roots[0].Children, 2)
	assert.Equal(t, "p", roots[1].Tag)
}

func TestParseMarkupErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"mismatched close", `<div>"x"</span>`},
		{"unclosed", `<div>"x"`},
		{"stray close", `"x"</div>`},
		{"bare identifier", `hello`},
		{"attribute without value", `<div class=></div>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMarkup(literal(t, tt.body).Tokens)
			var me *MarkupError
			assert.ErrorAs(t, err, &me)
		})
	}
}

func TestHotReload(t *testing.T) {
	old := literal(t, `<div class="a">"hi" {name}</div>`)

	t.Run("static text", func(t *testing.T) {
		templates, err := HotReload("src/main.rs", Change{Old: old, New: literal(t, `<div class="b">"bye" {name}</div>`)})
		require.NoError(t, err)
		require.Len(t, templates, 1)
		assert.Equal(t, TemplateKey{File: "src/main.rs", Line: old.Line, Column: old.Column, Index: 0}, templates[0].Key)

		div := templates[0].Value
		assert.Equal(t, "b", div.Attrs[0].Value)
		assert.Equal(t, "bye", div.Children[0].Text)
		require.NotNil(t, div.Children[1].Dynamic)
		assert.Equal(t, 0, *div.Children[1].Dynamic)
	})

	t.Run("reordered dynamic", func(t *testing.T) {
		templates, err := HotReload("src/main.rs", Change{Old: old, New: literal(t, `<div class="a"><span>{name}</span>"hi"</div>`)})
		require.NoError(t, err)
		assert.Equal(t, 0, *templates[0].Value.Children[0].Children[0].Dynamic)
	})

	rejected := map[string]string{
		"new expression":      `<div class="a">"hi" {other}</div>`,
		"duplicated slot":     `<div class="a">{name} {name}</div>`,
		"root count":          `<div class="a">"hi" {name}</div><p/>`,
		"expression moved":    `<div class={name}>"hi"</div>`,
		"new markup is wrong": `<div class="a">"hi" {name}</p>`,
	}
	for name, body := range rejected {
		t.Run(name, func(t *testing.T) {
			_, err := HotReload("src/main.rs", Change{Old: old, New: literal(t, body)})
			assert.True(t, errors.Is(err, ErrNotHotReloadable), "got %v", err)
		})
	}
}

func TestCompileBindsEachSlot(t *testing.T) {
	templates, err := Compile("src/main.rs", literal(t, `<div id={a}>{b} {a}</div>`))
	require.NoError(t, err)

	div := templates[0].Value
	assert.Equal(t, 0, *div.Attrs[0].Dynamic)
	assert.Equal(t, 1, *div.Children[0].Dynamic)
	assert.Equal(t, 2, *div.Children[1].Dynamic)
}

func TestNodeEqual(t *testing.T) {
	a := literal(t, `<div>"hi"</div>`)
	b := literal(t, `<div>
        "hi"
    </div>`)
	ra, err := Compile("f", a)
	require.NoError(t, err)
	rb, err := Compile("f", b)
	require.NoError(t, err)
	assert.True(t, ra[0].Value.Equal(rb[0].Value))

	c, err := Compile("f", literal(t, `<div>"ho"</div>`))
	require.NoError(t, err)
	assert.False(t, ra[0].Value.Equal(c[0].Value))
}

func TestUnquote(t *testing.T) {
	assert.Equal(t, `a"b`, unquote(`"a\"b"`))
	assert.Equal(t, `x"y`, unquote(`r#"x"y"#`))
	assert.Equal(t, `raw\n`, unquote(`r"raw\n"`))
	assert.Equal(t, "A", unquote(`"\u{41}"`))
	assert.Equal(t, "42", unquote("42"))
}

func TestIsPunct(t *testing.T) {
	assert.True(t, isPunct("</"))
	assert.True(t, isPunct("/>"))
	assert.False(t, isPunct("_"))
	assert.False(t, isPunct("div"))
	assert.False(t, isPunct(""))
}

func replace(s, old, new string) string {
	if !strings.Contains(s, old) {
		panic("fixture does not contain " + old)
	}
	return strings.Replace(s, old, new, 1)
}
