// Package hotreload turns editor edits into template patches for a running
// program, or into a request for a full rebuild when an edit cannot be
// applied in place.
package hotreload

import (
	"context"

	"github.com/conneroisu/playground/internal/rsx"
)

// Cache remembers the template value last sent for each key so that
// redundant patches are suppressed. Entries are only added or replaced;
// Reset is the only eviction.
type Cache struct {
	file    string
	entries map[rsx.TemplateKey]rsx.Node
}

// NewCache creates an empty cache for templates in file.
func NewCache(file string) *Cache {
	return &Cache{file: file, entries: make(map[rsx.TemplateKey]rsx.Node)}
}

// Reset clears the cache and seeds it with the templates of source, which is
// what a freshly built program renders. A source that does not parse leaves
// the cache empty and returns the parse error.
func (c *Cache) Reset(ctx context.Context, source string) error {
	c.entries = make(map[rsx.TemplateKey]rsx.Node)

	f, err := rsx.Parse(ctx, source)
	if err != nil {
		return err
	}
	for _, lit := range f.Literals() {
		templates, err := rsx.Compile(c.file, lit)
		if err != nil {
			// The literal is compiled by the toolchain, not by us; it can
			// only be patched once a later edit makes it parse.
			continue
		}
		for _, t := range templates {
			c.entries[t.Key] = t.Value
		}
	}
	return nil
}

// ObserveOrSuppress records value for key and reports whether it differs
// from the cached entry. An identical value returns false.
func (c *Cache) ObserveOrSuppress(key rsx.TemplateKey, value rsx.Node) bool {
	if prev, ok := c.entries[key]; ok && prev.Equal(value) {
		return false
	}
	c.entries[key] = value
	return true
}

// Len returns the number of cached templates.
func (c *Cache) Len() int {
	return len(c.entries)
}
