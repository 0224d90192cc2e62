package build

import (
	"bytes"
	"os"
	"path/filepath"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/conneroisu/playground/internal/errors"
)

// BridgeScriptPath is where the server serves the hot-reload bridge.
const BridgeScriptPath = "/hotreload.js"

// injectBridge adds the hot-reload bridge script to dir/index.html. A
// missing index.html is left alone.
func injectBridge(dir, id string) error {
	path := filepath.Join(dir, "index.html")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.WrapIO(err, "read index.html")
	}

	out, err := InjectBridge(data, id)
	if err != nil {
		return errors.WrapIO(err, "rewrite index.html")
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return errors.WrapIO(err, "write index.html")
	}
	return nil
}

// InjectBridge returns doc with a bridge script element appended to its head.
// Documents that already reference the bridge are returned unchanged.
func InjectBridge(doc []byte, id string) ([]byte, error) {
	root, err := html.Parse(bytes.NewReader(doc))
	if err != nil {
		return nil, err
	}

	var head *html.Node
	found := false
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Head:
				if head == nil {
					head = n
				}
			case atom.Script:
				for _, a := range n.Attr {
					if a.Key == "src" && a.Val == BridgeScriptPath {
						found = true
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	if found {
		return doc, nil
	}
	if head == nil {
		// html.Parse always synthesizes a head element.
		return doc, nil
	}

	head.AppendChild(&html.Node{
		Type:     html.ElementNode,
		Data:     "script",
		DataAtom: atom.Script,
		Attr: []html.Attribute{
			{Key: "src", Val: BridgeScriptPath},
			{Key: "data-build-id", Val: id},
			{Key: "defer"},
		},
	})

	var buf bytes.Buffer
	if err := html.Render(&buf, root); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
