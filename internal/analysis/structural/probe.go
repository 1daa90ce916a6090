package structural

import (
	"context"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/xkilldash9x/veridict/api/schemas"
)

// HasSanitizerCall reports whether the source fragment contains a call to
// any of the configured sanitizer names. It is the lightweight check used
// when inspecting similar-code neighbors, where full pattern analysis would
// be wasted work.
func HasSanitizerCall(ctx context.Context, lang schemas.Language, src []byte, sanitizers []string) bool {
	if len(sanitizers) == 0 {
		return false
	}
	c, ok := capabilities[lang]
	if !ok {
		return false
	}
	tree, err := c.parse(ctx, src)
	if err != nil {
		return false
	}
	defer tree.Close()

	m := &matchContext{cap: c, src: src}
	found := false
	walk(tree.RootNode(), func(node *sitter.Node) bool {
		if found {
			return false
		}
		if _, isCall := c.callNodes[node.Type()]; !isCall {
			return true
		}
		if _, ok := nameMatches(m.calleeName(node), sanitizers); ok {
			found = true
			return false
		}
		return true
	})
	return found
}
