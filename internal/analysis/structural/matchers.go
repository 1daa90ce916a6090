package structural

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/xkilldash9x/veridict/api/schemas"
	"github.com/xkilldash9x/veridict/internal/config"
)

// matchContext is the state shared by all matchers over one parsed fragment.
type matchContext struct {
	cap      *capability
	src      []byte
	patterns config.LanguagePatterns

	// lineOffset converts fragment-relative rows to absolute file lines:
	// absolute = fragment 1-based line + lineOffset.
	lineOffset  int
	findingLine int

	// tainted holds the identifiers appearing on the finding line, the
	// stand-in for the tainted value the upstream scanner flagged.
	tainted map[string]struct{}

	out *schemas.PatternSet
}

// absRange converts a node's span to absolute file lines.
func (m *matchContext) absRange(node *sitter.Node) schemas.LineRange {
	r := nodeRange(node)
	return schemas.LineRange{Start: r.Start + m.lineOffset, End: r.End + m.lineOffset}
}

// collectTainted gathers identifier texts on the finding line.
func (m *matchContext) collectTainted(root *sitter.Node) {
	m.tainted = make(map[string]struct{})
	walk(root, func(node *sitter.Node) bool {
		if !strings.Contains(node.Type(), "identifier") {
			return true
		}
		if m.absRange(node).Contains(m.findingLine) {
			m.tainted[node.Content(m.src)] = struct{}{}
		}
		return true
	})
}

// containsTainted reports whether any tainted identifier occurs in the
// subtree.
func (m *matchContext) containsTainted(node *sitter.Node) bool {
	if node == nil || len(m.tainted) == 0 {
		return false
	}
	found := false
	walk(node, func(n *sitter.Node) bool {
		if found {
			return false
		}
		if strings.Contains(n.Type(), "identifier") {
			if _, ok := m.tainted[n.Content(m.src)]; ok {
				found = true
				return false
			}
		}
		return true
	})
	return found
}

// calleeName extracts the dotted callee of a call node, e.g. "exec.Command"
// or "subprocess.run". Whitespace inside the selector chain is stripped.
func (m *matchContext) calleeName(node *sitter.Node) string {
	fn := node.ChildByFieldName("function")
	if fn == nil {
		// new_expression uses the "constructor" field.
		fn = node.ChildByFieldName("constructor")
	}
	if fn == nil {
		return ""
	}
	name := fn.Content(m.src)
	name = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, name)
	return name
}

// nameMatches checks a callee or member name against a configured list.
// Dotted entries match the full selector or its suffix; bare entries match
// the final segment.
func nameMatches(name string, entries []string) (string, bool) {
	if name == "" {
		return "", false
	}
	segs := strings.Split(name, ".")
	last := segs[len(segs)-1]

	for _, entry := range entries {
		if strings.Contains(entry, ".") {
			if name == entry || strings.HasSuffix(name, "."+entry) {
				return entry, true
			}
			continue
		}
		if last == entry {
			return entry, true
		}
	}
	return "", false
}

// matchCalls applies the sanitizer, framework-guard and unsafe-call lists to
// every call node in the fragment.
func (m *matchContext) matchCalls(root *sitter.Node) {
	walk(root, func(node *sitter.Node) bool {
		if _, isCall := m.cap.callNodes[node.Type()]; !isCall {
			return true
		}
		name := m.calleeName(node)
		if name == "" {
			return true
		}

		if rule, ok := nameMatches(name, m.patterns.Sanitizers); ok {
			m.out.Add(schemas.ASTPattern{
				Tag:   schemas.PatternSanitizer,
				Range: m.absRange(node),
				Rule:  string(m.cap.tag) + "/sanitizer/" + rule,
			})
		}
		if rule, ok := nameMatches(name, m.patterns.FrameworkGuards); ok {
			m.out.Add(schemas.ASTPattern{
				Tag:   schemas.PatternFrameworkGuard,
				Range: m.absRange(node),
				Rule:  string(m.cap.tag) + "/framework-guard/" + rule,
			})
		}
		if rule, ok := nameMatches(name, m.patterns.UnsafeCalls); ok {
			// An unsafe primitive only counts when the tainted value flows
			// into it: the call sits on the finding line or takes one of the
			// finding-line identifiers as an argument.
			args := node.ChildByFieldName("arguments")
			if m.absRange(node).Contains(m.findingLine) || m.containsTainted(args) {
				m.out.Add(schemas.ASTPattern{
					Tag:   schemas.PatternUnsafeCall,
					Range: m.absRange(node),
					Rule:  string(m.cap.tag) + "/unsafe-call/" + rule,
				})
			}
		}
		return true
	})
}

// matchMembers applies the guard and unsafe lists to bare member accesses,
// covering sink properties like innerHTML that are not call expressions.
func (m *matchContext) matchMembers(root *sitter.Node) {
	walk(root, func(node *sitter.Node) bool {
		if _, isMember := m.cap.memberNodes[node.Type()]; !isMember {
			return true
		}
		name := strings.TrimSpace(node.Content(m.src))
		if strings.ContainsAny(name, "(\n") {
			return true
		}

		if rule, ok := nameMatches(name, m.patterns.FrameworkGuards); ok {
			m.out.Add(schemas.ASTPattern{
				Tag:   schemas.PatternFrameworkGuard,
				Range: m.absRange(node),
				Rule:  string(m.cap.tag) + "/framework-guard/" + rule,
			})
		}
		if rule, ok := nameMatches(name, m.patterns.UnsafeCalls); ok {
			if m.absRange(node).Contains(m.findingLine) {
				m.out.Add(schemas.ASTPattern{
					Tag:   schemas.PatternUnsafeCall,
					Range: m.absRange(node),
					Rule:  string(m.cap.tag) + "/unsafe-call/" + rule,
				})
			}
		}
		return true
	})
}

// matchValidation finds conditional constructs that guard the tainted value
// before its use on the finding line: the condition references a tainted
// identifier and the guard begins at or before the finding line.
func (m *matchContext) matchValidation(root *sitter.Node) {
	walk(root, func(node *sitter.Node) bool {
		if _, isGuard := m.cap.guardNodes[node.Type()]; !isGuard {
			return true
		}
		span := m.absRange(node)
		if span.Start > m.findingLine {
			return true
		}
		cond := node.ChildByFieldName("condition")
		if cond == nil {
			return true
		}
		if m.containsTainted(cond) {
			m.out.Add(schemas.ASTPattern{
				Tag:   schemas.PatternValidation,
				Range: span,
				Rule:  string(m.cap.tag) + "/validation/" + node.Type(),
			})
		}
		return true
	})
}
