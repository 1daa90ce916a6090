// Package structural parses extracted code contexts into tree-sitter syntax
// trees and detects security-relevant structural patterns (validation,
// sanitization, framework guards, unsafe calls).
//
// Language support is modeled as a per-language capability (grammar plus the
// node-type vocabulary for calls, declarations and guards); the analyzer
// dispatches on the context's language tag. Adding a language means adding a
// capability entry, not a new analyzer.
package structural

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/xkilldash9x/veridict/api/schemas"
)

// capability is the per-language syntax vocabulary the matchers operate on.
type capability struct {
	tag     schemas.Language
	grammar *sitter.Language

	// Node types classified by role.
	callNodes   map[string]struct{}
	declNodes   map[string]struct{}
	guardNodes  map[string]struct{} // conditional constructs
	memberNodes map[string]struct{} // member/selector access
}

var capabilities = map[schemas.Language]*capability{
	schemas.LangGo: {
		tag:     schemas.LangGo,
		grammar: golang.GetLanguage(),
		callNodes: map[string]struct{}{
			"call_expression": {},
		},
		declNodes: map[string]struct{}{
			"function_declaration": {},
			"method_declaration":   {},
			"func_literal":         {},
		},
		guardNodes: map[string]struct{}{
			"if_statement": {},
		},
		memberNodes: map[string]struct{}{
			"selector_expression": {},
		},
	},
	schemas.LangJavaScript: {
		tag:     schemas.LangJavaScript,
		grammar: javascript.GetLanguage(),
		callNodes: map[string]struct{}{
			"call_expression": {},
			"new_expression":  {},
		},
		declNodes: map[string]struct{}{
			"function_declaration": {},
			"function":             {},
			"arrow_function":       {},
			"method_definition":    {},
			"generator_function":   {},
		},
		guardNodes: map[string]struct{}{
			"if_statement":       {},
			"ternary_expression": {},
		},
		memberNodes: map[string]struct{}{
			"member_expression": {},
		},
	},
	schemas.LangPython: {
		tag:     schemas.LangPython,
		grammar: python.GetLanguage(),
		callNodes: map[string]struct{}{
			"call": {},
		},
		declNodes: map[string]struct{}{
			"function_definition": {},
		},
		guardNodes: map[string]struct{}{
			"if_statement":           {},
			"conditional_expression": {},
		},
		memberNodes: map[string]struct{}{
			"attribute": {},
		},
	},
}

// Supported reports whether the language has a registered capability.
func Supported(lang schemas.Language) bool {
	_, ok := capabilities[lang]
	return ok
}

// DetectLanguage tags a file by extension.
func DetectLanguage(path string) schemas.Language {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return schemas.LangGo
	case ".js", ".mjs", ".cjs", ".jsx", ".ts", ".tsx":
		// The javascript grammar copes well enough with plain TS for the
		// call/declaration matching done here.
		return schemas.LangJavaScript
	case ".py":
		return schemas.LangPython
	default:
		return schemas.LangUnknown
	}
}

// parse runs the language grammar over the source. The returned tree must be
// Closed by the caller.
func (c *capability) parse(ctx context.Context, src []byte) (*sitter.Tree, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(c.grammar)

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse failed: %w", err)
	}
	return tree, nil
}

// FunctionSpan parses the full file and returns the line range of the
// innermost function declaration enclosing the given 1-based line, or nil if
// none encloses it. Used by the context extractor to widen windows to
// function boundaries.
func FunctionSpan(ctx context.Context, lang schemas.Language, src []byte, line int) (*schemas.LineRange, error) {
	cap, ok := capabilities[lang]
	if !ok {
		return nil, fmt.Errorf("unsupported language %q", lang)
	}

	tree, err := cap.parse(ctx, src)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	var best *schemas.LineRange
	walk(tree.RootNode(), func(node *sitter.Node) bool {
		if _, isDecl := cap.declNodes[node.Type()]; !isDecl {
			return true
		}
		span := nodeRange(node)
		if !span.Contains(line) {
			// Siblings cannot enclose the line either once we are past it,
			// but recursion is cheap; keep walking for nested declarations.
			return true
		}
		// Innermost wins: nested declarations are visited after their parent.
		r := span
		best = &r
		return true
	})
	return best, nil
}

// Declarations parses a whole file and returns the line ranges of its
// top-level and nested function declarations, in source order. These are the
// fragments the similarity index stores.
func Declarations(ctx context.Context, lang schemas.Language, src []byte) ([]schemas.LineRange, error) {
	cap, ok := capabilities[lang]
	if !ok {
		return nil, fmt.Errorf("unsupported language %q", lang)
	}

	tree, err := cap.parse(ctx, src)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	var out []schemas.LineRange
	walk(tree.RootNode(), func(node *sitter.Node) bool {
		if _, isDecl := cap.declNodes[node.Type()]; isDecl {
			out = append(out, nodeRange(node))
			// Fragments do not nest: the enclosing declaration is the unit.
			return false
		}
		return true
	})
	return out, nil
}

// nodeRange converts tree-sitter's 0-based rows to a 1-based line range.
func nodeRange(node *sitter.Node) schemas.LineRange {
	return schemas.LineRange{
		Start: int(node.StartPoint().Row) + 1,
		End:   int(node.EndPoint().Row) + 1,
	}
}

// walk performs a depth-first traversal. The visit callback returns false to
// prune the subtree.
func walk(node *sitter.Node, visit func(*sitter.Node) bool) {
	if node == nil || node.IsNull() {
		return
	}
	if !visit(node) {
		return
	}

	cursor := sitter.NewTreeCursor(node)
	defer cursor.Close()

	if ok := cursor.GoToFirstChild(); ok {
		for {
			walk(cursor.CurrentNode(), visit)
			if ok := cursor.GoToNextSibling(); !ok {
				break
			}
		}
	}
}
