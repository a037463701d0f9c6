//go:build cgo

package configwalk

import (
	"context"
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/seanhalberthal/squatscan/internal/types"
)

// parseScript parses a JavaScript or TypeScript configuration module and
// returns its outermost object literals, wherever they appear: the
// module.exports value, the argument of defineConfig, a returned object.
func parseScript(ctx context.Context, text string, ts bool) ([]*value, bool, error) {
	lang := javascript.GetLanguage()
	if ts {
		lang = typescript.GetLanguage()
	}

	parser := sitter.NewParser()
	parser.SetLanguage(lang)

	src := []byte(text)
	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, false, fmt.Errorf("parse error: %w", err)
	}
	root := tree.RootNode()

	s := &script{src: src}
	var roots []*value
	s.collect(root, &roots)
	return roots, root.HasError(), nil
}

type script struct {
	src []byte
}

func (s *script) collect(n *sitter.Node, out *[]*value) {
	if n.Type() == "object" {
		*out = append(*out, s.value(n))
		return
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		s.collect(n.NamedChild(i), out)
	}
}

func (s *script) value(n *sitter.Node) *value {
	if n == nil {
		return nil
	}
	switch n.Type() {
	case "string":
		return s.literal(n)
	case "template_string":
		if hasSubstitution(n) {
			return &value{kind: kindOther}
		}
		return s.literal(n)
	case "object":
		return s.object(n)
	case "array":
		v := &value{kind: kindArray}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			c := n.NamedChild(i)
			if c.Type() == "comment" {
				continue
			}
			v.items = append(v.items, s.value(c))
		}
		return v
	case "call_expression":
		return s.call(n)
	case "parenthesized_expression", "as_expression", "satisfies_expression", "non_null_expression":
		return s.value(firstNamed(n))
	}
	return &value{kind: kindOther}
}

func (s *script) object(n *sitter.Node) *value {
	v := &value{kind: kindObject}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		pair := n.NamedChild(i)
		if pair.Type() != "pair" {
			continue
		}
		key := pair.ChildByFieldName("key")
		if key == nil {
			continue
		}

		e := entry{val: s.value(pair.ChildByFieldName("value"))}
		switch key.Type() {
		case "property_identifier", "identifier", "number":
			e.key = key.Content(s.src)
			e.keySpan = nodeSpan(key)
		case "string":
			lit := s.literal(key)
			e.key, e.keySpan = lit.text, lit.span
		default:
			continue
		}
		v.entries = append(v.entries, e)
	}
	return v
}

// call keeps only a literal argument: require('x'), require.resolve('x'),
// and through the wrapped call, require('x')(options).
func (s *script) call(n *sitter.Node) *value {
	v := &value{kind: kindCall}
	if args := n.ChildByFieldName("arguments"); args != nil {
		if first := firstNamed(args); first != nil {
			if lit := s.value(first); lit != nil && lit.kind == kindString {
				v.arg = lit
			}
		}
	}
	if v.arg == nil {
		if fn := n.ChildByFieldName("function"); fn != nil && fn.Type() == "call_expression" {
			v.arg = s.call(fn).arg
		}
	}
	return v
}

// literal returns the content of a quoted node without its delimiters.
func (s *script) literal(n *sitter.Node) *value {
	start, end := int(n.StartByte()), int(n.EndByte())
	if end-start >= 2 {
		start++
		end--
	}
	return &value{
		kind: kindString,
		text: string(s.src[start:end]),
		span: types.Span{Start: start, End: end, Line: int(n.StartPoint().Row) + 1},
	}
}

func nodeSpan(n *sitter.Node) types.Span {
	return types.Span{Start: int(n.StartByte()), End: int(n.EndByte()), Line: int(n.StartPoint().Row) + 1}
}

func firstNamed(n *sitter.Node) *sitter.Node {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if c := n.NamedChild(i); c.Type() != "comment" {
			return c
		}
	}
	return nil
}

func hasSubstitution(n *sitter.Node) bool {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if n.NamedChild(i).Type() == "template_substitution" {
			return true
		}
	}
	return false
}
