package configwalk

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/seanhalberthal/squatscan/internal/lexer"
	"github.com/seanhalberthal/squatscan/internal/types"
)

// maxAliasDepth bounds alias resolution in YAML documents.
const maxAliasDepth = 16

// stripComments blanks // and /* */ comments so JSONC documents such as
// tsconfig.json parse as plain JSON. Offsets and line breaks are kept.
func stripComments(text string) (string, bool) {
	res := lexer.Scan(text)
	comments := res.Comments()
	if len(comments) == 0 {
		return text, res.Partial
	}
	b := []byte(text)
	for _, t := range comments {
		for i := t.Start; i < t.End; i++ {
			if b[i] != '\n' && b[i] != '\r' {
				b[i] = ' '
			}
		}
	}
	return string(b), res.Partial
}

// parseDocument reads every JSON or YAML document in text.
func parseDocument(text string) ([]*value, error) {
	d := &document{src: text, lines: lineStarts(text)}

	dec := yaml.NewDecoder(strings.NewReader(text))
	var roots []*value
	for {
		var n yaml.Node
		err := dec.Decode(&n)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse document: %w", err)
		}
		if v := d.value(&n, 0); v != nil {
			roots = append(roots, v)
		}
	}
	return roots, nil
}

type document struct {
	src   string
	lines []int
}

func lineStarts(text string) []int {
	starts := []int{0}
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			starts = append(starts, i+1)
		}
	}
	return starts
}

func (d *document) value(n *yaml.Node, depth int) *value {
	if n == nil || depth > maxAliasDepth {
		return nil
	}
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return nil
		}
		return d.value(n.Content[0], depth)
	case yaml.AliasNode:
		return d.value(n.Alias, depth+1)
	case yaml.ScalarNode:
		if n.Tag != "!!str" {
			return &value{kind: kindOther}
		}
		return &value{kind: kindString, text: n.Value, span: d.span(n)}
	case yaml.SequenceNode:
		v := &value{kind: kindArray}
		for _, c := range n.Content {
			if item := d.value(c, depth); item != nil {
				v.items = append(v.items, item)
			}
		}
		return v
	case yaml.MappingNode:
		v := &value{kind: kindObject}
		for i := 0; i+1 < len(n.Content); i += 2 {
			k, val := n.Content[i], n.Content[i+1]
			if k.Kind != yaml.ScalarNode || k.Value == "<<" {
				continue
			}
			v.entries = append(v.entries, entry{
				key:     k.Value,
				keySpan: d.span(k),
				val:     d.value(val, depth),
			})
		}
		return v
	}
	return nil
}

// span locates the content of a scalar, excluding any quotes.
func (d *document) span(n *yaml.Node) types.Span {
	start := d.offset(n.Line, n.Column)
	end := start + len(n.Value)

	if start < len(d.src) {
		switch d.src[start] {
		case '"':
			start++
			end = closingQuote(d.src, start, '"')
		case '\'':
			start++
			end = closingQuote(d.src, start, '\'')
		}
	}
	if end > len(d.src) {
		end = len(d.src)
	}
	return types.Span{Start: start, End: end, Line: n.Line}
}

// offset converts a 1-based line and character column to a byte offset.
func (d *document) offset(line, col int) int {
	if line < 1 {
		return 0
	}
	if line > len(d.lines) {
		return len(d.src)
	}
	off := d.lines[line-1]
	for c := 1; c < col && off < len(d.src); c++ {
		_, size := utf8.DecodeRuneInString(d.src[off:])
		off += size
	}
	return off
}

func closingQuote(src string, from int, q byte) int {
	for i := from; i < len(src); i++ {
		switch src[i] {
		case '\\':
			if q == '"' {
				i++
			}
		case q:
			if q == '\'' && i+1 < len(src) && src[i+1] == '\'' {
				i++
				continue
			}
			return i
		case '\n':
			return i
		}
	}
	return len(src)
}
