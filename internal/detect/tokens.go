package detect

import (
	"regexp"
	"strings"

	"github.com/seanhalberthal/squatscan/internal/lexer"
)

// span is a half-open token index range.
type span struct {
	from, to int
}

func (s span) len() int { return s.to - s.from }

func at(toks []lexer.Token, i int) lexer.Token {
	if i < 0 || i >= len(toks) {
		return lexer.Token{Kind: lexer.Punct}
	}
	return toks[i]
}

func is(toks []lexer.Token, i int, text string) bool {
	return i >= 0 && i < len(toks) && toks[i].Is(text)
}

func literalAt(toks []lexer.Token, i int) bool {
	return i >= 0 && i < len(toks) && toks[i].IsLiteral()
}

// isMember reports whether toks[i] is accessed as a property (a.b or a?.b).
func isMember(toks []lexer.Token, i int) bool {
	return is(toks, i-1, ".")
}

// matchClose returns the index of the bracket closing toks[open], or -1.
func matchClose(toks []lexer.Token, open int) int {
	depth := 0
	for i := open; i < len(toks); i++ {
		t := toks[i]
		if t.Kind != lexer.Punct {
			continue
		}
		switch t.Text {
		case "(", "[", "{":
			depth++
		case ")", "]", "}":
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// splitArgs splits the tokens between toks[open] and toks[close] on
// top-level commas.
func splitArgs(toks []lexer.Token, open, close int) []span {
	var out []span
	if close <= open+1 {
		return out
	}
	depth := 0
	from := open + 1
	for i := open + 1; i < close; i++ {
		t := toks[i]
		if t.Kind != lexer.Punct {
			continue
		}
		switch t.Text {
		case "(", "[", "{":
			depth++
		case ")", "]", "}":
			depth--
		case ",":
			if depth == 0 {
				out = append(out, span{from, i})
				from = i + 1
			}
		}
	}
	if from < close {
		out = append(out, span{from, close})
	}
	return out
}

// singleLiteral reports whether the range holds exactly one string literal.
func singleLiteral(toks []lexer.Token, s span) bool {
	return s.len() == 1 && toks[s.from].IsLiteral()
}

// functionShaped reports whether the range looks like a callback argument:
// a function expression, an arrow function or a reference to one.
func functionShaped(toks []lexer.Token, s span) bool {
	if s.len() == 0 {
		return false
	}
	first := toks[s.from]
	if first.Is("function") || first.Is("async") {
		return true
	}
	if s.len() == 1 && first.Kind == lexer.Ident {
		return true
	}
	if first.Is("(") {
		close := matchClose(toks, s.from)
		return close > 0 && close+1 < s.to && toks[close+1].Is("=>")
	}
	return first.Kind == lexer.Ident && s.len() > 1 && toks[s.from+1].Is("=>")
}

// objectEntries returns the key token index of every top-level entry of the
// object literal opened at toks[open], paired with the value range.
func objectEntries(toks []lexer.Token, open int) (keys []int, values []span) {
	close := matchClose(toks, open)
	if close < 0 {
		return nil, nil
	}
	for _, entry := range splitArgs(toks, open, close) {
		if entry.len() < 3 {
			continue
		}
		k := toks[entry.from]
		if !(k.IsLiteral() || k.Kind == lexer.Ident) || !toks[entry.from+1].Is(":") {
			continue
		}
		keys = append(keys, entry.from)
		values = append(values, span{entry.from + 2, entry.to})
	}
	return keys, values
}

var (
	// packageShape accepts bare specifiers as they appear in loader calls:
	// optional scope, lower-case name, optional subpath.
	packageShape = regexp.MustCompile(`^(?:@[a-z0-9][a-z0-9._~-]*/)?[a-z0-9][a-z0-9._~-]*(?:/[A-Za-z0-9._~@-]+)*$`)

	commonWords = map[string]bool{
		"name": true, "version": true, "main": true, "test": true, "start": true,
		"build": true, "dev": true, "prod": true, "src": true, "dist": true,
		"lib": true, "bin": true, "scripts": true, "config": true, "index": true,
		"true": true, "false": true, "null": true, "undefined": true, "latest": true,
		"object": true, "function": true, "string": true, "default": true,
		"module": true, "exports": true, "install": true, "add": true,
	}
)

// looksLikePackage filters loose mentions: package-shaped, and for unscoped
// names, containing a letter and not a common word.
func looksLikePackage(s string) bool {
	if !packageShape.MatchString(s) {
		return false
	}
	if strings.HasPrefix(s, "@") {
		return true
	}
	base := s
	if i := strings.IndexByte(base, '/'); i >= 0 {
		base = base[:i]
	}
	if len(base) < 2 || commonWords[base] {
		return false
	}
	return strings.IndexFunc(base, func(r rune) bool { return r >= 'a' && r <= 'z' }) >= 0
}
