// Package lexer splits JavaScript-family source text into code, string-literal
// and comment tokens without building a syntax tree.
package lexer

import (
	"strings"
)

// Kind is the fine-grained token kind.
type Kind uint8

const (
	Ident Kind = iota
	Punct
	Number
	Regex
	String
	Comment
)

// Class is the coarse span tag: code, string literal or comment.
type Class uint8

const (
	ClassCode Class = iota
	ClassString
	ClassComment
)

func (c Class) String() string {
	switch c {
	case ClassString:
		return "string-literal"
	case ClassComment:
		return "comment"
	default:
		return "code"
	}
}

// Token is one lexical unit. Start and End are byte offsets into the source;
// for strings ValStart and ValEnd delimit the content between the quotes.
type Token struct {
	Kind     Kind
	Text     string
	Start    int
	End      int
	Line     int
	Quote    byte
	ValStart int
	ValEnd   int
	// Interpolated marks chunks of a template literal that has substitutions.
	Interpolated bool
}

// Class returns the span tag of the token.
func (t Token) Class() Class {
	switch t.Kind {
	case String:
		return ClassString
	case Comment:
		return ClassComment
	default:
		return ClassCode
	}
}

// Is reports whether t is a code token with exactly the given text.
func (t Token) Is(text string) bool {
	return (t.Kind == Punct || t.Kind == Ident) && t.Text == text
}

// IsLiteral reports whether t is a complete string literal with no
// substitutions.
func (t Token) IsLiteral() bool {
	return t.Kind == String && !t.Interpolated
}

// Value returns the unescaped content of a string token, or the raw text for
// any other kind.
func (t Token) Value(src string) string {
	if t.Kind != String {
		return t.Text
	}
	return unescape(src[t.ValStart:t.ValEnd])
}

// Result is the output of Scan.
type Result struct {
	Tokens []Token
	// Partial is set when an unterminated string, template or comment had to
	// be closed by recovery.
	Partial bool
}

// Code returns the tokens detectors operate on: code and string literals,
// comments removed.
func (r Result) Code() []Token {
	out := make([]Token, 0, len(r.Tokens))
	for _, t := range r.Tokens {
		if t.Kind != Comment {
			out = append(out, t)
		}
	}
	return out
}

// Text returns string-literal and comment tokens.
func (r Result) Text() []Token {
	var out []Token
	for _, t := range r.Tokens {
		if t.Kind == String || t.Kind == Comment {
			out = append(out, t)
		}
	}
	return out
}

// Comments returns comment tokens only.
func (r Result) Comments() []Token {
	var out []Token
	for _, t := range r.Tokens {
		if t.Kind == Comment {
			out = append(out, t)
		}
	}
	return out
}

var regexKeywords = map[string]bool{
	"return": true, "typeof": true, "instanceof": true, "in": true, "of": true,
	"new": true, "delete": true, "void": true, "throw": true, "case": true,
	"do": true, "else": true, "yield": true, "await": true,
}

type lexer struct {
	src     string
	pos     int
	line    int
	toks    []Token
	partial bool
	// subst holds the brace depth of each open template substitution.
	subst []int
}

// Scan tokenises src. It never fails: malformed constructs are closed at the
// point recovery is possible and the result is flagged Partial.
func Scan(src string) Result {
	l := &lexer{src: src, line: 1}
	l.run()
	return Result{Tokens: l.toks, Partial: l.partial}
}

func (l *lexer) run() {
	if strings.HasPrefix(l.src, "#!") {
		end := strings.IndexByte(l.src, '\n')
		if end < 0 {
			end = len(l.src)
		}
		l.emit(Token{Kind: Comment, Start: 0, End: end, Line: 1})
		l.pos = end
	}

	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == '\n':
			l.line++
			l.pos++
		case c == ' ' || c == '\t' || c == '\r' || c == '\f' || c == '\v':
			l.pos++
		case c == '/' && l.peek(1) == '/':
			l.lineComment()
		case c == '/' && l.peek(1) == '*':
			l.blockComment()
		case c == '\'' || c == '"':
			l.quoted(c)
		case c == '`':
			l.template(l.pos, l.pos+1, false)
		case c == '{':
			if n := len(l.subst); n > 0 {
				l.subst[n-1]++
			}
			l.punct(1)
		case c == '}':
			if n := len(l.subst); n > 0 {
				if l.subst[n-1] == 0 {
					l.subst = l.subst[:n-1]
					l.template(l.pos, l.pos+1, true)
					continue
				}
				l.subst[n-1]--
			}
			l.punct(1)
		case isIdentStart(c):
			l.ident()
		case isDigit(c) || (c == '.' && isDigit(l.peek(1))):
			l.number()
		case c == '/':
			if l.regexAllowed() && l.regex() {
				continue
			}
			l.punct(1)
		case c == '=' && l.peek(1) == '>':
			l.punct(2)
		case c == '.' && l.peek(1) == '.' && l.peek(2) == '.':
			l.punct(3)
		default:
			l.punct(1)
		}
	}

	if len(l.subst) > 0 {
		l.partial = true
	}
}

func (l *lexer) peek(n int) byte {
	if l.pos+n < len(l.src) {
		return l.src[l.pos+n]
	}
	return 0
}

func (l *lexer) emit(t Token) {
	t.Text = l.src[t.Start:t.End]
	l.toks = append(l.toks, t)
}

func (l *lexer) punct(n int) {
	l.emit(Token{Kind: Punct, Start: l.pos, End: l.pos + n, Line: l.line})
	l.pos += n
}

func (l *lexer) lineComment() {
	start := l.pos
	end := strings.IndexByte(l.src[start:], '\n')
	if end < 0 {
		end = len(l.src)
	} else {
		end += start
	}
	l.emit(Token{Kind: Comment, Start: start, End: end, Line: l.line})
	l.pos = end
}

func (l *lexer) blockComment() {
	start, line := l.pos, l.line
	end := strings.Index(l.src[start+2:], "*/")
	if end < 0 {
		end = len(l.src)
		l.partial = true
	} else {
		end += start + 4
	}
	l.line += strings.Count(l.src[start:end], "\n")
	l.emit(Token{Kind: Comment, Start: start, End: end, Line: line})
	l.pos = end
}

// quoted lexes a single- or double-quoted string. An unescaped line break
// ends the literal, as it does in the language itself; the unit is flagged.
func (l *lexer) quoted(q byte) {
	start, line := l.pos, l.line
	i := start + 1
	for i < len(l.src) {
		c := l.src[i]
		if c == '\\' {
			if i+1 < len(l.src) && l.src[i+1] == '\n' {
				l.line++
			}
			i += 2
			continue
		}
		if c == q {
			l.emit(Token{Kind: String, Start: start, End: i + 1, Line: line, Quote: q, ValStart: start + 1, ValEnd: i})
			l.pos = i + 1
			return
		}
		if c == '\n' {
			break
		}
		i++
	}
	if i > len(l.src) {
		i = len(l.src)
	}
	l.partial = true
	l.emit(Token{Kind: String, Start: start, End: i, Line: line, Quote: q, ValStart: start + 1, ValEnd: i})
	l.pos = i
}

// template lexes one literal chunk of a template string. start is where the
// chunk's opening delimiter (` or }) sits, from is the first content byte.
func (l *lexer) template(start, from int, resumed bool) {
	line := l.line
	i := from
	for i < len(l.src) {
		c := l.src[i]
		switch {
		case c == '\\':
			if i+1 < len(l.src) && l.src[i+1] == '\n' {
				l.line++
			}
			i += 2
			continue
		case c == '\n':
			l.line++
		case c == '`':
			l.emit(Token{Kind: String, Start: start, End: i + 1, Line: line, Quote: '`',
				ValStart: from, ValEnd: i, Interpolated: resumed})
			l.pos = i + 1
			return
		case c == '$' && i+1 < len(l.src) && l.src[i+1] == '{':
			l.emit(Token{Kind: String, Start: start, End: i + 2, Line: line, Quote: '`',
				ValStart: from, ValEnd: i, Interpolated: true})
			l.subst = append(l.subst, 0)
			l.pos = i + 2
			return
		}
		i++
	}
	if i > len(l.src) {
		i = len(l.src)
	}
	l.partial = true
	l.emit(Token{Kind: String, Start: start, End: i, Line: line, Quote: '`',
		ValStart: from, ValEnd: i, Interpolated: resumed})
	l.pos = i
}

func (l *lexer) ident() {
	start := l.pos
	for l.pos < len(l.src) && isIdentPart(l.src[l.pos]) {
		l.pos++
	}
	l.toks = append(l.toks, Token{Kind: Ident, Text: l.src[start:l.pos], Start: start, End: l.pos, Line: l.line})
}

func (l *lexer) number() {
	start := l.pos
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if isIdentPart(c) || c == '.' {
			l.pos++
			continue
		}
		if (c == '+' || c == '-') && (l.src[l.pos-1] == 'e' || l.src[l.pos-1] == 'E') {
			l.pos++
			continue
		}
		break
	}
	l.toks = append(l.toks, Token{Kind: Number, Text: l.src[start:l.pos], Start: start, End: l.pos, Line: l.line})
}

// regexAllowed decides whether a slash starts a regular expression literal by
// looking at the previous code token.
func (l *lexer) regexAllowed() bool {
	for i := len(l.toks) - 1; i >= 0; i-- {
		t := l.toks[i]
		switch t.Kind {
		case Comment:
			continue
		case Punct:
			return t.Text != ")" && t.Text != "]" && t.Text != "}"
		case Ident:
			return regexKeywords[t.Text]
		default:
			return false
		}
	}
	return true
}

// regex lexes a regular expression literal. It reports false, consuming
// nothing, when no closing slash exists on the same line.
func (l *lexer) regex() bool {
	i := l.pos + 1
	inClass := false
	for i < len(l.src) {
		c := l.src[i]
		switch {
		case c == '\\':
			i += 2
			continue
		case c == '\n':
			return false
		case c == '[':
			inClass = true
		case c == ']':
			inClass = false
		case c == '/' && !inClass:
			i++
			for i < len(l.src) && isIdentPart(l.src[i]) {
				i++
			}
			l.emit(Token{Kind: Regex, Start: l.pos, End: i, Line: l.line})
			l.pos = i
			return true
		}
		i++
	}
	return false
}

func isIdentStart(c byte) bool {
	return c == '$' || c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func unescape(s string) string {
	if strings.IndexByte(s, '\\') < 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
			switch s[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case '\n':
			default:
				b.WriteByte(s[i])
			}
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// ScriptView blanks everything outside <script> elements with spaces, keeping
// byte offsets and line breaks, so markup files can be lexed as code.
func ScriptView(markup string) string {
	lower := asciiLower(markup)
	b := []byte(markup)
	keepFrom := -1
	pos := 0
	blank := func(from, to int) {
		for i := from; i < to; i++ {
			if b[i] != '\n' {
				b[i] = ' '
			}
		}
	}
	for {
		open := strings.Index(lower[pos:], "<script")
		if open < 0 {
			blank(pos, len(b))
			break
		}
		open += pos
		tagEnd := strings.IndexByte(lower[open:], '>')
		if tagEnd < 0 {
			blank(pos, len(b))
			break
		}
		tagEnd += open + 1
		blank(pos, tagEnd)
		keepFrom = tagEnd
		closeIdx := strings.Index(lower[keepFrom:], "</script")
		if closeIdx < 0 {
			break
		}
		pos = keepFrom + closeIdx
	}
	return string(b)
}

// asciiLower folds A-Z only, so the result has the same length as s even
// when s is not valid UTF-8.
func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}

// FenceView blanks everything outside fenced code blocks (``` or ~~~) of a
// markdown document, keeping byte offsets and line breaks. Fence lines are
// blanked too. An unclosed fence runs to the end of the document.
func FenceView(doc string) string {
	b := []byte(doc)
	fence := ""
	for start := 0; start < len(b); {
		end := strings.IndexByte(doc[start:], '\n')
		if end < 0 {
			end = len(b)
		} else {
			end += start
		}
		line := strings.TrimLeft(doc[start:end], " ")
		marker := ""
		if strings.HasPrefix(line, "```") || strings.HasPrefix(line, "~~~") {
			marker = line[:3]
		}

		keep := false
		switch {
		case fence == "" && marker != "":
			fence = marker
		case fence != "" && marker == fence:
			fence = ""
		case fence != "":
			keep = true
		}
		if !keep {
			for i := start; i < end; i++ {
				if b[i] != '\r' {
					b[i] = ' '
				}
			}
		}
		start = end + 1
	}
	return string(b)
}
