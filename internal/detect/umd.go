package detect

import (
	"github.com/seanhalberthal/squatscan/internal/lexer"
	"github.com/seanhalberthal/squatscan/internal/types"
)

var globalObjects = map[string]bool{
	"root":       true,
	"global":     true,
	"globalThis": true,
	"window":     true,
	"self":       true,
	"this":       true,
}

// UniversalWrapper matches the UMD wrapper: a block that tests define.amd and
// typeof exports (or module). Dependency names are taken from every branch
// that is present, whichever one would run.
type UniversalWrapper struct{}

func (UniversalWrapper) Kind() types.DetectorKind { return types.DetectorUMD }

func (UniversalWrapper) Roles() []types.UnitRole { return []types.UnitRole{types.UnitModule} }

func (d UniversalWrapper) Detect(u *Unit) []types.RawReference {
	toks := u.Code()
	var refs []types.RawReference
	done := make(map[span]bool)

	for i := range toks {
		if !toks[i].Is("define") || !is(toks, i+1, ".") || !at(toks, i+2).Is("amd") {
			continue
		}
		block := enclosingBlock(toks, i)
		if done[block] || !hasCommonJSTest(toks, block) {
			continue
		}
		done[block] = true
		refs = append(refs, d.branches(u, toks, block)...)
	}

	return refs
}

// enclosingBlock returns the token range of the innermost brace block around
// toks[i], or the whole stream when the wrapper sits at top level.
func enclosingBlock(toks []lexer.Token, i int) span {
	depth := 0
	for j := i - 1; j >= 0; j-- {
		switch {
		case toks[j].Is("}"):
			depth++
		case toks[j].Is("{"):
			if depth == 0 {
				if close := matchClose(toks, j); close > 0 {
					return span{j, close + 1}
				}
				return span{j, len(toks)}
			}
			depth--
		}
	}
	return span{0, len(toks)}
}

func hasCommonJSTest(toks []lexer.Token, s span) bool {
	for j := s.from; j < s.to-1; j++ {
		if toks[j].Is("typeof") && (toks[j+1].Is("exports") || toks[j+1].Is("module")) {
			return true
		}
	}
	return false
}

func (d UniversalWrapper) branches(u *Unit, toks []lexer.Token, s span) []types.RawReference {
	var refs []types.RawReference
	for j := s.from; j < s.to; j++ {
		t := toks[j]
		if t.Kind != lexer.Ident || isMember(toks, j) {
			continue
		}
		switch {
		case t.Text == "require" && is(toks, j+1, "(") && literalAt(toks, j+2):
			refs = append(refs, u.stringRef(toks[j+2], d.Kind(), types.RoleLoadBearing, "umd-commonjs"))
		case t.Text == "define" && is(toks, j+1, "("):
			open := j + 2
			if literalAt(toks, open) && is(toks, open+1, ",") {
				open += 2
			}
			if !is(toks, open, "[") {
				continue
			}
			close := matchClose(toks, open)
			if close < 0 {
				continue
			}
			for _, el := range splitArgs(toks, open, close) {
				if singleLiteral(toks, el) {
					refs = append(refs, u.stringRef(toks[el.from], d.Kind(), types.RoleLoadBearing, "umd-amd"))
				}
			}
		case globalObjects[t.Text] && is(toks, j+1, "[") && literalAt(toks, j+2) && is(toks, j+3, "]"):
			refs = append(refs, u.stringRef(toks[j+2], d.Kind(), types.RoleLoadBearing, "umd-global"))
		}
	}
	return refs
}
