package detect

import (
	"regexp"

	"github.com/seanhalberthal/squatscan/internal/lexer"
	"github.com/seanhalberthal/squatscan/internal/types"
)

// maxClause bounds how far an import or export clause is searched for its
// from keyword.
const maxClause = 1024

var referenceTypes = regexp.MustCompile(`^///\s*<reference\s+types\s*=\s*["']([^"']+)["']`)

// StaticImport matches ES module declarations: default, named, namespace,
// side-effect and re-export forms, their type-only variants, TypeScript
// import-equals and ambient module declarations, and triple-slash type
// references.
type StaticImport struct{}

func (StaticImport) Kind() types.DetectorKind { return types.DetectorStatic }

func (StaticImport) Roles() []types.UnitRole { return allRoles }

func (d StaticImport) Detect(u *Unit) []types.RawReference {
	toks := u.Code()
	var refs []types.RawReference

	for i, t := range toks {
		if t.Kind != lexer.Ident || isMember(toks, i) {
			continue
		}
		switch t.Text {
		case "import":
			if ref, ok := d.importDecl(u, toks, i); ok {
				refs = append(refs, ref)
			}
		case "export":
			if ref, ok := d.exportDecl(u, toks, i); ok {
				refs = append(refs, ref)
			}
		case "declare":
			if at(toks, i+1).Is("module") && literalAt(toks, i+2) {
				refs = append(refs, u.stringRef(toks[i+2], d.Kind(), types.RoleTypeOnly, "ambient-module"))
			}
		}
	}

	for _, c := range u.Lex.Comments() {
		m := referenceTypes.FindStringSubmatchIndex(c.Text)
		if m == nil {
			continue
		}
		start, end := c.Start+m[2], c.Start+m[3]
		refs = append(refs, u.subRef(c, start, end, u.Src[start:end], d.Kind(), types.RoleTypeOnly, "reference-types"))
	}

	return refs
}

func (d StaticImport) importDecl(u *Unit, toks []lexer.Token, i int) (types.RawReference, bool) {
	next := at(toks, i+1)
	switch {
	case next.IsLiteral():
		return u.stringRef(next, d.Kind(), types.RoleDeclarative, "side-effect"), true
	case next.Kind == lexer.Ident && is(toks, i+2, "="):
		// import x = require('y')
		if at(toks, i+3).Is("require") && is(toks, i+4, "(") && literalAt(toks, i+5) {
			return u.stringRef(toks[i+5], d.Kind(), types.RoleDeclarative, "import-equals"), true
		}
		return types.RawReference{}, false
	case next.Is("type") && at(toks, i+2).Kind == lexer.Ident && is(toks, i+3, "="):
		if at(toks, i+4).Is("require") && is(toks, i+5, "(") && literalAt(toks, i+6) {
			return u.stringRef(toks[i+6], d.Kind(), types.RoleTypeOnly, "import-equals"), true
		}
		return types.RawReference{}, false
	case next.Kind == lexer.Ident || next.Is("{") || next.Is("*"):
	default:
		return types.RawReference{}, false
	}

	role, position := types.RoleDeclarative, "import"
	if typeOnlyClause(toks, i+1) {
		role, position = types.RoleTypeOnly, "import-type"
	}
	return d.fromClause(u, toks, i+1, role, position)
}

func (d StaticImport) exportDecl(u *Unit, toks []lexer.Token, i int) (types.RawReference, bool) {
	role, position := types.RoleDeclarative, "re-export"
	first := i + 1
	if at(toks, first).Is("type") {
		role, position = types.RoleTypeOnly, "export-type"
		first++
	}
	if !is(toks, first, "{") && !is(toks, first, "*") {
		return types.RawReference{}, false
	}
	return d.fromClause(u, toks, first, role, position)
}

// typeOnlyClause reports whether the clause starting at toks[i] is
// `type X from`, `type {..} from` or `type * as X from`. A default import
// named type (import type from 'x') is not type-only.
func typeOnlyClause(toks []lexer.Token, i int) bool {
	if !toks[i].Is("type") {
		return false
	}
	next := at(toks, i+1)
	if next.Is("from") {
		return at(toks, i+2).Kind == lexer.Ident && at(toks, i+2).Is("from")
	}
	return !next.Is(",") && !next.Is("=")
}

// fromClause finds `from 'x'` at brace depth zero after toks[i].
func (d StaticImport) fromClause(u *Unit, toks []lexer.Token, i int, role types.Role, position string) (types.RawReference, bool) {
	depth := 0
	for j := i; j < len(toks) && j-i < maxClause; j++ {
		t := toks[j]
		switch {
		case t.Is("{"):
			depth++
		case t.Is("}"):
			depth--
		case t.Is(";"):
			return types.RawReference{}, false
		case depth == 0 && j > i && (t.Is("import") || t.Is("export")):
			return types.RawReference{}, false
		case depth == 0 && t.Is("from") && literalAt(toks, j+1):
			return u.stringRef(toks[j+1], d.Kind(), role, position), true
		}
	}
	return types.RawReference{}, false
}
