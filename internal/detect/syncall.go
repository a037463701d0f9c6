package detect

import (
	"github.com/seanhalberthal/squatscan/internal/lexer"
	"github.com/seanhalberthal/squatscan/internal/types"
)

// syncLoaders are callee names that load a module synchronously.
var syncLoaders = map[string]bool{
	"require":                 true,
	"parcelRequire":           true,
	"parcel$require":          true,
	"__non_webpack_require__": true,
}

// SyncCall matches CommonJS-style calls whose first argument is a string
// literal: require('x'), require.resolve('x'), module.require('x'), bundler
// aliases, and single-letter minified aliases such as n("x").
type SyncCall struct{}

func (SyncCall) Kind() types.DetectorKind { return types.DetectorSyncCall }

func (SyncCall) Roles() []types.UnitRole { return allRoles }

func (d SyncCall) Detect(u *Unit) []types.RawReference {
	toks := u.Code()
	var refs []types.RawReference

	for i, t := range toks {
		if t.Kind != lexer.Ident {
			continue
		}

		open := -1
		position := t.Text
		switch {
		case t.Text == "require" && isMember(toks, i):
			if at(toks, i-2).Is("module") {
				open, position = i+1, "module.require"
			}
		case syncLoaders[t.Text] && !isMember(toks, i):
			open = i + 1
			if t.Text == "require" && is(toks, i+1, ".") && at(toks, i+2).Is("resolve") {
				open, position = i+3, "require.resolve"
			}
		case len(t.Text) == 1 && !isMember(toks, i) && !at(toks, i-1).Is("function"):
			if minifiedCall(u, toks, i) {
				refs = append(refs, u.stringRef(toks[i+2], d.Kind(), types.RoleLoadBearing, "minified-alias"))
			}
			continue
		}

		if open < 0 || !is(toks, open, "(") || !literalAt(toks, open+1) {
			continue
		}
		if next := at(toks, open+2); !next.Is(")") && !next.Is(",") {
			continue
		}
		refs = append(refs, u.stringRef(toks[open+1], d.Kind(), types.RoleLoadBearing, position))
	}

	return refs
}

// minifiedCall reports whether toks[i] is a one-letter callee applied to
// exactly one package-shaped string, the shape bundlers leave behind when
// they rename require.
func minifiedCall(u *Unit, toks []lexer.Token, i int) bool {
	if !is(toks, i+1, "(") || !literalAt(toks, i+2) || !is(toks, i+3, ")") {
		return false
	}
	return packageShape.MatchString(toks[i+2].Value(u.Src))
}
