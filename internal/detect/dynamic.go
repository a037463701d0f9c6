package detect

import (
	"github.com/seanhalberthal/squatscan/internal/types"
)

// DynamicImport matches import('x') in expression position, with or without
// an options argument. Every call in a minified chain is reported separately.
type DynamicImport struct{}

func (DynamicImport) Kind() types.DetectorKind { return types.DetectorDynamic }

func (DynamicImport) Roles() []types.UnitRole { return allRoles }

func (d DynamicImport) Detect(u *Unit) []types.RawReference {
	toks := u.Code()
	var refs []types.RawReference

	for i, t := range toks {
		if !t.Is("import") || isMember(toks, i) || !is(toks, i+1, "(") || !literalAt(toks, i+2) {
			continue
		}
		if next := at(toks, i+3); !next.Is(")") && !next.Is(",") {
			continue
		}
		refs = append(refs, u.stringRef(toks[i+2], d.Kind(), types.RoleLoadBearing, "dynamic-import"))
	}

	return refs
}
