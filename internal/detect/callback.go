package detect

import (
	"github.com/seanhalberthal/squatscan/internal/lexer"
	"github.com/seanhalberthal/squatscan/internal/types"
)

var callbackLoaders = map[string]bool{
	"define":    true,
	"require":   true,
	"requirejs": true,
	"curl":      true,
}

// configKeys are the loader configuration sections whose keys name modules.
var configKeys = map[string]bool{
	"paths": true,
	"shim":  true,
	"map":   true,
}

// CallbackList matches AMD-style loads: a dependency array followed by a
// function-shaped argument. Elements that are not string literals are
// skipped. It also reads the paths and shim sections of require.config.
type CallbackList struct{}

func (CallbackList) Kind() types.DetectorKind { return types.DetectorCallbackList }

func (CallbackList) Roles() []types.UnitRole { return allRoles }

func (d CallbackList) Detect(u *Unit) []types.RawReference {
	toks := u.Code()
	var refs []types.RawReference

	for i, t := range toks {
		if t.Kind != lexer.Ident || !callbackLoaders[t.Text] || isMember(toks, i) {
			continue
		}
		if is(toks, i+1, ".") && at(toks, i+2).Is("config") && is(toks, i+3, "(") && is(toks, i+4, "{") {
			refs = append(refs, d.loaderConfig(u, toks, i+4)...)
			continue
		}
		if !is(toks, i+1, "(") {
			continue
		}
		close := matchClose(toks, i+1)
		if close < 0 {
			continue
		}
		args := splitArgs(toks, i+1, close)

		idx := 0
		if t.Text == "define" && len(args) > 0 && singleLiteral(toks, args[0]) {
			idx = 1
		}
		if idx+1 >= len(args) || !arrayArg(toks, args[idx]) || !functionShaped(toks, args[idx+1]) {
			continue
		}
		list := args[idx]
		for _, el := range splitArgs(toks, list.from, list.to-1) {
			if singleLiteral(toks, el) {
				refs = append(refs, u.stringRef(toks[el.from], d.Kind(), types.RoleLoadBearing, t.Text+"-list"))
			}
		}
	}

	return refs
}

// arrayArg reports whether the range is exactly one bracketed array literal.
func arrayArg(toks []lexer.Token, s span) bool {
	return s.len() >= 2 && toks[s.from].Is("[") && matchClose(toks, s.from) == s.to-1
}

// loaderConfig extracts module names from the keys of the paths, shim and
// map sections and from the targets inside map. Paths values are file
// locations and are left alone.
func (d CallbackList) loaderConfig(u *Unit, toks []lexer.Token, open int) []types.RawReference {
	var refs []types.RawReference
	keys, values := objectEntries(toks, open)
	for n, k := range keys {
		section := toks[k].Value(u.Src)
		if !configKeys[section] || !is(toks, values[n].from, "{") {
			continue
		}
		innerKeys, innerValues := objectEntries(toks, values[n].from)
		for m, ik := range innerKeys {
			refs = append(refs, d.keyRef(u, toks[ik], section))
			if section == "map" && is(toks, innerValues[m].from, "{") {
				_, mapped := objectEntries(toks, innerValues[m].from)
				for _, v := range mapped {
					if singleLiteral(toks, v) {
						refs = append(refs, u.stringRef(toks[v.from], d.Kind(), types.RoleConfigValue, "config.map"))
					}
				}
			}
		}
	}
	return refs
}

func (d CallbackList) keyRef(u *Unit, t lexer.Token, section string) types.RawReference {
	if t.Kind == lexer.String {
		return u.stringRef(t, d.Kind(), types.RoleConfigValue, "config."+section)
	}
	return u.identRef(t, d.Kind(), types.RoleConfigValue, "config."+section)
}
