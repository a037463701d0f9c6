// Package detect finds candidate package references in lexed source units.
//
// Each dialect (CommonJS calls, AMD callback lists, UMD wrappers, ES module
// declarations, dynamic import) has its own stateless Detector. All detectors
// run over the same token stream and their matches are kept side by side, even
// when they overlap: a reference reported twice costs nothing downstream, one
// never reported is the failure this tool exists to prevent.
package detect

import (
	"strings"

	"github.com/seanhalberthal/squatscan/internal/lexer"
	"github.com/seanhalberthal/squatscan/internal/types"
)

// Detector extracts raw references from one unit.
type Detector interface {
	Kind() types.DetectorKind
	// Roles lists the unit roles the detector applies to.
	Roles() []types.UnitRole
	Detect(u *Unit) []types.RawReference
}

var allRoles = []types.UnitRole{types.UnitModule, types.UnitBuildConfig}

// Default returns the five dialect detectors, the free-text scanner and the
// readers for script and document units.
func Default() []Detector {
	return []Detector{
		SyncCall{},
		CallbackList{},
		UniversalWrapper{},
		StaticImport{},
		DynamicImport{},
		FreeText{},
		Commands{},
		Document{},
	}
}

// Applies reports whether d should run on a unit with the given role.
func Applies(d Detector, role types.UnitRole) bool {
	for _, r := range d.Roles() {
		if r == role {
			return true
		}
	}
	return false
}

// Unit is the lexed view of a SourceUnit shared by all detectors.
type Unit struct {
	Source types.SourceUnit
	// Src is the text that was lexed; for markup it is the script view of
	// Source.Text with identical offsets.
	Src  string
	Lex  lexer.Result
	code []lexer.Token
}

// NewUnit lexes src on behalf of su.
func NewUnit(su types.SourceUnit, src string) *Unit {
	lex := lexer.Scan(src)
	return &Unit{Source: su, Src: src, Lex: lex, code: lex.Code()}
}

// RawUnit wraps su without lexing it, for detectors that read lines.
func RawUnit(su types.SourceUnit) *Unit {
	return &Unit{Source: su, Src: su.Text}
}

// Code returns code and string-literal tokens, comments removed.
func (u *Unit) Code() []lexer.Token {
	return u.code
}

// stringRef builds a reference for the content of a string token.
func (u *Unit) stringRef(t lexer.Token, kind types.DetectorKind, role types.Role, position string) types.RawReference {
	return types.RawReference{
		UnitID:   u.Source.ID,
		Span:     types.Span{Start: t.ValStart, End: t.ValEnd, Line: t.Line},
		Text:     t.Value(u.Src),
		Detector: kind,
		Role:     role,
		Position: position,
	}
}

// identRef builds a reference for a bare identifier token, as used for
// unquoted object keys.
func (u *Unit) identRef(t lexer.Token, kind types.DetectorKind, role types.Role, position string) types.RawReference {
	return types.RawReference{
		UnitID:   u.Source.ID,
		Span:     types.Span{Start: t.Start, End: t.End, Line: t.Line},
		Text:     t.Text,
		Detector: kind,
		Role:     role,
		Position: position,
	}
}

// subRef builds a reference for text[start:end] found inside token t.
func (u *Unit) subRef(t lexer.Token, start, end int, text string, kind types.DetectorKind, role types.Role, position string) types.RawReference {
	line := t.Line + strings.Count(u.Src[t.Start:start], "\n")
	return types.RawReference{
		UnitID:   u.Source.ID,
		Span:     types.Span{Start: start, End: end, Line: line},
		Text:     text,
		Detector: kind,
		Role:     role,
		Position: position,
	}
}
