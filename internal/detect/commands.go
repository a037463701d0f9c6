package detect

import (
	"regexp"
	"strings"

	"github.com/seanhalberthal/squatscan/internal/types"
)

var (
	inlineCode  = regexp.MustCompile("`(" + namePattern + ")`")
	jsonExample = regexp.MustCompile(`"(` + namePattern + `)"\s*:\s*"[\^~]?\d`)
)

// Commands reads CI/CD and shell units line by line: workflow run steps,
// Dockerfile RUN lines, Makefile recipes and shell scripts. Package
// arguments of install commands are declarative references; CDN URLs are
// free-text mentions. Comment lines are skipped.
type Commands struct{}

func (Commands) Kind() types.DetectorKind { return types.DetectorCommand }

func (Commands) Roles() []types.UnitRole { return []types.UnitRole{types.UnitScript} }

func (d Commands) Detect(u *Unit) []types.RawReference {
	var refs []types.RawReference
	text := u.Source.Text
	forLines(text, func(start, end, line int) {
		body := text[start:end]
		if strings.HasPrefix(strings.TrimSpace(body), "#") {
			return
		}
		for _, m := range installTrigger.FindAllStringIndex(body, -1) {
			for _, w := range installWords(body, m[0], m[1]) {
				refs = appendMention(refs, u, start+w[0], start+w[1], line, d.Kind(), types.RoleDeclarative, "install-command")
			}
		}
		for _, m := range cdnURL.FindAllStringSubmatchIndex(body, -1) {
			end := m[3]
			if m[4] >= 0 {
				end = m[5]
			}
			refs = appendMention(refs, u, start+m[2], start+end, line, types.DetectorFreeText, types.RoleFreeTextMention, "cdn-url")
		}
	})
	return refs
}

// Document reads markdown, reStructuredText and plain-text units. Code in
// fenced blocks runs through the dialect detectors; prose is searched for
// install commands, inline code spans and package.json style examples.
// Every reference is a free-text mention.
//
// The unit must have been lexed from lexer.FenceView of its text.
type Document struct{}

func (Document) Kind() types.DetectorKind { return types.DetectorFreeText }

func (Document) Roles() []types.UnitRole { return []types.UnitRole{types.UnitDocument} }

func (d Document) Detect(u *Unit) []types.RawReference {
	var refs []types.RawReference
	for _, det := range []Detector{SyncCall{}, CallbackList{}, UniversalWrapper{}, StaticImport{}, DynamicImport{}, FreeText{}} {
		for _, r := range det.Detect(u) {
			r.Role = types.RoleFreeTextMention
			r.Position = "doc-code." + r.Position
			refs = append(refs, r)
		}
	}

	text := u.Source.Text
	forLines(text, func(start, end, line int) {
		body := text[start:end]
		for _, m := range installTrigger.FindAllStringIndex(body, -1) {
			for _, w := range installWords(body, m[0], m[1]) {
				refs = appendMention(refs, u, start+w[0], start+w[1], line, d.Kind(), types.RoleFreeTextMention, "doc-install-command")
			}
		}
		for _, m := range jsonExample.FindAllStringSubmatchIndex(body, -1) {
			refs = appendMention(refs, u, start+m[2], start+m[3], line, d.Kind(), types.RoleFreeTextMention, "doc-json-example")
		}
		for _, m := range inlineCode.FindAllStringSubmatchIndex(body, -1) {
			// inline spans inside fenced code are code, not prose
			if u.Src[start+m[2]] == text[start+m[2]] {
				continue
			}
			refs = appendMention(refs, u, start+m[2], start+m[3], line, d.Kind(), types.RoleFreeTextMention, "doc-inline-code")
		}
	})
	return refs
}

// forLines calls fn with the byte range and 1-based number of every line.
func forLines(text string, fn func(start, end, line int)) {
	line := 1
	for start := 0; start < len(text); line++ {
		end := strings.IndexByte(text[start:], '\n')
		if end < 0 {
			end = len(text)
		} else {
			end += start
		}
		fn(start, end, line)
		start = end + 1
	}
}

// appendMention adds a reference for the raw text[start:end] of u when it
// looks like a package.
func appendMention(refs []types.RawReference, u *Unit, start, end, line int, kind types.DetectorKind, role types.Role, position string) []types.RawReference {
	text := u.Source.Text[start:end]
	if !looksLikePackage(stripVersion(text)) {
		return refs
	}
	return append(refs, types.RawReference{
		UnitID:   u.Source.ID,
		Span:     types.Span{Start: start, End: end, Line: line},
		Text:     text,
		Detector: kind,
		Role:     role,
		Position: position,
	})
}
