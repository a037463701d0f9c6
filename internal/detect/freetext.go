package detect

import (
	"regexp"
	"strings"

	"github.com/seanhalberthal/squatscan/internal/lexer"
	"github.com/seanhalberthal/squatscan/internal/types"
)

const namePattern = `(?:@[a-z0-9][a-z0-9._~-]*/)?[a-z0-9][a-z0-9._~-]*`

var (
	// cdnURL matches package-bearing CDN paths and node_modules paths, with an
	// optional @version.
	cdnURL = regexp.MustCompile(`(?:unpkg\.com/|esm\.sh/(?:v\d+/)?|cdn\.skypack\.dev/|jspm\.io/npm:|cdnjs\.cloudflare\.com/ajax/libs/|/npm/|node_modules/)(` +
		namePattern + `)(?:@([0-9A-Za-z.^~<>=*+-]+))?`)

	// importMapEntry matches "name": "https://..." pairs written out in text.
	importMapEntry = regexp.MustCompile(`["'](` + namePattern + `)/?["']\s*:\s*["'](?:https?:)?//`)

	// installTrigger matches package manager commands that take package
	// arguments, including Makefile variables such as $(NPM).
	installTrigger = regexp.MustCompile(`(?:\b(?:npm|pnpm|bun)|\$\((?:NPM|PNPM)\))\s+(?:install|i|add)\b` +
		`|(?:\byarn|\$\(YARN\))\s+(?:global\s+)?add\b` +
		`|\b(?:npm|yarn|pnpm)\s+create\b` +
		`|\bpnpm\s+dlx\b|\bbunx\b|\bnpx\b|\$\(NPX\)`)

	chunkBanner = regexp.MustCompile(`(?i)webpack\s+chunk:\s*(` + namePattern + `)`)

	installArg = regexp.MustCompile(`^` + namePattern + `(?:@[0-9A-Za-z.^~<>=*+-]+)?$`)
)

// FreeText finds package mentions inside string literals and comments: CDN
// URLs, import-map entries, install commands and bundle chunk banners. Its
// references are always free-text mentions.
type FreeText struct{}

func (FreeText) Kind() types.DetectorKind { return types.DetectorFreeText }

func (FreeText) Roles() []types.UnitRole { return allRoles }

func (d FreeText) Detect(u *Unit) []types.RawReference {
	var refs []types.RawReference
	toks := u.Lex.Tokens

	for i, t := range toks {
		switch t.Kind {
		case lexer.String:
			refs = append(refs, d.scanText(u, t, u.Src[t.ValStart:t.ValEnd], t.ValStart)...)
			if t.IsLiteral() && importMapValue(u, toks, i) {
				if name := strings.TrimSuffix(t.Value(u.Src), "/"); looksLikePackage(name) {
					refs = append(refs, u.subRef(t, t.ValStart, t.ValStart+len(name), name, d.Kind(), types.RoleFreeTextMention, "import-map"))
				}
			}
		case lexer.Comment:
			refs = append(refs, d.scanText(u, t, t.Text, t.Start)...)
			if m := chunkBanner.FindStringSubmatchIndex(t.Text); m != nil {
				refs = append(refs, d.mention(u, t, t.Start+m[2], t.Start+m[3], "chunk-banner")...)
			}
		}
	}

	if u.Src != u.Source.Text {
		refs = append(refs, d.markup(u)...)
	}
	return refs
}

// importMapValue reports whether toks[i] is a key whose value is a module
// URL. Plain links such as a manifest's homepage do not count.
func importMapValue(u *Unit, toks []lexer.Token, i int) bool {
	if !is(toks, i+1, ":") || !literalAt(toks, i+2) {
		return false
	}
	v := toks[i+2].Value(u.Src)
	if !strings.HasPrefix(v, "https://") && !strings.HasPrefix(v, "http://") && !strings.HasPrefix(v, "//") {
		return false
	}
	return cdnURL.MatchString(v) || strings.HasSuffix(v, ".js") || strings.HasSuffix(v, ".mjs") || strings.HasSuffix(v, "/")
}

// scanText runs the URL and trigger patterns over text, which begins at
// byte offset base of the unit.
func (d FreeText) scanText(u *Unit, t lexer.Token, text string, base int) []types.RawReference {
	var refs []types.RawReference

	for _, m := range cdnURL.FindAllStringSubmatchIndex(text, -1) {
		end := m[3]
		if m[4] >= 0 {
			end = m[5]
		}
		refs = append(refs, d.mention(u, t, base+m[2], base+end, "cdn-url")...)
	}

	// Key/value pairs are handled at token level for string tokens.
	if t.Kind == lexer.Comment {
		for _, m := range importMapEntry.FindAllStringSubmatchIndex(text, -1) {
			refs = append(refs, d.mention(u, t, base+m[2], base+m[3], "import-map")...)
		}
	}

	for _, m := range installTrigger.FindAllStringIndex(text, -1) {
		for _, w := range installWords(text, m[0], m[1]) {
			refs = append(refs, d.mention(u, t, base+w[0], base+w[1], "install-command")...)
		}
	}

	return refs
}

// installWords returns the byte ranges of the package arguments following
// the install command text[start:end], up to the end of the line or the
// first word that is neither a flag nor a package. Runners such as npx and
// create commands take a single package.
func installWords(text string, start, end int) [][2]int {
	cmd := text[start:end]
	single := strings.Contains(cmd, "create") || strings.Contains(cmd, "dlx") ||
		strings.Contains(cmd, "bunx") || strings.Contains(strings.ToLower(cmd), "npx")

	line := text[end:]
	if nl := strings.IndexAny(line, "\n`"); nl >= 0 {
		line = line[:nl]
	}
	var out [][2]int
	offset := end
	for _, word := range strings.Fields(line) {
		idx := strings.Index(text[offset:], word) + offset
		offset = idx + len(word)
		if strings.HasPrefix(word, "-") {
			continue
		}
		if !installArg.MatchString(word) {
			break
		}
		out = append(out, [2]int{idx, idx + len(word)})
		if single {
			break
		}
	}
	return out
}

// mention emits a reference for src[start:end] when it looks like a package.
func (d FreeText) mention(u *Unit, t lexer.Token, start, end int, position string) []types.RawReference {
	text := u.Src[start:end]
	if !looksLikePackage(stripVersion(text)) {
		return nil
	}
	return []types.RawReference{u.subRef(t, start, end, text, d.Kind(), types.RoleFreeTextMention, position)}
}

// markup scans the parts of a markup document outside <script> bodies for
// CDN URLs, such as script src attributes.
func (d FreeText) markup(u *Unit) []types.RawReference {
	var refs []types.RawReference
	raw := u.Source.Text
	for _, m := range cdnURL.FindAllStringSubmatchIndex(raw, -1) {
		start, end := m[2], m[3]
		if m[4] >= 0 {
			end = m[5]
		}
		if u.Src[start] == raw[start] {
			continue
		}
		text := raw[start:end]
		if !looksLikePackage(stripVersion(text)) {
			continue
		}
		refs = append(refs, types.RawReference{
			UnitID:   u.Source.ID,
			Span:     types.Span{Start: start, End: end, Line: 1 + strings.Count(raw[:start], "\n")},
			Text:     text,
			Detector: d.Kind(),
			Role:     types.RoleFreeTextMention,
			Position: "markup-cdn-url",
		})
	}
	return refs
}

// stripVersion removes a trailing @version, leaving a leading scope alone.
func stripVersion(s string) string {
	if i := strings.LastIndexByte(s, '@'); i > 0 {
		return s[:i]
	}
	return s
}
