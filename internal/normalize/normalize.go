// Package normalize turns raw reference text into canonical package identifiers.
package normalize

import (
	"regexp"
	"strings"

	"github.com/seanhalberthal/squatscan/internal/types"
)

// builtins are Node.js core modules. They resolve without the registry.
var builtins = map[string]bool{
	"assert": true, "async_hooks": true, "buffer": true, "child_process": true,
	"cluster": true, "console": true, "constants": true, "crypto": true,
	"dgram": true, "diagnostics_channel": true, "dns": true, "domain": true,
	"events": true, "fs": true, "http": true, "http2": true, "https": true,
	"inspector": true, "module": true, "net": true, "os": true, "path": true,
	"perf_hooks": true, "process": true, "punycode": true, "querystring": true,
	"readline": true, "repl": true, "stream": true, "string_decoder": true,
	"sys": true, "timers": true, "tls": true, "trace_events": true, "tty": true,
	"url": true, "util": true, "v8": true, "vm": true, "wasi": true,
	"worker_threads": true, "zlib": true,
}

var (
	scheme  = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.-]*:`)
	segment = regexp.MustCompile(`^[A-Za-z0-9._~-]+$`)
)

// IsBuiltin reports whether name is a Node.js core module.
func IsBuiltin(name string) bool {
	return builtins[name]
}

// Normalize canonicalises a reference. It reports false for text that does
// not name a package: relative or absolute paths, URLs and other schemes,
// subpath imports, project aliases and core modules.
func Normalize(ref types.RawReference) (types.PackageIdentifier, bool) {
	return Parse(ref.Text)
}

// Parse canonicalises a bare specifier such as "@scope/name/sub@1.2.3".
func Parse(text string) (types.PackageIdentifier, bool) {
	var id types.PackageIdentifier

	s := strings.TrimSpace(text)
	s = strings.Trim(s, "'\"`")
	s = strings.TrimSpace(s)
	if s == "" {
		return id, false
	}
	switch {
	case s[0] == '.' || s[0] == '/' || s[0] == '\\' || s[0] == '#' || s[0] == '~':
		return id, false
	case strings.HasPrefix(s, "@/"):
		return id, false
	case scheme.MatchString(s):
		return id, false
	}

	s = strings.ReplaceAll(s, "\\", "/")
	for strings.Contains(s, "//") {
		s = strings.ReplaceAll(s, "//", "/")
	}
	s = strings.TrimSuffix(s, "/")

	segs := strings.Split(s, "/")
	nameAt := 0
	if strings.HasPrefix(s, "@") {
		if len(segs) < 2 {
			return id, false
		}
		id.Scope = segs[0][1:]
		nameAt = 1
	}
	id.Name = segs[nameAt]
	if rest := segs[nameAt+1:]; len(rest) > 0 {
		id.Subpath = strings.Join(rest, "/")
	}

	// A version token follows the package name, never the scope delimiter.
	if i := strings.IndexByte(id.Name, '@'); i > 0 {
		id.Name, id.Version = id.Name[:i], id.Name[i+1:]
	}
	if !valid(id.Name) || (nameAt == 1 && !valid(id.Scope)) {
		return types.PackageIdentifier{}, false
	}
	if id.Scope == "" && builtins[id.Name] {
		return types.PackageIdentifier{}, false
	}
	return id, true
}

func valid(seg string) bool {
	return seg != "" && seg[0] != '.' && len(seg) <= 214 && segment.MatchString(seg)
}
