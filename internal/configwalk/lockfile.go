package configwalk

import (
	"path"
	"strings"

	"github.com/seanhalberthal/squatscan/internal/types"
)

// lockSections are the maps keyed by package name inside a package-lock
// entry. Version 1 lockfiles nest whole entries under dependencies.
var lockSections = map[string]bool{
	"dependencies":         true,
	"devDependencies":      true,
	"optionalDependencies": true,
	"peerDependencies":     true,
	"requires":             true,
}

// walkLockfile extracts every package named by a lockfile. yarn.lock is read
// line by line; package-lock.json and npm-shrinkwrap.json are parsed.
func (w *Walker) walkLockfile(su types.SourceUnit) ([]types.RawReference, bool) {
	if strings.EqualFold(path.Base(strings.ReplaceAll(su.Path, "\\", "/")), "yarn.lock") {
		return yarnLock(su), false
	}

	roots, err := parseDocument(su.Text)
	if err != nil {
		w.logger.Debug("lockfile parse failed", "unit", su.ID, "error", err)
		return nil, true
	}
	c := &collector{unit: su.ID}
	for _, root := range roots {
		c.lockEntry(root)
	}
	return c.refs, false
}

// lockEntry walks one package-lock object: the root, a packages entry or a
// nested version 1 dependency.
func (c *collector) lockEntry(v *value) {
	if v == nil || v.kind != kindObject {
		return
	}
	for _, e := range v.entries {
		switch {
		case e.key == "packages" && e.val != nil && e.val.kind == kindObject:
			for _, p := range e.val.entries {
				c.installPath(p)
				c.lockEntry(p.val)
			}
		case lockSections[e.key] && e.val != nil && e.val.kind == kindObject:
			for _, dep := range e.val.entries {
				c.lockKey(dep, e.key)
				c.lockEntry(dep.val)
			}
		}
	}
}

// installPath emits the package installed at a packages key such as
// node_modules/a/node_modules/@scope/b.
func (c *collector) installPath(e entry) {
	i := strings.LastIndex(e.key, "node_modules/")
	if i < 0 {
		return
	}
	name := e.key[i+len("node_modules/"):]
	if name == "" {
		return
	}
	start := e.keySpan.Start + i + len("node_modules/")
	c.refs = append(c.refs, types.RawReference{
		UnitID:   c.unit,
		Span:     types.Span{Start: start, End: start + len(name), Line: e.keySpan.Line},
		Text:     name,
		Detector: types.DetectorLockfile,
		Role:     types.RoleConfigValue,
		Position: "lockfile.packages",
	})
}

func (c *collector) lockKey(e entry, section string) {
	if e.key == "" {
		return
	}
	c.refs = append(c.refs, types.RawReference{
		UnitID:   c.unit,
		Span:     e.keySpan,
		Text:     e.key,
		Detector: types.DetectorLockfile,
		Role:     types.RoleConfigValue,
		Position: "lockfile." + section,
	})
}

// yarnLock reads entry headers ("name@range", "name@npm:range":) and the
// names under their dependency sections. Both the classic and the berry
// formats are covered.
func yarnLock(su types.SourceUnit) []types.RawReference {
	var (
		refs    []types.RawReference
		section string
	)
	emit := func(start, end, line int, position string) {
		refs = append(refs, types.RawReference{
			UnitID:   su.ID,
			Span:     types.Span{Start: start, End: end, Line: line},
			Text:     su.Text[start:end],
			Detector: types.DetectorLockfile,
			Role:     types.RoleConfigValue,
			Position: position,
		})
	}

	lineNo := 0
	for start := 0; start < len(su.Text); {
		end := strings.IndexByte(su.Text[start:], '\n')
		if end < 0 {
			end = len(su.Text)
		} else {
			end += start
		}
		lineNo++
		line := strings.TrimRight(su.Text[start:end], "\r")
		trimmed := strings.TrimLeft(line, " ")
		indent := len(line) - len(trimmed)

		switch {
		case trimmed == "" || strings.HasPrefix(trimmed, "#"):
		case indent == 0:
			section = ""
			if !strings.HasSuffix(trimmed, ":") || trimmed == "__metadata:" {
				break
			}
			// only the first specifier of a header is read; they share a name
			spec := strings.TrimSuffix(trimmed, ":")
			if i := strings.Index(spec, ", "); i >= 0 {
				spec = spec[:i]
			}
			off := 0
			if strings.HasPrefix(spec, `"`) {
				off = 1
			}
			name := yarnName(strings.Trim(spec, `"`))
			if name != "" {
				emit(start+off, start+off+len(name), lineNo, "lockfile.entry")
			}
		case indent == 2:
			section = ""
			if key := strings.TrimSuffix(trimmed, ":"); key != trimmed && lockSections[key] {
				section = key
			}
		case indent >= 4 && section != "":
			off := 0
			if strings.HasPrefix(trimmed, `"`) {
				off = 1
			}
			name := trimmed[off:]
			if i := strings.IndexAny(name, "\": "); i >= 0 {
				name = name[:i]
			}
			if name != "" {
				s := start + indent + off
				emit(s, s+len(name), lineNo, "lockfile."+section)
			}
		}
		start = end + 1
	}
	return refs
}

// yarnName returns the package part of a specifier such as
// "@scope/name@^1.0.0" or "name@npm:1.2.3".
func yarnName(spec string) string {
	if i := strings.IndexByte(spec[min(1, len(spec)):], '@'); i >= 0 {
		return spec[:i+1]
	}
	return spec
}
