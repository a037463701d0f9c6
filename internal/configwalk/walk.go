// Package configwalk extracts package references from build configuration
// documents by walking their parsed structure. Only a fixed set of
// structural positions is read; nothing is evaluated.
package configwalk

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/seanhalberthal/squatscan/internal/types"
)

// kind is the shape of a value in the neutral document tree.
type kind uint8

const (
	kindOther kind = iota
	kindString
	kindObject
	kindArray
	kindCall
)

// value is one node of a configuration document, independent of the syntax
// it was parsed from.
type value struct {
	kind    kind
	text    string
	span    types.Span
	entries []entry
	items   []*value
	// arg is the literal argument of a call, either its own first argument
	// or, for require('x')(opts), the one of the call it wraps.
	arg *value
}

type entry struct {
	key     string
	keySpan types.Span
	val     *value
}

// errNoCGO is returned when script configs cannot be parsed because the
// binary was built without tree-sitter.
var errNoCGO = errors.New("script config parsing requires CGO (tree-sitter)")

// Walker walks build configuration units.
type Walker struct {
	logger *slog.Logger
}

// Option configures a Walker.
type Option func(*Walker)

// WithLogger sets the logger used for parse failures.
func WithLogger(l *slog.Logger) Option {
	return func(w *Walker) {
		w.logger = l
	}
}

// New creates a Walker.
func New(opts ...Option) *Walker {
	w := &Walker{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Walk returns the config-structural-value references of one unit and
// whether the document could only be partially parsed. Lockfile units are
// read for every package they install.
func (w *Walker) Walk(ctx context.Context, su types.SourceUnit) ([]types.RawReference, bool) {
	if su.Role == types.UnitLockfile {
		return w.walkLockfile(su)
	}

	var (
		roots   []*value
		partial bool
		err     error
	)

	switch syntaxOf(su) {
	case syntaxScript:
		roots, partial, err = parseScript(ctx, su.Text, isTypeScript(su))
	case syntaxJSON:
		var text string
		text, partial = stripComments(su.Text)
		roots, err = parseDocument(text)
	default:
		roots, err = parseDocument(su.Text)
	}
	if err != nil {
		w.logger.Debug("config parse failed", "unit", su.ID, "error", err)
		return nil, !errors.Is(err, errNoCGO)
	}

	c := &collector{unit: su.ID}
	for _, root := range roots {
		if root.kind == kindString {
			// a bare string document names a shared config package
			c.emit(root, "shared")
			continue
		}
		c.object(root, nil)
	}
	return c.refs, partial
}

type syntax uint8

const (
	syntaxScript syntax = iota
	syntaxJSON
	syntaxYAML
)

func syntaxOf(su types.SourceUnit) syntax {
	ext := strings.ToLower(filepath.Ext(su.Path))
	if su.Dialect != "" {
		ext = "." + su.Dialect
	}
	switch ext {
	case ".js", ".cjs", ".mjs", ".jsx", ".ts", ".cts", ".mts", ".tsx":
		return syntaxScript
	case ".json", ".json5":
		return syntaxJSON
	case ".yaml", ".yml":
		return syntaxYAML
	}
	// extensionless rc files are JSON when they open with a brace
	if strings.HasPrefix(strings.TrimSpace(su.Text), "{") {
		return syntaxJSON
	}
	return syntaxYAML
}

func isTypeScript(su types.SourceUnit) bool {
	switch strings.ToLower(filepath.Ext(su.Path)) {
	case ".ts", ".cts", ".mts", ".tsx":
		return true
	}
	return su.Dialect == "ts"
}

var manifestSections = map[string]bool{
	"dependencies":         true,
	"devDependencies":      true,
	"peerDependencies":     true,
	"optionalDependencies": true,
}

// builtinParsers are prettier's bundled parser names.
var builtinParsers = map[string]bool{
	"babel": true, "babel-flow": true, "babel-ts": true, "flow": true,
	"typescript": true, "espree": true, "meriyah": true, "acorn": true,
	"css": true, "less": true, "scss": true, "json": true, "json5": true,
	"jsonc": true, "json-stringify": true, "graphql": true, "markdown": true,
	"mdx": true, "vue": true, "yaml": true, "html": true, "angular": true,
	"lwc": true, "glimmer": true,
}

// collector applies the position whitelist to a document tree.
type collector struct {
	unit string
	refs []types.RawReference
}

func (c *collector) emit(v *value, position string) {
	if v == nil {
		return
	}
	if v.kind == kindCall {
		v = v.arg
		if v == nil {
			return
		}
	}
	if v.kind != kindString || v.text == "" {
		return
	}
	c.refs = append(c.refs, types.RawReference{
		UnitID:   c.unit,
		Span:     v.span,
		Text:     v.text,
		Detector: types.DetectorConfig,
		Role:     types.RoleConfigValue,
		Position: "config." + position,
	})
}

func (c *collector) emitKey(e entry, position string) {
	if e.key == "" {
		return
	}
	c.refs = append(c.refs, types.RawReference{
		UnitID:   c.unit,
		Span:     e.keySpan,
		Text:     e.key,
		Detector: types.DetectorConfig,
		Role:     types.RoleConfigValue,
		Position: "config." + position,
	})
}

// elements emits every element of a list, or the value itself when it is
// not a list.
func (c *collector) elements(v *value, position string) {
	if v == nil {
		return
	}
	if v.kind != kindArray {
		c.emit(v, position)
		return
	}
	for _, item := range v.items {
		c.emit(item, position)
	}
}

func (c *collector) object(v *value, path []string) {
	if v == nil || v.kind != kindObject {
		return
	}
	parent := ""
	if len(path) > 0 {
		parent = path[len(path)-1]
	}

	for _, e := range v.entries {
		switch {
		case e.key == "alias":
			c.alias(e.val)
		case e.key == "externals" || e.key == "external":
			c.externals(e.val, e.key)
		case e.key == "globals":
			c.globals(e.val)
		case (e.key == "include" || e.key == "exclude") && parent == "optimizeDeps":
			c.elements(e.val, "optimizeDeps."+e.key)
		case e.key == "noExternal" && parent == "ssr":
			c.elements(e.val, "ssr.noExternal")
		case e.key == "types" && parent == "compilerOptions":
			c.elements(e.val, "compilerOptions.types")
		case e.key == "plugins" && parent == "compilerOptions":
			c.namedPlugins(e.val)
		case e.key == "plugins" || e.key == "presets" || e.key == "use" || e.key == "loaders":
			c.plugins(e.val, e.key)
		case e.key == "parser":
			if e.val != nil && !builtinParsers[e.val.text] {
				c.emit(e.val, e.key)
			}
		case e.key == "loader" || e.key == "preset" || e.key == "extends":
			c.elements(e.val, e.key)
		case manifestSections[e.key] && len(path) == 0:
			c.keys(e.val, e.key)
		case (e.key == "bundledDependencies" || e.key == "bundleDependencies") && len(path) == 0:
			c.elements(e.val, e.key)
		}

		c.descend(e.val, append(path, e.key))
	}
}

// descend continues the walk into nested objects, including objects held in
// lists such as webpack's module.rules.
func (c *collector) descend(v *value, path []string) {
	if v == nil {
		return
	}
	switch v.kind {
	case kindObject:
		c.object(v, path)
	case kindArray:
		for _, item := range v.items {
			if item.kind == kindObject {
				c.object(item, path)
			}
		}
	}
}

func (c *collector) alias(v *value) {
	if v == nil {
		return
	}
	switch v.kind {
	case kindObject:
		for _, e := range v.entries {
			c.emit(e.val, "alias")
		}
	case kindArray:
		for _, item := range v.items {
			if item.kind != kindObject {
				continue
			}
			for _, e := range item.entries {
				if e.key == "replacement" {
					c.emit(e.val, "alias")
				}
			}
		}
	}
}

func (c *collector) externals(v *value, key string) {
	if v == nil {
		return
	}
	switch v.kind {
	case kindObject:
		for _, e := range v.entries {
			c.emitKey(e, key)
			c.global(e.val, key+".global")
		}
	case kindArray:
		for _, item := range v.items {
			if item.kind == kindObject {
				c.externals(item, key)
				continue
			}
			c.emit(item, key)
		}
	default:
		c.emit(v, key)
	}
}

// global emits the global-variable label of an external binding. Webpack
// also allows a per-target object such as {commonjs: 'x', root: 'X'}.
func (c *collector) global(v *value, position string) {
	if v == nil {
		return
	}
	if v.kind == kindObject {
		for _, e := range v.entries {
			c.emit(e.val, position)
		}
		return
	}
	c.elements(v, position)
}

func (c *collector) globals(v *value) {
	if v == nil || v.kind != kindObject {
		return
	}
	for _, e := range v.entries {
		c.emitKey(e, "globals")
		c.emit(e.val, "globals.global")
	}
}

// plugins handles plugin and loader lists. An element may be a name, a
// [name, options] tuple or a resolving call; objects are left to the
// recursive walk, which finds their loader keys.
func (c *collector) plugins(v *value, key string) {
	if v == nil {
		return
	}
	if v.kind != kindArray {
		c.emit(v, key)
		return
	}
	for _, item := range v.items {
		if item.kind == kindArray {
			if len(item.items) > 0 {
				c.emit(item.items[0], key)
			}
			continue
		}
		c.emit(item, key)
	}
}

func (c *collector) namedPlugins(v *value) {
	if v == nil || v.kind != kindArray {
		return
	}
	for _, item := range v.items {
		if item.kind != kindObject {
			continue
		}
		for _, e := range item.entries {
			if e.key == "name" {
				c.emit(e.val, "compilerOptions.plugins")
			}
		}
	}
}

func (c *collector) keys(v *value, position string) {
	if v == nil || v.kind != kindObject {
		return
	}
	for _, e := range v.entries {
		c.emitKey(e, position)
	}
}
