// Package walker turns a directory tree into source units.
package walker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/seanhalberthal/squatscan/internal/types"
)

// DefaultMaxFileSize is the largest file read when no limit is set.
const DefaultMaxFileSize = 4 << 20

// sniffLen is how much of a file is inspected for NUL bytes.
const sniffLen = 8000

var defaultSkipped = []string{".git", "node_modules", "vendor", "dist"}

var extensions = map[string]bool{
	".js": true, ".cjs": true, ".mjs": true, ".jsx": true,
	".ts": true, ".cts": true, ".mts": true, ".tsx": true,
	".json": true, ".yml": true, ".yaml": true,
	".html": true, ".htm": true, ".vue": true, ".svelte": true,
	".map": true,
}

var documentExtensions = map[string]bool{
	".md": true, ".markdown": true, ".mdx": true, ".rst": true, ".txt": true,
}

var scriptExtensions = map[string]bool{
	".sh": true, ".bash": true, ".mk": true, ".dockerfile": true,
}

type options struct {
	maxFileSize int64
	include     []string
	logger      *slog.Logger
}

// Option configures a walk.
type Option func(*options)

// WithMaxFileSize skips files larger than n bytes.
func WithMaxFileSize(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxFileSize = n
		}
	}
}

// WithIncludeDirs walks directories that are skipped by default, such as
// dist or vendor.
func WithIncludeDirs(names ...string) Option {
	return func(o *options) {
		o.include = append(o.include, names...)
	}
}

// WithLogger sets the logger used for unreadable files.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// Walk reads every recognised source file under root. Root may also be a
// single file. Files that cannot be read are logged and skipped.
func Walk(ctx context.Context, root string, opts ...Option) ([]types.SourceUnit, error) {
	o := &options{
		maxFileSize: DefaultMaxFileSize,
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(o)
	}

	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", root, err)
	}

	var units []types.SourceUnit
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			o.logger.Warn("walk error", "path", p, "error", err)
			if d != nil && d.IsDir() && p != root {
				return filepath.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if d.IsDir() {
			if p != root && o.skipped(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		id := relID(root, p)
		role, ok := ClassifyPath(id)
		if !ok {
			return nil
		}

		data, err := o.read(p, d)
		if err != nil {
			o.logger.Warn("skipping file", "path", p, "error", err)
			return nil
		}
		if data == nil {
			return nil
		}

		if strings.EqualFold(filepath.Ext(p), ".map") {
			units = append(units, expandSourceMap(id, data, o.logger)...)
			return nil
		}
		units = append(units, types.SourceUnit{
			ID:      id,
			Path:    p,
			Text:    string(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))),
			Role:    role,
			Dialect: Dialect(d.Name()),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	return units, nil
}

func (o *options) skipped(name string) bool {
	if slices.Contains(o.include, name) {
		return false
	}
	return slices.Contains(defaultSkipped, name)
}

// read returns nil data for files that are too large or binary.
func (o *options) read(p string, d fs.DirEntry) ([]byte, error) {
	info, err := d.Info()
	if err != nil {
		return nil, err
	}
	if info.Size() > o.maxFileSize {
		o.logger.Debug("skipping large file", "path", p, "size", info.Size())
		return nil, nil
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	if bytes.IndexByte(data[:min(len(data), sniffLen)], 0) >= 0 {
		o.logger.Debug("skipping binary file", "path", p)
		return nil, nil
	}
	return data, nil
}

// Classify reports whether a file name is scanned and with which role hint.
func Classify(name string) (types.UnitRole, bool) {
	base := strings.ToLower(name)
	ext := filepath.Ext(base)
	switch {
	case slices.Contains(types.SupportedLockfiles, base):
		return types.UnitLockfile, true
	case IsConfig(name):
		return types.UnitBuildConfig, true
	case isScript(base, ext):
		return types.UnitScript, true
	case documentExtensions[ext]:
		return types.UnitDocument, true
	case extensions[ext]:
		return types.UnitModule, true
	}
	return "", false
}

// ClassifyPath is Classify for a slash-separated path relative to the scan
// root. YAML files under .github/workflows are CI scripts.
func ClassifyPath(rel string) (types.UnitRole, bool) {
	role, ok := Classify(path.Base(rel))
	if role == types.UnitModule && strings.Contains("/"+rel, "/.github/workflows/") {
		switch Dialect(rel) {
		case "yml", "yaml":
			return types.UnitScript, true
		}
	}
	return role, ok
}

func isScript(base, ext string) bool {
	switch {
	case scriptExtensions[ext]:
		return true
	case base == "makefile" || base == "gnumakefile":
		return true
	case base == "dockerfile" || strings.HasPrefix(base, "dockerfile."):
		return true
	case base == ".gitlab-ci.yml" || base == ".gitlab-ci.yaml":
		return true
	}
	return false
}

// IsConfig reports whether a file name is a recognised build configuration
// file, such as vite.config.ts, .eslintrc.json or tsconfig.build.json.
func IsConfig(name string) bool {
	base := strings.ToLower(name)
	for _, c := range types.SupportedConfigs {
		if base == c {
			return true
		}
		stem := strings.TrimSuffix(c, ".json")
		if stem != c {
			if strings.HasPrefix(base, stem+".") && strings.HasSuffix(base, ".json") {
				return true
			}
			continue
		}
		if strings.HasPrefix(base, c+".") {
			return true
		}
	}
	return false
}

// Dialect returns the lower-case extension without its dot, or "" for
// extensionless files.
func Dialect(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if !extensions[ext] && !documentExtensions[ext] && !scriptExtensions[ext] {
		return ""
	}
	return ext[1:]
}

func relID(root, p string) string {
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == "." {
		rel = filepath.Base(p)
	}
	return filepath.ToSlash(rel)
}

type sourceMap struct {
	Sources        []string  `json:"sources"`
	SourcesContent []*string `json:"sourcesContent"`
}

// expandSourceMap returns one unit per embedded original source. Webpack
// style prefixes such as webpack:/// are dropped from the source name.
// Sources under node_modules are not expanded; their paths are collected
// into one extra unit holding a JSON list, so the bundled packages are still
// reported.
func expandSourceMap(id string, data []byte, logger *slog.Logger) []types.SourceUnit {
	var m sourceMap
	if err := json.Unmarshal(data, &m); err != nil {
		logger.Debug("unreadable source map", "unit", id, "error", err)
		return nil
	}

	var (
		units   []types.SourceUnit
		bundled []string
	)
	for _, src := range m.Sources {
		if strings.Contains(src, "node_modules/") {
			bundled = append(bundled, src)
		}
	}
	for i, content := range m.SourcesContent {
		if content == nil || *content == "" {
			continue
		}
		name := fmt.Sprintf("source-%d.js", i)
		if i < len(m.Sources) && m.Sources[i] != "" {
			name = m.Sources[i]
		}
		if j := strings.Index(name, ":///"); j >= 0 {
			name = name[j+4:]
		}
		name = strings.TrimPrefix(path.Clean("/"+name), "/")
		if strings.Contains(name, "node_modules/") {
			continue
		}
		dialect := Dialect(name)
		if !extensions["."+dialect] || dialect == "map" || dialect == "json" {
			dialect = "js"
		}
		units = append(units, types.SourceUnit{
			ID:      id + "!" + name,
			Path:    id + "!" + name,
			Text:    *content,
			Role:    types.UnitModule,
			Dialect: dialect,
		})
	}

	if len(bundled) > 0 {
		list, err := json.MarshalIndent(bundled, "", "  ")
		if err == nil {
			units = append(units, types.SourceUnit{
				ID:      id + "!sources",
				Path:    id,
				Text:    string(list),
				Role:    types.UnitModule,
				Dialect: "json",
			})
		}
	}
	return units
}
