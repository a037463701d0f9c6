package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seanhalberthal/squatscan/internal/lexer"
	"github.com/seanhalberthal/squatscan/internal/types"
)

func newUnit(src string) *Unit {
	return NewUnit(types.SourceUnit{ID: "u", Text: src, Role: types.UnitModule}, src)
}

func texts(refs []types.RawReference) []string {
	var out []string
	for _, r := range refs {
		out = append(out, r.Text)
	}
	return out
}

func roleOf(refs []types.RawReference, text string) types.Role {
	for _, r := range refs {
		if r.Text == text {
			return r.Role
		}
	}
	return ""
}

func TestDefault(t *testing.T) {
	ds := Default()
	require.Len(t, ds, 8)

	kinds := make(map[types.DetectorKind]bool)
	for _, d := range ds {
		kinds[d.Kind()] = true
	}
	assert.Len(t, kinds, 7)
	assert.True(t, Applies(SyncCall{}, types.UnitBuildConfig))
	assert.False(t, Applies(UniversalWrapper{}, types.UnitBuildConfig))
	assert.True(t, Applies(Commands{}, types.UnitScript))
	assert.False(t, Applies(Commands{}, types.UnitModule))
	assert.True(t, Applies(Document{}, types.UnitDocument))
	assert.False(t, Applies(SyncCall{}, types.UnitDocument))
}

func TestSyncCall(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want []string
	}{
		{"basic", `const a = require('a')`, []string{"a"}},
		{"comma chain", `var a=require("a"),b=require("b"),c=require('c');`, []string{"a", "b", "c"}},
		{"resolve", `require.resolve('babel-loader')`, []string{"babel-loader"}},
		{"module.require", `module.require('mod')`, []string{"mod"}},
		{"nested", `require(require.resolve('inner'))`, []string{"inner"}},
		{"second arg", `require('x', opts)`, []string{"x"}},
		{"parcel", `parcelRequire('p')`, []string{"p"}},
		{"non_webpack", `__non_webpack_require__('nw')`, []string{"nw"}},
		{"minified alias", `var r=n("react-dom"),o=n(12)`, []string{"react-dom"}},
		{"minified prose", `t("Hello world")`, nil},
		{"member require", `obj.require('no')`, nil},
		{"computed", `require(name); require('a' + b)`, nil},
		{"template", "require(`tpl`)", []string{"tpl"}},
		{"interpolated template", "require(`${dir}/x`)", nil},
		{"in comment", `// require('commented')`, nil},
		{"in string", `var s = "require('quoted')"`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			refs := SyncCall{}.Detect(newUnit(tt.src))
			assert.ElementsMatch(t, tt.want, texts(refs))
			for _, r := range refs {
				assert.Equal(t, types.RoleLoadBearing, r.Role)
				assert.Equal(t, types.DetectorSyncCall, r.Detector)
			}
		})
	}
}

func TestSyncCall_Span(t *testing.T) {
	src := "\n\nconst x = require('lodash/fp')"
	refs := SyncCall{}.Detect(newUnit(src))
	require.Len(t, refs, 1)

	r := refs[0]
	assert.Equal(t, "lodash/fp", src[r.Span.Start:r.Span.End])
	assert.Equal(t, 3, r.Span.Line)
	assert.Equal(t, "u", r.UnitID)
}

func TestCallbackList(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want []string
	}{
		{"define", `define(['jquery', 'lodash'], function ($, _) {})`, []string{"jquery", "lodash"}},
		{"named define", `define('app', ['backbone'], function (B) {})`, []string{"backbone"}},
		{"require list", `require(['a', "b"], (a, b) => a)`, []string{"a", "b"}},
		{"requirejs factory ref", `requirejs(['x'], factory)`, []string{"x"}},
		{"computed element skipped", `require(['fixed', prefix + 'dyn'], cb)`, []string{"fixed"}},
		{"no callback", `define(['a'])`, nil},
		{"empty", `define([], function () {})`, nil},
		{"member", `obj.define(['no'], fn)`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			refs := CallbackList{}.Detect(newUnit(tt.src))
			assert.ElementsMatch(t, tt.want, texts(refs))
			for _, r := range refs {
				assert.Equal(t, types.RoleLoadBearing, r.Role)
			}
		})
	}
}

func TestCallbackList_Config(t *testing.T) {
	src := `require.config({
		baseUrl: 'js',
		paths: { jquery: 'lib/jquery', 'missing-amd-lib': 'vendor/x' },
		shim: { 'backbone': { deps: ['underscore'] } },
		map: { '*': { 'old-lib': 'new-lib' } }
	});`
	refs := CallbackList{}.Detect(newUnit(src))

	assert.ElementsMatch(t, []string{"jquery", "missing-amd-lib", "backbone", "*", "new-lib"}, texts(refs))
	for _, r := range refs {
		assert.Equal(t, types.RoleConfigValue, r.Role)
	}
}

const umdWrapper = `(function (root, factory) {
    if (typeof define === 'function' && define.amd) {
        define(['exports', 'react'], factory);
    } else if (typeof exports === 'object') {
        factory(exports, require('react'), require('umd-only-dep'));
    } else {
        factory((root.lib = {}), root['react-dom']);
    }
}(this, function (exports, React) {}));`

func TestUniversalWrapper(t *testing.T) {
	refs := UniversalWrapper{}.Detect(newUnit(umdWrapper))

	assert.ElementsMatch(t, []string{"exports", "react", "react", "umd-only-dep", "react-dom"}, texts(refs))
	for _, r := range refs {
		assert.Equal(t, types.DetectorUMD, r.Detector)
	}
}

func TestUniversalWrapper_Minified(t *testing.T) {
	src := `!function(e,t){"object"==typeof exports&&"undefined"!=typeof module?module.exports=t(require("vue")):"function"==typeof define&&define.amd?define(["vue"],t):(e=e||self).X=t(e.Vue)}(this,function(e){});`
	refs := UniversalWrapper{}.Detect(newUnit(src))

	assert.ElementsMatch(t, []string{"vue", "vue"}, texts(refs))
}

func TestUniversalWrapper_RequiresAMDAndCommonJSTest(t *testing.T) {
	src := `function f() { if (define.amd) { define(['only-amd'], f) } }`
	assert.Empty(t, UniversalWrapper{}.Detect(newUnit(src)))
}

func TestStaticImport(t *testing.T) {
	src := `
import def from 'default-pkg';
import { a, b as c } from "named-pkg";
import * as ns from 'namespace-pkg';
import 'side-effect-pkg';
import def2, { x } from 'mixed-pkg';
import type { T } from 'type-pkg';
import type Def from 'type-default-pkg';
import { type U, v } from 'inline-type-pkg';
export { y } from 're-export-pkg';
export * from 'star-pkg';
export * as nsx from 'star-as-pkg';
export type { Z } from 'export-type-pkg';
import fs = require('equals-pkg');
declare module 'ambient-pkg' {}
/// <reference types="node-types" />
export const local = 1;
export { local2 };
import {
  multi,
  line,
} from 'multiline-pkg'
`
	refs := StaticImport{}.Detect(newUnit(src))

	assert.ElementsMatch(t, []string{
		"default-pkg", "named-pkg", "namespace-pkg", "side-effect-pkg", "mixed-pkg",
		"type-pkg", "type-default-pkg", "inline-type-pkg", "re-export-pkg", "star-pkg",
		"star-as-pkg", "export-type-pkg", "equals-pkg", "ambient-pkg", "node-types",
		"multiline-pkg",
	}, texts(refs))

	tests := []struct {
		pkg  string
		want types.Role
	}{
		{"default-pkg", types.RoleDeclarative},
		{"side-effect-pkg", types.RoleDeclarative},
		{"type-pkg", types.RoleTypeOnly},
		{"type-default-pkg", types.RoleTypeOnly},
		{"inline-type-pkg", types.RoleDeclarative},
		{"export-type-pkg", types.RoleTypeOnly},
		{"ambient-pkg", types.RoleTypeOnly},
		{"node-types", types.RoleTypeOnly},
		{"equals-pkg", types.RoleDeclarative},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, roleOf(refs, tt.pkg), tt.pkg)
	}
}

func TestStaticImport_DefaultNamedType(t *testing.T) {
	refs := StaticImport{}.Detect(newUnit(`import type from 'literally-type'`))
	require.Len(t, refs, 1)
	assert.Equal(t, types.RoleDeclarative, refs[0].Role)
}

func TestStaticImport_IgnoresNonDeclarations(t *testing.T) {
	src := `const o = { import: 1 }; x.import('a'); const from = 'no'; import.meta.url`
	assert.Empty(t, StaticImport{}.Detect(newUnit(src)))
}

func TestDynamicImport(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want []string
	}{
		{"chain", `import('x');import('y');import('potential-typosquat')`, []string{"x", "y", "potential-typosquat"}},
		{"await", `const m = await import('awaited')`, []string{"awaited"}},
		{"then", `import("lazy").then(m => m.default)`, []string{"lazy"}},
		{"options", `import('data', { with: { type: 'json' } })`, []string{"data"}},
		{"computed", `import(name); import('./' + x)`, nil},
		{"member", `loader.import('no')`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			refs := DynamicImport{}.Detect(newUnit(tt.src))
			assert.Equal(t, tt.want, texts(refs))
		})
	}
}

func TestFreeText(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want []string
	}{
		{"cdn in comment", `// https://cdn.example/npm/chart.js@1.2.3`, []string{"chart.js@1.2.3"}},
		{"unpkg in string", `const s = "https://unpkg.com/@scope/lib@2/dist/x.js"`, []string{"@scope/lib@2"}},
		{"esm.sh", `/* see https://esm.sh/preact */`, []string{"preact"}},
		{"cdnjs", `// https://cdnjs.cloudflare.com/ajax/libs/moment.js/2.29.4/moment.min.js`, []string{"moment.js"}},
		{"install", `// run: npm install --save-dev left-pad right-pad`, []string{"left-pad", "right-pad"}},
		{"yarn", `// yarn add some-tool && echo`, []string{"some-tool"}},
		{"common word filtered", `// npm install name`, nil},
		{"chunk banner", `/*** WEBPACK CHUNK: vendor-lib ***/`, []string{"vendor-lib"}},
		{"import map", `const m = { "imports": { "vue": "https://unpkg.com/vue@3/dist/vue.esm-browser.js" } }`,
			[]string{"vue@3", "vue"}},
		{"homepage is not a module url", `{ "homepage": "https://example.com/docs" }`, nil},
		{"plain string", `require('lodash')`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			refs := FreeText{}.Detect(newUnit(tt.src))
			assert.ElementsMatch(t, tt.want, texts(refs))
			for _, r := range refs {
				assert.Equal(t, types.RoleFreeTextMention, r.Role)
				assert.Equal(t, tt.src[r.Span.Start:r.Span.End], r.Text)
			}
		})
	}
}

func TestFreeText_Markup(t *testing.T) {
	raw := "<html>\n<script src=\"https://unpkg.com/htmx.org@1.9.0\"></script>\n<script>import('inline-dep')</script>\n</html>"
	u := NewUnit(types.SourceUnit{ID: "index.html", Text: raw, Role: types.UnitModule, Dialect: "html"}, lexer.ScriptView(raw))

	refs := FreeText{}.Detect(u)
	require.Len(t, refs, 1)
	assert.Equal(t, "htmx.org@1.9.0", refs[0].Text)
	assert.Equal(t, 2, refs[0].Span.Line)

	dyn := DynamicImport{}.Detect(u)
	assert.Equal(t, []string{"inline-dep"}, texts(dyn))
}

func TestDetectors_KeepOverlaps(t *testing.T) {
	src := `require(import('both'))`
	u := newUnit(src)

	var all []types.RawReference
	for _, d := range Default() {
		if Applies(d, types.UnitModule) {
			all = append(all, d.Detect(u)...)
		}
	}
	// the sync-call detector does not see a literal first argument here, the
	// dynamic one does
	assert.Equal(t, []string{"both"}, texts(all))

	src = `define(['amd-and-umd'], function () {}); if (typeof exports === 'object' && define.amd) {}`
	u = newUnit(src)
	all = nil
	for _, d := range Default() {
		if Applies(d, types.UnitModule) {
			all = append(all, d.Detect(u)...)
		}
	}
	assert.Equal(t, []string{"amd-and-umd", "amd-and-umd"}, texts(all))
}

func TestLooksLikePackage(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"lodash", true},
		{"@scope/pkg", true},
		{"chart.js", true},
		{"name", false},
		{"dist", false},
		{"x", false},
		{"123", false},
		{"Hello World", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, looksLikePackage(tt.in), tt.in)
	}
}

func TestCommands(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want []string
	}{
		{"dockerfile run", "FROM node:20\nRUN npm install -g left-pad && npm cache clean --force\n", []string{"left-pad"}},
		{"workflow step", "jobs:\n  build:\n    steps:\n      - run: npm ci && npm install fancy-widget\n", []string{"fancy-widget"}},
		{"makefile variable", "deps:\n\t$(NPM) install chalk kleur\n", []string{"chalk", "kleur"}},
		{"npx takes one argument", "npx create-react-app my-app\n", []string{"create-react-app"}},
		{"comment skipped", "# npm install ignored-pkg\necho done\n", nil},
		{"cdn download", "curl -o vendor.js https://unpkg.com/htmx.org@1.9.0/dist/htmx.min.js\n", []string{"htmx.org@1.9.0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := RawUnit(types.SourceUnit{ID: "ci", Text: tt.src, Role: types.UnitScript})
			refs := Commands{}.Detect(u)
			assert.Equal(t, tt.want, texts(refs))
			for _, r := range refs {
				assert.Equal(t, tt.src[r.Span.Start:r.Span.End], r.Text)
			}
		})
	}
}

func TestCommands_Roles(t *testing.T) {
	src := "RUN npm i left-pad\nRUN curl https://cdn.jsdelivr.net/npm/chart.js@4\n"
	refs := Commands{}.Detect(RawUnit(types.SourceUnit{ID: "Dockerfile", Text: src, Role: types.UnitScript}))
	require.Len(t, refs, 2)

	assert.Equal(t, types.DetectorCommand, refs[0].Detector)
	assert.Equal(t, types.RoleDeclarative, refs[0].Role)
	assert.Equal(t, 1, refs[0].Span.Line)

	assert.Equal(t, "chart.js@4", refs[1].Text)
	assert.Equal(t, types.DetectorFreeText, refs[1].Detector)
	assert.Equal(t, types.RoleFreeTextMention, refs[1].Role)
	assert.Equal(t, 2, refs[1].Span.Line)
}

func TestDocument(t *testing.T) {
	doc := "# Usage\n\n" +
		"Install with `npm install fancy-widget`.\n\n" +
		"```js\n" +
		"import widget from 'fancy-widget'\n" +
		"const helper = require(\"tiny-helper\")\n" +
		"```\n\n" +
		"Add it to package.json:\n\n" +
		"    \"dependencies\": { \"extra-lib\": \"^1.2.0\" }\n\n" +
		"Then call `some-util` from your code.\n"
	u := NewUnit(types.SourceUnit{ID: "README.md", Text: doc, Role: types.UnitDocument, Dialect: "md"}, lexer.FenceView(doc))

	refs := Document{}.Detect(u)
	assert.ElementsMatch(t, []string{"fancy-widget", "fancy-widget", "tiny-helper", "extra-lib", "some-util"}, texts(refs))

	positions := make(map[string]string)
	for _, r := range refs {
		assert.Equal(t, types.RoleFreeTextMention, r.Role)
		assert.Equal(t, doc[r.Span.Start:r.Span.End], r.Text)
		if r.Text != "fancy-widget" {
			positions[r.Text] = r.Position
		}
	}
	assert.Equal(t, "doc-json-example", positions["extra-lib"])
	assert.Equal(t, "doc-inline-code", positions["some-util"])
	assert.Contains(t, positions["tiny-helper"], "doc-code.")
}

func TestDocument_InlineCodeInsideFenceIsCode(t *testing.T) {
	doc := "```\nconst s = `inline-name`\n```\n"
	u := NewUnit(types.SourceUnit{ID: "a.md", Text: doc, Role: types.UnitDocument}, lexer.FenceView(doc))
	for _, r := range (Document{}).Detect(u) {
		assert.NotEqual(t, "doc-inline-code", r.Position)
	}
}
