package configwalk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seanhalberthal/squatscan/internal/types"
)

func walk(t *testing.T, path, text string) ([]types.RawReference, bool) {
	t.Helper()
	su := types.SourceUnit{ID: path, Path: path, Text: text, Role: types.UnitBuildConfig}
	refs, partial := New().Walk(context.Background(), su)
	for _, r := range refs {
		require.Equal(t, r.Text, text[r.Span.Start:r.Span.End], "span of %q", r.Text)
		assert.Equal(t, types.RoleConfigValue, r.Role)
		assert.Equal(t, types.DetectorConfig, r.Detector)
	}
	return refs, partial
}

func texts(refs []types.RawReference) []string {
	var out []string
	for _, r := range refs {
		out = append(out, r.Text)
	}
	return out
}

func positions(refs []types.RawReference) map[string]string {
	out := make(map[string]string)
	for _, r := range refs {
		out[r.Text] = r.Position
	}
	return out
}

func TestWalk_TSConfig(t *testing.T) {
	src := `{
  // editor settings
  "compilerOptions": {
    "types": ["node", "jest", "missing-types-pkg"], /* runtime */
    "plugins": [{ "name": "typescript-plugin-css-modules" }]
  },
  "extends": "@tsconfig/node18/tsconfig.json"
}
`
	refs, partial := walk(t, "tsconfig.json", src)
	assert.False(t, partial)
	assert.Equal(t, []string{
		"node", "jest", "missing-types-pkg",
		"typescript-plugin-css-modules",
		"@tsconfig/node18/tsconfig.json",
	}, texts(refs))
	assert.Equal(t, "config.compilerOptions.types", positions(refs)["jest"])
	assert.Equal(t, 4, refs[0].Span.Line)
}

func TestWalk_PackageManifest(t *testing.T) {
	src := `{
  "name": "app",
  "dependencies": {"lodash": "^4.17.21", "@scope/pkg": "1.0.0"},
  "devDependencies": {"jest": "^29.0.0"},
  "bundledDependencies": ["lodash"],
  "config": {"dependencies": {"nested": "1"}}
}`
	refs, _ := walk(t, "package.json", src)
	assert.Equal(t, []string{"lodash", "@scope/pkg", "jest", "lodash"}, texts(refs))
	assert.Equal(t, "config.dependencies", refs[0].Position)
	assert.Equal(t, "config.bundledDependencies", refs[3].Position)
}

func TestWalk_ExtensionlessJSON(t *testing.T) {
	src := `{
  "presets": [["@babel/preset-env", {"targets": "defaults"}], "@babel/preset-react"],
  "plugins": ["babel-plugin-x"]
}`
	refs, _ := walk(t, ".babelrc", src)
	assert.Equal(t, []string{"@babel/preset-env", "@babel/preset-react", "babel-plugin-x"}, texts(refs))
}

func TestWalk_YAML(t *testing.T) {
	src := `parser: "@typescript-eslint/parser"
extends:
  - eslint:recommended
  - airbnb
plugins:
  - react
  - 'missing-eslint-plugin'
rules:
  semi: error
`
	refs, partial := walk(t, ".eslintrc.yml", src)
	assert.False(t, partial)
	assert.Equal(t, []string{
		"@typescript-eslint/parser",
		"eslint:recommended", "airbnb",
		"react", "missing-eslint-plugin",
	}, texts(refs))
	assert.Equal(t, 7, refs[4].Span.Line)
}

func TestWalk_SharedConfigString(t *testing.T) {
	refs, _ := walk(t, ".prettierrc", "\"prettier-config-acme\"\n")
	require.Len(t, refs, 1)
	assert.Equal(t, "prettier-config-acme", refs[0].Text)
	assert.Equal(t, "config.shared", refs[0].Position)
}

func TestWalk_BuiltinParserSkipped(t *testing.T) {
	refs, _ := walk(t, ".prettierrc.json", `{"overrides": [{"files": "*.md", "options": {"parser": "markdown"}}]}`)
	assert.Empty(t, refs)
}

func TestWalk_Malformed(t *testing.T) {
	refs, partial := walk(t, "tsconfig.json", `{"compilerOptions": {"types": ["node"`)
	assert.True(t, partial)
	assert.Empty(t, refs)
}

func TestWalk_UnterminatedComment(t *testing.T) {
	refs, partial := walk(t, "tsconfig.json", "{\"extends\": \"base-config\"}\n/* left open")
	assert.True(t, partial)
	assert.Equal(t, []string{"base-config"}, texts(refs))
}

func TestWalk_NonWhitelistedIgnored(t *testing.T) {
	refs, _ := walk(t, "config.json", `{"name": "lodash", "main": "react", "scripts": {"build": "webpack"}}`)
	assert.Empty(t, refs)
}
