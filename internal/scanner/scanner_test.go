package scanner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seanhalberthal/squatscan/internal/config"
	"github.com/seanhalberthal/squatscan/internal/engine"
	"github.com/seanhalberthal/squatscan/internal/registry"
	"github.com/seanhalberthal/squatscan/internal/supplychain/sources"
	"github.com/seanhalberthal/squatscan/internal/types"
)

func project(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return root
}

// npmServer serves package documents for react and lodash, 404s for
// everything else and one lodash advisory.
func npmServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.EscapedPath() {
		case "/-/npm/v1/security/advisories/bulk":
			_, _ = w.Write([]byte(`{"lodash": [{"id": 1, "title": "Prototype Pollution", "severity": "high", "patched_versions": ">=4.17.21", "github_advisory_id": "GHSA-p6mc-m468-83gw"}]}`))
		case "/react", "/lodash":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"name":        r.URL.Path[1:],
				"dist-tags":   map[string]string{"latest": "1.0.0"},
				"maintainers": []map[string]string{{"name": "owner"}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func testConfig(t *testing.T, registryURL string) *config.Config {
	cfg := config.Default()
	cfg.CacheDir = t.TempDir()
	cfg.RegistryURL = registryURL
	cfg.Concurrency = 2
	return cfg
}

func testSnapshot() *registry.MemorySnapshot {
	return registry.NewSnapshot(map[string]registry.Record{
		"react":  {Exists: true, Claimed: true, PopularityRank: 1},
		"lodash": {Exists: true, Claimed: true, PopularityRank: 2},
	}, nil).WithSource("test")
}

func findingsByName(res *types.ScanResult) map[string]types.Finding {
	out := make(map[string]types.Finding)
	for _, f := range res.Findings {
		out[f.Package] = f
	}
	return out
}

func TestScan_WithSnapshot(t *testing.T) {
	root := project(t, map[string]string{
		"src/index.js": "const React = require('react');\nimport x from 'reakt';\nrequire('./local');\n",
		"package.json": `{"dependencies": {"left-padd": "^1.0.0"}}`,
	})
	svc, err := New(WithConfig(testConfig(t, "http://127.0.0.1:1")), WithSnapshot(testSnapshot()))
	require.NoError(t, err)

	res, err := svc.Scan(context.Background(), ScanOptions{Path: root, IncludeUnits: true})
	require.NoError(t, err)

	_, err = uuid.Parse(res.ScanID)
	assert.NoError(t, err)
	assert.Equal(t, root, res.Root)
	assert.Equal(t, 2, res.Summary.UnitsScanned)
	assert.Len(t, res.Units, 2)
	assert.Equal(t, 3, res.Summary.Findings)

	found := findingsByName(res)
	assert.True(t, found["react"].Categories.Has(types.CategoryResolved))
	assert.True(t, found["reakt"].Categories.Has(types.CategoryTyposquat))
	assert.Equal(t, "react", found["reakt"].Nearest)
	assert.True(t, found["left-padd"].Categories.Has(types.CategoryMissing))
	assert.Equal(t, types.RoleConfigValue, found["left-padd"].Role)

	assert.Equal(t, 1, res.Summary.ByCategory["resolved"])
	assert.Equal(t, 2, res.Summary.ByCategory["missing"])
	assert.Equal(t, "left-padd", res.Findings[0].Package)
}

func TestScan_NoSnapshot(t *testing.T) {
	root := project(t, map[string]string{"a.js": "require('react')"})
	svc, err := New(WithConfig(testConfig(t, "http://127.0.0.1:1")))
	require.NoError(t, err)

	_, err = svc.Scan(context.Background(), ScanOptions{Path: root})
	assert.ErrorIs(t, err, engine.ErrRegistryUnavailable)
}

func TestScan_MissingPath(t *testing.T) {
	svc, err := New(WithConfig(testConfig(t, "http://127.0.0.1:1")), WithSnapshot(testSnapshot()))
	require.NoError(t, err)

	_, err = svc.Scan(context.Background(), ScanOptions{})
	assert.Error(t, err)
	_, err = svc.Scan(context.Background(), ScanOptions{Path: filepath.Join(t.TempDir(), "nope")})
	assert.Error(t, err)
}

func TestScan_Fetch(t *testing.T) {
	server := npmServer(t, nil)
	root := project(t, map[string]string{
		"a.js": "require('react');\nrequire('not-published-anywhere');\n// https://unpkg.com/lodash@4.17.20\n",
	})
	svc, err := New(WithConfig(testConfig(t, server.URL)), WithHTTPClient(server.Client()))
	require.NoError(t, err)

	res, err := svc.Scan(context.Background(), ScanOptions{Path: root, Fetch: true})
	require.NoError(t, err)

	found := findingsByName(res)
	assert.Equal(t, []types.Category{types.CategoryResolved}, found["react"].Categories.List())
	assert.True(t, found["not-published-anywhere"].Categories.Has(types.CategoryMissing))
	assert.True(t, found["not-published-anywhere"].Categories.Has(types.CategoryUnclaimed))
	assert.True(t, found["lodash"].Categories.Has(types.CategoryVulnerable), "lodash has an advisory for 4.17.20")
}

func TestScan_FetchSkipsKnown(t *testing.T) {
	var hits atomic.Int32
	server := npmServer(t, &hits)
	root := project(t, map[string]string{"a.js": "require('react'); require('lodash')"})
	svc, err := New(WithConfig(testConfig(t, server.URL)), WithHTTPClient(server.Client()), WithSnapshot(testSnapshot()))
	require.NoError(t, err)

	_, err = svc.Scan(context.Background(), ScanOptions{Path: root, Fetch: true})
	require.NoError(t, err)
	assert.Zero(t, hits.Load())
}

func TestScan_FetchUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()
	root := project(t, map[string]string{"a.js": "require('react')"})

	svc, err := New(WithConfig(testConfig(t, server.URL)), WithHTTPClient(server.Client()))
	require.NoError(t, err)
	_, err = svc.Scan(context.Background(), ScanOptions{Path: root, Fetch: true})
	assert.ErrorIs(t, err, engine.ErrRegistryUnavailable)

	svc, err = New(WithConfig(testConfig(t, server.URL)), WithHTTPClient(server.Client()), WithSnapshot(testSnapshot()))
	require.NoError(t, err)
	root = project(t, map[string]string{"a.js": "require('unknown-pkg')"})
	res, err := svc.Scan(context.Background(), ScanOptions{Path: root, Fetch: true})
	require.NoError(t, err, "configured snapshot is used when fetching fails")
	unknown := findingsByName(res)["unknown-pkg"]
	assert.False(t, unknown.Categories.Has(types.CategoryMissing), "a failed lookup is not an absence")
	assert.Contains(t, unknown.RuleTrail, "unverified: registry lookup failed, presence unknown")
}

func TestScan_FetchRateLimitedName(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.EscapedPath() {
		case "/express":
			w.WriteHeader(http.StatusTooManyRequests)
		case "/lodash":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"name":        "lodash",
				"maintainers": []map[string]string{{"name": "owner"}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()
	root := project(t, map[string]string{"a.js": "require('express'); require('lodash'); require('gone-pkg')"})

	svc, err := New(WithConfig(testConfig(t, server.URL)), WithHTTPClient(server.Client()))
	require.NoError(t, err)
	res, err := svc.Scan(context.Background(), ScanOptions{Path: root, Fetch: true})
	require.NoError(t, err)

	found := findingsByName(res)
	express := found["express"]
	assert.False(t, express.Categories.Has(types.CategoryMissing))
	assert.False(t, express.Categories.Has(types.CategoryUnclaimed))
	assert.Less(t, express.Confidence, 1.0)
	assert.Contains(t, express.RuleTrail, "unverified: registry lookup failed, presence unknown")

	assert.True(t, found["gone-pkg"].Categories.Has(types.CategoryMissing), "a 404 is still a confirmed absence")
	assert.Equal(t, []types.Category{types.CategoryResolved}, found["lodash"].Categories.List())
}

func TestScan_NoSnapshotFailsBeforeWalking(t *testing.T) {
	svc, err := New(WithConfig(testConfig(t, "http://127.0.0.1:1")))
	require.NoError(t, err)

	_, err = svc.Scan(context.Background(), ScanOptions{Path: filepath.Join(t.TempDir(), "does-not-exist")})
	assert.ErrorIs(t, err, engine.ErrRegistryUnavailable)
}

func TestCheckPackage(t *testing.T) {
	server := npmServer(t, nil)
	svc, err := New(WithConfig(testConfig(t, server.URL)), WithHTTPClient(server.Client()), WithSnapshot(testSnapshot()))
	require.NoError(t, err)
	ctx := context.Background()

	res, err := svc.CheckPackage(ctx, "react", "")
	require.NoError(t, err)
	assert.Equal(t, []types.Category{types.CategoryResolved}, res.Categories.List())

	res, err = svc.CheckPackage(ctx, "reactt", "")
	require.NoError(t, err)
	assert.True(t, res.Categories.Has(types.CategoryMissing))
	assert.Equal(t, "react", res.Nearest)

	res, err = svc.CheckPackage(ctx, "lodash@4.17.20", "")
	require.NoError(t, err)
	assert.Equal(t, "4.17.20", res.Version)
	assert.True(t, res.Categories.Has(types.CategoryVulnerable))

	res, err = svc.CheckPackage(ctx, "event-stream", "3.3.6")
	require.NoError(t, err)
	assert.True(t, res.Categories.Has(types.CategoryVulnerable))

	_, err = svc.CheckPackage(ctx, "./relative", "")
	assert.Error(t, err)
}

func osvServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/list", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"items": [{"name": "npm/MAL-2026-0001.json"}]}`))
	})
	mux.HandleFunc("/npm/MAL-2026-0001.json", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id": "MAL-2026-0001", "affected": [{"package": {"ecosystem": "npm", "name": "evil-helper"}, "ranges": [{"type": "SEMVER", "events": [{"introduced": "0"}]}]}]}`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestRefresh(t *testing.T) {
	server := osvServer(t)
	osv := sources.NewOSVSource(sources.WithOSVListURL(server.URL+"/list"), sources.WithOSVBaseURL(server.URL))
	svc, err := New(WithConfig(testConfig(t, "http://127.0.0.1:1")), WithHTTPClient(server.Client()), WithOSVSource(osv), WithSnapshot(testSnapshot()))
	require.NoError(t, err)
	ctx := context.Background()

	before := svc.GetStatus().Ruleset.VulnerablePatterns

	res, err := svc.Refresh(ctx, false)
	require.NoError(t, err)
	assert.True(t, res.Updated)
	assert.Equal(t, 1, res.PatternsCount)

	res, err = svc.Refresh(ctx, false)
	require.NoError(t, err)
	assert.False(t, res.Updated, "fresh feed is kept")
	assert.Equal(t, 1, res.PatternsCount)

	res, err = svc.Refresh(ctx, true)
	require.NoError(t, err)
	assert.True(t, res.Updated)

	assert.Equal(t, before+1, svc.GetStatus().Ruleset.VulnerablePatterns)

	root := project(t, map[string]string{"a.js": "require('evil-helper')"})
	scan, err := svc.Scan(ctx, ScanOptions{Path: root})
	require.NoError(t, err)
	require.Len(t, scan.Findings, 1)
	assert.True(t, scan.Findings[0].Categories.Has(types.CategoryVulnerable))
}

func TestRefresh_NoCache(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.CacheDir = ""
	svc, err := New(WithConfig(cfg))
	require.NoError(t, err)

	_, err = svc.Refresh(context.Background(), true)
	assert.Error(t, err)
}

func TestGetStatus(t *testing.T) {
	svc, err := New(WithConfig(testConfig(t, "http://127.0.0.1:1")))
	require.NoError(t, err)

	status := svc.GetStatus()
	assert.Equal(t, types.Version, status.Version)
	assert.Equal(t, "none", status.Registry.Source)
	assert.Equal(t, "embedded", status.Ruleset.Source)
	assert.Contains(t, status.SupportedConfigs, "package.json")
	assert.Contains(t, status.SupportedDialects, "amd")

	svc, err = New(WithConfig(testConfig(t, "http://127.0.0.1:1")), WithSnapshot(testSnapshot()))
	require.NoError(t, err)
	assert.Equal(t, "test", svc.GetStatus().Registry.Source)
	assert.Equal(t, 2, svc.GetStatus().Registry.Records)
}

func TestNew_LoadsConfiguredFiles(t *testing.T) {
	dir := t.TempDir()
	snapPath := filepath.Join(dir, "snap.yaml")
	require.NoError(t, registry.WriteFile(snapPath, testSnapshot()))

	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Snapshot = snapPath
	svc, err := New(WithConfig(cfg))
	require.NoError(t, err)
	assert.Equal(t, snapPath, svc.GetStatus().Registry.Source)

	cfg.Ruleset = filepath.Join(dir, "missing.yaml")
	_, err = New(WithConfig(cfg))
	assert.Error(t, err)
}

func TestBuildSnapshot(t *testing.T) {
	server := npmServer(t, nil)
	root := project(t, map[string]string{"a.js": "require('react'); require('ghost-pkg')"})
	svc, err := New(WithConfig(testConfig(t, server.URL)), WithHTTPClient(server.Client()))
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "snap.db")
	snap, err := svc.BuildSnapshot(context.Background(), root, out)
	require.NoError(t, err)
	assert.True(t, snap.Known("ghost-pkg"))

	loaded, err := registry.LoadFile(out)
	require.NoError(t, err)
	rec, ok := loaded.Lookup("react")
	assert.True(t, ok)
	assert.True(t, rec.Claimed)
	_, ok = loaded.Lookup("ghost-pkg")
	assert.False(t, ok)
	assert.NotEmpty(t, loaded.PopularityCorpus())
}
