package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/seanhalberthal/squatscan/internal/ruleset"
)

// fakeBucket serves a paged listing of entry names and the entries in
// docs. Names missing from docs return 404.
type fakeBucket struct {
	pages    [][]string
	docs     map[string]string
	listCode int
	fetches  atomic.Int32
}

func (b *fakeBucket) serve(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/list", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("prefix"); got != "npm/MAL-" {
			t.Errorf("prefix = %q, want npm/MAL-", got)
		}
		if b.listCode != 0 {
			w.WriteHeader(b.listCode)
			return
		}
		page := 0
		if tok := r.URL.Query().Get("pageToken"); tok != "" {
			page = int(tok[0] - '0')
		}
		var items []string
		for _, name := range b.pages[page] {
			items = append(items, `{"name": "`+name+`"}`)
		}
		next := ""
		if page+1 < len(b.pages) {
			next = string(rune('0' + page + 1))
		}
		_, _ = w.Write([]byte(`{"items": [` + strings.Join(items, ",") + `], "nextPageToken": "` + next + `"}`))
	})
	mux.HandleFunc("/npm/", func(w http.ResponseWriter, r *http.Request) {
		b.fetches.Add(1)
		doc, ok := b.docs[strings.TrimPrefix(r.URL.Path, "/")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(doc))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func (b *fakeBucket) source(server *httptest.Server) *OSVSource {
	return NewOSVSource(WithOSVListURL(server.URL+"/list"), WithOSVBaseURL(server.URL))
}

func byName(feed *Feed) map[string]ruleset.VulnerablePattern {
	out := make(map[string]ruleset.VulnerablePattern, len(feed.Patterns))
	for _, p := range feed.Patterns {
		out[p.Name] = p
	}
	return out
}

func TestNewOSVSource(t *testing.T) {
	src := NewOSVSource()
	if src.Name() != "osv" {
		t.Errorf("Name() = %q, want osv", src.Name())
	}
	if src.CacheTTL() != osvCacheTTL {
		t.Errorf("CacheTTL() = %v, want %v", src.CacheTTL(), osvCacheTTL)
	}
	if src.listURL != osvGCSListURL || src.baseURL != osvGCSBaseURL {
		t.Errorf("default URLs = %q, %q", src.listURL, src.baseURL)
	}
	if src.logger == nil {
		t.Error("logger is nil")
	}
}

func TestOSVSource_Fetch(t *testing.T) {
	bucket := &fakeBucket{
		pages: [][]string{
			{"npm/MAL-2026-0001.json", "npm/MAL-2026-0002.json", "npm/README.txt"},
			{"npm/MAL-2026-0003.json", "npm/MAL-2026-0004.json", "npm/MAL-2026-0005.json"},
		},
		docs: map[string]string{
			"npm/MAL-2026-0001.json": `{"id": "MAL-2026-0001", "aliases": ["CVE-1", "GHSA-aaaa-bbbb-cccc"],
				"affected": [{"package": {"ecosystem": "npm", "name": "evil-pkg"}, "versions": ["1.0.0", "1.0.1"]}]}`,
			"npm/MAL-2026-0002.json": `{"id": "MAL-2026-0002",
				"affected": [
					{"package": {"ecosystem": "npm", "name": "@evil/all"}, "ranges": [{"type": "SEMVER", "events": [{"introduced": "0"}]}]},
					{"package": {"ecosystem": "PyPI", "name": "evil-py"}, "versions": ["0.1"]}
				]}`,
			"npm/MAL-2026-0003.json": `{"id": "MAL-2026-0003",
				"affected": [{"package": {"ecosystem": "npm", "name": "evil-pkg"}, "versions": ["1.0.1", "2.0.0"]}]}`,
			"npm/MAL-2026-0004.json": `{"id": "MAL-2026-0004", "withdrawn": "2026-02-01T00:00:00Z",
				"affected": [{"package": {"ecosystem": "npm", "name": "false-positive"}}]}`,
		},
	}
	server := bucket.serve(t)

	feed, err := bucket.source(server).Fetch(context.Background(), server.Client())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if feed.Source != "osv" || feed.FetchedAt == "" {
		t.Errorf("feed header = %q, %q", feed.Source, feed.FetchedAt)
	}
	if got := bucket.fetches.Load(); got != 5 {
		t.Errorf("fetched %d entries, want 5 (non-json skipped)", got)
	}

	got := byName(feed)
	if len(got) != 2 {
		t.Fatalf("patterns = %+v, want evil-pkg and @evil/all", feed.Patterns)
	}
	if feed.Patterns[0].Name != "@evil/all" {
		t.Errorf("patterns not sorted: %+v", feed.Patterns)
	}

	evil := got["evil-pkg"]
	if evil.Range != "1.0.0 || 1.0.1 || 2.0.0" {
		t.Errorf("evil-pkg range = %q", evil.Range)
	}
	if evil.AdvisoryID != "GHSA-aaaa-bbbb-cccc" || evil.Severity != "critical" {
		t.Errorf("evil-pkg = %+v", evil)
	}
	if all := got["@evil/all"]; all.Range != "" || all.AdvisoryID != "MAL-2026-0002" {
		t.Errorf("@evil/all = %+v", all)
	}
	if !evil.Matches("evil-pkg", []string{"2.0.0"}) || evil.Matches("evil-pkg", []string{"3.0.0"}) {
		t.Error("evil-pkg range should match 2.0.0 and not 3.0.0")
	}
}

func TestOSVSource_Fetch_Errors(t *testing.T) {
	tests := []struct {
		name    string
		bucket  *fakeBucket
		cancel  bool
		wantErr bool
		want    int
	}{
		{"empty listing", &fakeBucket{pages: [][]string{nil}}, false, false, 0},
		{"list fails", &fakeBucket{listCode: http.StatusInternalServerError}, false, true, 0},
		{"entries missing", &fakeBucket{pages: [][]string{{"npm/MAL-1.json", "npm/MAL-2.json"}}}, false, false, 0},
		{"cancelled", &fakeBucket{pages: [][]string{{"npm/MAL-1.json"}}}, true, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := tt.bucket.serve(t)
			ctx, cancel := context.WithCancel(context.Background())
			if tt.cancel {
				cancel()
			} else {
				defer cancel()
			}

			feed, err := tt.bucket.source(server).Fetch(ctx, server.Client())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Fetch() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && len(feed.Patterns) != tt.want {
				t.Errorf("got %d patterns, want %d", len(feed.Patterns), tt.want)
			}
			if err == nil && feed.Patterns == nil {
				t.Error("Patterns should be an empty slice, not nil")
			}
		})
	}
}

func TestAffectedRanges(t *testing.T) {
	ev := func(kind, v string) osvEvent {
		switch kind {
		case "i":
			return osvEvent{Introduced: v}
		case "f":
			return osvEvent{Fixed: v}
		default:
			return osvEvent{LastAffected: v}
		}
	}
	affected := func(typ string, events ...osvEvent) *osvAffected {
		a := &osvAffected{}
		a.Ranges = append(a.Ranges, struct {
			Type   string     `json:"type"`
			Events []osvEvent `json:"events"`
		}{Type: typ, Events: events})
		return a
	}

	tests := []struct {
		name    string
		in      *osvAffected
		want    string
		wantAll bool
	}{
		{"listed versions", &osvAffected{Versions: []string{"1.0.0", "1.2.0"}}, "1.0.0 || 1.2.0", false},
		{"open from zero", affected("SEMVER", ev("i", "0")), "", true},
		{"open from version", affected("SEMVER", ev("i", "2.0.0")), ">=2.0.0", false},
		{"fixed from zero", affected("SEMVER", ev("i", "0"), ev("f", "1.4.0")), "<1.4.0", false},
		{"introduced and fixed", affected("ECOSYSTEM", ev("i", "1.0.0"), ev("f", "1.0.5")), ">=1.0.0 <1.0.5", false},
		{"last affected", affected("SEMVER", ev("i", "3.0.0"), ev("l", "3.1.0")), ">=3.0.0 <=3.1.0", false},
		{"two windows", affected("SEMVER", ev("i", "1.0.0"), ev("f", "1.1.0"), ev("i", "2.0.0"), ev("f", "2.0.2")), ">=1.0.0 <1.1.0 || >=2.0.0 <2.0.2", false},
		{"git ranges ignored", affected("GIT", ev("i", "abc123")), "", false},
		{"nothing", &osvAffected{}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ranges, all := affectedRanges(tt.in)
			if all != tt.wantAll {
				t.Errorf("all = %v, want %v", all, tt.wantAll)
			}
			if got := strings.Join(ranges, " || "); got != tt.want {
				t.Errorf("ranges = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPatterns_NoVersionInfoCoversAll(t *testing.T) {
	e := &osvEntry{ID: "MAL-9"}
	e.Affected = make([]osvAffected, 1)
	e.Affected[0].Package.Ecosystem = "npm"
	e.Affected[0].Package.Name = "mystery"

	got := patterns([]*osvEntry{nil, e})
	if len(got) != 1 || got[0].Name != "mystery" || got[0].Range != "" {
		t.Errorf("patterns = %+v, want one all-versions pattern", got)
	}
}
