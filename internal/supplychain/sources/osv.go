// Package sources fetches advisory feeds that extend the risk ruleset.
package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seanhalberthal/squatscan/internal/logging"
	"github.com/seanhalberthal/squatscan/internal/ruleset"
)

const (
	// osvGCSListURL is the GCS JSON API endpoint for listing objects in the OSV bucket.
	osvGCSListURL = "https://storage.googleapis.com/storage/v1/b/osv-vulnerabilities/o"

	// osvGCSBaseURL is the public base URL for fetching individual OSV entries.
	osvGCSBaseURL = "https://osv-vulnerabilities.storage.googleapis.com"

	osvCacheTTL   = 12 * time.Hour
	osvSourceName = "osv"

	// osvMaxEntries caps how many malware entries one refresh downloads.
	osvMaxEntries       = 5000
	osvPageSize         = 1000
	osvFetchConcurrency = 10

	malwareSeverity = "critical"
)

// OSVSource turns the npm malware entries (MAL- IDs) of the OSV.dev data
// bucket into vulnerable-package patterns.
type OSVSource struct {
	listURL string
	baseURL string
	logger  *slog.Logger
}

// OSVSourceOption configures an OSVSource.
type OSVSourceOption func(*OSVSource)

// WithOSVListURL sets a custom GCS list URL.
func WithOSVListURL(u string) OSVSourceOption {
	return func(s *OSVSource) {
		s.listURL = u
	}
}

// WithOSVBaseURL sets a custom base URL for fetching entries.
func WithOSVBaseURL(u string) OSVSourceOption {
	return func(s *OSVSource) {
		s.baseURL = u
	}
}

// WithOSVLogger sets the logger used for skipped entries.
func WithOSVLogger(l *slog.Logger) OSVSourceOption {
	return func(s *OSVSource) {
		s.logger = l
	}
}

// NewOSVSource creates a new OSV.dev feed source.
func NewOSVSource(opts ...OSVSourceOption) *OSVSource {
	s := &OSVSource{
		listURL: osvGCSListURL,
		baseURL: osvGCSBaseURL,
		logger:  logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the source identifier.
func (s *OSVSource) Name() string {
	return osvSourceName
}

// CacheTTL returns how long a fetched feed stays fresh.
func (s *OSVSource) CacheTTL() time.Duration {
	return osvCacheTTL
}

// Feed is the result of fetching an advisory source.
type Feed struct {
	Source    string                      `json:"source"`
	FetchedAt string                      `json:"fetched_at"`
	Patterns  []ruleset.VulnerablePattern `json:"patterns"`
}

// Fetch downloads the npm malware entries and converts them to patterns.
// Entries that cannot be fetched or decoded are skipped; a failed listing or
// a cancelled context fails the whole fetch.
func (s *OSVSource) Fetch(ctx context.Context, client *http.Client) (*Feed, error) {
	names, err := s.list(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("failed to list OSV malware entries: %w", err)
	}

	entries, err := s.entries(ctx, client, names)
	if err != nil {
		return nil, err
	}

	return &Feed{
		Source:    s.Name(),
		FetchedAt: time.Now().UTC().Format(time.RFC3339),
		Patterns:  patterns(entries),
	}, nil
}

type gcsListResponse struct {
	Items []struct {
		Name string `json:"name"`
	} `json:"items"`
	NextPageToken string `json:"nextPageToken"`
}

// list pages through the bucket listing for npm/MAL-*.json objects.
func (s *OSVSource) list(ctx context.Context, client *http.Client) ([]string, error) {
	var names []string
	token := ""
	for {
		q := url.Values{}
		q.Set("prefix", "npm/MAL-")
		q.Set("fields", "items(name),nextPageToken")
		q.Set("maxResults", fmt.Sprint(osvPageSize))
		if token != "" {
			q.Set("pageToken", token)
		}

		var page gcsListResponse
		if err := getJSON(ctx, client, s.listURL+"?"+q.Encode(), &page); err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			if strings.HasSuffix(item.Name, ".json") {
				names = append(names, item.Name)
			}
		}
		if len(names) >= osvMaxEntries {
			return names[:osvMaxEntries], nil
		}
		if page.NextPageToken == "" {
			return names, nil
		}
		token = page.NextPageToken
	}
}

// osvEntry is the part of an OSV record the feed uses.
type osvEntry struct {
	ID        string        `json:"id"`
	Aliases   []string      `json:"aliases"`
	Withdrawn string        `json:"withdrawn"`
	Affected  []osvAffected `json:"affected"`
}

type osvAffected struct {
	Package struct {
		Ecosystem string `json:"ecosystem"`
		Name      string `json:"name"`
	} `json:"package"`
	Ranges []struct {
		Type   string     `json:"type"`
		Events []osvEvent `json:"events"`
	} `json:"ranges"`
	Versions []string `json:"versions"`
}

type osvEvent struct {
	Introduced   string `json:"introduced,omitempty"`
	Fixed        string `json:"fixed,omitempty"`
	LastAffected string `json:"last_affected,omitempty"`
}

// advisoryID prefers a GHSA alias over the OSV identifier.
func (e *osvEntry) advisoryID() string {
	for _, alias := range e.Aliases {
		if strings.HasPrefix(alias, "GHSA-") {
			return alias
		}
	}
	return e.ID
}

// entries fetches every named entry with bounded concurrency. The result is
// index-aligned with names; skipped entries are nil.
func (s *OSVSource) entries(ctx context.Context, client *http.Client, names []string) ([]*osvEntry, error) {
	out := make([]*osvEntry, len(names))

	var g errgroup.Group
	g.SetLimit(osvFetchConcurrency)
	for i, name := range names {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e osvEntry
			if err := getJSON(ctx, client, s.baseURL+"/"+name, &e); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Debug("OSV entry skipped", "entry", name, "error", err)
				return nil
			}
			out[i] = &e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func getJSON(ctx context.Context, client *http.Client, u string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.Do(req) //nolint:gosec // URL is the configured OSV endpoint
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", u, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", u, err)
	}
	return nil
}

// affectedPackage accumulates the ranges of one package across entries.
type affectedPackage struct {
	advisoryID string
	all        bool
	ranges     []string
	seen       map[string]bool
}

// patterns merges entries into one pattern per npm package, sorted by name.
// Withdrawn entries are ignored. The first entry naming a package supplies
// its advisory ID; an entry without version information covers every version.
func patterns(entries []*osvEntry) []ruleset.VulnerablePattern {
	pkgs := make(map[string]*affectedPackage)
	for _, e := range entries {
		if e == nil || e.Withdrawn != "" {
			continue
		}
		for i := range e.Affected {
			a := &e.Affected[i]
			if !strings.EqualFold(a.Package.Ecosystem, "npm") || a.Package.Name == "" {
				continue
			}
			p, ok := pkgs[a.Package.Name]
			if !ok {
				p = &affectedPackage{advisoryID: e.advisoryID(), seen: make(map[string]bool)}
				pkgs[a.Package.Name] = p
			}
			ranges, all := affectedRanges(a)
			if all || len(ranges) == 0 {
				p.all = true
			}
			for _, r := range ranges {
				if !p.seen[r] {
					p.seen[r] = true
					p.ranges = append(p.ranges, r)
				}
			}
		}
	}

	out := make([]ruleset.VulnerablePattern, 0, len(pkgs))
	for name, p := range pkgs {
		pattern := ruleset.VulnerablePattern{
			Name:       name,
			AdvisoryID: p.advisoryID,
			Severity:   malwareSeverity,
		}
		if !p.all {
			pattern.Range = strings.Join(p.ranges, " || ")
		}
		out = append(out, pattern)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// affectedRanges converts an affected block into semver constraints. Listed
// versions are exact matches; SEMVER and ECOSYSTEM ranges become
// ">=introduced <fixed" (or "<=last_affected"). all reports an open range
// starting at zero, which covers every version.
func affectedRanges(a *osvAffected) (ranges []string, all bool) {
	if len(a.Versions) > 0 {
		return a.Versions, false
	}
	for _, r := range a.Ranges {
		if r.Type != "SEMVER" && r.Type != "ECOSYSTEM" {
			continue
		}
		introduced := ""
		open := false
		for _, ev := range r.Events {
			switch {
			case ev.Introduced != "":
				introduced = ev.Introduced
				open = true
			case ev.Fixed != "" && open:
				ranges = append(ranges, bounded(introduced, "<"+ev.Fixed))
				open = false
			case ev.LastAffected != "" && open:
				ranges = append(ranges, bounded(introduced, "<="+ev.LastAffected))
				open = false
			}
		}
		if open {
			if introduced == "0" {
				return nil, true
			}
			ranges = append(ranges, ">="+introduced)
		}
	}
	return ranges, false
}

func bounded(introduced, upper string) string {
	if introduced == "0" {
		return upper
	}
	return ">=" + introduced + " " + upper
}
