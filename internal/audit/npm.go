// Package audit flags registry records that have npm security advisories.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/seanhalberthal/squatscan/internal/registry"
)

// defaultEndpoint is the npm bulk advisory endpoint (npm v7+).
const defaultEndpoint = "https://registry.npmjs.org/-/npm/v1/security/advisories/bulk"

// defaultTimeout is the HTTP client timeout.
const defaultTimeout = 30 * time.Second

// Client handles npm advisory API requests.
type Client struct {
	httpClient *http.Client
	endpoint   string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithEndpoint sets a custom advisory endpoint.
func WithEndpoint(endpoint string) Option {
	return func(client *Client) {
		client.endpoint = endpoint
	}
}

// NewClient creates a new npm advisory client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		endpoint:   defaultEndpoint,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dependency is a package name with one observed version.
type Dependency struct {
	Name    string
	Version string
}

// Advisory is one advisory affecting an observed version.
type Advisory struct {
	Package   string `json:"package"`
	Version   string `json:"version"`
	ID        string `json:"id"`
	Severity  string `json:"severity"`
	Title     string `json:"title"`
	PatchedIn string `json:"patched_in,omitempty"`
}

// bulkRequest maps package names to their observed versions.
type bulkRequest map[string][]string

// bulkAdvisory is an advisory from the bulk advisory endpoint.
type bulkAdvisory struct {
	ID                 int    `json:"id"`
	URL                string `json:"url"`
	Title              string `json:"title"`
	Severity           string `json:"severity"`
	VulnerableVersions string `json:"vulnerable_versions"`
	PatchedVersions    string `json:"patched_versions"`
	GHSAID             string `json:"github_advisory_id"`
}

// bulkResponse maps package names to their advisories.
type bulkResponse map[string][]bulkAdvisory

// Advisories returns the advisories affecting the given dependencies.
// Dependencies without a version are not sent.
func (c *Client) Advisories(ctx context.Context, deps []Dependency) ([]Advisory, error) {
	req := buildBulkRequest(deps)
	if len(req) == 0 {
		return nil, nil
	}

	resp, err := c.doBulkAudit(ctx, req)
	if err != nil {
		return nil, err
	}
	return convertBulkAdvisories(resp, req), nil
}

// FlagAdvisories returns a copy of snap in which every present package with
// an advisory for one of its observed versions is advisory-flagged. The
// patched range, when known, becomes the record's latest-safe marker.
func (c *Client) FlagAdvisories(ctx context.Context, snap *registry.MemorySnapshot, deps []Dependency) (*registry.MemorySnapshot, []Advisory, error) {
	advisories, err := c.Advisories(ctx, deps)
	if err != nil {
		return nil, nil, err
	}
	if len(advisories) == 0 {
		return snap, nil, nil
	}

	records := snap.Records()
	for _, adv := range advisories {
		r, ok := records[adv.Package]
		if !ok || !r.Exists {
			continue
		}
		r.AdvisoryFlagged = true
		if adv.PatchedIn != "" {
			r.LatestSafe = adv.PatchedIn
		}
		records[adv.Package] = r
	}
	flagged := registry.NewSnapshot(records, snap.PopularityCorpus()).
		WithSource(snap.Source()).
		WithUnverified(snap.UnverifiedNames()...)
	return flagged, advisories, nil
}

// buildBulkRequest groups versions by package, skipping empty versions.
func buildBulkRequest(deps []Dependency) bulkRequest {
	req := make(bulkRequest)
	for _, d := range deps {
		if d.Name == "" || d.Version == "" {
			continue
		}
		req[d.Name] = append(req[d.Name], d.Version)
	}
	return req
}

// doBulkAudit makes the HTTP request to the npm bulk advisory API.
func (c *Client) doBulkAudit(ctx context.Context, req bulkRequest) (bulkResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal audit request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq) //nolint:gosec // URL is the configured npm audit endpoint
	if err != nil {
		return nil, fmt.Errorf("audit request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("audit API returned status %d", resp.StatusCode)
	}

	var bulkResp bulkResponse
	if err := json.NewDecoder(resp.Body).Decode(&bulkResp); err != nil {
		return nil, fmt.Errorf("failed to decode audit response: %w", err)
	}

	return bulkResp, nil
}

// convertBulkAdvisories pairs each advisory with the observed versions of
// its package. Output is sorted by package, version and ID.
func convertBulkAdvisories(resp bulkResponse, req bulkRequest) []Advisory {
	out := make([]Advisory, 0)
	for pkgName, advisories := range resp {
		for i := range advisories {
			for _, version := range req[pkgName] {
				out = append(out, Advisory{
					Package:   pkgName,
					Version:   version,
					ID:        getBulkAdvisoryID(&advisories[i]),
					Severity:  normaliseSeverity(advisories[i].Severity),
					Title:     advisories[i].Title,
					PatchedIn: advisories[i].PatchedVersions,
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Package != out[j].Package {
			return out[i].Package < out[j].Package
		}
		if out[i].Version != out[j].Version {
			return out[i].Version < out[j].Version
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// normaliseSeverity normalises severity strings.
func normaliseSeverity(s string) string {
	s = strings.ToLower(s)
	switch s {
	case "critical", "high", "moderate", "low", "info":
		return s
	default:
		return "unknown"
	}
}

// getBulkAdvisoryID returns the best identifier for a bulk advisory.
func getBulkAdvisoryID(adv *bulkAdvisory) string {
	if adv.GHSAID != "" {
		return adv.GHSAID
	}
	return fmt.Sprintf("npm:%d", adv.ID)
}
