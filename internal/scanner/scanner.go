// Package scanner is the service layer shared by the CLI and the MCP server.
// It resolves configuration, walks the project, loads or fetches the
// registry snapshot and runs the engine.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/seanhalberthal/squatscan/internal/audit"
	"github.com/seanhalberthal/squatscan/internal/cache"
	"github.com/seanhalberthal/squatscan/internal/classify"
	"github.com/seanhalberthal/squatscan/internal/config"
	"github.com/seanhalberthal/squatscan/internal/engine"
	"github.com/seanhalberthal/squatscan/internal/logging"
	"github.com/seanhalberthal/squatscan/internal/normalize"
	"github.com/seanhalberthal/squatscan/internal/registry"
	"github.com/seanhalberthal/squatscan/internal/ruleset"
	"github.com/seanhalberthal/squatscan/internal/supplychain/sources"
	"github.com/seanhalberthal/squatscan/internal/types"
	"github.com/seanhalberthal/squatscan/internal/walker"
)

// feedKey is the cache key of the OSV advisory feed.
const feedKey = "osv/feed"

// Scanner is implemented by Service. The MCP server depends on it so tests
// can substitute a fake.
type Scanner interface {
	Scan(ctx context.Context, opts ScanOptions) (*types.ScanResult, error)
	CheckPackage(ctx context.Context, name, version string) (*types.CheckResult, error)
	Refresh(ctx context.Context, force bool) (*types.RefreshResult, error)
	GetStatus() types.StatusResponse
}

// ScanOptions configures one scan.
type ScanOptions struct {
	Path string
	// Fetch queries the registry for every package found, on top of any
	// configured snapshot.
	Fetch bool
	// IncludeUnits lists the scanned units in the result.
	IncludeUnits bool
}

// Service implements Scanner.
type Service struct {
	cfg     *config.Config
	logger  *slog.Logger
	rules   *ruleset.Ruleset
	snap    *registry.MemorySnapshot
	cache   *cache.Cache
	client  *http.Client
	fetcher *registry.Fetcher
	auditor *audit.Client
	osv     *sources.OSVSource
	engine  *engine.Engine
}

// Option configures a Service.
type Option func(*Service)

// WithConfig sets the configuration. Defaults apply otherwise.
func WithConfig(cfg *config.Config) Option {
	return func(s *Service) {
		s.cfg = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// WithRuleset overrides the configured ruleset.
func WithRuleset(r *ruleset.Ruleset) Option {
	return func(s *Service) {
		s.rules = r
	}
}

// WithSnapshot overrides the configured registry snapshot.
func WithSnapshot(snap *registry.MemorySnapshot) Option {
	return func(s *Service) {
		s.snap = snap
	}
}

// WithHTTPClient sets the client used for registry and advisory requests.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) {
		s.client = c
	}
}

// WithAuditClient replaces the npm advisory client.
func WithAuditClient(c *audit.Client) Option {
	return func(s *Service) {
		s.auditor = c
	}
}

// WithOSVSource replaces the OSV feed source.
func WithOSVSource(src *sources.OSVSource) Option {
	return func(s *Service) {
		s.osv = src
	}
}

// New creates a Service. The ruleset and snapshot files named by the
// configuration are loaded here; a missing cache directory only disables
// caching.
func New(opts ...Option) (*Service, error) {
	s := &Service{}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg == nil {
		s.cfg = config.Default()
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: s.cfg.FetchTimeout}
	}

	if s.rules == nil {
		s.rules = ruleset.Default()
		if s.cfg.Ruleset != "" {
			r, err := ruleset.LoadFile(s.cfg.Ruleset)
			if err != nil {
				return nil, fmt.Errorf("failed to load ruleset: %w", err)
			}
			s.rules = r
		}
	}
	if s.snap == nil && s.cfg.Snapshot != "" {
		snap, err := registry.LoadFile(s.cfg.Snapshot)
		if err != nil {
			return nil, fmt.Errorf("failed to load snapshot: %w", err)
		}
		s.snap = snap
	}

	if s.cfg.CacheDir != "" {
		c, err := cache.New(s.cfg.CacheDir)
		if err != nil {
			s.logger.Warn("cache disabled", "error", err)
		} else {
			s.cache = c
		}
	}

	registryURL := strings.TrimSuffix(s.cfg.RegistryURL, "/")
	s.fetcher = registry.NewFetcher(
		registry.WithHTTPClient(s.client),
		registry.WithRegistryURL(registryURL),
		registry.WithConcurrency(s.cfg.Concurrency),
		registry.WithCache(s.cache),
		registry.WithLogger(s.logger),
	)
	if s.auditor == nil {
		s.auditor = audit.NewClient(
			audit.WithHTTPClient(s.client),
			audit.WithEndpoint(registryURL+"/-/npm/v1/security/advisories/bulk"),
		)
	}
	if s.osv == nil {
		s.osv = sources.NewOSVSource(sources.WithOSVLogger(s.logger))
	}
	s.engine = engine.New(
		engine.WithConcurrency(s.cfg.Concurrency),
		engine.WithLogger(s.logger),
	)
	return s, nil
}

// Scan walks opts.Path and classifies every package reference found.
func (s *Service) Scan(ctx context.Context, opts ScanOptions) (*types.ScanResult, error) {
	if opts.Path == "" {
		return nil, errors.New("path is required")
	}
	if !opts.Fetch && (s.snap == nil || s.snap.Len() == 0) {
		return nil, fmt.Errorf("%w (configure a snapshot or enable fetching)", engine.ErrRegistryUnavailable)
	}

	units, err := walker.Walk(ctx, opts.Path,
		walker.WithMaxFileSize(s.cfg.MaxFileSize),
		walker.WithIncludeDirs(s.cfg.IncludeDirs...),
		walker.WithLogger(s.logger),
	)
	if err != nil {
		return nil, err
	}

	rules := s.activeRules()
	ext, err := s.engine.Extract(ctx, units, rules)
	if err != nil {
		return nil, err
	}

	var findings []types.Finding
	if !opts.Fetch || len(ext.Findings) > 0 {
		snap := s.snap
		if opts.Fetch {
			if snap, err = s.fetchSnapshot(ctx, ext.Findings); err != nil {
				return nil, err
			}
		}
		findings, err = s.engine.Classify(ctx, ext.Findings, asSnapshot(snap), rules)
		if errors.Is(err, engine.ErrRegistryUnavailable) {
			return nil, fmt.Errorf("%w (configure a snapshot or enable fetching)", err)
		}
		if err != nil {
			return nil, err
		}
	}

	result := &types.ScanResult{
		ScanID:   uuid.NewString(),
		Root:     opts.Path,
		Summary:  summarise(ext, findings, rules),
		Findings: findings,
	}
	if result.Findings == nil {
		result.Findings = []types.Finding{}
	}
	if opts.IncludeUnits {
		result.Units = units
	}
	return result, nil
}

// BuildSnapshot fetches registry records for every package referenced under
// root, flags advisories for observed versions and writes the snapshot to
// out (YAML, JSON or SQLite by extension).
func (s *Service) BuildSnapshot(ctx context.Context, root, out string) (*registry.MemorySnapshot, error) {
	units, err := walker.Walk(ctx, root,
		walker.WithMaxFileSize(s.cfg.MaxFileSize),
		walker.WithIncludeDirs(s.cfg.IncludeDirs...),
		walker.WithLogger(s.logger),
	)
	if err != nil {
		return nil, err
	}
	ext, err := s.engine.Extract(ctx, units, s.rules)
	if err != nil {
		return nil, err
	}

	snap, err := s.fetcher.Fetch(ctx, ext.Packages())
	if err != nil {
		return nil, err
	}
	if failed := snap.UnverifiedNames(); len(failed) > 0 {
		return nil, fmt.Errorf("%w: %d lookups failed (%s)", engine.ErrRegistryUnavailable, len(failed), strings.Join(failed, ", "))
	}
	snap = s.flagAdvisories(ctx, snap, ext.Findings)
	snap = registry.NewSnapshot(snap.Records(), s.rules.PopularityCorpus).WithSource(out)

	if err := registry.WriteFile(out, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// fetchSnapshot queries the registry for the packages the configured
// snapshot does not know and merges the results over it. Names whose lookup
// failed stay unverified rather than absent.
func (s *Service) fetchSnapshot(ctx context.Context, findings []types.Finding) (*registry.MemorySnapshot, error) {
	var names []string
	for _, f := range findings {
		if s.snap == nil || !s.snap.Known(f.Package) {
			names = append(names, f.Package)
		}
	}
	if len(names) == 0 {
		return s.snap, nil
	}

	fetched, err := s.fetcher.Fetch(ctx, names)
	if err != nil {
		if s.snap != nil && ctx.Err() == nil {
			s.logger.Warn("registry fetch failed, using configured snapshot", "error", err)
			return s.snap.WithUnverified(names...), nil
		}
		return nil, fmt.Errorf("%w: %w", engine.ErrRegistryUnavailable, err)
	}
	if failed := fetched.UnverifiedNames(); len(failed) > 0 {
		s.logger.Warn("registry lookups failed, names left unverified", "count", len(failed), "packages", failed)
	}
	fetched = s.flagAdvisories(ctx, fetched, findings)

	if s.snap == nil {
		return fetched, nil
	}
	return s.snap.Merge(fetched), nil
}

// flagAdvisories marks records with npm advisories for the versions seen in
// findings. Failures are logged and leave snap unchanged.
func (s *Service) flagAdvisories(ctx context.Context, snap *registry.MemorySnapshot, findings []types.Finding) *registry.MemorySnapshot {
	var deps []audit.Dependency
	for _, f := range findings {
		for _, v := range f.Versions {
			deps = append(deps, audit.Dependency{Name: f.Package, Version: v})
		}
	}
	if len(deps) == 0 {
		return snap
	}
	flagged, advisories, err := s.auditor.FlagAdvisories(ctx, snap, deps)
	if err != nil {
		s.logger.Warn("advisory lookup failed", "error", err)
		return snap
	}
	for _, adv := range advisories {
		s.logger.Info("advisory", "package", adv.Package, "version", adv.Version, "id", adv.ID, "severity", adv.Severity)
	}
	return flagged
}

// CheckPackage classifies a single package name. Names the snapshot does not
// know are looked up in the registry.
func (s *Service) CheckPackage(ctx context.Context, name, version string) (*types.CheckResult, error) {
	id, ok := normalize.Parse(name)
	if !ok {
		return nil, fmt.Errorf("invalid package name %q", name)
	}
	key := id.Key()
	if version == "" {
		version = id.Version
	}

	snap := s.snap
	if snap == nil || !snap.Known(key) {
		fetched, err := s.fetcher.Fetch(ctx, []string{key})
		switch {
		case err == nil && snap == nil:
			snap = fetched
		case err == nil:
			snap = snap.Merge(fetched)
		case snap == nil:
			return nil, fmt.Errorf("%w: %w", engine.ErrRegistryUnavailable, err)
		default:
			s.logger.Warn("registry lookup failed", "package", key, "error", err)
			snap = snap.WithUnverified(key)
		}
	}
	if version != "" {
		f := types.Finding{Package: key, Versions: []string{version}}
		snap = s.flagAdvisories(ctx, snap, []types.Finding{f})
	}

	res := classify.New(snap, s.activeRules()).Check(key, version)
	return &res, nil
}

// Refresh updates the cached OSV malware feed. Without force a feed younger
// than the source's TTL is kept.
func (s *Service) Refresh(ctx context.Context, force bool) (*types.RefreshResult, error) {
	if s.cache == nil {
		return nil, errors.New("refresh requires a cache directory")
	}

	var feed sources.Feed
	if !force {
		age, ok, err := s.cache.Get(feedKey, s.osv.CacheTTL(), &feed)
		if err == nil && ok {
			return &types.RefreshResult{
				Updated:       false,
				PatternsCount: len(feed.Patterns),
				CacheAgeHours: int(age.Hours()),
			}, nil
		}
	}

	fresh, err := s.osv.Fetch(ctx, s.client)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh %s feed: %w", s.osv.Name(), err)
	}
	if err := s.cache.Put(feedKey, fresh); err != nil {
		return nil, err
	}
	return &types.RefreshResult{
		Updated:       true,
		PatternsCount: len(fresh.Patterns),
	}, nil
}

// GetStatus reports the loaded ruleset and snapshot.
func (s *Service) GetStatus() types.StatusResponse {
	reg := types.RegistryStatus{Source: "none"}
	if s.snap != nil {
		reg = s.snap.Status()
	}
	return types.StatusResponse{
		Version:           types.Version,
		Ruleset:           s.activeRules().Status(),
		Registry:          reg,
		SupportedConfigs:  types.SupportedConfigs,
		SupportedDialects: types.SupportedDialects,
	}
}

// activeRules is the ruleset extended with any cached advisory feed. A stale
// feed is still used; Refresh replaces it.
func (s *Service) activeRules() *ruleset.Ruleset {
	if s.cache == nil {
		return s.rules
	}
	var feed sources.Feed
	_, ok, err := s.cache.Get(feedKey, 0, &feed)
	if err != nil {
		s.logger.Debug("advisory feed unreadable", "error", err)
		return s.rules
	}
	if !ok || len(feed.Patterns) == 0 {
		return s.rules
	}
	return s.rules.WithPatterns(feed.Patterns)
}

// asSnapshot avoids passing a typed nil pointer as a Snapshot.
func asSnapshot(snap *registry.MemorySnapshot) registry.Snapshot {
	if snap == nil {
		return nil
	}
	return snap
}

func summarise(ext *engine.Extraction, findings []types.Finding, rules *ruleset.Ruleset) types.ScanSummary {
	sum := types.ScanSummary{
		UnitsScanned:   ext.Units,
		PartialUnits:   len(ext.PartialUnits),
		References:     ext.References,
		Findings:       len(findings),
		ByCategory:     make(map[string]int),
		RulesetVersion: rules.Version,
	}
	for _, f := range findings {
		for _, c := range f.Categories.List() {
			sum.ByCategory[c.String()]++
		}
	}
	return sum
}
