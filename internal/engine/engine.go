// Package engine runs the reference extraction and classification pipeline
// over a set of source units.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/seanhalberthal/squatscan/internal/aggregate"
	"github.com/seanhalberthal/squatscan/internal/classify"
	"github.com/seanhalberthal/squatscan/internal/configwalk"
	"github.com/seanhalberthal/squatscan/internal/detect"
	"github.com/seanhalberthal/squatscan/internal/lexer"
	"github.com/seanhalberthal/squatscan/internal/normalize"
	"github.com/seanhalberthal/squatscan/internal/registry"
	"github.com/seanhalberthal/squatscan/internal/ruleset"
	"github.com/seanhalberthal/squatscan/internal/types"
)

var (
	// ErrRegistryUnavailable is returned when the registry snapshot is
	// missing or empty.
	ErrRegistryUnavailable = errors.New("registry snapshot unavailable")

	// ErrRulesetUnavailable is returned when the risk ruleset is missing or
	// invalid.
	ErrRulesetUnavailable = errors.New("risk ruleset unavailable")
)

// Engine runs scans. It holds no per-scan state and may be reused.
type Engine struct {
	concurrency int
	logger      *slog.Logger
	detectors   []detect.Detector
	walker      *configwalk.Walker
}

// Option configures an Engine.
type Option func(*Engine)

// WithConcurrency bounds the number of units processed in parallel.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithDetectors replaces the default detector set.
func WithDetectors(ds ...detect.Detector) Option {
	return func(e *Engine) {
		e.detectors = ds
	}
}

// New creates an engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		concurrency: runtime.NumCPU(),
		logger:      slog.New(slog.DiscardHandler),
		detectors:   detect.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.walker = configwalk.New(configwalk.WithLogger(e.logger))
	return e
}

// Scan extracts and classifies every reference in units.
func Scan(ctx context.Context, units []types.SourceUnit, snap registry.Snapshot, rules *ruleset.Ruleset, opts ...Option) ([]types.Finding, error) {
	return New(opts...).Scan(ctx, units, snap, rules)
}

// Scan extracts and classifies every reference in units. Both collaborators
// are checked before any unit is read.
func (e *Engine) Scan(ctx context.Context, units []types.SourceUnit, snap registry.Snapshot, rules *ruleset.Ruleset) ([]types.Finding, error) {
	if err := checkRegistry(snap); err != nil {
		return nil, err
	}
	ext, err := e.Extract(ctx, units, rules)
	if err != nil {
		return nil, err
	}
	return e.Classify(ctx, ext.Findings, snap, rules)
}

// Extraction is the unclassified result of a scan.
type Extraction struct {
	Findings     []types.Finding
	Units        int
	PartialUnits []string
	References   int
}

// Packages returns the package names found, in order.
func (x *Extraction) Packages() []string {
	names := make([]string, len(x.Findings))
	for i, f := range x.Findings {
		names[i] = f.Package
	}
	return names
}

// Extract runs the per-unit pipeline over every unit and aggregates the
// results. A malformed unit is marked partial and never fails the scan.
func (e *Engine) Extract(ctx context.Context, units []types.SourceUnit, rules *ruleset.Ruleset) (*Extraction, error) {
	if err := checkRuleset(rules); err != nil {
		return nil, err
	}

	results := make([]aggregate.UnitResult, len(units))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i := range units {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = e.unit(ctx, units[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ext := &Extraction{Units: len(units)}
	for _, res := range results {
		if res.Partial {
			ext.PartialUnits = append(ext.PartialUnits, res.UnitID)
			e.logger.Debug("unit partially scanned", "unit", res.UnitID)
		}
		ext.References += len(res.Refs)
	}
	ext.Findings = aggregate.Aggregate(results, rules.RoleWeight)
	return ext, nil
}

// Classify categorises aggregated findings and orders them by severity.
func (e *Engine) Classify(ctx context.Context, findings []types.Finding, snap registry.Snapshot, rules *ruleset.Ruleset) ([]types.Finding, error) {
	if err := checkRegistry(snap); err != nil {
		return nil, err
	}
	if err := checkRuleset(rules); err != nil {
		return nil, err
	}
	return classify.New(snap, rules).Classify(ctx, findings, e.concurrency)
}

// unit runs lexer, detectors, config walker and normaliser over one unit.
// Script units are read as raw lines and documents through their fenced
// code view.
// A panic while processing the unit yields an empty partial result.
func (e *Engine) unit(ctx context.Context, su types.SourceUnit) (res aggregate.UnitResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("unit processing panicked", "unit", su.ID, "panic", r)
			res = aggregate.UnitResult{UnitID: su.ID, Partial: true}
		}
	}()

	var raw []types.RawReference
	partial := false
	if ds := e.applicable(su.Role); len(ds) > 0 {
		var u *detect.Unit
		switch {
		case su.Role == types.UnitScript:
			u = detect.RawUnit(su)
		case su.Role == types.UnitDocument:
			u = detect.NewUnit(su, lexer.FenceView(su.Text))
		case isMarkup(su):
			u = detect.NewUnit(su, lexer.ScriptView(su.Text))
		default:
			u = detect.NewUnit(su, su.Text)
		}
		for _, d := range ds {
			raw = append(raw, d.Detect(u)...)
		}
		// YAML and documents are not scripts, so token recovery says nothing
		partial = u.Lex.Partial && !isYAML(su) && su.Role != types.UnitDocument
	}

	if su.Role == types.UnitBuildConfig || su.Role == types.UnitLockfile {
		refs, p := e.walker.Walk(ctx, su)
		raw = append(raw, refs...)
		partial = partial || p
	}

	res = aggregate.UnitResult{UnitID: su.ID, Partial: partial}
	for _, r := range raw {
		id, ok := normalize.Normalize(r)
		if !ok {
			continue
		}
		res.Refs = append(res.Refs, aggregate.Ref{RawReference: r, ID: id})
	}
	return res
}

func (e *Engine) applicable(role types.UnitRole) []detect.Detector {
	var ds []detect.Detector
	for _, d := range e.detectors {
		if detect.Applies(d, role) {
			ds = append(ds, d)
		}
	}
	return ds
}

func checkRegistry(snap registry.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("%w: no snapshot", ErrRegistryUnavailable)
	}
	if snap.Len() == 0 {
		return fmt.Errorf("%w: snapshot is empty", ErrRegistryUnavailable)
	}
	return nil
}

func checkRuleset(rules *ruleset.Ruleset) error {
	if rules == nil {
		return fmt.Errorf("%w: no ruleset", ErrRulesetUnavailable)
	}
	if err := rules.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrRulesetUnavailable, err)
	}
	return nil
}

func dialect(su types.SourceUnit) string {
	if su.Dialect != "" {
		return su.Dialect
	}
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(su.Path)), ".")
}

func isMarkup(su types.SourceUnit) bool {
	switch dialect(su) {
	case "html", "htm", "vue", "svelte":
		return true
	}
	return false
}

func isYAML(su types.SourceUnit) bool {
	switch dialect(su) {
	case "yaml", "yml":
		return true
	}
	return false
}
