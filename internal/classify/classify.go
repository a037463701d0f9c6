// Package classify assigns risk categories and confidence to aggregated
// findings using a registry snapshot and a risk ruleset.
package classify

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/seanhalberthal/squatscan/internal/normalize"
	"github.com/seanhalberthal/squatscan/internal/registry"
	"github.com/seanhalberthal/squatscan/internal/ruleset"
	"github.com/seanhalberthal/squatscan/internal/supplychain"
	"github.com/seanhalberthal/squatscan/internal/types"
)

// maxNameLength is the npm limit on package name length.
const maxNameLength = 214

// registrable matches names npm accepts for new packages.
var registrable = regexp.MustCompile(`^(?:@[a-z0-9-][a-z0-9._-]*/)?[a-z0-9-][a-z0-9._-]*$`)

var reservedNames = map[string]bool{
	"node_modules": true,
	"favicon.ico":  true,
}

// verifier is implemented by snapshots that track failed lookups.
type verifier interface {
	Unverified(name string) bool
}

// Classifier classifies findings against one snapshot and ruleset. It only
// reads them and is safe for concurrent use.
type Classifier struct {
	snap   registry.Snapshot
	rules  *ruleset.Ruleset
	corpus []string
}

// New creates a classifier. The typosquat corpus holds the snapshot's ranked
// names, best first, followed by every unranked name from the snapshot and
// the ruleset in name order, so distance ties break by rank then name.
func New(snap registry.Snapshot, rules *ruleset.Ruleset) *Classifier {
	var ranked, unranked []string
	rank := make(map[string]int)
	for _, name := range snap.PopularityCorpus() {
		if rec, ok := snap.Lookup(name); ok && rec.PopularityRank > 0 {
			ranked = append(ranked, name)
			rank[name] = rec.PopularityRank
			continue
		}
		unranked = append(unranked, name)
	}
	unranked = append(unranked, rules.PopularityCorpus...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if rank[ranked[i]] != rank[ranked[j]] {
			return rank[ranked[i]] < rank[ranked[j]]
		}
		return ranked[i] < ranked[j]
	})
	sort.Strings(unranked)

	seen := make(map[string]bool)
	var corpus []string
	for _, name := range append(ranked, unranked...) {
		if !seen[name] {
			seen[name] = true
			corpus = append(corpus, name)
		}
	}
	return &Classifier{snap: snap, rules: rules, corpus: corpus}
}

// Classify fills in categories, confidence, rule trail and nearest name for
// every finding, then orders them by severity. Findings are classified in
// parallel; the input slice is not modified.
func (c *Classifier) Classify(ctx context.Context, findings []types.Finding, limit int) ([]types.Finding, error) {
	out := slices.Clone(findings)

	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i := range out {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			c.classify(&out[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	Sort(out)
	return out, nil
}

// Sort orders findings by descending severity, then by package name.
func Sort(findings []types.Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		ri, rj := findings[i].Categories.Rank(), findings[j].Categories.Rank()
		if ri != rj {
			return ri > rj
		}
		return findings[i].Package < findings[j].Package
	})
}

func (c *Classifier) classify(f *types.Finding) {
	f.Categories, f.RuleTrail, f.Nearest = c.categorise(f.Package, f.Versions)
	f.Confidence = c.confidence(f)
}

// Check classifies a single package name outside of a scan.
func (c *Classifier) Check(name, version string) types.CheckResult {
	var versions []string
	if version != "" {
		versions = []string{version}
	}
	cats, trail, nearest := c.categorise(name, versions)
	return types.CheckResult{
		Package:    name,
		Version:    version,
		Categories: cats,
		RuleTrail:  trail,
		Nearest:    nearest,
	}
}

func (c *Classifier) categorise(name string, versions []string) (types.Categories, []string, string) {
	var (
		cats  types.Categories
		trail []string
	)

	rec, present := c.snap.Lookup(name)

	vulnerable := false
	if present && rec.AdvisoryFlagged {
		vulnerable = true
		trail = append(trail, "vulnerable: registry advisory flag")
	}
	if p, ok := c.rules.VulnerableMatch(name, versions); ok {
		vulnerable = true
		trail = append(trail, "vulnerable: "+describePattern(p))
	}
	if vulnerable {
		cats = cats.With(types.CategoryVulnerable)
		if rec.LatestSafe != "" {
			trail = append(trail, "vulnerable: latest known safe version "+rec.LatestSafe)
		}
	}

	switch {
	case present && rec.Claimed:
		if !vulnerable {
			cats = cats.With(types.CategoryResolved)
			trail = append(trail, "resolved: present in registry and claimed")
		}
	case present:
		cats = cats.With(types.CategoryUnclaimed)
		trail = append(trail, "unclaimed: present in registry without an owner")
	case c.unverified(name):
		trail = append(trail, "unverified: registry lookup failed, presence unknown")
	default:
		cats = cats.With(types.CategoryMissing)
		trail = append(trail, "missing: absent from registry")
		if Registrable(name) {
			cats = cats.With(types.CategoryUnclaimed)
			trail = append(trail, "unclaimed: name is available for registration")
		}
	}

	nearest, dist, ok := Nearest(name, c.corpus, c.rules.EditDistanceThreshold, c.rules.TyposquatMinLength)
	if ok {
		cats = cats.With(types.CategoryTyposquat)
		trail = append(trail, fmt.Sprintf("typosquat-candidate: edit distance %d from %s", dist, nearest))
	}

	if supplychain.IsAtRiskNamespace(name) {
		trail = append(trail, supplychain.NamespaceWarning(name))
	}

	return cats, trail, nearest
}

func (c *Classifier) unverified(name string) bool {
	v, ok := c.snap.(verifier)
	return ok && v.Unverified(name)
}

// confidence is the best occurrence score times the weight of the most
// severe category. Free-text occurrences never score above the cap, and an
// unverified name takes the partial penalty.
func (c *Classifier) confidence(f *types.Finding) float64 {
	best := 0.0
	textOnly := true
	for _, occ := range f.References {
		w := c.rules.RoleWeight(occ.Role) * c.rules.DetectorWeight(occ.Detector)
		if occ.Partial {
			w *= c.rules.PartialPenalty
		}
		if occ.Role == types.RoleFreeTextMention {
			w = min(w, c.rules.FreeTextCap)
		} else {
			textOnly = false
		}
		best = max(best, w)
	}

	if cats := f.Categories.List(); len(cats) > 0 {
		best *= c.rules.CategoryWeight(cats[0])
	}
	if textOnly {
		best = min(best, c.rules.FreeTextCap)
	}
	if _, present := c.snap.Lookup(f.Package); !present && c.unverified(f.Package) {
		best *= c.rules.PartialPenalty
	}
	return min(max(best, 0), 1)
}

// Registrable reports whether npm would accept name for a new package.
func Registrable(name string) bool {
	if len(name) == 0 || len(name) > maxNameLength || reservedNames[name] {
		return false
	}
	if !registrable.MatchString(name) {
		return false
	}
	if !strings.HasPrefix(name, "@") && normalize.IsBuiltin(name) {
		return false
	}
	return true
}

func describePattern(p ruleset.VulnerablePattern) string {
	s := "matches " + p.Name
	if p.Range != "" {
		s += "@" + p.Range
	}
	if p.AdvisoryID != "" {
		s += " (" + p.AdvisoryID + ")"
	}
	return s
}
