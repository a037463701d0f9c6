// Package types defines shared data structures for squatscan.
package types

import (
	"encoding/json"
	"fmt"
)

const Version = "1.0.0"

// UnitRole is the file role hint attached to a SourceUnit by the walker.
type UnitRole string

// UnitScript covers CI/CD and shell files: workflows, Dockerfiles and
// Makefiles.
const (
	UnitModule      UnitRole = "module"
	UnitBuildConfig UnitRole = "build-config"
	UnitLockfile    UnitRole = "lockfile"
	UnitScript      UnitRole = "script"
	UnitDocument    UnitRole = "document"
)

// SourceUnit is one file (or embedded source) handed to the engine. The engine
// only reads it.
type SourceUnit struct {
	ID      string   `json:"id"`
	Path    string   `json:"path,omitempty"`
	Text    string   `json:"-"`
	Role    UnitRole `json:"role"`
	Dialect string   `json:"dialect,omitempty"`
}

// Role is the syntactic role of a reference.
type Role string

const (
	RoleLoadBearing     Role = "load-bearing-call"
	RoleDeclarative     Role = "declarative-import"
	RoleTypeOnly        Role = "type-only-import"
	RoleConfigValue     Role = "config-structural-value"
	RoleFreeTextMention Role = "free-text-mention"
)

// AllRoles lists every role, strongest first.
var AllRoles = []Role{RoleLoadBearing, RoleDeclarative, RoleTypeOnly, RoleConfigValue, RoleFreeTextMention}

// DetectorKind names the component that produced a reference.
type DetectorKind string

const (
	DetectorSyncCall     DetectorKind = "sync-call"
	DetectorCallbackList DetectorKind = "callback-list"
	DetectorUMD          DetectorKind = "universal-wrapper"
	DetectorStatic       DetectorKind = "static-import"
	DetectorDynamic      DetectorKind = "dynamic-import"
	DetectorConfig       DetectorKind = "config-walker"
	DetectorLockfile     DetectorKind = "lockfile"
	DetectorCommand      DetectorKind = "install-command"
	DetectorFreeText     DetectorKind = "free-text"
)

// Span is a byte range [Start, End) in a unit's text plus the 1-based line of Start.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
	Line  int `json:"line"`
}

// RawReference is a candidate package reference as found in the source.
type RawReference struct {
	UnitID   string       `json:"unit"`
	Span     Span         `json:"span"`
	Text     string       `json:"text"`
	Detector DetectorKind `json:"detector"`
	Role     Role         `json:"role"`
	Position string       `json:"position,omitempty"`
}

// PackageIdentifier is the canonical form of a reference.
type PackageIdentifier struct {
	Scope   string `json:"scope,omitempty"`
	Name    string `json:"name"`
	Subpath string `json:"subpath,omitempty"`
	Version string `json:"version,omitempty"`
}

// Key returns the published package name: "@scope/name" or "name".
func (p PackageIdentifier) Key() string {
	if p.Scope != "" {
		return "@" + p.Scope + "/" + p.Name
	}
	return p.Name
}

func (p PackageIdentifier) String() string {
	s := p.Key()
	if p.Subpath != "" {
		s += "/" + p.Subpath
	}
	if p.Version != "" {
		s += "@" + p.Version
	}
	return s
}

// Occurrence is a reference folded into a Finding, together with whether the
// unit it came from was only partially scanned.
type Occurrence struct {
	RawReference
	Partial bool `json:"partial,omitempty"`
}

// Location identifies one place a package is referenced.
type Location struct {
	UnitID string `json:"unit"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
	Line   int    `json:"line"`
}

// Category is a classification outcome.
type Category uint8

const (
	CategoryResolved Category = 1 << iota
	CategoryVulnerable
	CategoryMissing
	CategoryUnclaimed
	CategoryTyposquat
)

var categoryNames = []struct {
	c    Category
	name string
}{
	{CategoryVulnerable, "vulnerable"},
	{CategoryMissing, "missing"},
	{CategoryUnclaimed, "unclaimed"},
	{CategoryTyposquat, "typosquat-candidate"},
	{CategoryResolved, "resolved"},
}

func (c Category) String() string {
	for _, n := range categoryNames {
		if n.c == c {
			return n.name
		}
	}
	return fmt.Sprintf("category(%d)", uint8(c))
}

// ParseCategory parses a category name.
func ParseCategory(s string) (Category, error) {
	for _, n := range categoryNames {
		if n.name == s {
			return n.c, nil
		}
	}
	return 0, fmt.Errorf("invalid category: %s", s)
}

// Categories is a set of Category values.
type Categories uint8

// Has reports whether c is in the set.
func (cs Categories) Has(c Category) bool {
	return uint8(cs)&uint8(c) != 0
}

// With returns the set with c added.
func (cs Categories) With(c Category) Categories {
	return Categories(uint8(cs) | uint8(c))
}

// List returns the members in severity order.
func (cs Categories) List() []Category {
	var out []Category
	for _, n := range categoryNames {
		if cs.Has(n.c) {
			out = append(out, n.c)
		}
	}
	return out
}

// Rank orders category sets by risk severity:
// vulnerable > missing+unclaimed > missing > typosquat-candidate > resolved.
func (cs Categories) Rank() int {
	switch {
	case cs.Has(CategoryVulnerable):
		return 4
	case cs.Has(CategoryUnclaimed):
		return 3
	case cs.Has(CategoryMissing):
		return 2
	case cs.Has(CategoryTyposquat):
		return 1
	default:
		return 0
	}
}

func (cs Categories) MarshalJSON() ([]byte, error) {
	names := make([]string, 0, 5)
	for _, c := range cs.List() {
		names = append(names, c.String())
	}
	return json.Marshal(names)
}

func (cs *Categories) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	var out Categories
	for _, n := range names {
		c, err := ParseCategory(n)
		if err != nil {
			return err
		}
		out = out.With(c)
	}
	*cs = out
	return nil
}

// Finding aggregates every reference to one package and its classification.
type Finding struct {
	Package    string            `json:"package"`
	Identifier PackageIdentifier `json:"identifier"`
	Versions   []string          `json:"versions,omitempty"`
	Subpaths   []string          `json:"subpaths,omitempty"`
	References []Occurrence      `json:"references"`
	Role       Role              `json:"role"`
	Categories Categories        `json:"categories"`
	Confidence float64           `json:"confidence"`
	RuleTrail  []string          `json:"rule_trail,omitempty"`
	Nearest    string            `json:"nearest,omitempty"`
}

// Locations returns the distinct places the package is referenced, in
// reference order. Overlapping matches from different detectors at the same
// span count once.
func (f *Finding) Locations() []Location {
	seen := make(map[Location]bool, len(f.References))
	out := make([]Location, 0, len(f.References))
	for _, r := range f.References {
		loc := Location{UnitID: r.UnitID, Start: r.Span.Start, End: r.Span.End, Line: r.Span.Line}
		if seen[loc] {
			continue
		}
		seen[loc] = true
		out = append(out, loc)
	}
	return out
}

// ScanSummary contains aggregated scan statistics.
type ScanSummary struct {
	UnitsScanned   int            `json:"units_scanned"`
	PartialUnits   int            `json:"partial_units"`
	References     int            `json:"references"`
	Findings       int            `json:"findings"`
	ByCategory     map[string]int `json:"by_category"`
	RulesetVersion string         `json:"ruleset_version"`
}

// ScanResult is the complete output of a scan.
type ScanResult struct {
	ScanID   string       `json:"scan_id"`
	Root     string       `json:"root"`
	Summary  ScanSummary  `json:"summary"`
	Findings []Finding    `json:"findings"`
	Units    []SourceUnit `json:"units,omitempty"`
}

// StatusResponse is the output of the status tool.
type StatusResponse struct {
	Version           string         `json:"version"`
	Ruleset           RulesetStatus  `json:"ruleset"`
	Registry          RegistryStatus `json:"registry"`
	SupportedConfigs  []string       `json:"supported_configs"`
	SupportedDialects []string       `json:"supported_dialects"`
}

// RulesetStatus reports on the loaded risk ruleset.
type RulesetStatus struct {
	Version            string `json:"version"`
	Source             string `json:"source"`
	PopularPackages    int    `json:"popular_packages"`
	VulnerablePatterns int    `json:"vulnerable_patterns"`
	Threshold          int    `json:"edit_distance_threshold"`
}

// RegistryStatus reports on the registry snapshot.
type RegistryStatus struct {
	Source     string `json:"source"`
	Records    int    `json:"records"`
	Unverified int    `json:"unverified,omitempty"`
}

// CheckResult is the output of checking a single package name.
type CheckResult struct {
	Package    string     `json:"package"`
	Version    string     `json:"version,omitempty"`
	Categories Categories `json:"categories"`
	RuleTrail  []string   `json:"rule_trail,omitempty"`
	Nearest    string     `json:"nearest,omitempty"`
}

// RefreshResult is the output of refreshing the advisory cache.
type RefreshResult struct {
	Updated       bool `json:"updated"`
	PatternsCount int  `json:"patterns_count"`
	CacheAgeHours int  `json:"cache_age_hours"`
}

// SupportedConfigs lists the configuration file names the walker tags as
// build configuration.
var SupportedConfigs = []string{
	"webpack.config", "rollup.config", "vite.config", "babel.config",
	"jest.config", "prettier.config", "eslint.config", "stylelint.config",
	".babelrc", ".prettierrc", ".eslintrc", ".stylelintrc",
	"tsconfig.json", "jsconfig.json", "package.json",
}

// SupportedLockfiles lists the lockfile names the walker reads.
var SupportedLockfiles = []string{"package-lock.json", "npm-shrinkwrap.json", "yarn.lock"}

// SupportedDialects lists the module loading conventions the detectors cover.
var SupportedDialects = []string{
	"commonjs", "amd", "umd", "esm", "dynamic-import", "typescript",
}
