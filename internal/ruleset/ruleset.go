// Package ruleset holds the versioned risk ruleset used by the classifier.
package ruleset

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/seanhalberthal/squatscan/internal/types"
)

//go:embed data/default.yaml
var defaultYAML []byte

// VulnerablePattern flags a package name, optionally restricted to a version
// range. Name may be a glob such as "@evil/*".
type VulnerablePattern struct {
	Name       string `yaml:"name" json:"name" toml:"name"`
	Range      string `yaml:"range,omitempty" json:"range,omitempty" toml:"range"`
	AdvisoryID string `yaml:"advisory,omitempty" json:"advisory,omitempty" toml:"advisory"`
	Severity   string `yaml:"severity,omitempty" json:"severity,omitempty" toml:"severity"`
}

// MatchesName reports whether the pattern covers the package name.
func (p VulnerablePattern) MatchesName(name string) bool {
	if p.Name == name {
		return true
	}
	if !strings.ContainsAny(p.Name, "*?[") {
		return false
	}
	ok, err := path.Match(p.Name, name)
	return err == nil && ok
}

// Matches reports whether the pattern covers the package at any of the
// observed versions. With no observed versions the name alone decides, and
// a version that is not valid semver is treated as matching.
func (p VulnerablePattern) Matches(name string, versions []string) bool {
	if !p.MatchesName(name) {
		return false
	}
	if p.Range == "" || len(versions) == 0 {
		return true
	}
	c, err := semver.NewConstraint(p.Range)
	if err != nil {
		return true
	}
	for _, raw := range versions {
		v, err := semver.NewVersion(raw)
		if err != nil || c.Check(v) {
			return true
		}
	}
	return false
}

// Ruleset is the complete, versioned set of classification parameters.
type Ruleset struct {
	Version               string                         `yaml:"version" json:"version" toml:"version"`
	EditDistanceThreshold int                            `yaml:"edit_distance_threshold" json:"edit_distance_threshold" toml:"edit_distance_threshold"`
	TyposquatMinLength    int                            `yaml:"typosquat_min_length" json:"typosquat_min_length" toml:"typosquat_min_length"`
	PopularityCorpus      []string                       `yaml:"popularity_corpus" json:"popularity_corpus" toml:"popularity_corpus"`
	VulnerablePatterns    []VulnerablePattern            `yaml:"vulnerable_patterns" json:"vulnerable_patterns" toml:"vulnerable_patterns"`
	RoleWeights           map[types.Role]float64         `yaml:"role_weights" json:"role_weights" toml:"role_weights"`
	DetectorWeights       map[types.DetectorKind]float64 `yaml:"detector_weights" json:"detector_weights" toml:"detector_weights"`
	CategoryWeights       map[string]float64             `yaml:"category_weights" json:"category_weights" toml:"category_weights"`
	PartialPenalty        float64                        `yaml:"partial_penalty" json:"partial_penalty" toml:"partial_penalty"`
	FreeTextCap           float64                        `yaml:"free_text_cap" json:"free_text_cap" toml:"free_text_cap"`

	// Source records where the ruleset was loaded from.
	Source string `yaml:"-" json:"-" toml:"-"`
}

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid ruleset")

// Default returns the embedded ruleset.
func Default() *Ruleset {
	var r Ruleset
	if err := yaml.Unmarshal(defaultYAML, &r); err != nil {
		panic(fmt.Sprintf("embedded ruleset: %v", err))
	}
	r.Source = "embedded"
	return &r
}

// LoadFile reads a ruleset from a YAML, JSON or TOML file. Fields the file
// leaves out keep their embedded defaults.
func LoadFile(p string) (*Ruleset, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("failed to read ruleset: %w", err)
	}

	r := Default()
	switch strings.ToLower(filepath.Ext(p)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, r)
	case ".json":
		err = json.Unmarshal(data, r)
	case ".toml":
		_, err = toml.Decode(string(data), r)
	default:
		return nil, fmt.Errorf("unsupported ruleset format: %s", filepath.Ext(p))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse ruleset %s: %w", p, err)
	}
	r.Source = p

	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate checks that the ruleset can drive classification.
func (r *Ruleset) Validate() error {
	switch {
	case r == nil:
		return fmt.Errorf("%w: nil", ErrInvalid)
	case len(r.RoleWeights) == 0:
		return fmt.Errorf("%w: no role weights", ErrInvalid)
	case r.EditDistanceThreshold < 0:
		return fmt.Errorf("%w: negative edit distance threshold", ErrInvalid)
	case r.PartialPenalty < 0 || r.PartialPenalty > 1:
		return fmt.Errorf("%w: partial penalty %v outside [0,1]", ErrInvalid, r.PartialPenalty)
	case r.FreeTextCap < 0 || r.FreeTextCap > 1:
		return fmt.Errorf("%w: free-text cap %v outside [0,1]", ErrInvalid, r.FreeTextCap)
	}
	for _, p := range r.VulnerablePatterns {
		if p.Name == "" {
			return fmt.Errorf("%w: vulnerable pattern without a name", ErrInvalid)
		}
		if p.Range != "" {
			if _, err := semver.NewConstraint(p.Range); err != nil {
				return fmt.Errorf("%w: pattern %s: %v", ErrInvalid, p.Name, err)
			}
		}
	}
	return nil
}

// WithPatterns returns a copy of the ruleset with extra vulnerable patterns
// appended. Patterns already present are not repeated.
func (r *Ruleset) WithPatterns(extra []VulnerablePattern) *Ruleset {
	out := *r
	out.VulnerablePatterns = slices.Clone(r.VulnerablePatterns)
	for _, p := range extra {
		if !slices.Contains(out.VulnerablePatterns, p) {
			out.VulnerablePatterns = append(out.VulnerablePatterns, p)
		}
	}
	return &out
}

// RoleWeight returns the base confidence weight of a role.
func (r *Ruleset) RoleWeight(role types.Role) float64 {
	return r.RoleWeights[role]
}

// DetectorWeight returns the weight of a detector kind, 1 when unset.
func (r *Ruleset) DetectorWeight(kind types.DetectorKind) float64 {
	if w, ok := r.DetectorWeights[kind]; ok {
		return w
	}
	return 1
}

// CategoryWeight returns the weight of a category, 1 when unset.
func (r *Ruleset) CategoryWeight(c types.Category) float64 {
	if w, ok := r.CategoryWeights[c.String()]; ok {
		return w
	}
	return 1
}

// VulnerableMatch returns the first pattern matching the package.
func (r *Ruleset) VulnerableMatch(name string, versions []string) (VulnerablePattern, bool) {
	for _, p := range r.VulnerablePatterns {
		if p.Matches(name, versions) {
			return p, true
		}
	}
	return VulnerablePattern{}, false
}

// Status summarises the ruleset for reporting.
func (r *Ruleset) Status() types.RulesetStatus {
	return types.RulesetStatus{
		Version:            r.Version,
		Source:             r.Source,
		PopularPackages:    len(r.PopularityCorpus),
		VulnerablePatterns: len(r.VulnerablePatterns),
		Threshold:          r.EditDistanceThreshold,
	}
}
