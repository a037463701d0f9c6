// Package aggregate merges normalised references from every unit into one
// finding per package.
package aggregate

import (
	"slices"
	"sort"

	"github.com/seanhalberthal/squatscan/internal/types"
)

// Ref is a raw reference together with the identifier it normalised to.
type Ref struct {
	types.RawReference
	ID types.PackageIdentifier
}

// UnitResult is the output of one unit's extraction pipeline.
type UnitResult struct {
	UnitID  string
	Partial bool
	Refs    []Ref
}

// RoleWeight scores a role; the aggregator keeps the highest-scoring role
// seen for each package.
type RoleWeight func(types.Role) float64

// Aggregate folds unit results into findings keyed by package. Results are
// read in order, so the same input always yields the same findings, sorted
// by package key. Classification fields are left empty.
func Aggregate(results []UnitResult, weight RoleWeight) []types.Finding {
	index := make(map[string]int)
	var findings []types.Finding

	for _, res := range results {
		for _, r := range res.Refs {
			key := r.ID.Key()
			i, ok := index[key]
			if !ok {
				i = len(findings)
				index[key] = i
				findings = append(findings, types.Finding{
					Package:    key,
					Identifier: types.PackageIdentifier{Scope: r.ID.Scope, Name: r.ID.Name},
					Role:       r.Role,
				})
			}
			fold(&findings[i], r, res.Partial, weight)
		}
	}

	sort.Slice(findings, func(i, j int) bool {
		return findings[i].Package < findings[j].Package
	})
	return findings
}

func fold(f *types.Finding, r Ref, partial bool, weight RoleWeight) {
	f.References = append(f.References, types.Occurrence{RawReference: r.RawReference, Partial: partial})
	if stronger(r.Role, f.Role, weight) {
		f.Role = r.Role
	}
	if r.ID.Version != "" && !slices.Contains(f.Versions, r.ID.Version) {
		f.Versions = insertSorted(f.Versions, r.ID.Version)
	}
	if r.ID.Subpath != "" && !slices.Contains(f.Subpaths, r.ID.Subpath) {
		f.Subpaths = insertSorted(f.Subpaths, r.ID.Subpath)
	}
}

// stronger reports whether role a outranks b. Equal weights fall back to
// the fixed role order.
func stronger(a, b types.Role, weight RoleWeight) bool {
	wa, wb := weight(a), weight(b)
	if wa != wb {
		return wa > wb
	}
	return slices.Index(types.AllRoles, a) < slices.Index(types.AllRoles, b)
}

func insertSorted(s []string, v string) []string {
	i, _ := slices.BinarySearch(s, v)
	return slices.Insert(s, i, v)
}
