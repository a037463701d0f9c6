// Package registry provides read-only registry snapshots: what is published,
// who owns it, and what is popular.
package registry

import (
	"maps"
	"slices"
	"sort"

	"github.com/seanhalberthal/squatscan/internal/types"
)

// Record is what the registry knows about one package name.
type Record struct {
	Exists          bool   `yaml:"exists" json:"exists"`
	Claimed         bool   `yaml:"claimed" json:"claimed"`
	AdvisoryFlagged bool   `yaml:"advisory_flagged,omitempty" json:"advisory_flagged,omitempty"`
	PopularityRank  int    `yaml:"popularity_rank,omitempty" json:"popularity_rank,omitempty"`
	LatestSafe      string `yaml:"latest_safe,omitempty" json:"latest_safe,omitempty"`
}

// Snapshot is a read-only view of the registry. Lookup reports false for a
// name the registry does not have.
type Snapshot interface {
	Lookup(name string) (Record, bool)
	PopularityCorpus() []string
	Len() int
}

// MemorySnapshot is an in-memory Snapshot. It is not modified after
// construction.
type MemorySnapshot struct {
	records    map[string]Record
	popular    []string
	source     string
	unverified map[string]bool
}

// NewSnapshot builds a snapshot from records and a popularity list. Records
// with a PopularityRank are added to the corpus as well.
func NewSnapshot(records map[string]Record, popular []string) *MemorySnapshot {
	s := &MemorySnapshot{
		records: maps.Clone(records),
		source:  "memory",
	}
	if s.records == nil {
		s.records = make(map[string]Record)
	}

	ranked := make([]string, 0)
	for name, r := range s.records {
		if r.PopularityRank > 0 {
			ranked = append(ranked, name)
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		ri, rj := s.records[ranked[i]].PopularityRank, s.records[ranked[j]].PopularityRank
		if ri != rj {
			return ri < rj
		}
		return ranked[i] < ranked[j]
	})

	seen := make(map[string]bool)
	for _, name := range append(ranked, popular...) {
		if !seen[name] {
			seen[name] = true
			s.popular = append(s.popular, name)
		}
	}
	return s
}

// Lookup returns the record for a present package.
func (s *MemorySnapshot) Lookup(name string) (Record, bool) {
	r, ok := s.records[name]
	if !ok || !r.Exists {
		return Record{}, false
	}
	return r, true
}

// Known reports whether the snapshot has any information about name,
// including a confirmed absence.
func (s *MemorySnapshot) Known(name string) bool {
	_, ok := s.records[name]
	return ok
}

// Unverified reports whether a lookup of name failed, so its absence from
// the snapshot says nothing about the registry.
func (s *MemorySnapshot) Unverified(name string) bool {
	return s.unverified[name]
}

// UnverifiedNames returns the names whose lookup failed, sorted.
func (s *MemorySnapshot) UnverifiedNames() []string {
	return slices.Sorted(maps.Keys(s.unverified))
}

// WithUnverified returns the snapshot with names marked as failed lookups.
// Names that have a record are ignored.
func (s *MemorySnapshot) WithUnverified(names ...string) *MemorySnapshot {
	out := *s
	out.unverified = maps.Clone(s.unverified)
	for _, name := range names {
		if _, ok := s.records[name]; ok {
			continue
		}
		if out.unverified == nil {
			out.unverified = make(map[string]bool)
		}
		out.unverified[name] = true
	}
	return &out
}

// PopularityCorpus returns popular names, best ranked first.
func (s *MemorySnapshot) PopularityCorpus() []string {
	return slices.Clone(s.popular)
}

// Len returns the number of records plus corpus entries without a record.
func (s *MemorySnapshot) Len() int {
	n := len(s.records)
	for _, name := range s.popular {
		if _, ok := s.records[name]; !ok {
			n++
		}
	}
	return n
}

// Records returns a copy of every record, including confirmed absences.
func (s *MemorySnapshot) Records() map[string]Record {
	return maps.Clone(s.records)
}

// Source describes where the snapshot came from.
func (s *MemorySnapshot) Source() string {
	return s.source
}

// WithSource returns the snapshot labelled with src.
func (s *MemorySnapshot) WithSource(src string) *MemorySnapshot {
	out := *s
	out.source = src
	return &out
}

// Merge returns a snapshot holding both sets of records; other wins on
// conflicts. The popularity corpora are concatenated. A name stays
// unverified only while neither side has a record for it.
func (s *MemorySnapshot) Merge(other *MemorySnapshot) *MemorySnapshot {
	records := maps.Clone(s.records)
	maps.Copy(records, other.records)
	out := NewSnapshot(records, append(slices.Clone(s.popular), other.popular...))
	out.source = s.source + "+" + other.source
	return out.WithUnverified(append(s.UnverifiedNames(), other.UnverifiedNames()...)...)
}

// Status summarises the snapshot for reporting.
func (s *MemorySnapshot) Status() types.RegistryStatus {
	return types.RegistryStatus{Source: s.source, Records: s.Len(), Unverified: len(s.unverified)}
}
