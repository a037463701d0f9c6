// Package report renders scan results as JSON or as a styled terminal listing.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/seanhalberthal/squatscan/internal/types"
)

// Format selects an output renderer.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// ParseFormat validates a --format value.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case FormatJSON, "":
		return FormatJSON, nil
	case FormatText:
		return FormatText, nil
	}
	return "", fmt.Errorf("unknown format %q (want json or text)", s)
}

// JSON writes v as two-space indented JSON followed by a newline.
func JSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	dimStyle   = lipgloss.NewStyle().Faint(true)

	categoryStyles = map[types.Category]lipgloss.Style{
		types.CategoryVulnerable: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
		types.CategoryMissing:    lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		types.CategoryUnclaimed:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("208")),
		types.CategoryTyposquat:  lipgloss.NewStyle().Foreground(lipgloss.Color("13")),
		types.CategoryResolved:   lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
	}
)

// maxLocations is how many reference locations are listed per finding.
const maxLocations = 3

// Text writes a human readable listing of a scan result. Resolved findings
// are omitted unless verbose is set.
func Text(w io.Writer, res *types.ScanResult, verbose bool) error {
	var b strings.Builder

	s := res.Summary
	b.WriteString(titleStyle.Render("squatscan " + res.Root))
	b.WriteString("\n")
	fmt.Fprintf(&b, "%d units (%d partial), %d references, %d packages, ruleset %s\n",
		s.UnitsScanned, s.PartialUnits, s.References, s.Findings, s.RulesetVersion)

	var counts []string
	for _, c := range []types.Category{types.CategoryVulnerable, types.CategoryMissing, types.CategoryUnclaimed, types.CategoryTyposquat, types.CategoryResolved} {
		if n := s.ByCategory[c.String()]; n > 0 {
			counts = append(counts, categoryStyles[c].Render(fmt.Sprintf("%s %d", c, n)))
		}
	}
	if len(counts) > 0 {
		b.WriteString(strings.Join(counts, "  "))
		b.WriteString("\n")
	}

	shown := 0
	for i := range res.Findings {
		f := &res.Findings[i]
		if !verbose && f.Categories.Rank() == 0 {
			continue
		}
		shown++
		b.WriteString("\n")
		writeFinding(&b, f)
	}
	if shown == 0 {
		b.WriteString("\n")
		b.WriteString(categoryStyles[types.CategoryResolved].Render("no risky references found"))
		b.WriteString("\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func writeFinding(b *strings.Builder, f *types.Finding) {
	var tags []string
	for _, c := range f.Categories.List() {
		tags = append(tags, categoryStyles[c].Render(c.String()))
	}
	fmt.Fprintf(b, "%s  %s  %s\n",
		titleStyle.Render(f.Package),
		strings.Join(tags, ","),
		dimStyle.Render(fmt.Sprintf("confidence %.2f, %s", f.Confidence, f.Role)))

	locs := f.Locations()
	for i, loc := range locs {
		if i == maxLocations {
			fmt.Fprintf(b, "    %s\n", dimStyle.Render(fmt.Sprintf("... %d more", len(locs)-maxLocations)))
			break
		}
		fmt.Fprintf(b, "    %s:%d\n", loc.UnitID, loc.Line)
	}
	for _, rule := range f.RuleTrail {
		fmt.Fprintf(b, "    %s\n", dimStyle.Render(rule))
	}
}
