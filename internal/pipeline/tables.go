package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/carbonwatch/emissions-cli/internal/model"
	"github.com/carbonwatch/emissions-cli/internal/record"
)

// RenderSummary formats a record for the review message: company header,
// per-year scope table, scope 3 category breakdown, and stated goals. Tables
// are fenced so chat clients render them in a monospace block.
func RenderSummary(rec *record.PersistedRecord, commentMaxLen int) string {
	d := &rec.Draft
	var b strings.Builder

	fmt.Fprintf(&b, "**%s**", orDash(d.CompanyName))
	if d.Industry != "" {
		fmt.Fprintf(&b, " | %s", d.Industry)
	}
	if d.Sector != "" || d.IndustryGroup != "" {
		fmt.Fprintf(&b, " (%s / %s)", orDash(d.Sector), orDash(d.IndustryGroup))
	}
	b.WriteByte('\n')
	fmt.Fprintf(&b, "Base year %s | reliability %s\n", orDash(d.BaseYear), orDash(d.Reliability))
	fmt.Fprintf(&b, "<%s>\n", rec.URL)
	if d.WikidataVerified != "" {
		fmt.Fprintf(&b, "Wikidata: <%s>\n", d.WikidataVerified)
	}
	if c := truncateComment(d.ReviewComment, commentMaxLen); c != "" {
		fmt.Fprintf(&b, "Comment: %s\n", c)
	}

	if len(d.Emissions) > 0 {
		b.WriteString("```\n")
		b.WriteString(scopeTable(d.Emissions))
		b.WriteString("```\n")
	}
	if tbl := scope3Table(d.Emissions); tbl != "" {
		b.WriteString("```\n")
		b.WriteString(tbl)
		b.WriteString("```\n")
	}
	for _, g := range d.Goals {
		fmt.Fprintf(&b, "Goal: %s (%s, base %s, target %s)\n",
			g.Description, orDash(g.Year), orDash(g.BaseYear), orDash(g.Target))
	}
	fmt.Fprintf(&b, "Record %s", rec.ID)
	return b.String()
}

func scopeTable(emissions []model.YearEmission) string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "Year\tScope 1\tBiogenic\tScope 2 MB\tScope 2 LB\tScope 3\tUnit")
	for _, e := range emissions {
		var s1, bio, mb, lb, s3 *float64
		if e.Scope1 != nil {
			s1, bio = e.Scope1.Emissions, e.Scope1.Biogenic
		}
		if e.Scope2 != nil {
			mb, lb = e.Scope2.MarketBased, e.Scope2.LocationBased
		}
		if e.Scope3 != nil {
			s3 = e.Scope3.EmissionsTotal
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Year, num(s1), num(bio), num(mb), num(lb), num(s3), orDash(e.TotalUnit))
	}
	w.Flush()
	return b.String()
}

// scope3Table renders category rows for years that report any category
// figure. Years without a breakdown are omitted; an empty string means no
// year has one.
func scope3Table(emissions []model.YearEmission) string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "Scope 3 category\tYear\tEmissions")
	rows := 0
	for _, e := range emissions {
		if e.Scope3 == nil {
			continue
		}
		for _, cat := range model.Scope3Categories {
			v := e.Scope3.Categories[cat]
			if v == nil {
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", cat, e.Year, num(v))
			rows++
		}
	}
	if rows == 0 {
		return ""
	}
	w.Flush()
	return b.String()
}

func num(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// truncateComment caps the review comment for the chat message; the full
// text stays on the stored record.
func truncateComment(comment string, maxLen int) string {
	comment = strings.TrimSpace(comment)
	runes := []rune(comment)
	if maxLen <= 0 || len(runes) <= maxLen {
		return comment
	}
	return string(runes[:maxLen]) + "…"
}
