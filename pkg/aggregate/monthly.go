// Package aggregate folds daily Search Analytics rows into monthly
// summary rows. It is pure: no I/O, deterministic output, and the result
// is independent of row order and of how the input was chunked across
// pages, since pagination boundaries never align with month boundaries.
package aggregate

import (
	"fmt"
	"sort"
	"time"

	"github.com/seolens/gsc-importer/pkg/client"
)

const (
	dateLayout  = "2006-01-02"
	monthLayout = "2006-01"
)

// Monthly is one summary row for a (keyword, page, month) key.
// Clicks and Impressions are exact integer sums over the contributing
// daily rows; Position and CTR are unweighted arithmetic means of the
// daily values.
type Monthly struct {
	Keyword     string
	Page        string
	Month       string // YYYY-MM
	Clicks      int64
	Impressions int64
	Position    float64
	CTR         float64
}

type key struct {
	keyword string
	page    string
	month   string
}

type group struct {
	clicks      int64
	impressions int64
	positionSum float64
	ctrSum      float64
	days        int
}

// Accumulator folds rows into monthly groups. Zero value is not usable;
// create with NewAccumulator.
type Accumulator struct {
	groups map[key]*group
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{groups: make(map[key]*group)}
}

// Add folds one daily row into its monthly group.
func (a *Accumulator) Add(r client.Row) error {
	month, err := MonthOf(r.Date)
	if err != nil {
		return err
	}

	k := key{keyword: r.Query, page: r.Page, month: month}
	g := a.groups[k]
	if g == nil {
		g = &group{}
		a.groups[k] = g
	}

	g.clicks += r.Clicks
	g.impressions += r.Impressions
	g.positionSum += r.Position
	g.ctrSum += r.CTR
	g.days++
	return nil
}

// AddAll folds a batch of rows.
func (a *Accumulator) AddAll(rows []client.Row) error {
	for _, r := range rows {
		if err := a.Add(r); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of distinct (keyword, page, month) groups.
func (a *Accumulator) Len() int { return len(a.groups) }

// Aggregates returns one row per group, sorted by (keyword, page, month)
// so repeated runs over the same input produce identical output.
func (a *Accumulator) Aggregates() []Monthly {
	out := make([]Monthly, 0, len(a.groups))
	for k, g := range a.groups {
		out = append(out, Monthly{
			Keyword:     k.keyword,
			Page:        k.page,
			Month:       k.month,
			Clicks:      g.clicks,
			Impressions: g.impressions,
			Position:    g.positionSum / float64(g.days),
			CTR:         g.ctrSum / float64(g.days),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Keyword != out[j].Keyword {
			return out[i].Keyword < out[j].Keyword
		}
		if out[i].Page != out[j].Page {
			return out[i].Page < out[j].Page
		}
		return out[i].Month < out[j].Month
	})
	return out
}

// Keywords returns the distinct keywords across all groups, sorted.
func (a *Accumulator) Keywords() []string {
	seen := make(map[string]struct{})
	for k := range a.groups {
		seen[k.keyword] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for kw := range seen {
		out = append(out, kw)
	}
	sort.Strings(out)
	return out
}

// MonthOf truncates a YYYY-MM-DD date to its YYYY-MM month.
func MonthOf(date string) (string, error) {
	t, err := time.Parse(dateLayout, date)
	if err != nil {
		return "", fmt.Errorf("parse row date %q: %w", date, err)
	}
	return t.Format(monthLayout), nil
}

// Range is one calendar-month query window, clamped to the import range.
type Range struct {
	Start time.Time
	End   time.Time
}

// StartDate formats the range start as YYYY-MM-DD.
func (r Range) StartDate() string { return r.Start.Format(dateLayout) }

// EndDate formats the range end as YYYY-MM-DD.
func (r Range) EndDate() string { return r.End.Format(dateLayout) }

// Month formats the range's month as YYYY-MM.
func (r Range) Month() string { return r.Start.Format(monthLayout) }

// MonthRanges splits [start, end] into per-month windows. The first range
// starts at start, the last ends at end, and every other range covers a
// full calendar month. Returns nil when start is after end.
func MonthRanges(start, end time.Time) []Range {
	start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	end = time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)

	var out []Range
	cur := start
	for !cur.After(end) {
		monthStart := time.Date(cur.Year(), cur.Month(), 1, 0, 0, 0, 0, time.UTC)
		next := monthStart.AddDate(0, 1, 0)
		monthEnd := next.AddDate(0, 0, -1)
		if monthEnd.After(end) {
			monthEnd = end
		}
		out = append(out, Range{Start: cur, End: monthEnd})
		cur = next
	}
	return out
}
