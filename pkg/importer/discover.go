package importer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/seolens/gsc-importer/pkg/client"
	"github.com/seolens/gsc-importer/pkg/pagination"
)

// DiscoverCriteria describes a keyword discovery run: a query-only fetch
// over the whole window that feeds the keyword registry.
type DiscoverCriteria struct {
	Site      string
	StartDate string
	EndDate   string // defaults to today

	MinImpressions int64
	MinClicks      int64
	KeywordPattern string
}

// DiscoverKeywords fetches all keywords for the window, sums impressions
// and clicks per keyword across pages, applies the criteria filters, and
// upserts the survivors into the registry. Returns the surviving
// keywords, sorted.
func (imp *Importer) DiscoverKeywords(ctx context.Context, c DiscoverCriteria) ([]string, error) {
	if c.Site == "" {
		return nil, &client.APIError{Class: client.ClassValidation, Message: "site is required"}
	}
	if c.EndDate == "" {
		c.EndDate = time.Now().UTC().Format(dateLayout)
	}
	pattern, err := compilePattern(c.KeywordPattern)
	if err != nil {
		return nil, err
	}

	fetcher := pagination.New(imp.querier, imp.budget, imp.retry, pagination.Config{
		PageSize:     imp.config.PageSize,
		MaxTotalRows: imp.config.MaxTotalRows,
	})
	seq := fetcher.Fetch(pagination.Window{
		Site:      c.Site,
		StartDate: c.StartDate,
		EndDate:   c.EndDate,
	}, []string{client.DimensionQuery}, nil)

	type totals struct {
		impressions int64
		clicks      int64
	}
	perKeyword := make(map[string]*totals)

	for seq.Next(ctx) {
		for _, row := range seq.Page().Rows {
			t := perKeyword[row.Query]
			if t == nil {
				t = &totals{}
				perKeyword[row.Query] = t
			}
			t.impressions += row.Impressions
			t.clicks += row.Clicks
		}
	}
	if err := seq.Err(); err != nil {
		return nil, fmt.Errorf("discover keywords: %w", err)
	}

	var keywords []string
	for kw, t := range perKeyword {
		if pattern != nil && !pattern.MatchString(kw) {
			continue
		}
		if c.MinImpressions > 0 && t.impressions < c.MinImpressions {
			continue
		}
		if c.MinClicks > 0 && t.clicks < c.MinClicks {
			continue
		}
		keywords = append(keywords, kw)
	}
	sort.Strings(keywords)

	criteria := criteriaJSON(Criteria{
		Site:           c.Site,
		StartDate:      c.StartDate,
		EndDate:        c.EndDate,
		MinImpressions: c.MinImpressions,
		MinClicks:      c.MinClicks,
		KeywordPattern: c.KeywordPattern,
	})
	if err := imp.store.UpsertKeywords(ctx, c.Site, keywords, criteria); err != nil {
		return nil, fmt.Errorf("persist discovered keywords: %w", err)
	}

	imp.logger.Info().
		Str("site", c.Site).
		Int("keywords", len(keywords)).
		Int("rows_fetched", seq.RowsFetched()).
		Int("pages_fetched", seq.PagesFetched()).
		Msg("Keyword discovery finished")

	return keywords, nil
}
