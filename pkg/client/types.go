package client

// API limits for the Search Analytics query endpoint.
const (
	// MaxRowsPerRequest is the hard row cap per searchAnalytics.query call.
	MaxRowsPerRequest = 25000
)

// Dimension names accepted by the Search Analytics API.
const (
	DimensionQuery = "query"
	DimensionPage  = "page"
	DimensionDate  = "date"
)

// QueryRequest is the request body for searchAnalytics.query.
type QueryRequest struct {
	StartDate             string        `json:"startDate"`
	EndDate               string        `json:"endDate"`
	Dimensions            []string      `json:"dimensions,omitempty"`
	RowLimit              int           `json:"rowLimit,omitempty"`
	StartRow              int           `json:"startRow,omitempty"`
	DimensionFilterGroups []FilterGroup `json:"dimensionFilterGroups,omitempty"`
}

// FilterGroup groups dimension filters that are ANDed together.
type FilterGroup struct {
	Filters []DimensionFilter `json:"filters"`
}

// DimensionFilter restricts a query to rows matching a dimension expression.
type DimensionFilter struct {
	Dimension  string `json:"dimension"`
	Operator   string `json:"operator"`
	Expression string `json:"expression"`
}

// Row is one performance record as returned by the API, with the keys
// array already mapped onto named dimensions. Fields for dimensions that
// were not requested are left empty.
type Row struct {
	Query       string
	Page        string
	Date        string // YYYY-MM-DD
	Clicks      int64
	Impressions int64
	Position    float64
	CTR         float64
}

// QueryResponse holds the rows of one searchAnalytics.query page.
// A page with fewer rows than the requested row limit is the final page.
type QueryResponse struct {
	Rows []Row
}

// apiRow is the wire representation of a result row. The keys array is
// ordered exactly as the dimensions array of the request.
type apiRow struct {
	Keys        []string `json:"keys"`
	Clicks      float64  `json:"clicks"`
	Impressions float64  `json:"impressions"`
	CTR         float64  `json:"ctr"`
	Position    float64  `json:"position"`
}

// apiQueryResponse is the wire representation of a query response.
// An absent rows array means the result set is exhausted.
type apiQueryResponse struct {
	Rows []apiRow `json:"rows"`
}

// mapRows converts wire rows to named rows using the dimension order of
// the originating request.
func mapRows(dimensions []string, rows []apiRow) []Row {
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		row := Row{
			Clicks:      int64(r.Clicks),
			Impressions: int64(r.Impressions),
			Position:    r.Position,
			CTR:         r.CTR,
		}
		for i, dim := range dimensions {
			if i >= len(r.Keys) {
				break
			}
			switch dim {
			case DimensionQuery:
				row.Query = r.Keys[i]
			case DimensionPage:
				row.Page = r.Keys[i]
			case DimensionDate:
				row.Date = r.Keys[i]
			}
		}
		out = append(out, row)
	}
	return out
}
