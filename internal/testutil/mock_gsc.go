// Package testutil provides testing utilities for the Search Console
// importer.
package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"

	"github.com/seolens/gsc-importer/pkg/client"
)

// MockGSC is a configurable mock Search Console API server. It serves a
// fixed daily dataset through the searchAnalytics.query endpoint with
// real startRow/rowLimit pagination, and can inject failures.
type MockGSC struct {
	server *httptest.Server

	mu    sync.Mutex
	rows  []client.Row
	sites []string

	// failStatus/failRemaining inject failRemaining responses with
	// failStatus before serving normally again.
	failStatus    int
	failRemaining int

	// Tracking
	requestCount int
	startRows    []int
	lastBody     []byte
}

// NewMockGSC creates a mock server over the given daily rows.
func NewMockGSC(rows []client.Row) *MockGSC {
	m := &MockGSC{rows: rows}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// URL returns the mock server URL, to be used as the client base URL.
func (m *MockGSC) URL() string { return m.server.URL }

// Close shuts down the mock server.
func (m *MockGSC) Close() { m.server.Close() }

// SetSites configures the sites.list response.
func (m *MockGSC) SetSites(sites []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sites = sites
}

// FailNext makes the next n query requests respond with the given status.
func (m *MockGSC) FailNext(status, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failStatus = status
	m.failRemaining = n
}

// RequestCount returns the number of query requests served (including
// injected failures).
func (m *MockGSC) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestCount
}

// StartRows returns the startRow value of every query request, in order.
func (m *MockGSC) StartRows() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.startRows...)
}

// LastBody returns the raw body of the most recent query request.
func (m *MockGSC) LastBody() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.lastBody...)
}

func (m *MockGSC) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && r.URL.Path == "/webmasters/v3/sites" {
		m.handleSites(w)
		return
	}
	if strings.HasSuffix(r.URL.Path, "/searchAnalytics/query") {
		m.handleQuery(w, r)
		return
	}
	http.NotFound(w, r)
}

func (m *MockGSC) handleSites(w http.ResponseWriter) {
	m.mu.Lock()
	sites := m.sites
	m.mu.Unlock()

	type entry struct {
		SiteURL         string `json:"siteUrl"`
		PermissionLevel string `json:"permissionLevel"`
	}
	entries := make([]entry, 0, len(sites))
	for _, s := range sites {
		entries = append(entries, entry{SiteURL: s, PermissionLevel: "siteFullUser"})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"siteEntry": entries})
}

func (m *MockGSC) handleQuery(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var req client.QueryRequest
	_ = json.Unmarshal(raw, &req)

	m.mu.Lock()
	m.requestCount++
	m.startRows = append(m.startRows, req.StartRow)
	m.lastBody = raw

	if m.failRemaining > 0 {
		status := m.failStatus
		m.failRemaining--
		m.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(`{"error": {"message": "injected failure"}}`))
		return
	}

	selected := selectRows(m.rows, req.StartDate, req.EndDate)
	m.mu.Unlock()

	start := req.StartRow
	if start > len(selected) {
		start = len(selected)
	}
	end := start + req.RowLimit
	if end > len(selected) {
		end = len(selected)
	}
	page := selected[start:end]

	type wireRow struct {
		Keys        []string `json:"keys"`
		Clicks      float64  `json:"clicks"`
		Impressions float64  `json:"impressions"`
		CTR         float64  `json:"ctr"`
		Position    float64  `json:"position"`
	}
	out := make([]wireRow, 0, len(page))
	for _, row := range page {
		keys := make([]string, 0, len(req.Dimensions))
		for _, dim := range req.Dimensions {
			switch dim {
			case client.DimensionQuery:
				keys = append(keys, row.Query)
			case client.DimensionPage:
				keys = append(keys, row.Page)
			case client.DimensionDate:
				keys = append(keys, row.Date)
			}
		}
		out = append(out, wireRow{
			Keys:        keys,
			Clicks:      float64(row.Clicks),
			Impressions: float64(row.Impressions),
			CTR:         row.CTR,
			Position:    row.Position,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if len(out) == 0 {
		// The real API omits the rows array entirely on an empty page.
		w.Write([]byte(`{}`))
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"rows": out})
}

// selectRows returns the rows within [start, end], deterministically
// ordered. Query-only requests still return one row per underlying daily
// record, mirroring how tests feed per-day datasets.
func selectRows(rows []client.Row, start, end string) []client.Row {
	var out []client.Row
	for _, r := range rows {
		if r.Date >= start && r.Date <= end {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		if out[i].Query != out[j].Query {
			return out[i].Query < out[j].Query
		}
		return out[i].Page < out[j].Page
	})
	return out
}
