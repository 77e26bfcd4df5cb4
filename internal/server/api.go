package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/TobiSchelling/ilicrawler/internal/database"
	"github.com/TobiSchelling/ilicrawler/internal/epiweek"
)

// defaultSeriesStart is the first week plotted when no range is given.
const defaultSeriesStart = 201040

// SeriesResponse is the body of GET /series. Series values align with Weeks;
// a nil entry means no row for that region and week.
type SeriesResponse struct {
	Weeks   []int                 `json:"weeks"`
	Labels  []string              `json:"labels"`
	Series  map[string][]*float64 `json:"series"`
	Average []*float64            `json:"average"`
}

func (s *Server) handleAvailableWeeks(w http.ResponseWriter, r *http.Request) {
	weeks, err := s.store.GetAvailableWeeks()
	if err != nil {
		s.internalError(w, "loading weeks", err)
		return
	}
	s.writeJSON(w, http.StatusOK, weeks)
}

func (s *Server) handleStateData(w http.ResponseWriter, r *http.Request) {
	week, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get("week")))
	if err != nil || week <= 0 {
		http.Error(w, "Missing or invalid week parameter", http.StatusBadRequest)
		return
	}

	values, err := s.store.GetLatestILIByRegion(week)
	if err != nil {
		s.internalError(w, "loading state data", err)
		return
	}

	out := make(map[string]*float64, len(values))
	for _, v := range values {
		out[strings.ToUpper(v.Region)] = v.ILI
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	series, _, ok := s.loadSeries(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, series)
}

// loadSeries reads regions (or states), from, and to from the query and
// builds the aligned series, returning it with the regions in request order.
// It writes the error response itself and reports false when the request
// cannot be served.
func (s *Server) loadSeries(w http.ResponseWriter, r *http.Request) (*SeriesResponse, []string, bool) {
	q := r.URL.Query()
	raw := q.Get("regions")
	if raw == "" {
		raw = q.Get("states")
	}
	regions := splitRegions(raw)
	if len(regions) == 0 {
		http.Error(w, "No regions provided", http.StatusBadRequest)
		return nil, nil, false
	}

	from := defaultSeriesStart
	if v := q.Get("from"); v != "" {
		var ok bool
		if from, ok = parseWeek(v); !ok {
			http.Error(w, "Invalid from parameter", http.StatusBadRequest)
			return nil, nil, false
		}
	}

	to := 0
	if v := q.Get("to"); v != "" {
		var ok bool
		if to, ok = parseWeek(v); !ok {
			http.Error(w, "Invalid to parameter", http.StatusBadRequest)
			return nil, nil, false
		}
	} else {
		latest, err := s.store.LatestEpiweek()
		if err != nil {
			s.internalError(w, "finding latest week", err)
			return nil, nil, false
		}
		// With nothing stored the range runs up to the current week.
		if latest == 0 {
			latest = epiweek.FromTime(s.now())
		}
		to = max(latest, from)
	}
	if from > to {
		http.Error(w, "from must not be after to", http.StatusBadRequest)
		return nil, nil, false
	}

	rows, err := s.store.GetSeries(regions, from, to)
	if err != nil {
		s.internalError(w, "loading series", err)
		return nil, nil, false
	}
	return buildSeries(regions, epiweek.Generate(from, to), rows), regions, true
}

func buildSeries(regions []string, weeks []int, rows []database.RegionValue) *SeriesResponse {
	index := make(map[int]int, len(weeks))
	labels := make([]string, len(weeks))
	for i, wk := range weeks {
		index[wk] = i
		labels[i] = epiweek.Format(wk)
	}

	series := make(map[string][]*float64, len(regions))
	for _, region := range regions {
		series[region] = make([]*float64, len(weeks))
	}
	for _, row := range rows {
		i, ok := index[row.Epiweek]
		if !ok || row.ILI == nil {
			continue
		}
		if vals, ok := series[row.Region]; ok {
			v := *row.ILI
			vals[i] = &v
		}
	}

	average := make([]*float64, len(weeks))
	for i := range weeks {
		var sum float64
		var n int
		for _, region := range regions {
			if v := series[region][i]; v != nil {
				sum += *v
				n++
			}
		}
		if n > 0 {
			avg := sum / float64(n)
			average[i] = &avg
		}
	}

	return &SeriesResponse{Weeks: weeks, Labels: labels, Series: series, Average: average}
}

// splitRegions lowercases, trims, and de-duplicates a comma list.
func splitRegions(raw string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, part := range strings.Split(raw, ",") {
		r := strings.ToLower(strings.TrimSpace(part))
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

// parseWeek accepts a positive YYYYWW value whose week exists in its year.
func parseWeek(v string) (int, bool) {
	w, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || w <= 0 || !epiweek.Valid(w) {
		return 0, false
	}
	return w, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to encode response", zap.Error(err))
	}
}
