package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"strconv"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/TobiSchelling/ilicrawler/internal/database"
	"github.com/TobiSchelling/ilicrawler/internal/epidata"
)

// upstream fakes the Epidata API, answering per year.
type upstream struct {
	mu       sync.Mutex
	bodies   map[int]string
	statuses map[int]int
	drop     map[int]bool
	requests []int
	times    []time.Time
}

func newUpstream() *upstream {
	return &upstream{
		bodies:   map[int]string{},
		statuses: map[int]int{},
		drop:     map[int]bool{},
	}
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	weeks := r.URL.Query().Get("epiweeks")
	year, _ := strconv.Atoi(weeks[:4])

	u.mu.Lock()
	u.requests = append(u.requests, year)
	u.times = append(u.times, time.Now())
	body, ok := u.bodies[year]
	status := u.statuses[year]
	drop := u.drop[year]
	u.mu.Unlock()

	if drop {
		hj, ok := w.(http.Hijacker)
		if ok {
			conn, _, _ := hj.Hijack()
			conn.Close()
		}
		return
	}
	if status == 0 {
		status = http.StatusOK
	}
	if !ok {
		body = `[]`
	}
	w.WriteHeader(status)
	w.Write([]byte(body))
}

func (u *upstream) requested() []int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]int(nil), u.requests...)
}

// yearBody builds a response with one record per region for week 01 of year.
func yearBody(year int, ili float64, regions ...string) string {
	body := "["
	for i, r := range regions {
		if i > 0 {
			body += ","
		}
		body += fmt.Sprintf(`{"release_date":"%d-01-10","region":%q,"issue":%d01,"epiweek":%d01,"lag":0,`+
			`"num_ili":10,"num_patients":1000,"num_providers":5,"wili":%.2f,"ili":%.2f}`,
			year, r, year, year, ili+0.1, ili)
	}
	return body + "]"
}

type harness struct {
	up  *upstream
	db  *database.DB
	ing *Ingester
}

func newHarness(t *testing.T, interval time.Duration) *harness {
	t.Helper()
	up := newUpstream()
	srv := httptest.NewServer(up)
	t.Cleanup(srv.Close)

	logger := zaptest.NewLogger(t)
	db, err := database.Open(filepath.Join(t.TempDir(), "ili.db"), logger)
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	client := epidata.NewClient(epidata.Options{
		Endpoint: srv.URL,
		APIKey:   "k",
		Regions:  []string{"CA", "NY", "TX"},
		Timeout:  2 * time.Second,
	}, logger)

	return &harness{up: up, db: db, ing: New(client, db, interval, logger)}
}

func dump(t *testing.T, db *database.DB) []database.Observation {
	t.Helper()
	weeks, err := db.GetAvailableWeeks()
	if err != nil {
		t.Fatalf("GetAvailableWeeks: %v", err)
	}
	var all []database.Observation
	for _, w := range weeks {
		rows, err := db.GetObservationsForWeek(w)
		if err != nil {
			t.Fatalf("GetObservationsForWeek(%d): %v", w, err)
		}
		all = append(all, rows...)
	}
	return all
}

func mustRun(t *testing.T, h *harness, start, end int) *Result {
	t.Helper()
	res, err := h.ing.Run(context.Background(), start, end)
	if err != nil {
		t.Fatalf("Run(%d, %d): %v", start, end, err)
	}
	return res
}

func mustCount(t *testing.T, db *database.DB, from, to int) int {
	t.Helper()
	n, err := db.CountObservations(from, to)
	if err != nil {
		t.Fatalf("CountObservations: %v", err)
	}
	return n
}

func mustGet(t *testing.T, db *database.DB, region string, week int) *database.Observation {
	t.Helper()
	o, err := db.GetObservation(region, week)
	if err != nil {
		t.Fatalf("GetObservation(%s, %d): %v", region, week, err)
	}
	if o == nil {
		t.Fatalf("expected a row for %s %d", region, week)
	}
	return o
}

func TestRunWritesEveryRecord(t *testing.T) {
	h := newHarness(t, 0)
	h.up.bodies[2019] = yearBody(2019, 2.5, "ca", "ny", "tx")
	h.up.bodies[2020] = yearBody(2020, 3.5, "ca", "ny")

	res := mustRun(t, h, 2019, 2020)
	if res.RowsWritten != 5 {
		t.Errorf("expected 5 rows written, got %d", res.RowsWritten)
	}
	if n := res.Count(OutcomeOK); n != 2 {
		t.Errorf("expected 2 ok years, got %d", n)
	}
	if n := mustCount(t, h.db, 201901, 202053); n != 5 {
		t.Errorf("expected 5 stored rows, got %d", n)
	}
	if ny := mustGet(t, h.db, "ny", 202001); *ny.ILI != 3.5 {
		t.Errorf("expected ny ili 3.5, got %v", *ny.ILI)
	}
}

func TestRunRequestsYearsInAscendingOrder(t *testing.T) {
	h := newHarness(t, 0)

	mustRun(t, h, 2001, 2004)
	want := []int{2001, 2002, 2003, 2004}
	if got := h.up.requested(); !reflect.DeepEqual(got, want) {
		t.Errorf("requested %v, want %v", got, want)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	h := newHarness(t, 0)
	h.up.bodies[2018] = yearBody(2018, 1.25, "ca", "ny", "tx")

	mustRun(t, h, 2018, 2018)
	first := dump(t, h.db)

	mustRun(t, h, 2018, 2018)
	if second := dump(t, h.db); !reflect.DeepEqual(first, second) {
		t.Errorf("second run changed stored rows:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestRunStoresMissingFieldsAsNull(t *testing.T) {
	h := newHarness(t, 0)
	h.up.bodies[2015] = `[{"region":"ca","epiweek":201501,"ili":1.5}]`

	mustRun(t, h, 2015, 2015)

	o := mustGet(t, h.db, "ca", 201501)
	if o.WILI != nil {
		t.Errorf("expected NULL wili, got %v", *o.WILI)
	}
	if o.NumAge3 != nil {
		t.Errorf("expected NULL num_age_3, got %v", *o.NumAge3)
	}
	if *o.ILI != 1.5 {
		t.Errorf("expected ili 1.5, got %v", *o.ILI)
	}
}

func TestRunContinuesAfterEmptyYear(t *testing.T) {
	h := newHarness(t, 0)
	h.up.bodies[1997] = `{"result": -2, "message": "no results"}`
	h.up.bodies[1998] = `[]`
	h.up.bodies[1999] = yearBody(1999, 0.9, "ca")

	res := mustRun(t, h, 1997, 1999)
	if n := res.Count(OutcomeEmpty); n != 2 {
		t.Errorf("expected 2 empty years, got %d", n)
	}
	if n := res.Count(OutcomeOK); n != 1 {
		t.Errorf("expected 1 ok year, got %d", n)
	}
	if res.RowsWritten != 1 {
		t.Errorf("expected 1 row written, got %d", res.RowsWritten)
	}
}

func TestRunIsolatesTransportFailure(t *testing.T) {
	h := newHarness(t, 0)
	h.up.bodies[2010] = yearBody(2010, 1.0, "ca")
	h.up.drop[2011] = true
	h.up.bodies[2012] = yearBody(2012, 1.2, "ny")

	res := mustRun(t, h, 2010, 2012)
	if len(res.Years) != 3 {
		t.Fatalf("expected 3 year results, got %d", len(res.Years))
	}
	want := []string{OutcomeOK, OutcomeFailed, OutcomeOK}
	for i, y := range res.Years {
		if y.Outcome != want[i] {
			t.Errorf("year %d: outcome %v, want %v", y.Year, y.Outcome, want[i])
		}
	}
	if res.Years[1].Err == nil {
		t.Error("expected the dropped year to carry its error")
	}
	if n := mustCount(t, h.db, 201001, 201253); n != 2 {
		t.Errorf("expected 2 stored rows, got %d", n)
	}
}

func TestRunIsolatesUpstreamErrorAndMalformedBody(t *testing.T) {
	h := newHarness(t, 0)
	h.up.statuses[2005] = http.StatusServiceUnavailable
	h.up.bodies[2006] = `not json`
	h.up.bodies[2007] = yearBody(2007, 4.0, "tx")

	res := mustRun(t, h, 2005, 2007)
	if !errors.Is(res.Years[0].Err, epidata.ErrUpstream) {
		t.Errorf("expected ErrUpstream for 2005, got %v", res.Years[0].Err)
	}
	if res.Years[1].Outcome != OutcomeFailed {
		t.Errorf("expected malformed body to fail its year, got %v", res.Years[1].Outcome)
	}
	if n := res.Count(OutcomeFailed); n != 2 {
		t.Errorf("expected 2 failed years, got %d", n)
	}
	if res.RowsWritten != 1 {
		t.Errorf("expected 1 row written, got %d", res.RowsWritten)
	}
}

func TestRunLastWriteWins(t *testing.T) {
	h := newHarness(t, 0)
	h.up.bodies[2021] = `[
		{"region":"ca","epiweek":202101,"issue":202101,"ili":1.0},
		{"region":"ca","epiweek":202101,"issue":202103,"ili":2.0}
	]`

	mustRun(t, h, 2021, 2021)

	o := mustGet(t, h.db, "ca", 202101)
	if *o.ILI != 2.0 {
		t.Errorf("expected later record's ili 2.0, got %v", *o.ILI)
	}
	if *o.Issue != 202103 {
		t.Errorf("expected issue 202103, got %d", *o.Issue)
	}
	if n := mustCount(t, h.db, 202101, 202153); n != 1 {
		t.Errorf("expected a single row for the key, got %d", n)
	}
}

func TestRunRecordsIngestRun(t *testing.T) {
	h := newHarness(t, 0)
	h.up.bodies[2022] = yearBody(2022, 1.0, "ca", "ny")
	h.up.statuses[2023] = http.StatusBadGateway

	res := mustRun(t, h, 2021, 2023)

	run, err := h.db.GetLastRun()
	if err != nil {
		t.Fatalf("GetLastRun: %v", err)
	}
	if run == nil {
		t.Fatal("expected a recorded run")
	}
	if run.ID != res.RunID {
		t.Errorf("run id %q, want %q", run.ID, res.RunID)
	}
	if run.RowsWritten != 2 || run.YearsOK != 1 || run.YearsEmpty != 1 || run.YearsFailed != 1 {
		t.Errorf("unexpected run: %+v", run)
	}
}

func TestRunPacesRequests(t *testing.T) {
	interval := 60 * time.Millisecond
	h := newHarness(t, interval)

	mustRun(t, h, 2001, 2003)

	h.up.mu.Lock()
	times := append([]time.Time(nil), h.up.times...)
	h.up.mu.Unlock()
	if len(times) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(times))
	}
	for i := 1; i < len(times); i++ {
		if gap := times[i].Sub(times[i-1]); gap < interval-10*time.Millisecond {
			t.Errorf("gap %d too short: %v", i, gap)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var res *Result
	var err error
	go func() {
		res, err = h.ing.Run(ctx, 2001, 2010)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for len(h.up.requested()) < 1 {
		if time.Now().After(deadline) {
			t.Fatal("first request never arrived")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(res.Years) != 1 {
		t.Errorf("expected 1 year result, got %d", len(res.Years))
	}
	if got := h.up.requested(); !reflect.DeepEqual(got, []int{2001}) {
		t.Errorf("requested %v, want [2001]", got)
	}
}

func TestRunRejectsInvertedRange(t *testing.T) {
	h := newHarness(t, 0)
	if _, err := h.ing.Run(context.Background(), 2020, 2019); err == nil {
		t.Error("expected an error for an inverted range")
	}
	if got := h.up.requested(); len(got) != 0 {
		t.Errorf("expected no requests, got %v", got)
	}
}

// failingStore rejects every upsert.
type failingStore struct {
	upserts  int
	finished bool
}

var errDiskFull = errors.New("disk full")

func (s *failingStore) UpsertObservations(context.Context, []database.Observation) (int, error) {
	s.upserts++
	return 0, errDiskFull
}

func (s *failingStore) StartRun(string, int, int) error { return nil }

func (s *failingStore) FinishRun(string, int, int, int, int) error {
	s.finished = true
	return nil
}

// staticFetcher returns one keyed record for every year.
type staticFetcher struct{ years []int }

func (f *staticFetcher) FetchYear(_ context.Context, year int) (*epidata.Response, error) {
	f.years = append(f.years, year)
	region := "ca"
	week := int64(year*100 + 1)
	return &epidata.Response{
		Observations: []database.Observation{{Region: &region, Epiweek: &week}},
	}, nil
}

func (f *staticFetcher) RedactedURL(int) string { return "" }

func TestRunStorageFailureIsFatal(t *testing.T) {
	store := &failingStore{}
	fetcher := &staticFetcher{}
	ing := New(fetcher, store, 0, zaptest.NewLogger(t))

	res, err := ing.Run(context.Background(), 2000, 2005)
	if !errors.Is(err, errDiskFull) {
		t.Fatalf("expected errDiskFull, got %v", err)
	}
	if !reflect.DeepEqual(fetcher.years, []int{2000}) {
		t.Errorf("no year should be attempted after a storage failure, fetched %v", fetcher.years)
	}
	if store.upserts != 1 {
		t.Errorf("expected 1 upsert attempt, got %d", store.upserts)
	}
	if !store.finished {
		t.Error("expected the run to be finished")
	}
	if n := res.Count(OutcomeFailed); n != 1 {
		t.Errorf("expected 1 failed year, got %d", n)
	}
}
