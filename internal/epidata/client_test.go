package epidata

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

const sampleRecords = `[
  {"release_date": "2019-01-11", "region": "ca", "issue": 201901, "epiweek": 201901, "lag": 0,
   "num_ili": 512, "num_patients": 10240, "num_providers": 120,
   "num_age_0": 100, "num_age_1": 150, "num_age_2": null, "num_age_3": 90, "num_age_4": 60, "num_age_5": 12,
   "wili": 5.12, "ili": 5.0},
  {"release_date": "2019-01-11", "region": "ny", "issue": 201901, "epiweek": 201901, "lag": 0,
   "num_ili": 300, "num_patients": 9000, "num_providers": 80, "ili": 3.33}
]`

func newTestClient(t *testing.T, srv *httptest.Server, timeout time.Duration) *Client {
	t.Helper()
	return NewClient(Options{
		Endpoint: srv.URL,
		APIKey:   "secret-key",
		Regions:  []string{"CA", "NY"},
		Timeout:  timeout,
	}, zaptest.NewLogger(t))
}

func jsonServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func fetch(t *testing.T, srv *httptest.Server, year int) *Response {
	t.Helper()
	resp, err := newTestClient(t, srv, time.Second).FetchYear(context.Background(), year)
	if err != nil {
		t.Fatalf("FetchYear(%d): %v", year, err)
	}
	return resp
}

func TestYearURLParams(t *testing.T) {
	c := NewClient(Options{APIKey: "k", Regions: []string{"AL", "AK", "X"}}, nil)

	u, err := url.Parse(c.YearURL(2019))
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	if u.Host != "delphi.cmu.edu" {
		t.Errorf("host = %q", u.Host)
	}

	q := u.Query()
	want := map[string]string{
		"api_key":  "k",
		"source":   "fluview",
		"regions":  "AL,AK,X",
		"metrics":  "ili",
		"epiweeks": "201901-201953",
		"format":   "json",
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestRedactedURLHidesKey(t *testing.T) {
	c := NewClient(Options{APIKey: "top-secret"}, nil)
	u := c.RedactedURL(2020)
	if strings.Contains(u, "top-secret") {
		t.Errorf("redacted URL leaks key: %s", u)
	}
	if !strings.Contains(u, "api_key=REDACTED") {
		t.Errorf("expected redaction marker in %s", u)
	}
}

func TestFetchYearSendsQuery(t *testing.T) {
	var got url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query()
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	fetch(t, srv, 2004)
	if got.Get("api_key") != "secret-key" {
		t.Errorf("api_key = %q", got.Get("api_key"))
	}
	if got.Get("epiweeks") != "200401-200453" {
		t.Errorf("epiweeks = %q", got.Get("epiweeks"))
	}
	if got.Get("regions") != "CA,NY" {
		t.Errorf("regions = %q", got.Get("regions"))
	}
}

func TestFetchYearBareArray(t *testing.T) {
	srv := jsonServer(t, http.StatusOK, sampleRecords)

	resp := fetch(t, srv, 2019)
	if len(resp.Observations) != 2 {
		t.Fatalf("expected 2 observations, got %d", len(resp.Observations))
	}

	ca := resp.Observations[0]
	if *ca.Region != "ca" || *ca.Epiweek != 201901 {
		t.Errorf("unexpected key %s/%d", *ca.Region, *ca.Epiweek)
	}
	if *ca.NumILI != 512 || *ca.NumAge5 != 12 {
		t.Errorf("unexpected counts: num_ili=%d num_age_5=%d", *ca.NumILI, *ca.NumAge5)
	}
	if *ca.WILI != 5.12 || *ca.ILI != 5.0 {
		t.Errorf("unexpected rates: wili=%v ili=%v", *ca.WILI, *ca.ILI)
	}
	if ca.NumAge2 != nil {
		t.Error("null field should map to nil")
	}
}

func TestFetchYearMissingFieldsAreNil(t *testing.T) {
	srv := jsonServer(t, http.StatusOK, sampleRecords)

	ny := fetch(t, srv, 2019).Observations[1]
	if ny.WILI != nil || ny.NumAge0 != nil {
		t.Error("absent fields should map to nil")
	}
	if *ny.ILI != 3.33 {
		t.Errorf("ili = %v, want 3.33", *ny.ILI)
	}
}

func TestFetchYearEnvelope(t *testing.T) {
	srv := jsonServer(t, http.StatusOK, `{"result": 1, "message": "success", "epidata": `+sampleRecords+`}`)

	resp := fetch(t, srv, 2019)
	if len(resp.Observations) != 2 {
		t.Errorf("expected 2 observations, got %d", len(resp.Observations))
	}
	if resp.Message != "success" {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestFetchYearSkipsUnkeyedRecords(t *testing.T) {
	srv := jsonServer(t, http.StatusOK, `[
		{"region": "ca", "epiweek": 201001, "ili": 1.0},
		{"epiweek": 201001, "ili": 2.0},
		{"region": "ny", "ili": 3.0},
		42
	]`)

	resp := fetch(t, srv, 2010)
	if len(resp.Observations) != 1 {
		t.Errorf("expected 1 observation, got %d", len(resp.Observations))
	}
	if resp.Skipped != 3 {
		t.Errorf("expected 3 skipped, got %d", resp.Skipped)
	}
}

func TestFetchYearEmptyList(t *testing.T) {
	srv := jsonServer(t, http.StatusOK, `[]`)

	if resp := fetch(t, srv, 1997); len(resp.Observations) != 0 {
		t.Errorf("expected no observations, got %d", len(resp.Observations))
	}
}

func TestFetchYearNonListIsNoData(t *testing.T) {
	srv := jsonServer(t, http.StatusOK, `{"result": -2, "message": "no results"}`)

	resp := fetch(t, srv, 1997)
	if len(resp.Observations) != 0 {
		t.Errorf("expected no observations, got %d", len(resp.Observations))
	}
	if resp.Message != "no results" {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestFetchYearMalformedBody(t *testing.T) {
	srv := jsonServer(t, http.StatusOK, `<html>oops</html>`)

	if _, err := newTestClient(t, srv, time.Second).FetchYear(context.Background(), 2000); err == nil {
		t.Error("expected an error for a non-JSON body")
	}
}

func TestFetchYearEmptyBody(t *testing.T) {
	srv := jsonServer(t, http.StatusOK, ``)

	if _, err := newTestClient(t, srv, time.Second).FetchYear(context.Background(), 2000); err == nil {
		t.Error("expected an error for an empty body")
	}
}

func TestFetchYearHTTPError(t *testing.T) {
	srv := jsonServer(t, http.StatusBadGateway, `{"error": "bad gateway"}`)

	_, err := newTestClient(t, srv, time.Second).FetchYear(context.Background(), 2000)
	if !errors.Is(err, ErrUpstream) {
		t.Errorf("expected ErrUpstream, got %v", err)
	}
}

func TestFetchYearTimeoutRedactsKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv, 50*time.Millisecond).FetchYear(context.Background(), 2001)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if strings.Contains(err.Error(), "secret-key") {
		t.Errorf("error leaks credential: %v", err)
	}
}

func TestLenientNumberDecoding(t *testing.T) {
	records, _, err := parseBody([]byte(`[{"region": "ca", "epiweek": "201002", "num_ili": 12.0, "ili": "1.5", "lag": "n/a"}]`))
	if err != nil {
		t.Fatalf("parseBody: %v", err)
	}

	o, ok := toObservation(records[0])
	if !ok {
		t.Fatal("expected a keyed observation")
	}
	if *o.Epiweek != 201002 {
		t.Errorf("epiweek = %d", *o.Epiweek)
	}
	if *o.NumILI != 12 {
		t.Errorf("num_ili = %d", *o.NumILI)
	}
	if *o.ILI != 1.5 {
		t.Errorf("ili = %v", *o.ILI)
	}
	if o.Lag != nil {
		t.Errorf("lag = %d, want nil", *o.Lag)
	}
}

func TestOutOfRangeIntegersDecodeAsNull(t *testing.T) {
	records, _, err := parseBody([]byte(`[{"region": "ca", "epiweek": 201002,
		"num_ili": 1e20, "num_patients": -1e19, "num_providers": 9.3e18, "lag": 1e18}]`))
	if err != nil {
		t.Fatalf("parseBody: %v", err)
	}

	o, ok := toObservation(records[0])
	if !ok {
		t.Fatal("expected a keyed observation")
	}
	if o.NumILI != nil {
		t.Errorf("num_ili = %d, want nil", *o.NumILI)
	}
	if o.NumPatients != nil {
		t.Errorf("num_patients = %d, want nil", *o.NumPatients)
	}
	if o.NumProviders != nil {
		t.Errorf("num_providers = %d, want nil", *o.NumProviders)
	}
	if o.Lag == nil || *o.Lag != 1_000_000_000_000_000_000 {
		t.Errorf("lag = %v, want 1e18", o.Lag)
	}
}
