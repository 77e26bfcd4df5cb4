// Package ingest drives the year-by-year fetch and upsert loop.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/TobiSchelling/ilicrawler/internal/database"
	"github.com/TobiSchelling/ilicrawler/internal/epidata"
	"github.com/TobiSchelling/ilicrawler/internal/epiweek"
	"github.com/TobiSchelling/ilicrawler/internal/observability"
)

// Year outcomes.
const (
	OutcomeOK     = "ok"
	OutcomeEmpty  = "empty"
	OutcomeFailed = "failed"
)

// Fetcher retrieves one year of observations.
type Fetcher interface {
	FetchYear(ctx context.Context, year int) (*epidata.Response, error)
	RedactedURL(year int) string
}

// Store persists observations and run metadata.
type Store interface {
	UpsertObservations(ctx context.Context, obs []database.Observation) (int, error)
	StartRun(id string, startYear, endYear int) error
	FinishRun(id string, rowsWritten, yearsOK, yearsEmpty, yearsFailed int) error
}

// YearResult holds the outcome of a single year.
type YearResult struct {
	Year    int
	Outcome string
	Rows    int
	Skipped int
	Err     error
}

// Result holds the results of a full ingest run.
type Result struct {
	RunID       string
	StartYear   int
	EndYear     int
	Years       []YearResult
	RowsWritten int
}

// Count returns how many years ended with the given outcome.
func (r *Result) Count(outcome string) int {
	n := 0
	for _, y := range r.Years {
		if y.Outcome == outcome {
			n++
		}
	}
	return n
}

// Ingester fetches a closed range of years sequentially, pacing requests so
// at least one interval passes between consecutive yearly requests.
type Ingester struct {
	fetcher Fetcher
	store   Store
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New creates an ingester. An interval of zero disables pacing.
func New(fetcher Fetcher, store Store, interval time.Duration, logger *zap.Logger) *Ingester {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingester{
		fetcher: fetcher,
		store:   store,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

// Run processes every year in [startYear, endYear] in ascending order.
// Fetch and decode failures are contained to their year. A storage failure
// aborts the run and is returned; years committed before it stay durable.
// Cancelling ctx stops the run before the next request.
func (in *Ingester) Run(ctx context.Context, startYear, endYear int) (*Result, error) {
	if startYear > endYear {
		return nil, fmt.Errorf("invalid year range %d-%d", startYear, endYear)
	}

	r := &Result{RunID: uuid.NewString(), StartYear: startYear, EndYear: endYear}
	if err := in.store.StartRun(r.RunID, startYear, endYear); err != nil {
		return nil, fmt.Errorf("recording run start: %w", err)
	}

	var runErr error
	for year := startYear; year <= endYear; year++ {
		if err := in.limiter.Wait(ctx); err != nil {
			runErr = fmt.Errorf("ingest interrupted before %d: %w", year, err)
			break
		}

		yr, err := in.processYear(ctx, year)
		r.Years = append(r.Years, yr)
		r.RowsWritten += yr.Rows
		if err != nil {
			runErr = err
			break
		}
	}

	if err := in.store.FinishRun(r.RunID, r.RowsWritten,
		r.Count(OutcomeOK), r.Count(OutcomeEmpty), r.Count(OutcomeFailed)); err != nil && runErr == nil {
		runErr = fmt.Errorf("recording run finish: %w", err)
	}

	in.logger.Info("Ingest complete",
		zap.String("run", r.RunID),
		zap.Int("rows", r.RowsWritten),
		zap.Int("years_ok", r.Count(OutcomeOK)),
		zap.Int("years_empty", r.Count(OutcomeEmpty)),
		zap.Int("years_failed", r.Count(OutcomeFailed)),
	)
	return r, runErr
}

// processYear returns a non-nil error only for storage failures.
func (in *Ingester) processYear(ctx context.Context, year int) (YearResult, error) {
	yr := YearResult{Year: year}
	start, end := epiweek.YearRange(year)
	log := in.logger.With(zap.Int("year", year))

	log.Info("Fetching data", zap.String("epiweeks", epiweek.FormatRange(start, end)))

	resp, err := in.fetcher.FetchYear(ctx, year)
	if err != nil {
		yr.Outcome = OutcomeFailed
		yr.Err = err
		observability.YearsProcessedTotal.WithLabelValues(OutcomeFailed).Inc()
		log.Error("Error fetching data", zap.Error(err))
		return yr, nil
	}

	yr.Skipped = resp.Skipped
	if resp.Skipped > 0 {
		observability.ObservationsSkippedTotal.Add(float64(resp.Skipped))
		log.Warn("Skipped records without region or epiweek", zap.Int("skipped", resp.Skipped))
	}

	if len(resp.Observations) == 0 {
		yr.Outcome = OutcomeEmpty
		observability.YearsProcessedTotal.WithLabelValues(OutcomeEmpty).Inc()
		log.Warn("No data returned",
			zap.String("url", in.fetcher.RedactedURL(year)),
			zap.String("message", resp.Message),
		)
		return yr, nil
	}

	n, err := in.store.UpsertObservations(ctx, resp.Observations)
	if err != nil {
		yr.Outcome = OutcomeFailed
		yr.Err = err
		observability.YearsProcessedTotal.WithLabelValues(OutcomeFailed).Inc()
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return yr, fmt.Errorf("ingest interrupted during %d: %w", year, ctxErr)
		}
		return yr, fmt.Errorf("storing %d: %w", year, err)
	}

	yr.Outcome = OutcomeOK
	yr.Rows = n
	observability.YearsProcessedTotal.WithLabelValues(OutcomeOK).Inc()
	observability.ObservationsUpsertedTotal.Add(float64(n))
	log.Info("Year done", zap.Int("rows", n))
	return yr, nil
}
