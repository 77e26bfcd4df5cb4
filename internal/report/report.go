// Package report composes a markdown summary of one epiweek.
package report

import (
	"fmt"
	"slices"
	"strings"

	"github.com/TobiSchelling/ilicrawler/internal/database"
	"github.com/TobiSchelling/ilicrawler/internal/epiweek"
)

const recentReleases = 5

// Store is the read side the composer needs.
type Store interface {
	LatestEpiweek() (int, error)
	GetObservationsForWeek(epiweek int) ([]database.Observation, error)
	GetRecentReleases(limit int) ([]database.Release, error)
}

// Row is one region in the report's ranking.
type Row struct {
	Region   string
	ILI      *float64
	WILI     *float64
	Patients *int64
}

// Report is a composed weekly summary.
type Report struct {
	Epiweek     int
	Label       string
	RegionCount int
	MeanILI     *float64
	Top         []Row
	Releases    []database.Release
	Markdown    string
}

// Composer builds weekly reports from stored data.
type Composer struct {
	store Store
}

// NewComposer creates a new report composer.
func NewComposer(store Store) *Composer {
	return &Composer{store: store}
}

// Compose builds the report for week. A week of 0 selects the latest stored
// epiweek. top limits the ranking table; 0 or less shows every region.
func (c *Composer) Compose(week, top int) (*Report, error) {
	if week == 0 {
		latest, err := c.store.LatestEpiweek()
		if err != nil {
			return nil, fmt.Errorf("finding latest epiweek: %w", err)
		}
		week = latest
	}

	r := &Report{Epiweek: week}
	if week == 0 {
		r.Markdown = "# ILI report\n\nNo data ingested yet."
		return r, nil
	}
	r.Label = epiweek.Format(week)

	obs, err := c.store.GetObservationsForWeek(week)
	if err != nil {
		return nil, fmt.Errorf("loading week %d: %w", week, err)
	}
	obs = slices.DeleteFunc(obs, func(o database.Observation) bool { return o.Region == nil })
	r.RegionCount = len(obs)
	r.MeanILI = meanILI(obs)

	for i, o := range obs {
		if top > 0 && i >= top {
			break
		}
		r.Top = append(r.Top, Row{
			Region:   strings.ToUpper(*o.Region),
			ILI:      o.ILI,
			WILI:     o.WILI,
			Patients: o.NumPatients,
		})
	}

	r.Releases, err = c.store.GetRecentReleases(recentReleases)
	if err != nil {
		return nil, fmt.Errorf("loading releases: %w", err)
	}

	r.Markdown = render(r)
	return r, nil
}

func meanILI(obs []database.Observation) *float64 {
	var sum float64
	var n int
	for _, o := range obs {
		if o.ILI != nil {
			sum += *o.ILI
			n++
		}
	}
	if n == 0 {
		return nil
	}
	mean := sum / float64(n)
	return &mean
}

func render(r *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# ILI report: %s\n\n", r.Label)

	if r.RegionCount == 0 {
		b.WriteString("No observations stored for this week.\n")
	} else {
		fmt.Fprintf(&b, "- **Regions reporting:** %d\n", r.RegionCount)
		fmt.Fprintf(&b, "- **Mean ILI:** %s\n\n", percent(r.MeanILI))

		fmt.Fprintf(&b, "## Top %d regions\n\n", len(r.Top))
		b.WriteString("| Region | ILI | wILI | Patients |\n")
		b.WriteString("|---|---:|---:|---:|\n")
		for _, row := range r.Top {
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n",
				row.Region, percent(row.ILI), percent(row.WILI), count(row.Patients))
		}
	}

	if len(r.Releases) > 0 {
		b.WriteString("\n## Recent releases\n\n")
		for _, rel := range r.Releases {
			line := "- " + rel.Title
			if rel.Link != nil && *rel.Link != "" {
				line = fmt.Sprintf("- [%s](%s)", rel.Title, *rel.Link)
			}
			if rel.PublishedDate != nil {
				line += " (" + *rel.PublishedDate + ")"
			}
			b.WriteString(line + "\n")
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

func percent(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.2f%%", *v)
}

func count(v *int64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%d", *v)
}
