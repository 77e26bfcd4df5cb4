package database

// Observation is one ILI surveillance row, keyed by (Region, Epiweek).
// Every field is nullable; a nil pointer is stored as NULL.
type Observation struct {
	ReleaseDate  *string
	Region       *string
	Issue        *int64
	Epiweek      *int64
	Lag          *int64
	NumILI       *int64
	NumPatients  *int64
	NumProviders *int64
	NumAge0      *int64
	NumAge1      *int64
	NumAge2      *int64
	NumAge3      *int64
	NumAge4      *int64
	NumAge5      *int64
	WILI         *float64
	ILI          *float64
}

// HasKey reports whether the observation carries both key columns.
func (o *Observation) HasKey() bool {
	return o.Region != nil && *o.Region != "" && o.Epiweek != nil
}

// RegionValue is the ILI of one region at one epiweek.
type RegionValue struct {
	Region  string
	Epiweek int
	ILI     *float64
}

// IngestRun holds metadata about an ingest run.
type IngestRun struct {
	ID          string
	StartedAt   string
	FinishedAt  *string
	StartYear   int
	EndYear     int
	RowsWritten int
	YearsOK     int
	YearsEmpty  int
	YearsFailed int
}

// Release is a surveillance report announcement read from a feed.
type Release struct {
	GUID           string
	Title          string
	Link           *string
	PublishedDate  *string
	Content        *string
	ContentFetched bool
	Feed           *string
	CollectedAt    *string
}

// Stats contains aggregate database statistics.
type Stats struct {
	Observations int
	Regions      int
	FirstEpiweek int
	LastEpiweek  int
	Runs         int
	Releases     int
}
