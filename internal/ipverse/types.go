package ipverse

// CacheEntry is the durable record for one (country, date) report.
type CacheEntry struct {
	// FilePath is the assembled CIDR-list artifact. Owned by the store once
	// written; the daily sweep removes it together with the entry.
	FilePath string

	ASNCount     int
	IPRangeCount int

	// BuildSeconds is the wall-clock duration of the real build. Replays
	// reuse it; they never recompute it.
	BuildSeconds float64

	// Cached is set once the build finished and the artifact is durable.
	Cached bool

	// Locked marks an in-flight build for this key. It is a cooperative
	// mutual-exclusion token: a crashed build leaves it stuck until cleared
	// by hand (single-process deployment assumption).
	Locked bool

	StoredAt int64 // unix seconds
}

// complete reports whether the entry carries usable metadata. Entries written
// before a crash may have an artifact but no totals; those count as misses and
// get rebuilt.
func (e CacheEntry) complete() bool {
	return e.Cached && e.FilePath != "" && e.ASNCount > 0
}

// ASNRecord is one row of the upstream ASN listing. Transient, never persisted.
type ASNRecord struct {
	ASN         string `json:"asn"`
	Type        string `json:"type"`
	NumberOfIPs int64  `json:"numberOfIps"`
}

// ProgressUpdate is emitted to the caller-supplied sink while a report is
// assembled (or replayed from cache).
type ProgressUpdate struct {
	Country        string  `json:"country"`
	PagesProcessed int     `json:"pagesProcessed"`
	ASNCount       int     `json:"asnCount"`
	IPRangeCount   int     `json:"ipRangeCount"`
	ElapsedSeconds float64 `json:"elapsedSeconds"`
}

// ReportResult is the terminal outcome of a successful request.
type ReportResult struct {
	Country        string  `json:"country"`
	Date           string  `json:"date"`
	ArtifactPath   string  `json:"artifactPath"`
	TotalASNs      int     `json:"totalAsns"`
	TotalIPRanges  int     `json:"totalIpRanges"`
	ElapsedSeconds float64 `json:"elapsedSeconds"`
	Cached         bool    `json:"cached"`
}
