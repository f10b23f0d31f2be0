package ipverse

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Builder assembles per-country IP-range reports: it checks the store for a
// fresh cached artifact, replays it if present, and otherwise pages through
// the remote ASN source under the per-key lock.
type Builder struct {
	store  *Store
	source *Source
	stats  *statsCollector

	cacheDir       string
	pageSize       int
	maxReportBytes int64
	pageDelay      time.Duration
	detailWorkers  int

	replayMin time.Duration
	replayMax time.Duration
}

func NewBuilder(cfg Config, store *Store, source *Source, stats *statsCollector) *Builder {
	return &Builder{
		store:          store,
		source:         source,
		stats:          stats,
		cacheDir:       filepath.Join(cfg.Storage.Dir, "reports"),
		pageSize:       cfg.Upstream.PageSize,
		maxReportBytes: cfg.Storage.maxReportBytes,
		pageDelay:      cfg.Upstream.pageDelayDur,
		detailWorkers:  cfg.Upstream.DetailWorkers,
		replayMin:      cfg.Progress.replayMinDur,
		replayMax:      cfg.Progress.replayMaxDur,
	}
}

// Build produces today's report for a country, replaying from cache when a
// finished artifact exists. A key with a build already in flight fails fast
// with ErrAlreadyBuilding; the caller surfaces "try again later".
func (b *Builder) Build(ctx context.Context, country string, sink ProgressSink) (ReportResult, error) {
	country = strings.ToUpper(strings.TrimSpace(country))
	date := time.Now().Format("2006-01-02")
	if sink == nil {
		sink = NopSink
	}

	ent, ok := b.store.Get(country, date)
	if ok && ent.complete() && fileExists(ent.FilePath) {
		return b.replay(country, date, ent, sink), nil
	}
	if ok && ent.Locked {
		return ReportResult{}, ErrAlreadyBuilding
	}
	return b.buildFresh(ctx, country, date, sink)
}

func (b *Builder) buildFresh(ctx context.Context, country, date string, sink ProgressSink) (ReportResult, error) {
	if !b.store.TryLock(country, date) {
		return ReportResult{}, ErrAlreadyBuilding
	}
	// Cleared on every exit path; after a successful Put this is a no-op
	// since the stored entry is already unlocked.
	defer b.store.Unlock(country, date)

	if b.stats != nil {
		b.stats.BuildStarted()
	}
	log.Printf("building report for %s/%s", country, date)

	start := time.Now()
	var content strings.Builder
	totalASNs := 0
	totalIPRanges := 0
	pages := 0

	for page := 1; ; page++ {
		records, err := b.source.ListASNs(ctx, country, page)
		if err != nil {
			if page == 1 {
				// Nothing was ever listed for this country; most
				// likely the code is invalid. No cache is written.
				if b.stats != nil {
					b.stats.InvalidCountry()
				}
				return ReportResult{}, fmt.Errorf("%w (%s)", ErrInvalidCountry, country)
			}
			// Mid-sequence failures mean pagination ran out; keep
			// what has been accumulated so far.
			log.Printf("stopping %s at page %d: %v", country, page, err)
			break
		}
		if len(records) == 0 {
			break
		}

		asns, ranges := b.appendCIDRBlocks(ctx, surviving(records), &content)
		totalASNs += asns
		totalIPRanges += ranges
		pages++

		sink.Emit(ProgressUpdate{
			Country:        country,
			PagesProcessed: pages,
			ASNCount:       totalASNs,
			IPRangeCount:   totalIPRanges,
			ElapsedSeconds: time.Since(start).Seconds(),
		})

		if b.maxReportBytes > 0 && int64(content.Len()) >= b.maxReportBytes {
			log.Printf("report for %s reached size cap after page %d", country, pages)
			break
		}
		if b.pageDelay > 0 {
			time.Sleep(b.pageDelay)
		}
	}

	if strings.TrimSpace(content.String()) == "" {
		// Pages may have listed ASNs, but none of them had published
		// data. Same outcome as an unknown country: no cache entry.
		if b.stats != nil {
			b.stats.InvalidCountry()
		}
		return ReportResult{}, fmt.Errorf("%w (%s)", ErrInvalidCountry, country)
	}

	if err := os.MkdirAll(b.cacheDir, 0o755); err != nil {
		return ReportResult{}, fmt.Errorf("create report dir: %w", err)
	}
	artifact := filepath.Join(b.cacheDir, fmt.Sprintf("ips-%s-%s.txt", strings.ToLower(country), date))
	if err := os.WriteFile(artifact, []byte(content.String()), 0o644); err != nil {
		return ReportResult{}, fmt.Errorf("write artifact: %w", err)
	}

	elapsed := time.Since(start).Seconds()
	ent := CacheEntry{
		FilePath:     artifact,
		ASNCount:     totalASNs,
		IPRangeCount: totalIPRanges,
		BuildSeconds: elapsed,
		Cached:       true,
		Locked:       false,
		StoredAt:     time.Now().Unix(),
	}
	if err := b.store.Put(country, date, ent); err != nil {
		return ReportResult{}, fmt.Errorf("persist entry: %w", err)
	}

	if b.stats != nil {
		b.stats.BuildCompleted(content.Len())
	}
	log.Printf("built %s/%s: pages=%d asns=%d ranges=%d size=%s in %.1fs",
		country, date, pages, totalASNs, totalIPRanges, formatBytes(uint64(content.Len())), elapsed)

	return ReportResult{
		Country:        country,
		Date:           date,
		ArtifactPath:   artifact,
		TotalASNs:      totalASNs,
		TotalIPRanges:  totalIPRanges,
		ElapsedSeconds: elapsed,
		Cached:         false,
	}, nil
}

// appendCIDRBlocks fetches the CIDR list of every ASN on a page and appends
// the results in listing order, returning how many ASNs contributed data and
// how many CIDR lines they added. ASNs with no published data are skipped and
// not counted. Fetches run on up to detailWorkers goroutines; the remote
// files are independent read-only resources, so parallelism is safe.
func (b *Builder) appendCIDRBlocks(ctx context.Context, asns []string, content *strings.Builder) (withData, lines int) {
	results := make([]string, len(asns))

	var g errgroup.Group
	workers := b.detailWorkers
	if workers < 1 {
		workers = 1
	}
	g.SetLimit(workers)
	for i, asn := range asns {
		i, asn := i, asn
		g.Go(func() error {
			text, ok, err := b.source.FetchCIDRBlock(ctx, asn)
			if err != nil {
				log.Printf("asn %s: %v", asn, err)
				return nil
			}
			if !ok {
				return nil
			}
			results[i] = text
			return nil
		})
	}
	_ = g.Wait()

	for _, text := range results {
		if text == "" {
			continue
		}
		content.WriteString(text)
		if !strings.HasSuffix(text, "\n") {
			content.WriteByte('\n')
		}
		withData++
		lines += countLines(text)
	}
	return withData, lines
}

// replay serves a finished artifact while emitting a synthetic progress
// sequence, so a cache hit reads the same as a live build. Durable state is
// untouched; only the fake elapsed time differs between replays.
func (b *Builder) replay(country, date string, ent CacheEntry, sink ProgressSink) ReportResult {
	if b.stats != nil {
		b.stats.CacheReplay()
	}

	seconds := b.replayMin.Seconds()
	if spread := b.replayMax.Seconds() - b.replayMin.Seconds(); spread > 0 {
		seconds += rand.Float64() * spread
	}
	pages := ent.ASNCount/b.pageSize + 1

	schedule := replaySchedule(country, pages, ent.ASNCount, ent.IPRangeCount, seconds)
	stepDelay := time.Duration(seconds / float64(len(schedule)) * float64(time.Second))
	for _, u := range schedule {
		sink.Emit(u)
		if stepDelay > 0 {
			time.Sleep(stepDelay)
		}
	}

	log.Printf("replayed %s/%s from cache: asns=%d ranges=%d", country, date, ent.ASNCount, ent.IPRangeCount)
	return ReportResult{
		Country:        country,
		Date:           date,
		ArtifactPath:   ent.FilePath,
		TotalASNs:      ent.ASNCount,
		TotalIPRanges:  ent.IPRangeCount,
		ElapsedSeconds: seconds,
		Cached:         true,
	}
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
