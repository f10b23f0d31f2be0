package ipverse

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Service wires the store, the ASN source, the builder and the coin gate
// behind an HTTP API, and runs the background sweep and stats loops.
type Service struct {
	cfg Config

	store   *Store
	source  *Source
	builder *Builder
	gate    Gate

	stats *statsCollector

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewService(cfg Config) (*Service, error) {
	store, err := OpenStore(filepath.Join(cfg.Storage.Dir, "leveldb"))
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:    cfg,
		store:  store,
		source: NewSource(cfg),
		stats:  newStatsCollector(),
		stopCh: make(chan struct{}),
	}
	s.builder = NewBuilder(cfg, store, s.source, s.stats)
	if cfg.Quota.Enabled {
		s.gate = NewCoinGate(store, cfg.Quota.FreeDaily, cfg.Quota.CoinCost)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sweepLoop(cfg.Sweep.everyDur)
	}()

	if cfg.Logging.logStatsEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.Logging.logStatsEveryDur)
		}()
	}

	return s, nil
}

func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()
	s.store.Close()
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/report", s.handleReport)
	mux.HandleFunc("/v1/report/file", s.handleReportFile)
	mux.HandleFunc("/v1/stats", s.handleStats)
	return mux
}

func (s *Service) handleReport(w http.ResponseWriter, r *http.Request) {
	country := r.URL.Query().Get("country")
	if !validCountryCode(country) {
		writeError(w, http.StatusBadRequest, "country must be a 2-letter code")
		return
	}

	if s.gate != nil {
		userID := r.URL.Query().Get("user")
		if userID == "" {
			userID = "anonymous"
		}
		if err := s.gate.Authorize(userID); err != nil {
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
	}

	sink, finish := s.pickSink(w, r)

	// The build is deliberately not tied to the request context: once
	// started it runs to completion so the lock is always resolved.
	res, err := s.builder.Build(context.Background(), country, sink)
	if err != nil {
		finish(nil, err)
		return
	}
	finish(&res, nil)
}

// pickSink chooses between a plain JSON response and NDJSON progress
// streaming, and returns the function that writes the terminal line.
func (s *Service) pickSink(w http.ResponseWriter, r *http.Request) (ProgressSink, func(*ReportResult, error)) {
	streaming := r.URL.Query().Get("progress") == "1" ||
		strings.Contains(r.Header.Get("Accept"), "application/x-ndjson")
	if !streaming {
		return NopSink, func(res *ReportResult, err error) {
			if err != nil {
				writeError(w, statusFor(err), err.Error())
				return
			}
			writeJSON(w, http.StatusOK, res)
		}
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	sink := SinkFunc(func(u ProgressUpdate) {
		// Best-effort: a failed write never aborts the build.
		if enc.Encode(u) == nil && flusher != nil {
			flusher.Flush()
		}
	})
	finish := func(res *ReportResult, err error) {
		if err != nil {
			_ = enc.Encode(map[string]string{"error": err.Error()})
		} else {
			_ = enc.Encode(map[string]*ReportResult{"result": res})
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	return sink, finish
}

func (s *Service) handleReportFile(w http.ResponseWriter, r *http.Request) {
	country := r.URL.Query().Get("country")
	if !validCountryCode(country) {
		writeError(w, http.StatusBadRequest, "country must be a 2-letter code")
		return
	}
	country = strings.ToUpper(country)
	date := time.Now().Format("2006-01-02")

	ent, ok := s.store.Get(country, date)
	if !ok || !ent.complete() || !fileExists(ent.FilePath) {
		writeError(w, http.StatusNotFound, "no report for today, request one first")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	http.ServeFile(w, r, ent.FilePath)
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Snapshot())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrAlreadyBuilding):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidCountry):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func validCountryCode(c string) bool {
	if len(c) != 2 {
		return false
	}
	for _, r := range c {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}

// sweepLoop removes entries (and their artifacts) older than the retention
// window. Entries are addressed by date, so staleness is structural -- the
// sweep only reclaims space.
func (s *Service) sweepLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.sweepOnce(time.Now())
		}
	}
}

func (s *Service) sweepOnce(now time.Time) {
	cutoff := now.AddDate(0, 0, -s.cfg.Sweep.KeepDays).Format("2006-01-02")

	removed := 0
	for _, key := range s.store.Keys() {
		if key.Date >= cutoff {
			continue
		}
		if ent, ok := s.store.Get(key.Country, key.Date); ok && ent.FilePath != "" {
			_ = os.Remove(ent.FilePath)
		}
		_ = s.store.Delete(key.Country, key.Date)
		removed++
	}
	if removed > 0 {
		log.Printf("sweep: removed %d expired report(s) older than %s", removed, cutoff)
	}
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			line := "stats: "
			if rss, ok := processRSSBytes(); ok {
				line += "rss=" + formatBytes(rss) + " "
			}
			log.Printf(
				"%sbuilds=%d/%d replays=%d invalid=%d artifact min/avg/max %s/%s/%s",
				line,
				ss.BuildsCompleted,
				ss.BuildsStarted,
				ss.CacheReplays,
				ss.InvalidCountries,
				formatBytes(ss.MinArtifactBytes),
				formatBytes(ss.AvgArtifactBytes),
				formatBytes(ss.MaxArtifactBytes),
			)
		}
	}
}
