package ipverse

import (
	"math"
	"sync/atomic"
)

type statsCollector struct {
	buildsStarted    atomic.Uint64
	buildsCompleted  atomic.Uint64
	cacheReplays     atomic.Uint64
	invalidCountries atomic.Uint64

	totalArtifactBytes atomic.Uint64
	minArtifactBytes   atomic.Uint64
	maxArtifactBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minArtifactBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) BuildStarted()   { s.buildsStarted.Add(1) }
func (s *statsCollector) CacheReplay()    { s.cacheReplays.Add(1) }
func (s *statsCollector) InvalidCountry() { s.invalidCountries.Add(1) }

func (s *statsCollector) BuildCompleted(artifactBytes int) {
	if artifactBytes < 0 {
		artifactBytes = 0
	}
	n := uint64(artifactBytes)

	s.buildsCompleted.Add(1)
	s.totalArtifactBytes.Add(n)

	for {
		cur := s.minArtifactBytes.Load()
		if n >= cur || s.minArtifactBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxArtifactBytes.Load()
		if n <= cur || s.maxArtifactBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	BuildsStarted      uint64 `json:"buildsStarted"`
	BuildsCompleted    uint64 `json:"buildsCompleted"`
	CacheReplays       uint64 `json:"cacheReplays"`
	InvalidCountries   uint64 `json:"invalidCountries"`
	TotalArtifactBytes uint64 `json:"totalArtifactBytes"`
	MinArtifactBytes   uint64 `json:"minArtifactBytes"`
	MaxArtifactBytes   uint64 `json:"maxArtifactBytes"`
	AvgArtifactBytes   uint64 `json:"avgArtifactBytes"`
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{
		BuildsStarted:      s.buildsStarted.Load(),
		BuildsCompleted:    s.buildsCompleted.Load(),
		CacheReplays:       s.cacheReplays.Load(),
		InvalidCountries:   s.invalidCountries.Load(),
		TotalArtifactBytes: s.totalArtifactBytes.Load(),
		MinArtifactBytes:   s.minArtifactBytes.Load(),
		MaxArtifactBytes:   s.maxArtifactBytes.Load(),
	}
	if out.BuildsCompleted == 0 {
		out.MinArtifactBytes = 0
		return out
	}
	if out.MinArtifactBytes == math.MaxUint64 {
		out.MinArtifactBytes = 0
	}
	out.AvgArtifactBytes = out.TotalArtifactBytes / out.BuildsCompleted
	return out
}
