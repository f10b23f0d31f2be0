package ipverse

// ProgressSink receives processing updates. Emission is best-effort and
// fire-and-forget: a sink that drops updates must not affect the build.
type ProgressSink interface {
	Emit(ProgressUpdate)
}

// SinkFunc adapts a function to a ProgressSink.
type SinkFunc func(ProgressUpdate)

func (f SinkFunc) Emit(u ProgressUpdate) { f(u) }

// NopSink discards all updates.
var NopSink ProgressSink = SinkFunc(func(ProgressUpdate) {})

// replaySchedule produces the synthetic progress sequence for a cache replay.
// No real work happens on a replay, so the sequence interpolates from zero to
// the stored totals over the given synthetic duration, one update per second
// of it (at least one). The sequence is monotonic in every field and the last
// update carries the exact totals.
func replaySchedule(country string, pages, asns, ipRanges int, seconds float64) []ProgressUpdate {
	steps := int(seconds)
	if steps < 1 {
		steps = 1
	}
	stepSeconds := seconds / float64(steps)

	out := make([]ProgressUpdate, 0, steps)
	for step := 1; step <= steps; step++ {
		frac := float64(step) / float64(steps)
		out = append(out, ProgressUpdate{
			Country:        country,
			PagesProcessed: int(float64(pages) * frac),
			ASNCount:       int(float64(asns) * frac),
			IPRangeCount:   int(float64(ipRanges) * frac),
			ElapsedSeconds: stepSeconds * float64(step),
		})
	}
	return out
}
