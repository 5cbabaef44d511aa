package usage

import (
	"math"
	"time"
)

// Delta is the signed difference between two consecutive snapshots for one
// session. Deltas use the raw policy: a counter reset at the source produces
// negative fields rather than being clamped, so downstream consumers can see
// that a reset happened.
type Delta struct {
	InputTokens         int64     `json:"input_tokens"`
	OutputTokens        int64     `json:"output_tokens"`
	CacheCreationTokens int64     `json:"cache_creation_tokens"`
	CacheReadTokens     int64     `json:"cache_read_tokens"`
	CostUSD             float64   `json:"cost_usd"`
	LinesAdded          int64     `json:"lines_added"`
	LinesRemoved        int64     `json:"lines_removed"`
	WebSearchRequests   int64     `json:"web_search_requests"`
	CapturedAt          time.Time `json:"captured_at"`
}

// Changed reports whether any tracked counter differs between two snapshots.
// Counters compare exactly; cost compares within CostEpsilon. CapturedAt is
// deliberately excluded so that a re-read of an unchanged file is not a change.
func Changed(prev, cur Snapshot) bool {
	return prev.InputTokens != cur.InputTokens ||
		prev.OutputTokens != cur.OutputTokens ||
		prev.CacheCreationTokens != cur.CacheCreationTokens ||
		prev.CacheReadTokens != cur.CacheReadTokens ||
		prev.LinesAdded != cur.LinesAdded ||
		prev.LinesRemoved != cur.LinesRemoved ||
		prev.WebSearchRequests != cur.WebSearchRequests ||
		math.Abs(cur.CostUSD-prev.CostUSD) > CostEpsilon
}

// Diff computes cur - prev field by field. The round-trip law holds for every
// field: prev.F + Diff(prev, cur).F == cur.F.
func Diff(prev, cur Snapshot) Delta {
	return Delta{
		InputTokens:         cur.InputTokens - prev.InputTokens,
		OutputTokens:        cur.OutputTokens - prev.OutputTokens,
		CacheCreationTokens: cur.CacheCreationTokens - prev.CacheCreationTokens,
		CacheReadTokens:     cur.CacheReadTokens - prev.CacheReadTokens,
		CostUSD:             cur.CostUSD - prev.CostUSD,
		LinesAdded:          cur.LinesAdded - prev.LinesAdded,
		LinesRemoved:        cur.LinesRemoved - prev.LinesRemoved,
		WebSearchRequests:   cur.WebSearchRequests - prev.WebSearchRequests,
		CapturedAt:          cur.CapturedAt,
	}
}

// Regressed reports whether any counter moved backwards. Used to log
// same-session decreases as source irregularities before persisting them.
func Regressed(prev, cur Snapshot) bool {
	return cur.InputTokens < prev.InputTokens ||
		cur.OutputTokens < prev.OutputTokens ||
		cur.CacheCreationTokens < prev.CacheCreationTokens ||
		cur.CacheReadTokens < prev.CacheReadTokens ||
		cur.LinesAdded < prev.LinesAdded ||
		cur.LinesRemoved < prev.LinesRemoved ||
		cur.WebSearchRequests < prev.WebSearchRequests ||
		cur.CostUSD < prev.CostUSD-CostEpsilon
}
