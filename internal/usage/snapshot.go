// Package usage defines the normalized per-project counter snapshot and the
// pure functions that compare snapshots and compute deltas between them.
//
// All counters are cumulative as reported by the external source; nothing in
// this package performs I/O.
package usage

import (
	"time"
)

// CostEpsilon is the absolute tolerance used when comparing cost values.
// The external source serializes cost as a float, so consecutive reads of an
// unchanged value can differ by representation noise.
const CostEpsilon = 1e-6

// Snapshot is a normalized point-in-time reading of one project's cumulative
// usage counters.
type Snapshot struct {
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

// Extract maps one raw project record from the external state file into a
// Snapshot. It is total: missing or mistyped fields default to zero, a
// missing activity timestamp defaults to now. It never fails.
func Extract(record map[string]any, now time.Time) Snapshot {
	s := Snapshot{
		InputTokens:         intField(record, "lastTotalInputTokens"),
		OutputTokens:        intField(record, "lastTotalOutputTokens"),
		CacheCreationTokens: intField(record, "lastTotalCacheCreationInputTokens"),
		CacheReadTokens:     intField(record, "lastTotalCacheReadInputTokens"),
		CostUSD:             floatField(record, "lastCost"),
		LinesAdded:          intField(record, "lastLinesAdded"),
		LinesRemoved:        intField(record, "lastLinesRemoved"),
		WebSearchRequests:   intField(record, "lastTotalWebSearchRequests"),
		CapturedAt:          now,
	}

	if raw, ok := record["lastActivityAt"].(string); ok {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			s.CapturedAt = ts
		}
	}

	return s
}

// SessionID returns the session identifier carried by a raw project record,
// or "" if the record has none yet.
func SessionID(record map[string]any) string {
	id, _ := record["lastSessionId"].(string)
	return id
}

// intField reads a numeric field as an integer counter. JSON numbers decode
// as float64; integer-typed values appear when records come from tests.
func intField(record map[string]any, key string) int64 {
	switch v := record[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}

func floatField(record map[string]any, key string) float64 {
	switch v := record[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	default:
		return 0
	}
}
