package usage

import (
	"testing"
	"time"
)

func TestExtract_Defaults(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s := Extract(map[string]any{}, now)

	if s.InputTokens != 0 || s.OutputTokens != 0 || s.CostUSD != 0 {
		t.Fatalf("empty record should extract to zero counters, got %+v", s)
	}
	if !s.CapturedAt.Equal(now) {
		t.Fatalf("missing timestamp should default to now, got %v", s.CapturedAt)
	}
}

func TestExtract_FullRecord(t *testing.T) {
	now := time.Now()
	record := map[string]any{
		"lastSessionId":                     "s1",
		"lastTotalInputTokens":              float64(1200),
		"lastTotalOutputTokens":             float64(340),
		"lastTotalCacheCreationInputTokens": float64(50),
		"lastTotalCacheReadInputTokens":     float64(9000),
		"lastCost":                          0.4321,
		"lastLinesAdded":                    float64(88),
		"lastLinesRemoved":                  float64(12),
		"lastTotalWebSearchRequests":        float64(3),
		"lastActivityAt":                    "2026-03-01T09:30:00Z",
	}

	s := Extract(record, now)

	if s.InputTokens != 1200 || s.OutputTokens != 340 {
		t.Errorf("token counters: got %d/%d", s.InputTokens, s.OutputTokens)
	}
	if s.CacheCreationTokens != 50 || s.CacheReadTokens != 9000 {
		t.Errorf("cache counters: got %d/%d", s.CacheCreationTokens, s.CacheReadTokens)
	}
	if s.CostUSD != 0.4321 {
		t.Errorf("cost: got %v", s.CostUSD)
	}
	if s.LinesAdded != 88 || s.LinesRemoved != 12 || s.WebSearchRequests != 3 {
		t.Errorf("code-change counters: got %d/%d/%d", s.LinesAdded, s.LinesRemoved, s.WebSearchRequests)
	}
	want := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	if !s.CapturedAt.Equal(want) {
		t.Errorf("timestamp: got %v, want %v", s.CapturedAt, want)
	}
	if SessionID(record) != "s1" {
		t.Errorf("session id: got %q", SessionID(record))
	}
}

func TestExtract_MistypedFields(t *testing.T) {
	record := map[string]any{
		"lastTotalInputTokens": "not a number",
		"lastCost":             nil,
		"lastActivityAt":       "garbage",
	}

	s := Extract(record, time.Now())

	if s.InputTokens != 0 || s.CostUSD != 0 {
		t.Fatalf("mistyped fields should default to zero, got %+v", s)
	}
}

func TestChanged(t *testing.T) {
	base := Snapshot{
		InputTokens:  100,
		OutputTokens: 50,
		CostUSD:      0.001,
		CapturedAt:   time.Now(),
	}

	tests := []struct {
		name   string
		mutate func(*Snapshot)
		want   bool
	}{
		{"identical", func(s *Snapshot) {}, false},
		{"timestamp only", func(s *Snapshot) { s.CapturedAt = s.CapturedAt.Add(time.Hour) }, false},
		{"input tokens", func(s *Snapshot) { s.InputTokens++ }, true},
		{"output tokens", func(s *Snapshot) { s.OutputTokens++ }, true},
		{"cache creation", func(s *Snapshot) { s.CacheCreationTokens++ }, true},
		{"cache read", func(s *Snapshot) { s.CacheReadTokens++ }, true},
		{"lines added", func(s *Snapshot) { s.LinesAdded++ }, true},
		{"lines removed", func(s *Snapshot) { s.LinesRemoved++ }, true},
		{"web searches", func(s *Snapshot) { s.WebSearchRequests++ }, true},
		{"cost within epsilon", func(s *Snapshot) { s.CostUSD = 0.0010004 }, false},
		{"cost beyond epsilon", func(s *Snapshot) { s.CostUSD = 0.002 }, true},
		{"counter decrease", func(s *Snapshot) { s.InputTokens = 10 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cur := base
			tt.mutate(&cur)
			if got := Changed(base, cur); got != tt.want {
				t.Errorf("Changed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDiff_RoundTrip(t *testing.T) {
	prev := Snapshot{
		InputTokens:         100,
		OutputTokens:        40,
		CacheCreationTokens: 5,
		CacheReadTokens:     700,
		CostUSD:             0.25,
		LinesAdded:          10,
		LinesRemoved:        2,
		WebSearchRequests:   1,
	}
	cur := Snapshot{
		InputTokens:         250,
		OutputTokens:        41,
		CacheCreationTokens: 5,
		CacheReadTokens:     1400,
		CostUSD:             0.75,
		LinesAdded:          30,
		LinesRemoved:        9,
		WebSearchRequests:   1,
		CapturedAt:          time.Now(),
	}

	d := Diff(prev, cur)

	if prev.InputTokens+d.InputTokens != cur.InputTokens {
		t.Errorf("input tokens round trip failed: %d", d.InputTokens)
	}
	if prev.OutputTokens+d.OutputTokens != cur.OutputTokens {
		t.Errorf("output tokens round trip failed: %d", d.OutputTokens)
	}
	if prev.CacheCreationTokens+d.CacheCreationTokens != cur.CacheCreationTokens {
		t.Errorf("cache creation round trip failed: %d", d.CacheCreationTokens)
	}
	if prev.CacheReadTokens+d.CacheReadTokens != cur.CacheReadTokens {
		t.Errorf("cache read round trip failed: %d", d.CacheReadTokens)
	}
	if prev.CostUSD+d.CostUSD != cur.CostUSD {
		t.Errorf("cost round trip failed: %v", d.CostUSD)
	}
	if prev.LinesAdded+d.LinesAdded != cur.LinesAdded {
		t.Errorf("lines added round trip failed: %d", d.LinesAdded)
	}
	if prev.LinesRemoved+d.LinesRemoved != cur.LinesRemoved {
		t.Errorf("lines removed round trip failed: %d", d.LinesRemoved)
	}
	if prev.WebSearchRequests+d.WebSearchRequests != cur.WebSearchRequests {
		t.Errorf("web searches round trip failed: %d", d.WebSearchRequests)
	}
	if !d.CapturedAt.Equal(cur.CapturedAt) {
		t.Errorf("delta should carry the current capture time")
	}
}

func TestDiff_RawPolicyAllowsNegative(t *testing.T) {
	prev := Snapshot{InputTokens: 500, CostUSD: 1.5}
	cur := Snapshot{InputTokens: 20, CostUSD: 0.01}

	d := Diff(prev, cur)

	if d.InputTokens != -480 {
		t.Errorf("negative delta should survive, got %d", d.InputTokens)
	}
	if d.CostUSD >= 0 {
		t.Errorf("negative cost delta should survive, got %v", d.CostUSD)
	}
	if !Regressed(prev, cur) {
		t.Error("Regressed should flag a counter decrease")
	}
	if Regressed(cur, Snapshot{InputTokens: 20, CostUSD: 0.01}) {
		t.Error("Regressed should not flag an unchanged snapshot")
	}
}
