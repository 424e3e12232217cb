package llm

import (
	"testing"
	"time"
)

func TestRecordTokenMetricsAccumulates(t *testing.T) {
	resetTokenMetricsState()
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	recordTokenMetrics("claude-3-5-sonnet-latest", 100, 20, fixed)
	recordTokenMetrics("claude-3-5-sonnet-latest", 50, 10, fixed.Add(time.Minute))

	totals := TokenTotalsSnapshot()
	if len(totals) != 1 {
		t.Fatalf("expected 1 model total, got %d", len(totals))
	}
	if totals[0].Prompt != 150 || totals[0].Completion != 30 {
		t.Fatalf("unexpected totals: %+v", totals[0])
	}
}

func TestTokenTotalsForWindowExcludesOld(t *testing.T) {
	resetTokenMetricsState()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	recordTokenMetrics("gpt-4o-mini", 10, 5, base)
	recordTokenMetrics("gpt-4o-mini", 10, 5, base.Add(2*time.Hour))

	old := timeNow
	timeNow = func() time.Time { return base.Add(2 * time.Hour) }
	defer func() { timeNow = old }()

	totals, _ := TokenTotalsForWindow(time.Hour)
	if len(totals) != 1 || totals[0].Prompt != 10 {
		t.Fatalf("expected only the recent bucket, got %+v", totals)
	}
}
