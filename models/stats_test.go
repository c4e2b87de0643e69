package models

import (
	"sync"
	"testing"
)

func TestRunStatisticsConcurrentUpdates(t *testing.T) {
	stats := NewRunStatistics("PC and Parts")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stats.AddFetched(2)
			stats.IncCreated()
			stats.IncUpdated()
			stats.IncPagesRetried()
		}()
	}
	wg.Wait()
	stats.Finish()

	got := stats.Snapshot()
	if got.TotalFetched != 100 {
		t.Fatalf("total fetched = %d, want 100", got.TotalFetched)
	}
	if got.Persisted() != 100 {
		t.Fatalf("persisted = %d, want 100", got.Persisted())
	}
	if got.PagesRetried != 50 {
		t.Fatalf("pages retried = %d, want 50", got.PagesRetried)
	}
	if got.Store != "PC and Parts" {
		t.Fatalf("store = %q", got.Store)
	}
}

func TestNilRunStatisticsIsNoop(t *testing.T) {
	var stats *RunStatistics
	stats.IncErrors()
	if got := stats.Snapshot(); got.Errors != 0 {
		t.Fatalf("errors = %d, want 0", got.Errors)
	}
}
