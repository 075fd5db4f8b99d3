package bundler

import (
	"testing"
	"time"
)

var base = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func at(ms int) time.Time { return base.Add(time.Duration(ms) * time.Millisecond) }

func rec(ms int, url, provider string) Record {
	return Record{Timestamp: at(ms), URL: url, BotProvider: provider}
}

// S1: 4 requests at 0,20,50,80ms within a 100ms window collapse into one
// session with request_count=4 and duration_ms=80.
func TestBundleScenarioS1(t *testing.T) {
	records := []Record{
		rec(0, "/a", "OpenAI"),
		rec(20, "/b", "OpenAI"),
		rec(50, "/c", "OpenAI"),
		rec(80, "/d", "OpenAI"),
	}
	bundles := Bundle(records, 100*time.Millisecond)
	if len(bundles) != 1 {
		t.Fatalf("expected 1 bundle, got %d", len(bundles))
	}
	if bundles[0].RequestCount() != 4 {
		t.Fatalf("expected request count 4, got %d", bundles[0].RequestCount())
	}
	if bundles[0].DurationMs != 80 {
		t.Fatalf("expected duration 80ms, got %d", bundles[0].DurationMs)
	}
}

// S2: 3 requests at 0,200,400ms with a 100ms window all become singletons.
func TestBundleScenarioS2(t *testing.T) {
	records := []Record{
		rec(0, "/a", "OpenAI"),
		rec(200, "/b", "OpenAI"),
		rec(400, "/c", "OpenAI"),
	}
	bundles := Bundle(records, 100*time.Millisecond)
	if len(bundles) != 3 {
		t.Fatalf("expected 3 singleton bundles, got %d", len(bundles))
	}
	for _, b := range bundles {
		if b.RequestCount() != 1 {
			t.Errorf("expected singleton bundle, got count %d", b.RequestCount())
		}
	}
}

// S3: 2 requests at 0,100ms with a 100ms window join — boundary is inclusive.
func TestBundleScenarioS3BoundaryInclusive(t *testing.T) {
	records := []Record{rec(0, "/a", "OpenAI"), rec(100, "/b", "OpenAI")}
	bundles := Bundle(records, 100*time.Millisecond)
	if len(bundles) != 1 {
		t.Fatalf("expected 1 bundle at exact boundary, got %d", len(bundles))
	}
	if bundles[0].RequestCount() != 2 {
		t.Fatalf("expected request count 2, got %d", bundles[0].RequestCount())
	}
}

// S4: 2 requests at 0,101ms with a 100ms window do not join.
func TestBundleScenarioS4JustOverBoundary(t *testing.T) {
	records := []Record{rec(0, "/a", "OpenAI"), rec(101, "/b", "OpenAI")}
	bundles := Bundle(records, 100*time.Millisecond)
	if len(bundles) != 2 {
		t.Fatalf("expected 2 singleton bundles, got %d", len(bundles))
	}
}

// S5: requests alternating between two providers at 0,10,20,30ms within a
// 100ms window produce 2 sessions of 2 requests each, one per provider.
func TestBundleScenarioS5MixedProviders(t *testing.T) {
	records := []Record{
		rec(0, "/a", "OpenAI"),
		rec(10, "/b", "Perplexity"),
		rec(20, "/c", "OpenAI"),
		rec(30, "/d", "Perplexity"),
	}
	bundles := Bundle(records, 100*time.Millisecond)
	if len(bundles) != 2 {
		t.Fatalf("expected 2 bundles, got %d", len(bundles))
	}
	for _, b := range bundles {
		if b.RequestCount() != 2 {
			t.Errorf("expected 2 requests per provider bundle, got %d", b.RequestCount())
		}
	}
}

func TestBundleWindowMeasuredFromFirstRequest(t *testing.T) {
	// Gaps between consecutive requests are each <=60ms, but the window is
	// measured from the bundle's first request, not the previous one, so
	// the third request (at 120ms, 120ms from the first) must NOT join.
	records := []Record{
		rec(0, "/a", "OpenAI"),
		rec(60, "/b", "OpenAI"),
		rec(120, "/c", "OpenAI"),
	}
	bundles := Bundle(records, 100*time.Millisecond)
	if len(bundles) != 2 {
		t.Fatalf("expected 2 bundles, got %d", len(bundles))
	}
	if bundles[0].RequestCount() != 2 {
		t.Fatalf("expected first bundle to have 2 requests, got %d", bundles[0].RequestCount())
	}
	if bundles[1].RequestCount() != 1 {
		t.Fatalf("expected second bundle to be a singleton, got %d", bundles[1].RequestCount())
	}
}

func TestBundleEmptyInput(t *testing.T) {
	if bundles := Bundle(nil, 100*time.Millisecond); bundles != nil {
		t.Fatalf("expected nil for empty input, got %v", bundles)
	}
}

func TestBundleUniqueURLCount(t *testing.T) {
	records := []Record{rec(0, "/a", "OpenAI"), rec(10, "/a", "OpenAI"), rec(20, "/b", "OpenAI")}
	bundles := Bundle(records, 100*time.Millisecond)
	if len(bundles) != 1 {
		t.Fatalf("expected 1 bundle, got %d", len(bundles))
	}
	if bundles[0].UniqueURLCount() != 2 {
		t.Fatalf("expected 2 unique urls, got %d", bundles[0].UniqueURLCount())
	}
}

func TestBundleCarriesWindowAndRepresentativeBotName(t *testing.T) {
	records := []Record{
		{Timestamp: at(0), URL: "/a", BotProvider: "OpenAI", BotName: ""},
		{Timestamp: at(10), URL: "/b", BotProvider: "OpenAI", BotName: "GPTBot"},
	}
	bundles := Bundle(records, 100*time.Millisecond)
	if len(bundles) != 1 {
		t.Fatalf("expected 1 bundle, got %d", len(bundles))
	}
	if bundles[0].Window != 100*time.Millisecond {
		t.Fatalf("expected window 100ms, got %v", bundles[0].Window)
	}
	if bundles[0].BotName != "GPTBot" {
		t.Fatalf("expected representative bot name GPTBot, got %q", bundles[0].BotName)
	}
}

func TestBundleEachBundleHasUniqueID(t *testing.T) {
	records := []Record{rec(0, "/a", "OpenAI"), rec(200, "/b", "OpenAI")}
	bundles := Bundle(records, 100*time.Millisecond)
	if len(bundles) != 2 {
		t.Fatalf("expected 2 bundles, got %d", len(bundles))
	}
	if bundles[0].BundleID == bundles[1].BundleID {
		t.Fatal("expected distinct bundle ids")
	}
}
