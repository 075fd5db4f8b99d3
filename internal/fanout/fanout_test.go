package fanout

import (
	"context"
	"testing"
	"time"

	"github.com/conversem/queryfanout/internal/bundler"
	"github.com/conversem/queryfanout/internal/embedding"
)

// S6: name derivation examples from spec.md.
func TestDeriveName(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"/guides/home-buying-guide.pdf?utm=x#frag", "home buying guide"},
		{"/", "homepage"},
		{"/---", "unknown"},
		{"/products/electric_drill/", "electric drill"},
	}
	for _, c := range cases {
		got := deriveName([]string{c.url})
		if got != c.want {
			t.Errorf("deriveName(%q) = %q, want %q", c.url, got, c.want)
		}
	}
}

func TestDeriveNameEmptyURLList(t *testing.T) {
	if got := deriveName(nil); got != "unknown" {
		t.Fatalf("expected unknown for empty url list, got %q", got)
	}
}

func TestAssignConfidenceTiers(t *testing.T) {
	a := NewAggregator(embedding.NewTFIDFEmbedder(), DefaultConfidenceThresholds())

	cases := []struct {
		mean, min float64
		want      string
	}{
		{0.8, 0.6, "high"},
		{0.6, 0.4, "medium"},
		{0.4, 0.1, "low"},
		{0.7, 0.5, "high"},   // boundary inclusive
		{0.5, 0.3, "medium"}, // boundary inclusive
	}
	for _, c := range cases {
		got := a.assignConfidence(c.mean, c.min)
		if got != c.want {
			t.Errorf("assignConfidence(%f, %f) = %q, want %q", c.mean, c.min, got, c.want)
		}
	}
}

func TestAggregateBundlesSingletonGetsDefaultConfidence(t *testing.T) {
	a := NewAggregator(embedding.NewTFIDFEmbedder(), DefaultConfidenceThresholds())
	bundles := []bundler.Bundle{
		{BundleID: "b1", BotProvider: "OpenAI", URLs: []string{"/a"}, Records: []bundler.Record{{URL: "/a", BotProvider: "OpenAI"}}},
	}
	sessions, result := a.AggregateBundles(context.Background(), bundles)
	if !result.Success {
		t.Fatalf("expected success, errors: %v", result.Errors)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	if sessions[0].ConfidenceLevel != "high" {
		t.Fatalf("expected singleton default confidence high, got %q", sessions[0].ConfidenceLevel)
	}
	if sessions[0].MeanCosineSimilarity != nil {
		t.Fatal("expected singleton bundle to skip similarity computation")
	}
}

func TestAggregateBundlesMultiRequestComputesSimilarity(t *testing.T) {
	a := NewAggregator(embedding.NewTFIDFEmbedder(), DefaultConfidenceThresholds())
	now := time.Now()
	bundles := []bundler.Bundle{
		{
			BundleID: "b1", BotProvider: "OpenAI", StartTime: now, EndTime: now.Add(50 * time.Millisecond),
			URLs: []string{"/guides/home-buying-guide", "/guides/home-buying-tips"},
			Records: []bundler.Record{
				{URL: "/guides/home-buying-guide", BotProvider: "OpenAI"},
				{URL: "/guides/home-buying-tips", BotProvider: "OpenAI"},
			},
		},
	}
	sessions, result := a.AggregateBundles(context.Background(), bundles)
	if !result.Success {
		t.Fatalf("expected success, errors: %v", result.Errors)
	}
	if sessions[0].MeanCosineSimilarity == nil {
		t.Fatal("expected similarity to be computed for a multi-request bundle")
	}
	if sessions[0].Name != "home buying guide" {
		t.Fatalf("expected name 'home buying guide', got %q", sessions[0].Name)
	}
	if sessions[0].MaxCosineSimilarity == nil {
		t.Fatal("expected max cosine similarity to be computed for a multi-request bundle")
	}
	if *sessions[0].MaxCosineSimilarity < *sessions[0].MeanCosineSimilarity {
		t.Fatalf("expected max >= mean, got max=%v mean=%v", *sessions[0].MaxCosineSimilarity, *sessions[0].MeanCosineSimilarity)
	}
}

func TestAggregateOneCarriesWindowAndBotNameOntoSession(t *testing.T) {
	a := NewAggregator(embedding.NewTFIDFEmbedder(), DefaultConfidenceThresholds())
	bundles := []bundler.Bundle{
		{
			BundleID: "b1", BotProvider: "OpenAI", BotName: "GPTBot", Window: 500 * time.Millisecond,
			URLs: []string{"/a"}, Records: []bundler.Record{{URL: "/a", BotProvider: "OpenAI", BotName: "GPTBot"}},
		},
	}
	sessions, result := a.AggregateBundles(context.Background(), bundles)
	if !result.Success {
		t.Fatalf("expected success, errors: %v", result.Errors)
	}
	if sessions[0].WindowMs != 500 {
		t.Fatalf("expected window_ms 500, got %d", sessions[0].WindowMs)
	}
	if sessions[0].BotName == nil || *sessions[0].BotName != "GPTBot" {
		t.Fatalf("expected bot_name GPTBot, got %v", sessions[0].BotName)
	}
}

func TestAggregateOneLeavesBotNameNilWhenBundleHasNone(t *testing.T) {
	a := NewAggregator(embedding.NewTFIDFEmbedder(), DefaultConfidenceThresholds())
	bundles := []bundler.Bundle{
		{BundleID: "b1", BotProvider: "OpenAI", URLs: []string{"/a"}, Records: []bundler.Record{{URL: "/a", BotProvider: "OpenAI"}}},
	}
	sessions, _ := a.AggregateBundles(context.Background(), bundles)
	if sessions[0].BotName != nil {
		t.Fatalf("expected nil bot_name, got %v", sessions[0].BotName)
	}
}

func TestResultConfidenceTierCounts(t *testing.T) {
	a := NewAggregator(embedding.NewTFIDFEmbedder(), DefaultConfidenceThresholds())
	bundles := []bundler.Bundle{
		{BundleID: "b1", BotProvider: "OpenAI", URLs: []string{"/a"}, Records: []bundler.Record{{URL: "/a"}}},
		{BundleID: "b2", BotProvider: "OpenAI", URLs: []string{"/b"}, Records: []bundler.Record{{URL: "/b"}}},
	}
	_, result := a.AggregateBundles(context.Background(), bundles)
	if result.ConfidenceTierCounts["high"] != 2 {
		t.Fatalf("expected 2 high-confidence singletons, got %d", result.ConfidenceTierCounts["high"])
	}
	if result.SessionsCreated != 2 || result.TotalRequestsBundled != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}
}
