package store

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenAndMigrate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mean, min, max := 0.6, 0.4, 0.9
	botName := "GPTBot"
	id, err := s.InsertSession(ctx, &Session{
		SessionID:            "sess-1",
		SessionDate:          "2026-01-01",
		SessionStartTime:     "2026-01-01T00:00:00Z",
		SessionEndTime:       "2026-01-01T00:00:00.080Z",
		DurationMs:           80,
		BotProvider:          "OpenAI",
		BotName:              &botName,
		WindowMs:             100,
		RequestCount:         4,
		UniqueURLs:           4,
		MeanCosineSimilarity: &mean,
		MinCosineSimilarity:  &min,
		MaxCosineSimilarity:  &max,
		ConfidenceLevel:      "high",
		FanoutSessionName:    "home buying guide",
		URLList:              `["/a","/b","/c","/d"]`,
	})
	if err != nil {
		t.Fatalf("InsertSession: %v", err)
	}
	if id < 1 {
		t.Fatalf("expected positive id, got %d", id)
	}

	got, err := s.GetSessionByID(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSessionByID: %v", err)
	}
	if got == nil {
		t.Fatal("expected session, got nil")
	}
	if got.ConfidenceLevel != "high" {
		t.Fatalf("expected confidence high, got %q", got.ConfidenceLevel)
	}
	if got.WindowMs != 100 {
		t.Fatalf("expected window_ms 100, got %d", got.WindowMs)
	}
	if got.BotName == nil || *got.BotName != "GPTBot" {
		t.Fatalf("expected bot_name GPTBot, got %v", got.BotName)
	}
	if got.MaxCosineSimilarity == nil || *got.MaxCosineSimilarity != 0.9 {
		t.Fatalf("expected max_cosine_similarity 0.9, got %v", got.MaxCosineSimilarity)
	}
}

func TestInsertSessionWithoutOptionalFieldsLeavesThemNull(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.InsertSession(ctx, &Session{
		SessionID:         "sess-no-optional",
		SessionDate:       "2026-01-01",
		SessionStartTime:  "2026-01-01T00:00:00Z",
		SessionEndTime:    "2026-01-01T00:00:00Z",
		BotProvider:       "OpenAI",
		RequestCount:      1,
		UniqueURLs:        1,
		ConfidenceLevel:   "high",
		FanoutSessionName: "x",
		URLList:           `["/x"]`,
	})
	if err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	got, err := s.GetSessionByID(ctx, "sess-no-optional")
	if err != nil {
		t.Fatalf("GetSessionByID: %v", err)
	}
	if got.BotName != nil {
		t.Fatalf("expected nil bot_name, got %v", got.BotName)
	}
	if got.MaxCosineSimilarity != nil {
		t.Fatalf("expected nil max_cosine_similarity, got %v", got.MaxCosineSimilarity)
	}
	if got.WindowMs != 0 {
		t.Fatalf("expected default window_ms 0, got %d", got.WindowMs)
	}
}

func TestGetSessionByIDNotFound(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetSessionByID(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetSessionByID: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing session, got %+v", got)
	}
}

func TestInsertSessionDuplicateSessionIDFails(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess := Session{
		SessionID:         "dup",
		SessionDate:       "2026-01-01",
		SessionStartTime:  "2026-01-01T00:00:00Z",
		SessionEndTime:    "2026-01-01T00:00:00Z",
		BotProvider:       "OpenAI",
		RequestCount:      1,
		UniqueURLs:        1,
		ConfidenceLevel:   "high",
		FanoutSessionName: "x",
		URLList:           `["/x"]`,
	}
	if _, err := s.InsertSession(ctx, &sess); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := s.InsertSession(ctx, &sess); err == nil {
		t.Fatal("expected unique constraint violation on duplicate session_id")
	}
}

func TestInsertSessionRejectsBadConfidenceLevel(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess := Session{
		SessionID:         "bad-confidence",
		SessionDate:       "2026-01-01",
		SessionStartTime:  "2026-01-01T00:00:00Z",
		SessionEndTime:    "2026-01-01T00:00:00Z",
		BotProvider:       "OpenAI",
		RequestCount:      1,
		UniqueURLs:        1,
		ConfidenceLevel:   "extreme",
		FanoutSessionName: "x",
		URLList:           `["/x"]`,
	}
	if _, err := s.InsertSession(ctx, &sess); err == nil {
		t.Fatal("expected CHECK constraint violation for invalid confidence_level")
	}
}

func TestInsertRawAndClean(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	score := 97.5
	verified := true
	country := "us"
	n, err := s.InsertRaw(ctx, []RawRequest{
		{RequestDate: "2026-01-01", RequestTimestamp: "2026-01-01T00:00:00Z", RequestHost: "example.com", RequestURI: "/a",
			SourceProvider: "cloudflare", BotScore: &score, IsVerifiedBot: &verified, CrawlerCountry: &country},
	})
	if err != nil {
		t.Fatalf("InsertRaw: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row inserted, got %d", n)
	}

	n, err = s.InsertClean(ctx, []CleanRequest{
		{RequestDate: "2026-01-01", RequestTimestamp: "2026-01-01T00:00:00Z", RequestHour: 0, DayOfWeek: 4,
			RequestHost: "example.com", RequestURI: "/a", URLPath: "/a", BotCategory: strPtr("user_request"),
			BotScore: &score, IsVerifiedBot: &verified, CrawlerCountry: &country},
	})
	if err != nil {
		t.Fatalf("InsertClean: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row inserted, got %d", n)
	}

	clean, err := s.RequestsForDate(ctx, "2026-01-01", "user_request")
	if err != nil {
		t.Fatalf("RequestsForDate: %v", err)
	}
	if len(clean) != 1 {
		t.Fatalf("expected 1 clean row, got %d", len(clean))
	}
	if clean[0].IsVerifiedBot == nil || !*clean[0].IsVerifiedBot {
		t.Fatalf("expected is_verified_bot true, got %v", clean[0].IsVerifiedBot)
	}
	if clean[0].BotScore == nil || *clean[0].BotScore != score {
		t.Fatalf("expected bot_score %v, got %v", score, clean[0].BotScore)
	}
	if clean[0].CrawlerCountry == nil || *clean[0].CrawlerCountry != country {
		t.Fatalf("expected crawler_country %v, got %v", country, clean[0].CrawlerCountry)
	}

	count, err := s.DateRangeCount(ctx, "bot_requests_daily", "request_date", "2026-01-01", "2026-01-01")
	if err != nil {
		t.Fatalf("DateRangeCount: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected count 1, got %d", count)
	}
}

func TestDateRangeCountRejectsUnknownIdentifier(t *testing.T) {
	s := openTestStore(t)
	_, err := s.DateRangeCount(context.Background(), "sqlite_master", "request_date", "2026-01-01", "2026-01-01")
	if err == nil {
		t.Fatal("expected identifier allowlist rejection")
	}
}

func strPtr(v string) *string { return &v }
