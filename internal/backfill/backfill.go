// Package backfill runs the bundling and session aggregation pipeline
// (C8 + C9) retroactively, day by day, over an already-ETL'd date range.
package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/conversem/queryfanout/internal/bundler"
	"github.com/conversem/queryfanout/internal/fanout"
	"github.com/conversem/queryfanout/internal/store"
)

// Mode selects how days already holding sessions are treated.
type Mode int

const (
	// ModeNormal processes every day with data, regardless of existing sessions.
	ModeNormal Mode = iota
	// ModeResume skips days that already have sessions.
	ModeResume
	// ModeForce deletes existing sessions for a day before recreating them.
	ModeForce
)

// DayResult is the outcome of processing one calendar day.
type DayResult struct {
	Date             string
	Success          bool
	Skipped          bool
	SessionsCreated  int
	RequestsProcessed int
	HighConfidence   int
	MediumConfidence int
	LowConfidence    int
	Error            string
}

// Result is the overall outcome of a backfill run.
type Result struct {
	Success               bool
	StartDate             string
	EndDate               string
	DaysProcessed         int
	DaysSkipped           int
	TotalSessionsCreated  int
	TotalRequestsProcessed int
	HighConfidenceCount   int
	MediumConfidenceCount int
	LowConfidenceCount    int
	Duration              time.Duration
	Errors                []string
	Days                  []DayResult
}

// ProgressFunc is invoked after a processed day whose 1-based position in
// the date range is a multiple of batchDays, receiving that position and
// the total number of days in the range. A day skipped for having no data
// or (in resume mode) existing sessions does not invoke it.
type ProgressFunc func(done, total int)

// Run processes [startDate, endDate] (inclusive, YYYY-MM-DD) in calendar
// order, bundling and aggregating each day's user-request traffic into
// query fan-out sessions using agg.
func Run(ctx context.Context, s *store.Store, agg *fanout.Aggregator, startDate, endDate string, window time.Duration, mode Mode, batchDays int, dryRun bool, onProgress ProgressFunc) (Result, error) {
	start := time.Now()
	result := Result{StartDate: startDate, EndDate: endDate}
	if batchDays < 1 {
		batchDays = 1
	}

	dates, err := dateRange(startDate, endDate)
	if err != nil {
		return result, fmt.Errorf("parse date range: %w", err)
	}

	existingSessions := map[string]bool{}
	if mode == ModeResume {
		existingSessions, err = s.DatesWithSessions(ctx)
		if err != nil {
			return result, fmt.Errorf("list dates with sessions: %w", err)
		}
	}

	datesWithData, err := s.DatesWithData(ctx, "user_request")
	if err != nil {
		return result, fmt.Errorf("list dates with data: %w", err)
	}
	hasData := make(map[string]bool, len(datesWithData))
	for _, d := range datesWithData {
		hasData[d] = true
	}

	for i, date := range dates {
		if !hasData[date] {
			result.DaysSkipped++
			continue
		}
		if mode == ModeResume && existingSessions[date] {
			result.DaysSkipped++
			result.Days = append(result.Days, DayResult{Date: date, Success: true, Skipped: true})
			continue
		}

		day := processDay(ctx, s, agg, date, mode == ModeForce, window, dryRun)
		result.Days = append(result.Days, day)

		if day.Success {
			result.DaysProcessed++
			result.TotalSessionsCreated += day.SessionsCreated
			result.TotalRequestsProcessed += day.RequestsProcessed
			result.HighConfidenceCount += day.HighConfidence
			result.MediumConfidenceCount += day.MediumConfidence
			result.LowConfidenceCount += day.LowConfidence
		} else {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", date, day.Error))
		}

		if onProgress != nil && (i+1)%batchDays == 0 {
			onProgress(i+1, len(dates))
		}
	}

	result.Success = len(result.Errors) == 0
	result.Duration = time.Since(start)
	return result, nil
}

func processDay(ctx context.Context, s *store.Store, agg *fanout.Aggregator, date string, force bool, window time.Duration, dryRun bool) DayResult {
	result := DayResult{Date: date}

	if dryRun {
		result.Success = true
		result.Skipped = true
		return result
	}

	if force {
		if _, err := s.DeleteSessionsForDate(ctx, date); err != nil {
			result.Error = err.Error()
			return result
		}
	}

	rows, err := s.RequestsForDate(ctx, date, "user_request")
	if err != nil {
		result.Error = err.Error()
		return result
	}
	if len(rows) == 0 {
		result.Success = true
		return result
	}
	result.RequestsProcessed = len(rows)

	records := make([]bundler.Record, 0, len(rows))
	for _, r := range rows {
		ts, err := time.Parse(time.RFC3339, r.RequestTimestamp)
		if err != nil {
			continue
		}
		provider := ""
		if r.BotProvider != nil {
			provider = *r.BotProvider
		}
		botName := ""
		if r.BotName != nil {
			botName = *r.BotName
		}
		records = append(records, bundler.Record{Timestamp: ts, URL: r.URLPath, BotProvider: provider, BotName: botName})
	}

	bundles := bundler.Bundle(records, window)

	sessions, aggResult := agg.AggregateBundles(ctx, bundles)
	if !aggResult.Success {
		result.Error = fmt.Sprintf("aggregation errors: %v", aggResult.Errors)
		return result
	}

	for _, sess := range sessions {
		urlListJSON, err := json.Marshal(sess.URLs)
		if err != nil {
			result.Error = err.Error()
			return result
		}
		storeSess := fanout.ToStoreSession(sess, date, string(urlListJSON))
		if _, err := s.InsertSession(ctx, &storeSess); err != nil {
			result.Error = err.Error()
			return result
		}
		switch sess.ConfidenceLevel {
		case "high":
			result.HighConfidence++
		case "medium":
			result.MediumConfidence++
		case "low":
			result.LowConfidence++
		}
	}

	result.SessionsCreated = len(sessions)
	result.Success = true
	return result
}

func dateRange(startDate, endDate string) ([]string, error) {
	start, err := time.Parse("2006-01-02", startDate)
	if err != nil {
		return nil, fmt.Errorf("invalid start date %q: %w", startDate, err)
	}
	end, err := time.Parse("2006-01-02", endDate)
	if err != nil {
		return nil, fmt.Errorf("invalid end date %q: %w", endDate, err)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("end date %q is before start date %q", endDate, startDate)
	}

	var dates []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d.Format("2006-01-02"))
	}
	return dates, nil
}
