// Package report runs read-only KPI queries against the
// bot_requests_daily and query_fanout_sessions tables for dashboard and
// CLI consumption.
package report

import (
	"context"
	"fmt"

	"github.com/conversem/queryfanout/internal/store"
)

// KPI names the available dashboard queries.
type KPI string

const (
	KPIRequestsPerDay          KPI = "requests_per_day"
	KPITopBots                 KPI = "top_bots"
	KPIBotCategoryBreakdown    KPI = "bot_category_breakdown"
	KPIRequestsByProvider      KPI = "requests_by_provider"
	KPITopURLPaths             KPI = "top_url_paths"
	KPIResponseStatusBreakdown KPI = "response_status_breakdown"
	KPISessionSummary          KPI = "session_summary"
)

// AvailableKPIs lists every KPI the queries struct knows how to run.
var AvailableKPIs = []KPI{
	KPIRequestsPerDay,
	KPITopBots,
	KPIBotCategoryBreakdown,
	KPIRequestsByProvider,
	KPITopURLPaths,
	KPIResponseStatusBreakdown,
	KPISessionSummary,
}

// Row is a generic result row: column name to scalar value.
type Row map[string]any

// Result holds one KPI's rows.
type Result struct {
	KPI  KPI
	Rows []Row
}

// Queries runs dashboard KPI queries against a Store.
type Queries struct {
	store *store.Store
}

// NewQueries builds a Queries bound to s.
func NewQueries(s *store.Store) *Queries {
	return &Queries{store: s}
}

// Run executes kpi over [startDate, endDate] (either may be empty to mean
// unbounded).
func (q *Queries) Run(ctx context.Context, kpi KPI, startDate, endDate string) (Result, error) {
	switch kpi {
	case KPIRequestsPerDay:
		return q.requestsPerDay(ctx, startDate, endDate)
	case KPITopBots:
		return q.topBots(ctx, startDate, endDate)
	case KPIBotCategoryBreakdown:
		return q.botCategoryBreakdown(ctx, startDate, endDate)
	case KPIRequestsByProvider:
		return q.requestsByProvider(ctx, startDate, endDate)
	case KPITopURLPaths:
		return q.topURLPaths(ctx, startDate, endDate)
	case KPIResponseStatusBreakdown:
		return q.responseStatusBreakdown(ctx, startDate, endDate)
	case KPISessionSummary:
		return q.sessionSummary(ctx, startDate, endDate)
	default:
		return Result{}, fmt.Errorf("unknown kpi %q", kpi)
	}
}

// RunAll executes every KPI in AvailableKPIs.
func (q *Queries) RunAll(ctx context.Context, startDate, endDate string) ([]Result, error) {
	results := make([]Result, 0, len(AvailableKPIs))
	for _, kpi := range AvailableKPIs {
		r, err := q.Run(ctx, kpi, startDate, endDate)
		if err != nil {
			return nil, fmt.Errorf("run kpi %s: %w", kpi, err)
		}
		results = append(results, r)
	}
	return results, nil
}

func dateRangeClause(startDate, endDate string) (string, []any) {
	if startDate == "" && endDate == "" {
		return "", nil
	}
	if startDate != "" && endDate != "" {
		return " WHERE request_date BETWEEN ? AND ?", []any{startDate, endDate}
	}
	if startDate != "" {
		return " WHERE request_date >= ?", []any{startDate}
	}
	return " WHERE request_date <= ?", []any{endDate}
}

func (q *Queries) requestsPerDay(ctx context.Context, startDate, endDate string) (Result, error) {
	clause, args := dateRangeClause(startDate, endDate)
	rows, err := q.store.Conn().QueryContext(ctx,
		`SELECT request_date, COUNT(*) AS request_count FROM bot_requests_daily`+clause+
			` GROUP BY request_date ORDER BY request_date ASC`, args...)
	if err != nil {
		return Result{}, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var date string
		var count int64
		if err := rows.Scan(&date, &count); err != nil {
			return Result{}, err
		}
		out = append(out, Row{"request_date": date, "request_count": count})
	}
	return Result{KPI: KPIRequestsPerDay, Rows: out}, rows.Err()
}

func (q *Queries) topBots(ctx context.Context, startDate, endDate string) (Result, error) {
	clause, args := dateRangeClause(startDate, endDate)
	rows, err := q.store.Conn().QueryContext(ctx,
		`SELECT bot_name, COUNT(*) AS request_count FROM (SELECT * FROM bot_requests_daily`+clause+
			`) WHERE bot_name IS NOT NULL GROUP BY bot_name ORDER BY request_count DESC LIMIT 20`, args...)
	if err != nil {
		return Result{}, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var name string
		var count int64
		if err := rows.Scan(&name, &count); err != nil {
			return Result{}, err
		}
		out = append(out, Row{"bot_name": name, "request_count": count})
	}
	return Result{KPI: KPITopBots, Rows: out}, rows.Err()
}

func (q *Queries) botCategoryBreakdown(ctx context.Context, startDate, endDate string) (Result, error) {
	clause, args := dateRangeClause(startDate, endDate)
	rows, err := q.store.Conn().QueryContext(ctx,
		`SELECT bot_category, COUNT(*) AS request_count FROM (SELECT * FROM bot_requests_daily`+clause+
			`) WHERE bot_category IS NOT NULL GROUP BY bot_category ORDER BY request_count DESC`, args...)
	if err != nil {
		return Result{}, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var category string
		var count int64
		if err := rows.Scan(&category, &count); err != nil {
			return Result{}, err
		}
		out = append(out, Row{"bot_category": category, "request_count": count})
	}
	return Result{KPI: KPIBotCategoryBreakdown, Rows: out}, rows.Err()
}

func (q *Queries) requestsByProvider(ctx context.Context, startDate, endDate string) (Result, error) {
	clause, args := dateRangeClause(startDate, endDate)
	rows, err := q.store.Conn().QueryContext(ctx,
		`SELECT bot_provider, COUNT(*) AS request_count FROM (SELECT * FROM bot_requests_daily`+clause+
			`) WHERE bot_provider IS NOT NULL GROUP BY bot_provider ORDER BY request_count DESC`, args...)
	if err != nil {
		return Result{}, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var provider string
		var count int64
		if err := rows.Scan(&provider, &count); err != nil {
			return Result{}, err
		}
		out = append(out, Row{"bot_provider": provider, "request_count": count})
	}
	return Result{KPI: KPIRequestsByProvider, Rows: out}, rows.Err()
}

func (q *Queries) topURLPaths(ctx context.Context, startDate, endDate string) (Result, error) {
	clause, args := dateRangeClause(startDate, endDate)
	rows, err := q.store.Conn().QueryContext(ctx,
		`SELECT url_path, COUNT(*) AS request_count FROM bot_requests_daily`+clause+
			` GROUP BY url_path ORDER BY request_count DESC LIMIT 20`, args...)
	if err != nil {
		return Result{}, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var path string
		var count int64
		if err := rows.Scan(&path, &count); err != nil {
			return Result{}, err
		}
		out = append(out, Row{"url_path": path, "request_count": count})
	}
	return Result{KPI: KPITopURLPaths, Rows: out}, rows.Err()
}

func (q *Queries) responseStatusBreakdown(ctx context.Context, startDate, endDate string) (Result, error) {
	clause, args := dateRangeClause(startDate, endDate)
	rows, err := q.store.Conn().QueryContext(ctx,
		`SELECT response_status_category, COUNT(*) AS request_count FROM (SELECT * FROM bot_requests_daily`+clause+
			`) WHERE response_status_category IS NOT NULL GROUP BY response_status_category ORDER BY response_status_category ASC`, args...)
	if err != nil {
		return Result{}, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var category string
		var count int64
		if err := rows.Scan(&category, &count); err != nil {
			return Result{}, err
		}
		out = append(out, Row{"response_status_category": category, "request_count": count})
	}
	return Result{KPI: KPIResponseStatusBreakdown, Rows: out}, rows.Err()
}

func (q *Queries) sessionSummary(ctx context.Context, startDate, endDate string) (Result, error) {
	clause, args := sessionDateRangeClause(startDate, endDate)
	rows, err := q.store.Conn().QueryContext(ctx,
		`SELECT confidence_level, COUNT(*) AS session_count, AVG(request_count) AS mean_request_count
		 FROM query_fanout_sessions`+clause+
			` GROUP BY confidence_level ORDER BY confidence_level ASC`, args...)
	if err != nil {
		return Result{}, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var confidence string
		var sessionCount int64
		var meanRequestCount float64
		if err := rows.Scan(&confidence, &sessionCount, &meanRequestCount); err != nil {
			return Result{}, err
		}
		out = append(out, Row{
			"confidence_level":   confidence,
			"session_count":      sessionCount,
			"mean_request_count": meanRequestCount,
		})
	}
	return Result{KPI: KPISessionSummary, Rows: out}, rows.Err()
}

func sessionDateRangeClause(startDate, endDate string) (string, []any) {
	if startDate == "" && endDate == "" {
		return "", nil
	}
	if startDate != "" && endDate != "" {
		return " WHERE session_date BETWEEN ? AND ?", []any{startDate, endDate}
	}
	if startDate != "" {
		return " WHERE session_date >= ?", []any{startDate}
	}
	return " WHERE session_date <= ?", []any{endDate}
}
