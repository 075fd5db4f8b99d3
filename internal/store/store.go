// Package store persists normalized bot-request records, derived sessions,
// and the rollup tables behind the fanout pipeline in a single SQLite file.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// Store wraps a sql.DB connection to the pipeline's SQLite backend.
type Store struct {
	conn *sql.DB
}

// RawRequest mirrors a single row of raw_bot_requests.
type RawRequest struct {
	ID               int64
	RequestDate      string
	RequestTimestamp string
	RequestHost      string
	RequestURI       string
	RequestMethod    *string
	UserAgent        *string
	ClientIP         *string
	ResponseStatus   *int
	ResponseBytes    *int64
	Referer          *string
	BotScore         *float64
	IsVerifiedBot    *bool
	CrawlerCountry   *string
	SourceProvider   string
	RawLine          *string
	SourceFile       *string
	IngestionTime    string
}

// CleanRequest mirrors a single row of bot_requests_daily.
type CleanRequest struct {
	ID                      int64
	RequestDate             string
	RequestTimestamp        string
	RequestHour             int
	DayOfWeek               int
	RequestHost             string
	RequestURI              string
	URLPath                 string
	URLPathDepth            int
	BotName                 *string
	BotProvider             *string
	BotCategory             *string
	BotScore                *float64
	IsVerifiedBot           *bool
	CrawlerCountry          *string
	ResponseStatus          *int
	ResponseStatusCategory  *string
	CreatedAt               string
}

// Session mirrors a single row of query_fanout_sessions.
type Session struct {
	ID                   int64
	SessionID            string
	SessionDate          string
	SessionStartTime     string
	SessionEndTime       string
	DurationMs           int64
	BotProvider          string
	RequestCount         int
	UniqueURLs           int
	MeanCosineSimilarity *float64
	MinCosineSimilarity  *float64
	MaxCosineSimilarity  *float64
	WindowMs             int64
	BotName              *string
	ConfidenceLevel      string
	FanoutSessionName    string
	URLList              string
	CreatedAt            string
}

// Open creates a new Store connection and applies all pending migrations.
// The sqlite driver is pure Go (modernc.org/sqlite), so no cgo toolchain
// is required to build or run the pipeline.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	migrationsFS, err := fs.Sub(MigrationFS, "migrations")
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrations sub-fs: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, conn, migrationsFS)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create migration provider: %w", err)
	}

	if _, err := provider.Up(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &Store{conn: conn}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Conn returns the underlying *sql.DB for callers that need raw access
// (e.g. report queries that build statements dynamically).
func (s *Store) Conn() *sql.DB {
	return s.conn
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nullableBoolToInt converts an optional bool to the nullable 0/1 SQLite
// expects, preserving NULL when the source adapter never provided a
// verified-bot flag.
func nullableBoolToInt(b *bool) *int {
	if b == nil {
		return nil
	}
	v := boolToInt(*b)
	return &v
}

// InsertRaw inserts a batch of raw records in a single transaction and
// returns the number of rows written.
func (s *Store) InsertRaw(ctx context.Context, records []RawRequest) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO raw_bot_requests
			(request_date, request_timestamp, request_host, request_uri, request_method,
			 user_agent, client_ip, response_status, response_bytes, referer,
			 bot_score, is_verified_bot, crawler_country,
			 source_provider, _raw_line, _source_file)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert raw: %w", err)
	}
	defer stmt.Close()

	for i := range records {
		r := &records[i]
		if _, err := stmt.ExecContext(ctx,
			r.RequestDate, r.RequestTimestamp, r.RequestHost, r.RequestURI, r.RequestMethod,
			r.UserAgent, r.ClientIP, r.ResponseStatus, r.ResponseBytes, r.Referer,
			r.BotScore, nullableBoolToInt(r.IsVerifiedBot), r.CrawlerCountry,
			r.SourceProvider, r.RawLine, r.SourceFile,
		); err != nil {
			return 0, fmt.Errorf("insert raw record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit raw insert: %w", err)
	}
	return len(records), nil
}

// InsertClean inserts a batch of clean (transformed) records and returns
// the number of rows written.
func (s *Store) InsertClean(ctx context.Context, records []CleanRequest) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bot_requests_daily
			(request_date, request_timestamp, request_hour, day_of_week, request_host,
			 request_uri, url_path, url_path_depth, bot_name, bot_provider, bot_category,
			 bot_score, is_verified_bot, crawler_country, response_status, response_status_category)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert clean: %w", err)
	}
	defer stmt.Close()

	for i := range records {
		r := &records[i]
		if _, err := stmt.ExecContext(ctx,
			r.RequestDate, r.RequestTimestamp, r.RequestHour, r.DayOfWeek, r.RequestHost,
			r.RequestURI, r.URLPath, r.URLPathDepth, r.BotName, r.BotProvider, r.BotCategory,
			r.BotScore, nullableBoolToInt(r.IsVerifiedBot), r.CrawlerCountry, r.ResponseStatus, r.ResponseStatusCategory,
		); err != nil {
			return 0, fmt.Errorf("insert clean record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit clean insert: %w", err)
	}
	return len(records), nil
}

// InsertSession persists a derived fanout session. A duplicate session_id
// surfaces as a UNIQUE constraint error from the driver.
func (s *Store) InsertSession(ctx context.Context, sess *Session) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO query_fanout_sessions
			(session_id, session_date, session_start_time, session_end_time, duration_ms,
			 bot_provider, request_count, unique_urls, mean_cosine_similarity,
			 min_cosine_similarity, max_cosine_similarity, window_ms, bot_name,
			 confidence_level, fanout_session_name, url_list)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.SessionID, sess.SessionDate, sess.SessionStartTime, sess.SessionEndTime, sess.DurationMs,
		sess.BotProvider, sess.RequestCount, sess.UniqueURLs, sess.MeanCosineSimilarity,
		sess.MinCosineSimilarity, sess.MaxCosineSimilarity, sess.WindowMs, sess.BotName,
		sess.ConfidenceLevel, sess.FanoutSessionName, sess.URLList,
	)
	if err != nil {
		return 0, fmt.Errorf("insert session: %w", err)
	}
	return res.LastInsertId()
}

// GetSessionByID looks up a session by its opaque session_id.
func (s *Store) GetSessionByID(ctx context.Context, sessionID string) (*Session, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, session_id, session_date, session_start_time, session_end_time, duration_ms,
		       bot_provider, request_count, unique_urls, mean_cosine_similarity,
		       min_cosine_similarity, max_cosine_similarity, window_ms, bot_name,
		       confidence_level, fanout_session_name, url_list, _created_at
		FROM query_fanout_sessions WHERE session_id = ?`, sessionID)

	var sess Session
	err := row.Scan(&sess.ID, &sess.SessionID, &sess.SessionDate, &sess.SessionStartTime, &sess.SessionEndTime,
		&sess.DurationMs, &sess.BotProvider, &sess.RequestCount, &sess.UniqueURLs, &sess.MeanCosineSimilarity,
		&sess.MinCosineSimilarity, &sess.MaxCosineSimilarity, &sess.WindowMs, &sess.BotName,
		&sess.ConfidenceLevel, &sess.FanoutSessionName, &sess.URLList, &sess.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return &sess, nil
}

// ListSessionsByDateRange returns sessions whose session_date falls within
// [startDate, endDate] inclusive, ordered by session_start_time.
func (s *Store) ListSessionsByDateRange(ctx context.Context, startDate, endDate string) ([]Session, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, session_id, session_date, session_start_time, session_end_time, duration_ms,
		       bot_provider, request_count, unique_urls, mean_cosine_similarity,
		       min_cosine_similarity, max_cosine_similarity, window_ms, bot_name,
		       confidence_level, fanout_session_name, url_list, _created_at
		FROM query_fanout_sessions
		WHERE session_date BETWEEN ? AND ?
		ORDER BY session_start_time`, startDate, endDate)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.SessionID, &sess.SessionDate, &sess.SessionStartTime, &sess.SessionEndTime,
			&sess.DurationMs, &sess.BotProvider, &sess.RequestCount, &sess.UniqueURLs, &sess.MeanCosineSimilarity,
			&sess.MinCosineSimilarity, &sess.MaxCosineSimilarity, &sess.WindowMs, &sess.BotName,
			&sess.ConfidenceLevel, &sess.FanoutSessionName, &sess.URLList, &sess.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// DateRangeCount returns the number of rows in table between start and end
// dates inclusive, using dateColumn as the filter column. table and
// dateColumn must come from the allowlist since they are interpolated
// directly into the query.
func (s *Store) DateRangeCount(ctx context.Context, table, dateColumn, startDate, endDate string) (int64, error) {
	if err := checkIdentifier(table); err != nil {
		return 0, err
	}
	if err := checkIdentifier(dateColumn); err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s BETWEEN ? AND ?`, table, dateColumn)
	var count int64
	if err := s.conn.QueryRowContext(ctx, query, startDate, endDate).Scan(&count); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return count, nil
}

// DeleteDateRange removes rows from table within [startDate, endDate]
// inclusive and returns the number of rows removed.
func (s *Store) DeleteDateRange(ctx context.Context, table, dateColumn, startDate, endDate string) (int64, error) {
	if err := checkIdentifier(table); err != nil {
		return 0, err
	}
	if err := checkIdentifier(dateColumn); err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE %s BETWEEN ? AND ?`, table, dateColumn)
	res, err := s.conn.ExecContext(ctx, query, startDate, endDate)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", table, err)
	}
	return res.RowsAffected()
}

// DatesWithSessions returns the distinct session_date values already
// present in query_fanout_sessions, used by backfill's resume mode.
func (s *Store) DatesWithSessions(ctx context.Context) (map[string]bool, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT DISTINCT session_date FROM query_fanout_sessions`)
	if err != nil {
		return nil, fmt.Errorf("dates with sessions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out[d] = true
	}
	return out, rows.Err()
}

// DatesWithData returns the distinct request_date values present in
// bot_requests_daily for the given category, used to drive backfill.
func (s *Store) DatesWithData(ctx context.Context, category string) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT DISTINCT request_date FROM bot_requests_daily
		WHERE bot_category = ? ORDER BY request_date`, category)
	if err != nil {
		return nil, fmt.Errorf("dates with data: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RequestsForDate returns the clean bot_requests_daily rows for the given
// date and category, ordered by request_timestamp ascending — the input
// to session aggregation for a single day.
func (s *Store) RequestsForDate(ctx context.Context, date, category string) ([]CleanRequest, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, request_date, request_timestamp, request_hour, day_of_week, request_host,
		       request_uri, url_path, url_path_depth, bot_name, bot_provider, bot_category,
		       bot_score, is_verified_bot, crawler_country, response_status, response_status_category, _created_at
		FROM bot_requests_daily
		WHERE request_date = ? AND bot_category = ?
		ORDER BY request_timestamp ASC`, date, category)
	if err != nil {
		return nil, fmt.Errorf("requests for date %s: %w", date, err)
	}
	defer rows.Close()

	var out []CleanRequest
	for rows.Next() {
		var r CleanRequest
		var verified *int
		if err := rows.Scan(&r.ID, &r.RequestDate, &r.RequestTimestamp, &r.RequestHour, &r.DayOfWeek,
			&r.RequestHost, &r.RequestURI, &r.URLPath, &r.URLPathDepth, &r.BotName, &r.BotProvider,
			&r.BotCategory, &r.BotScore, &verified, &r.CrawlerCountry, &r.ResponseStatus,
			&r.ResponseStatusCategory, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan clean row: %w", err)
		}
		if verified != nil {
			v := *verified != 0
			r.IsVerifiedBot = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteSessionsForDate removes all fanout sessions for a given date,
// used by backfill's force mode before recomputing.
func (s *Store) DeleteSessionsForDate(ctx context.Context, date string) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM query_fanout_sessions WHERE session_date = ?`, date)
	if err != nil {
		return 0, fmt.Errorf("delete sessions for %s: %w", date, err)
	}
	return res.RowsAffected()
}
