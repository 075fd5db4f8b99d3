package store

import "fmt"

// allowedIdentifiers whitelists the table and column names that may be
// interpolated into a dynamically built query. Every caller that builds
// SQL with fmt.Sprintf around a table/column name must run it through
// checkIdentifier first.
var allowedIdentifiers = map[string]bool{
	"raw_bot_requests":       true,
	"bot_requests_daily":     true,
	"query_fanout_sessions":  true,
	"daily_summary":          true,
	"url_performance":        true,
	"bot_provider_summary":   true,
	"request_date":           true,
	"session_date":           true,
	"_ingestion_time":        true,
	"_created_at":            true,
}

func checkIdentifier(name string) error {
	if !allowedIdentifiers[name] {
		return fmt.Errorf("identifier %q is not allowlisted for dynamic query construction", name)
	}
	return nil
}
