// Package ingest is the C1+C2+C3+C4 orchestrator: it validates a source
// path, opens the right format parser, runs it through a provider
// adapter, validates each resulting record against the field catalog,
// and writes the survivors to the raw table.
package ingest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/conversem/queryfanout/internal/ingest/parse"
	"github.com/conversem/queryfanout/internal/ingest/provider"
	"github.com/conversem/queryfanout/internal/ingest/record"
	"github.com/conversem/queryfanout/internal/pathguard"
	"github.com/conversem/queryfanout/internal/schema"
	"github.com/conversem/queryfanout/internal/store"
)

// Config controls one ingestion pass over a single source file.
type Config struct {
	Provider      string // provider name resolved through the registry, e.g. "cloudflare"
	Format        parse.Format
	BaseDir       string // if set, path must resolve under this directory
	AllowSymlinks bool
	MaxBytes      int64 // 0 means unbounded
}

// Result summarizes one file's ingestion: counts plus the per-record
// issues that were recovered locally rather than aborting the run.
type Result struct {
	Success        bool
	RecordsRead    int
	RecordsWritten int
	Issues         []string
}

var timestampLayouts = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999Z",
	"2006-01-02 15:04:05",
	"02/Jan/2006:15:04:05 -0700",
	"2006-01-02",
}

// File validates path, parses it with the format and provider named in
// cfg, validates each record against the default field catalog, and
// bulk-inserts the survivors into s's raw table.
//
// A path-validation failure, or a registry holding neither cfg.Provider
// nor the universal fallback, aborts before any row is inserted
// (InvalidPath / UnreadableSource / UnknownProvider); an unrecognized
// provider name otherwise resolves to the universal adapter. Malformed
// individual rows are skipped and recorded in Result.Issues; the file as
// a whole still succeeds (BadFormat / InvalidField, per spec.md §7).
func File(ctx context.Context, fs afero.Fs, s *store.Store, registry *provider.Registry, path string, cfg Config) (Result, error) {
	result := Result{Success: true}

	adapter, err := registry.Resolve(cfg.Provider)
	if err != nil {
		return result, fmt.Errorf("resolve provider %q: %w", cfg.Provider, err)
	}

	if ok, reason := adapter.ValidateSource(fs, path, cfg.BaseDir, cfg.AllowSymlinks); !ok {
		return result, fmt.Errorf("invalid path %q: %s", path, reason)
	}

	if cfg.MaxBytes > 0 {
		info, err := fs.Stat(path)
		if err != nil {
			return result, fmt.Errorf("stat %q: %w", path, err)
		}
		if info.Size() > cfg.MaxBytes {
			return result, fmt.Errorf("%q exceeds the %s size ceiling (actual %s)",
				path, pathguard.FormatSize(cfg.MaxBytes), pathguard.FormatSize(info.Size()))
		}
	}

	stream, err := adapter.Iterate(fs, path, cfg.Format, nil)
	if err != nil {
		return result, fmt.Errorf("open %q: %w", path, err)
	}
	defer stream.Close()

	catalog := schema.DefaultCatalog()
	now := time.Now().UTC()

	var batch []store.RawRequest
	for stream.Next() {
		result.RecordsRead++
		n := stream.Record()

		if err := catalog.ValidateRecord(normalizedToFields(n)); err != nil {
			result.Issues = append(result.Issues, fmt.Sprintf("record %d: %v", result.RecordsRead, err))
			continue
		}

		ts, err := parseTimestamp(n.RequestTimestamp)
		if err != nil {
			result.Issues = append(result.Issues, fmt.Sprintf("record %d: %v", result.RecordsRead, err))
			continue
		}

		batch = append(batch, toRawRequest(n, ts, now))
	}
	if err := stream.Err(); err != nil {
		result.Issues = append(result.Issues, fmt.Sprintf("stream error: %v", err))
	}

	written, err := s.InsertRaw(ctx, batch)
	if err != nil {
		result.Success = false
		result.Issues = append(result.Issues, err.Error())
		return result, nil
	}
	result.RecordsWritten = written
	return result, nil
}

func normalizedToFields(n record.Normalized) map[string]string {
	fields := map[string]string{
		"request_host": n.RequestHost,
		"request_uri":  n.RequestURI,
	}
	if ts, err := parseTimestamp(n.RequestTimestamp); err == nil {
		fields["request_timestamp"] = ts.Format(time.RFC3339)
	}
	if v, ok := n.RequestMethod.Get(); ok {
		fields["request_method"] = strings.ToUpper(v)
	}
	if v, ok := n.ClientIP.Get(); ok {
		fields["client_ip"] = v
	}
	if v, ok := n.ResponseStatus.Get(); ok {
		fields["response_status"] = strconv.Itoa(v)
	}
	if v, ok := n.ResponseBytes.Get(); ok {
		fields["response_bytes"] = strconv.Itoa(v)
	}
	if v, ok := n.UserAgent.Get(); ok {
		fields["user_agent"] = v
	}
	return fields
}

func toRawRequest(n record.Normalized, ts time.Time, ingestionTime time.Time) store.RawRequest {
	r := store.RawRequest{
		RequestDate:      ts.Format("2006-01-02"),
		RequestTimestamp: ts.Format(time.RFC3339),
		RequestHost:      n.RequestHost,
		RequestURI:       n.RequestURI,
		SourceProvider:   n.SourceProvider,
		IngestionTime:    ingestionTime.Format(time.RFC3339),
	}
	if v, ok := n.RequestMethod.Get(); ok {
		m := strings.ToUpper(v)
		r.RequestMethod = &m
	}
	if v, ok := n.UserAgent.Get(); ok {
		r.UserAgent = &v
	}
	if v, ok := n.ClientIP.Get(); ok {
		r.ClientIP = &v
	}
	if v, ok := n.ResponseStatus.Get(); ok {
		r.ResponseStatus = &v
	}
	if v, ok := n.ResponseBytes.Get(); ok {
		b := int64(v)
		r.ResponseBytes = &b
	}
	if v, ok := n.Referer.Get(); ok {
		r.Referer = &v
	}
	if v, ok := n.BotScore.Get(); ok {
		r.BotScore = &v
	}
	if v, ok := n.IsVerifiedBot.Get(); ok {
		r.IsVerifiedBot = &v
	}
	if v, ok := n.CrawlerCountry.Get(); ok {
		r.CrawlerCountry = &v
	}
	if n.RawLine != "" {
		r.RawLine = &n.RawLine
	}
	if n.SourceFile != "" {
		r.SourceFile = &n.SourceFile
	}
	return r
}

func parseTimestamp(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && len(raw) >= 12 {
		return time.UnixMilli(ms).UTC(), nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format %q", raw)
}
