// Package parse turns raw log files in several source formats into a
// lazy, forward-only stream of normalized records. The line-oriented
// formats (CSV/TSV, NDJSON, W3C) are read one record at a time; a JSON
// array is read into memory whole before its elements are yielded.
package parse

import (
	"bufio"
	"compress/gzip"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/mailru/easyjson/opt"
	"github.com/spf13/afero"
	"github.com/tidwall/gjson"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"

	"github.com/conversem/queryfanout/internal/ingest/record"
)

// Format identifies a supported source log format.
type Format int

const (
	FormatCSV Format = iota
	FormatTSV
	FormatNDJSON
	FormatJSONArray
	FormatW3CExtended
)

// RecordStream is a pull iterator over normalized records: each call to
// Next advances the stream by one record. Iteration stops when Next
// returns false; callers must then check Err for a non-nil terminal
// error.
type RecordStream interface {
	Next() bool
	Record() record.Normalized
	Err() error
	Close() error
}

// Canonical field keys used in a FieldAliases table.
const (
	FieldRequestTimestamp = "request_timestamp"
	FieldRequestHost      = "request_host"
	FieldRequestURI       = "request_uri"
	FieldRequestMethod    = "request_method"
	FieldClientIP         = "client_ip"
	FieldResponseStatus   = "response_status"
	FieldResponseBytes    = "response_bytes"
	FieldReferer          = "referer"
	FieldUserAgent        = "user_agent"
	FieldBotScore         = "bot_score"
	FieldIsVerifiedBot    = "is_verified_bot"
	FieldCrawlerCountry   = "crawler_country"
)

// FieldAliases maps a canonical field name to the ordered list of source
// column/JSON-key names a provider's adapter is willing to read it from,
// most-specific first. This is the field-mapping table each C4 adapter
// owns; Open resolves every record's columns through it instead of a
// single shared alias list, so two providers that name the same concept
// differently (Cloudflare's "ClientRequestUserAgent" vs CloudFront's
// "cs(User-Agent)") both resolve onto record.Normalized correctly.
type FieldAliases map[string][]string

// DefaultFieldAliases is the provider-agnostic fallback table: the
// canonical field names themselves plus the handful of generic synonyms
// common across hand-rolled or already-normalized logs. Every built-in
// adapter's table is built by prepending its native column names to
// this default, so a source that happens to use canonical names still
// parses even under a CDN-specific adapter.
func DefaultFieldAliases() FieldAliases {
	return FieldAliases{
		FieldRequestTimestamp: {"request_timestamp", "timestamp", "time", "date-time"},
		FieldRequestHost:      {"request_host", "host", "cs-host"},
		FieldRequestURI:       {"request_uri", "uri", "url", "cs-uri-stem", "path"},
		FieldRequestMethod:    {"request_method", "method", "cs-method"},
		FieldClientIP:         {"client_ip", "ip", "c-ip", "remote_addr"},
		FieldResponseStatus:   {"response_status", "status", "sc-status"},
		FieldResponseBytes:    {"response_bytes", "bytes", "sc-bytes"},
		FieldReferer:          {"referer", "referrer", "cs-referer"},
		FieldUserAgent:        {"user_agent", "useragent", "cs-user-agent"},
		FieldBotScore:         {"bot_score"},
		FieldIsVerifiedBot:    {"is_verified_bot", "verified_bot"},
		FieldCrawlerCountry:   {"crawler_country"},
	}
}

// WithProviderAliases prepends a provider's native column names (most
// specific first) to DefaultFieldAliases, so provider-native names are
// always preferred but canonical/generic names still work as a fallback.
func WithProviderAliases(native FieldAliases) FieldAliases {
	out := DefaultFieldAliases()
	for field, names := range native {
		out[field] = append(append([]string{}, names...), out[field]...)
	}
	return out
}

// Open opens path (optionally gzip-compressed, detected by suffix or
// magic bytes) and returns a RecordStream for the given format and
// source provider label, resolving columns through aliases. encoding
// selects an alternate byte encoding for non-UTF-8 logs; pass nil for
// UTF-8.
func Open(fs afero.Fs, path string, format Format, sourceProvider string, aliases FieldAliases, enc encoding.Encoding) (RecordStream, error) {
	if aliases == nil {
		aliases = DefaultFieldAliases()
	}

	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	reader, err := maybeDecompress(f, path)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	if enc != nil {
		reader = enc.NewDecoder().Reader(reader)
	}

	switch format {
	case FormatCSV:
		return newDelimitedStream(f, reader, ',', sourceProvider, path, aliases), nil
	case FormatTSV:
		return newDelimitedStream(f, reader, '\t', sourceProvider, path, aliases), nil
	case FormatNDJSON:
		return newNDJSONStream(f, reader, sourceProvider, path, aliases), nil
	case FormatJSONArray:
		return newJSONArrayStream(f, reader, sourceProvider, path, aliases)
	case FormatW3CExtended:
		return newW3CStream(f, reader, sourceProvider, path, aliases), nil
	default:
		_ = f.Close()
		return nil, fmt.Errorf("unsupported format %d", format)
	}
}

func maybeDecompress(f io.Reader, path string) (io.Reader, error) {
	br := bufio.NewReader(f)
	if strings.HasSuffix(path, ".gz") {
		return gzip.NewReader(br)
	}

	magic, err := br.Peek(2)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("peek magic bytes: %w", err)
	}
	if len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		return gzip.NewReader(br)
	}
	return br, nil
}

// delimitedStream backs CSV/TSV parsing. The first row is treated as a
// header naming each column; unrecognized columns are ignored.
type delimitedStream struct {
	file     afero.File
	r        *csv.Reader
	header   []string
	current  record.Normalized
	err      error
	provider string
	path     string
	aliases  FieldAliases
}

func newDelimitedStream(f afero.File, reader io.Reader, delim rune, provider, path string, aliases FieldAliases) *delimitedStream {
	r := csv.NewReader(reader)
	r.Comma = delim
	r.FieldsPerRecord = -1
	return &delimitedStream{file: f, r: r, provider: provider, path: path, aliases: aliases}
}

func (s *delimitedStream) Next() bool {
	if s.header == nil {
		header, err := s.r.Read()
		if err != nil {
			s.err = err
			return false
		}
		s.header = header
	}

	row, err := s.r.Read()
	if err == io.EOF {
		return false
	}
	if err != nil {
		s.err = err
		return false
	}

	fields := make(map[string]string, len(s.header))
	for i, col := range s.header {
		if i < len(row) {
			fields[col] = row[i]
		}
	}
	s.current = fieldsToNormalized(fields, s.provider, s.path, s.aliases)
	return true
}

func (s *delimitedStream) Record() record.Normalized { return s.current }
func (s *delimitedStream) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
func (s *delimitedStream) Close() error { return s.file.Close() }

// ndjsonStream backs newline-delimited JSON parsing.
type ndjsonStream struct {
	file     afero.File
	scanner  *bufio.Scanner
	current  record.Normalized
	err      error
	provider string
	path     string
	aliases  FieldAliases
}

func newNDJSONStream(f afero.File, reader io.Reader, provider, path string, aliases FieldAliases) *ndjsonStream {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	return &ndjsonStream{file: f, scanner: scanner, provider: provider, path: path, aliases: aliases}
}

func (s *ndjsonStream) Next() bool {
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}
		s.current = jsonLineToNormalized(line, s.provider, s.path, s.aliases)
		return true
	}
	s.err = s.scanner.Err()
	return false
}

func (s *ndjsonStream) Record() record.Normalized { return s.current }
func (s *ndjsonStream) Err() error                 { return s.err }
func (s *ndjsonStream) Close() error               { return s.file.Close() }

// jsonArrayStream backs a single top-level JSON array of objects. Unlike
// the other formats it must read the whole array to know its bounds, but
// it still yields records one at a time via gjson.ForEachLine-style
// indexing rather than unmarshaling into a Go slice of structs.
type jsonArrayStream struct {
	file     afero.File
	results  []gjson.Result
	idx      int
	current  record.Normalized
	err      error
	provider string
	path     string
	aliases  FieldAliases
}

func newJSONArrayStream(f afero.File, reader io.Reader, provider, path string, aliases FieldAliases) (*jsonArrayStream, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read json array %s: %w", path, err)
	}
	parsed := gjson.ParseBytes(data)
	if !parsed.IsArray() {
		return nil, fmt.Errorf("%s: expected a top-level JSON array", path)
	}
	return &jsonArrayStream{file: f, results: parsed.Array(), provider: provider, path: path, aliases: aliases}, nil
}

func (s *jsonArrayStream) Next() bool {
	if s.idx >= len(s.results) {
		return false
	}
	s.current = jsonLineToNormalized(s.results[s.idx].Raw, s.provider, s.path, s.aliases)
	s.idx++
	return true
}

func (s *jsonArrayStream) Record() record.Normalized { return s.current }
func (s *jsonArrayStream) Err() error                 { return s.err }
func (s *jsonArrayStream) Close() error               { return s.file.Close() }

// w3cStream backs W3C extended log format, where #Fields: declares the
// column order and data rows are space-delimited.
type w3cStream struct {
	file     afero.File
	scanner  *bufio.Scanner
	fields   []string
	current  record.Normalized
	err      error
	provider string
	path     string
	aliases  FieldAliases
}

func newW3CStream(f afero.File, reader io.Reader, provider, path string, aliases FieldAliases) *w3cStream {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	return &w3cStream{file: f, scanner: scanner, provider: provider, path: path, aliases: aliases}
}

func (s *w3cStream) Next() bool {
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if strings.HasPrefix(line, "#Fields:") {
			s.fields = strings.Fields(strings.TrimPrefix(line, "#Fields:"))
			continue
		}
		if strings.HasPrefix(line, "#") || strings.TrimSpace(line) == "" {
			continue
		}
		if s.fields == nil {
			s.err = fmt.Errorf("%s: data row before #Fields: directive", s.path)
			return false
		}

		values := strings.Fields(line)
		fields := make(map[string]string, len(s.fields))
		for i, col := range s.fields {
			if i < len(values) {
				fields[col] = values[i]
			}
		}
		// CloudFront exports UTC date and time as separate columns; join
		// them into the single date-time field its adapter reads.
		if _, ok := fields["date-time"]; !ok && fields["date"] != "" && fields["time"] != "" {
			fields["date-time"] = fields["date"] + "T" + fields["time"] + "Z"
		}
		s.current = fieldsToNormalized(fields, s.provider, s.path, s.aliases)
		return true
	}
	s.err = s.scanner.Err()
	return false
}

func (s *w3cStream) Record() record.Normalized { return s.current }
func (s *w3cStream) Err() error                 { return s.err }
func (s *w3cStream) Close() error               { return s.file.Close() }

func fieldsToNormalized(fields map[string]string, provider, path string, aliases FieldAliases) record.Normalized {
	n := record.Normalized{
		RequestTimestamp: firstOf(fields, aliases[FieldRequestTimestamp]),
		RequestHost:      firstOf(fields, aliases[FieldRequestHost]),
		RequestURI:       firstOf(fields, aliases[FieldRequestURI]),
		SourceProvider:   provider,
		SourceFile:       path,
	}
	if v := firstOf(fields, aliases[FieldRequestMethod]); v != "" {
		n.RequestMethod = opt.OptString(v)
	}
	if v := firstOf(fields, aliases[FieldClientIP]); v != "" {
		n.ClientIP = opt.OptString(v)
	}
	if v := firstOf(fields, aliases[FieldResponseStatus]); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			n.ResponseStatus = opt.OptInt(i)
		}
	}
	if v := firstOf(fields, aliases[FieldResponseBytes]); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			n.ResponseBytes = opt.OptInt(i)
		}
	}
	if v := firstOf(fields, aliases[FieldReferer]); v != "" {
		n.Referer = opt.OptString(v)
	}
	if v := firstOf(fields, aliases[FieldUserAgent]); v != "" {
		n.UserAgent = opt.OptString(v)
	}
	if v := firstOf(fields, aliases[FieldBotScore]); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			n.BotScore = opt.OptFloat64(f)
		}
	}
	if v := firstOf(fields, aliases[FieldIsVerifiedBot]); v != "" {
		n.IsVerifiedBot = opt.OptBool(parseBool(v))
	}
	if v := firstOf(fields, aliases[FieldCrawlerCountry]); v != "" {
		n.CrawlerCountry = opt.OptString(v)
	}
	return n
}

func jsonLineToNormalized(line, provider, path string, aliases FieldAliases) record.Normalized {
	n := record.Normalized{
		RequestTimestamp: firstGJSON(line, aliases[FieldRequestTimestamp]),
		RequestHost:      firstGJSON(line, aliases[FieldRequestHost]),
		RequestURI:       firstGJSON(line, aliases[FieldRequestURI]),
		SourceProvider:   provider,
		SourceFile:       path,
		RawLine:          line,
	}
	if v := firstGJSON(line, aliases[FieldRequestMethod]); v != "" {
		n.RequestMethod = opt.OptString(v)
	}
	if v := firstGJSON(line, aliases[FieldClientIP]); v != "" {
		n.ClientIP = opt.OptString(v)
	}
	if v := firstGJSONResult(line, aliases[FieldResponseStatus]); v.Exists() {
		n.ResponseStatus = opt.OptInt(int(v.Int()))
	}
	if v := firstGJSONResult(line, aliases[FieldResponseBytes]); v.Exists() {
		n.ResponseBytes = opt.OptInt(int(v.Int()))
	}
	if v := firstGJSON(line, aliases[FieldReferer]); v != "" {
		n.Referer = opt.OptString(v)
	}
	if v := firstGJSON(line, aliases[FieldUserAgent]); v != "" {
		n.UserAgent = opt.OptString(v)
	}
	if v := firstGJSONResult(line, aliases[FieldBotScore]); v.Exists() {
		n.BotScore = opt.OptFloat64(v.Float())
	}
	if v := firstGJSONResult(line, aliases[FieldIsVerifiedBot]); v.Exists() {
		n.IsVerifiedBot = opt.OptBool(parseBool(v.String()))
	}
	if v := firstGJSON(line, aliases[FieldCrawlerCountry]); v != "" {
		n.CrawlerCountry = opt.OptString(v)
	}
	return n
}

// parseBool resolves a verified-bot flag. Some CDNs emit an explicit
// boolean ("true"/"false"/"1"/"0"); others (Cloudflare's
// VerifiedBotCategory) emit a non-empty category name when verified and
// nothing at all otherwise, so any non-empty value other than a
// recognized falsy spelling counts as true.
func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "false", "0", "no":
		return false
	default:
		return true
	}
}

// firstOf returns the value of the first key in keys present and
// non-empty in fields, trying each of a provider's preferred native
// column names in order before falling back to the generic ones.
func firstOf(fields map[string]string, keys []string) string {
	for _, k := range keys {
		if v, ok := fields[k]; ok && v != "" {
			return v
		}
	}
	return ""
}

func firstGJSON(json string, keys []string) string {
	return firstGJSONResult(json, keys).String()
}

func firstGJSONResult(json string, keys []string) gjson.Result {
	for _, k := range keys {
		if v := gjson.Get(json, k); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}

// Latin1 is provided for sources that emit ISO-8859-1 encoded log lines
// (observed with some legacy W3C-extended exporters).
var Latin1 = charmap.ISO8859_1
