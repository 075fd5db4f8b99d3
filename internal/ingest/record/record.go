// Package record defines the normalized record shape that format parsers
// emit during ingestion.
package record

import "github.com/mailru/easyjson/opt"

// Normalized is the common shape every C3 format parser emits; source
// columns are resolved into it through the C4 provider adapter's
// field-alias table.
type Normalized struct {
	RequestTimestamp string
	RequestHost      string
	RequestURI       string
	RequestMethod    opt.String
	ClientIP         opt.String
	ResponseStatus   opt.Int
	ResponseBytes    opt.Int
	Referer          opt.String
	UserAgent        opt.String
	BotScore         opt.Float64
	IsVerifiedBot    opt.Bool
	CrawlerCountry   opt.String
	SourceProvider   string
	RawLine          string
	SourceFile       string
}
