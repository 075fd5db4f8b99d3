// Package provider adapts the generic normalized record produced by C3
// parsers onto the field layout and quirks of a specific CDN or cloud
// access-log source: each adapter owns the source types it accepts, a
// path-validation delegate to C1, and the field-mapping table from its
// native column/JSON-key names to the canonical record fields.
package provider

import (
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/text/encoding"

	"github.com/conversem/queryfanout/internal/ingest/parse"
	"github.com/conversem/queryfanout/internal/pathguard"
)

// SourceType names the kind of filesystem object an adapter accepts.
type SourceType int

const (
	SourceTypeFile SourceType = iota
	SourceTypeDirectory
	SourceTypeStreaming
)

func (t SourceType) String() string {
	switch t {
	case SourceTypeDirectory:
		return "directory"
	case SourceTypeStreaming:
		return "streaming"
	default:
		return "file"
	}
}

// Adapter maps a source-specific log onto the pipeline's canonical
// normalized record.
type Adapter interface {
	// Name returns the adapter's provider identifier (e.g. "cloudflare").
	Name() string

	// SourceTypes lists the kinds of source this adapter accepts.
	SourceTypes() []SourceType

	// ValidateSource delegates to C1's path guard; baseDir may be empty.
	ValidateSource(fs afero.Fs, path, baseDir string, allowSymlinks bool) (bool, string)

	// Iterate opens path with the given log format and this adapter's
	// field-mapping table, returning a lazy stream of normalized records
	// tagged with this adapter's provider name. enc selects an alternate
	// byte encoding; pass nil for UTF-8.
	Iterate(fs afero.Fs, path string, format parse.Format, enc encoding.Encoding) (parse.RecordStream, error)
}

// Registry maps provider names to Adapter implementations. Unlike the
// other_examples-documented git-hosting registry pattern, every fanout
// adapter is statically available — there is no missing-credential case
// — so entries are never registered in a disabled state.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a Registry pre-populated with every built-in adapter.
func NewRegistry() *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range []Adapter{
		newCloudflareAdapter(), newCloudfrontAdapter(), newALBAdapter(), newFastlyAdapter(),
		newAkamaiAdapter(), newGCPAdapter(), newAzureAdapter(), newUniversalAdapter(),
	} {
		r.Register(a)
	}
	return r
}

// Register adds or replaces an adapter in the registry.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Name()] = a
}

// Resolve returns the adapter registered under name, falling back to the
// universal adapter when name is unrecognized.
func (r *Registry) Resolve(name string) (Adapter, error) {
	if a, ok := r.adapters[strings.ToLower(name)]; ok {
		return a, nil
	}
	if a, ok := r.adapters["universal"]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("provider %q is not registered and no universal fallback is available", name)
}

// baseAdapter implements the parts of Adapter that are identical across
// providers — source-type declaration, C1 delegation, and stream
// construction — parameterized by a provider's name and field map.
type baseAdapter struct {
	name        string
	sourceTypes []SourceType
	aliases     parse.FieldAliases
}

func (a baseAdapter) Name() string             { return a.name }
func (a baseAdapter) SourceTypes() []SourceType { return a.sourceTypes }

func (a baseAdapter) ValidateSource(fs afero.Fs, path, baseDir string, allowSymlinks bool) (bool, string) {
	return pathguard.ValidatePath(fs, path, baseDir, allowSymlinks, true)
}

func (a baseAdapter) Iterate(fs afero.Fs, path string, format parse.Format, enc encoding.Encoding) (parse.RecordStream, error) {
	return parse.Open(fs, path, format, a.name, a.aliases, enc)
}

// cloudflareAdapter maps Cloudflare Logpush/Enterprise Log Share fields.
// cf-ray (request trace id) and cf-connecting-ip (the client IP as seen
// past Cloudflare's edge, also exposed as the ClientIP log field) are
// Cloudflare's own names for concepts the canonical record already
// covers via client_ip; there is no separate canonical slot for a trace
// id, so cf-ray is not mapped.
func newCloudflareAdapter() baseAdapter {
	return baseAdapter{
		name:        "cloudflare",
		sourceTypes: []SourceType{SourceTypeFile, SourceTypeStreaming},
		aliases: parse.WithProviderAliases(parse.FieldAliases{
			parse.FieldRequestTimestamp: {"EdgeStartTimestamp", "edge_start_timestamp"},
			parse.FieldRequestHost:      {"ClientRequestHost", "cf-host"},
			parse.FieldRequestURI:       {"ClientRequestURI", "cf-uri"},
			parse.FieldRequestMethod:    {"ClientRequestMethod"},
			parse.FieldClientIP:         {"cf-connecting-ip", "ClientIP"},
			parse.FieldResponseStatus:   {"EdgeResponseStatus"},
			parse.FieldResponseBytes:    {"EdgeResponseBytes"},
			parse.FieldReferer:          {"ClientRequestReferer"},
			parse.FieldUserAgent:        {"ClientRequestUserAgent"},
			parse.FieldBotScore:         {"BotScore"},
			parse.FieldIsVerifiedBot:    {"VerifiedBotCategory"},
			parse.FieldCrawlerCountry:   {"ClientCountry"},
		}),
	}
}

// cloudfrontAdapter maps the W3C-extended column names AWS documents for
// CloudFront standard access logs.
func newCloudfrontAdapter() baseAdapter {
	return baseAdapter{
		name:        "cloudfront",
		sourceTypes: []SourceType{SourceTypeFile},
		aliases: parse.WithProviderAliases(parse.FieldAliases{
			// C3's W3C reader already joins the separate date/time columns
			// CloudFront exports into one field before the adapter sees it.
			parse.FieldRequestTimestamp: {"date-time"},
			parse.FieldRequestHost:      {"cs(Host)", "x-host-header"},
			parse.FieldRequestURI:       {"cs-uri-stem"},
			parse.FieldRequestMethod:    {"cs-method"},
			parse.FieldClientIP:         {"c-ip"},
			parse.FieldResponseStatus:   {"sc-status"},
			parse.FieldResponseBytes:    {"sc-bytes"},
			parse.FieldReferer:          {"cs(Referer)"},
			parse.FieldUserAgent:        {"cs(User-Agent)"},
		}),
	}
}

// albAdapter maps AWS Application Load Balancer access log fields.
// ALB bundles the HTTP method and URL into one quoted "request" column
// and the client IP into "client:port"; the adapter reads those columns
// as-is into request_uri/client_ip rather than splitting them further,
// since that composite parsing is specific to this one source and not a
// canonical field concept.
func newALBAdapter() baseAdapter {
	return baseAdapter{
		name:        "alb",
		sourceTypes: []SourceType{SourceTypeFile},
		aliases: parse.WithProviderAliases(parse.FieldAliases{
			parse.FieldRequestTimestamp: {"time"},
			parse.FieldRequestHost:      {"domain_name"},
			parse.FieldRequestURI:       {"request"},
			parse.FieldClientIP:         {"client:port"},
			parse.FieldResponseStatus:   {"elb_status_code"},
			parse.FieldResponseBytes:    {"sent_bytes"},
			parse.FieldUserAgent:        {"user_agent"},
		}),
	}
}

// fastlyAdapter maps Fastly's real-time log streaming field names (the
// conventional column names a custom Fastly VCL logging format emits).
func newFastlyAdapter() baseAdapter {
	return baseAdapter{
		name:        "fastly",
		sourceTypes: []SourceType{SourceTypeFile, SourceTypeStreaming},
		aliases: parse.WithProviderAliases(parse.FieldAliases{
			parse.FieldRequestHost:    {"req_host"},
			parse.FieldRequestURI:     {"req_url"},
			parse.FieldRequestMethod:  {"req_method"},
			parse.FieldClientIP:       {"client_ip"},
			parse.FieldResponseStatus: {"resp_status"},
			parse.FieldResponseBytes:  {"resp_bytes"},
			parse.FieldReferer:        {"req_referer"},
			parse.FieldUserAgent:      {"req_user_agent"},
		}),
	}
}

// akamaiAdapter maps Akamai DataStream 2 field names.
func newAkamaiAdapter() baseAdapter {
	return baseAdapter{
		name:        "akamai",
		sourceTypes: []SourceType{SourceTypeFile, SourceTypeStreaming},
		aliases: parse.WithProviderAliases(parse.FieldAliases{
			parse.FieldRequestTimestamp: {"reqTimeSec"},
			parse.FieldRequestHost:      {"reqHost"},
			parse.FieldRequestURI:       {"reqPath"},
			parse.FieldRequestMethod:    {"reqMethod"},
			parse.FieldClientIP:         {"cliIP"},
			parse.FieldResponseStatus:   {"statusCode"},
			parse.FieldResponseBytes:    {"bytes"},
			parse.FieldReferer:          {"referer"},
			parse.FieldUserAgent:        {"userAgent"},
		}),
	}
}

// gcpAdapter maps Google Cloud HTTP(S) Load Balancing / Cloud CDN
// structured JSON logs, whose request fields nest under httpRequest.
// gjson resolves the dotted paths directly against the JSON object, so
// no flattening step is needed before alias resolution.
func newGCPAdapter() baseAdapter {
	return baseAdapter{
		name:        "gcp",
		sourceTypes: []SourceType{SourceTypeFile, SourceTypeStreaming},
		aliases: parse.WithProviderAliases(parse.FieldAliases{
			parse.FieldRequestTimestamp: {"timestamp"},
			parse.FieldRequestURI:       {"httpRequest.requestUrl"},
			parse.FieldRequestMethod:    {"httpRequest.requestMethod"},
			parse.FieldClientIP:         {"httpRequest.remoteIp"},
			parse.FieldResponseStatus:   {"httpRequest.status"},
			parse.FieldResponseBytes:    {"httpRequest.responseSize"},
			parse.FieldReferer:          {"httpRequest.referer"},
			parse.FieldUserAgent:        {"httpRequest.userAgent"},
		}),
	}
}

// azureAdapter maps Azure Front Door / CDN access log diagnostic fields.
func newAzureAdapter() baseAdapter {
	return baseAdapter{
		name:        "azure",
		sourceTypes: []SourceType{SourceTypeFile, SourceTypeStreaming},
		aliases: parse.WithProviderAliases(parse.FieldAliases{
			parse.FieldRequestTimestamp: {"TimeGenerated"},
			parse.FieldRequestHost:      {"hostName"},
			parse.FieldRequestURI:       {"requestUri"},
			parse.FieldRequestMethod:    {"httpMethod"},
			parse.FieldClientIP:         {"clientIp"},
			parse.FieldResponseStatus:   {"httpStatusCode"},
			parse.FieldResponseBytes:    {"sentBytes"},
			parse.FieldReferer:          {"referer"},
			parse.FieldUserAgent:        {"userAgent"},
		}),
	}
}

// universalAdapter applies no provider-specific field map; it reads
// only the canonical/generic column names and is the fallback for
// sources that already match the canonical field layout.
func newUniversalAdapter() baseAdapter {
	return baseAdapter{
		name:        "universal",
		sourceTypes: []SourceType{SourceTypeFile, SourceTypeDirectory, SourceTypeStreaming},
		aliases:     parse.DefaultFieldAliases(),
	}
}
