// Package schema validates parsed log records against a static field
// catalog before they are written to the raw table, catching malformed
// timestamps, out-of-range status codes, and oversized field values early
// in the ingestion pipeline.
package schema

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Kind enumerates the value types a FieldDefinition can validate.
type Kind int

const (
	KindString Kind = iota
	KindTimestamp
	KindIPAddress
	KindHTTPMethod
	KindStatusCode
	KindPositiveInt
)

// FieldDefinition describes one column's validation rule.
type FieldDefinition struct {
	Name     string
	Kind     Kind
	Required bool
	MaxLen   int // 0 means unbounded, only meaningful for KindString
}

// FieldCatalog is an ordered list of field definitions; declaration order
// is preserved so fields are validated, and Fields lists them, in the
// order the definitions were given.
type FieldCatalog struct {
	fields *orderedmap.OrderedMap[string, FieldDefinition]
}

// NewFieldCatalog builds a catalog from an ordered list of definitions.
func NewFieldCatalog(defs ...FieldDefinition) *FieldCatalog {
	om := orderedmap.New[string, FieldDefinition]()
	for _, d := range defs {
		om.Set(d.Name, d)
	}
	return &FieldCatalog{fields: om}
}

// Fields returns the field names in catalog order.
func (c *FieldCatalog) Fields() []string {
	out := make([]string, 0, c.fields.Len())
	for pair := c.fields.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

var httpMethods = map[string]bool{
	http.MethodGet: true, http.MethodHead: true, http.MethodPost: true,
	http.MethodPut: true, http.MethodPatch: true, http.MethodDelete: true,
	http.MethodConnect: true, http.MethodOptions: true, http.MethodTrace: true,
}

// ValidateRecord checks every value in record against the catalog's
// definitions and returns the first validation failure found, or nil if
// the record is clean.
func (c *FieldCatalog) ValidateRecord(record map[string]string) error {
	for pair := c.fields.Oldest(); pair != nil; pair = pair.Next() {
		def := pair.Value
		value, present := record[def.Name]

		if !present || value == "" {
			if def.Required {
				return fmt.Errorf("field %q is required", def.Name)
			}
			continue
		}

		if err := validateValue(def, value); err != nil {
			return fmt.Errorf("field %q: %w", def.Name, err)
		}
	}
	return nil
}

func validateValue(def FieldDefinition, value string) error {
	switch def.Kind {
	case KindTimestamp:
		if _, err := time.Parse(time.RFC3339, value); err != nil {
			return fmt.Errorf("invalid timestamp %q", value)
		}
	case KindIPAddress:
		if net.ParseIP(value) == nil {
			return fmt.Errorf("invalid IP address %q", value)
		}
	case KindHTTPMethod:
		if !httpMethods[value] {
			return fmt.Errorf("invalid HTTP method %q", value)
		}
	case KindStatusCode:
		code, err := strconv.Atoi(value)
		if err != nil || code < 100 || code > 599 {
			return fmt.Errorf("invalid status code %q", value)
		}
	case KindPositiveInt:
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid non-negative integer %q", value)
		}
	case KindString:
		if def.MaxLen > 0 && len(value) > def.MaxLen {
			return fmt.Errorf("exceeds max length %d", def.MaxLen)
		}
	}
	return nil
}

// DefaultCatalog describes the columns common to every access-log source
// format before provider-specific fields are layered on by C4 adapters.
func DefaultCatalog() *FieldCatalog {
	return NewFieldCatalog(
		FieldDefinition{Name: "request_timestamp", Kind: KindTimestamp, Required: true},
		FieldDefinition{Name: "request_host", Kind: KindString, Required: true, MaxLen: 255},
		FieldDefinition{Name: "request_uri", Kind: KindString, Required: true, MaxLen: 4096},
		FieldDefinition{Name: "request_method", Kind: KindHTTPMethod},
		FieldDefinition{Name: "client_ip", Kind: KindIPAddress},
		FieldDefinition{Name: "response_status", Kind: KindStatusCode},
		FieldDefinition{Name: "response_bytes", Kind: KindPositiveInt},
		FieldDefinition{Name: "user_agent", Kind: KindString, MaxLen: 2048},
	)
}

// StatusCategory buckets an HTTP status code into the closed enumeration
// persisted as response_status_category.
func StatusCategory(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx_success"
	case status >= 300 && status < 400:
		return "3xx_redirect"
	case status >= 400 && status < 500:
		return "4xx_client_error"
	case status >= 500 && status < 600:
		return "5xx_server_error"
	default:
		return "unknown"
	}
}
