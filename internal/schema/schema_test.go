package schema

import "testing"

func TestDefaultCatalogValidRecord(t *testing.T) {
	c := DefaultCatalog()
	record := map[string]string{
		"request_timestamp": "2026-01-01T00:00:00Z",
		"request_host":      "example.com",
		"request_uri":       "/a/b",
		"request_method":    "GET",
		"client_ip":         "203.0.113.4",
		"response_status":   "200",
		"response_bytes":    "1024",
	}
	if err := c.ValidateRecord(record); err != nil {
		t.Fatalf("expected valid record, got %v", err)
	}
}

func TestDefaultCatalogMissingRequiredField(t *testing.T) {
	c := DefaultCatalog()
	record := map[string]string{
		"request_timestamp": "2026-01-01T00:00:00Z",
		"request_host":      "example.com",
	}
	if err := c.ValidateRecord(record); err == nil {
		t.Fatal("expected error for missing required field request_uri")
	}
}

func TestDefaultCatalogInvalidTimestamp(t *testing.T) {
	c := DefaultCatalog()
	record := map[string]string{
		"request_timestamp": "not-a-time",
		"request_host":      "example.com",
		"request_uri":       "/a",
	}
	if err := c.ValidateRecord(record); err == nil {
		t.Fatal("expected error for invalid timestamp")
	}
}

func TestDefaultCatalogInvalidStatusCode(t *testing.T) {
	c := DefaultCatalog()
	record := map[string]string{
		"request_timestamp": "2026-01-01T00:00:00Z",
		"request_host":      "example.com",
		"request_uri":       "/a",
		"response_status":   "9999",
	}
	if err := c.ValidateRecord(record); err == nil {
		t.Fatal("expected error for out-of-range status code")
	}
}

func TestDefaultCatalogInvalidIP(t *testing.T) {
	c := DefaultCatalog()
	record := map[string]string{
		"request_timestamp": "2026-01-01T00:00:00Z",
		"request_host":      "example.com",
		"request_uri":       "/a",
		"client_ip":         "not-an-ip",
	}
	if err := c.ValidateRecord(record); err == nil {
		t.Fatal("expected error for invalid IP")
	}
}

func TestFieldsPreservesOrder(t *testing.T) {
	c := DefaultCatalog()
	fields := c.Fields()
	if fields[0] != "request_timestamp" {
		t.Fatalf("expected first field to be request_timestamp, got %q", fields[0])
	}
}

func TestStatusCategory(t *testing.T) {
	cases := map[int]string{
		200: "2xx_success", 301: "3xx_redirect", 404: "4xx_client_error",
		503: "5xx_server_error", 99: "unknown",
	}
	for status, want := range cases {
		if got := StatusCategory(status); got != want {
			t.Errorf("StatusCategory(%d) = %q, want %q", status, got, want)
		}
	}
}
