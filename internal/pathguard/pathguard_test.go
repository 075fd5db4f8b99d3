package pathguard

import (
	"testing"
	"time"

	"github.com/spf13/afero"
)

func TestValidatePathRejectsTraversal(t *testing.T) {
	fs := afero.NewMemMapFs()
	ok, reason := ValidatePath(fs, "../etc/passwd", "", true, false)
	if ok {
		t.Fatal("expected traversal path to be rejected")
	}
	if reason == "" {
		t.Fatal("expected a reason for rejection")
	}
}

func TestValidatePathRejectsNullByte(t *testing.T) {
	fs := afero.NewMemMapFs()
	ok, reason := ValidatePath(fs, "test\x00.txt", "", true, false)
	if ok {
		t.Fatal("expected null byte path to be rejected")
	}
	if reason != "path contains a null byte" {
		t.Fatalf("unexpected reason: %q", reason)
	}
}

func TestValidatePathRejectsShellMetacharacters(t *testing.T) {
	fs := afero.NewMemMapFs()
	for _, p := range []string{"~/logs/a.csv", "logs/$HOME/a.csv", "logs/`whoami`.csv", "logs/a|b.csv", "logs/a;rm.csv", "logs/${PATH}.csv"} {
		ok, reason := ValidatePath(fs, p, "", true, false)
		if ok {
			t.Errorf("expected %q to be rejected", p)
		}
		if reason == "" {
			t.Errorf("expected a reason for rejecting %q", p)
		}
	}
}

func TestValidatePathEscapingBaseDirFails(t *testing.T) {
	fs := afero.NewMemMapFs()
	ok, reason := ValidatePath(fs, "/tmp/secrets/password.txt", "/tmp/logs", true, false)
	if ok {
		t.Fatal("expected path outside base dir to be rejected")
	}
	if reason != "path escapes base directory" {
		t.Fatalf("unexpected reason: %q", reason)
	}
}

func TestValidatePathWithinBaseDirPasses(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "/tmp/logs/test.txt", []byte("data"), 0o644)
	ok, reason := ValidatePath(fs, "/tmp/logs/test.txt", "/tmp/logs", true, true)
	if !ok {
		t.Fatalf("expected path to pass, got reason %q", reason)
	}
}

func TestValidatePathNonexistentWithCheckExists(t *testing.T) {
	fs := afero.NewMemMapFs()
	ok, reason := ValidatePath(fs, "/tmp/nonexistent/file.txt", "", true, true)
	if ok {
		t.Fatal("expected nonexistent path to fail when check_exists is set")
	}
	if reason != "path does not exist" {
		t.Fatalf("unexpected reason: %q", reason)
	}
}

func TestValidateComponent(t *testing.T) {
	cases := []struct {
		component string
		wantOK    bool
	}{
		{"test_file.csv", true},
		{"", false},
		{".", false},
		{"..", false},
		{"dir/file.txt", false},
		{"file\x00.txt", false},
	}
	for _, c := range cases {
		ok, _ := ValidateComponent(c.component)
		if ok != c.wantOK {
			t.Errorf("ValidateComponent(%q) = %v, want %v", c.component, ok, c.wantOK)
		}
	}
}

func TestFormatSize(t *testing.T) {
	if got := FormatSize(0); got != "0 B" {
		t.Errorf("FormatSize(0) = %q", got)
	}
}

func TestRateLimiterAllowsWithinWindow(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if !rl.Allow("a", now) {
		t.Fatal("expected first request to be allowed")
	}
	if !rl.Allow("a", now.Add(time.Second)) {
		t.Fatal("expected second request to be allowed")
	}
	if rl.Allow("a", now.Add(2*time.Second)) {
		t.Fatal("expected third request within window to be denied")
	}
	if !rl.Allow("a", now.Add(2*time.Minute)) {
		t.Fatal("expected request after window to be allowed")
	}
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	now := time.Now()
	if !rl.Allow("a", now) {
		t.Fatal("expected key a to be allowed")
	}
	if !rl.Allow("b", now) {
		t.Fatal("expected key b to be independent of key a")
	}
}
