// Package pathguard validates filesystem paths and path components before
// the ingestion pipeline touches them, and throttles repeated operations
// with a simple sliding-window rate limiter.
package pathguard

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
)

// ValidatePath checks a candidate log-file path for directory traversal,
// null bytes, symlinks, and (optionally) containment within baseDir. It
// returns false with a human-readable reason on the first violation found;
// it never panics or returns an error type, matching the pipeline's
// convention of reporting validation failures as data, not exceptions.
func ValidatePath(fs afero.Fs, path, baseDir string, allowSymlinks, checkExists bool) (bool, string) {
	if strings.Contains(path, "\x00") {
		return false, "path contains a null byte"
	}
	if containsTraversal(path) {
		return false, "path contains directory traversal sequence"
	}
	if reason, found := containsShellMetachar(path); found {
		return false, reason
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return false, fmt.Sprintf("cannot resolve absolute path: %v", err)
	}
	abs = filepath.Clean(abs)

	if baseDir != "" {
		absBase, err := filepath.Abs(baseDir)
		if err != nil {
			return false, fmt.Sprintf("cannot resolve base directory: %v", err)
		}
		absBase = filepath.Clean(absBase)
		rel, err := filepath.Rel(absBase, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return false, "path escapes base directory"
		}
	}

	if !allowSymlinks {
		if osFs, ok := fs.(*afero.OsFs); ok {
			_ = osFs
			for p := abs; ; p = filepath.Dir(p) {
				if info, err := os.Lstat(p); err == nil && info.Mode()&os.ModeSymlink != 0 {
					return false, "path is or passes through a symbolic link"
				}
				if filepath.Dir(p) == p {
					break
				}
			}
		}
	}

	if checkExists {
		if _, err := fs.Stat(abs); err != nil {
			return false, "path does not exist"
		}
	}

	return true, ""
}

func containsTraversal(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return true
		}
	}
	return false
}

// shellMetacharacters are rejected outright: a path built from untrusted
// input (a filename from a form, a CLI arg sourced from a config file)
// must never reach a shell or be eval'd as containing variable expansion.
const shellMetacharacters = "~$`|;"

func containsShellMetachar(path string) (string, bool) {
	if idx := strings.IndexAny(path, shellMetacharacters); idx >= 0 {
		return fmt.Sprintf("path contains forbidden shell metacharacter %q", path[idx]), true
	}
	if strings.Contains(path, "${") || strings.Contains(path, "%(") {
		return "path contains variable expansion syntax", true
	}
	return "", false
}

// ValidateComponent checks a single path component (a filename with no
// directory separators) for emptiness, dot components, separators, and
// null bytes.
func ValidateComponent(component string) (bool, string) {
	if component == "" {
		return false, "path component is empty"
	}
	if component == "." || component == ".." {
		return false, "path component is a dot component"
	}
	if strings.ContainsAny(component, "/\\") {
		return false, "path component contains a path separator"
	}
	if strings.Contains(component, "\x00") {
		return false, "path component contains a null byte"
	}
	return true, ""
}

// FormatSize renders a byte count as a human-readable size string (e.g.
// "4.2 MB"), used in the ingestion size-ceiling error message.
func FormatSize(bytes int64) string {
	return humanize.Bytes(uint64(bytes))
}

// RateLimiter is a simple sliding-window limiter keyed by an arbitrary
// name (e.g. a provider or source identifier): it remembers each key's
// recent attempt times and allows at most maxRequests within any trailing
// window, guarding repeated operations such as per-file ingestion attempts.
type RateLimiter struct {
	mu            sync.Mutex
	maxRequests   int
	window        time.Duration
	buckets       map[string][]time.Time
}

// NewRateLimiter builds a RateLimiter allowing maxRequests operations per
// window for each distinct key.
func NewRateLimiter(maxRequests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		maxRequests: maxRequests,
		window:      window,
		buckets:     make(map[string][]time.Time),
	}
}

// Allow reports whether an operation for key may proceed now, recording
// the attempt if so.
func (r *RateLimiter) Allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-r.window)
	kept := r.buckets[key][:0]
	for _, t := range r.buckets[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= r.maxRequests {
		r.buckets[key] = kept
		return false
	}

	r.buckets[key] = append(kept, now)
	return true
}
