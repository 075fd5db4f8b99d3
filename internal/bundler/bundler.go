// Package bundler groups a provider's time-ordered requests into bundles
// using a fixed inter-request gap window: consecutive requests join the
// current bundle as long as each one arrives within the window measured
// from the bundle's first request.
package bundler

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Record is the minimal shape bundler needs from an ingested request.
type Record struct {
	Timestamp   time.Time
	URL         string
	BotProvider string
	BotName     string
}

// Bundle is a contiguous run of records from the same provider that all
// fall within the configured window of the bundle's first request.
type Bundle struct {
	BundleID    string
	BotProvider string
	BotName     string
	Window      time.Duration
	StartTime   time.Time
	EndTime     time.Time
	DurationMs  int64
	URLs        []string
	Records     []Record
}

// RequestCount is the number of records folded into the bundle.
func (b Bundle) RequestCount() int {
	return len(b.Records)
}

// UniqueURLCount is the number of distinct URLs visited within the bundle.
func (b Bundle) UniqueURLCount() int {
	seen := make(map[string]struct{}, len(b.URLs))
	for _, u := range b.URLs {
		seen[u] = struct{}{}
	}
	return len(seen)
}

// Bundle partitions records by BotProvider, sorts each partition by
// timestamp, and applies the single-pass window scan within each
// partition. window is the maximum gap, measured from the first request
// of the current bundle, within which a subsequent request still joins
// it; the boundary is inclusive (a gap exactly equal to window joins).
func Bundle(records []Record, window time.Duration) []Bundle {
	if len(records) == 0 {
		return nil
	}

	byProvider := make(map[string][]Record)
	for _, r := range records {
		byProvider[r.BotProvider] = append(byProvider[r.BotProvider], r)
	}

	providers := make([]string, 0, len(byProvider))
	for p := range byProvider {
		providers = append(providers, p)
	}
	sort.Strings(providers)

	var out []Bundle
	for _, provider := range providers {
		group := byProvider[provider]
		sort.SliceStable(group, func(i, j int) bool { return group[i].Timestamp.Before(group[j].Timestamp) })
		out = append(out, scanGroup(provider, group, window)...)
	}
	return out
}

func scanGroup(provider string, sorted []Record, window time.Duration) []Bundle {
	var bundles []Bundle
	var current []Record

	flush := func() {
		if len(current) == 0 {
			return
		}
		start := current[0].Timestamp
		end := current[len(current)-1].Timestamp
		urls := make([]string, len(current))
		for i, r := range current {
			urls[i] = r.URL
		}
		bundles = append(bundles, Bundle{
			BundleID:    uuid.NewString(),
			BotProvider: provider,
			BotName:     representativeBotName(current),
			Window:      window,
			StartTime:   start,
			EndTime:     end,
			DurationMs:  end.Sub(start).Milliseconds(),
			URLs:        urls,
			Records:     append([]Record(nil), current...),
		})
		current = nil
	}

	for _, r := range sorted {
		if len(current) == 0 {
			current = append(current, r)
			continue
		}
		gap := r.Timestamp.Sub(current[0].Timestamp)
		if gap <= window {
			current = append(current, r)
		} else {
			flush()
			current = append(current, r)
		}
	}
	flush()

	return bundles
}

// representativeBotName returns the first non-empty BotName among a
// bundle's records, since a bundle is already partitioned by provider and
// in practice carries one bot identity throughout.
func representativeBotName(records []Record) string {
	for _, r := range records {
		if r.BotName != "" {
			return r.BotName
		}
	}
	return ""
}
