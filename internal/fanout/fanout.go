// Package fanout aggregates bundled requests (C8 output) into persisted
// query-fanout sessions: computing thematic coherence, a confidence
// tier, and a human-readable session name per bundle.
package fanout

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/conversem/queryfanout/internal/bundler"
	"github.com/conversem/queryfanout/internal/embedding"
	"github.com/conversem/queryfanout/internal/store"
)

// ConfidenceThresholds controls the mean/min cosine-similarity cutoffs
// used to assign a confidence tier, and the fixed tier given to singleton
// bundles (which skip similarity computation entirely).
type ConfidenceThresholds struct {
	HighMean            float64
	HighMin             float64
	MediumMean          float64
	MediumMin           float64
	SingletonConfidence string
}

// DefaultConfidenceThresholds matches spec.md's reference values.
func DefaultConfidenceThresholds() ConfidenceThresholds {
	return ConfidenceThresholds{
		HighMean: 0.7, HighMin: 0.5,
		MediumMean: 0.5, MediumMin: 0.3,
		SingletonConfidence: "high",
	}
}

// Session is the in-memory shape of a bundle after confidence assignment
// and name derivation, ready to persist.
type Session struct {
	SessionID            string
	BotProvider          string
	BotName              *string
	WindowMs             int64
	StartTime            time.Time
	EndTime              time.Time
	DurationMs           int64
	RequestCount         int
	UniqueURLs           int
	MeanCosineSimilarity *float64
	MinCosineSimilarity  *float64
	MaxCosineSimilarity  *float64
	ConfidenceLevel      string
	Name                 string
	URLs                 []string
}

// Aggregator turns bundles into sessions using an Embedder for thematic
// similarity; it does not persist them (callers such as backfill insert
// the returned sessions into the store).
type Aggregator struct {
	embedder   embedding.Embedder
	thresholds ConfidenceThresholds
}

// NewAggregator builds an Aggregator.
func NewAggregator(embedder embedding.Embedder, thresholds ConfidenceThresholds) *Aggregator {
	return &Aggregator{embedder: embedder, thresholds: thresholds}
}

// Result summarizes one aggregation run.
type Result struct {
	Success              bool
	SessionsCreated      int
	TotalRequestsBundled int
	MeanSessionSize      float64
	ConfidenceTierCounts map[string]int
	Errors               []string
}

// AggregateBundles converts bundles into Sessions, computing similarity
// and confidence per bundle.
func (a *Aggregator) AggregateBundles(ctx context.Context, bundles []bundler.Bundle) ([]Session, Result) {
	result := Result{Success: true, ConfidenceTierCounts: map[string]int{}}
	sessions := make([]Session, 0, len(bundles))

	for _, b := range bundles {
		sess, err := a.aggregateOne(ctx, b)
		if err != nil {
			result.Success = false
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		sessions = append(sessions, sess)
		result.SessionsCreated++
		result.TotalRequestsBundled += sess.RequestCount
		result.ConfidenceTierCounts[sess.ConfidenceLevel]++
	}

	if result.SessionsCreated > 0 {
		result.MeanSessionSize = float64(result.TotalRequestsBundled) / float64(result.SessionsCreated)
	}
	sortByStartTime(sessions)
	return sessions, result
}

func (a *Aggregator) aggregateOne(ctx context.Context, b bundler.Bundle) (Session, error) {
	sess := Session{
		SessionID:    uuid.NewString(),
		BotProvider:  b.BotProvider,
		WindowMs:     b.Window.Milliseconds(),
		StartTime:    b.StartTime,
		EndTime:      b.EndTime,
		DurationMs:   b.DurationMs,
		RequestCount: b.RequestCount(),
		UniqueURLs:   b.UniqueURLCount(),
		URLs:         b.URLs,
		Name:         deriveName(b.URLs),
	}
	if b.BotName != "" {
		sess.BotName = &b.BotName
	}

	if len(b.URLs) <= 1 {
		sess.ConfidenceLevel = a.thresholds.SingletonConfidence
		return sess, nil
	}

	vectors, err := a.embedder.Embed(ctx, b.URLs)
	if err != nil {
		return Session{}, fmt.Errorf("embed bundle urls: %w", err)
	}

	mean, min, max := pairwiseCosineStats(vectors)
	sess.MeanCosineSimilarity = &mean
	sess.MinCosineSimilarity = &min
	sess.MaxCosineSimilarity = &max
	sess.ConfidenceLevel = a.assignConfidence(mean, min)
	return sess, nil
}

func (a *Aggregator) assignConfidence(mean, min float64) string {
	t := a.thresholds
	switch {
	case mean >= t.HighMean && min >= t.HighMin:
		return "high"
	case mean >= t.MediumMean && min >= t.MediumMin:
		return "medium"
	default:
		return "low"
	}
}

func pairwiseCosineStats(vectors []embedding.Vector) (mean, min, max float64) {
	var sum float64
	count := 0
	min = 1
	max = 0

	for i := 0; i < len(vectors); i++ {
		for j := i + 1; j < len(vectors); j++ {
			sim := embedding.Cosine(vectors[i], vectors[j])
			sum += sim
			count++
			if sim < min {
				min = sim
			}
			if sim > max {
				max = sim
			}
		}
	}
	if count == 0 {
		return 1, 1, 1
	}
	return sum / float64(count), min, max
}

// deriveName derives fanout_session_name from the first URL's last
// non-empty path segment: strip trailing slash/extension, replace '-'
// and '_' with spaces, collapse whitespace. Root becomes "homepage"; a
// segment that reduces to empty becomes "unknown".
func deriveName(urls []string) string {
	if len(urls) == 0 {
		return "unknown"
	}
	first := urls[0]

	u := first
	if idx := strings.IndexAny(u, "?#"); idx >= 0 {
		u = u[:idx]
	}
	u = strings.TrimSuffix(u, "/")

	if u == "" {
		return "homepage"
	}

	segment := path.Base(u)
	if ext := path.Ext(segment); ext != "" && ext != segment {
		segment = strings.TrimSuffix(segment, ext)
	}

	segment = strings.ReplaceAll(segment, "-", " ")
	segment = strings.ReplaceAll(segment, "_", " ")
	segment = strings.Join(strings.Fields(segment), " ")

	if segment == "" {
		return "unknown"
	}
	return segment
}

// ToStoreSession converts an in-memory Session into the persisted
// store.Session shape for a given date and serialized url_list JSON.
func ToStoreSession(sess Session, sessionDate, urlListJSON string) store.Session {
	return store.Session{
		SessionID:            sess.SessionID,
		SessionDate:          sessionDate,
		SessionStartTime:     sess.StartTime.Format(time.RFC3339Nano),
		SessionEndTime:       sess.EndTime.Format(time.RFC3339Nano),
		DurationMs:           sess.DurationMs,
		BotProvider:          sess.BotProvider,
		BotName:              sess.BotName,
		WindowMs:             sess.WindowMs,
		RequestCount:         sess.RequestCount,
		UniqueURLs:           sess.UniqueURLs,
		MeanCosineSimilarity: sess.MeanCosineSimilarity,
		MinCosineSimilarity:  sess.MinCosineSimilarity,
		MaxCosineSimilarity:  sess.MaxCosineSimilarity,
		ConfidenceLevel:      sess.ConfidenceLevel,
		FanoutSessionName:    sess.Name,
		URLList:              urlListJSON,
	}
}

// sortByStartTime orders sessions chronologically, used before persisting
// a batch so session_id collisions surface in a deterministic order.
func sortByStartTime(sessions []Session) {
	sort.SliceStable(sessions, func(i, j int) bool { return sessions[i].StartTime.Before(sessions[j].StartTime) })
}
