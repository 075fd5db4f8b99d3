// Package windowopt sweeps candidate bundling windows and scores each one
// against historical data to recommend a value for C8's window
// parameter.
package windowopt

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/conversem/queryfanout/internal/bundler"
	"github.com/conversem/queryfanout/internal/embedding"
)

// Weights is the (α, β, γ, δ, ε, ζ) combination used to compute OptScore.
// Weights are expected to sum to 1, though this is not enforced.
type Weights struct {
	MIBCS      float64
	Silhouette float64
	BPS        float64
	Singleton  float64
	Giant      float64
	Variance   float64
}

// DefaultWeights matches original_source's run_window_experiment.py
// defaults.
func DefaultWeights() Weights {
	return Weights{MIBCS: 0.30, Silhouette: 0.25, BPS: 0.25, Singleton: 0.10, Giant: 0.05, Variance: 0.05}
}

// DefaultCandidateWindows lists the millisecond windows swept when the
// caller doesn't supply their own.
func DefaultCandidateWindows() []time.Duration {
	return []time.Duration{
		100 * time.Millisecond,
		500 * time.Millisecond,
		1000 * time.Millisecond,
		3000 * time.Millisecond,
		5000 * time.Millisecond,
	}
}

const giantBundleThreshold = 10

// Config controls the experiment run.
type Config struct {
	Windows         []time.Duration
	Weights         Weights
	PurityThreshold float64
	ValidationSplit float64 // fraction held out, taken from the end of the range
}

// DefaultConfig mirrors original_source/scripts/run_window_experiment.py.
func DefaultConfig() Config {
	return Config{
		Windows:         DefaultCandidateWindows(),
		Weights:         DefaultWeights(),
		PurityThreshold: 0.3,
		ValidationSplit: 0.2,
	}
}

// Metrics holds one window's scored results on a single split.
type Metrics struct {
	MIBCS         float64
	Silhouette     float64
	BPS            float64
	SingletonRate  float64
	GiantRate      float64
	ThematicVariance float64
	OptScore       float64
}

// WindowResult pairs a candidate window with its train/hold-out metrics.
type WindowResult struct {
	Window        time.Duration
	Train         Metrics
	Holdout       Metrics
	TrainRank     int
	HoldoutRank   int
	RankAgrees    bool
}

// Report is the full sweep output: a ranked per-window table, the
// recommended window, the overall agreement fraction, and a confidence
// tier.
type Report struct {
	Results     []WindowResult
	Recommended time.Duration
	Agreement   float64
	Confidence  string
	GeneratedAt time.Time
}

// Run sweeps cfg.Windows over records, splitting all records temporally
// as one sequence (earliest (1-split)% train, last split% hold-out) and
// scoring with embedder.
func Run(ctx context.Context, records []bundler.Record, embedder embedding.Embedder, cfg Config) (Report, error) {
	sorted := append([]bundler.Record(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	splitIdx := int(float64(len(sorted)) * (1 - cfg.ValidationSplit))
	train := sorted[:splitIdx]
	holdout := sorted[splitIdx:]

	results := make([]WindowResult, len(cfg.Windows))
	for i, w := range cfg.Windows {
		trainMetrics, err := scoreWindow(ctx, train, w, embedder, cfg)
		if err != nil {
			return Report{}, err
		}
		holdoutMetrics, err := scoreWindow(ctx, holdout, w, embedder, cfg)
		if err != nil {
			return Report{}, err
		}
		results[i] = WindowResult{Window: w, Train: trainMetrics, Holdout: holdoutMetrics}
	}

	assignRanks(results, func(r WindowResult) float64 { return r.Train.OptScore }, func(r *WindowResult, rank int) { r.TrainRank = rank })
	assignRanks(results, func(r WindowResult) float64 { return r.Holdout.OptScore }, func(r *WindowResult, rank int) { r.HoldoutRank = rank })

	agreeCount := 0
	for i := range results {
		diff := results[i].TrainRank - results[i].HoldoutRank
		if diff < 0 {
			diff = -diff
		}
		results[i].RankAgrees = diff <= 1
		if results[i].RankAgrees {
			agreeCount++
		}
	}
	agreement := 0.0
	if len(results) > 0 {
		agreement = float64(agreeCount) / float64(len(results))
	}

	best, margin := bestByTrainScore(results)

	report := Report{
		Results:     results,
		Recommended: best,
		Agreement:   agreement,
		Confidence:  confidenceTier(agreement, margin),
		GeneratedAt: time.Now().UTC(),
	}
	return report, nil
}

func scoreWindow(ctx context.Context, records []bundler.Record, w time.Duration, embedder embedding.Embedder, cfg Config) (Metrics, error) {
	bundles := bundler.Bundle(records, w)
	if len(bundles) == 0 {
		return Metrics{}, nil
	}

	var nonSingletonSims []float64
	var bundleMeans []float64
	singletons := 0
	giants := 0
	pure := 0

	for _, b := range bundles {
		if b.RequestCount() <= 1 {
			singletons++
			continue
		}
		if b.UniqueURLCount() > giantBundleThreshold {
			giants++
		}

		vectors, err := embedder.Embed(ctx, b.URLs)
		if err != nil {
			return Metrics{}, err
		}
		mean, _ := meanAndMinCosine(vectors)
		nonSingletonSims = append(nonSingletonSims, mean)
		bundleMeans = append(bundleMeans, mean)
		if mean >= cfg.PurityThreshold {
			pure++
		}
	}

	m := Metrics{
		SingletonRate: float64(singletons) / float64(len(bundles)),
		GiantRate:     float64(giants) / float64(len(bundles)),
		BPS:           float64(pure) / float64(len(bundles)),
	}
	if len(nonSingletonSims) > 0 {
		m.MIBCS = mean(nonSingletonSims)
	}
	m.Silhouette = silhouette(bundles, embedder, ctx)
	m.ThematicVariance = stddev(bundleMeans)

	w0 := cfg.Weights
	m.OptScore = w0.MIBCS*m.MIBCS + w0.Silhouette*m.Silhouette + w0.BPS*m.BPS -
		w0.Singleton*m.SingletonRate - w0.Giant*m.GiantRate - w0.Variance*m.ThematicVariance

	return m, nil
}

// silhouette approximates mean intra-bundle similarity minus the mean
// similarity to the nearest neighboring bundle of the same provider,
// using each bundle's centroid (mean of its members' vectors).
func silhouette(bundles []bundler.Bundle, embedder embedding.Embedder, ctx context.Context) float64 {
	type centroidEntry struct {
		provider string
		centroid embedding.Vector
		intra    float64
	}
	var entries []centroidEntry

	for _, b := range bundles {
		if b.RequestCount() <= 1 {
			continue
		}
		vectors, err := embedder.Embed(ctx, b.URLs)
		if err != nil {
			continue
		}
		intra, _ := meanAndMinCosine(vectors)
		entries = append(entries, centroidEntry{provider: b.BotProvider, centroid: centroid(vectors), intra: intra})
	}

	if len(entries) == 0 {
		return 0
	}

	var scores []float64
	for i, e := range entries {
		nearest := 0.0
		found := false
		for j, other := range entries {
			if i == j || other.provider != e.provider {
				continue
			}
			sim := embedding.Cosine(e.centroid, other.centroid)
			if !found || sim > nearest {
				nearest = sim
				found = true
			}
		}
		scores = append(scores, e.intra-nearest)
	}
	return mean(scores)
}

func centroid(vectors []embedding.Vector) embedding.Vector {
	sum := make(embedding.Vector)
	for _, v := range vectors {
		for k, val := range v {
			sum[k] += val
		}
	}
	for k := range sum {
		sum[k] /= float64(len(vectors))
	}
	return sum
}

func meanAndMinCosine(vectors []embedding.Vector) (mean, min float64) {
	var sum float64
	count := 0
	min = 1
	for i := 0; i < len(vectors); i++ {
		for j := i + 1; j < len(vectors); j++ {
			sim := embedding.Cosine(vectors[i], vectors[j])
			sum += sim
			count++
			if sim < min {
				min = sim
			}
		}
	}
	if count == 0 {
		return 1, 1
	}
	return sum / float64(count), min
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var sumSq float64
	for _, x := range xs {
		d := x - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(xs)))
}

func assignRanks(results []WindowResult, score func(WindowResult) float64, assign func(*WindowResult, int)) {
	order := make([]int, len(results))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return score(results[order[i]]) > score(results[order[j]]) })
	for rank, idx := range order {
		assign(&results[idx], rank)
	}
}

func bestByTrainScore(results []WindowResult) (time.Duration, float64) {
	if len(results) == 0 {
		return 0, 0
	}
	best := 0
	for i, r := range results {
		if r.Train.OptScore > results[best].Train.OptScore {
			best = i
		}
	}
	second := math.Inf(-1)
	for i, r := range results {
		if i != best && r.Train.OptScore > second {
			second = r.Train.OptScore
		}
	}
	margin := results[best].Train.OptScore - second
	if math.IsInf(second, -1) {
		margin = results[best].Train.OptScore
	}
	return results[best].Window, margin
}

// confidenceTier derives the report's confidence from train/hold-out rank
// agreement and the margin of the winning window over the runner-up.
func confidenceTier(agreement, margin float64) string {
	switch {
	case agreement >= 0.8 && margin >= 0.02:
		return "high"
	case agreement >= 0.6:
		return "medium"
	default:
		return "low"
	}
}
