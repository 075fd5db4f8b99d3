package windowopt

import (
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// MarshalJSON serializes a Report into the persisted recommendation
// report shape: the recommendation (window, agreement, confidence), a
// generation timestamp, and a per-window metric table. The run's inputs
// (weights, purity threshold, validation split) are not written.
func (r Report) MarshalJSON() ([]byte, error) {
	json := `{}`
	var err error

	json, err = sjson.Set(json, "recommended_window_ms", r.Recommended.Milliseconds())
	if err != nil {
		return nil, err
	}
	json, err = sjson.Set(json, "agreement", r.Agreement)
	if err != nil {
		return nil, err
	}
	json, err = sjson.Set(json, "confidence", r.Confidence)
	if err != nil {
		return nil, err
	}
	json, err = sjson.Set(json, "generated_at", r.GeneratedAt.Format("2006-01-02T15:04:05Z07:00"))
	if err != nil {
		return nil, err
	}

	for i, res := range r.Results {
		prefix := fmt.Sprintf("windows.%d.", i)
		json, err = sjson.Set(json, prefix+"window_ms", res.Window.Milliseconds())
		if err != nil {
			return nil, err
		}
		json, err = sjson.Set(json, prefix+"train_rank", res.TrainRank)
		if err != nil {
			return nil, err
		}
		json, err = sjson.Set(json, prefix+"holdout_rank", res.HoldoutRank)
		if err != nil {
			return nil, err
		}
		json, err = sjson.Set(json, prefix+"rank_agrees", res.RankAgrees)
		if err != nil {
			return nil, err
		}
		json, err = setMetrics(json, prefix+"train.", res.Train)
		if err != nil {
			return nil, err
		}
		json, err = setMetrics(json, prefix+"holdout.", res.Holdout)
		if err != nil {
			return nil, err
		}
	}

	return []byte(json), nil
}

func setMetrics(json, prefix string, m Metrics) (string, error) {
	fields := map[string]float64{
		"mibcs":             m.MIBCS,
		"silhouette":        m.Silhouette,
		"bps":               m.BPS,
		"singleton_rate":    m.SingletonRate,
		"giant_rate":        m.GiantRate,
		"thematic_variance": m.ThematicVariance,
		"opt_score":         m.OptScore,
	}
	var err error
	for k, v := range fields {
		json, err = sjson.Set(json, prefix+k, v)
		if err != nil {
			return "", err
		}
	}
	return json, nil
}

// ParseReport reads back a Report previously written by MarshalJSON.
func ParseReport(data []byte) (Report, error) {
	root := gjson.ParseBytes(data)

	r := Report{
		Recommended: msToDuration(root.Get("recommended_window_ms").Int()),
		Agreement:   root.Get("agreement").Float(),
		Confidence:  root.Get("confidence").String(),
	}
	if t, err := time.Parse(time.RFC3339, root.Get("generated_at").String()); err == nil {
		r.GeneratedAt = t
	}

	windows := root.Get("windows").Array()
	r.Results = make([]WindowResult, len(windows))
	for i, w := range windows {
		r.Results[i] = WindowResult{
			Window:      msToDuration(w.Get("window_ms").Int()),
			TrainRank:   int(w.Get("train_rank").Int()),
			HoldoutRank: int(w.Get("holdout_rank").Int()),
			RankAgrees:  w.Get("rank_agrees").Bool(),
			Train:       parseMetrics(w.Get("train")),
			Holdout:     parseMetrics(w.Get("holdout")),
		}
	}
	return r, nil
}

func parseMetrics(g gjson.Result) Metrics {
	return Metrics{
		MIBCS:            g.Get("mibcs").Float(),
		Silhouette:        g.Get("silhouette").Float(),
		BPS:               g.Get("bps").Float(),
		SingletonRate:     g.Get("singleton_rate").Float(),
		GiantRate:         g.Get("giant_rate").Float(),
		ThematicVariance:  g.Get("thematic_variance").Float(),
		OptScore:          g.Get("opt_score").Float(),
	}
}

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
