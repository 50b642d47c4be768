package scoring

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"honeyguard/internal/baseline"
	"honeyguard/internal/config"
	"honeyguard/internal/features"
	"honeyguard/internal/model"
	"honeyguard/internal/storage"
)

type Params struct {
	NoBaselineScore float64
	LearnThreshold  float64
	Baseline        baseline.Params
}

func ParamsFrom(d config.DetectionConfig) Params {
	return Params{
		NoBaselineScore: d.NoBaselineScore,
		LearnThreshold:  d.LearnThreshold,
		Baseline:        baseline.ParamsFrom(d),
	}
}

// FeatureScore is the confidence-weighted relative deviation, clamped to 1.
func FeatureScore(expected, confidence, observed float64) float64 {
	var diff float64
	if expected == 0 {
		if observed != 0 {
			diff = 1
		}
	} else {
		diff = math.Abs(observed-expected) / math.Max(1, math.Abs(expected))
	}
	return math.Min(1, diff*confidence)
}

type Scorer struct {
	baselines baseline.Store
	scores    storage.AnomalyStore
	params    atomic.Value
	logger    *slog.Logger
}

func NewScorer(baselines baseline.Store, scores storage.AnomalyStore, params Params, logger *slog.Logger) *Scorer {
	s := &Scorer{baselines: baselines, scores: scores, logger: logger}
	s.params.Store(params)
	return s
}

func (s *Scorer) SetParams(p Params) {
	s.params.Store(p)
}

func (s *Scorer) Params() Params {
	return s.params.Load().(Params)
}

// Analyze scores every feature of the event against its baseline, records the
// scores and feeds the observations back into the baselines that were not
// highly anomalous.
func (s *Scorer) Analyze(ctx context.Context, ev model.ActivityEvent, set features.Set) model.Analysis {
	p := s.Params()
	out := model.Analysis{
		EventID:       ev.ID,
		UserID:        ev.UserID,
		FeatureScores: make(map[string]float64, len(set)),
		Timestamp:     ev.Timestamp,
	}
	records := make([]model.AnomalyScore, 0, len(set))
	values := make([]float64, 0, len(set))
	for _, name := range set.Names() {
		observed := set[name]
		entry, ok, err := s.baselines.Get(ctx, ev.UserID, name)
		if err != nil {
			s.warn("baseline read failed, feature skipped", ev, name, err)
			continue
		}
		score := p.NoBaselineScore
		var expected *float64
		if ok {
			score = FeatureScore(entry.Expected, entry.Confidence, observed)
			exp := entry.Expected
			expected = &exp
		}
		out.FeatureScores[name] = score
		values = append(values, score)
		records = append(records, model.AnomalyScore{
			ID:        uuid.NewString(),
			EventID:   ev.ID,
			UserID:    ev.UserID,
			Feature:   name,
			Expected:  expected,
			Observed:  observed,
			Score:     score,
			Timestamp: ev.Timestamp,
		})
		if score < p.LearnThreshold {
			if _, err := s.baselines.Update(ctx, ev.UserID, name, observed, p.Baseline); err != nil {
				s.warn("baseline update failed", ev, name, err)
			}
		}
	}
	if len(values) > 0 {
		out.OverallScore = stat.Mean(values, nil)
	}
	if s.scores != nil && len(records) > 0 {
		if err := s.scores.SaveAnomalyScores(ctx, records); err != nil {
			s.warn("anomaly scores not persisted", ev, "", err)
		}
	}
	return out
}

func (s *Scorer) warn(msg string, ev model.ActivityEvent, feature string, err error) {
	if s.logger == nil {
		return
	}
	s.logger.Warn(msg, "event_id", ev.ID, "user_id", ev.UserID, "feature", feature, "err", err)
}
