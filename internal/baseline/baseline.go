package baseline

import (
	"context"
	"errors"
	"math"
	"time"

	"honeyguard/internal/config"
	"honeyguard/internal/model"
)

// ErrRace means the optimistic write kept losing to concurrent writers until
// the retry bound ran out.
var ErrRace = errors.New("baseline: concurrent update lost")

type Params struct {
	Weight            float64
	InitialConfidence float64
	ConfidenceStep    float64
	MaxConfidence     float64
}

func DefaultParams() Params {
	return ParamsFrom(config.DefaultDetection())
}

func ParamsFrom(d config.DetectionConfig) Params {
	return Params{
		Weight:            d.BaselineWeight,
		InitialConfidence: d.InitialConfidence,
		ConfidenceStep:    d.ConfidenceStep,
		MaxConfidence:     d.MaxConfidence,
	}
}

// Store keeps one entry per (user, feature). Update applies Next atomically
// for its key; updates to different keys do not block each other.
type Store interface {
	Get(ctx context.Context, userID, feature string) (model.BaselineEntry, bool, error)
	Update(ctx context.Context, userID, feature string, observed float64, p Params) (model.BaselineEntry, error)
}

// Next applies the exponential moving average update. prev == nil starts a
// new entry at the observed value.
func Next(prev *model.BaselineEntry, userID, feature string, observed float64, p Params, now time.Time) model.BaselineEntry {
	if prev == nil {
		return model.BaselineEntry{
			UserID:     userID,
			Feature:    feature,
			Expected:   observed,
			Confidence: p.InitialConfidence,
			Version:    1,
			UpdatedAt:  now,
		}
	}
	return model.BaselineEntry{
		UserID:     userID,
		Feature:    feature,
		Expected:   prev.Expected*(1-p.Weight) + observed*p.Weight,
		Confidence: math.Min(p.MaxConfidence, prev.Confidence+p.ConfidenceStep),
		Version:    prev.Version + 1,
		UpdatedAt:  now,
	}
}

func key(userID, feature string) string {
	return userID + "|" + feature
}
