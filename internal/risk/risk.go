package risk

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"honeyguard/internal/model"
)

var severityWeight = map[model.Severity]float64{
	model.SeverityLow:      1,
	model.SeverityMedium:   3,
	model.SeverityHigh:     5,
	model.SeverityCritical: 10,
}

func weight(s model.Severity) float64 {
	if w, ok := severityWeight[s]; ok {
		return w
	}
	return 1
}

// Compute turns alert counts by severity and the mean anomaly score into a
// risk score. Pure.
func Compute(counts map[model.Severity]int, avgAnomaly float64) model.RiskScore {
	var alertScore float64
	total := 0
	for sev, n := range counts {
		alertScore += weight(sev) * float64(n)
		total += n
	}
	var normalized float64
	if alertScore > 0 {
		normalized = math.Min(100, 20+50*math.Log10(1+alertScore)+30*avgAnomaly)
	} else {
		normalized = math.Min(100, 20+30*avgAnomaly)
	}
	return model.RiskScore{
		RawScore:        0.7*alertScore + 30*avgAnomaly,
		NormalizedScore: normalized,
		Category:        Category(normalized),
		AlertCount:      total,
		AvgAnomalyScore: avgAnomaly,
	}
}

func Category(normalized float64) string {
	switch {
	case normalized > 80:
		return "critical"
	case normalized > 60:
		return "high"
	case normalized > 40:
		return "medium"
	default:
		return "low"
	}
}

type Source interface {
	AlertSeverityCounts(ctx context.Context, userID string, since time.Time) (map[model.Severity]int, error)
	AverageAnomalyScore(ctx context.Context, userID string, since time.Time) (float64, error)
	ListUsers(ctx context.Context) ([]string, error)
}

type Service struct {
	src    Source
	window time.Duration
	now    func() time.Time
}

func NewService(src Source, window time.Duration) *Service {
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}
	return &Service{src: src, window: window, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Service) UserRisk(ctx context.Context, userID string) (model.RiskScore, error) {
	since := s.now().Add(-s.window)
	counts, err := s.src.AlertSeverityCounts(ctx, userID, since)
	if err != nil {
		return model.RiskScore{}, fmt.Errorf("alert counts: %w", err)
	}
	avg, err := s.src.AverageAnomalyScore(ctx, userID, since)
	if err != nil {
		return model.RiskScore{}, fmt.Errorf("anomaly average: %w", err)
	}
	r := Compute(counts, avg)
	r.UserID = userID
	return r, nil
}

// TopRisky scores every known user and returns the highest limit of them.
func (s *Service) TopRisky(ctx context.Context, limit int) ([]model.RiskScore, error) {
	users, err := s.src.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	var mu sync.Mutex
	out := make([]model.RiskScore, 0, len(users))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, u := range users {
		u := u
		g.Go(func() error {
			r, err := s.UserRisk(gctx, u)
			if err != nil {
				return err
			}
			mu.Lock()
			out = append(out, r)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NormalizedScore == out[j].NormalizedScore {
			return out[i].UserID < out[j].UserID
		}
		return out[i].NormalizedScore > out[j].NormalizedScore
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
