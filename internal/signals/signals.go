package signals

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"honeyguard/internal/config"
	"honeyguard/internal/model"
)

// History is the slice of the activity store the detectors read. Windows are
// inclusive on both ends.
type History interface {
	DistinctIPs(ctx context.Context, userID string, since, until time.Time) ([]string, error)
	DistinctResources(ctx context.Context, userID string, since, until time.Time, excludeEventID string) ([]string, error)
}

type Params struct {
	IPWindow           time.Duration
	MinOtherIPs        int
	ResourceWindow     time.Duration
	MinResourceHistory int
}

func ParamsFrom(d config.DetectionConfig) Params {
	return Params{
		IPWindow:           d.IPWindow,
		MinOtherIPs:        d.MinOtherIPs,
		ResourceWindow:     d.ResourceWindow,
		MinResourceHistory: d.MinResourceHistory,
	}
}

type Detector struct {
	history History
	params  atomic.Value
	logger  *slog.Logger
}

func NewDetector(history History, params Params, logger *slog.Logger) *Detector {
	d := &Detector{history: history, logger: logger}
	d.params.Store(params)
	return d
}

func (d *Detector) SetParams(p Params) {
	d.params.Store(p)
}

func (d *Detector) Evaluate(ctx context.Context, ev model.ActivityEvent) model.ContextFlags {
	return model.ContextFlags{
		MultipleIPs:     d.MultipleIPs(ctx, ev),
		UnusualResource: d.NovelResource(ctx, ev),
	}
}

// MultipleIPs reports whether the user came from at least MinOtherIPs other
// addresses within IPWindow before the event.
func (d *Detector) MultipleIPs(ctx context.Context, ev model.ActivityEvent) bool {
	p := d.params.Load().(Params)
	ips, err := d.history.DistinctIPs(ctx, ev.UserID, ev.Timestamp.Add(-p.IPWindow), ev.Timestamp)
	if err != nil {
		d.lookupFailed("multiple_ips", ev, err)
		return false
	}
	others := 0
	for _, ip := range ips {
		if ip != "" && ip != ev.IPAddress {
			others++
		}
	}
	return others >= p.MinOtherIPs
}

// NovelResource needs more than MinResourceHistory known resources before it
// can call one new.
func (d *Detector) NovelResource(ctx context.Context, ev model.ActivityEvent) bool {
	if ev.Resource == "" {
		return false
	}
	p := d.params.Load().(Params)
	known, err := d.history.DistinctResources(ctx, ev.UserID, ev.Timestamp.Add(-p.ResourceWindow), ev.Timestamp, ev.ID)
	if err != nil {
		d.lookupFailed("unusual_resource", ev, err)
		return false
	}
	history := 0
	for _, r := range known {
		if r == "" {
			continue
		}
		if r == ev.Resource {
			return false
		}
		history++
	}
	return history > p.MinResourceHistory
}

func (d *Detector) lookupFailed(signal string, ev model.ActivityEvent, err error) {
	if d.logger != nil {
		d.logger.Warn("context signal lookup failed", "signal", signal, "event_id", ev.ID, "user_id", ev.UserID, "err", err)
	}
}
