package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"honeyguard/internal/config"
	"honeyguard/internal/model"
	"honeyguard/internal/normalize"
)

var ErrQueueFull = errors.New("ingest queue full")

// Rejecter counts submissions that never reached the pipeline.
type Rejecter interface {
	Rejected(reason string)
}

type zone struct {
	name string
	loc  *time.Location
}

// Submitter validates submissions and hands them to the engine's channel
// without blocking the transport.
type Submitter struct {
	out     chan<- model.ActivityEvent
	cfg     *config.Manager
	logger  *slog.Logger
	rejects Rejecter
	zone    atomic.Pointer[zone]
	now     func() time.Time
}

func NewSubmitter(out chan<- model.ActivityEvent, cfg *config.Manager, logger *slog.Logger, rejects Rejecter) *Submitter {
	return &Submitter{
		out:     out,
		cfg:     cfg,
		logger:  logger,
		rejects: rejects,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Submit returns the id of the accepted event, a *normalize.ValidationError
// or ErrQueueFull.
func (s *Submitter) Submit(ctx context.Context, sub normalize.Submission) (string, error) {
	ev, err := normalize.Normalize(sub, s.location(), s.now())
	if err != nil {
		s.reject("invalid")
		if s.logger != nil {
			s.logger.Debug("submission rejected", "source", sub.Source, "err", err)
		}
		return "", err
	}
	if !sendNonBlocking(ctx, s.out, ev, s.logger) {
		s.reject("queue_full")
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "", ErrQueueFull
	}
	return ev.ID, nil
}

// Depth is the number of events waiting for a worker.
func (s *Submitter) Depth() int {
	return len(s.out)
}

func (s *Submitter) reject(reason string) {
	if s.rejects != nil {
		s.rejects.Rejected(reason)
	}
}

func (s *Submitter) location() *time.Location {
	name := "UTC"
	if s.cfg != nil {
		name = s.cfg.Get().Ingest.Timezone
	}
	if z := s.zone.Load(); z != nil && z.name == name {
		return z.loc
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		loc = time.UTC
	}
	s.zone.Store(&zone{name: name, loc: loc})
	return loc
}

// submitLine parses one line from a stream transport and submits it. Bad lines
// are logged and skipped.
func (s *Submitter) submitLine(ctx context.Context, parser *Parser, line, source, fallbackID string) {
	sub, err := parser.ParseLine(line)
	if err != nil {
		s.reject("unparsable")
		if s.logger != nil {
			s.logger.Warn("ingest parse error", "source", source, "err", err)
		}
		return
	}
	if sub == nil {
		return
	}
	sub.Source = source
	if sub.ID == "" {
		sub.ID = fallbackID
	}
	if _, err := s.Submit(ctx, *sub); err != nil && s.logger != nil {
		s.logger.Warn("ingest submit failed", "source", source, "err", err)
	}
}

func sendNonBlocking(ctx context.Context, out chan<- model.ActivityEvent, ev model.ActivityEvent, logger *slog.Logger) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	select {
	case out <- ev:
		return true
	default:
		if logger != nil {
			logger.Warn("event channel full, dropping event", "user_id", ev.UserID, "source", ev.Source, "timestamp", ev.Timestamp)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
