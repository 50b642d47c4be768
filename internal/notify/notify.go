package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"honeyguard/internal/config"
	"honeyguard/internal/model"
)

type Notifier interface {
	Notify(ctx context.Context, alert model.Alert) error
}

// Multi delivers to every channel and joins the failures. One broken channel
// does not stop the others.
type Multi struct {
	targets []Notifier
	closers []io.Closer
}

func (m *Multi) Add(n Notifier) {
	m.targets = append(m.targets, n)
	if c, ok := n.(io.Closer); ok {
		m.closers = append(m.closers, c)
	}
}

func (m *Multi) Len() int {
	return len(m.targets)
}

func (m *Multi) Notify(ctx context.Context, alert model.Alert) error {
	var errs []error
	for _, t := range m.targets {
		if err := t.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) Close() error {
	var errs []error
	for _, c := range m.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Build wires the configured channels. The recorder is always attached so
// the API can show what went out.
func Build(cfg config.NotifyConfig, recorder *Ring, logger *slog.Logger) (*Multi, error) {
	m := &Multi{}
	if recorder != nil {
		m.Add(recorder)
	}
	if cfg.NATS.Enabled {
		n, err := NewNATS(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			_ = m.Close()
			return nil, err
		}
		m.Add(n)
		if logger != nil {
			logger.Info("nats alert channel enabled", "subject", cfg.NATS.Subject)
		}
	}
	if cfg.Kafka.Enabled {
		m.Add(NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic))
		if logger != nil {
			logger.Info("kafka alert channel enabled", "topic", cfg.Kafka.Topic)
		}
	}
	if cfg.Elasticsearch.Enabled {
		es, err := NewElastic(cfg.Elasticsearch)
		if err != nil {
			_ = m.Close()
			return nil, err
		}
		m.Add(es)
		if logger != nil {
			logger.Info("elasticsearch alert channel enabled", "index_prefix", cfg.Elasticsearch.IndexPrefix)
		}
	}
	return m, nil
}

func encode(alert model.Alert) ([]byte, error) {
	data, err := json.Marshal(alert)
	if err != nil {
		return nil, fmt.Errorf("encode alert %s: %w", alert.ID, err)
	}
	return data, nil
}
