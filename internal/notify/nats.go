package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"honeyguard/internal/model"
)

type NATS struct {
	nc      *nats.Conn
	subject string
}

func NewNATS(url, subject string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("honeyguard"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATS{nc: nc, subject: subject}, nil
}

// NewNATSConn publishes on an existing connection.
func NewNATSConn(nc *nats.Conn, subject string) *NATS {
	return &NATS{nc: nc, subject: subject}
}

// Notify publishes on <subject>.<severity> so subscribers can filter with
// wildcards.
func (n *NATS) Notify(_ context.Context, alert model.Alert) error {
	data, err := encode(alert)
	if err != nil {
		return err
	}
	if err := n.nc.Publish(n.subject+"."+string(alert.Severity), data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

func (n *NATS) Close() error {
	return n.nc.Drain()
}
