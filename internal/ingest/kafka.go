package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"honeyguard/internal/config"
)

// StartKafka consumes JSON activities from a topic. Messages without an id get
// one derived from their offset so a redelivery is recognised downstream.
func StartKafka(ctx context.Context, cfg *config.Manager, submitter *Submitter, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	parser := NewParser()
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				if !BackoffSleep(ctx, time.Second) {
					return
				}
				continue
			}
			submitter.submitLine(ctx, parser, string(m.Value), "kafka", messageID(m))
		}
	}()
}

func messageID(m kafka.Message) string {
	return fmt.Sprintf("kafka:%s:%d:%d", m.Topic, m.Partition, m.Offset)
}
