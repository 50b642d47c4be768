package notify

import (
	"bytes"
	"context"
	"fmt"

	"github.com/elastic/go-elasticsearch/v8"

	"honeyguard/internal/config"
	"honeyguard/internal/model"
)

// Elastic indexes alerts into monthly indices, <prefix>-YYYY.MM.
type Elastic struct {
	client *elasticsearch.Client
	prefix string
}

func NewElastic(cfg config.ElasticsearchConfig) (*Elastic, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return NewElasticClient(client, cfg.IndexPrefix), nil
}

func NewElasticClient(client *elasticsearch.Client, prefix string) *Elastic {
	if prefix == "" {
		prefix = "honeyguard-alerts"
	}
	return &Elastic{client: client, prefix: prefix}
}

func (e *Elastic) index(alert model.Alert) string {
	return e.prefix + "-" + alert.CreatedAt.UTC().Format("2006.01")
}

// Notify uses the alert id as document id, so a redelivered alert
// overwrites its own document.
func (e *Elastic) Notify(ctx context.Context, alert model.Alert) error {
	data, err := encode(alert)
	if err != nil {
		return err
	}
	res, err := e.client.Index(
		e.index(alert),
		bytes.NewReader(data),
		e.client.Index.WithContext(ctx),
		e.client.Index.WithDocumentID(alert.ID),
	)
	if err != nil {
		return fmt.Errorf("elasticsearch index: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch index: %s", res.String())
	}
	return nil
}
