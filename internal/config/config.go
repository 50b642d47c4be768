package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat string          `json:"log_format" yaml:"log_format" toml:"log_format"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest" toml:"ingest"`
	Detection DetectionConfig `json:"detection" yaml:"detection" toml:"detection"`
	Baseline  BaselineConfig  `json:"baseline" yaml:"baseline" toml:"baseline"`
	Evidence  EvidenceConfig  `json:"evidence" yaml:"evidence" toml:"evidence"`
	Risk      RiskConfig      `json:"risk" yaml:"risk" toml:"risk"`
	API       APIConfig       `json:"api" yaml:"api" toml:"api"`
	Storage   StorageConfig   `json:"storage" yaml:"storage" toml:"storage"`
	Notify    NotifyConfig    `json:"notify" yaml:"notify" toml:"notify"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics" toml:"metrics"`
}

type IngestConfig struct {
	ChannelBuffer int             `json:"channel_buffer" yaml:"channel_buffer" toml:"channel_buffer"`
	Workers       int             `json:"workers" yaml:"workers" toml:"workers"`
	Timezone      string          `json:"timezone" yaml:"timezone" toml:"timezone"`
	REST          RESTConfig      `json:"rest" yaml:"rest" toml:"rest"`
	Syslog        SyslogConfig    `json:"syslog" yaml:"syslog" toml:"syslog"`
	TCPStream     TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream" toml:"tcp_stream"`
	FileTail      FileTailConfig  `json:"file_tail" yaml:"file_tail" toml:"file_tail"`
	Kafka         KafkaConfig     `json:"kafka" yaml:"kafka" toml:"kafka"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Addr    string `json:"addr" yaml:"addr" toml:"addr"`
}

type SyslogConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	UDPAddr string `json:"udp_addr" yaml:"udp_addr" toml:"udp_addr"`
	TCPAddr string `json:"tcp_addr" yaml:"tcp_addr" toml:"tcp_addr"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Addr    string `json:"addr" yaml:"addr" toml:"addr"`
}

type FileTailConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	StartAtEnd bool     `json:"start_at_end" yaml:"start_at_end" toml:"start_at_end"`
	Files      []string `json:"files" yaml:"files" toml:"files"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers" toml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic" toml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id" toml:"group_id"`
}

// DetectionConfig carries every threshold of the scoring and alerting path.
// All of them hot-reload through Engine.UpdateConfig.
type DetectionConfig struct {
	BaselineWeight        float64       `json:"baseline_weight" yaml:"baseline_weight" toml:"baseline_weight"`
	InitialConfidence     float64       `json:"initial_confidence" yaml:"initial_confidence" toml:"initial_confidence"`
	ConfidenceStep        float64       `json:"confidence_step" yaml:"confidence_step" toml:"confidence_step"`
	MaxConfidence         float64       `json:"max_confidence" yaml:"max_confidence" toml:"max_confidence"`
	NoBaselineScore       float64       `json:"no_baseline_score" yaml:"no_baseline_score" toml:"no_baseline_score"`
	LearnThreshold        float64       `json:"learn_threshold" yaml:"learn_threshold" toml:"learn_threshold"`
	FeatureReportScore    float64       `json:"feature_report_score" yaml:"feature_report_score" toml:"feature_report_score"`
	AlertThreshold        float64       `json:"alert_threshold" yaml:"alert_threshold" toml:"alert_threshold"`
	HighSeverityThreshold float64       `json:"high_severity_threshold" yaml:"high_severity_threshold" toml:"high_severity_threshold"`
	IPWindow              time.Duration `json:"ip_window" yaml:"ip_window" toml:"ip_window"`
	MinOtherIPs           int           `json:"min_other_ips" yaml:"min_other_ips" toml:"min_other_ips"`
	ResourceWindow        time.Duration `json:"resource_window" yaml:"resource_window" toml:"resource_window"`
	MinResourceHistory    int           `json:"min_resource_history" yaml:"min_resource_history" toml:"min_resource_history"`
	DedupeWindow          time.Duration `json:"dedupe_window" yaml:"dedupe_window" toml:"dedupe_window"`
}

type BaselineConfig struct {
	Backend     string `json:"backend" yaml:"backend" toml:"backend"`
	RedisURL    string `json:"redis_url" yaml:"redis_url" toml:"redis_url"`
	RedisPrefix string `json:"redis_prefix" yaml:"redis_prefix" toml:"redis_prefix"`
	MaxRetries  int    `json:"max_retries" yaml:"max_retries" toml:"max_retries"`
}

type EvidenceConfig struct {
	Mode            string        `json:"mode" yaml:"mode" toml:"mode"`
	TopAnomalies    int           `json:"top_anomalies" yaml:"top_anomalies" toml:"top_anomalies"`
	AnomalyWindow   time.Duration `json:"anomaly_window" yaml:"anomaly_window" toml:"anomaly_window"`
	CollectAttempts int           `json:"collect_attempts" yaml:"collect_attempts" toml:"collect_attempts"`
}

type RiskConfig struct {
	Window   time.Duration `json:"window" yaml:"window" toml:"window"`
	TopLimit int           `json:"top_limit" yaml:"top_limit" toml:"top_limit"`
}

type APIConfig struct {
	Enabled     bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Addr        string   `json:"addr" yaml:"addr" toml:"addr"`
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
}

type StorageConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled" toml:"enabled"`
	Driver        string        `json:"driver" yaml:"driver" toml:"driver"`
	DSN           string        `json:"dsn" yaml:"dsn" toml:"dsn"`
	RetryAttempts int           `json:"retry_attempts" yaml:"retry_attempts" toml:"retry_attempts"`
	RetryBackoff  time.Duration `json:"retry_backoff" yaml:"retry_backoff" toml:"retry_backoff"`
}

type NotifyConfig struct {
	NATS          NATSConfig          `json:"nats" yaml:"nats" toml:"nats"`
	Kafka         KafkaNotifyConfig   `json:"kafka" yaml:"kafka" toml:"kafka"`
	Elasticsearch ElasticsearchConfig `json:"elasticsearch" yaml:"elasticsearch" toml:"elasticsearch"`
}

type NATSConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	URL     string `json:"url" yaml:"url" toml:"url"`
	Subject string `json:"subject" yaml:"subject" toml:"subject"`
}

type KafkaNotifyConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers" toml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic" toml:"topic"`
}

type ElasticsearchConfig struct {
	Enabled     bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Addresses   []string `json:"addresses" yaml:"addresses" toml:"addresses"`
	Username    string   `json:"username" yaml:"username" toml:"username"`
	Password    string   `json:"password" yaml:"password" toml:"password"`
	IndexPrefix string   `json:"index_prefix" yaml:"index_prefix" toml:"index_prefix"`
}

type MetricsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit" toml:"store_limit"`
}

func DefaultDetection() DetectionConfig {
	return DetectionConfig{
		BaselineWeight:        0.3,
		InitialConfidence:     0.5,
		ConfidenceStep:        0.01,
		MaxConfidence:         0.99,
		NoBaselineScore:       0.5,
		LearnThreshold:        0.7,
		FeatureReportScore:    0.7,
		AlertThreshold:        0.8,
		HighSeverityThreshold: 0.9,
		IPWindow:              time.Hour,
		MinOtherIPs:           2,
		ResourceWindow:        30 * 24 * time.Hour,
		MinResourceHistory:    5,
		DedupeWindow:          10 * time.Minute,
	}
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			Workers:       4,
			Timezone:      "UTC",
			REST:          RESTConfig{Enabled: true, Addr: ":8080"},
			Syslog:        SyslogConfig{Enabled: false, UDPAddr: ":5514", TCPAddr: ":5514"},
			TCPStream:     TCPStreamConfig{Enabled: false, Addr: ":9000"},
			FileTail:      FileTailConfig{Enabled: false, StartAtEnd: true},
			Kafka:         KafkaConfig{Enabled: false},
		},
		Detection: DefaultDetection(),
		Baseline:  BaselineConfig{Backend: "store", RedisPrefix: "honeyguard:baseline", MaxRetries: 5},
		Evidence: EvidenceConfig{
			Mode:            "eager",
			TopAnomalies:    10,
			AnomalyWindow:   24 * time.Hour,
			CollectAttempts: 3,
		},
		Risk:    RiskConfig{Window: 30 * 24 * time.Hour, TopLimit: 10},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:honeyguard.db?_pragma=busy_timeout(5000)", RetryAttempts: 3, RetryBackoff: 100 * time.Millisecond},
		Notify: NotifyConfig{
			NATS:          NATSConfig{Subject: "honeyguard.alerts"},
			Kafka:         KafkaNotifyConfig{Topic: "honeyguard-alerts"},
			Elasticsearch: ElasticsearchConfig{IndexPrefix: "honeyguard-alerts"},
		},
		Metrics: MetricsConfig{StoreLimit: 5000},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	switch {
	case strings.EqualFold(filepath.Ext(path), ".toml"):
		_, decodeErr = toml.Decode(trimmed, cfg)
	case looksLikeJSON(trimmed):
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	default:
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), decodeErr)
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".toml":
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(cfg)
		data = buf.Bytes()
	default:
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Metrics.StoreLimit <= 0 {
		cfg.Metrics.StoreLimit = def.Metrics.StoreLimit
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = def.Ingest.ChannelBuffer
	}
	if cfg.Ingest.Workers <= 0 {
		cfg.Ingest.Workers = def.Ingest.Workers
	}
	if cfg.Ingest.Timezone == "" {
		cfg.Ingest.Timezone = "UTC"
	}
	if cfg.Baseline.Backend == "" {
		cfg.Baseline.Backend = def.Baseline.Backend
	}
	if cfg.Baseline.RedisPrefix == "" {
		cfg.Baseline.RedisPrefix = def.Baseline.RedisPrefix
	}
	if cfg.Baseline.MaxRetries <= 0 {
		cfg.Baseline.MaxRetries = def.Baseline.MaxRetries
	}
	if cfg.Evidence.Mode == "" {
		cfg.Evidence.Mode = def.Evidence.Mode
	}
	if cfg.Evidence.TopAnomalies <= 0 {
		cfg.Evidence.TopAnomalies = def.Evidence.TopAnomalies
	}
	if cfg.Evidence.AnomalyWindow <= 0 {
		cfg.Evidence.AnomalyWindow = def.Evidence.AnomalyWindow
	}
	if cfg.Evidence.CollectAttempts <= 0 {
		cfg.Evidence.CollectAttempts = def.Evidence.CollectAttempts
	}
	if cfg.Risk.Window <= 0 {
		cfg.Risk.Window = def.Risk.Window
	}
	if cfg.Risk.TopLimit <= 0 {
		cfg.Risk.TopLimit = def.Risk.TopLimit
	}
	if cfg.Storage.RetryAttempts <= 0 {
		cfg.Storage.RetryAttempts = def.Storage.RetryAttempts
	}
	if cfg.Storage.RetryBackoff <= 0 {
		cfg.Storage.RetryBackoff = def.Storage.RetryBackoff
	}
	if cfg.Notify.Elasticsearch.IndexPrefix == "" {
		cfg.Notify.Elasticsearch.IndexPrefix = def.Notify.Elasticsearch.IndexPrefix
	}
	if cfg.Notify.NATS.Subject == "" {
		cfg.Notify.NATS.Subject = def.Notify.NATS.Subject
	}
	if cfg.Notify.Kafka.Topic == "" {
		cfg.Notify.Kafka.Topic = def.Notify.Kafka.Topic
	}
	d := &cfg.Detection
	dd := def.Detection
	if d.IPWindow <= 0 {
		d.IPWindow = dd.IPWindow
	}
	if d.ResourceWindow <= 0 {
		d.ResourceWindow = dd.ResourceWindow
	}
	if d.MinOtherIPs <= 0 {
		d.MinOtherIPs = dd.MinOtherIPs
	}
	if d.MinResourceHistory <= 0 {
		d.MinResourceHistory = dd.MinResourceHistory
	}
	if d.MaxConfidence <= 0 {
		d.MaxConfidence = dd.MaxConfidence
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.Syslog.Enabled && cfg.Ingest.Syslog.UDPAddr == "" && cfg.Ingest.Syslog.TCPAddr == "" {
		return errors.New("ingest.syslog.udp_addr or tcp_addr required when ingest.syslog.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.FileTail.Enabled && len(cfg.Ingest.FileTail.Files) == 0 {
		return errors.New("ingest.file_tail.files required when ingest.file_tail.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if _, err := time.LoadLocation(cfg.Ingest.Timezone); err != nil {
		return fmt.Errorf("ingest.timezone: %w", err)
	}
	if err := validateDetection(cfg.Detection); err != nil {
		return err
	}
	switch cfg.Baseline.Backend {
	case "memory", "store":
	case "redis":
		if cfg.Baseline.RedisURL == "" {
			return errors.New("baseline.redis_url required when baseline.backend is redis")
		}
	default:
		return fmt.Errorf("unsupported baseline.backend: %q", cfg.Baseline.Backend)
	}
	if cfg.Evidence.Mode != "eager" && cfg.Evidence.Mode != "lazy" {
		return fmt.Errorf("evidence.mode must be eager or lazy, got %q", cfg.Evidence.Mode)
	}
	if cfg.Notify.NATS.Enabled && cfg.Notify.NATS.URL == "" {
		return errors.New("notify.nats.url required when notify.nats.enabled is true")
	}
	if cfg.Notify.Kafka.Enabled && len(cfg.Notify.Kafka.Brokers) == 0 {
		return errors.New("notify.kafka.brokers required when notify.kafka.enabled is true")
	}
	if cfg.Notify.Elasticsearch.Enabled && len(cfg.Notify.Elasticsearch.Addresses) == 0 {
		return errors.New("notify.elasticsearch.addresses required when notify.elasticsearch.enabled is true")
	}
	return nil
}

func validateDetection(d DetectionConfig) error {
	unit := map[string]float64{
		"baseline_weight":         d.BaselineWeight,
		"initial_confidence":      d.InitialConfidence,
		"max_confidence":          d.MaxConfidence,
		"learn_threshold":         d.LearnThreshold,
		"alert_threshold":         d.AlertThreshold,
		"high_severity_threshold": d.HighSeverityThreshold,
	}
	for name, v := range unit {
		if v <= 0 || v > 1 {
			return fmt.Errorf("detection.%s must be in (0, 1], got %v", name, v)
		}
	}
	if d.ConfidenceStep < 0 {
		return errors.New("detection.confidence_step must be >= 0")
	}
	if d.NoBaselineScore < 0 || d.NoBaselineScore > 1 {
		return errors.New("detection.no_baseline_score must be in [0, 1]")
	}
	if d.InitialConfidence > d.MaxConfidence {
		return errors.New("detection.initial_confidence exceeds max_confidence")
	}
	return nil
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
