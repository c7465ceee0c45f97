// Package config turns raw key/value settings into a typed application config
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Source is satisfied by *wbf/config.Config; tests pass a map-backed fake.
type Source interface {
	GetString(key string) string
}

type App struct {
	Port         string
	GinMode      string
	DevAuthToken string

	PostgresDSN string

	KafkaBroker   string
	KafkaTopic    string
	KafkaDLQTopic string
	KafkaGroupID  string

	RedisURL string

	Storage Storage

	Provider Provider

	DailyGlobalCap int64
	UserDailyQuota int64

	CostInputPerMBCents  float64
	CostOutputPerMBCents float64

	PrepMaxBytes int64
	PrepMaxDim   int

	WorkerConcurrency int
	WorkerMetricsPort string
	QueueAttempts     int
	QueueBackoff      time.Duration
}

type Storage struct {
	Endpoint   string
	Region     string
	Bucket     string
	AccessKey  string
	SecretKey  string
	PathStyle  bool
	PresignTTL time.Duration
}

type Provider struct {
	Name          string
	APIKey        string
	Model         string
	Endpoint      string
	Timeout       time.Duration
	LongCallWarn  time.Duration
	MockSlowDelay time.Duration
}

// Load reads every recognized key, applying defaults to the absent ones.
func Load(src Source) (*App, error) {
	p := parser{src: src}

	cfg := &App{
		Port:          p.str("APP_PORT", "8080"),
		GinMode:       p.str("GIN_MODE", "release"),
		DevAuthToken:  p.str("DEV_AUTH_TOKEN", ""),
		PostgresDSN:   p.str("POSTGRES_DSN", ""),
		KafkaBroker:   p.str("KAFKA_BROKER", "localhost:9092"),
		KafkaTopic:    p.str("KAFKA_TOPIC", "edit-jobs"),
		KafkaDLQTopic: p.str("KAFKA_DLQ_TOPIC", "edit-jobs-dlq"),
		KafkaGroupID:  p.str("KAFKA_GROUPID", "edit-worker"),
		RedisURL:      p.str("REDIS_URL", "redis://localhost:6379/0"),
		Storage: Storage{
			Endpoint:   p.str("MINIO_ENDPOINT", "http://localhost:9000"),
			Region:     p.str("MINIO_REGION", "us-east-1"),
			Bucket:     p.str("BUCKET_NAME", "photo-edits"),
			AccessKey:  p.str("MINIO_USER", ""),
			SecretKey:  p.str("MINIO_PASS", ""),
			PathStyle:  p.boolean("MINIO_PATH_STYLE", true),
			PresignTTL: time.Duration(p.integer("PRESIGN_TTL_SECONDS", 900)) * time.Second,
		},
		Provider: Provider{
			Name:          strings.ToLower(p.str("PROVIDER", "mock")),
			APIKey:        p.str("GEMINI_API_KEY", ""),
			Model:         p.str("GEMINI_MODEL", "gemini-2.5-flash-image-preview"),
			Endpoint:      p.str("GEMINI_ENDPOINT", "https://generativelanguage.googleapis.com/v1beta"),
			Timeout:       p.duration("PROVIDER_TIMEOUT", 60*time.Second),
			LongCallWarn:  p.duration("PROVIDER_LONG_CALL", 20*time.Second),
			MockSlowDelay: p.duration("MOCK_SLOW_DELAY", 3*time.Second),
		},
		DailyGlobalCap:       int64(p.integer("DAILY_GLOBAL_CAP", 1000)),
		UserDailyQuota:       int64(p.integer("USER_DAILY_QUOTA", 50)),
		CostInputPerMBCents:  p.float("COST_INPUT_PER_MB_CENTS", 0.5),
		CostOutputPerMBCents: p.float("COST_OUTPUT_PER_MB_CENTS", 1.5),
		PrepMaxBytes:         int64(p.integer("PREP_MAX_BYTES", 4*1024*1024)),
		PrepMaxDim:           p.integer("PREP_MAX_DIM", 2048),
		WorkerConcurrency:    p.integer("WORKER_CONCURRENCY", 4),
		WorkerMetricsPort:    p.str("WORKER_METRICS_PORT", "9091"),
		QueueAttempts:        p.integer("QUEUE_ATTEMPTS", 2),
		QueueBackoff:         p.duration("QUEUE_BACKOFF", 5*time.Second),
	}

	if p.err != nil {
		return nil, p.err
	}

	switch {
	case cfg.Storage.PresignTTL <= 0:
		return nil, fmt.Errorf("PRESIGN_TTL_SECONDS must be positive")
	case cfg.PrepMaxDim <= 0 || cfg.PrepMaxBytes <= 0:
		return nil, fmt.Errorf("PREP_MAX_DIM and PREP_MAX_BYTES must be positive")
	case cfg.WorkerConcurrency <= 0:
		cfg.WorkerConcurrency = 1
	}
	if cfg.QueueAttempts <= 0 {
		cfg.QueueAttempts = 1
	}

	return cfg, nil
}

// parser remembers the first malformed value so Load can report it once.
type parser struct {
	src Source
	err error
}

func (p *parser) str(key, def string) string {
	v := strings.TrimSpace(p.src.GetString(key))
	if v == "" {
		return def
	}
	return v
}

func (p *parser) integer(key string, def int) int {
	raw := p.str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return v
}

func (p *parser) float(key string, def float64) float64 {
	raw := p.str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return v
}

func (p *parser) boolean(key string, def bool) bool {
	raw := p.str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return v
}

// duration accepts Go duration strings ("5s") and bare integers as seconds.
func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := p.str(key, "")
	if raw == "" {
		return def
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return v
}

func (p *parser) fail(key, raw string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid value %q for %s: %w", raw, key, err)
	}
}
