package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Server struct {
	Addr           string `yaml:"addr"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms" validate:"gte=0"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms" validate:"gte=0"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms" validate:"gte=0"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes" validate:"gte=0"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level" validate:"oneof=trace debug info warn error"`
	PrometheusPath string `yaml:"prometheus_path" validate:"startswith=/"`
}

// Rule is one governed route. Exactly one of Path and Prefix is set. The
// refill rate is either RefillPerSecond or RefillTokens per RefillPeriodMS.
type Rule struct {
	ID              string   `yaml:"id" validate:"required"`
	Methods         []string `yaml:"methods" validate:"dive,oneof=GET HEAD POST PUT PATCH DELETE OPTIONS"`
	Path            string   `yaml:"path" validate:"required_without=Prefix,excluded_with=Prefix,omitempty,startswith=/"`
	Prefix          string   `yaml:"prefix" validate:"required_without=Path,omitempty,startswith=/"`
	Capacity        float64  `yaml:"capacity" validate:"gte=1"`
	RefillPerSecond float64  `yaml:"refill_per_second" validate:"required_without=RefillTokens,omitempty,gt=0"`
	RefillTokens    float64  `yaml:"refill_tokens" validate:"required_with=RefillPeriodMS,omitempty,gt=0"`
	RefillPeriodMS  int      `yaml:"refill_period_ms" validate:"required_with=RefillTokens,omitempty,gt=0"`
}

// Rate is the refill rate in tokens per second.
func (r Rule) Rate() float64 {
	if r.RefillPerSecond > 0 {
		return r.RefillPerSecond
	}
	return r.RefillTokens / (float64(r.RefillPeriodMS) / 1000)
}

type Limits struct {
	APIPrefix         string  `yaml:"api_prefix" validate:"startswith=/"`
	RetryAfterSeconds int     `yaml:"retry_after_seconds" validate:"gt=0"`
	IdleMultiplier    float64 `yaml:"idle_multiplier" validate:"gte=1"`
	SweepIntervalMS   int     `yaml:"sweep_interval_ms" validate:"gte=0"`
	Rules             []Rule  `yaml:"rules" validate:"dive"`
}

type AdminKey struct {
	ID     string `yaml:"id" validate:"required"`
	Secret string `yaml:"secret" validate:"required"`
}

type Auth struct {
	Header string     `yaml:"header"`
	Keys   []AdminKey `yaml:"keys" validate:"dive"`
}

type Redis struct {
	Addr         string `yaml:"addr"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db" validate:"gte=0"`
	Prefix       string `yaml:"prefix"`
	TTLMS        int    `yaml:"ttl_ms" validate:"gte=0"`
	TimeoutMS    int    `yaml:"timeout_ms" validate:"gte=0"`
	QueueSize    int    `yaml:"queue_size" validate:"gte=0"`
	TrackClients bool   `yaml:"track_clients"`
}

type Stats struct {
	Redis Redis `yaml:"redis"`
}

type Root struct {
	Server        Server        `yaml:"server"`
	Observability Observability `yaml:"observability"`
	Auth          Auth          `yaml:"auth"`
	Limits        Limits        `yaml:"limits"`
	Stats         Stats         `yaml:"stats"`
}

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

func (s Server) WriteTimeout() time.Duration {
	if s.WriteTimeoutMS == 0 {
		return 10 * time.Second
	}
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

func (s Server) MaxBody() int64 {
	if s.MaxBodyBytes == 0 {
		return 1 << 20
	}
	return s.MaxBodyBytes
} // default 1MB

func (l Limits) SweepInterval() time.Duration {
	return time.Duration(l.SweepIntervalMS) * time.Millisecond
}

func (r Redis) TTL() time.Duration {
	return time.Duration(r.TTLMS) * time.Millisecond
}

func (r Redis) Timeout() time.Duration {
	return time.Duration(r.TimeoutMS) * time.Millisecond
}

// DefaultRules are the governed routes used when the file names none.
func DefaultRules() []Rule {
	perMinute := func(id, method, path string, n float64) Rule {
		return Rule{
			ID:             id,
			Methods:        []string{method},
			Path:           path,
			Capacity:       n,
			RefillTokens:   n,
			RefillPeriodMS: 60_000,
		}
	}
	return []Rule{
		perMinute("submit-idea", "POST", "/api/ideas", 10),
		perMinute("comment", "POST", "/api/comments", 20),
		perMinute("react", "POST", "/api/reactions", 30),
		perMinute("create-folder", "POST", "/api/folders", 10),
		perMinute("hub", "GET", "/api/hub", 60),
	}
}

func Load(path string) (*Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes YAML, fills defaults and validates the result.
func Parse(b []byte) (*Root, error) {
	var cfg Root
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	seen := map[string]struct{}{}
	for _, r := range cfg.Limits.Rules {
		if _, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("validate config: duplicate rule id %q", r.ID)
		}
		seen[r.ID] = struct{}{}
	}
	return &cfg, nil
}

func applyDefaults(cfg *Root) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.PrometheusPath == "" {
		cfg.Observability.PrometheusPath = "/metrics"
	}
	if cfg.Auth.Header == "" {
		cfg.Auth.Header = "X-Admin-Key"
	}
	if cfg.Limits.APIPrefix == "" {
		cfg.Limits.APIPrefix = "/api/"
	}
	if cfg.Limits.RetryAfterSeconds == 0 {
		cfg.Limits.RetryAfterSeconds = 3
	}
	if cfg.Limits.IdleMultiplier == 0 {
		cfg.Limits.IdleMultiplier = 2
	}
	if cfg.Limits.SweepIntervalMS == 0 {
		cfg.Limits.SweepIntervalMS = 60_000
	}
	if len(cfg.Limits.Rules) == 0 {
		cfg.Limits.Rules = DefaultRules()
	}
	if cfg.Stats.Redis.Prefix == "" {
		cfg.Stats.Redis.Prefix = "ideahub:admission"
	}
	if cfg.Stats.Redis.TTLMS == 0 {
		cfg.Stats.Redis.TTLMS = int((24 * time.Hour) / time.Millisecond)
	}
	if cfg.Stats.Redis.TimeoutMS == 0 {
		cfg.Stats.Redis.TimeoutMS = 50
	}
	if cfg.Stats.Redis.QueueSize == 0 {
		cfg.Stats.Redis.QueueSize = 1024
	}
}
