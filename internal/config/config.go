package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/osvaldoandrade/lambda-tester/pkg/lambdatester"
)

const (
	SinkLog     = "log"
	SinkKVRocks = "kvrocks"
	SinkCodeQ   = "codeq"
	SinkBadger  = "badger"
)

type Config struct {
	Environment string `yaml:"environment"`

	Tester struct {
		TimeoutMS            int   `yaml:"timeout_ms"`
		CheckForResourceLeak *bool `yaml:"check_for_resource_leak"`
		DrainLimitMS         int   `yaml:"drain_limit_ms"`
		MaxLogBytes          int   `yaml:"max_log_bytes"`
	} `yaml:"tester"`

	Plugins struct {
		Sinks struct {
			Drivers []string `yaml:"drivers"`
			KVRocks struct {
				Addr string `yaml:"addr"`
				Auth struct {
					Mode     string `yaml:"mode"`
					Password string `yaml:"password"`
				} `yaml:"auth"`
				TTLSeconds int `yaml:"ttl_seconds"`
			} `yaml:"kvrocks"`
			CodeQ struct {
				Brokers []string `yaml:"brokers"`
				Topics  struct {
					Reports string `yaml:"reports"`
				} `yaml:"topics"`
			} `yaml:"codeq"`
			Badger struct {
				Dir      string `yaml:"dir"`
				InMemory bool   `yaml:"in_memory"`
			} `yaml:"badger"`
		} `yaml:"sinks"`
	} `yaml:"plugins"`

	Gateway struct {
		HTTP struct {
			Addr string `yaml:"addr"`
		} `yaml:"http"`
		Limits struct {
			MaxBodyBytes  int `yaml:"max_body_bytes"`
			MaxConcurrent int `yaml:"max_concurrent"`
		} `yaml:"limits"`
	} `yaml:"cs_tester_gateway"`
}

// Default is the configuration used when no file is given: log sink only,
// gateway on :8080, built-in tester defaults.
func Default() Config {
	var cfg Config
	applyDefaults(&cfg)
	return cfg
}

// Load reads a YAML file, applies CS_TESTER_* environment overrides and
// validates the result. An empty path loads Default plus overrides.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	}
	overrideEnv(&cfg)
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func overrideEnv(cfg *Config) {
	if v := os.Getenv("CS_TESTER_ENVIRONMENT"); v != "" {
		cfg.Environment = v
	}
	if v, ok := envInt("CS_TESTER_TIMEOUT_MS"); ok {
		cfg.Tester.TimeoutMS = v
	}
	if v := os.Getenv("CS_TESTER_CHECK_FOR_RESOURCE_LEAK"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.Tester.CheckForResourceLeak = &parsed
		}
	}
	if v, ok := envInt("CS_TESTER_DRAIN_LIMIT_MS"); ok {
		cfg.Tester.DrainLimitMS = v
	}
	if v, ok := envInt("CS_TESTER_MAX_LOG_BYTES"); ok {
		cfg.Tester.MaxLogBytes = v
	}
	if v := os.Getenv("CS_TESTER_SINKS"); v != "" {
		cfg.Plugins.Sinks.Drivers = splitList(v)
	}
	if v := os.Getenv("CS_TESTER_KVROCKS_ADDR"); v != "" {
		cfg.Plugins.Sinks.KVRocks.Addr = v
	}
	if v := os.Getenv("CS_TESTER_KVROCKS_PASSWORD"); v != "" {
		cfg.Plugins.Sinks.KVRocks.Auth.Password = v
	}
	if v := os.Getenv("CS_TESTER_CODEQ_BROKERS"); v != "" {
		cfg.Plugins.Sinks.CodeQ.Brokers = splitList(v)
	}
	if v := os.Getenv("CS_TESTER_BADGER_DIR"); v != "" {
		cfg.Plugins.Sinks.Badger.Dir = v
	}
	if v := os.Getenv("CS_TESTER_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.HTTP.Addr = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "local"
	}
	if len(cfg.Plugins.Sinks.Drivers) == 0 {
		cfg.Plugins.Sinks.Drivers = []string{SinkLog}
	}
	if cfg.Plugins.Sinks.KVRocks.Auth.Mode == "" {
		cfg.Plugins.Sinks.KVRocks.Auth.Mode = "none"
	}
	if cfg.Plugins.Sinks.KVRocks.TTLSeconds == 0 {
		cfg.Plugins.Sinks.KVRocks.TTLSeconds = 7 * 24 * 3600
	}
	if cfg.Plugins.Sinks.CodeQ.Topics.Reports == "" {
		cfg.Plugins.Sinks.CodeQ.Topics.Reports = "cs.tester.reports"
	}
	if cfg.Gateway.HTTP.Addr == "" {
		cfg.Gateway.HTTP.Addr = ":8080"
	}
	if cfg.Gateway.Limits.MaxBodyBytes == 0 {
		cfg.Gateway.Limits.MaxBodyBytes = 32 << 20
	}
	if cfg.Gateway.Limits.MaxConcurrent == 0 {
		cfg.Gateway.Limits.MaxConcurrent = 8
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Environment) == "" {
		return errors.New("environment is required")
	}
	if c.Tester.TimeoutMS < 0 {
		return errors.New("tester.timeout_ms must be >= 0")
	}
	if c.Tester.DrainLimitMS < 0 {
		return errors.New("tester.drain_limit_ms must be >= 0")
	}
	if c.Tester.MaxLogBytes < 0 {
		return errors.New("tester.max_log_bytes must be >= 0")
	}
	if len(c.Plugins.Sinks.Drivers) == 0 {
		return errors.New("plugins.sinks.drivers is required")
	}
	for _, driver := range c.Plugins.Sinks.Drivers {
		switch driver {
		case SinkLog:
		case SinkKVRocks:
			if strings.TrimSpace(c.Plugins.Sinks.KVRocks.Addr) == "" {
				return errors.New("plugins.sinks.kvrocks.addr is required")
			}
			if c.Plugins.Sinks.KVRocks.TTLSeconds <= 0 {
				return errors.New("plugins.sinks.kvrocks.ttl_seconds must be > 0")
			}
		case SinkCodeQ:
			if len(c.Plugins.Sinks.CodeQ.Brokers) == 0 {
				return errors.New("plugins.sinks.codeq.brokers is required")
			}
			if c.Plugins.Sinks.CodeQ.Topics.Reports == "" {
				return errors.New("plugins.sinks.codeq.topics.reports is required")
			}
		case SinkBadger:
			if c.Plugins.Sinks.Badger.Dir == "" && !c.Plugins.Sinks.Badger.InMemory {
				return errors.New("plugins.sinks.badger.dir is required unless in_memory is set")
			}
		default:
			return fmt.Errorf("unsupported sink plugin driver: %s", driver)
		}
	}
	if c.Gateway.HTTP.Addr == "" {
		return errors.New("cs_tester_gateway.http.addr is required")
	}
	if c.Gateway.Limits.MaxBodyBytes <= 0 {
		return errors.New("cs_tester_gateway.limits.max_body_bytes must be > 0")
	}
	if c.Gateway.Limits.MaxConcurrent <= 0 {
		return errors.New("cs_tester_gateway.limits.max_concurrent must be > 0")
	}
	return nil
}

// TesterDefaults converts the tester section into process defaults. Zero
// values keep the built-in ones.
func (c Config) TesterDefaults() lambdatester.Defaults {
	d := lambdatester.CurrentDefaults()
	if c.Tester.TimeoutMS > 0 {
		d.Timeout = time.Duration(c.Tester.TimeoutMS) * time.Millisecond
	}
	if c.Tester.CheckForResourceLeak != nil {
		d.CheckForResourceLeak = *c.Tester.CheckForResourceLeak
	}
	if c.Tester.DrainLimitMS > 0 {
		d.DrainLimit = time.Duration(c.Tester.DrainLimitMS) * time.Millisecond
	}
	if c.Tester.MaxLogBytes > 0 {
		d.MaxLogBytes = c.Tester.MaxLogBytes
	}
	return d
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
