package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML accepts "10s" style strings.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"10s\"")
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	*d = Duration(v)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Environment string `yaml:"environment"`
	Server      struct {
		Port            int      `yaml:"port"`
		ReadTimeout     Duration `yaml:"read_timeout"`
		WriteTimeout    Duration `yaml:"write_timeout"`
		ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`
	Logging struct {
		Level     string `yaml:"level"`
		Format    string `yaml:"format"`
		Output    string `yaml:"output"`
		Collector struct {
			Enabled        bool     `yaml:"enabled"`
			Topic          string   `yaml:"topic"`
			Interval       Duration `yaml:"interval"`
			CountThreshold int      `yaml:"count_threshold"`
		} `yaml:"collector"`
	} `yaml:"logging"`
	Signals struct {
		EfficientThreshold float64  `yaml:"efficient_threshold"`
		NeutralThreshold   float64  `yaml:"neutral_threshold"`
		PersistTTL         Duration `yaml:"persist_ttl"`
		SnapshotCacheTTL   Duration `yaml:"snapshot_cache_ttl"`
	} `yaml:"signals"`
	Budget struct {
		TotalCapital string `yaml:"total_capital"`
	} `yaml:"budget"`
	Delta struct {
		Default struct {
			HardLimit float64 `yaml:"hard_limit"`
			SoftLimit float64 `yaml:"soft_limit"`
		} `yaml:"default"`
		Groups map[string]struct {
			HardLimit float64 `yaml:"hard_limit"`
			SoftLimit float64 `yaml:"soft_limit"`
		} `yaml:"groups"`
		PurgeInterval Duration `yaml:"purge_interval"`
	} `yaml:"delta"`
	Circuit struct {
		Default struct {
			FailureThreshold int      `yaml:"failure_threshold"`
			SuccessThreshold int      `yaml:"success_threshold"`
			RecoveryTimeout  Duration `yaml:"recovery_timeout"`
			CallTimeout      Duration `yaml:"call_timeout"`
		} `yaml:"default"`
		Dependencies map[string]struct {
			FailureThreshold int      `yaml:"failure_threshold"`
			SuccessThreshold int      `yaml:"success_threshold"`
			RecoveryTimeout  Duration `yaml:"recovery_timeout"`
			CallTimeout      Duration `yaml:"call_timeout"`
		} `yaml:"dependencies"`
		SnapshotTTL Duration `yaml:"snapshot_ttl"`
	} `yaml:"circuit"`
	RateLimit struct {
		Default struct {
			MaxRequests int      `yaml:"max_requests"`
			Window      Duration `yaml:"window"`
		} `yaml:"default"`
		Classes map[string]struct {
			MaxRequests int      `yaml:"max_requests"`
			Window      Duration `yaml:"window"`
		} `yaml:"classes"`
	} `yaml:"ratelimit"`
	Risk struct {
		KellyFraction       float64 `yaml:"kelly_fraction"`
		MaxPositionPct      float64 `yaml:"max_position_pct"`
		MaxPositionUSD      float64 `yaml:"max_position_usd"`
		MaxDailyLossPct     float64 `yaml:"max_daily_loss_pct"`
		VolatilityThreshold float64 `yaml:"volatility_threshold"`
		Timezone            string  `yaml:"timezone"`
	} `yaml:"risk"`
	Gateway struct {
		Dependency string   `yaml:"dependency"`
		OrderClass string   `yaml:"order_class"`
		MaxWait    Duration `yaml:"max_wait"`
	} `yaml:"gateway"`
	Store struct {
		Backend string `yaml:"backend"`
		Redis   struct {
			Host         string   `yaml:"host"`
			Port         int      `yaml:"port"`
			Password     string   `yaml:"password"`
			DB           int      `yaml:"db"`
			Prefix       string   `yaml:"prefix"`
			PoolSize     int      `yaml:"pool_size"`
			MinIdleConns int      `yaml:"min_idle_conns"`
			PoolTimeout  Duration `yaml:"pool_timeout"`
		} `yaml:"redis"`
		Memory struct {
			MaxSize         int      `yaml:"max_size"`
			CleanupInterval Duration `yaml:"cleanup_interval"`
		} `yaml:"memory"`
		Outbox struct {
			QueueSize    int      `yaml:"queue_size"`
			WriteTimeout Duration `yaml:"write_timeout"`
		} `yaml:"outbox"`
	} `yaml:"store"`
	Journal struct {
		Backend      string   `yaml:"backend"`
		BatchSize    int      `yaml:"batch_size"`
		BatchTimeout Duration `yaml:"batch_timeout"`
		QueueSize    int      `yaml:"queue_size"`
	} `yaml:"journal"`
	Kafka struct {
		Brokers      []string `yaml:"brokers"`
		IntelTopic   string   `yaml:"intel_topic"`
		JournalTopic string   `yaml:"journal_topic"`
		RequiredAcks int      `yaml:"required_acks"`
		Compression  string   `yaml:"compression"`
		Producer     struct {
			MaxAttempts  int      `yaml:"max_attempts"`
			Linger       Duration `yaml:"linger"`
			BatchBytes   int      `yaml:"batch_bytes"`
			BatchSize    int      `yaml:"batch_size"`
			WriteTimeout Duration `yaml:"write_timeout"`
			ReadTimeout  Duration `yaml:"read_timeout"`
			Async        bool     `yaml:"async"`
		} `yaml:"producer"`
		Consumer struct {
			GroupID         string   `yaml:"group_id"`
			AutoOffsetReset string   `yaml:"auto_offset_reset"`
			Workers         int      `yaml:"workers"`
			BufferSize      int      `yaml:"buffer_size"`
			RetryMax        int      `yaml:"retry_max"`
			BackoffMin      Duration `yaml:"backoff_min"`
			BackoffMax      Duration `yaml:"backoff_max"`
			DLQTopic        string   `yaml:"dlq_topic"`
			MinBytes        int      `yaml:"min_bytes"`
			MaxBytes        int      `yaml:"max_bytes"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`
	ClickHouse struct {
		Host             string   `yaml:"host"`
		Port             int      `yaml:"port"`
		Database         string   `yaml:"database"`
		User             string   `yaml:"user"`
		Password         string   `yaml:"password"`
		UseHTTP          bool     `yaml:"use_http"`
		AsyncInsert      bool     `yaml:"async_insert"`
		WaitForAsync     bool     `yaml:"wait_for_async_insert"`
		DialTimeout      Duration `yaml:"dial_timeout"`
		ReadTimeout      Duration `yaml:"read_timeout"`
		WriteTimeout     Duration `yaml:"write_timeout"`
		MaxExecutionTime Duration `yaml:"max_execution_time"`
	} `yaml:"clickhouse"`
	Market struct {
		WebSocketURL     string   `yaml:"websocket_url"`
		RestURL          string   `yaml:"rest_url"`
		Tokens           []string `yaml:"tokens"`
		ReconnectDelay   Duration `yaml:"reconnect_delay"`
		PingInterval     Duration `yaml:"ping_interval"`
		ThrottleInterval Duration `yaml:"throttle_interval"`
		Bootstrap        bool     `yaml:"bootstrap"`
	} `yaml:"market"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Validate required fields
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &c, nil
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
func LoadWithEnv(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Override with environment variables
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("INTEL_TOPIC"); v != "" {
		c.Kafka.IntelTopic = v
	}
	if v := os.Getenv("STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Store.Redis.Host = v
	}
	if v := os.Getenv("JOURNAL_BACKEND"); v != "" {
		c.Journal.Backend = v
	}
	if v := os.Getenv("CLICKHOUSE_HOST"); v != "" {
		c.ClickHouse.Host = v
	}
	if v := os.Getenv("MARKET_WS_URL"); v != "" {
		c.Market.WebSocketURL = v
	}
	if v := os.Getenv("MARKET_TOKENS"); v != "" {
		c.Market.Tokens = strings.Split(v, ",")
	}
	if v := os.Getenv("TOTAL_CAPITAL"); v != "" {
		c.Budget.TotalCapital = v
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &c, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Environment == "" {
		return fmt.Errorf("environment is required")
	}

	total, err := decimal.NewFromString(c.Budget.TotalCapital)
	if err != nil {
		return fmt.Errorf("budget.total_capital must be a decimal string, got %q", c.Budget.TotalCapital)
	}
	if !total.IsPositive() {
		return fmt.Errorf("budget.total_capital must be positive")
	}

	if c.Signals.EfficientThreshold <= 0 {
		return fmt.Errorf("signals.efficient_threshold must be positive")
	}
	if c.Signals.NeutralThreshold <= c.Signals.EfficientThreshold {
		return fmt.Errorf("signals.neutral_threshold must be above efficient_threshold")
	}

	if err := validateLimits("delta.default", c.Delta.Default.HardLimit, c.Delta.Default.SoftLimit); err != nil {
		return err
	}
	for name, g := range c.Delta.Groups {
		if err := validateLimits("delta.groups."+name, g.HardLimit, g.SoftLimit); err != nil {
			return err
		}
	}

	if c.Circuit.Default.FailureThreshold < 1 {
		return fmt.Errorf("circuit.default.failure_threshold must be at least 1")
	}
	if c.Circuit.Default.SuccessThreshold < 1 {
		return fmt.Errorf("circuit.default.success_threshold must be at least 1")
	}
	if c.Circuit.Default.RecoveryTimeout <= 0 {
		return fmt.Errorf("circuit.default.recovery_timeout must be positive")
	}

	if c.RateLimit.Default.MaxRequests < 1 {
		return fmt.Errorf("ratelimit.default.max_requests must be at least 1")
	}
	if c.RateLimit.Default.Window <= 0 {
		return fmt.Errorf("ratelimit.default.window must be positive")
	}
	for name, cl := range c.RateLimit.Classes {
		if cl.MaxRequests < 1 {
			return fmt.Errorf("ratelimit.classes.%s.max_requests must be at least 1", name)
		}
		if cl.Window <= 0 {
			return fmt.Errorf("ratelimit.classes.%s.window must be positive", name)
		}
	}

	if c.Risk.KellyFraction <= 0 || c.Risk.KellyFraction > 1 {
		return fmt.Errorf("risk.kelly_fraction must be in (0, 1]")
	}
	if c.Risk.MaxPositionPct <= 0 || c.Risk.MaxPositionPct > 1 {
		return fmt.Errorf("risk.max_position_pct must be in (0, 1]")
	}
	if c.Risk.MaxDailyLossPct <= 0 || c.Risk.MaxDailyLossPct >= 1 {
		return fmt.Errorf("risk.max_daily_loss_pct must be in (0, 1)")
	}
	if c.Risk.Timezone != "" {
		if _, err := time.LoadLocation(c.Risk.Timezone); err != nil {
			return fmt.Errorf("risk.timezone: %w", err)
		}
	}

	switch c.Store.Backend {
	case "redis", "layered":
		if c.Store.Redis.Host == "" {
			return fmt.Errorf("store.redis.host is required for backend '%s'", c.Store.Backend)
		}
	case "memory", "off", "":
	default:
		return fmt.Errorf("store.backend must be 'redis', 'layered', 'memory' or 'off', got '%s'", c.Store.Backend)
	}

	switch c.Journal.Backend {
	case "kafka":
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers cannot be empty for journal backend 'kafka'")
		}
		if c.Kafka.JournalTopic == "" {
			return fmt.Errorf("kafka.journal_topic is required for journal backend 'kafka'")
		}
	case "clickhouse":
		if c.ClickHouse.Host == "" {
			return fmt.Errorf("clickhouse.host is required for journal backend 'clickhouse'")
		}
	case "off", "":
	default:
		return fmt.Errorf("journal.backend must be 'kafka', 'clickhouse' or 'off', got '%s'", c.Journal.Backend)
	}

	if c.Kafka.IntelTopic != "" && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers cannot be empty when kafka.intel_topic is set")
	}
	if c.Logging.Collector.Enabled {
		if c.Logging.Collector.Topic == "" {
			return fmt.Errorf("logging.collector.topic is required when the collector is enabled")
		}
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers cannot be empty when the log collector is enabled")
		}
	}

	if len(c.Market.Tokens) > 0 && c.Market.WebSocketURL == "" {
		return fmt.Errorf("market.websocket_url is required when market.tokens is set")
	}

	return nil
}

func validateLimits(name string, hard, soft float64) error {
	if hard < 0 || soft < 0 {
		return fmt.Errorf("%s: limits cannot be negative", name)
	}
	if hard > 0 && soft > hard {
		return fmt.Errorf("%s: soft_limit %v exceeds hard_limit %v", name, soft, hard)
	}
	return nil
}
