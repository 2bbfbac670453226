package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	base "github.com/trademaster/execd/libs/config"
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaTopics struct {
	BrokerEvents    string
	OrderState      string
	PositionUpdates string
	DeadLetter      string
}

type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topics        KafkaTopics
}

// BrokerConfig describes one broker connection. Mode is "paper" for the
// in-process simulator or "rest" for a real order API.
type BrokerConfig struct {
	ID             string   `mapstructure:"id"`
	Mode           string   `mapstructure:"mode"`
	BaseURL        string   `mapstructure:"base_url"`
	APIKeyEnv      string   `mapstructure:"api_key_env"`
	CostBps        float64  `mapstructure:"cost_bps"`
	RateLimit      int      `mapstructure:"rate_limit"`
	RateWindowMS   int      `mapstructure:"rate_window_ms"`
	OrderTypes     []string `mapstructure:"order_types"`
	TimeInForce    []string `mapstructure:"time_in_force"`
	PaperFillDelay string   `mapstructure:"paper_fill_delay"`
	PaperPartSteps int      `mapstructure:"paper_partial_steps"`
}

func (b BrokerConfig) APIKey() string {
	if b.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(b.APIKeyEnv)
}

func (b BrokerConfig) RateWindow() time.Duration {
	if b.RateWindowMS <= 0 {
		return time.Second
	}
	return time.Duration(b.RateWindowMS) * time.Millisecond
}

type HealthConfig struct {
	FailureThreshold  int
	WindowSize        int
	WindowErrorRate   float64
	DownThreshold     int
	RecoveryThreshold int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

type RecoveryConfig struct {
	MaxAttempts   int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	Multiplier    float64
	CallTimeout   time.Duration
	SweepInterval time.Duration
}

type RoutingConfig struct {
	CostWeight    float64
	QualityWeight float64
	RateWeight    float64
}

type Config struct {
	App       base.AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Brokers   []BrokerConfig
	Health    HealthConfig
	Recovery  RecoveryConfig
	Routing   RoutingConfig
	Marks     map[string]string
	JWTSecret string

	InstrumentRefresh time.Duration
}

func Load() (*Config, error) {
	appCfg, err := base.Load(os.Getenv("EXEC_CONFIG"))
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("EXEC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := os.Getenv("EXEC_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.consumer_group", "execution-service")
	v.SetDefault("kafka.topics.broker_events", "broker.events")
	v.SetDefault("kafka.topics.order_state", "orders.state_changed")
	v.SetDefault("kafka.topics.position_updates", "positions.updated")
	v.SetDefault("kafka.topics.dead_letter", "dead_letter")
	v.SetDefault("jwt_secret", "")

	var brokers []BrokerConfig
	if err := v.UnmarshalKey("brokers", &brokers); err != nil {
		return nil, fmt.Errorf("decode brokers: %w", err)
	}
	if len(brokers) == 0 {
		brokers = []BrokerConfig{{
			ID:         "paper",
			Mode:       "paper",
			CostBps:    0,
			RateLimit:  100,
			OrderTypes: []string{"market", "limit", "stop_loss", "stop_limit", "bracket"},
		}}
	}

	marks := map[string]string{}
	if err := v.UnmarshalKey("marks", &marks); err != nil {
		return nil, fmt.Errorf("decode marks: %w", err)
	}

	cfg := &Config{
		App: *appCfg,
		DB: DBConfig{
			Host:     envString("DB_HOST", envString("POSTGRES_HOST", "localhost")),
			Port:     envInt("DB_PORT", envInt("POSTGRES_PORT", 5432)),
			Name:     envString("DB_NAME", envString("POSTGRES_DB", "trademaster_exec")),
			User:     envString("DB_USER", envString("POSTGRES_USER", "trademaster")),
			Password: envString("DB_PASSWORD", envString("POSTGRES_PASSWORD", "trademaster")),
			SSLMode:  envString("DB_SSLMODE", envString("POSTGRES_SSLMODE", "disable")),
		},
		Redis: RedisConfig{
			Addr:     envString("REDIS_ADDR", ""),
			Password: envString("REDIS_PASSWORD", ""),
			DB:       envInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers:       envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			ConsumerGroup: envString("KAFKA_CONSUMER_GROUP", v.GetString("kafka.consumer_group")),
			Topics: KafkaTopics{
				BrokerEvents:    envString("KAFKA_BROKER_EVENTS_TOPIC", v.GetString("kafka.topics.broker_events")),
				OrderState:      envString("KAFKA_ORDER_STATE_TOPIC", v.GetString("kafka.topics.order_state")),
				PositionUpdates: envString("KAFKA_POSITION_UPDATES_TOPIC", v.GetString("kafka.topics.position_updates")),
				DeadLetter:      envString("KAFKA_DLQ_TOPIC", v.GetString("kafka.topics.dead_letter")),
			},
		},
		Brokers: brokers,
		Health: HealthConfig{
			FailureThreshold:  envInt("HEALTH_FAILURE_THRESHOLD", 3),
			WindowSize:        envInt("HEALTH_WINDOW_SIZE", 20),
			WindowErrorRate:   envFloat("HEALTH_WINDOW_ERROR_RATE", 0.5),
			DownThreshold:     envInt("HEALTH_DOWN_THRESHOLD", 3),
			RecoveryThreshold: envInt("HEALTH_RECOVERY_THRESHOLD", 5),
			HeartbeatInterval: envDuration("HEALTH_HEARTBEAT_INTERVAL", 10*time.Second),
			HeartbeatTimeout:  envDuration("HEALTH_HEARTBEAT_TIMEOUT", 3*time.Second),
		},
		Recovery: RecoveryConfig{
			MaxAttempts:   envInt("RECOVERY_MAX_ATTEMPTS", 3),
			BaseBackoff:   envDuration("RECOVERY_BASE_BACKOFF", 200*time.Millisecond),
			MaxBackoff:    envDuration("RECOVERY_MAX_BACKOFF", 5*time.Second),
			Multiplier:    envFloat("RECOVERY_MULTIPLIER", 2),
			CallTimeout:   envDuration("RECOVERY_CALL_TIMEOUT", 5*time.Second),
			SweepInterval: envDuration("RECOVERY_SWEEP_INTERVAL", 30*time.Second),
		},
		Routing: RoutingConfig{
			CostWeight:    envFloat("ROUTING_COST_WEIGHT", 0.5),
			QualityWeight: envFloat("ROUTING_QUALITY_WEIGHT", 0.3),
			RateWeight:    envFloat("ROUTING_RATE_WEIGHT", 0.2),
		},
		Marks:             marks,
		JWTSecret:         envString("JWT_SECRET", v.GetString("jwt_secret")),
		InstrumentRefresh: envDuration("INSTRUMENT_REFRESH_INTERVAL", 5*time.Minute),
	}

	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if cfg.Kafka.ConsumerGroup == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if cfg.Kafka.Topics.BrokerEvents == "" || cfg.Kafka.Topics.OrderState == "" || cfg.Kafka.Topics.PositionUpdates == "" {
		return nil, fmt.Errorf("kafka topics required")
	}
	seen := map[string]bool{}
	for _, b := range cfg.Brokers {
		if b.ID == "" {
			return nil, fmt.Errorf("broker id required")
		}
		if seen[b.ID] {
			return nil, fmt.Errorf("duplicate broker id %q", b.ID)
		}
		seen[b.ID] = true
		if b.Mode != "paper" && b.Mode != "rest" {
			return nil, fmt.Errorf("broker %s: mode must be paper or rest", b.ID)
		}
		if b.Mode == "rest" && b.BaseURL == "" {
			return nil, fmt.Errorf("broker %s: base_url required for rest mode", b.ID)
		}
	}
	weightSum := cfg.Routing.CostWeight + cfg.Routing.QualityWeight + cfg.Routing.RateWeight
	if weightSum <= 0 {
		return nil, fmt.Errorf("routing weights must sum to a positive value")
	}

	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv("EXEC_" + key); v != "" {
		return v
	}
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv("EXEC_" + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv("EXEC_" + key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv("EXEC_" + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	parse := func(v string) []string {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	}
	if v := os.Getenv("EXEC_" + key); v != "" {
		if out := parse(v); len(out) > 0 {
			return out
		}
	}
	if v := os.Getenv(key); v != "" {
		if out := parse(v); len(out) > 0 {
			return out
		}
	}
	return def
}
