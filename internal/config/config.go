package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
// Values come from an optional YAML file and are then overridden by
// environment variables, so the binary can run locally without a file.
type ServerConfig struct {
	HTTPAddr        string        `koanf:"http_addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	RedisAddr      string `koanf:"redis_addr"`
	RedisPassword  string `koanf:"redis_password"`
	RedisKeyPrefix string `koanf:"redis_key_prefix"`

	KafkaBrokers       []string `koanf:"kafka_brokers"`
	KafkaRideTopic     string   `koanf:"kafka_ride_topic"`
	KafkaPresenceTopic string   `koanf:"kafka_presence_topic"`

	AMQPURL      string `koanf:"amqp_url"`
	AMQPExchange string `koanf:"amqp_exchange"`

	PGDSN         string `koanf:"pg_dsn"`
	RunMigrations bool   `koanf:"migrate"`

	JWTSecret string `koanf:"jwt_secret"`

	FCMEndpoint string `koanf:"fcm_endpoint"`
	FCMKey      string `koanf:"fcm_key"`

	StripeKey string `koanf:"stripe_key"`

	Dispatch DispatchConfig `koanf:"dispatch"`

	WSMessagesPerSecond float64 `koanf:"ws_messages_per_second"`
	WSBurst             int     `koanf:"ws_burst"`

	LogLevel string `koanf:"log_level"`
}

// DispatchConfig is the policy a dispatch session runs under.
type DispatchConfig struct {
	MaxRounds           int           `koanf:"max_rounds"`
	PerCandidateTimeout time.Duration `koanf:"per_candidate_timeout"`
	InterRoundDelay     time.Duration `koanf:"inter_round_delay"`
	SessionDeadline     time.Duration `koanf:"session_deadline"`
	Strategy            string        `koanf:"strategy"`
	EmptyRound          string        `koanf:"empty_round"`

	ReapSchedule string        `koanf:"reap_schedule"`
	ReapGrace    time.Duration `koanf:"reap_grace"`
	MaxSearchAge time.Duration `koanf:"max_search_age"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisKeyPrefix:     "dispatch",
		KafkaRideTopic:     "ride-status",
		KafkaPresenceTopic: "rider-presence",
		AMQPExchange:       "ride_topic",
		Dispatch: DispatchConfig{
			MaxRounds:           3,
			PerCandidateTimeout: 10 * time.Second,
			InterRoundDelay:     2 * time.Second,
			SessionDeadline:     90 * time.Second,
			Strategy:            "broadcast",
			EmptyRound:          "fail_fast",
			ReapSchedule:        "@every 30s",
			ReapGrace:           15 * time.Second,
			MaxSearchAge:        10 * time.Minute,
		},
		WSMessagesPerSecond: 5,
		WSBurst:             10,
		LogLevel:            "info",
	}
}

// LoadServerConfig builds the configuration. path may be empty, in which case
// only defaults and the environment are used.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	if path != "" {
		k := koanf.New(".")
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return cfg, fmt.Errorf("load config file %s: %w", path, err)
		}
		if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
			return cfg, fmt.Errorf("decode config file %s: %w", path, err)
		}
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	setStringFromEnv(&cfg.RedisKeyPrefix, "REDIS_KEY_PREFIX")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaRideTopic, "KAFKA_RIDE_TOPIC")
	setStringFromEnv(&cfg.KafkaPresenceTopic, "KAFKA_PRESENCE_TOPIC")

	setStringFromEnv(&cfg.AMQPURL, "AMQP_URL")
	setStringFromEnv(&cfg.AMQPExchange, "AMQP_EXCHANGE")

	setStringFromEnv(&cfg.PGDSN, "PG_DSN")
	if v := os.Getenv("MIGRATE"); v != "" {
		cfg.RunMigrations = strings.EqualFold(v, "true")
	}

	setStringFromEnv(&cfg.JWTSecret, "JWT_SECRET")
	setStringFromEnv(&cfg.FCMEndpoint, "FCM_ENDPOINT")
	setStringFromEnv(&cfg.FCMKey, "FCM_KEY")
	setStringFromEnv(&cfg.StripeKey, "STRIPE_API_KEY")

	setIntFromEnv(&cfg.Dispatch.MaxRounds, "DISPATCH_MAX_ROUNDS", &errs)
	setDurationFromEnv(&cfg.Dispatch.PerCandidateTimeout, "DISPATCH_PER_CANDIDATE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.Dispatch.InterRoundDelay, "DISPATCH_INTER_ROUND_DELAY", &errs)
	setDurationFromEnv(&cfg.Dispatch.SessionDeadline, "DISPATCH_SESSION_DEADLINE", &errs)
	setStringFromEnv(&cfg.Dispatch.Strategy, "DISPATCH_STRATEGY")
	setStringFromEnv(&cfg.Dispatch.EmptyRound, "DISPATCH_EMPTY_ROUND")
	setStringFromEnv(&cfg.Dispatch.ReapSchedule, "DISPATCH_REAP_SCHEDULE")
	setDurationFromEnv(&cfg.Dispatch.ReapGrace, "DISPATCH_REAP_GRACE", &errs)
	setDurationFromEnv(&cfg.Dispatch.MaxSearchAge, "DISPATCH_MAX_SEARCH_AGE", &errs)

	setFloatFromEnv(&cfg.WSMessagesPerSecond, "WS_MESSAGES_PER_SECOND", &errs)
	setIntFromEnv(&cfg.WSBurst, "WS_BURST", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	errs = append(errs, cfg.Dispatch.validate()...)
	if cfg.WSMessagesPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("WS_MESSAGES_PER_SECOND must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func (d DispatchConfig) validate() []error {
	var errs []error
	if d.MaxRounds <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_ROUNDS must be > 0"))
	}
	if d.PerCandidateTimeout <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_PER_CANDIDATE_TIMEOUT must be > 0"))
	}
	if d.InterRoundDelay < 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_INTER_ROUND_DELAY must be >= 0"))
	}
	if d.SessionDeadline <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_SESSION_DEADLINE must be > 0"))
	}
	switch d.Strategy {
	case "sequential", "broadcast":
	default:
		errs = append(errs, fmt.Errorf("unknown dispatch strategy %q", d.Strategy))
	}
	switch d.EmptyRound {
	case "fail_fast", "retry":
	default:
		errs = append(errs, fmt.Errorf("unknown empty round policy %q", d.EmptyRound))
	}
	return errs
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
