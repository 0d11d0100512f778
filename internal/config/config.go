package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/vrischmann/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/Sh00ty/indexer-agent/pkg/indexing"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"

	MetricsNoop       = "noop"
	MetricsStatsd     = "statsd"
	MetricsPrometheus = "prometheus"
)

type Config struct {
	NodeID      string `envconfig:"AGENT_NODE_ID,default=indexer-agent"`
	LoggerLevel string `envconfig:"LOGGER_LEVEL,optional"`

	APIAddr   string `envconfig:"API_ADDR,default=0.0.0.0:8000"`
	ProbeAddr string `envconfig:"PROBE_ADDR,default=0.0.0.0:8080"`
	// OperatorToken guards queueing pre-approved actions over the api. Empty allows every caller.
	OperatorToken string `envconfig:"API_OPERATOR_TOKEN,optional"`

	ManagementMode          string   `envconfig:"ALLOCATION_MANAGEMENT_MODE,default=oversight"`
	AutoApproveDeployments  []string `envconfig:"AUTO_APPROVE_DEPLOYMENTS,optional"`
	DefaultAllocationAmount string   `envconfig:"DEFAULT_ALLOCATION_AMOUNT,default=0.01"`
	IndexingRulesFile       string   `envconfig:"INDEXING_RULES_FILE,optional"`

	Storage          string `envconfig:"STORAGE,default=memory"`
	DatabaseHost     string `envconfig:"DATABASE_HOST,optional"`
	DatabaseUser     string `envconfig:"DATABASE_USER,optional"`
	DatabasePassword string `envconfig:"DATABASE_PASSWORD,optional"`
	DatabasePort     uint16 `envconfig:"DATABASE_PORT,default=5432"`
	DatabaseName     string `envconfig:"DATABASE_NAME,default=indexer_agent"`

	NetworkURL      string        `envconfig:"NETWORK_URL"`
	NetworkTimeout  time.Duration `envconfig:"NETWORK_TIMEOUT,default=10s"`
	NetworkAttempts uint          `envconfig:"NETWORK_ATTEMPTS,default=3"`

	TxManagerURL      string        `envconfig:"TX_MANAGER_URL"`
	TxManagerTimeout  time.Duration `envconfig:"TX_MANAGER_TIMEOUT,default=2m"`
	TxManagerAttempts uint          `envconfig:"TX_MANAGER_ATTEMPTS,default=3"`

	ExecutorInterval         time.Duration `envconfig:"EXECUTOR_INTERVAL,default=30s"`
	ExecutorMinBatchSize     int           `envconfig:"EXECUTOR_MIN_BATCH_SIZE,default=1"`
	ExecutorMaxBatchSize     int           `envconfig:"EXECUTOR_MAX_BATCH_SIZE,optional"`
	ExecutorMaxBatchDelay    time.Duration `envconfig:"EXECUTOR_MAX_BATCH_DELAY,default=10m"`
	ExecutorMaxPendingCycles int           `envconfig:"EXECUTOR_MAX_PENDING_CYCLES,default=5"`

	DecisionInterval     time.Duration `envconfig:"DECISION_INTERVAL,default=2m"`
	DecisionTriggerEvery time.Duration `envconfig:"DECISION_TRIGGER_EVERY,default=4s"`
	DecisionTriggerBurst int           `envconfig:"DECISION_TRIGGER_BURST,default=4"`

	KafkaBrokers        []string      `envconfig:"KAFKA_BROKERS,optional"`
	KafkaActionsTopic   string        `envconfig:"KAFKA_ACTIONS_TOPIC,default=indexer-agent.actions"`
	KafkaRulesTopic     string        `envconfig:"KAFKA_RULES_TOPIC,optional"`
	EventsResendTimeout time.Duration `envconfig:"EVENTS_RESEND_TIMEOUT,default=10s"`

	EtcdHosts    []string `envconfig:"ETCD_HOSTS,optional"`
	LeaderTTLSec int      `envconfig:"LEADER_TTL_SEC,default=10"`

	MetricsBackend string `envconfig:"METRICS_BACKEND,default=prometheus"`
	StatsdAddr     string `envconfig:"STATSD_ADDR,optional"`
	MetricsPrefix  string `envconfig:"METRICS_PREFIX,default=indexer_agent"`
}

// Load reads a .env file when there is one and then the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}
	cfg := Config{}
	if err := envconfig.Init(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to read app config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.ManagementMode {
	case "auto", "manual", "oversight":
	default:
		return fmt.Errorf("unknown allocation management mode %q", c.ManagementMode)
	}
	switch c.Storage {
	case StorageMemory:
	case StoragePostgres:
		if c.DatabaseHost == "" {
			return errors.New("DATABASE_HOST is required for postgres storage")
		}
	default:
		return fmt.Errorf("unknown storage %q", c.Storage)
	}
	switch c.MetricsBackend {
	case MetricsNoop, MetricsPrometheus:
	case MetricsStatsd:
		if c.StatsdAddr == "" {
			return errors.New("STATSD_ADDR is required for statsd metrics")
		}
	default:
		return fmt.Errorf("unknown metrics backend %q", c.MetricsBackend)
	}
	amount, err := decimal.NewFromString(c.DefaultAllocationAmount)
	if err != nil {
		return fmt.Errorf("invalid default allocation amount: %w", err)
	}
	if amount.IsNegative() {
		return errors.New("default allocation amount can't be negative")
	}
	return nil
}

func (c Config) DefaultAmount() decimal.Decimal {
	return decimal.RequireFromString(c.DefaultAllocationAmount)
}

func LoggerLevelFromString(level string) zerolog.Level {
	level = strings.ToLower(level)
	switch level {
	case "error":
		return zerolog.ErrorLevel
	case "warn":
		return zerolog.WarnLevel
	case "info":
		return zerolog.InfoLevel
	case "debug":
		return zerolog.DebugLevel
	}
	return zerolog.WarnLevel
}

type rulesFile struct {
	Rules []indexing.IndexingRule `yaml:"rules"`
}

// LoadRulesFile reads indexing rules to apply at startup.
func LoadRulesFile(path string) ([]indexing.IndexingRule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	var file rulesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rules file %s: %w", path, err)
	}
	for i, rule := range file.Rules {
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("rule #%d in %s: %w", i, path, err)
		}
	}
	return file.Rules, nil
}
