// Package config holds the service configuration: yaml file loading with
// defaults, validated before the node boots.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Config is the full node configuration. Zero values fall back to the
// defaults from Default; flags overlay individual fields on top.
type Config struct {
	// Verbosity is the logrus level name (trace..panic).
	Verbosity string `yaml:"verbosity"`
	// LogFormat selects text, fluentd, or json output.
	LogFormat string `yaml:"log-format"`
	// MonitoringAddr serves /metrics and /healthz; empty disables the server.
	MonitoringAddr string `yaml:"monitoring-addr"`

	Database  Database  `yaml:"database"`
	Eth       Eth       `yaml:"eth"`
	Blobstore Blobstore `yaml:"blobstore"`
	Queue     Queue     `yaml:"queue"`
	Anchor    Anchor    `yaml:"anchor"`
}

// Database configures the Postgres stores and the request lifecycle windows.
type Database struct {
	// DSN is the Postgres connection string; empty runs on the in-memory
	// stores (single-node deployments and tests).
	DSN                string        `yaml:"dsn"`
	MaxAnchoringDelay  time.Duration `yaml:"max-anchoring-delay"`
	ProcessingTimeout  time.Duration `yaml:"processing-timeout"`
	ReadyTimeout       time.Duration `yaml:"ready-timeout"`
	FailureRetryWindow time.Duration `yaml:"failure-retry-window"`
	RequestExpiry      time.Duration `yaml:"request-expiry"`
}

// Eth configures the on-chain submission engine.
type Eth struct {
	RPCEndpoint string `yaml:"rpc-endpoint"`
	PrivateKey  string `yaml:"private-key"`
	ChainID     int64  `yaml:"chain-id"`
	// ContractAddress switches to anchorDagCbor(bytes32) contract calls;
	// empty anchors via self-transactions.
	ContractAddress     string        `yaml:"contract-address"`
	GasLimit            uint64        `yaml:"gas-limit"`
	MaxRetries          int           `yaml:"max-retries"`
	TransactionTimeout  time.Duration `yaml:"transaction-timeout"`
	ReceiptPollInterval time.Duration `yaml:"receipt-poll-interval"`
}

// Blobstore configures CAR storage. An empty bucket keeps CARs in memory.
type Blobstore struct {
	GCSBucket     string `yaml:"gcs-bucket"`
	MerklePrefix  string `yaml:"merkle-prefix"`
	WitnessPrefix string `yaml:"witness-prefix"`
}

// Queue configures the Kafka batch consumer. No brokers means DB mode: the
// worker promotes and takes batches from the database itself.
type Queue struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group-id"`
}

// Anchor configures batch formation and the worker cadence.
type Anchor struct {
	// Worker enables the anchoring loop. A non-worker node only promotes
	// batches and emits anchor-ready events.
	Worker              bool          `yaml:"worker"`
	Interval            time.Duration `yaml:"interval"`
	MaintenanceInterval time.Duration `yaml:"maintenance-interval"`
	MaxStreamLimit      int           `yaml:"max-stream-limit"`
	MinStreamLimit      int           `yaml:"min-stream-limit"`
	MerkleDepthLimit    int           `yaml:"merkle-depth-limit"`
	MutexAttempts       int           `yaml:"mutex-attempts"`
	MutexWait           time.Duration `yaml:"mutex-wait"`
	ReceiveWait         time.Duration `yaml:"receive-wait"`
	LongAnchorAlert     time.Duration `yaml:"long-anchor-alert"`
}

// Default returns the configuration a mainnet worker starts from.
func Default() *Config {
	return &Config{
		Verbosity:      "info",
		LogFormat:      "text",
		MonitoringAddr: "127.0.0.1:8080",
		Database: Database{
			MaxAnchoringDelay:  12 * time.Hour,
			ProcessingTimeout:  3 * time.Hour,
			ReadyTimeout:       time.Hour,
			FailureRetryWindow: 48 * time.Hour,
			RequestExpiry:      30 * 24 * time.Hour,
		},
		Eth: Eth{
			ChainID:             1,
			MaxRetries:          3,
			TransactionTimeout:  3 * time.Minute,
			ReceiptPollInterval: 12 * time.Second,
		},
		Anchor: Anchor{
			Worker:              true,
			Interval:            10 * time.Minute,
			MaintenanceInterval: time.Hour,
			MaxStreamLimit:      1024,
			MinStreamLimit:      512,
			MerkleDepthLimit:    10,
			MutexAttempts:       3,
			MutexWait:           5 * time.Second,
			ReceiveWait:         30 * time.Second,
			LongAnchorAlert:     30 * time.Minute,
		},
	}
}

// Load reads a yaml config file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return nil, errors.Wrapf(err, "reading config file %s", path)
	}
	if err := yaml.UnmarshalStrict(raw, cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config file %s", path)
	}
	return cfg, nil
}

// Validate rejects configurations the node cannot run with.
func (c *Config) Validate() error {
	if c.Eth.RPCEndpoint == "" {
		return errors.New("eth rpc-endpoint is required")
	}
	if c.Eth.PrivateKey == "" {
		return errors.New("eth private-key is required")
	}
	if c.Eth.ChainID == 0 {
		return errors.New("eth chain-id is required")
	}
	if c.Anchor.MaxStreamLimit <= 0 {
		return errors.New("anchor max-stream-limit must be positive")
	}
	if c.Anchor.MinStreamLimit > c.Anchor.MaxStreamLimit {
		return errors.New("anchor min-stream-limit exceeds max-stream-limit")
	}
	if len(c.Queue.Brokers) > 0 && c.Queue.Topic == "" {
		return errors.New("queue topic is required when brokers are set")
	}
	return nil
}
