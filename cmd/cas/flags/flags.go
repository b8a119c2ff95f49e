// Package flags defines the command-line flags of the cas binary, grouped
// the way the usage template presents them.
package flags

import (
	"time"

	"github.com/urfave/cli/v2"
)

var (
	// ConfigFileFlag loads a yaml config file before flag overlays.
	ConfigFileFlag = &cli.StringFlag{
		Name:  "config-file",
		Usage: "Path to a yaml configuration file",
	}
	// VerbosityFlag sets the logging level.
	VerbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity (trace, debug, info, warn, error, fatal, panic)",
		Value: "info",
	}
	// LogFormatFlag selects the log output format.
	LogFormatFlag = &cli.StringFlag{
		Name:  "log-format",
		Usage: "Log format, one of: text, json",
		Value: "text",
	}
	// MonitoringAddrFlag serves /metrics and /healthz.
	MonitoringAddrFlag = &cli.StringFlag{
		Name:  "monitoring-addr",
		Usage: "host:port for the metrics and health endpoints, empty to disable",
	}

	// DBDSNFlag is the Postgres connection string.
	DBDSNFlag = &cli.StringFlag{
		Name:  "db-dsn",
		Usage: "Postgres connection string; empty runs on in-memory stores",
	}
	// MaxAnchoringDelayFlag force-promotes streams waiting longer than this.
	MaxAnchoringDelayFlag = &cli.DurationFlag{
		Name:  "max-anchoring-delay",
		Usage: "Oldest a pending request may get before its stream is anchored regardless of batch size",
		Value: 12 * time.Hour,
	}
	// ProcessingTimeoutFlag reclaims requests stuck in processing.
	ProcessingTimeoutFlag = &cli.DurationFlag{
		Name:  "processing-timeout",
		Usage: "Re-promote processing requests not updated within this window",
		Value: 3 * time.Hour,
	}

	// EthRPCEndpointFlag is the Ethereum provider URL.
	EthRPCEndpointFlag = &cli.StringFlag{
		Name:  "eth-rpc-endpoint",
		Usage: "Ethereum JSON-RPC provider URL",
	}
	// EthPrivateKeyFlag is the anchoring wallet key.
	EthPrivateKeyFlag = &cli.StringFlag{
		Name:  "eth-private-key",
		Usage: "Hex-encoded private key of the anchoring wallet",
	}
	// EthChainIDFlag pins the expected chain.
	EthChainIDFlag = &cli.Int64Flag{
		Name:  "eth-chain-id",
		Usage: "Expected chain id; submission aborts if the provider disagrees",
		Value: 1,
	}
	// EthContractAddressFlag switches to contract-mode anchoring.
	EthContractAddressFlag = &cli.StringFlag{
		Name:  "eth-contract-address",
		Usage: "Anchor contract address; empty anchors via self-transactions",
	}
	// EthGasLimitFlag overrides gas estimation.
	EthGasLimitFlag = &cli.Uint64Flag{
		Name:  "eth-gas-limit",
		Usage: "Fixed gas limit for anchor transactions, 0 to estimate",
	}
	// EthTransactionTimeoutFlag bounds the per-attempt receipt wait.
	EthTransactionTimeoutFlag = &cli.DurationFlag{
		Name:  "eth-transaction-timeout",
		Usage: "How long to wait for a transaction to be mined before bumping fees",
		Value: 3 * time.Minute,
	}

	// GCSBucketFlag stores CAR files in Google Cloud Storage.
	GCSBucketFlag = &cli.StringFlag{
		Name:  "gcs-bucket",
		Usage: "GCS bucket for merkle and witness CAR files; empty keeps them in memory",
	}

	// QueueBrokersFlag enables queue mode.
	QueueBrokersFlag = &cli.StringSliceFlag{
		Name:  "queue-brokers",
		Usage: "Kafka seed brokers; empty takes batches from the database instead",
	}
	// QueueTopicFlag is the batch descriptor topic.
	QueueTopicFlag = &cli.StringFlag{
		Name:  "queue-topic",
		Usage: "Kafka topic carrying anchor batch descriptors",
	}
	// QueueGroupFlag shares the topic between workers.
	QueueGroupFlag = &cli.StringFlag{
		Name:  "queue-group",
		Usage: "Kafka consumer group id",
		Value: "cas-anchor",
	}

	// WorkerFlag toggles the anchoring loop.
	WorkerFlag = &cli.BoolFlag{
		Name:  "worker",
		Usage: "Run the anchoring loop; disable to only promote batches and emit ready events",
		Value: true,
	}
	// AnchorIntervalFlag is the worker cadence.
	AnchorIntervalFlag = &cli.DurationFlag{
		Name:  "anchor-interval",
		Usage: "Interval between anchor batches",
		Value: 10 * time.Minute,
	}
	// MaxStreamLimitFlag caps batch size.
	MaxStreamLimitFlag = &cli.IntFlag{
		Name:  "max-stream-limit",
		Usage: "Maximum streams per anchor batch",
		Value: 1024,
	}
	// MinStreamLimitFlag gates batch promotion.
	MinStreamLimitFlag = &cli.IntFlag{
		Name:  "min-stream-limit",
		Usage: "Streams required before a batch is promoted, unless a request is overdue",
		Value: 512,
	}
	// MerkleDepthLimitFlag bounds the anchor tree.
	MerkleDepthLimitFlag = &cli.IntFlag{
		Name:  "merkle-depth-limit",
		Usage: "Maximum merkle tree depth, 0 for unbounded",
		Value: 10,
	}
)
