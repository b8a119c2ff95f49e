// cas is the Ceramic anchor service: it batches stream-update commits into a
// Merkle tree, anchors the root on Ethereum, and publishes per-stream anchor
// commits with inclusion witnesses.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/ceramicnetwork/go-cas/cmd/cas/flags"
	"github.com/ceramicnetwork/go-cas/config"
	"github.com/ceramicnetwork/go-cas/monitoring/prometheus"
	"github.com/ceramicnetwork/go-cas/node"
)

var log = logrus.WithField("prefix", "main")

var appFlags = []cli.Flag{
	flags.ConfigFileFlag,
	flags.VerbosityFlag,
	flags.LogFormatFlag,
	flags.MonitoringAddrFlag,
	flags.DBDSNFlag,
	flags.MaxAnchoringDelayFlag,
	flags.ProcessingTimeoutFlag,
	flags.EthRPCEndpointFlag,
	flags.EthPrivateKeyFlag,
	flags.EthChainIDFlag,
	flags.EthContractAddressFlag,
	flags.EthGasLimitFlag,
	flags.EthTransactionTimeoutFlag,
	flags.GCSBucketFlag,
	flags.QueueBrokersFlag,
	flags.QueueTopicFlag,
	flags.QueueGroupFlag,
	flags.WorkerFlag,
	flags.AnchorIntervalFlag,
	flags.MaxStreamLimitFlag,
	flags.MinStreamLimitFlag,
	flags.MerkleDepthLimitFlag,
}

func main() {
	app := &cli.App{
		Name:   "cas",
		Usage:  "anchors Ceramic stream commits on Ethereum",
		Flags:  appFlags,
		Before: setupLogging,
		Action: startNode,
	}
	if err := app.Run(os.Args); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}

func setupLogging(ctx *cli.Context) error {
	level, err := logrus.ParseLevel(ctx.String(flags.VerbosityFlag.Name))
	if err != nil {
		return err
	}
	logrus.SetLevel(level)

	switch format := ctx.String(flags.LogFormatFlag.Name); format {
	case "text":
		formatter := new(prefixed.TextFormatter)
		formatter.TimestampFormat = "2006-01-02 15:04:05"
		formatter.FullTimestamp = true
		logrus.SetFormatter(formatter)
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return cli.Exit("unknown log format: "+format, 1)
	}

	logrus.AddHook(prometheus.NewLogrusCollector())
	return nil
}

// loadConfig builds the effective configuration: defaults, then the yaml
// file, then explicitly set flags.
func loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := ctx.String(flags.ConfigFileFlag.Name); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	if ctx.IsSet(flags.VerbosityFlag.Name) {
		cfg.Verbosity = ctx.String(flags.VerbosityFlag.Name)
	}
	if ctx.IsSet(flags.LogFormatFlag.Name) {
		cfg.LogFormat = ctx.String(flags.LogFormatFlag.Name)
	}
	if ctx.IsSet(flags.MonitoringAddrFlag.Name) {
		cfg.MonitoringAddr = ctx.String(flags.MonitoringAddrFlag.Name)
	}
	if ctx.IsSet(flags.DBDSNFlag.Name) {
		cfg.Database.DSN = ctx.String(flags.DBDSNFlag.Name)
	}
	if ctx.IsSet(flags.MaxAnchoringDelayFlag.Name) {
		cfg.Database.MaxAnchoringDelay = ctx.Duration(flags.MaxAnchoringDelayFlag.Name)
	}
	if ctx.IsSet(flags.ProcessingTimeoutFlag.Name) {
		cfg.Database.ProcessingTimeout = ctx.Duration(flags.ProcessingTimeoutFlag.Name)
	}
	if ctx.IsSet(flags.EthRPCEndpointFlag.Name) {
		cfg.Eth.RPCEndpoint = ctx.String(flags.EthRPCEndpointFlag.Name)
	}
	if ctx.IsSet(flags.EthPrivateKeyFlag.Name) {
		cfg.Eth.PrivateKey = ctx.String(flags.EthPrivateKeyFlag.Name)
	}
	if ctx.IsSet(flags.EthChainIDFlag.Name) {
		cfg.Eth.ChainID = ctx.Int64(flags.EthChainIDFlag.Name)
	}
	if ctx.IsSet(flags.EthContractAddressFlag.Name) {
		cfg.Eth.ContractAddress = ctx.String(flags.EthContractAddressFlag.Name)
	}
	if ctx.IsSet(flags.EthGasLimitFlag.Name) {
		cfg.Eth.GasLimit = ctx.Uint64(flags.EthGasLimitFlag.Name)
	}
	if ctx.IsSet(flags.EthTransactionTimeoutFlag.Name) {
		cfg.Eth.TransactionTimeout = ctx.Duration(flags.EthTransactionTimeoutFlag.Name)
	}
	if ctx.IsSet(flags.GCSBucketFlag.Name) {
		cfg.Blobstore.GCSBucket = ctx.String(flags.GCSBucketFlag.Name)
	}
	if ctx.IsSet(flags.QueueBrokersFlag.Name) {
		cfg.Queue.Brokers = ctx.StringSlice(flags.QueueBrokersFlag.Name)
	}
	if ctx.IsSet(flags.QueueTopicFlag.Name) {
		cfg.Queue.Topic = ctx.String(flags.QueueTopicFlag.Name)
	}
	if ctx.IsSet(flags.QueueGroupFlag.Name) {
		cfg.Queue.GroupID = ctx.String(flags.QueueGroupFlag.Name)
	}
	if ctx.IsSet(flags.WorkerFlag.Name) {
		cfg.Anchor.Worker = ctx.Bool(flags.WorkerFlag.Name)
	}
	if ctx.IsSet(flags.AnchorIntervalFlag.Name) {
		cfg.Anchor.Interval = ctx.Duration(flags.AnchorIntervalFlag.Name)
	}
	if ctx.IsSet(flags.MaxStreamLimitFlag.Name) {
		cfg.Anchor.MaxStreamLimit = ctx.Int(flags.MaxStreamLimitFlag.Name)
	}
	if ctx.IsSet(flags.MinStreamLimitFlag.Name) {
		cfg.Anchor.MinStreamLimit = ctx.Int(flags.MinStreamLimitFlag.Name)
	}
	if ctx.IsSet(flags.MerkleDepthLimitFlag.Name) {
		cfg.Anchor.MerkleDepthLimit = ctx.Int(flags.MerkleDepthLimitFlag.Name)
	}
	return cfg, nil
}

func startNode(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	n, err := node.New(ctx.Context, cfg)
	if err != nil {
		return err
	}
	n.Start()
	return nil
}
