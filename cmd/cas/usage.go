// This code was adapted from https://github.com/ethereum/go-ethereum/blob/master/cmd/geth/usage.go
package main

import (
	"io"
	"sort"

	"github.com/urfave/cli/v2"

	"github.com/ceramicnetwork/go-cas/cmd/cas/flags"
)

var appHelpTemplate = `NAME:
   {{.App.Name}} - {{.App.Usage}}
USAGE:
   {{.App.HelpName}} [options]{{if .App.Commands}} command [command options]{{end}} {{if .App.ArgsUsage}}{{.App.ArgsUsage}}{{else}}[arguments...]{{end}}
   {{if .App.Version}}
VERSION:
   {{.App.Version}}
   {{end}}{{if .FlagGroups}}
{{range .FlagGroups}}{{.Name}} OPTIONS:
   {{range .Flags}}{{.}}
   {{end}}
{{end}}{{end}}{{if .App.Copyright }}
COPYRIGHT:
   {{.App.Copyright}}
   {{end}}
`

type flagGroup struct {
	Name  string
	Flags []cli.Flag
}

var appHelpFlagGroups = []flagGroup{
	{
		Name: "cas",
		Flags: []cli.Flag{
			flags.ConfigFileFlag,
			flags.VerbosityFlag,
			flags.LogFormatFlag,
			flags.MonitoringAddrFlag,
		},
	},
	{
		Name: "database",
		Flags: []cli.Flag{
			flags.DBDSNFlag,
			flags.MaxAnchoringDelayFlag,
			flags.ProcessingTimeoutFlag,
		},
	},
	{
		Name: "eth",
		Flags: []cli.Flag{
			flags.EthRPCEndpointFlag,
			flags.EthPrivateKeyFlag,
			flags.EthChainIDFlag,
			flags.EthContractAddressFlag,
			flags.EthGasLimitFlag,
			flags.EthTransactionTimeoutFlag,
		},
	},
	{
		Name: "storage",
		Flags: []cli.Flag{
			flags.GCSBucketFlag,
		},
	},
	{
		Name: "queue",
		Flags: []cli.Flag{
			flags.QueueBrokersFlag,
			flags.QueueTopicFlag,
			flags.QueueGroupFlag,
		},
	},
	{
		Name: "anchor",
		Flags: []cli.Flag{
			flags.WorkerFlag,
			flags.AnchorIntervalFlag,
			flags.MaxStreamLimitFlag,
			flags.MinStreamLimitFlag,
			flags.MerkleDepthLimitFlag,
		},
	},
}

func init() {
	cli.AppHelpTemplate = appHelpTemplate

	type helpData struct {
		App        interface{}
		FlagGroups []flagGroup
	}

	originalHelpPrinter := cli.HelpPrinter
	cli.HelpPrinter = func(w io.Writer, tmpl string, data interface{}) {
		if tmpl == appHelpTemplate {
			for _, group := range appHelpFlagGroups {
				sort.Sort(cli.FlagsByName(group.Flags))
			}
			originalHelpPrinter(w, tmpl, helpData{data, appHelpFlagGroups})
		} else {
			originalHelpPrinter(w, tmpl, data)
		}
	}
}
