// Copyright (c) 2026 The OpenClaw Mesh developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package main

import (
	"github.com/inconshreveable/log15"
	cli "gopkg.in/urfave/cli.v1"
)

var (
	nameFlag = cli.StringFlag{
		Name:  "name",
		Usage: "human-readable node name",
	}
	dataDirFlag = cli.StringFlag{
		Name:  "data-dir",
		Value: defaultDataDir(),
		Usage: "directory for node databases, wallet and config",
	}
	apiAddrFlag = cli.StringFlag{
		Name:  "api-addr",
		Value: "localhost:9469",
		Usage: "API service listening address",
	}
	apiCorsFlag = cli.StringFlag{
		Name:  "api-cors",
		Value: "",
		Usage: "comma separated list of domains from which to accept cross origin requests to API",
	}
	p2pPortFlag = cli.IntFlag{
		Name:  "p2p-port",
		Value: 9470,
		Usage: "gossip network listening port",
	}
	bootstrapFlag = cli.StringFlag{
		Name:  "bootstrap",
		Usage: "comma separated list of bootstrap peer addresses (host:port)",
	}
	genesisFlag = cli.BoolFlag{
		Name:  "genesis",
		Usage: "run as the genesis (leader) node that orders the transaction log",
	}
	genesisSupplyFlag = cli.Int64Flag{
		Name:  "genesis-supply",
		Value: 1_000_000,
		Usage: "token supply minted to the genesis node's account",
	}
	publishFeeFlag = cli.Int64Flag{
		Name:  "publish-fee",
		Value: 0,
		Usage: "fee paid to the platform account on each capsule or task publish",
	}
	verbosityFlag = cli.IntFlag{
		Name:  "verbosity",
		Value: int(log15.LvlInfo),
		Usage: "log verbosity (0-5)",
	}
	jsonLogsFlag = cli.BoolFlag{
		Name:  "json-logs",
		Usage: "output logs in JSON format",
	}
	enableMetricsFlag = cli.BoolFlag{
		Name:  "enable-metrics",
		Usage: "enables metrics collection",
	}
	metricsAddrFlag = cli.StringFlag{
		Name:  "metrics-addr",
		Value: "localhost:9471",
		Usage: "metrics service listening address",
	}
)
