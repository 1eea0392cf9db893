// Copyright (c) 2026 The OpenClaw Mesh developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/inconshreveable/log15"
	cli "gopkg.in/urfave/cli.v1"

	"github.com/openclaw/mesh/api"
	"github.com/openclaw/mesh/bazaar"
	"github.com/openclaw/mesh/capsule"
	"github.com/openclaw/mesh/gossip"
	"github.com/openclaw/mesh/ledger"
	"github.com/openclaw/mesh/lvldb"
	"github.com/openclaw/mesh/mesh"
	"github.com/openclaw/mesh/metrics"
	"github.com/openclaw/mesh/rating"
	"github.com/openclaw/mesh/wallet"
	"github.com/openclaw/mesh/worker"
)

var (
	version   string
	gitCommit string
	gitTag    string
	log       = log15.New()
)

func fullVersion() string {
	versionMeta := "release"
	if gitTag == "" {
		versionMeta = "dev"
	}
	return fmt.Sprintf("%s-%s-%s", version, gitCommit, versionMeta)
}

func main() {
	app := cli.App{
		Version:   fullVersion(),
		Name:      "Mesh",
		Usage:     "Node of the OpenClaw agent mesh",
		Copyright: "2026 The OpenClaw Mesh developers",
		Flags: []cli.Flag{
			nameFlag,
			dataDirFlag,
			apiAddrFlag,
			apiCorsFlag,
			p2pPortFlag,
			bootstrapFlag,
			genesisFlag,
			genesisSupplyFlag,
			publishFeeFlag,
			verbosityFlag,
			jsonLogsFlag,
			enableMetricsFlag,
			metricsAddrFlag,
		},
		Action: defaultAction,
		Commands: []cli.Command{
			{
				Name:  "init",
				Usage: "create the data directory, generate a wallet and write config.yaml",
				Flags: []cli.Flag{
					nameFlag,
					dataDirFlag,
					apiAddrFlag,
					apiCorsFlag,
					p2pPortFlag,
					bootstrapFlag,
					genesisFlag,
					genesisSupplyFlag,
					publishFeeFlag,
					verbosityFlag,
					jsonLogsFlag,
				},
				Action: initAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initAction(ctx *cli.Context) error {
	initLogger(ctx)
	dataDir := makeDataDir(ctx)

	if _, err := os.Stat(configPath(dataDir)); err == nil {
		return fmt.Errorf("'%v' already holds a node config", dataDir)
	}

	w, err := wallet.LoadOrGenerate(dataDir)
	if err != nil {
		return err
	}
	cfg := configFromFlags(ctx)
	if err := cfg.save(dataDir); err != nil {
		return err
	}

	log.Info("node initialized",
		"data-dir", dataDir,
		"node", w.NodeID(),
		"account", w.AccountID(),
		"genesis", cfg.Genesis,
	)
	return nil
}

func defaultAction(ctx *cli.Context) error {
	defer func() { log.Info("exited") }()

	initLogger(ctx)
	dataDir := makeDataDir(ctx)

	cfg, err := loadConfig(dataDir)
	if err != nil {
		fatal(err)
	}
	cfg.applyFlags(ctx)

	w, err := wallet.LoadOrGenerate(dataDir)
	if err != nil {
		fatal(err)
	}

	// synced writes: the log tail must survive a crash, or a restarted
	// leader would reassign already-broadcast sequence numbers
	mainDB, err := lvldb.New(filepath.Join(dataDir, "mesh.db"), lvldb.Options{WriteSync: true})
	if err != nil {
		fatalf("open main database: %v", err)
	}
	defer func() { log.Info("closing main database..."); mainDB.Close() }()

	ratings, err := rating.New(filepath.Join(dataDir, "rating.db"), rating.DefaultParams)
	if err != nil {
		fatalf("open rating database: %v", err)
	}
	defer func() { log.Info("closing rating database..."); ratings.Close() }()

	lgr, err := ledger.New(mainDB)
	if err != nil {
		fatal(err)
	}
	if err := lgr.Initialize(cfg.Genesis, w, cfg.GenesisSupply); err != nil {
		fatal(err)
	}

	bz, err := bazaar.New(mainDB, ratings, 0)
	if err != nil {
		fatal(err)
	}

	node, err := gossip.New(w.NodeID(), gossip.Options{
		ListenAddr: fmt.Sprintf(":%d", cfg.P2PPort),
		Bootstrap:  cfg.Bootstrap,
	})
	if err != nil {
		fatal(err)
	}

	coord := mesh.New(w, node, lgr, capsule.NewStore(mainDB), bz, ratings, mesh.Options{
		PublishFee: cfg.PublishFee,
	})
	wk := worker.New(w.NodeID(), w.AccountID(), bz, ratings, node, worker.Options{})
	coord.SetWorker(wk)

	if ctx.Bool(enableMetricsFlag.Name) {
		metrics.InitializePrometheusMetrics()
		startMetricsServer(ctx.String(metricsAddrFlag.Name))
	}

	if err := node.Start(); err != nil {
		fatalf("start gossip node: %v", err)
	}
	defer func() { log.Info("stopping gossip node..."); node.Stop() }()

	coord.Start()
	defer func() { log.Info("stopping coordinator..."); coord.Stop() }()

	wk.Start()
	defer func() { log.Info("stopping worker..."); wk.Stop() }()

	apiURL, stopAPI := startAPIServer(cfg, coord)
	defer stopAPI()

	go checkClockOffset()

	printStartupMessage(cfg, w, node, apiURL)

	<-handleExitSignal()
	log.Info("exit signal received")
	return nil
}

func startAPIServer(cfg *config, coord *mesh.Coordinator) (string, func()) {
	handler, closeSubs := api.New(coord, api.Options{AllowedOrigins: cfg.APICors})
	srv := &http.Server{Addr: cfg.APIAddr, Handler: handler}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatalf("API server: %v", err)
		}
	}()
	return "http://" + cfg.APIAddr + "/", func() {
		log.Info("stopping API server...")
		srv.Close()
		closeSubs()
	}
}

func startMetricsServer(addr string) {
	srv := &http.Server{Addr: addr, Handler: metrics.HTTPHandler()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics server stopped", "err", err)
		}
	}()
	log.Info("metrics server started", "addr", addr)
}

func printStartupMessage(cfg *config, w *wallet.Wallet, node *gossip.Node, apiURL string) {
	role := "follower"
	if cfg.Genesis {
		role = "genesis"
	}
	name := cfg.Name
	if name == "" {
		name = w.NodeID()
	}
	fmt.Printf(`Starting %v
    Node        [ %v %v ]
    Account     [ %v ]
    Role        [ %v ]
    Gossip      [ :%v ]
    API portal  [ %v ]
`,
		"Mesh "+fullVersion(),
		name, w.NodeID(),
		w.AccountID(),
		role,
		node.Port(),
		apiURL)
}
