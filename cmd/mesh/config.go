// Copyright (c) 2026 The OpenClaw Mesh developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	cli "gopkg.in/urfave/cli.v1"
	yaml "gopkg.in/yaml.v3"
)

const configFileName = "config.yaml"

// config is the node instance configuration persisted in the data
// directory by `mesh init` and read on start. Flags override fields.
type config struct {
	Name          string   `yaml:"name,omitempty"`
	P2PPort       int      `yaml:"p2pPort"`
	APIAddr       string   `yaml:"apiAddr"`
	APICors       string   `yaml:"apiCors,omitempty"`
	Bootstrap     []string `yaml:"bootstrap,omitempty"`
	Genesis       bool     `yaml:"genesis"`
	GenesisSupply int64    `yaml:"genesisSupply,omitempty"`
	PublishFee    int64    `yaml:"publishFee,omitempty"`
}

func defaultConfig() *config {
	return &config{
		P2PPort:       p2pPortFlag.Value,
		APIAddr:       apiAddrFlag.Value,
		GenesisSupply: genesisSupplyFlag.Value,
	}
}

// configFromFlags builds a config purely from the command line.
func configFromFlags(ctx *cli.Context) *config {
	cfg := defaultConfig()
	cfg.applyFlags(ctx)
	return cfg
}

// applyFlags overrides fields set explicitly on the command line.
func (c *config) applyFlags(ctx *cli.Context) {
	if ctx.IsSet(nameFlag.Name) {
		c.Name = ctx.String(nameFlag.Name)
	}
	if ctx.IsSet(p2pPortFlag.Name) {
		c.P2PPort = ctx.Int(p2pPortFlag.Name)
	}
	if ctx.IsSet(apiAddrFlag.Name) {
		c.APIAddr = ctx.String(apiAddrFlag.Name)
	}
	if ctx.IsSet(apiCorsFlag.Name) {
		c.APICors = ctx.String(apiCorsFlag.Name)
	}
	if ctx.IsSet(bootstrapFlag.Name) {
		c.Bootstrap = splitList(ctx.String(bootstrapFlag.Name))
	}
	if ctx.IsSet(genesisFlag.Name) {
		c.Genesis = ctx.Bool(genesisFlag.Name)
	}
	if ctx.IsSet(genesisSupplyFlag.Name) {
		c.GenesisSupply = ctx.Int64(genesisSupplyFlag.Name)
	}
	if ctx.IsSet(publishFeeFlag.Name) {
		c.PublishFee = ctx.Int64(publishFeeFlag.Name)
	}
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func configPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// loadConfig reads the instance config. A missing file yields defaults.
func loadConfig(dataDir string) (*config, error) {
	raw, err := os.ReadFile(configPath(dataDir))
	if err != nil {
		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, errors.Wrap(err, "read config")
	}
	cfg := defaultConfig()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	return cfg, nil
}

func (c *config) save(dataDir string) error {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "encode config")
	}
	return os.WriteFile(configPath(dataDir), raw, 0600)
}
