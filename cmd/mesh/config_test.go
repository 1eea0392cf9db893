// Copyright (c) 2026 The OpenClaw Mesh developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()

	cfg := &config{
		Name:          "alpha",
		P2PPort:       9470,
		APIAddr:       "localhost:9469",
		Bootstrap:     []string{"10.0.0.1:9470", "10.0.0.2:9470"},
		Genesis:       true,
		GenesisSupply: 1_000_000,
		PublishFee:    10,
	}
	require.NoError(t, cfg.save(dir))

	loaded, err := loadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadConfigMissingFileYieldsDefaults(t *testing.T) {
	loaded, err := loadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), loaded)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a:1", "b:2"}, splitList(" a:1, b:2 ,"))
	assert.Nil(t, splitList(""))
}
