// Copyright (c) 2026 The OpenClaw Mesh developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package main

import (
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/beevik/ntp"
	"github.com/inconshreveable/log15"
	isatty "github.com/mattn/go-isatty"
	cli "gopkg.in/urfave/cli.v1"
)

const clockOffsetTolerance = 2 * time.Second

func fatal(args ...interface{}) {
	fmt.Fprint(os.Stderr, "Fatal: ")
	fmt.Fprintln(os.Stderr, args...)
	os.Exit(1)
}

func fatalf(format string, args ...interface{}) {
	fatal(fmt.Sprintf(format, args...))
}

func initLogger(ctx *cli.Context) {
	var format log15.Format
	switch {
	case ctx.Bool(jsonLogsFlag.Name):
		format = log15.JsonFormat()
	case isatty.IsTerminal(os.Stderr.Fd()):
		format = log15.TerminalFormat()
	default:
		format = log15.LogfmtFormat()
	}
	level := log15.Lvl(ctx.Int(verbosityFlag.Name))
	log15.Root().SetHandler(log15.LvlFilterHandler(level, log15.StreamHandler(os.Stderr, format)))
}

func makeDataDir(ctx *cli.Context) string {
	dir := ctx.String(dataDirFlag.Name)
	if dir == "" {
		fatalf("unable to infer default data dir, use -%s to specify one", dataDirFlag.Name)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		fatalf("create data dir at '%v': %v", dir, err)
	}
	return dir
}

// checkClockOffset compares the local clock against NTP. Leader
// ordering and the voting window both lean on wall time, so a large
// offset is worth a warning.
func checkClockOffset() {
	resp, err := ntp.Query("pool.ntp.org")
	if err != nil {
		log.Debug("ntp query unavailable", "err", err)
		return
	}
	if resp.ClockOffset > clockOffsetTolerance || resp.ClockOffset < -clockOffsetTolerance {
		log.Warn("local clock drifts from NTP", "offset", resp.ClockOffset)
	}
}

func handleExitSignal() <-chan os.Signal {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	return sig
}

func defaultDataDir() string {
	if home := homeDir(); home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "org.openclaw.mesh")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "org.openclaw.mesh")
		}
		return filepath.Join(home, ".org.openclaw.mesh")
	}
	return ""
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}
