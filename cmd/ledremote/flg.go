package main

import (
	"time"

	"github.com/urfave/cli"
)

var (
	flgConfig   = cli.StringFlag{Name: "config, c", Usage: "path to config file (default: ~/.config/ledremote/config.yaml)"}
	flgLogLevel = cli.StringFlag{Name: "log-level, l", Usage: "debug, info, warn or error (overrides config)"}
	flgBackend  = cli.StringFlag{Name: "backend, b", Usage: "tinygo or hci (overrides config)"}
	flgDuration = cli.DurationFlag{Name: "duration, d", Value: 5 * time.Second, Usage: "how long to scan"}
	flgTimeout  = cli.DurationFlag{Name: "tmo, t", Value: 30 * time.Second, Usage: "timeout for the whole command"}
	flgAddr     = cli.StringFlag{Name: "addr, a", Usage: "address of the LedRemote (skips the scan)"}
)
