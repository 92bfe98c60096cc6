// Command ledremote drives a LedRemote BLE peripheral: scan for it, switch
// its LED on or off, read its state, or keep a long-running session bound
// to a global hotkey.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/chaz8081/ledremote/internal/ble"
	"github.com/chaz8081/ledremote/internal/ble/protocol"
	"github.com/chaz8081/ledremote/internal/config"
)

var (
	conf    *config.Config
	adapter ble.Adapter
)

func main() {
	app := cli.NewApp()

	app.Name = "ledremote"
	app.Usage = "Control a LedRemote peripheral over Bluetooth Low Energy"
	app.Version = "0.1.0"
	app.Action = cli.ShowAppHelp
	app.Flags = []cli.Flag{flgConfig, flgLogLevel, flgBackend}

	app.Commands = []cli.Command{
		{
			Name:    "scan",
			Aliases: []string{"s"},
			Usage:   "List advertising devices",
			Action:  scan,
			Flags:   []cli.Flag{flgDuration},
		},
		{
			Name:   "on",
			Usage:  "Switch the LED on",
			Action: command(protocol.CommandLedOn),
			Flags:  []cli.Flag{flgTimeout, flgAddr},
		},
		{
			Name:   "off",
			Usage:  "Switch the LED off",
			Action: command(protocol.CommandLedOff),
			Flags:  []cli.Flag{flgTimeout, flgAddr},
		},
		{
			Name:    "read",
			Aliases: []string{"r"},
			Usage:   "Read the LED state",
			Action:  read,
			Flags:   []cli.Flag{flgTimeout, flgAddr},
		},
		{
			Name:   "remote",
			Usage:  "Stay connected and toggle the LED with the global hotkey",
			Action: remote,
			Flags:  []cli.Flag{flgAddr},
		},
		{
			Name:   "init",
			Usage:  "Write the default config file",
			Action: initConfig,
		},
	}

	app.Before = setup
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ledremote: %v\n", err)
		os.Exit(1)
	}
}

// setup loads configuration, installs the logger and enables the radio.
func setup(c *cli.Context) error {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return errors.Wrap(err, "can't load config")
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if backend := c.String("backend"); backend != "" {
		cfg.Transport.Backend = backend
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config validation")
	}

	level, _ := config.ParseLogLevel(cfg.LogLevel)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	conf = cfg

	if c.Args().First() == "init" || c.NArg() == 0 {
		return nil
	}

	a := newAdapter(cfg.Transport.Backend)
	if err := a.Enable(); err != nil {
		return errors.Wrap(err, "can't enable bluetooth adapter")
	}
	adapter = a
	return nil
}

func newAdapter(backend string) ble.Adapter {
	if backend == "hci" {
		return ble.NewHCIAdapter()
	}
	return ble.NewTinyGoAdapter()
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	return config.Default(), nil
}

func initConfig(c *cli.Context) error {
	path, err := config.WriteDefault()
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
		return nil
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}

func printBanner() {
	fmt.Println("=== ledremote ===")
	fmt.Printf("  Backend: %s\n", conf.Transport.Backend)
	if conf.Scan.Address != "" {
		fmt.Printf("  Device:  %s\n", conf.Scan.Address)
	} else {
		fmt.Printf("  Device:  %q (scan %s)\n", ble.BroadcastName, conf.Scan.Timeout)
	}
	fmt.Printf("  Hotkey:  %s (%s mode)\n", strings.Join(conf.Hotkey.Keys, "+"), conf.Hotkey.Mode)
	fmt.Printf("  Log:     %s\n", conf.LogLevel)
	fmt.Println("=================")
}
