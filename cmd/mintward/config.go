// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "mintward.conf"
	defaultLogFilename    = "mintward.log"
	defaultDBFilename     = "mintward.db"
)

// Config is the mintward daemon configuration, populated from the command
// line and an optional INI file, with the command line taking precedence.
type Config struct {
	AppData      string `long:"appdata" description:"Path to application directory."`
	Config       string `long:"config" description:"Path to an ini configuration file."`
	DBPath       string `long:"db" description:"Database filepath. Database will be created if it does not exist."`
	LogPath      string `long:"logpath" description:"Log filepath. Rolls are created alongside it."`
	DebugLevel   string `long:"log" description:"Logging level {trace, debug, info, warn, error, critical}, or per-subsystem as SYS=level pairs."`
	NoStdout     bool   `long:"nostdout" description:"Do not mirror log output to stdout."`
	UserID       string `long:"user" description:"User id scoping the wallet's entities."`
	MnemonicFile string `long:"mnemonicfile" description:"Path to a file holding the wallet's BIP-39 mnemonic."`
	ShowVer      bool   `short:"V" long:"version" description:"Display version information and exit."`
}

func defaultAppData() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".mintward")
}

// configure processes the command line and config file into a Config. Flag
// values given on the command line override the file.
func configure() (*Config, error) {
	cfg := &Config{
		AppData:    defaultAppData(),
		DebugLevel: "info",
	}

	// A preliminary parse locates the app data dir and config file, and
	// handles --help and --version before anything else runs.
	preCfg := *cfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag|flags.PassDoubleDash|flags.IgnoreUnknown)
	if _, err := preParser.Parse(); err != nil {
		if flagErr, ok := err.(*flags.Error); ok && flagErr.Type == flags.ErrHelp {
			fmt.Println(err)
			os.Exit(0)
		}
		return nil, err
	}
	if preCfg.ShowVer {
		fmt.Printf("%s version %s\n", appName, version)
		os.Exit(0)
	}
	if preCfg.AppData != "" {
		cfg.AppData = preCfg.AppData
	}

	configPath := preCfg.Config
	if configPath == "" {
		configPath = filepath.Join(cfg.AppData, defaultConfigFilename)
	}

	parser := flags.NewParser(cfg, flags.Default|flags.PassDoubleDash)
	if _, err := os.Stat(configPath); err == nil {
		if err := flags.NewIniParser(parser).ParseFile(configPath); err != nil {
			return nil, fmt.Errorf("error parsing config file %s: %w", configPath, err)
		}
	}
	if _, err := parser.Parse(); err != nil {
		return nil, err
	}

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.AppData, defaultDBFilename)
	}
	if cfg.LogPath == "" {
		cfg.LogPath = filepath.Join(cfg.AppData, "logs", defaultLogFilename)
	}
	if cfg.UserID == "" {
		return nil, fmt.Errorf("no user id configured, set --user")
	}
	if cfg.MnemonicFile == "" {
		return nil, fmt.Errorf("no mnemonic file configured, set --mnemonicfile")
	}

	if err := os.MkdirAll(cfg.AppData, 0700); err != nil {
		return nil, fmt.Errorf("error creating app directory: %w", err)
	}
	return cfg, nil
}
