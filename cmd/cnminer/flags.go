package main

import (
	"github.com/jessevdk/go-flags"

	"github.com/bardlex/cnminer/internal/config"
)

// options are the command-line overrides. Zero values leave the
// environment setting in place.
type options struct {
	PoolURL     string `short:"o" long:"url" description:"Pool URL (ws://, wss:// or stratum+tcp://)"`
	Wallet      string `short:"u" long:"user" description:"Wallet address to mine for"`
	Password    string `short:"p" long:"pass" default-mask:"-" description:"Pool password (stratum login)"`
	Agent       string `long:"agent" description:"User agent sent at login"`
	Threads     int    `short:"t" long:"threads" description:"Number of mining workers (default: logical CPUs)"`
	BatchSize   int    `long:"batch" description:"Nonces hashed between cancellation checks"`
	APIListen   string `long:"api" description:"Listen address for the stats API"`
	LogLevel    string `long:"loglevel" description:"Logging level {debug, info, warn, error}"`
	LogFile     string `long:"logfile" description:"Also write logs to this rotating file"`
	NoEngine    bool   `long:"noengine" description:"Exit without mining, as if no hash engine were available"`
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
}

// parseFlags overlays command-line options onto cfg. It reports whether
// --version was requested.
func parseFlags(args []string, cfg *config.Config) (bool, error) {
	var opts options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = "cnminer"

	if _, err := parser.ParseArgs(args); err != nil {
		return false, err
	}

	if opts.PoolURL != "" {
		cfg.PoolURL = opts.PoolURL
	}
	if opts.Wallet != "" {
		cfg.Wallet = opts.Wallet
	}
	if opts.Password != "" {
		cfg.PoolPassword = opts.Password
	}
	if opts.Agent != "" {
		cfg.Agent = opts.Agent
	}
	if opts.Threads != 0 {
		cfg.Threads = opts.Threads
	}
	if opts.BatchSize != 0 {
		cfg.BatchSize = opts.BatchSize
	}
	if opts.APIListen != "" {
		cfg.APIListen = opts.APIListen
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	if opts.LogFile != "" {
		cfg.LogFile = opts.LogFile
	}
	if opts.NoEngine {
		cfg.EngineAvailable = false
	}

	return opts.ShowVersion, nil
}

// isHelp reports whether err is the parser's --help request
func isHelp(err error) bool {
	flagsErr, ok := err.(*flags.Error)
	return ok && flagsErr.Type == flags.ErrHelp
}
