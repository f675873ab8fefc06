package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	ouroboros "github.com/i5heu/ouroboros-relay"
	"github.com/i5heu/ouroboros-relay/internal/config"
	"github.com/i5heu/ouroboros-relay/pkg/logging"
)

const (
	logKeySignal = "signal"
	logKeyError  = "error"
)

func main() { // A
	flags := parseFlags(os.Args[1:])

	conf, err := loadConfig(flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ouroboros-relay:", err)
		os.Exit(2)
	}

	level, _ := logging.ParseLevel(conf.LogLevel)
	logger := logging.New(os.Stderr, logging.Options{
		Level:     level,
		AddSource: conf.LogSource,
	})

	banner(os.Stdout, conf)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", logKeySignal, sig.String())
		cancel()
	}()

	if err := run(ctx, conf, logger); err != nil {
		logger.Error("daemon error", logKeyError, err)
		os.Exit(1)
	}
}

// daemonFlags holds the parsed command line overrides.
type daemonFlags struct { // A
	configPath string
	listenAddr string
	dataPath   string
	inMemory   bool
	debug      bool
}

func parseFlags(args []string) daemonFlags { // A
	var f daemonFlags
	fs := flag.NewFlagSet("ouroboros-relay", flag.ExitOnError)
	fs.StringVar(&f.configPath, "config", "",
		"Path to the YAML config file")
	fs.StringVar(&f.listenAddr, "listen", "",
		"Address the gateway listens on (overrides listenAddr)")
	fs.StringVar(&f.dataPath, "data", "",
		"Path to data directory (overrides dataPath)")
	fs.BoolVar(&f.inMemory, "memory", false,
		"Keep all state in memory")
	fs.BoolVar(&f.debug, "debug", false,
		"Enable debug logging")
	_ = fs.Parse(args)
	return f
}

// loadConfig reads the config file and applies the flag
// overrides on top of it.
func loadConfig(f daemonFlags) (config.Config, error) { // A
	conf, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if f.listenAddr != "" {
		conf.ListenAddr = f.listenAddr
	}
	if f.dataPath != "" {
		conf.DataPath = f.dataPath
		conf.InMemory = false
	}
	if f.inMemory {
		conf.InMemory = true
	}
	if f.debug {
		conf.LogLevel = "debug"
	}
	if err := conf.Validate(); err != nil {
		return config.Config{}, err
	}
	return conf, nil
}

func run(ctx context.Context, conf config.Config, logger *slog.Logger) error { // A
	node, err := ouroboros.New(conf, logger)
	if err != nil {
		return err
	}
	return node.Run(ctx)
}

func banner(w io.Writer, conf config.Config) { // A
	title := color.New(color.FgCyan, color.Bold)
	key := color.New(color.FgHiBlack)

	title.Fprintln(w, "ouroboros relay")
	line := func(k, v string) {
		if k != "" {
			k += ":"
		}
		key.Fprintf(w, "  %-8s", k)
		fmt.Fprintln(w, v)
	}
	line("Node", conf.NodeID)
	line("Listen", conf.ListenAddr)
	if conf.InMemory {
		line("Storage", "in memory")
	} else {
		line("Storage", conf.DataPath)
	}
	if len(conf.Peers) == 0 {
		line("Peers", color.YellowString("none"))
		return
	}
	for i, p := range conf.Peers {
		label := ""
		if i == 0 {
			label = "Peers"
		}
		line(label, p.NodeID+" "+p.BaseURL)
	}
}
