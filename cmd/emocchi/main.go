// Package main runs the emocchi image bot with a terminal chat binding.
// Members teach the bot a trigger word with "!reg <trigger> <imageURL>" and
// get the image back whenever a message contains ">trigger<".
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/entrhq/emocchi/pkg/command"
	"github.com/entrhq/emocchi/pkg/config"
	"github.com/entrhq/emocchi/pkg/console"
	"github.com/entrhq/emocchi/pkg/filestore"
	"github.com/entrhq/emocchi/pkg/ingest"
	"github.com/entrhq/emocchi/pkg/logging"
	"github.com/entrhq/emocchi/pkg/metrics"
	"github.com/entrhq/emocchi/pkg/registry"
)

const version = "0.1.0"

// Flags holds the command line flags. Non-empty values override the config file.
type Flags struct {
	ConfigPath  string
	StorageRoot string
	Community   string
	MetricsAddr string
	ShowVersion bool
}

func main() {
	flags := parseFlags()

	if flags.ShowVersion {
		fmt.Printf("emocchi v%s\n", version)
		return
	}

	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}
	flags.apply(cfg)

	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		cancel()
	}()

	if runErr := run(ctx, cfg); runErr != nil {
		cancel()
		log.Fatalf("Application error: %v", runErr)
	}
	cancel()
}

func parseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigPath, "config", "", "Path to the YAML configuration file (optional)")
	flag.StringVar(&f.StorageRoot, "storage", "", "Storage root for the snapshot and images (overrides storage.root)")
	flag.StringVar(&f.Community, "community", "", "Community the console talks in (overrides console.community)")
	flag.StringVar(&f.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (overrides metrics.addr)")
	flag.BoolVar(&f.ShowVersion, "version", false, "Show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "emocchi - a trigger word image bot\n\n")
		fmt.Fprintf(os.Stderr, "Usage: emocchi [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  %-22s Chat platform bot token\n", config.EnvBotKey)
		fmt.Fprintf(os.Stderr, "  %-22s Storage root\n", config.EnvStorageRoot)
		fmt.Fprintf(os.Stderr, "  %-22s Prometheus listen address\n", config.EnvMetricsAddr)
		fmt.Fprintf(os.Stderr, "\nCommands:\n")
		fmt.Fprintf(os.Stderr, "  !reg <trigger> <imageURL>   teach an image\n")
		fmt.Fprintf(os.Stderr, "  >trigger<                   recall it\n")
		fmt.Fprintf(os.Stderr, "  !del <trigger>              forget it\n")
		fmt.Fprintf(os.Stderr, "  !list                       list taught triggers\n")
	}

	flag.Parse()
	return f
}

func (f *Flags) apply(cfg *config.Config) {
	if f.StorageRoot != "" {
		cfg.Storage.Root = f.StorageRoot
	}
	if f.Community != "" {
		cfg.Console.Community = f.Community
	}
	if f.MetricsAddr != "" {
		cfg.Metrics.Addr = f.MetricsAddr
	}
}

// bot is the wired set of components behind the router.
type bot struct {
	registry *registry.Registry
	ingestor *ingest.Ingestor
	router   *command.Router
}

// newBot loads persisted state and wires the command router. A corrupt or
// unreadable snapshot aborts startup.
func newBot(cfg *config.Config, reg prometheus.Registerer, logger *logging.Logger) (*bot, error) {
	files, err := filestore.New(cfg.Storage.Root)
	if err != nil {
		return nil, err
	}

	macros := registry.New(files, logger.With("registry"))
	if err := macros.Load(); err != nil {
		return nil, fmt.Errorf("failed to load registry: %w", err)
	}

	policy, err := ingest.NewHostPolicy(cfg.Download.AllowedHosts, cfg.Download.DeniedHosts)
	if err != nil {
		return nil, fmt.Errorf("invalid download host policy: %w", err)
	}
	downloader := ingest.NewDownloader(ingest.DownloadOptions{
		Timeout:       cfg.Download.Timeout,
		MaxBytes:      cfg.Download.MaxBytes,
		MaxConcurrent: cfg.Download.MaxConcurrent,
		Policy:        policy,
	})
	ingestor := ingest.New(files, downloader, logger.With("ingest"))
	if err := ingestor.SweepStaging(); err != nil {
		return nil, err
	}

	obs, err := metrics.NewObserver("emocchi", reg)
	if err != nil {
		return nil, err
	}

	router, err := command.NewRouter(macros, ingestor, command.RouterOptions{
		DedupSize: cfg.Router.DedupSize,
		DedupTTL:  cfg.Router.DedupTTL,
		Metrics:   obs,
		Log:       logger.With("command"),
	})
	if err != nil {
		return nil, err
	}

	return &bot{registry: macros, ingestor: ingestor, router: router}, nil
}

// openLogger creates the process logger. When the log file cannot be
// created the stderr fallback is used and the bot keeps starting.
func openLogger(cfg *config.Config) *logging.Logger {
	logging.SetDirectory(cfg.Logging.Dir)
	logger, err := logging.NewLogger("emocchi")
	if err != nil {
		logger.Warnf("logging to stderr: %v", err)
	}
	return logger
}

// run starts the bot and blocks until the console exits or ctx is cancelled.
func run(ctx context.Context, cfg *config.Config) error {
	logger := openLogger(cfg)
	defer logger.Close()

	b, err := newBot(cfg, prometheus.DefaultRegisterer, logger)
	if err != nil {
		return err
	}
	logger.Infof("started v%s with storage %s (%d communities)", version, cfg.Storage.Root, len(b.registry.Communities()))

	output, err := filestore.New(cfg.Console.OutputDir)
	if err != nil {
		return fmt.Errorf("failed to open console output directory: %w", err)
	}
	rl, err := console.NewReadline(cfg.Console.HistoryFile)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Addr != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.Metrics.Addr, prometheus.DefaultGatherer, logger.With("metrics"))
		})
	}
	g.Go(func() error {
		// leaving the console stops the whole bot
		defer cancel()
		c := console.New(b.router, console.Options{
			Community: cfg.Console.Community,
			Directory: b.registry,
			Output:    output,
			Log:       logger.With("console"),
		})
		return c.Run(gctx, rl, os.Stdout)
	})

	runErr := g.Wait()

	// retry any snapshot write that failed while running
	if err := b.registry.Persist(); err != nil {
		logger.Errorf("final persist: %v", err)
		if runErr == nil {
			runErr = err
		}
	}
	logger.Infof("stopped")
	return runErr
}
