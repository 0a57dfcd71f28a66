package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tablebus/tablebus/admin"
	"github.com/tablebus/tablebus/bus"
	"github.com/tablebus/tablebus/cfg"
	"github.com/tablebus/tablebus/pipe"
	"github.com/tablebus/tablebus/stream"
	"github.com/tablebus/tablebus/table"
	"github.com/tablebus/tablebus/telemetry"
)

const lagSampleInterval = 5 * time.Second

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Tablebus - Table Change Event Router")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	// Open the change log
	log.Info().Str("data_dir", cfg.Config.DataDir).Msg("Opening change log")
	changeLog, err := stream.NewLog(cfg.Config.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open change log")
		return
	}
	defer changeLog.Close()

	// Open the item table
	log.Info().Str("table", cfg.Config.Table.Name).Msg("Opening table")
	tbl, err := table.Open(cfg.Config.DataDir, cfg.Config.Table.Name, changeLog, cfg.Config.NodeID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open table")
		return
	}
	defer tbl.Close()

	// Connect the event bus
	log.Info().
		Str("bus", cfg.Config.Bus.Name).
		Str("type", cfg.Config.Bus.Type).
		Msg("Connecting event bus")
	sink, err := bus.NewSink(cfg.Config.Bus)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect event bus")
		return
	}
	defer sink.Close()

	// Build and start the pipes
	registry, err := pipe.BuildRegistry(
		cfg.Config.Pipes,
		cfg.Config.Table.Name,
		changeLog,
		cfg.Config.Bus.Name,
		sink,
		cfg.Config.EventSourceName,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build pipes")
		return
	}

	registry.StartAll()
	defer registry.StopAll()

	// Sample pipe lag for the metrics endpoint
	lagCollector := telemetry.NewLagCollector(registry, lagSampleInterval)
	lagCollector.Start()
	defer lagCollector.Stop()

	// Start the admin HTTP API
	var adminServer *admin.Server
	if cfg.Config.Admin.Enabled {
		handlers := admin.NewHandlers(tbl, registry, changeLog)
		adminServer = admin.NewServer(cfg.Config.Admin.Address, cfg.Config.Admin.Port, handlers)
		adminServer.Start()
		defer adminServer.Stop()
	}

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Str("source", cfg.Config.EventSourceName).
		Int("pipes", len(cfg.Config.Pipes)).
		Str("data_dir", cfg.Config.DataDir).
		Msg("Tablebus is operational")

	// Run until signaled
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	log.Info().Str("signal", sig.String()).Msg("Shutting down")
}
