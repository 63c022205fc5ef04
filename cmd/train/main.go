package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/thyrook/chessnet/internal/config"
	"github.com/thyrook/chessnet/internal/iface"
	"github.com/thyrook/chessnet/internal/logger"
	"github.com/thyrook/chessnet/internal/training"
)

func main() {
	// Command-line flags
	configPath := flag.String("config", "", "Path to JSON config (optional)")
	datasetPath := flag.String("dataset", "", "Dataset directory with train/ and validate/ shards (default from config)")
	logDir := flag.String("logdir", "", "Directory receiving run directories (default from config)")
	epochs := flag.Int("epochs", 0, "Number of training epochs (default from config)")
	batchSize := flag.Int("batch-size", 0, "Batch size, even (default from config)")
	learningRate := flag.Float64("lr", 0, "Base learning rate (default from config)")
	saveAll := flag.Bool("save-all", false, "Write a checkpoint every epoch instead of only on improvement")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (default from config)")
	quiet := flag.Bool("quiet", false, "Only print per-epoch lines and errors")

	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *datasetPath != "" {
		cfg.Dataset.Path = *datasetPath
	}
	if *logDir != "" {
		cfg.Training.LogDir = *logDir
	}
	if *epochs > 0 {
		cfg.Training.Epochs = *epochs
	}
	if *batchSize > 0 {
		cfg.Training.BatchSize = *batchSize
	}
	if *learningRate > 0 {
		cfg.Training.Schedule.BaseLR = *learningRate
	}
	if *saveAll {
		cfg.Training.SaveBestOnly = false
	}
	if *logLevel != "" {
		cfg.Interface.LogLevel = *logLevel
	}

	log, err := logger.Setup(logger.Level(cfg.Interface.LogLevel), cfg.Interface.LogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", zap.Error(err))
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatal("Failed to create directories", zap.Error(err))
	}
	scheme, err := cfg.Scheme()
	if err != nil {
		log.Fatal("Unknown encoding scheme", zap.Error(err))
	}
	cfgJSON, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		log.Fatal("Failed to encode config", zap.Error(err))
	}

	cli := iface.NewCLI(*quiet)
	cli.PrintHeader("Position Scoring Network Training")
	cli.PrintBox("Training Configuration", iface.KeyValues(
		"Dataset", cfg.Dataset.Path,
		"Epochs", strconv.Itoa(cfg.Training.Epochs),
		"Batch size", strconv.Itoa(cfg.Training.BatchSize),
		"Hidden layers", fmt.Sprint(cfg.Model.Hidden),
		"Learning rate", fmt.Sprintf("%.6f (%s)", cfg.Training.Schedule.BaseLR, cfg.Training.Schedule.Kind),
		"Gradient clip", fmt.Sprintf("%.1f", cfg.Training.GradClip),
		"Save best only", strconv.FormatBool(cfg.Training.SaveBestOnly),
	))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	trainer, err := training.NewTrainer(ctx, training.Config{
		Epochs:        cfg.Training.Epochs,
		BatchSize:     cfg.Training.BatchSize,
		Network:       cfg.NetworkConfig(cfg.Training.BatchSize),
		Schedule:      cfg.Training.Schedule,
		GradClip:      cfg.Training.GradClip,
		PrefetchDepth: cfg.Training.PrefetchDepth,
		LogDir:        cfg.Training.LogDir,
		SaveBestOnly:  cfg.Training.SaveBestOnly,
		Scheme:        scheme,
		ConfigJSON:    cfgJSON,
		Logger:        log,
		OnEpoch: func(m training.EpochMetrics) {
			cli.PrintEpoch(m, cfg.Training.Epochs)
		},
	}, cfg.Dataset.Path)
	if err != nil {
		log.Fatal("Failed to create trainer", zap.Error(err))
	}
	defer trainer.Close()

	run := trainer.Run()
	cli.PrintInfo(fmt.Sprintf("Run %s in %q, %s parameters",
		run.ID, run.Dir, humanize.Comma(int64(trainer.Network().NumParams()))))

	history, err := trainer.Train(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			cli.PrintWarning(fmt.Sprintf("training interrupted after %d epochs", len(history)))
		} else {
			cli.PrintError(err)
			trainer.Close()
			log.Fatal("Training failed", zap.Error(err))
		}
	}

	cli.PrintSeparator()
	if best := trainer.BestCheckpoint(); best != "" {
		cli.PrintSuccess("Best checkpoint: " + best)
	} else {
		cli.PrintWarning("no checkpoint written")
	}
}
