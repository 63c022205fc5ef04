package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"syscall"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/thyrook/chessnet/internal/config"
	"github.com/thyrook/chessnet/internal/data"
	"github.com/thyrook/chessnet/internal/iface"
	"github.com/thyrook/chessnet/internal/logger"
	"github.com/thyrook/chessnet/internal/rules"
)

func main() {
	defaults := config.DefaultConfig()

	// Command line flags
	configPath := flag.String("config", "", "Path to JSON config (optional)")
	pgnPath := flag.String("pgn", "", "Path to PGN file or directory of .pgn files to ingest")
	datasetPath := flag.String("dataset", "", "Dataset directory (default from config)")
	maxGames := flag.Int("max-games", -1, "Maximum number of games to process (0 = all, default from config)")
	workers := flag.Int("workers", 0, "Number of parallel workers (default from config)")
	seed := flag.Uint64("seed", 0, "Random seed for alternatives, shuffling and the split (default from config)")
	engine := flag.String("engine", "", "Rules engine: notnil or dragontooth (default from config)")
	verify := flag.Bool("verify", false, "Verify catalogued shards against the files on disk after ingestion")
	showStats := flag.Bool("stats", false, "Show dataset statistics and exit")
	logLevel := flag.String("log-level", defaults.Interface.LogLevel, "Log level: debug, info, warn, error")
	quiet := flag.Bool("quiet", false, "Suppress decorative output")

	flag.Parse()

	cfg := defaults
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *pgnPath != "" {
		cfg.Dataset.PGNPath = *pgnPath
	}
	if *datasetPath != "" {
		cfg.Dataset.Path = *datasetPath
	}
	if *maxGames >= 0 {
		cfg.Dataset.MaxGames = *maxGames
	}
	if *workers > 0 {
		cfg.Dataset.Workers = *workers
	}
	if *seed != 0 {
		cfg.Dataset.Seed = *seed
	}
	if *engine != "" {
		cfg.Encoding.Engine = *engine
	}

	log, err := logger.Setup(logger.Level(*logLevel), cfg.Interface.LogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	cli := iface.NewCLI(*quiet)

	// Show stats if requested
	if *showStats {
		if err := showDatasetStats(cli, cfg.Dataset.Path); err != nil {
			log.Fatal("Failed to show stats", zap.Error(err))
		}
		return
	}

	// Require PGN path for ingestion
	if *pgnPath == "" && *configPath == "" {
		fmt.Println("Chess Dataset Ingestion Tool")
		fmt.Println()
		fmt.Println("Usage:")
		fmt.Println("  Ingest PGN games into training shards:")
		fmt.Println("    ingest-pgn -pgn=games.pgn -dataset=data/dataset")
		fmt.Println()
		fmt.Println("  Show statistics:")
		fmt.Println("    ingest-pgn -dataset=data/dataset -stats")
		fmt.Println()
		flag.PrintDefaults()
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", zap.Error(err))
	}
	scheme, err := cfg.Scheme()
	if err != nil {
		log.Fatal("Unknown encoding scheme", zap.Error(err))
	}
	if err := data.ValidatePGN(cfg.Dataset.PGNPath); err != nil {
		log.Fatal("PGN input rejected", zap.Error(err))
	}

	ingestCfg := &data.IngestionConfig{
		PGNPath:          cfg.Dataset.PGNPath,
		DatasetPath:      cfg.Dataset.Path,
		MaxGames:         cfg.Dataset.MaxGames,
		ShardSize:        cfg.Dataset.ShardSize,
		ValidateFraction: cfg.Dataset.ValidateFraction,
		Seed:             cfg.Dataset.Seed,
		Shuffle:          cfg.Dataset.Shuffle,
		SkipInvalid:      cfg.Dataset.SkipInvalid,
		WorkerPoolSize:   cfg.Dataset.Workers,
		ProgressEvery:    cfg.Dataset.ProgressEvery,
		Engine:           rules.Engine(cfg.Encoding.Engine),
		Scheme:           scheme,
		Logger:           log,
	}

	log.Info("Initializing dataset ingestion",
		zap.String("pgn", ingestCfg.PGNPath),
		zap.String("dataset", ingestCfg.DatasetPath),
		zap.Int("workers", ingestCfg.WorkerPoolSize),
		zap.String("engine", string(ingestCfg.Engine)),
		zap.String("scheme", scheme.Name))

	ingestor, err := data.NewIngestor(ingestCfg)
	if err != nil {
		log.Fatal("Failed to create ingestor", zap.Error(err))
	}
	defer ingestor.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := logger.StartOperation("ingest", zap.String("pgn", ingestCfg.PGNPath))
	stats, err := ingestor.Ingest(ctx)
	done(err)
	if err != nil {
		ingestor.Close()
		log.Fatal("Ingestion failed", zap.Error(err))
	}

	cli.Println()
	cli.PrintBox("Ingestion Complete", iface.KeyValues(
		"Games processed", fmt.Sprintf("%s (%s skipped)", humanize.Comma(int64(stats.Games)), humanize.Comma(int64(stats.GamesSkipped))),
		"Plies", humanize.Comma(int64(stats.Plies)),
		"Sample pairs", fmt.Sprintf("%s (%s forced plies skipped)", humanize.Comma(int64(stats.Pairs)), humanize.Comma(int64(stats.ForcedSkipped))),
		"Train samples", fmt.Sprintf("%s in %d shards", humanize.Comma(int64(stats.TrainSamples)), stats.TrainShards),
		"Validate samples", fmt.Sprintf("%s in %d shards", humanize.Comma(int64(stats.ValidateSamples)), stats.ValidateShards),
	))

	if *verify {
		if err := ingestor.Catalog().VerifyIntegrity(cfg.Dataset.Path); err != nil {
			cli.PrintError(err)
			ingestor.Close()
			log.Fatal("Verification failed", zap.Error(err))
		}
		cli.PrintSuccess("All catalogued shards verified")
	}

	cli.PrintSuccess("Dataset ready for training")
}

func showDatasetStats(cli *iface.CLI, datasetPath string) error {
	catalog, err := data.OpenCatalog(filepath.Join(datasetPath, data.CatalogFile))
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	defer catalog.Close()

	stats, err := catalog.GetStats()
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}

	cli.PrintHeader("Dataset Statistics")
	cli.Printf("Catalog:      %s (%s)\n", stats.FilePath, humanize.Bytes(uint64(stats.FileSize)))
	cli.Printf("Ingest runs:  %d\n\n", stats.Ingests)

	splits := make([]string, 0, len(stats.Splits))
	for name := range stats.Splits {
		splits = append(splits, name)
	}
	sort.Strings(splits)
	rows := make([][]string, 0, len(splits))
	for _, name := range splits {
		s := stats.Splits[name]
		rows = append(rows, []string{
			name,
			strconv.Itoa(s.Shards),
			humanize.Comma(int64(s.Samples)),
			humanize.Bytes(uint64(s.Bytes)),
		})
	}
	cli.PrintTable([]string{"Split", "Shards", "Samples", "Size"}, rows)

	ingests, err := catalog.Ingests()
	if err != nil {
		return err
	}
	if len(ingests) > 0 {
		last := ingests[len(ingests)-1]
		cli.Println()
		cli.Printf("Last ingest:  %s (%s, engine %s, seed %d)\n",
			last.Source, humanize.Time(last.FinishedAt), last.Engine, last.Seed)
	}
	return nil
}
