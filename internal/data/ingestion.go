package data

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/thyrook/chessnet/internal/encoding"
	"github.com/thyrook/chessnet/internal/rules"
	"github.com/thyrook/chessnet/internal/shard"
)

// IngestionConfig holds configuration for PGN ingestion
type IngestionConfig struct {
	PGNPath          string  // Path to PGN file or directory
	DatasetPath      string  // Dataset directory receiving train/, validate/ and the catalog
	MaxGames         int     // Maximum number of games to process (0 = all)
	ShardSize        int     // Samples per shard, even
	ValidateFraction float64 // Share of games routed to validate/
	Seed             uint64
	Shuffle          bool
	SkipInvalid      bool // Skip games containing illegal moves instead of failing
	WorkerPoolSize   int
	ProgressEvery    int // Log progress every N games
	Engine           rules.Engine
	Scheme           *encoding.Scheme
	Logger           *zap.Logger
}

// DefaultIngestionConfig returns a config with sensible defaults
func DefaultIngestionConfig(pgnPath, datasetPath string) *IngestionConfig {
	return &IngestionConfig{
		PGNPath:          pgnPath,
		DatasetPath:      datasetPath,
		ShardSize:        shard.DefaultShardSize,
		ValidateFraction: 0.1,
		Seed:             1,
		Shuffle:          true,
		SkipInvalid:      true,
		WorkerPoolSize:   runtime.NumCPU(),
		ProgressEvery:    100,
		Engine:           rules.EngineNotnil,
		Scheme:           encoding.V1,
	}
}

// IngestionStats contains statistics about the ingestion process
type IngestionStats struct {
	Games           int `json:"games"`
	GamesSkipped    int `json:"games_skipped"`
	Plies           int `json:"plies"`
	Pairs           int `json:"pairs"`
	ForcedSkipped   int `json:"forced_skipped"`
	TrainSamples    int `json:"train_samples"`
	ValidateSamples int `json:"validate_samples"`
	TrainShards     int `json:"train_shards"`
	ValidateShards  int `json:"validate_shards"`
}

// Ingestor turns PGN games into training shards
type Ingestor struct {
	config   *IngestionConfig
	catalog  *Catalog
	train    *shard.Writer
	validate *shard.Writer
	logger   *zap.Logger
}

// NewIngestor opens the dataset catalog and shard writers
func NewIngestor(config *IngestionConfig) (*Ingestor, error) {
	if config.Scheme == nil {
		config.Scheme = encoding.V1
	}
	if config.WorkerPoolSize < 1 {
		config.WorkerPoolSize = 1
	}
	if config.ValidateFraction < 0 || config.ValidateFraction >= 1 {
		return nil, fmt.Errorf("validate fraction must be in [0, 1), got %v", config.ValidateFraction)
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	catalog, err := OpenCatalog(filepath.Join(config.DatasetPath, CatalogFile))
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	ing := &Ingestor{config: config, catalog: catalog, logger: logger}

	newWriter := func(split string, seed uint64) (*shard.Writer, error) {
		return shard.NewWriter(filepath.Join(config.DatasetPath, split), shard.WriterOptions{
			ShardSize: config.ShardSize,
			Shuffle:   config.Shuffle,
			Seed:      seed,
			Scheme:    config.Scheme,
			Logger:    logger.With(zap.String("split", split)),
			OnShard: func(info shard.Info) error {
				return catalog.RecordShard(split, info)
			},
		})
	}
	if ing.train, err = newWriter(SplitTrain, config.Seed); err != nil {
		catalog.Close()
		return nil, fmt.Errorf("failed to create train writer: %w", err)
	}
	if ing.validate, err = newWriter(SplitValidate, config.Seed+1); err != nil {
		catalog.Close()
		return nil, fmt.Errorf("failed to create validate writer: %w", err)
	}
	return ing, nil
}

// Close closes the ingestor and underlying catalog
func (ing *Ingestor) Close() error {
	return ing.catalog.Close()
}

// Catalog returns the dataset catalog
func (ing *Ingestor) Catalog() *Catalog {
	return ing.catalog
}

type gameResult struct {
	index   int
	pairs   []encoding.SamplePair
	stats   GenerateStats
	skipped bool
}

// Ingest reads games, generates pairs in parallel and writes shards. Pairs
// are written in game order regardless of which worker produced them, so a
// given seed always yields the same dataset.
func (ing *Ingestor) Ingest(ctx context.Context) (*IngestionStats, error) {
	started := time.Now()
	stats := &IngestionStats{}
	cfg := ing.config

	g, ctx := errgroup.WithContext(ctx)
	games := make(chan GameRecord)
	results := make(chan gameResult)

	g.Go(func() error {
		defer close(games)
		err := ScanGames(ctx, cfg.PGNPath, func(rec GameRecord) error {
			if cfg.MaxGames > 0 && rec.Index >= cfg.MaxGames {
				return errStop
			}
			select {
			case games <- rec:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if errors.Is(err, errStop) {
			return nil
		}
		return err
	})

	var wg sync.WaitGroup
	for i := 0; i < cfg.WorkerPoolSize; i++ {
		wg.Add(1)
		g.Go(func() error {
			defer wg.Done()
			return ing.generate(ctx, games, results)
		})
	}

	g.Go(func() error {
		wg.Wait()
		close(results)
		return nil
	})

	g.Go(func() error {
		pending := make(map[int]gameResult)
		next := 0
		for res := range results {
			pending[res.index] = res
			for {
				r, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				next++
				if err := ing.consume(r, stats); err != nil {
					return err
				}
			}
		}
		return nil
	})

	// a failed ingest keeps only the full shards it already wrote; the
	// partial tails are dropped and no ingest record is written
	err := g.Wait()
	if err != nil {
		dropped := ing.train.Discard() + ing.validate.Discard()
		ing.logger.Warn("Ingestion failed, partial shards dropped",
			zap.Int("pairs_dropped", dropped),
			zap.Int("train_shards_kept", len(ing.train.Shards())),
			zap.Int("validate_shards_kept", len(ing.validate.Shards())),
			zap.Error(err))
	} else {
		err = multierr.Append(ing.train.Close(), ing.validate.Close())
	}
	stats.TrainShards = len(ing.train.Shards())
	stats.ValidateShards = len(ing.validate.Shards())
	if err != nil {
		return stats, err
	}

	if err := ing.catalog.RecordIngest(IngestRecord{
		Source:     cfg.PGNPath,
		Engine:     string(cfg.Engine),
		Scheme:     cfg.Scheme.Version,
		Seed:       cfg.Seed,
		Stats:      *stats,
		StartedAt:  started,
		FinishedAt: time.Now(),
	}); err != nil {
		return stats, fmt.Errorf("failed to record ingest: %w", err)
	}

	ing.logger.Info("Ingestion complete",
		zap.Int("games", stats.Games),
		zap.Int("games_skipped", stats.GamesSkipped),
		zap.Int("pairs", stats.Pairs),
		zap.Int("forced_skipped", stats.ForcedSkipped),
		zap.Int("train_samples", stats.TrainSamples),
		zap.Int("validate_samples", stats.ValidateSamples),
		zap.Duration("elapsed", time.Since(started)))
	return stats, nil
}

func (ing *Ingestor) generate(ctx context.Context, games <-chan GameRecord, results chan<- gameResult) error {
	cfg := ing.config
	gen := NewPairGenerator(cfg.Scheme, cfg.Engine, cfg.Seed)
	for rec := range games {
		gen.Reseed(GameSeed(cfg.Seed, rec.Index))
		pairs, st, err := gen.Generate(rec)
		res := gameResult{index: rec.Index, pairs: pairs, stats: st}
		if err != nil {
			if !cfg.SkipInvalid || !errors.Is(err, rules.ErrIllegalMove) {
				return err
			}
			ing.logger.Warn("Skipping game", zap.Int("game", rec.Index), zap.Error(err))
			res = gameResult{index: rec.Index, skipped: true}
		}
		select {
		case results <- res:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (ing *Ingestor) consume(r gameResult, stats *IngestionStats) error {
	stats.Games++
	if r.skipped {
		stats.GamesSkipped++
	} else {
		stats.Plies += r.stats.Plies
		stats.Pairs += r.stats.Pairs
		stats.ForcedSkipped += r.stats.ForcedSkipped

		w := ing.train
		if IsValidationGame(ing.config.Seed, r.index, ing.config.ValidateFraction) {
			w = ing.validate
			stats.ValidateSamples += 2 * len(r.pairs)
		} else {
			stats.TrainSamples += 2 * len(r.pairs)
		}
		if err := w.WritePairs(r.pairs); err != nil {
			return fmt.Errorf("failed to write pairs of game %d: %w", r.index, err)
		}
	}

	if every := ing.config.ProgressEvery; every > 0 && stats.Games%every == 0 {
		ing.logger.Info("Ingest progress",
			zap.Int("games", stats.Games),
			zap.Int("pairs", stats.Pairs))
	}
	return nil
}

// IsValidationGame routes a game to the validate split with probability
// fraction, deterministically per (seed, index)
func IsValidationGame(seed uint64, index int, fraction float64) bool {
	if fraction <= 0 {
		return false
	}
	u := float64(GameSeed(^seed, index)>>11) / (1 << 53)
	return u < fraction
}
