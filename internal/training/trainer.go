// Package training fits a PairNet to a sharded dataset: it streams
// minibatches, steps an Adam solver, validates each epoch and keeps the
// best checkpoint together with a per-run history.
package training

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorgonia.org/gorgonia"

	"github.com/thyrook/chessnet/internal/encoding"
	"github.com/thyrook/chessnet/internal/model"
	"github.com/thyrook/chessnet/internal/shard"
)

// Dataset split directories
const (
	TrainDir    = "train"
	ValidateDir = "validate"
)

// ConfigCopyName is the file the run configuration is copied to
const ConfigCopyName = "config.json"

// Config holds training configuration
type Config struct {
	Epochs        int
	BatchSize     int
	Network       model.Config
	Schedule      model.ScheduleConfig
	GradClip      float64
	PrefetchDepth int
	LogDir        string
	SaveBestOnly  bool
	Scheme        *encoding.Scheme
	// ConfigJSON is written to config.json in the run directory
	ConfigJSON []byte
	// Describe tags the run directory; empty means ask git
	Describe string
	Logger   *zap.Logger
	// OnEpoch, if set, is called after each epoch is recorded
	OnEpoch func(EpochMetrics)
}

// DefaultConfig returns default training configuration
func DefaultConfig() Config {
	return Config{
		Epochs:    20,
		BatchSize: 256,
		Network:   model.DefaultConfig(),
		Schedule: model.ScheduleConfig{
			Kind:       model.ScheduleStep,
			BaseLR:     0.001,
			DecayRate:  0.5,
			DecayEvery: 5,
		},
		GradClip:      5.0,
		PrefetchDepth: 4,
		LogDir:        "logs",
		SaveBestOnly:  true,
		Scheme:        encoding.V1,
	}
}

// Trainer runs the epoch loop
type Trainer struct {
	cfg       Config
	net       *model.PairNet
	train     *shard.StreamLoader
	validate  *shard.StreamLoader
	scheduler model.LRScheduler
	store     *RunStore
	run       RunInfo
	logger    *zap.Logger

	bestLoss float64
	bestPath string
}

// NewTrainer opens the dataset loaders, builds the network and creates the
// run directory with its history store. A dataset without validate shards
// trains without a validation pass and monitors training loss instead.
func NewTrainer(ctx context.Context, cfg Config, datasetDir string) (*Trainer, error) {
	if cfg.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive, got %d", cfg.Epochs)
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize%2 != 0 {
		return nil, fmt.Errorf("%w: batch size must be positive and even, got %d", shard.ErrInvalidBatchSize, cfg.BatchSize)
	}
	if cfg.Scheme == nil {
		cfg.Scheme = encoding.V1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	scheduler, err := model.NewLRScheduler(cfg.Schedule)
	if err != nil {
		return nil, err
	}

	train, err := shard.NewStreamLoader(filepath.Join(datasetDir, TrainDir), cfg.BatchSize,
		shard.WithScheme(cfg.Scheme), shard.WithLogger(logger.With(zap.String("split", TrainDir))))
	if err != nil {
		return nil, fmt.Errorf("failed to open training data: %w", err)
	}
	if train.TotalMinibatches() == 0 {
		return nil, fmt.Errorf("%s: %w", train.Dir(), shard.ErrEmptyEpoch)
	}
	validate, err := shard.NewStreamLoader(filepath.Join(datasetDir, ValidateDir), cfg.BatchSize,
		shard.WithScheme(cfg.Scheme), shard.WithLogger(logger.With(zap.String("split", ValidateDir))))
	if err != nil {
		return nil, fmt.Errorf("failed to open validation data: %w", err)
	}
	if validate.TotalMinibatches() == 0 {
		logger.Warn("No validation minibatches, monitoring training loss")
		validate = nil
	}

	netCfg := cfg.Network
	netCfg.BatchSize = cfg.BatchSize
	net, err := model.NewTrainingPairNet(netCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build network: %w", err)
	}

	describe := cfg.Describe
	if describe == "" {
		describe = GitDescribe(ctx)
	}
	started := time.Now()
	runDir := filepath.Join(cfg.LogDir, RunDirName(started, describe))
	if err := os.MkdirAll(runDir, 0755); err != nil {
		net.Close()
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}
	if len(cfg.ConfigJSON) > 0 {
		if err := os.WriteFile(filepath.Join(runDir, ConfigCopyName), cfg.ConfigJSON, 0644); err != nil {
			net.Close()
			return nil, fmt.Errorf("failed to copy config: %w", err)
		}
	}

	store, err := OpenRunStore(filepath.Join(runDir, RunStoreDir))
	if err != nil {
		net.Close()
		return nil, err
	}
	run, err := store.StartRun(RunInfo{
		Dir:       runDir,
		Describe:  describe,
		Dataset:   datasetDir,
		Scheme:    cfg.Scheme.Version,
		Hidden:    netCfg.Hidden,
		BatchSize: cfg.BatchSize,
		StartedAt: started,
	})
	if err != nil {
		return nil, multierr.Append(err, multierr.Combine(store.Close(), net.Close()))
	}

	logger.Info("Training run created",
		zap.String("run_id", run.ID),
		zap.String("dir", runDir),
		zap.Int("params", net.NumParams()),
		zap.Int("train_minibatches", train.TotalMinibatches()),
		zap.Int("train_samples", train.SamplesPerEpoch()))

	return &Trainer{
		cfg:       cfg,
		net:       net,
		train:     train,
		validate:  validate,
		scheduler: scheduler,
		store:     store,
		run:       run,
		logger:    logger.With(zap.String("run_id", run.ID)),
		bestLoss:  math.Inf(1),
	}, nil
}

// Run returns the run record
func (t *Trainer) Run() RunInfo {
	return t.run
}

// Network returns the network being trained
func (t *Trainer) Network() *model.PairNet {
	return t.net
}

// Store returns the run history store
func (t *Trainer) Store() *RunStore {
	return t.store
}

// BestCheckpoint returns the path of the best checkpoint written so far
func (t *Trainer) BestCheckpoint() string {
	return t.bestPath
}

// Close releases the network and the history store
func (t *Trainer) Close() error {
	return multierr.Combine(t.net.Close(), t.store.Close())
}

// Train runs cfg.Epochs epochs. Each epoch is exactly TotalMinibatches
// batches of the training stream. Cancelling ctx stops training at the next
// batch boundary; the metrics of completed epochs are returned with the
// context error.
func (t *Trainer) Train(ctx context.Context) (history []EpochMetrics, err error) {
	defer func() {
		status := StatusCompleted
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			status = StatusCancelled
		case err != nil:
			status = StatusFailed
		}
		t.run.Status = status
		t.run.FinishedAt = time.Now()
		err = multierr.Append(err, t.store.UpdateRun(t.run))
	}()

	batches := t.train.Prefetch(ctx, t.cfg.PrefetchDepth)
	defer func() {
		err = multierr.Append(err, batches.Close())
	}()

	var (
		solver    gorgonia.Solver
		currentLR float64
	)
	for epoch := 1; epoch <= t.cfg.Epochs; epoch++ {
		lr := t.scheduler.LR(epoch - 1)
		if solver == nil || lr != currentLR {
			solver = t.newSolver(lr)
			currentLR = lr
		}

		m, err := t.trainEpoch(ctx, epoch, solver, batches)
		if err != nil {
			return history, err
		}
		m.LearningRate = lr

		if t.validate != nil {
			if err := t.validateEpoch(ctx, &m); err != nil {
				return history, err
			}
		}

		if err := t.checkpoint(&m); err != nil {
			return history, err
		}
		if err := t.store.RecordEpoch(t.run.ID, m); err != nil {
			return history, err
		}
		history = append(history, m)

		t.logger.Info("Epoch complete",
			zap.Int("epoch", epoch),
			zap.Int("epochs", t.cfg.Epochs),
			zap.Float64("lr", lr),
			zap.Float64("loss", m.Loss),
			zap.Float64("accuracy", m.Accuracy),
			zap.Float64("pairwise", m.PairwiseAccuracy),
			zap.Float64("val_loss", m.ValLoss),
			zap.Float64("val_accuracy", m.ValAccuracy),
			zap.Float64("val_pairwise", m.ValPairwise),
			zap.Float64("samples_per_sec", m.ThroughputSPS()),
			zap.Duration("elapsed", m.Duration),
			zap.String("checkpoint", m.Checkpoint))
		if t.cfg.OnEpoch != nil {
			t.cfg.OnEpoch(m)
		}
	}
	return history, nil
}

// newSolver builds an Adam solver for lr. Changing the rate starts a fresh
// solver, which resets the moment estimates.
func (t *Trainer) newSolver(lr float64) gorgonia.Solver {
	opts := []gorgonia.SolverOpt{gorgonia.WithLearnRate(lr)}
	if t.cfg.GradClip > 0 {
		opts = append(opts, gorgonia.WithClip(t.cfg.GradClip))
	}
	return gorgonia.NewAdamSolver(opts...)
}

func (t *Trainer) trainEpoch(ctx context.Context, epoch int, solver gorgonia.Solver, batches *shard.Prefetcher) (EpochMetrics, error) {
	start := time.Now()
	var acc accumulator
	total := t.train.TotalMinibatches()

	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return EpochMetrics{}, err
		}
		b, err := batches.Next(ctx)
		if err != nil {
			return EpochMetrics{}, fmt.Errorf("epoch %d batch %d: %w", epoch, i, err)
		}
		loss, scores, err := t.net.Step(solver, b.Boards, b.Extras, b.Labels)
		if err != nil {
			return EpochMetrics{}, fmt.Errorf("epoch %d batch %d (%s): %w", epoch, i, b.Shard, err)
		}
		if math.IsNaN(loss) {
			return EpochMetrics{}, fmt.Errorf("epoch %d batch %d: loss is NaN", epoch, i)
		}
		acc.add(loss, scores, b.Labels)

		if i == total-1 && !b.EpochEnd {
			t.logger.Warn("Epoch boundary out of step with the stream",
				zap.Int("epoch", epoch), zap.Int("stream_epoch", b.Epoch), zap.Int("index", b.Index))
		}
	}

	return EpochMetrics{
		Epoch:            epoch,
		Loss:             acc.loss(),
		Accuracy:         acc.accuracy(),
		PairwiseAccuracy: acc.pairwise(),
		Samples:          acc.samples,
		Duration:         time.Since(start),
	}, nil
}

// validateEpoch scores one full epoch of the validate split without
// touching the weights
func (t *Trainer) validateEpoch(ctx context.Context, m *EpochMetrics) error {
	var acc accumulator
	stream := t.validate.Stream()
	for i := 0; i < t.validate.TotalMinibatches(); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, err := stream.Next()
		if err != nil {
			return fmt.Errorf("validation batch %d: %w", i, err)
		}
		loss, scores, err := t.net.Forward(b.Boards, b.Extras, b.Labels)
		if err != nil {
			return fmt.Errorf("validation batch %d (%s): %w", i, b.Shard, err)
		}
		acc.add(loss, scores, b.Labels)
	}
	m.ValLoss = acc.loss()
	m.ValAccuracy = acc.accuracy()
	m.ValPairwise = acc.pairwise()
	m.ValSamples = acc.samples
	return nil
}

// checkpoint saves the model when the monitored loss improves, or every
// epoch when SaveBestOnly is off
func (t *Trainer) checkpoint(m *EpochMetrics) error {
	monitored := m.Loss
	if m.HasValidation() {
		monitored = m.ValLoss
	}
	improved := monitored < t.bestLoss
	if !improved && t.cfg.SaveBestOnly {
		return nil
	}

	path := filepath.Join(t.run.Dir, CheckpointName(m.Epoch, monitored))
	meta := model.Metadata{Scheme: t.cfg.Scheme.Version, Epoch: m.Epoch, ValLoss: monitored}
	if err := t.net.SaveModel(path, meta); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	m.Checkpoint = path

	if improved {
		t.bestLoss = monitored
		t.bestPath = path
		t.run.BestEpoch = m.Epoch
		t.run.BestLoss = monitored
		if err := t.store.UpdateRun(t.run); err != nil {
			return err
		}
	}
	return nil
}
