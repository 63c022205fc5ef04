package training

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/exp/rand"

	"github.com/thyrook/chessnet/internal/encoding"
	"github.com/thyrook/chessnet/internal/model"
	"github.com/thyrook/chessnet/internal/shard"
)

// syntheticPairs builds pairs whose negatives hold only white pieces and
// whose positives hold only black pieces, which a small network separates
// quickly
func syntheticPairs(n int, seed uint64) []encoding.SamplePair {
	rng := rand.New(rand.NewSource(seed))
	pairs := make([]encoding.SamplePair, n)
	for i := range pairs {
		neg := encoding.Sample{Label: encoding.LabelNegative}
		pos := encoding.Sample{Label: encoding.LabelPositive}
		for k := 0; k < 4; k++ {
			sq := rng.Intn(64)
			neg.Board[sq] = uint8(1 + rng.Intn(6))
			pos.Board[sq] = uint8(7 + rng.Intn(6))
		}
		pairs[i] = encoding.SamplePair{Negative: neg, Positive: pos}
	}
	return pairs
}

func writeDataset(t *testing.T, trainPairs, validatePairs int) string {
	t.Helper()
	dir := t.TempDir()
	opts := shard.DefaultWriterOptions()
	opts.ShardSize = 40

	if _, err := shard.WriteAll(filepath.Join(dir, TrainDir), syntheticPairs(trainPairs, 1), opts); err != nil {
		t.Fatalf("Failed to write train shards: %v", err)
	}
	if validatePairs > 0 {
		opts.Seed = 2
		if _, err := shard.WriteAll(filepath.Join(dir, ValidateDir), syntheticPairs(validatePairs, 2), opts); err != nil {
			t.Fatalf("Failed to write validate shards: %v", err)
		}
	}
	return dir
}

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.Epochs = 3
	cfg.BatchSize = 8
	cfg.Network = model.Config{Hidden: []int{8}, Seed: 4}
	cfg.Schedule = model.ScheduleConfig{Kind: model.ScheduleConstant, BaseLR: 0.01}
	cfg.PrefetchDepth = 2
	cfg.LogDir = filepath.Join(t.TempDir(), "runs")
	cfg.Describe = "v0.0.0-0-gtest"
	cfg.ConfigJSON = []byte(`{"app_name":"chessnet"}`)
	return cfg
}

func TestPairwiseCorrect(t *testing.T) {
	tests := []struct {
		name    string
		scores  []float64
		labels  []uint8
		pairs   int
		correct int
	}{
		{"empty", nil, nil, 0, 0},
		{"one right", []float64{0.2, 0.8}, []uint8{0, 1}, 1, 1},
		{"one wrong", []float64{0.8, 0.2}, []uint8{0, 1}, 1, 0},
		{"tie is wrong", []float64{0.5, 0.5}, []uint8{0, 1}, 1, 0},
		{"mixed", []float64{0.1, 0.9, 0.7, 0.3, 0.4, 0.6}, []uint8{0, 1, 0, 1, 0, 1}, 3, 2},
		{"misaligned skipped", []float64{0.9, 0.1, 0.2}, []uint8{1, 0, 1}, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pairs, correct := PairwiseCorrect(tt.scores, tt.labels)
			if pairs != tt.pairs || correct != tt.correct {
				t.Errorf("got %d/%d, want %d/%d", correct, pairs, tt.correct, tt.pairs)
			}
		})
	}

	if got := CorrectPredictions([]float64{0.9, 0.4, 0.6, 0.1}, []uint8{1, 0, 0, 1}); got != 2 {
		t.Errorf("CorrectPredictions = %d, want 2", got)
	}
}

func TestNames(t *testing.T) {
	if got := CheckpointName(7, 0.6931); got != "model.0007-0.69.gob" {
		t.Errorf("CheckpointName = %q", got)
	}
	ts := time.Date(2024, 3, 9, 14, 5, 6, 0, time.UTC)
	if got := RunDirName(ts, "abc1234-dirty"); got != "2024-03-09_14-05-06 abc1234-dirty" {
		t.Errorf("RunDirName = %q", got)
	}
	if GitDescribe(context.Background()) == "" {
		t.Error("GitDescribe returned an empty tag")
	}
}

func TestRunStore(t *testing.T) {
	store, err := OpenRunStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open run store: %v", err)
	}
	defer store.Close()

	run, err := store.StartRun(RunInfo{Dataset: "data", BatchSize: 8})
	if err != nil {
		t.Fatalf("Failed to start run: %v", err)
	}
	if run.ID == "" || run.Status != StatusRunning {
		t.Fatalf("unexpected run %+v", run)
	}

	for _, e := range []int{2, 1, 10} {
		if err := store.RecordEpoch(run.ID, EpochMetrics{Epoch: e, Loss: float64(e)}); err != nil {
			t.Fatalf("Failed to record epoch: %v", err)
		}
	}
	epochs, err := store.Epochs(run.ID)
	if err != nil {
		t.Fatalf("Failed to read epochs: %v", err)
	}
	if len(epochs) != 3 || epochs[0].Epoch != 1 || epochs[1].Epoch != 2 || epochs[2].Epoch != 10 {
		t.Errorf("epochs out of order: %+v", epochs)
	}

	run.Status = StatusCompleted
	if err := store.UpdateRun(run); err != nil {
		t.Fatalf("Failed to update run: %v", err)
	}
	got, err := store.Run(run.ID)
	if err != nil {
		t.Fatalf("Failed to read run: %v", err)
	}
	if got.Status != StatusCompleted || got.Dataset != "data" {
		t.Errorf("unexpected stored run %+v", got)
	}

	if _, err := store.Run("missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
	runs, err := store.Runs()
	if err != nil || len(runs) != 1 {
		t.Errorf("Runs = %d, %v", len(runs), err)
	}
}

func TestTrainerEndToEnd(t *testing.T) {
	dataset := writeDataset(t, 40, 8)
	cfg := testConfig(t)
	var seen []int
	cfg.OnEpoch = func(m EpochMetrics) { seen = append(seen, m.Epoch) }

	tr, err := NewTrainer(context.Background(), cfg, dataset)
	if err != nil {
		t.Fatalf("Failed to create trainer: %v", err)
	}
	defer tr.Close()

	history, err := tr.Train(context.Background())
	if err != nil {
		t.Fatalf("Training failed: %v", err)
	}
	if len(history) != cfg.Epochs {
		t.Fatalf("Expected %d epochs, got %d", cfg.Epochs, len(history))
	}
	for i, m := range history {
		if m.Epoch != i+1 {
			t.Errorf("epoch %d numbered %d", i+1, m.Epoch)
		}
		if m.Samples != 80 {
			t.Errorf("epoch %d trained on %d samples, want 80", m.Epoch, m.Samples)
		}
		if m.ValSamples != 16 {
			t.Errorf("epoch %d validated on %d samples, want 16", m.Epoch, m.ValSamples)
		}
		if m.PairwiseAccuracy < 0 || m.PairwiseAccuracy > 1 {
			t.Errorf("pairwise accuracy %v out of range", m.PairwiseAccuracy)
		}
	}
	if len(seen) != cfg.Epochs || seen[0] != 1 {
		t.Errorf("OnEpoch saw %v", seen)
	}
	checkValidationScores(t, tr.Network(), filepath.Join(dataset, ValidateDir), history[len(history)-1])
	if history[len(history)-1].Loss >= history[0].Loss {
		t.Errorf("loss did not fall: %v -> %v", history[0].Loss, history[len(history)-1].Loss)
	}

	run := tr.Run()
	if !strings.HasSuffix(run.Dir, " "+cfg.Describe) {
		t.Errorf("run dir %q not tagged with describe", run.Dir)
	}
	if _, err := os.Stat(filepath.Join(run.Dir, ConfigCopyName)); err != nil {
		t.Errorf("config copy missing: %v", err)
	}

	best := tr.BestCheckpoint()
	if best == "" {
		t.Fatal("no checkpoint written")
	}
	net, meta, err := model.LoadModel(best, 4)
	if err != nil {
		t.Fatalf("Failed to load best checkpoint: %v", err)
	}
	net.Close()
	if meta.Epoch != run.BestEpoch {
		t.Errorf("checkpoint epoch %d, run best epoch %d", meta.Epoch, run.BestEpoch)
	}

	// save-best-only never writes more checkpoints than epochs
	ckpts, _ := filepath.Glob(filepath.Join(run.Dir, "model.*.gob"))
	if len(ckpts) == 0 || len(ckpts) > cfg.Epochs {
		t.Errorf("found %d checkpoints", len(ckpts))
	}

	stored, err := tr.Store().Run(run.ID)
	if err != nil {
		t.Fatalf("Failed to read run: %v", err)
	}
	if stored.Status != StatusCompleted {
		t.Errorf("run status %q", stored.Status)
	}
	epochs, err := tr.Store().Epochs(run.ID)
	if err != nil || len(epochs) != cfg.Epochs {
		t.Errorf("stored %d epochs, %v", len(epochs), err)
	}
}

// checkValidationScores rescores the validate split with the final weights
// and checks the recorded validation metrics were computed from real scores
func checkValidationScores(t *testing.T, net *model.PairNet, dir string, last EpochMetrics) {
	t.Helper()
	paths, err := shard.ListShards(dir)
	if err != nil {
		t.Fatalf("Failed to list validate shards: %v", err)
	}
	var boards []encoding.BoardTensor
	var extras []encoding.ExtraTensor
	var labels []uint8
	for _, path := range paths {
		_, cols, err := shard.ReadFile(path, encoding.V1)
		if err != nil {
			t.Fatalf("Failed to read %s: %v", path, err)
		}
		for i := 0; i < cols.Len(); i++ {
			s := cols.Sample(i)
			boards = append(boards, s.Board)
			extras = append(extras, s.Extra)
			labels = append(labels, s.Label)
		}
	}
	if len(labels) != last.ValSamples {
		t.Fatalf("validate split holds %d samples, epoch validated %d", len(labels), last.ValSamples)
	}

	scores, err := net.Evaluate(boards, extras)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	for i, s := range scores {
		if s < 0 || s > 1 {
			t.Fatalf("score %d = %v outside [0,1]", i, s)
		}
	}
	pairs, correct := PairwiseCorrect(scores, labels)
	if want := float64(correct) / float64(pairs); last.ValPairwise != want {
		t.Errorf("recorded val pairwise %v, rescored %v", last.ValPairwise, want)
	}
	if want := float64(CorrectPredictions(scores, labels)) / float64(len(labels)); last.ValAccuracy != want {
		t.Errorf("recorded val accuracy %v, rescored %v", last.ValAccuracy, want)
	}
}

func TestTrainerWithoutValidation(t *testing.T) {
	dataset := writeDataset(t, 20, 0)
	cfg := testConfig(t)
	cfg.Epochs = 1

	tr, err := NewTrainer(context.Background(), cfg, dataset)
	if err != nil {
		t.Fatalf("Failed to create trainer: %v", err)
	}
	defer tr.Close()

	history, err := tr.Train(context.Background())
	if err != nil {
		t.Fatalf("Training failed: %v", err)
	}
	if history[0].HasValidation() {
		t.Error("validation ran without validate shards")
	}
	if tr.BestCheckpoint() == "" {
		t.Error("no checkpoint written when monitoring training loss")
	}
}

func TestTrainerCancellation(t *testing.T) {
	dataset := writeDataset(t, 40, 0)
	tr, err := NewTrainer(context.Background(), testConfig(t), dataset)
	if err != nil {
		t.Fatalf("Failed to create trainer: %v", err)
	}
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	history, err := tr.Train(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(history) != 0 {
		t.Errorf("completed %d epochs after cancellation", len(history))
	}
	stored, err := tr.Store().Run(tr.Run().ID)
	if err != nil {
		t.Fatalf("Failed to read run: %v", err)
	}
	if stored.Status != StatusCancelled {
		t.Errorf("run status %q, want %q", stored.Status, StatusCancelled)
	}
}

func TestNewTrainerErrors(t *testing.T) {
	empty := t.TempDir()
	if _, err := NewTrainer(context.Background(), testConfig(t), empty); !errors.Is(err, shard.ErrEmptyEpoch) {
		t.Errorf("expected ErrEmptyEpoch, got %v", err)
	}

	cfg := testConfig(t)
	cfg.BatchSize = 7
	if _, err := NewTrainer(context.Background(), cfg, writeDataset(t, 10, 0)); err == nil {
		t.Error("Expected error for odd batch size")
	}
}
