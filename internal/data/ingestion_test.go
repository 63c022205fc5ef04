package data

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/thyrook/chessnet/internal/encoding"
	"github.com/thyrook/chessnet/internal/shard"
)

func ingestConfig(t *testing.T, pgnPath string, workers int) *IngestionConfig {
	t.Helper()
	cfg := DefaultIngestionConfig(pgnPath, t.TempDir())
	cfg.ShardSize = 8
	cfg.ValidateFraction = 0.25
	cfg.Seed = 99
	cfg.WorkerPoolSize = workers
	return cfg
}

func runIngest(t *testing.T, cfg *IngestionConfig) *IngestionStats {
	t.Helper()
	ing, err := NewIngestor(cfg)
	if err != nil {
		t.Fatalf("Failed to create ingestor: %v", err)
	}
	defer ing.Close()

	stats, err := ing.Ingest(context.Background())
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	return stats
}

func TestIngestWritesAdjacentPairs(t *testing.T) {
	pgnPath := writePGN(t, t.TempDir(), "games.pgn", testGames)
	cfg := ingestConfig(t, pgnPath, 3)
	stats := runIngest(t, cfg)

	if stats.Games != len(testGames) {
		t.Errorf("Expected %d games, got %d", len(testGames), stats.Games)
	}
	if stats.TrainSamples+stats.ValidateSamples != 2*stats.Pairs {
		t.Errorf("sample totals %d+%d do not match %d pairs", stats.TrainSamples, stats.ValidateSamples, stats.Pairs)
	}
	if stats.Pairs != stats.Plies-stats.ForcedSkipped {
		t.Errorf("pairs %d != plies %d - forced %d", stats.Pairs, stats.Plies, stats.ForcedSkipped)
	}

	for _, split := range []string{SplitTrain, SplitValidate} {
		paths, err := shard.ListShards(filepath.Join(cfg.DatasetPath, split))
		if err != nil {
			t.Fatalf("ListShards failed: %v", err)
		}
		for _, p := range paths {
			_, cols, err := shard.ReadFile(p, encoding.V1)
			if err != nil {
				t.Fatalf("ReadFile failed: %v", err)
			}
			for i := 0; i < cols.Len(); i++ {
				if cols.Labels[i] != uint8(i%2) {
					t.Fatalf("%s sample %d has label %d", p, i, cols.Labels[i])
				}
			}
		}
	}

	c := openCatalogForTest(t, cfg.DatasetPath)
	catStats, err := c.GetStats()
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if catStats.Splits[SplitTrain].Samples != stats.TrainSamples {
		t.Errorf("catalog train samples %d, want %d", catStats.Splits[SplitTrain].Samples, stats.TrainSamples)
	}
	if catStats.Splits[SplitValidate].Samples != stats.ValidateSamples {
		t.Errorf("catalog validate samples %d, want %d", catStats.Splits[SplitValidate].Samples, stats.ValidateSamples)
	}
	if catStats.Ingests != 1 {
		t.Errorf("Expected 1 ingest record, got %d", catStats.Ingests)
	}
	if err := c.VerifyIntegrity(cfg.DatasetPath); err != nil {
		t.Errorf("VerifyIntegrity failed: %v", err)
	}
}

func openCatalogForTest(t *testing.T, datasetPath string) *Catalog {
	t.Helper()
	c, err := OpenCatalog(filepath.Join(datasetPath, CatalogFile))
	if err != nil {
		t.Fatalf("Failed to open catalog: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestIngestIndependentOfWorkerCount(t *testing.T) {
	pgnPath := writePGN(t, t.TempDir(), "games.pgn", testGames)
	one := ingestConfig(t, pgnPath, 1)
	many := ingestConfig(t, pgnPath, 4)
	runIngest(t, one)
	runIngest(t, many)

	for _, split := range []string{SplitTrain, SplitValidate} {
		a, _ := shard.ListShards(filepath.Join(one.DatasetPath, split))
		b, _ := shard.ListShards(filepath.Join(many.DatasetPath, split))
		if len(a) != len(b) {
			t.Fatalf("%s: shard counts differ %d vs %d", split, len(a), len(b))
		}
		for i := range a {
			da, _ := os.ReadFile(a[i])
			db, _ := os.ReadFile(b[i])
			if !bytes.Equal(da, db) {
				t.Errorf("%s: shard %d differs between worker counts", split, i)
			}
		}
	}
}

func TestIngestMaxGames(t *testing.T) {
	pgnPath := writePGN(t, t.TempDir(), "games.pgn", testGames)
	cfg := ingestConfig(t, pgnPath, 2)
	cfg.MaxGames = 3
	stats := runIngest(t, cfg)
	if stats.Games != 3 {
		t.Errorf("Expected 3 games, got %d", stats.Games)
	}
}

func TestIngestFailureDropsPartialShards(t *testing.T) {
	dir := t.TempDir()
	pgn := pgnGame("good-a", testGames[0]) + pgnGame("good-b", testGames[1]) + pgnGame("bad", "1. e4 e5 2. Ke3")
	pgnPath := filepath.Join(dir, "games.pgn")
	if err := os.WriteFile(pgnPath, []byte(pgn), 0644); err != nil {
		t.Fatalf("Failed to write PGN: %v", err)
	}
	cfg := ingestConfig(t, pgnPath, 1)
	cfg.ShardSize = 1000

	ing, err := NewIngestor(cfg)
	if err != nil {
		t.Fatalf("Failed to create ingestor: %v", err)
	}
	defer ing.Close()

	stats, err := ing.Ingest(context.Background())
	if err == nil {
		t.Fatal("Expected ingest to fail on the unparsable game")
	}
	if stats.TrainShards != 0 || stats.ValidateShards != 0 {
		t.Errorf("failed ingest wrote %d train and %d validate shards", stats.TrainShards, stats.ValidateShards)
	}
	for _, split := range []string{SplitTrain, SplitValidate} {
		paths, _ := shard.ListShards(filepath.Join(cfg.DatasetPath, split))
		if len(paths) != 0 {
			t.Errorf("%s: found shards %v after a failed ingest", split, paths)
		}
	}

	ingests, err := ing.Catalog().Ingests()
	if err != nil {
		t.Fatalf("Ingests failed: %v", err)
	}
	if len(ingests) != 0 {
		t.Errorf("failed ingest was recorded: %+v", ingests)
	}
}

func TestIsValidationGame(t *testing.T) {
	if IsValidationGame(1, 5, 0) {
		t.Error("fraction 0 must never validate")
	}
	n := 0
	for i := 0; i < 2000; i++ {
		if IsValidationGame(7, i, 0.1) != IsValidationGame(7, i, 0.1) {
			t.Fatal("routing is not deterministic")
		}
		if IsValidationGame(7, i, 0.1) {
			n++
		}
	}
	if n < 120 || n > 280 {
		t.Errorf("expected about 200 validation games, got %d", n)
	}
}
