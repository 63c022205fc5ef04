package shard

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/exp/rand"

	"github.com/thyrook/chessnet/internal/encoding"
)

// makeSamples returns n samples whose first board byte encodes their index
func makeSamples(n int) []encoding.Sample {
	samples := make([]encoding.Sample, n)
	for i := range samples {
		samples[i].Board[0] = uint8(i % encoding.NumClasses)
		samples[i].Board[1] = uint8(i / encoding.NumClasses % encoding.NumClasses)
		samples[i].Extra[encoding.ExtraSideToMove] = uint8(i % 2)
		samples[i].Label = uint8(i % 2)
	}
	return samples
}

func makePairs(n int) []encoding.SamplePair {
	pairs := make([]encoding.SamplePair, n)
	for i := range pairs {
		pairs[i].Negative.Board[0] = uint8(i % encoding.NumClasses)
		pairs[i].Negative.Board[1] = uint8(i / encoding.NumClasses % encoding.NumClasses)
		pairs[i].Negative.Label = encoding.LabelNegative
		pairs[i].Positive.Board = pairs[i].Negative.Board
		pairs[i].Positive.Board[2] = 1
		pairs[i].Positive.Label = encoding.LabelPositive
	}
	return pairs
}

func writeRawShard(t *testing.T, dir, name string, samples []encoding.Sample) {
	t.Helper()
	data, err := Marshal(samples, encoding.V1)
	if err != nil {
		t.Fatalf("Failed to marshal shard: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		t.Fatalf("Failed to write shard: %v", err)
	}
}

func TestMarshalUnmarshal(t *testing.T) {
	samples := makeSamples(37)
	data, err := Marshal(samples, encoding.V1)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	h, cols, err := Unmarshal(data, encoding.V1)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if h.Count != 37 || h.Scheme != encoding.V1.Version {
		t.Errorf("unexpected header %+v", h)
	}
	for i := range samples {
		if cols.Sample(i) != samples[i] {
			t.Fatalf("sample %d differs", i)
		}
	}
}

func TestUnmarshalRejectsCorruption(t *testing.T) {
	data, err := Marshal(makeSamples(8), encoding.V1)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	t.Run("magic", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		bad[0] = 'X'
		if _, _, err := Unmarshal(bad, encoding.V1); !errors.Is(err, ErrBadMagic) {
			t.Errorf("expected ErrBadMagic, got %v", err)
		}
	})

	t.Run("truncated", func(t *testing.T) {
		if _, _, err := Unmarshal(data[:len(data)-3], encoding.V1); !errors.Is(err, ErrTruncated) {
			t.Errorf("expected ErrTruncated, got %v", err)
		}
	})

	t.Run("checksum", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		bad[16] ^= 0xff
		if _, _, err := Unmarshal(bad, encoding.V1); !errors.Is(err, ErrChecksum) {
			t.Errorf("expected ErrChecksum, got %v", err)
		}
	})

	t.Run("scheme", func(t *testing.T) {
		other := &encoding.Scheme{Version: 9}
		if _, _, err := Unmarshal(data, other); !errors.Is(err, encoding.ErrSchemeMismatch) {
			t.Errorf("expected ErrSchemeMismatch, got %v", err)
		}
	})
}

func TestWriterRejectsOddShardSize(t *testing.T) {
	opts := DefaultWriterOptions()
	opts.ShardSize = 7
	if _, err := NewWriter(t.TempDir(), opts); !errors.Is(err, ErrOddShardSize) {
		t.Errorf("expected ErrOddShardSize, got %v", err)
	}
}

func TestWriterKeepsPairsAdjacent(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultWriterOptions()
	opts.ShardSize = 10
	opts.Seed = 42

	var hooked []Info
	opts.OnShard = func(info Info) error {
		hooked = append(hooked, info)
		return nil
	}

	infos, err := WriteAll(dir, makePairs(23), opts)
	if err != nil {
		t.Fatalf("WriteAll failed: %v", err)
	}
	if len(infos) != 5 {
		t.Fatalf("expected 5 shards, got %d", len(infos))
	}
	if len(hooked) != len(infos) {
		t.Errorf("hook saw %d shards, want %d", len(hooked), len(infos))
	}
	if infos[4].Count != 6 {
		t.Errorf("last shard has %d samples, want 6", infos[4].Count)
	}

	seen := make(map[[2]uint8]bool)
	for _, info := range infos {
		_, cols, err := ReadFile(info.Path, encoding.V1)
		if err != nil {
			t.Fatalf("ReadFile failed: %v", err)
		}
		if cols.Len()%2 != 0 {
			t.Fatalf("shard %s has odd sample count", info.Name)
		}
		for i := 0; i < cols.Len(); i += 2 {
			neg, pos := cols.Sample(i), cols.Sample(i+1)
			if neg.Label != 0 || pos.Label != 1 {
				t.Fatalf("shard %s index %d: labels %d,%d", info.Name, i, neg.Label, pos.Label)
			}
			if neg.Board[0] != pos.Board[0] || neg.Board[1] != pos.Board[1] {
				t.Fatalf("shard %s index %d: pair split by shuffle", info.Name, i)
			}
			seen[[2]uint8{neg.Board[0], neg.Board[1]}] = true
		}
	}
	if len(seen) != 23 {
		t.Errorf("expected 23 distinct pairs, found %d", len(seen))
	}

	leftovers, _ := filepath.Glob(filepath.Join(dir, ".*.tmp"))
	if len(leftovers) != 0 {
		t.Errorf("temp files left behind: %v", leftovers)
	}
}

func TestWriterContinuesNumbering(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultWriterOptions()
	opts.ShardSize = 4
	if _, err := WriteAll(dir, makePairs(4), opts); err != nil {
		t.Fatalf("first WriteAll failed: %v", err)
	}
	infos, err := WriteAll(dir, makePairs(2), opts)
	if err != nil {
		t.Fatalf("second WriteAll failed: %v", err)
	}
	if infos[0].Name != ShardName(2) {
		t.Errorf("expected %s, got %s", ShardName(2), infos[0].Name)
	}
}

func TestWriterDiscardKeepsWrittenShards(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultWriterOptions()
	opts.ShardSize = 4
	w, err := NewWriter(dir, opts)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	if err := w.WritePairs(makePairs(3)); err != nil {
		t.Fatalf("WritePairs failed: %v", err)
	}
	if got := w.Discard(); got != 1 {
		t.Errorf("Discard dropped %d pairs, want 1", got)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	paths, err := ListShards(dir)
	if err != nil {
		t.Fatalf("ListShards failed: %v", err)
	}
	if len(paths) != 1 || len(w.Shards()) != 1 {
		t.Errorf("expected one full shard, found %d files and %d infos", len(paths), len(w.Shards()))
	}
}

func TestShufflePairsIsPermutation(t *testing.T) {
	pairs := makePairs(50)
	ShufflePairs(pairs, rand.New(rand.NewSource(3)))
	seen := make(map[uint8]int)
	for _, p := range pairs {
		if p.Negative.Label != 0 || p.Positive.Label != 1 {
			t.Fatal("pair order changed")
		}
		seen[p.Negative.Board[0]]++
	}
	total := 0
	for _, n := range seen {
		total += n
	}
	if total != 50 {
		t.Errorf("expected 50 pairs, got %d", total)
	}
}

// Two shards of 10 and 15 samples with batch size 4.
func TestStreamLoaderTwoShards(t *testing.T) {
	dir := t.TempDir()
	first := makeSamples(10)
	second := makeSamples(15)
	writeRawShard(t, dir, ShardName(0), first)
	writeRawShard(t, dir, ShardName(1), second)
	// temp files from an interrupted write are ignored
	writeRawShard(t, dir, "."+ShardName(2)+".tmp", makeSamples(40))

	l, err := NewStreamLoader(dir, 4)
	if err != nil {
		t.Fatalf("NewStreamLoader failed: %v", err)
	}
	if l.TotalMinibatches() != 5 {
		t.Errorf("TotalMinibatches = %d, want 5", l.TotalMinibatches())
	}
	if l.SamplesPerEpoch() != 20 {
		t.Errorf("SamplesPerEpoch = %d, want 20", l.SamplesPerEpoch())
	}

	s := l.Stream()
	wantShards := []string{ShardName(0), ShardName(0), ShardName(1), ShardName(1), ShardName(1)}
	var firstBatch *Batch
	for i := 0; i < 5; i++ {
		b, err := s.Next()
		if err != nil {
			t.Fatalf("Next %d failed: %v", i, err)
		}
		if i == 0 {
			firstBatch = b
		}
		if b.Size() != 4 {
			t.Errorf("batch %d size = %d", i, b.Size())
		}
		if b.Shard != wantShards[i] || b.Index != i || b.Epoch != 0 {
			t.Errorf("batch %d: shard %s index %d epoch %d", i, b.Shard, b.Index, b.Epoch)
		}
		if b.EpochEnd != (i == 4) {
			t.Errorf("batch %d: EpochEnd = %v", i, b.EpochEnd)
		}
	}

	sixth, err := s.Next()
	if err != nil {
		t.Fatalf("sixth Next failed: %v", err)
	}
	if sixth.Shard != ShardName(0) || sixth.Index != 0 || sixth.Epoch != 1 {
		t.Errorf("sixth batch: shard %s index %d epoch %d", sixth.Shard, sixth.Index, sixth.Epoch)
	}
	for i := 0; i < 4; i++ {
		if sixth.Sample(i) != firstBatch.Sample(i) || sixth.Sample(i) != first[i] {
			t.Errorf("sixth batch sample %d differs from first batch", i)
		}
	}
}

func TestStreamLoaderBatchCountInvariant(t *testing.T) {
	dir := t.TempDir()
	sizes := []int{3, 16, 9, 0, 22}
	for i, n := range sizes {
		writeRawShard(t, dir, ShardName(i), makeSamples(n))
	}

	for _, bs := range []int{1, 2, 4, 5, 8, 30} {
		l, err := NewStreamLoader(dir, bs)
		if err != nil {
			t.Fatalf("NewStreamLoader(%d) failed: %v", bs, err)
		}
		want := 0
		for _, n := range sizes {
			want += n / bs
		}
		if l.TotalMinibatches() != want {
			t.Errorf("batch %d: TotalMinibatches = %d, want %d", bs, l.TotalMinibatches(), want)
		}
		if want == 0 {
			if _, err := l.Stream().Next(); !errors.Is(err, ErrEmptyEpoch) {
				t.Errorf("batch %d: expected ErrEmptyEpoch, got %v", bs, err)
			}
			continue
		}

		s := l.Stream()
		ends := 0
		for i := 0; i < 2*want; i++ {
			b, err := s.Next()
			if err != nil {
				t.Fatalf("batch %d: Next failed: %v", bs, err)
			}
			if b.Size() != bs {
				t.Fatalf("batch %d: got size %d", bs, b.Size())
			}
			if b.EpochEnd {
				ends++
			}
		}
		if ends != 2 {
			t.Errorf("batch %d: saw %d epoch ends in two epochs", bs, ends)
		}
	}
}

func TestStreamLoaderErrors(t *testing.T) {
	if _, err := NewStreamLoader(t.TempDir(), 0); !errors.Is(err, ErrInvalidBatchSize) {
		t.Errorf("expected ErrInvalidBatchSize, got %v", err)
	}

	dir := t.TempDir()
	writeRawShard(t, dir, ShardName(0), makeSamples(8))
	if _, err := NewStreamLoader(dir, 2, WithScheme(&encoding.Scheme{Version: 5})); !errors.Is(err, encoding.ErrSchemeMismatch) {
		t.Errorf("expected ErrSchemeMismatch, got %v", err)
	}

	l, err := NewStreamLoader(dir, 2)
	if err != nil {
		t.Fatalf("NewStreamLoader failed: %v", err)
	}
	// corrupt the payload after the header scan
	path := filepath.Join(dir, ShardName(0))
	data, _ := os.ReadFile(path)
	data[len(data)-1] ^= 0xff
	data[len(data)-2] ^= 0xff
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to rewrite shard: %v", err)
	}

	_, err = l.Stream().Next()
	var shardErr *ShardError
	if !errors.As(err, &shardErr) {
		t.Fatalf("expected *ShardError, got %v", err)
	}
	if filepath.Base(shardErr.Path) != ShardName(0) {
		t.Errorf("error names %s", shardErr.Path)
	}
}

func TestWithWorkerPartitionsShards(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		writeRawShard(t, dir, ShardName(i), makeSamples(4))
	}
	total := 0
	for id := 0; id < 2; id++ {
		l, err := NewStreamLoader(dir, 4, WithWorker(id, 2))
		if err != nil {
			t.Fatalf("worker %d: %v", id, err)
		}
		total += l.NumShards()
		if id == 0 && l.NumShards() != 3 {
			t.Errorf("worker 0 has %d shards, want 3", l.NumShards())
		}
	}
	if total != 5 {
		t.Errorf("workers cover %d shards, want 5", total)
	}
	if _, err := NewStreamLoader(dir, 4, WithWorker(2, 2)); !errors.Is(err, ErrInvalidWorker) {
		t.Errorf("expected ErrInvalidWorker, got %v", err)
	}
}

func TestPrefetchMatchesStream(t *testing.T) {
	dir := t.TempDir()
	writeRawShard(t, dir, ShardName(0), makeSamples(12))
	writeRawShard(t, dir, ShardName(1), makeSamples(6))

	l, err := NewStreamLoader(dir, 4)
	if err != nil {
		t.Fatalf("NewStreamLoader failed: %v", err)
	}
	ctx := context.Background()
	p := l.Prefetch(ctx, 2)
	s := l.Stream()
	for i := 0; i < 9; i++ {
		want, err := s.Next()
		if err != nil {
			t.Fatalf("stream Next failed: %v", err)
		}
		got, err := p.Next(ctx)
		if err != nil {
			t.Fatalf("prefetch Next failed: %v", err)
		}
		if got.Shard != want.Shard || got.Index != want.Index || got.Epoch != want.Epoch {
			t.Fatalf("batch %d differs: %s/%d vs %s/%d", i, got.Shard, got.Index, want.Shard, want.Index)
		}
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}
