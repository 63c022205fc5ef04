package shard

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/exp/rand"

	"github.com/thyrook/chessnet/internal/encoding"
)

// DefaultShardSize is the default number of samples per shard
const DefaultShardSize = 100000

// Info describes a completed shard
type Info struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Count     int       `json:"count"`
	Scheme    uint16    `json:"scheme"`
	Checksum  uint64    `json:"checksum"`
	Bytes     int64     `json:"bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// WriterOptions configures a Writer
type WriterOptions struct {
	// ShardSize is the number of samples per shard; it must be even so that
	// a pair never straddles two shards.
	ShardSize int
	Shuffle   bool
	Seed      uint64
	Scheme    *encoding.Scheme
	Logger    *zap.Logger
	// OnShard is called after each shard is renamed into place.
	OnShard func(Info) error
}

// DefaultWriterOptions returns options with shuffling on and scheme V1
func DefaultWriterOptions() WriterOptions {
	return WriterOptions{
		ShardSize: DefaultShardSize,
		Shuffle:   true,
		Seed:      1,
		Scheme:    encoding.V1,
	}
}

// Writer buffers sample pairs and writes them out as shards. It is not safe
// for concurrent use.
type Writer struct {
	dir    string
	opts   WriterOptions
	rng    *rand.Rand
	logger *zap.Logger
	buf    []encoding.SamplePair
	next   int
	shards []Info
}

// NewWriter creates a writer for dir. Numbering continues after any shards
// already present.
func NewWriter(dir string, opts WriterOptions) (*Writer, error) {
	if opts.ShardSize <= 0 || opts.ShardSize%2 != 0 {
		return nil, fmt.Errorf("%w: %d", ErrOddShardSize, opts.ShardSize)
	}
	if opts.Scheme == nil {
		opts.Scheme = encoding.V1
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create shard directory: %w", err)
	}
	next, err := nextIndex(dir)
	if err != nil {
		return nil, err
	}
	return &Writer{
		dir:    dir,
		opts:   opts,
		rng:    rand.New(rand.NewSource(opts.Seed)),
		logger: logger,
		buf:    make([]encoding.SamplePair, 0, opts.ShardSize/2),
		next:   next,
	}, nil
}

// ShardName returns the file name of the i-th shard
func ShardName(i int) string {
	return fmt.Sprintf("samples-%06d.shard", i)
}

func nextIndex(dir string) (int, error) {
	paths, err := filepath.Glob(filepath.Join(dir, Pattern))
	if err != nil {
		return 0, fmt.Errorf("failed to list shards: %w", err)
	}
	next := 0
	for _, p := range paths {
		base := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(p), "samples-"), ".shard")
		i, err := strconv.Atoi(base)
		if err != nil {
			continue
		}
		if i >= next {
			next = i + 1
		}
	}
	return next, nil
}

// Add buffers one pair, writing a shard when the buffer is full
func (w *Writer) Add(pair encoding.SamplePair) error {
	w.buf = append(w.buf, pair)
	if 2*len(w.buf) >= w.opts.ShardSize {
		return w.Flush()
	}
	return nil
}

// WritePairs buffers all pairs in order
func (w *Writer) WritePairs(pairs []encoding.SamplePair) error {
	for _, p := range pairs {
		if err := w.Add(p); err != nil {
			return err
		}
	}
	return nil
}

// Flush writes buffered pairs as a shard, even if it is short
func (w *Writer) Flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	if w.opts.Shuffle {
		ShufflePairs(w.buf, w.rng)
	}

	name := ShardName(w.next)
	info, err := w.writeShard(name, encoding.Flatten(w.buf))
	if err != nil {
		return err
	}
	w.next++
	w.buf = w.buf[:0]
	w.shards = append(w.shards, info)

	w.logger.Debug("Shard written",
		zap.String("shard", info.Name),
		zap.Int("samples", info.Count),
		zap.Int64("bytes", info.Bytes))

	if w.opts.OnShard != nil {
		if err := w.opts.OnShard(info); err != nil {
			return fmt.Errorf("shard hook for %s: %w", name, err)
		}
	}
	return nil
}

// Close flushes the remaining buffer
func (w *Writer) Close() error {
	return w.Flush()
}

// Discard drops buffered pairs without writing them and returns how many
// were dropped. Shards already written are kept.
func (w *Writer) Discard() int {
	n := len(w.buf)
	w.buf = w.buf[:0]
	return n
}

// Shards returns the shards written so far
func (w *Writer) Shards() []Info {
	out := make([]Info, len(w.shards))
	copy(out, w.shards)
	return out
}

// writeShard writes to a hidden temp name, syncs, then renames into place.
// Loaders only glob final names, so an interrupted write is never read.
func (w *Writer) writeShard(name string, samples []encoding.Sample) (info Info, err error) {
	data, err := Marshal(samples, w.opts.Scheme)
	if err != nil {
		return Info{}, fmt.Errorf("failed to encode shard %s: %w", name, err)
	}

	final := filepath.Join(w.dir, name)
	tmp := filepath.Join(w.dir, "."+name+".tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return Info{}, fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, os.Remove(tmp))
		}
	}()

	if _, err = f.Write(data); err != nil {
		return Info{}, multierr.Append(fmt.Errorf("failed to write %s: %w", tmp, err), f.Close())
	}
	if err = f.Sync(); err != nil {
		return Info{}, multierr.Append(fmt.Errorf("failed to sync %s: %w", tmp, err), f.Close())
	}
	if err = f.Close(); err != nil {
		return Info{}, fmt.Errorf("failed to close %s: %w", tmp, err)
	}
	if err = os.Rename(tmp, final); err != nil {
		return Info{}, fmt.Errorf("failed to rename shard into place: %w", err)
	}

	h, _ := decodeHeader(data)
	return Info{
		Name:      name,
		Path:      final,
		Count:     len(samples),
		Scheme:    w.opts.Scheme.Version,
		Checksum:  h.Checksum,
		Bytes:     int64(len(data)),
		CreatedAt: time.Now(),
	}, nil
}

// WriteAll writes pairs to dir as shards and returns their descriptions
func WriteAll(dir string, pairs []encoding.SamplePair, opts WriterOptions) ([]Info, error) {
	w, err := NewWriter(dir, opts)
	if err != nil {
		return nil, err
	}
	if err := w.WritePairs(pairs); err != nil {
		return w.Shards(), err
	}
	if err := w.Close(); err != nil {
		return w.Shards(), err
	}
	return w.Shards(), nil
}

// ListShards returns the shard files of dir in lexical order
func ListShards(dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, Pattern))
	if err != nil {
		return nil, fmt.Errorf("failed to list shards: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}
