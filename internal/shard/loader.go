package shard

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/thyrook/chessnet/internal/encoding"
)

var (
	ErrEmptyEpoch       = errors.New("dataset yields no complete minibatch")
	ErrInvalidBatchSize = errors.New("batch size must be positive")
	ErrInvalidWorker    = errors.New("invalid worker assignment")
	ErrPrefetchClosed   = errors.New("prefetcher closed")
)

// LoaderOption configures a StreamLoader
type LoaderOption func(*loaderOptions)

type loaderOptions struct {
	scheme      *encoding.Scheme
	logger      *zap.Logger
	workerID    int
	workerCount int
}

// WithScheme sets the scheme shards must have been written with
func WithScheme(s *encoding.Scheme) LoaderOption {
	return func(o *loaderOptions) { o.scheme = s }
}

// WithLogger sets the loader logger
func WithLogger(l *zap.Logger) LoaderOption {
	return func(o *loaderOptions) { o.logger = l }
}

// WithWorker restricts the loader to shards whose index i satisfies
// i%count == id. Off by default: every loader sees every shard.
func WithWorker(id, count int) LoaderOption {
	return func(o *loaderOptions) {
		o.workerID = id
		o.workerCount = count
	}
}

type shardMeta struct {
	path  string
	count int
}

// StreamLoader serves fixed-size minibatches from a directory of shards.
// The epoch length is computed once from shard headers at construction; a
// loader never notices shards added afterwards.
type StreamLoader struct {
	dir       string
	batchSize int
	scheme    *encoding.Scheme
	logger    *zap.Logger
	shards    []shardMeta
	total     int
}

// NewStreamLoader scans dir for shards in lexical order, reading only their
// headers
func NewStreamLoader(dir string, batchSize int, opts ...LoaderOption) (*StreamLoader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBatchSize, batchSize)
	}
	o := loaderOptions{scheme: encoding.V1, workerCount: 1}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.workerCount <= 0 || o.workerID < 0 || o.workerID >= o.workerCount {
		return nil, fmt.Errorf("%w: worker %d of %d", ErrInvalidWorker, o.workerID, o.workerCount)
	}

	paths, err := ListShards(dir)
	if err != nil {
		return nil, err
	}

	l := &StreamLoader{
		dir:       dir,
		batchSize: batchSize,
		scheme:    o.scheme,
		logger:    o.logger,
	}
	for i, p := range paths {
		if i%o.workerCount != o.workerID {
			continue
		}
		h, err := ReadHeader(p)
		if err != nil {
			return nil, err
		}
		if err := o.scheme.Check(h.Scheme); err != nil {
			return nil, &ShardError{Path: p, Err: err}
		}
		l.shards = append(l.shards, shardMeta{path: p, count: int(h.Count)})
		l.total += int(h.Count) / batchSize
	}

	l.logger.Debug("Stream loader ready",
		zap.String("dir", dir),
		zap.Int("shards", len(l.shards)),
		zap.Int("batch_size", batchSize),
		zap.Int("minibatches", l.total))
	return l, nil
}

// Dir returns the directory the loader scanned
func (l *StreamLoader) Dir() string {
	return l.dir
}

// TotalMinibatches is the number of batches in one epoch
func (l *StreamLoader) TotalMinibatches() int {
	return l.total
}

// SamplesPerEpoch is the number of samples served per epoch; shard
// remainders are excluded
func (l *StreamLoader) SamplesPerEpoch() int {
	return l.total * l.batchSize
}

// BatchSize returns the configured batch size
func (l *StreamLoader) BatchSize() int {
	return l.batchSize
}

// NumShards returns the number of shards this loader reads
func (l *StreamLoader) NumShards() int {
	return len(l.shards)
}

// Stream returns a new cursor positioned at the start of the first epoch.
// Streams share nothing and may be used from different goroutines.
func (l *StreamLoader) Stream() *Stream {
	return &Stream{loader: l}
}

// Batch is one minibatch. Its slices alias the loaded shard and must not be
// modified.
type Batch struct {
	Columns
	Epoch int
	// Index is the position of the batch within its epoch
	Index int
	Shard string
	// EpochEnd is set on the last batch of each epoch
	EpochEnd bool
}

// Size returns the number of samples in the batch
func (b *Batch) Size() int {
	return b.Len()
}

// Stream is an infinite cursor over a loader's shards
type Stream struct {
	loader  *StreamLoader
	pos     int
	cur     *Columns
	curName string
	offset  int
	epoch   int
	index   int
}

// Next returns the next minibatch. It never reports the end of the data:
// after the last shard it wraps to the first and the epoch counter advances.
func (s *Stream) Next() (*Batch, error) {
	l := s.loader
	if l.total == 0 {
		return nil, ErrEmptyEpoch
	}
	bs := l.batchSize

	for s.cur == nil || s.offset+bs > s.cur.Len() {
		meta := l.shards[s.pos]
		if meta.count < bs {
			s.cur = nil
			s.pos = (s.pos + 1) % len(l.shards)
			continue
		}
		_, cols, err := ReadFile(meta.path, l.scheme)
		if err != nil {
			s.cur = nil
			return nil, err
		}
		if cols.Len() != meta.count {
			s.cur = nil
			return nil, &ShardError{Path: meta.path, Err: fmt.Errorf("%w: header counted %d samples, read %d", ErrTruncated, meta.count, cols.Len())}
		}
		s.cur = cols
		s.curName = filepath.Base(meta.path)
		s.offset = 0
		s.pos = (s.pos + 1) % len(l.shards)
		l.logger.Debug("Shard loaded", zap.String("shard", s.curName), zap.Int("samples", meta.count))
	}

	lo, hi := s.offset, s.offset+bs
	b := &Batch{
		Columns: Columns{
			Boards: s.cur.Boards[lo:hi:hi],
			Extras: s.cur.Extras[lo:hi:hi],
			Labels: s.cur.Labels[lo:hi:hi],
		},
		Epoch: s.epoch,
		Index: s.index,
		Shard: s.curName,
	}
	s.offset = hi
	s.index++
	if s.index == l.total {
		b.EpochEnd = true
		s.epoch++
		s.index = 0
	}
	return b, nil
}

// Prefetcher reads batches ahead of the consumer on its own goroutine
type Prefetcher struct {
	ch     chan *Batch
	g      *errgroup.Group
	cancel context.CancelFunc
}

// Prefetch starts a private stream feeding up to depth batches ahead
func (l *StreamLoader) Prefetch(ctx context.Context, depth int) *Prefetcher {
	if depth < 1 {
		depth = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	ch := make(chan *Batch, depth)

	g.Go(func() error {
		defer close(ch)
		s := l.Stream()
		for {
			b, err := s.Next()
			if err != nil {
				return err
			}
			select {
			case ch <- b:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	return &Prefetcher{ch: ch, g: g, cancel: cancel}
}

// Next returns the next prefetched batch
func (p *Prefetcher) Next(ctx context.Context) (*Batch, error) {
	select {
	case b, ok := <-p.ch:
		if !ok {
			if err := p.g.Wait(); err != nil {
				return nil, err
			}
			return nil, ErrPrefetchClosed
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the producer and waits for it to exit
func (p *Prefetcher) Close() error {
	p.cancel()
	for range p.ch {
	}
	if err := p.g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
