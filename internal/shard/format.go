// Package shard stores encoded samples in immutable compressed files and
// streams them back as fixed-size minibatches.
package shard

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/thyrook/chessnet/internal/encoding"
)

// Shard file layout, little endian:
//
//	[Magic:4][Format:2][Scheme:2][Count:4][PayloadLen:4][Checksum:8]
//	zstd( boards Count*64 | extras Count*5 | labels Count )
//
// The checksum is xxhash64 over the uncompressed payload.
const (
	Magic         = "CNSH"
	FormatVersion = uint16(1)
	HeaderSize    = 24
	Pattern       = "samples-*.shard"

	boardBytes = len(encoding.BoardTensor{})
	extraBytes = len(encoding.ExtraTensor{})
)

var (
	ErrBadMagic          = errors.New("not a shard file")
	ErrUnsupportedFormat = errors.New("unsupported shard format")
	ErrChecksum          = errors.New("shard checksum mismatch")
	ErrTruncated         = errors.New("shard truncated")
	ErrOddShardSize      = errors.New("shard size must be a positive even number of samples")
)

// ShardError names the shard file an error came from
type ShardError struct {
	Path string
	Err  error
}

func (e *ShardError) Error() string {
	return fmt.Sprintf("shard %s: %v", e.Path, e.Err)
}

func (e *ShardError) Unwrap() error {
	return e.Err
}

// Header is the uncompressed prefix of a shard file
type Header struct {
	Format     uint16
	Scheme     uint16
	Count      uint32
	PayloadLen uint32
	Checksum   uint64
}

func (h Header) encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], Magic)
	binary.LittleEndian.PutUint16(buf[4:6], h.Format)
	binary.LittleEndian.PutUint16(buf[6:8], h.Scheme)
	binary.LittleEndian.PutUint32(buf[8:12], h.Count)
	binary.LittleEndian.PutUint32(buf[12:16], h.PayloadLen)
	binary.LittleEndian.PutUint64(buf[16:24], h.Checksum)
	return buf
}

func decodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header is %d bytes", ErrTruncated, len(data))
	}
	if string(data[0:4]) != Magic {
		return Header{}, ErrBadMagic
	}
	h := Header{
		Format:     binary.LittleEndian.Uint16(data[4:6]),
		Scheme:     binary.LittleEndian.Uint16(data[6:8]),
		Count:      binary.LittleEndian.Uint32(data[8:12]),
		PayloadLen: binary.LittleEndian.Uint32(data[12:16]),
		Checksum:   binary.LittleEndian.Uint64(data[16:24]),
	}
	if h.Format != FormatVersion {
		return Header{}, fmt.Errorf("%w: %d", ErrUnsupportedFormat, h.Format)
	}
	return h, nil
}

// ReadHeader reads only the header of a shard file
func ReadHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, &ShardError{Path: path, Err: err}
	}
	defer f.Close()

	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			err = ErrTruncated
		}
		return Header{}, &ShardError{Path: path, Err: err}
	}
	h, err := decodeHeader(buf)
	if err != nil {
		return Header{}, &ShardError{Path: path, Err: err}
	}
	return h, nil
}

// Columns holds co-indexed sample arrays
type Columns struct {
	Boards []encoding.BoardTensor
	Extras []encoding.ExtraTensor
	Labels []uint8
}

// Len returns the number of samples
func (c *Columns) Len() int {
	return len(c.Labels)
}

// Append adds one sample
func (c *Columns) Append(s encoding.Sample) {
	c.Boards = append(c.Boards, s.Board)
	c.Extras = append(c.Extras, s.Extra)
	c.Labels = append(c.Labels, s.Label)
}

// Sample returns sample i
func (c *Columns) Sample(i int) encoding.Sample {
	return encoding.Sample{Board: c.Boards[i], Extra: c.Extras[i], Label: c.Labels[i]}
}

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

// codec returns process-wide zstd coders; EncodeAll and DecodeAll are safe
// for concurrent use
func codec() (*zstd.Encoder, *zstd.Decoder, error) {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if codecErr != nil {
			codecErr = fmt.Errorf("create zstd encoder: %w", codecErr)
			return
		}
		decoder, codecErr = zstd.NewReader(nil)
		if codecErr != nil {
			codecErr = fmt.Errorf("create zstd decoder: %w", codecErr)
		}
	})
	return encoder, decoder, codecErr
}

// Marshal serializes samples into a complete shard file image
func Marshal(samples []encoding.Sample, scheme *encoding.Scheme) ([]byte, error) {
	enc, _, err := codec()
	if err != nil {
		return nil, err
	}

	n := len(samples)
	raw := make([]byte, n*(boardBytes+extraBytes+1))
	extrasAt := n * boardBytes
	labelsAt := extrasAt + n*extraBytes
	for i, s := range samples {
		copy(raw[i*boardBytes:], s.Board[:])
		copy(raw[extrasAt+i*extraBytes:], s.Extra[:])
		raw[labelsAt+i] = s.Label
	}

	payload := enc.EncodeAll(raw, nil)
	h := Header{
		Format:     FormatVersion,
		Scheme:     scheme.Version,
		Count:      uint32(n),
		PayloadLen: uint32(len(payload)),
		Checksum:   xxhash.Sum64(raw),
	}
	return append(h.encode(), payload...), nil
}

// Unmarshal parses a shard file image, verifying scheme and checksum
func Unmarshal(data []byte, scheme *encoding.Scheme) (Header, *Columns, error) {
	h, err := decodeHeader(data)
	if err != nil {
		return h, nil, err
	}
	if err := scheme.Check(h.Scheme); err != nil {
		return h, nil, err
	}
	body := data[HeaderSize:]
	if uint32(len(body)) != h.PayloadLen {
		return h, nil, fmt.Errorf("%w: payload is %d bytes, header says %d", ErrTruncated, len(body), h.PayloadLen)
	}

	_, dec, err := codec()
	if err != nil {
		return h, nil, err
	}
	n := int(h.Count)
	raw, err := dec.DecodeAll(body, make([]byte, 0, n*(boardBytes+extraBytes+1)))
	if err != nil {
		return h, nil, fmt.Errorf("decompress payload: %w", err)
	}
	if len(raw) != n*(boardBytes+extraBytes+1) {
		return h, nil, fmt.Errorf("%w: %d samples need %d bytes, got %d",
			ErrTruncated, n, n*(boardBytes+extraBytes+1), len(raw))
	}
	if xxhash.Sum64(raw) != h.Checksum {
		return h, nil, ErrChecksum
	}

	cols := &Columns{
		Boards: make([]encoding.BoardTensor, n),
		Extras: make([]encoding.ExtraTensor, n),
		Labels: make([]uint8, n),
	}
	extrasAt := n * boardBytes
	labelsAt := extrasAt + n*extraBytes
	for i := 0; i < n; i++ {
		copy(cols.Boards[i][:], raw[i*boardBytes:])
		copy(cols.Extras[i][:], raw[extrasAt+i*extraBytes:])
	}
	copy(cols.Labels, raw[labelsAt:])
	return h, cols, nil
}

// ReadFile loads and verifies a whole shard
func ReadFile(path string, scheme *encoding.Scheme) (Header, *Columns, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Header{}, nil, &ShardError{Path: path, Err: err}
	}
	h, cols, err := Unmarshal(data, scheme)
	if err != nil {
		return h, nil, &ShardError{Path: path, Err: err}
	}
	return h, cols, nil
}
