package model

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/multierr"

	"github.com/thyrook/chessnet/internal/encoding"
)

// Metadata is stored at the head of every checkpoint
type Metadata struct {
	Version   string
	ModelType string
	Scheme    uint16
	Hidden    []int
	Epoch     int
	ValLoss   float64
}

type checkpointWeights struct {
	Shapes [][]int
	Data   [][]float64
}

// SaveModel writes metadata and weights to path via a temp file and rename
func (n *PairNet) SaveModel(path string, meta Metadata) (err error) {
	meta.Version = "1.0"
	meta.ModelType = ModelType
	meta.Hidden = append([]int(nil), n.config.Hidden...)
	if meta.Scheme == 0 {
		meta.Scheme = encoding.V1.Version
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, os.Remove(tmp))
		}
	}()

	shapes, data := n.Weights()
	encoder := gob.NewEncoder(f)
	if err = encoder.Encode(meta); err != nil {
		return multierr.Append(fmt.Errorf("failed to encode metadata: %w", err), f.Close())
	}
	if err = encoder.Encode(checkpointWeights{Shapes: shapes, Data: data}); err != nil {
		return multierr.Append(fmt.Errorf("failed to encode weights: %w", err), f.Close())
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to move checkpoint into place: %w", err)
	}
	return nil
}

// LoadModel builds an inference network from a checkpoint. batchSize sets
// the graph batch dimension; it need not match the one used in training.
func LoadModel(path string, batchSize int) (*PairNet, Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	decoder := gob.NewDecoder(f)
	var meta Metadata
	if err := decoder.Decode(&meta); err != nil {
		return nil, meta, fmt.Errorf("failed to decode metadata: %w", err)
	}
	if meta.ModelType != ModelType {
		return nil, meta, fmt.Errorf("invalid model type: %s", meta.ModelType)
	}
	if _, err := encoding.Lookup(meta.Scheme); err != nil {
		return nil, meta, err
	}

	var weights checkpointWeights
	if err := decoder.Decode(&weights); err != nil {
		return nil, meta, fmt.Errorf("failed to decode weights: %w", err)
	}

	n, err := NewPairNet(Config{Hidden: meta.Hidden, BatchSize: batchSize})
	if err != nil {
		return nil, meta, err
	}
	if err := n.SetWeights(weights.Shapes, weights.Data); err != nil {
		n.Close()
		return nil, meta, err
	}
	return n, meta, nil
}

// ModelExists checks if a model file exists
func ModelExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
