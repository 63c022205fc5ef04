package training

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// RunStoreDir is the name of the run history database inside a run directory
const RunStoreDir = "history"

var ErrRunNotFound = errors.New("run not found")

// RunInfo describes one training run
type RunInfo struct {
	ID         string    `json:"id"`
	Dir        string    `json:"dir"`
	Describe   string    `json:"describe"`
	Dataset    string    `json:"dataset"`
	Scheme     uint16    `json:"scheme"`
	Hidden     []int     `json:"hidden"`
	BatchSize  int       `json:"batch_size"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	BestEpoch  int       `json:"best_epoch"`
	BestLoss   float64   `json:"best_loss"`
	Status     string    `json:"status"`
}

// Run status values
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// RunStore keeps run metadata and per-epoch metrics in BadgerDB
type RunStore struct {
	db *badger.DB
}

// OpenRunStore opens or creates the store in dir
func OpenRunStore(dir string) (*RunStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open run store: %w", err)
	}
	return &RunStore{db: db}, nil
}

// Close closes the database
func (s *RunStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func runKey(id string) []byte {
	return []byte("run/" + id)
}

func epochPrefix(id string) []byte {
	return []byte("epoch/" + id + "/")
}

func epochKey(id string, epoch int) []byte {
	return []byte(fmt.Sprintf("epoch/%s/%06d", id, epoch))
}

func (s *RunStore) put(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// StartRun assigns a new run id, marks the run running and stores it
func (s *RunStore) StartRun(info RunInfo) (RunInfo, error) {
	info.ID = uuid.NewString()
	info.Status = StatusRunning
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now()
	}
	if err := s.put(runKey(info.ID), info); err != nil {
		return info, fmt.Errorf("failed to store run: %w", err)
	}
	return info, nil
}

// UpdateRun overwrites the stored run record
func (s *RunStore) UpdateRun(info RunInfo) error {
	if info.ID == "" {
		return fmt.Errorf("%w: empty id", ErrRunNotFound)
	}
	return s.put(runKey(info.ID), info)
}

// Run returns a stored run
func (s *RunStore) Run(id string) (RunInfo, error) {
	var info RunInfo
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(runKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &info)
		})
	})
	return info, err
}

// Runs returns every stored run
func (s *RunStore) Runs() ([]RunInfo, error) {
	var runs []RunInfo
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("run/")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var info RunInfo
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &info)
			}); err != nil {
				return err
			}
			runs = append(runs, info)
		}
		return nil
	})
	return runs, err
}

// RecordEpoch stores the metrics of one epoch
func (s *RunStore) RecordEpoch(id string, m EpochMetrics) error {
	if err := s.put(epochKey(id, m.Epoch), m); err != nil {
		return fmt.Errorf("failed to store epoch %d: %w", m.Epoch, err)
	}
	return nil
}

// Epochs returns the recorded epochs of a run in order
func (s *RunStore) Epochs(id string) ([]EpochMetrics, error) {
	var epochs []EpochMetrics
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = epochPrefix(id)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var m EpochMetrics
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return err
			}
			epochs = append(epochs, m)
		}
		return nil
	})
	return epochs, err
}
