package data

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/thyrook/chessnet/internal/shard"
)

const (
	// CatalogFile is the catalog's file name inside a dataset directory
	CatalogFile = "catalog.db"

	shardsBucket  = "shards"
	ingestsBucket = "ingests"
)

// Dataset splits
const (
	SplitTrain    = "train"
	SplitValidate = "validate"
)

// ShardRecord is the catalog entry of one shard
type ShardRecord struct {
	Split string `json:"split"`
	shard.Info
}

// IngestRecord describes one ingestion run
type IngestRecord struct {
	Source     string         `json:"source"`
	Engine     string         `json:"engine"`
	Scheme     uint16         `json:"scheme"`
	Seed       uint64         `json:"seed"`
	Stats      IngestionStats `json:"stats"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Catalog records the shards of a dataset and the runs that produced them
// in a bbolt database
type Catalog struct {
	db   *bolt.DB
	path string
	mu   sync.RWMutex
}

// OpenCatalog creates a new catalog or opens an existing one
func OpenCatalog(path string) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{shardsBucket, ingestsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Catalog{db: db, path: path}, nil
}

// Close closes the catalog
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db != nil {
		err := c.db.Close()
		c.db = nil
		return err
	}
	return nil
}

func shardKey(split, name string) []byte {
	return []byte(split + "/" + name)
}

// RecordShard stores or replaces the entry of a shard
func (c *Catalog) RecordShard(split string, info shard.Info) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	value, err := json.Marshal(ShardRecord{Split: split, Info: info})
	if err != nil {
		return fmt.Errorf("failed to marshal shard record: %w", err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(shardsBucket)).Put(shardKey(split, info.Name), value)
	})
}

// Shards returns the shard records of a split in name order. An empty split
// returns every record.
func (c *Catalog) Shards(split string) ([]ShardRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var records []ShardRecord
	err := c.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket([]byte(shardsBucket)).Cursor()
		prefix := []byte(split + "/")
		if split == "" {
			prefix = nil
		}
		for k, v := cursor.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = cursor.Next() {
			var rec ShardRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal shard record %s: %w", k, err)
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}

func hasPrefix(k, prefix []byte) bool {
	return len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix)
}

// RecordIngest appends an ingestion run
func (c *Catalog) RecordIngest(rec IngestRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(ingestsBucket))
		id, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, id)

		value, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal ingest record: %w", err)
		}
		return bucket.Put(key, value)
	})
}

// Ingests returns all ingestion runs, oldest first
func (c *Catalog) Ingests() ([]IngestRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var records []IngestRecord
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(ingestsBucket)).ForEach(func(k, v []byte) error {
			var rec IngestRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal ingest record: %w", err)
			}
			records = append(records, rec)
			return nil
		})
	})
	return records, err
}

// SplitStats summarizes one split
type SplitStats struct {
	Shards  int
	Samples int
	Bytes   int64
}

// CatalogStats contains statistics about the dataset
type CatalogStats struct {
	Splits   map[string]SplitStats
	Ingests  int
	FilePath string
	FileSize int64
}

// GetStats returns statistics about the dataset
func (c *Catalog) GetStats() (*CatalogStats, error) {
	records, err := c.Shards("")
	if err != nil {
		return nil, err
	}
	ingests, err := c.Ingests()
	if err != nil {
		return nil, err
	}
	fileInfo, err := os.Stat(c.path)
	if err != nil {
		return nil, err
	}

	stats := &CatalogStats{
		Splits:   make(map[string]SplitStats),
		Ingests:  len(ingests),
		FilePath: c.path,
		FileSize: fileInfo.Size(),
	}
	for _, rec := range records {
		s := stats.Splits[rec.Split]
		s.Shards++
		s.Samples += rec.Count
		s.Bytes += rec.Bytes
		stats.Splits[rec.Split] = s
	}
	return stats, nil
}

// VerifyIntegrity checks every catalogued shard of datasetDir against the
// header on disk
func (c *Catalog) VerifyIntegrity(datasetDir string) error {
	records, err := c.Shards("")
	if err != nil {
		return err
	}

	problems := 0
	for _, rec := range records {
		h, err := shard.ReadHeader(filepath.Join(datasetDir, rec.Split, rec.Name))
		if err != nil || int(h.Count) != rec.Count || h.Checksum != rec.Checksum || h.Scheme != rec.Scheme {
			problems++
		}
	}
	if problems > 0 {
		return fmt.Errorf("integrity check failed: %d/%d shards differ from the catalog", problems, len(records))
	}
	return nil
}
