// Package dashboard records training curves in a bbolt scalar store,
// serves them over HTTP and optionally forwards them to a plotting
// sidecar.
package dashboard

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

const (
	// LogsDir is the store's directory inside a checkpoint directory.
	LogsDir = "logs"
	// StoreName is the bbolt file inside LogsDir.
	StoreName = "scalars.db"

	infoKey = "_info"
)

// ErrNotFound is returned for unknown runs and tags.
var ErrNotFound = errors.New("not found")

// RunInfo describes one training run.
type RunInfo struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Model   string    `json:"model"`
	Started time.Time `json:"started"`
}

// Point is one recorded scalar.
type Point struct {
	Step  int64   `json:"step"`
	Value float64 `json:"value"`
}

// Store is a bbolt database with one bucket per run and, inside it, one
// bucket per tag keyed by big-endian step.
type Store struct {
	db   *bbolt.DB
	path string
}

// StorePath returns the store location for a checkpoint directory.
func StorePath(checkpointDir string) string {
	return filepath.Join(checkpointDir, LogsDir, StoreName)
}

// Open opens or creates the store at path. A read-only store waits for any
// writer holding the file.
func Open(path string, readOnly bool) (*Store, error) {
	if !readOnly {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second, ReadOnly: readOnly})
	if err != nil {
		return nil, fmt.Errorf("failed to open scalar store %s: %w", path, err)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the database file.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun registers a run.
func (s *Store) CreateRun(info RunInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal run info: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(info.ID))
		if err != nil {
			return err
		}
		return b.Put([]byte(infoKey), data)
	})
}

// Append writes points under run/tag, overwriting equal steps.
func (s *Store) Append(run, tag string, points []Point) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		rb := tx.Bucket([]byte(run))
		if rb == nil {
			return fmt.Errorf("run %s: %w", run, ErrNotFound)
		}
		tb, err := rb.CreateBucketIfNotExists([]byte(tag))
		if err != nil {
			return err
		}
		for _, p := range points {
			if err := tb.Put(encodeStep(p.Step), encodeValue(p.Value)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Runs lists every run, oldest first.
func (s *Store) Runs() ([]RunInfo, error) {
	var runs []RunInfo
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bbolt.Bucket) error {
			info := RunInfo{ID: string(name)}
			if data := b.Get([]byte(infoKey)); data != nil {
				if err := json.Unmarshal(data, &info); err != nil {
					return fmt.Errorf("run %s: %w", name, err)
				}
			}
			runs = append(runs, info)
			return nil
		})
	})
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].Started.Before(runs[j].Started) })
	return runs, err
}

// Tags lists the tags recorded for run in name order.
func (s *Store) Tags(run string) ([]string, error) {
	var tags []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		rb := tx.Bucket([]byte(run))
		if rb == nil {
			return fmt.Errorf("run %s: %w", run, ErrNotFound)
		}
		return rb.ForEach(func(k, v []byte) error {
			// nested buckets have nil values
			if v == nil {
				tags = append(tags, string(k))
			}
			return nil
		})
	})
	return tags, err
}

// Series returns run/tag ordered by step.
func (s *Store) Series(run, tag string) ([]Point, error) {
	var points []Point
	err := s.db.View(func(tx *bbolt.Tx) error {
		rb := tx.Bucket([]byte(run))
		if rb == nil {
			return fmt.Errorf("run %s: %w", run, ErrNotFound)
		}
		tb := rb.Bucket([]byte(tag))
		if tb == nil {
			return fmt.Errorf("tag %s: %w", tag, ErrNotFound)
		}
		return tb.ForEach(func(k, v []byte) error {
			if len(k) != 8 || len(v) != 8 {
				return fmt.Errorf("tag %s: corrupt entry", tag)
			}
			points = append(points, Point{Step: decodeStep(k), Value: math.Float64frombits(binary.BigEndian.Uint64(v))})
			return nil
		})
	})
	return points, err
}

// encodeStep flips the sign bit so negative steps sort before positive
// ones under bbolt's byte ordering.
func encodeStep(step int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(step)^(1<<63))
	return k
}

func decodeStep(k []byte) int64 {
	return int64(binary.BigEndian.Uint64(k) ^ (1 << 63))
}

func encodeValue(v float64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, math.Float64bits(v))
	return b
}
