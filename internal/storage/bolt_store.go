package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"
	"go.etcd.io/bbolt"

	"llmbench/internal/stats"
)

const (
	BucketRuns = "runs"
)

var ErrNotFound = errors.New("run not found")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Store keeps the summaries of the current run set. It is ephemeral: the
// database lives in a temp directory that Close removes.
type Store struct {
	db  *bbolt.DB
	dir string
}

func NewStore() (*Store, error) {
	dir, err := os.MkdirTemp("", "llmbench-session-")
	if err != nil {
		return nil, err
	}

	db, err := bbolt.Open(filepath.Join(dir, "session.db"), 0600, nil)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	// Initialize Buckets
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(BucketRuns))
		return err
	})
	if err != nil {
		db.Close()
		os.RemoveAll(dir)
		return nil, err
	}

	return &Store{db: db, dir: dir}, nil
}

// Path is the database file location, mostly useful for logging.
func (s *Store) Path() string {
	return s.db.Path()
}

func (s *Store) Close() error {
	err := s.db.Close()
	if rmErr := os.RemoveAll(s.dir); err == nil {
		err = rmErr
	}
	return err
}

// Save records the summary of repetition idx of the run set runID.
func (s *Store) Save(runID string, idx int, summary stats.RunSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket([]byte(BucketRuns)).CreateBucketIfNotExists([]byte(runID))
		if err != nil {
			return err
		}
		return b.Put(seqKey(idx), data)
	})
}

// List returns the summaries of runID in repetition order.
func (s *Store) List(runID string) ([]stats.RunSummary, error) {
	var out []stats.RunSummary

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(BucketRuns)).Bucket([]byte(runID))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, runID)
		}

		return b.ForEach(func(k, v []byte) error {
			var summary stats.RunSummary
			if err := json.Unmarshal(v, &summary); err != nil {
				return fmt.Errorf("decode repetition %d: %w", binary.BigEndian.Uint32(k), err)
			}
			out = append(out, summary)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RunIDs lists the run sets recorded in this session.
func (s *Store) RunIDs() []string {
	var ids []string
	s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(BucketRuns)).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids
}

// big-endian so the cursor walks repetitions in order
func seqKey(idx int) []byte {
	k := make([]byte, 4)
	binary.BigEndian.PutUint32(k, uint32(idx))
	return k
}
