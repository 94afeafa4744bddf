// Package runstore keeps the history of program executions in BoltDB.
package runstore

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fortiblox/lanevm/internal/types"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	bolt "go.etcd.io/bbolt"
)

var log = commonlog.GetLogger("lanevm.runstore")

var (
	// ErrRunNotFound is returned when a run doesn't exist.
	ErrRunNotFound = errors.New("run not found")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("run store closed")
)

// Bucket names.
var (
	// bucketRuns stores records keyed by sequence number.
	bucketRuns = []byte("runs")

	// bucketRunIDs maps run IDs to sequence numbers.
	bucketRunIDs = []byte("run_ids")

	// bucketByProgram indexes sequence numbers by program.
	bucketByProgram = []byte("by_program")

	bucketMetadata = []byte("metadata")
)

// Metadata keys.
var (
	keyLatestSeq = []byte("latest_seq")
	keyRunCount  = []byte("run_count")
	keyFaulted   = []byte("faulted_count")
)

// DefaultRetainRuns is the number of runs kept by background pruning.
const DefaultRetainRuns = 10000

// Config holds run store configuration options.
type Config struct {
	// Path is the database file path.
	Path string

	// NoSync disables fsync after each write.
	NoSync bool

	// PruneEnabled enables periodic pruning of old runs.
	PruneEnabled bool

	// PruneInterval is how often to prune.
	PruneInterval time.Duration

	// RetainRuns is the number of newest runs kept when pruning.
	RetainRuns uint64
}

// DefaultConfig returns the default run store configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:          path,
		PruneEnabled:  true,
		PruneInterval: time.Hour,
		RetainRuns:    DefaultRetainRuns,
	}
}

// Store is the run history interface.
type Store interface {
	// PutRun stores a record, assigning its ID and sequence number when
	// unset, and returns the stored copy.
	PutRun(rec *Record) (*Record, error)

	// GetRun returns a run by ID.
	GetRun(id string) (*Record, error)

	// ListRuns returns runs newest first.
	ListRuns(opts ListOptions) ([]*Record, error)

	// Stats returns store statistics.
	Stats() (*Stats, error)

	// Prune deletes all but the newest keep runs and returns how many
	// were removed.
	Prune(keep uint64) (uint64, error)

	Close() error
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano

	var err error
	if encMode, err = opts.EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db     *bolt.DB
	config Config

	mu        sync.RWMutex
	latestSeq uint64
	runCount  uint64
	faulted   uint64
	closed    bool

	pruneStop chan struct{}
	pruneWG   sync.WaitGroup
}

// Open creates or opens a run store.
func Open(config Config) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := bolt.Open(config.Path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
		NoSync:  config.NoSync,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &BoltStore{
		db:        db,
		config:    config,
		pruneStop: make(chan struct{}),
	}
	if err := s.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}
	if err := s.loadCachedValues(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load cached values: %w", err)
	}
	if config.PruneEnabled && config.PruneInterval > 0 {
		s.startPruning()
	}
	return s, nil
}

func (s *BoltStore) initBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketRuns, bucketRunIDs, bucketByProgram, bucketMetadata} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

func (s *BoltStore) loadCachedValues() error {
	return s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMetadata)
		if v := meta.Get(keyLatestSeq); v != nil {
			s.latestSeq = decodeSeq(v)
		}
		if v := meta.Get(keyRunCount); v != nil {
			s.runCount = decodeSeq(v)
		}
		if v := meta.Get(keyFaulted); v != nil {
			s.faulted = decodeSeq(v)
		}
		return nil
	})
}

func (s *BoltStore) startPruning() {
	s.pruneWG.Add(1)
	go func() {
		defer s.pruneWG.Done()
		ticker := time.NewTicker(s.config.PruneInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				n, err := s.Prune(s.config.RetainRuns)
				if err != nil {
					log.Warningf("Run store prune failed: %v", err)
				} else if n > 0 {
					log.Infof("Pruned %d runs", n)
				}
			case <-s.pruneStop:
				return
			}
		}
	}()
}

// PutRun stores a record.
func (s *BoltStore) PutRun(rec *Record) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	stored := *rec
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.Started.IsZero() {
		stored.Started = time.Now()
	}
	stored.Seq = s.latestSeq + 1

	data, err := encMode.Marshal(&stored)
	if err != nil {
		return nil, fmt.Errorf("encode run: %w", err)
	}

	faulted := s.faulted
	if stored.Status != StatusOK {
		faulted++
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		ids := tx.Bucket(bucketRunIDs)
		if ids.Get([]byte(stored.ID)) != nil {
			return fmt.Errorf("run %s already stored", stored.ID)
		}
		seqKey := encodeSeq(stored.Seq)
		if err := tx.Bucket(bucketRuns).Put(seqKey, data); err != nil {
			return err
		}
		if err := ids.Put([]byte(stored.ID), seqKey); err != nil {
			return err
		}
		if err := tx.Bucket(bucketByProgram).Put(programSeqKey(stored.Program, stored.Seq), []byte{}); err != nil {
			return err
		}
		meta := tx.Bucket(bucketMetadata)
		if err := meta.Put(keyLatestSeq, seqKey); err != nil {
			return err
		}
		if err := meta.Put(keyRunCount, encodeSeq(s.runCount+1)); err != nil {
			return err
		}
		return meta.Put(keyFaulted, encodeSeq(faulted))
	})
	if err != nil {
		return nil, err
	}

	s.latestSeq = stored.Seq
	s.runCount++
	s.faulted = faulted
	return &stored, nil
}

// GetRun returns a run by ID.
func (s *BoltStore) GetRun(id string) (*Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		seqKey := tx.Bucket(bucketRunIDs).Get([]byte(id))
		if seqKey == nil {
			return ErrRunNotFound
		}
		data := tx.Bucket(bucketRuns).Get(seqKey)
		if data == nil {
			return ErrRunNotFound
		}
		return decMode.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListRuns returns runs newest first.
func (s *BoltStore) ListRuns(opts ListOptions) ([]*Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var out []*Record
	err := s.db.View(func(tx *bolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		decode := func(data []byte) error {
			var rec Record
			if err := decMode.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("decode run: %w", err)
			}
			out = append(out, &rec)
			return nil
		}

		if opts.Program != nil {
			prefix := opts.Program[:]
			c := tx.Bucket(bucketByProgram).Cursor()
			k := seekBefore(c, prefix, opts.Before)
			for ; k != nil && bytes.HasPrefix(k, prefix) && len(out) < limit; k, _ = c.Prev() {
				if data := runs.Get(encodeSeq(decodeSeq(k))); data != nil {
					if err := decode(data); err != nil {
						return err
					}
				}
			}
			return nil
		}

		c := runs.Cursor()
		k, v := c.Last()
		if opts.Before > 0 {
			k, v = c.Seek(encodeSeq(opts.Before))
			if k == nil {
				k, v = c.Last()
			} else {
				k, v = c.Prev()
			}
		}
		for ; k != nil && len(out) < limit; k, v = c.Prev() {
			if err := decode(v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// seekBefore positions c on the last key under prefix whose sequence number
// is below before (0 means no bound).
func seekBefore(c *bolt.Cursor, prefix []byte, before uint64) []byte {
	var bound []byte
	if before > 0 {
		bound = append(append([]byte{}, prefix...), encodeSeq(before)...)
	} else {
		bound = append(append([]byte{}, prefix...), bytes.Repeat([]byte{0xff}, 8)...)
	}
	k, _ := c.Seek(bound)
	if k == nil {
		k, _ = c.Last()
	}
	for k != nil && bytes.Compare(k, bound) >= 0 {
		k, _ = c.Prev()
	}
	return k
}

// Prune keeps the newest keep runs.
func (s *BoltStore) Prune(keep uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if s.runCount <= keep {
		return 0, nil
	}
	excess := s.runCount - keep

	var pruned, prunedFaults uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		ids := tx.Bucket(bucketRunIDs)
		byProgram := tx.Bucket(bucketByProgram)

		var victims [][]byte
		c := runs.Cursor()
		for k, _ := c.First(); k != nil && uint64(len(victims)) < excess; k, _ = c.Next() {
			victims = append(victims, append([]byte{}, k...))
		}

		for _, k := range victims {
			var rec Record
			if err := decMode.Unmarshal(runs.Get(k), &rec); err != nil {
				return fmt.Errorf("decode run %d: %w", decodeSeq(k), err)
			}
			if err := runs.Delete(k); err != nil {
				return err
			}
			if err := ids.Delete([]byte(rec.ID)); err != nil {
				return err
			}
			if err := byProgram.Delete(programSeqKey(rec.Program, rec.Seq)); err != nil {
				return err
			}
			pruned++
			if rec.Status != StatusOK {
				prunedFaults++
			}
		}

		meta := tx.Bucket(bucketMetadata)
		if err := meta.Put(keyRunCount, encodeSeq(s.runCount-pruned)); err != nil {
			return err
		}
		return meta.Put(keyFaulted, encodeSeq(s.faulted-prunedFaults))
	})
	if err != nil {
		return 0, err
	}

	s.runCount -= pruned
	s.faulted -= prunedFaults
	return pruned, nil
}

// Stats returns store statistics.
func (s *BoltStore) Stats() (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	stats := &Stats{
		Runs:      s.runCount,
		Faulted:   s.faulted,
		LatestSeq: s.latestSeq,
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		if k, _ := tx.Bucket(bucketRuns).Cursor().First(); k != nil {
			stats.OldestSeq = decodeSeq(k)
		}
		stats.DatabaseSize = tx.Size()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Sync forces an fsync of the database.
func (s *BoltStore) Sync() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.Sync()
}

// Close stops pruning and closes the database.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closed = true
	s.mu.Unlock()

	close(s.pruneStop)
	s.pruneWG.Wait()
	return s.db.Close()
}

func (s *BoltStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// RunsForProgram counts the stored runs of one program.
func (s *BoltStore) RunsForProgram(id types.ProgramID) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketByProgram).Cursor()
		for k, _ := c.Seek(id[:]); k != nil && bytes.HasPrefix(k, id[:]); k, _ = c.Next() {
			n++
		}
		return nil
	})
	return n, err
}

var _ Store = (*BoltStore)(nil)
