package programs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/fortiblox/lanevm/internal/types"
	"github.com/fortiblox/lanevm/pkg/vm/loader"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("lanevm.programs")

// Key prefixes for BadgerDB storage.
var (
	// prefixProgram is the prefix for program images.
	// Key format: prefixProgram + program id (32 bytes)
	prefixProgram = []byte{0x01}

	// prefixMeta is the prefix for metadata.
	prefixMeta = []byte{0x02}

	// metaCount is the key for the stored program count.
	metaCount = append(append([]byte{}, prefixMeta...), []byte("count")...)
)

// BadgerDBConfig contains configuration for BadgerDB.
type BadgerDBConfig struct {
	// Path is the directory path for the database.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// SyncWrites ensures writes are synced to disk.
	SyncWrites bool

	// NumCompactors is the number of compaction workers.
	NumCompactors int

	// ValueLogFileSize is the size of each value log file.
	ValueLogFileSize int64

	// Logger is an optional badger logger. Nil disables badger logging.
	Logger badger.Logger
}

// DefaultBadgerDBConfig returns default configuration.
func DefaultBadgerDBConfig(path string) BadgerDBConfig {
	return BadgerDBConfig{
		Path:             path,
		SyncWrites:       true,
		NumCompactors:    2,
		ValueLogFileSize: 64 << 20,
	}
}

// BadgerDB is a BadgerDB-backed program registry.
type BadgerDB struct {
	db *badger.DB

	// count is cached in memory and persisted on Close
	count atomic.Uint64

	// mu serialises writes so the count stays exact
	mu sync.Mutex

	closed atomic.Bool
}

// NewBadgerDB opens a BadgerDB-backed program registry.
func NewBadgerDB(cfg BadgerDBConfig) (*BadgerDB, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumCompactors(cfg.NumCompactors).
		WithValueLogFileSize(cfg.ValueLogFileSize).
		WithLogger(cfg.Logger)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	b := &BadgerDB{db: db}
	if err := b.loadCount(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	log.Debugf("Opened program registry at %q with %d programs", cfg.Path, b.count.Load())
	return b, nil
}

func (b *BadgerDB) loadCount() error {
	return b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaCount)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) >= 8 {
				b.count.Store(binary.LittleEndian.Uint64(val))
			}
			return nil
		})
	})
}

func programKey(id types.ProgramID) []byte {
	key := make([]byte, 1+types.ProgramIDSize)
	key[0] = prefixProgram[0]
	copy(key[1:], id[:])
	return key
}

// Put stores an image. Storing an existing program is a no-op.
func (b *BadgerDB) Put(img *loader.Image) (types.ProgramID, error) {
	if b.closed.Load() {
		return types.ProgramID{}, ErrClosed
	}
	data, err := loader.Encode(img, loader.EncodeOptions{Compress: img.Compressed})
	if err != nil {
		return types.ProgramID{}, err
	}
	id := img.ID()

	b.mu.Lock()
	defer b.mu.Unlock()

	added := false
	err = b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(programKey(id))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		added = true
		if err := txn.Set(programKey(id), data); err != nil {
			return err
		}
		return txn.Set(metaCount, countBytes(b.count.Load()+1))
	})
	if err != nil {
		return types.ProgramID{}, err
	}
	if added {
		b.count.Add(1)
		log.Debugf("Stored program %s (%d words)", id, img.Program.Len())
	}
	return id, nil
}

// Get loads a program.
func (b *BadgerDB) Get(id types.ProgramID) (*loader.Image, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	var img *loader.Image
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(programKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrProgramNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			loaded, err := loader.Load(val)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrCorrupted, id, err)
			}
			img = loaded
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return img, nil
}

// Has checks if a program exists.
func (b *BadgerDB) Has(id types.ProgramID) (bool, error) {
	if b.closed.Load() {
		return false, ErrClosed
	}
	var exists bool
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(programKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

// Delete removes a program.
func (b *BadgerDB) Delete(id types.ProgramID) error {
	if b.closed.Load() {
		return ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	removed := false
	err := b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(programKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		removed = true
		if err := txn.Delete(programKey(id)); err != nil {
			return err
		}
		return txn.Set(metaCount, countBytes(b.count.Load()-1))
	})
	if err != nil {
		return err
	}
	if removed {
		b.count.Add(^uint64(0))
	}
	return nil
}

// List returns every stored program in ID order.
func (b *BadgerDB) List() ([]Entry, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	var entries []Entry
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixProgram
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.Key()
			if len(key) != 1+types.ProgramIDSize {
				continue
			}
			var id types.ProgramID
			copy(id[:], key[1:])

			err := item.Value(func(val []byte) error {
				img, err := loader.Load(val)
				if err != nil {
					return fmt.Errorf("%w: %s: %v", ErrCorrupted, id, err)
				}
				entries = append(entries, describe(id, img, len(val)))
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Count returns the number of stored programs.
func (b *BadgerDB) Count() (uint64, error) {
	if b.closed.Load() {
		return 0, ErrClosed
	}
	return b.count.Load(), nil
}

// RunGC runs garbage collection on the value log.
func (b *BadgerDB) RunGC() error {
	if b.closed.Load() {
		return ErrClosed
	}
	err := b.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// Close closes the database.
func (b *BadgerDB) Close() error {
	if b.closed.Swap(true) {
		return ErrClosed
	}
	return b.db.Close()
}

func countBytes(n uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, n)
	return buf
}

var _ DB = (*BadgerDB)(nil)
