// Package programs implements the content-addressed program registry.
//
// Programs are stored as loader images keyed by their ProgramID (the blake3
// digest of the encoded words), so storing the same program twice is a no-op
// and a stored program can never change under its ID.
package programs

import (
	"errors"
	"sort"
	"sync"

	"github.com/fortiblox/lanevm/internal/types"
	"github.com/fortiblox/lanevm/pkg/vm/loader"
)

var (
	// ErrProgramNotFound is returned when no program has the requested ID.
	ErrProgramNotFound = errors.New("program not found")

	// ErrClosed is returned when operating on a closed database.
	ErrClosed = errors.New("database closed")

	// ErrCorrupted is returned when a stored image fails to load.
	ErrCorrupted = errors.New("stored program corrupted")
)

// Entry describes a stored program without decoding it.
type Entry struct {
	ID         types.ProgramID `json:"id"`
	Words      int             `json:"words"`
	Entry      int             `json:"entry"`
	Size       int             `json:"size"` // stored image bytes
	Compressed bool            `json:"compressed"`
}

// DB is the program registry interface.
// Implementations must be safe for concurrent use.
type DB interface {
	// Put stores an image and returns its ID.
	Put(img *loader.Image) (types.ProgramID, error)

	// Get loads a program by ID.
	// Returns ErrProgramNotFound if the program doesn't exist.
	Get(id types.ProgramID) (*loader.Image, error)

	// Has checks if a program exists.
	Has(id types.ProgramID) (bool, error)

	// Delete removes a program. Returns nil if it doesn't exist.
	Delete(id types.ProgramID) error

	// List returns every stored program in ID order.
	List() ([]Entry, error)

	// Count returns the number of stored programs.
	Count() (uint64, error)

	// Close closes the database.
	Close() error
}

func describe(id types.ProgramID, img *loader.Image, size int) Entry {
	return Entry{
		ID:         id,
		Words:      img.Program.Len(),
		Entry:      img.Entry,
		Size:       size,
		Compressed: img.Compressed,
	}
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return string(entries[i].ID[:]) < string(entries[j].ID[:])
	})
}

// MemoryDB is an in-memory implementation of DB.
type MemoryDB struct {
	mu       sync.RWMutex
	programs map[types.ProgramID][]byte
	closed   bool
}

// NewMemoryDB creates a new in-memory program registry.
func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		programs: make(map[types.ProgramID][]byte),
	}
}

// Put stores an image.
func (m *MemoryDB) Put(img *loader.Image) (types.ProgramID, error) {
	data, err := loader.Encode(img, loader.EncodeOptions{Compress: img.Compressed})
	if err != nil {
		return types.ProgramID{}, err
	}
	id := img.ID()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return types.ProgramID{}, ErrClosed
	}
	if _, ok := m.programs[id]; !ok {
		m.programs[id] = data
	}
	return id, nil
}

// Get loads a program.
func (m *MemoryDB) Get(id types.ProgramID) (*loader.Image, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	data, ok := m.programs[id]
	if !ok {
		return nil, ErrProgramNotFound
	}
	return loader.Load(data)
}

// Has checks if a program exists.
func (m *MemoryDB) Has(id types.ProgramID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.programs[id]
	return ok, nil
}

// Delete removes a program.
func (m *MemoryDB) Delete(id types.ProgramID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.programs, id)
	return nil
}

// List returns every stored program.
func (m *MemoryDB) List() ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	entries := make([]Entry, 0, len(m.programs))
	for id, data := range m.programs {
		img, err := loader.Load(data)
		if err != nil {
			return nil, err
		}
		entries = append(entries, describe(id, img, len(data)))
	}
	sortEntries(entries)
	return entries, nil
}

// Count returns the number of programs.
func (m *MemoryDB) Count() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	return uint64(len(m.programs)), nil
}

// Close closes the database.
func (m *MemoryDB) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.programs = nil
	return nil
}

var _ DB = (*MemoryDB)(nil)
