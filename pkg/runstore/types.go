package runstore

import (
	"encoding/binary"
	"time"

	"github.com/fortiblox/lanevm/internal/types"
)

// Mode names the engine a run used.
type Mode string

// Run modes.
const (
	ModeSequential Mode = "sequential"
	ModeLanes      Mode = "lanes"
)

// Status is the outcome of a run.
type Status string

// Run outcomes.
const (
	StatusOK      Status = "ok"
	StatusFaulted Status = "faulted"
	StatusFailed  Status = "failed" // rejected before any lane ran
)

// Record is one stored execution.
type Record struct {
	ID        string          `cbor:"1,keyasint" json:"id"`
	Seq       uint64          `cbor:"2,keyasint" json:"seq"`
	Program   types.ProgramID `cbor:"3,keyasint" json:"program"`
	Mode      Mode            `cbor:"4,keyasint" json:"mode"`
	Status    Status          `cbor:"5,keyasint" json:"status"`
	Platform  string          `cbor:"6,keyasint,omitempty" json:"platform,omitempty"`
	Placement string          `cbor:"7,keyasint,omitempty" json:"placement,omitempty"`
	Lanes     int             `cbor:"8,keyasint,omitempty" json:"lanes,omitempty"`
	GroupSize int             `cbor:"9,keyasint,omitempty" json:"groupSize,omitempty"`
	Started   time.Time       `cbor:"10,keyasint" json:"started"`
	Elapsed   time.Duration   `cbor:"11,keyasint" json:"elapsedNs"`
	Steps     uint64          `cbor:"12,keyasint" json:"steps"`
	Printed   [][]int32       `cbor:"13,keyasint,omitempty" json:"printed,omitempty"`
	Error     string          `cbor:"14,keyasint,omitempty" json:"error,omitempty"`
}

// ListOptions configures ListRuns.
type ListOptions struct {
	// Program restricts results to one program.
	Program *types.ProgramID

	// Limit is the maximum number of records to return. 0 uses DefaultListLimit.
	Limit int

	// Before returns runs with a sequence number below this one. 0 starts
	// from the newest run.
	Before uint64
}

// DefaultListLimit caps ListRuns when no limit is given.
const DefaultListLimit = 100

// Stats contains run store statistics.
type Stats struct {
	Runs         uint64 `json:"runs"`
	Faulted      uint64 `json:"faulted"`
	OldestSeq    uint64 `json:"oldestSeq"`
	LatestSeq    uint64 `json:"latestSeq"`
	DatabaseSize int64  `json:"databaseSize"`
}

func encodeSeq(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func decodeSeq(key []byte) uint64 {
	if len(key) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(key[len(key)-8:])
}

// programSeqKey orders a program's runs by sequence number.
func programSeqKey(id types.ProgramID, seq uint64) []byte {
	key := make([]byte, types.ProgramIDSize+8)
	copy(key, id[:])
	binary.BigEndian.PutUint64(key[types.ProgramIDSize:], seq)
	return key
}
