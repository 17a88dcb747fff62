// Package ledger assigns the canonical per-file order to accepted
// operations. Each file carries a strictly increasing version counter, the
// authoritative byte length of its content and the log of operations
// accepted since its baseline; a late operation is transformed against
// everything accepted after the version it was based on before it is
// stamped and appended.
package ledger

import (
	"errors"
	"sync"

	"github.com/devforge/collab-api/ot"
)

// ErrOutOfRange rejects an operation whose edit, after transformation, falls
// outside the document's current bounds. Such an operation must never be
// logged: every peer applying it would fail.
var ErrOutOfRange = errors.New("operation exceeds document bounds")

type fileLog struct {
	mu      sync.Mutex
	version int64
	length  int
	seeded  bool
	ops     []ot.Operation
}

// Ledger is safe for concurrent use. Acceptance for one file is serialized
// under that file's lock, which is what makes "transform against the
// intervening log, bounds-check, append, deliver" race-free.
type Ledger struct {
	mu    sync.Mutex
	files map[string]*fileLog
}

func New() *Ledger {
	return &Ledger{files: make(map[string]*fileLog)}
}

func (l *Ledger) file(fileID string) *fileLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, ok := l.files[fileID]
	if !ok {
		f = &fileLog{}
		l.files[fileID] = f
	}
	return f
}

// CurrentVersion returns the file's latest assigned version, zero for a file
// the ledger has not seen.
func (l *Ledger) CurrentVersion(fileID string) int64 {
	f := l.file(fileID)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.version
}

// Seed records the file's authoritative byte length so accepted operations
// can be bounds-checked. Only the first seed takes effect: from then on the
// ledger maintains the length itself from each accepted edit's delta.
func (l *Ledger) Seed(fileID string, length int) {
	f := l.file(fileID)
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.seeded {
		f.length = length
		f.seeded = true
	}
}

// Seeded reports whether the file's length baseline is known.
func (l *Ledger) Seeded(fileID string) bool {
	f := l.file(fileID)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seeded
}

// fits reports whether the edit stays inside a document of the given length.
func fits(op ot.Operation, length int) bool {
	switch e := op.Edit.(type) {
	case ot.Insert:
		return e.Pos <= length
	case ot.Delete:
		return e.Pos+e.Len <= length
	case ot.Replace:
		return e.Pos+e.Len <= length
	}
	return false
}

// lengthDelta is the change an edit makes to the document's byte length.
func lengthDelta(op ot.Operation) int {
	switch e := op.Edit.(type) {
	case ot.Insert:
		return len(e.Text)
	case ot.Delete:
		return -e.Len
	case ot.Replace:
		return len(e.Text) - e.Len
	}
	return 0
}

// Accept transforms op against every operation accepted since op.Version,
// bounds-checks the result, assigns it the next version and sequence number,
// appends it to the log and returns the stamped operation. The input is not
// mutated.
//
// deliver, if non-nil, runs while the file lock is still held, after the
// operation is logged. Fan-out enqueued there observes the acceptance order:
// no later-accepted operation can reach any connection first. Keep it short;
// it blocks further acceptance for the file.
func (l *Ledger) Accept(op ot.Operation, deliver func(stamped ot.Operation, version int64)) (ot.Operation, int64, error) {
	f := l.file(op.FileID)
	f.mu.Lock()
	defer f.mu.Unlock()

	// Versions are assigned in log order, so everything after op's base
	// version sits at the tail.
	for _, accepted := range f.ops {
		if accepted.Version > op.Version {
			op = ot.Transform(op, accepted)
		}
	}

	if f.seeded && !fits(op, f.length) {
		return ot.Operation{}, f.version, ErrOutOfRange
	}

	f.version++
	op.Version = f.version
	op.Seq = f.version
	f.ops = append(f.ops, op)
	if f.seeded {
		f.length += lengthDelta(op)
	}

	if deliver != nil {
		deliver(op, f.version)
	}
	return op, f.version, nil
}

// Reset establishes a new baseline for the file at the given version and
// content length, and drops the log. Used when a durable save has propagated
// the full content to every peer, making the incremental history moot.
func (l *Ledger) Reset(fileID string, version int64, length int) {
	f := l.file(fileID)
	f.mu.Lock()
	defer f.mu.Unlock()
	if version < f.version {
		version = f.version
	}
	f.version = version
	f.ops = nil
	f.length = length
	f.seeded = true
}

// Prune drops logged operations with versions at or below upTo. Purely an
// optimization: a pruned operation can no longer be transformed against, so
// callers must only prune past versions every connected session has
// acknowledged.
func (l *Ledger) Prune(fileID string, upTo int64) {
	f := l.file(fileID)
	f.mu.Lock()
	defer f.mu.Unlock()
	i := 0
	for i < len(f.ops) && f.ops[i].Version <= upTo {
		i++
	}
	f.ops = append([]ot.Operation(nil), f.ops[i:]...)
}

// Log returns a copy of the file's accepted operations, oldest first.
func (l *Ledger) Log(fileID string) []ot.Operation {
	f := l.file(fileID)
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ot.Operation(nil), f.ops...)
}
