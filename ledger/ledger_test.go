package ledger

import (
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devforge/collab-api/ot"
)

func insertAt(file string, pos int, text string, base int64) ot.Operation {
	return ot.Operation{
		ID:      fmt.Sprintf("%s-%d-%s", file, pos, text),
		FileID:  file,
		UserID:  "u1",
		Version: base,
		Time:    time.Now(),
		Edit:    ot.Insert{Pos: pos, Text: text},
	}
}

func accept(t *testing.T, l *Ledger, op ot.Operation) (ot.Operation, int64) {
	t.Helper()
	stamped, v, err := l.Accept(op, nil)
	require.NoError(t, err)
	return stamped, v
}

func TestAcceptAssignsSequentialVersions(t *testing.T) {
	l := New()

	op1, v1 := accept(t, l, insertAt("f", 0, "a", 0))
	op2, v2 := accept(t, l, insertAt("f", 1, "b", 1))

	assert.Equal(t, int64(1), v1)
	assert.Equal(t, int64(2), v2)
	assert.Equal(t, int64(1), op1.Version)
	assert.Equal(t, int64(2), op2.Version)
	assert.Equal(t, int64(2), l.CurrentVersion("f"))
	assert.Equal(t, int64(0), l.CurrentVersion("other"))
}

func TestAcceptTransformsAgainstInterveningOps(t *testing.T) {
	l := New()

	// First writer prepends three characters.
	accept(t, l, insertAt("f", 0, "abc", 0))

	// Second writer also composed against version 0; its position must be
	// shifted past the accepted insert.
	stamped, v := accept(t, l, insertAt("f", 2, "x", 0))
	assert.Equal(t, int64(2), v)
	assert.Equal(t, ot.Insert{Pos: 5, Text: "x"}, stamped.Edit)

	// A writer that already saw version 1 is not transformed.
	stamped, _ = accept(t, l, insertAt("f", 2, "y", 2))
	assert.Equal(t, ot.Insert{Pos: 2, Text: "y"}, stamped.Edit)
}

func TestAcceptStampsSequence(t *testing.T) {
	l := New()
	op, _ := accept(t, l, insertAt("f", 0, "a", 0))
	assert.Equal(t, int64(1), op.Seq)
	op, _ = accept(t, l, insertAt("f", 0, "b", 1))
	assert.Equal(t, int64(2), op.Seq)
}

func TestAcceptRejectsOutOfRangeEdits(t *testing.T) {
	l := New()
	l.Seed("f", 2) // document is "hi"

	_, _, err := l.Accept(insertAt("f", 999, "x", 0), nil)
	assert.ErrorIs(t, err, ErrOutOfRange)
	assert.Equal(t, int64(0), l.CurrentVersion("f"))
	assert.Empty(t, l.Log("f"))

	del := insertAt("f", 0, "", 0)
	del.Edit = ot.Delete{Pos: 1, Len: 5}
	_, _, err = l.Accept(del, nil)
	assert.ErrorIs(t, err, ErrOutOfRange)

	// Inserting exactly at the end is in range.
	_, v, err := l.Accept(insertAt("f", 2, "!", 0), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

// The tracked length must follow each accepted edit so a later edit at the
// grown end of the document is not falsely rejected.
func TestAcceptedEditsAdvanceLength(t *testing.T) {
	l := New()
	l.Seed("f", 0)

	accept(t, l, insertAt("f", 0, "abcde", 0))

	del := insertAt("f", 0, "", 1)
	del.Edit = ot.Delete{Pos: 0, Len: 2}
	accept(t, l, del)

	// Length is now 3; position 3 is the end, position 4 is out.
	_, _, err := l.Accept(insertAt("f", 3, "x", 2), nil)
	require.NoError(t, err)
	_, _, err = l.Accept(insertAt("f", 5, "x", 3), nil)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestSeedFirstWins(t *testing.T) {
	l := New()
	l.Seed("f", 2)
	accept(t, l, insertAt("f", 2, "x", 0)) // length now 3
	l.Seed("f", 0)                         // stale re-seed must not shrink it
	_, _, err := l.Accept(insertAt("f", 3, "y", 1), nil)
	assert.NoError(t, err)
	assert.True(t, l.Seeded("f"))
	assert.False(t, l.Seeded("other"))
}

// Deliver runs under the file lock: a concurrent Accept cannot interleave
// between an operation being logged and its delivery, so delivery order is
// the acceptance order.
func TestDeliverObservesAcceptOrder(t *testing.T) {
	l := New()

	const writers = 5
	const perWriter = 10

	var mu sync.Mutex
	var delivered []int64

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, _, err := l.Accept(insertAt("f", 0, fmt.Sprintf("w%d-%d", w, i), 0), func(_ ot.Operation, v int64) {
					mu.Lock()
					delivered = append(delivered, v)
					mu.Unlock()
				})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	require.Len(t, delivered, writers*perWriter)
	for i, v := range delivered {
		require.Equal(t, int64(i+1), v, "delivery out of accept order at index %d", i)
	}
}

// Fifty operations from five concurrent writers, all based on version zero,
// must receive fifty distinct, gapless version numbers.
func TestVersionMonotonicityUnderConcurrency(t *testing.T) {
	l := New()

	const writers = 5
	const perWriter = 10

	var mu sync.Mutex
	var versions []int64

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, v, err := l.Accept(insertAt("f", 0, fmt.Sprintf("w%d-%d", w, i), 0), nil)
				assert.NoError(t, err)
				mu.Lock()
				versions = append(versions, v)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	require.Len(t, versions, writers*perWriter)
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	for i, v := range versions {
		require.Equal(t, int64(i+1), v, "gap or duplicate at index %d", i)
	}
	assert.Equal(t, int64(writers*perWriter), l.CurrentVersion("f"))
}

func TestFilesAreIndependent(t *testing.T) {
	l := New()
	accept(t, l, insertAt("a", 0, "x", 0))
	_, v := accept(t, l, insertAt("b", 0, "y", 0))
	assert.Equal(t, int64(1), v)
}

func TestReset(t *testing.T) {
	l := New()
	accept(t, l, insertAt("f", 0, "a", 0))
	accept(t, l, insertAt("f", 1, "b", 1))

	l.Reset("f", 2, 2)
	assert.Empty(t, l.Log("f"))
	assert.Equal(t, int64(2), l.CurrentVersion("f"))

	// The counter never moves backwards, even for a stale reset.
	l.Reset("f", 1, 2)
	assert.Equal(t, int64(2), l.CurrentVersion("f"))

	// The reset content length is the new bounds baseline.
	_, _, err := l.Accept(insertAt("f", 5, "c", 2), nil)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, v := accept(t, l, insertAt("f", 2, "c", 2))
	assert.Equal(t, int64(3), v)
}

func TestPrune(t *testing.T) {
	l := New()
	for i := 0; i < 4; i++ {
		accept(t, l, insertAt("f", i, "x", int64(i)))
	}

	l.Prune("f", 2)
	log := l.Log("f")
	require.Len(t, log, 2)
	assert.Equal(t, int64(3), log[0].Version)
	assert.Equal(t, int64(4), log[1].Version)
}
