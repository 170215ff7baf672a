package tierkv

import (
	"fmt"
	"os"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tierkv/tierkv/memtable"
)

func key(i int) []byte {
	return []byte(fmt.Sprintf("%03d", i))
}

func val(i int) []byte {
	return []byte(fmt.Sprintf("val-%d", i))
}

func Test_Tree_UseCase(t *testing.T) {
	tree, err := Open(t.TempDir())
	require.NoError(t, err)
	defer tree.Close()

	_, err = tree.Put([]byte("a"), []byte("1"))
	require.NoError(t, err)

	value, ok, err := tree.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("1"), value)

	prev, err := tree.Delete([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), prev)

	_, ok, err = tree.Get([]byte("a"))
	require.NoError(t, err)
	assert.False(t, ok)
}

// insert keys 1..200 with a 50-entry memory stage, expect 4 runs; remove one
// key; a single compaction round merges the similarly sized runs into one.
func Test_Tree_SizeTieredScenario(t *testing.T) {
	tree, err := Open(t.TempDir(),
		WithMemTableMaxEntries(50),
		WithAutoCompact(false),
		WithStrategy(mustStrategy(t, 2, 10, 0.5, 1.5, 0, 0)),
	)
	require.NoError(t, err)
	defer tree.Close()

	for i := 1; i <= 200; i++ {
		_, err := tree.Put(key(i), val(i))
		require.NoError(t, err)
	}

	require.NoError(t, tree.Flush())
	assert.Equal(t, 4, tree.RunCount())

	_, err = tree.Delete(key(50))
	require.NoError(t, err)

	require.NoError(t, tree.CompactOnce())
	assert.Equal(t, 1, tree.RunCount())

	_, ok, err := tree.Get(key(50))
	require.NoError(t, err)
	assert.False(t, ok)

	value, ok, err := tree.Get(key(75))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, val(75), value)

	reachable := 0
	for i := 1; i <= 200; i++ {
		_, ok, err := tree.Get(key(i))
		require.NoError(t, err)
		if ok {
			reachable++
		}
	}
	assert.Equal(t, 199, reachable)
}

// the latest operation per key wins regardless of interleaved flushes and
// compactions
func Test_Tree_RoundTrip(t *testing.T) {
	tree, err := Open(t.TempDir(),
		WithMemTableMaxEntries(25),
		WithAutoCompact(false),
		WithStrategy(mustStrategy(t, 2, 0, 0.5, 1.5, 0, 0)),
	)
	require.NoError(t, err)
	defer tree.Close()

	for i := 0; i < 300; i++ {
		_, err := tree.Put(key(i), val(i))
		require.NoError(t, err)
	}
	require.NoError(t, tree.Flush())

	for i := 0; i < 300; i += 2 {
		_, err := tree.Put(key(i), []byte(fmt.Sprintf("v2-%d", i)))
		require.NoError(t, err)
	}
	for i := 0; i < 300; i += 3 {
		_, err := tree.Delete(key(i))
		require.NoError(t, err)
	}
	require.NoError(t, tree.Flush())
	require.NoError(t, tree.CompactOnce())

	for i := 0; i < 300; i++ {
		value, ok, err := tree.Get(key(i))
		require.NoError(t, err)
		switch {
		case i%3 == 0:
			assert.False(t, ok, "key %d should be deleted", i)
		case i%2 == 0:
			require.True(t, ok, "key %d", i)
			assert.Equal(t, []byte(fmt.Sprintf("v2-%d", i)), value)
		default:
			require.True(t, ok, "key %d", i)
			assert.Equal(t, val(i), value)
		}
	}
}

func Test_Tree_TombstoneShadowing(t *testing.T) {
	tree, err := Open(t.TempDir(),
		WithAutoCompact(false),
		WithStrategy(mustStrategy(t, 2, 0, 0.5, 1.5, 0, 0.25)),
	)
	require.NoError(t, err)
	defer tree.Close()

	_, err = tree.Put([]byte("k"), []byte("v"))
	require.NoError(t, err)
	require.NoError(t, tree.Flush())

	_, err = tree.Delete([]byte("k"))
	require.NoError(t, err)
	require.NoError(t, tree.Flush())
	assert.Equal(t, 2, tree.RunCount())

	// the older run still holds a value, the newer tombstone shadows it
	_, ok, err := tree.Get([]byte("k"))
	require.NoError(t, err)
	assert.False(t, ok)

	// the merge keeps the tombstone even though nothing older remains
	require.NoError(t, tree.CompactOnce())
	assert.Equal(t, 1, tree.RunCount())

	_, ok, err = tree.Get([]byte("k"))
	require.NoError(t, err)
	assert.False(t, ok)

	// a second round rewrites the lone tombstone-heavy oldest run in place
	// and sheds it
	require.NoError(t, tree.CompactOnce())
	assert.Equal(t, 0, tree.RunCount())

	_, ok, err = tree.Get([]byte("k"))
	require.NoError(t, err)
	assert.False(t, ok)
}

// a compaction interrupted between publishing its output and removing the
// merged inputs leaves stale run files behind; a delete must still shadow
// them after a restart.
func Test_Tree_TombstoneSurvivesInterruptedCompaction(t *testing.T) {
	dir := t.TempDir()
	opts := []ConfigOption{
		WithAutoCompact(false),
		WithStrategy(mustStrategy(t, 2, 0, 0.5, 1.5, 0, 0)),
	}

	tree, err := Open(dir, opts...)
	require.NoError(t, err)

	_, err = tree.Put([]byte("k"), []byte("v"))
	require.NoError(t, err)
	require.NoError(t, tree.Flush())

	_, err = tree.Delete([]byte("k"))
	require.NoError(t, err)
	require.NoError(t, tree.Flush())

	// keep a copy of the oldest run so its removal can be undone
	oldest, err := os.ReadFile(path.Join(dir, runFileName(1)))
	require.NoError(t, err)

	require.NoError(t, tree.CompactOnce())
	tree.Close()

	// put the merged input back, as if the removals never ran
	require.NoError(t, os.WriteFile(path.Join(dir, runFileName(1)), oldest, 0644))

	tree, err = Open(dir, opts...)
	require.NoError(t, err)
	defer tree.Close()

	_, ok, err := tree.Get([]byte("k"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func Test_Tree_WalOpenFailure(t *testing.T) {
	dir := t.TempDir()
	tree, err := Open(dir, WithMemTableMaxEntries(2), WithAutoCompact(false))
	require.NoError(t, err)
	defer tree.Close()

	_, err = tree.Put(key(1), val(1))
	require.NoError(t, err)

	// make the next wal segment impossible to create
	walDir := path.Join(dir, "walfile")
	require.NoError(t, os.RemoveAll(walDir))
	require.NoError(t, os.WriteFile(walDir, []byte("x"), 0644))

	// this put fills the memtable and rotates onto the broken wal directory
	_, err = tree.Put(key(2), val(2))
	require.NoError(t, err)

	// further mutations report the failure instead of panicking
	_, err = tree.Put(key(3), val(3))
	assert.Error(t, err)
	_, err = tree.Delete(key(1))
	assert.Error(t, err)
}

func Test_Tree_CompactOnce_NoEligibleSetIsNoOp(t *testing.T) {
	tree, err := Open(t.TempDir(), WithAutoCompact(false))
	require.NoError(t, err)
	defer tree.Close()

	_, err = tree.Put([]byte("a"), []byte("1"))
	require.NoError(t, err)
	require.NoError(t, tree.Flush())
	require.Equal(t, 1, tree.RunCount())

	require.NoError(t, tree.CompactOnce())
	assert.Equal(t, 1, tree.RunCount())
}

func Test_Tree_Restore(t *testing.T) {
	dir := t.TempDir()
	opts := []ConfigOption{WithAutoCompact(false)}

	tree, err := Open(dir, opts...)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		_, err := tree.Put(key(i), val(i))
		require.NoError(t, err)
	}
	require.NoError(t, tree.Flush())

	// unflushed writes only reach the wal
	for i := 50; i < 60; i++ {
		_, err := tree.Put(key(i), val(i))
		require.NoError(t, err)
	}
	_, err = tree.Delete(key(10))
	require.NoError(t, err)

	tree.Close()

	tree, err = Open(dir, opts...)
	require.NoError(t, err)
	defer tree.Close()

	assert.Equal(t, 1, tree.RunCount())

	for i := 0; i < 60; i++ {
		value, ok, err := tree.Get(key(i))
		require.NoError(t, err)
		if i == 10 {
			assert.False(t, ok)
			continue
		}
		require.True(t, ok, "key %d", i)
		assert.Equal(t, val(i), value)
	}
}

func Test_Tree_AutoMaintenance(t *testing.T) {
	tree, err := Open(t.TempDir(),
		WithMemTableMaxEntries(20),
		WithStrategy(mustStrategy(t, 2, 0, 0.5, 1.5, 0, 0)),
	)
	require.NoError(t, err)
	defer tree.Close()

	for i := 0; i < 200; i++ {
		_, err := tree.Put(key(i), val(i))
		require.NoError(t, err)
	}

	// background flushing drains every rotated memtable eventually
	assert.Eventually(t, func() bool {
		tree.dataLock.RLock()
		pending := len(tree.rOnly)
		tree.dataLock.RUnlock()
		return pending == 0
	}, 5*time.Second, 10*time.Millisecond)

	for i := 0; i < 200; i++ {
		value, ok, err := tree.Get(key(i))
		require.NoError(t, err)
		require.True(t, ok, "key %d", i)
		assert.Equal(t, val(i), value)
	}
}

func Test_Tree_ConcurrentReads(t *testing.T) {
	tree, err := Open(t.TempDir(), WithAutoCompact(false))
	require.NoError(t, err)
	defer tree.Close()

	for i := 0; i < 100; i++ {
		_, err := tree.Put(key(i), val(i))
		require.NoError(t, err)
	}
	require.NoError(t, tree.Flush())

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				value, ok, err := tree.Get(key(i))
				if err != nil || !ok || string(value) != string(val(i)) {
					t.Errorf("key %d: value %q ok %v err %v", i, value, ok, err)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func Test_Tree_PrevValue(t *testing.T) {
	tree, err := Open(t.TempDir())
	require.NoError(t, err)
	defer tree.Close()

	prev, err := tree.Put([]byte("k"), []byte("v1"))
	require.NoError(t, err)
	assert.Nil(t, prev)

	prev, err = tree.Put([]byte("k"), []byte("v2"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), prev)

	// deleting a key nobody inserted still succeeds
	prev, err = tree.Delete([]byte("ghost"))
	require.NoError(t, err)
	assert.Nil(t, prev)
}

func Test_Tree_ClosedOperations(t *testing.T) {
	tree, err := Open(t.TempDir())
	require.NoError(t, err)
	tree.Close()

	_, err = tree.Put([]byte("a"), []byte("1"))
	assert.ErrorIs(t, err, ErrClosed)

	_, _, err = tree.Get([]byte("a"))
	assert.ErrorIs(t, err, ErrClosed)

	_, err = tree.Delete([]byte("a"))
	assert.ErrorIs(t, err, ErrClosed)

	assert.ErrorIs(t, tree.Flush(), ErrClosed)
	assert.ErrorIs(t, tree.CompactOnce(), ErrClosed)

	// closing twice is fine
	tree.Close()
}

func Test_Tree_BTreeMemTable(t *testing.T) {
	tree, err := Open(t.TempDir(),
		WithMemTableConstructor(memtable.NewBTree),
		WithMemTableMaxEntries(25),
		WithAutoCompact(false),
	)
	require.NoError(t, err)
	defer tree.Close()

	for i := 0; i < 100; i++ {
		_, err := tree.Put(key(i), val(i))
		require.NoError(t, err)
	}
	_, err = tree.Delete(key(7))
	require.NoError(t, err)
	require.NoError(t, tree.Flush())
	require.NoError(t, tree.CompactOnce())

	for i := 0; i < 100; i++ {
		value, ok, err := tree.Get(key(i))
		require.NoError(t, err)
		if i == 7 {
			assert.False(t, ok)
			continue
		}
		require.True(t, ok, "key %d", i)
		assert.Equal(t, val(i), value)
	}
}
