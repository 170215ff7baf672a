package memtable

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_Skiplist(t *testing.T) {
	skiplist := NewSeededSkiplist(1)
	skiplist.Put([]byte("a"), []byte("b"))
	skiplist.Put([]byte("a"), []byte("c"))
	skiplist.Put([]byte("ab"), []byte("aa"))
	skiplist.Put([]byte("abc"), []byte("aaa"))
	skiplist.Put([]byte("bc"), []byte("bbb"))
	skiplist.Put([]byte("ab"), []byte("bb"))

	val, _, _ := skiplist.Get([]byte("a"))
	assert.Equal(t, []byte("c"), val)
	val, _, _ = skiplist.Get([]byte("ab"))
	assert.Equal(t, []byte("bb"), val)
	val, _, _ = skiplist.Get([]byte("abc"))
	assert.Equal(t, []byte("aaa"), val)
	val, _, _ = skiplist.Get([]byte("bc"))
	assert.Equal(t, []byte("bbb"), val)
	_, _, ok := skiplist.Get([]byte("bcd"))
	assert.False(t, ok)
	assert.Equal(t, 4, skiplist.EntriesCnt())

	entries := skiplist.All()
	assert.Equal(t, 4, len(entries))

	assert.Equal(t, []byte("a"), entries[0].Key)
	assert.Equal(t, []byte("c"), entries[0].Value)

	assert.Equal(t, []byte("ab"), entries[1].Key)
	assert.Equal(t, []byte("bb"), entries[1].Value)

	assert.Equal(t, []byte("abc"), entries[2].Key)
	assert.Equal(t, []byte("aaa"), entries[2].Value)

	assert.Equal(t, []byte("bc"), entries[3].Key)
	assert.Equal(t, []byte("bbb"), entries[3].Value)
}

func Test_Skiplist_Tombstone(t *testing.T) {
	skiplist := NewSeededSkiplist(1)

	// delete of a never-seen key still records a tombstone entry
	prev, existed := skiplist.Delete([]byte("ghost"))
	assert.Nil(t, prev)
	assert.False(t, existed)
	assert.Equal(t, 1, skiplist.EntriesCnt())

	_, tombstone, ok := skiplist.Get([]byte("ghost"))
	assert.True(t, ok)
	assert.True(t, tombstone)

	skiplist.Put([]byte("a"), []byte("1"))
	prev, existed = skiplist.Delete([]byte("a"))
	assert.Equal(t, []byte("1"), prev)
	assert.True(t, existed)

	_, tombstone, ok = skiplist.Get([]byte("a"))
	assert.True(t, ok)
	assert.True(t, tombstone)

	// re-insert clears the tombstone
	prev, replaced := skiplist.Put([]byte("a"), []byte("2"))
	assert.Nil(t, prev)
	assert.False(t, replaced)
	val, tombstone, ok := skiplist.Get([]byte("a"))
	assert.True(t, ok)
	assert.False(t, tombstone)
	assert.Equal(t, []byte("2"), val)
}

func Test_Skiplist_PrevValue(t *testing.T) {
	skiplist := NewSeededSkiplist(7)

	prev, replaced := skiplist.Put([]byte("k"), []byte("v1"))
	assert.Nil(t, prev)
	assert.False(t, replaced)

	prev, replaced = skiplist.Put([]byte("k"), []byte("v2"))
	assert.Equal(t, []byte("v1"), prev)
	assert.True(t, replaced)
}

func Test_Skiplist_CallerBufferReuse(t *testing.T) {
	skiplist := NewSeededSkiplist(3)

	buf := []byte("key")
	skiplist.Put(buf, []byte("v"))
	buf[0] = 'x'

	_, _, ok := skiplist.Get([]byte("key"))
	assert.True(t, ok)
}
