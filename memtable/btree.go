package memtable

import (
	"bytes"

	"github.com/google/btree"

	"github.com/tierkv/tierkv/util"
)

const btreeDegree = 16

// BTree memtable backed by google/btree. Same contract as the skiplist;
// pick whichever profile suits the workload.
type BTree struct {
	tree *btree.BTreeG[*Entry]
	size int
}

func NewBTree() MemTable {
	return &BTree{
		tree: btree.NewG(btreeDegree, func(a, b *Entry) bool {
			return bytes.Compare(a.Key, b.Key) < 0
		}),
	}
}

func (b *BTree) Put(key, value []byte) (prev []byte, replaced bool) {
	entry := &Entry{Key: util.CopyBytes(key), Value: util.CopyBytes(value)}
	old, had := b.tree.ReplaceOrInsert(entry)
	if !had {
		b.size += len(key) + len(value)
		return nil, false
	}

	b.size += len(value) - len(old.Value)
	if old.Tombstone {
		return nil, false
	}
	return old.Value, true
}

func (b *BTree) Delete(key []byte) (prev []byte, existed bool) {
	entry := &Entry{Key: util.CopyBytes(key), Tombstone: true}
	old, had := b.tree.ReplaceOrInsert(entry)
	if !had {
		b.size += len(key)
		return nil, false
	}

	b.size -= len(old.Value)
	if old.Tombstone {
		return nil, false
	}
	return old.Value, true
}

func (b *BTree) Get(key []byte) (value []byte, tombstone, ok bool) {
	entry, had := b.tree.Get(&Entry{Key: key})
	if !had {
		return nil, false, false
	}
	return entry.Value, entry.Tombstone, true
}

func (b *BTree) All() []*Entry {
	entries := make([]*Entry, 0, b.tree.Len())
	b.tree.Ascend(func(entry *Entry) bool {
		entries = append(entries, entry)
		return true
	})
	return entries
}

func (b *BTree) Size() int {
	return b.size
}

func (b *BTree) EntriesCnt() int {
	return b.tree.Len()
}
