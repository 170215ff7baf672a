package memtable

import (
	"bytes"
	"math/rand"
	"time"

	"github.com/tierkv/tierkv/util"
)

// Skiplist memtable. Not safe for concurrent use.
type Skiplist struct {
	head       *skipNode
	entriesCnt int
	size       int // stored key + value bytes
	rng        *rand.Rand
}

type skipNode struct {
	nexts      []*skipNode
	key, value []byte
	tombstone  bool
}

// NewSkiplist builds a skiplist memtable with a time-seeded height source.
func NewSkiplist() MemTable {
	return NewSeededSkiplist(time.Now().UnixNano())
}

// NewSeededSkiplist builds a skiplist whose node heights come from an
// explicit per-instance seed, so tests are reproducible.
func NewSeededSkiplist(seed int64) MemTable {
	return &Skiplist{
		head: &skipNode{},
		rng:  rand.New(rand.NewSource(seed)),
	}
}

func (s *Skiplist) Put(key, value []byte) (prev []byte, replaced bool) {
	if node := s.getNode(key); node != nil {
		if !node.tombstone {
			prev, replaced = node.value, true
		}
		s.size += len(value) - len(node.value)
		node.value = util.CopyBytes(value)
		node.tombstone = false
		return prev, replaced
	}

	s.insertNode(key, util.CopyBytes(value), false)
	return nil, false
}

func (s *Skiplist) Delete(key []byte) (prev []byte, existed bool) {
	if node := s.getNode(key); node != nil {
		if !node.tombstone {
			prev, existed = node.value, true
		}
		s.size -= len(node.value)
		node.value = nil
		node.tombstone = true
		return prev, existed
	}

	// A delete of a never-seen key still records a tombstone: an older run
	// may hold a value that must be shadowed.
	s.insertNode(key, nil, true)
	return nil, false
}

func (s *Skiplist) Get(key []byte) (value []byte, tombstone, ok bool) {
	if node := s.getNode(key); node != nil {
		return node.value, node.tombstone, true
	}
	return nil, false, false
}

func (s *Skiplist) All() []*Entry {
	if len(s.head.nexts) == 0 {
		return nil
	}

	entries := make([]*Entry, 0, s.entriesCnt)
	for move := s.head; move.nexts[0] != nil; move = move.nexts[0] {
		entries = append(entries, &Entry{
			Key:       move.nexts[0].key,
			Value:     move.nexts[0].value,
			Tombstone: move.nexts[0].tombstone,
		})
	}

	return entries
}

func (s *Skiplist) Size() int {
	return s.size
}

func (s *Skiplist) EntriesCnt() int {
	return s.entriesCnt
}

func (s *Skiplist) insertNode(key, value []byte, tombstone bool) {
	s.size += len(key) + len(value)
	s.entriesCnt++
	newNodeHeight := s.roll()

	if len(s.head.nexts) < newNodeHeight {
		dif := make([]*skipNode, newNodeHeight-len(s.head.nexts))
		s.head.nexts = append(s.head.nexts, dif...)
	}

	newNode := skipNode{
		nexts:     make([]*skipNode, newNodeHeight),
		key:       util.CopyBytes(key),
		value:     value,
		tombstone: tombstone,
	}

	move := s.head
	for level := newNodeHeight - 1; level >= 0; level-- {
		for move.nexts[level] != nil && bytes.Compare(move.nexts[level].key, key) < 0 {
			move = move.nexts[level]
		}

		newNode.nexts[level] = move.nexts[level]
		move.nexts[level] = &newNode
	}
}

func (s *Skiplist) getNode(key []byte) *skipNode {
	move := s.head
	for level := len(s.head.nexts) - 1; level >= 0; level-- {
		for move.nexts[level] != nil && bytes.Compare(move.nexts[level].key, key) < 0 {
			move = move.nexts[level]
		}
		if move.nexts[level] != nil && bytes.Equal(move.nexts[level].key, key) {
			return move.nexts[level]
		}
	}

	return nil
}

// roll a node height: minimum 1, each extra level with probability 1/2.
func (s *Skiplist) roll() int {
	var level int
	for s.rng.Intn(2) == 1 {
		level++
	}
	return level + 1
}
