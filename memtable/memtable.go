package memtable

// Constructor builds an empty memtable.
type Constructor func() MemTable

// MemTable is the bounded in-memory ordered stage absorbing recent writes.
// Deleted keys are kept as tombstone entries so a delete shadows older
// on-disk values until compacted away. Implementations are not safe for
// concurrent use; the engine serializes access.
type MemTable interface {
	// Put stores value under key, returning the previous value if the key
	// was already present as a live entry.
	Put(key, value []byte) (prev []byte, replaced bool)
	// Delete records a tombstone for key. It succeeds whether or not the
	// key was ever inserted, returning the previous live value if any.
	Delete(key []byte) (prev []byte, existed bool)
	// Get returns the entry for key. tombstone reports a recorded delete;
	// ok is false only when the memtable holds nothing for the key.
	Get(key []byte) (value []byte, tombstone bool, ok bool)
	// All returns every entry, tombstones included, in ascending key order.
	All() []*Entry
	// Size is the byte estimate of stored keys and values.
	Size() int
	// EntriesCnt is the number of entries, tombstones included.
	EntriesCnt() int
}

// Entry is one memtable record. A nil Value with Tombstone set records a
// delete.
type Entry struct {
	Key       []byte
	Value     []byte
	Tombstone bool
}
