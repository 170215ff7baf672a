package tierkv

import (
	"fmt"
	"path"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/tierkv/tierkv/memtable"
	"github.com/tierkv/tierkv/wal"
)

// Tree is the storage engine: a write-ahead-logged memory stage in front of
// an ordered collection of immutable on-disk runs, with a maintenance
// goroutine flushing full memtables and consulting the compaction policy.
type Tree struct {
	conf   *Config
	logger *zap.Logger

	// guards the active memtable, the read-only memtable list and the wal
	// writer
	dataLock      sync.RWMutex
	memTable      memtable.MemTable
	rOnly         []*memCompactItem
	walWriter     *wal.Writer
	walErr        error // latched wal open failure, returned by mutations
	memTableIndex int

	// guards the run list; swapped whole so readers never see a half
	// updated collection
	runLock sync.RWMutex
	runs    []*Run // ascending by id, newest last

	// readers retired by compaction; their files may be gone but in-flight
	// gets still hold them, so they are closed only at shutdown
	retiredLock sync.Mutex
	retired     []*Run

	seq atomic.Uint64 // last assigned run sequence number

	flushC   chan *memCompactItem
	compactC chan struct{}
	stopc    chan struct{}
	wg       sync.WaitGroup

	flushMu   sync.Mutex // serializes run publication from flushes
	compactMu sync.Mutex // at most one compaction at a time
	closed    atomic.Bool
}

type memCompactItem struct {
	walFile  string
	memTable memtable.MemTable
	flushed  bool // guarded by Tree.flushMu
}

// Open creates or opens a store in dir. Existing runs are restored from a
// directory scan, the memory stage from the write-ahead logs.
func Open(dir string, opts ...ConfigOption) (*Tree, error) {
	conf, err := NewConfig(dir, opts...)
	if err != nil {
		return nil, err
	}
	return OpenWithConfig(conf)
}

func OpenWithConfig(conf *Config) (*Tree, error) {
	t := Tree{
		conf:     conf,
		logger:   conf.Logger,
		flushC:   make(chan *memCompactItem),
		compactC: make(chan struct{}, 1),
		stopc:    make(chan struct{}),
	}

	if err := t.restoreRuns(); err != nil {
		return nil, err
	}

	// the maintenance goroutine must be consuming before wal restore, which
	// re-queues unflushed memtables
	t.wg.Add(1)
	go t.maintain()

	if err := t.restoreMemTables(); err != nil {
		t.Close()
		return nil, err
	}

	return &t, nil
}

// Put stores value under key. It returns the previous value as known to the
// memory stage, if any.
func (t *Tree) Put(key, value []byte) ([]byte, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}

	t.dataLock.Lock()
	defer t.dataLock.Unlock()

	if t.walWriter == nil {
		return nil, t.walErr
	}
	if err := t.walWriter.Write(key, value, false); err != nil {
		return nil, err
	}

	prev, _ := t.memTable.Put(key, value)

	if t.memTableFullLocked() {
		t.rotateMemTableLocked()
	}
	return prev, nil
}

// Delete records a tombstone for key, shadowing any older on-disk value. It
// succeeds whether or not the key was ever inserted.
func (t *Tree) Delete(key []byte) ([]byte, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}

	t.dataLock.Lock()
	defer t.dataLock.Unlock()

	if t.walWriter == nil {
		return nil, t.walErr
	}
	if err := t.walWriter.Write(key, nil, true); err != nil {
		return nil, err
	}

	prev, _ := t.memTable.Delete(key)

	if t.memTableFullLocked() {
		t.rotateMemTableLocked()
	}
	return prev, nil
}

// Get returns the latest value for key, probing the memory stage first and
// then the runs newest to oldest. The newest tombstone shadows everything
// older.
func (t *Tree) Get(key []byte) ([]byte, bool, error) {
	if t.closed.Load() {
		return nil, false, ErrClosed
	}

	t.dataLock.RLock()
	if value, tombstone, ok := t.memTable.Get(key); ok {
		t.dataLock.RUnlock()
		return valueOrMiss(value, tombstone)
	}

	// read-only memtables: higher index = written later = wins
	for i := len(t.rOnly) - 1; i >= 0; i-- {
		if value, tombstone, ok := t.rOnly[i].memTable.Get(key); ok {
			t.dataLock.RUnlock()
			return valueOrMiss(value, tombstone)
		}
	}
	t.dataLock.RUnlock()

	t.runLock.RLock()
	runs := make([]*Run, len(t.runs))
	copy(runs, t.runs)
	t.runLock.RUnlock()

	for i := len(runs) - 1; i >= 0; i-- {
		value, tombstone, ok, err := runs[i].Get(key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return valueOrMiss(value, tombstone)
		}
	}

	return nil, false, nil
}

func valueOrMiss(value []byte, tombstone bool) ([]byte, bool, error) {
	if tombstone {
		return nil, false, nil
	}
	return value, true, nil
}

// Flush synchronously persists the memory stage: the active memtable is
// rotated out and every pending read-only memtable is written to a run
// before Flush returns. A failed flush keeps the memtable contents and wal,
// so it is retryable.
func (t *Tree) Flush() error {
	if t.closed.Load() {
		return ErrClosed
	}

	t.dataLock.Lock()
	if t.memTable.EntriesCnt() > 0 {
		t.rotateMemTableLocked()
	}
	t.dataLock.Unlock()

	return t.flushPending()
}

// RunCount reports the number of published runs.
func (t *Tree) RunCount() int {
	t.runLock.RLock()
	defer t.runLock.RUnlock()
	return len(t.runs)
}

// Close stops the maintenance goroutine and releases every file handle.
// Unflushed memtable contents stay recoverable through their wal files.
func (t *Tree) Close() {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}

	close(t.stopc)
	t.wg.Wait()

	t.dataLock.Lock()
	if t.walWriter != nil {
		t.walWriter.Close()
	}
	t.dataLock.Unlock()

	t.runLock.Lock()
	for _, run := range t.runs {
		run.Close()
	}
	t.runs = nil
	t.runLock.Unlock()

	t.retiredLock.Lock()
	for _, run := range t.retired {
		run.Close()
	}
	t.retired = nil
	t.retiredLock.Unlock()
}

func (t *Tree) memTableFullLocked() bool {
	if t.conf.MemTableMaxEntries > 0 && t.memTable.EntriesCnt() >= t.conf.MemTableMaxEntries {
		return true
	}
	return t.conf.MemTableMaxBytes > 0 && uint64(t.memTable.Size()) >= t.conf.MemTableMaxBytes
}

// rotateMemTableLocked swaps the active memtable for an empty one and hands
// the old one to the flush worker. Its contents stay readable through the
// read-only list until the run is published.
func (t *Tree) rotateMemTableLocked() {
	oldItem := memCompactItem{
		walFile:  t.walFile(),
		memTable: t.memTable,
	}
	t.rOnly = append(t.rOnly, &oldItem)
	t.walWriter.Close()

	go func() {
		select {
		case t.flushC <- &oldItem:
		case <-t.stopc:
		}
	}()

	t.memTableIndex++
	t.newMemTableLocked()
}

func (t *Tree) newMemTableLocked() {
	writer, err := wal.NewWriter(t.walFile())
	if err != nil {
		t.logger.Error("open wal writer", zap.String("file", t.walFile()), zap.Error(err))
		t.walErr = errors.Wrapf(err, "open wal %s", t.walFile())
	} else {
		t.walErr = nil
	}
	t.walWriter = writer
	t.memTable = t.conf.MemTableConstructor()
}

func (t *Tree) retire(run *Run) {
	t.retiredLock.Lock()
	t.retired = append(t.retired, run)
	t.retiredLock.Unlock()
}

func (t *Tree) walFile() string {
	return path.Join(t.conf.walDir(), fmt.Sprintf("%d.wal", t.memTableIndex))
}
