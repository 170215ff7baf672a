package tierkv

import (
	"os"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/tierkv/tierkv/wal"
)

// restoreRuns rebuilds the run collection from a directory scan. Each run
// file's own trailer is the manifest; stray temp files from a crashed
// builder are swept away, since an unrenamed output was never published.
func (t *Tree) restoreRuns() error {
	dirEntries, err := os.ReadDir(t.conf.Dir)
	if err != nil {
		return errors.Wrapf(err, "scan store dir %s", t.conf.Dir)
	}

	var ids []uint64
	for _, dirEntry := range dirEntries {
		if dirEntry.IsDir() {
			continue
		}

		if strings.HasSuffix(dirEntry.Name(), ".tmp") {
			_ = os.Remove(path.Join(t.conf.Dir, dirEntry.Name()))
			continue
		}

		if id, ok := runFileID(dirEntry.Name()); ok {
			ids = append(ids, id)
		}
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		run, err := OpenRun(t.conf, id)
		if err != nil {
			return err
		}
		t.runs = append(t.runs, run)
	}

	if len(ids) > 0 {
		t.seq.Store(ids[len(ids)-1])
	}
	return nil
}

// restoreMemTables rebuilds the memory stage from the wal files. The
// highest-index wal becomes the active memtable; every earlier one becomes
// a read-only memtable re-queued for flushing.
func (t *Tree) restoreMemTables() error {
	raw, err := os.ReadDir(t.conf.walDir())
	if err != nil {
		return errors.Wrapf(err, "scan wal dir %s", t.conf.walDir())
	}

	var wals []os.DirEntry
	for _, dirEntry := range raw {
		if dirEntry.IsDir() || !strings.HasSuffix(dirEntry.Name(), ".wal") {
			continue
		}
		wals = append(wals, dirEntry)
	}

	if len(wals) == 0 {
		t.dataLock.Lock()
		t.newMemTableLocked()
		t.dataLock.Unlock()
		return nil
	}

	// wal index increases with recency
	sort.Slice(wals, func(i, j int) bool {
		return walFileToMemTableIndex(wals[i].Name()) < walFileToMemTableIndex(wals[j].Name())
	})

	for i, entry := range wals {
		name := entry.Name()
		file := path.Join(t.conf.walDir(), name)

		walReader, err := wal.NewReader(file)
		if err != nil {
			return err
		}

		memTable := t.conf.MemTableConstructor()
		err = walReader.RestoreToMemtable(memTable)
		walReader.Close()
		if err != nil {
			return errors.Wrapf(err, "replay wal %s", file)
		}

		if i == len(wals)-1 {
			// most recent wal backs the active memtable again
			t.dataLock.Lock()
			t.memTable = memTable
			t.memTableIndex = walFileToMemTableIndex(name)
			t.walWriter, err = wal.NewWriter(file)
			t.dataLock.Unlock()
			if err != nil {
				return err
			}
			continue
		}

		item := memCompactItem{
			walFile:  file,
			memTable: memTable,
		}

		t.dataLock.Lock()
		t.rOnly = append(t.rOnly, &item)
		t.dataLock.Unlock()

		select {
		case t.flushC <- &item:
		case <-t.stopc:
			return nil
		}
	}
	return nil
}

func walFileToMemTableIndex(walFile string) int {
	rawIndex := strings.Replace(walFile, ".wal", "", -1)
	index, _ := strconv.Atoi(rawIndex)
	return index
}
