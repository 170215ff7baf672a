package tierkv

import (
	"os"
	"path"
	"sort"

	"go.uber.org/zap"

	"github.com/tierkv/tierkv/memtable"
)

// maintain is the single background maintenance goroutine: it flushes
// rotated memtables to runs and, after each new run, consults the
// compaction policy.
func (t *Tree) maintain() {
	defer t.wg.Done()

	for {
		select {
		case <-t.stopc:
			return
		case <-t.flushC:
			if err := t.flushPending(); err != nil {
				t.logger.Error("memtable flush failed", zap.Error(err))
				continue
			}
			if t.conf.AutoCompact {
				t.triggerCompact()
			}
		case <-t.compactC:
			if err := t.CompactOnce(); err != nil {
				t.logger.Error("compaction failed", zap.Error(err))
			}
		}
	}
}

func (t *Tree) triggerCompact() {
	select {
	case t.compactC <- struct{}{}:
	default: // one pending consultation is enough
	}
}

// flushPending writes every rotated memtable to a run, oldest first so run
// sequence numbers preserve write order. Shared by the worker and the
// synchronous Flush path; the flushed flag makes the two idempotent.
func (t *Tree) flushPending() error {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	t.dataLock.RLock()
	pending := make([]*memCompactItem, len(t.rOnly))
	copy(pending, t.rOnly)
	t.dataLock.RUnlock()

	for _, item := range pending {
		if item.flushed {
			continue
		}
		if err := t.flushItem(item); err != nil {
			return err
		}
	}
	return nil
}

// flushItem drains one read-only memtable into a new run. On failure the
// memtable stays in the read-only list and its wal file survives, so the
// store is unchanged and the flush retryable.
func (t *Tree) flushItem(item *memCompactItem) error {
	entries := item.memTable.All()
	if len(entries) == 0 {
		t.removeROnly(item)
		_ = os.Remove(item.walFile)
		item.flushed = true
		return nil
	}

	id := t.seq.Add(1)
	writer, err := NewRunWriter(t.conf, id, len(entries))
	if err != nil {
		return err
	}

	for _, e := range entries {
		if err := writer.Append(Entry{Key: e.Key, Value: e.Value, Tombstone: e.Tombstone}); err != nil {
			writer.Abort()
			return err
		}
	}

	meta, err := writer.Finish()
	if err != nil {
		return err
	}

	run, err := OpenRun(t.conf, id)
	if err != nil {
		return err
	}

	t.runLock.Lock()
	t.runs = append(t.runs, run)
	t.runLock.Unlock()

	t.removeROnly(item)
	item.flushed = true

	// the run is durable, the wal has nothing left to protect
	_ = os.Remove(item.walFile)

	t.logger.Info("flushed memtable",
		zap.Uint64("run", id),
		zap.Int("entries", meta.EntryCount),
		zap.Uint64("bytes", meta.Size))
	return nil
}

func (t *Tree) removeROnly(item *memCompactItem) {
	t.dataLock.Lock()
	for i := 0; i < len(t.rOnly); i++ {
		if t.rOnly[i] == item {
			t.rOnly = append(t.rOnly[:i], t.rOnly[i+1:]...)
			break
		}
	}
	t.dataLock.Unlock()
}

// CompactOnce consults the compaction policy once and performs every merge
// it selects. With no eligible merge set it is a no-op. At most one
// compaction runs at a time; flushes may keep publishing newer runs
// concurrently.
func (t *Tree) CompactOnce() error {
	if t.closed.Load() {
		return ErrClosed
	}

	t.compactMu.Lock()
	defer t.compactMu.Unlock()

	t.runLock.RLock()
	metas := make([]RunMeta, 0, len(t.runs))
	for _, run := range t.runs {
		metas = append(metas, run.Meta())
	}
	t.runLock.RUnlock()

	for _, set := range t.conf.Strategy.SelectMergeSets(metas) {
		if err := t.mergeSet(set); err != nil {
			return err
		}
	}
	return nil
}

// mergeSet merges the selected runs into one new run carrying the id of the
// newest input, so anything published after the policy snapshot stays
// newer. Input files are removed only after the replacement is durably
// published; the output subsumes every input, so a crash between the rename
// and the removals leaves only redundant shadowed files behind.
func (t *Tree) mergeSet(set MergeSet) error {
	if len(set) == 0 {
		return nil
	}

	wanted := make(map[uint64]bool, len(set))
	for _, id := range set {
		wanted[id] = true
	}

	var newestID uint64
	for _, id := range set {
		if id > newestID {
			newestID = id
		}
	}

	t.runLock.RLock()
	members := make([]*Run, 0, len(set))
	runsAtOrBelow := 0
	for _, run := range t.runs {
		if wanted[run.ID()] {
			members = append(members, run)
		}
		if run.ID() <= newestID {
			runsAtOrBelow++
		}
	}
	t.runLock.RUnlock()

	// a stale selection (inputs already merged away) is skipped, not failed
	if len(members) != len(set) {
		return nil
	}

	// tombstones are shed only on a single-run rewrite of the oldest run:
	// the rename over its own file is atomic, so an interrupted compaction
	// can never leave an older generation behind for a dropped tombstone to
	// unshadow. Multi-run merges keep their tombstones; the lonely-rewrite
	// pass sheds them once the run is the oldest.
	dropTombstones := len(members) == 1 && runsAtOrBelow == 1

	merged, err := t.mergeMembers(members)
	if err != nil {
		return err
	}

	survivors := merged.All()
	if dropTombstones {
		survivors = withoutTombstones(survivors)
	}

	outID := members[len(members)-1].ID()
	if len(survivors) == 0 {
		t.swapRuns(members, nil)
		for _, member := range members {
			_ = os.Remove(path.Join(t.conf.Dir, member.file))
			t.retire(member)
		}
		return nil
	}

	writer, err := NewRunWriter(t.conf, outID, len(survivors))
	if err != nil {
		return err
	}
	for _, e := range survivors {
		if err := writer.Append(Entry{Key: e.Key, Value: e.Value, Tombstone: e.Tombstone}); err != nil {
			writer.Abort()
			return err
		}
	}

	// Finish renames over the newest input's file: the replacement becomes
	// visible in the directory in one atomic step
	meta, err := writer.Finish()
	if err != nil {
		return err
	}

	newRun, err := OpenRun(t.conf, outID)
	if err != nil {
		return err
	}

	t.swapRuns(members, newRun)

	for _, member := range members {
		if member.ID() != outID {
			_ = os.Remove(path.Join(t.conf.Dir, member.file))
		}
		// in-flight gets may still hold the old readers; closed at shutdown
		t.retire(member)
	}

	t.logger.Info("compacted runs",
		zap.Int("inputs", len(members)),
		zap.Uint64("run", outID),
		zap.Int("entries", meta.EntryCount),
		zap.Uint64("bytes", meta.Size))
	return nil
}

// mergeMembers replays the member runs oldest to newest into a fresh
// memtable, so later entries overwrite earlier ones and the drain comes out
// sorted with newest-wins semantics.
func (t *Tree) mergeMembers(members []*Run) (memtable.MemTable, error) {
	merged := t.conf.MemTableConstructor()
	for _, member := range members {
		it, err := member.Iter()
		if err != nil {
			return nil, err
		}
		for it.Next() {
			e := it.Entry()
			if e.Tombstone {
				merged.Delete(e.Key)
			} else {
				merged.Put(e.Key, e.Value)
			}
		}
		err = it.Err()
		it.Close()
		if err != nil {
			return nil, err
		}
	}
	return merged, nil
}

func withoutTombstones(entries []*memtable.Entry) []*memtable.Entry {
	survivors := entries[:0]
	for _, e := range entries {
		if !e.Tombstone {
			survivors = append(survivors, e)
		}
	}
	return survivors
}

// swapRuns atomically replaces the member runs with the merged run (nil for
// none) in the run list, keeping it ordered by id.
func (t *Tree) swapRuns(members []*Run, replacement *Run) {
	drop := make(map[uint64]bool, len(members))
	for _, member := range members {
		drop[member.ID()] = true
	}

	t.runLock.Lock()
	kept := make([]*Run, 0, len(t.runs))
	for _, run := range t.runs {
		if !drop[run.ID()] {
			kept = append(kept, run)
		}
	}
	if replacement != nil {
		kept = append(kept, replacement)
		sort.Slice(kept, func(i, j int) bool { return kept[i].ID() < kept[j].ID() })
	}
	t.runs = kept
	t.runLock.Unlock()
}
