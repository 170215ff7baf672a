package tierkv

import (
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
)

// Run is one immutable on-disk sorted run: metadata plus a shared reader.
// Published runs are never mutated; a run is destroyed only after a
// compaction that subsumes it has durably published its replacement.
type Run struct {
	conf   *Config
	file   string
	meta   RunMeta
	reader *RunReader
}

// OpenRun opens the published run with the given sequence number,
// reconstructing its metadata from the file's own trailer.
func OpenRun(conf *Config, id uint64) (*Run, error) {
	file := runFileName(id)
	reader, err := OpenRunReader(conf, file)
	if err != nil {
		return nil, err
	}

	return &Run{
		conf: conf,
		file: file,
		meta: RunMeta{
			ID:             id,
			Size:           reader.size,
			EntryCount:     reader.entryCount,
			TombstoneCount: reader.tombstoneCount,
			MinKey:         reader.minKey,
			MaxKey:         reader.maxKey,
		},
		reader: reader,
	}, nil
}

func (r *Run) ID() uint64 {
	return r.meta.ID
}

func (r *Run) Meta() RunMeta {
	return r.meta
}

// Get probes this run for key. A miss here says nothing about older runs.
func (r *Run) Get(key []byte) (value []byte, tombstone bool, ok bool, err error) {
	return r.reader.Get(key)
}

// Iter opens a fresh iterator over the run's entries in key order.
func (r *Run) Iter() (*RunIterator, error) {
	return r.reader.Iter()
}

func (r *Run) Close() {
	r.reader.Close()
}

// Destroy closes the reader and removes the backing file. Only called once
// a replacement run is durably published.
func (r *Run) Destroy() {
	r.reader.Close()
	_ = os.Remove(path.Join(r.conf.Dir, r.file))
}

func runFileName(id uint64) string {
	return fmt.Sprintf("%d.run", id)
}

func runFileID(file string) (uint64, bool) {
	raw, found := strings.CutSuffix(file, ".run")
	if !found {
		return 0, false
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
