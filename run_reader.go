package tierkv

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path"

	"github.com/cockroachdb/errors"

	"github.com/tierkv/tierkv/filter"
)

// RunReader serves point lookups and iteration over one published run. The
// footer, trailer and sparse index are parsed eagerly at open; data entries
// stay on disk. Lookups use ReadAt, so a reader is safe for concurrent Get
// calls and must never be mutated after construction.
type RunReader struct {
	conf *Config
	path string
	src  *os.File
	flt  filter.Filter

	size    uint64
	dataLen uint64
	index   []sparseIndexEntry

	minKey         []byte
	maxKey         []byte
	entryCount     int
	tombstoneCount int
	filterBitmap   []byte
}

func OpenRunReader(conf *Config, file string) (*RunReader, error) {
	filePath := path.Join(conf.Dir, file)
	src, err := os.OpenFile(filePath, os.O_RDONLY, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open run %s", file)
	}

	r := &RunReader{
		conf: conf,
		path: filePath,
		src:  src,
		flt:  conf.FilterConstructor(),
	}
	if err := r.parse(); err != nil {
		_ = src.Close()
		return nil, err
	}

	return r, nil
}

func (r *RunReader) parse() error {
	info, err := r.src.Stat()
	if err != nil {
		return errors.Wrapf(err, "stat run %s", r.path)
	}
	r.size = uint64(info.Size())
	if r.size < footerSize {
		return corruptionf("run %s: %d bytes, shorter than the footer", r.path, r.size)
	}

	footer := make([]byte, footerSize)
	if _, err := r.src.ReadAt(footer, info.Size()-footerSize); err != nil {
		return errors.Wrapf(err, "read footer of %s", r.path)
	}

	fields := bytes.NewReader(footer)
	dataLen, err1 := binary.ReadUvarint(fields)
	indexLen, err2 := binary.ReadUvarint(fields)
	trailerLen, err3 := binary.ReadUvarint(fields)
	checksum, err4 := binary.ReadUvarint(fields)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return corruptionf("run %s: malformed footer", r.path)
	}
	if dataLen+indexLen+trailerLen+footerSize != r.size {
		return corruptionf("run %s: region lengths %d+%d+%d disagree with file size %d",
			r.path, dataLen, indexLen, trailerLen, r.size)
	}
	r.dataLen = dataLen

	indexBytes := make([]byte, indexLen)
	if _, err := r.src.ReadAt(indexBytes, int64(dataLen)); err != nil {
		return errors.Wrapf(err, "read index of %s", r.path)
	}
	trailerBytes := make([]byte, trailerLen)
	if _, err := r.src.ReadAt(trailerBytes, int64(dataLen+indexLen)); err != nil {
		return errors.Wrapf(err, "read trailer of %s", r.path)
	}

	got := crc32.ChecksumIEEE(indexBytes)
	got = crc32.Update(got, crc32.IEEETable, trailerBytes)
	if uint64(got) != checksum {
		return corruptionf("run %s: checksum mismatch, footer %d computed %d", r.path, checksum, got)
	}

	if err := r.parseIndex(indexBytes); err != nil {
		return err
	}
	return r.parseTrailer(trailerBytes)
}

func (r *RunReader) parseIndex(indexBytes []byte) error {
	buf := bytes.NewBuffer(indexBytes)
	var prevOffset uint64
	for buf.Len() > 0 {
		key, err := readBlob(buf)
		if err != nil {
			return corruptionf("run %s: malformed index: %v", r.path, err)
		}
		offset, err := binary.ReadUvarint(buf)
		if err != nil {
			return corruptionf("run %s: malformed index offset: %v", r.path, err)
		}
		if offset > r.dataLen || (len(r.index) > 0 && offset <= prevOffset) {
			return corruptionf("run %s: index offset %d out of bounds", r.path, offset)
		}

		r.index = append(r.index, sparseIndexEntry{Key: key, Offset: offset})
		prevOffset = offset
	}

	if len(r.index) == 0 {
		return corruptionf("run %s: empty sparse index", r.path)
	}
	return nil
}

func (r *RunReader) parseTrailer(trailerBytes []byte) error {
	buf := bytes.NewBuffer(trailerBytes)

	var err error
	if r.minKey, err = readBlob(buf); err != nil {
		return corruptionf("run %s: malformed trailer min key: %v", r.path, err)
	}
	if r.maxKey, err = readBlob(buf); err != nil {
		return corruptionf("run %s: malformed trailer max key: %v", r.path, err)
	}

	entryCount, err := binary.ReadUvarint(buf)
	if err != nil {
		return corruptionf("run %s: malformed trailer entry count: %v", r.path, err)
	}
	tombstoneCount, err := binary.ReadUvarint(buf)
	if err != nil {
		return corruptionf("run %s: malformed trailer tombstone count: %v", r.path, err)
	}
	r.entryCount = int(entryCount)
	r.tombstoneCount = int(tombstoneCount)

	if r.filterBitmap, err = readBlob(buf); err != nil {
		return corruptionf("run %s: malformed trailer filter: %v", r.path, err)
	}
	return nil
}

// Get returns the entry stored for key in this run. ok false is a definite
// miss for this run only, never for the store.
func (r *RunReader) Get(key []byte) (value []byte, tombstone bool, ok bool, err error) {
	if bytes.Compare(key, r.minKey) < 0 || bytes.Compare(key, r.maxKey) > 0 {
		return nil, false, false, nil
	}
	if !r.flt.Exist(r.filterBitmap, key) {
		return nil, false, false, nil
	}

	blockStart, blockEnd, ok := r.bracket(key)
	if !ok {
		return nil, false, false, nil
	}

	block := make([]byte, blockEnd-blockStart)
	if _, err := r.src.ReadAt(block, int64(blockStart)); err != nil {
		// a reader raced shutdown, not a damaged file
		if errors.Is(err, os.ErrClosed) {
			return nil, false, false, ErrClosed
		}
		return nil, false, false, corruptionf("run %s: read block at %d: %v", r.path, blockStart, err)
	}

	buf := bytes.NewBuffer(block)
	for buf.Len() > 0 {
		entry, err := readRecord(buf)
		if err != nil {
			return nil, false, false, corruptionf("run %s: decode record in block at %d: %v", r.path, blockStart, err)
		}

		switch bytes.Compare(entry.Key, key) {
		case 0:
			return entry.Value, entry.Tombstone, true, nil
		case 1:
			return nil, false, false, nil
		}
	}

	return nil, false, false, nil
}

// bracket binary-searches the sparse index for the block that may hold key:
// the one starting at the greatest sampled key <= key.
func (r *RunReader) bracket(key []byte) (start, end uint64, ok bool) {
	lo, hi := 0, len(r.index)-1
	if bytes.Compare(key, r.index[0].Key) < 0 {
		return 0, 0, false
	}

	for lo < hi {
		mid := lo + (hi-lo+1)>>1
		if bytes.Compare(r.index[mid].Key, key) <= 0 {
			lo = mid
		} else {
			hi = mid - 1
		}
	}

	start = r.index[lo].Offset
	end = r.dataLen
	if lo+1 < len(r.index) {
		end = r.index[lo+1].Offset
	}
	return start, end, true
}

// Iter opens a fresh lazy iterator over the data region in key order. Each
// call returns an independent, restartable sequence on its own file handle.
func (r *RunReader) Iter() (*RunIterator, error) {
	src, err := os.OpenFile(r.path, os.O_RDONLY, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open run iterator %s", r.path)
	}

	return &RunIterator{
		path:   r.path,
		src:    src,
		reader: bufio.NewReader(io.LimitReader(src, int64(r.dataLen))),
	}, nil
}

func (r *RunReader) Close() {
	_ = r.src.Close()
}

// RunIterator yields the entries of one run in key order.
type RunIterator struct {
	path   string
	src    *os.File
	reader *bufio.Reader
	cur    Entry
	err    error
	done   bool
}

// Next advances to the next entry, reporting false at the end of the run or
// on error. Check Err after the loop.
func (it *RunIterator) Next() bool {
	if it.done {
		return false
	}

	entry, err := readRecord(it.reader)
	if errors.Is(err, io.EOF) {
		it.done = true
		return false
	}
	if err != nil {
		it.err = corruptionf("run %s: decode record: %v", it.path, err)
		it.done = true
		return false
	}

	it.cur = entry
	return true
}

func (it *RunIterator) Entry() Entry {
	return it.cur
}

func (it *RunIterator) Err() error {
	return it.err
}

func (it *RunIterator) Close() {
	_ = it.src.Close()
}

func readBlob(buf *bytes.Buffer) ([]byte, error) {
	blobLen, err := binary.ReadUvarint(buf)
	if err != nil {
		return nil, err
	}
	blob := make([]byte, blobLen)
	if _, err := io.ReadFull(buf, blob); err != nil {
		return nil, err
	}
	return blob, nil
}
