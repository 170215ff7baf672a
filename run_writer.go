package tierkv

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"os"
	"path"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/tierkv/tierkv/filter"
	"github.com/tierkv/tierkv/util"
)

// Run file layout:
//
//	data region    record stream (see entry.go)
//	index region   sparse index: [key_len][key][offset] per sampled record
//	trailer        [min_key_len][min_key][max_key_len][max_key]
//	               [entry_count][tombstone_count][filter_len][filter_bitmap]
//	footer         fixed 40 bytes: [data_len][index_len][trailer_len][crc32]
//	               as uvarints, zero padded; the crc covers index + trailer
//
// All lengths and counts are uvarints.
const footerSize = 40

type sparseIndexEntry struct {
	Key    []byte // key of the sampled record
	Offset uint64 // offset of that record in the data region
}

// RunWriter builds one immutable run. Entries must arrive in strictly
// increasing key order; the writer publishes nothing until Finish renames
// the temp file into place.
type RunWriter struct {
	conf    *Config
	id      uint64
	tmpPath string

	dest    *os.File
	dataBuf *bytes.Buffer
	scratch [2 * binary.MaxVarintLen64]byte

	flt    filter.Filter
	sparse []sparseIndexEntry

	entryCount     int
	tombstoneCount int
	minKey         []byte
	prevKey        []byte
}

// NewRunWriter opens a builder for run id. expectedEntries sizes the sparse
// index up front; 0 is allowed.
func NewRunWriter(conf *Config, id uint64, expectedEntries int) (*RunWriter, error) {
	tmpPath := path.Join(conf.Dir, uuid.NewString()+".tmp")
	dest, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "create run temp file %s", tmpPath)
	}

	return &RunWriter{
		conf:    conf,
		id:      id,
		tmpPath: tmpPath,
		dest:    dest,
		dataBuf: bytes.NewBuffer(nil),
		flt:     conf.FilterConstructor(),
		sparse:  make([]sparseIndexEntry, 0, expectedEntries/conf.SparseIndexInterval+1),
	}, nil
}

// Append adds the next entry. Keys out of order are a caller contract
// breach and fail fast.
func (w *RunWriter) Append(e Entry) error {
	if w.prevKey != nil && bytes.Compare(e.Key, w.prevKey) <= 0 {
		return errors.Wrapf(ErrKeyOrder,
			"append key %q not above previous key %q", e.Key, w.prevKey)
	}

	if w.entryCount%w.conf.SparseIndexInterval == 0 {
		w.sparse = append(w.sparse, sparseIndexEntry{
			Key:    util.CopyBytes(e.Key),
			Offset: uint64(w.dataBuf.Len()),
		})
	}

	appendRecord(w.dataBuf, w.scratch[:], e)
	w.flt.Add(e.Key)

	if w.entryCount == 0 {
		w.minKey = util.CopyBytes(e.Key)
	}
	w.prevKey = util.CopyBytes(e.Key)
	w.entryCount++
	if e.Tombstone {
		w.tombstoneCount++
	}
	return nil
}

// Finish writes the index, trailer and footer, fsyncs, and atomically
// renames the file to its published name. On any error the temp file is
// removed and nothing becomes visible.
func (w *RunWriter) Finish() (RunMeta, error) {
	if w.entryCount == 0 {
		w.Abort()
		return RunMeta{}, errors.New("run must hold at least one entry")
	}

	indexBytes := w.encodeIndex()
	trailerBytes := w.encodeTrailer()

	checksum := crc32.ChecksumIEEE(indexBytes)
	checksum = crc32.Update(checksum, crc32.IEEETable, trailerBytes)

	footer := make([]byte, footerSize)
	n := binary.PutUvarint(footer[0:], uint64(w.dataBuf.Len()))
	n += binary.PutUvarint(footer[n:], uint64(len(indexBytes)))
	n += binary.PutUvarint(footer[n:], uint64(len(trailerBytes)))
	binary.PutUvarint(footer[n:], uint64(checksum))

	size := uint64(w.dataBuf.Len() + len(indexBytes) + len(trailerBytes) + footerSize)

	if err := w.writeAll(w.dataBuf.Bytes(), indexBytes, trailerBytes, footer); err != nil {
		w.Abort()
		return RunMeta{}, err
	}
	if err := w.dest.Sync(); err != nil {
		w.Abort()
		return RunMeta{}, errors.Wrapf(err, "sync run %d", w.id)
	}
	if err := w.dest.Close(); err != nil {
		_ = os.Remove(w.tmpPath)
		return RunMeta{}, errors.Wrapf(err, "close run %d", w.id)
	}

	destPath := path.Join(w.conf.Dir, runFileName(w.id))
	if err := os.Rename(w.tmpPath, destPath); err != nil {
		_ = os.Remove(w.tmpPath)
		return RunMeta{}, errors.Wrapf(err, "publish run %d", w.id)
	}

	return RunMeta{
		ID:             w.id,
		Size:           size,
		EntryCount:     w.entryCount,
		TombstoneCount: w.tombstoneCount,
		MinKey:         w.minKey,
		MaxKey:         w.prevKey,
	}, nil
}

// Abort discards the partially written run.
func (w *RunWriter) Abort() {
	_ = w.dest.Close()
	_ = os.Remove(w.tmpPath)
}

func (w *RunWriter) encodeIndex() []byte {
	buf := bytes.NewBuffer(nil)
	for _, entry := range w.sparse {
		n := binary.PutUvarint(w.scratch[0:], uint64(len(entry.Key)))
		_, _ = buf.Write(w.scratch[:n])
		_, _ = buf.Write(entry.Key)
		n = binary.PutUvarint(w.scratch[0:], entry.Offset)
		_, _ = buf.Write(w.scratch[:n])
	}
	return buf.Bytes()
}

func (w *RunWriter) encodeTrailer() []byte {
	buf := bytes.NewBuffer(nil)
	writeBlob := func(b []byte) {
		n := binary.PutUvarint(w.scratch[0:], uint64(len(b)))
		_, _ = buf.Write(w.scratch[:n])
		_, _ = buf.Write(b)
	}

	writeBlob(w.minKey)
	writeBlob(w.prevKey) // max key

	n := binary.PutUvarint(w.scratch[0:], uint64(w.entryCount))
	n += binary.PutUvarint(w.scratch[n:], uint64(w.tombstoneCount))
	_, _ = buf.Write(w.scratch[:n])

	writeBlob(w.flt.Hash())
	return buf.Bytes()
}

func (w *RunWriter) writeAll(regions ...[]byte) error {
	for _, region := range regions {
		if _, err := w.dest.Write(region); err != nil {
			return errors.Wrapf(err, "write run %d", w.id)
		}
	}
	return nil
}
