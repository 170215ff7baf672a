package tierkv

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
)

// Entry is one logical record of a run: a key and either a value or a
// tombstone recording that the key was deleted.
type Entry struct {
	Key       []byte
	Value     []byte
	Tombstone bool
}

// On-disk record layout, shared by every run file:
//
//	[key_len][key_bytes][value_field][value_bytes]
//
// key_len and value_field are uvarints. value_field 0 is the tombstone
// marker; otherwise value_field = len(value) + 1.
const tombstoneMarker = 0

// appendRecord encodes e onto buf. scratch must hold at least
// 2*binary.MaxVarintLen64 bytes and is reused across calls.
func appendRecord(buf *bytes.Buffer, scratch []byte, e Entry) {
	n := binary.PutUvarint(scratch[0:], uint64(len(e.Key)))
	_, _ = buf.Write(scratch[:n])
	_, _ = buf.Write(e.Key)

	if e.Tombstone {
		n = binary.PutUvarint(scratch[0:], tombstoneMarker)
	} else {
		n = binary.PutUvarint(scratch[0:], uint64(len(e.Value))+1)
	}
	_, _ = buf.Write(scratch[:n])
	if !e.Tombstone {
		_, _ = buf.Write(e.Value)
	}
}

type recordReader interface {
	io.Reader
	io.ByteReader
}

// readRecord decodes the next record from r. A clean io.EOF on the first
// byte means the region is exhausted; any mid-record EOF is corruption for
// the caller to classify.
func readRecord(r recordReader) (Entry, error) {
	keyLen, err := binary.ReadUvarint(r)
	if err != nil {
		return Entry{}, err
	}

	key := make([]byte, keyLen)
	if _, err = io.ReadFull(r, key); err != nil {
		return Entry{}, eofIsUnexpected(err)
	}

	valueField, err := binary.ReadUvarint(r)
	if err != nil {
		return Entry{}, eofIsUnexpected(err)
	}

	if valueField == tombstoneMarker {
		return Entry{Key: key, Tombstone: true}, nil
	}

	value := make([]byte, valueField-1)
	if _, err = io.ReadFull(r, value); err != nil {
		return Entry{}, eofIsUnexpected(err)
	}

	return Entry{Key: key, Value: value}, nil
}

func eofIsUnexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
