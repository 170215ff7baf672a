package wal

import (
	"encoding/binary"
	"os"

	"github.com/golang/snappy"
)

const (
	flagValue     = 0
	flagTombstone = 1
)

// Writer appends records to a write-ahead log so the memtable can be
// rebuilt after an ungraceful shutdown. Each record is
// [uvarint compressed_len][snappy([uvarint key_len][flag][uvarint value_len][key][value])].
type Writer struct {
	file         string // absolute path of the log file
	dest         *os.File
	assistBuffer [30]byte
}

func NewWriter(file string) (*Writer, error) {
	dest, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	return &Writer{
		file: file,
		dest: dest,
	}, nil
}

// Write appends one record. A tombstone record carries no value bytes.
func (w *Writer) Write(key, value []byte, tombstone bool) error {
	flag := byte(flagValue)
	if tombstone {
		flag = flagTombstone
		value = nil
	}

	n := binary.PutUvarint(w.assistBuffer[0:], uint64(len(key)))
	w.assistBuffer[n] = flag
	n++
	n += binary.PutUvarint(w.assistBuffer[n:], uint64(len(value)))

	record := make([]byte, 0, n+len(key)+len(value))
	record = append(record, w.assistBuffer[:n]...)
	record = append(record, key...)
	record = append(record, value...)

	compressed := snappy.Encode(nil, record)
	var frame []byte
	m := binary.PutUvarint(w.assistBuffer[0:], uint64(len(compressed)))
	frame = append(frame, w.assistBuffer[:m]...)
	frame = append(frame, compressed...)

	_, err := w.dest.Write(frame)
	return err
}

func (w *Writer) Close() {
	_ = w.dest.Close()
}
