package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"

	"github.com/golang/snappy"

	"github.com/tierkv/tierkv/memtable"
)

type Reader struct {
	file   string
	src    *os.File
	reader *bufio.Reader
}

func NewReader(file string) (*Reader, error) {
	src, err := os.OpenFile(file, os.O_RDONLY, 0644)
	if err != nil {
		return nil, err
	}

	return &Reader{
		file:   file,
		src:    src,
		reader: bufio.NewReader(src),
	}, nil
}

// RestoreToMemtable replays every record in the log into memTable in write
// order, so the memtable ends up exactly as it was before the shutdown.
func (r *Reader) RestoreToMemtable(memTable memtable.MemTable) error {
	entries, err := r.readAll()
	if err != nil {
		return err
	}

	defer func() {
		_, _ = r.src.Seek(0, io.SeekStart)
		r.reader.Reset(r.src)
	}()

	for _, entry := range entries {
		if entry.Tombstone {
			memTable.Delete(entry.Key)
		} else {
			memTable.Put(entry.Key, entry.Value)
		}
	}

	return nil
}

func (r *Reader) readAll() ([]*memtable.Entry, error) {
	var entries []*memtable.Entry
	for {
		frameLen, err := binary.ReadUvarint(r.reader)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		compressed := make([]byte, frameLen)
		if _, err = io.ReadFull(r.reader, compressed); err != nil {
			return nil, err
		}

		record, err := snappy.Decode(nil, compressed)
		if err != nil {
			return nil, err
		}

		entry, err := decodeRecord(record)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

func decodeRecord(record []byte) (*memtable.Entry, error) {
	buf := bytes.NewBuffer(record)

	keyLen, err := binary.ReadUvarint(buf)
	if err != nil {
		return nil, err
	}

	flag, err := buf.ReadByte()
	if err != nil {
		return nil, err
	}

	valLen, err := binary.ReadUvarint(buf)
	if err != nil {
		return nil, err
	}

	key := make([]byte, keyLen)
	if _, err = io.ReadFull(buf, key); err != nil {
		return nil, err
	}

	value := make([]byte, valLen)
	if _, err = io.ReadFull(buf, value); err != nil {
		return nil, err
	}

	return &memtable.Entry{
		Key:       key,
		Value:     value,
		Tombstone: flag == flagTombstone,
	}, nil
}

func (r *Reader) Close() {
	r.reader.Reset(r.src)
	_ = r.src.Close()
}
