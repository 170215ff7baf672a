package filter

import (
	"fmt"
	"testing"
)

func Test_BloomFilter_Add_Exist(t *testing.T) {
	m := 64
	bf, err := NewBloomFilter(m)
	if err != nil {
		t.Error(err)
		return
	}

	keys := [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d")}
	for _, key := range keys {
		bf.Add(key)
	}

	bitmap := bf.Hash()
	for _, key := range keys {
		if ok := bf.Exist(bitmap, key); !ok {
			t.Errorf("key: %s, expect: true, got: false", key)
		}
	}
}

func Test_BloomFilter_Reset(t *testing.T) {
	bf, err := NewBloomFilter(64)
	if err != nil {
		t.Error(err)
		return
	}

	bf.Add([]byte("a"))
	bf.Add([]byte("b"))
	if bf.KeyLen() != 2 {
		t.Errorf("expect key len: 2, got: %d", bf.KeyLen())
	}

	bf.Reset()
	if bf.KeyLen() != 0 {
		t.Errorf("expect key len: 0, got: %d", bf.KeyLen())
	}
}

func Test_BloomFilter_FalsePositiveRate(t *testing.T) {
	bf, err := NewBloomFilter(8 * 1024)
	if err != nil {
		t.Error(err)
		return
	}

	for i := 0; i < 1000; i++ {
		bf.Add([]byte(fmt.Sprintf("key-%d", i)))
	}
	bitmap := bf.Hash()

	var falsePositives int
	for i := 1000; i < 2000; i++ {
		if bf.Exist(bitmap, []byte(fmt.Sprintf("key-%d", i))) {
			falsePositives++
		}
	}

	// m/n = 8 bits per key keeps the rate well under 10%.
	if falsePositives > 100 {
		t.Errorf("false positive rate too high: %d/1000", falsePositives)
	}
}

func Test_BloomFilter_Constructor(t *testing.T) {
	constructor := NewBloomFilterConstructor(128)
	f1 := constructor()
	f2 := constructor()

	f1.Add([]byte("a"))
	if f2.KeyLen() != 0 {
		t.Error("constructor instances share state")
	}
}
