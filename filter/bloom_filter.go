package filter

import (
	"errors"

	"github.com/spaolacci/murmur3"
)

// Bloom filter over murmur3. The bitmap's last byte stores the number of
// hash functions k used when it was produced, so a bitmap read back from a
// run trailer is self-describing.
type BloomFilter struct {
	m          int      // bitmap length in bits
	hashedKeys []uint32 // murmur3 hashes of the keys added so far
}

func NewBloomFilter(m int) (*BloomFilter, error) {
	if m <= 0 {
		return nil, errors.New("m must be positive")
	}
	return &BloomFilter{
		m: m,
	}, nil
}

// NewBloomFilterConstructor returns a Constructor producing independent
// bloom filters of m bits.
func NewBloomFilterConstructor(m int) Constructor {
	return func() Filter {
		bf, _ := NewBloomFilter(m)
		return bf
	}
}

func (bf *BloomFilter) Add(key []byte) {
	bf.hashedKeys = append(bf.hashedKeys, murmur3.Sum32(key))
}

// Exist reports whether key may be present in bitmap. False positives are
// possible, false negatives are not.
func (bf *BloomFilter) Exist(bitmap, key []byte) bool {
	if bitmap == nil {
		bitmap = bf.Hash()
	}
	if len(bitmap) < 2 {
		return true
	}
	k := bitmap[len(bitmap)-1]

	// Double hashing: h1 = murmur3, h2 derived by rotation, gi = h1 + i*h2.
	hashedKey := murmur3.Sum32(key)
	delta := (hashedKey >> 17) | (hashedKey << 15)
	for i := uint32(0); i < uint32(k); i++ {
		targetBit := (hashedKey + i*delta) % uint32((len(bitmap)-1)<<3)
		if bitmap[targetBit>>3]&(1<<(targetBit&7)) == 0 {
			return false
		}
	}

	return true
}

// Hash produces the bitmap for the keys added so far. The last byte holds k.
func (bf *BloomFilter) Hash() []byte {
	k := bf.bestK()
	bitmap := bf.bitmap(k)

	for _, hashedKey := range bf.hashedKeys {
		delta := (hashedKey >> 17) | (hashedKey << 15)
		for i := uint32(0); i < uint32(k); i++ {
			targetBit := (hashedKey + i*delta) % uint32((len(bitmap)-1)<<3)
			bitmap[targetBit>>3] |= 1 << (targetBit & 7)
		}
	}

	return bitmap
}

func (bf *BloomFilter) Reset() {
	bf.hashedKeys = bf.hashedKeys[:0]
}

func (bf *BloomFilter) KeyLen() int {
	return len(bf.hashedKeys)
}

func (bf *BloomFilter) bitmap(k uint8) []byte {
	bitmapLen := (bf.m + 7) >> 3
	bitmap := make([]byte, bitmapLen+1)
	bitmap[bitmapLen] = k
	return bitmap
}

// bestK approximates k = ln2 * m / n, clamped to [1, 30].
func (bf *BloomFilter) bestK() uint8 {
	if len(bf.hashedKeys) == 0 {
		return 1
	}
	k := 69 * bf.m / 100 / len(bf.hashedKeys)
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}
	return uint8(k)
}
