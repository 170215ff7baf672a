package tierkv

import (
	"sort"
)

// RunMeta is the metadata the compaction policy sees for one on-disk run.
type RunMeta struct {
	ID             uint64 // sequence number, larger = newer
	Size           uint64 // file size in bytes
	EntryCount     int
	TombstoneCount int
	MinKey         []byte
	MaxKey         []byte
}

// MergeSet is a set of run ids to be merged into exactly one new run.
type MergeSet []uint64

// Strategy decides which runs to merge. Implementations must be pure with
// respect to the metadata: the same multiset of runs always yields the same
// selection. The returned sets are disjoint.
type Strategy interface {
	SelectMergeSets(runs []RunMeta) []MergeSet
}

// SizeTieredStrategy groups similarly-sized runs into buckets and merges a
// full bucket at once. Two runs are similarly sized when each run's size
// lies within [BucketLow*avg, BucketHigh*avg] of its bucket's running
// average.
type SizeTieredStrategy struct {
	MinMergeWidth int     // runs a bucket needs before it is eligible
	MaxMergeWidth int     // cap on runs merged in one pass, 0 = unbounded
	BucketLow     float64 // lower size-ratio bound
	BucketHigh    float64 // upper size-ratio bound

	// MajorCompactionSize is a ceiling on a bucket's combined bytes beyond
	// which it is merged even below MinMergeWidth. 0 disables.
	MajorCompactionSize uint64
	// MaxTombstoneRatio is a ceiling on a bucket's tombstones/entries beyond
	// which it is merged even below MinMergeWidth. 0 disables.
	MaxTombstoneRatio float64
}

func NewSizeTieredStrategy(minMergeWidth, maxMergeWidth int, bucketLow, bucketHigh float64, majorCompactionSize uint64, maxTombstoneRatio float64) (*SizeTieredStrategy, error) {
	if minMergeWidth < 2 {
		return nil, configurationf("min merge width must be at least 2, got %d", minMergeWidth)
	}
	if maxMergeWidth != 0 && maxMergeWidth < minMergeWidth {
		return nil, configurationf("max merge width %d below min merge width %d", maxMergeWidth, minMergeWidth)
	}
	if bucketLow <= 0 || bucketLow >= bucketHigh {
		return nil, configurationf("bucket bounds must satisfy 0 < low < high, got [%v, %v]", bucketLow, bucketHigh)
	}
	if maxTombstoneRatio < 0 || maxTombstoneRatio > 1 {
		return nil, configurationf("tombstone ratio must lie in [0, 1], got %v", maxTombstoneRatio)
	}

	return &SizeTieredStrategy{
		MinMergeWidth:       minMergeWidth,
		MaxMergeWidth:       maxMergeWidth,
		BucketLow:           bucketLow,
		BucketHigh:          bucketHigh,
		MajorCompactionSize: majorCompactionSize,
		MaxTombstoneRatio:   maxTombstoneRatio,
	}, nil
}

func DefaultSizeTieredStrategy() *SizeTieredStrategy {
	strategy, _ := NewSizeTieredStrategy(4, 10, 0.5, 1.5, 512*1024*1024, 0.25)
	return strategy
}

type sizeBucket struct {
	metas      []RunMeta
	total      uint64
	tombstones int
	entries    int
}

func (b *sizeBucket) avg() float64 {
	return float64(b.total) / float64(len(b.metas))
}

func (b *sizeBucket) tombstoneRatio() float64 {
	if b.entries == 0 {
		return 0
	}
	return float64(b.tombstones) / float64(b.entries)
}

// SelectMergeSets returns the selected merge sets in preference order:
// major-compaction buckets first (most runs wins), then regular buckets
// smallest first. Each set is trimmed to the MaxMergeWidth oldest members.
func (s *SizeTieredStrategy) SelectMergeSets(runs []RunMeta) []MergeSet {
	if len(runs) < 2 {
		// a lone run can still be rewritten to shed tombstones
		if len(runs) == 1 && s.lonelyTombstoneRewrite(runs[0]) {
			return []MergeSet{{runs[0].ID}}
		}
		return nil
	}

	oldestID := runs[0].ID
	for _, meta := range runs[1:] {
		if meta.ID < oldestID {
			oldestID = meta.ID
		}
	}

	buckets := s.bucketize(runs)

	var majors, regulars []*sizeBucket
	for _, bucket := range buckets {
		switch {
		case s.isMajor(bucket, oldestID):
			majors = append(majors, bucket)
		case len(bucket.metas) >= s.MinMergeWidth:
			regulars = append(regulars, bucket)
		}
	}

	// majors first: the bucket with the most runs gives the greatest
	// amplification relief
	sort.SliceStable(majors, func(i, j int) bool {
		if len(majors[i].metas) != len(majors[j].metas) {
			return len(majors[i].metas) > len(majors[j].metas)
		}
		return majors[i].metas[0].ID < majors[j].metas[0].ID
	})

	// regular buckets smallest first; ties break toward the most runs
	sort.SliceStable(regulars, func(i, j int) bool {
		if regulars[i].avg() != regulars[j].avg() {
			return regulars[i].avg() < regulars[j].avg()
		}
		if len(regulars[i].metas) != len(regulars[j].metas) {
			return len(regulars[i].metas) > len(regulars[j].metas)
		}
		return regulars[i].metas[0].ID < regulars[j].metas[0].ID
	})

	var sets []MergeSet
	for _, bucket := range append(majors, regulars...) {
		sets = append(sets, s.trim(bucket))
	}
	return sets
}

// bucketize walks the runs in ascending size order, growing the current
// bucket while each run stays within the ratio bounds of the bucket's
// running average.
func (s *SizeTieredStrategy) bucketize(runs []RunMeta) []*sizeBucket {
	sorted := make([]RunMeta, len(runs))
	copy(sorted, runs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Size != sorted[j].Size {
			return sorted[i].Size < sorted[j].Size
		}
		return sorted[i].ID < sorted[j].ID
	})

	var buckets []*sizeBucket
	var cur *sizeBucket
	for _, meta := range sorted {
		if cur != nil {
			avg := cur.avg()
			if float64(meta.Size) >= s.BucketLow*avg && float64(meta.Size) <= s.BucketHigh*avg {
				cur.add(meta)
				continue
			}
		}
		cur = &sizeBucket{}
		cur.add(meta)
		buckets = append(buckets, cur)
	}

	return buckets
}

func (b *sizeBucket) add(meta RunMeta) {
	b.metas = append(b.metas, meta)
	b.total += meta.Size
	b.tombstones += meta.TombstoneCount
	b.entries += meta.EntryCount
}

// isMajor reports whether the bucket must be merged regardless of width, to
// bound tombstone accumulation or total size. A single-run bucket only
// qualifies through its tombstones, and only when it is the oldest run, as
// rewriting it is otherwise pointless.
func (s *SizeTieredStrategy) isMajor(bucket *sizeBucket, oldestID uint64) bool {
	if len(bucket.metas) >= 2 {
		if s.MajorCompactionSize > 0 && bucket.total > s.MajorCompactionSize {
			return true
		}
		return s.MaxTombstoneRatio > 0 && bucket.tombstoneRatio() > s.MaxTombstoneRatio
	}

	meta := bucket.metas[0]
	return meta.ID == oldestID && s.lonelyTombstoneRewrite(meta)
}

func (s *SizeTieredStrategy) lonelyTombstoneRewrite(meta RunMeta) bool {
	if s.MaxTombstoneRatio <= 0 || meta.EntryCount == 0 {
		return false
	}
	return float64(meta.TombstoneCount)/float64(meta.EntryCount) > s.MaxTombstoneRatio
}

// trim keeps the oldest MaxMergeWidth members: oldest-first bounds merge-set
// growth and approximates write-order fairness.
func (s *SizeTieredStrategy) trim(bucket *sizeBucket) MergeSet {
	ids := make(MergeSet, 0, len(bucket.metas))
	for _, meta := range bucket.metas {
		ids = append(ids, meta.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if s.MaxMergeWidth > 0 && len(ids) > s.MaxMergeWidth {
		ids = ids[:s.MaxMergeWidth]
	}
	return ids
}
