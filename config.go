package tierkv

import (
	"os"
	"path"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/tierkv/tierkv/filter"
	"github.com/tierkv/tierkv/memtable"
)

// Store configuration.
type Config struct {
	Dir string // directory holding run files and the walfile/ subdirectory

	MemTableMaxEntries  int    // memory stage entry bound, default 4096
	MemTableMaxBytes    uint64 // memory stage byte bound, default 4MB
	SparseIndexInterval int    // one sparse index entry every N records, default 16
	AutoCompact         bool   // consult the policy after every flush

	Strategy            Strategy            // compaction policy, default size-tiered
	FilterConstructor   filter.Constructor  // per-run membership filter, default bloom
	MemTableConstructor memtable.Constructor // memory stage backing, default skiplist

	Logger *zap.Logger
}

func NewConfig(dir string, opts ...ConfigOption) (*Config, error) {
	c := Config{
		Dir:         dir,
		AutoCompact: true,
	}

	for _, opt := range opts {
		opt(&c)
	}

	repair(&c)

	return &c, c.check()
}

// NewConfigFromFile loads the tunable parameters from a YAML file, then
// applies opts on top (options win over the file).
func NewConfigFromFile(dir, file string, opts ...ConfigOption) (*Config, error) {
	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Wrapf(err, "read config file %s", file)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, configurationf("parse config file %s: %v", file, err)
	}

	fileOpts, err := fc.options()
	if err != nil {
		return nil, err
	}

	return NewConfig(dir, append(fileOpts, opts...)...)
}

type fileConfig struct {
	MemTableMaxEntries  int    `yaml:"memtable_max_entries"`
	MemTableMaxBytes    uint64 `yaml:"memtable_max_bytes"`
	SparseIndexInterval int    `yaml:"sparse_index_interval"`
	AutoCompact         *bool  `yaml:"auto_compact"`

	Compaction struct {
		MinMergeWidth       int     `yaml:"min_merge_width"`
		MaxMergeWidth       int     `yaml:"max_merge_width"`
		BucketLow           float64 `yaml:"bucket_low"`
		BucketHigh          float64 `yaml:"bucket_high"`
		MajorCompactionSize uint64  `yaml:"major_compaction_size"`
		MaxTombstoneRatio   float64 `yaml:"max_tombstone_ratio"`
	} `yaml:"compaction"`
}

func (fc *fileConfig) options() ([]ConfigOption, error) {
	var opts []ConfigOption
	if fc.MemTableMaxEntries > 0 {
		opts = append(opts, WithMemTableMaxEntries(fc.MemTableMaxEntries))
	}
	if fc.MemTableMaxBytes > 0 {
		opts = append(opts, WithMemTableMaxBytes(fc.MemTableMaxBytes))
	}
	if fc.SparseIndexInterval > 0 {
		opts = append(opts, WithSparseIndexInterval(fc.SparseIndexInterval))
	}
	if fc.AutoCompact != nil {
		opts = append(opts, WithAutoCompact(*fc.AutoCompact))
	}

	cc := fc.Compaction
	if cc.MinMergeWidth != 0 || cc.BucketLow != 0 || cc.BucketHigh != 0 {
		strategy, err := NewSizeTieredStrategy(
			cc.MinMergeWidth, cc.MaxMergeWidth,
			cc.BucketLow, cc.BucketHigh,
			cc.MajorCompactionSize, cc.MaxTombstoneRatio,
		)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithStrategy(strategy))
	}

	return opts, nil
}

func (c *Config) check() error {
	if c.MemTableMaxEntries < 0 {
		return configurationf("memory stage entry bound must not be negative, got %d", c.MemTableMaxEntries)
	}
	if c.MemTableMaxEntries == 0 && c.MemTableMaxBytes == 0 {
		return configurationf("memory stage needs an entry or byte bound")
	}
	if c.SparseIndexInterval <= 0 {
		return configurationf("sparse index interval must be positive, got %d", c.SparseIndexInterval)
	}

	// run directory and wal directory must exist
	if err := os.MkdirAll(c.Dir, os.ModePerm); err != nil {
		return errors.Wrapf(err, "create store dir %s", c.Dir)
	}
	if err := os.MkdirAll(c.walDir(), os.ModePerm); err != nil {
		return errors.Wrapf(err, "create wal dir %s", c.walDir())
	}

	return nil
}

func (c *Config) walDir() string {
	return path.Join(c.Dir, "walfile")
}

type ConfigOption func(*Config)

// Memory stage entry bound. Crossing it triggers a flush.
func WithMemTableMaxEntries(maxEntries int) ConfigOption {
	return func(c *Config) {
		c.MemTableMaxEntries = maxEntries
	}
}

// Memory stage byte bound. Crossing it triggers a flush.
func WithMemTableMaxBytes(maxBytes uint64) ConfigOption {
	return func(c *Config) {
		c.MemTableMaxBytes = maxBytes
	}
}

// One sparse index entry is written every interval records.
func WithSparseIndexInterval(interval int) ConfigOption {
	return func(c *Config) {
		c.SparseIndexInterval = interval
	}
}

// Whether the maintenance loop consults the compaction policy after every
// flush. Disabled stores compact only through CompactOnce.
func WithAutoCompact(auto bool) ConfigOption {
	return func(c *Config) {
		c.AutoCompact = auto
	}
}

// Inject a compaction policy. Default is a size-tiered strategy with the
// package defaults.
func WithStrategy(strategy Strategy) ConfigOption {
	return func(c *Config) {
		c.Strategy = strategy
	}
}

// Inject a membership filter implementation. Default is the bloom filter
// from this module's filter package.
func WithFilterConstructor(constructor filter.Constructor) ConfigOption {
	return func(c *Config) {
		c.FilterConstructor = constructor
	}
}

// Inject a memory stage implementation. Default is the skiplist from this
// module's memtable package.
func WithMemTableConstructor(constructor memtable.Constructor) ConfigOption {
	return func(c *Config) {
		c.MemTableConstructor = constructor
	}
}

// Inject a logger for flush/compaction lifecycle events. Default is a nop.
func WithLogger(logger *zap.Logger) ConfigOption {
	return func(c *Config) {
		c.Logger = logger
	}
}

func repair(c *Config) {
	if c.MemTableMaxEntries == 0 && c.MemTableMaxBytes == 0 {
		c.MemTableMaxEntries = 4096
		c.MemTableMaxBytes = 4 * 1024 * 1024
	}

	if c.SparseIndexInterval == 0 {
		c.SparseIndexInterval = 16
	}

	if c.Strategy == nil {
		c.Strategy = DefaultSizeTieredStrategy()
	}

	if c.FilterConstructor == nil {
		c.FilterConstructor = filter.NewBloomFilterConstructor(8 * 1024)
	}

	if c.MemTableConstructor == nil {
		c.MemTableConstructor = memtable.NewSkiplist
	}

	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}
