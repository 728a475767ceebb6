package config

import (
	"encoding"
	"time"

	units "github.com/docker/go-units"
	"golang.org/x/xerrors"
)

// Config is the configuration of a dealpipe node running all services.
type Config struct {
	Storage    Storage
	Aggregator Aggregator
	Dealer     Dealer
	Storefront Storefront
	Queue      Queue
	Logging    Logging
	Journal    Journal
}

type Storage struct {
	// Path is the repo directory holding the datastore.
	Path string
	// Backend is the on-disk datastore: "leveldb" or "badger".
	Backend string
	// InMemory keeps all state in memory; Path and Backend are ignored.
	InMemory bool
	// BlockCacheSize is the number of decoded blocks kept in memory.
	BlockCacheSize int
}

type Aggregator struct {
	MaxAggregateSize     Size
	MinAggregateSize     Size
	MinUtilizationFactor uint64
	// PrependPieces are placed at the start of every aggregate.
	PrependPieces []PrependPiece

	// BufferBatchSize is the number of buffer messages reduced together.
	BufferBatchSize  int
	ProofConcurrency int
	OfferLease       Duration
}

type PrependPiece struct {
	Link string
	Size Size
}

type Dealer struct {
	CronInterval    Duration
	PageSize        int
	TrackerAttempts int
	TrackerBackoff  Duration
}

type Storefront struct {
	CronInterval Duration
	PageSize     int
	// Group is the group pieces are submitted under when none is given.
	Group string
}

type Queue struct {
	BatchSize   int
	BatchWait   Duration
	MaxAttempts int
}

type Logging struct {
	SubsystemLevels map[string]string
}

type Journal struct {
	// Path is the journal directory. The journal is disabled when empty.
	Path string
	// DisabledEvents is a comma separated list of system:event pairs.
	DisabledEvents string
	// The journal file is rolled once it reaches MaxSize; MaxBackups rolled
	// files are kept.
	MaxSize    Size
	MaxBackups int
}

// Default returns the default config
func Default() *Config {
	return &Config{
		Storage: Storage{
			Path:           "~/.dealpipe",
			Backend:        "leveldb",
			BlockCacheSize: 4096,
		},
		Aggregator: Aggregator{
			MaxAggregateSize:     Size(32 << 30),
			MinAggregateSize:     Size(16 << 30),
			MinUtilizationFactor: 4,
			BufferBatchSize:      10,
			ProofConcurrency:     10,
			OfferLease:           Duration(24 * time.Hour),
		},
		Dealer: Dealer{
			CronInterval:    Duration(5 * time.Minute),
			PageSize:        100,
			TrackerAttempts: 3,
			TrackerBackoff:  Duration(time.Second),
		},
		Storefront: Storefront{
			CronInterval: Duration(5 * time.Minute),
			PageSize:     100,
			Group:        "did:web:storefront.local",
		},
		Queue: Queue{
			BatchSize:   10,
			BatchWait:   Duration(time.Second),
			MaxAttempts: 5,
		},
		Logging: Logging{
			SubsystemLevels: map[string]string{},
		},
		Journal: Journal{
			MaxSize:    Size(1 << 30),
			MaxBackups: 3,
		},
	}
}

var _ encoding.TextMarshaler = (*Duration)(nil)
var _ encoding.TextUnmarshaler = (*Duration)(nil)

// Duration is a wrapper type for time.Duration
// for decoding and encoding from/to TOML
type Duration time.Duration

// UnmarshalText implements interface for TOML decoding
func (dur *Duration) UnmarshalText(text []byte) error {
	d, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*dur = Duration(d)
	return err
}

func (dur Duration) MarshalText() ([]byte, error) {
	d := time.Duration(dur)
	return []byte(d.String()), nil
}

var _ encoding.TextMarshaler = (*Size)(nil)
var _ encoding.TextUnmarshaler = (*Size)(nil)

// Size is a byte count written with binary units, like "32GiB".
type Size uint64

func (s *Size) UnmarshalText(text []byte) error {
	n, err := units.RAMInBytes(string(text))
	if err != nil {
		return xerrors.Errorf("parsing size %q: %w", text, err)
	}
	if n < 0 {
		return xerrors.Errorf("negative size %q", text)
	}
	*s = Size(n)
	return nil
}

func (s Size) MarshalText() ([]byte, error) {
	return []byte(units.BytesSize(float64(s))), nil
}
