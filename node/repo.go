package node

import (
	"os"
	"path/filepath"

	"github.com/ipfs/go-datastore"
	ds_sync "github.com/ipfs/go-datastore/sync"
	badger "github.com/ipfs/go-ds-badger2"
	levelds "github.com/ipfs/go-ds-leveldb"
	measure "github.com/ipfs/go-ds-measure"
	fslock "github.com/ipfs/go-fs-lock"
	"github.com/raulk/clock"
	ldbopts "github.com/syndtr/goleveldb/leveldb/opt"
	"go.uber.org/multierr"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/dealpipe/journal"
	"github.com/filecoin-project/dealpipe/journal/fsjournal"
	"github.com/filecoin-project/dealpipe/node/config"
)

const (
	fsDatastore = "datastore"
	fsLock      = "repo.lock"
)

var ErrRepoAlreadyLocked = xerrors.New("repo is already locked")

func openDatastore(cfg config.Storage) (datastore.Batching, func() error, error) {
	if cfg.InMemory {
		return measure.New("dealpipe.ds.", ds_sync.MutexWrap(datastore.NewMapDatastore())), func() error { return nil }, nil
	}

	repo, err := config.ExpandPath(cfg.Path)
	if err != nil {
		return nil, nil, xerrors.Errorf("expanding repo path: %w", err)
	}
	dir := filepath.Join(repo, fsDatastore)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, xerrors.Errorf("creating datastore directory: %w", err)
	}

	locked, err := fslock.Locked(repo, fsLock)
	if err != nil {
		return nil, nil, xerrors.Errorf("could not check lock status: %w", err)
	}
	if locked {
		return nil, nil, ErrRepoAlreadyLocked
	}
	unlock, err := fslock.Lock(repo, fsLock)
	if err != nil {
		return nil, nil, xerrors.Errorf("could not lock the repo: %w", err)
	}

	var ds datastore.Batching
	var closeDs func() error
	switch cfg.Backend {
	case "", "leveldb":
		lds, err := levelds.NewDatastore(dir, &levelds.Options{
			Compression: ldbopts.NoCompression,
			NoSync:      false,
			Strict:      ldbopts.StrictAll,
			ReadOnly:    false,
		})
		if err != nil {
			_ = unlock.Close()
			return nil, nil, xerrors.Errorf("open leveldb: %w", err)
		}
		ds, closeDs = lds, lds.Close
	case "badger":
		bds, err := badger.NewDatastore(dir, nil)
		if err != nil {
			_ = unlock.Close()
			return nil, nil, xerrors.Errorf("open badger: %w", err)
		}
		ds, closeDs = bds, bds.Close
	default:
		_ = unlock.Close()
		return nil, nil, xerrors.Errorf("unknown datastore backend %q", cfg.Backend)
	}

	return measure.New("dealpipe.ds.", ds), func() error {
		return multierr.Combine(closeDs(), unlock.Close())
	}, nil
}

func openJournal(cfg config.Journal, clk clock.Clock) (journal.Journal, error) {
	if cfg.Path == "" {
		return journal.NilJournal(), nil
	}

	disabled, err := journal.ParseDisabledEvents(cfg.DisabledEvents)
	if err != nil {
		return nil, xerrors.Errorf("parsing disabled journal events: %w", err)
	}

	dir, err := config.ExpandPath(cfg.Path)
	if err != nil {
		return nil, xerrors.Errorf("expanding journal path: %w", err)
	}
	return fsjournal.OpenFSJournal(dir, fsjournal.Options{
		Disabled:   disabled,
		MaxSize:    int64(cfg.MaxSize),
		MaxBackups: cfg.MaxBackups,
	}, clk)
}
