package pipelog

import (
	"os"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"
)

func SetupLogLevels() {
	if _, set := os.LookupEnv("GOLOG_LOG_LEVEL"); !set {
		_ = logging.SetLogLevel("*", "INFO")
		_ = logging.SetLogLevel("queue", "WARN")
		_ = logging.SetLogLevel("blockstore", "WARN")
		_ = logging.SetLogLevel("workflow", "WARN")
	}
}

// SetSubsystemLevels applies per-subsystem overrides, typically read from
// the Logging section of the config file.
func SetSubsystemLevels(levels map[string]string) error {
	for sys, lvl := range levels {
		if err := logging.SetLogLevel(sys, lvl); err != nil {
			return xerrors.Errorf("setting log level for %s: %w", sys, err)
		}
	}
	return nil
}
