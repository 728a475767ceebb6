package config

import (
	"bytes"
	"io"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"github.com/mitchellh/go-homedir"
	"golang.org/x/xerrors"
)

// EnvPrefix prefixes the environment variables overriding the config, as
// in DEALPIPE_DEALER_CRONINTERVAL=1m.
const EnvPrefix = "DEALPIPE"

// FromFile loads config from a specified file overriding defaults specified
// in the def parameter. If file does not exist or is empty defaults are
// assumed. Environment variables are applied last.
func FromFile(path string, def *Config) (*Config, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, xerrors.Errorf("expanding config path: %w", err)
	}

	file, err := os.Open(path)
	switch {
	case os.IsNotExist(err):
		return FromEnv(def)
	case err != nil:
		return nil, err
	}

	defer file.Close() //nolint:errcheck // The file is RO
	cfg, err := FromReader(file, def)
	if err != nil {
		return nil, err
	}
	return FromEnv(cfg)
}

// FromReader loads config from a reader instance.
func FromReader(reader io.Reader, def *Config) (*Config, error) {
	cfg := *def
	_, err := toml.NewDecoder(reader).Decode(&cfg)
	if err != nil {
		return nil, xerrors.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}

// FromEnv applies DEALPIPE_* environment variables to a copy of cfg.
func FromEnv(cfg *Config) (*Config, error) {
	out := *cfg
	if err := envconfig.Process(EnvPrefix, &out); err != nil {
		return nil, xerrors.Errorf("processing environment: %w", err)
	}
	return &out, nil
}

// ConfigText renders cfg as TOML.
func ConfigText(cfg *Config) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := toml.NewEncoder(buf).Encode(cfg); err != nil {
		return nil, xerrors.Errorf("encoding config: %w", err)
	}
	return buf.Bytes(), nil
}

// ExpandPath resolves a leading ~ in a configured path.
func ExpandPath(p string) (string, error) {
	return homedir.Expand(p)
}
