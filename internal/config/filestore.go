package config

import (
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

const configTOMLFileName = "config.toml"

// FileConfig holds operator defaults persisted under the data dir.
// Environment variables override every field at load time.
type FileConfig struct {
	ListenHost          string `toml:"listen_host"`
	ListenPort          int    `toml:"listen_port"`
	LogLevel            string `toml:"log_level"`
	SyncIntervalSeconds int    `toml:"sync_interval_seconds"`
	MaxGamesPerServer   int    `toml:"max_games_per_server"`
	AtlasBinary         string `toml:"atlas_binary"`
}

type FileStore struct {
	dir string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) LoadOrInit() (FileConfig, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return FileConfig{}, err
	}

	path := filepath.Join(s.dir, configTOMLFileName)
	if b, err := os.ReadFile(path); err == nil {
		var fc FileConfig
		if err := toml.Unmarshal(b, &fc); err != nil {
			return FileConfig{}, err
		}
		return normalize(fc), nil
	} else if !os.IsNotExist(err) {
		return FileConfig{}, err
	}

	fc := normalize(FileConfig{})
	if err := s.Save(fc); err != nil {
		return FileConfig{}, err
	}
	return fc, nil
}

func (s *FileStore) Save(fc FileConfig) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	return writeTOMLAtomically(filepath.Join(s.dir, configTOMLFileName), normalize(fc))
}

func normalize(fc FileConfig) FileConfig {
	if fc.ListenHost == "" {
		fc.ListenHost = "127.0.0.1"
	}
	if fc.ListenPort <= 0 {
		fc.ListenPort = 4680
	}
	if fc.LogLevel == "" {
		fc.LogLevel = "info"
	}
	if fc.SyncIntervalSeconds <= 0 {
		fc.SyncIntervalSeconds = 300
	}
	if fc.MaxGamesPerServer <= 0 {
		fc.MaxGamesPerServer = 5
	}
	if fc.AtlasBinary == "" {
		fc.AtlasBinary = "atlas"
	}
	return fc
}

func writeTOMLAtomically(path string, fc FileConfig) error {
	b, err := toml.Marshal(fc)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
