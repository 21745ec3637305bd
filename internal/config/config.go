package config

import (
	"os"
	"strings"
	"time"
)

// Config is the resolved runtime configuration: file-backed defaults from
// the data dir, overridden by ATLASD_* environment variables.
type Config struct {
	DataDir           string
	LogLevel          string
	ListenHost        string
	ListenPort        int
	EncryptionKey     string
	SyncInterval      time.Duration
	MaxGamesPerServer int
	AtlasBinary       string
	AdminIDs          []string
	OpenAIEndpoint    string
	OpenAIModel       string
	OpenAIAPIKey      string
}

func Load() (Config, error) {
	dataDir := os.Getenv("ATLASD_DATA_DIR")
	if dataDir == "" {
		dataDir = "./atlasd-data"
	}

	fc, err := NewFileStore(dataDir).LoadOrInit()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		DataDir:           dataDir,
		LogLevel:          fc.LogLevel,
		ListenHost:        fc.ListenHost,
		ListenPort:        fc.ListenPort,
		SyncInterval:      time.Duration(fc.SyncIntervalSeconds) * time.Second,
		MaxGamesPerServer: fc.MaxGamesPerServer,
		AtlasBinary:       fc.AtlasBinary,
	}

	if v := os.Getenv("ATLASD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ATLASD_LISTEN_HOST"); v != "" {
		cfg.ListenHost = v
	}
	if v := os.Getenv("ATLASD_LISTEN_PORT"); v != "" {
		if n := atoiOrDefault(v, 0); n > 0 {
			cfg.ListenPort = n
		}
	}
	cfg.EncryptionKey = os.Getenv("ATLASD_ENCRYPTION_KEY")
	if v := os.Getenv("ATLASD_SYNC_INTERVAL"); v != "" {
		if n := atoiOrDefault(v, 0); n > 0 {
			cfg.SyncInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("ATLASD_MAX_GAMES_PER_SERVER"); v != "" {
		if n := atoiOrDefault(v, 0); n > 0 {
			cfg.MaxGamesPerServer = n
		}
	}
	if v := os.Getenv("ATLASD_ATLAS_BINARY"); v != "" {
		cfg.AtlasBinary = v
	}
	if v := os.Getenv("ATLASD_ADMIN_IDS"); v != "" {
		cfg.AdminIDs = splitIDs(v)
	}
	cfg.OpenAIEndpoint = os.Getenv("OPENAI_ENDPOINT")
	cfg.OpenAIModel = os.Getenv("OPENAI_MODEL")
	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")

	return cfg, nil
}

func splitIDs(v string) []string {
	parts := strings.Split(v, ",")
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			ids = append(ids, p)
		}
	}
	return ids
}

func atoiOrDefault(v string, fallback int) int {
	n := 0
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return fallback
		}
		n = n*10 + int(v[i]-'0')
	}
	if n == 0 {
		return fallback
	}
	return n
}
