package ingest

import (
	"fmt"
	"os"
	"strconv"
)

// Config is the server-side configuration, loaded once by the entry point
// and threaded through the constructors. No component reads the environment
// on its own.
type Config struct {
	// ListenAddr is the API listen address.
	ListenAddr string
	// DataDir is the root of the file-backed store.
	DataDir string
	// SharedSecret gates login. Empty enables the development-mode bypass.
	SharedSecret string
	// JWTSecret signs tokens. Empty means a random per-process key.
	JWTSecret string
	// SessionFile, when set, selects the durable file-backed session store
	// instead of the in-memory default.
	SessionFile string
	// NATSURL, when set, enables lifecycle event publishing.
	NATSURL string
}

// LoadConfig reads configuration from INGEST_* environment variables.
func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr:   getEnv("INGEST_LISTEN_ADDR", ":8000"),
		DataDir:      getEnv("INGEST_DATA_DIR", "/var/evidenced/db"),
		SharedSecret: os.Getenv("INGEST_SHARED_SECRET"),
		JWTSecret:    os.Getenv("INGEST_JWT_SECRET"),
		SessionFile:  os.Getenv("INGEST_SESSION_FILE"),
		NATSURL:      os.Getenv("NATS_URL"),
	}

	if cfg.DataDir == "" {
		return Config{}, fmt.Errorf("INGEST_DATA_DIR must not be empty")
	}
	if raw := os.Getenv("INGEST_LISTEN_PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid INGEST_LISTEN_PORT: %q", raw)
		}
		cfg.ListenAddr = fmt.Sprintf(":%d", port)
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
