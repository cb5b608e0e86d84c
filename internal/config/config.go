package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr string
	// NodeID names this relay process on the broker; empty draws a random id.
	NodeID        string
	DatabaseURL   string
	MigrationsDir string
	ReposDir      string
	CORSOrigin    string
	// Meilisearch is optional; search falls back to Postgres or a scan.
	MeiliURL       string
	MeiliMasterKey string
	// Redis enables cross-node fan-out and shared membership.
	RedisURL         string
	CompactThreshold int
	ShutdownTimeout  time.Duration
	// Diagram rendering through headless Chrome.
	ChromePath       string
	MermaidScriptURL string
	RenderTimeout    time.Duration
	LogLevel         string
}

func Load() Config {
	return Config{
		Addr:             getenv("COLLAB_ADDR", ":3001"),
		NodeID:           getenv("COLLAB_NODE_ID", ""),
		DatabaseURL:      getenv("DATABASE_URL", ""),
		MigrationsDir:    getenv("COLLAB_MIGRATIONS_DIR", "./db/migrations"),
		ReposDir:         getenv("COLLAB_REPOS_DIR", "./data/repos"),
		CORSOrigin:       getenv("COLLAB_CORS_ORIGIN", "*"),
		MeiliURL:         getenv("MEILI_URL", ""),
		MeiliMasterKey:   getenv("MEILI_MASTER_KEY", ""),
		RedisURL:         getenv("REDIS_URL", ""),
		CompactThreshold: getenvInt("COLLAB_COMPACT_THRESHOLD", 500),
		ShutdownTimeout:  time.Duration(getenvInt("COLLAB_SHUTDOWN_TIMEOUT_SECONDS", 10)) * time.Second,
		ChromePath:       getenv("CHROME_PATH", ""),
		MermaidScriptURL: getenv("MERMAID_SCRIPT_URL", "https://cdn.jsdelivr.net/npm/mermaid@10/dist/mermaid.min.js"),
		RenderTimeout:    time.Duration(getenvInt("COLLAB_RENDER_TIMEOUT_SECONDS", 20)) * time.Second,
		LogLevel:         getenv("COLLAB_LOG_LEVEL", "info"),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
