package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr         string
	DatabaseURL  string
	CORSOrigin   string
	PermCacheTTL time.Duration
	SaveDebounce time.Duration
	// Access control bootstrap
	AllowedUsers  string
	DevAdminEmail string
	// Meilisearch Configuration
	MeiliURL       string
	MeiliMasterKey string
	// Redis - optional shared permissions cache tier
	RedisURL string
}

func Load() Config {
	return Config{
		Addr:         getenv("API_ADDR", ":8790"),
		DatabaseURL:  getenv("DATABASE_URL", ""),
		CORSOrigin:   getenv("JOURNAL_CORS_ORIGIN", "*"),
		PermCacheTTL: time.Duration(getenvInt("JOURNAL_PERM_CACHE_TTL_SECONDS", 300)) * time.Second,
		SaveDebounce: time.Duration(getenvInt("JOURNAL_SAVE_DEBOUNCE_MS", 300)) * time.Millisecond,
		// Comma-separated email:role pairs granted access without a stored
		// record; a bare email defaults to viewer
		AllowedUsers:  getenv("ALLOWED_USERS", ""),
		DevAdminEmail: getenv("DEV_ADMIN_EMAIL", ""),
		// Meilisearch - empty by default, search falls back to the notes cache
		MeiliURL:       getenv("MEILI_URL", ""),
		MeiliMasterKey: getenv("MEILI_MASTER_KEY", ""),
		// Redis - empty by default, permissions cache stays process-local
		RedisURL: getenv("REDIS_URL", ""),
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
