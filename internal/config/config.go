package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Addr          string
	MongoURL      string
	MongoDatabase string
	DatabaseURL   string
	MigrationsDir string
	JWTSecret     string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	CORSOrigin    string
	// Redis backs refresh sessions and cross-instance realtime fan-out.
	RedisURL string
	// Reserved super-administrator. Login is disabled while the hash is empty.
	AdminIdentity     string
	AdminPasswordHash string
	LogLevel          string
	LogFormat         string
}

var defaults = map[string]any{
	"API_ADDR":                      ":5000",
	"MONGO_URL":                     "",
	"MONGO_DATABASE":                "crewboard",
	"DATABASE_URL":                  "",
	"CREWBOARD_MIGRATIONS_DIR":      "./db/migrations",
	"CREWBOARD_JWT_SECRET":          "crewboard-dev-secret",
	"CREWBOARD_ACCESS_TTL_SECONDS":  86400,
	"CREWBOARD_REFRESH_TTL_SECONDS": 2592000,
	"CREWBOARD_CORS_ORIGIN":         "*",
	"REDIS_URL":                     "",
	"CREWBOARD_ADMIN_IDENTITY":      "narendra@gmail.com",
	"CREWBOARD_ADMIN_PASSWORD_HASH": "",
	"CREWBOARD_LOG_LEVEL":           "info",
	"CREWBOARD_LOG_FORMAT":          "json",
}

// Load reads configuration from the environment, optionally layered over the
// file named by CONFIG_FILE.
func Load() (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if file := strings.TrimSpace(v.GetString("CONFIG_FILE")); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", file, err)
		}
	}
	return fromViper(v), nil
}

func fromViper(v *viper.Viper) Config {
	return Config{
		Addr:              v.GetString("API_ADDR"),
		MongoURL:          strings.TrimSpace(v.GetString("MONGO_URL")),
		MongoDatabase:     v.GetString("MONGO_DATABASE"),
		DatabaseURL:       strings.TrimSpace(v.GetString("DATABASE_URL")),
		MigrationsDir:     v.GetString("CREWBOARD_MIGRATIONS_DIR"),
		JWTSecret:         v.GetString("CREWBOARD_JWT_SECRET"),
		AccessTTL:         time.Duration(v.GetInt("CREWBOARD_ACCESS_TTL_SECONDS")) * time.Second,
		RefreshTTL:        time.Duration(v.GetInt("CREWBOARD_REFRESH_TTL_SECONDS")) * time.Second,
		CORSOrigin:        v.GetString("CREWBOARD_CORS_ORIGIN"),
		RedisURL:          strings.TrimSpace(v.GetString("REDIS_URL")),
		AdminIdentity:     strings.TrimSpace(v.GetString("CREWBOARD_ADMIN_IDENTITY")),
		AdminPasswordHash: strings.TrimSpace(v.GetString("CREWBOARD_ADMIN_PASSWORD_HASH")),
		LogLevel:          v.GetString("CREWBOARD_LOG_LEVEL"),
		LogFormat:         v.GetString("CREWBOARD_LOG_FORMAT"),
	}
}
