package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config keeps runtime settings for the bot.
type Config struct {
	BotToken string
	AdminID  int64

	XUIHost     string
	XUIUsername string
	XUIPassword string

	Domain           string
	SubscriptionPort int

	DatabasePath string
	ReportTime   string // HH:MM, local time
}

// Load reads configuration from environment variables (and .env, if present).
func Load() (Config, error) {
	// Missing .env is fine, settings may come from the environment directly.
	_ = godotenv.Load()

	cfg := Config{
		BotToken:     strings.TrimSpace(os.Getenv("BOT_TOKEN")),
		XUIHost:      getenvDefault("XUI_HOST", "http://localhost:2053"),
		XUIUsername:  getenvDefault("XUI_USERNAME", "admin"),
		XUIPassword:  strings.TrimSpace(os.Getenv("XUI_PASSWORD")),
		Domain:       getenvDefault("DOMAIN", "localhost"),
		DatabasePath: getenvDefault("DB_PATH", "vpnbot.db"),
		ReportTime:   getenvDefault("REPORT_TIME", "00:01"),
	}

	if cfg.BotToken == "" {
		return cfg, fmt.Errorf("BOT_TOKEN is required")
	}

	adminRaw := strings.TrimSpace(os.Getenv("ADMIN_ID"))
	if adminRaw == "" {
		return cfg, fmt.Errorf("ADMIN_ID is required")
	}
	adminID, err := strconv.ParseInt(adminRaw, 10, 64)
	if err != nil {
		return cfg, fmt.Errorf("ADMIN_ID must be an integer: %w", err)
	}
	cfg.AdminID = adminID

	if cfg.XUIPassword == "" {
		return cfg, fmt.Errorf("XUI_PASSWORD is required")
	}

	port := getenvDefault("SUBSCRIPTION_PORT", "2096")
	cfg.SubscriptionPort, err = strconv.Atoi(port)
	if err != nil || cfg.SubscriptionPort <= 0 {
		return cfg, fmt.Errorf("SUBSCRIPTION_PORT must be a positive integer")
	}

	return cfg, nil
}

func getenvDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
