package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DBFile        string
	AdminAddr     string
	APIAddr       string
	BaseURL       string
	UploadsPath   string
	TokenExpiry   time.Duration
	PageSize      int
	UpdateScanCap int
	UpdateTime    time.Duration

	// Web push is disabled when the VAPID keys are unset.
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	PushSubscriber  string
}

func Load(cliMode bool) (*Config, error) {
	tokenExpiry, err := time.ParseDuration(getEnv("TOKEN_EXPIRY", "24h"))
	if err != nil {
		return nil, err
	}
	updateTime, err := time.ParseDuration(getEnv("UPDATE_TIME", "30s"))
	if err != nil {
		return nil, err
	}
	pageSize, err := getEnvInt("PAGE_SIZE", 50)
	if err != nil {
		return nil, err
	}
	scanCap, err := getEnvInt("UPDATE_SCAN_CAP", 500)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DBFile:          getEnv("CHATBOX_DB", "chatbox.db"),
		AdminAddr:       getEnv("ADMIN_ADDR", "localhost:8081"),
		APIAddr:         getEnv("API_ADDR", ":8080"),
		BaseURL:         getEnv("BASE_URL", "http://localhost:8080"),
		UploadsPath:     getEnv("UPLOADS_PATH", "uploads"),
		TokenExpiry:     tokenExpiry,
		PageSize:        pageSize,
		UpdateScanCap:   scanCap,
		UpdateTime:      updateTime,
		VAPIDPublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
		PushSubscriber:  getEnv("PUSH_SUBSCRIBER", "mailto:admin@localhost"),
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("PAGE_SIZE must be greater than 0")
	}
	if c.UpdateScanCap <= 0 {
		return fmt.Errorf("UPDATE_SCAN_CAP must be greater than 0")
	}
	if c.UpdateTime <= 0 {
		return fmt.Errorf("UPDATE_TIME must be greater than 0")
	}
	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") && !cliMode {
		return fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}
