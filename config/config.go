package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration for the tipvault service.
type Config struct {
	Port            string
	DatabaseURL     string
	RPCURL          string
	TokenMint       string
	JWTSecret       string
	EvidenceDir     string
	EvidenceKeyHex  string
	SessionTTL      time.Duration
	ConfirmTimeout  time.Duration
	BalanceTimeout  time.Duration
	AuthRateLimit   int
	SettleRateLimit int
	ReconOutputDir  string
	ReconRunHour    int
	ReconRunMinute  int
	ReconDryRun     bool
	ReconWindow     time.Duration
	LogEnvironment  string
}

// FromEnv loads configuration from environment variables required by the service.
func FromEnv() (*Config, error) {
	port := getEnvDefault("TIPVAULT_PORT", "8080")

	dbURL := os.Getenv("TIPVAULT_DB_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("TIPVAULT_DB_URL is required")
	}

	rpcURL := os.Getenv("TIPVAULT_RPC_URL")
	if rpcURL == "" {
		return nil, fmt.Errorf("TIPVAULT_RPC_URL is required")
	}

	tokenMint := strings.TrimSpace(os.Getenv("TIPVAULT_TOKEN_MINT"))
	if tokenMint == "" {
		return nil, fmt.Errorf("TIPVAULT_TOKEN_MINT is required")
	}

	jwtSecret := os.Getenv("TIPVAULT_JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("TIPVAULT_JWT_SECRET is required")
	}

	evidenceDir := getEnvDefault("TIPVAULT_EVIDENCE_DIR", "tipvault-data/evidence")
	evidenceKey := strings.TrimSpace(os.Getenv("TIPVAULT_EVIDENCE_KEY_HEX"))
	if evidenceKey == "" {
		return nil, fmt.Errorf("TIPVAULT_EVIDENCE_KEY_HEX is required")
	}

	ttlSeconds := getEnvDefault("TIPVAULT_SESSION_TTL_SECONDS", "86400")
	ttl, err := strconv.Atoi(ttlSeconds)
	if err != nil || ttl <= 0 {
		return nil, fmt.Errorf("invalid TIPVAULT_SESSION_TTL_SECONDS %q", ttlSeconds)
	}

	confirmSeconds := getEnvDefault("TIPVAULT_CONFIRM_TIMEOUT_SECONDS", "45")
	confirm, err := strconv.Atoi(confirmSeconds)
	if err != nil || confirm <= 0 {
		return nil, fmt.Errorf("invalid TIPVAULT_CONFIRM_TIMEOUT_SECONDS %q", confirmSeconds)
	}

	balanceSeconds := getEnvDefault("TIPVAULT_BALANCE_TIMEOUT_SECONDS", "5")
	balance, err := strconv.Atoi(balanceSeconds)
	if err != nil || balance <= 0 {
		return nil, fmt.Errorf("invalid TIPVAULT_BALANCE_TIMEOUT_SECONDS %q", balanceSeconds)
	}

	authLimit := parseIntEnv("TIPVAULT_AUTH_RATE_LIMIT_PER_MINUTE", 30)
	if authLimit < 0 {
		authLimit = 0
	}
	settleLimit := parseIntEnv("TIPVAULT_SETTLE_RATE_LIMIT_PER_MINUTE", 10)
	if settleLimit < 0 {
		settleLimit = 0
	}

	reconDir := getEnvDefault("TIPVAULT_RECON_OUTPUT_DIR", "tipvault-data/recon")
	reconHour := parseIntEnv("TIPVAULT_RECON_RUN_HOUR", 1)
	reconMinute := parseIntEnv("TIPVAULT_RECON_RUN_MINUTE", 5)
	reconDryRun := parseBoolEnv("TIPVAULT_RECON_DRY_RUN", false)
	windowHours := parseIntEnv("TIPVAULT_RECON_WINDOW_HOURS", 24)

	logEnv := getEnvDefault("TIPVAULT_ENV", "development")

	return &Config{
		Port:            normalizePort(port),
		DatabaseURL:     dbURL,
		RPCURL:          rpcURL,
		TokenMint:       tokenMint,
		JWTSecret:       jwtSecret,
		EvidenceDir:     evidenceDir,
		EvidenceKeyHex:  evidenceKey,
		SessionTTL:      time.Duration(ttl) * time.Second,
		ConfirmTimeout:  time.Duration(confirm) * time.Second,
		BalanceTimeout:  time.Duration(balance) * time.Second,
		AuthRateLimit:   authLimit,
		SettleRateLimit: settleLimit,
		ReconOutputDir:  reconDir,
		ReconRunHour:    reconHour,
		ReconRunMinute:  reconMinute,
		ReconDryRun:     reconDryRun,
		ReconWindow:     time.Duration(windowHours) * time.Hour,
		LogEnvironment:  logEnv,
	}, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func normalizePort(port string) string {
	if port == "" {
		return "8080"
	}
	if _, err := strconv.Atoi(port); err == nil {
		return port
	}
	// Allow values like ":8080".
	if len(port) > 0 && port[0] == ':' {
		return port[1:]
	}
	return port
}

func parseIntEnv(key string, def int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return def
}

func parseBoolEnv(key string, def bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return def
}
