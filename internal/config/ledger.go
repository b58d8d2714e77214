package config

import (
	"os"
	"strconv"
	"time"
)

type LedgerConfig struct {
	FallbackCreatorPercent float64
	AutoMatchTolerance     time.Duration
	UnmatchedPageSize      int
	UnmatchedPageMax       int
	SettlementQueue        string
	AuditQueue             string
	AuditBuffer            int
	RateLimitPerWindow     int
	RateLimitWindow        time.Duration
	SnapshotQRSize         int
	PlatformName           string
	PlatformBIC            string
}

func LoadLedgerConfig() *LedgerConfig {
	return &LedgerConfig{
		FallbackCreatorPercent: getEnvAsFloat("LEDGER_FALLBACK_CREATOR_PERCENT", 80),
		AutoMatchTolerance:     getEnvAsDuration("LEDGER_AUTOMATCH_TOLERANCE", 48*time.Hour),
		UnmatchedPageSize:      getEnvAsInt("LEDGER_UNMATCHED_PAGE_SIZE", 50),
		UnmatchedPageMax:       getEnvAsInt("LEDGER_UNMATCHED_PAGE_MAX", 200),
		SettlementQueue:        getEnv("LEDGER_SETTLEMENT_QUEUE", "ledger:settlement"),
		AuditQueue:             getEnv("LEDGER_AUDIT_QUEUE", "ledger:audit"),
		AuditBuffer:            getEnvAsInt("LEDGER_AUDIT_BUFFER", 256),
		RateLimitPerWindow:     getEnvAsInt("LEDGER_RATE_LIMIT_PER_WINDOW", 120),
		RateLimitWindow:        getEnvAsDuration("LEDGER_RATE_LIMIT_WINDOW", 1*time.Minute),
		SnapshotQRSize:         getEnvAsInt("LEDGER_SNAPSHOT_QR_SIZE", 256),
		PlatformName:           getEnv("LEDGER_PLATFORM_NAME", "CreatorPay Platform"),
		PlatformBIC:            getEnv("LEDGER_PLATFORM_BIC", "CRPYUS33"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if floatVal, err := strconv.ParseFloat(val, 64); err == nil {
			return floatVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}
