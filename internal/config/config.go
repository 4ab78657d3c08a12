package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

// ストレージドライバー
const (
	StoreDriverPostgres = "postgres"
	StoreDriverSQLite   = "sqlite"
	StoreDriverMemory   = "memory"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Storage
	StoreDriver string
	DatabaseURL string
	SQLitePath  string
	// SeedFile はmemoryドライバー起動時に読み込むシードファイル（任意）
	SeedFile string

	// Ledger
	LoanPeriod           time.Duration
	LedgerMaxAttempts    int
	LedgerRetryBaseDelay time.Duration
	ReadRetryAttempts    int

	// Directory
	DirectoryURL     string
	DirectoryTimeout time.Duration

	// Rate Limit（req/min/client）
	RateLimitGeneral int
	RateLimitLoans   int

	// Worker
	OverdueScanInterval time.Duration
	MetricsPort         string

	// Logging
	LogLevel string

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string

	// TrustedProxies はX-Forwarded-For等を信用する接続元。空の場合はヘッダーを無視する。
	TrustedProxies []netip.Prefix
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。必須かどうかはSTORE_DRIVERによって決まる。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.StoreDriver = getEnvString("STORE_DRIVER", StoreDriverPostgres)
	switch cfg.StoreDriver {
	case StoreDriverPostgres, StoreDriverSQLite, StoreDriverMemory:
	default:
		return nil, fmt.Errorf("unsupported STORE_DRIVER %q (want postgres, sqlite or memory)", cfg.StoreDriver)
	}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.StoreDriver == StoreDriverPostgres && cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.SQLitePath = getEnvString("SQLITE_PATH", "data/booklend.db")
	cfg.SeedFile = getEnvString("SEED_FILE", "")
	cfg.LoanPeriod = getEnvDuration("LOAN_PERIOD", 14*24*time.Hour)
	cfg.LedgerMaxAttempts = getEnvInt("LEDGER_MAX_ATTEMPTS", 5)
	cfg.LedgerRetryBaseDelay = getEnvDuration("LEDGER_RETRY_BASE_DELAY", 10*time.Millisecond)
	cfg.ReadRetryAttempts = getEnvInt("READ_RETRY_ATTEMPTS", 3)
	cfg.DirectoryURL = getEnvString("DIRECTORY_URL", "")
	cfg.DirectoryTimeout = getEnvDuration("DIRECTORY_TIMEOUT", 5*time.Second)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitLoans = getEnvInt("RATE_LIMIT_LOANS", 30)
	cfg.OverdueScanInterval = getEnvDuration("OVERDUE_SCAN_INTERVAL", time.Hour)
	cfg.MetricsPort = getEnvString("METRICS_PORT", "9090")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	proxies, err := ParseTrustedProxies(os.Getenv("TRUSTED_PROXIES"))
	if err != nil {
		return nil, fmt.Errorf("invalid TRUSTED_PROXIES: %w", err)
	}
	cfg.TrustedProxies = proxies

	return cfg, nil
}

// ParseTrustedProxies はカンマ区切りのCIDRまたはIPアドレスを解釈する。
// IPアドレス単体は/32（IPv6は/128）として扱う。
func ParseTrustedProxies(raw string) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, field := range strings.Split(raw, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if strings.Contains(field, "/") {
			p, err := netip.ParsePrefix(field)
			if err != nil {
				return nil, err
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(field)
		if err != nil {
			return nil, err
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
