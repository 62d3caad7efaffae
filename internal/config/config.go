package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/satp-gateway/satp-gateway/internal/domain/ledger"
)

// Config holds gateway configuration.
type Config struct {
	DatabaseURL string
	RedisAddr   string
	ServerAddr  string

	// Retry defaults applied to transfer requests that leave them unset.
	DefaultMaxRetries int
	DefaultMaxTimeout time.Duration
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration

	// Networks are the ledger connector definitions, one adapter each.
	Networks []ledger.ConnectorOptions

	// AdmissionRules are boolean expressions every transfer must satisfy.
	AdmissionRules []string

	// AuditSigningKey signs audit log entries.
	AuditSigningKey []byte
}

// Load reads configuration from environment.
func Load() (*Config, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		user := getenv("POSTGRES_USER", "satp")
		pass := getenv("POSTGRES_PASSWORD", "satp_pass")
		db := getenv("POSTGRES_DB", "satp")
		host := getenv("POSTGRES_HOST", "localhost")
		port := getenv("POSTGRES_PORT", "5432")
		sslmode := getenv("DATABASE_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
	}

	networks, err := parseNetworks(os.Getenv("GATEWAY_NETWORKS"))
	if err != nil {
		return nil, err
	}

	auditKey, err := parseHexKey(getenv("AUDIT_SIGNING_KEY", ""))
	if err != nil {
		return nil, fmt.Errorf("AUDIT_SIGNING_KEY: %w", err)
	}

	return &Config{
		DatabaseURL:       dsn,
		RedisAddr:         getenv("REDIS_ADDR", ""),
		ServerAddr:        getenv("SERVER_ADDR", "0.0.0.0:8080"),
		DefaultMaxRetries: parseInt(getenv("TRANSFER_MAX_RETRIES", "3"), 3),
		DefaultMaxTimeout: parseDuration(getenv("TRANSFER_MAX_TIMEOUT", "60s"), 60*time.Second),
		RetryBaseDelay:    parseDuration(getenv("RETRY_BASE_DELAY", "100ms"), 100*time.Millisecond),
		RetryMaxDelay:     parseDuration(getenv("RETRY_MAX_DELAY", "10s"), 10*time.Second),
		Networks:          networks,
		AdmissionRules:    parseRules(os.Getenv("ADMISSION_RULES")),
		AuditSigningKey:   auditKey,
	}, nil
}

// parseNetworks decodes the GATEWAY_NETWORKS JSON array of connector options.
func parseNetworks(raw string) ([]ledger.ConnectorOptions, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var networks []ledger.ConnectorOptions
	if err := json.Unmarshal([]byte(raw), &networks); err != nil {
		return nil, fmt.Errorf("GATEWAY_NETWORKS: %w", err)
	}
	for i := range networks {
		if err := networks[i].Validate(); err != nil {
			return nil, fmt.Errorf("GATEWAY_NETWORKS[%d]: %w", i, err)
		}
	}
	return networks, nil
}

// parseRules splits ADMISSION_RULES on semicolons; expressions may contain
// commas.
func parseRules(raw string) []string {
	var rules []string
	for _, r := range strings.Split(raw, ";") {
		r = strings.TrimSpace(r)
		if r != "" {
			rules = append(rules, r)
		}
	}
	return rules
}

func parseHexKey(val string) ([]byte, error) {
	if val == "" {
		return nil, nil
	}
	return hex.DecodeString(val)
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}
