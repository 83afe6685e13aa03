package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AppConfig holds all configuration for the application.
// The values are loaded from environment variables.
type AppConfig struct {
	// Core settings
	Port         string
	DatabasePath string
	LogLevel     string

	// Security settings
	JWTSecret          string
	MaxUploadSizeBytes int64
	AllowedOrigins     []string

	// Archive handling
	ArchivePasswords []string

	// Format detection overrides, glob pattern -> format name
	FormatOverrides map[string]string

	// Full restatement handling
	ResetMarkers             []string
	ResetRequireConfirmation bool

	// Transaction classification
	UnknownActionPolicy           string
	LedgerACreditKeywords         []string
	LedgerADebitKeywords          []string
	LedgerAExcludeKeywords        []string
	ExternalLedgerCreditKeywords  []string
	ExternalLedgerDebitKeywords   []string
	ExternalLedgerExcludeKeywords []string

	// Worker settings
	ExtractWorkers  int
	MergeWorkers    int
	MergeMaxRetries int

	// NAV settings
	NAVFeedURL       string
	NAVLookupTimeout time.Duration
	NAVFeedTimeout   time.Duration
	NAVCacheTTL      time.Duration
}

// Cfg is a global instance of the AppConfig.
var Cfg *AppConfig

const DefaultNAVFeedURL = "https://www.amfiindia.com/spages/NAVAll.txt"

// LoadConfig loads configuration from environment variables or a .env file
// and stores the result in Cfg.
func LoadConfig() {
	errEnv := godotenv.Load()
	if errEnv != nil {
		errEnv = godotenv.Load("../.env")
	}

	if errEnv != nil {
		if os.IsNotExist(errEnv) {
			log.Println("Info: No .env file found in current or parent directory. Relying on OS environment variables.")
		} else {
			log.Printf("Warning: Error loading .env file: %v. Relying on OS environment variables.", errEnv)
		}
	} else {
		log.Println(".env file loaded successfully.")
	}

	log.Println("Loading application configuration...")
	Cfg = FromEnv()

	log.Printf("Configuration loaded: Port=%s, LogLevel=%s, DBPath=%s, ResetMarkers=%v, UnknownActionPolicy=%s",
		Cfg.Port, Cfg.LogLevel, Cfg.DatabasePath, Cfg.ResetMarkers, Cfg.UnknownActionPolicy)
	log.Printf("Archive passwords loaded: %d", len(Cfg.ArchivePasswords))
}

// FromEnv builds an AppConfig from the current process environment without
// touching the global instance.
func FromEnv() *AppConfig {
	maxUploadSizeBytesStr := getEnv("MAX_UPLOAD_SIZE_BYTES", "20971520") // 20MB default
	maxUploadSizeBytes, err := strconv.ParseInt(maxUploadSizeBytesStr, 10, 64)
	if err != nil {
		log.Printf("WARNING: Invalid MAX_UPLOAD_SIZE_BYTES format '%s'. Using default 20MB. Error: %v", maxUploadSizeBytesStr, err)
		maxUploadSizeBytes = 20 * 1024 * 1024
	}

	unknownPolicy := strings.ToLower(getEnv("UNKNOWN_ACTION_POLICY", "zero"))
	if unknownPolicy != "zero" && unknownPolicy != "exclude" {
		log.Printf("WARNING: Invalid UNKNOWN_ACTION_POLICY '%s', using 'zero'.", unknownPolicy)
		unknownPolicy = "zero"
	}

	jwtSecret := getEnv("JWT_SECRET", "")
	if len(jwtSecret) < 32 {
		log.Println("WARNING: JWT_SECRET is missing or shorter than 32 characters. Protected routes will reject every token.")
	}

	return &AppConfig{
		// Core
		Port:         getEnv("PORT", "8080"),
		DatabasePath: getEnv("DATABASE_PATH", "./portfolio.db"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),

		// Security
		JWTSecret:          jwtSecret,
		MaxUploadSizeBytes: maxUploadSizeBytes,
		AllowedOrigins:     getEnvAsList("ALLOWED_ORIGINS", "http://localhost:3000"),

		// Archives
		ArchivePasswords: getEnvAsList("ARCHIVE_PASSWORDS", ""),

		FormatOverrides: getEnvAsMap("FORMAT_OVERRIDES"),

		// Reset
		ResetMarkers:             getEnvAsList("RESET_MARKERS", "RESTATEMENT,HOLDINGS"),
		ResetRequireConfirmation: getEnvAsBool("RESET_REQUIRE_CONFIRMATION", false),

		// Classification
		UnknownActionPolicy:           unknownPolicy,
		LedgerACreditKeywords:         getEnvAsList("LEDGER_A_CREDIT_KEYWORDS", "PURCHASE,SYSTEMATIC INSTALLMENT,SWITCH IN,REINVEST"),
		LedgerADebitKeywords:          getEnvAsList("LEDGER_A_DEBIT_KEYWORDS", "REDEMPTION,TRANSFER,WITHDRAWAL,SWITCH OUT"),
		LedgerAExcludeKeywords:        getEnvAsList("LEDGER_A_EXCLUDE_KEYWORDS", "PLEDGING,REJ."),
		ExternalLedgerCreditKeywords:  getEnvAsList("EXTERNAL_LEDGER_CREDIT_KEYWORDS", "PURCHASE,S T P IN,SWITCH IN,REINVEST"),
		ExternalLedgerDebitKeywords:   getEnvAsList("EXTERNAL_LEDGER_DEBIT_KEYWORDS", "LATERAL SHIFT OUT,REDEMPTION,SWITCH OUT,WITHDRAWAL"),
		ExternalLedgerExcludeKeywords: getEnvAsList("EXTERNAL_LEDGER_EXCLUDE_KEYWORDS", "PLEDGING,REJ."),

		// Workers
		ExtractWorkers:  getEnvAsInt("EXTRACT_WORKERS", 4),
		MergeWorkers:    getEnvAsInt("MERGE_WORKERS", 4),
		MergeMaxRetries: getEnvAsInt("MERGE_MAX_RETRIES", 3),

		// NAV
		NAVFeedURL:       getEnv("NAV_FEED_URL", DefaultNAVFeedURL),
		NAVLookupTimeout: getEnvAsDuration("NAV_LOOKUP_TIMEOUT", 2*time.Second),
		NAVFeedTimeout:   getEnvAsDuration("NAV_FEED_TIMEOUT", 30*time.Second),
		NAVCacheTTL:      getEnvAsDuration("NAV_CACHE_TTL", 15*time.Minute),
	}
}

// getEnv retrieves an environment variable or returns a fallback value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvAsInt retrieves an environment variable as an integer or returns a fallback.
func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := strconv.Atoi(valueStr); err == nil && value > 0 {
		return value
	}
	log.Printf("Invalid integer value for %s ('%s'), using default: %d", key, valueStr, fallback)
	return fallback
}

// getEnvAsBool retrieves an environment variable as a bool or returns a fallback.
func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	log.Printf("Invalid boolean value for %s ('%s'), using default: %t", key, valueStr, fallback)
	return fallback
}

// getEnvAsDuration retrieves an environment variable as a time.Duration or returns a fallback.
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	log.Printf("Invalid duration value for %s ('%s'), using default: %s", key, valueStr, fallback.String())
	return fallback
}

// getEnvAsList retrieves and parses a comma-separated list, dropping empty entries.
func getEnvAsList(key, fallback string) []string {
	raw := getEnv(key, fallback)
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getEnvAsMap parses "key=value,key=value" pairs.
func getEnvAsMap(key string) map[string]string {
	out := make(map[string]string)
	for _, pair := range getEnvAsList(key, "") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" {
			log.Printf("Ignoring malformed %s entry '%s'", key, pair)
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}
