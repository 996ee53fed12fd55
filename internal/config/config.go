package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Provider selects which LLM backend answers free-text queries.
const (
	ProviderGroq   = "groq"
	ProviderOpenAI = "openai"
	ProviderNone   = "none"
)

type Config struct {
	Port        string
	DatabaseURL string // Postgres connection string; empty means SQLite
	SQLitePath  string

	LLMProvider  string
	GroqAPIKey   string
	GroqModel    string
	OpenAIAPIKey string
	OpenAIModel  string

	InboxDir     string
	ProcessedDir string
	RejectedDir  string

	MaxFilesPerBatch  int
	MaxFileSizeMB     int
	ProcessingTimeout int // seconds, per pipeline pass

	NumParserWorkers   int
	ResultsChannelSize int

	LogMode string
}

func New() (*Config, error) {
	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		SQLitePath:         getEnv("SQLITE_DB_PATH", filepath.Join("data", "fiscalia.db")),
		LLMProvider:        getEnv("LLM_PROVIDER", ProviderGroq),
		GroqAPIKey:         os.Getenv("GROQ_API_KEY"),
		GroqModel:          getEnv("GROQ_MODEL", "llama-3.3-70b-versatile"),
		OpenAIAPIKey:       os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:        getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		InboxDir:           getEnv("INBOX_DIR", filepath.Join("arquivos", "entrados")),
		ProcessedDir:       getEnv("PROCESSED_DIR", filepath.Join("arquivos", "processados")),
		RejectedDir:        getEnv("REJECTED_DIR", filepath.Join("arquivos", "rejeitados")),
		MaxFilesPerBatch:   100,
		MaxFileSizeMB:      10,
		ProcessingTimeout:  300,
		NumParserWorkers:   4,
		ResultsChannelSize: 200,
		LogMode:            getEnv("LOG_MODE", "dev"),
	}

	var err error
	cfg.MaxFilesPerBatch, err = getEnvAsInt("MAX_FILES_PER_BATCH", cfg.MaxFilesPerBatch)
	if err != nil {
		return nil, err
	}

	cfg.MaxFileSizeMB, err = getEnvAsInt("MAX_FILE_SIZE_MB", cfg.MaxFileSizeMB)
	if err != nil {
		return nil, err
	}

	cfg.ProcessingTimeout, err = getEnvAsInt("PROCESSING_TIMEOUT_SECONDS", cfg.ProcessingTimeout)
	if err != nil {
		return nil, err
	}

	cfg.NumParserWorkers, err = getEnvAsInt("NUM_PARSER_WORKERS", cfg.NumParserWorkers)
	if err != nil {
		return nil, err
	}

	cfg.ResultsChannelSize, err = getEnvAsInt("RESULTS_CHANNEL_SIZE", cfg.ResultsChannelSize)
	if err != nil {
		return nil, err
	}

	if err := cfg.validateLLM(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateLLM aborts startup when the selected provider has no API key.
func (c *Config) validateLLM() error {
	switch c.LLMProvider {
	case ProviderGroq:
		if c.GroqAPIKey == "" {
			return fmt.Errorf("GROQ_API_KEY is not set (LLM_PROVIDER=%s)", c.LLMProvider)
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is not set (LLM_PROVIDER=%s)", c.LLMProvider)
		}
	case ProviderNone:
		// free-text queries disabled
	default:
		return fmt.Errorf("invalid LLM_PROVIDER %q: use groq, openai or none", c.LLMProvider)
	}
	return nil
}

// UseSQLite reports whether the SQLite fallback is active.
func (c *Config) UseSQLite() bool {
	return c.DatabaseURL == ""
}

// MaxFileSizeBytes converts the configured limit to bytes.
func (c *Config) MaxFileSizeBytes() int64 {
	return int64(c.MaxFileSizeMB) * 1024 * 1024
}

// EnsureDirectories creates the three lifecycle directories and the SQLite
// data directory when missing.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.InboxDir, c.ProcessedDir, c.RejectedDir}
	if c.UseSQLite() {
		dirs = append(dirs, filepath.Dir(c.SQLitePath))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: expected an integer, got '%s'", key, valueStr)
	}

	return value, nil
}
