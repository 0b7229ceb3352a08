package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"

	"gwi.com/local-rag/internal/logging"
)

const (
	EmbedderHash   = "hash"
	EmbedderGemini = "gemini"

	appDirName      = "local-rag"
	preferencesFile = "preferences.yaml"
	defaultRootName = "LocalRAG"
)

type Config struct {
	HTTPPort     string
	LogLevel     string
	LogFormat    string
	DataDir      string
	MessageCap   int
	RagLimit     int
	Embedder     string
	GeminiAPIKey string

	// Vector search tuning.
	MinScore                float64
	PersonalizationMinScore float64
	IndexMaxAge             time.Duration
	IndexMinCandidates      int
}

var AppConfig Config

// LoadConfig reads .env (when present) and the environment into AppConfig.
// The storage root is resolved here once for the process.
func LoadConfig() error {
	if err := godotenv.Load(); err != nil {
		logging.Default().Debug("No .env file found, relying on environment variables")
	}

	cfg := Config{
		HTTPPort:     getEnv("HTTP_PORT", "8080"),
		LogLevel:     getEnv("LOG_LEVEL", "INFO"),
		LogFormat:    getEnv("LOG_FORMAT", "text"),
		MessageCap:   getEnvAsInt("MESSAGE_CAP", 50),
		RagLimit:     getEnvAsInt("RAG_LIMIT", 5),
		Embedder:     strings.ToLower(getEnv("EMBEDDER", EmbedderHash)),
		GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),

		MinScore:                getEnvAsFloat("RAG_MIN_SCORE", 0.1),
		PersonalizationMinScore: getEnvAsFloat("RAG_PERSONAL_MIN_SCORE", 0.05),
		IndexMaxAge:             getEnvAsDuration("INDEX_MAX_AGE", 5*time.Minute),
		IndexMinCandidates:      getEnvAsInt("INDEX_MIN_CANDIDATES", 10),
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	dir, err := ResolveDataDir(getEnv("RAG_DATA_DIR", ""))
	if err != nil {
		return err
	}
	cfg.DataDir = dir

	AppConfig = cfg
	return nil
}

// Validate checks values that cannot be defaulted.
func (c Config) Validate() error {
	switch c.Embedder {
	case EmbedderHash:
	case EmbedderGemini:
		if c.GeminiAPIKey == "" {
			return goerr.New("GEMINI_API_KEY environment variable is required for the gemini embedder")
		}
	default:
		return goerr.New("unknown embedder", goerr.V("embedder", c.Embedder))
	}
	if c.MessageCap <= 0 {
		return goerr.New("MESSAGE_CAP must be positive", goerr.V("value", c.MessageCap))
	}
	for name, v := range map[string]float64{
		"RAG_MIN_SCORE":          c.MinScore,
		"RAG_PERSONAL_MIN_SCORE": c.PersonalizationMinScore,
	} {
		if v < -1 || v > 1 {
			return goerr.New(name+" must be within [-1, 1]", goerr.V("value", v))
		}
	}
	if c.IndexMaxAge < 0 || c.IndexMinCandidates < 0 {
		return goerr.New("index settings must not be negative",
			goerr.V("max_age", c.IndexMaxAge), goerr.V("min_candidates", c.IndexMinCandidates))
	}
	return nil
}

// Preferences is the persisted user preference file.
type Preferences struct {
	DataDir string `yaml:"data_dir,omitempty"`
}

// PreferencesPath returns the location of the preference file.
func PreferencesPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", goerr.Wrap(err, "failed to locate user config directory")
	}
	return filepath.Join(dir, appDirName, preferencesFile), nil
}

// LoadPreferences reads the preference file at path. A missing file is an
// empty preference set.
func LoadPreferences(path string) (*Preferences, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Preferences{}, nil
		}
		return nil, goerr.Wrap(err, "failed to read preferences", goerr.V("path", path))
	}

	var prefs Preferences
	if err := yaml.Unmarshal(raw, &prefs); err != nil {
		return nil, goerr.Wrap(err, "failed to parse preferences", goerr.V("path", path))
	}
	return &prefs, nil
}

// SavePreferences writes prefs to path, creating parent directories.
func SavePreferences(path string, prefs *Preferences) error {
	raw, err := yaml.Marshal(prefs)
	if err != nil {
		return goerr.Wrap(err, "failed to encode preferences")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return goerr.Wrap(err, "failed to create preferences directory", goerr.V("path", path))
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return goerr.Wrap(err, "failed to write preferences", goerr.V("path", path))
	}
	return nil
}

// ResolveDataDir picks the storage root: an explicit override first, then
// the data_dir preference, then ~/Documents/LocalRAG.
func ResolveDataDir(override string) (string, error) {
	prefsPath, err := PreferencesPath()
	if err != nil {
		prefsPath = ""
	}
	home, _ := os.UserHomeDir()
	return resolveDataDir(override, prefsPath, home)
}

func resolveDataDir(override, prefsPath, home string) (string, error) {
	if override != "" {
		return expandHome(override, home), nil
	}

	if prefsPath != "" {
		prefs, err := LoadPreferences(prefsPath)
		if err != nil {
			// A broken preference file must not keep the app from starting.
			logging.Default().Warn("ignoring preference file", "path", prefsPath, "error", err)
		} else if prefs.DataDir != "" {
			return expandHome(prefs.DataDir, home), nil
		}
	}

	if home == "" {
		return "", goerr.New("cannot determine home directory for the default storage root")
	}
	return filepath.Join(home, "Documents", defaultRootName), nil
}

func expandHome(path, home string) string {
	if home == "" {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
