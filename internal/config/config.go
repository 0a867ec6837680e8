package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all environment-driven settings.
type Config struct {
	NotesDir      string
	WorkDir       string
	DBPath        string
	HTTPPort      string
	Environment   string
	WorkerCount   int
	QueueSize     int
	EnableWatcher bool

	AssemblyAI AssemblyAIConfig
	Claude     ClaudeConfig
	Reflect    ReflectConfig

	PromptsPath string
	Prompts     PromptsConfig
}

// AssemblyAIConfig drives the speech-to-text submit/poll cycle.
type AssemblyAIConfig struct {
	APIKey          string
	BaseURL         string
	LanguageCode    string
	PollInterval    time.Duration
	MaxPollAttempts int
}

// ClaudeConfig drives question generation and answer integration.
type ClaudeConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

// ReflectConfig bounds the clarifying dialogue.
type ReflectConfig struct {
	MaxRounds int
}

// Load reads configuration from environment and optional .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		NotesDir:      getenv("NOTES_DIR", "./notes"),
		WorkDir:       getenv("WORK_DIR", "./work"),
		DBPath:        getenv("DB_PATH", "./reflect.db"),
		HTTPPort:      getenv("PORT", "8080"),
		Environment:   getenv("ENVIRONMENT", "local"),
		WorkerCount:   clampInt(getenvInt("WORKER_COUNT", 4), 1, 64),
		QueueSize:     clampInt(getenvInt("QUEUE_SIZE", 128), 8, 1024),
		EnableWatcher: getenvBool("ENABLE_WATCHER", true),
		AssemblyAI: AssemblyAIConfig{
			APIKey:          getenv("ASSEMBLYAI_API_KEY", ""),
			BaseURL:         getenv("ASSEMBLYAI_BASE_URL", "https://api.assemblyai.com/v2"),
			LanguageCode:    getenv("ASSEMBLYAI_LANGUAGE", "de"),
			PollInterval:    time.Duration(clampInt(getenvInt("TRANSCRIBE_POLL_INTERVAL_MS", 3000), 200, 30000)) * time.Millisecond,
			MaxPollAttempts: clampInt(getenvInt("TRANSCRIBE_MAX_POLLS", 100), 1, 1000),
		},
		Claude: ClaudeConfig{
			APIKey:    getenv("CLAUDE_API_KEY", ""),
			BaseURL:   getenv("CLAUDE_BASE_URL", "https://api.anthropic.com/v1/messages"),
			Model:     getenv("CLAUDE_MODEL", "claude-sonnet-4-5-20250929"),
			MaxTokens: clampInt(getenvInt("CLAUDE_MAX_TOKENS", 2048), 256, 8192),
		},
		Reflect: ReflectConfig{
			MaxRounds: clampInt(getenvInt("REFLECT_MAX_ROUNDS", 5), 1, 50),
		},
		PromptsPath: getenv("PROMPTS_CONFIG", ""),
	}

	cfg.Prompts = DefaultPrompts()
	if cfg.PromptsPath != "" {
		prompts, err := LoadPrompts(cfg.PromptsPath)
		if err != nil {
			log.Printf("prompts config %s: %v (using defaults)", cfg.PromptsPath, err)
		} else {
			cfg.Prompts = prompts
		}
	}

	log.Printf("config: notes_dir=%s work_dir=%s db=%s env=%s", cfg.NotesDir, cfg.WorkDir, cfg.DBPath, cfg.Environment)
	return cfg
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Now returns utc time helper for deterministic timestamps.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
