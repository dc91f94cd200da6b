// Package config loads runtime configuration from the environment, with an
// optional .env file for development.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr string

	OpenAIBaseURL string
	OpenAIAPIKey  string
	Model         string
	SystemPrompt  string

	DeepgramAPIKey string
	TTSVoice       string
	TTSSampleRate  int
	STTSampleRate  int

	HistoryDBPath string

	PlaybackTimeout time.Duration
	HistoryWindow   int
	GroupTurnLimit  int
}

func Load() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}

	return Config{
		Addr: getEnv("ADDR", ":12393"),

		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),
		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		Model:         getEnv("MODEL", "gpt-4o-mini"),
		SystemPrompt:  getEnv("SYSTEM_PROMPT", ""),

		DeepgramAPIKey: getEnv("DEEPGRAM_API_KEY", ""),
		TTSVoice:       getEnv("TTS_VOICE", ""),
		TTSSampleRate:  getEnvInt("TTS_SAMPLE_RATE", 24000),
		STTSampleRate:  getEnvInt("STT_SAMPLE_RATE", 16000),

		HistoryDBPath: getEnv("HISTORY_DB_PATH", "data/history.db"),

		PlaybackTimeout: getEnvDuration("PLAYBACK_TIMEOUT", 60*time.Second),
		HistoryWindow:   getEnvInt("HISTORY_WINDOW", 12),
		GroupTurnLimit:  getEnvInt("GROUP_TURN_LIMIT", 0),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
		slog.Warn("invalid integer in environment, using default", "key", key, "value", value)
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
		slog.Warn("invalid duration in environment, using default", "key", key, "value", value)
	}
	return fallback
}
