package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/miavoice/mia-core/config"
	orchestration "github.com/miavoice/mia-core/core"
	"github.com/miavoice/mia-core/core/agents/openai"
	"github.com/miavoice/mia-core/core/memory/sqlite"
	deepgramstt "github.com/miavoice/mia-core/core/speechtotext/deepgram"
	deepgramtts "github.com/miavoice/mia-core/core/texttospeech/deepgram"
	"github.com/miavoice/mia-core/core/transport"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.NewStore(cfg.HistoryDBPath)
	if err != nil {
		slog.Error("failed to open history store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	synthesizer, err := deepgramtts.NewSpeechClient(cfg.DeepgramAPIKey,
		deepgramtts.WithVoice(cfg.TTSVoice),
		deepgramtts.WithSampleRate(cfg.TTSSampleRate),
	)
	if err != nil {
		slog.Error("failed to create speech client", "error", err)
		os.Exit(1)
	}

	transcriber, err := deepgramstt.NewTranscriptionClient(cfg.DeepgramAPIKey,
		deepgramstt.WithSampleRate(cfg.STTSampleRate),
	)
	if err != nil {
		slog.Error("failed to create transcription client", "error", err)
		os.Exit(1)
	}

	agentOpts := []openai.ClientOption{}
	if cfg.OpenAIBaseURL != "" {
		agentOpts = append(agentOpts, openai.WithBaseURL(cfg.OpenAIBaseURL))
	}
	agent := openai.NewClient(cfg.OpenAIAPIKey, cfg.Model, agentOpts...)

	handler := orchestration.NewConversationHandler(
		orchestration.Collaborators{
			Agent:       agent,
			Synthesizer: synthesizer,
			Transcriber: transcriber,
			History:     store,
		},
		orchestration.WithBaseContext(ctx),
		orchestration.WithSystemPrompt(cfg.SystemPrompt),
		orchestration.WithPlaybackTimeout(cfg.PlaybackTimeout),
		orchestration.WithHistoryWindow(cfg.HistoryWindow),
		orchestration.WithGroupTurnLimit(cfg.GroupTurnLimit),
	)

	server := transport.NewServer(handler)
	if err := server.Run(cfg.Addr); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
