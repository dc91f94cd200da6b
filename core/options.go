package orchestration

import (
	"context"
	"time"
)

const (
	defaultPlaybackTimeout = 60 * time.Second
	defaultProactivePrompt = "Please say something."
	defaultHistoryWindow   = 12
)

type handlerOptions struct {
	playbackTimeout time.Duration
	systemPrompt    string
	proactivePrompt string
	historyWindow   int

	// groupTurnLimit caps how many member turns one group trigger may chain.
	// Zero means no cap; the chain runs until interrupted.
	groupTurnLimit int

	displayName   func(ClientID) string
	agentProvider func(ClientID) AgentEngine
	baseContext   context.Context
}

func defaultHandlerOptions() handlerOptions {
	return handlerOptions{
		playbackTimeout: defaultPlaybackTimeout,
		proactivePrompt: defaultProactivePrompt,
		historyWindow:   defaultHistoryWindow,
		displayName:     func(client ClientID) string { return string(client) },
		baseContext:     context.Background(),
	}
}

type HandlerOption func(*handlerOptions)

// WithPlaybackTimeout bounds how long a turn waits for the client's
// playback-complete acknowledgement before proceeding anyway.
func WithPlaybackTimeout(timeout time.Duration) HandlerOption {
	return func(o *handlerOptions) {
		if timeout > 0 {
			o.playbackTimeout = timeout
		}
	}
}

func WithSystemPrompt(prompt string) HandlerOption {
	return func(o *handlerOptions) { o.systemPrompt = prompt }
}

// WithProactivePrompt overrides the synthetic user text used for turns the
// assistant starts on its own.
func WithProactivePrompt(prompt string) HandlerOption {
	return func(o *handlerOptions) {
		if prompt != "" {
			o.proactivePrompt = prompt
		}
	}
}

// WithHistoryWindow sets how many recent history lines are loaded into each
// turn's request.
func WithHistoryWindow(lines int) HandlerOption {
	return func(o *handlerOptions) {
		if lines >= 0 {
			o.historyWindow = lines
		}
	}
}

// WithGroupTurnLimit caps group conversation chains at the given number of
// member turns per trigger. Zero removes the cap.
func WithGroupTurnLimit(turns int) HandlerOption {
	return func(o *handlerOptions) {
		if turns >= 0 {
			o.groupTurnLimit = turns
		}
	}
}

// WithDisplayNameResolver customizes how client IDs are rendered as speaker
// names in group history.
func WithDisplayNameResolver(resolve func(ClientID) string) HandlerOption {
	return func(o *handlerOptions) {
		if resolve != nil {
			o.displayName = resolve
		}
	}
}

// WithAgentProvider supplies a per-client agent engine, letting group members
// answer with distinct personas. Clients the provider returns nil for fall
// back to the shared collaborator agent.
func WithAgentProvider(provide func(ClientID) AgentEngine) HandlerOption {
	return func(o *handlerOptions) { o.agentProvider = provide }
}

// WithBaseContext sets the context conversation tasks derive from. Cancelling
// it stops every running conversation.
func WithBaseContext(ctx context.Context) HandlerOption {
	return func(o *handlerOptions) {
		if ctx != nil {
			o.baseContext = ctx
		}
	}
}
