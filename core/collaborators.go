package orchestration

import (
	"context"

	"github.com/miavoice/mia-core/core/messages"
)

// ClientID identifies a connected client.
type ClientID string

// GroupID identifies a group of clients conversing jointly. It is derived
// deterministically from the group's members, see DeriveGroupID.
type GroupID string

// TurnMetadata carries per-turn flags. Lifetime: one turn.
type TurnMetadata struct {
	// Proactive marks a turn the assistant initiated on its own.
	Proactive bool
	// SkipMemory disables context retrieval for this turn.
	SkipMemory bool
	// SkipHistory keeps the turn out of persistent history.
	SkipHistory bool
}

// SentenceOutput is one unit of the agent's response stream, in stream
// order. The TTS manager assigns its sequence number on submission.
type SentenceOutput struct {
	// DisplayText is what the user should see.
	DisplayText string
	// TTSText is what gets synthesized; emotion tags and stage directions
	// are already stripped.
	TTSText string
	// Actions are optional avatar hints attached to the chunk.
	Actions *messages.Actions
}

// AudioSegment is pre-rendered audio produced by the agent directly. It is
// serialized through the TTS manager so it still consumes a sequence number.
type AudioSegment struct {
	// Audio is 16-bit mono PCM.
	Audio       []byte
	DisplayText string
	Actions     *messages.Actions
}

// ToolCallStatus reports agent tool usage for UI display. It is forwarded to
// the client verbatim and does not pass through the audio ordering path.
type ToolCallStatus struct {
	Name   string
	Status string
	Detail string
}

// AgentOutput is the union of items an agent stream can yield.
type AgentOutput interface{ agentOutput() }

func (SentenceOutput) agentOutput() {}
func (AudioSegment) agentOutput()   {}
func (ToolCallStatus) agentOutput() {}

// AgentStream is a lazy sequence of agent outputs. Iteration stops when the
// yield function returns false; a non-nil error ends the stream.
type AgentStream func(yield func(AgentOutput, error) bool)

// AgentRequest is everything the agent engine needs for one turn.
type AgentRequest struct {
	SystemPrompt string
	UserText     string
	Metadata     TurnMetadata

	// History holds recent persistent history lines ("<speaker>: <text>").
	History []string
	// Context holds retrieved memory fragments, or the unread group history
	// window in group mode.
	Context []string
}

// AgentEngine produces the assistant's response for a turn. Chat must honor
// context cancellation; HandleInterrupt lets the engine record that its
// previous response was truncated mid-stream.
type AgentEngine interface {
	Chat(ctx context.Context, request AgentRequest) AgentStream
	HandleInterrupt(ctx context.Context, partialResponse string)
}

// Synthesizer turns one sentence into 16-bit mono PCM. It must honor context
// cancellation; any transient files it creates are its own to clean up.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
	SampleRate() int
}

// Transcriber converts captured PCM into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// HistoryStore persists conversation lines ("<speaker>: <text>") and serves
// retrieval. Markers such as "[Interrupted by user]" are stored as their own
// appended lines.
type HistoryStore interface {
	AppendUser(ctx context.Context, client ClientID, text string) error
	AppendAssistant(ctx context.Context, client ClientID, text string, markers ...string) error
	Retrieve(ctx context.Context, client ClientID, query string) ([]string, error)
	Recent(ctx context.Context, client ClientID, limit int) ([]string, error)
}

// SendFunc delivers one outbound message to a client (or, in group mode, to
// every member). It suspends while the transport flushes.
type SendFunc func(ctx context.Context, message messages.Outbound) error

// Collaborators bundles the external backends a handler drives. Agent and
// Synthesizer are required for turns to produce audio; Transcriber is only
// needed for audio triggers; History may be nil to run without persistence.
type Collaborators struct {
	Agent       AgentEngine
	Synthesizer Synthesizer
	Transcriber Transcriber
	History     HistoryStore
}
