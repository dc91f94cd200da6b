package messages

import "github.com/miavoice/mia-core/internal/utils"

// Outbound message types (orchestrator → client).
const (
	TypeControl                = "control"
	TypeFullText               = "full-text"
	TypeUserInputTranscription = "user-input-transcription"
	TypeAudioResponse          = "audio-response"
	TypeBackendSynthComplete   = "backend-synth-complete"
	TypeForceNewMessage        = "force-new-message"
	TypeInterruptSignal        = "interrupt-signal"
	TypeToolCallStatus         = "tool_call_status"
	TypeError                  = "error"
)

// Actions for control messages.
const (
	ActionConversationChainStart = "conversation-chain-start"
	ActionConversationChainEnd   = "conversation-chain-end"
)

// Actions carries optional avatar hints attached to an audio chunk.
type Actions struct {
	Expressions []string `json:"expressions,omitempty"`
	Emotion     string   `json:"emotion,omitempty"`
}

// Outbound is a single orchestrator → client message. Only the fields
// relevant to the message's Type are populated; construct values through the
// New* helpers so the discriminator stays consistent.
type Outbound struct {
	Type   string `json:"type"`
	Action string `json:"action,omitempty"`
	Text   string `json:"text,omitempty"`

	// Audio chunk fields. Sequence is a pointer so that sequence 0 is still
	// serialized.
	Audio       string   `json:"audio,omitempty"`
	DisplayText string   `json:"display_text,omitempty"`
	Actions     *Actions `json:"actions,omitempty"`
	Sequence    *int     `json:"sequence,omitempty"`
	SampleRate  int      `json:"sample_rate,omitempty"`

	// Tool call status fields.
	Name   string `json:"name,omitempty"`
	Status string `json:"status,omitempty"`
	Detail string `json:"detail,omitempty"`

	// Error message.
	Message string `json:"message,omitempty"`
}

func NewControl(action string) Outbound {
	return Outbound{Type: TypeControl, Action: action}
}

func NewFullText(text string) Outbound {
	return Outbound{Type: TypeFullText, Text: text}
}

func NewUserInputTranscription(text string) Outbound {
	return Outbound{Type: TypeUserInputTranscription, Text: text}
}

// NewAudioResponse builds one ordered audio chunk. An empty audio string is
// a valid silent payload; it keeps the client's sequence accounting intact
// when synthesis failed or produced nothing.
func NewAudioResponse(audio string, displayText string, actions *Actions, sequence int, sampleRate int) Outbound {
	return Outbound{
		Type:        TypeAudioResponse,
		Audio:       audio,
		DisplayText: displayText,
		Actions:     actions,
		Sequence:    utils.Ptr(sequence),
		SampleRate:  sampleRate,
	}
}

func NewBackendSynthComplete() Outbound {
	return Outbound{Type: TypeBackendSynthComplete}
}

func NewForceNewMessage() Outbound {
	return Outbound{Type: TypeForceNewMessage}
}

func NewInterruptSignal() Outbound {
	return Outbound{Type: TypeInterruptSignal}
}

func NewToolCallStatus(name, status, detail string) Outbound {
	return Outbound{Type: TypeToolCallStatus, Name: name, Status: status, Detail: detail}
}

func NewError(message string) Outbound {
	return Outbound{Type: TypeError, Message: message}
}
