package messages

import (
	"encoding/base64"
	"fmt"
)

// Inbound message types (client → orchestrator).
const (
	TypeTextInput                = "text-input"
	TypeMicAudioEnd              = "mic-audio-end"
	TypeAISpeakSignal            = "ai-speak-signal"
	TypeFrontendPlaybackComplete = "frontend-playback-complete"
	TypeInterrupt                = "interrupt"
)

// Inbound is a single client → orchestrator message.
type Inbound struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// Audio holds base64-encoded captured PCM for mic-audio-end triggers
	// when the client did not transcribe locally.
	Audio string `json:"audio,omitempty"`

	// RequestID correlates a response with an earlier request, for response
	// kinds that need it.
	RequestID string `json:"request_id,omitempty"`
}

// IsTrigger reports whether the message starts a conversation turn.
func (m Inbound) IsTrigger() bool {
	switch m.Type {
	case TypeTextInput, TypeMicAudioEnd, TypeAISpeakSignal:
		return true
	}
	return false
}

// DecodeAudio decodes the base64 audio attached to the message.
func (m Inbound) DecodeAudio() ([]byte, error) {
	if m.Audio == "" {
		return nil, nil
	}

	audio, err := base64.StdEncoding.DecodeString(m.Audio)
	if err != nil {
		return nil, fmt.Errorf("failed to decode message audio: %w", err)
	}
	return audio, nil
}
