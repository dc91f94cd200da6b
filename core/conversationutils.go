package orchestration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/miavoice/mia-core/core/messages"
)

// thinkingPlaceholder is shown while the agent has produced no text yet.
const thinkingPlaceholder = "Thinking..."

// turnInput is the normalized trigger content for one turn. Exactly one of
// text or audio is set for user-initiated turns; both are empty for proactive
// turns, whose prompt the handler substitutes.
type turnInput struct {
	text  string
	audio []byte
}

func sendConversationStartSignals(ctx context.Context, send SendFunc) error {
	if err := send(ctx, messages.NewControl(messages.ActionConversationChainStart)); err != nil {
		return fmt.Errorf("failed to signal conversation start: %w", err)
	}
	if err := send(ctx, messages.NewFullText(thinkingPlaceholder)); err != nil {
		return fmt.Errorf("failed to send placeholder: %w", err)
	}
	return nil
}

// normalizeInput resolves the trigger into user text, transcribing captured
// audio when the client sent raw samples. The second return reports whether
// a transcription happened, so the caller can echo it back.
func (h *ConversationHandler) normalizeInput(ctx context.Context, input turnInput) (string, bool, error) {
	if input.text != "" {
		return strings.TrimSpace(input.text), false, nil
	}

	if len(input.audio) == 0 {
		return "", false, nil
	}

	if h.collaborators.Transcriber == nil {
		return "", false, errors.New("received audio input but no transcriber is configured")
	}

	text, err := h.collaborators.Transcriber.Transcribe(ctx, input.audio)
	if err != nil {
		return "", false, fmt.Errorf("failed to transcribe input audio: %w", err)
	}
	return strings.TrimSpace(text), true, nil
}

// routeAgentOutput dispatches one agent stream item: sentences and audio
// segments go through the ordered synthesis path, tool call statuses are
// forwarded immediately.
func routeAgentOutput(ctx context.Context, output AgentOutput, tts *ttsManager, send SendFunc) {
	switch out := output.(type) {
	case SentenceOutput:
		tts.Speak(ctx, out)
	case AudioSegment:
		tts.EnqueueAudio(ctx, out)
	case ToolCallStatus:
		if err := send(ctx, messages.NewToolCallStatus(out.Name, out.Status, out.Detail)); err != nil {
			logger.WarnContext(ctx, "failed to forward tool call status", "error", err)
		}
	}
}

// finalizeTurn runs the end-of-turn sequence: drain synthesis, announce
// completion, wait (bounded) for every client's playback acknowledgement,
// then close the chain. Playback timeouts and client releases are logged and
// tolerated; only context cancellation aborts the sequence.
func (h *ConversationHandler) finalizeTurn(ctx context.Context, send SendFunc, tts *ttsManager, clients []ClientID) error {
	if err := tts.Drain(ctx); err != nil {
		return fmt.Errorf("failed to drain synthesis: %w", err)
	}

	if err := send(ctx, messages.NewBackendSynthComplete()); err != nil {
		return fmt.Errorf("failed to signal synthesis completion: %w", err)
	}

	var wg sync.WaitGroup
	waitErrs := make([]error, len(clients))
	for i, client := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := h.gate.Wait(ctx, client, messages.TypeFrontendPlaybackComplete, "", h.options.playbackTimeout)
			switch {
			case err == nil:
			case errors.Is(err, ErrWaitTimeout), errors.Is(err, ErrClientReleased):
				logger.WarnContext(ctx, "proceeding without playback confirmation",
					"client", string(client),
					"reason", err.Error(),
				)
			default:
				waitErrs[i] = err
			}
		}()
	}
	wg.Wait()

	if err := errors.Join(waitErrs...); err != nil {
		return err
	}

	if err := send(ctx, messages.NewForceNewMessage()); err != nil {
		return fmt.Errorf("failed to request a new message box: %w", err)
	}
	if err := send(ctx, messages.NewControl(messages.ActionConversationChainEnd)); err != nil {
		return fmt.Errorf("failed to signal conversation end: %w", err)
	}
	return nil
}

func cleanupTurn(tts *ttsManager) {
	tts.Clear()
}
