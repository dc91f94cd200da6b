package orchestration

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/miavoice/mia-core/core/messages"
)

const (
	interruptedMarker = "[Interrupted by user]"
	errorMarker       = "[error]"
)

// runSingleConversation drives one turn for a lone client: normalize the
// trigger, assemble the agent request, stream the response through ordered
// synthesis, and settle history according to how the turn ended.
func (h *ConversationHandler) runSingleConversation(ctx context.Context, client ClientID, send SendFunc, input turnInput, metadata TurnMetadata) error {
	ctx, span := tracer.Start(ctx, "conversation turn",
		trace.WithAttributes(
			attribute.String("client.id", string(client)),
			attribute.String("turn.id", uuid.NewString()),
			attribute.Bool("turn.proactive", metadata.Proactive),
		),
	)
	defer span.End()

	tts := newTTSManager(h.collaborators.Synthesizer, send)
	defer cleanupTurn(tts)

	if err := sendConversationStartSignals(ctx, send); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to open conversation chain")
		return err
	}

	userText, transcribed, err := h.normalizeInput(ctx, input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to normalize input")
		h.reportTurnError(ctx, send, err)
		return err
	}

	if userText == "" && !metadata.Proactive {
		// Nothing usable came in; close the chain quietly.
		if err := send(ctx, messages.NewControl(messages.ActionConversationChainEnd)); err != nil {
			logger.WarnContext(ctx, "failed to close empty conversation chain", "error", err)
		}
		return nil
	}

	if transcribed {
		if err := send(ctx, messages.NewUserInputTranscription(userText)); err != nil {
			logger.WarnContext(ctx, "failed to echo transcription", "error", err)
		}
	}

	if metadata.Proactive && userText == "" {
		userText = h.options.proactivePrompt
	}

	request := AgentRequest{
		SystemPrompt: h.options.systemPrompt,
		UserText:     userText,
		Metadata:     metadata,
	}

	if h.collaborators.History != nil {
		if !metadata.SkipMemory {
			fragments, err := h.collaborators.History.Retrieve(ctx, client, userText)
			if err != nil {
				logger.WarnContext(ctx, "context retrieval failed, continuing without it", "error", err)
			} else {
				request.Context = fragments
			}
		}

		recent, err := h.collaborators.History.Recent(ctx, client, h.options.historyWindow)
		if err != nil {
			logger.WarnContext(ctx, "failed to load recent history, continuing without it", "error", err)
		} else {
			request.History = recent
		}

		if !metadata.SkipHistory {
			if err := h.collaborators.History.AppendUser(ctx, client, userText); err != nil {
				logger.WarnContext(ctx, "failed to persist user input", "error", err)
			}
		}
	}

	agent := h.agentFor(client)
	var partial strings.Builder
	streamErr := streamAgentOutputs(ctx, agent, request, tts, send, &partial)

	switch {
	case streamErr == nil:
		if err := h.finalizeTurn(ctx, send, tts, []ClientID{client}); err != nil {
			span.RecordError(err)
			if errors.Is(err, context.Canceled) {
				span.SetStatus(codes.Error, "turn interrupted during finalization")
				return h.persistInterrupted(ctx, client, agent, partial.String(), metadata, err)
			}
			span.SetStatus(codes.Error, "failed to finalize turn")
			return err
		}

		if h.collaborators.History != nil && !metadata.SkipHistory {
			if err := h.collaborators.History.AppendAssistant(ctx, client, partial.String()); err != nil {
				logger.WarnContext(ctx, "failed to persist assistant response", "error", err)
			}
		}
		span.SetAttributes(attribute.Int("response.length", partial.Len()))
		return nil

	case errors.Is(streamErr, context.Canceled):
		span.AddEvent("turn interrupted mid-stream")
		return h.persistInterrupted(ctx, client, agent, partial.String(), metadata, streamErr)

	default:
		span.RecordError(streamErr)
		span.SetStatus(codes.Error, "agent stream failed")
		h.reportTurnError(ctx, send, streamErr)

		if h.collaborators.History != nil && !metadata.SkipHistory && partial.Len() > 0 {
			if err := h.collaborators.History.AppendAssistant(ctx, client, partial.String(), errorMarker); err != nil {
				logger.WarnContext(ctx, "failed to persist partial response", "error", err)
			}
		}
		return streamErr
	}
}

// streamAgentOutputs consumes the agent stream, routing each item and
// accumulating the displayed text so interrupted turns can persist what was
// actually produced.
func streamAgentOutputs(ctx context.Context, agent AgentEngine, request AgentRequest, tts *ttsManager, send SendFunc, partial *strings.Builder) error {
	var streamErr error
	agent.Chat(ctx, request)(func(output AgentOutput, err error) bool {
		if err != nil {
			streamErr = err
			return false
		}
		if ctx.Err() != nil {
			streamErr = context.Canceled
			return false
		}

		if sentence, ok := output.(SentenceOutput); ok && sentence.DisplayText != "" {
			if partial.Len() > 0 {
				partial.WriteString(" ")
			}
			partial.WriteString(sentence.DisplayText)
		}

		routeAgentOutput(ctx, output, tts, send)
		return true
	})

	if streamErr == nil && ctx.Err() != nil {
		streamErr = context.Canceled
	}
	return streamErr
}

// persistInterrupted settles an interrupted turn: the partial response is
// stored with an interruption marker and the agent gets to record the
// truncation. Runs on a detached context since the turn's own was cancelled.
func (h *ConversationHandler) persistInterrupted(ctx context.Context, client ClientID, agent AgentEngine, partial string, metadata TurnMetadata, cause error) error {
	settleCtx := context.WithoutCancel(ctx)

	if h.collaborators.History != nil && !metadata.SkipHistory {
		if err := h.collaborators.History.AppendAssistant(settleCtx, client, partial, interruptedMarker); err != nil {
			logger.WarnContext(settleCtx, "failed to persist interrupted response", "error", err)
		}
	}

	agent.HandleInterrupt(settleCtx, partial)
	return cause
}

func (h *ConversationHandler) reportTurnError(ctx context.Context, send SendFunc, cause error) {
	if err := send(ctx, messages.NewError(fmt.Sprintf("conversation failed: %v", cause))); err != nil {
		logger.WarnContext(ctx, "failed to report turn error", "error", err)
	}
	if err := send(ctx, messages.NewControl(messages.ActionConversationChainEnd)); err != nil {
		logger.WarnContext(ctx, "failed to close conversation chain after error", "error", err)
	}
}
