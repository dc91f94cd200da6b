package orchestration

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/miavoice/mia-core/core/messages"
)

// runGroupConversation drives a chain of member turns after one trigger.
// Every outbound message is broadcast to all members; each member turn sees
// only the history lines it has not read yet.
func (h *ConversationHandler) runGroupConversation(ctx context.Context, state *GroupState, trigger ClientID, input turnInput, metadata TurnMetadata) error {
	ctx, span := tracer.Start(ctx, "group conversation chain",
		trace.WithAttributes(
			attribute.String("group.id", string(state.ID())),
			attribute.String("group.session", state.SessionTag()),
			attribute.String("trigger.client", string(trigger)),
		),
	)
	defer span.End()

	send := h.broadcastSendFunc(state)

	userText, transcribed, err := h.normalizeInput(ctx, input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to normalize group input")
		h.reportTurnError(ctx, send, err)
		return err
	}

	if userText == "" && !metadata.Proactive {
		return nil
	}
	if metadata.Proactive && userText == "" {
		userText = h.options.proactivePrompt
	}

	if transcribed {
		if err := send(ctx, messages.NewUserInputTranscription(userText)); err != nil {
			logger.WarnContext(ctx, "failed to echo group transcription", "error", err)
		}
	}

	state.appendHistory(fmt.Sprintf("%s: %s", h.options.displayName(trigger), userText))

	turns := 0
	for ctx.Err() == nil {
		if h.options.groupTurnLimit > 0 && turns >= h.options.groupTurnLimit {
			span.AddEvent("group turn limit reached", trace.WithAttributes(attribute.Int("turns", turns)))
			break
		}

		speaker, ok := state.nextSpeaker()
		if !ok {
			break
		}
		turns++

		err := h.runGroupMemberTurn(ctx, state, speaker, send, metadata)
		switch {
		case err == nil:

		case errors.Is(err, context.Canceled):
			span.AddEvent("group chain interrupted", trace.WithAttributes(attribute.Int("turns", turns)))
			return err

		default:
			// A failing member should not kill the chain; they rejoin the
			// rotation and the next member speaks.
			span.RecordError(err)
			logger.WarnContext(ctx, "group member turn failed, continuing rotation",
				"member", string(speaker),
				"error", err,
			)
		}
	}

	span.SetAttributes(attribute.Int("group.turns", turns))
	return ctx.Err()
}

// runGroupMemberTurn runs one member's response against their unread history
// window and settles the shared transcript afterwards.
func (h *ConversationHandler) runGroupMemberTurn(ctx context.Context, state *GroupState, speaker ClientID, send SendFunc, metadata TurnMetadata) error {
	ctx, span := tracer.Start(ctx, "group member turn",
		trace.WithAttributes(
			attribute.String("member.id", string(speaker)),
			attribute.StringSlice("group.members", clientIDStrings(state.Members())),
		),
	)
	defer span.End()

	tts := newTTSManager(h.collaborators.Synthesizer, send)
	defer cleanupTurn(tts)

	if err := sendConversationStartSignals(ctx, send); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to open member chain")
		return err
	}

	request := AgentRequest{
		SystemPrompt: h.options.systemPrompt,
		Metadata:     metadata,
		Context:      state.contextWindow(speaker),
	}

	agent := h.agentFor(speaker)
	name := h.options.displayName(speaker)

	var partial strings.Builder
	streamErr := streamAgentOutputs(ctx, agent, request, tts, send, &partial)

	switch {
	case streamErr == nil:
		if err := h.finalizeTurn(ctx, send, tts, state.Members()); err != nil {
			span.RecordError(err)
			if errors.Is(err, context.Canceled) {
				state.recordInterrupted(speaker, fmt.Sprintf("%s: %s", name, partial.String()))
				agent.HandleInterrupt(context.WithoutCancel(ctx), partial.String())
				return err
			}
			span.SetStatus(codes.Error, "failed to finalize member turn")
			return err
		}

		state.completeTurn(speaker, fmt.Sprintf("%s: %s", name, partial.String()))
		return nil

	case errors.Is(streamErr, context.Canceled):
		span.AddEvent("member turn interrupted mid-stream")
		state.recordInterrupted(speaker, fmt.Sprintf("%s: %s", name, partial.String()))
		agent.HandleInterrupt(context.WithoutCancel(ctx), partial.String())
		return streamErr

	default:
		span.RecordError(streamErr)
		span.SetStatus(codes.Error, "member agent stream failed")
		state.completeTurn(speaker, "", errorMarker)
		if err := send(ctx, messages.NewControl(messages.ActionConversationChainEnd)); err != nil {
			logger.WarnContext(ctx, "failed to close failed member chain", "error", err)
		}
		return streamErr
	}
}

// broadcastSendFunc fans one outbound message out to every current member.
// Per-recipient failures are logged, never fatal, so one dead connection
// cannot stall the group.
func (h *ConversationHandler) broadcastSendFunc(state *GroupState) SendFunc {
	return func(ctx context.Context, message messages.Outbound) error {
		for _, member := range state.Members() {
			h.mu.Lock()
			send := h.sessions[member]
			h.mu.Unlock()

			if send == nil {
				continue
			}
			if err := send(ctx, message); err != nil {
				logger.WarnContext(ctx, "failed to deliver group message",
					"member", string(member),
					"error", err,
				)
			}
		}
		return nil
	}
}

func clientIDStrings(clients []ClientID) []string {
	out := make([]string, len(clients))
	for i, c := range clients {
		out[i] = string(c)
	}
	return out
}
