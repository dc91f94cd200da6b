package orchestration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/miavoice/mia-core/core/messages"
)

// fakeSynthesizer returns one byte of audio per character, after the
// configured per-text delay. Texts listed in failures error instead.
type fakeSynthesizer struct {
	mu       sync.Mutex
	delays   map[string]time.Duration
	failures map[string]bool
	calls    []string
}

func newFakeSynthesizer() *fakeSynthesizer {
	return &fakeSynthesizer{delays: map[string]time.Duration{}, failures: map[string]bool{}}
}

func (s *fakeSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	s.mu.Lock()
	s.calls = append(s.calls, text)
	delay := s.delays[text]
	fail := s.failures[text]
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errors.New("synthesis backend unavailable")
	}
	return make([]byte, len(text)), nil
}

func (s *fakeSynthesizer) SampleRate() int { return 16000 }

func (s *fakeSynthesizer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// recordingSender captures every outbound message in order.
type recordingSender struct {
	mu       sync.Mutex
	messages []messages.Outbound
	fail     bool
}

func (r *recordingSender) Send(_ context.Context, msg messages.Outbound) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fail {
		return errors.New("connection lost")
	}
	r.messages = append(r.messages, msg)
	return nil
}

func (r *recordingSender) snapshot() []messages.Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]messages.Outbound, len(r.messages))
	copy(out, r.messages)
	return out
}

func (r *recordingSender) typesSeen() []string {
	var types []string
	for _, msg := range r.snapshot() {
		types = append(types, msg.Type)
	}
	return types
}

func (r *recordingSender) audioSequences() []int {
	var sequences []int
	for _, msg := range r.snapshot() {
		if msg.Type == messages.TypeAudioResponse && msg.Sequence != nil {
			sequences = append(sequences, *msg.Sequence)
		}
	}
	return sequences
}

func (r *recordingSender) firstOfType(msgType string) (messages.Outbound, bool) {
	for _, msg := range r.snapshot() {
		if msg.Type == msgType {
			return msg, true
		}
	}
	return messages.Outbound{}, false
}

func (r *recordingSender) countOfType(msgType string) int {
	count := 0
	for _, msg := range r.snapshot() {
		if msg.Type == msgType {
			count++
		}
	}
	return count
}

// scriptedAgent yields its configured sentences. If blockAfter is set, the
// stream stalls after that many sentences until the context is cancelled,
// simulating an in-flight response that gets interrupted.
type scriptedAgent struct {
	sentences  []string
	err        error
	blockAfter int

	mu         sync.Mutex
	interrupts []string
	requests   []AgentRequest
}

func (a *scriptedAgent) Chat(ctx context.Context, request AgentRequest) AgentStream {
	a.mu.Lock()
	a.requests = append(a.requests, request)
	a.mu.Unlock()

	return func(yield func(AgentOutput, error) bool) {
		for i, sentence := range a.sentences {
			if a.blockAfter > 0 && i == a.blockAfter {
				<-ctx.Done()
				yield(nil, ctx.Err())
				return
			}
			if !yield(SentenceOutput{DisplayText: sentence, TTSText: sentence}, nil) {
				return
			}
		}
		if a.err != nil {
			yield(nil, a.err)
		}
	}
}

func (a *scriptedAgent) HandleInterrupt(_ context.Context, partial string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.interrupts = append(a.interrupts, partial)
}

func (a *scriptedAgent) lastRequest() AgentRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.requests) == 0 {
		return AgentRequest{}
	}
	return a.requests[len(a.requests)-1]
}

func (a *scriptedAgent) interruptCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.interrupts)
}

// memoryHistory is an in-memory history store.
type memoryHistory struct {
	mu    sync.Mutex
	lines map[ClientID][]string
}

func newMemoryHistory() *memoryHistory {
	return &memoryHistory{lines: map[ClientID][]string{}}
}

func (h *memoryHistory) AppendUser(_ context.Context, client ClientID, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lines[client] = append(h.lines[client], "User: "+text)
	return nil
}

func (h *memoryHistory) AppendAssistant(_ context.Context, client ClientID, text string, markers ...string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if text != "" {
		h.lines[client] = append(h.lines[client], "Assistant: "+text)
	}
	h.lines[client] = append(h.lines[client], markers...)
	return nil
}

func (h *memoryHistory) Retrieve(_ context.Context, client ClientID, query string) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var matches []string
	for _, line := range h.lines[client] {
		if strings.Contains(strings.ToLower(line), strings.ToLower(query)) {
			matches = append(matches, line)
		}
	}
	return matches, nil
}

func (h *memoryHistory) Recent(_ context.Context, client ClientID, limit int) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	lines := h.lines[client]
	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	out := make([]string, len(lines))
	copy(out, lines)
	return out, nil
}

func (h *memoryHistory) snapshot(client ClientID) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.lines[client]))
	copy(out, h.lines[client])
	return out
}

type fakeTranscriber struct {
	transcript string
	err        error
}

func (t *fakeTranscriber) Transcribe(context.Context, []byte) (string, error) {
	return t.transcript, t.err
}

// autoAcknowledge pumps playback-complete responses into the gate whenever a
// synth-complete message goes out, imitating a well-behaved client.
func autoAcknowledge(handler *ConversationHandler, client ClientID, sender *recordingSender) SendFunc {
	return func(ctx context.Context, msg messages.Outbound) error {
		if err := sender.Send(ctx, msg); err != nil {
			return err
		}
		if msg.Type == messages.TypeBackendSynthComplete {
			go func() {
				// The waiter registers right after sending; give it a beat.
				for range 50 {
					time.Sleep(time.Millisecond)
					if handler.gate.Deliver(client, messages.Inbound{Type: messages.TypeFrontendPlaybackComplete}) {
						return
					}
				}
			}()
		}
		return nil
	}
}

func waitFor(timeout time.Duration, condition func() bool) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return nil
		}
		time.Sleep(2 * time.Millisecond)
	}
	return fmt.Errorf("condition not met within %v", timeout)
}
