package orchestration

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/miavoice/mia-core/core/messages"
)

func TestDeriveGroupIDIsOrderIndependent(t *testing.T) {
	a := DeriveGroupID("alice", "bob", "carol")
	b := DeriveGroupID("carol", "alice", "bob")
	if a != b {
		t.Fatalf("expected same ID for same members, got %q and %q", a, b)
	}

	c := DeriveGroupID("alice", "bob")
	if a == c {
		t.Fatalf("different member sets must derive different IDs")
	}
}

func TestGroupStateContextWindows(t *testing.T) {
	state := newGroupState("g", []ClientID{"alice", "bob"})

	state.appendHistory("user: hello everyone")

	speaker, ok := state.nextSpeaker()
	if !ok || speaker != "alice" {
		t.Fatalf("expected alice to speak first, got %q", speaker)
	}
	if window := state.contextWindow("alice"); !slices.Equal(window, []string{"user: hello everyone"}) {
		t.Fatalf("wrong window for alice: %v", window)
	}
	state.completeTurn("alice", "alice: hi!")

	speaker, ok = state.nextSpeaker()
	if !ok || speaker != "bob" {
		t.Fatalf("expected bob to speak second, got %q", speaker)
	}
	if window := state.contextWindow("bob"); !slices.Equal(window, []string{"user: hello everyone", "alice: hi!"}) {
		t.Fatalf("bob must see everything he has not read: %v", window)
	}
	state.completeTurn("bob", "bob: hey")

	// Alice rejoined the rotation; she only sees what came after her turn.
	speaker, ok = state.nextSpeaker()
	if !ok || speaker != "alice" {
		t.Fatalf("expected rotation back to alice, got %q", speaker)
	}
	if window := state.contextWindow("alice"); !slices.Equal(window, []string{"bob: hey"}) {
		t.Fatalf("alice must only see unread lines: %v", window)
	}
}

func TestGroupStateRemoveSpeaker(t *testing.T) {
	state := newGroupState("g", []ClientID{"alice", "bob"})

	if speaker, _ := state.nextSpeaker(); speaker != "alice" {
		t.Fatalf("expected alice first, got %q", speaker)
	}
	if !state.removeMember("alice") {
		t.Fatalf("removing the current speaker must report it")
	}
	if state.removeMember("never-joined") {
		t.Fatalf("removing an unknown member must not report a speaker")
	}

	if speaker, ok := state.nextSpeaker(); !ok || speaker != "bob" {
		t.Fatalf("rotation must continue without the removed member, got %q", speaker)
	}
}

func TestGroupConversationRoundRobin(t *testing.T) {
	agents := map[ClientID]*scriptedAgent{
		"alice": {sentences: []string{"Hi, I am Alice."}},
		"bob":   {sentences: []string{"Bob here."}},
	}

	handler := newTestHandler(t, Collaborators{
		Agent:       &scriptedAgent{},
		Synthesizer: newFakeSynthesizer(),
	},
		WithGroupTurnLimit(2),
		WithAgentProvider(func(client ClientID) AgentEngine {
			if agent, ok := agents[client]; ok {
				return agent
			}
			return nil
		}),
	)

	senders := map[ClientID]*recordingSender{}
	for _, client := range []ClientID{"alice", "bob"} {
		sender := &recordingSender{}
		senders[client] = sender
		handler.RegisterClient(client, autoAcknowledge(handler, client, sender))
		handler.JoinGroup(client, "lobby")
	}

	if err := handler.OnInbound(context.Background(), "alice", messages.Inbound{
		Type: messages.TypeTextInput,
		Text: "hello everyone",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	handler.waitIdle(t)

	// Both member turns ran, and both clients heard both of them.
	for client, sender := range senders {
		if got := sender.countOfType(messages.TypeAudioResponse); got != 2 {
			t.Fatalf("client %s heard %d chunks, want 2; messages: %v", client, got, sender.typesSeen())
		}
		if got := sender.countOfType(messages.TypeBackendSynthComplete); got != 2 {
			t.Fatalf("client %s saw %d synth completions, want 2", client, got)
		}
	}

	// The second speaker's window contained the trigger and the first answer.
	bobRequest := agents["bob"].lastRequest()
	if len(bobRequest.Context) != 2 {
		t.Fatalf("bob's window must hold trigger and alice's line, got %v", bobRequest.Context)
	}
	if !strings.Contains(bobRequest.Context[0], "hello everyone") {
		t.Fatalf("bob's window must start with the trigger, got %v", bobRequest.Context)
	}
	if !strings.Contains(bobRequest.Context[1], "Hi, I am Alice.") {
		t.Fatalf("bob's window must include alice's answer, got %v", bobRequest.Context)
	}
}

func TestGroupMemberErrorAdvancesRotation(t *testing.T) {
	agents := map[ClientID]*scriptedAgent{
		"alice": {err: errors.New("alice's model is down")},
		"bob":   {sentences: []string{"Bob still works."}},
	}

	handler := newTestHandler(t, Collaborators{
		Agent:       &scriptedAgent{},
		Synthesizer: newFakeSynthesizer(),
	},
		WithGroupTurnLimit(2),
		WithAgentProvider(func(client ClientID) AgentEngine { return agents[client] }),
	)

	sender := &recordingSender{}
	handler.RegisterClient("alice", autoAcknowledge(handler, "alice", sender))
	handler.RegisterClient("bob", autoAcknowledge(handler, "bob", &recordingSender{}))
	handler.JoinGroup("alice", "lobby")
	handler.JoinGroup("bob", "lobby")

	if err := handler.OnInbound(context.Background(), "alice", messages.Inbound{
		Type: messages.TypeTextInput,
		Text: "anyone there?",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	handler.waitIdle(t)

	// Alice failed but bob's turn still happened.
	if got := sender.countOfType(messages.TypeAudioResponse); got != 1 {
		t.Fatalf("expected bob's single chunk to reach alice, got %d; messages: %v", got, sender.typesSeen())
	}
}

func TestGroupInterruptReleasesState(t *testing.T) {
	agents := map[ClientID]*scriptedAgent{
		"alice": {sentences: []string{"Starting a long answer."}, blockAfter: 1},
		"bob":   {sentences: []string{"Bob's answer."}},
	}

	handler := newTestHandler(t, Collaborators{
		Agent:       &scriptedAgent{},
		Synthesizer: newFakeSynthesizer(),
	},
		WithAgentProvider(func(client ClientID) AgentEngine { return agents[client] }),
	)

	aliceSender := &recordingSender{}
	bobSender := &recordingSender{}
	handler.RegisterClient("alice", aliceSender.Send)
	handler.RegisterClient("bob", bobSender.Send)
	handler.JoinGroup("alice", "lobby")
	handler.JoinGroup("bob", "lobby")

	ctx := context.Background()
	if err := handler.OnInbound(ctx, "alice", messages.Inbound{
		Type: messages.TypeTextInput,
		Text: "hello",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := waitFor(time.Second, func() bool {
		return aliceSender.countOfType(messages.TypeAudioResponse) >= 1
	}); err != nil {
		t.Fatalf("group turn never started: %v", err)
	}

	// Any member can interrupt the group chain.
	if err := handler.OnInbound(ctx, "bob", messages.Inbound{Type: messages.TypeInterrupt}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	handler.waitIdle(t)

	for name, sender := range map[string]*recordingSender{"alice": aliceSender, "bob": bobSender} {
		if _, found := sender.firstOfType(messages.TypeInterruptSignal); !found {
			t.Fatalf("member %s never saw the interrupt signal: %v", name, sender.typesSeen())
		}
	}

	if agents["alice"].interruptCount() != 1 {
		t.Fatalf("the interrupted speaker's agent must be notified")
	}

	// The group state is gone; the next trigger starts a fresh chain.
	handler.groups.mu.Lock()
	groupCount := len(handler.groups.states)
	handler.groups.mu.Unlock()
	if groupCount != 0 {
		t.Fatalf("expected group state to be released, found %d", groupCount)
	}
}

func TestGroupBroadcastToleratesDeadMember(t *testing.T) {
	agents := map[ClientID]*scriptedAgent{
		"alice": {sentences: []string{"Only me today."}},
		"bob":   {sentences: []string{"Bob too."}},
	}

	handler := newTestHandler(t, Collaborators{
		Agent:       &scriptedAgent{},
		Synthesizer: newFakeSynthesizer(),
	},
		WithGroupTurnLimit(2),
		WithAgentProvider(func(client ClientID) AgentEngine { return agents[client] }),
	)

	aliceSender := &recordingSender{}
	handler.RegisterClient("alice", autoAcknowledge(handler, "alice", aliceSender))
	handler.RegisterClient("bob", (&recordingSender{fail: true}).Send)
	handler.JoinGroup("alice", "lobby")
	handler.JoinGroup("bob", "lobby")

	if err := handler.OnInbound(context.Background(), "alice", messages.Inbound{
		Type: messages.TypeTextInput,
		Text: "hi",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	handler.waitIdle(t)

	// Bob's dead connection must not keep alice from hearing both turns.
	if got := aliceSender.countOfType(messages.TypeAudioResponse); got != 2 {
		t.Fatalf("expected 2 chunks for alice, got %d; messages: %v", got, aliceSender.typesSeen())
	}
}

func TestSpeakerDisconnectCancelsGroupChain(t *testing.T) {
	agents := map[ClientID]*scriptedAgent{
		"alice": {sentences: []string{"A long answer begins."}, blockAfter: 1},
		"bob":   {sentences: []string{"Bob's answer."}},
	}

	handler := newTestHandler(t, Collaborators{
		Agent:       &scriptedAgent{},
		Synthesizer: newFakeSynthesizer(),
	},
		WithAgentProvider(func(client ClientID) AgentEngine { return agents[client] }),
	)

	aliceSender := &recordingSender{}
	bobSender := &recordingSender{}
	handler.RegisterClient("alice", aliceSender.Send)
	handler.RegisterClient("bob", bobSender.Send)
	handler.JoinGroup("alice", "lobby")
	handler.JoinGroup("bob", "lobby")

	if err := handler.OnInbound(context.Background(), "alice", messages.Inbound{
		Type: messages.TypeTextInput,
		Text: "hello",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := waitFor(time.Second, func() bool {
		return bobSender.countOfType(messages.TypeAudioResponse) >= 1
	}); err != nil {
		t.Fatalf("group turn never started: %v", err)
	}

	// Alice is mid-turn as the speaker; her disconnect ends the chain.
	handler.UnregisterClient("alice")
	handler.waitIdle(t)

	if agents["alice"].interruptCount() != 1 {
		t.Fatalf("the disconnected speaker's agent must be told about the truncation")
	}
	if got := bobSender.countOfType(messages.TypeAudioResponse); got != 1 {
		t.Fatalf("bob must not hear further turns after the chain died, got %d chunks", got)
	}
}

func TestGroupTurnLimitStopsTheChain(t *testing.T) {
	provider := func(client ClientID) AgentEngine {
		return &scriptedAgent{sentences: []string{fmt.Sprintf("line from %s", client)}}
	}

	handler := newTestHandler(t, Collaborators{
		Agent:       &scriptedAgent{},
		Synthesizer: newFakeSynthesizer(),
	},
		WithGroupTurnLimit(3),
		WithAgentProvider(provider),
	)

	aliceSender := &recordingSender{}
	handler.RegisterClient("alice", autoAcknowledge(handler, "alice", aliceSender))
	handler.RegisterClient("bob", autoAcknowledge(handler, "bob", &recordingSender{}))
	handler.JoinGroup("alice", "lobby")
	handler.JoinGroup("bob", "lobby")

	if err := handler.OnInbound(context.Background(), "alice", messages.Inbound{
		Type: messages.TypeTextInput,
		Text: "go",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	handler.waitIdle(t)

	if got := aliceSender.countOfType(messages.TypeAudioResponse); got != 3 {
		t.Fatalf("expected the chain to stop at 3 turns, got %d chunks", got)
	}
}
