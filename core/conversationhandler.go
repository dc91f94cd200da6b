package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/miavoice/mia-core/core/messages"
)

// ConversationHandler owns all live conversation state: connected sessions,
// room membership, running turn tasks, and the response gate. One handler
// serves many clients; each client runs at most one conversation at a time.
type ConversationHandler struct {
	baseContext   context.Context
	gate          *SyncGate
	collaborators Collaborators
	options       handlerOptions

	mu       sync.Mutex
	tasks    map[string]*conversationTask
	sessions map[ClientID]SendFunc

	rooms       map[ClientID]string
	roomMembers map[string][]ClientID
	roomGroups  map[string]GroupID
	groupOf     map[ClientID]GroupID
	groups      *groupRegistry
}

// conversationTask is one running turn (or group chain), cancellable as a
// unit. done closes after the flow has fully settled, including history
// persistence for interrupted turns.
type conversationTask struct {
	key    string
	cancel context.CancelFunc
	done   chan struct{}
}

func NewConversationHandler(collaborators Collaborators, opts ...HandlerOption) *ConversationHandler {
	options := defaultHandlerOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &ConversationHandler{
		baseContext:   options.baseContext,
		gate:          NewSyncGate(),
		collaborators: collaborators,
		options:       options,

		tasks:       map[string]*conversationTask{},
		sessions:    map[ClientID]SendFunc{},
		rooms:       map[ClientID]string{},
		roomMembers: map[string][]ClientID{},
		roomGroups:  map[string]GroupID{},
		groupOf:     map[ClientID]GroupID{},
		groups:      newGroupRegistry(),
	}
}

// RegisterClient attaches a connected client's send function. Must be called
// before the client's messages are handled.
func (h *ConversationHandler) RegisterClient(client ClientID, send SendFunc) {
	h.mu.Lock()
	h.sessions[client] = send
	h.mu.Unlock()

	logger.Info("client registered", "client", string(client))
}

// UnregisterClient tears down everything tied to a disconnecting client: its
// pending waits, its running conversation, and its room membership.
func (h *ConversationHandler) UnregisterClient(client ClientID) {
	h.gate.ReleaseClient(client)
	h.cancelTaskFor(client)
	h.LeaveGroup(client)

	h.mu.Lock()
	delete(h.sessions, client)
	h.mu.Unlock()

	logger.Info("client unregistered", "client", string(client))
}

// JoinGroup places the client in a named room. If that room already has a
// group conversation running, the client is admitted mid-chain and will only
// see history from this point on.
func (h *ConversationHandler) JoinGroup(client ClientID, room string) {
	h.mu.Lock()
	h.rooms[client] = room
	h.roomMembers[room] = append(h.roomMembers[room], client)
	groupID, active := h.roomGroups[room]
	if active {
		h.groupOf[client] = groupID
	}
	h.mu.Unlock()

	if active {
		if state, ok := h.groups.get(groupID); ok {
			state.addMember(client)
		}
	}

	logger.Info("client joined room", "client", string(client), "room", room)
}

// LeaveGroup removes the client from its room and any live group state. A
// member leaving mid-turn as the group's speaker cancels the running chain;
// anyone else leaving just drops out of the rotation.
func (h *ConversationHandler) LeaveGroup(client ClientID) {
	h.mu.Lock()
	room, inRoom := h.rooms[client]
	if inRoom {
		delete(h.rooms, client)
		members := h.roomMembers[room]
		for i, m := range members {
			if m == client {
				h.roomMembers[room] = append(members[:i], members[i+1:]...)
				break
			}
		}
		if len(h.roomMembers[room]) == 0 {
			delete(h.roomMembers, room)
			delete(h.roomGroups, room)
		}
	}
	groupID, inGroup := h.groupOf[client]
	delete(h.groupOf, client)
	h.mu.Unlock()

	if !inGroup {
		return
	}

	state, ok := h.groups.get(groupID)
	if !ok {
		return
	}

	if wasSpeaker := state.removeMember(client); wasSpeaker {
		h.mu.Lock()
		task := h.tasks[string(groupID)]
		h.mu.Unlock()
		if task != nil {
			task.cancel()
		}
	}
	if state.memberCount() == 0 {
		h.groups.remove(groupID)
	}
}

// OnMessage handles one raw client frame.
func (h *ConversationHandler) OnMessage(ctx context.Context, client ClientID, raw []byte) error {
	var msg messages.Inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("failed to parse inbound message: %w", err)
	}
	return h.OnInbound(ctx, client, msg)
}

// OnInbound routes one parsed client message: triggers start conversations,
// interrupts cancel them, and everything else is offered to the response
// gate.
func (h *ConversationHandler) OnInbound(ctx context.Context, client ClientID, msg messages.Inbound) error {
	switch msg.Type {
	case messages.TypeTextInput:
		if msg.Text == "" {
			return nil
		}
		return h.dispatch(ctx, client, turnInput{text: msg.Text}, TurnMetadata{})

	case messages.TypeMicAudioEnd:
		input := turnInput{text: msg.Text}
		if input.text == "" {
			audio, err := msg.DecodeAudio()
			if err != nil {
				return err
			}
			input.audio = audio
		}
		return h.dispatch(ctx, client, input, TurnMetadata{})

	case messages.TypeAISpeakSignal:
		return h.dispatch(ctx, client, turnInput{}, TurnMetadata{
			Proactive:   true,
			SkipMemory:  true,
			SkipHistory: true,
		})

	case messages.TypeInterrupt:
		h.Interrupt(ctx, client)
		return nil

	default:
		if !h.gate.Deliver(client, msg) {
			logger.DebugContext(ctx, "dropping unmatched client response",
				"client", string(client),
				"type", msg.Type,
			)
		}
		return nil
	}
}

// dispatch starts a conversation task for the trigger, rejecting it if one is
// already running for the client (or its group).
func (h *ConversationHandler) dispatch(ctx context.Context, client ClientID, input turnInput, metadata TurnMetadata) error {
	h.mu.Lock()
	send := h.sessions[client]
	if send == nil {
		h.mu.Unlock()
		return fmt.Errorf("no registered session for client %q", client)
	}

	key, state := h.resolveFlowLocked(client)
	if _, busy := h.tasks[key]; busy {
		h.mu.Unlock()

		logger.InfoContext(ctx, "rejecting trigger, conversation already running",
			"client", string(client),
			"flow", key,
		)
		if err := send(ctx, messages.NewError("conversation already in progress")); err != nil {
			logger.WarnContext(ctx, "failed to send busy rejection", "error", err)
		}
		return nil
	}

	taskCtx, cancel := context.WithCancel(h.baseContext)
	task := &conversationTask{key: key, cancel: cancel, done: make(chan struct{})}
	h.tasks[key] = task
	h.mu.Unlock()

	run := panicSafeNamedWorker("conversation", func(ctx context.Context) error {
		if state != nil {
			return h.runGroupConversation(ctx, state, client, input, metadata)
		}
		return h.runSingleConversation(ctx, client, send, input, metadata)
	})

	go func() {
		defer close(task.done)
		defer h.clearTask(key, task)

		if err := run(taskCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("conversation task failed", "flow", key, "error", err)
		}
	}()

	return nil
}

// Interrupt cancels the client's running conversation, waits for the flow to
// settle (partial response persisted), then tells every affected client the
// turn is over.
func (h *ConversationHandler) Interrupt(ctx context.Context, client ClientID) {
	h.mu.Lock()
	key := string(client)
	var state *GroupState
	if groupID, ok := h.groupOf[client]; ok {
		if live, found := h.groups.get(groupID); found {
			key, state = string(groupID), live
		}
	}
	task := h.tasks[key]
	h.mu.Unlock()

	if task == nil {
		return
	}

	trace.SpanFromContext(ctx).AddEvent("interrupting conversation",
		trace.WithAttributes(attribute.String("flow", key)),
	)

	task.cancel()
	<-task.done

	affected := []ClientID{client}
	if state != nil {
		affected = state.Members()
		h.groups.remove(state.ID())
		h.mu.Lock()
		for room, id := range h.roomGroups {
			if id == state.ID() {
				delete(h.roomGroups, room)
			}
		}
		for member, id := range h.groupOf {
			if id == state.ID() {
				delete(h.groupOf, member)
			}
		}
		h.mu.Unlock()
	}

	for _, member := range affected {
		h.mu.Lock()
		send := h.sessions[member]
		h.mu.Unlock()
		if send == nil {
			continue
		}

		if err := send(ctx, messages.NewInterruptSignal()); err != nil {
			logger.WarnContext(ctx, "failed to send interrupt signal", "member", string(member), "error", err)
		}
		if err := send(ctx, messages.NewControl(messages.ActionConversationChainEnd)); err != nil {
			logger.WarnContext(ctx, "failed to close interrupted chain", "member", string(member), "error", err)
		}
	}
}

// resolveFlowLocked determines which flow a client's trigger belongs to: the
// room's group when the room has two or more members, otherwise the client
// alone. Caller holds h.mu.
func (h *ConversationHandler) resolveFlowLocked(client ClientID) (string, *GroupState) {
	if groupID, ok := h.groupOf[client]; ok {
		if state, live := h.groups.get(groupID); live {
			return string(groupID), state
		}
	}

	room, inRoom := h.rooms[client]
	if inRoom && len(h.roomMembers[room]) >= 2 {
		members := h.roomMembers[room]
		groupID := DeriveGroupID(members...)
		state := h.groups.getOrCreate(groupID, members)

		h.roomGroups[room] = groupID
		for _, m := range members {
			h.groupOf[m] = groupID
		}
		return string(groupID), state
	}

	return string(client), nil
}

func (h *ConversationHandler) clearTask(key string, task *conversationTask) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if current, ok := h.tasks[key]; ok && current == task {
		delete(h.tasks, key)
	}
}

// cancelTaskFor cancels the client's own single-client conversation. Group
// chains are only cancelled through LeaveGroup when the leaver was mid-turn.
func (h *ConversationHandler) cancelTaskFor(client ClientID) {
	h.mu.Lock()
	task := h.tasks[string(client)]
	h.mu.Unlock()

	if task != nil {
		task.cancel()
	}
}

func (h *ConversationHandler) agentFor(client ClientID) AgentEngine {
	if h.options.agentProvider != nil {
		if agent := h.options.agentProvider(client); agent != nil {
			return agent
		}
	}
	return h.collaborators.Agent
}
