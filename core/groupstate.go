package orchestration

import (
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// DeriveGroupID computes a stable identifier from the group's membership.
// The same set of members always yields the same ID, regardless of order.
func DeriveGroupID(members ...ClientID) GroupID {
	sorted := make([]string, len(members))
	for i, m := range members {
		sorted[i] = string(m)
	}
	slices.Sort(sorted)

	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(strings.Join(sorted, "\x00")))
	return GroupID(id.String())
}

// GroupState tracks one group conversation: the shared history transcript,
// each member's read position in it, and the speaking rotation.
type GroupState struct {
	mu sync.Mutex

	id         GroupID
	sessionTag string

	history   []string
	readIndex map[ClientID]int

	queue          []ClientID
	currentSpeaker ClientID
}

func newGroupState(id GroupID, members []ClientID) *GroupState {
	state := &GroupState{
		id:         id,
		sessionTag: uuid.NewString()[:8],
		readIndex:  map[ClientID]int{},
		queue:      slices.Clone(members),
	}
	for _, m := range members {
		state.readIndex[m] = 0
	}
	return state
}

func (s *GroupState) ID() GroupID { return s.id }

// SessionTag is a short random tag distinguishing this group session in logs
// and client-visible identifiers.
func (s *GroupState) SessionTag() string { return s.sessionTag }

func (s *GroupState) Members() []ClientID {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := make([]ClientID, 0, len(s.readIndex))
	for m := range s.readIndex {
		members = append(members, m)
	}
	slices.Sort(members)
	return members
}

// nextSpeaker pops the head of the rotation and marks it as the current
// speaker. Returns false when no member is queued.
func (s *GroupState) nextSpeaker() (ClientID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) > 0 {
		speaker := s.queue[0]
		s.queue = s.queue[1:]
		if _, stillMember := s.readIndex[speaker]; !stillMember {
			continue
		}
		s.currentSpeaker = speaker
		return speaker, true
	}
	return "", false
}

// contextWindow returns the history lines the member has not yet seen.
func (s *GroupState) contextWindow(member ClientID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.readIndex[member]
	if from > len(s.history) {
		from = len(s.history)
	}
	return slices.Clone(s.history[from:])
}

// completeTurn records the speaker's finished line, advances their read
// position past everything said so far, and re-enqueues them at the back of
// the rotation.
func (s *GroupState) completeTurn(member ClientID, line string, markers ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if line != "" {
		s.history = append(s.history, line)
	}
	s.history = append(s.history, markers...)

	if _, stillMember := s.readIndex[member]; stillMember {
		s.readIndex[member] = len(s.history)
		s.queue = append(s.queue, member)
	}
	s.currentSpeaker = ""
}

// recordInterrupted stores the speaker's partial line with the interruption
// marker. The speaker is not re-enqueued; the chain is over.
func (s *GroupState) recordInterrupted(member ClientID, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if line != "" {
		s.history = append(s.history, line)
	}
	s.history = append(s.history, interruptedMarker)
	s.currentSpeaker = ""
}

// appendHistory adds an externally produced line, such as the triggering
// user's input.
func (s *GroupState) appendHistory(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, line)
}

// addMember admits a client mid-conversation. Their read position starts at
// the current end of history so they only answer to what comes after.
func (s *GroupState) addMember(member ClientID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.readIndex[member]; exists {
		return
	}
	s.readIndex[member] = len(s.history)
	s.queue = append(s.queue, member)
}

// removeMember drops a client from the group and reports whether they were
// mid-turn when removed.
func (s *GroupState) removeMember(member ClientID) (wasSpeaker bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.readIndex, member)
	s.queue = slices.DeleteFunc(s.queue, func(m ClientID) bool { return m == member })

	if s.currentSpeaker == member {
		s.currentSpeaker = ""
		return true
	}
	return false
}

func (s *GroupState) memberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.readIndex)
}

// groupRegistry holds live group states keyed by group ID.
type groupRegistry struct {
	mu     sync.Mutex
	states map[GroupID]*GroupState
}

func newGroupRegistry() *groupRegistry {
	return &groupRegistry{states: map[GroupID]*GroupState{}}
}

func (r *groupRegistry) getOrCreate(id GroupID, members []ClientID) *GroupState {
	r.mu.Lock()
	defer r.mu.Unlock()

	if state, ok := r.states[id]; ok {
		return state
	}
	state := newGroupState(id, members)
	r.states[id] = state
	return state
}

func (r *groupRegistry) get(id GroupID) (*GroupState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.states[id]
	return state, ok
}

func (r *groupRegistry) remove(id GroupID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, id)
}
