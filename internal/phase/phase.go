// Package phase implements the debug-workflow phase machine (C11): a
// six-phase ring gating which high-level operations are legal at any
// point during an interactive session, plus the process-wide registry of
// phase states keyed by session id.
package phase

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// Phase is one node of the workflow ring.
type Phase string

const (
	Planning      Phase = "PLANNING"
	Coding        Phase = "CODING"
	Breakpointing Phase = "BREAKPOINTING"
	Debugging     Phase = "DEBUGGING"
	Explaining    Phase = "EXPLAINING"
	Confirming    Phase = "CONFIRMING"
)

// successor is the ring: every phase has exactly one legal next phase.
var successor = map[Phase]Phase{
	Planning:      Coding,
	Coding:        Breakpointing,
	Breakpointing: Debugging,
	Debugging:     Explaining,
	Explaining:    Confirming,
	Confirming:    Planning,
}

// ToolID names an operation gated by the phase machine.
type ToolID string

// allowlist is the authoritative per-phase set of legal tools. transition
// is legal in every phase and is not repeated here; IsToolAllowed always
// permits it.
var allowlist = map[Phase]map[ToolID]bool{
	Planning: set("read", "glob", "grep", "task"),
	Coding:   set("read", "glob", "grep", "edit", "write", "bash", "apply_patch"),
	Breakpointing: set("set_breakpoints", "remove_breakpoints", "list_breakpoints", "read"),
	Debugging: set(
		"start_debug_session", "continue_execution", "step_over", "step_into", "step_out",
		"get_variables", "get_call_stack", "evaluate_expression", "list_breakpoints",
	),
	Explaining: set(),
	Confirming: set("stop_debug_session"),
}

func set(ids ...ToolID) map[ToolID]bool {
	m := make(map[ToolID]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

const transitionTool ToolID = "transition"

// IsToolAllowed reports whether tool is legal while in phase p.
func IsToolAllowed(p Phase, tool ToolID) bool {
	if tool == transitionTool {
		return true
	}
	return allowlist[p][tool]
}

// ErrInvalidTransition names the rejected-transition error kind. Transition
// does not return or wrap it: its error is built per call with a message
// naming the offending phases and the valid successor, so errors.Is
// against ErrInvalidTransition does not match it.
var ErrInvalidTransition = errors.New("phase: invalid transition")

// State is one session's position in the workflow ring.
type State struct {
	mu sync.Mutex

	SessionID        string
	CurrentPhase     Phase
	CurrentStep      int
	TotalSteps       *int
	StepDescriptions []string
	AutoConfirm      bool
}

func newState(sessionID string) *State {
	return &State{SessionID: sessionID, CurrentPhase: Planning}
}

// Transition moves to `to` if it is the ring's sole legal successor of the
// current phase. current_step increments only on the Confirming→Planning
// edge.
func (s *State) Transition(to Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, ok := successor[s.CurrentPhase]
	if !ok || to != next {
		return errors.Errorf("Cannot transition from %s to %s. Valid transitions: %s", s.CurrentPhase, to, next)
	}

	if s.CurrentPhase == Confirming && to == Planning {
		s.CurrentStep++
	}
	s.CurrentPhase = to
	return nil
}

// Snapshot is a read-only copy of a State, safe to hand to a caller
// without exposing the mutex.
type Snapshot struct {
	SessionID        string
	CurrentPhase     Phase
	CurrentStep      int
	TotalSteps       *int
	StepDescriptions []string
	AutoConfirm      bool
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		SessionID:        s.SessionID,
		CurrentPhase:     s.CurrentPhase,
		CurrentStep:      s.CurrentStep,
		TotalSteps:       s.TotalSteps,
		StepDescriptions: append([]string{}, s.StepDescriptions...),
		AutoConfirm:      s.AutoConfirm,
	}
}

// IsToolAllowed is a convenience wrapper reading the state's current phase.
func (s *State) IsToolAllowed(tool ToolID) bool {
	s.mu.Lock()
	p := s.CurrentPhase
	s.mu.Unlock()
	return IsToolAllowed(p, tool)
}

func (s *State) String() string {
	return fmt.Sprintf("phase.State{session=%s phase=%s step=%d}", s.SessionID, s.CurrentPhase, s.CurrentStep)
}

// Registry is the process-wide store of phase states keyed by session id.
// Entries are never garbage collected; callers must Clear them explicitly
// when a session ends.
type Registry struct {
	mu     sync.Mutex
	states map[string]*State
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{states: make(map[string]*State)}
}

// GetOrCreate returns the existing state for sessionID, or creates and
// stores a fresh PLANNING state at step 0.
func (r *Registry) GetOrCreate(sessionID string) *State {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.states[sessionID]; ok {
		return s
	}
	s := newState(sessionID)
	r.states[sessionID] = s
	return s
}

// Clear drops sessionID's state. Safe to call even if no state exists.
func (r *Registry) Clear(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, sessionID)
}
