// Package dispatch gives every caller-visible operation one concrete
// dispatch point: a table mapping operation name to a phase tool id and a
// handler, consulting the phase registry for legality before delegating
// to the session operation surface. This is the seam an external
// MCP-style tool transport (out of scope here) would call through.
package dispatch

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/debugctl/core/internal/adapter"
	"github.com/debugctl/core/internal/phase"
	"github.com/debugctl/core/internal/session"
)

// Dispatcher routes named operations to the session surface, gated by a
// per-session phase state. It owns no state of its own.
type Dispatcher struct {
	Surface *session.Surface
	Phases  *phase.Registry
	log     *logrus.Entry
}

// New returns a Dispatcher wired to surface and phases.
func New(surface *session.Surface, phases *phase.Registry, log *logrus.Entry) *Dispatcher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Dispatcher{Surface: surface, Phases: phases, log: log}
}

type handlerFunc func(ctx context.Context, d *Dispatcher, state *phase.State, params json.RawMessage) (any, error)

type tableEntry struct {
	tool    phase.ToolID
	handler handlerFunc
}

var table = map[string]tableEntry{
	"start_debug_session": {"start_debug_session", handleStartDebugSession},
	"stop_debug_session":  {"stop_debug_session", handleStopDebugSession},
	"set_breakpoints":     {"set_breakpoints", handleSetBreakpoints},
	"remove_breakpoints":  {"remove_breakpoints", handleRemoveBreakpoints},
	"list_breakpoints":    {"list_breakpoints", handleListBreakpoints},
	"continue_execution":  {"continue_execution", handleContinueExecution},
	"step_over":           {"step_over", handleStepOver},
	"step_into":           {"step_into", handleStepInto},
	"step_out":            {"step_out", handleStepOut},
	"get_variables":       {"get_variables", handleGetVariables},
	"get_call_stack":      {"get_call_stack", handleGetCallStack},
	"evaluate_expression": {"evaluate_expression", handleEvaluateExpression},
	"transition_phase":    {"transition", handleTransitionPhase},
}

// Dispatch looks up operation, checks it against sessionID's current
// phase, and invokes its handler with params.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID, operation string, params json.RawMessage) (any, error) {
	entry, ok := table[operation]
	if !ok {
		return nil, errors.Errorf("dispatch: unknown operation %q", operation)
	}

	state := d.Phases.GetOrCreate(sessionID)
	if !state.IsToolAllowed(entry.tool) {
		snap := state.Snapshot()
		return nil, errors.Errorf("dispatch: %q is not allowed in phase %s", operation, snap.CurrentPhase)
	}

	// request-scoped correlation id for this dispatch, independent of the
	// session id, so a caller can grep one call's log lines out of many.
	reqID := uuid.New().String()[:8]
	d.log.WithFields(logrus.Fields{"session": sessionID, "operation": operation, "request_id": reqID}).Debug("dispatch: routing")
	return entry.handler(ctx, d, state, params)
}

// --- request/response shapes mirroring §6's external operation surface ---

type startDebugSessionRequest struct {
	Type              string            `json:"type"`
	Program           string            `json:"program"`
	Module            string            `json:"module"`
	Args              []string          `json:"args"`
	Cwd               string            `json:"cwd"`
	Env               map[string]string `json:"env"`
	RuntimeExecutable string            `json:"runtime_executable"`
	RuntimeArgs       []string          `json:"runtime_args"`
	PythonPath        string            `json:"python_path"`
}

type startDebugSessionResponse struct {
	SessionID string             `json:"session_id"`
	StoppedAt adapter.StopResult `json:"stopped_at"`
}

func handleStartDebugSession(ctx context.Context, d *Dispatcher, _ *phase.State, params json.RawMessage) (any, error) {
	var req startDebugSessionRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errors.Wrap(err, "dispatch: decode start_debug_session")
	}

	cfg := adapter.LaunchConfig{
		Type:              adapter.Family(req.Type),
		Program:           req.Program,
		Module:            req.Module,
		Args:              req.Args,
		Cwd:               req.Cwd,
		Env:               req.Env,
		RuntimeExecutable: req.RuntimeExecutable,
		RuntimeArgs:       req.RuntimeArgs,
		PythonPath:        req.PythonPath,
	}

	sess, result, err := d.Surface.StartDebugSession(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return startDebugSessionResponse{SessionID: sess.ID, StoppedAt: result}, nil
}

func handleStopDebugSession(ctx context.Context, d *Dispatcher, _ *phase.State, _ json.RawMessage) (any, error) {
	d.Surface.StopDebugSession(ctx)
	return struct{}{}, nil
}

type sourceBreakpointJSON struct {
	Line         int    `json:"line"`
	Column       int    `json:"column"`
	Condition    string `json:"condition"`
	HitCondition string `json:"hit_condition"`
	LogMessage   string `json:"log_message"`
}

func (b sourceBreakpointJSON) toDomain() adapter.SourceBreakpoint {
	return adapter.SourceBreakpoint{
		Line:         b.Line,
		Column:       b.Column,
		Condition:    b.Condition,
		HitCondition: b.HitCondition,
		LogMessage:   b.LogMessage,
	}
}

type setBreakpointsRequest struct {
	File        string                 `json:"file"`
	Breakpoints []sourceBreakpointJSON `json:"breakpoints"`
}

func handleSetBreakpoints(ctx context.Context, d *Dispatcher, _ *phase.State, params json.RawMessage) (any, error) {
	var req setBreakpointsRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errors.Wrap(err, "dispatch: decode set_breakpoints")
	}

	bps := make([]adapter.SourceBreakpoint, len(req.Breakpoints))
	for i, b := range req.Breakpoints {
		bps[i] = b.toDomain()
	}

	return d.Surface.SetBreakpoints(ctx, req.File, bps)
}

type removeBreakpointsRequest struct {
	File  string `json:"file"`
	Lines *[]int `json:"lines"`
}

func handleRemoveBreakpoints(ctx context.Context, d *Dispatcher, _ *phase.State, params json.RawMessage) (any, error) {
	var req removeBreakpointsRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errors.Wrap(err, "dispatch: decode remove_breakpoints")
	}

	if req.Lines == nil {
		return d.Surface.RemoveBreakpoints(ctx, req.File, nil, false)
	}
	return d.Surface.RemoveBreakpoints(ctx, req.File, *req.Lines, true)
}

func handleListBreakpoints(ctx context.Context, d *Dispatcher, _ *phase.State, _ json.RawMessage) (any, error) {
	return d.Surface.ListBreakpoints(ctx)
}

type threadScopedRequest struct {
	ThreadID *int `json:"thread_id"`
}

func handleContinueExecution(ctx context.Context, d *Dispatcher, _ *phase.State, params json.RawMessage) (any, error) {
	tid, has, err := decodeThreadID(params)
	if err != nil {
		return nil, err
	}
	return d.Surface.ContinueExecution(ctx, tid, has)
}

func handleStepOver(ctx context.Context, d *Dispatcher, _ *phase.State, params json.RawMessage) (any, error) {
	tid, has, err := decodeThreadID(params)
	if err != nil {
		return nil, err
	}
	return d.Surface.StepOver(ctx, tid, has)
}

func handleStepInto(ctx context.Context, d *Dispatcher, _ *phase.State, params json.RawMessage) (any, error) {
	tid, has, err := decodeThreadID(params)
	if err != nil {
		return nil, err
	}
	return d.Surface.StepInto(ctx, tid, has)
}

func handleStepOut(ctx context.Context, d *Dispatcher, _ *phase.State, params json.RawMessage) (any, error) {
	tid, has, err := decodeThreadID(params)
	if err != nil {
		return nil, err
	}
	return d.Surface.StepOut(ctx, tid, has)
}

func handleGetCallStack(ctx context.Context, d *Dispatcher, _ *phase.State, params json.RawMessage) (any, error) {
	tid, has, err := decodeThreadID(params)
	if err != nil {
		return nil, err
	}
	return d.Surface.GetCallStack(ctx, tid, has)
}

func decodeThreadID(params json.RawMessage) (int, bool, error) {
	if len(params) == 0 {
		return 0, false, nil
	}
	var req threadScopedRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return 0, false, errors.Wrap(err, "dispatch: decode thread-scoped request")
	}
	if req.ThreadID == nil {
		return 0, false, nil
	}
	return *req.ThreadID, true, nil
}

type getVariablesRequest struct {
	FrameID  *int   `json:"frame_id"`
	Scope    string `json:"scope"`
	MaxDepth int    `json:"max_depth"`
}

func handleGetVariables(ctx context.Context, d *Dispatcher, _ *phase.State, params json.RawMessage) (any, error) {
	var req getVariablesRequest
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, errors.Wrap(err, "dispatch: decode get_variables")
		}
	}

	frameID, hasFrame := 0, false
	if req.FrameID != nil {
		frameID, hasFrame = *req.FrameID, true
	}

	maxDepth := req.MaxDepth
	if maxDepth == 0 {
		maxDepth = 1
	}
	return d.Surface.GetVariables(ctx, frameID, hasFrame, req.Scope, maxDepth)
}

type evaluateExpressionRequest struct {
	Expression string `json:"expression"`
	FrameID    *int   `json:"frame_id"`
}

func handleEvaluateExpression(ctx context.Context, d *Dispatcher, _ *phase.State, params json.RawMessage) (any, error) {
	var req evaluateExpressionRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errors.Wrap(err, "dispatch: decode evaluate_expression")
	}

	frameID, hasFrame := 0, false
	if req.FrameID != nil {
		frameID, hasFrame = *req.FrameID, true
	}

	result, err := d.Surface.EvaluateExpression(ctx, req.Expression, frameID, hasFrame)
	if err != nil {
		return nil, err
	}
	return struct {
		Result string `json:"result"`
	}{Result: result}, nil
}

type transitionPhaseRequest struct {
	To     string `json:"to"`
	Reason string `json:"reason"`
}

func handleTransitionPhase(ctx context.Context, d *Dispatcher, state *phase.State, params json.RawMessage) (any, error) {
	var req transitionPhaseRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errors.Wrap(err, "dispatch: decode transition_phase")
	}

	if err := state.Transition(phase.Phase(req.To)); err != nil {
		return nil, err
	}
	return state.Snapshot(), nil
}
