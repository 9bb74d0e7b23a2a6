package session

import (
	"context"

	"github.com/debugctl/core/internal/adapter"
)

// Surface is the thin, uniform high-level operation set (C10) that maps
// caller-visible operation names to the session manager and the active
// adapter.
type Surface struct {
	Manager *Manager
}

// NewSurface returns a Surface backed by m.
func NewSurface(m *Manager) *Surface {
	return &Surface{Manager: m}
}

// StartDebugSession creates a new active session per the manager's rules.
func (s *Surface) StartDebugSession(ctx context.Context, cfg adapter.LaunchConfig) (*Session, adapter.StopResult, error) {
	sess, err := s.Manager.Create(ctx, cfg)
	if err != nil {
		return nil, adapter.StopResult{}, err
	}

	result, err := sess.Adapter.WaitForInitialPause(ctx)
	if err != nil {
		return sess, adapter.StopResult{}, err
	}
	sess.applyStopResult(result)
	return sess, result, nil
}

// StopDebugSession tears down the active session. Idempotent.
func (s *Surface) StopDebugSession(ctx context.Context) {
	s.Manager.Stop(ctx)
}

// mergeBreakpoints folds incoming requests into existing, keyed by line:
// a request whose Line matches an existing entry's (possibly
// adapter-corrected) Line replaces it in place; unmatched requests are
// appended. This resolves §9's open question by keying subsequent merges
// on the adapter-corrected line, not the originally-requested one: a
// caller that wants to modify a breakpoint the adapter relocated must
// address it by its corrected line.
func mergeBreakpoints(existing []adapter.BreakpointInfo, incoming []adapter.SourceBreakpoint) []adapter.SourceBreakpoint {
	order := make([]int, 0, len(existing)+len(incoming))
	byLine := make(map[int]adapter.SourceBreakpoint, len(existing)+len(incoming))

	for _, e := range existing {
		byLine[e.Line] = e.SourceBreakpoint
		order = append(order, e.Line)
	}
	for _, in := range incoming {
		if _, ok := byLine[in.Line]; !ok {
			order = append(order, in.Line)
		}
		byLine[in.Line] = in
	}

	merged := make([]adapter.SourceBreakpoint, len(order))
	for i, line := range order {
		merged[i] = byLine[line]
	}
	return merged
}

// SetBreakpoints merges bps into file's existing breakpoint list by line
// and sends the merged set to the adapter.
func (s *Surface) SetBreakpoints(ctx context.Context, file string, bps []adapter.SourceBreakpoint) ([]adapter.BreakpointInfo, error) {
	sess, err := s.Manager.RequireActive()
	if err != nil {
		return nil, err
	}

	merged := mergeBreakpoints(sess.breakpointsFor(file), bps)
	infos, err := sess.Adapter.SetBreakpoints(ctx, file, merged)
	if err != nil {
		return nil, err
	}

	sess.storeBreakpoints(file, infos)
	return infos, nil
}

// RemoveBreakpoints drops the given lines (or every line, if hasLines is
// false) from file's breakpoint list and re-sends the remainder.
func (s *Surface) RemoveBreakpoints(ctx context.Context, file string, lines []int, hasLines bool) ([]adapter.BreakpointInfo, error) {
	sess, err := s.Manager.RequireActive()
	if err != nil {
		return nil, err
	}

	var remaining []adapter.SourceBreakpoint
	if hasLines {
		drop := make(map[int]bool, len(lines))
		for _, l := range lines {
			drop[l] = true
		}
		for _, e := range sess.breakpointsFor(file) {
			if !drop[e.Line] {
				remaining = append(remaining, e.SourceBreakpoint)
			}
		}
	}

	infos, err := sess.Adapter.SetBreakpoints(ctx, file, remaining)
	if err != nil {
		return nil, err
	}

	sess.storeBreakpoints(file, infos)
	return infos, nil
}

// ListBreakpoints returns every file's breakpoint list known to the
// active session.
func (s *Surface) ListBreakpoints(ctx context.Context) (map[string][]adapter.BreakpointInfo, error) {
	sess, err := s.Manager.RequireActive()
	if err != nil {
		return nil, err
	}
	return sess.AllBreakpoints(), nil
}

func (s *Surface) resume(ctx context.Context, threadID int, hasThread bool, op func(adapter.Adapter) (adapter.StopResult, error)) (adapter.StopResult, error) {
	sess, err := s.Manager.RequireActive()
	if err != nil {
		return adapter.StopResult{}, err
	}

	// The debuggee is no longer known to be paused once a resume is attempted.
	sess.mu.Lock()
	sess.hasStoppedThread = false
	sess.stoppedThreadID = 0
	sess.stoppedReason = ""
	sess.mu.Unlock()

	result, err := op(sess.Adapter)
	if err != nil {
		return adapter.StopResult{}, err
	}
	sess.applyStopResult(result)
	return result, nil
}

func (s *Surface) ContinueExecution(ctx context.Context, threadID int, hasThread bool) (adapter.StopResult, error) {
	return s.resume(ctx, threadID, hasThread, func(a adapter.Adapter) (adapter.StopResult, error) {
		return a.Continue(ctx, threadID, hasThread)
	})
}

func (s *Surface) StepOver(ctx context.Context, threadID int, hasThread bool) (adapter.StopResult, error) {
	return s.resume(ctx, threadID, hasThread, func(a adapter.Adapter) (adapter.StopResult, error) {
		return a.StepOver(ctx, threadID, hasThread)
	})
}

func (s *Surface) StepInto(ctx context.Context, threadID int, hasThread bool) (adapter.StopResult, error) {
	return s.resume(ctx, threadID, hasThread, func(a adapter.Adapter) (adapter.StopResult, error) {
		return a.StepIn(ctx, threadID, hasThread)
	})
}

func (s *Surface) StepOut(ctx context.Context, threadID int, hasThread bool) (adapter.StopResult, error) {
	return s.resume(ctx, threadID, hasThread, func(a adapter.Adapter) (adapter.StopResult, error) {
		return a.StepOut(ctx, threadID, hasThread)
	})
}

func (s *Surface) GetCallStack(ctx context.Context, threadID int, hasThread bool) ([]adapter.StackFrame, error) {
	sess, err := s.Manager.RequireActive()
	if err != nil {
		return nil, err
	}
	return sess.Adapter.GetCallStack(ctx, threadID, hasThread)
}

func (s *Surface) GetVariables(ctx context.Context, frameID int, hasFrame bool, scope string, maxDepth int) ([]adapter.Variable, error) {
	sess, err := s.Manager.RequireActive()
	if err != nil {
		return nil, err
	}
	return sess.Adapter.GetVariables(ctx, frameID, hasFrame, scope, maxDepth)
}

func (s *Surface) EvaluateExpression(ctx context.Context, expression string, frameID int, hasFrame bool) (string, error) {
	sess, err := s.Manager.RequireActive()
	if err != nil {
		return "", err
	}
	return sess.Adapter.Evaluate(ctx, expression, frameID, hasFrame)
}
