package adapter

import "context"

// Adapter is the uniform operation set presented by both the DAP
// (family-Python) and CDP (family-Node) debug-adapter implementations.
// Every method suspends the caller until its transport exchange (and, for
// resume-style operations, the next pause) completes.
type Adapter interface {
	// Start spawns the debuggee, establishes the transport, performs the
	// protocol handshake, and arms the initial-pause future.
	Start(ctx context.Context, cfg LaunchConfig) error

	// WaitForInitialPause returns the stop result for the entry-point
	// pause. Idempotent: a second call returns a sentinel "entry" result.
	WaitForInitialPause(ctx context.Context) (StopResult, error)

	// SetBreakpoints replaces the breakpoint set for file with bps and
	// returns one BreakpointInfo per requested breakpoint, in order.
	SetBreakpoints(ctx context.Context, file string, bps []SourceBreakpoint) ([]BreakpointInfo, error)

	Continue(ctx context.Context, threadID int, hasThread bool) (StopResult, error)
	StepOver(ctx context.Context, threadID int, hasThread bool) (StopResult, error)
	StepIn(ctx context.Context, threadID int, hasThread bool) (StopResult, error)
	StepOut(ctx context.Context, threadID int, hasThread bool) (StopResult, error)

	GetCallStack(ctx context.Context, threadID int, hasThread bool) ([]StackFrame, error)
	GetVariables(ctx context.Context, frameID int, hasFrame bool, scope string, maxDepth int) ([]Variable, error)
	Evaluate(ctx context.Context, expression string, frameID int, hasFrame bool) (string, error)

	// Disconnect terminates the session. Best-effort, idempotent, and must
	// never panic or return an error for already-dead resources.
	Disconnect(ctx context.Context) error

	// OnStopped registers a listener invoked whenever the debuggee pauses.
	OnStopped(fn func(StopResult))
}
