// Package pydap implements the family-A (DAP/Python, via debugpy) debug
// adapter (C7): it launches debugpy, performs the DAP handshake, and
// implements the uniform adapter.Adapter contract on top of
// internal/dapwire and internal/port.
package pydap

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/go-dap"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/debugctl/core/internal/adapter"
	"github.com/debugctl/core/internal/dapwire"
	"github.com/debugctl/core/internal/port"
)

// Adapter drives a debugpy DAP server as a subprocess.
type Adapter struct {
	log *logrus.Entry

	cmd  *exec.Cmd
	conn dapwire.Conn
	dap  *dapwire.Client

	stopWaiter *adapter.StopWaiter

	initialID      int64
	initialCh      chan adapter.StopResult
	initialCalled  atomic.Bool

	exited chan struct{}
	exitOnce sync.Once

	mu              sync.Mutex
	stoppedThreadID int
	hasStoppedThread bool
	lastFrameID     int
	hasLastFrame    bool

	listenersMu sync.Mutex
	listeners   []func(adapter.StopResult)

	disconnectOnce sync.Once
}

// New returns a pydap Adapter ready to Start.
func New(log *logrus.Entry) *Adapter {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Adapter{
		log:        log,
		stopWaiter: adapter.NewStopWaiter(),
		exited:     make(chan struct{}),
	}
}

// Start verifies debugpy is importable, spawns python under debugpy,
// connects, and runs the initialize/launch/configurationDone handshake.
// The initial-pause listener is armed before any of that handshake begins.
func (a *Adapter) Start(ctx context.Context, cfg adapter.LaunchConfig) error {
	pythonPath := cfg.PythonPath
	if pythonPath == "" {
		pythonPath = "python3"
	}

	if err := checkDebugpyImportable(ctx, pythonPath); err != nil {
		return err
	}

	p, err := port.FindFree()
	if err != nil {
		return errors.Wrap(err, "pydap: allocate port")
	}

	args := []string{"-m", "debugpy", "--listen", fmt.Sprintf("127.0.0.1:%d", p), "--wait-for-client", "--"}
	if cfg.Module != "" {
		args = append(args, "-m", cfg.Module)
	} else {
		args = append(args, cfg.Program)
	}
	args = append(args, cfg.Args...)

	runtime := cfg.RuntimeExecutable
	if runtime == "" {
		runtime = pythonPath
	}
	runtimeArgs := append(append([]string{}, cfg.RuntimeArgs...), args...)

	cmd := exec.CommandContext(context.Background(), runtime, runtimeArgs...)
	cmd.Env = mergeEnv(cfg.Env)
	if cfg.Cwd != "" {
		cmd.Dir = cfg.Cwd
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	a.log.WithFields(logrus.Fields{"runtime": runtime, "port": p}).Info("pydap: launching debugpy")
	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "pydap: spawn debugpy")
	}
	a.cmd = cmd

	go func() {
		_ = cmd.Wait()
		a.markExited()
	}()

	if err := port.WaitForReady(ctx, "127.0.0.1", p, port.DefaultTimeout); err != nil {
		a.killChild()
		return err
	}

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", p))
	if err != nil {
		a.killChild()
		return errors.Wrap(err, "pydap: connect to debugpy")
	}

	a.conn = dapwire.NewConn(conn, conn)
	a.dap = dapwire.NewClient(a.conn, a.log)
	a.installEventHandlers()

	// Arm the initial-pause listener before the handshake completes: the
	// stopOnEntry pause can race the configurationDone response.
	a.initialID, a.initialCh = a.stopWaiter.Arm()

	if err := a.handshake(ctx, cfg); err != nil {
		a.killChild()
		return err
	}
	return nil
}

func (a *Adapter) handshake(ctx context.Context, cfg adapter.LaunchConfig) error {
	initArgs := dap.InitializeRequestArguments{
		AdapterID:       "pydap",
		LinesStartAt1:   true,
		ColumnsStartAt1: true,
		PathFormat:      "path",
	}
	if _, err := a.dap.SendRequest(ctx, &dap.InitializeRequest{
		Request:   dap.Request{Command: "initialize"},
		Arguments: initArgs,
	}); err != nil {
		return errors.Wrap(err, "pydap: initialize")
	}

	launchArgs := map[string]any{
		"stopOnEntry": true,
		"justMyCode":  true,
		"args":        cfg.Args,
	}
	if cfg.Module != "" {
		launchArgs["module"] = cfg.Module
	} else {
		launchArgs["program"] = cfg.Program
	}
	if cfg.Cwd != "" {
		launchArgs["cwd"] = cfg.Cwd
	}
	raw, err := json.Marshal(launchArgs)
	if err != nil {
		return errors.Wrap(err, "pydap: marshal launch arguments")
	}

	if _, err := a.dap.SendRequest(ctx, &dap.LaunchRequest{
		Request:   dap.Request{Command: "launch"},
		Arguments: raw,
	}); err != nil {
		return errors.Wrap(err, "pydap: launch")
	}

	if _, err := a.dap.SendRequest(ctx, &dap.ConfigurationDoneRequest{
		Request: dap.Request{Command: "configurationDone"},
	}); err != nil {
		return errors.Wrap(err, "pydap: configurationDone")
	}
	return nil
}

func (a *Adapter) installEventHandlers() {
	a.dap.OnEvent("stopped", func(m dap.EventMessage) {
		se, ok := m.(*dap.StoppedEvent)
		if !ok {
			return
		}

		a.mu.Lock()
		a.stoppedThreadID = se.Body.ThreadId
		a.hasStoppedThread = true
		a.mu.Unlock()

		result := adapter.StopResult{
			Reason:    se.Body.Reason,
			ThreadID:  se.Body.ThreadId,
			HasThread: true,
		}
		a.stopWaiter.FireAll(result)
		a.notifyListeners(result)
	})

	a.dap.OnEvent("terminated", func(dap.EventMessage) {
		a.markExited()
	})
}

func (a *Adapter) markExited() {
	a.exitOnce.Do(func() {
		close(a.exited)
		result := adapter.StopResult{Terminated: true, Reason: "terminated"}
		a.stopWaiter.FireAll(result)
		a.notifyListeners(result)
	})
}

func (a *Adapter) notifyListeners(result adapter.StopResult) {
	a.listenersMu.Lock()
	listeners := append([]func(adapter.StopResult){}, a.listeners...)
	a.listenersMu.Unlock()

	for _, fn := range listeners {
		fn(result)
	}
}

func (a *Adapter) OnStopped(fn func(adapter.StopResult)) {
	a.listenersMu.Lock()
	defer a.listenersMu.Unlock()
	a.listeners = append(a.listeners, fn)
}

// WaitForInitialPause returns the entry-point stop result. Idempotent: the
// first call performs the actual wait; every subsequent call returns a
// sentinel "entry" result without blocking.
func (a *Adapter) WaitForInitialPause(ctx context.Context) (adapter.StopResult, error) {
	if a.initialCalled.Swap(true) {
		return adapter.StopResult{Reason: "entry"}, nil
	}
	return a.stopWaiter.Wait(ctx, a.initialID, a.initialCh, a.exited, 0)
}

func (a *Adapter) SetBreakpoints(ctx context.Context, file string, bps []adapter.SourceBreakpoint) ([]adapter.BreakpointInfo, error) {
	reqBps := make([]dap.SourceBreakpoint, len(bps))
	for i, bp := range bps {
		reqBps[i] = dap.SourceBreakpoint{
			Line:         bp.Line,
			Column:       bp.Column,
			Condition:    bp.Condition,
			HitCondition: bp.HitCondition,
			LogMessage:   bp.LogMessage,
		}
	}

	resp, err := a.dap.SendRequest(ctx, &dap.SetBreakpointsRequest{
		Request: dap.Request{Command: "setBreakpoints"},
		Arguments: dap.SetBreakpointsArguments{
			Source:      dap.Source{Path: file},
			Breakpoints: reqBps,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "pydap: setBreakpoints")
	}

	sbResp, ok := resp.(*dap.SetBreakpointsResponse)
	if !ok {
		return nil, errors.New("pydap: unexpected setBreakpoints response type")
	}

	out := make([]adapter.BreakpointInfo, len(bps))
	for i, bp := range bps {
		info := adapter.BreakpointInfo{SourceBreakpoint: bp}
		if i < len(sbResp.Body.Breakpoints) {
			rb := sbResp.Body.Breakpoints[i]
			info.Verified = rb.Verified
			info.ID = rb.Id
			if rb.Line != 0 {
				info.Line = rb.Line
			}
		}
		out[i] = info
	}
	return out, nil
}

func (a *Adapter) Continue(ctx context.Context, threadID int, hasThread bool) (adapter.StopResult, error) {
	return a.resume(ctx, threadID, hasThread, func(tid int) dap.RequestMessage {
		return &dap.ContinueRequest{
			Request:   dap.Request{Command: "continue"},
			Arguments: dap.ContinueArguments{ThreadId: tid},
		}
	})
}

func (a *Adapter) StepOver(ctx context.Context, threadID int, hasThread bool) (adapter.StopResult, error) {
	return a.resume(ctx, threadID, hasThread, func(tid int) dap.RequestMessage {
		return &dap.NextRequest{
			Request:   dap.Request{Command: "next"},
			Arguments: dap.NextArguments{ThreadId: tid},
		}
	})
}

func (a *Adapter) StepIn(ctx context.Context, threadID int, hasThread bool) (adapter.StopResult, error) {
	return a.resume(ctx, threadID, hasThread, func(tid int) dap.RequestMessage {
		return &dap.StepInRequest{
			Request:   dap.Request{Command: "stepIn"},
			Arguments: dap.StepInArguments{ThreadId: tid},
		}
	})
}

func (a *Adapter) StepOut(ctx context.Context, threadID int, hasThread bool) (adapter.StopResult, error) {
	return a.resume(ctx, threadID, hasThread, func(tid int) dap.RequestMessage {
		return &dap.StepOutRequest{
			Request:   dap.Request{Command: "stepOut"},
			Arguments: dap.StepOutArguments{ThreadId: tid},
		}
	})
}

func (a *Adapter) resume(ctx context.Context, threadID int, hasThread bool, build func(tid int) dap.RequestMessage) (adapter.StopResult, error) {
	tid := threadID
	if !hasThread {
		tid = a.defaultThreadID()
	}

	// Arm before send: a stopped event racing the write must not be lost.
	id, ch := a.stopWaiter.Arm()

	if _, err := a.dap.SendRequest(ctx, build(tid)); err != nil {
		a.stopWaiter.Disarm(id)
		return adapter.StopResult{}, err
	}
	return a.stopWaiter.Wait(ctx, id, ch, a.exited, adapter.DefaultStepTimeout)
}

func (a *Adapter) defaultThreadID() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stoppedThreadID
}

func (a *Adapter) GetCallStack(ctx context.Context, threadID int, hasThread bool) ([]adapter.StackFrame, error) {
	tid := threadID
	if !hasThread {
		tid = a.defaultThreadID()
	}

	resp, err := a.dap.SendRequest(ctx, &dap.StackTraceRequest{
		Request: dap.Request{Command: "stackTrace"},
		Arguments: dap.StackTraceArguments{
			ThreadId:   tid,
			StartFrame: 0,
			Levels:     50,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "pydap: stackTrace")
	}

	stResp, ok := resp.(*dap.StackTraceResponse)
	if !ok {
		return nil, errors.New("pydap: unexpected stackTrace response type")
	}

	frames := make([]adapter.StackFrame, len(stResp.Body.StackFrames))
	for i, f := range stResp.Body.StackFrames {
		sf := adapter.StackFrame{ID: f.Id, Name: f.Name, Line: f.Line, Column: f.Column}
		if f.Source != nil {
			sf.SourcePath = f.Source.Path
			sf.SourceName = f.Source.Name
		}
		frames[i] = sf
	}

	if len(frames) > 0 {
		a.mu.Lock()
		a.lastFrameID = frames[0].ID
		a.hasLastFrame = true
		a.mu.Unlock()
	}
	return frames, nil
}

func (a *Adapter) defaultFrameID() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastFrameID
}

func (a *Adapter) GetVariables(ctx context.Context, frameID int, hasFrame bool, scope string, maxDepth int) ([]adapter.Variable, error) {
	fid := frameID
	if !hasFrame {
		fid = a.defaultFrameID()
	}

	resp, err := a.dap.SendRequest(ctx, &dap.ScopesRequest{
		Request:   dap.Request{Command: "scopes"},
		Arguments: dap.ScopesArguments{FrameId: fid},
	})
	if err != nil {
		return nil, errors.Wrap(err, "pydap: scopes")
	}
	scResp, ok := resp.(*dap.ScopesResponse)
	if !ok {
		return nil, errors.New("pydap: unexpected scopes response type")
	}

	var out []adapter.Variable
	for _, sc := range scResp.Body.Scopes {
		if !matchesScope(sc.Name, scope) {
			continue
		}

		vresp, err := a.dap.SendRequest(ctx, &dap.VariablesRequest{
			Request:   dap.Request{Command: "variables"},
			Arguments: dap.VariablesArguments{VariablesReference: sc.VariablesReference},
		})
		if err != nil {
			return nil, errors.Wrap(err, "pydap: variables")
		}
		vResp, ok := vresp.(*dap.VariablesResponse)
		if !ok {
			return nil, errors.New("pydap: unexpected variables response type")
		}

		for _, v := range vResp.Body.Variables {
			out = append(out, adapter.Variable{
				Name:               v.Name,
				Value:              v.Value,
				Type:               v.Type,
				VariablesReference: v.VariablesReference,
			})
		}
	}
	return out, nil
}

// matchesScope decides whether a DAP scope name satisfies a requested
// scope filter. An empty filter defaults to scopes whose name contains
// "local" (case-insensitively); otherwise the filter must be a
// case-insensitive substring of the scope name.
func matchesScope(scopeName, requested string) bool {
	lower := strings.ToLower(scopeName)
	if requested == "" {
		return strings.Contains(lower, "local")
	}
	return strings.Contains(lower, strings.ToLower(requested))
}

func (a *Adapter) Evaluate(ctx context.Context, expression string, frameID int, hasFrame bool) (string, error) {
	fid := frameID
	if !hasFrame {
		fid = a.defaultFrameID()
	}

	resp, err := a.dap.SendRequest(ctx, &dap.EvaluateRequest{
		Request: dap.Request{Command: "evaluate"},
		Arguments: dap.EvaluateArguments{
			Expression: expression,
			FrameId:    fid,
			Context:    "repl",
		},
	})
	if err != nil {
		return "", errors.Wrap(err, "pydap: evaluate")
	}
	evResp, ok := resp.(*dap.EvaluateResponse)
	if !ok {
		return "", errors.New("pydap: unexpected evaluate response type")
	}
	return evResp.Body.Result, nil
}

// Disconnect is best-effort and idempotent: it swallows every error from
// the wire and from killing an already-dead process.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.disconnectOnce.Do(func() {
		if a.dap != nil {
			_, _ = a.dap.SendRequest(ctx, &dap.DisconnectRequest{
				Request:   dap.Request{Command: "disconnect"},
				Arguments: dap.DisconnectArguments{TerminateDebuggee: true},
			})
			_ = a.dap.Close()
		}
		a.killChild()
	})
	return nil
}

func (a *Adapter) killChild() {
	if a.cmd == nil || a.cmd.Process == nil {
		return
	}
	_ = a.cmd.Process.Kill()
}

func checkDebugpyImportable(ctx context.Context, pythonPath string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, pythonPath, "-c", "import debugpy")
	if err := cmd.Run(); err != nil {
		return errors.Errorf("debugpy is not installed for %s; install with: %s -m pip install debugpy", pythonPath, pythonPath)
	}
	return nil
}

func mergeEnv(overrides map[string]string) []string {
	env := os.Environ()
	for k, v := range overrides {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}
