// Package nodecdp implements the family-B (CDP/Node) debug adapter (C8):
// it launches node with --inspect-brk, attaches over the Chrome DevTools
// Protocol, and implements the uniform adapter.Adapter contract on top of
// internal/cdpwire and internal/port.
package nodecdp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/debugctl/core/internal/adapter"
	"github.com/debugctl/core/internal/cdpwire"
	"github.com/debugctl/core/internal/port"
)

// Adapter drives a node --inspect-brk process over CDP.
type Adapter struct {
	log *logrus.Entry

	cmd  *exec.Cmd
	conn cdpwire.Conn
	cdp  *cdpwire.Client

	stopWaiter *adapter.StopWaiter

	initialID     int64
	initialCh     chan adapter.StopResult
	initialCalled atomic.Bool

	exited   chan struct{}
	exitOnce sync.Once

	mu               sync.Mutex
	urlByScriptID    map[string]string
	pausedFrames     []cdpCallFrame
	breakpointsByURL map[string][]localBreakpoint
	nextLocalID      int

	listenersMu sync.Mutex
	listeners   []func(adapter.StopResult)

	disconnectOnce sync.Once
}

type localBreakpoint struct {
	localID int
	cdpID   string
}

type cdpCallFrame struct {
	CallFrameID  string           `json:"callFrameId"`
	FunctionName string           `json:"functionName"`
	Location     cdpLocation      `json:"location"`
	ScopeChain   []cdpScope       `json:"scopeChain"`
	URL          string           `json:"url"`
}

type cdpLocation struct {
	ScriptID     string `json:"scriptId"`
	LineNumber   int    `json:"lineNumber"`
	ColumnNumber int    `json:"columnNumber"`
}

type cdpScope struct {
	Type   string          `json:"type"`
	Object cdpRemoteObject `json:"object"`
}

type cdpRemoteObject struct {
	Type        string          `json:"type"`
	Subtype     string          `json:"subtype"`
	ClassName   string          `json:"className"`
	Value       json.RawMessage `json:"value"`
	Description string          `json:"description"`
	ObjectID    string          `json:"objectId"`
	Preview     *cdpPreview     `json:"preview"`
}

type cdpPreview struct {
	Description string              `json:"description"`
	Overflow    bool                `json:"overflow"`
	Properties  []cdpPreviewEntry   `json:"properties"`
}

type cdpPreviewEntry struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

type pausedEventBody struct {
	CallFrames     []cdpCallFrame `json:"callFrames"`
	Reason         string         `json:"reason"`
	HitBreakpoints []string       `json:"hitBreakpoints"`
}

type scriptParsedBody struct {
	ScriptID string `json:"scriptId"`
	URL      string `json:"url"`
}

// New returns a nodecdp Adapter ready to Start.
func New(log *logrus.Entry) *Adapter {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Adapter{
		log:              log,
		stopWaiter:       adapter.NewStopWaiter(),
		exited:           make(chan struct{}),
		urlByScriptID:    make(map[string]string),
		breakpointsByURL: make(map[string][]localBreakpoint),
	}
}

// Start spawns node with --inspect-brk, waits for its inspector to accept
// connections, attaches over CDP, and arms the initial-pause listener
// before releasing the process from its --inspect-brk wait state.
func (a *Adapter) Start(ctx context.Context, cfg adapter.LaunchConfig) error {
	p, err := port.FindFree()
	if err != nil {
		return errors.Wrap(err, "nodecdp: allocate port")
	}

	nodeBin := cfg.RuntimeExecutable
	if nodeBin == "" {
		nodeBin = "node"
	}

	args := append([]string{}, cfg.RuntimeArgs...)
	args = append(args, fmt.Sprintf("--inspect-brk=127.0.0.1:%d", p))
	args = append(args, cfg.Program)
	args = append(args, cfg.Args...)

	cmd := exec.CommandContext(context.Background(), nodeBin, args...)
	cmd.Env = mergeEnv(cfg.Env)
	if cfg.Cwd != "" {
		cmd.Dir = cfg.Cwd
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	a.log.WithFields(logrus.Fields{"node": nodeBin, "port": p}).Info("nodecdp: launching node")
	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "nodecdp: spawn node")
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

	wsURL, err := cdpwire.Discover(ctx, "127.0.0.1", p)
	if err != nil {
		a.killChild()
		return err
	}

	conn, err := cdpwire.Dial(ctx, wsURL)
	if err != nil {
		a.killChild()
		return errors.Wrap(err, "nodecdp: dial inspector websocket")
	}
	a.conn = conn
	a.cdp = cdpwire.NewClient(conn, a.log)
	a.installEventHandlers()

	// Arm before runIfWaitingForDebugger: that call is what releases the
	// process from its --inspect-brk wait and lets the entry-point pause
	// fire.
	a.initialID, a.initialCh = a.stopWaiter.Arm()

	if err := a.cdp.Call(ctx, "Debugger.enable", map[string]any{}, nil); err != nil {
		a.killChild()
		return errors.Wrap(err, "nodecdp: Debugger.enable")
	}
	if err := a.cdp.Call(ctx, "Runtime.enable", map[string]any{}, nil); err != nil {
		a.killChild()
		return errors.Wrap(err, "nodecdp: Runtime.enable")
	}
	if err := a.cdp.Call(ctx, "Runtime.runIfWaitingForDebugger", map[string]any{}, nil); err != nil {
		a.killChild()
		return errors.Wrap(err, "nodecdp: Runtime.runIfWaitingForDebugger")
	}
	return nil
}

func (a *Adapter) installEventHandlers() {
	a.cdp.On("Debugger.scriptParsed", func(params json.RawMessage) {
		var body scriptParsedBody
		if err := json.Unmarshal(params, &body); err != nil {
			return
		}
		a.mu.Lock()
		a.urlByScriptID[body.ScriptID] = body.URL
		a.mu.Unlock()
	})

	a.cdp.On("Debugger.paused", func(params json.RawMessage) {
		var body pausedEventBody
		if err := json.Unmarshal(params, &body); err != nil {
			return
		}

		a.mu.Lock()
		a.pausedFrames = body.CallFrames
		a.mu.Unlock()

		result := adapter.StopResult{Reason: body.Reason, HasThread: true}
		if len(body.CallFrames) > 0 {
			f := body.CallFrames[0]
			result.Location = &adapter.Location{
				File:   a.urlForScript(f.Location.ScriptID),
				Line:   f.Location.LineNumber + 1,
				Column: f.Location.ColumnNumber + 1,
				Name:   f.FunctionName,
			}
		}
		a.stopWaiter.FireAll(result)
		a.notifyListeners(result)
	})

	a.cdp.On("Debugger.resumed", func(json.RawMessage) {
		a.mu.Lock()
		a.pausedFrames = nil
		a.mu.Unlock()
	})
}

func (a *Adapter) urlForScript(scriptID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.urlByScriptID[scriptID]
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

func fileURL(path string) string {
	if strings.HasPrefix(path, "file://") {
		return path
	}
	return "file://" + path
}

func (a *Adapter) SetBreakpoints(ctx context.Context, file string, bps []adapter.SourceBreakpoint) ([]adapter.BreakpointInfo, error) {
	url := fileURL(file)

	a.mu.Lock()
	existing := a.breakpointsByURL[url]
	a.mu.Unlock()
	for _, old := range existing {
		_ = a.cdp.Call(ctx, "Debugger.removeBreakpoint", map[string]any{"breakpointId": old.cdpID}, nil)
	}

	newSet := make([]localBreakpoint, 0, len(bps))
	out := make([]adapter.BreakpointInfo, len(bps))

	for i, bp := range bps {
		params := map[string]any{"url": url, "lineNumber": bp.Line - 1}
		if bp.Column > 0 {
			params["columnNumber"] = bp.Column - 1
		}
		if bp.Condition != "" {
			params["condition"] = bp.Condition
		}

		var result struct {
			BreakpointID string `json:"breakpointId"`
			Locations    []struct {
				LineNumber int `json:"lineNumber"`
			} `json:"locations"`
		}

		info := adapter.BreakpointInfo{SourceBreakpoint: bp}
		if err := a.cdp.Call(ctx, "Debugger.setBreakpointByUrl", params, &result); err != nil {
			out[i] = info
			continue
		}

		a.mu.Lock()
		a.nextLocalID++
		localID := a.nextLocalID
		a.mu.Unlock()

		info.ID = localID
		info.Verified = len(result.Locations) > 0
		if info.Verified {
			info.Line = result.Locations[0].LineNumber + 1
		}
		out[i] = info
		newSet = append(newSet, localBreakpoint{localID: localID, cdpID: result.BreakpointID})
	}

	a.mu.Lock()
	a.breakpointsByURL[url] = newSet
	a.mu.Unlock()

	return out, nil
}

func (a *Adapter) Continue(ctx context.Context, threadID int, hasThread bool) (adapter.StopResult, error) {
	return a.resume(ctx, "Debugger.resume")
}

func (a *Adapter) StepOver(ctx context.Context, threadID int, hasThread bool) (adapter.StopResult, error) {
	return a.resume(ctx, "Debugger.stepOver")
}

func (a *Adapter) StepIn(ctx context.Context, threadID int, hasThread bool) (adapter.StopResult, error) {
	return a.resume(ctx, "Debugger.stepInto")
}

func (a *Adapter) StepOut(ctx context.Context, threadID int, hasThread bool) (adapter.StopResult, error) {
	return a.resume(ctx, "Debugger.stepOut")
}

func (a *Adapter) resume(ctx context.Context, method string) (adapter.StopResult, error) {
	id, ch := a.stopWaiter.Arm()

	if err := a.cdp.Call(ctx, method, map[string]any{}, nil); err != nil {
		a.stopWaiter.Disarm(id)
		return adapter.StopResult{}, err
	}
	return a.stopWaiter.Wait(ctx, id, ch, a.exited, adapter.DefaultStepTimeout)
}

func (a *Adapter) GetCallStack(ctx context.Context, threadID int, hasThread bool) ([]adapter.StackFrame, error) {
	a.mu.Lock()
	frames := append([]cdpCallFrame{}, a.pausedFrames...)
	a.mu.Unlock()

	out := make([]adapter.StackFrame, len(frames))
	for i, f := range frames {
		out[i] = adapter.StackFrame{
			ID:         i,
			Name:       f.FunctionName,
			SourcePath: a.urlForScript(f.Location.ScriptID),
			Line:       f.Location.LineNumber + 1,
			Column:     f.Location.ColumnNumber + 1,
		}
	}
	return out, nil
}

func (a *Adapter) frameAt(index int) (cdpCallFrame, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if index < 0 || index >= len(a.pausedFrames) {
		return cdpCallFrame{}, false
	}
	return a.pausedFrames[index], true
}

func matchesScope(scopeType, requested string) bool {
	if requested == "" {
		return scopeType == "local" || scopeType == "closure"
	}
	return strings.EqualFold(scopeType, requested)
}

func (a *Adapter) GetVariables(ctx context.Context, frameID int, hasFrame bool, scope string, maxDepth int) ([]adapter.Variable, error) {
	idx := frameID
	if !hasFrame {
		idx = 0
	}
	frame, ok := a.frameAt(idx)
	if !ok {
		return nil, errors.Errorf("nodecdp: no paused frame at index %d", idx)
	}

	var out []adapter.Variable
	for _, sc := range frame.ScopeChain {
		if !matchesScope(sc.Type, scope) {
			continue
		}
		if sc.Object.ObjectID == "" {
			continue
		}

		var result struct {
			Result []struct {
				Name  string          `json:"name"`
				Value cdpRemoteObject `json:"value"`
			} `json:"result"`
		}
		err := a.cdp.Call(ctx, "Runtime.getProperties", map[string]any{
			"objectId":        sc.Object.ObjectID,
			"ownProperties":   true,
			"generatePreview": true,
		}, &result)
		if err != nil {
			return nil, errors.Wrap(err, "nodecdp: Runtime.getProperties")
		}

		for _, prop := range result.Result {
			if prop.Name == "__proto__" {
				continue
			}
			out = append(out, adapter.Variable{
				Name:               prop.Name,
				Value:              formatRemoteObject(prop.Value),
				Type:               variableType(prop.Value),
				VariablesReference: expandRef(prop.Value, 0, maxDepth),
			})
		}
	}
	return out, nil
}

// formatRemoteObject renders a CDP RemoteObject the way an inspector
// console would: the literal value when present, else the description,
// else a synthesized preview, else just the type name.
func formatRemoteObject(ro cdpRemoteObject) string {
	if ro.Type == "undefined" {
		return "undefined"
	}
	if ro.Subtype == "null" {
		return "null"
	}
	if ro.Type == "string" && len(ro.Value) > 0 {
		var s string
		if err := json.Unmarshal(ro.Value, &s); err == nil {
			return strconv.Quote(s)
		}
	}
	if len(ro.Value) > 0 {
		var v any
		if err := json.Unmarshal(ro.Value, &v); err == nil {
			return fmt.Sprintf("%v", v)
		}
	}
	if ro.Description != "" {
		return ro.Description
	}
	if ro.Preview != nil {
		if len(ro.Preview.Properties) > 0 {
			open, close := "{", "}"
			join := func(p cdpPreviewEntry) string { return p.Name + ": " + p.Value }
			if ro.Subtype == "array" {
				open, close = "[", "]"
				join = func(p cdpPreviewEntry) string { return p.Value }
			}
			parts := make([]string, 0, len(ro.Preview.Properties))
			for _, p := range ro.Preview.Properties {
				parts = append(parts, join(p))
			}
			s := open + strings.Join(parts, ", ")
			if ro.Preview.Overflow {
				s += ", …"
			}
			return s + close
		}
		if ro.Preview.Description != "" {
			return ro.Preview.Description
		}
	}
	return ro.Type
}

// expandRef reports the variables_reference hint for a property's remote
// object per §4.6.3: 1 when it has an objectId, is an object (or an array
// by subtype), and depth is still within maxDepth; 0 otherwise. depth is
// the nesting level of the value being rendered (0 for a scope's direct
// properties); recursive expansion is never performed here, this is a
// hint only.
func expandRef(ro cdpRemoteObject, depth, maxDepth int) int {
	if maxDepth <= 0 {
		maxDepth = 1
	}
	if ro.ObjectID == "" {
		return 0
	}
	if ro.Type != "object" && ro.Subtype != "array" {
		return 0
	}
	if depth >= maxDepth {
		return 0
	}
	return 1
}

func variableType(ro cdpRemoteObject) string {
	if ro.Subtype != "" {
		return ro.Subtype
	}
	if ro.ClassName != "" {
		return ro.ClassName
	}
	return ro.Type
}

func (a *Adapter) Evaluate(ctx context.Context, expression string, frameID int, hasFrame bool) (string, error) {
	var result struct {
		Result cdpRemoteObject `json:"result"`
	}

	idx := frameID
	if !hasFrame {
		idx = 0
	}

	if frame, ok := a.frameAt(idx); ok {
		err := a.cdp.Call(ctx, "Debugger.evaluateOnCallFrame", map[string]any{
			"callFrameId":    frame.CallFrameID,
			"expression":     expression,
			"generatePreview": true,
		}, &result)
		if err != nil {
			return "", errors.Wrap(err, "nodecdp: Debugger.evaluateOnCallFrame")
		}
		return formatRemoteObject(result.Result), nil
	}

	err := a.cdp.Call(ctx, "Runtime.evaluate", map[string]any{
		"expression":      expression,
		"generatePreview": true,
	}, &result)
	if err != nil {
		return "", errors.Wrap(err, "nodecdp: Runtime.evaluate")
	}
	return formatRemoteObject(result.Result), nil
}

// Disconnect is best-effort and idempotent.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.disconnectOnce.Do(func() {
		if a.cdp != nil {
			_ = a.cdp.Close()
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

func mergeEnv(overrides map[string]string) []string {
	env := os.Environ()
	for k, v := range overrides {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}
