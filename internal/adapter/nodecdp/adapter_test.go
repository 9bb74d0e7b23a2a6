package nodecdp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/debugctl/core/internal/adapter"
	"github.com/debugctl/core/internal/cdpwire"
)

func TestMatchesScopeDefaultsToLocalAndClosure(t *testing.T) {
	assert.True(t, matchesScope("local", ""))
	assert.True(t, matchesScope("closure", ""))
	assert.False(t, matchesScope("global", ""))
}

func TestMatchesScopeRequestedIsExact(t *testing.T) {
	assert.True(t, matchesScope("global", "global"))
	assert.True(t, matchesScope("Global", "GLOBAL"))
	assert.False(t, matchesScope("local", "global"))
}

func TestFormatRemoteObjectValueFallbackChain(t *testing.T) {
	cases := []struct {
		name string
		ro   cdpRemoteObject
		want string
	}{
		{"undefined", cdpRemoteObject{Type: "undefined"}, "undefined"},
		{"null", cdpRemoteObject{Type: "object", Subtype: "null"}, "null"},
		{"number", cdpRemoteObject{Type: "number", Value: json.RawMessage(`3`)}, "3"},
		{"string", cdpRemoteObject{Type: "string", Value: json.RawMessage(`"hi"`)}, `"hi"`},
		{"description fallback", cdpRemoteObject{Type: "object", Description: "Array(2)"}, "Array(2)"},
		{"type fallback", cdpRemoteObject{Type: "symbol"}, "symbol"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, formatRemoteObject(c.ro))
		})
	}
}

func TestFormatRemoteObjectPreview(t *testing.T) {
	ro := cdpRemoteObject{
		Type: "object",
		Preview: &cdpPreview{
			Properties: []cdpPreviewEntry{{Name: "x", Value: "1"}, {Name: "y", Value: "2"}},
		},
	}
	assert.Equal(t, "{x: 1, y: 2}", formatRemoteObject(ro))
}

func TestFormatRemoteObjectArrayPreview(t *testing.T) {
	ro := cdpRemoteObject{
		Type:    "object",
		Subtype: "array",
		Preview: &cdpPreview{
			Properties: []cdpPreviewEntry{{Name: "0", Value: "1"}, {Name: "1", Value: "2"}},
			Overflow:   true,
		},
	}
	assert.Equal(t, "[1, 2, …]", formatRemoteObject(ro))
}

func TestFileURLAddsSchemeOnce(t *testing.T) {
	assert.Equal(t, "file:///tmp/a.js", fileURL("/tmp/a.js"))
	assert.Equal(t, "file:///tmp/a.js", fileURL("file:///tmp/a.js"))
}

func TestExpandRefHintsExpandableObjects(t *testing.T) {
	assert.Equal(t, 0, expandRef(cdpRemoteObject{Type: "object"}, 0, 1), "no objectId")
	assert.Equal(t, 1, expandRef(cdpRemoteObject{Type: "object", ObjectID: "o1"}, 0, 1))
	assert.Equal(t, 1, expandRef(cdpRemoteObject{Type: "object", Subtype: "array", ObjectID: "o1"}, 0, 1))
	assert.Equal(t, 0, expandRef(cdpRemoteObject{Type: "number", ObjectID: "o1"}, 0, 1), "primitive type")
	assert.Equal(t, 0, expandRef(cdpRemoteObject{Type: "object", ObjectID: "o1"}, 1, 1), "beyond max depth")
}

// fakeInspector stands in for node --inspect-brk's CDP endpoint, answering
// Debugger/Runtime calls over a cdpwire.TestPeer, mirroring the teacher's
// own NewTestAdapter doubles. It fires no events itself; tests push
// paused/scriptParsed events through the peer's Emit.
type fakeInspector struct {
	peer *cdpwire.TestPeer

	mu            sync.Mutex
	nextBreakpoint int
}

func newFakeInspector(peer *cdpwire.TestPeer) *fakeInspector {
	return &fakeInspector{peer: peer}
}

func (f *fakeInspector) serve() {
	for {
		req, ok := f.peer.Next()
		if !ok {
			return
		}

		switch req.Method {
		case "Debugger.setBreakpointByUrl":
			var args struct {
				URL        string `json:"url"`
				LineNumber int    `json:"lineNumber"`
			}
			_ = json.Unmarshal(req.Params, &args)

			f.mu.Lock()
			f.nextBreakpoint++
			id := f.nextBreakpoint
			f.mu.Unlock()

			_ = f.peer.Respond(req.ID, map[string]any{
				"breakpointId": fmt.Sprintf("bp-%d", id),
				"locations":    []map[string]any{{"lineNumber": args.LineNumber + 1}},
			})
		case "Runtime.getProperties":
			var args struct {
				ObjectID string `json:"objectId"`
			}
			_ = json.Unmarshal(req.Params, &args)
			_ = f.peer.Respond(req.ID, map[string]any{"result": propertiesFor(args.ObjectID)})
		case "Debugger.evaluateOnCallFrame", "Runtime.evaluate":
			_ = f.peer.Respond(req.ID, map[string]any{
				"result": map[string]any{"type": "number", "value": 2, "description": "2"},
			})
		default:
			// Debugger.enable, Runtime.enable, runIfWaitingForDebugger,
			// resume, stepOver, stepInto, stepOut, removeBreakpoint: no
			// result body is ever inspected by the adapter.
			_ = f.peer.Respond(req.ID, nil)
		}
	}
}

// propertiesFor returns a fixed property set per scope object id, so
// GetVariables's scope-filtering tests can assert on which properties
// came back without a real V8 backing them.
func propertiesFor(objectID string) []map[string]any {
	switch objectID {
	case "local-obj":
		return []map[string]any{
			{"name": "x", "value": map[string]any{"type": "number", "value": 1}},
			{"name": "__proto__", "value": map[string]any{"type": "object", "objectId": "proto-obj"}},
		}
	case "closure-obj":
		return []map[string]any{
			{"name": "captured", "value": map[string]any{"type": "string", "value": "hi"}},
		}
	case "global-obj":
		return []map[string]any{
			{"name": "process", "value": map[string]any{"type": "object", "className": "process", "objectId": "process-obj"}},
		}
	default:
		return nil
	}
}

func pausedFrame(funcName, scriptID string, line int, scopes ...cdpScope) cdpCallFrame {
	return cdpCallFrame{
		CallFrameID:  "frame-0",
		FunctionName: funcName,
		Location:     cdpLocation{ScriptID: scriptID, LineNumber: line, ColumnNumber: 0},
		ScopeChain:   scopes,
	}
}

// newTestAdapter wires an Adapter to an in-memory CDP peer, bypassing the
// real node --inspect-brk subprocess spawn and port/discovery dance Start
// performs.
func newTestAdapter(t *testing.T) (*Adapter, *cdpwire.TestPeer) {
	t.Helper()

	conn, peer := cdpwire.NewTestPeer()
	inspector := newFakeInspector(peer)
	go inspector.serve()

	a := New(logrus.NewEntry(logrus.StandardLogger()))
	a.conn = conn
	a.cdp = cdpwire.NewClient(conn, nil)
	a.installEventHandlers()

	t.Cleanup(func() {
		a.cdp.Close()
		peer.Close()
	})

	return a, peer
}

func TestAdapterSetBreakpointsZipsRequestAndResponseByIndex(t *testing.T) {
	a, _ := newTestAdapter(t)

	bps := []adapter.SourceBreakpoint{{Line: 3}, {Line: 10}}
	out, err := a.SetBreakpoints(context.Background(), "/tmp/app.js", bps)
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.True(t, out[0].Verified)
	assert.Equal(t, 4, out[0].Line, "fake inspector reports lineNumber+1, 0-indexed -> 1-indexed")
	assert.Equal(t, 1, out[0].ID, "adapter assigns sequential local ids, not the cdp breakpointId")

	assert.True(t, out[1].Verified)
	assert.Equal(t, 11, out[1].Line)
	assert.Equal(t, 2, out[1].ID)
}

func TestAdapterContinueWaitsForPauseEvent(t *testing.T) {
	a, peer := newTestAdapter(t)

	type outcome struct {
		result adapter.StopResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := a.Continue(context.Background(), 0, false)
		done <- outcome{result, err}
	}()

	// Debugger.resume is answered by the background fake inspector; give
	// resume()'s arm-then-send a moment to land before firing the pause,
	// since the stopped-event listener must already be armed to see it.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, peer.Emit("Debugger.paused", pausedEventBody{
		Reason:     "other",
		CallFrames: []cdpCallFrame{pausedFrame("main", "s1", 4)},
	}))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, "other", r.result.Reason)
		assert.True(t, r.result.HasThread)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Continue to observe the pause")
	}
}

func TestAdapterGetCallStackReflectsLastPausedFrames(t *testing.T) {
	a, peer := newTestAdapter(t)

	require.NoError(t, peer.Emit("Debugger.scriptParsed", scriptParsedBody{ScriptID: "s1", URL: "file:///tmp/app.js"}))
	require.NoError(t, peer.Emit("Debugger.paused", pausedEventBody{
		Reason:     "breakpoint",
		CallFrames: []cdpCallFrame{pausedFrame("main", "s1", 9)},
	}))

	waitForPausedFrames(t, a, 1)

	frames, err := a.GetCallStack(context.Background(), 0, false)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "main", frames[0].Name)
	assert.Equal(t, "file:///tmp/app.js", frames[0].SourcePath)
	assert.Equal(t, 10, frames[0].Line, "cdp lineNumber is 0-indexed")
}

func TestAdapterGetVariablesDefaultsToLocalAndClosure(t *testing.T) {
	a, peer := newTestAdapter(t)

	require.NoError(t, peer.Emit("Debugger.paused", pausedEventBody{
		Reason: "breakpoint",
		CallFrames: []cdpCallFrame{pausedFrame("main", "s1", 0,
			cdpScope{Type: "local", Object: cdpRemoteObject{Type: "object", ObjectID: "local-obj"}},
			cdpScope{Type: "closure", Object: cdpRemoteObject{Type: "object", ObjectID: "closure-obj"}},
			cdpScope{Type: "global", Object: cdpRemoteObject{Type: "object", ObjectID: "global-obj"}},
		)},
	}))
	waitForPausedFrames(t, a, 1)

	vars, err := a.GetVariables(context.Background(), 0, false, "", 1)
	require.NoError(t, err)

	names := make([]string, len(vars))
	for i, v := range vars {
		names[i] = v.Name
	}
	assert.ElementsMatch(t, []string{"x", "captured"}, names, "default scope is local+closure, __proto__ skipped, global excluded")
}

func TestAdapterGetVariablesHonorsRequestedScope(t *testing.T) {
	a, peer := newTestAdapter(t)

	require.NoError(t, peer.Emit("Debugger.paused", pausedEventBody{
		Reason: "breakpoint",
		CallFrames: []cdpCallFrame{pausedFrame("main", "s1", 0,
			cdpScope{Type: "local", Object: cdpRemoteObject{Type: "object", ObjectID: "local-obj"}},
			cdpScope{Type: "global", Object: cdpRemoteObject{Type: "object", ObjectID: "global-obj"}},
		)},
	}))
	waitForPausedFrames(t, a, 1)

	vars, err := a.GetVariables(context.Background(), 0, false, "global", 1)
	require.NoError(t, err)
	require.Len(t, vars, 1)
	assert.Equal(t, "process", vars[0].Name)
	assert.Equal(t, 1, vars[0].VariablesReference, "objectId present, type object, within max depth")
}

func TestAdapterEvaluateOnPausedFrame(t *testing.T) {
	a, peer := newTestAdapter(t)

	require.NoError(t, peer.Emit("Debugger.paused", pausedEventBody{
		Reason:     "breakpoint",
		CallFrames: []cdpCallFrame{pausedFrame("main", "s1", 0)},
	}))
	waitForPausedFrames(t, a, 1)

	result, err := a.Evaluate(context.Background(), "1+1", 0, false)
	require.NoError(t, err)
	assert.Equal(t, "2", result)
}

func TestAdapterDisconnectIsIdempotent(t *testing.T) {
	a, _ := newTestAdapter(t)

	require.NoError(t, a.Disconnect(context.Background()))
	require.NoError(t, a.Disconnect(context.Background()))
}

// waitForPausedFrames polls until the adapter has processed a Debugger.paused
// event and cached n frames, since event dispatch happens on the client's
// read-loop goroutine.
func waitForPausedFrames(t *testing.T, a *Adapter, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		a.mu.Lock()
		got := len(a.pausedFrames)
		a.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d paused frame(s)", n)
}
