// Package session implements the session manager (C9) and the
// high-level operation surface (C10): single-active-session lifecycle,
// per-file breakpoint registry, stopped-state tracking, and the
// breakpoint merge/remove/list semantics consumed by callers.
package session

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/debugctl/core/internal/adapter"
)

// ErrNoActiveSession is returned by RequireActive when no session exists.
var ErrNoActiveSession = errors.New("No active debug session")

// Factory constructs a fresh, unstarted Adapter for one family.
type Factory func(log *logrus.Entry) adapter.Adapter

// Session is one debug session's mutable state.
type Session struct {
	ID      string
	Adapter adapter.Adapter

	mu              sync.Mutex
	breakpoints     map[string][]adapter.BreakpointInfo
	hasStoppedThread bool
	stoppedThreadID  int
	stoppedReason    string
}

func (s *Session) applyStopResult(result adapter.StopResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if result.Terminated {
		s.hasStoppedThread = false
		s.stoppedThreadID = 0
		s.stoppedReason = result.Reason
		return
	}
	s.hasStoppedThread = result.HasThread
	s.stoppedThreadID = result.ThreadID
	s.stoppedReason = result.Reason
}

// StoppedThread returns the thread id recorded by the most recent stop, if
// the debuggee is currently known to be paused.
func (s *Session) StoppedThread() (id int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stoppedThreadID, s.hasStoppedThread
}

func (s *Session) breakpointsFor(file string) []adapter.BreakpointInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]adapter.BreakpointInfo{}, s.breakpoints[file]...)
}

func (s *Session) storeBreakpoints(file string, infos []adapter.BreakpointInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(infos) == 0 {
		delete(s.breakpoints, file)
		return
	}
	s.breakpoints[file] = infos
}

// AllBreakpoints returns a snapshot of every file's breakpoint list.
func (s *Session) AllBreakpoints() map[string][]adapter.BreakpointInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]adapter.BreakpointInfo, len(s.breakpoints))
	for file, infos := range s.breakpoints {
		out[file] = append([]adapter.BreakpointInfo{}, infos...)
	}
	return out
}

// Manager holds at most one active Session globally, per §4.7.
type Manager struct {
	log       *logrus.Entry
	factories map[adapter.Family]Factory

	mu      sync.Mutex
	active  *Session
	counter int
}

// NewManager returns a Manager dispatching to the given adapter factories.
func NewManager(log *logrus.Entry, factories map[adapter.Family]Factory) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{log: log, factories: factories}
}

// DetectFamily maps a program path's extension to an adapter family.
func DetectFamily(program string) (adapter.Family, error) {
	switch strings.ToLower(filepath.Ext(program)) {
	case ".py":
		return adapter.FamilyPython, nil
	case ".js", ".ts", ".mjs", ".cjs", ".tsx", ".jsx":
		return adapter.FamilyNode, nil
	default:
		return "", errors.Errorf("Cannot auto-detect adapter type for %q", program)
	}
}

// Create terminates any existing session, resolves and instantiates the
// adapter, and starts it. Errors during Start leave no active session.
func (m *Manager) Create(ctx context.Context, cfg adapter.LaunchConfig) (*Session, error) {
	if (cfg.Program == "") == (cfg.Module == "") {
		return nil, errors.New("Exactly one of program and module must be set")
	}

	m.Stop(context.Background())

	family := cfg.Type
	if family == "" {
		detected, err := DetectFamily(cfg.Program)
		if err != nil {
			return nil, err
		}
		family = detected
	}

	factory, ok := m.factories[family]
	if !ok {
		return nil, errors.Errorf("Unknown adapter type %q", family)
	}

	m.mu.Lock()
	m.counter++
	id := fmt.Sprintf("session-%d", m.counter)
	m.mu.Unlock()

	ad := factory(m.log.WithField("session", id))
	sess := &Session{ID: id, Adapter: ad, breakpoints: make(map[string][]adapter.BreakpointInfo)}
	ad.OnStopped(sess.applyStopResult)

	m.mu.Lock()
	m.active = sess
	m.mu.Unlock()

	cfg.Type = family
	if err := ad.Start(ctx, cfg); err != nil {
		m.mu.Lock()
		if m.active == sess {
			m.active = nil
		}
		m.mu.Unlock()
		return nil, errors.Wrap(err, "session: start adapter")
	}

	m.log.WithFields(logrus.Fields{"session": id, "family": family}).Info("session: created")
	return sess, nil
}

// RequireActive returns the active session or ErrNoActiveSession.
func (m *Manager) RequireActive() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil, ErrNoActiveSession
	}
	return m.active, nil
}

// Stop disconnects the active session, if any, swallowing adapter errors,
// and clears the active slot. Idempotent.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	sess := m.active
	m.active = nil
	m.mu.Unlock()

	if sess == nil {
		return
	}
	if err := sess.Adapter.Disconnect(ctx); err != nil {
		m.log.WithError(err).WithField("session", sess.ID).Debug("session: disconnect error swallowed")
	}
}

// StopAll is an alias for Stop: the manager only ever holds one session,
// so there is nothing further to tear down.
func (m *Manager) StopAll(ctx context.Context) {
	m.Stop(ctx)
}
