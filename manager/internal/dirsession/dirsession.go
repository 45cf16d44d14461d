// Package dirsession keeps the manager logged into the directory service
// and maintains a periodically refreshed view of available agents, the
// manager-side counterpart of agent/main.go's runDirectorySession.
package dirsession

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"core/dirclient"
)

const refreshInterval = 15 * time.Second

// Session owns the directory login and the live agent list.
type Session struct {
	client *dirclient.Client

	mu       sync.RWMutex
	loggedIn bool
	agents   map[string]dirclient.AgentInfo
}

// New builds a Session against the given directory client. The client
// should already be constructed with dirclient.New(baseURL); login happens
// via Login.
func New(client *dirclient.Client) *Session {
	return &Session{client: client, agents: map[string]dirclient.AgentInfo{}}
}

// Login authenticates with the directory and marks the session as having
// a valid token. connmgr.Manager.attempt consults LoggedIn to decide
// whether TRY_UDP_PUNCH/RELAY are reachable at all (spec.md §4.4: both
// require the relay's signaling path, which requires a directory session).
func (s *Session) Login(ctx context.Context, username, password string) error {
	if _, err := s.client.Login(ctx, username, password); err != nil {
		s.mu.Lock()
		s.loggedIn = false
		s.mu.Unlock()
		return err
	}
	s.mu.Lock()
	s.loggedIn = true
	s.mu.Unlock()
	return nil
}

// Adopt installs a bearer token persisted from a prior Login (e.g. by
// manager/internal/config across separate CLI invocations) without
// re-authenticating, optimistically marking the session logged in. A
// subsequent Refresh flips LoggedIn back to false if the token has
// actually expired or been revoked server-side.
func (s *Session) Adopt(token string) {
	s.client.SetToken(token)
	s.mu.Lock()
	s.loggedIn = token != ""
	s.mu.Unlock()
}

// LoggedIn reports whether the last login attempt succeeded and no
// subsequent directory call has invalidated it.
func (s *Session) LoggedIn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loggedIn
}

// Agents returns the most recently refreshed agent directory, keyed by
// AgentID.
func (s *Session) Agents() map[string]dirclient.AgentInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]dirclient.AgentInfo, len(s.agents))
	for k, v := range s.agents {
		out[k] = v
	}
	return out
}

// Agent looks up a single agent by ID from the last refresh.
func (s *Session) Agent(agentID string) (dirclient.AgentInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	return a, ok
}

// Refresh fetches the current agent list once.
func (s *Session) Refresh(ctx context.Context) error {
	agents, err := s.client.ListAgents(ctx)
	if err != nil {
		if isAuthError(err) {
			s.mu.Lock()
			s.loggedIn = false
			s.mu.Unlock()
		}
		return err
	}
	m := make(map[string]dirclient.AgentInfo, len(agents))
	for _, a := range agents {
		m[a.AgentID] = a
	}
	s.mu.Lock()
	s.agents = m
	s.mu.Unlock()
	return nil
}

// Run polls Refresh on refreshInterval until ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		if err := s.Refresh(ctx); err != nil {
			slog.Debug("dirsession: refresh", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// isAuthError decides whether a refresh failure should flip LoggedIn
// false; a transient network error should not disable the relay/udp-punch
// paths, only an actual 401 from the directory should.
func isAuthError(err error) bool {
	return errors.Is(err, dirclient.ErrUnauthorized)
}
