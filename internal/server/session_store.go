package server

import (
	"sync"

	"go.uber.org/zap"
)

// SessionInfo holds MCP session metadata captured at registration.
type SessionInfo struct {
	SessionID     string
	ClientName    string
	ClientVersion string
}

// SessionStore tracks live MCP sessions so execution history records can
// be correlated with the client that submitted the code.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*SessionInfo
	logger   *zap.Logger
}

func NewSessionStore(logger *zap.Logger) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*SessionInfo),
		logger:   logger,
	}
}

// Set stores or updates session information.
func (s *SessionStore) Set(sessionID, clientName, clientVersion string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[sessionID] = &SessionInfo{
		SessionID:     sessionID,
		ClientName:    clientName,
		ClientVersion: clientVersion,
	}
	s.logger.Debug("session info stored",
		zap.String("session_id", sessionID),
		zap.String("client_name", clientName))
}

// Get returns session info or nil for unknown sessions.
func (s *SessionStore) Get(sessionID string) *SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[sessionID]
}

// Remove drops a session after the client disconnects.
func (s *SessionStore) Remove(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	s.logger.Debug("session info removed", zap.String("session_id", sessionID))
}

// Count returns the number of live sessions.
func (s *SessionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
