package voice

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionManager holds at most one voice session record per guild
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]SessionRecord
	logger   Logger
	now      func() time.Time
}

// NewSessionManager creates an empty session registry
func NewSessionManager(logger Logger) *SessionManager {
	if logger == nil {
		logger = NullLogger()
	}
	return &SessionManager{
		sessions: make(map[string]SessionRecord),
		logger:   logger.With(String("component", "session_manager")),
		now:      time.Now,
	}
}

// IsValid reports whether the guild has a session that has not been invalidated
func (sm *SessionManager) IsValid(guildID string) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	record, ok := sm.sessions[guildID]
	return ok && record.Valid
}

// CreateSession replaces any prior record with a fresh, valid session
func (sm *SessionManager) CreateSession(guildID string) SessionRecord {
	record := SessionRecord{
		SessionID: uuid.NewString(),
		CreatedAt: sm.now(),
		Valid:     true,
	}

	sm.mu.Lock()
	previous, hadPrevious := sm.sessions[guildID]
	sm.sessions[guildID] = record
	sm.mu.Unlock()

	fields := []Field{String("guild_id", guildID), String("session_id", record.SessionID)}
	if hadPrevious {
		fields = append(fields, String("previous_session_id", previous.SessionID))
	}
	sm.logger.Debug("Created voice session", fields...)

	return record
}

// EnsureSession returns the guild's valid session, creating one if needed.
// The boolean reports whether a new session was created.
func (sm *SessionManager) EnsureSession(guildID string) (SessionRecord, bool) {
	sm.mu.RLock()
	record, ok := sm.sessions[guildID]
	sm.mu.RUnlock()

	if ok && record.Valid {
		return record, false
	}
	return sm.CreateSession(guildID), true
}

// Invalidate marks the guild's session as no longer usable
func (sm *SessionManager) Invalidate(guildID string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	record, ok := sm.sessions[guildID]
	if !ok || !record.Valid {
		return
	}
	record.Valid = false
	sm.sessions[guildID] = record

	sm.logger.Debug("Invalidated voice session",
		String("guild_id", guildID),
		String("session_id", record.SessionID))
}

// GetInfo returns the guild's session record, if any
func (sm *SessionManager) GetInfo(guildID string) (SessionRecord, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	record, ok := sm.sessions[guildID]
	return record, ok
}
