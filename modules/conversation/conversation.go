// Package conversation imposes a total order on multi-turn chat within each
// session, so out-of-order bus delivery or concurrent workers cannot
// interleave replies.
package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vextir/lightning"
)

// Turn is one user/assistant exchange in a session.
type Turn struct {
	Number           int           `json:"number"`
	UserMessage      string        `json:"user_message"`
	AssistantMessage string        `json:"assistant_message,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	ProcessingTime   time.Duration `json:"processing_time,omitempty"`
	UserEventID      string        `json:"user_event_id,omitempty"`
	AssistantEventID string        `json:"assistant_event_id,omitempty"`
}

// Answered reports whether the assistant reply for this turn has landed.
func (t Turn) Answered() bool { return t.AssistantMessage != "" }

type session struct {
	mu          sync.Mutex
	id          string
	userID      string
	currentTurn int
	turns       []Turn
	createdAt   time.Time
	lastActive  time.Time
}

// Manager tracks conversation sessions and assigns turn numbers. The global
// map lock is held only to look up or create a session; per-turn work runs
// under the session's own lock.
type Manager struct {
	logger lightning.Logger

	mu       sync.RWMutex
	sessions map[string]*session

	limitsMu   sync.RWMutex
	maxAge     time.Duration
	maxTurns   int
	sweepEvery time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewManager builds a manager with the given session bounds.
func NewManager(cfg lightning.ConversationConfig, logger lightning.Logger) *Manager {
	m := &Manager{
		logger:     logger,
		sessions:   map[string]*session{},
		maxAge:     cfg.MaxSessionAge(),
		maxTurns:   cfg.MaxTurnsPerSession,
		sweepEvery: time.Hour,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go m.sweeper()
	return m
}

// SetLimits replaces the session bounds at runtime. Existing sessions are
// re-bounded on the next sweep.
func (m *Manager) SetLimits(cfg lightning.ConversationConfig) {
	m.limitsMu.Lock()
	m.maxAge = cfg.MaxSessionAge()
	m.maxTurns = cfg.MaxTurnsPerSession
	m.limitsMu.Unlock()
}

func (m *Manager) limits() (time.Duration, int) {
	m.limitsMu.RLock()
	defer m.limitsMu.RUnlock()
	return m.maxAge, m.maxTurns
}

// Close stops the background sweep.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stop)
		<-m.done
	})
}

func (m *Manager) getOrCreate(sessionID, userID string) *session {
	m.mu.RLock()
	s := m.sessions[sessionID]
	m.mu.RUnlock()
	if s != nil {
		return s
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s = m.sessions[sessionID]; s != nil {
		return s
	}
	now := time.Now()
	s = &session{id: sessionID, userID: userID, createdAt: now, lastActive: now}
	m.sessions[sessionID] = s
	return s
}

func (m *Manager) lookup(sessionID string) *session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

// ProcessUserEvent assigns the next turn number for the event's session and
// returns it along with the canonical history up to and including the new
// turn. The caller must stamp the turn number into the outgoing chat event's
// metadata.
func (m *Manager) ProcessUserEvent(ctx context.Context, event lightning.Event) (int, []Turn, error) {
	sessionID := event.SessionID()
	if sessionID == "" {
		return 0, nil, fmt.Errorf("%w: event %s has no session id", lightning.ErrInvalidInput, event.ID)
	}
	userMessage, ok := latestUserMessage(event)
	if !ok {
		return 0, nil, fmt.Errorf("%w: event %s carries no user-role message", lightning.ErrInvalidInput, event.ID)
	}

	s := m.getOrCreate(sessionID, event.UserID)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.currentTurn++
	turn := Turn{
		Number:      s.currentTurn,
		UserMessage: userMessage,
		CreatedAt:   time.Now(),
		UserEventID: event.ID,
	}
	s.turns = append(s.turns, turn)
	s.lastActive = turn.CreatedAt

	history := make([]Turn, len(s.turns))
	copy(history, s.turns)
	return turn.Number, history, nil
}

// ProcessAssistantEvent attaches the assistant reply to the given turn.
// Returns false when the reply is a duplicate or the turn never existed;
// both are logged and must not be forwarded.
func (m *Manager) ProcessAssistantEvent(ctx context.Context, event lightning.Event, turnNumber int) bool {
	sessionID := event.SessionID()
	s := m.lookup(sessionID)
	if s == nil {
		m.logger.Warn("assistant reply for unknown session dropped",
			"session_id", sessionID, "event_id", event.ID, "turn", turnNumber)
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i := range s.turns {
		if s.turns[i].Number == turnNumber {
			idx = i
			break
		}
	}
	if idx < 0 {
		// Cannot retroactively create a turn the trim or expiry removed.
		m.logger.Warn("assistant reply for missing turn dropped",
			"session_id", sessionID, "event_id", event.ID, "turn", turnNumber)
		return false
	}
	if s.turns[idx].Answered() {
		m.logger.Warn("duplicate assistant reply rejected",
			"session_id", sessionID, "event_id", event.ID, "turn", turnNumber)
		return false
	}

	content, _ := assistantMessage(event)
	s.turns[idx].AssistantMessage = content
	s.turns[idx].AssistantEventID = event.ID
	s.turns[idx].ProcessingTime = time.Since(s.turns[idx].CreatedAt)
	s.lastActive = time.Now()
	return true
}

// History returns a copy of the session's turns, or nil for an unknown
// session.
func (m *Manager) History(sessionID string) []Turn {
	s := m.lookup(sessionID)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep expires sessions older than the age bound and trims oversized
// sessions to their newest turns. Exposed for the hourly loop and for tests.
func (m *Manager) Sweep(now time.Time) (expired, trimmed int) {
	maxAge, maxTurns := m.limits()
	cutoff := now.Add(-maxAge)

	m.mu.Lock()
	candidates := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		candidates = append(candidates, s)
	}
	m.mu.Unlock()

	var dead []string
	for _, s := range candidates {
		s.mu.Lock()
		if s.lastActive.Before(cutoff) {
			dead = append(dead, s.id)
			s.mu.Unlock()
			continue
		}
		if maxTurns > 0 && len(s.turns) > maxTurns {
			tail := make([]Turn, maxTurns)
			copy(tail, s.turns[len(s.turns)-maxTurns:])
			s.turns = tail
			trimmed++
		}
		s.mu.Unlock()
	}

	if len(dead) > 0 {
		m.mu.Lock()
		for _, id := range dead {
			delete(m.sessions, id)
			expired++
		}
		m.mu.Unlock()
	}
	return expired, trimmed
}

func (m *Manager) sweeper() {
	defer close(m.done)
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			expired, trimmed := m.Sweep(now)
			if expired > 0 || trimmed > 0 {
				m.logger.Info("conversation sweep", "expired", expired, "trimmed", trimmed)
			}
		}
	}
}

// latestUserMessage pulls the newest role == "user" entry from the event's
// messages array, falling back to a bare "message" string field.
func latestUserMessage(event lightning.Event) (string, bool) {
	if msgs, ok := event.Data["messages"].([]any); ok {
		for i := len(msgs) - 1; i >= 0; i-- {
			entry, ok := msgs[i].(map[string]any)
			if !ok {
				continue
			}
			if role, _ := entry["role"].(string); role == "user" {
				content, _ := entry["content"].(string)
				return content, content != ""
			}
		}
		return "", false
	}
	if msg, ok := event.Data["message"].(string); ok && msg != "" {
		return msg, true
	}
	return "", false
}

func assistantMessage(event lightning.Event) (string, bool) {
	if msg, ok := event.Data["response"].(string); ok && msg != "" {
		return msg, true
	}
	if msg, ok := event.Data["message"].(string); ok && msg != "" {
		return msg, true
	}
	return "", false
}
