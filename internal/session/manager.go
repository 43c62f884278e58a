package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ManagerConfig wires the collaborators shared by every session.
type ManagerConfig struct {
	Player  Player
	Oracle  Oracle
	Matcher Matcher
	// NewRecorder returns a fresh recorder for a session id.
	NewRecorder func(id string) Recorder
	Session     Config
	// OnEnd runs once per session after it finishes or aborts.
	OnEnd func(*Session)
	// Retention is how long ended sessions stay queryable. Zero keeps them
	// until Remove.
	Retention time.Duration
	Logger    *slog.Logger
}

// Manager is the registry of live and recently ended sessions.
type Manager struct {
	cfg ManagerConfig
	log *slog.Logger
	wg  sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates an empty registry.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Session.Logger == nil {
		cfg.Session.Logger = cfg.Logger
	}
	return &Manager{
		cfg:      cfg,
		log:      cfg.Logger,
		sessions: make(map[string]*Session),
	}
}

// Create registers a new idle session. Start it with Session.Start.
func (m *Manager) Create() *Session {
	id := uuid.NewString()
	s := New(id, Deps{
		Player:   m.cfg.Player,
		Recorder: m.cfg.NewRecorder(id),
		Oracle:   m.cfg.Oracle,
		Matcher:  m.cfg.Matcher,
	}, m.cfg.Session)

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.wg.Add(1)
	go m.watch(s)
	return s
}

// Launch creates a session and starts it on l.
func (m *Manager) Launch(ctx context.Context, l Lesson) (*Session, error) {
	s := m.Create()
	if err := s.Start(ctx, l); err != nil {
		return s, err
	}
	return s, nil
}

func (m *Manager) watch(s *Session) {
	defer m.wg.Done()
	<-s.Done()
	if m.cfg.OnEnd != nil {
		m.cfg.OnEnd(s)
	}
	if m.cfg.Retention > 0 {
		time.AfterFunc(m.cfg.Retention, func() { m.Remove(s.ID()) })
	}
}

// Get returns the session with id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns snapshots of all sessions, oldest first.
func (m *Manager) List() []State {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	out := make([]State, 0, len(all))
	for _, s := range all {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Remove cancels the session if it is still running and forgets it.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		s.Cancel()
	}
}

// Shutdown cancels every session and waits for their end hooks to run.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	for _, s := range m.sessions {
		s.Cancel()
	}
	m.mu.RUnlock()
	m.wg.Wait()
	m.log.Info("session: manager stopped")
}
