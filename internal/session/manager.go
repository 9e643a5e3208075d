// Package session implements the conversation state machine: creation,
// switching, listing, deactivation and history truncation. The
// one-active-session-per-user invariant lives here, not in the store.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"telegram-chatbot/internal/domain"
	"telegram-chatbot/internal/repository"
)

// DefaultHistoryLimit bounds the conversation window handed to inference.
const DefaultHistoryLimit = 10

var (
	// ErrUnknownModel is returned when a model name is not in the catalog.
	ErrUnknownModel = errors.New("session: unknown model")
	// ErrInvalidIndex is returned for a 1-based session index outside the
	// current list.
	ErrInvalidIndex = errors.New("session: index out of range")
)

// Store defines the session state operations the manager consumes.
// *repository.Client satisfies this interface.
type Store interface {
	PutSession(ctx context.Context, s domain.Session) error
	QueryByUser(ctx context.Context, userID int64) ([]domain.Session, error)
	DeleteSession(ctx context.Context, userID int64, sk string) error
	Deactivate(ctx context.Context, userID int64, sk string) error
	SwitchActive(ctx context.Context, userID int64, deactivateSK, activateSK string) error
}

// Manager coordinates session state for one request at a time. Concurrent
// requests from the same user are not coordinated; the store is
// last-write-wins.
type Manager struct {
	store Store
}

func NewManager(store Store) (*Manager, error) {
	if store == nil {
		return nil, errors.New("session: store must not be nil")
	}
	return &Manager{store: store}, nil
}

var (
	newSessionID = uuid.NewString
	now          = time.Now
)

// ListSessions returns the user's sessions ordered by last activity, newest
// first. Sessions whose model left the catalog are flagged, never removed.
// A user with no sessions gets an empty list, not an error.
func (m *Manager) ListSessions(ctx context.Context, userID int64, catalog []string) ([]domain.Session, error) {
	sessions, err := m.store.QueryByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("session: list: %w", err)
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		if sessions[i].LastMessageTS != sessions[j].LastMessageTS {
			return sessions[i].LastMessageTS > sessions[j].LastMessageTS
		}
		return sessions[i].SK < sessions[j].SK
	})
	for i := range sessions {
		sessions[i].ModelRetired = !inCatalog(sessions[i].ModelName, catalog)
	}
	return sessions, nil
}

// GetActive returns the user's single active session, or nil when none.
func (m *Manager) GetActive(ctx context.Context, userID int64) (*domain.Session, error) {
	sessions, err := m.store.QueryByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("session: get active: %w", err)
	}
	for i := range sessions {
		if sessions[i].IsActive {
			return &sessions[i], nil
		}
	}
	return nil, nil
}

// CreateSession validates the model against the catalog, deactivates any
// currently active session and inserts a fresh active one with an empty
// conversation.
func (m *Manager) CreateSession(ctx context.Context, userID int64, modelName string, catalog []string) (*domain.Session, error) {
	if !inCatalog(modelName, catalog) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, modelName)
	}
	return m.insertActive(ctx, userID, modelName, nil)
}

// ImportSession creates a new active session pre-populated with an imported
// conversation. Model resolution against the catalog is the caller's job
// (it decides the fallback and the user-facing warning).
func (m *Manager) ImportSession(ctx context.Context, userID int64, modelName string, conversation []domain.ChatRecord) (*domain.Session, error) {
	if modelName == "" {
		return nil, errors.New("session: import: model name is required")
	}
	return m.insertActive(ctx, userID, modelName, conversation)
}

func (m *Manager) insertActive(ctx context.Context, userID int64, modelName string, conversation []domain.ChatRecord) (*domain.Session, error) {
	active, err := m.GetActive(ctx, userID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		if err := m.store.Deactivate(ctx, userID, active.SK); err != nil {
			return nil, fmt.Errorf("session: deactivate prior: %w", err)
		}
	}

	id := newSessionID()
	s := domain.Session{
		UserID:        userID,
		SK:            repository.SessionSK(modelName, id),
		ModelName:     modelName,
		SessionID:     id,
		Conversation:  conversation,
		IsActive:      true,
		LastMessageTS: now().Unix(),
	}
	if err := m.store.PutSession(ctx, s); err != nil {
		return nil, fmt.Errorf("session: insert: %w", err)
	}
	return &s, nil
}

// SwitchSession activates the session at the given 1-based index into the
// list produced by ListSessions. The index is resolved against a fresh list
// on every call; a stale number from a prior listing is the user's race to
// lose, never an out-of-bounds read.
func (m *Manager) SwitchSession(ctx context.Context, userID int64, index int, catalog []string) (*domain.Session, error) {
	sessions, err := m.ListSessions(ctx, userID, catalog)
	if err != nil {
		return nil, err
	}
	if index < 1 || index > len(sessions) {
		return nil, fmt.Errorf("%w: %d of %d", ErrInvalidIndex, index, len(sessions))
	}
	target := sessions[index-1]
	if target.IsActive {
		return &target, nil
	}

	var priorSK string
	for _, s := range sessions {
		if s.IsActive {
			priorSK = s.SK
			break
		}
	}
	if priorSK == "" {
		// No active session to demote; a plain activation keeps the
		// invariant.
		target.IsActive = true
		if err := m.store.PutSession(ctx, target); err != nil {
			return nil, fmt.Errorf("session: activate: %w", err)
		}
		return &target, nil
	}

	if err := m.store.SwitchActive(ctx, userID, priorSK, target.SK); err != nil {
		return nil, fmt.Errorf("session: switch: %w", err)
	}
	target.IsActive = true
	return &target, nil
}

// AppendMessage appends one turn to the conversation, bumps the activity
// timestamp and persists the full record.
func (m *Manager) AppendMessage(ctx context.Context, s *domain.Session, role, content string) error {
	if s == nil {
		return errors.New("session: append: session is nil")
	}
	ts := now().Unix()
	s.Conversation = append(s.Conversation, domain.ChatRecord{Role: role, Content: content, TS: ts})
	s.LastMessageTS = ts
	if err := m.store.PutSession(ctx, *s); err != nil {
		return fmt.Errorf("session: append: %w", err)
	}
	return nil
}

// Remove deletes a session record from the store. Used by archiving once the
// export object is safely written; removing an already-removed session is a
// no-op so archive retries stay idempotent.
func (m *Manager) Remove(ctx context.Context, userID int64, sk string) error {
	if err := m.store.DeleteSession(ctx, userID, sk); err != nil {
		return fmt.Errorf("session: remove: %w", err)
	}
	return nil
}

// RecentHistory returns the last limit turns in inference request shape
// (timestamps stripped). The stored conversation is not mutated.
func RecentHistory(s *domain.Session, limit int) []domain.ChatMessage {
	if s == nil || limit <= 0 {
		return nil
	}
	conv := s.Conversation
	if len(conv) > limit {
		conv = conv[len(conv)-limit:]
	}
	msgs := make([]domain.ChatMessage, 0, len(conv))
	for _, r := range conv {
		if r.Role == "" || r.Content == "" {
			continue
		}
		msgs = append(msgs, domain.ChatMessage{Role: r.Role, Content: r.Content})
	}
	return msgs
}

func inCatalog(modelName string, catalog []string) bool {
	for _, m := range catalog {
		if m == modelName {
			return true
		}
	}
	return false
}
