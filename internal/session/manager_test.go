package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"telegram-chatbot/internal/domain"
	"telegram-chatbot/internal/repository"
)

// memStore is an in-memory Store keyed by "userID/sk". It mirrors the
// DynamoDB client behavior closely enough for manager-level tests.
type memStore struct {
	sessions  map[string]domain.Session
	queryErr  error
	putErr    error
	switchErr error
	txCalls   int
}

func newMemStore() *memStore {
	return &memStore{sessions: map[string]domain.Session{}}
}

func storeKey(userID int64, sk string) string {
	return fmt.Sprintf("%d/%s", userID, sk)
}

func (m *memStore) PutSession(_ context.Context, s domain.Session) error {
	if m.putErr != nil {
		return m.putErr
	}
	m.sessions[storeKey(s.UserID, s.SK)] = s
	return nil
}

func (m *memStore) QueryByUser(_ context.Context, userID int64) ([]domain.Session, error) {
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	var out []domain.Session
	for _, s := range m.sessions {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStore) DeleteSession(_ context.Context, userID int64, sk string) error {
	delete(m.sessions, storeKey(userID, sk))
	return nil
}

func (m *memStore) Deactivate(_ context.Context, userID int64, sk string) error {
	s, ok := m.sessions[storeKey(userID, sk)]
	if !ok {
		return nil
	}
	s.IsActive = false
	m.sessions[storeKey(userID, sk)] = s
	return nil
}

func (m *memStore) SwitchActive(_ context.Context, userID int64, deactivateSK, activateSK string) error {
	if m.switchErr != nil {
		return m.switchErr
	}
	m.txCalls++
	if err := m.Deactivate(context.Background(), userID, deactivateSK); err != nil {
		return err
	}
	s, ok := m.sessions[storeKey(userID, activateSK)]
	if !ok {
		return errors.New("activate target missing")
	}
	s.IsActive = true
	m.sessions[storeKey(userID, activateSK)] = s
	return nil
}

func (m *memStore) activeCount(userID int64) int {
	n := 0
	for _, s := range m.sessions {
		if s.UserID == userID && s.IsActive {
			n++
		}
	}
	return n
}

var testCatalog = []string{"tinyllama", "phi3"}

func seedSession(store *memStore, userID int64, model, id string, active bool, lastTS int64) domain.Session {
	s := domain.Session{
		UserID:        userID,
		SK:            repository.SessionSK(model, id),
		ModelName:     model,
		SessionID:     id,
		IsActive:      active,
		LastMessageTS: lastTS,
	}
	store.sessions[storeKey(userID, s.SK)] = s
	return s
}

func mustManager(t *testing.T, store Store) *Manager {
	t.Helper()
	m, err := NewManager(store)
	require.NoError(t, err)
	return m
}

func TestNewManager_NilStore(t *testing.T) {
	_, err := NewManager(nil)
	require.Error(t, err)
}

func TestListSessions_OrderedNewestFirst(t *testing.T) {
	store := newMemStore()
	seedSession(store, 42, "tinyllama", "old", false, 100)
	seedSession(store, 42, "phi3", "new", true, 300)
	seedSession(store, 42, "tinyllama", "mid", false, 200)
	m := mustManager(t, store)

	sessions, err := m.ListSessions(context.Background(), 42, testCatalog)
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	require.Equal(t, "new", sessions[0].SessionID)
	require.Equal(t, "mid", sessions[1].SessionID)
	require.Equal(t, "old", sessions[2].SessionID)
}

func TestListSessions_TieBrokenBySortKey(t *testing.T) {
	store := newMemStore()
	seedSession(store, 42, "phi3", "b", false, 100)
	seedSession(store, 42, "phi3", "a", false, 100)
	m := mustManager(t, store)

	sessions, err := m.ListSessions(context.Background(), 42, testCatalog)
	require.NoError(t, err)
	require.Equal(t, "a", sessions[0].SessionID)
	require.Equal(t, "b", sessions[1].SessionID)
}

func TestListSessions_FlagsRetiredModels(t *testing.T) {
	store := newMemStore()
	seedSession(store, 42, "gone-model", "x", false, 100)
	seedSession(store, 42, "tinyllama", "y", true, 200)
	m := mustManager(t, store)

	sessions, err := m.ListSessions(context.Background(), 42, testCatalog)
	require.NoError(t, err)
	require.False(t, sessions[0].ModelRetired)
	require.True(t, sessions[1].ModelRetired)
}

func TestListSessions_EmptyForNewUser(t *testing.T) {
	m := mustManager(t, newMemStore())
	sessions, err := m.ListSessions(context.Background(), 42, testCatalog)
	require.NoError(t, err)
	require.Empty(t, sessions)
}

func TestListSessions_StoreError(t *testing.T) {
	store := newMemStore()
	store.queryErr = errors.New("throttled")
	m := mustManager(t, store)
	_, err := m.ListSessions(context.Background(), 42, testCatalog)
	require.Error(t, err)
}

func TestGetActive_NoneIsNil(t *testing.T) {
	store := newMemStore()
	seedSession(store, 42, "tinyllama", "x", false, 100)
	m := mustManager(t, store)

	s, err := m.GetActive(context.Background(), 42)
	require.NoError(t, err)
	require.Nil(t, s)
}

func TestGetActive_ReturnsActive(t *testing.T) {
	store := newMemStore()
	seedSession(store, 42, "tinyllama", "x", false, 100)
	seedSession(store, 42, "phi3", "y", true, 200)
	m := mustManager(t, store)

	s, err := m.GetActive(context.Background(), 42)
	require.NoError(t, err)
	require.NotNil(t, s)
	require.Equal(t, "y", s.SessionID)
}

func TestCreateSession_UnknownModel(t *testing.T) {
	m := mustManager(t, newMemStore())
	_, err := m.CreateSession(context.Background(), 42, "gpt-nope", testCatalog)
	require.ErrorIs(t, err, ErrUnknownModel)
}

func TestCreateSession_DeactivatesPrior(t *testing.T) {
	store := newMemStore()
	prior := seedSession(store, 42, "tinyllama", "old", true, 100)
	m := mustManager(t, store)

	s, err := m.CreateSession(context.Background(), 42, "phi3", testCatalog)
	require.NoError(t, err)
	require.True(t, s.IsActive)
	require.Equal(t, "phi3", s.ModelName)
	require.NotEmpty(t, s.SessionID)
	require.Equal(t, repository.SessionSK("phi3", s.SessionID), s.SK)

	require.Equal(t, 1, store.activeCount(42))
	stored := store.sessions[storeKey(42, prior.SK)]
	require.False(t, stored.IsActive)
}

func TestCreateSession_FirstSessionForUser(t *testing.T) {
	store := newMemStore()
	m := mustManager(t, store)

	s, err := m.CreateSession(context.Background(), 42, "tinyllama", testCatalog)
	require.NoError(t, err)
	require.True(t, s.IsActive)
	require.Empty(t, s.Conversation)
	require.Equal(t, 1, store.activeCount(42))
}

func TestCreateSession_DoesNotTouchOtherUsers(t *testing.T) {
	store := newMemStore()
	seedSession(store, 7, "tinyllama", "other", true, 100)
	m := mustManager(t, store)

	_, err := m.CreateSession(context.Background(), 42, "tinyllama", testCatalog)
	require.NoError(t, err)
	require.Equal(t, 1, store.activeCount(7))
}

func TestImportSession_PrepopulatesConversation(t *testing.T) {
	store := newMemStore()
	m := mustManager(t, store)
	conv := []domain.ChatRecord{
		{Role: "user", Content: "hi", TS: 1},
		{Role: "assistant", Content: "hello", TS: 2},
	}

	s, err := m.ImportSession(context.Background(), 42, "tinyllama", conv)
	require.NoError(t, err)
	require.True(t, s.IsActive)
	require.Equal(t, conv, s.Conversation)
}

func TestImportSession_RequiresModel(t *testing.T) {
	m := mustManager(t, newMemStore())
	_, err := m.ImportSession(context.Background(), 42, "", nil)
	require.Error(t, err)
}

func TestSwitchSession_IndexBounds(t *testing.T) {
	store := newMemStore()
	seedSession(store, 42, "tinyllama", "only", true, 100)
	m := mustManager(t, store)

	_, err := m.SwitchSession(context.Background(), 42, 0, testCatalog)
	require.ErrorIs(t, err, ErrInvalidIndex)

	_, err = m.SwitchSession(context.Background(), 42, 2, testCatalog)
	require.ErrorIs(t, err, ErrInvalidIndex)
}

func TestSwitchSession_AlreadyActiveIsNoop(t *testing.T) {
	store := newMemStore()
	seedSession(store, 42, "tinyllama", "a", true, 200)
	seedSession(store, 42, "phi3", "b", false, 100)
	m := mustManager(t, store)

	s, err := m.SwitchSession(context.Background(), 42, 1, testCatalog)
	require.NoError(t, err)
	require.Equal(t, "a", s.SessionID)
	require.Equal(t, 0, store.txCalls)
}

func TestSwitchSession_FlipsActive(t *testing.T) {
	store := newMemStore()
	seedSession(store, 42, "tinyllama", "a", true, 200)
	seedSession(store, 42, "phi3", "b", false, 100)
	m := mustManager(t, store)

	s, err := m.SwitchSession(context.Background(), 42, 2, testCatalog)
	require.NoError(t, err)
	require.Equal(t, "b", s.SessionID)
	require.True(t, s.IsActive)
	require.Equal(t, 1, store.txCalls)
	require.Equal(t, 1, store.activeCount(42))

	// A fresh active lookup must agree with what the switch returned.
	active, err := m.GetActive(context.Background(), 42)
	require.NoError(t, err)
	require.NotNil(t, active)
	require.Equal(t, "b", active.SessionID)
}

func TestSwitchSession_NoPriorActive(t *testing.T) {
	store := newMemStore()
	seedSession(store, 42, "tinyllama", "a", false, 100)
	m := mustManager(t, store)

	s, err := m.SwitchSession(context.Background(), 42, 1, testCatalog)
	require.NoError(t, err)
	require.True(t, s.IsActive)
	require.Equal(t, 0, store.txCalls)
	require.Equal(t, 1, store.activeCount(42))
}

func TestSwitchSession_TransactionError(t *testing.T) {
	store := newMemStore()
	seedSession(store, 42, "tinyllama", "a", true, 200)
	seedSession(store, 42, "phi3", "b", false, 100)
	store.switchErr = errors.New("transaction canceled")
	m := mustManager(t, store)

	_, err := m.SwitchSession(context.Background(), 42, 2, testCatalog)
	require.Error(t, err)
	require.Equal(t, 1, store.activeCount(42))
}

func TestAppendMessage_PersistsAndBumpsTimestamp(t *testing.T) {
	store := newMemStore()
	s := seedSession(store, 42, "tinyllama", "a", true, 100)
	m := mustManager(t, store)

	fixed := time.Unix(5000, 0)
	restore := now
	now = func() time.Time { return fixed }
	defer func() { now = restore }()

	require.NoError(t, m.AppendMessage(context.Background(), &s, "user", "hi there"))
	require.Len(t, s.Conversation, 1)
	require.Equal(t, int64(5000), s.LastMessageTS)

	stored := store.sessions[storeKey(42, s.SK)]
	require.Len(t, stored.Conversation, 1)
	require.Equal(t, "hi there", stored.Conversation[0].Content)
	require.Equal(t, int64(5000), stored.Conversation[0].TS)
}

func TestAppendMessage_NilSession(t *testing.T) {
	m := mustManager(t, newMemStore())
	require.Error(t, m.AppendMessage(context.Background(), nil, "user", "x"))
}

func TestAppendMessage_PersistsPendingMarker(t *testing.T) {
	store := newMemStore()
	s := seedSession(store, 42, "tinyllama", "a", true, 100)
	m := mustManager(t, store)

	s.PendingSince = 777
	require.NoError(t, m.AppendMessage(context.Background(), &s, "user", "hi"))
	require.Equal(t, int64(777), store.sessions[storeKey(42, s.SK)].PendingSince)

	s.PendingSince = 0
	require.NoError(t, m.AppendMessage(context.Background(), &s, "assistant", "hello"))
	require.Equal(t, int64(0), store.sessions[storeKey(42, s.SK)].PendingSince)
}

func TestRemove_DeletesSession(t *testing.T) {
	store := newMemStore()
	s := seedSession(store, 42, "tinyllama", "a", true, 100)
	m := mustManager(t, store)

	require.NoError(t, m.Remove(context.Background(), 42, s.SK))
	require.Empty(t, store.sessions)

	// Removing again is not an error.
	require.NoError(t, m.Remove(context.Background(), 42, s.SK))
}

func TestRecentHistory_TruncatesToLimit(t *testing.T) {
	s := &domain.Session{}
	for i := 0; i < 15; i++ {
		s.Conversation = append(s.Conversation, domain.ChatRecord{
			Role:    "user",
			Content: fmt.Sprintf("turn %d", i),
			TS:      int64(i),
		})
	}

	msgs := RecentHistory(s, 10)
	require.Len(t, msgs, 10)
	require.Equal(t, "turn 5", msgs[0].Content)
	require.Equal(t, "turn 14", msgs[9].Content)
}

func TestRecentHistory_SkipsEmptyEntries(t *testing.T) {
	s := &domain.Session{Conversation: []domain.ChatRecord{
		{Role: "user", Content: "hi", TS: 1},
		{Role: "", Content: "orphan", TS: 2},
		{Role: "assistant", Content: "", TS: 3},
		{Role: "assistant", Content: "hello", TS: 4},
	}}

	msgs := RecentHistory(s, 10)
	require.Len(t, msgs, 2)
	require.Equal(t, "hi", msgs[0].Content)
	require.Equal(t, "hello", msgs[1].Content)
}

func TestRecentHistory_NilSession(t *testing.T) {
	require.Nil(t, RecentHistory(nil, 10))
	require.Nil(t, RecentHistory(&domain.Session{}, 0))
}
