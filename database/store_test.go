package database

import (
	"database/sql"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgit/agentgit/auth"
	"github.com/agentgit/agentgit/checkpoints"
	"github.com/agentgit/agentgit/config"
	"github.com/agentgit/agentgit/sessions"
	"github.com/agentgit/agentgit/tools"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := &config.Config{
		Database: "sqlite",
		DBPath:   filepath.Join(t.TempDir(), "test.db"),
	}
	store, err := Open(cfg, slog.New(slog.NewTextHandler(testWriter{t}, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func createTestUser(t *testing.T, store *Store, username string) *auth.User {
	t.Helper()
	user := auth.NewUser(username)
	user.SetPassword("secret123")
	saved, err := store.SaveUser(user)
	require.NoError(t, err)
	require.NotZero(t, saved.ID)
	return saved
}

func TestStoreBootstrapsRootUser(t *testing.T) {
	store := newTestStore(t)

	root, err := store.FindUserByUsername(auth.RootUsername)
	require.NoError(t, err)
	require.NotNil(t, root)
	assert.True(t, root.IsAdmin)
	assert.True(t, root.VerifyPassword("1234"))
}

func TestStoreReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{Database: "sqlite", DBPath: filepath.Join(dir, "test.db")}

	store, err := Open(cfg, nil)
	require.NoError(t, err)
	createTestUser(t, store, "alice")
	require.NoError(t, store.Close())

	store, err = Open(cfg, nil)
	require.NoError(t, err)
	defer store.Close()

	user, err := store.FindUserByUsername("alice")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.True(t, user.VerifyPassword("secret123"))
}

func TestNewStoreRejectsUnknownDialect(t *testing.T) {
	db, err := sql.Open("sqlite3", "file::memory:?_foreign_keys=on")
	require.NoError(t, err)
	defer db.Close()

	_, err = NewStore(db, "oracle", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported dialect")
}

func TestSaveUserDuplicateUsername(t *testing.T) {
	store := newTestStore(t)
	createTestUser(t, store, "alice")

	dup := auth.NewUser("alice")
	dup.SetPassword("other-pass")
	_, err := store.SaveUser(dup)
	assert.ErrorIs(t, err, auth.ErrUsernameTaken)
}

func TestUserRoundTrip(t *testing.T) {
	store := newTestStore(t)

	user := createTestUser(t, store, "alice")
	user.Preferences = map[string]interface{}{"model": "gpt-4"}
	user.ActiveSessions = []int64{7, 8}
	user.GenerateAPIKey()
	_, err := store.SaveUser(user)
	require.NoError(t, err)

	loaded, err := store.FindUserByID(user.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "alice", loaded.Username)
	assert.Equal(t, []int64{7, 8}, loaded.ActiveSessions)
	assert.Equal(t, "gpt-4", loaded.Preferences["model"])
	assert.Equal(t, auth.DefaultSessionLimit, loaded.SessionLimit)

	byKey, err := store.FindUserByAPIKey(user.APIKey)
	require.NoError(t, err)
	require.NotNil(t, byKey)
	assert.Equal(t, user.ID, byKey.ID)
}

func TestFindUserMissingReturnsNil(t *testing.T) {
	store := newTestStore(t)

	user, err := store.FindUserByUsername("nobody")
	require.NoError(t, err)
	assert.Nil(t, user)

	user, err = store.FindUserByAPIKey("")
	require.NoError(t, err)
	assert.Nil(t, user)
}

func TestUpdateAPIKeyRevoke(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, "alice")

	key := user.GenerateAPIKey()
	require.NoError(t, store.UpdateAPIKey(user.ID, key))
	loaded, err := store.FindUserByAPIKey(key)
	require.NoError(t, err)
	require.NotNil(t, loaded)

	require.NoError(t, store.UpdateAPIKey(user.ID, ""))
	loaded, err = store.FindUserByAPIKey(key)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestCleanupInactiveSessions(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, "alice")
	user.ActiveSessions = []int64{1, 2, 3}
	_, err := store.SaveUser(user)
	require.NoError(t, err)

	require.NoError(t, store.CleanupInactiveSessions(user.ID, []int64{2}))

	loaded, err := store.FindUserByID(user.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, loaded.ActiveSessions)
}

func TestDeleteUserMissing(t *testing.T) {
	store := newTestStore(t)
	err := store.DeleteUser(9999)
	assert.ErrorIs(t, err, auth.ErrUserNotFound)
}

func TestOuterSessionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, "alice")

	outer := sessions.NewOuterSession(user.ID, "my chat")
	outer.AddInnerSession("langgraph_aaaabbbbcccc", false)
	saved, err := store.CreateOuterSession(outer)
	require.NoError(t, err)
	require.NotZero(t, saved.ID)

	loaded, err := store.GetOuterSession(saved.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "my chat", loaded.SessionName)
	assert.True(t, loaded.IsActive)
	assert.Equal(t, []string{"langgraph_aaaabbbbcccc"}, loaded.InnerSessionIDs)
	assert.Equal(t, "langgraph_aaaabbbbcccc", loaded.CurrentInnerSessionID)

	loaded.SessionName = "renamed"
	loaded.TotalCheckpoints = 3
	require.NoError(t, store.UpdateOuterSession(loaded))

	again, err := store.GetOuterSession(saved.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", again.SessionName)
	assert.Equal(t, 3, again.TotalCheckpoints)

	list, err := store.GetOuterSessionsByUser(user.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func createTestTimeline(t *testing.T, store *Store, outerID int64) *sessions.InnerSession {
	t.Helper()
	inner := sessions.NewInnerSession(outerID)
	saved, err := store.CreateInnerSession(inner)
	require.NoError(t, err)
	require.NotZero(t, saved.ID)
	return saved
}

func TestInnerSessionCurrentBitDiscipline(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, "alice")
	outer, err := store.CreateOuterSession(sessions.NewOuterSession(user.ID, "chat"))
	require.NoError(t, err)

	first := createTestTimeline(t, store, outer.ID)
	second := createTestTimeline(t, store, outer.ID)

	// Creating the second timeline as current must demote the first.
	current, err := store.GetCurrentInnerSession(outer.ID)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, second.ID, current.ID)

	reloaded, err := store.GetInnerSession(first.ID)
	require.NoError(t, err)
	assert.False(t, reloaded.IsCurrent)

	ok, err := store.SetCurrentInnerSession(first.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	current, err = store.GetCurrentInnerSession(outer.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, current.ID)

	ok, err = store.SetCurrentInnerSession(9999)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInnerSessionLookupByGraphID(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, "alice")
	outer, err := store.CreateOuterSession(sessions.NewOuterSession(user.ID, "chat"))
	require.NoError(t, err)

	inner := createTestTimeline(t, store, outer.ID)

	loaded, err := store.GetInnerSessionByGraphID(inner.GraphSessionID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, inner.ID, loaded.ID)

	missing, err := store.GetInnerSessionByGraphID("langgraph_000000000000")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestInnerSessionPersistsTranscript(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, "alice")
	outer, err := store.CreateOuterSession(sessions.NewOuterSession(user.ID, "chat"))
	require.NoError(t, err)

	inner := createTestTimeline(t, store, outer.ID)
	inner.AddMessage("user", "hello")
	inner.AddMessage("assistant", "hi there")
	inner.UpdateState(map[string]interface{}{"topic": "greetings"})
	require.NoError(t, store.UpdateInnerSession(inner))

	loaded, err := store.GetInnerSession(inner.ID)
	require.NoError(t, err)
	require.Len(t, loaded.ConversationHistory, 2)
	assert.Equal(t, "hello", loaded.ConversationHistory[0].Content)
	assert.Equal(t, 1, loaded.ConversationHistory[0].TurnNumber)
	assert.Equal(t, "greetings", loaded.SessionState["topic"])
}

func TestSessionLineage(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, "alice")
	outer, err := store.CreateOuterSession(sessions.NewOuterSession(user.ID, "chat"))
	require.NoError(t, err)

	root := createTestTimeline(t, store, outer.ID)
	child := sessions.NewBranch(outer.ID, root.ID, 1, "Checkpoint 1", nil, nil)
	child, err = store.CreateInnerSession(child)
	require.NoError(t, err)
	grandchild := sessions.NewBranch(outer.ID, child.ID, 2, "Checkpoint 2", nil, nil)
	grandchild, err = store.CreateInnerSession(grandchild)
	require.NoError(t, err)

	lineage, err := store.GetSessionLineage(grandchild.ID)
	require.NoError(t, err)
	require.Len(t, lineage, 3)
	assert.Equal(t, root.ID, lineage[0].ID)
	assert.Equal(t, child.ID, lineage[1].ID)
	assert.Equal(t, grandchild.ID, lineage[2].ID)

	branches, err := store.GetBranchSessions(root.ID)
	require.NoError(t, err)
	require.Len(t, branches, 1)
	assert.Equal(t, child.ID, branches[0].ID)

	count, err := store.CountInnerSessions(outer.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestIncrementToolCount(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, "alice")
	outer, err := store.CreateOuterSession(sessions.NewOuterSession(user.ID, "chat"))
	require.NoError(t, err)
	inner := createTestTimeline(t, store, outer.ID)

	require.NoError(t, store.IncrementToolCount(inner.ID, 3))
	require.NoError(t, store.IncrementToolCount(inner.ID, 2))

	loaded, err := store.GetInnerSession(inner.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, loaded.ToolInvocationCount)
}

func saveTestCheckpoint(t *testing.T, store *Store, inner *sessions.InnerSession, name string, isAuto bool, createdAt time.Time) *checkpoints.Checkpoint {
	t.Helper()
	cp := checkpoints.FromInnerSession(inner, name, isAuto, nil, nil)
	cp.CreatedAt = createdAt
	saved, err := store.SaveCheckpoint(cp)
	require.NoError(t, err)
	require.NotZero(t, saved.ID)
	return saved
}

func TestCheckpointRoundTrip(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, "alice")
	outer, err := store.CreateOuterSession(sessions.NewOuterSession(user.ID, "chat"))
	require.NoError(t, err)
	inner := createTestTimeline(t, store, outer.ID)
	inner.AddMessage("user", "remember this")

	cp := checkpoints.FromInnerSession(inner, "before refactor", false, &user.ID, []tools.ToolInvocationRecord{
		{ToolName: "write_file", Success: true},
	})
	cp.SetToolTrackPosition(1)
	saved, err := store.SaveCheckpoint(cp)
	require.NoError(t, err)

	loaded, err := store.GetCheckpoint(saved.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "before refactor", loaded.CheckpointName)
	assert.Equal(t, inner.ID, loaded.InnerSessionID)
	assert.False(t, loaded.IsAuto)
	require.NotNil(t, loaded.UserID)
	assert.Equal(t, user.ID, *loaded.UserID)
	require.Len(t, loaded.ConversationHistory, 1)
	assert.Equal(t, "remember this", loaded.ConversationHistory[0].Content)
	require.Len(t, loaded.ToolInvocations, 1)
	assert.Equal(t, "write_file", loaded.ToolInvocations[0].ToolName)
	assert.Equal(t, 1, loaded.ToolTrackPosition())

	missing, err := store.GetCheckpoint(9999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCheckpointListingOrderAndLatest(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, "alice")
	outer, err := store.CreateOuterSession(sessions.NewOuterSession(user.ID, "chat"))
	require.NoError(t, err)
	inner := createTestTimeline(t, store, outer.ID)

	base := time.Now().Add(-time.Hour)
	old := saveTestCheckpoint(t, store, inner, "old", false, base)
	auto := saveTestCheckpoint(t, store, inner, "", true, base.Add(10*time.Minute))
	newest := saveTestCheckpoint(t, store, inner, "newest", false, base.Add(20*time.Minute))

	list, err := store.GetCheckpointsBySession(inner.ID, false)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, newest.ID, list[0].ID)
	assert.Equal(t, auto.ID, list[1].ID)
	assert.Equal(t, old.ID, list[2].ID)

	autoOnly, err := store.GetCheckpointsBySession(inner.ID, true)
	require.NoError(t, err)
	require.Len(t, autoOnly, 1)
	assert.Equal(t, auto.ID, autoOnly[0].ID)

	latest, err := store.GetLatestCheckpoint(inner.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, newest.ID, latest.ID)

	counts, err := store.CountCheckpoints(inner.ID)
	require.NoError(t, err)
	assert.Equal(t, CheckpointCounts{Total: 3, Auto: 1, Manual: 2}, counts)
}

func TestDeleteAutoCheckpointsKeepsLatest(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, "alice")
	outer, err := store.CreateOuterSession(sessions.NewOuterSession(user.ID, "chat"))
	require.NoError(t, err)
	inner := createTestTimeline(t, store, outer.ID)

	base := time.Now().Add(-time.Hour)
	manual := saveTestCheckpoint(t, store, inner, "manual", false, base)
	var autoIDs []int64
	for i := 0; i < 5; i++ {
		cp := saveTestCheckpoint(t, store, inner, "", true, base.Add(time.Duration(i+1)*time.Minute))
		autoIDs = append(autoIDs, cp.ID)
	}

	deleted, err := store.DeleteAutoCheckpoints(inner.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	remaining, err := store.GetCheckpointsBySession(inner.ID, false)
	require.NoError(t, err)
	require.Len(t, remaining, 3)
	// Newest two autos plus the manual survive.
	assert.Equal(t, autoIDs[4], remaining[0].ID)
	assert.Equal(t, autoIDs[3], remaining[1].ID)
	assert.Equal(t, manual.ID, remaining[2].ID)

	deleted, err = store.DeleteAutoCheckpoints(inner.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)
}

func TestSearchCheckpoints(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, "alice")
	outer, err := store.CreateOuterSession(sessions.NewOuterSession(user.ID, "chat"))
	require.NoError(t, err)
	inner := createTestTimeline(t, store, outer.ID)

	saveTestCheckpoint(t, store, inner, "before database migration", false, time.Now())
	inner.AddMessage("user", "let's talk about kubernetes")
	saveTestCheckpoint(t, store, inner, "other", false, time.Now())

	byName, err := store.SearchCheckpoints(inner.ID, "migration")
	require.NoError(t, err)
	require.Len(t, byName, 1)
	assert.Equal(t, "before database migration", byName[0].CheckpointName)

	byContent, err := store.SearchCheckpoints(inner.ID, "kubernetes")
	require.NoError(t, err)
	require.Len(t, byContent, 1)
	assert.Equal(t, "other", byContent[0].CheckpointName)

	none, err := store.SearchCheckpoints(inner.ID, "nonexistent-term")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestUpdateCheckpointMetadata(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, "alice")
	outer, err := store.CreateOuterSession(sessions.NewOuterSession(user.ID, "chat"))
	require.NoError(t, err)
	inner := createTestTimeline(t, store, outer.ID)

	cp := saveTestCheckpoint(t, store, inner, "cp", false, time.Now())
	require.NoError(t, store.UpdateCheckpointMetadata(cp.ID, map[string]interface{}{"reviewed": true}))

	loaded, err := store.GetCheckpoint(cp.ID)
	require.NoError(t, err)
	assert.Equal(t, true, loaded.Metadata["reviewed"])
	// Pre-existing metadata survives the merge.
	assert.Equal(t, "langgraph", loaded.Metadata["session_type"])
}

func TestGetCheckpointsByUserAndWithTools(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, "alice")
	outer, err := store.CreateOuterSession(sessions.NewOuterSession(user.ID, "chat"))
	require.NoError(t, err)
	inner := createTestTimeline(t, store, outer.ID)

	base := time.Now().Add(-time.Hour)
	plain := checkpoints.FromInnerSession(inner, "plain", false, &user.ID, nil)
	plain.CreatedAt = base
	_, err = store.SaveCheckpoint(plain)
	require.NoError(t, err)

	withTools := checkpoints.FromInnerSession(inner, "with tools", false, &user.ID, []tools.ToolInvocationRecord{
		{ToolName: "write_file", Success: true},
	})
	withTools.CreatedAt = base.Add(time.Minute)
	_, err = store.SaveCheckpoint(withTools)
	require.NoError(t, err)

	byUser, err := store.GetCheckpointsByUser(user.ID, 1)
	require.NoError(t, err)
	require.Len(t, byUser, 1)
	assert.Equal(t, "with tools", byUser[0].CheckpointName)

	tooled, err := store.GetCheckpointsWithToolInvocations(inner.ID)
	require.NoError(t, err)
	require.Len(t, tooled, 1)
	assert.Equal(t, "with tools", tooled[0].CheckpointName)
}

func TestCascadeDeletes(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, "alice")
	outer, err := store.CreateOuterSession(sessions.NewOuterSession(user.ID, "chat"))
	require.NoError(t, err)
	inner := createTestTimeline(t, store, outer.ID)
	cp := saveTestCheckpoint(t, store, inner, "cp", false, time.Now())

	require.NoError(t, store.DeleteOuterSession(outer.ID))

	gone, err := store.GetInnerSession(inner.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	cpGone, err := store.GetCheckpoint(cp.ID)
	require.NoError(t, err)
	assert.Nil(t, cpGone)
}

func TestDeleteCheckpointsBySession(t *testing.T) {
	store := newTestStore(t)
	user := createTestUser(t, store, "alice")
	outer, err := store.CreateOuterSession(sessions.NewOuterSession(user.ID, "chat"))
	require.NoError(t, err)
	inner := createTestTimeline(t, store, outer.ID)

	saveTestCheckpoint(t, store, inner, "a", false, time.Now())
	saveTestCheckpoint(t, store, inner, "b", true, time.Now())

	deleted, err := store.DeleteCheckpointsBySession(inner.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	counts, err := store.CountCheckpoints(inner.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Total)
}

func TestConvertToPostgresPlaceholders(t *testing.T) {
	in := `INSERT INTO t (a, b, c) VALUES (?, ?, ?)`
	assert.Equal(t, `INSERT INTO t (a, b, c) VALUES ($1, $2, $3)`, convertToPostgresPlaceholders(in))
	assert.Equal(t, `SELECT 1`, convertToPostgresPlaceholders(`SELECT 1`))
}
