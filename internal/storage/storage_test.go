package storage_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kotori/internal/model"
	"github.com/ashita-ai/kotori/internal/storage"
	"github.com/ashita-ai/kotori/internal/testutil"
	"github.com/ashita-ai/kotori/migrations"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	db, err := tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		os.Exit(1)
	}
	testDB = db
	defer testDB.Close()

	os.Exit(m.Run())
}

func insertTurn(t *testing.T, userID int64, role model.Role, content string) int64 {
	t.Helper()
	id, _, err := testDB.InsertTurn(context.Background(), model.Turn{
		UserID:  userID,
		Role:    role,
		Content: content,
	})
	require.NoError(t, err)
	return id
}

func TestInsertAndRecentTurns(t *testing.T) {
	ctx := context.Background()
	const userID = 101

	first := insertTurn(t, userID, model.RoleUser, "hello")
	second := insertTurn(t, userID, model.RoleAssistant, "hi there")

	turns, err := testDB.RecentTurns(ctx, userID, 10)
	require.NoError(t, err)
	require.Len(t, turns, 2)

	// newest first
	assert.Equal(t, second, turns[0].ID)
	assert.Equal(t, model.RoleAssistant, turns[0].Role)
	assert.Equal(t, first, turns[1].ID)
	assert.Equal(t, "hello", turns[1].Content)
	assert.False(t, turns[0].CreatedAt.IsZero())
}

func TestRecentTurnsHonorsLimit(t *testing.T) {
	ctx := context.Background()
	const userID = 102

	for i := 0; i < 5; i++ {
		insertTurn(t, userID, model.RoleUser, "turn")
	}

	turns, err := testDB.RecentTurns(ctx, userID, 3)
	require.NoError(t, err)
	assert.Len(t, turns, 3)
}

func TestDeleteOldestTurns(t *testing.T) {
	ctx := context.Background()
	const userID = 103

	oldest := insertTurn(t, userID, model.RoleUser, "oldest")
	insertTurn(t, userID, model.RoleAssistant, "middle")
	newest := insertTurn(t, userID, model.RoleUser, "newest")

	deleted, err := testDB.DeleteOldestTurns(ctx, userID, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	turns, err := testDB.RecentTurns(ctx, userID, 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, newest, turns[0].ID)
	assert.NotEqual(t, oldest, turns[0].ID)
}

func TestDeleteOldestTurnsMoreThanPresent(t *testing.T) {
	ctx := context.Background()
	const userID = 104

	insertTurn(t, userID, model.RoleUser, "only")

	deleted, err := testDB.DeleteOldestTurns(ctx, userID, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	count, err := testDB.CountTurns(ctx, userID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestTurnStats(t *testing.T) {
	ctx := context.Background()
	const userID = 105

	stats, err := testDB.TurnStats(ctx, userID)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalTurns)
	assert.Nil(t, stats.FirstTurnAt)

	insertTurn(t, userID, model.RoleUser, "q1")
	insertTurn(t, userID, model.RoleAssistant, "a1")
	insertTurn(t, userID, model.RoleUser, "q2")

	stats, err = testDB.TurnStats(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalTurns)
	assert.Equal(t, int64(2), stats.UserTurns)
	assert.Equal(t, int64(1), stats.BotTurns)
	require.NotNil(t, stats.FirstTurnAt)
	require.NotNil(t, stats.LastTurnAt)
	assert.False(t, stats.LastTurnAt.Before(*stats.FirstTurnAt))
}

func TestInsertAndQueryEvents(t *testing.T) {
	ctx := context.Background()
	const userID = int64(201)

	e1, err := model.NewUserMessageEvent(userID, "hello")
	require.NoError(t, err)
	e2, err := model.NewBotResponseEvent(userID, "hi there", 120*time.Millisecond, "companion")
	require.NoError(t, err)

	inserted, err := testDB.InsertEvents(ctx, []model.Event{e1, e2})
	require.NoError(t, err)
	assert.Equal(t, int64(2), inserted)

	events, err := testDB.EventsByStream(ctx, e1.StreamID, 10, nil)
	require.NoError(t, err)
	require.Len(t, events, 2)
	// stream reads are chronological
	assert.Equal(t, e1.EventID, events[0].EventID)
	assert.Equal(t, e2.EventID, events[1].EventID)
	assert.Equal(t, "hello", events[0].Data["text"])

	filtered, err := testDB.EventsByUser(ctx, userID, []string{string(model.EventBotResponse)}, 10)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, model.EventBotResponse, filtered[0].EventType)
}

func TestEventsByStreamAfter(t *testing.T) {
	ctx := context.Background()
	const userID = int64(202)

	e1, err := model.NewUserMessageEvent(userID, "first")
	require.NoError(t, err)
	e1.Timestamp = time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)
	e2, err := model.NewUserMessageEvent(userID, "second")
	require.NoError(t, err)

	_, err = testDB.InsertEvents(ctx, []model.Event{e1, e2})
	require.NoError(t, err)

	cutoff := time.Now().UTC().Add(-30 * time.Minute)
	events, err := testDB.EventsByStream(ctx, e1.StreamID, 10, &cutoff)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, e2.EventID, events[0].EventID)
}

func TestDeleteEventsBeforeExcludesTypes(t *testing.T) {
	ctx := context.Background()
	userID := int64(203)

	old, err := model.NewUserMessageEvent(userID, "ancient")
	require.NoError(t, err)
	old.Timestamp = time.Now().UTC().Add(-48 * time.Hour).Truncate(time.Millisecond)

	sys, err := model.NewSystemEvent("startup", &userID, nil, "info", "coordinator")
	require.NoError(t, err)
	sys.Timestamp = old.Timestamp

	prefixed, err := model.NewEvent("system.shutdown", &userID, nil)
	require.NoError(t, err)
	prefixed.Timestamp = old.Timestamp

	recent, err := model.NewUserMessageEvent(userID, "fresh")
	require.NoError(t, err)

	_, err = testDB.InsertEvents(ctx, []model.Event{old, sys, prefixed, recent})
	require.NoError(t, err)

	deleted, err := testDB.DeleteEventsBefore(ctx, time.Now().UTC().Add(-24*time.Hour), model.RetentionExemptTypes())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, deleted, int64(1))

	remaining, err := testDB.EventsByUser(ctx, userID, nil, 10)
	require.NoError(t, err)

	ids := make(map[string]bool, len(remaining))
	for _, e := range remaining {
		ids[e.EventID.String()] = true
	}
	assert.False(t, ids[old.EventID.String()], "expired event should be gone")
	assert.True(t, ids[sys.EventID.String()], "system event is retention-exempt")
	assert.True(t, ids[prefixed.EventID.String()], "prefixed system type is retention-exempt")
	assert.True(t, ids[recent.EventID.String()], "recent event should remain")
}

func TestRunMigrationsIdempotent(t *testing.T) {
	// The suite already migrated in TestMain; a second run applies nothing.
	require.NoError(t, testDB.RunMigrations(context.Background(), migrations.FS))
}
