package actor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kotori/internal/model"
)

type fakeTurnStore struct {
	mu        sync.Mutex
	turns     map[int64][]model.Turn
	nextID    int64
	failNext  int // inserts to fail before succeeding
	inserts   int
	countHold chan struct{} // when set, CountTurns blocks until closed
}

func newFakeTurnStore() *fakeTurnStore {
	return &fakeTurnStore{turns: make(map[int64][]model.Turn)}
}

func (f *fakeTurnStore) InsertTurn(_ context.Context, turn model.Turn) (int64, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts++
	if f.failNext > 0 {
		f.failNext--
		return 0, time.Time{}, errors.New("connection reset")
	}
	f.nextID++
	turn.ID = f.nextID
	turn.CreatedAt = time.Now().UTC()
	f.turns[turn.UserID] = append(f.turns[turn.UserID], turn)
	return turn.ID, turn.CreatedAt, nil
}

func (f *fakeTurnStore) RecentTurns(_ context.Context, userID int64, limit int) ([]model.Turn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.turns[userID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	// newest first
	out := make([]model.Turn, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (f *fakeTurnStore) CountTurns(ctx context.Context, userID int64) (int64, error) {
	f.mu.Lock()
	hold := f.countHold
	f.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.turns[userID])), nil
}

func (f *fakeTurnStore) DeleteOldestTurns(_ context.Context, userID int64, n int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.turns[userID]
	if n > int64(len(all)) {
		n = int64(len(all))
	}
	f.turns[userID] = all[n:]
	return n, nil
}

func (f *fakeTurnStore) TurnStats(_ context.Context, userID int64) (model.UserStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := model.UserStats{UserID: userID}
	for _, t := range f.turns[userID] {
		stats.TotalTurns++
		if t.Role == model.RoleUser {
			stats.UserTurns++
		} else {
			stats.BotTurns++
		}
	}
	return stats, nil
}

func (f *fakeTurnStore) insertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inserts
}

func testMemory(store TurnStore, opts MemoryOptions) *Memory {
	return NewMemory(store, slog.New(slog.DiscardHandler), opts)
}

func TestStoreUserTurnRetriesThenSucceeds(t *testing.T) {
	store := newFakeTurnStore()
	store.failNext = 2
	m := testMemory(store, MemoryOptions{
		STMLimit:        25,
		StoreRetries:    3,
		StoreRetryDelay: time.Millisecond,
	})

	receipt, err := m.StoreUserTurn(context.Background(), 7, "hello", "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), receipt.TurnID)
	assert.Equal(t, 3, store.insertCount())
}

func TestStoreUserTurnExhaustsRetries(t *testing.T) {
	store := newFakeTurnStore()
	store.failNext = 10
	m := testMemory(store, MemoryOptions{
		STMLimit:        25,
		StoreRetries:    3,
		StoreRetryDelay: time.Millisecond,
	})

	_, err := m.StoreUserTurn(context.Background(), 7, "hello", "", "")
	require.Error(t, err)
	assert.Equal(t, 3, store.insertCount())
}

func TestStoreAssistantTurnSingleAttempt(t *testing.T) {
	store := newFakeTurnStore()
	store.failNext = 1
	m := testMemory(store, MemoryOptions{STMLimit: 25, StoreRetries: 3, StoreRetryDelay: time.Millisecond})

	_, err := m.StoreAssistantTurn(context.Background(), 7, "hi there", "")
	require.Error(t, err)
	assert.Equal(t, 1, store.insertCount())
}

func TestCleanupEnforcesLimit(t *testing.T) {
	store := newFakeTurnStore()
	m := testMemory(store, MemoryOptions{STMLimit: 5, CleanupBatchSize: 2})

	for i := 0; i < 9; i++ {
		_, err := m.StoreAssistantTurn(context.Background(), 3, "turn", "")
		require.NoError(t, err)
	}

	report, err := m.Cleanup(context.Background(), 3)
	require.NoError(t, err)
	// excess 4 plus the batch of 2
	assert.Equal(t, int64(6), report.DeletedCount)
	assert.Equal(t, int64(3), report.RemainingCount)

	report, err = m.Cleanup(context.Background(), 3)
	require.NoError(t, err)
	assert.Zero(t, report.DeletedCount)
	assert.Equal(t, int64(3), report.RemainingCount)
}

func TestCleanupNoopUnderLimit(t *testing.T) {
	store := newFakeTurnStore()
	m := testMemory(store, MemoryOptions{STMLimit: 25, CleanupBatchSize: 10})

	for i := 0; i < 4; i++ {
		_, err := m.StoreAssistantTurn(context.Background(), 1, "turn", "")
		require.NoError(t, err)
	}

	report, err := m.Cleanup(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, report.DeletedCount)
	assert.Equal(t, int64(4), report.RemainingCount)
}

func TestSingleInflightCleanupPerUser(t *testing.T) {
	store := newFakeTurnStore()
	hold := make(chan struct{})
	store.countHold = hold
	m := testMemory(store, MemoryOptions{STMLimit: 25, StoreRetries: 1, CleanupTimeout: time.Second})

	_, err := m.StoreUserTurn(context.Background(), 9, "a", "", "")
	require.NoError(t, err)
	_, err = m.StoreUserTurn(context.Background(), 9, "b", "", "")
	require.NoError(t, err)

	assert.Equal(t, 1, m.InflightCleanups())

	close(hold)
	assert.Eventually(t, func() bool {
		return m.InflightCleanups() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestContextHonorsCharBudget(t *testing.T) {
	store := newFakeTurnStore()
	m := testMemory(store, MemoryOptions{STMLimit: 25, ContextMaxChars: 10})

	for _, content := range []string{"aaaa", "bbbb", "cccccc"} {
		_, err := m.StoreAssistantTurn(context.Background(), 2, content, "")
		require.NoError(t, err)
	}

	window, err := m.Context(context.Background(), 2, 10)
	require.NoError(t, err)
	// oldest two fit within 10 chars; the third would overflow
	require.Equal(t, 2, window.Count)
	assert.Equal(t, "aaaa", window.Turns[0].Content)
	assert.Equal(t, "bbbb", window.Turns[1].Content)
	assert.Equal(t, 8, window.TotalChars)
}

func TestContextChronologicalOrder(t *testing.T) {
	store := newFakeTurnStore()
	m := testMemory(store, MemoryOptions{STMLimit: 25, ContextMaxChars: 5000})

	for _, content := range []string{"first", "second", "third"} {
		_, err := m.StoreAssistantTurn(context.Background(), 4, content, "")
		require.NoError(t, err)
	}

	window, err := m.Context(context.Background(), 4, 2)
	require.NoError(t, err)
	require.Equal(t, 2, window.Count)
	assert.Equal(t, "second", window.Turns[0].Content)
	assert.Equal(t, "third", window.Turns[1].Content)
}

func TestHandleMessageDispatch(t *testing.T) {
	store := newFakeTurnStore()
	m := testMemory(store, MemoryOptions{STMLimit: 25, StoreRetries: 1})

	msg, err := model.NewMessage(model.MsgStoreUserTurn, map[string]any{
		"user_id": int64(5),
		"content": "hello",
	}, "test")
	require.NoError(t, err)

	reply, err := m.HandleMessage(context.Background(), msg)
	require.NoError(t, err)
	receipt, ok := reply.(model.StoreReceipt)
	require.True(t, ok)
	assert.Equal(t, int64(1), receipt.TurnID)

	statsMsg, err := model.NewMessage(model.MsgUserStats, map[string]any{"user_id": int64(5)}, "test")
	require.NoError(t, err)
	reply, err = m.HandleMessage(context.Background(), statsMsg)
	require.NoError(t, err)
	stats, ok := reply.(model.UserStats)
	require.True(t, ok)
	assert.Equal(t, int64(1), stats.TotalTurns)
	assert.Equal(t, int64(1), stats.UserTurns)
}

func TestHandleMessageUnknownType(t *testing.T) {
	m := testMemory(newFakeTurnStore(), MemoryOptions{STMLimit: 25})

	msg := model.Message{Type: "reticulate_splines", Payload: map[string]any{"user_id": int64(1)}}
	_, err := m.HandleMessage(context.Background(), msg)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrUnknownMessageType)
}

func TestShutdownWaitsForCleanups(t *testing.T) {
	store := newFakeTurnStore()
	hold := make(chan struct{})
	store.countHold = hold
	m := testMemory(store, MemoryOptions{STMLimit: 25, StoreRetries: 1, CleanupTimeout: time.Second})

	_, err := m.StoreUserTurn(context.Background(), 1, "a", "", "")
	require.NoError(t, err)
	require.Equal(t, 1, m.InflightCleanups())

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(hold)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
	assert.Zero(t, m.InflightCleanups())
	assert.Equal(t, "stopped", m.Health().Status)
}
