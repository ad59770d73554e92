package actor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashita-ai/kotori/internal/model"
)

// TurnStore is the storage collaborator the memory actor persists through.
type TurnStore interface {
	InsertTurn(ctx context.Context, turn model.Turn) (int64, time.Time, error)
	RecentTurns(ctx context.Context, userID int64, limit int) ([]model.Turn, error)
	CountTurns(ctx context.Context, userID int64) (int64, error)
	DeleteOldestTurns(ctx context.Context, userID int64, n int64) (int64, error)
	TurnStats(ctx context.Context, userID int64) (model.UserStats, error)
}

// MemoryOptions configures the memory actor.
type MemoryOptions struct {
	STMLimit          int           // ring-buffer row limit per user
	CleanupBatchSize  int           // extra rows deleted past the excess so cleanups run less often
	StoreRetries      int           // insert attempts for user turns
	StoreRetryDelay   time.Duration // fixed delay between insert attempts
	ContextMaxChars   int           // character budget for assembled context
	ContextFetchLimit int           // turns fetched per context request
	CleanupTimeout    time.Duration // deadline for one background cleanup pass
}

// Memory owns the durable, bounded, per-user buffer of conversation turns.
type Memory struct {
	base
	store  TurnStore
	logger *slog.Logger
	opts   MemoryOptions

	mu       sync.Mutex
	cleanups map[int64]struct{} // user ids with a cleanup in flight
	draining bool
	wg       sync.WaitGroup
}

// NewMemory creates the memory actor.
func NewMemory(store TurnStore, logger *slog.Logger, opts MemoryOptions) *Memory {
	if opts.STMLimit <= 0 {
		opts.STMLimit = 25
	}
	if opts.StoreRetries < 1 {
		opts.StoreRetries = 1
	}
	if opts.ContextMaxChars <= 0 {
		opts.ContextMaxChars = 5000
	}
	if opts.ContextFetchLimit <= 0 {
		opts.ContextFetchLimit = 10
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = 30 * time.Second
	}
	return &Memory{
		base:     newBase("memory"),
		store:    store,
		logger:   logger,
		opts:     opts,
		cleanups: make(map[int64]struct{}),
	}
}

// HandleMessage dispatches a validated message to the matching operation.
// The message-kind set is closed; anything else yields a structured
// unknown-type error.
func (m *Memory) HandleMessage(ctx context.Context, msg model.Message) (model.Reply, error) {
	m.messages.Add(1)

	userID, ok := msg.UserID()
	if !ok {
		m.errors.Add(1)
		return nil, fmt.Errorf("%w: message %q has no usable user_id", model.ErrValidation, msg.Type)
	}

	var (
		reply model.Reply
		err   error
	)
	switch msg.Type {
	case model.MsgStoreUserTurn:
		reply, err = m.StoreUserTurn(ctx, userID, msg.PayloadString("content"), msg.PayloadString("emotion"), msg.PayloadString("mode"))
	case model.MsgStoreAssistantTurn:
		reply, err = m.StoreAssistantTurn(ctx, userID, msg.PayloadString("content"), msg.PayloadString("mode"))
	case model.MsgFetchContext:
		limit, _ := msg.PayloadInt("limit")
		reply, err = m.Context(ctx, userID, int(limit))
	case model.MsgCleanup:
		reply, err = m.Cleanup(ctx, userID)
	case model.MsgUserStats:
		reply, err = m.Stats(ctx, userID)
	default:
		err = fmt.Errorf("%w: %q", model.ErrUnknownMessageType, msg.Type)
	}
	if err != nil {
		m.errors.Add(1)
		return nil, err
	}
	return reply, nil
}

// StoreUserTurn inserts a user turn, retrying on failure with a fixed delay
// up to the configured attempt count. A successful insert triggers an
// asynchronous cleanup check that the caller does not wait for.
func (m *Memory) StoreUserTurn(ctx context.Context, userID int64, content, emotion, mode string) (model.StoreReceipt, error) {
	turn := model.Turn{
		UserID:  userID,
		Role:    model.RoleUser,
		Content: content,
		Emotion: emotion,
		Mode:    mode,
	}

	var (
		id        int64
		createdAt time.Time
		err       error
	)
	for attempt := 0; attempt < m.opts.StoreRetries; attempt++ {
		id, createdAt, err = m.store.InsertTurn(ctx, turn)
		if err == nil {
			break
		}
		if attempt == m.opts.StoreRetries-1 {
			break
		}
		m.logger.Warn("memory: store user turn failed, retrying",
			"user_id", userID, "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return model.StoreReceipt{}, ctx.Err()
		case <-time.After(m.opts.StoreRetryDelay):
		}
	}
	if err != nil {
		return model.StoreReceipt{}, fmt.Errorf("actor: store user turn: %w", err)
	}

	m.triggerCleanup(userID)

	return model.StoreReceipt{TurnID: id, Timestamp: createdAt}, nil
}

// StoreAssistantTurn inserts an assistant turn. Single attempt, no cleanup
// trigger: the following user turn will trigger one soon enough.
func (m *Memory) StoreAssistantTurn(ctx context.Context, userID int64, content, mode string) (model.StoreReceipt, error) {
	id, createdAt, err := m.store.InsertTurn(ctx, model.Turn{
		UserID:  userID,
		Role:    model.RoleAssistant,
		Content: content,
		Mode:    mode,
	})
	if err != nil {
		return model.StoreReceipt{}, fmt.Errorf("actor: store assistant turn: %w", err)
	}
	return model.StoreReceipt{TurnID: id, Timestamp: createdAt}, nil
}

// Context returns the most recent turns in chronological order, greedily
// accumulated while the running character total stays within the configured
// cap. The first turn that would exceed the cap is excluded along with
// everything after it.
func (m *Memory) Context(ctx context.Context, userID int64, limit int) (model.ContextWindow, error) {
	if limit <= 0 {
		limit = m.opts.ContextFetchLimit
	}

	recent, err := m.store.RecentTurns(ctx, userID, limit)
	if err != nil {
		return model.ContextWindow{}, fmt.Errorf("actor: fetch context: %w", err)
	}

	// recent is newest first; walk it backwards for chronological order.
	window := model.ContextWindow{Turns: []model.Turn{}}
	for i := len(recent) - 1; i >= 0; i-- {
		turn := recent[i]
		if window.TotalChars+len(turn.Content) > m.opts.ContextMaxChars {
			break
		}
		window.Turns = append(window.Turns, turn)
		window.TotalChars += len(turn.Content)
	}
	window.Count = len(window.Turns)
	return window, nil
}

// Cleanup enforces the ring-buffer limit. When the user's turn count exceeds
// the limit, the oldest excess rows are deleted plus CleanupBatchSize more,
// so the next cleanup triggers later. Under the limit it deletes nothing.
func (m *Memory) Cleanup(ctx context.Context, userID int64) (model.CleanupReport, error) {
	count, err := m.store.CountTurns(ctx, userID)
	if err != nil {
		return model.CleanupReport{}, fmt.Errorf("actor: cleanup count: %w", err)
	}

	limit := int64(m.opts.STMLimit)
	if count <= limit {
		return model.CleanupReport{DeletedCount: 0, RemainingCount: count}, nil
	}

	excess := count - limit
	deleted, err := m.store.DeleteOldestTurns(ctx, userID, excess+int64(m.opts.CleanupBatchSize))
	if err != nil {
		return model.CleanupReport{}, fmt.Errorf("actor: cleanup delete: %w", err)
	}

	m.logger.Info("memory: cleanup pass",
		"user_id", userID, "deleted", deleted, "remaining", count-deleted)

	return model.CleanupReport{DeletedCount: deleted, RemainingCount: count - deleted}, nil
}

// Stats aggregates the user's stored turns.
func (m *Memory) Stats(ctx context.Context, userID int64) (model.UserStats, error) {
	stats, err := m.store.TurnStats(ctx, userID)
	if err != nil {
		return model.UserStats{}, fmt.Errorf("actor: user stats: %w", err)
	}
	return stats, nil
}

// triggerCleanup starts a background cleanup for the user unless one is
// already in flight. The registry entry is removed when the task completes,
// whether it succeeded or not.
func (m *Memory) triggerCleanup(userID int64) {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return
	}
	if _, inflight := m.cleanups[userID]; inflight {
		m.mu.Unlock()
		return
	}
	m.cleanups[userID] = struct{}{}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.cleanups, userID)
			m.mu.Unlock()
			m.wg.Done()
		}()

		// Detached from the request context: the caller does not wait for
		// cleanup and its request may finish first.
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.CleanupTimeout)
		defer cancel()

		if _, err := m.Cleanup(ctx, userID); err != nil {
			m.logger.Warn("memory: background cleanup failed", "user_id", userID, "error", err)
		}
	}()
}

// InflightCleanups returns the number of cleanup tasks currently running.
func (m *Memory) InflightCleanups() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cleanups)
}

// Shutdown waits for outstanding cleanup tasks to finish. Tasks are never
// cancelled; the ctx bounds only how long the wait may take.
func (m *Memory) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.draining = true
	inflight := len(m.cleanups)
	m.mu.Unlock()

	if inflight > 0 {
		m.logger.Info("memory: waiting for cleanup tasks", "inflight", inflight)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.stopped.Store(true)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("actor: memory shutdown: %w", ctx.Err())
	}
}

// Health reports actor status including in-flight cleanup tasks.
func (m *Memory) Health() Health {
	return m.health()
}
