package model

import "time"

// Role is the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one row of the per-user short-term memory buffer.
// Rows are inserted once, never updated, and removed only by cleanup.
type Turn struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Emotion   string    `json:"emotion,omitempty"`
	Mode      string    `json:"mode,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Reply is the closed set of results the memory actor can produce.
// Callers switch on the concrete type instead of inspecting loose maps.
type Reply interface {
	isReply()
}

// StoreReceipt confirms a stored turn.
type StoreReceipt struct {
	TurnID    int64     `json:"turn_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ContextWindow is the chronological slice of recent turns that fits the
// configured character budget.
type ContextWindow struct {
	Turns      []Turn `json:"turns"`
	Count      int    `json:"count"`
	TotalChars int    `json:"total_chars"`
}

// CleanupReport summarizes one ring-buffer cleanup pass.
type CleanupReport struct {
	DeletedCount   int64 `json:"deleted_count"`
	RemainingCount int64 `json:"remaining_count"`
}

// UserStats aggregates a user's stored turns.
type UserStats struct {
	UserID      int64      `json:"user_id"`
	TotalTurns  int64      `json:"total_turns"`
	UserTurns   int64      `json:"user_turns"`
	BotTurns    int64      `json:"bot_turns"`
	FirstTurnAt *time.Time `json:"first_turn_at,omitempty"`
	LastTurnAt  *time.Time `json:"last_turn_at,omitempty"`
}

func (StoreReceipt) isReply()  {}
func (ContextWindow) isReply() {}
func (CleanupReport) isReply() {}
func (UserStats) isReply()     {}
