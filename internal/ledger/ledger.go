package ledger

import (
	"context"
	"time"
)

// Direction indicates whether tokens were consumed by generation or credited
// back (for example when a cancelled turn is refunded).
type Direction string

const (
	DirectionConsume Direction = "consume"
	DirectionCredit  Direction = "credit"
)

// Entry represents a single usage record written for one stream turn.
type Entry struct {
	ID               int64     `json:"id"`
	OrgID            string    `json:"org_id"`
	WorkspaceID      string    `json:"workspace_id"`
	ChatID           int64     `json:"chat_id"`
	RequestID        string    `json:"request_id"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	Direction        Direction `json:"direction"`
	Memo             string    `json:"memo"`
	CreatedAt        time.Time `json:"created_at"`
}

// Summary aggregates token usage for an org.
type Summary struct {
	ConsumedTokens int64 `json:"consumed_tokens"`
	CreditedTokens int64 `json:"credited_tokens"`
	NetTokens      int64 `json:"net_tokens"`
}

// Store defines persistence behaviour for the usage ledger.
type Store interface {
	Record(ctx context.Context, entry Entry) error
	Summary(ctx context.Context, orgID string) (Summary, error)
	ListRecent(ctx context.Context, orgID string, limit int) ([]Entry, error)
	Close() error
}
