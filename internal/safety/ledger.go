package safety

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ledger records which messages have already been escalated.
type Ledger interface {
	// Claim returns true for the first caller to escalate messageID.
	Claim(ctx context.Context, conversationID, messageID int64, layer Layer) (bool, error)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresLedger is backed by the danger_escalations table.
type PostgresLedger struct {
	db execer
}

func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	if pool == nil {
		panic("safety: pgx pool required")
	}
	return &PostgresLedger{db: pool}
}

func newPostgresLedgerWithExec(db execer) *PostgresLedger {
	if db == nil {
		panic("safety: exec required")
	}
	return &PostgresLedger{db: db}
}

func (l *PostgresLedger) Claim(ctx context.Context, conversationID, messageID int64, layer Layer) (bool, error) {
	query := `
		INSERT INTO danger_escalations (message_id, conversation_id, layer)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`
	ct, err := l.db.Exec(ctx, query, messageID, conversationID, string(layer))
	if err != nil {
		return false, fmt.Errorf("safety: claim escalation: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// MemoryLedger is an in-process Ledger.
type MemoryLedger struct {
	mu      sync.Mutex
	claimed map[int64]Layer
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{claimed: make(map[int64]Layer)}
}

func (l *MemoryLedger) Claim(_ context.Context, _ int64, messageID int64, layer Layer) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.claimed[messageID]; ok {
		return false, nil
	}
	l.claimed[messageID] = layer
	return true, nil
}
