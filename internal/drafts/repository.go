package drafts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfman30/careline/internal/conversation"
)

// Repository persists drafts. At most one StatusDraft row may exist per
// (conversation, therapist); Create and Rotate return conversation.ErrConflict
// when that would be violated.
type Repository interface {
	Active(ctx context.Context, conversationID int64, therapistID string) (*Draft, error)
	Get(ctx context.Context, id int64) (*Draft, error)
	Create(ctx context.Context, d *Draft) (*Draft, error)
	// Rotate discards oldID and creates next in one transaction.
	Rotate(ctx context.Context, oldID int64, next *Draft) (*Draft, error)
	// SetContent updates an active draft; nil fields are left alone.
	SetContent(ctx context.Context, id int64, generated, edited *string) (*Draft, error)
	// Transition moves a draft from one status to another and reports
	// whether the row was in the from status.
	Transition(ctx context.Context, id int64, from, to Status, sentMessageID *int64) (bool, error)
	LogGeneration(ctx context.Context, rec GenerationRecord) error
	ListGenerations(ctx context.Context, therapistID string, limit int) ([]GenerationRecord, error)
}

type pgxDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresRepository stores drafts in Postgres. The drafts table carries a
// partial unique index on (conversation_id, therapist_id) WHERE status = 'draft'.
type PostgresRepository struct {
	db pgxDB
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	if pool == nil {
		panic("drafts: pgx pool required")
	}
	return &PostgresRepository{db: pool}
}

func newPostgresRepositoryWithDB(db pgxDB) *PostgresRepository {
	if db == nil {
		panic("drafts: db required")
	}
	return &PostgresRepository{db: db}
}

const draftColumns = `id, conversation_id, therapist_id, generated_content, edited_content, status, sent_message_id, created_at, updated_at`

func scanDraft(row pgx.Row) (*Draft, error) {
	var d Draft
	var status string
	if err := row.Scan(&d.ID, &d.ConversationID, &d.TherapistID, &d.GeneratedContent, &d.EditedContent, &status, &d.SentMessageID, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, conversation.ErrNotFound
		}
		return nil, err
	}
	d.Status = Status(status)
	return &d, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, conversation.ErrNotFound) || errors.Is(err, conversation.ErrConflict) {
		return err
	}
	if isUniqueViolation(err) {
		return conversation.ErrConflict
	}
	return &conversation.StoreError{Op: "drafts: " + op, Err: err}
}

func (r *PostgresRepository) Active(ctx context.Context, conversationID int64, therapistID string) (*Draft, error) {
	query := `SELECT ` + draftColumns + ` FROM drafts
		WHERE conversation_id = $1 AND therapist_id = $2 AND status = 'draft'`
	d, err := scanDraft(r.db.QueryRow(ctx, query, conversationID, therapistID))
	return d, wrap("active draft", err)
}

func (r *PostgresRepository) Get(ctx context.Context, id int64) (*Draft, error) {
	d, err := scanDraft(r.db.QueryRow(ctx, `SELECT `+draftColumns+` FROM drafts WHERE id = $1`, id))
	return d, wrap("get draft", err)
}

const insertDraft = `
	INSERT INTO drafts (conversation_id, therapist_id, generated_content, edited_content, status)
	VALUES ($1, $2, $3, $4, 'draft')
	RETURNING ` + draftColumns

func (r *PostgresRepository) Create(ctx context.Context, d *Draft) (*Draft, error) {
	out, err := scanDraft(r.db.QueryRow(ctx, insertDraft, d.ConversationID, d.TherapistID, d.GeneratedContent, d.EditedContent))
	return out, wrap("create draft", err)
}

func (r *PostgresRepository) Rotate(ctx context.Context, oldID int64, next *Draft) (*Draft, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, wrap("begin rotate", err)
	}
	defer tx.Rollback(ctx)

	ct, err := tx.Exec(ctx, `UPDATE drafts SET status = 'discarded', updated_at = NOW() WHERE id = $1 AND status = 'draft'`, oldID)
	if err != nil {
		return nil, wrap("discard previous draft", err)
	}
	if ct.RowsAffected() == 0 {
		// Someone else sent or discarded it first.
		return nil, conversation.ErrConflict
	}
	out, err := scanDraft(tx.QueryRow(ctx, insertDraft, next.ConversationID, next.TherapistID, next.GeneratedContent, next.EditedContent))
	if err != nil {
		return nil, wrap("create draft", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, wrap("commit rotate", err)
	}
	return out, nil
}

func (r *PostgresRepository) SetContent(ctx context.Context, id int64, generated, edited *string) (*Draft, error) {
	query := `
		UPDATE drafts
		SET generated_content = COALESCE($2, generated_content),
			edited_content = COALESCE($3, edited_content),
			updated_at = NOW()
		WHERE id = $1 AND status = 'draft'
		RETURNING ` + draftColumns
	d, err := scanDraft(r.db.QueryRow(ctx, query, id, generated, edited))
	return d, wrap("update draft", err)
}

func (r *PostgresRepository) Transition(ctx context.Context, id int64, from, to Status, sentMessageID *int64) (bool, error) {
	query := `
		UPDATE drafts
		SET status = $3, sent_message_id = COALESCE($4, sent_message_id), updated_at = NOW()
		WHERE id = $1 AND status = $2`
	ct, err := r.db.Exec(ctx, query, id, string(from), string(to), sentMessageID)
	if err != nil {
		return false, wrap("transition draft", err)
	}
	return ct.RowsAffected() > 0, nil
}

func (r *PostgresRepository) LogGeneration(ctx context.Context, rec GenerationRecord) error {
	query := `
		INSERT INTO ai_generation_log (
			therapist_id, conversation_id, kind, request, response,
			provider, input_tokens, output_tokens, error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.db.Exec(ctx, query,
		rec.TherapistID, rec.ConversationID, string(rec.Kind), rec.Request, rec.Response,
		rec.Provider, rec.InputTokens, rec.OutputTokens, rec.Error,
	)
	if err != nil {
		return fmt.Errorf("drafts: log generation: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListGenerations(ctx context.Context, therapistID string, limit int) ([]GenerationRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `
		SELECT id, therapist_id, conversation_id, kind, request, response,
			provider, input_tokens, output_tokens, error, created_at
		FROM ai_generation_log
		WHERE therapist_id = $1
		ORDER BY id DESC
		LIMIT $2`
	rows, err := r.db.Query(ctx, query, therapistID, limit)
	if err != nil {
		return nil, wrap("list generations", err)
	}
	defer rows.Close()

	var out []GenerationRecord
	for rows.Next() {
		var rec GenerationRecord
		var kind string
		if err := rows.Scan(&rec.ID, &rec.TherapistID, &rec.ConversationID, &kind, &rec.Request, &rec.Response,
			&rec.Provider, &rec.InputTokens, &rec.OutputTokens, &rec.Error, &rec.CreatedAt); err != nil {
			return nil, wrap("scan generation", err)
		}
		rec.Kind = GenerationKind(kind)
		out = append(out, rec)
	}
	return out, wrap("iterate generations", rows.Err())
}

// MemoryRepository is an in-process Repository enforcing the same
// one-active-draft rule as the SQL index.
type MemoryRepository struct {
	mu          sync.Mutex
	nextID      int64
	drafts      map[int64]*Draft
	generations []GenerationRecord
	now         func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		drafts: make(map[int64]*Draft),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryRepository) activeLocked(conversationID int64, therapistID string) *Draft {
	for _, d := range m.drafts {
		if d.ConversationID == conversationID && d.TherapistID == therapistID && d.Status == StatusDraft {
			return d
		}
	}
	return nil
}

func (m *MemoryRepository) Active(_ context.Context, conversationID int64, therapistID string) (*Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.activeLocked(conversationID, therapistID)
	if d == nil {
		return nil, conversation.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryRepository) Get(_ context.Context, id int64) (*Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drafts[id]
	if !ok {
		return nil, conversation.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryRepository) insertLocked(d *Draft) (*Draft, error) {
	if m.activeLocked(d.ConversationID, d.TherapistID) != nil {
		return nil, conversation.ErrConflict
	}
	m.nextID++
	now := m.now()
	stored := *d
	stored.ID = m.nextID
	stored.Status = StatusDraft
	stored.CreatedAt = now
	stored.UpdatedAt = now
	m.drafts[stored.ID] = &stored
	cp := stored
	return &cp, nil
}

func (m *MemoryRepository) Create(_ context.Context, d *Draft) (*Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(d)
}

func (m *MemoryRepository) Rotate(_ context.Context, oldID int64, next *Draft) (*Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.drafts[oldID]
	if !ok || old.Status != StatusDraft {
		return nil, conversation.ErrConflict
	}
	old.Status = StatusDiscarded
	old.UpdatedAt = m.now()
	out, err := m.insertLocked(next)
	if err != nil {
		old.Status = StatusDraft
		return nil, err
	}
	return out, nil
}

func (m *MemoryRepository) SetContent(_ context.Context, id int64, generated, edited *string) (*Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drafts[id]
	if !ok || d.Status != StatusDraft {
		return nil, conversation.ErrNotFound
	}
	if generated != nil {
		d.GeneratedContent = *generated
	}
	if edited != nil {
		d.EditedContent = *edited
	}
	d.UpdatedAt = m.now()
	cp := *d
	return &cp, nil
}

func (m *MemoryRepository) Transition(_ context.Context, id int64, from, to Status, sentMessageID *int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drafts[id]
	if !ok || d.Status != from {
		return false, nil
	}
	if to == StatusDraft && m.activeLocked(d.ConversationID, d.TherapistID) != nil {
		return false, conversation.ErrConflict
	}
	d.Status = to
	if sentMessageID != nil {
		id := *sentMessageID
		d.SentMessageID = &id
	}
	d.UpdatedAt = m.now()
	return true, nil
}

func (m *MemoryRepository) LogGeneration(_ context.Context, rec GenerationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = int64(len(m.generations) + 1)
	rec.CreatedAt = m.now()
	m.generations = append(m.generations, rec)
	return nil
}

func (m *MemoryRepository) ListGenerations(_ context.Context, therapistID string, limit int) ([]GenerationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []GenerationRecord
	for _, rec := range m.generations {
		if rec.TherapistID == therapistID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var (
	_ Repository = (*PostgresRepository)(nil)
	_ Repository = (*MemoryRepository)(nil)
)
