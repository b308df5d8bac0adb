package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

type pgxDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresRepository is the pgx-backed Repository.
type PostgresRepository struct {
	db pgxDB
}

// NewPostgresRepository creates a repository on the given pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	if pool == nil {
		panic("conversation: pgx pool required")
	}
	return &PostgresRepository{db: pool}
}

func newPostgresRepositoryWithDB(db pgxDB) *PostgresRepository {
	if db == nil {
		panic("conversation: db required")
	}
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

const conversationColumns = `id, patient_id, group_id, mode, status, risk_level, ai_enabled, blocked,
	COALESCE(blocked_reason, ''), therapist_last_seen_at, subject_last_seen_at, created_at, updated_at`

func scanConversation(row pgx.Row) (*Conversation, error) {
	var c Conversation
	var mode, status, risk string
	err := row.Scan(&c.ID, &c.PatientID, &c.GroupID, &mode, &status, &risk, &c.AIEnabled, &c.Blocked,
		&c.BlockedReason, &c.TherapistLastSeenAt, &c.SubjectLastSeenAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.Mode = Mode(mode)
	c.Status = Status(status)
	c.RiskLevel = RiskLevel(risk)
	return &c, nil
}

func (r *PostgresRepository) FindActiveByPatient(ctx context.Context, patientID string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE patient_id = $1 AND status <> 'closed'`
	c, err := scanConversation(r.db.QueryRow(ctx, query, patientID))
	if err != nil {
		return nil, storeErr("find active conversation", err)
	}
	return c, nil
}

func (r *PostgresRepository) CreateConversation(ctx context.Context, c *Conversation) (*Conversation, error) {
	query := `
		INSERT INTO conversations (patient_id, group_id, mode, status, risk_level, ai_enabled, blocked, blocked_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''))
		RETURNING ` + conversationColumns
	created, err := scanConversation(r.db.QueryRow(ctx, query,
		c.PatientID, c.GroupID, string(c.Mode), string(c.Status), string(c.RiskLevel), c.AIEnabled, c.Blocked, c.BlockedReason))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, storeErr("create conversation", err)
	}
	return created, nil
}

func (r *PostgresRepository) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	c, err := scanConversation(r.db.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if err != nil {
		return nil, storeErr("get conversation", err)
	}
	return c, nil
}

func (r *PostgresRepository) ListConversationsByGroups(ctx context.Context, groupIDs []string) ([]*Conversation, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE group_id = ANY($1) ORDER BY id`, groupIDs)
	if err != nil {
		return nil, storeErr("list conversations", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, storeErr("scan conversation", err)
		}
		out = append(out, c)
	}
	return out, storeErr("list conversations", rows.Err())
}

func (r *PostgresRepository) UpdateControl(ctx context.Context, id int64, u ControlUpdate) (*Conversation, error) {
	var sets []string
	args := []any{id}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if u.Mode != nil {
		add("mode", string(*u.Mode))
	}
	if u.Status != nil {
		add("status", string(*u.Status))
	}
	if u.RiskLevel != nil {
		add("risk_level", string(*u.RiskLevel))
	}
	if u.AIEnabled != nil {
		add("ai_enabled", *u.AIEnabled)
	}
	if u.Blocked != nil {
		add("blocked", *u.Blocked)
	}
	if u.BlockedReason != nil {
		add("blocked_reason", *u.BlockedReason)
	}
	if len(sets) == 0 {
		return r.GetConversation(ctx, id)
	}
	sets = append(sets, "updated_at = NOW()")

	query := `UPDATE conversations SET ` + strings.Join(sets, ", ") + ` WHERE id = $1 RETURNING ` + conversationColumns
	c, err := scanConversation(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, storeErr("update conversation", err)
	}
	return c, nil
}

func (r *PostgresRepository) EscalateRisk(ctx context.Context, id int64, level RiskLevel) (bool, error) {
	query := `
		UPDATE conversations
		SET risk_level = $2, updated_at = NOW()
		WHERE id = $1
		  AND (CASE risk_level WHEN 'low' THEN 0 WHEN 'medium' THEN 1 WHEN 'high' THEN 2 ELSE 3 END) < $3
	`
	ct, err := r.db.Exec(ctx, query, id, string(level), level.Rank())
	if err != nil {
		return false, storeErr("escalate risk", err)
	}
	if ct.RowsAffected() > 0 {
		return true, nil
	}
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM conversations WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, storeErr("escalate risk", err)
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (r *PostgresRepository) Block(ctx context.Context, id int64, reason string) (bool, error) {
	query := `
		WITH prev AS (
			SELECT blocked FROM conversations WHERE id = $1 FOR UPDATE
		)
		UPDATE conversations c
		SET ai_enabled = FALSE,
			blocked = TRUE,
			blocked_reason = CASE WHEN prev.blocked THEN c.blocked_reason ELSE $2 END,
			updated_at = NOW()
		FROM prev
		WHERE c.id = $1
		RETURNING prev.blocked
	`
	var wasBlocked bool
	if err := r.db.QueryRow(ctx, query, id, reason).Scan(&wasBlocked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, storeErr("block conversation", err)
	}
	return !wasBlocked, nil
}

const messageColumns = `id, conversation_id, sender_kind, COALESCE(sender_id, ''), content, raw, edited,
	COALESCE(edited_by, ''), edited_at, deleted, COALESCE(deleted_by, ''), deleted_at, created_at`

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	var kind string
	var raw []byte
	err := row.Scan(&m.ID, &m.ConversationID, &kind, &m.Sender.ID, &m.Content, &raw, &m.Edited,
		&m.EditedBy, &m.EditedAt, &m.Deleted, &m.DeletedBy, &m.DeletedAt, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	m.Sender.Kind = SenderKind(kind)
	if len(raw) > 0 {
		m.Raw = json.RawMessage(raw)
	}
	return &m, nil
}

func collectMessages(rows pgx.Rows) ([]*Message, error) {
	defer rows.Close()
	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AppendMessages locks the conversation row for the duration of the insert so
// ids within one conversation become visible in commit order.
func (r *PostgresRepository) AppendMessages(ctx context.Context, conversationID int64, msgs ...*Message) ([]*Message, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, storeErr("append messages: begin", err)
	}
	defer tx.Rollback(ctx)

	var locked int64
	if err := tx.QueryRow(ctx, `SELECT id FROM conversations WHERE id = $1 FOR UPDATE`, conversationID).Scan(&locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storeErr("append messages: lock", err)
	}

	query := `
		INSERT INTO messages (conversation_id, sender_kind, sender_id, role, content, raw)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)
		RETURNING ` + messageColumns
	out := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		var raw any
		if len(m.Raw) > 0 {
			raw = []byte(m.Raw)
		}
		stored, err := scanMessage(tx.QueryRow(ctx, query,
			conversationID, string(m.Sender.Kind), m.Sender.ID, string(m.Sender.Role()), m.Content, raw))
		if err != nil {
			return nil, storeErr("append messages: insert", err)
		}
		out = append(out, stored)
	}

	if _, err := tx.Exec(ctx, `UPDATE conversations SET updated_at = NOW() WHERE id = $1`, conversationID); err != nil {
		return nil, storeErr("append messages: touch", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, storeErr("append messages: commit", err)
	}
	return out, nil
}

func (r *PostgresRepository) GetMessage(ctx context.Context, id int64) (*Message, error) {
	m, err := scanMessage(r.db.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if err != nil {
		return nil, storeErr("get message", err)
	}
	return m, nil
}

func (r *PostgresRepository) ListMessages(ctx context.Context, conversationID, afterID int64, limit int) ([]*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = $1 AND id > $2 ORDER BY id`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := r.db.Query(ctx, query, conversationID, afterID)
	if err != nil {
		return nil, storeErr("list messages", err)
	}
	out, err := collectMessages(rows)
	if err != nil {
		return nil, storeErr("list messages", err)
	}
	return out, nil
}

func (r *PostgresRepository) RecentMessages(ctx context.Context, conversationID int64, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT * FROM (
			SELECT ` + messageColumns + `
			FROM messages
			WHERE conversation_id = $1 AND NOT deleted
			ORDER BY id DESC
			LIMIT $2
		) recent ORDER BY id
	`
	rows, err := r.db.Query(ctx, query, conversationID, limit)
	if err != nil {
		return nil, storeErr("recent messages", err)
	}
	out, err := collectMessages(rows)
	if err != nil {
		return nil, storeErr("recent messages", err)
	}
	return out, nil
}

func (r *PostgresRepository) LatestMessageID(ctx context.Context, conversationID int64) (int64, error) {
	var id int64
	if err := r.db.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM messages WHERE conversation_id = $1`, conversationID).Scan(&id); err != nil {
		return 0, storeErr("latest message id", err)
	}
	return id, nil
}

func (r *PostgresRepository) EditMessage(ctx context.Context, id int64, editorID, content string) (*Message, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, storeErr("edit message: begin", err)
	}
	defer tx.Rollback(ctx)

	var prior string
	if err := tx.QueryRow(ctx, `SELECT content FROM messages WHERE id = $1 FOR UPDATE`, id).Scan(&prior); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storeErr("edit message: lock", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO message_revisions (message_id, prior_content, editor_id) VALUES ($1, $2, $3)`,
		id, prior, editorID); err != nil {
		return nil, storeErr("edit message: revision", err)
	}
	m, err := scanMessage(tx.QueryRow(ctx, `
		UPDATE messages SET content = $2, edited = TRUE, edited_by = $3, edited_at = NOW()
		WHERE id = $1
		RETURNING `+messageColumns, id, content, editorID))
	if err != nil {
		return nil, storeErr("edit message: update", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, storeErr("edit message: commit", err)
	}
	return m, nil
}

func (r *PostgresRepository) DeleteMessage(ctx context.Context, id int64, deletedBy string) (*Message, error) {
	query := `
		UPDATE messages
		SET deleted = TRUE,
			deleted_by = CASE WHEN deleted THEN deleted_by ELSE $2 END,
			deleted_at = COALESCE(deleted_at, NOW())
		WHERE id = $1
		RETURNING ` + messageColumns
	m, err := scanMessage(r.db.QueryRow(ctx, query, id, deletedBy))
	if err != nil {
		return nil, storeErr("delete message", err)
	}
	return m, nil
}

func (r *PostgresRepository) MessageRevisions(ctx context.Context, id int64) ([]MessageRevision, error) {
	rows, err := r.db.Query(ctx,
		`SELECT message_id, prior_content, editor_id, edited_at FROM message_revisions WHERE message_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, storeErr("message revisions", err)
	}
	defer rows.Close()

	var out []MessageRevision
	for rows.Next() {
		var rev MessageRevision
		if err := rows.Scan(&rev.MessageID, &rev.PriorContent, &rev.EditorID, &rev.EditedAt); err != nil {
			return nil, storeErr("scan revision", err)
		}
		out = append(out, rev)
	}
	return out, storeErr("message revisions", rows.Err())
}

const alertColumns = `id, conversation_id, message_id, target_therapist_id, type, severity, message, metadata, read, read_at, created_at`

func scanAlert(row pgx.Row) (*Alert, error) {
	var a Alert
	var alertType, severity string
	var metadata []byte
	err := row.Scan(&a.ID, &a.ConversationID, &a.MessageID, &a.TargetTherapistID, &alertType, &severity,
		&a.Text, &metadata, &a.Read, &a.ReadAt, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.Type = AlertType(alertType)
	a.Severity = Severity(severity)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &a.Metadata); err != nil {
			return nil, fmt.Errorf("decode alert metadata: %w", err)
		}
	}
	return &a, nil
}

func (r *PostgresRepository) CreateAlert(ctx context.Context, a *Alert) (*Alert, error) {
	metadata, err := json.Marshal(a.Metadata)
	if err != nil {
		return nil, fmt.Errorf("conversation: encode alert metadata: %w", err)
	}
	query := `
		INSERT INTO alerts (conversation_id, message_id, target_therapist_id, type, severity, message, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + alertColumns
	created, err := scanAlert(r.db.QueryRow(ctx, query,
		a.ConversationID, a.MessageID, a.TargetTherapistID, string(a.Type), string(a.Severity), a.Text, metadata))
	if err != nil {
		return nil, storeErr("create alert", err)
	}
	return created, nil
}

func (r *PostgresRepository) GetAlert(ctx context.Context, id int64) (*Alert, error) {
	a, err := scanAlert(r.db.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id))
	if err != nil {
		return nil, storeErr("get alert", err)
	}
	return a, nil
}

func (r *PostgresRepository) ListAlerts(ctx context.Context, therapistID string, conversationIDs []int64, unreadOnly bool, limit int) ([]*Alert, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM alerts
		WHERE (target_therapist_id = $1 OR (target_therapist_id IS NULL AND conversation_id = ANY($2)))`
	if unreadOnly {
		query += ` AND NOT read`
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	if conversationIDs == nil {
		conversationIDs = []int64{}
	}
	rows, err := r.db.Query(ctx, query, therapistID, conversationIDs)
	if err != nil {
		return nil, storeErr("list alerts", err)
	}
	defer rows.Close()

	var out []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, storeErr("scan alert", err)
		}
		out = append(out, a)
	}
	return out, storeErr("list alerts", rows.Err())
}

func (r *PostgresRepository) MarkAlertRead(ctx context.Context, id int64) (*Alert, error) {
	query := `UPDATE alerts SET read = TRUE, read_at = COALESCE(read_at, NOW()) WHERE id = $1 RETURNING ` + alertColumns
	a, err := scanAlert(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, storeErr("mark alert read", err)
	}
	return a, nil
}

const tagColumns = `id, conversation_id, message_id, COALESCE(target_therapist_id, ''), COALESCE(reason, ''), urgency,
	acknowledged, COALESCE(acknowledged_by, ''), acknowledged_at, created_at`

func scanTag(row pgx.Row) (*Tag, error) {
	var t Tag
	var urgency string
	err := row.Scan(&t.ID, &t.ConversationID, &t.MessageID, &t.TargetTherapistID, &t.Reason, &urgency,
		&t.Acknowledged, &t.AcknowledgedBy, &t.AcknowledgedAt, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.Urgency = Urgency(urgency)
	return &t, nil
}

func (r *PostgresRepository) CreateTag(ctx context.Context, t *Tag) (*Tag, error) {
	query := `
		INSERT INTO tags (conversation_id, message_id, target_therapist_id, reason, urgency)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5)
		RETURNING ` + tagColumns
	created, err := scanTag(r.db.QueryRow(ctx, query, t.ConversationID, t.MessageID, t.TargetTherapistID, t.Reason, string(t.Urgency)))
	if err != nil {
		return nil, storeErr("create tag", err)
	}
	return created, nil
}

func (r *PostgresRepository) GetTag(ctx context.Context, id int64) (*Tag, error) {
	t, err := scanTag(r.db.QueryRow(ctx, `SELECT `+tagColumns+` FROM tags WHERE id = $1`, id))
	if err != nil {
		return nil, storeErr("get tag", err)
	}
	return t, nil
}

func (r *PostgresRepository) ListTags(ctx context.Context, conversationID int64) ([]*Tag, error) {
	rows, err := r.db.Query(ctx, `SELECT `+tagColumns+` FROM tags WHERE conversation_id = $1 ORDER BY id`, conversationID)
	if err != nil {
		return nil, storeErr("list tags", err)
	}
	defer rows.Close()

	var out []*Tag
	for rows.Next() {
		t, err := scanTag(rows)
		if err != nil {
			return nil, storeErr("scan tag", err)
		}
		out = append(out, t)
	}
	return out, storeErr("list tags", rows.Err())
}

func (r *PostgresRepository) AcknowledgeTag(ctx context.Context, id int64, by string) (*Tag, error) {
	query := `
		UPDATE tags
		SET acknowledged = TRUE,
			acknowledged_by = COALESCE(acknowledged_by, $2),
			acknowledged_at = COALESCE(acknowledged_at, NOW())
		WHERE id = $1
		RETURNING ` + tagColumns
	t, err := scanTag(r.db.QueryRow(ctx, query, id, by))
	if err != nil {
		return nil, storeErr("acknowledge tag", err)
	}
	return t, nil
}

const noteColumns = `id, conversation_id, author_id, last_editor_id, content, type, status, created_at, updated_at`

func scanNote(row pgx.Row) (*Note, error) {
	var n Note
	var noteType, status string
	err := row.Scan(&n.ID, &n.ConversationID, &n.AuthorID, &n.LastEditorID, &n.Content, &noteType, &status, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	n.Type = NoteType(noteType)
	n.Status = NoteStatus(status)
	return &n, nil
}

func (r *PostgresRepository) CreateNote(ctx context.Context, n *Note) (*Note, error) {
	query := `
		INSERT INTO notes (conversation_id, author_id, last_editor_id, content, type, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + noteColumns
	created, err := scanNote(r.db.QueryRow(ctx, query, n.ConversationID, n.AuthorID, n.LastEditorID, n.Content, string(n.Type), string(n.Status)))
	if err != nil {
		return nil, storeErr("create note", err)
	}
	return created, nil
}

func (r *PostgresRepository) GetNote(ctx context.Context, id int64) (*Note, error) {
	n, err := scanNote(r.db.QueryRow(ctx, `SELECT `+noteColumns+` FROM notes WHERE id = $1`, id))
	if err != nil {
		return nil, storeErr("get note", err)
	}
	return n, nil
}

func (r *PostgresRepository) UpdateNote(ctx context.Context, id int64, editorID, content string) (*Note, error) {
	query := `
		UPDATE notes SET content = $2, last_editor_id = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'active'
		RETURNING ` + noteColumns
	n, err := scanNote(r.db.QueryRow(ctx, query, id, content, editorID))
	if err != nil {
		return nil, storeErr("update note", err)
	}
	return n, nil
}

func (r *PostgresRepository) DeleteNote(ctx context.Context, id int64, editorID string) (*Note, error) {
	query := `
		UPDATE notes
		SET last_editor_id = CASE WHEN status = 'deleted' THEN last_editor_id ELSE $2 END,
			updated_at = CASE WHEN status = 'deleted' THEN updated_at ELSE NOW() END,
			status = 'deleted'
		WHERE id = $1
		RETURNING ` + noteColumns
	n, err := scanNote(r.db.QueryRow(ctx, query, id, editorID))
	if err != nil {
		return nil, storeErr("delete note", err)
	}
	return n, nil
}

func (r *PostgresRepository) ListNotes(ctx context.Context, conversationID int64) ([]*Note, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+noteColumns+` FROM notes WHERE conversation_id = $1 AND status = 'active' ORDER BY id`, conversationID)
	if err != nil {
		return nil, storeErr("list notes", err)
	}
	defer rows.Close()

	var out []*Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, storeErr("scan note", err)
		}
		out = append(out, n)
	}
	return out, storeErr("list notes", rows.Err())
}

func (r *PostgresRepository) UnreadCounts(ctx context.Context, userID string, conversationIDs []int64) (map[int64]int, error) {
	counts := make(map[int64]int, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return counts, nil
	}
	for _, id := range conversationIDs {
		counts[id] = 0
	}
	query := `
		SELECT m.conversation_id, COUNT(*)
		FROM messages m
		LEFT JOIN conversation_reads cr
			ON cr.conversation_id = m.conversation_id AND cr.user_id = $1
		WHERE m.conversation_id = ANY($2)
		  AND m.id > COALESCE(cr.last_seen_message_id, 0)
		  AND m.sender_kind IN ('subject', 'therapist')
		  AND m.sender_id <> $1
		  AND NOT m.deleted
		GROUP BY m.conversation_id
	`
	rows, err := r.db.Query(ctx, query, userID, conversationIDs)
	if err != nil {
		return nil, storeErr("unread counts", err)
	}
	defer rows.Close()

	for rows.Next() {
		var convID int64
		var n int
		if err := rows.Scan(&convID, &n); err != nil {
			return nil, storeErr("scan unread count", err)
		}
		counts[convID] = n
	}
	return counts, storeErr("unread counts", rows.Err())
}

func (r *PostgresRepository) MarkSeen(ctx context.Context, conversationID int64, userID string, asTherapist bool, upToID int64, at time.Time) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return storeErr("mark seen: begin", err)
	}
	defer tx.Rollback(ctx)

	column := "subject_last_seen_at"
	if asTherapist {
		column = "therapist_last_seen_at"
	}
	ct, err := tx.Exec(ctx, `UPDATE conversations SET `+column+` = $2 WHERE id = $1`, conversationID, at)
	if err != nil {
		return storeErr("mark seen: conversation", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO conversation_reads (conversation_id, user_id, last_seen_message_id, seen_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (conversation_id, user_id) DO UPDATE
		SET last_seen_message_id = GREATEST(conversation_reads.last_seen_message_id, EXCLUDED.last_seen_message_id),
			seen_at = EXCLUDED.seen_at
	`, conversationID, userID, upToID, at)
	if err != nil {
		return storeErr("mark seen: reads", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return storeErr("mark seen: commit", err)
	}
	return nil
}
