package conversation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is an in-process Repository. It enforces the same
// uniqueness rules as the SQL schema and is used by tests and local runs.
type MemoryRepository struct {
	mu            sync.Mutex
	nextID        map[string]int64
	conversations map[int64]*Conversation
	messages      map[int64][]*Message // conversation -> ordered log
	messageByID   map[int64]*Message
	revisions     map[int64][]MessageRevision
	alerts        map[int64]*Alert
	tags          map[int64]*Tag
	notes         map[int64]*Note
	seen          map[seenKey]int64
	now           func() time.Time
}

type seenKey struct {
	conversationID int64
	userID         string
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		nextID:        make(map[string]int64),
		conversations: make(map[int64]*Conversation),
		messages:      make(map[int64][]*Message),
		messageByID:   make(map[int64]*Message),
		revisions:     make(map[int64][]MessageRevision),
		alerts:        make(map[int64]*Alert),
		tags:          make(map[int64]*Tag),
		notes:         make(map[int64]*Note),
		seen:          make(map[seenKey]int64),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryRepository) id(kind string) int64 {
	r.nextID[kind]++
	return r.nextID[kind]
}

func cloneConversation(c *Conversation) *Conversation {
	cp := *c
	return &cp
}

func cloneMessage(m *Message) *Message {
	cp := *m
	return &cp
}

func (r *MemoryRepository) FindActiveByPatient(_ context.Context, patientID string) (*Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.activeFor(patientID); c != nil {
		return cloneConversation(c), nil
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) activeFor(patientID string) *Conversation {
	for _, c := range r.conversations {
		if c.PatientID == patientID && c.Status != StatusClosed {
			return c
		}
	}
	return nil
}

func (r *MemoryRepository) CreateConversation(_ context.Context, c *Conversation) (*Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.Status != StatusClosed && r.activeFor(c.PatientID) != nil {
		return nil, ErrConflict
	}
	stored := cloneConversation(c)
	stored.ID = r.id("conversation")
	stored.CreatedAt = r.now()
	stored.UpdatedAt = stored.CreatedAt
	r.conversations[stored.ID] = stored
	return cloneConversation(stored), nil
}

func (r *MemoryRepository) GetConversation(_ context.Context, id int64) (*Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConversation(c), nil
}

func (r *MemoryRepository) ListConversationsByGroups(_ context.Context, groupIDs []string) ([]*Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wanted := make(map[string]bool, len(groupIDs))
	for _, g := range groupIDs {
		wanted[g] = true
	}
	var out []*Conversation
	for _, c := range r.conversations {
		if wanted[c.GroupID] {
			out = append(out, cloneConversation(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) UpdateControl(_ context.Context, id int64, u ControlUpdate) (*Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	if u.Status != nil && *u.Status != StatusClosed && c.Status == StatusClosed {
		if r.activeFor(c.PatientID) != nil {
			return nil, ErrConflict
		}
	}
	if u.Mode != nil {
		c.Mode = *u.Mode
	}
	if u.Status != nil {
		c.Status = *u.Status
	}
	if u.RiskLevel != nil {
		c.RiskLevel = *u.RiskLevel
	}
	if u.AIEnabled != nil {
		c.AIEnabled = *u.AIEnabled
	}
	if u.Blocked != nil {
		c.Blocked = *u.Blocked
	}
	if u.BlockedReason != nil {
		c.BlockedReason = *u.BlockedReason
	}
	c.UpdatedAt = r.now()
	return cloneConversation(c), nil
}

func (r *MemoryRepository) EscalateRisk(_ context.Context, id int64, level RiskLevel) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conversations[id]
	if !ok {
		return false, ErrNotFound
	}
	if c.RiskLevel.Rank() >= level.Rank() {
		return false, nil
	}
	c.RiskLevel = level
	c.UpdatedAt = r.now()
	return true, nil
}

func (r *MemoryRepository) Block(_ context.Context, id int64, reason string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conversations[id]
	if !ok {
		return false, ErrNotFound
	}
	c.AIEnabled = false
	c.UpdatedAt = r.now()
	if c.Blocked {
		return false, nil
	}
	c.Blocked = true
	c.BlockedReason = reason
	return true, nil
}

func (r *MemoryRepository) AppendMessages(_ context.Context, conversationID int64, msgs ...*Message) ([]*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conversations[conversationID]; !ok {
		return nil, ErrNotFound
	}
	out := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		stored := cloneMessage(m)
		stored.ID = r.id("message")
		stored.ConversationID = conversationID
		stored.CreatedAt = r.now()
		r.messages[conversationID] = append(r.messages[conversationID], stored)
		r.messageByID[stored.ID] = stored
		out = append(out, cloneMessage(stored))
	}
	return out, nil
}

func (r *MemoryRepository) GetMessage(_ context.Context, id int64) (*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messageByID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMessage(m), nil
}

func (r *MemoryRepository) ListMessages(_ context.Context, conversationID, afterID int64, limit int) ([]*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Message
	for _, m := range r.messages[conversationID] {
		if m.ID <= afterID {
			continue
		}
		out = append(out, cloneMessage(m))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *MemoryRepository) RecentMessages(_ context.Context, conversationID int64, limit int) ([]*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var visible []*Message
	for _, m := range r.messages[conversationID] {
		if !m.Deleted {
			visible = append(visible, m)
		}
	}
	if limit > 0 && len(visible) > limit {
		visible = visible[len(visible)-limit:]
	}
	out := make([]*Message, 0, len(visible))
	for _, m := range visible {
		out = append(out, cloneMessage(m))
	}
	return out, nil
}

func (r *MemoryRepository) LatestMessageID(_ context.Context, conversationID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	log := r.messages[conversationID]
	if len(log) == 0 {
		return 0, nil
	}
	return log[len(log)-1].ID, nil
}

func (r *MemoryRepository) EditMessage(_ context.Context, id int64, editorID, content string) (*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messageByID[id]
	if !ok {
		return nil, ErrNotFound
	}
	now := r.now()
	r.revisions[id] = append(r.revisions[id], MessageRevision{
		MessageID:    id,
		PriorContent: m.Content,
		EditorID:     editorID,
		EditedAt:     now,
	})
	m.Content = content
	m.Edited = true
	m.EditedBy = editorID
	m.EditedAt = &now
	return cloneMessage(m), nil
}

func (r *MemoryRepository) DeleteMessage(_ context.Context, id int64, deletedBy string) (*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messageByID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !m.Deleted {
		now := r.now()
		m.Deleted = true
		m.DeletedBy = deletedBy
		m.DeletedAt = &now
	}
	return cloneMessage(m), nil
}

func (r *MemoryRepository) MessageRevisions(_ context.Context, id int64) ([]MessageRevision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]MessageRevision(nil), r.revisions[id]...), nil
}

func (r *MemoryRepository) CreateAlert(_ context.Context, a *Alert) (*Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *a
	stored.ID = r.id("alert")
	stored.CreatedAt = r.now()
	r.alerts[stored.ID] = &stored
	cp := stored
	return &cp, nil
}

func (r *MemoryRepository) GetAlert(_ context.Context, id int64) (*Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *MemoryRepository) ListAlerts(_ context.Context, therapistID string, conversationIDs []int64, unreadOnly bool, limit int) ([]*Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	scope := make(map[int64]bool, len(conversationIDs))
	for _, id := range conversationIDs {
		scope[id] = true
	}
	var out []*Alert
	for _, a := range r.alerts {
		if unreadOnly && a.Read {
			continue
		}
		targeted := a.TargetTherapistID != nil && *a.TargetTherapistID == therapistID
		broadcast := a.TargetTherapistID == nil && scope[a.ConversationID]
		if targeted || broadcast {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) MarkAlertRead(_ context.Context, id int64) (*Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !a.Read {
		now := r.now()
		a.Read = true
		a.ReadAt = &now
	}
	cp := *a
	return &cp, nil
}

func (r *MemoryRepository) CreateTag(_ context.Context, t *Tag) (*Tag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *t
	stored.ID = r.id("tag")
	stored.CreatedAt = r.now()
	r.tags[stored.ID] = &stored
	cp := stored
	return &cp, nil
}

func (r *MemoryRepository) GetTag(_ context.Context, id int64) (*Tag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tags[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *MemoryRepository) ListTags(_ context.Context, conversationID int64) ([]*Tag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Tag
	for _, t := range r.tags {
		if t.ConversationID == conversationID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) AcknowledgeTag(_ context.Context, id int64, by string) (*Tag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tags[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !t.Acknowledged {
		now := r.now()
		t.Acknowledged = true
		t.AcknowledgedBy = by
		t.AcknowledgedAt = &now
	}
	cp := *t
	return &cp, nil
}

func (r *MemoryRepository) CreateNote(_ context.Context, n *Note) (*Note, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *n
	stored.ID = r.id("note")
	stored.CreatedAt = r.now()
	stored.UpdatedAt = stored.CreatedAt
	r.notes[stored.ID] = &stored
	cp := stored
	return &cp, nil
}

func (r *MemoryRepository) GetNote(_ context.Context, id int64) (*Note, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notes[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (r *MemoryRepository) UpdateNote(_ context.Context, id int64, editorID, content string) (*Note, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notes[id]
	if !ok || n.Status == NoteDeleted {
		return nil, ErrNotFound
	}
	n.Content = content
	n.LastEditorID = editorID
	n.UpdatedAt = r.now()
	cp := *n
	return &cp, nil
}

func (r *MemoryRepository) DeleteNote(_ context.Context, id int64, editorID string) (*Note, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notes[id]
	if !ok {
		return nil, ErrNotFound
	}
	if n.Status != NoteDeleted {
		n.Status = NoteDeleted
		n.LastEditorID = editorID
		n.UpdatedAt = r.now()
	}
	cp := *n
	return &cp, nil
}

func (r *MemoryRepository) ListNotes(_ context.Context, conversationID int64) ([]*Note, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Note
	for _, n := range r.notes {
		if n.ConversationID == conversationID && n.Status == NoteActive {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) UnreadCounts(_ context.Context, userID string, conversationIDs []int64) (map[int64]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[int64]int, len(conversationIDs))
	for _, convID := range conversationIDs {
		lastSeen := r.seen[seenKey{convID, userID}]
		n := 0
		for _, m := range r.messages[convID] {
			if m.ID <= lastSeen || m.Deleted || !m.Sender.IsHuman() || m.Sender.ID == userID {
				continue
			}
			n++
		}
		counts[convID] = n
	}
	return counts, nil
}

func (r *MemoryRepository) MarkSeen(_ context.Context, conversationID int64, userID string, asTherapist bool, upToID int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	key := seenKey{conversationID, userID}
	if upToID > r.seen[key] {
		r.seen[key] = upToID
	}
	ts := at
	if asTherapist {
		c.TherapistLastSeenAt = &ts
	} else {
		c.SubjectLastSeenAt = &ts
	}
	return nil
}
