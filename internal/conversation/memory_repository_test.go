package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedConversation(t *testing.T, repo *MemoryRepository, patientID string) *Conversation {
	t.Helper()
	conv, err := repo.CreateConversation(context.Background(), NewConversation(patientID, "g-1"))
	require.NoError(t, err)
	return conv
}

func TestMemoryRepository_OneOpenConversationPerPatient(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	conv := seedConversation(t, repo, "p-1")

	_, err := repo.CreateConversation(ctx, NewConversation("p-1", "g-1"))
	assert.ErrorIs(t, err, ErrConflict)

	closed := StatusClosed
	_, err = repo.UpdateControl(ctx, conv.ID, ControlUpdate{Status: &closed})
	require.NoError(t, err)

	_, err = repo.CreateConversation(ctx, NewConversation("p-1", "g-1"))
	assert.NoError(t, err)

	reopen := StatusActive
	_, err = repo.UpdateControl(ctx, conv.ID, ControlUpdate{Status: &reopen})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMemoryRepository_EscalateRiskNeverLowers(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	conv := seedConversation(t, repo, "p-1")

	changed, err := repo.EscalateRisk(ctx, conv.ID, RiskHigh)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = repo.EscalateRisk(ctx, conv.ID, RiskMedium)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := repo.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, RiskHigh, got.RiskLevel)

	_, err = repo.EscalateRisk(ctx, 999, RiskHigh)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRepository_BlockKeepsFirstReason(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	conv := seedConversation(t, repo, "p-1")

	newly, err := repo.Block(ctx, conv.ID, "keyword")
	require.NoError(t, err)
	assert.True(t, newly)

	newly, err = repo.Block(ctx, conv.ID, "assessment")
	require.NoError(t, err)
	assert.False(t, newly)

	got, _ := repo.GetConversation(ctx, conv.ID)
	assert.Equal(t, "keyword", got.BlockedReason)
	assert.False(t, got.AIEnabled)
}

func TestMemoryRepository_ListMessagesAfterIsOrderedAndGapFree(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	conv := seedConversation(t, repo, "p-1")

	_, err := repo.AppendMessages(ctx, conv.ID,
		&Message{Sender: SubjectSender("p-1"), Content: "one"},
		&Message{Sender: AISender(), Content: "two"},
		&Message{Sender: TherapistSender("t-1"), Content: "three"},
	)
	require.NoError(t, err)

	all, err := repo.ListMessages(ctx, conv.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i := 1; i < len(all); i++ {
		assert.Greater(t, all[i].ID, all[i-1].ID)
	}

	after, err := repo.ListMessages(ctx, conv.ID, all[0].ID, 0)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, "two", after[0].Content)

	latest, err := repo.LatestMessageID(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, all[2].ID, latest)
}

func TestMemoryRepository_EditKeepsRevision(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	conv := seedConversation(t, repo, "p-1")
	msgs, err := repo.AppendMessages(ctx, conv.ID, &Message{Sender: TherapistSender("t-1"), Content: "original"})
	require.NoError(t, err)

	edited, err := repo.EditMessage(ctx, msgs[0].ID, "t-1", "fixed")
	require.NoError(t, err)
	assert.True(t, edited.Edited)
	assert.Equal(t, SenderTherapist, edited.Sender.Kind)

	revs, err := repo.MessageRevisions(ctx, msgs[0].ID)
	require.NoError(t, err)
	require.Len(t, revs, 1)
	assert.Equal(t, "original", revs[0].PriorContent)

	deleted, err := repo.DeleteMessage(ctx, msgs[0].ID, "t-1")
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)

	recent, err := repo.RecentMessages(ctx, conv.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, recent)
}

func TestMemoryRepository_UnreadExcludesAIAndOwnMessages(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	conv := seedConversation(t, repo, "p-1")

	msgs, err := repo.AppendMessages(ctx, conv.ID,
		&Message{Sender: SubjectSender("p-1"), Content: "hi"},
		&Message{Sender: AISender(), Content: "hello"},
		&Message{Sender: SubjectSender("p-1"), Content: "are you there"},
		&Message{Sender: AISender(), Content: "yes"},
		&Message{Sender: SystemSender(), Content: "notice"},
		&Message{Sender: TherapistSender("t-1"), Content: "I'm here"},
	)
	require.NoError(t, err)

	counts, err := repo.UnreadCounts(ctx, "t-1", []int64{conv.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, counts[conv.ID])

	counts, err = repo.UnreadCounts(ctx, "t-2", []int64{conv.ID})
	require.NoError(t, err)
	assert.Equal(t, 3, counts[conv.ID])

	require.NoError(t, repo.MarkSeen(ctx, conv.ID, "t-1", true, msgs[len(msgs)-1].ID, time.Now()))
	counts, err = repo.UnreadCounts(ctx, "t-1", []int64{conv.ID})
	require.NoError(t, err)
	assert.Zero(t, counts[conv.ID])

	got, _ := repo.GetConversation(ctx, conv.ID)
	assert.NotNil(t, got.TherapistLastSeenAt)
	assert.Nil(t, got.SubjectLastSeenAt)

	// Marking an older id never moves the high-water mark backwards.
	require.NoError(t, repo.MarkSeen(ctx, conv.ID, "t-1", true, msgs[0].ID, time.Now()))
	counts, _ = repo.UnreadCounts(ctx, "t-1", []int64{conv.ID})
	assert.Zero(t, counts[conv.ID])
}

func TestMemoryRepository_AlertsScope(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	conv := seedConversation(t, repo, "p-1")
	other := seedConversation(t, repo, "p-2")
	target := "t-2"

	_, err := repo.CreateAlert(ctx, &Alert{ConversationID: conv.ID, Type: AlertDangerDetected, Severity: SeverityEmergency})
	require.NoError(t, err)
	_, err = repo.CreateAlert(ctx, &Alert{ConversationID: other.ID, Type: AlertTagReceived, Severity: SeverityWarning, TargetTherapistID: &target})
	require.NoError(t, err)

	alerts, err := repo.ListAlerts(ctx, "t-1", []int64{conv.ID}, false, 0)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertDangerDetected, alerts[0].Type)

	alerts, err = repo.ListAlerts(ctx, "t-2", nil, false, 0)
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	read, err := repo.MarkAlertRead(ctx, alerts[0].ID)
	require.NoError(t, err)
	assert.True(t, read.Read)

	alerts, err = repo.ListAlerts(ctx, "t-2", nil, true, 0)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestMemoryRepository_NotesSoftDelete(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	conv := seedConversation(t, repo, "p-1")

	note, err := repo.CreateNote(ctx, &Note{ConversationID: conv.ID, AuthorID: "t-1", LastEditorID: "t-1", Content: "first session", Type: NoteManual, Status: NoteActive})
	require.NoError(t, err)

	_, err = repo.UpdateNote(ctx, note.ID, "t-2", "first session, follow up")
	require.NoError(t, err)

	deleted, err := repo.DeleteNote(ctx, note.ID, "t-2")
	require.NoError(t, err)
	assert.Equal(t, NoteDeleted, deleted.Status)

	notes, err := repo.ListNotes(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, notes)

	_, err = repo.UpdateNote(ctx, note.ID, "t-1", "again")
	assert.ErrorIs(t, err, ErrNotFound)
}
