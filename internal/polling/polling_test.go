package polling

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/careline/internal/access"
	"github.com/wolfman30/careline/internal/conversation"
)

var (
	patient   = access.Caller{UserID: "p-1", Role: access.RolePatient}
	therapist = access.Caller{UserID: "t-1", Role: access.RoleTherapist}
	outsider  = access.Caller{UserID: "t-9", Role: access.RoleTherapist}
)

type fixture struct {
	svc  *Service
	repo *conversation.MemoryRepository
	conv *conversation.Conversation
}

func newFixture(t *testing.T, cursor Cursor) fixture {
	t.Helper()
	resolver := access.NewMemoryResolver().
		AddUser(access.User{ID: "p-1", Name: "Pat Doe", Role: access.RolePatient}).
		AddUser(access.User{ID: "p-2", Name: "Lee Roe", Role: access.RolePatient}).
		AddUser(access.User{ID: "t-1", Name: "Dana Reyes", Role: access.RoleTherapist}).
		AddUser(access.User{ID: "t-9", Name: "Other", Role: access.RoleTherapist}).
		AddMember("g-1", "p-1").
		AddMember("g-2", "p-2").
		Assign("t-1", "g-1").
		Assign("t-1", "g-2")
	repo := conversation.NewMemoryRepository()
	convSvc := conversation.NewService(repo, resolver, nil, nil)
	conv, _, err := convSvc.GetOrCreateActive(context.Background(), "p-1", "g-1")
	require.NoError(t, err)
	return fixture{svc: NewService(repo, convSvc, resolver, cursor, nil), repo: repo, conv: conv}
}

func (f fixture) append(t *testing.T, convID int64, senders ...conversation.Sender) []*conversation.Message {
	t.Helper()
	msgs := make([]*conversation.Message, 0, len(senders))
	for _, s := range senders {
		msgs = append(msgs, &conversation.Message{Sender: s, Content: "x"})
	}
	out, err := f.repo.AppendMessages(context.Background(), convID, msgs...)
	require.NoError(t, err)
	f.svc.Touch(context.Background(), convID, out...)
	return out
}

func TestCheckUpdates_ExcludesAIMessages(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	msgs := f.append(t, f.conv.ID,
		conversation.SubjectSender("p-1"),
		conversation.AISender(),
		conversation.SubjectSender("p-1"),
		conversation.AISender(),
		conversation.SystemSender(),
	)

	up, err := f.svc.CheckUpdates(ctx, therapist, f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, msgs[len(msgs)-1].ID, up.LatestMessageID)
	assert.Equal(t, 2, up.UnreadCount)

	// The patient's own messages never count for the patient.
	up, err = f.svc.CheckUpdates(ctx, patient, f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, up.UnreadCount)
}

func TestCheckUpdates_DeniesOutsider(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.CheckUpdates(context.Background(), outsider, f.conv.ID)
	require.Error(t, err)
	assert.True(t, conversation.IsAccessDenied(err))
}

func TestMarkSeen_ZeroesUnreadImmediately(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.append(t, f.conv.ID, conversation.SubjectSender("p-1"), conversation.SubjectSender("p-1"))

	up, err := f.svc.MarkSeen(ctx, therapist, f.conv.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, up.UnreadCount)

	check, err := f.svc.CheckUpdates(ctx, therapist, f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, check.UnreadCount)

	stored, err := f.repo.GetConversation(ctx, f.conv.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.TherapistLastSeenAt)
	assert.Nil(t, stored.SubjectLastSeenAt)

	f.append(t, f.conv.ID, conversation.SubjectSender("p-1"))
	check, err = f.svc.CheckUpdates(ctx, therapist, f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, check.UnreadCount)
}

func TestMarkSeen_PartialUpToID(t *testing.T) {
	f := newFixture(t, nil)
	msgs := f.append(t, f.conv.ID, conversation.SubjectSender("p-1"), conversation.SubjectSender("p-1"), conversation.SubjectSender("p-1"))

	up, err := f.svc.MarkSeen(context.Background(), therapist, f.conv.ID, msgs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 2, up.UnreadCount)
}

func TestUnreadCounts_PerGroupAndConversation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	other, err := f.repo.CreateConversation(ctx, conversation.NewConversation("p-2", "g-2"))
	require.NoError(t, err)

	f.append(t, f.conv.ID, conversation.SubjectSender("p-1"), conversation.AISender())
	f.append(t, other.ID, conversation.SubjectSender("p-2"), conversation.SubjectSender("p-2"), conversation.TherapistSender("t-1"))

	counts, err := f.svc.UnreadCounts(ctx, therapist)
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Total)
	assert.Equal(t, map[string]int{"g-1": 1, "g-2": 2}, counts.ByGroup)
	assert.Equal(t, 1, counts.ByConversation[f.conv.ID])
	assert.Equal(t, 2, counts.ByConversation[other.ID])

	counts, err = f.svc.UnreadCounts(ctx, patient)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Total)

	counts, err = f.svc.UnreadCounts(ctx, access.Caller{UserID: "p-3", Role: access.RolePatient})
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Total)
}

func TestRedisCursor_NeverMovesBackwards(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	cursor := NewRedisCursor(client)
	ctx := context.Background()

	_, ok, err := cursor.Latest(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cursor.Advance(ctx, 1, 10))
	require.NoError(t, cursor.Advance(ctx, 1, 7))
	id, ok, err := cursor.Latest(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(10), id)

	require.NoError(t, cursor.Advance(ctx, 1, 12))
	id, _, err = cursor.Latest(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(12), id)
	assert.True(t, mr.TTL(cursorKey(1)) > 0)
}

func TestCheckUpdates_UsesCursorAndFallsBack(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	f := newFixture(t, NewRedisCursor(client))
	ctx := context.Background()

	msgs, err := f.repo.AppendMessages(ctx, f.conv.ID, &conversation.Message{Sender: conversation.SubjectSender("p-1"), Content: "x"})
	require.NoError(t, err)

	// Cold cache reads the store and warms the cursor.
	up, err := f.svc.CheckUpdates(ctx, therapist, f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, msgs[0].ID, up.LatestMessageID)
	got, err := mr.Get(cursorKey(f.conv.ID))
	require.NoError(t, err)
	assert.NotEmpty(t, got)

	more := f.append(t, f.conv.ID, conversation.TherapistSender("t-1"))
	up, err = f.svc.CheckUpdates(ctx, patient, f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, more[0].ID, up.LatestMessageID)
	assert.Equal(t, 1, up.UnreadCount)

	// Redis outage falls back to the store.
	mr.Close()
	up, err = f.svc.CheckUpdates(ctx, patient, f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, more[0].ID, up.LatestMessageID)
}

// failingAdvanceCursor wraps a real cursor but refuses every Advance.
type failingAdvanceCursor struct {
	Cursor
	fail bool
}

func (c *failingAdvanceCursor) Advance(ctx context.Context, conversationID, messageID int64) error {
	if c.fail {
		return errors.New("redis: connection reset")
	}
	return c.Cursor.Advance(ctx, conversationID, messageID)
}

func TestTouch_FailedAdvanceInvalidatesCursor(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	cursor := &failingAdvanceCursor{Cursor: NewRedisCursor(client)}
	f := newFixture(t, cursor)
	ctx := context.Background()

	first := f.append(t, f.conv.ID, conversation.SubjectSender("p-1"))
	up, err := f.svc.CheckUpdates(ctx, therapist, f.conv.ID)
	require.NoError(t, err)
	require.Equal(t, first[0].ID, up.LatestMessageID)

	cursor.fail = true
	second := f.append(t, f.conv.ID, conversation.TherapistSender("t-1"))
	assert.False(t, mr.Exists(cursorKey(f.conv.ID)), "stale cursor must be dropped")

	up, err = f.svc.CheckUpdates(ctx, patient, f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, second[0].ID, up.LatestMessageID)
	assert.Equal(t, 1, up.UnreadCount)
}

func TestRedisCursor_Invalidate(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	c := NewRedisCursor(client)
	ctx := context.Background()

	require.NoError(t, c.Advance(ctx, 7, 42))
	require.NoError(t, c.Invalidate(ctx, 7))
	_, ok, err := c.Latest(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok)

	// Missing keys are not an error.
	assert.NoError(t, c.Invalidate(ctx, 8))
}
