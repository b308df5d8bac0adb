package chat

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/careline/internal/access"
	"github.com/wolfman30/careline/internal/compliance"
	"github.com/wolfman30/careline/internal/conversation"
	"github.com/wolfman30/careline/internal/llm"
	"github.com/wolfman30/careline/internal/safety"
	"github.com/wolfman30/careline/internal/tagging"
)

type fakeGateway struct {
	mu    sync.Mutex
	reply string
	err   error
	calls int
}

func (g *fakeGateway) Complete(_ context.Context, _ llm.Request) (llm.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return llm.Response{}, g.err
	}
	return llm.Response{Text: g.reply}, nil
}

type countingNotifier struct {
	mu               sync.Mutex
	danger           int
	tags             int
	patientMessages  int
	therapistMessage int
}

func (n *countingNotifier) NotifyDanger(context.Context, *conversation.Conversation, *conversation.Message, *conversation.Alert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.danger++
}

func (n *countingNotifier) NotifyTag(context.Context, *conversation.Conversation, *conversation.Message, *conversation.Tag, *conversation.Alert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tags++
}

func (n *countingNotifier) NotifyPatientMessage(context.Context, *conversation.Conversation, *conversation.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.patientMessages++
}

func (n *countingNotifier) NotifyTherapistMessage(context.Context, *conversation.Conversation, *conversation.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.therapistMessage++
}

type brokenLedger struct{}

func (brokenLedger) Claim(context.Context, int64, int64, safety.Layer) (bool, error) {
	return false, errors.New("ledger: connection refused")
}

type recordingAudit struct {
	events []compliance.Transition
}

func (a *recordingAudit) LogTransition(_ context.Context, t compliance.Transition) error {
	a.events = append(a.events, t)
	return nil
}

var (
	patient   = access.Caller{UserID: "p-1", Role: access.RolePatient}
	therapist = access.Caller{UserID: "t-1", Role: access.RoleTherapist}
	colleague = access.Caller{UserID: "t-2", Role: access.RoleTherapist}
	outsider  = access.Caller{UserID: "t-9", Role: access.RoleTherapist}
)

type harness struct {
	svc      *Service
	repo     *conversation.MemoryRepository
	convs    *conversation.Service
	gateway  *fakeGateway
	notifier *countingNotifier
	audit    *recordingAudit
}

func newHarness(t *testing.T) harness {
	t.Helper()
	return newHarnessWithLedger(t, safety.NewMemoryLedger())
}

func newHarnessWithLedger(t *testing.T, ledger safety.Ledger) harness {
	t.Helper()
	resolver := access.NewMemoryResolver().
		AddUser(access.User{ID: "p-1", Name: "Pat Doe", Role: access.RolePatient}).
		AddUser(access.User{ID: "t-1", Name: "Dana Reyes", Role: access.RoleTherapist}).
		AddUser(access.User{ID: "t-2", Name: "Sam Lee", Role: access.RoleTherapist}).
		AddUser(access.User{ID: "t-9", Name: "Other Person", Role: access.RoleTherapist}).
		AddMember("g-1", "p-1").
		Assign("t-1", "g-1").
		Assign("t-2", "g-1")

	repo := conversation.NewMemoryRepository()
	convs := conversation.NewService(repo, resolver, nil, nil)
	notifier := &countingNotifier{}
	audit := &recordingAudit{}
	gateway := &fakeGateway{reply: `{"content":"I'm here with you.","danger_level":"none"}`}

	engine := tagging.NewEngine(repo, resolver, tagging.Config{
		Reasons:  map[string]conversation.Urgency{"need_talk": conversation.UrgencyUrgent},
		Notifier: notifier,
	})
	pipeline := safety.NewPipeline(safety.NewKeywordDetector([]string{"kill myself"}, false), nil, nil, nil)
	escalator := safety.NewEscalator(repo, ledger, notifier, safety.EscalatorConfig{})

	svc := NewService(Deps{
		Conversations: convs,
		Tags:          engine,
		Safety:        pipeline,
		Escalator:     escalator,
		Gateway:       gateway,
		Notifier:      notifier,
		Audit:         audit,
		Disclaimer:    compliance.NewDisclaimer(compliance.DisclaimerConfig{Level: compliance.DisclaimerOff}),
		Resolver:      resolver,
	}, Config{})
	return harness{svc: svc, repo: repo, convs: convs, gateway: gateway, notifier: notifier, audit: audit}
}

func (h harness) log(t *testing.T, convID int64) []*conversation.Message {
	t.Helper()
	msgs, err := h.repo.ListMessages(context.Background(), convID, 0, 0)
	require.NoError(t, err)
	return msgs
}

func aiMessages(msgs []*conversation.Message) int {
	n := 0
	for _, m := range msgs {
		if m.Sender.Kind == conversation.SenderAI {
			n++
		}
	}
	return n
}

func TestSendPatientMessage_AIReply(t *testing.T) {
	h := newHarness(t)
	res, err := h.svc.SendPatientMessage(context.Background(), patient, PatientMessage{Content: "Rough day at work"})
	require.NoError(t, err)

	require.NotNil(t, res.Reply)
	assert.Equal(t, conversation.SenderAI, res.Reply.Sender.Kind)
	assert.Equal(t, "I'm here with you.", res.Reply.Content)
	assert.NotEmpty(t, res.Reply.Raw)
	assert.Greater(t, res.Reply.ID, res.Message.ID)
	assert.Equal(t, 1, h.gateway.calls)
	assert.Equal(t, 0, h.notifier.patientMessages)
	assert.Len(t, h.log(t, res.Conversation.ID), 2)
}

func TestSendPatientMessage_KeywordEscalation(t *testing.T) {
	h := newHarness(t)
	res, err := h.svc.SendPatientMessage(context.Background(), patient, PatientMessage{Content: "I feel like I might kill myself"})
	require.NoError(t, err)

	assert.True(t, res.Escalated)
	assert.Equal(t, 0, h.gateway.calls)
	assert.Equal(t, conversation.RiskCritical, res.Conversation.RiskLevel)
	assert.False(t, res.Conversation.AIEnabled)
	assert.True(t, res.Conversation.Blocked)

	msgs := h.log(t, res.Conversation.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "I feel like I might kill myself", msgs[0].Content)
	assert.Equal(t, conversation.SenderSystem, msgs[1].Sender.Kind)
	assert.Zero(t, aiMessages(msgs))

	alerts, err := h.repo.ListAlerts(context.Background(), "t-1", []int64{res.Conversation.ID}, false, 0)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, conversation.AlertDangerDetected, alerts[0].Type)
	assert.Equal(t, conversation.SeverityEmergency, alerts[0].Severity)

	assert.Equal(t, 1, h.notifier.danger)
	assert.Equal(t, 0, h.notifier.patientMessages)
}

func TestSendPatientMessage_TagSkipsAI(t *testing.T) {
	h := newHarness(t)
	res, err := h.svc.SendPatientMessage(context.Background(), patient, PatientMessage{Content: "@therapist I need to talk", TagReason: "need_talk"})
	require.NoError(t, err)

	assert.True(t, res.Tagged)
	require.NotNil(t, res.Tag)
	assert.Equal(t, conversation.UrgencyUrgent, res.Tag.Urgency)
	assert.Equal(t, conversation.RiskMedium, res.Conversation.RiskLevel)
	assert.Equal(t, 0, h.gateway.calls)
	assert.Nil(t, res.Reply)
	assert.Equal(t, 1, h.notifier.tags)
	assert.Equal(t, 0, h.notifier.patientMessages)

	alerts, err := h.repo.ListAlerts(context.Background(), "t-1", []int64{res.Conversation.ID}, false, 0)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, conversation.SeverityCritical, alerts[0].Severity)
	assert.Zero(t, aiMessages(h.log(t, res.Conversation.ID)))
}

func TestSendPatientMessage_ReplyAssessmentEscalates(t *testing.T) {
	h := newHarness(t)
	h.gateway.reply = `{"content":"Please reach out to a crisis line.","danger_level":"critical"}`

	res, err := h.svc.SendPatientMessage(context.Background(), patient, PatientMessage{Content: "Nothing matters anymore"})
	require.NoError(t, err)

	assert.True(t, res.Escalated)
	msgs := h.log(t, res.Conversation.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, conversation.SenderSubject, msgs[0].Sender.Kind)
	assert.Equal(t, conversation.SenderSystem, msgs[1].Sender.Kind)
	assert.Zero(t, aiMessages(msgs))
	assert.Equal(t, 1, h.notifier.danger)

	// The next message never reaches the AI.
	_, err = h.svc.SendPatientMessage(context.Background(), patient, PatientMessage{Content: "hello?"})
	require.NoError(t, err)
	assert.Equal(t, 1, h.gateway.calls)
	assert.Equal(t, 1, h.notifier.patientMessages)
}

func TestSendPatientMessage_LedgerFailureStillEscalates(t *testing.T) {
	h := newHarnessWithLedger(t, brokenLedger{})
	res, err := h.svc.SendPatientMessage(context.Background(), patient, PatientMessage{Content: "I feel like I might kill myself"})
	require.NoError(t, err)

	assert.True(t, res.Escalated)
	assert.Equal(t, conversation.RiskCritical, res.Conversation.RiskLevel)
	assert.False(t, res.Conversation.AIEnabled)
	require.NotNil(t, res.Reply)
	assert.Equal(t, conversation.SenderSystem, res.Reply.Sender.Kind)
	assert.Equal(t, 1, h.notifier.danger)
	assert.Equal(t, 0, h.notifier.patientMessages)
	assert.Equal(t, 0, h.gateway.calls)
}

func TestSendPatientMessage_TaggedAndDangerousSendsOneBatch(t *testing.T) {
	h := newHarness(t)
	res, err := h.svc.SendPatientMessage(context.Background(), patient, PatientMessage{Content: "@therapist I want to kill myself", TagReason: "need_talk"})
	require.NoError(t, err)

	assert.True(t, res.Escalated)
	assert.True(t, res.Tagged)
	assert.Equal(t, 1, h.notifier.danger)
	assert.Equal(t, 0, h.notifier.tags)
	assert.Equal(t, 0, h.notifier.patientMessages)

	// Both alert rows are still written.
	alerts, err := h.repo.ListAlerts(context.Background(), "t-1", []int64{res.Conversation.ID}, false, 0)
	require.NoError(t, err)
	assert.Len(t, alerts, 2)
}

func TestSendPatientMessage_DangerLevelWithoutTextEscalates(t *testing.T) {
	h := newHarness(t)
	h.gateway.reply = `{"danger_level":"critical"}`

	res, err := h.svc.SendPatientMessage(context.Background(), patient, PatientMessage{Content: "I don't see the point"})
	require.NoError(t, err)

	assert.True(t, res.Escalated)
	assert.Equal(t, 1, h.notifier.danger)
	msgs := h.log(t, res.Conversation.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, conversation.SenderSubject, msgs[0].Sender.Kind)
	assert.Equal(t, conversation.SenderSystem, msgs[1].Sender.Kind)
	assert.Zero(t, aiMessages(msgs))
}

func TestSendPatientMessage_EmptyGenerationIsGatewayError(t *testing.T) {
	h := newHarness(t)
	h.gateway.reply = `{"danger_level":"none"}`

	_, err := h.svc.SendPatientMessage(context.Background(), patient, PatientMessage{Content: "hi"})
	require.Error(t, err)
	assert.True(t, conversation.IsGateway(err))
	assert.ErrorIs(t, err, conversation.ErrEmptyGeneration)
}

func TestSendPatientMessage_GatewayFailureWritesNothing(t *testing.T) {
	h := newHarness(t)
	h.gateway.err = errors.New("throttled")

	_, err := h.svc.SendPatientMessage(context.Background(), patient, PatientMessage{Content: "hi"})
	require.Error(t, err)
	assert.True(t, conversation.IsGateway(err))

	conv, err := h.repo.FindActiveByPatient(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Empty(t, h.log(t, conv.ID))
}

func TestSendPatientMessage_HumanOnlyNotifiesTherapists(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv, err := h.svc.CurrentConversation(ctx, patient, "")
	require.NoError(t, err)
	_, err = h.convs.SetMode(ctx, therapist, conv.ID, conversation.ModeHumanOnly)
	require.NoError(t, err)

	res, err := h.svc.SendPatientMessage(ctx, patient, PatientMessage{Content: "Are you there?"})
	require.NoError(t, err)
	assert.Nil(t, res.Reply)
	assert.Equal(t, 0, h.gateway.calls)
	assert.Equal(t, 1, h.notifier.patientMessages)
}

func TestSendPatientMessage_Validation(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.SendPatientMessage(context.Background(), patient, PatientMessage{Content: "   "})
	assert.True(t, conversation.IsValidation(err))

	_, err = h.svc.SendPatientMessage(context.Background(), therapist, PatientMessage{Content: "hi"})
	assert.True(t, conversation.IsAccessDenied(err))
}

func TestTherapistMessages_SendEditDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv, err := h.svc.CurrentConversation(ctx, patient, "")
	require.NoError(t, err)

	msg, err := h.svc.SendTherapistMessage(ctx, therapist, conv.ID, "How did the week go?")
	require.NoError(t, err)
	assert.Equal(t, conversation.TherapistSender("t-1"), msg.Sender)
	assert.Equal(t, 1, h.notifier.therapistMessage)

	_, err = h.svc.SendTherapistMessage(ctx, outsider, conv.ID, "hi")
	assert.True(t, conversation.IsAccessDenied(err))

	_, err = h.svc.EditMessage(ctx, colleague, msg.ID, "hijack")
	assert.True(t, conversation.IsAccessDenied(err))

	edited, err := h.svc.EditMessage(ctx, therapist, msg.ID, "How did this week go?")
	require.NoError(t, err)
	assert.True(t, edited.Edited)

	revs, err := h.svc.MessageRevisions(ctx, therapist, msg.ID)
	require.NoError(t, err)
	require.Len(t, revs, 1)
	assert.Equal(t, "How did the week go?", revs[0].PriorContent)

	_, err = h.svc.DeleteMessage(ctx, therapist, msg.ID)
	require.NoError(t, err)

	seen, err := h.svc.GetMessages(ctx, patient, conv.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.True(t, seen[0].Deleted)
	assert.Empty(t, seen[0].Content)

	staff, err := h.svc.GetMessages(ctx, therapist, conv.ID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "How did this week go?", staff[0].Content)

	require.Len(t, h.audit.events, 2)
	assert.Equal(t, compliance.EventMessageEdited, h.audit.events[0].EventType)
	assert.Equal(t, compliance.EventMessageDeleted, h.audit.events[1].EventType)
}

func TestGetMessages_AfterIDIsOrdered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first, err := h.svc.SendPatientMessage(ctx, patient, PatientMessage{Content: "one"})
	require.NoError(t, err)
	_, err = h.svc.SendPatientMessage(ctx, patient, PatientMessage{Content: "two"})
	require.NoError(t, err)

	msgs, err := h.svc.GetMessages(ctx, patient, first.Conversation.ID, first.Reply.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[0].Content)
	assert.Less(t, msgs[0].ID, msgs[1].ID)
	assert.Nil(t, msgs[1].Raw)

	_, err = h.svc.GetMessages(ctx, outsider, first.Conversation.ID, 0, 0)
	assert.True(t, conversation.IsAccessDenied(err))
}

func TestNotes_Lifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conv, err := h.svc.CurrentConversation(ctx, patient, "")
	require.NoError(t, err)

	note, err := h.svc.AddNote(ctx, therapist, conv.ID, "Discussed sleep hygiene")
	require.NoError(t, err)
	assert.Equal(t, conversation.NoteManual, note.Type)

	_, err = h.svc.AddNote(ctx, patient, conv.ID, "peek")
	assert.True(t, conversation.IsAccessDenied(err))

	edited, err := h.svc.EditNote(ctx, colleague, note.ID, "Discussed sleep hygiene and journaling")
	require.NoError(t, err)
	assert.Equal(t, "t-2", edited.LastEditorID)

	_, err = h.svc.DeleteNote(ctx, therapist, note.ID)
	require.NoError(t, err)
	_, err = h.svc.DeleteNote(ctx, therapist, note.ID)
	require.NoError(t, err)

	notes, err := h.svc.ListNotes(ctx, therapist, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, notes)

	_, err = h.svc.EditNote(ctx, therapist, note.ID, "again")
	assert.True(t, conversation.IsValidation(err))
}

func TestAlertsAndTags(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.svc.SendPatientMessage(ctx, patient, PatientMessage{Content: "@Sam can we talk"})
	require.NoError(t, err)
	require.True(t, res.Tagged)
	assert.Equal(t, "t-2", res.Tag.TargetTherapistID)

	mine, err := h.svc.ListAlerts(ctx, therapist, false, 0)
	require.NoError(t, err)
	assert.Empty(t, mine)

	theirs, err := h.svc.ListAlerts(ctx, colleague, true, 0)
	require.NoError(t, err)
	require.Len(t, theirs, 1)

	_, err = h.svc.MarkAlertRead(ctx, therapist, theirs[0].ID)
	assert.True(t, conversation.IsAccessDenied(err))
	read, err := h.svc.MarkAlertRead(ctx, colleague, theirs[0].ID)
	require.NoError(t, err)
	assert.True(t, read.Read)

	unread, err := h.svc.ListAlerts(ctx, colleague, true, 0)
	require.NoError(t, err)
	assert.Empty(t, unread)

	ack, err := h.svc.AcknowledgeTag(ctx, colleague, res.Tag.ID)
	require.NoError(t, err)
	assert.True(t, ack.Acknowledged)
	assert.Equal(t, "t-2", ack.AcknowledgedBy)

	tags, err := h.svc.ListTags(ctx, therapist, res.Conversation.ID)
	require.NoError(t, err)
	assert.Len(t, tags, 1)
}

func TestTagTherapist_Explicit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.svc.SendPatientMessage(ctx, patient, PatientMessage{Content: "I had a setback"})
	require.NoError(t, err)

	outcome, err := h.svc.TagTherapist(ctx, patient, res.Message.ID, "t-1", "need_talk")
	require.NoError(t, err)
	assert.True(t, outcome.Tagged)
	assert.Equal(t, "t-1", outcome.Tag.TargetTherapistID)

	_, err = h.svc.TagTherapist(ctx, patient, res.Reply.ID, "", "")
	assert.True(t, conversation.IsValidation(err))

	_, err = h.svc.TagTherapist(ctx, patient, res.Message.ID, "t-9", "")
	assert.True(t, conversation.IsValidation(err))

	_, err = h.svc.TagTherapist(ctx, therapist, res.Message.ID, "", "")
	assert.True(t, conversation.IsAccessDenied(err))
}

func TestConfig(t *testing.T) {
	h := newHarness(t)
	cfg, err := h.svc.Config(context.Background(), patient)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.PollIntervalSeconds)
	assert.ElementsMatch(t, tagging.DefaultMarkers, cfg.TagMarkers)
	assert.Equal(t, conversation.UrgencyUrgent, cfg.TagReasons["need_talk"])
	require.Len(t, cfg.Therapists, 2)
	assert.Empty(t, cfg.Therapists[0].Email)

	staff, err := h.svc.Config(context.Background(), therapist)
	require.NoError(t, err)
	assert.Empty(t, staff.Therapists)
}

func TestListConversations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	none, err := h.svc.ListConversations(ctx, patient)
	require.NoError(t, err)
	assert.Empty(t, none)

	conv, err := h.svc.CurrentConversation(ctx, patient, "")
	require.NoError(t, err)

	staff, err := h.svc.ListConversations(ctx, therapist)
	require.NoError(t, err)
	require.Len(t, staff, 1)
	assert.Equal(t, conv.ID, staff[0].ID)

	other, err := h.svc.ListConversations(ctx, outsider)
	require.NoError(t, err)
	assert.Empty(t, other)
}
