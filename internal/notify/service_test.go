package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/careline/internal/access"
	"github.com/wolfman30/careline/internal/conversation"
)

type recordingChannel struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (c *recordingChannel) Schedule(_ context.Context, n Notification) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, c.err
	}
	c.sent = append(c.sent, n)
	return true, nil
}

func (c *recordingChannel) recipients() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sent))
	for _, n := range c.sent {
		out = append(out, n.Recipient)
	}
	return out
}

func testResolver() *access.MemoryResolver {
	return access.NewMemoryResolver().
		AddUser(access.User{ID: "p-1", Name: "Pat Doe", Email: "pat@example.com", Role: access.RolePatient, PushEnabled: true}).
		AddUser(access.User{ID: "t-1", Name: "Dana Reyes", Email: "Dana@Clinic.org", Role: access.RoleTherapist, PushEnabled: true}).
		AddUser(access.User{ID: "t-2", Name: "Sam Lee", Email: "sam@clinic.org", Role: access.RoleTherapist}).
		AddMember("g-1", "p-1").
		Assign("t-1", "g-1").
		Assign("t-2", "g-1")
}

func allOn() Config {
	return Config{
		BaseURL:        "https://care.example.com/",
		PatientEmail:   true,
		PatientPush:    true,
		TherapistEmail: true,
		TherapistPush:  true,
	}
}

var (
	testConv = &conversation.Conversation{ID: 5, PatientID: "p-1", GroupID: "g-1"}
	testMsg  = &conversation.Message{ID: 9, ConversationID: 5, Sender: conversation.SubjectSender("p-1"), Content: "I need to talk about this week"}
)

func TestNotifyDanger_MergesExtraEmails(t *testing.T) {
	email, push := &recordingChannel{}, &recordingChannel{}
	cfg := allOn()
	cfg.DangerEmails = []string{" dana@clinic.org ", "oncall@clinic.org", "ONCALL@clinic.org"}
	svc := NewService(email, push, testResolver(), cfg, nil, nil)

	svc.NotifyDanger(context.Background(), testConv, testMsg, nil)

	assert.Equal(t, []string{"Dana@Clinic.org", "sam@clinic.org", "oncall@clinic.org"}, email.recipients())
	assert.Equal(t, []string{"t-1"}, push.recipients())
	for _, n := range email.sent {
		assert.Equal(t, EventDanger, n.Event)
		assert.Contains(t, n.Subject, "Pat Doe")
		assert.Equal(t, "https://care.example.com/therapist/conversations/5", n.Link)
	}
}

func TestNotifyPatientMessage_RespectsFlags(t *testing.T) {
	email, push := &recordingChannel{}, &recordingChannel{}
	cfg := allOn()
	cfg.TherapistPush = false
	svc := NewService(email, push, testResolver(), cfg, nil, nil)

	svc.NotifyPatientMessage(context.Background(), testConv, testMsg)

	assert.Len(t, email.sent, 2)
	assert.Empty(t, push.sent)
	assert.Contains(t, email.sent[0].Body, "Hi Dana")
	assert.Contains(t, email.sent[0].Body, testMsg.Content)
}

func TestNotifyTherapistMessage_ToPatient(t *testing.T) {
	email, push := &recordingChannel{}, &recordingChannel{}
	svc := NewService(email, push, testResolver(), allOn(), nil, nil)

	reply := &conversation.Message{ID: 10, ConversationID: 5, Sender: conversation.TherapistSender("t-1"), Content: "Thanks for sharing"}
	svc.NotifyTherapistMessage(context.Background(), testConv, reply)

	require.Len(t, email.sent, 1)
	assert.Equal(t, "pat@example.com", email.sent[0].Recipient)
	assert.Equal(t, "New message from Dana Reyes", email.sent[0].Subject)
	assert.Equal(t, "https://care.example.com/chat", email.sent[0].Link)
	assert.Equal(t, []string{"p-1"}, push.recipients())
}

func TestNotifyTag_TargetsOneTherapist(t *testing.T) {
	email := &recordingChannel{}
	svc := NewService(email, nil, testResolver(), allOn(), nil, nil)

	tag := &conversation.Tag{TargetTherapistID: "t-2", Urgency: conversation.UrgencyUrgent, Reason: "need_talk"}
	svc.NotifyTag(context.Background(), testConv, testMsg, tag, nil)

	assert.Equal(t, []string{"sam@clinic.org"}, email.recipients())
	assert.Contains(t, email.sent[0].Subject, "(urgent)")
	assert.Contains(t, email.sent[0].Body, "need_talk")
}

func TestNotifyTag_UnassignedTargetFallsBackToAll(t *testing.T) {
	email := &recordingChannel{}
	svc := NewService(email, nil, testResolver(), allOn(), nil, nil)

	svc.NotifyTag(context.Background(), testConv, testMsg, &conversation.Tag{TargetTherapistID: "t-9"}, nil)
	assert.Len(t, email.sent, 2)
}

func TestDispatch_PushFailureDoesNotStopEmail(t *testing.T) {
	email := &recordingChannel{}
	push := &recordingChannel{err: errors.New("push queue down")}
	svc := NewService(email, push, testResolver(), allOn(), nil, nil)

	svc.NotifyDanger(context.Background(), testConv, testMsg, nil)
	assert.Len(t, email.sent, 2)
}

func TestDispatch_CancelledContextStillSchedules(t *testing.T) {
	email := &recordingChannel{}
	svc := NewService(email, nil, testResolver(), allOn(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc.NotifyPatientMessage(ctx, testConv, testMsg)
	assert.Len(t, email.sent, 2)
}

func TestTemplateRender(t *testing.T) {
	tmpl := Template{Subject: "{patient_name} ({urgency})", Body: "Hi {recipient_name}: {preview} {unknown}"}
	subject, body := tmpl.Render(Fields{Preview: "hello"})
	assert.Equal(t, "A patient (normal)", subject)
	assert.Equal(t, "Hi there: hello {unknown}", body)
}

func TestTemplateOverride(t *testing.T) {
	email := &recordingChannel{}
	cfg := allOn()
	cfg.Templates = map[Event]Template{EventPatientMessage: {Subject: "ping", Body: "{preview}"}}
	svc := NewService(email, nil, testResolver(), cfg, nil, nil)

	svc.NotifyPatientMessage(context.Background(), testConv, testMsg)
	require.NotEmpty(t, email.sent)
	assert.Equal(t, "ping", email.sent[0].Subject)
}

func TestParseEmails(t *testing.T) {
	assert.Equal(t, []string{"a@x.org", "b@y.org"}, ParseEmails("a@x.org, b@y.org;not-an-email"))
}
