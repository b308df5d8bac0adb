package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"github.com/wolfman30/careline/pkg/logging"
)

// Kind is a delivery channel.
type Kind string

const (
	KindEmail Kind = "email"
	KindPush  Kind = "push"
)

// Notification is one composed message for one recipient. For email the
// Recipient is an address; for push it is a user id.
type Notification struct {
	Event         Event  `json:"event"`
	Kind          Kind   `json:"kind"`
	Recipient     string `json:"recipient"`
	RecipientName string `json:"recipient_name,omitempty"`
	Subject       string `json:"subject"`
	Body          string `json:"body"`
	Link          string `json:"link,omitempty"`
}

// Channel enqueues delivery. Schedule reports whether the notification was
// accepted; it never waits for delivery.
type Channel interface {
	Schedule(ctx context.Context, n Notification) (bool, error)
}

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// queueJob is the payload consumed by the delivery worker.
type queueJob struct {
	ID string `json:"id"`
	Notification
	CreatedAt time.Time `json:"created_at"`
}

// QueueChannel publishes notifications to an SQS queue consumed by the
// email/push delivery worker.
type QueueChannel struct {
	client   sqsAPI
	queueURL string
}

func NewQueueChannel(client *sqs.Client, queueURL string) *QueueChannel {
	if client == nil {
		panic("notify: SQS client cannot be nil")
	}
	return newQueueChannelWithAPI(client, queueURL)
}

func newQueueChannelWithAPI(api sqsAPI, queueURL string) *QueueChannel {
	if queueURL == "" {
		panic("notify: SQS queueURL cannot be empty")
	}
	return &QueueChannel{client: api, queueURL: queueURL}
}

func (q *QueueChannel) Schedule(ctx context.Context, n Notification) (bool, error) {
	body, err := json.Marshal(queueJob{ID: uuid.NewString(), Notification: n, CreatedAt: time.Now().UTC()})
	if err != nil {
		return false, fmt.Errorf("notify: encode job: %w", err)
	}
	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"kind":  {DataType: aws.String("String"), StringValue: aws.String(string(n.Kind))},
			"event": {DataType: aws.String("String"), StringValue: aws.String(string(n.Event))},
		},
	})
	if err != nil {
		return false, fmt.Errorf("notify: failed to send SQS message: %w", err)
	}
	return true, nil
}

// EmailChannel sends email notifications directly through an EmailSender.
// It does not handle push.
type EmailChannel struct {
	sender EmailSender
}

func NewEmailChannel(sender EmailSender) *EmailChannel {
	if sender == nil {
		panic("notify: email sender required")
	}
	return &EmailChannel{sender: sender}
}

func (c *EmailChannel) Schedule(ctx context.Context, n Notification) (bool, error) {
	if n.Kind != KindEmail {
		return false, fmt.Errorf("notify: email channel cannot deliver %s", n.Kind)
	}
	body := n.Body
	if n.Link != "" {
		body += "\n\n" + n.Link
	}
	if err := c.sender.Send(ctx, EmailMessage{
		To:      n.Recipient,
		ToName:  n.RecipientName,
		Subject: n.Subject,
		Body:    body,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// StubChannel logs and records notifications without delivering them.
type StubChannel struct {
	mu     sync.Mutex
	sent   []Notification
	logger *logging.Logger
}

func NewStubChannel(logger *logging.Logger) *StubChannel {
	if logger == nil {
		logger = logging.Default()
	}
	return &StubChannel{logger: logger}
}

func (s *StubChannel) Schedule(_ context.Context, n Notification) (bool, error) {
	s.mu.Lock()
	s.sent = append(s.sent, n)
	s.mu.Unlock()
	s.logger.Info("stub channel: would notify", "event", n.Event, "kind", n.Kind, "subject", n.Subject)
	return true, nil
}

// Sent returns a copy of everything scheduled so far.
func (s *StubChannel) Sent() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.sent...)
}

var (
	_ Channel = (*QueueChannel)(nil)
	_ Channel = (*EmailChannel)(nil)
	_ Channel = (*StubChannel)(nil)
)
