package compliance

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditService_LogEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewAuditService(db)

	tests := []struct {
		name    string
		event   AuditEvent
		execErr error
		wantErr bool
	}{
		{
			name: "status change",
			event: AuditEvent{
				EventType:      EventStatusChanged,
				ActorID:        "t-1",
				ConversationID: 42,
				Description:    "Status changed from active to paused",
			},
		},
		{
			name: "danger detected with labels",
			event: AuditEvent{
				EventType:      EventDangerDetected,
				ConversationID: 42,
				MessageID:      7,
				Labels:         []string{"self-harm"},
				Details:        json.RawMessage(`{"layer":"keyword"}`),
			},
		},
		{
			name:    "database failure",
			event:   AuditEvent{EventType: EventUnblocked, ConversationID: 1},
			execErr: errors.New("connection reset"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp := mock.ExpectExec("INSERT INTO audit_events")
			if tt.execErr != nil {
				exp.WillReturnError(tt.execErr)
			} else {
				exp.WillReturnResult(sqlmock.NewResult(1, 1))
			}

			err := service.LogEvent(context.Background(), tt.event)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditService_LogTransition(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewAuditService(db)

	mock.ExpectExec("INSERT INTO audit_events").
		WithArgs(sqlmock.AnyArg(), EventAIToggled, "t-1", int64(9), nil,
			"AI responses enabled by therapist; conversation unblocked",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = service.LogTransition(context.Background(), Transition{
		EventType:      EventAIToggled,
		ActorID:        "t-1",
		ConversationID: 9,
		From:           "false",
		To:             "true",
		Description:    "AI responses enabled by therapist; conversation unblocked",
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditService_LogDangerDetected(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewAuditService(db)

	mock.ExpectExec("INSERT INTO audit_events").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = service.LogDangerDetected(context.Background(), 3, 11, "moderation", []string{"self-harm/intent"})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditService_LogTagReceived(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewAuditService(db)

	mock.ExpectExec("INSERT INTO audit_events").
		WithArgs(sqlmock.AnyArg(), EventTagReceived, "p-1", int64(3), int64(12),
			"Patient tagged all assigned therapists (urgent)",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = service.LogTagReceived(context.Background(), 3, 12, "p-1", "", "urgent")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditService_QueryEvents(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewAuditService(db)

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "event_type", "actor_id", "conversation_id", "message_id",
		"description", "labels", "details", "created_at",
	}).AddRow(
		uuid.New().String(), EventDangerDetected, nil, int64(3), int64(11),
		"Danger detected by keyword layer", []byte(`{self-harm,crisis}`), []byte(`{}`), now,
	)

	mock.ExpectQuery("SELECT (.+) FROM audit_events").
		WithArgs(int64(3)).
		WillReturnRows(rows)

	events, err := service.QueryEvents(context.Background(), AuditFilter{ConversationID: 3, Limit: 50})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventDangerDetected, events[0].EventType)
	assert.Equal(t, int64(11), events[0].MessageID)
	assert.Empty(t, events[0].ActorID)
	assert.Equal(t, []string{"self-harm", "crisis"}, events[0].Labels)
}
