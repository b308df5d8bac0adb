package drafts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/careline/internal/access"
	"github.com/wolfman30/careline/internal/conversation"
	"github.com/wolfman30/careline/internal/llm"
	"github.com/wolfman30/careline/internal/observability/metrics"
	"github.com/wolfman30/careline/pkg/logging"
)

var draftTracer = otel.Tracer("careline/drafts")

const (
	DefaultInstruction = "You are assisting a licensed therapist. Write a short, warm reply the therapist could send " +
		"to the patient next. Do not diagnose. Reply with the message text only."
	DefaultSummaryInstruction = "Summarize this therapy conversation for the treating therapist: main themes, " +
		"mood, risk indicators and suggested follow-ups. Use plain sentences."
)

// Authorizer loads conversations for a caller.
type Authorizer interface {
	Load(ctx context.Context, caller access.Caller, id int64) (*conversation.Conversation, error)
}

// History reads the recent conversation log and writes summary notes.
type History interface {
	RecentMessages(ctx context.Context, conversationID int64, limit int) ([]*conversation.Message, error)
	CreateNote(ctx context.Context, n *conversation.Note) (*conversation.Note, error)
}

// MessageSender delivers a therapist message to the patient, including
// notifications.
type MessageSender interface {
	SendTherapistMessage(ctx context.Context, caller access.Caller, conversationID int64, content string) (*conversation.Message, error)
}

// Config tunes generation.
type Config struct {
	Instruction        string
	ExtraInstruction   string
	SummaryInstruction string
	ContextWindow      int
	Model              string
	MaxTokens          int32
	Temperature        float32
	Timeout            time.Duration
}

// Workflow drives the draft lifecycle.
type Workflow struct {
	repo    Repository
	auth    Authorizer
	history History
	sender  MessageSender
	gateway llm.Client
	undo    UndoStack
	cfg     Config
	metrics *metrics.ChatMetrics
	logger  *logging.Logger
}

func NewWorkflow(repo Repository, auth Authorizer, history History, sender MessageSender, gateway llm.Client, undo UndoStack, cfg Config, m *metrics.ChatMetrics, logger *logging.Logger) *Workflow {
	if repo == nil || auth == nil || history == nil || gateway == nil {
		panic("drafts: repository, authorizer, history and gateway required")
	}
	if undo == nil {
		undo = NewMemoryUndoStack(defaultUndoDepth)
	}
	if logger == nil {
		logger = logging.Default()
	}
	if strings.TrimSpace(cfg.Instruction) == "" {
		cfg.Instruction = DefaultInstruction
	}
	if strings.TrimSpace(cfg.SummaryInstruction) == "" {
		cfg.SummaryInstruction = DefaultSummaryInstruction
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = 20
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Workflow{
		repo:    repo,
		auth:    auth,
		history: history,
		sender:  sender,
		gateway: gateway,
		undo:    undo,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
	}
}

// Session is what the therapist UI renders after every draft action.
type Session struct {
	Draft     *Draft `json:"draft,omitempty"`
	UndoDepth int    `json:"undo_depth"`
}

func (w *Workflow) session(ctx context.Context, d *Draft) Session {
	s := Session{Draft: d}
	if d != nil {
		if n, err := w.undo.Depth(ctx, d.ConversationID, d.TherapistID); err == nil {
			s.UndoDepth = n
		}
	}
	return s
}

func (w *Workflow) loadForStaff(ctx context.Context, caller access.Caller, conversationID int64, action string) (*conversation.Conversation, error) {
	if !caller.IsStaff() {
		return nil, conversation.Denied(caller.UserID, action)
	}
	return w.auth.Load(ctx, caller, conversationID)
}

func (w *Workflow) ownDraft(ctx context.Context, caller access.Caller, id int64, action string) (*Draft, error) {
	if !caller.IsStaff() {
		return nil, conversation.Denied(caller.UserID, action)
	}
	d, err := w.repo.Get(ctx, id)
	if errors.Is(err, conversation.ErrNotFound) || (err == nil && d.TherapistID != caller.UserID) {
		return nil, conversation.Denied(caller.UserID, action)
	}
	if err != nil {
		return nil, err
	}
	if _, err := w.auth.Load(ctx, caller, d.ConversationID); err != nil {
		return nil, err
	}
	return d, nil
}

// Current returns the caller's active draft for a conversation, if any.
func (w *Workflow) Current(ctx context.Context, caller access.Caller, conversationID int64) (Session, error) {
	conv, err := w.loadForStaff(ctx, caller, conversationID, "view draft")
	if err != nil {
		return Session{}, err
	}
	d, err := w.repo.Active(ctx, conv.ID, caller.UserID)
	if errors.Is(err, conversation.ErrNotFound) {
		return Session{}, nil
	}
	if err != nil {
		return Session{}, err
	}
	return w.session(ctx, d), nil
}

// Generate creates a draft, or regenerates when one is already active. The
// AI is called before anything is written: a failed call leaves the current
// draft and the undo stack untouched.
func (w *Workflow) Generate(ctx context.Context, caller access.Caller, conversationID int64) (session Session, err error) {
	defer func() { w.metrics.ObserveDraft("generate", err) }()

	conv, err := w.loadForStaff(ctx, caller, conversationID, "generate draft")
	if err != nil {
		return Session{}, err
	}
	ctx, span := draftTracer.Start(ctx, "drafts.generate")
	defer span.End()
	span.SetAttributes(attribute.Int64("conversation.id", conv.ID))

	current, err := w.repo.Active(ctx, conv.ID, caller.UserID)
	if err != nil && !errors.Is(err, conversation.ErrNotFound) {
		return Session{}, err
	}

	text, err := w.complete(ctx, caller.UserID, conv.ID, KindDraft, w.draftSystem())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		return Session{}, err
	}

	next := &Draft{ConversationID: conv.ID, TherapistID: caller.UserID, GeneratedContent: text}
	if current == nil {
		d, err := w.repo.Create(ctx, next)
		if errors.Is(err, conversation.ErrConflict) {
			// A concurrent generate won; hand back its draft.
			existing, aerr := w.repo.Active(ctx, conv.ID, caller.UserID)
			if aerr != nil {
				return Session{}, aerr
			}
			return w.session(ctx, existing), nil
		}
		if err != nil {
			return Session{}, err
		}
		return w.session(ctx, d), nil
	}

	// Save the prior text before it is replaced; a regenerate that cannot
	// keep it does not run.
	if err := w.undo.Push(ctx, conv.ID, caller.UserID, current.Content()); err != nil {
		return Session{}, fmt.Errorf("drafts: save undo entry: %w", err)
	}
	d, err := w.repo.Rotate(ctx, current.ID, next)
	if err != nil {
		if _, _, perr := w.undo.Pop(context.WithoutCancel(ctx), conv.ID, caller.UserID); perr != nil {
			w.logger.Error("drafts: failed to drop undo entry", "conversation_id", conv.ID, "draft_id", current.ID, "error", perr)
		}
		return Session{}, err
	}
	w.logger.Info("draft regenerated", "conversation_id", conv.ID, "previous_draft_id", current.ID, "draft_id", d.ID)
	return w.session(ctx, d), nil
}

// Undo restores the most recent prior draft text into the active draft.
func (w *Workflow) Undo(ctx context.Context, caller access.Caller, conversationID int64) (session Session, err error) {
	defer func() { w.metrics.ObserveDraft("undo", err) }()

	conv, err := w.loadForStaff(ctx, caller, conversationID, "undo draft")
	if err != nil {
		return Session{}, err
	}
	current, err := w.repo.Active(ctx, conv.ID, caller.UserID)
	if errors.Is(err, conversation.ErrNotFound) {
		return Session{}, conversation.ErrNothingToUndo
	}
	if err != nil {
		return Session{}, err
	}
	text, ok, err := w.undo.Pop(ctx, conv.ID, caller.UserID)
	if err != nil {
		return Session{}, err
	}
	if !ok {
		return w.session(ctx, current), conversation.ErrNothingToUndo
	}
	d, err := w.repo.SetContent(ctx, current.ID, &text, ptr(""))
	if err != nil {
		// Put the entry back so the text is not lost.
		if perr := w.undo.Push(ctx, conv.ID, caller.UserID, text); perr != nil {
			w.logger.Error("drafts: failed to restore undo entry", "conversation_id", conv.ID, "error", perr)
		}
		return Session{}, err
	}
	return w.session(ctx, d), nil
}

// Update stores the therapist's edit of an active draft.
func (w *Workflow) Update(ctx context.Context, caller access.Caller, draftID int64, content string) (session Session, err error) {
	defer func() { w.metrics.ObserveDraft("update", err) }()

	if strings.TrimSpace(content) == "" {
		return Session{}, conversation.Invalid("content", "required")
	}
	d, err := w.ownDraft(ctx, caller, draftID, "update draft")
	if err != nil {
		return Session{}, err
	}
	if d.Status.Terminal() {
		return Session{}, conversation.Invalid("draft", "already "+string(d.Status))
	}
	updated, err := w.repo.SetContent(ctx, d.ID, nil, &content)
	if errors.Is(err, conversation.ErrNotFound) {
		return Session{}, conversation.Invalid("draft", "no longer active")
	}
	if err != nil {
		return Session{}, err
	}
	return w.session(ctx, updated), nil
}

// Send posts the draft content as a therapist message and marks it sent.
func (w *Workflow) Send(ctx context.Context, caller access.Caller, draftID int64) (msg *conversation.Message, err error) {
	defer func() { w.metrics.ObserveDraft("send", err) }()

	if w.sender == nil {
		return nil, errors.New("drafts: message sender not configured")
	}
	d, err := w.ownDraft(ctx, caller, draftID, "send draft")
	if err != nil {
		return nil, err
	}
	if d.Status.Terminal() {
		return nil, conversation.Invalid("draft", "already "+string(d.Status))
	}
	content := strings.TrimSpace(d.Content())
	if content == "" {
		return nil, conversation.Invalid("content", "draft is empty")
	}

	// Claim first so duplicate retries cannot send twice.
	claimed, err := w.repo.Transition(ctx, d.ID, StatusDraft, StatusSent, nil)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, conversation.Invalid("draft", "no longer active")
	}

	msg, err = w.sender.SendTherapistMessage(ctx, caller, d.ConversationID, content)
	if err != nil {
		w.reopenAfterFailedSend(context.WithoutCancel(ctx), d)
		return nil, err
	}
	if _, err := w.repo.Transition(ctx, d.ID, StatusSent, StatusSent, &msg.ID); err != nil {
		w.logger.Error("drafts: failed to link sent message", "draft_id", d.ID, "message_id", msg.ID, "error", err)
	}
	w.endSession(ctx, d)
	return msg, nil
}

// Discard ends a draft without sending. Discarding a draft that is already
// terminal succeeds and changes nothing.
func (w *Workflow) Discard(ctx context.Context, caller access.Caller, draftID int64) (err error) {
	defer func() { w.metrics.ObserveDraft("discard", err) }()

	d, err := w.ownDraft(ctx, caller, draftID, "discard draft")
	if err != nil {
		return err
	}
	if d.Status.Terminal() {
		return nil
	}
	changed, err := w.repo.Transition(ctx, d.ID, StatusDraft, StatusDiscarded, nil)
	if err != nil {
		return err
	}
	if changed {
		w.endSession(ctx, d)
	}
	return nil
}

// reopenAfterFailedSend returns a claimed draft to the draft state. When a
// newer draft became active meanwhile the old one is discarded instead, so
// there is never more than one active draft.
func (w *Workflow) reopenAfterFailedSend(ctx context.Context, d *Draft) {
	_, err := w.repo.Transition(ctx, d.ID, StatusSent, StatusDraft, nil)
	if errors.Is(err, conversation.ErrConflict) {
		w.logger.Info("drafts: newer draft active, discarding unsent draft", "draft_id", d.ID)
		_, err = w.repo.Transition(ctx, d.ID, StatusSent, StatusDiscarded, nil)
	}
	if err != nil {
		w.logger.Error("drafts: failed to reopen draft after send failure", "draft_id", d.ID, "error", err)
	}
}

func (w *Workflow) endSession(ctx context.Context, d *Draft) {
	if err := w.undo.Clear(context.WithoutCancel(ctx), d.ConversationID, d.TherapistID); err != nil {
		w.logger.Warn("drafts: failed to clear undo stack", "draft_id", d.ID, "error", err)
	}
}

// GenerateSummary writes an AI clinical summary as a private note.
func (w *Workflow) GenerateSummary(ctx context.Context, caller access.Caller, conversationID int64) (note *conversation.Note, err error) {
	defer func() { w.metrics.ObserveDraft("summary", err) }()

	conv, err := w.loadForStaff(ctx, caller, conversationID, "generate summary")
	if err != nil {
		return nil, err
	}
	ctx, span := draftTracer.Start(ctx, "drafts.summary")
	defer span.End()

	text, err := w.complete(ctx, caller.UserID, conv.ID, KindSummary, []string{w.cfg.SummaryInstruction})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return w.history.CreateNote(ctx, &conversation.Note{
		ConversationID: conv.ID,
		AuthorID:       caller.UserID,
		LastEditorID:   caller.UserID,
		Content:        text,
		Type:           conversation.NoteAISummary,
		Status:         conversation.NoteActive,
	})
}

func (w *Workflow) draftSystem() []string {
	system := []string{w.cfg.Instruction}
	if extra := strings.TrimSpace(w.cfg.ExtraInstruction); extra != "" {
		system = append(system, extra)
	}
	return system
}

// complete runs one AI call over the recent history and logs it to the
// therapist's generation log.
func (w *Workflow) complete(ctx context.Context, therapistID string, conversationID int64, kind GenerationKind, system []string) (string, error) {
	recent, err := w.history.RecentMessages(ctx, conversationID, w.cfg.ContextWindow)
	if err != nil {
		return "", err
	}
	turns := conversation.ModelHistory(recent, true)
	if len(turns) == 0 {
		return "", conversation.Invalid("conversation", "no messages to draft from")
	}
	req := llm.Request{
		Model:       w.cfg.Model,
		System:      system,
		Messages:    turns,
		MaxTokens:   w.cfg.MaxTokens,
		Temperature: w.cfg.Temperature,
	}

	callCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	start := time.Now()
	resp, err := w.gateway.Complete(callCtx, req)
	cancel()
	w.metrics.ObserveGateway(string(kind), time.Since(start).Seconds(), err)

	text := ""
	if err == nil {
		text = strings.TrimSpace(llm.ParseReply(resp.Text).Text)
		if text == "" {
			err = conversation.ErrEmptyGeneration
		}
	}
	w.logGeneration(ctx, therapistID, conversationID, kind, req, resp, err)
	if err != nil {
		return "", &conversation.GatewayError{Op: string(kind), Err: err}
	}
	return text, nil
}

func (w *Workflow) logGeneration(ctx context.Context, therapistID string, conversationID int64, kind GenerationKind, req llm.Request, resp llm.Response, callErr error) {
	payload, _ := json.Marshal(req)
	rec := GenerationRecord{
		TherapistID:    therapistID,
		ConversationID: conversationID,
		Kind:           kind,
		Request:        payload,
		Response:       resp.Text,
		Provider:       resp.Provider,
		InputTokens:    resp.Usage.InputTokens,
		OutputTokens:   resp.Usage.OutputTokens,
	}
	if callErr != nil {
		rec.Error = callErr.Error()
	}
	if err := w.repo.LogGeneration(context.WithoutCancel(ctx), rec); err != nil {
		w.logger.Warn("drafts: generation log write failed", "conversation_id", conversationID, "kind", kind, "error", err)
	}
}

// Generations lists the caller's own generation log.
func (w *Workflow) Generations(ctx context.Context, caller access.Caller, limit int) ([]GenerationRecord, error) {
	if !caller.IsStaff() {
		return nil, conversation.Denied(caller.UserID, "view generation log")
	}
	return w.repo.ListGenerations(ctx, caller.UserID, limit)
}

func ptr[T any](v T) *T { return &v }
