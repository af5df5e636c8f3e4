package chat_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/switchboard/internal/chat"
	"github.com/jkaninda/switchboard/internal/domain"
	"github.com/jkaninda/switchboard/internal/orchestrator"
	"github.com/jkaninda/switchboard/internal/scheduler"
	"github.com/jkaninda/switchboard/internal/storage/sqlite"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingDispatcher struct {
	histories [][]domain.ConversationTurn
}

func (d *recordingDispatcher) Dispatch(_ context.Context, message string, history []domain.ConversationTurn) (*orchestrator.AggregatedResult, error) {
	d.histories = append(d.histories, history)
	return &orchestrator.AggregatedResult{
		RequestID: uuid.New(),
		Status:    orchestrator.StatusCompleted,
		Summary:   "echo: " + message,
		AgentUsed: "SearchAgent",
	}, nil
}

type nilDispatcher struct{ err error }

func (d nilDispatcher) Dispatch(context.Context, string, []domain.ConversationTurn) (*orchestrator.AggregatedResult, error) {
	return nil, d.err
}

type failedDispatcher struct{}

func (failedDispatcher) Dispatch(context.Context, string, []domain.ConversationTurn) (*orchestrator.AggregatedResult, error) {
	return &orchestrator.AggregatedResult{
		RequestID: uuid.New(),
		Status:    orchestrator.StatusFailed,
		Summary:   "could not understand the request",
		ErrorCode: "IntentExtractionFailed",
	}, errors.New("model returned no intents")
}

func newConversations(t *testing.T) chat.ConversationStore {
	t.Helper()
	st, err := sqlite.Open(sqlite.Config{Path: filepath.Join(t.TempDir(), "chat.db")}, discardLogger())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return st.Conversations()
}

func TestHandle_RecordsHistoryPerSession(t *testing.T) {
	d := &recordingDispatcher{}
	svc := chat.NewService(d, newConversations(t), 4, discardLogger())
	ctx := context.Background()

	resp, err := svc.Handle(ctx, "", "list pending tickets")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.SessionID != chat.DefaultSessionID {
		t.Errorf("expected default session, got %q", resp.SessionID)
	}
	if resp.Response != "echo: list pending tickets" || resp.AgentUsed != "SearchAgent" || resp.Steps == nil {
		t.Errorf("unexpected response %+v", resp)
	}

	if _, err := svc.Handle(ctx, "default", "process TKT-001"); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if _, err := svc.Handle(ctx, "other", "hello"); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if len(d.histories[0]) != 0 {
		t.Errorf("first message should have no history, got %d turns", len(d.histories[0]))
	}
	h := d.histories[1]
	if len(h) != 2 || h[0].Role != "user" || h[0].Content != "list pending tickets" || h[1].Role != "assistant" {
		t.Errorf("unexpected history for second message: %+v", h)
	}
	if len(d.histories[2]) != 0 {
		t.Error("sessions must not share history")
	}
}

func TestHandle_HistoryBounded(t *testing.T) {
	d := &recordingDispatcher{}
	svc := chat.NewService(d, newConversations(t), 3, discardLogger())
	for i := 0; i < 4; i++ {
		if _, err := svc.Handle(context.Background(), "s", "msg"); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}
	if got := len(d.histories[3]); got != 3 {
		t.Errorf("expected history capped at 3 turns, got %d", got)
	}
}

func TestReset(t *testing.T) {
	d := &recordingDispatcher{}
	svc := chat.NewService(d, newConversations(t), 10, discardLogger())
	ctx := context.Background()

	_, _ = svc.Handle(ctx, "s", "first")
	if err := svc.Reset(ctx, "s"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	_, _ = svc.Handle(ctx, "s", "second")
	if len(d.histories[1]) != 0 {
		t.Errorf("expected empty history after reset, got %d", len(d.histories[1]))
	}
}

func TestHandle_WithoutStore(t *testing.T) {
	svc := chat.NewService(&recordingDispatcher{}, nil, 0, discardLogger())
	if _, err := svc.Handle(context.Background(), "s", "hi"); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if err := svc.Reset(context.Background(), "s"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, err := svc.Handle(context.Background(), "s", "   "); err == nil {
		t.Error("expected error for empty message")
	}
}

func TestPruneJob(t *testing.T) {
	store := newConversations(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	if err := store.Append(ctx, "s",
		domain.ConversationTurn{Role: "user", Content: "old", CreatedAt: old},
		domain.ConversationTurn{Role: "user", Content: "new"},
	); err != nil {
		t.Fatalf("Append: %v", err)
	}

	s := scheduler.New(nil, discardLogger())
	if err := s.Register(chat.PruneJob(store, 24*time.Hour, "0 * * * *", discardLogger())); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.RunNow(ctx, "conversation-prune"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}

	h, err := store.History(ctx, "s", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(h) != 1 || h[0].Content != "new" {
		t.Errorf("expected only the new turn to remain, got %+v", h)
	}
}

func TestHandle_NilResult(t *testing.T) {
	cause := errors.New("provider down")
	for name, d := range map[string]nilDispatcher{"with error": {err: cause}, "without error": {}} {
		t.Run(name, func(t *testing.T) {
			svc := chat.NewService(d, nil, 0, discardLogger())
			resp, err := svc.Handle(context.Background(), "s", "hello")
			if err == nil || resp != nil {
				t.Fatalf("expected an error and no response, got %+v, %v", resp, err)
			}
			if d.err != nil && !errors.Is(err, cause) {
				t.Errorf("expected wrapped cause, got %v", err)
			}
		})
	}
}

func TestHandle_FailureCarriedInResponse(t *testing.T) {
	svc := chat.NewService(failedDispatcher{}, newConversations(t), 0, discardLogger())
	resp, err := svc.Handle(context.Background(), "s", "gibberish")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Status != orchestrator.StatusFailed || resp.ErrorCode != "IntentExtractionFailed" {
		t.Errorf("unexpected response %+v", resp)
	}
}
