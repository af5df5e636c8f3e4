// Package chat keeps per-session conversation history around intent
// dispatch. Gateways call Service.Handle; the orchestrator itself stays
// stateless and receives history explicitly.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jkaninda/switchboard/internal/domain"
	"github.com/jkaninda/switchboard/internal/orchestrator"
	"github.com/jkaninda/switchboard/internal/scheduler"
)

// DefaultSessionID is used when a request carries no session id.
const DefaultSessionID = "default"

// Dispatcher runs one message. *orchestrator.Orchestrator implements it.
// Request-level failures are carried in the result; a nil result is treated
// as a dispatcher fault.
type Dispatcher interface {
	Dispatch(ctx context.Context, message string, history []domain.ConversationTurn) (*orchestrator.AggregatedResult, error)
}

// Response is returned to chat clients.
type Response struct {
	Response  string                         `json:"response"`
	AgentUsed string                         `json:"agent_used"`
	Status    orchestrator.Status            `json:"status"`
	ErrorCode string                         `json:"error_code,omitempty"`
	Steps     []orchestrator.AgentInvocation `json:"steps"`
	SessionID string                         `json:"session_id"`
	Timestamp time.Time                      `json:"timestamp"`
	RequestID string                         `json:"request_id"`
}

// Service wires a dispatcher to a conversation store. A nil store disables
// history: every message is dispatched on its own.
type Service struct {
	dispatcher Dispatcher
	store      ConversationStore
	maxHistory int
	logger     *slog.Logger
}

// NewService creates a chat service. maxHistory <= 0 uses DefaultMaxHistory.
func NewService(dispatcher Dispatcher, store ConversationStore, maxHistory int, logger *slog.Logger) *Service {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &Service{dispatcher: dispatcher, store: store, maxHistory: maxHistory, logger: logger}
}

// Handle dispatches message within sessionID and records both turns.
// Failures of the request itself are reported in the response, not as an error.
func (s *Service) Handle(ctx context.Context, sessionID, message string) (*Response, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, fmt.Errorf("message is required")
	}
	if sessionID == "" {
		sessionID = DefaultSessionID
	}

	var history []domain.ConversationTurn
	if s.store != nil {
		h, err := s.store.History(ctx, sessionID, s.maxHistory)
		if err != nil {
			// Dispatch without context rather than failing the request.
			s.logger.WarnContext(ctx, "loading conversation history failed",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
		}
		history = h
	}

	res, err := s.dispatcher.Dispatch(ctx, message, history)
	if res == nil {
		if err == nil {
			err = errors.New("no result")
		}
		return nil, fmt.Errorf("dispatching message: %w", err)
	}
	if err != nil {
		s.logger.DebugContext(ctx, "dispatch reported failure",
			slog.String("session_id", sessionID),
			slog.String("error_code", res.ErrorCode),
			slog.String("error", err.Error()),
		)
	}
	resp := &Response{
		Response:  res.Summary,
		AgentUsed: res.AgentUsed,
		Status:    res.Status,
		ErrorCode: res.ErrorCode,
		Steps:     res.Invocations,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		RequestID: res.RequestID.String(),
	}
	if resp.Steps == nil {
		resp.Steps = []orchestrator.AgentInvocation{}
	}

	if s.store != nil {
		now := time.Now().UTC()
		err := s.store.Append(ctx, sessionID,
			domain.ConversationTurn{SessionID: sessionID, Role: "user", Content: message, CreatedAt: now},
			domain.ConversationTurn{SessionID: sessionID, Role: "assistant", Content: resp.Response, CreatedAt: now},
		)
		if err != nil {
			s.logger.WarnContext(ctx, "saving conversation turns failed",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
		}
	}
	return resp, nil
}

// Reset clears the history of a session.
func (s *Service) Reset(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		sessionID = DefaultSessionID
	}
	if s.store == nil {
		return nil
	}
	if err := s.store.Reset(ctx, sessionID); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "conversation reset", slog.String("session_id", sessionID))
	return nil
}

// PruneJob returns a scheduler job that deletes turns older than retention.
func PruneJob(store ConversationStore, retention time.Duration, schedule string, logger *slog.Logger) scheduler.Job {
	return scheduler.Job{
		Name:     "conversation-prune",
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			n, err := store.PruneBefore(ctx, time.Now().Add(-retention))
			if err != nil {
				return err
			}
			if n > 0 {
				logger.InfoContext(ctx, "pruned conversation turns",
					slog.Int64("deleted", n),
					slog.Duration("retention", retention),
				)
			}
			return nil
		},
	}
}
