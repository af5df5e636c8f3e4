// Package ws implements the websocket variant of the chat endpoint. Each
// connection is bound to a session; messages on one connection are handled
// in order and answered with the same response the HTTP gateway returns.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/switchboard/internal/chat"
	"github.com/jkaninda/switchboard/internal/protocol"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultReadLimit         = 1 << 20 // 1 MB
	subprotocol              = "switchboard-chat-v1"
)

// ChatService is the subset of *chat.Service the websocket server needs.
type ChatService interface {
	Handle(ctx context.Context, sessionID, message string) (*chat.Response, error)
	Reset(ctx context.Context, sessionID string) error
}

// Options tunes the websocket server. Zero values select defaults.
type Options struct {
	HeartbeatInterval time.Duration
	ReadLimit         int64
	OriginPatterns    []string // Passed to websocket.AcceptOptions. Empty = same origin only.
}

// Server upgrades HTTP requests to chat streams.
type Server struct {
	chat    ChatService
	opts    Options
	logger  *slog.Logger
	clients atomic.Int64
}

// NewServer creates a websocket chat server.
func NewServer(svc ChatService, opts Options, logger *slog.Logger) *Server {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	return &Server{chat: svc, opts: opts, logger: logger}
}

// Handler returns an http.Handler that upgrades connections to websocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

// ConnectedClients returns the number of open chat streams.
func (s *Server) ConnectedClients() int {
	return int(s.clients.Load())
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{subprotocol},
		OriginPatterns: s.opts.OriginPatterns,
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	conn.SetReadLimit(s.opts.ReadLimit)

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = chat.DefaultSessionID
	}
	s.handleConnection(r.Context(), conn, sessionID)
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn, sessionID string) {
	s.clients.Add(1)
	defer func() {
		s.clients.Add(-1)
		conn.Close(websocket.StatusNormalClosure, "connection closed")
	}()

	s.logger.Info("chat stream opened", slog.String("session_id", sessionID))

	welcome, _ := protocol.NewEnvelope(protocol.MsgWelcome, protocol.WelcomePayload{SessionID: sessionID})
	welcome.SessionID = sessionID
	if err := s.writeEnvelope(ctx, conn, welcome); err != nil {
		return
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go s.heartbeatLoop(hbCtx, conn, sessionID)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				s.logger.Info("chat stream closed", slog.String("session_id", sessionID))
			} else {
				s.logger.Warn("chat stream error",
					slog.String("session_id", sessionID),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.replyError(ctx, conn, "", sessionID, "InvalidMessage", "message is not a valid envelope")
			continue
		}
		if env.SessionID == "" {
			env.SessionID = sessionID
		}
		s.handleMessage(ctx, conn, &env)
	}
}

func (s *Server) handleMessage(ctx context.Context, conn *websocket.Conn, env *protocol.Envelope) {
	switch env.Type {
	case protocol.MsgChat:
		var p protocol.ChatPayload
		if err := env.Decode(&p); err != nil || strings.TrimSpace(p.Message) == "" {
			s.replyError(ctx, conn, env.ID, env.SessionID, "InvalidMessage", "message is required")
			return
		}
		resp, err := s.chat.Handle(ctx, env.SessionID, p.Message)
		if err != nil {
			s.logger.Error("chat stream request failed",
				slog.String("session_id", env.SessionID),
				slog.String("error", err.Error()),
			)
			s.replyError(ctx, conn, env.ID, env.SessionID, "InternalError", "processing failed")
			return
		}
		s.reply(ctx, conn, env, protocol.MsgResponse, resp)

	case protocol.MsgReset:
		if err := s.chat.Reset(ctx, env.SessionID); err != nil {
			s.replyError(ctx, conn, env.ID, env.SessionID, "InternalError", "reset failed")
			return
		}
		s.reply(ctx, conn, env, protocol.MsgResetOK, nil)

	case protocol.MsgPong:
		// Heartbeat acknowledgement, nothing to do.

	default:
		s.replyError(ctx, conn, env.ID, env.SessionID, "UnknownMessageType", "unknown message type "+string(env.Type))
	}
}

func (s *Server) reply(ctx context.Context, conn *websocket.Conn, req *protocol.Envelope, msgType protocol.MessageType, payload any) {
	out, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		s.logger.Error("encoding chat stream reply", slog.String("error", err.Error()))
		return
	}
	out.ReplyTo = req.ID
	out.SessionID = req.SessionID
	if err := s.writeEnvelope(ctx, conn, out); err != nil {
		s.logger.Warn("writing chat stream reply",
			slog.String("session_id", req.SessionID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Server) replyError(ctx context.Context, conn *websocket.Conn, replyTo, sessionID, code, message string) {
	s.reply(ctx, conn, &protocol.Envelope{ID: replyTo, SessionID: sessionID}, protocol.MsgError,
		protocol.ErrorPayload{Code: code, Message: message})
}

func (s *Server) heartbeatLoop(ctx context.Context, conn *websocket.Conn, sessionID string) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			env, _ := protocol.NewEnvelope(protocol.MsgPing, nil)
			if err := s.writeEnvelope(ctx, conn, env); err != nil {
				s.logger.Debug("heartbeat ping failed",
					slog.String("session_id", sessionID),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}

func (s *Server) writeEnvelope(ctx context.Context, conn *websocket.Conn, env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
