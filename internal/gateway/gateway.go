// Package gateway is the foreground conversation surface: a websocket
// endpoint that queues user work for agents and answers synchronously
// against the shared knowledge graph.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/mindloom/mindloom/internal/engine"
	"github.com/mindloom/mindloom/internal/persistence"
	"github.com/mindloom/mindloom/internal/queue"
	"github.com/mindloom/mindloom/internal/shared"
	"github.com/mindloom/mindloom/internal/tools"
)

const defaultConversationPrompt = `You are an advisory agent in a live conversation with your owner.
Use the graph tools to consult your knowledge before answering. Answer concisely and note when
a question needs research you have not done yet; queued background work will pick it up.`

// Config holds the gateway's dependencies.
type Config struct {
	Addr         string
	Store        *persistence.Store
	Queue        *queue.Queue
	Engine       engine.Generator
	Tools        *tools.Registry
	Logger       *slog.Logger
	AllowOrigins []string
	MaxToolTurns int
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	http   *http.Server
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxToolTurns <= 0 {
		cfg.MaxToolTurns = 8
	}
	s := &Server{cfg: cfg, logger: logger}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen on %s: %w", s.cfg.Addr, err)
	}
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("gateway serve failed", "error", err)
		}
	}()
	s.logger.Info("gateway listening", "addr", ln.Addr().String())
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// userMessage is one inbound conversation frame.
type userMessage struct {
	AgentID string `json:"agent_id"`
	Content string `json:"content"`
}

// reply is one outbound conversation frame.
type reply struct {
	Type    string `json:"type"` // "reply" or "error"
	AgentID string `json:"agent_id,omitempty"`
	TaskID  string `json:"task_id,omitempty"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	conversationID := uuid.NewString()
	ctx := shared.WithConversationID(r.Context(), conversationID)
	s.logger.Info("conversation opened", "conversation_id", conversationID)

	for {
		var msg userMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			s.logger.Info("conversation closed", "conversation_id", conversationID)
			return
		}
		resp := s.handleMessage(ctx, msg)
		if err := wsjson.Write(ctx, conn, resp); err != nil {
			s.logger.Error("conversation write failed",
				"conversation_id", conversationID, "error", err)
			return
		}
	}
}

// handleMessage queues the message as a user task (waking the agent's
// background loop) and produces a synchronous reply with the agent's
// conversation prompt and the read-only graph tools.
func (s *Server) handleMessage(ctx context.Context, msg userMessage) reply {
	if msg.AgentID == "" || msg.Content == "" {
		return reply{Type: "error", Error: "agent_id and content are required"}
	}

	agent, err := s.cfg.Store.GetAgent(ctx, msg.AgentID)
	if err != nil {
		if persistence.IsNotFound(err) {
			return reply{Type: "error", Error: "unknown agent"}
		}
		s.logger.Error("agent lookup failed", "agent_id", msg.AgentID, "error", err)
		return reply{Type: "error", Error: "internal error"}
	}
	if !agent.Active {
		return reply{Type: "error", AgentID: agent.ID, Error: "agent is inactive"}
	}

	taskID, err := s.cfg.Queue.QueueUserTask(ctx, agent.ID,
		queue.Owner{TeamID: agent.TeamID, AideID: agent.AideID}, msg.Content)
	if err != nil {
		s.logger.Error("queue user task failed", "agent_id", agent.ID, "error", err)
		return reply{Type: "error", AgentID: agent.ID, Error: "could not queue task"}
	}

	systemPrompt := agent.Prompt("conversation")
	if systemPrompt == "" {
		systemPrompt = defaultConversationPrompt
	}
	agentCtx := shared.WithAgentID(ctx, agent.ID)
	text, err := s.cfg.Engine.RunWithTools(agentCtx, engine.ToolRunRequest{
		SystemPrompt: systemPrompt,
		Prompt:       msg.Content,
		Tools:        s.cfg.Tools.QueryTools(),
		MaxTurns:     s.cfg.MaxToolTurns,
	})
	if err != nil {
		if errors.Is(err, engine.ErrLLMDisabled) {
			return reply{
				Type: "reply", AgentID: agent.ID, TaskID: taskID,
				Content: "Message queued for background processing. Live replies need a configured LLM provider.",
			}
		}
		s.logger.Error("conversation generation failed", "agent_id", agent.ID, "error", err)
		return reply{Type: "error", AgentID: agent.ID, TaskID: taskID, Error: "reply generation failed"}
	}
	return reply{Type: "reply", AgentID: agent.ID, TaskID: taskID, Content: shared.Redact(text)}
}
